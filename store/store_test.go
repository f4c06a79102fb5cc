package store

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:", nil)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestOpenCreatesSchema(t *testing.T) {
	s := newTestStore(t)

	for _, table := range append(Collections(), "sync_queue", "_client_info", "_local_seq") {
		var count int
		err := s.DB().QueryRow(
			`SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?`, table).Scan(&count)
		require.NoError(t, err)
		require.Equal(t, 1, count, "table %s should exist", table)
	}

	var foreignKeys int
	err := s.DB().QueryRow(`PRAGMA foreign_keys`).Scan(&foreignKeys)
	require.NoError(t, err)
	require.Equal(t, 1, foreignKeys)
}

func TestOpenIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	path := dir + "/cache.db"

	s, err := Open(path, nil)
	require.NoError(t, err)
	_, err = s.Add(context.Background(), CollectionSuppliers, Record{"nama_pt_toko": "Toko Sinar"})
	require.NoError(t, err)
	require.NoError(t, s.Close())

	// Reopening migrates no further and keeps existing rows.
	s2, err := Open(path, nil)
	require.NoError(t, err)
	defer s2.Close()
	recs, err := s2.Select(context.Background(), CollectionSuppliers, Query{})
	require.NoError(t, err)
	require.Len(t, recs, 1)
}

func TestPutGetRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	rec := Record{
		"id":          int64(7),
		"nama_item":   "Gula Pasir",
		"total_stock": 12.5,
		"kategori":    int64(3),
		"cached_at":   int64(1714500000000),
		"sync_status": SyncStatusPending,
	}
	require.NoError(t, s.Put(ctx, CollectionRawMaterials, rec))

	got, err := s.Get(ctx, CollectionRawMaterials, 7)
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, "Gula Pasir", got.String("nama_item"))
	require.Equal(t, int64(7), got["id"])
	require.Equal(t, int64(1714500000000), got["cached_at"])
	require.Equal(t, SyncStatusPending, got.String("sync_status"))

	id, ok := got.ID()
	require.True(t, ok)
	require.Equal(t, int64(7), id)

	// Put is an upsert.
	rec["nama_item"] = "Gula Merah"
	require.NoError(t, s.Put(ctx, CollectionRawMaterials, rec))
	got, err = s.Get(ctx, CollectionRawMaterials, 7)
	require.NoError(t, err)
	require.Equal(t, "Gula Merah", got.String("nama_item"))
}

func TestGetMissingReturnsNil(t *testing.T) {
	s := newTestStore(t)
	got, err := s.Get(context.Background(), CollectionProducts, 999)
	require.NoError(t, err)
	require.Nil(t, got)
}

func TestUnknownCollectionRejected(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Get(context.Background(), "users; DROP TABLE sales", 1)
	require.Error(t, err)
	require.Contains(t, err.Error(), "unknown collection")
}

func TestAddAssignsTimestampPlaceholder(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	before := time.Now().UnixMilli()
	id1, err := s.Add(ctx, CollectionExpenses, Record{"nama_pengeluaran": "Listrik"})
	require.NoError(t, err)
	id2, err := s.Add(ctx, CollectionExpenses, Record{"nama_pengeluaran": "Air"})
	require.NoError(t, err)

	require.GreaterOrEqual(t, id1, before)
	require.Greater(t, id2, id1, "placeholder ids must be distinct and increasing")
}

func TestAddRespectsExplicitID(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id, err := s.Add(ctx, CollectionExpenses, Record{"id": int64(42), "nama_pengeluaran": "Gas"})
	require.NoError(t, err)
	require.Equal(t, int64(42), id)

	// A second insert on the same id is a conflict, not an upsert.
	_, err = s.Add(ctx, CollectionExpenses, Record{"id": int64(42), "nama_pengeluaran": "Gas"})
	require.Error(t, err)
}

func TestSeedIDFloorDrivesAdd(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SeedIDFloor(ctx, CollectionInventoryLog, 41))

	id1, err := s.Add(ctx, CollectionInventoryLog, Record{"tipe_transaksi": "STOK_AWAL"})
	require.NoError(t, err)
	id2, err := s.Add(ctx, CollectionInventoryLog, Record{"tipe_transaksi": "PENJUALAN"})
	require.NoError(t, err)
	require.Equal(t, int64(41), id1)
	require.Equal(t, int64(42), id2)

	// The floor never moves backwards.
	require.NoError(t, s.SeedIDFloor(ctx, CollectionInventoryLog, 10))
	id3, err := s.Add(ctx, CollectionInventoryLog, Record{"tipe_transaksi": "WASTE"})
	require.NoError(t, err)
	require.Equal(t, int64(43), id3)
}

func TestUpdateMergesPartial(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, CollectionSales, Record{
		"id": int64(5), "status": "open", "total": 10000.0,
	}))
	require.NoError(t, s.Update(ctx, CollectionSales, 5, Record{
		"status": "paid", "sync_status": SyncStatusPending,
	}))

	got, err := s.Get(ctx, CollectionSales, 5)
	require.NoError(t, err)
	require.Equal(t, "paid", got.String("status"))
	require.Equal(t, 10000.0, got["total"])
	require.Equal(t, SyncStatusPending, got.String("sync_status"))

	err = s.Update(ctx, CollectionSales, 404, Record{"status": "paid"})
	require.Error(t, err)
}

func TestDeleteAndClear(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, CollectionUnits, Record{"id": int64(1), "name": "gram"}))
	require.NoError(t, s.Put(ctx, CollectionUnits, Record{"id": int64(2), "name": "liter"}))

	require.NoError(t, s.Delete(ctx, CollectionUnits, 1))
	got, err := s.Get(ctx, CollectionUnits, 1)
	require.NoError(t, err)
	require.Nil(t, got)

	require.NoError(t, s.Clear(ctx, CollectionUnits))
	recs, err := s.Select(ctx, CollectionUnits, Query{})
	require.NoError(t, err)
	require.Empty(t, recs)
}

func TestSelectFiltersAndOrders(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	rows := []Record{
		{"id": int64(1), "nama_pengeluaran": "Listrik", "kategori": int64(2), "tanggal": "2024-05-01"},
		{"id": int64(2), "nama_pengeluaran": "Air", "kategori": int64(2), "tanggal": "2024-05-03"},
		{"id": int64(3), "nama_pengeluaran": "Sewa", "kategori": int64(1), "tanggal": "2024-05-02"},
	}
	require.NoError(t, s.BulkPut(ctx, CollectionExpenses, rows))

	// Equality filter on an indexed JSON field.
	recs, err := s.Select(ctx, CollectionExpenses, Query{
		Where: []Cond{Eq("kategori", 2)},
	})
	require.NoError(t, err)
	require.Len(t, recs, 2)

	// Reverse chronological ordering with a limit.
	recs, err = s.Select(ctx, CollectionExpenses, Query{
		OrderBy: "tanggal",
		Desc:    true,
		Limit:   2,
	})
	require.NoError(t, err)
	require.Len(t, recs, 2)
	require.Equal(t, "Air", recs[0].String("nama_pengeluaran"))
	require.Equal(t, "Sewa", recs[1].String("nama_pengeluaran"))

	// Range filter.
	recs, err = s.Select(ctx, CollectionExpenses, Query{
		Where: []Cond{AtLeast("tanggal", "2024-05-02")},
	})
	require.NoError(t, err)
	require.Len(t, recs, 2)
}

func TestWithTxRollsBackMultiTableWrite(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	err := s.WithTx(ctx, func(tx *sql.Tx) error {
		if err := s.PutTx(ctx, tx, CollectionPurchaseOrders, Record{"id": int64(1), "status": "draft"}); err != nil {
			return err
		}
		if err := s.PutTx(ctx, tx, CollectionPOItems, Record{"id": int64(10), "purchase_order": int64(1)}); err != nil {
			return err
		}
		// A missing id errors after the first two writes landed in the tx.
		return s.PutTx(ctx, tx, CollectionPOItems, Record{"purchase_order": int64(1)})
	})
	require.Error(t, err)

	// Neither table kept anything.
	order, err := s.Get(ctx, CollectionPurchaseOrders, 1)
	require.NoError(t, err)
	require.Nil(t, order)
	item, err := s.Get(ctx, CollectionPOItems, 10)
	require.NoError(t, err)
	require.Nil(t, item)
}

func TestMaxID(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	max, err := s.MaxID(ctx, CollectionInventoryLog)
	require.NoError(t, err)
	require.Zero(t, max)

	require.NoError(t, s.Put(ctx, CollectionInventoryLog, Record{"id": int64(40)}))
	require.NoError(t, s.Put(ctx, CollectionInventoryLog, Record{"id": int64(12)}))
	max, err = s.MaxID(ctx, CollectionInventoryLog)
	require.NoError(t, err)
	require.Equal(t, int64(40), max)
}

func TestEnsureDeviceID(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id1, err := s.EnsureDeviceID(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, id1)

	id2, err := s.EnsureDeviceID(ctx)
	require.NoError(t, err)
	require.Equal(t, id1, id2)
}

func TestNestedDocumentRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	rec := Record{
		"id": int64(3),
		"items": []any{
			map[string]any{"id": float64(1), "jumlah_pesan": float64(5)},
			map[string]any{"id": float64(2), "jumlah_pesan": float64(2)},
		},
	}
	require.NoError(t, s.Put(ctx, CollectionPurchaseOrders, rec))

	got, err := s.Get(ctx, CollectionPurchaseOrders, 3)
	require.NoError(t, err)
	items, ok := got["items"].([]any)
	require.True(t, ok)
	require.Len(t, items, 2)
}
