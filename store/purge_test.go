package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestPurgeExpired(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	now := time.Now().UnixMilli()
	stale := time.Now().Add(-25 * time.Hour).UnixMilli()

	require.NoError(t, s.Put(ctx, CollectionRawMaterials, Record{
		"id": int64(1), "nama_item": "fresh", "cached_at": now,
	}))
	require.NoError(t, s.Put(ctx, CollectionRawMaterials, Record{
		"id": int64(2), "nama_item": "stale", "cached_at": stale,
	}))
	require.NoError(t, s.Put(ctx, CollectionSuppliers, Record{
		"id": int64(3), "nama_pt_toko": "stale too", "cached_at": stale,
	}))
	// Never stamped; an offline-created row the pull has not confirmed yet.
	require.NoError(t, s.Put(ctx, CollectionExpenses, Record{
		"id": int64(4), "nama_pengeluaran": "Listrik",
	}))

	n, err := s.PurgeExpired(ctx, DefaultRetention)
	require.NoError(t, err)
	require.Equal(t, int64(2), n)

	fresh, err := s.Get(ctx, CollectionRawMaterials, 1)
	require.NoError(t, err)
	require.NotNil(t, fresh)

	gone, err := s.Get(ctx, CollectionRawMaterials, 2)
	require.NoError(t, err)
	require.Nil(t, gone)
	gone, err = s.Get(ctx, CollectionSuppliers, 3)
	require.NoError(t, err)
	require.Nil(t, gone)

	// Local-only rows never age out.
	kept, err := s.Get(ctx, CollectionExpenses, 4)
	require.NoError(t, err)
	require.NotNil(t, kept)
}

func TestPurgeExpiredEmptyCache(t *testing.T) {
	s := newTestStore(t)
	n, err := s.PurgeExpired(context.Background(), DefaultRetention)
	require.NoError(t, err)
	require.Zero(t, n)
}
