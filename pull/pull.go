// Package pull implements the read-path refresh: it fetches collections from
// the remote item store, flattens nested relation objects into scalar foreign
// keys plus redundant display fields, stamps a cache timestamp and bulk-loads
// the local store. Denormalization is re-derived on every pull; the remote
// relational shape stays the source of truth.
package pull

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/yudhapratama/wmb/remote"
	"github.com/yudhapratama/wmb/store"
)

// Pipeline pulls remote collections into the local store.
type Pipeline struct {
	Remote *remote.Client
	Store  *store.Store

	logger *slog.Logger
	now    func() time.Time
}

// New builds a pull pipeline.
func New(rc *remote.Client, st *store.Store, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{Remote: rc, Store: st, logger: logger, now: time.Now}
}

// Options controls a generic collection pull.
type Options struct {
	Fields        []string
	Filter        map[string]any
	Sort          []string
	Limit         int
	ClearExisting bool
}

// defaultFields mirrors the relation expansions each collection needs so list
// views can render without further joins. Collections not listed here pull
// every scalar field.
func defaultFields(collection string) []string {
	switch collection {
	case store.CollectionRawMaterials:
		return []string{"*", "kategori.*", "unit.*", "supplier_utama.*"}
	case store.CollectionProducts:
		return []string{"*", "kategori.*", "resep.cooked_items_id.*", "supplier_konsinyasi.*"}
	case store.CollectionPurchaseOrders:
		return []string{
			"id", "status", "catatan_pembelian", "total_pembayaran", "tanggal_pembayaran",
			"date_created", "date_updated", "supplier.nama_pt_toko", "pembuat_po.first_name",
		}
	default:
		return []string{"*"}
	}
}

// Collection pulls one collection and bulk-replaces (or merges into) its
// local table. When ClearExisting is set, the clear happens inside the same
// transaction as the bulk write so concurrent readers never observe an empty
// table.
func (p *Pipeline) Collection(ctx context.Context, collection string, opts Options) error {
	fields := opts.Fields
	if len(fields) == 0 {
		fields = defaultFields(collection)
	}
	items, err := p.Remote.List(ctx, collection, remote.ListQuery{
		Fields: fields,
		Filter: opts.Filter,
		Sort:   opts.Sort,
		Limit:  opts.Limit,
	})
	if err != nil {
		return fmt.Errorf("failed to pull %s: %w", collection, err)
	}

	cachedAt := p.now().UnixMilli()
	recs := make([]store.Record, 0, len(items))
	for _, item := range items {
		rec := store.Record(item).Clone()
		rec[store.FieldCachedAt] = cachedAt
		recs = append(recs, rec)
	}

	err = p.Store.WithTx(ctx, func(tx *sql.Tx) error {
		if opts.ClearExisting {
			if err := p.Store.ClearTx(ctx, tx, collection); err != nil {
				return err
			}
		}
		return p.Store.BulkPutTx(ctx, tx, collection, recs)
	})
	if err != nil {
		return fmt.Errorf("failed to cache %s: %w", collection, err)
	}

	p.logger.Debug("pulled collection", "collection", collection, "rows", len(recs))
	return nil
}

// RawMaterials pulls raw materials with their category, unit and main
// supplier expanded, flattening each relation to its id plus the display
// fields the inventory list renders.
func (p *Pipeline) RawMaterials(ctx context.Context) error {
	items, err := p.Remote.List(ctx, store.CollectionRawMaterials, remote.ListQuery{
		Fields: []string{"*", "kategori.name", "unit.name", "unit.abbreviation", "supplier_utama.nama_pt_toko"},
	})
	if err != nil {
		return fmt.Errorf("failed to pull raw materials: %w", err)
	}

	cachedAt := p.now().UnixMilli()
	recs := make([]store.Record, 0, len(items))
	for _, item := range items {
		rec := store.Record(item).Clone()
		rec["kategori_name"] = relString(item["kategori"], "name")
		rec["unit_name"] = relString(item["unit"], "name")
		rec["unit_abbreviation"] = relString(item["unit"], "abbreviation")
		rec["supplier_name"] = relString(item["supplier_utama"], "nama_pt_toko")
		rec["kategori"] = ExtractID(item["kategori"])
		rec["unit"] = ExtractID(item["unit"])
		rec["supplier_utama"] = ExtractID(item["supplier_utama"])
		rec[store.FieldCachedAt] = cachedAt
		recs = append(recs, rec)
	}

	if err := p.Store.BulkPut(ctx, store.CollectionRawMaterials, recs); err != nil {
		return fmt.Errorf("failed to cache raw materials: %w", err)
	}
	return nil
}

// Bootstrap performs the initial full refresh: master data first with a clean
// replace, then the denormalized purchasing pulls, then a clean slate for the
// audit collections that only ever flow upward.
func (p *Pipeline) Bootstrap(ctx context.Context) error {
	masters := []string{
		store.CollectionSuppliers,
		store.CollectionItemCategories,
		store.CollectionUnits,
		store.CollectionExpenseCategories,
		store.CollectionProducts,
		store.CollectionRecipeItems,
	}
	for _, collection := range masters {
		if err := p.Collection(ctx, collection, Options{ClearExisting: true}); err != nil {
			return err
		}
	}
	if err := p.RawMaterials(ctx); err != nil {
		return err
	}
	if err := p.PurchaseOrders(ctx, 0); err != nil {
		return err
	}

	// Audit collections are append-only from this device; the cache starts
	// empty and fills as the session writes.
	err := p.Store.WithTx(ctx, func(tx *sql.Tx) error {
		if err := p.Store.ClearTx(ctx, tx, store.CollectionInventoryLog); err != nil {
			return err
		}
		return p.Store.ClearTx(ctx, tx, store.CollectionWaste)
	})
	if err != nil {
		return fmt.Errorf("failed to reset audit collections: %w", err)
	}

	p.logger.Info("bootstrap pull completed")
	return nil
}
