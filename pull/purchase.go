package pull

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/yudhapratama/wmb/remote"
	"github.com/yudhapratama/wmb/store"
)

var purchaseOrderFields = []string{
	"*", "supplier.*",
	"pembuat_po.first_name", "pembuat_po.last_name",
	"penerima_barang.first_name", "penerima_barang.last_name",
}

var poItemFields = []string{
	"*",
	"item.id", "item.nama_item",
	"item.kategori.id", "item.kategori.name",
	"item.unit.id", "item.unit.name", "item.unit.abbreviation",
}

// PurchaseOrders pulls purchase orders and their line items in two queries
// (never one per parent), joins them in memory by foreign key and persists
// both tables in one transaction with full denormalization. id 0 pulls every
// order; a non-zero id refreshes just that order.
func (p *Pipeline) PurchaseOrders(ctx context.Context, id int64) error {
	var (
		orders []remote.Item
		err    error
	)
	if id != 0 {
		order, gerr := p.Remote.Get(ctx, store.CollectionPurchaseOrders, id, purchaseOrderFields)
		if gerr != nil {
			return fmt.Errorf("failed to pull purchase order %d: %w", id, gerr)
		}
		orders = []remote.Item{order}
	} else {
		orders, err = p.Remote.List(ctx, store.CollectionPurchaseOrders, remote.ListQuery{
			Fields: purchaseOrderFields,
		})
		if err != nil {
			return fmt.Errorf("failed to pull purchase orders: %w", err)
		}
	}

	// One items query for the whole batch, filtered to the pulled orders.
	var itemFilter map[string]any
	if id != 0 {
		itemFilter = map[string]any{"purchase_order": map[string]any{"_eq": id}}
	} else {
		orderIDs := make([]int64, 0, len(orders))
		for _, order := range orders {
			if oid, ok := idInt64(order["id"]); ok {
				orderIDs = append(orderIDs, oid)
			}
		}
		itemFilter = map[string]any{"purchase_order": map[string]any{"_in": orderIDs}}
	}
	items, err := p.Remote.List(ctx, store.CollectionPOItems, remote.ListQuery{
		Fields: poItemFields,
		Filter: itemFilter,
	})
	if err != nil {
		return fmt.Errorf("failed to pull purchase order items: %w", err)
	}

	// Join children to parents in memory.
	itemsByOrder := make(map[int64][]remote.Item)
	for _, item := range items {
		if oid, ok := idInt64(item["purchase_order"]); ok {
			itemsByOrder[oid] = append(itemsByOrder[oid], item)
		}
	}

	cachedAt := p.now().UnixMilli()
	return p.Store.WithTx(ctx, func(tx *sql.Tx) error {
		if id == 0 {
			if err := p.Store.ClearTx(ctx, tx, store.CollectionPurchaseOrders); err != nil {
				return err
			}
			if err := p.Store.ClearTx(ctx, tx, store.CollectionPOItems); err != nil {
				return err
			}
		}

		for _, order := range orders {
			orderID, ok := idInt64(order["id"])
			if !ok {
				return fmt.Errorf("purchase order without id in pull response")
			}
			orderItems := itemsByOrder[orderID]

			rec := store.Record(order).Clone()
			rec["supplier_name"] = relString(order["supplier"], "nama_pt_toko")
			rec["supplier_category"] = relField(order["supplier"], "kategori_supplier")
			rec["pembuat_po_name"] = personName(order["pembuat_po"])
			rec["penerima_barang_name"] = personName(order["penerima_barang"])
			rec["supplier"] = ExtractID(order["supplier"])
			rec["pembuat_po"] = ExtractID(order["pembuat_po"])
			rec["penerima_barang"] = ExtractID(order["penerima_barang"])
			rec["items"] = denormalizedPOItems(orderItems, orderID)
			rec[store.FieldCachedAt] = cachedAt
			if err := p.Store.PutTx(ctx, tx, store.CollectionPurchaseOrders, rec); err != nil {
				return err
			}

			for _, item := range orderItems {
				itemRec := denormalizePOItem(item, orderID)
				itemRec[store.FieldCachedAt] = cachedAt
				if err := p.Store.PutTx(ctx, tx, store.CollectionPOItems, itemRec); err != nil {
					return err
				}
			}
		}
		return nil
	})
}

// denormalizePOItem flattens a po_item's raw-material relation into scalar
// foreign keys plus the display fields the receiving views need. The item
// relation may arrive as a bare id when no expansion happened; in that case
// the display fields stay unset.
func denormalizePOItem(item remote.Item, orderID int64) store.Record {
	rec := store.Record(item).Clone()
	material := item["item"]
	rec["item_name"] = relField(material, "nama_item")
	rec["item_category"] = ExtractID(relField(material, "kategori"))
	rec["item_category_name"] = relString(relField(material, "kategori"), "name")
	rec["unit_id"] = ExtractID(relField(material, "unit"))
	rec["unit_name"] = relString(relField(material, "unit"), "name")
	rec["unit_abbreviation"] = relString(relField(material, "unit"), "abbreviation")
	rec["item"] = ExtractID(material)
	rec["purchase_order"] = orderID
	return rec
}

func denormalizedPOItems(items []remote.Item, orderID int64) []store.Record {
	out := make([]store.Record, 0, len(items))
	for _, item := range items {
		out = append(out, denormalizePOItem(item, orderID))
	}
	return out
}

// StockOpname pulls one stock count with its line items expanded and persists
// parent and children to their own tables in a single transaction.
func (p *Pipeline) StockOpname(ctx context.Context, id int64) error {
	opname, err := p.Remote.Get(ctx, store.CollectionStockOpnames, id,
		[]string{"*", "items_opname.*", "items_opname.nama_bahan.*"})
	if err != nil {
		return fmt.Errorf("failed to pull stock opname %d: %w", id, err)
	}

	cachedAt := p.now().UnixMilli()
	items, _ := opname["items_opname"].([]any)

	return p.Store.WithTx(ctx, func(tx *sql.Tx) error {
		rec := store.Record(opname).Clone()
		rec[store.FieldCachedAt] = cachedAt
		if err := p.Store.PutTx(ctx, tx, store.CollectionStockOpnames, rec); err != nil {
			return err
		}

		for _, raw := range items {
			item, ok := raw.(map[string]any)
			if !ok {
				// Bare id, nothing to materialize without detail data.
				continue
			}
			itemRec := store.Record(item).Clone()
			itemRec["nama_bahan_name"] = relField(item["nama_bahan"], "nama_item")
			itemRec["nama_bahan"] = ExtractID(item["nama_bahan"])
			itemRec["stock_opname_id"] = id
			itemRec[store.FieldCachedAt] = cachedAt
			if err := p.Store.PutTx(ctx, tx, store.CollectionStockOpnameItems, itemRec); err != nil {
				return err
			}
		}
		return nil
	})
}
