package store

import "fmt"

// Collection names known to the local cache. One SQLite table per collection,
// created by the embedded migrations; the list here is what Purge and the
// collection-name validation iterate over.
const (
	CollectionSuppliers              = "suppliers"
	CollectionItemCategories         = "item_categories"
	CollectionExpenseCategories      = "expense_categories"
	CollectionUnits                  = "units"
	CollectionRawMaterials           = "raw_materials"
	CollectionProducts               = "products"
	CollectionRecipeItems            = "recipe_items"
	CollectionPurchaseOrders         = "purchase_orders"
	CollectionPOItems                = "po_items"
	CollectionStockOpnames           = "stock_opnames"
	CollectionStockOpnameItems       = "stock_opname_items"
	CollectionSales                  = "sales"
	CollectionSalesItems             = "sales_items"
	CollectionExpenses               = "expenses"
	CollectionInventoryLog           = "log_inventaris"
	CollectionWaste                  = "waste"
	CollectionCookedItems            = "cooked_items"
	CollectionCookedItemRawMaterials = "cooked_items_raw_materials"
)

// Collections returns every cache collection in a stable order.
func Collections() []string {
	return []string{
		CollectionSuppliers,
		CollectionItemCategories,
		CollectionExpenseCategories,
		CollectionUnits,
		CollectionRawMaterials,
		CollectionProducts,
		CollectionRecipeItems,
		CollectionPurchaseOrders,
		CollectionPOItems,
		CollectionStockOpnames,
		CollectionStockOpnameItems,
		CollectionSales,
		CollectionSalesItems,
		CollectionExpenses,
		CollectionInventoryLog,
		CollectionWaste,
		CollectionCookedItems,
		CollectionCookedItemRawMaterials,
	}
}

var knownCollections = func() map[string]struct{} {
	m := make(map[string]struct{})
	for _, c := range Collections() {
		m[c] = struct{}{}
	}
	return m
}()

// checkCollection rejects table names that are not part of the cache schema.
// Collection names end up interpolated into SQL, so unknown names must never
// reach the query builder.
func checkCollection(collection string) error {
	if _, ok := knownCollections[collection]; !ok {
		return fmt.Errorf("unknown collection %q", collection)
	}
	return nil
}
