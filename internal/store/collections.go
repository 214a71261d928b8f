package store

import "fmt"

// ColumnKind is the storage type of a projected index column.
type ColumnKind int

const (
	KindText ColumnKind = iota
	KindInt
	KindTime
)

// Column is one typed, projected attribute of an index row.
type Column struct {
	Name string
	Kind ColumnKind
}

// Collection describes how one record type is laid out in the store.
//
// Columns lists the projected attributes between the key columns and the
// common trailer (created_at, updated_at, search_text, indexed_at).
// SearchFields names the Columns concatenated into search_text, in order.
type Collection struct {
	Name         string
	IndexTable   string
	DetailTable  string
	Columns      []Column
	SearchFields []string
}

// Orders is the order collection.
var Orders = &Collection{
	Name:        "orders",
	IndexTable:  "orders_index",
	DetailTable: "orders_detail",
	Columns: []Column{
		{Name: "name", Kind: KindText},
		{Name: "order_number", Kind: KindInt},
		{Name: "email", Kind: KindText},
		{Name: "phone", Kind: KindText},
		{Name: "customer_id", Kind: KindInt},
		{Name: "customer_name", Kind: KindText},
		{Name: "financial_status", Kind: KindText},
		{Name: "fulfillment_status", Kind: KindText},
		{Name: "currency", Kind: KindText},
		{Name: "total_price", Kind: KindText},
		{Name: "tags", Kind: KindText},
		{Name: "cancelled_at", Kind: KindTime},
	},
	SearchFields: []string{
		"name", "order_number", "email", "phone", "customer_name",
		"financial_status", "fulfillment_status", "tags",
	},
}

// Customers is the customer collection.
var Customers = &Collection{
	Name:        "customers",
	IndexTable:  "customers_index",
	DetailTable: "customers_detail",
	Columns: []Column{
		{Name: "email", Kind: KindText},
		{Name: "phone", Kind: KindText},
		{Name: "first_name", Kind: KindText},
		{Name: "last_name", Kind: KindText},
		{Name: "state", Kind: KindText},
		{Name: "orders_count", Kind: KindInt},
		{Name: "total_spent", Kind: KindText},
		{Name: "currency", Kind: KindText},
		{Name: "tags", Kind: KindText},
	},
	SearchFields: []string{"first_name", "last_name", "email", "phone", "tags"},
}

// Collections returns every known collection in a stable order.
func Collections() []*Collection {
	return []*Collection{Orders, Customers}
}

// CollectionByName looks up a collection.
func CollectionByName(name string) (*Collection, error) {
	for _, c := range Collections() {
		if c.Name == name {
			return c, nil
		}
	}
	return nil, fmt.Errorf("unknown collection %q", name)
}

// indexColumns is the full column list of the index table, in insert order.
func (c *Collection) indexColumns() []string {
	cols := make([]string, 0, len(c.Columns)+6)
	cols = append(cols, "tenant_id", "record_id")
	for _, col := range c.Columns {
		cols = append(cols, col.Name)
	}
	return append(cols, "created_at", "updated_at", "search_text", "indexed_at")
}

func (c *Collection) column(name string) (Column, bool) {
	for _, col := range c.Columns {
		if col.Name == name {
			return col, true
		}
	}
	return Column{}, false
}
