// Package schema defines the interface the core consumes to understand
// a record type — the "schema reflection layer" spec.md marks as an
// external collaborator — plus the Table/Index descriptors built on top
// of it. The core never reflects on a record itself; it only calls
// through an Adapter.
package schema

import (
	"fmt"
	"strings"

	"github.com/bolner/fatcatdb/dberr"
)

// KeySeparator joins the string-form components of a unique key or an
// index path into one map/lookup key. It is the unit separator
// control character, chosen because none of the engine's string
// converters are expected to ever produce it.
const KeySeparator = "\x1f"

// Adapter is the per-record-type collaborator spec.md §9 describes:
// "columnCount, getColumn, setColumn, compareColumn, columnToString,
// columnFromString" plus the minimum extra the engine needs to
// allocate and copy records without reflecting on them itself.
type Adapter interface {
	// ColumnCount returns the number of declared columns.
	ColumnCount() int
	// ColumnName returns the declared name of column i.
	ColumnName(i int) string
	// GetColumn reads column i from record.
	GetColumn(record any, i int) any
	// SetColumn writes value into column i of record.
	SetColumn(record any, i int, value any)
	// CompareColumn orders two column values the way the column's
	// declared type naturally orders (used for sort and bound/free
	// sort stabilization); must return <0, 0, >0.
	CompareColumn(i int, a, b any) int
	// ColumnToString renders a column value for the packet's text
	// form and for path encoding. Must render the schema's NullValue
	// string when v is the column's null value.
	ColumnToString(i int, v any) string
	// ColumnFromString parses a column value out of its text form.
	// Must return the column's null value when s equals NullValue.
	ColumnFromString(i int, s string) (any, error)
	// NewRecord allocates a zero-valued record.
	NewRecord() any
	// CloneRecord returns an independent copy of record, so the core
	// can hand a copy into the update hook without aliasing the
	// stored value.
	CloneRecord(record any) any
}

// Index is an ordered list of column positions defining one
// partitioning of a table (spec.md §4.4's "ordered list of column
// positions"). Indexes are partitioning keys, not B-trees.
type Index struct {
	Name    string
	Columns []int
}

// Table bundles an Adapter with the declarative parts of the schema
// that the adapter alone can't express generically: which columns form
// the unique key, the null sentinel string, and the declared indexes.
// Table is immutable after NewTable succeeds.
type Table struct {
	Name          string
	Adapter       Adapter
	UniqueColumns []int
	NullValue     string
	Indexes       []Index

	columnNames []string
}

// NewTable validates and builds a Table descriptor. Validation is a
// precondition of every other component (spec.md §4.4): every column
// name is present and unique, NullValue defaults to "", at least one
// index exists, and every index's columns refer to real columns.
func NewTable(name string, adapter Adapter, uniqueColumns []int, nullValue string, indexes []Index) (*Table, error) {
	if name == "" {
		return nil, dberr.New(dberr.SchemaInvalid, "table name must not be empty")
	}
	if adapter == nil {
		return nil, dberr.New(dberr.SchemaInvalid, "table "+name+": adapter must not be nil")
	}

	n := adapter.ColumnCount()
	if n <= 0 {
		return nil, dberr.New(dberr.SchemaInvalid, fmt.Sprintf("table %s: adapter reports %d columns", name, n))
	}

	names := make([]string, n)
	seen := make(map[string]bool, n)
	for i := 0; i < n; i++ {
		cn := adapter.ColumnName(i)
		if cn == "" {
			return nil, dberr.New(dberr.SchemaInvalid, fmt.Sprintf("table %s: column %d has an empty name", name, i))
		}
		if seen[cn] {
			return nil, dberr.New(dberr.SchemaInvalid, fmt.Sprintf("table %s: duplicate column name %q", name, cn))
		}
		seen[cn] = true
		names[i] = cn
	}

	if len(uniqueColumns) == 0 {
		return nil, dberr.New(dberr.SchemaInvalid, fmt.Sprintf("table %s: must declare at least one unique column", name))
	}
	for _, c := range uniqueColumns {
		if c < 0 || c >= n {
			return nil, dberr.New(dberr.SchemaInvalid, fmt.Sprintf("table %s: unique column position %d out of range", name, c))
		}
	}

	if len(indexes) == 0 {
		return nil, dberr.New(dberr.SchemaInvalid, fmt.Sprintf("table %s: must declare at least one index", name))
	}
	seenIndexNames := make(map[string]bool, len(indexes))
	for _, idx := range indexes {
		if idx.Name == "" {
			return nil, dberr.New(dberr.SchemaInvalid, fmt.Sprintf("table %s: index with empty name", name))
		}
		if seenIndexNames[idx.Name] {
			return nil, dberr.New(dberr.SchemaInvalid, fmt.Sprintf("table %s: duplicate index name %q", name, idx.Name))
		}
		seenIndexNames[idx.Name] = true
		if len(idx.Columns) == 0 {
			return nil, dberr.New(dberr.SchemaInvalid, fmt.Sprintf("table %s: index %q has no columns", name, idx.Name))
		}
		for _, c := range idx.Columns {
			if c < 0 || c >= n {
				return nil, dberr.New(dberr.SchemaInvalid, fmt.Sprintf("table %s: index %q references unknown column position %d", name, idx.Name, c))
			}
		}
	}

	if nullValue == "" {
		nullValue = ""
	}

	return &Table{
		Name:          name,
		Adapter:       adapter,
		UniqueColumns: uniqueColumns,
		NullValue:     nullValue,
		Indexes:       indexes,
		columnNames:   names,
	}, nil
}

// ColumnNames returns the declared column names in declared order.
func (t *Table) ColumnNames() []string {
	return t.columnNames
}

// ColumnPosition returns the position of the named column, or -1.
func (t *Table) ColumnPosition(name string) int {
	for i, n := range t.columnNames {
		if n == name {
			return i
		}
	}
	return -1
}

// Index looks up a declared index by name, or reports ok=false.
func (t *Table) Index(name string) (Index, bool) {
	for _, idx := range t.Indexes {
		if idx.Name == name {
			return idx, true
		}
	}
	return Index{}, false
}

// UniqueKey renders the unique-key columns of record as strings, in
// declared unique-column order — the "unique(record)" spec.md refers
// to throughout §4.3/§4.9/§4.10.
func (t *Table) UniqueKey(record any) []string {
	out := make([]string, len(t.UniqueColumns))
	for i, col := range t.UniqueColumns {
		out[i] = t.Adapter.ColumnToString(col, t.Adapter.GetColumn(record, col))
	}
	return out
}

// IndexPath renders the given index's columns of record as strings, in
// the index's declared column order.
func (t *Table) IndexPath(idx Index, record any) []string {
	out := make([]string, len(idx.Columns))
	for i, col := range idx.Columns {
		out[i] = t.Adapter.ColumnToString(col, t.Adapter.GetColumn(record, col))
	}
	return out
}

// UniqueKeyString joins UniqueKey's components into the single string
// used as the map key inside a packet's record store.
func (t *Table) UniqueKeyString(record any) string {
	return strings.Join(t.UniqueKey(record), KeySeparator)
}

// IndexPathString joins IndexPath's components into the single string
// used to identify a transaction's per-packet plan.
func (t *Table) IndexPathString(idx Index, record any) string {
	return strings.Join(t.IndexPath(idx, record), KeySeparator)
}
