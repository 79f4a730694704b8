// Package rowschema is the reference schema.Adapter implementation
// spec.md §1 marks as an external collaborator ("the schema reflection
// layer... annotation parsing, property enumeration, type conversion to/
// from the column string form"): a reflect-based adapter over a tagged
// Go struct, paired with a declarative YAML document (loaded through
// config.LoadDocument) describing the table's indexes — struct tags
// carry per-field concerns, the YAML document carries the parts that
// aren't expressible as a tag.
//
// The core never imports this package; it only consumes the
// schema.Adapter interface rowschema builds. This is reference glue so
// the engine is runnable end to end without a host writing its own
// adapter from scratch.
package rowschema

import (
	"fmt"
	"reflect"
	"strconv"

	"github.com/bolner/fatcatdb/config"
	"github.com/bolner/fatcatdb/schema"
)

// TagKey is the struct tag rowschema reads to find a field's column
// name and unique-key membership: `fatcat:"name,unique"`.
const TagKey = "fatcat"

// field describes one reflected struct field's column binding.
type field struct {
	structIndex int
	name        string
	unique      bool
}

// Adapter reflects over a tagged struct type to implement
// schema.Adapter without a host hand-writing getColumn/setColumn/etc.
// per type.
type Adapter struct {
	recordType reflect.Type
	fields     []field
	nullValue  string
}

// Document is the declarative part of a table's schema that struct
// tags can't express on their own: the table's name, its indexes (each
// an ordered list of column names), and the null sentinel string.
// Loaded with config.LoadDocument.
type Document struct {
	Table     string         `yaml:"table"`
	NullValue string         `yaml:"null_value"`
	Indexes   []IndexDocument `yaml:"indexes"`
}

// IndexDocument names one declared index and its ordered columns.
type IndexDocument struct {
	Name    string   `yaml:"name"`
	Columns []string `yaml:"columns"`
}

// NewAdapter reflects over template's type (a pointer to a struct,
// e.g. (*Metric)(nil)) and builds an Adapter. Each field carrying a
// `fatcat:"..."` tag becomes a column named by the tag (the Go field
// name when the tag's name part is empty); fields without the tag are
// ignored. nullValue is the schema's null sentinel string,
// duplicated here because schema.Adapter's ColumnFromString/
// ColumnToString contract requires each adapter to know it on its own.
func NewAdapter(template any, nullValue string) (*Adapter, error) {
	t := reflect.TypeOf(template)
	if t == nil || t.Kind() != reflect.Pointer || t.Elem().Kind() != reflect.Struct {
		return nil, fmt.Errorf("rowschema: template must be a pointer to a struct, got %T", template)
	}
	structType := t.Elem()

	var fields []field
	seen := map[string]bool{}
	for i := 0; i < structType.NumField(); i++ {
		sf := structType.Field(i)
		tag, ok := sf.Tag.Lookup(TagKey)
		if !ok {
			continue
		}
		name, unique := parseTag(tag)
		if name == "" {
			name = sf.Name
		}
		if seen[name] {
			return nil, fmt.Errorf("rowschema: duplicate column name %q on %s", name, structType.Name())
		}
		seen[name] = true
		fields = append(fields, field{structIndex: i, name: name, unique: unique})
	}
	if len(fields) == 0 {
		return nil, fmt.Errorf("rowschema: %s has no fields tagged with %q", structType.Name(), TagKey)
	}

	return &Adapter{recordType: structType, fields: fields, nullValue: nullValue}, nil
}

func parseTag(tag string) (name string, unique bool) {
	parts := splitComma(tag)
	if len(parts) > 0 {
		name = parts[0]
	}
	for _, p := range parts[1:] {
		if p == "unique" {
			unique = true
		}
	}
	return name, unique
}

func splitComma(s string) []string {
	var out []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == ',' {
			out = append(out, s[start:i])
			start = i + 1
		}
	}
	out = append(out, s[start:])
	return out
}

// UniqueColumns returns the positions of every field tagged "unique",
// in declared order — the slice NewTable wants for its uniqueColumns
// argument.
func (a *Adapter) UniqueColumns() []int {
	var out []int
	for i, f := range a.fields {
		if f.unique {
			out = append(out, i)
		}
	}
	return out
}

// ColumnPosition returns the position of the named column, or -1.
func (a *Adapter) ColumnPosition(name string) int {
	for i, f := range a.fields {
		if f.name == name {
			return i
		}
	}
	return -1
}

func (a *Adapter) ColumnCount() int { return len(a.fields) }

func (a *Adapter) ColumnName(i int) string { return a.fields[i].name }

func (a *Adapter) GetColumn(record any, i int) any {
	v := reflect.ValueOf(record).Elem().Field(a.fields[i].structIndex)
	return v.Interface()
}

func (a *Adapter) SetColumn(record any, i int, value any) {
	v := reflect.ValueOf(record).Elem().Field(a.fields[i].structIndex)
	v.Set(reflect.ValueOf(value))
}

func (a *Adapter) CompareColumn(i int, x, y any) int {
	switch v := x.(type) {
	case string:
		w := y.(string)
		switch {
		case v < w:
			return -1
		case v > w:
			return 1
		default:
			return 0
		}
	case int64:
		w := y.(int64)
		switch {
		case v < w:
			return -1
		case v > w:
			return 1
		default:
			return 0
		}
	case float64:
		w := y.(float64)
		switch {
		case v < w:
			return -1
		case v > w:
			return 1
		default:
			return 0
		}
	case bool:
		w := y.(bool)
		switch {
		case v == w:
			return 0
		case !v:
			return -1
		default:
			return 1
		}
	default:
		panic(fmt.Sprintf("rowschema: unsupported comparable type %T", x))
	}
}

func (a *Adapter) ColumnToString(i int, v any) string {
	switch x := v.(type) {
	case string:
		return x
	case int64:
		return strconv.FormatInt(x, 10)
	case float64:
		return strconv.FormatFloat(x, 'g', -1, 64)
	case bool:
		return strconv.FormatBool(x)
	default:
		panic(fmt.Sprintf("rowschema: unsupported column type %T", v))
	}
}

func (a *Adapter) ColumnFromString(i int, s string) (any, error) {
	fieldType := a.recordType.Field(a.fields[i].structIndex).Type
	if s == a.nullValue {
		return reflect.Zero(fieldType).Interface(), nil
	}

	switch fieldType.Kind() {
	case reflect.String:
		return s, nil
	case reflect.Int64:
		return strconv.ParseInt(s, 10, 64)
	case reflect.Float64:
		return strconv.ParseFloat(s, 64)
	case reflect.Bool:
		return strconv.ParseBool(s)
	default:
		return nil, fmt.Errorf("rowschema: unsupported column type %s", fieldType)
	}
}

func (a *Adapter) NewRecord() any {
	return reflect.New(a.recordType).Interface()
}

func (a *Adapter) CloneRecord(record any) any {
	clone := reflect.New(a.recordType)
	clone.Elem().Set(reflect.ValueOf(record).Elem())
	return clone.Interface()
}

// LoadTable builds a *schema.Table for template (a pointer to a tagged
// struct) from a declarative YAML document at documentPath — a small,
// dedicated document rather than viper's env-aware configuration tree.
func LoadTable(template any, documentPath string) (*schema.Table, error) {
	doc, err := config.LoadDocument[Document](documentPath)
	if err != nil {
		return nil, fmt.Errorf("rowschema: %w", err)
	}

	adapter, err := NewAdapter(template, doc.NullValue)
	if err != nil {
		return nil, err
	}

	indexes := make([]schema.Index, len(doc.Indexes))
	for i, id := range doc.Indexes {
		cols := make([]int, len(id.Columns))
		for j, name := range id.Columns {
			pos := adapter.ColumnPosition(name)
			if pos < 0 {
				return nil, fmt.Errorf("rowschema: index %q references unknown column %q", id.Name, name)
			}
			cols[j] = pos
		}
		indexes[i] = schema.Index{Name: id.Name, Columns: cols}
	}

	return schema.NewTable(doc.Table, adapter, adapter.UniqueColumns(), doc.NullValue, indexes)
}
