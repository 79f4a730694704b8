// Package pathfilter implements the per-column predicate (spec.md
// §4.5) used both to prune directory traversal during a query and to
// filter materialized records: equals / >= / <= / between / regex.
package pathfilter

import "regexp"

// Compare orders two column values the way schema.Adapter.CompareColumn
// does; a PathFilter is built against a column's comparator so it
// stays agnostic to the underlying Go type.
type Compare func(a, b any) int

// Filter is a per-column predicate. The zero Filter matches everything
// (no constraints registered); build one with New and the constraint
// methods (Equals, GreaterOrEqual, LessOrEqual, Between, Regex), which
// return the receiver for chaining.
type Filter struct {
	cmp Compare

	hasEquals  bool
	equals     any
	equalsStr  string

	hasGE bool
	ge    any
	hasLE bool
	le    any

	patterns []*regexp.Regexp
}

// New builds an empty Filter that compares values with cmp.
func New(cmp Compare) *Filter {
	return &Filter{cmp: cmp}
}

// Equals restricts the filter to exactly one accepted value. v may be
// the column's null sentinel. strValue is the value's string form,
// cached for StrictStringValue (needed for path-building without
// re-invoking the schema's converter).
func (f *Filter) Equals(v any, strValue string) *Filter {
	f.hasEquals = true
	f.equals = v
	f.equalsStr = strValue
	return f
}

// GreaterOrEqual sets a lower bound (inclusive).
func (f *Filter) GreaterOrEqual(v any) *Filter {
	f.hasGE = true
	f.ge = v
	return f
}

// LessOrEqual sets an upper bound (inclusive).
func (f *Filter) LessOrEqual(v any) *Filter {
	f.hasLE = true
	f.le = v
	return f
}

// Between sets both bounds at once. A nil lo or hi keeps that side of
// the interval open, per spec.md §4.5 ("null endpoints keep the
// interval half-open"). If lo and hi are equal, Between degrades to an
// Equals on that value (strValue is the shared string form).
func (f *Filter) Between(lo, hi any, strValue string) *Filter {
	switch {
	case lo == nil && hi == nil:
		return f
	case lo == nil:
		return f.LessOrEqual(hi)
	case hi == nil:
		return f.GreaterOrEqual(lo)
	case f.cmp(lo, hi) == 0:
		return f.Equals(lo, strValue)
	default:
		return f.GreaterOrEqual(lo).LessOrEqual(hi)
	}
}

// Regex adds a required pattern; the value's string form must match
// every registered pattern.
func (f *Filter) Regex(pattern *regexp.Regexp) *Filter {
	f.patterns = append(f.patterns, pattern)
	return f
}

// Evaluate reports whether value (with its string form str) passes
// every constraint registered on the filter.
func (f *Filter) Evaluate(value any, str string) bool {
	if f.hasEquals {
		return f.cmp(value, f.equals) == 0
	}
	if f.hasGE && f.cmp(value, f.ge) < 0 {
		return false
	}
	if f.hasLE && f.cmp(value, f.le) > 0 {
		return false
	}
	for _, p := range f.patterns {
		if !p.MatchString(str) {
			return false
		}
	}
	return true
}

// IsStrict reports whether the filter is a single equals constraint —
// the only shape that can collapse a directory level to one entry
// without a listing, and the only shape bound filters consume.
func (f *Filter) IsStrict() bool {
	return f.hasEquals
}

// StrictStringValue returns the equals value's string form. Only valid
// when IsStrict() is true.
func (f *Filter) StrictStringValue() string {
	return f.equalsStr
}

// StrictValue returns the equals value itself. Only valid when
// IsStrict() is true.
func (f *Filter) StrictValue() any {
	return f.equals
}
