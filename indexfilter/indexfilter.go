// Package indexfilter implements the wire-level predicate (spec.md
// §4.6) the query planner carries to walk a range of the directory
// tree rather than filter after materialization: Equals | After |
// Before | Between over comparable values.
package indexfilter

// Operator is one of the four wire-level comparisons.
type Operator int

const (
	Equals Operator = iota
	After
	Before
	Between
)

// Compare orders two column values the way schema.Adapter.CompareColumn
// does for the filtered column.
type Compare func(a, b any) int

// Filter is a single-column index-level range predicate.
type Filter struct {
	Op  Operator
	Lo  any // Equals/After/Between lower bound
	Hi  any // Before/Between upper bound
	cmp Compare
}

// New builds a Filter. For Equals, only Lo is read. For After/Before,
// only Lo (After) or Hi (Before) is read. For Between, both are read.
func New(op Operator, lo, hi any, cmp Compare) Filter {
	return Filter{Op: op, Lo: lo, Hi: hi, cmp: cmp}
}

// Intersects answers "does this value pass the filter, respecting the
// traversal direction". invertOrder=true flips After/Before semantics
// to support descending traversal, per spec.md §4.6.
func (f Filter) Intersects(value any, invertOrder bool) bool {
	switch f.Op {
	case Equals:
		return f.cmp(value, f.Lo) == 0
	case After:
		if invertOrder {
			return f.cmp(value, f.Lo) <= 0
		}
		return f.cmp(value, f.Lo) >= 0
	case Before:
		if invertOrder {
			return f.cmp(value, f.Hi) >= 0
		}
		return f.cmp(value, f.Hi) <= 0
	case Between:
		return f.cmp(value, f.Lo) >= 0 && f.cmp(value, f.Hi) <= 0
	default:
		return false
	}
}
