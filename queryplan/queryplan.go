// Package queryplan implements index selection, sort-feasibility
// checking, and the bound/free partitioning of filters and sorts
// (spec.md §4.7): given a query's filters, sorts, limit, and bookmark,
// choose the index that will drive the directory walk and decide which
// constraints the walk itself satisfies versus which a packet load
// must still apply.
package queryplan

import (
	"fmt"
	"strings"

	"github.com/bolner/fatcatdb/bookmark"
	"github.com/bolner/fatcatdb/dberr"
	"github.com/bolner/fatcatdb/pathfilter"
	"github.com/bolner/fatcatdb/schema"
)

// Priority selects which criterion the index-selection heuristic
// favors first when two candidate indexes diverge at a level.
type Priority int

const (
	// Filtering favors the index whose column is strictly filtered at
	// the diverging level; this is the default.
	Filtering Priority = iota
	// Sorting favors the index whose column matches the next
	// unresolved sort directive at the diverging level.
	Sorting
)

// SortDirective names one column of an ordered sort list and its
// direction.
type SortDirective struct {
	Column int
	Desc   bool
}

// Input is everything the query builder supplies (spec.md §4.7
// "Inputs").
type Input struct {
	// PathFilters are keyed by schema column position.
	PathFilters map[int]*pathfilter.Filter
	FlexFilters []func(record any) bool
	Sorting     []SortDirective
	Limit       int64
	Bookmark    *bookmark.Bookmark
	HintedIndex string
	Priority    Priority
}

// Plan is the queryplan.Input resolved against a specific table's
// indexes (spec.md §4.7 "Outputs").
type Plan struct {
	Table *schema.Table

	BestIndex schema.Index

	// BoundFilters are PathFilters on columns of BestIndex; strict
	// ones collapse a directory level to one entry, range ones prune
	// that level's listing without a full packet load.
	BoundFilters map[int]*pathfilter.Filter
	// FreePathFilters are PathFilters on columns NOT in BestIndex —
	// applied after a packet is decoded.
	FreePathFilters map[int]*pathfilter.Filter
	FlexFilters     []func(record any) bool

	// BoundSort is the prefix of Sorting absorbed by the index walk's
	// traversal order.
	BoundSort []SortDirective
	// FreeSort is the remaining suffix, applied as a per-packet stable
	// sort after loading.
	FreeSort []SortDirective

	Limit    int64
	Bookmark *bookmark.Bookmark
}

// Build resolves an Input against table, selecting the best index and
// partitioning filters/sorts into bound and free. It returns a
// dberr.QueryInfeasible error if no traversal order through the
// selected index can satisfy the requested sort.
func Build(table *schema.Table, in Input) (*Plan, error) {
	best, err := chooseIndex(table, in)
	if err != nil {
		return nil, err
	}

	inIndex := make(map[int]bool, len(best.Columns))
	for _, c := range best.Columns {
		inIndex[c] = true
	}

	boundFilters := map[int]*pathfilter.Filter{}
	freeFilters := map[int]*pathfilter.Filter{}
	for col, f := range in.PathFilters {
		if inIndex[col] {
			boundFilters[col] = f
		} else {
			freeFilters[col] = f
		}
	}

	boundSort, freeSort, err := partitionSort(table, best, in.Sorting, boundFilters)
	if err != nil {
		return nil, err
	}

	return &Plan{
		Table:           table,
		BestIndex:       best,
		BoundFilters:    boundFilters,
		FreePathFilters: freeFilters,
		FlexFilters:     in.FlexFilters,
		BoundSort:       boundSort,
		FreeSort:        freeSort,
		Limit:           in.Limit,
		Bookmark:        in.Bookmark,
	}, nil
}

func chooseIndex(table *schema.Table, in Input) (schema.Index, error) {
	if in.HintedIndex != "" {
		idx, ok := table.Index(in.HintedIndex)
		if !ok {
			return schema.Index{}, dberr.New(dberr.QueryInfeasible, fmt.Sprintf("table %s: hinted index %q does not exist", table.Name, in.HintedIndex))
		}
		return idx, nil
	}

	best := table.Indexes[0]
	for _, candidate := range table.Indexes[1:] {
		if comparePair(best, candidate, in.PathFilters, in.Sorting, in.Priority) > 0 {
			best = candidate
		}
	}
	return best, nil
}

// comparePair returns <0 if a wins, >0 if b wins, 0 if undecided (in
// which case the caller's declaration-order tiebreak keeps whichever
// it already holds as "best").
func comparePair(a, b schema.Index, pathFilters map[int]*pathfilter.Filter, sorting []SortDirective, priority Priority) int {
	n := len(a.Columns)
	if len(b.Columns) < n {
		n = len(b.Columns)
	}

	for level := 0; level < n; level++ {
		ca, cb := a.Columns[level], b.Columns[level]
		if ca == cb {
			continue
		}

		aFiltered := isStrict(pathFilters, ca)
		bFiltered := isStrict(pathFilters, cb)

		var sortCol int = -1
		if level < len(sorting) {
			sortCol = sorting[level].Column
		}
		aSortMatch := sortCol == ca
		bSortMatch := sortCol == cb

		if priority == Filtering {
			if aFiltered != bFiltered {
				if aFiltered {
					return -1
				}
				return 1
			}
			if aSortMatch != bSortMatch {
				if aSortMatch {
					return -1
				}
				return 1
			}
		} else {
			if aSortMatch != bSortMatch {
				if aSortMatch {
					return -1
				}
				return 1
			}
			if aFiltered != bFiltered {
				if aFiltered {
					return -1
				}
				return 1
			}
		}
		return 0
	}
	return 0
}

func isStrict(pathFilters map[int]*pathfilter.Filter, col int) bool {
	f, ok := pathFilters[col]
	return ok && f.IsStrict()
}

// partitionSort walks bestIndex's columns in order, consuming sorting
// directives as it goes (spec.md §4.7 "Feasibility check"). A column
// that is neither strictly filtered nor the next unresolved sort
// directive is "unconstrained": the directory walk may emit its
// distinct values in any relative order, which is harmless only if
// every sort directive has already been consumed — an unconstrained
// column with sort work still pending makes the remaining sort
// directives impossible to honor across packets.
func partitionSort(table *schema.Table, best schema.Index, sorting []SortDirective, boundFilters map[int]*pathfilter.Filter) (bound, free []SortDirective, err error) {
	sortPtr := 0

	for _, col := range best.Columns {
		if f, ok := boundFilters[col]; ok && f.IsStrict() {
			continue
		}
		if sortPtr < len(sorting) && sorting[sortPtr].Column == col {
			bound = append(bound, sorting[sortPtr])
			sortPtr++
			continue
		}
		if sortPtr < len(sorting) {
			return nil, nil, infeasible(table, sorting, best)
		}
	}

	return bound, sorting[sortPtr:], nil
}

func infeasible(table *schema.Table, sorting []SortDirective, best schema.Index) error {
	names := make([]string, len(sorting))
	for i, s := range sorting {
		names[i] = table.ColumnNames()[s.Column]
	}

	prefixes := make([]string, len(table.Indexes))
	for i, idx := range table.Indexes {
		colNames := make([]string, len(idx.Columns))
		for j, c := range idx.Columns {
			colNames[j] = table.ColumnNames()[c]
		}
		prefixes[i] = "{" + strings.Join(colNames, ", ") + "}"
	}

	return dberr.New(dberr.QueryInfeasible, fmt.Sprintf(
		"table %s: sort %v cannot be satisfied through index %q; admissible prefixes: %s",
		table.Name, names, best.Name, strings.Join(prefixes, ", "),
	))
}

// Explain renders a textual plan description (spec.md §6's "either a
// cursor... or a textual plan description"), for host-side debugging.
func (p *Plan) Explain() string {
	var b strings.Builder
	fmt.Fprintf(&b, "table=%s index=%s\n", p.Table.Name, p.BestIndex.Name)
	fmt.Fprintf(&b, "bound filters: %s\n", describeFilters(p.Table, p.BoundFilters))
	fmt.Fprintf(&b, "free filters: %s\n", describeFilters(p.Table, p.FreePathFilters))
	fmt.Fprintf(&b, "flex filters: %d\n", len(p.FlexFilters))
	fmt.Fprintf(&b, "bound sort: %s\n", describeSort(p.Table, p.BoundSort))
	fmt.Fprintf(&b, "free sort: %s\n", describeSort(p.Table, p.FreeSort))
	if p.Limit > 0 {
		fmt.Fprintf(&b, "limit: %d\n", p.Limit)
	}
	if p.Bookmark != nil {
		fmt.Fprintf(&b, "bookmark: present\n")
	}
	return b.String()
}

func describeFilters(table *schema.Table, filters map[int]*pathfilter.Filter) string {
	if len(filters) == 0 {
		return "(none)"
	}
	names := table.ColumnNames()
	parts := make([]string, 0, len(filters))
	for col := range filters {
		parts = append(parts, names[col])
	}
	return strings.Join(parts, ", ")
}

func describeSort(table *schema.Table, sorting []SortDirective) string {
	if len(sorting) == 0 {
		return "(none)"
	}
	names := table.ColumnNames()
	parts := make([]string, len(sorting))
	for i, s := range sorting {
		dir := "asc"
		if s.Desc {
			dir = "desc"
		}
		parts[i] = fmt.Sprintf("%s %s", names[s.Column], dir)
	}
	return strings.Join(parts, ", ")
}
