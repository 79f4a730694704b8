// Package queryengine implements the directory-tree query cursor
// (spec.md §4.8): it walks the chosen index's directory levels in
// sorted order, loads matching packets through a bounded worker pool,
// and drains their records honoring limit and bookmark continuation.
//
// The walk is materialized as an ordered list of packet candidates
// before loading starts, rather than the fully lazy
// Idle/WalkingDirs/LoadingPackets/DrainingRecords state machine
// spec.md §4.8 describes. For an embedded engine's expected packet
// counts this keeps the algorithm tractable while preserving every
// external contract: emission order, the parallel loader's bounded
// concurrency, and FIFO completion draining (documented in
// DESIGN.md).
package queryengine

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/bolner/fatcatdb/bookmark"
	"github.com/bolner/fatcatdb/dberr"
	"github.com/bolner/fatcatdb/indexfilter"
	"github.com/bolner/fatcatdb/locktable"
	"github.com/bolner/fatcatdb/packet"
	"github.com/bolner/fatcatdb/pathenc"
	"github.com/bolner/fatcatdb/promise"
	"github.com/bolner/fatcatdb/queryplan"
	"github.com/bolner/fatcatdb/schema"
)

// Engine runs queryplan.Plans against a database rooted at DBRoot,
// serializing packet I/O through Locks and bounding concurrent packet
// loads to Parallelism (spec.md's queryParallelism).
type Engine struct {
	DBRoot      string
	Locks       *locktable.Table
	Parallelism int
}

// Stats is the best-effort counters struct returned alongside a
// drained query (SPEC_FULL.md §12), without pulling in a logging
// dependency.
type Stats struct {
	PacketsTouched int
	RecordsTouched int
}

// Result is one page of a query: the records in plan order, a
// bookmark to resume after the last one (set only when the page is
// filled to plan.Limit; nil when the page holds fewer records than
// the limit or the plan has no limit), and best-effort counters.
type Result struct {
	Records  []any
	Bookmark *bookmark.Bookmark
	Stats    Stats
}

type candidate struct {
	pathValues    []string
	exactBookmark bool
}

// Run executes plan to completion of its page (bounded by plan.Limit,
// or the whole result set if plan.Limit == 0).
func (e *Engine) Run(plan *queryplan.Plan) (*Result, error) {
	var bookmarkVals []string
	var bookmarkUnique map[string]string
	if plan.Bookmark != nil {
		frag, ok := plan.Bookmark.Find(plan.Table.Name, plan.BestIndex.Name)
		if !ok {
			return nil, dberr.New(dberr.InvalidBookmark, "bookmark does not match this query's table/index")
		}
		names := plan.Table.ColumnNames()
		bookmarkVals = make([]string, len(plan.BestIndex.Columns))
		for i, col := range plan.BestIndex.Columns {
			v, ok := frag.Path[names[col]]
			if !ok {
				return nil, dberr.New(dberr.InvalidBookmark, "bookmark is missing index level "+names[col])
			}
			bookmarkVals[i] = v
		}
		bookmarkUnique = make(map[string]string, len(plan.Table.UniqueColumns))
		for _, col := range plan.Table.UniqueColumns {
			v, ok := frag.Path[names[col]]
			if !ok {
				return nil, dberr.New(dberr.InvalidBookmark, "bookmark is missing unique column "+names[col])
			}
			bookmarkUnique[names[col]] = v
		}
	}

	candidates, err := e.walk(plan, bookmarkVals)
	if err != nil {
		return nil, err
	}

	if plan.Bookmark != nil {
		if len(candidates) == 0 || !candidates[0].exactBookmark {
			return nil, dberr.New(dberr.InvalidBookmark, "bookmark no longer valid")
		}
	}

	pages, stats, err := e.loadAll(plan, candidates)
	if err != nil {
		return nil, err
	}

	var out []any
	for i, records := range pages {
		if i == 0 && plan.Bookmark != nil {
			idx := findUnique(plan.Table, records, bookmarkUnique)
			if idx < 0 {
				return nil, dberr.New(dberr.InvalidBookmark, "bookmark no longer valid")
			}
			records = records[idx+1:]
		}
		out = append(out, records...)
		if plan.Limit > 0 && int64(len(out)) >= plan.Limit {
			out = out[:plan.Limit]
			break
		}
	}

	res := &Result{Records: out, Stats: stats}
	if len(out) > 0 && plan.Limit > 0 && int64(len(out)) == plan.Limit {
		res.Bookmark = buildBookmark(plan, out[len(out)-1])
	}
	return res, nil
}

// Walk enumerates the packet path-value tuples a plan's directory walk
// would visit, in visitation order, ignoring any bookmark. The
// transaction engine's query-delete/query-update phases use this to
// find the packets a query matches without pulling Run's record-drain
// and bookmark machinery along with it.
func (e *Engine) Walk(plan *queryplan.Plan) ([][]string, error) {
	candidates, err := e.walk(plan, nil)
	if err != nil {
		return nil, err
	}
	out := make([][]string, len(candidates))
	for i, c := range candidates {
		out[i] = c.pathValues
	}
	return out, nil
}

// walk enumerates packet candidates in the order the final result must
// be emitted, applying bound filters, the traversal direction implied
// by BoundSort, and bookmark-based pruning.
func (e *Engine) walk(plan *queryplan.Plan, bookmarkVals []string) ([]candidate, error) {
	var results []candidate
	root := filepath.Join(e.DBRoot, plan.Table.Name, plan.BestIndex.Name)

	var recurse func(level int, dir string, pathSoFar []string, active bool) error
	recurse = func(level int, dir string, pathSoFar []string, active bool) error {
		col := plan.BestIndex.Columns[level]
		isLast := level == len(plan.BestIndex.Columns)-1
		desc := directionFor(plan, col)

		entries, err := e.listLevel(plan, dir, col, isLast)
		if err != nil {
			return err
		}
		sortEntries(plan.Table, col, desc, entries)

		var bmVal any
		var cmp func(a, b any) int
		if bookmarkVals != nil {
			cmp = func(a, b any) int { return plan.Table.Adapter.CompareColumn(col, a, b) }
			v, err := plan.Table.Adapter.ColumnFromString(col, bookmarkVals[level])
			if err != nil {
				return dberr.Wrap(dberr.InvalidBookmark, "parse bookmark value", err)
			}
			bmVal = v
		}

		for _, en := range entries {
			nextActive := active
			if active && bookmarkVals != nil {
				op := indexfilter.After
				if desc {
					op = indexfilter.Before
				}
				threshold := indexfilter.New(op, bmVal, bmVal, cmp)
				if !threshold.Intersects(en.value, false) {
					continue // strictly before the bookmark position
				}
				if cmp(en.value, bmVal) != 0 {
					nextActive = false
				}
			}

			childPath := append(append([]string{}, pathSoFar...), en.str)
			if isLast {
				results = append(results, candidate{pathValues: childPath, exactBookmark: bookmarkVals != nil && nextActive})
				continue
			}
			if err := recurse(level+1, filepath.Join(dir, en.encoded), childPath, nextActive); err != nil {
				return err
			}
		}
		return nil
	}

	if err := recurse(0, root, nil, bookmarkVals != nil); err != nil {
		return nil, err
	}
	return results, nil
}

type entry struct {
	value   any
	str     string
	encoded string
}

func (e *Engine) listLevel(plan *queryplan.Plan, dir string, col int, isLast bool) ([]entry, error) {
	if f, ok := plan.BoundFilters[col]; ok && f.IsStrict() {
		str := f.StrictStringValue()
		return []entry{{value: f.StrictValue(), str: str, encoded: pathenc.Encode(str)}}, nil
	}

	dirEntries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, dberr.Wrap(dberr.IoFailure, "list "+dir, err)
	}

	var out []entry
	for _, de := range dirEntries {
		name := de.Name()
		if isLast {
			if de.IsDir() || !strings.HasSuffix(name, packet.Extension) {
				continue
			}
			name = strings.TrimSuffix(name, packet.Extension)
		} else if !de.IsDir() {
			continue
		}

		str := pathenc.Decode(name)
		val, err := plan.Table.Adapter.ColumnFromString(col, str)
		if err != nil {
			return nil, dberr.Wrap(dberr.PacketCorrupt, "decode path component in "+dir, err)
		}
		if f, ok := plan.BoundFilters[col]; ok && !f.Evaluate(val, str) {
			continue
		}
		out = append(out, entry{value: val, str: str, encoded: name})
	}
	return out, nil
}

func sortEntries(table *schema.Table, col int, desc bool, entries []entry) {
	sort.Slice(entries, func(i, j int) bool {
		c := table.Adapter.CompareColumn(col, entries[i].value, entries[j].value)
		if desc {
			return c > 0
		}
		return c < 0
	})
}

func directionFor(plan *queryplan.Plan, col int) bool {
	for _, s := range plan.BoundSort {
		if s.Column == col {
			return s.Desc
		}
	}
	return false
}

// loadAll runs the bounded parallel packet loader: each candidate
// acquires the packet's lock, reads bytes, releases the lock, then
// decodes+filters+sorts off-lock — matching the suspension points
// spec.md §5 names. Promises preserve FIFO emission order regardless
// of completion order.
func (e *Engine) loadAll(plan *queryplan.Plan, candidates []candidate) ([][]any, Stats, error) {
	parallelism := e.Parallelism
	if parallelism <= 0 {
		parallelism = 4
	}

	type loaded struct {
		records []any
		err     error
	}
	proms := make([]*promise.Promise[loaded], len(candidates))
	sem := semaphore.NewWeighted(int64(parallelism))
	var wg sync.WaitGroup
	ctx := context.Background()

	freeSort := make([]packet.SortDirective, len(plan.FreeSort))
	for i, s := range plan.FreeSort {
		freeSort[i] = packet.SortDirective{Column: s.Column, Desc: s.Desc}
	}

	for i, cand := range candidates {
		proms[i] = promise.New[loaded]()
		wg.Add(1)
		go func(i int, cand candidate) {
			defer wg.Done()
			if err := sem.Acquire(ctx, 1); err != nil {
				proms[i].Done(loaded{}, err)
				return
			}
			defer sem.Release(1)

			pkt := packet.New(e.DBRoot, plan.Table, plan.BestIndex, cand.pathValues)
			guard := e.Locks.Acquire(pkt.File)
			loadErr := pkt.Load()
			guard.Release()
			if loadErr != nil {
				proms[i].Done(loaded{}, loadErr)
				return
			}

			records, decErr := pkt.Decode(packet.DecodeOptions{
				FreePathFilters: plan.FreePathFilters,
				FlexFilters:     plan.FlexFilters,
				FreeSort:        freeSort,
			})
			proms[i].Done(loaded{records: records}, decErr)
		}(i, cand)
	}
	wg.Wait()

	var stats Stats
	pages := make([][]any, len(proms))
	for i, p := range proms {
		res, err := p.Get()
		if err != nil {
			return nil, stats, err
		}
		pages[i] = res.records
		stats.PacketsTouched++
		stats.RecordsTouched += len(res.records)
	}
	return pages, stats, nil
}

func findUnique(table *schema.Table, records []any, unique map[string]string) int {
	names := table.ColumnNames()
	for i, record := range records {
		match := true
		for _, col := range table.UniqueColumns {
			if table.Adapter.ColumnToString(col, table.Adapter.GetColumn(record, col)) != unique[names[col]] {
				match = false
				break
			}
		}
		if match {
			return i
		}
	}
	return -1
}

func buildBookmark(plan *queryplan.Plan, last any) *bookmark.Bookmark {
	table := plan.Table
	idxCols := make([]string, len(plan.BestIndex.Columns))
	idxVals := make([]string, len(plan.BestIndex.Columns))
	names := table.ColumnNames()
	for i, col := range plan.BestIndex.Columns {
		idxCols[i] = names[col]
		idxVals[i] = table.Adapter.ColumnToString(col, table.Adapter.GetColumn(last, col))
	}
	uniqueCols := make([]string, len(table.UniqueColumns))
	uniqueVals := make([]string, len(table.UniqueColumns))
	for i, col := range table.UniqueColumns {
		uniqueCols[i] = names[col]
		uniqueVals[i] = table.Adapter.ColumnToString(col, table.Adapter.GetColumn(last, col))
	}
	b := bookmark.New(table.Name, plan.BestIndex.Name, idxCols, idxVals, uniqueCols, uniqueVals)
	return &b
}
