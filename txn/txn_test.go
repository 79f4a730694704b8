package txn

import (
	"os"
	"strconv"
	"testing"

	"github.com/bolner/fatcatdb/dberr"
	"github.com/bolner/fatcatdb/locktable"
	"github.com/bolner/fatcatdb/packet"
	"github.com/bolner/fatcatdb/pathfilter"
	"github.com/bolner/fatcatdb/queryengine"
	"github.com/bolner/fatcatdb/queryplan"
	"github.com/bolner/fatcatdb/schema"
)

type metric struct {
	Date        string
	Account     string
	Ad          string
	Impressions int64
	Created     string
}

type metricAdapter struct{}

const (
	colDate = iota
	colAccount
	colAd
	colImpressions
	colCreated
)

func (metricAdapter) ColumnCount() int { return 5 }
func (metricAdapter) ColumnName(i int) string {
	return [...]string{"date", "account", "ad", "impressions", "created"}[i]
}
func (metricAdapter) GetColumn(record any, i int) any {
	r := record.(*metric)
	switch i {
	case colDate:
		return r.Date
	case colAccount:
		return r.Account
	case colAd:
		return r.Ad
	case colImpressions:
		return r.Impressions
	default:
		return r.Created
	}
}
func (metricAdapter) SetColumn(record any, i int, v any) {
	r := record.(*metric)
	switch i {
	case colDate:
		r.Date = v.(string)
	case colAccount:
		r.Account = v.(string)
	case colAd:
		r.Ad = v.(string)
	case colImpressions:
		r.Impressions = v.(int64)
	default:
		r.Created = v.(string)
	}
}
func (metricAdapter) CompareColumn(i int, a, b any) int {
	if i == colImpressions {
		x, y := a.(int64), b.(int64)
		switch {
		case x < y:
			return -1
		case x > y:
			return 1
		default:
			return 0
		}
	}
	x, y := a.(string), b.(string)
	switch {
	case x < y:
		return -1
	case x > y:
		return 1
	default:
		return 0
	}
}
func (metricAdapter) ColumnToString(i int, v any) string {
	if i == colImpressions {
		return strconv.FormatInt(v.(int64), 10)
	}
	return v.(string)
}
func (metricAdapter) ColumnFromString(i int, s string) (any, error) {
	if i == colImpressions {
		if s == "" {
			return int64(0), nil
		}
		return strconv.ParseInt(s, 10, 64)
	}
	return s, nil
}
func (metricAdapter) NewRecord() any { return &metric{} }
func (metricAdapter) CloneRecord(record any) any {
	r := *(record.(*metric))
	return &r
}

func newTable(t *testing.T) *schema.Table {
	tbl, err := schema.NewTable("metrics", metricAdapter{}, []int{colAd, colDate}, "", []schema.Index{
		{Name: "account_date", Columns: []int{colAccount, colDate}},
		{Name: "date_account", Columns: []int{colDate, colAccount}},
	})
	if err != nil {
		t.Fatalf("NewTable: %v", err)
	}
	return tbl
}

func newTx(dbRoot string, table *schema.Table, locks *locktable.Table, opts Options) *Transaction {
	return New(dbRoot, table, locks, opts)
}

func queryAll(t *testing.T, dbRoot string, table *schema.Table) []*metric {
	plan, err := queryplan.Build(table, queryplan.Input{HintedIndex: "account_date"})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	res, err := (&queryengine.Engine{DBRoot: dbRoot, Locks: locktable.New(0), Parallelism: 2}).Run(plan)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	out := make([]*metric, len(res.Records))
	for i, r := range res.Records {
		out[i] = r.(*metric)
	}
	return out
}

// TestAddExpandsAcrossEveryIndex is the S1/round-trip scenario: adding
// one record and committing must make it visible under every declared
// index's directory tree with identical column values.
func TestAddExpandsAcrossEveryIndex(t *testing.T) {
	dbRoot := t.TempDir()
	tbl := newTable(t)
	locks := locktable.New(0)

	tx := newTx(dbRoot, tbl, locks, Options{Parallelism: 2})
	tx.Add(&metric{Date: "2020-01-02", Account: "a11", Ad: "ad1", Impressions: 100, Created: "t0"})
	if err := tx.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	for _, idx := range tbl.Indexes {
		p := packet.New(dbRoot, tbl, idx, tbl.IndexPath(idx, &metric{Date: "2020-01-02", Account: "a11"}))
		records, err := p.Decode(packet.DecodeOptions{})
		if err != nil {
			t.Fatalf("Decode under %s: %v", idx.Name, err)
		}
		if len(records) != 1 || records[0].(*metric).Impressions != 100 {
			t.Fatalf("index %s: expected 1 record with impressions=100, got %v", idx.Name, records)
		}
	}
}

// TestUpsertIsIdempotent is the S2 scenario.
func TestUpsertIsIdempotent(t *testing.T) {
	dbRoot := t.TempDir()
	tbl := newTable(t)
	locks := locktable.New(0)

	add := func(impressions int64) {
		tx := newTx(dbRoot, tbl, locks, Options{Parallelism: 2})
		tx.Add(&metric{Date: "2020-01-02", Account: "a11", Ad: "ad1", Impressions: impressions, Created: "t0"})
		if err := tx.Commit(); err != nil {
			t.Fatalf("Commit: %v", err)
		}
	}
	add(100)
	add(999)

	for _, idx := range tbl.Indexes {
		p := packet.New(dbRoot, tbl, idx, tbl.IndexPath(idx, &metric{Date: "2020-01-02", Account: "a11"}))
		records, err := p.Decode(packet.DecodeOptions{})
		if err != nil {
			t.Fatalf("Decode: %v", err)
		}
		if len(records) != 1 || records[0].(*metric).Impressions != 999 {
			t.Fatalf("index %s: expected single upserted record with impressions=999, got %v", idx.Name, records)
		}
	}
}

// TestRemoveDeletesFromEveryIndex.
func TestRemoveDeletesFromEveryIndex(t *testing.T) {
	dbRoot := t.TempDir()
	tbl := newTable(t)
	locks := locktable.New(0)

	r := &metric{Date: "2020-01-02", Account: "a11", Ad: "ad1", Impressions: 1, Created: "t0"}
	tx := newTx(dbRoot, tbl, locks, Options{Parallelism: 2})
	tx.Add(r)
	if err := tx.Commit(); err != nil {
		t.Fatalf("Commit (add): %v", err)
	}

	tx2 := newTx(dbRoot, tbl, locks, Options{Parallelism: 2})
	tx2.Remove(r)
	if err := tx2.Commit(); err != nil {
		t.Fatalf("Commit (remove): %v", err)
	}

	for _, idx := range tbl.Indexes {
		p := packet.New(dbRoot, tbl, idx, tbl.IndexPath(idx, r))
		if _, err := os.Stat(p.File); !os.IsNotExist(err) {
			t.Errorf("index %s: expected packet to be unlinked after removing its only record", idx.Name)
		}
	}
}

// TestOnUpdateHookCanPreserveColumn is the S6 scenario: the hook keeps
// the original "created" value across an upsert that would otherwise
// overwrite it.
func TestOnUpdateHookCanPreserveColumn(t *testing.T) {
	dbRoot := t.TempDir()
	tbl := newTable(t)
	locks := locktable.New(0)

	tx := newTx(dbRoot, tbl, locks, Options{Parallelism: 2})
	tx.Add(&metric{Date: "2020-01-02", Account: "a11", Ad: "ad1", Impressions: 100, Created: "original"})
	if err := tx.Commit(); err != nil {
		t.Fatalf("Commit (seed): %v", err)
	}

	hook := func(old, incoming any) any {
		o, n := old.(*metric), incoming.(*metric)
		n.Created = o.Created
		return n
	}
	tx2 := newTx(dbRoot, tbl, locks, Options{Parallelism: 2, OnUpdate: hook})
	tx2.Add(&metric{Date: "2020-01-02", Account: "a11", Ad: "ad1", Impressions: 200, Created: "new-but-ignored"})
	if err := tx2.Commit(); err != nil {
		t.Fatalf("Commit (hooked upsert): %v", err)
	}

	p := packet.New(dbRoot, tbl, tbl.Indexes[0], []string{"a11", "2020-01-02"})
	records, err := p.Decode(packet.DecodeOptions{})
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("expected 1 record, got %d", len(records))
	}
	got := records[0].(*metric)
	if got.Created != "original" || got.Impressions != 200 {
		t.Errorf("expected created=original, impressions=200, got %+v", got)
	}
}

// TestOnUpdateHookRejectsIndexedColumnChange is the second half of S6.
func TestOnUpdateHookRejectsIndexedColumnChange(t *testing.T) {
	dbRoot := t.TempDir()
	tbl := newTable(t)
	locks := locktable.New(0)

	tx := newTx(dbRoot, tbl, locks, Options{Parallelism: 2})
	tx.Add(&metric{Date: "2020-01-02", Account: "a11", Ad: "ad1", Impressions: 100, Created: "t0"})
	if err := tx.Commit(); err != nil {
		t.Fatalf("Commit (seed): %v", err)
	}

	hook := func(old, incoming any) any {
		n := incoming.(*metric)
		n.Account = "a99" // mutates an indexed column: must be rejected
		return n
	}
	tx2 := newTx(dbRoot, tbl, locks, Options{Parallelism: 2, OnUpdate: hook})
	tx2.Add(&metric{Date: "2020-01-02", Account: "a11", Ad: "ad1", Impressions: 200, Created: "t1"})
	err := tx2.Commit()
	if !dberr.Is(err, dberr.IllegalUpdate) {
		t.Fatalf("expected IllegalUpdate, got %v", err)
	}
}

// TestQueryDeletePropagatesAcrossIndexes exercises the PacketCollector
// path: deleting by query through account_date must also remove the
// record from date_account's redundant copy.
func TestQueryDeletePropagatesAcrossIndexes(t *testing.T) {
	dbRoot := t.TempDir()
	tbl := newTable(t)
	locks := locktable.New(0)

	tx := newTx(dbRoot, tbl, locks, Options{Parallelism: 2})
	tx.Add(&metric{Date: "2020-01-02", Account: "a11", Ad: "ad1", Impressions: 1, Created: "t0"})
	tx.Add(&metric{Date: "2020-01-02", Account: "a12", Ad: "ad2", Impressions: 2, Created: "t0"})
	if err := tx.Commit(); err != nil {
		t.Fatalf("Commit (seed): %v", err)
	}

	cmp := func(a, b any) int { return metricAdapter{}.CompareColumn(colAccount, a, b) }
	plan, err := queryplan.Build(tbl, queryplan.Input{
		HintedIndex: "account_date",
		PathFilters: map[int]*pathfilter.Filter{
			colAccount: pathfilter.New(cmp).Equals("a11", "a11"),
		},
	})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	tx2 := newTx(dbRoot, tbl, locks, Options{Parallelism: 2})
	tx2.QueryDelete(plan)
	if err := tx2.Commit(); err != nil {
		t.Fatalf("Commit (query-delete): %v", err)
	}

	remaining := queryAll(t, dbRoot, tbl)
	if len(remaining) != 1 || remaining[0].Account != "a12" {
		t.Fatalf("expected only a12 left under account_date, got %v", remaining)
	}

	dateAccountIdx := tbl.Indexes[1]
	for _, path := range [][]string{{"2020-01-02", "a11"}} {
		p := packet.New(dbRoot, tbl, dateAccountIdx, path)
		if _, err := os.Stat(p.File); !os.IsNotExist(err) {
			t.Errorf("expected date_account's copy of a11 to be unlinked too")
		}
	}
}

// TestQueryUpdatePropagatesAcrossIndexes.
func TestQueryUpdatePropagatesAcrossIndexes(t *testing.T) {
	dbRoot := t.TempDir()
	tbl := newTable(t)
	locks := locktable.New(0)

	tx := newTx(dbRoot, tbl, locks, Options{Parallelism: 2})
	tx.Add(&metric{Date: "2020-01-02", Account: "a11", Ad: "ad1", Impressions: 1, Created: "t0"})
	if err := tx.Commit(); err != nil {
		t.Fatalf("Commit (seed): %v", err)
	}

	cmp := func(a, b any) int { return metricAdapter{}.CompareColumn(colAccount, a, b) }
	plan, err := queryplan.Build(tbl, queryplan.Input{
		HintedIndex: "account_date",
		PathFilters: map[int]*pathfilter.Filter{
			colAccount: pathfilter.New(cmp).Equals("a11", "a11"),
		},
	})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	tx2 := newTx(dbRoot, tbl, locks, Options{Parallelism: 2})
	tx2.QueryUpdate(plan, func(record any) {
		record.(*metric).Impressions = 500
	})
	if err := tx2.Commit(); err != nil {
		t.Fatalf("Commit (query-update): %v", err)
	}

	dateAccountIdx := tbl.Indexes[1]
	p := packet.New(dbRoot, tbl, dateAccountIdx, []string{"2020-01-02", "a11"})
	records, err := p.Decode(packet.DecodeOptions{})
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if len(records) != 1 || records[0].(*metric).Impressions != 500 {
		t.Fatalf("expected date_account's copy updated to impressions=500, got %v", records)
	}
}

// TestQueryUpdateRejectsIndexedColumnChange.
func TestQueryUpdateRejectsIndexedColumnChange(t *testing.T) {
	dbRoot := t.TempDir()
	tbl := newTable(t)
	locks := locktable.New(0)

	tx := newTx(dbRoot, tbl, locks, Options{Parallelism: 2})
	tx.Add(&metric{Date: "2020-01-02", Account: "a11", Ad: "ad1", Impressions: 1, Created: "t0"})
	if err := tx.Commit(); err != nil {
		t.Fatalf("Commit (seed): %v", err)
	}

	plan, err := queryplan.Build(tbl, queryplan.Input{HintedIndex: "account_date"})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	tx2 := newTx(dbRoot, tbl, locks, Options{Parallelism: 2})
	tx2.QueryUpdate(plan, func(record any) {
		record.(*metric).Date = "2099-01-01"
	})
	err = tx2.Commit()
	if !dberr.Is(err, dberr.IllegalUpdate) {
		t.Fatalf("expected IllegalUpdate, got %v", err)
	}
}

// TestStatsCountsPacketsAndRecordsPerCommit checks the best-effort
// counters reset on each Commit and reflect only that commit's work.
func TestStatsCountsPacketsAndRecordsPerCommit(t *testing.T) {
	dbRoot := t.TempDir()
	tbl := newTable(t)
	locks := locktable.New(0)

	tx := newTx(dbRoot, tbl, locks, Options{Parallelism: 2})
	tx.Add(&metric{Date: "2020-01-01", Account: "a1", Ad: "ad1", Impressions: 1, Created: "t0"})
	tx.Add(&metric{Date: "2020-01-02", Account: "a2", Ad: "ad2", Impressions: 2, Created: "t0"})
	if err := tx.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	// Each record is written under both declared indexes, so two
	// records touch four per-index packet copies.
	stats := tx.Stats()
	if stats.RecordsTouched != 4 {
		t.Errorf("RecordsTouched = %d, want 4", stats.RecordsTouched)
	}
	if stats.PacketsTouched != 4 {
		t.Errorf("PacketsTouched = %d, want 4", stats.PacketsTouched)
	}

	tx2 := newTx(dbRoot, tbl, locks, Options{Parallelism: 2})
	tx2.Add(&metric{Date: "2020-01-03", Account: "a3", Ad: "ad3", Impressions: 3, Created: "t0"})
	if err := tx2.Commit(); err != nil {
		t.Fatalf("Commit (2nd): %v", err)
	}
	if got := tx2.Stats().RecordsTouched; got != 2 {
		t.Errorf("second commit RecordsTouched = %d, want 2 (stats must not accumulate across commits)", got)
	}
}
