package packetdb

import (
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/bolner/fatcatdb/config"
	"github.com/bolner/fatcatdb/packet"
	"github.com/bolner/fatcatdb/pathfilter"
	"github.com/bolner/fatcatdb/queryplan"
	"github.com/bolner/fatcatdb/schema"
)

type metric struct {
	Date        string
	Account     string
	Impressions int64
}

type metricAdapter struct{}

const (
	colDate = iota
	colAccount
	colImpressions
)

func (metricAdapter) ColumnCount() int { return 3 }
func (metricAdapter) ColumnName(i int) string {
	return [...]string{"date", "account", "impressions"}[i]
}
func (metricAdapter) GetColumn(record any, i int) any {
	r := record.(*metric)
	switch i {
	case colDate:
		return r.Date
	case colAccount:
		return r.Account
	default:
		return r.Impressions
	}
}
func (metricAdapter) SetColumn(record any, i int, v any) {
	r := record.(*metric)
	switch i {
	case colDate:
		r.Date = v.(string)
	case colAccount:
		r.Account = v.(string)
	default:
		r.Impressions = v.(int64)
	}
}
func (metricAdapter) CompareColumn(i int, a, b any) int {
	switch i {
	case colImpressions:
		x, y := a.(int64), b.(int64)
		switch {
		case x < y:
			return -1
		case x > y:
			return 1
		default:
			return 0
		}
	default:
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

func newTestSchema(t *testing.T) *schema.Table {
	tbl, err := schema.NewTable("metrics", metricAdapter{}, []int{colAccount, colDate}, "", []schema.Index{
		{Name: "account_date", Columns: []int{colAccount, colDate}},
	})
	if err != nil {
		t.Fatalf("NewTable: %v", err)
	}
	return tbl
}

func openTestDB(t *testing.T) *DB {
	dir := t.TempDir()
	db, err := Open(&config.Configuration{
		DatabasePath:     dir,
		QueryParallelism: 2,
		LockStripes:      16,
		Durability:       "off",
	})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return db
}

func TestOpenCreatesDatabaseDirectory(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "db")
	db, err := Open(&config.Configuration{DatabasePath: dir})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if info, err := os.Stat(db.root); err != nil || !info.IsDir() {
		t.Fatalf("expected database directory to exist at %s", dir)
	}
}

func TestOpenRejectsEmptyPath(t *testing.T) {
	if _, err := Open(&config.Configuration{}); err == nil {
		t.Fatal("expected an error for an empty database path")
	}
}

func TestTableAddQueryRoundTrip(t *testing.T) {
	db := openTestDB(t)
	table := db.Table(newTestSchema(t))

	tx := table.Begin()
	tx.Add(&metric{Date: "2024-01-01", Account: "acme", Impressions: 10})
	tx.Add(&metric{Date: "2024-01-02", Account: "acme", Impressions: 20})
	if err := tx.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	cmp := func(a, b any) int { return metricAdapter{}.CompareColumn(colAccount, a, b) }
	res, err := table.Query(queryplan.Input{
		PathFilters: map[int]*pathfilter.Filter{
			colAccount: pathfilter.New(cmp).Equals("acme", "acme"),
		},
	})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(res.Records) != 2 {
		t.Fatalf("got %d records, want 2", len(res.Records))
	}
}

func TestTableDescribeRendersPlanWithoutRunning(t *testing.T) {
	db := openTestDB(t)
	table := db.Table(newTestSchema(t))

	explain, err := table.Describe(queryplan.Input{})
	if err != nil {
		t.Fatalf("Describe: %v", err)
	}
	if explain == "" {
		t.Error("expected a non-empty explain string")
	}
}

func TestVacuumRemovesEmptyPacketLeftFromRawWrite(t *testing.T) {
	db := openTestDB(t)
	schemaTable := newTestSchema(t)
	table := db.Table(schemaTable)

	pkt := packet.New(db.root, schemaTable, schemaTable.Indexes[0], []string{"acme", "2024-01-01"})
	if err := os.MkdirAll(pkt.Dir, 0o755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	if err := os.WriteFile(pkt.File, []byte{}, 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	stats, err := table.Vacuum()
	if err != nil {
		t.Fatalf("Vacuum: %v", err)
	}
	if stats.PacketsRemoved != 1 {
		t.Errorf("PacketsRemoved = %d, want 1", stats.PacketsRemoved)
	}
	if _, err := os.Stat(pkt.File); !os.IsNotExist(err) {
		t.Error("expected the empty packet file to be unlinked")
	}
}

func TestVacuumKeepsNonEmptyPackets(t *testing.T) {
	db := openTestDB(t)
	table := db.Table(newTestSchema(t))

	tx := table.Begin()
	tx.Add(&metric{Date: "2024-01-01", Account: "acme", Impressions: 10})
	if err := tx.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	stats, err := table.Vacuum()
	if err != nil {
		t.Fatalf("Vacuum: %v", err)
	}
	if stats.PacketsRemoved != 0 {
		t.Errorf("PacketsRemoved = %d, want 0", stats.PacketsRemoved)
	}
	if stats.PacketsScanned == 0 {
		t.Error("expected at least one packet scanned")
	}
}
