// Package packetdb is the top-level facade a host program embeds
// (spec.md's "CLI surface: none — a library embedded in a host
// program"): it ties dbRoot, the shared lock table, and a table's
// schema together into the few entry points a caller actually needs —
// Open a database, get a Table, Begin a Transaction, run a Query — so
// a host never constructs a queryengine.Engine or locktable.Table by
// hand.
package packetdb

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/bolner/fatcatdb/config"
	"github.com/bolner/fatcatdb/dberr"
	"github.com/bolner/fatcatdb/locktable"
	"github.com/bolner/fatcatdb/packet"
	"github.com/bolner/fatcatdb/pathenc"
	"github.com/bolner/fatcatdb/queryengine"
	"github.com/bolner/fatcatdb/queryplan"
	"github.com/bolner/fatcatdb/schema"
	"github.com/bolner/fatcatdb/txn"
)

// DB is a database rooted at a directory, with one shared lock table
// striping every table's packet I/O.
type DB struct {
	root        string
	locks       *locktable.Table
	parallelism int
	durability  packet.Durability
	onUpdate    txn.OnUpdate
}

// Open builds a DB from a loaded Configuration.
func Open(cfg *config.Configuration) (*DB, error) {
	if cfg.DatabasePath == "" {
		return nil, dberr.New(dberr.SchemaInvalid, "configuration: database_path must not be empty")
	}
	if err := os.MkdirAll(cfg.DatabasePath, 0o755); err != nil {
		return nil, dberr.Wrap(dberr.IoFailure, "create database directory "+cfg.DatabasePath, err)
	}

	stripes := cfg.LockStripes
	if stripes <= 0 {
		stripes = 4096
	}
	parallelism := cfg.QueryParallelism
	if parallelism <= 0 {
		parallelism = 4
	}

	return &DB{
		root:        cfg.DatabasePath,
		locks:       locktable.New(stripes),
		parallelism: parallelism,
		durability:  cfg.PacketDurability(),
	}, nil
}

// OnUpdate installs the atomic-update hook every Transaction opened
// against this DB's tables will use (spec.md §4.9's onUpdate).
func (db *DB) OnUpdate(hook txn.OnUpdate) {
	db.onUpdate = hook
}

// Table binds table's schema to this DB, giving a caller the
// Begin/Query/Vacuum/Describe surface.
type Table struct {
	db     *DB
	schema *schema.Table
}

// Table returns the facade bound to schemaTable within db.
func (db *DB) Table(schemaTable *schema.Table) *Table {
	return &Table{db: db, schema: schemaTable}
}

// Begin opens a Transaction against t, inheriting db's parallelism,
// durability, and onUpdate hook.
func (t *Table) Begin() *txn.Transaction {
	return txn.New(t.db.root, t.schema, t.db.locks, txn.Options{
		Parallelism: t.db.parallelism,
		Durability:  t.db.durability,
		OnUpdate:    t.db.onUpdate,
	})
}

// Query builds a plan from in and runs it to completion of its page.
func (t *Table) Query(in queryplan.Input) (*queryengine.Result, error) {
	plan, err := queryplan.Build(t.schema, in)
	if err != nil {
		return nil, err
	}
	eng := &queryengine.Engine{DBRoot: t.db.root, Locks: t.db.locks, Parallelism: t.db.parallelism}
	return eng.Run(plan)
}

// Describe builds a plan from in and renders its explain string
// (SPEC_FULL.md §12, spec.md §6's "textual plan description") without
// running it — for host-side debugging of index selection.
func (t *Table) Describe(in queryplan.Input) (string, error) {
	plan, err := queryplan.Build(t.schema, in)
	if err != nil {
		return "", err
	}
	return plan.Explain(), nil
}

// VacuumStats counts what one Vacuum pass did.
type VacuumStats struct {
	PacketsScanned int
	PacketsRemoved int
}

// Vacuum walks every declared index's directory tree and unlinks any
// packet file that decodes to zero records (SPEC_FULL.md §12) — a
// narrow reconciliation pass, not a cross-index consistency repair.
// Packets normally never go empty-on-disk (Commit unlinks them itself,
// see txn.savePacket), so Vacuum exists for recovering from a process
// that died mid-write or a file edited by hand.
func (t *Table) Vacuum() (VacuumStats, error) {
	var stats VacuumStats
	for _, idx := range t.schema.Indexes {
		root := filepath.Join(t.db.root, t.schema.Name, idx.Name)
		if err := t.vacuumLevel(root, idx, nil, &stats); err != nil {
			return stats, err
		}
	}
	return stats, nil
}

func (t *Table) vacuumLevel(dir string, idx schema.Index, pathSoFar []string, stats *VacuumStats) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return dberr.Wrap(dberr.IoFailure, "list "+dir, err)
	}

	level := len(pathSoFar)
	isLast := level == len(idx.Columns)-1

	for _, de := range entries {
		name := de.Name()
		if isLast {
			if de.IsDir() || !strings.HasSuffix(name, packet.Extension) {
				continue
			}
			trimmed := strings.TrimSuffix(name, packet.Extension)
			pathValues := append(append([]string{}, pathSoFar...), pathenc.Decode(trimmed))
			if err := t.vacuumPacket(idx, pathValues, stats); err != nil {
				return err
			}
			continue
		}
		if !de.IsDir() {
			continue
		}
		childPath := append(append([]string{}, pathSoFar...), pathenc.Decode(name))
		if err := t.vacuumLevel(filepath.Join(dir, name), idx, childPath, stats); err != nil {
			return err
		}
	}
	return nil
}

func (t *Table) vacuumPacket(idx schema.Index, pathValues []string, stats *VacuumStats) error {
	pkt := packet.New(t.db.root, t.schema, idx, pathValues)
	guard := t.db.locks.Acquire(pkt.File)
	defer guard.Release()

	if err := pkt.Load(); err != nil {
		return err
	}
	stats.PacketsScanned++
	if !pkt.Existed() {
		return nil
	}
	if _, err := pkt.Decode(packet.DecodeOptions{}); err != nil {
		return err
	}
	if pkt.Len() == 0 {
		if err := pkt.Unlink(); err != nil {
			return err
		}
		stats.PacketsRemoved++
	}
	return nil
}
