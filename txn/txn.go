// Package txn implements the transaction engine (spec.md §4.9): batches
// add/remove/query-update/query-delete against one table, expands each
// mutation across every declared index, and commits in three ordered
// phases — query-delete, query-update, then upsert/remove plans — each
// run through a bounded worker pool.
package txn

import (
	"context"
	"strings"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/bolner/fatcatdb/dberr"
	"github.com/bolner/fatcatdb/locktable"
	"github.com/bolner/fatcatdb/packet"
	"github.com/bolner/fatcatdb/queryengine"
	"github.com/bolner/fatcatdb/queryplan"
	"github.com/bolner/fatcatdb/schema"
)

// OnUpdate is the atomic-update hook (spec.md §4.9): given the packet's
// currently stored record and the incoming one, it returns the record
// to store, or nil to skip the write entirely.
type OnUpdate func(old, incoming any) any

// packetPlan accumulates the upserts/removes destined for one
// (index, indexPath) packet.
type packetPlan struct {
	index      schema.Index
	pathValues []string
	upserts    map[string]any
	removes    map[string]bool
}

type queryDelete struct {
	plan *queryplan.Plan
}

type queryUpdate struct {
	plan    *queryplan.Plan
	updater func(record any)
}

// Transaction batches mutations against a single table for one commit.
// The zero value is not usable; build one with New.
type Transaction struct {
	dbRoot      string
	table       *schema.Table
	locks       *locktable.Table
	parallelism int
	durability  packet.Durability
	onUpdate    OnUpdate

	plans        map[string]*packetPlan
	queryDeletes []queryDelete
	queryUpdates []queryUpdate

	packetsTouched int64
	recordsTouched int64
}

// Options configures a Transaction.
type Options struct {
	Parallelism int
	Durability  packet.Durability
	OnUpdate    OnUpdate
}

// New builds an empty transaction against table.
func New(dbRoot string, table *schema.Table, locks *locktable.Table, opts Options) *Transaction {
	parallelism := opts.Parallelism
	if parallelism <= 0 {
		parallelism = 4
	}
	durability := opts.Durability
	if durability == "" {
		durability = packet.DurabilityOff
	}
	return &Transaction{
		dbRoot:      dbRoot,
		table:       table,
		locks:       locks,
		parallelism: parallelism,
		durability:  durability,
		onUpdate:    opts.OnUpdate,
		plans:       map[string]*packetPlan{},
	}
}

// Add registers record for upsert into every declared index's packet.
func (tx *Transaction) Add(record any) {
	tx.stage(record, false)
}

// Remove registers record for removal from every declared index's
// packet.
func (tx *Transaction) Remove(record any) {
	tx.stage(record, true)
}

func (tx *Transaction) stage(record any, remove bool) {
	unique := tx.table.UniqueKeyString(record)
	for _, idx := range tx.table.Indexes {
		key := idx.Name + schema.KeySeparator + tx.table.IndexPathString(idx, record)
		p, ok := tx.plans[key]
		if !ok {
			p = &packetPlan{
				index:      idx,
				pathValues: tx.table.IndexPath(idx, record),
				upserts:    map[string]any{},
				removes:    map[string]bool{},
			}
			tx.plans[key] = p
		}
		if remove {
			p.removes[unique] = true
			delete(p.upserts, unique)
		} else {
			p.upserts[unique] = record
			delete(p.removes, unique)
		}
	}
}

// QueryDelete registers a bulk delete: every record the plan matches is
// removed from its packet under plan.BestIndex, then from every other
// index's redundant copy.
func (tx *Transaction) QueryDelete(plan *queryplan.Plan) {
	tx.queryDeletes = append(tx.queryDeletes, queryDelete{plan: plan})
}

// QueryUpdate registers a bulk update: updater mutates each matched
// record in place. Indexed columns must not change; a violation aborts
// the transaction with dberr.IllegalUpdate and leaves the offending
// packet unchanged.
func (tx *Transaction) QueryUpdate(plan *queryplan.Plan, updater func(record any)) {
	tx.queryUpdates = append(tx.queryUpdates, queryUpdate{plan: plan, updater: updater})
}

// Commit runs the three phases in order and empties the transaction. On
// the first worker error, remaining work in that phase drains before
// the error is returned (matching golang.org/x/sync/errgroup's own
// wait-then-report contract); staged work in later phases never runs.
func (tx *Transaction) Commit() error {
	atomic.StoreInt64(&tx.packetsTouched, 0)
	atomic.StoreInt64(&tx.recordsTouched, 0)

	if err := tx.runQueryDeletes(); err != nil {
		return err
	}
	if err := tx.runQueryUpdates(); err != nil {
		return err
	}
	if err := tx.runPacketPlans(); err != nil {
		return err
	}
	tx.plans = map[string]*packetPlan{}
	tx.queryDeletes = nil
	tx.queryUpdates = nil
	return nil
}

// Stats reports best-effort counters for the most recently completed
// Commit (SPEC_FULL.md §12), without pulling in a logging dependency.
func (tx *Transaction) Stats() queryengine.Stats {
	return queryengine.Stats{
		PacketsTouched: int(atomic.LoadInt64(&tx.packetsTouched)),
		RecordsTouched: int(atomic.LoadInt64(&tx.recordsTouched)),
	}
}

func (tx *Transaction) engine() *queryengine.Engine {
	return &queryengine.Engine{DBRoot: tx.dbRoot, Locks: tx.locks, Parallelism: tx.parallelism}
}

func (tx *Transaction) runQueryDeletes() error {
	for _, op := range tx.queryDeletes {
		table := op.plan.Table
		paths, err := tx.engine().Walk(op.plan)
		if err != nil {
			return err
		}

		collector := newCollector()
		err = runBounded(paths, tx.parallelism, func(pathValues []string) error {
			pkt := packet.New(tx.dbRoot, table, op.plan.BestIndex, pathValues)
			guard := tx.locks.Acquire(pkt.File)
			defer guard.Release()

			if err := pkt.Load(); err != nil {
				return err
			}
			matched, err := pkt.Decode(packet.DecodeOptions{
				FreePathFilters: op.plan.FreePathFilters,
				FlexFilters:     op.plan.FlexFilters,
			})
			if err != nil {
				return err
			}
			if len(matched) == 0 {
				return nil
			}
			for _, record := range matched {
				pkt.Remove(table.UniqueKeyString(record))
				collector.addRemove(table, op.plan.BestIndex, record)
			}
			atomic.AddInt64(&tx.packetsTouched, 1)
			atomic.AddInt64(&tx.recordsTouched, int64(len(matched)))
			return savePacket(pkt, tx.durability)
		})
		if err != nil {
			return err
		}

		if err := collector.apply(tx.dbRoot, tx.locks, tx.parallelism, table, tx.durability); err != nil {
			return err
		}
	}
	return nil
}

func (tx *Transaction) runQueryUpdates() error {
	for _, op := range tx.queryUpdates {
		table := op.plan.Table
		paths, err := tx.engine().Walk(op.plan)
		if err != nil {
			return err
		}

		collector := newCollector()
		err = runBounded(paths, tx.parallelism, func(pathValues []string) error {
			pkt := packet.New(tx.dbRoot, table, op.plan.BestIndex, pathValues)
			guard := tx.locks.Acquire(pkt.File)
			defer guard.Release()

			if err := pkt.Load(); err != nil {
				return err
			}
			matched, err := pkt.Decode(packet.DecodeOptions{
				FreePathFilters: op.plan.FreePathFilters,
				FlexFilters:     op.plan.FlexFilters,
			})
			if err != nil {
				return err
			}
			if len(matched) == 0 {
				return nil
			}

			wantPath := indexPathKey(pathValues)
			for _, record := range matched {
				before := table.UniqueKeyString(record)
				op.updater(record)
				if table.IndexPathString(op.plan.BestIndex, record) != wantPath {
					return dberr.New(dberr.IllegalUpdate, "table "+table.Name+": query-update changed an indexed column")
				}
				after := table.UniqueKeyString(record)
				if after != before {
					pkt.Remove(before)
				}
				pkt.Set(after, record)
				collector.addUpsert(table, op.plan.BestIndex, record)
			}
			atomic.AddInt64(&tx.packetsTouched, 1)
			atomic.AddInt64(&tx.recordsTouched, int64(len(matched)))
			return savePacket(pkt, tx.durability)
		})
		if err != nil {
			return err
		}

		if err := collector.apply(tx.dbRoot, tx.locks, tx.parallelism, table, tx.durability); err != nil {
			return err
		}
	}
	return nil
}

func (tx *Transaction) runPacketPlans() error {
	plans := make([]*packetPlan, 0, len(tx.plans))
	for _, p := range tx.plans {
		plans = append(plans, p)
	}

	return runBounded(plans, tx.parallelism, func(p *packetPlan) error {
		pkt := packet.New(tx.dbRoot, tx.table, p.index, p.pathValues)
		guard := tx.locks.Acquire(pkt.File)
		defer guard.Release()

		if err := pkt.Load(); err != nil {
			return err
		}
		if _, err := pkt.Decode(packet.DecodeOptions{}); err != nil {
			return err
		}

		expectedIndexPath := indexPathKey(p.pathValues)

		for unique, incoming := range p.upserts {
			record := incoming
			if tx.onUpdate != nil {
				if old, ok := pkt.Get(unique); ok {
					result := tx.onUpdate(old, incoming)
					if result == nil {
						continue
					}
					if indexPathKey(tx.table.IndexPath(p.index, result)) != expectedIndexPath {
						return dberr.New(dberr.IllegalUpdate, "table "+tx.table.Name+": onUpdate hook changed an indexed column")
					}
					newUnique := tx.table.UniqueKeyString(result)
					if newUnique != unique {
						pkt.Remove(unique)
					}
					pkt.Set(newUnique, result)
					continue
				}
			}
			pkt.Set(unique, record)
		}
		for unique := range p.removes {
			pkt.Remove(unique)
		}

		atomic.AddInt64(&tx.packetsTouched, 1)
		atomic.AddInt64(&tx.recordsTouched, int64(len(p.upserts)+len(p.removes)))
		return savePacket(pkt, tx.durability)
	})
}

func indexPathKey(pathValues []string) string {
	return strings.Join(pathValues, schema.KeySeparator)
}

// savePacket persists pkt, unlinking it instead of writing an empty
// file when the last record was just removed (SPEC_FULL.md §12,
// resolving spec.md's Open Question #1).
func savePacket(pkt *packet.Packet, durability packet.Durability) error {
	if pkt.Len() == 0 {
		if pkt.Existed() {
			return pkt.Unlink()
		}
		return nil
	}
	return pkt.Save(durability)
}

// runBounded runs fn over items through a worker pool capped at
// parallelism.
func runBounded[T any](items []T, parallelism int, fn func(T) error) error {
	if parallelism <= 0 {
		parallelism = 4
	}
	g, ctx := errgroup.WithContext(context.Background())
	sem := semaphore.NewWeighted(int64(parallelism))
	for _, item := range items {
		item := item
		g.Go(func() error {
			if err := sem.Acquire(ctx, 1); err != nil {
				return err
			}
			defer sem.Release(1)
			return fn(item)
		})
	}
	return g.Wait()
}
