package txn

import (
	"sync"

	"github.com/bolner/fatcatdb/locktable"
	"github.com/bolner/fatcatdb/packet"
	"github.com/bolner/fatcatdb/schema"
)

// collector implements the PacketCollector pattern (spec.md §4.9):
// when a query-delete or query-update touches a record through the
// plan's chosen index, the record's redundant copies under every OTHER
// index must be repaired too. The collector groups those repairs by
// destination packet so each one is loaded and saved exactly once.
type collector struct {
	mu      sync.Mutex
	buckets map[string]*bucket
}

type bucket struct {
	index      schema.Index
	pathValues []string
	removes    map[string]bool
	upserts    map[string]any
}

func newCollector() *collector {
	return &collector{buckets: map[string]*bucket{}}
}

func (c *collector) addRemove(table *schema.Table, except schema.Index, record any) {
	c.forOtherIndexes(table, except, record, func(b *bucket, unique string) {
		b.removes[unique] = true
		delete(b.upserts, unique)
	})
}

func (c *collector) addUpsert(table *schema.Table, except schema.Index, record any) {
	c.forOtherIndexes(table, except, record, func(b *bucket, unique string) {
		b.upserts[unique] = record
		delete(b.removes, unique)
	})
}

func (c *collector) forOtherIndexes(table *schema.Table, except schema.Index, record any, mutate func(b *bucket, unique string)) {
	unique := table.UniqueKeyString(record)
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, idx := range table.Indexes {
		if idx.Name == except.Name {
			continue
		}
		key := idx.Name + schema.KeySeparator + table.IndexPathString(idx, record)
		b, ok := c.buckets[key]
		if !ok {
			b = &bucket{
				index:      idx,
				pathValues: table.IndexPath(idx, record),
				removes:    map[string]bool{},
				upserts:    map[string]any{},
			}
			c.buckets[key] = b
		}
		mutate(b, unique)
	}
}

// apply loads every collected bucket's packet, applies its removes and
// upserts, and saves it — the collector's "second pass" over the
// other indexes' packets.
func (c *collector) apply(dbRoot string, locks *locktable.Table, parallelism int, table *schema.Table, durability packet.Durability) error {
	buckets := make([]*bucket, 0, len(c.buckets))
	for _, b := range c.buckets {
		buckets = append(buckets, b)
	}

	return runBounded(buckets, parallelism, func(b *bucket) error {
		pkt := packet.New(dbRoot, table, b.index, b.pathValues)
		guard := locks.Acquire(pkt.File)
		defer guard.Release()

		if err := pkt.Load(); err != nil {
			return err
		}
		if _, err := pkt.Decode(packet.DecodeOptions{}); err != nil {
			return err
		}
		for unique := range b.removes {
			pkt.Remove(unique)
		}
		for unique, record := range b.upserts {
			pkt.Set(unique, record)
		}
		return savePacket(pkt, durability)
	})
}
