// Package packet implements the in-memory representation of one
// <table>/<index>/<p1>/.../<pN>.tsv.gz file: load, decode, upsert/
// remove, encode, durable write (spec.md §4.3). A Packet never
// acquires a lock itself — every caller (transaction commit, query
// packet loader) wraps its Load/Save calls in the lock table's guard,
// per spec.md §5's "every packet file operation MUST occur under the
// packet's lock".
package packet

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/google/uuid"
	"github.com/tidwall/btree"

	"github.com/bolner/fatcatdb/compresscodec"
	"github.com/bolner/fatcatdb/dberr"
	"github.com/bolner/fatcatdb/pathenc"
	"github.com/bolner/fatcatdb/pathfilter"
	"github.com/bolner/fatcatdb/schema"
	"github.com/bolner/fatcatdb/textcodec"
)

// Extension is the on-disk suffix of every packet file.
const Extension = ".tsv.gz"

// Packet is one directory-tree leaf: <dbRoot>/<table>/<index>/<enc(v0)>/.../<enc(v_{L-1})>.tsv.gz.
type Packet struct {
	Table *schema.Table
	Index schema.Index

	// PathValues are the raw (decoded) string forms of the index
	// columns, in index column order.
	PathValues []string

	Dir  string
	File string

	Text     textcodec.Codec
	Compress compresscodec.Codec

	raw     []byte
	loaded  bool
	existed bool
	records *btree.Map[string, any]
}

// New computes dir and file by encoding each path value; it performs
// no I/O.
func New(dbRoot string, table *schema.Table, index schema.Index, pathValues []string) *Packet {
	encoded := make([]string, len(pathValues))
	for i, v := range pathValues {
		encoded[i] = pathenc.Encode(v)
	}

	var dir string
	var file string
	if len(encoded) == 1 {
		dir = filepath.Join(dbRoot, table.Name, index.Name)
		file = filepath.Join(dir, encoded[0]+Extension)
	} else {
		dir = filepath.Join(append([]string{dbRoot, table.Name, index.Name}, encoded[:len(encoded)-1]...)...)
		file = filepath.Join(dir, encoded[len(encoded)-1]+Extension)
	}

	return &Packet{
		Table:      table,
		Index:      index,
		PathValues: pathValues,
		Dir:        dir,
		File:       file,
		Text:       textcodec.TSV{},
		Compress:   compresscodec.Gzip{},
		records:    &btree.Map[string, any]{},
	}
}

// Load reads the packet's file into memory if it exists. Idempotent;
// a missing file is not an error. Must be called under the packet's
// lock; Load only touches the filesystem, it does not decode.
func (p *Packet) Load() error {
	data, err := os.ReadFile(p.File)
	if err != nil {
		if os.IsNotExist(err) {
			p.loaded = true
			p.existed = false
			return nil
		}
		return dberr.Wrap(dberr.IoFailure, "read packet "+p.File, err)
	}
	p.raw = data
	p.loaded = true
	p.existed = true
	return nil
}

// Existed reports whether the file existed at the last Load.
func (p *Packet) Existed() bool {
	return p.existed
}

// DecodeOptions controls per-row filtering and result ordering during
// Decode. All fields are optional.
type DecodeOptions struct {
	// FreePathFilters are pathFilters on columns not bound into this
	// packet's directory path (spec.md §4.3 step 1): evaluated against
	// the materialized value before flex filters, so a cheap typed
	// reject happens before the more expensive flex predicates run.
	FreePathFilters map[int]*pathfilter.Filter
	// FlexFilters are arbitrary record predicates (spec.md §4.3 step 3).
	FlexFilters []func(record any) bool
	// FreeSort stable-sorts the result list after loading (spec.md
	// §4.3's "optional per-packet sort").
	FreeSort []SortDirective
}

// SortDirective names one column of the free-sort suffix and its
// direction.
type SortDirective struct {
	Column int
	Desc   bool
}

// Decode parses the packet's buffer (if any) into the in-memory record
// store and returns the ordered result list described by spec.md
// §4.3: materialized, filtered, and — if FreeSort is set — stably
// sorted. Decode is safe to call once per Load; it is idempotent.
func (p *Packet) Decode(opts DecodeOptions) ([]any, error) {
	if !p.loaded {
		if err := p.Load(); err != nil {
			return nil, err
		}
	}
	p.records = &btree.Map[string, any]{}

	if !p.existed || len(p.raw) == 0 {
		return nil, nil
	}

	plain, err := p.Compress.Decompress(p.raw)
	if err != nil {
		return nil, dberr.Wrap(dberr.PacketCorrupt, "decompress packet "+p.File, err)
	}

	header, rows, err := p.Text.Decode(bytes.NewReader(plain))
	if err != nil {
		if lineErr, ok := err.(*textcodec.LineError); ok {
			return nil, dberr.Wrap(dberr.PacketCorrupt, fmt.Sprintf("packet %s line %d", p.File, lineErr.Line), err)
		}
		return nil, dberr.Wrap(dberr.PacketCorrupt, "decode packet "+p.File, err)
	}

	// File-column-name -> schema column position, tolerating
	// additions/removals/reordering across packets of the same table.
	filePos := make([]int, len(header))
	for i, name := range header {
		filePos[i] = p.Table.ColumnPosition(name)
	}

	result := make([]any, 0, len(rows))
	adapter := p.Table.Adapter

	for _, row := range rows {
		record := adapter.NewRecord()
		for i, pos := range filePos {
			if pos < 0 {
				continue // unknown file column, dropped
			}
			v, err := adapter.ColumnFromString(pos, row[i])
			if err != nil {
				return nil, dberr.Wrap(dberr.PacketCorrupt, fmt.Sprintf("packet %s: column %q", p.File, header[i]), err)
			}
			adapter.SetColumn(record, pos, v)
		}
		// Schema columns absent from this file's header decode to null.
		seen := make(map[int]bool, len(filePos))
		for _, pos := range filePos {
			if pos >= 0 {
				seen[pos] = true
			}
		}
		for i := 0; i < adapter.ColumnCount(); i++ {
			if seen[i] {
				continue
			}
			v, err := adapter.ColumnFromString(i, p.Table.NullValue)
			if err != nil {
				return nil, dberr.Wrap(dberr.PacketCorrupt, fmt.Sprintf("packet %s: null column %d", p.File, i), err)
			}
			adapter.SetColumn(record, i, v)
		}

		if opts.FreePathFilters != nil {
			rejected := false
			for col, filter := range opts.FreePathFilters {
				val := adapter.GetColumn(record, col)
				str := adapter.ColumnToString(col, val)
				if !filter.Evaluate(val, str) {
					rejected = true
					break
				}
			}
			if rejected {
				continue
			}
		}

		rejected := false
		for _, flex := range opts.FlexFilters {
			if !flex(record) {
				rejected = true
				break
			}
		}
		if rejected {
			continue
		}

		unique := p.Table.UniqueKeyString(record)
		p.records.Set(unique, record)
		result = append(result, record)
	}

	if len(opts.FreeSort) > 0 {
		sort.SliceStable(result, func(i, j int) bool {
			a, b := result[i], result[j]
			for _, dir := range opts.FreeSort {
				va := adapter.GetColumn(a, dir.Column)
				vb := adapter.GetColumn(b, dir.Column)
				c := adapter.CompareColumn(dir.Column, va, vb)
				if c == 0 {
					continue
				}
				if dir.Desc {
					return c > 0
				}
				return c < 0
			}
			return false
		})
	}

	return result, nil
}

// Get returns the record stored under unique, if any.
func (p *Packet) Get(unique string) (any, bool) {
	return p.records.Get(unique)
}

// Set upserts a record under unique.
func (p *Packet) Set(unique string, record any) {
	p.records.Set(unique, record)
}

// Remove deletes the record stored under unique, if any.
func (p *Packet) Remove(unique string) {
	p.records.Delete(unique)
}

// Len reports how many records the packet currently holds.
func (p *Packet) Len() int {
	return p.records.Len()
}

// Records returns every currently-held record, in ascending unique-key
// order (tidwall/btree's own ordering), for callers that need a full
// snapshot (e.g. before Encode).
func (p *Packet) Records() []any {
	out := make([]any, 0, p.records.Len())
	p.records.Scan(func(_ string, v any) bool {
		out = append(out, v)
		return true
	})
	return out
}

// Encode renders the current record store to the packet's compressed
// text form: header followed by one row per record, in the schema's
// declared column order, with null columns written as the schema's
// NullValue.
func (p *Packet) Encode() ([]byte, error) {
	adapter := p.Table.Adapter
	names := p.Table.ColumnNames()

	var rows [][]string
	p.records.Scan(func(_ string, record any) bool {
		row := make([]string, len(names))
		for i := range names {
			row[i] = adapter.ColumnToString(i, adapter.GetColumn(record, i))
		}
		rows = append(rows, row)
		return true
	})

	var plain bytes.Buffer
	if err := p.Text.Encode(&plain, names, rows); err != nil {
		return nil, dberr.Wrap(dberr.IoFailure, "encode packet "+p.File, err)
	}
	compressed, err := p.Compress.Compress(plain.Bytes())
	if err != nil {
		return nil, dberr.Wrap(dberr.IoFailure, "compress packet "+p.File, err)
	}
	return compressed, nil
}

// Durability selects how Save commits bytes to disk.
type Durability string

const (
	DurabilityOff Durability = "off"
	DurabilityOn  Durability = "on"
)

// Save writes the packet's current record store to disk. With
// DurabilityOff it overwrites the file in place (create dirs, write,
// fsync). With DurabilityOn it writes to a temp file, fsyncs, deletes
// the old file, then renames the temp file into place — surfacing a
// fatal recovery instruction if delete/rename fails after the data is
// already safely on the temp file (spec.md §4.3).
func (p *Packet) Save(durability Durability) error {
	data, err := p.Encode()
	if err != nil {
		return err
	}

	if err := os.MkdirAll(p.Dir, 0o755); err != nil {
		return dberr.Wrap(dberr.IoFailure, "create-dir "+p.Dir, err)
	}

	if durability == DurabilityOn {
		return p.saveDurable(data)
	}
	return p.saveInPlace(data)
}

func (p *Packet) saveInPlace(data []byte) error {
	f, err := os.OpenFile(p.File, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return dberr.Wrap(dberr.IoFailure, "write "+p.File, err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return dberr.Wrap(dberr.IoFailure, "write "+p.File, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return dberr.Wrap(dberr.IoFailure, "write "+p.File, err)
	}
	return f.Close()
}

func (p *Packet) saveDurable(data []byte) error {
	tmp := p.File + "." + uuid.NewString() + ".tmp"

	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return dberr.Wrap(dberr.IoFailure, "write "+tmp, err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return dberr.Wrap(dberr.IoFailure, "write "+tmp, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return dberr.Wrap(dberr.IoFailure, "write "+tmp, err)
	}
	if err := f.Close(); err != nil {
		return dberr.Wrap(dberr.IoFailure, "write "+tmp, err)
	}

	if err := os.Remove(p.File); err != nil && !os.IsNotExist(err) {
		return dberr.Wrap(dberr.IoFailure, fmt.Sprintf("delete %s (data safely written to %s, manual recovery: rename %s to %s)", p.File, tmp, tmp, p.File), err)
	}
	if err := os.Rename(tmp, p.File); err != nil {
		return dberr.Wrap(dberr.IoFailure, fmt.Sprintf("rename %s to %s (data safely written to %s, manual recovery: rename %s to %s)", tmp, p.File, tmp, tmp, p.File), err)
	}
	return nil
}

// Unlink removes the packet's file, if it exists. Used when a packet's
// last record is removed (spec.md's Open Question #1, resolved in
// SPEC_FULL.md §12: empty packets are unlinked rather than left as
// zero-row files).
func (p *Packet) Unlink() error {
	if err := os.Remove(p.File); err != nil && !os.IsNotExist(err) {
		return dberr.Wrap(dberr.IoFailure, "delete "+p.File, err)
	}
	return nil
}
