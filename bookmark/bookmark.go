// Package bookmark implements the opaque, self-describing paging
// cursor (spec.md §4.10): a sequence of fragments, each tied to
// (tableName, indexName, path), serialized as a base64-wrapped JSON
// document. Decoding failure is always surfaced as InvalidBookmark,
// never as a lower-level parse error, so a host can show it to a user
// without leaking internal format details.
package bookmark

import (
	"encoding/base64"

	jsoniter "github.com/json-iterator/go"

	"github.com/bolner/fatcatdb/dberr"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Fragment ties one cursor position to a specific (table, index) pair.
// Path is the concatenation of the packet's index path and the
// record's unique-key columns, column name to string value.
type Fragment struct {
	TableName string            `json:"table"`
	IndexName string            `json:"index"`
	Path      map[string]string `json:"path"`
	// Columns preserves the declared order of Path's keys (index
	// columns followed by unique-key columns), since map iteration
	// order is not stable and the engine needs the path components in
	// declared order to rebuild per-level afterValues.
	Columns []string `json:"columns"`
}

// Bookmark is the full cursor: one fragment, in this engine's single-
// index-per-query model, but modeled as a sequence per spec.md §4.10
// to allow a host to carry bookmarks for more than one plan shape.
type Bookmark struct {
	Fragments []Fragment `json:"Fragments"`
}

// Encode serializes b as an opaque base64 string.
func Encode(b Bookmark) (string, error) {
	data, err := json.Marshal(b)
	if err != nil {
		return "", dberr.Wrap(dberr.InvalidBookmark, "encode bookmark", err)
	}
	return base64.URLEncoding.EncodeToString(data), nil
}

// Decode parses an opaque bookmark string. Any failure — bad base64,
// bad JSON — is surfaced as dberr.InvalidBookmark, per spec.md §4.10.
func Decode(s string) (Bookmark, error) {
	data, err := base64.URLEncoding.DecodeString(s)
	if err != nil {
		return Bookmark{}, dberr.Wrap(dberr.InvalidBookmark, "malformed bookmark encoding", err)
	}
	var b Bookmark
	if err := json.Unmarshal(data, &b); err != nil {
		return Bookmark{}, dberr.Wrap(dberr.InvalidBookmark, "malformed bookmark document", err)
	}
	return b, nil
}

// Find returns the fragment matching (tableName, indexName), if any.
func (b Bookmark) Find(tableName, indexName string) (Fragment, bool) {
	for _, f := range b.Fragments {
		if f.TableName == tableName && f.IndexName == indexName {
			return f, true
		}
	}
	return Fragment{}, false
}

// New builds a single-fragment bookmark from an index path and a
// unique key, each given as ordered (columnName, value) pairs. This is
// the shape the query engine's getBookmark() builds from
// lastRecordFetched (spec.md §4.10 "Production").
func New(tableName, indexName string, indexPathCols, indexPathVals []string, uniqueCols, uniqueVals []string) Bookmark {
	path := make(map[string]string, len(indexPathCols)+len(uniqueCols))
	columns := make([]string, 0, len(indexPathCols)+len(uniqueCols))
	for i, c := range indexPathCols {
		path[c] = indexPathVals[i]
		columns = append(columns, c)
	}
	for i, c := range uniqueCols {
		path[c] = uniqueVals[i]
		columns = append(columns, c)
	}
	return Bookmark{Fragments: []Fragment{{
		TableName: tableName,
		IndexName: indexName,
		Path:      path,
		Columns:   columns,
	}}}
}
