// Package textcodec is the delimited-text codec spec.md marks as an
// external collaborator: it turns a header row and a sequence of data
// rows into the packet's text stream and back, without knowing
// anything about schemas or records. The core depends only on the
// Codec interface; TSV is the reference implementation supplied here,
// the same way a database driver ships alongside database/sql.
package textcodec

import (
	"bufio"
	"fmt"
	"io"
	"strings"
)

// LineError reports a malformed row at a specific 1-based line number,
// so the caller (the packet package) can attach the packet's path and
// raise dberr.PacketCorrupt with both pieces of context.
type LineError struct {
	Line int
	Msg  string
}

func (e *LineError) Error() string {
	return fmt.Sprintf("line %d: %s", e.Line, e.Msg)
}

// Codec converts between a packet's in-memory rows and its on-disk
// text form.
type Codec interface {
	// Encode writes header followed by one line per row.
	Encode(w io.Writer, header []string, rows [][]string) error
	// Decode reads header and every data row. Returns a *LineError if
	// any row's column count differs from the header's.
	Decode(r io.Reader) (header []string, rows [][]string, err error)
}

// TSV is a tab-separated-values Codec: one field per tab, one record
// per line, no quoting. Column values are expected to already be
// encoded by the schema's string converters into a form free of tabs
// and newlines (the engine's NullValue sentinel and the caller's
// column-to-string conversions are responsible for that).
type TSV struct{}

func (TSV) Encode(w io.Writer, header []string, rows [][]string) error {
	bw := bufio.NewWriter(w)
	if err := writeRow(bw, header); err != nil {
		return err
	}
	for _, row := range rows {
		if err := writeRow(bw, row); err != nil {
			return err
		}
	}
	return bw.Flush()
}

func writeRow(w *bufio.Writer, row []string) error {
	for i, field := range row {
		if i > 0 {
			if err := w.WriteByte('\t'); err != nil {
				return err
			}
		}
		if _, err := w.WriteString(field); err != nil {
			return err
		}
	}
	return w.WriteByte('\n')
}

func (TSV) Decode(r io.Reader) (header []string, rows [][]string, err error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 64*1024*1024)

	line := 0
	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			return nil, nil, err
		}
		return []string{}, nil, nil
	}
	line++
	header = splitRow(scanner.Text())

	for scanner.Scan() {
		line++
		text := scanner.Text()
		if text == "" {
			continue
		}
		fields := splitRow(text)
		if len(fields) != len(header) {
			return nil, nil, &LineError{Line: line, Msg: fmt.Sprintf("expected %d columns, found %d", len(header), len(fields))}
		}
		rows = append(rows, fields)
	}
	if err := scanner.Err(); err != nil {
		return nil, nil, err
	}
	return header, rows, nil
}

func splitRow(line string) []string {
	return strings.Split(line, "\t")
}
