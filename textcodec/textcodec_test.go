package textcodec

import (
	"bytes"
	"strings"
	"testing"
)

func TestRoundTrip(t *testing.T) {
	header := []string{"date", "account", "ad", "impressions"}
	rows := [][]string{
		{"2020-01-02", "a11", "ad1", "100"},
		{"2020-01-03", "a11", "ad1", "200"},
	}

	var buf bytes.Buffer
	if err := (TSV{}).Encode(&buf, header, rows); err != nil {
		t.Fatalf("Encode: %v", err)
	}

	gotHeader, gotRows, err := TSV{}.Decode(&buf)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if !equal(gotHeader, header) {
		t.Errorf("header = %v, want %v", gotHeader, header)
	}
	if len(gotRows) != len(rows) {
		t.Fatalf("rows = %v, want %v", gotRows, rows)
	}
	for i := range rows {
		if !equal(gotRows[i], rows[i]) {
			t.Errorf("row %d = %v, want %v", i, gotRows[i], rows[i])
		}
	}
}

func TestDecodeMalformedRow(t *testing.T) {
	text := "a\tb\tc\n1\t2\t3\n4\t5\n"
	_, _, err := TSV{}.Decode(strings.NewReader(text))
	if err == nil {
		t.Fatal("expected an error for a short row")
	}
	lineErr, ok := err.(*LineError)
	if !ok {
		t.Fatalf("expected *LineError, got %T: %v", err, err)
	}
	if lineErr.Line != 3 {
		t.Errorf("Line = %d, want 3", lineErr.Line)
	}
}

func TestDecodeEmptyInput(t *testing.T) {
	header, rows, err := TSV{}.Decode(strings.NewReader(""))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if len(header) != 0 || len(rows) != 0 {
		t.Errorf("header=%v rows=%v, want both empty", header, rows)
	}
}

func equal(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
