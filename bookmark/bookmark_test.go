package bookmark

import (
	"testing"

	"github.com/bolner/fatcatdb/dberr"
)

func TestRoundTrip(t *testing.T) {
	b := New("metrics", "account_date",
		[]string{"account", "date"}, []string{"a11", "2020-01-02"},
		[]string{"ad", "date"}, []string{"ad1", "2020-01-02"},
	)

	s, err := Encode(b)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	got, err := Decode(s)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}

	frag, ok := got.Find("metrics", "account_date")
	if !ok {
		t.Fatal("expected to find the fragment back")
	}
	if frag.Path["account"] != "a11" || frag.Path["ad"] != "ad1" {
		t.Errorf("fragment path = %v", frag.Path)
	}
	if len(frag.Columns) != 4 {
		t.Errorf("expected 4 ordered columns, got %v", frag.Columns)
	}
}

func TestDecodeInvalidBase64(t *testing.T) {
	_, err := Decode("not-valid-base64!!!")
	if !dberr.Is(err, dberr.InvalidBookmark) {
		t.Fatalf("expected InvalidBookmark, got %v", err)
	}
}

func TestDecodeInvalidJSON(t *testing.T) {
	bad := "bm90IGpzb24="
	_, err := Decode(bad)
	if !dberr.Is(err, dberr.InvalidBookmark) {
		t.Fatalf("expected InvalidBookmark, got %v", err)
	}
}

func TestFindMissing(t *testing.T) {
	b := Bookmark{}
	if _, ok := b.Find("t", "i"); ok {
		t.Fatal("expected Find on an empty bookmark to report not-found")
	}
}
