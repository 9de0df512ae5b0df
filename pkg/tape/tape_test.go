package tape

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/mockex/engine/pkg/codec"
)

func TestDrainWritesRenamedFile(t *testing.T) {
	dir := t.TempDir()
	tp, err := Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	tp.Append(Line{TimestampMicros: 1, Price: 100, Qty: 5, TakerSide: codec.Bid, MakerOrderID: 1, MakerAccountID: 2, TakerOrderID: 3, TakerAccountID: 4})

	if err := tp.Drain(12345); err != nil {
		t.Fatal(err)
	}
	if tp.Len() != 0 {
		t.Fatalf("expected deque cleared after drain, got %d", tp.Len())
	}

	path := filepath.Join(dir, "12345")
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("expected file %s to exist: %v", path, err)
	}
	if !strings.Contains(string(data), "1,100,5,bid,1,2,3,4") {
		t.Fatalf("unexpected tape contents: %q", data)
	}

	if _, err := os.Stat(filepath.Join(dir, ".tmp")); !os.IsNotExist(err) {
		t.Fatalf("expected temp file to be renamed away")
	}
}

func TestDrainNoOpOnEmptyDeque(t *testing.T) {
	dir := t.TempDir()
	tp, err := Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	if err := tp.Drain(999); err != nil {
		t.Fatal(err)
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected no files written for an empty drain, got %d", len(entries))
	}
}
