package commands

import (
	"bytes"
	"testing"

	"github.com/sheerbytes/dropline/internal/transfer"
)

func TestBarSet_FinishesOnce(t *testing.T) {
	units := []transfer.Unit{{ID: "a", Name: "a.bin", Size: 10}, {ID: "b", Name: "b.bin", Size: 0}}
	bars := newBarSet(&bytes.Buffer{}, units)

	bars.update(transfer.Progress{FileID: "a", BytesAcknowledged: 4, Total: 10})
	if bars.done["a"] {
		t.Fatal("a finished early")
	}
	bars.update(transfer.Progress{FileID: "a", BytesAcknowledged: 10, Total: 10})
	if !bars.done["a"] {
		t.Fatal("a not finished at total")
	}
	bars.update(transfer.Progress{FileID: "a", BytesAcknowledged: 10, Total: 10})
	bars.finish("a")
	bars.finish("b")
	if !bars.done["b"] || len(bars.bars) != 2 {
		t.Fatalf("bars = %d, done = %v", len(bars.bars), bars.done)
	}

	bars.update(transfer.Progress{FileID: "stray", BytesAcknowledged: 1, Total: 5})
	bars.abort()
	if bars.done["stray"] {
		t.Error("aborted bar marked done")
	}
}
