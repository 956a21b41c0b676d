package commands

import (
	"io"
	"sync"

	"github.com/sheerbytes/dropline/internal/progress"
	"github.com/sheerbytes/dropline/internal/transfer"
)

// barSet draws one bar per file, created on its first progress sample.
type barSet struct {
	mu    sync.Mutex
	w     io.Writer
	units map[string]transfer.Unit
	bars  map[string]*progress.Bar
	done  map[string]bool
}

func newBarSet(w io.Writer, units []transfer.Unit) *barSet {
	b := &barSet{
		w:     w,
		units: make(map[string]transfer.Unit, len(units)),
		bars:  make(map[string]*progress.Bar),
		done:  make(map[string]bool),
	}
	for _, u := range units {
		b.units[u.ID] = u
	}
	return b
}

func (b *barSet) update(p transfer.Progress) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.done[p.FileID] {
		return
	}
	b.bar(p.FileID, p.Total).Set(p.BytesAcknowledged)
	if p.Total > 0 && p.BytesAcknowledged >= p.Total {
		b.finishLocked(p.FileID, p.Total)
	}
}

func (b *barSet) finish(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.finishLocked(id, b.units[id].Size)
}

func (b *barSet) finishLocked(id string, total int64) {
	if b.done[id] {
		return
	}
	b.done[id] = true
	b.bar(id, total).Finish()
}

func (b *barSet) abort() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, bar := range b.bars {
		if !b.done[id] {
			bar.Abort()
		}
	}
}

func (b *barSet) bar(id string, total int64) *progress.Bar {
	if bar := b.bars[id]; bar != nil {
		return bar
	}
	label := id
	if u, ok := b.units[id]; ok {
		label = u.Name
	}
	bar := progress.NewBar(b.w, label, total)
	b.bars[id] = bar
	return bar
}
