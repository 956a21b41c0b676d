package transfer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/sheerbytes/dropline/internal/progress"
)

const ackTimeout = 30 * time.Second

// ErrFileStorage marks a file that could not be stored locally. Its bytes
// are discarded and it is never reported as ready.
var ErrFileStorage = errors.New("transfer: cannot store received file")

// FailedFile reports a unit abandoned on the receiving side.
type FailedFile struct {
	Unit
	Received int64
	Err      error
}

// ReceiverOptions configures a Receiver. A nil Spool keeps files in memory.
type ReceiverOptions struct {
	Spool  Spool
	Logger *slog.Logger
	Now    func() time.Time
}

type incoming struct {
	unit     Unit
	part     Part
	received int64
	meter    *progress.Meter
	// err is set once storing the file failed; later frames are dropped.
	err error
}

// Receiver reassembles files from a link. Each file's bytes are kept in
// their own part, keyed by file id, which is released when the file ends.
type Receiver struct {
	link   Link
	spool  Spool
	logger *slog.Logger
	now    func() time.Time

	mu       sync.Mutex
	expected map[string]Unit
	current  string
	parts    map[string]*incoming
	nextID   uint64
	ready    map[uint64]func(ReadyFile)
	failed   map[uint64]func(FailedFile)
	progress map[uint64]func(Progress)
	detach   func()
}

// NewReceiver starts handling messages on link.
func NewReceiver(link Link, opts ReceiverOptions) *Receiver {
	spool := opts.Spool
	if spool == nil {
		spool = MemorySpool{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	r := &Receiver{
		link:     link,
		spool:    spool,
		logger:   logger.With("component", "receiver"),
		now:      now,
		expected: make(map[string]Unit),
		parts:    make(map[string]*incoming),
		ready:    make(map[uint64]func(ReadyFile)),
		failed:   make(map[uint64]func(FailedFile)),
		progress: make(map[uint64]func(Progress)),
	}
	r.detach = link.OnMessage(r.handleMessage)
	return r
}

// Expect records the units the sender announced so finalized files carry
// their declared name, size and type.
func (r *Receiver) Expect(units ...Unit) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, u := range units {
		r.expected[u.ID] = u
	}
}

// OnFileReady registers fn for every finalized file.
func (r *Receiver) OnFileReady(fn func(ReadyFile)) (remove func()) {
	r.mu.Lock()
	id := r.nextID
	r.nextID++
	r.ready[id] = fn
	r.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			delete(r.ready, id)
			r.mu.Unlock()
		})
	}
}

// OnFileFailed registers fn for every file that could not be stored. Each
// failed file is reported once, as soon as the failure happens.
func (r *Receiver) OnFileFailed(fn func(FailedFile)) (remove func()) {
	r.mu.Lock()
	id := r.nextID
	r.nextID++
	r.failed[id] = fn
	r.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			delete(r.failed, id)
			r.mu.Unlock()
		})
	}
}

// OnProgress registers fn for every binary frame received.
func (r *Receiver) OnProgress(fn func(Progress)) (remove func()) {
	r.mu.Lock()
	id := r.nextID
	r.nextID++
	r.progress[id] = fn
	r.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			delete(r.progress, id)
			r.mu.Unlock()
		})
	}
}

// Pending returns how many files have started but not ended.
func (r *Receiver) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.parts)
}

// Close stops handling messages and discards unfinished files.
func (r *Receiver) Close() error {
	r.mu.Lock()
	detach := r.detach
	r.detach = nil
	var parts []Part
	for _, in := range r.parts {
		if in.part != nil {
			parts = append(parts, in.part)
			in.part = nil
		}
	}
	r.parts = make(map[string]*incoming)
	r.current = ""
	clear(r.ready)
	clear(r.failed)
	clear(r.progress)
	r.mu.Unlock()

	if detach != nil {
		detach()
	}
	var errs []error
	for _, part := range parts {
		errs = append(errs, part.Discard())
	}
	if len(parts) > 0 {
		r.logger.Info("discarded unfinished files", "count", len(parts))
	}
	return errors.Join(errs...)
}

func (r *Receiver) handleMessage(data []byte, isText bool) {
	if !isText {
		r.handleChunk(data)
		return
	}
	f, err := DecodeFrame(data)
	if err != nil {
		r.logger.Warn("dropping control frame", "error", err)
		return
	}
	switch f.Type {
	case FrameFileStart:
		r.startFile(f.FileID)
	case FrameFileEnd:
		r.finishFile(f.FileID)
	case FrameChunkReceived:
		r.logger.Debug("ignoring acknowledgement on receiving side")
	default:
		r.logger.Warn("unknown control frame", "type", f.Type)
	}
}

func (r *Receiver) startFile(id string) {
	r.mu.Lock()
	unit, ok := r.expected[id]
	if !ok {
		unit = Unit{ID: id, Name: id, MimeType: DefaultMimeType}
	}
	var stale Part
	if old := r.parts[id]; old != nil {
		stale = old.part
		old.part = nil
		delete(r.parts, id)
	}
	r.mu.Unlock()

	if stale != nil {
		r.logger.Warn("file restarted, discarding received bytes", "file_id", id)
		if err := stale.Discard(); err != nil {
			r.logger.Warn("discard part", "file_id", id, "error", err)
		}
	}

	part, err := r.spool.Begin(unit)
	if err != nil {
		in := &incoming{unit: unit, err: err}
		r.mu.Lock()
		r.parts[id] = in
		r.current = id
		r.mu.Unlock()
		r.abandon(in, err)
		return
	}
	meter := progress.NewMeterWithNow(r.now)
	meter.Start(unit.Size)

	r.mu.Lock()
	r.parts[id] = &incoming{unit: unit, part: part, meter: meter}
	r.current = id
	r.mu.Unlock()
	r.logger.Info("file receive started", "file_id", id, "name", unit.Name, "size", unit.Size)
}

func (r *Receiver) handleChunk(data []byte) {
	r.mu.Lock()
	id := r.current
	in := r.parts[id]
	if in == nil {
		r.mu.Unlock()
		r.logger.Warn("dropping binary frame with no file in progress", "bytes", len(data))
		return
	}
	if in.err != nil {
		r.mu.Unlock()
		r.logger.Debug("dropping binary frame for failed file", "file_id", id, "bytes", len(data))
		return
	}
	if _, err := in.part.Write(data); err != nil {
		in.err = err
		r.mu.Unlock()
		r.abandon(in, err)
		return
	}
	in.received += int64(len(data))
	in.meter.Add(len(data))
	p := Progress{
		FileID:            id,
		BytesAcknowledged: in.received,
		Total:             in.unit.Size,
		Delta:             int64(len(data)),
		RateBps:           in.meter.Snapshot().RateBps,
	}
	listeners := snapshot(r.progress)
	r.mu.Unlock()

	text, err := EncodeFrame(chunkReceivedFrame(id, p.BytesAcknowledged))
	if err == nil {
		ctx, cancel := context.WithTimeout(context.Background(), ackTimeout)
		err = r.link.SendText(ctx, text)
		cancel()
	}
	if err != nil {
		r.logger.Debug("acknowledgement not sent", "file_id", id, "error", err)
	}

	for _, fn := range listeners {
		fn(p)
	}
}

func (r *Receiver) finishFile(id string) {
	r.mu.Lock()
	in := r.parts[id]
	delete(r.parts, id)
	delete(r.expected, id)
	if r.current == id {
		r.current = ""
	}
	var part Part
	if in != nil && in.err == nil {
		part = in.part
		in.part = nil
	}
	listeners := snapshot(r.ready)
	r.mu.Unlock()

	if in == nil {
		r.logger.Warn("file end without file start", "file_id", id)
		return
	}
	if part == nil {
		// Failed earlier; already reported and discarded.
		return
	}
	file, err := part.Commit()
	if err != nil {
		// A failed commit has already removed what it stored.
		r.mu.Lock()
		in.err = err
		r.mu.Unlock()
		r.abandon(in, err)
		return
	}
	if in.unit.Size > 0 && file.Received != in.unit.Size {
		r.logger.Warn("received size differs from announced size", "file_id", id, "received", file.Received, "size", in.unit.Size)
	}
	r.logger.Info("file received", "file_id", id, "name", file.Name, "bytes", file.Received)
	for _, fn := range listeners {
		fn(file)
	}
}

// abandon discards what was stored for in and reports the failure. Callers
// have already set in.err.
func (r *Receiver) abandon(in *incoming, cause error) {
	r.mu.Lock()
	part := in.part
	in.part = nil
	f := FailedFile{Unit: in.unit, Received: in.received, Err: fmt.Errorf("%w %s: %w", ErrFileStorage, in.unit.Name, cause)}
	listeners := snapshot(r.failed)
	r.mu.Unlock()

	r.logger.Error("cannot store file", "file_id", f.ID, "received", f.Received, "error", cause)
	if part != nil {
		if err := part.Discard(); err != nil {
			r.logger.Warn("discard part", "file_id", f.ID, "error", err)
		}
	}
	for _, fn := range listeners {
		fn(f)
	}
}

// snapshot returns the values of m in registration order.
func snapshot[V any](m map[uint64]V) []V {
	out := make([]V, 0, len(m))
	for _, id := range slices.Sorted(maps.Keys(m)) {
		out = append(out, m[id])
	}
	return out
}
