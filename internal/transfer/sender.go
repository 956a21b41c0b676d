package transfer

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/sheerbytes/dropline/internal/chunker"
	"github.com/sheerbytes/dropline/internal/progress"
)

// Source pairs a unit with the bytes to send for it.
type Source struct {
	Unit   Unit
	Reader io.ReaderAt
}

// SenderOptions configures a Sender.
type SenderOptions struct {
	ChunkSize int
	Logger    *slog.Logger
	// Now overrides the clock used for rate estimates.
	Now func() time.Time
}

type outgoing struct {
	total int64
	acked int64
	meter *progress.Meter
}

// Sender streams files one at a time over a link and tracks the receiver's
// acknowledgements.
type Sender struct {
	link      Link
	chunkSize int
	logger    *slog.Logger
	now       func() time.Time

	mu        sync.Mutex
	files     map[string]*outgoing
	nextID    uint64
	listeners map[uint64]func(Progress)
	detach    func()
}

// NewSender starts listening for acknowledgements on link.
func NewSender(link Link, opts SenderOptions) *Sender {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	s := &Sender{
		link:      link,
		chunkSize: opts.ChunkSize,
		logger:    logger.With("component", "sender"),
		now:       now,
		files:     make(map[string]*outgoing),
		listeners: make(map[uint64]func(Progress)),
	}
	s.detach = link.OnMessage(s.handleMessage)
	return s
}

// OnProgress registers fn for every acknowledgement received.
func (s *Sender) OnProgress(fn func(Progress)) (remove func()) {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.listeners[id] = fn
	s.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.listeners, id)
			s.mu.Unlock()
		})
	}
}

// SendFile sends fileStart, every chunk of src, then fileEnd. If any send
// fails the file is abandoned without fileEnd and the error is returned.
func (s *Sender) SendFile(ctx context.Context, u Unit, src io.ReaderAt) error {
	producer, err := chunker.New(src, u.Size, s.chunkSize)
	if err != nil {
		return fmt.Errorf("send %s: %w", u.Name, err)
	}

	meter := progress.NewMeterWithNow(s.now)
	meter.Start(u.Size)
	s.mu.Lock()
	s.files[u.ID] = &outgoing{total: u.Size, meter: meter}
	s.mu.Unlock()

	logger := s.logger.With("file_id", u.ID, "name", u.Name)
	logger.Info("file send started", "size", u.Size)

	if err := s.sendFrame(ctx, fileStartFrame(u.ID)); err != nil {
		return fmt.Errorf("send %s: file start: %w", u.Name, err)
	}
	for {
		c, err := producer.Next()
		if err != nil {
			logger.Warn("file send aborted", "offset", producer.Offset(), "error", err)
			return fmt.Errorf("send %s: %w", u.Name, err)
		}
		if len(c.Data) > 0 {
			if err := s.link.Send(ctx, c.Data); err != nil {
				logger.Warn("file send aborted", "offset", producer.Offset(), "error", err)
				return fmt.Errorf("send %s: %w", u.Name, err)
			}
		}
		if c.Done {
			break
		}
	}
	if err := s.sendFrame(ctx, fileEndFrame(u.ID)); err != nil {
		return fmt.Errorf("send %s: file end: %w", u.Name, err)
	}
	logger.Info("file send finished")
	return nil
}

// SendFiles sends each source in order and stops at the first failure.
func (s *Sender) SendFiles(ctx context.Context, sources []Source) error {
	for _, src := range sources {
		if err := s.SendFile(ctx, src.Unit, src.Reader); err != nil {
			return err
		}
	}
	return nil
}

// Acknowledged returns the receiver's last reported byte count for id.
func (s *Sender) Acknowledged(id string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if f := s.files[id]; f != nil {
		return f.acked
	}
	return 0
}

// Close stops listening on the link.
func (s *Sender) Close() {
	s.mu.Lock()
	detach := s.detach
	s.detach = nil
	clear(s.listeners)
	s.mu.Unlock()
	if detach != nil {
		detach()
	}
}

func (s *Sender) sendFrame(ctx context.Context, f Frame) error {
	text, err := EncodeFrame(f)
	if err != nil {
		return err
	}
	return s.link.SendText(ctx, text)
}

func (s *Sender) handleMessage(data []byte, isText bool) {
	if !isText {
		return
	}
	f, err := DecodeFrame(data)
	if err != nil {
		s.logger.Warn("dropping control frame", "error", err)
		return
	}
	if f.Type != FrameChunkReceived {
		s.logger.Debug("ignoring control frame", "type", f.Type)
		return
	}

	s.mu.Lock()
	out := s.files[f.Payload.FileID]
	if out == nil {
		s.mu.Unlock()
		s.logger.Debug("acknowledgement for unknown file", "file_id", f.Payload.FileID)
		return
	}
	delta := out.meter.Set(f.Payload.RecvSize)
	out.acked = f.Payload.RecvSize
	stats := out.meter.Snapshot()
	p := Progress{
		FileID:            f.Payload.FileID,
		BytesAcknowledged: out.acked,
		Total:             out.total,
		Delta:             delta,
		RateBps:           stats.RateBps,
	}
	listeners := snapshot(s.listeners)
	s.mu.Unlock()

	for _, fn := range listeners {
		fn(p)
	}
}
