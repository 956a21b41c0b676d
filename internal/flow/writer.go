// Package flow applies backpressure to writes on a WebRTC data channel.
package flow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/webrtc/v4"
)

const (
	DefaultHighWaterMark uint64 = 1 << 20
	DefaultLowWaterMark  uint64 = 256 << 10
)

var (
	ErrChannelNotOpen      = errors.New("data channel is not open")
	ErrPeerDisconnected    = errors.New("peer disconnected")
	ErrConcurrentSend      = errors.New("a send is already waiting for the channel to drain")
	ErrBackpressureTimeout = errors.New("timed out waiting for the channel to drain")
)

// Channel is the subset of *webrtc.DataChannel the writer needs.
type Channel interface {
	ReadyState() webrtc.DataChannelState
	BufferedAmount() uint64
	SetBufferedAmountLowThreshold(th uint64)
	OnBufferedAmountLow(f func())
	Send(data []byte) error
	SendText(s string) error
}

var _ Channel = (*webrtc.DataChannel)(nil)

// Options configures a Writer. Zero values select the defaults; a zero
// Timeout waits for the channel to drain without limit.
type Options struct {
	HighWaterMark uint64
	LowWaterMark  uint64
	Timeout       time.Duration
	Logger        *slog.Logger
}

// Writer serializes sends onto a single channel. While the channel's buffered
// amount is at or above the high-water mark a send is parked until the channel
// reports it drained below the low-water mark. At most one send may be parked.
type Writer struct {
	ch      Channel
	high    uint64
	low     uint64
	timeout time.Duration
	logger  *slog.Logger

	mu       sync.Mutex
	waiter   chan error
	abortErr error

	bytesSent atomic.Uint64
}

// New wraps ch and installs the buffered-amount-low callback on it.
func New(ch Channel, opts Options) *Writer {
	if opts.HighWaterMark == 0 {
		opts.HighWaterMark = DefaultHighWaterMark
	}
	if opts.LowWaterMark == 0 {
		opts.LowWaterMark = DefaultLowWaterMark
	}
	if opts.LowWaterMark > opts.HighWaterMark {
		opts.LowWaterMark = opts.HighWaterMark
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	w := &Writer{
		ch:      ch,
		high:    opts.HighWaterMark,
		low:     opts.LowWaterMark,
		timeout: opts.Timeout,
		logger:  logger,
	}
	ch.SetBufferedAmountLowThreshold(w.low)
	ch.OnBufferedAmountLow(w.onLow)
	return w
}

// Send queues a binary message.
func (w *Writer) Send(ctx context.Context, data []byte) error {
	return w.send(ctx, len(data), func() error { return w.ch.Send(data) })
}

// SendText queues a text message.
func (w *Writer) SendText(ctx context.Context, s string) error {
	return w.send(ctx, len(s), func() error { return w.ch.SendText(s) })
}

// Abort fails a parked send with err and makes every later send fail with it.
// A nil err means ErrPeerDisconnected.
func (w *Writer) Abort(err error) {
	if err == nil {
		err = ErrPeerDisconnected
	}
	w.mu.Lock()
	if w.abortErr == nil {
		w.abortErr = err
	}
	waiter := w.waiter
	w.waiter = nil
	w.mu.Unlock()

	if waiter != nil {
		waiter <- err
	}
}

// Waiting reports whether a send is parked on backpressure.
func (w *Writer) Waiting() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.waiter != nil
}

// BytesSent returns the number of payload bytes handed to the channel.
func (w *Writer) BytesSent() uint64 {
	return w.bytesSent.Load()
}

func (w *Writer) send(ctx context.Context, n int, deliver func() error) error {
	w.mu.Lock()
	if w.abortErr != nil {
		err := w.abortErr
		w.mu.Unlock()
		return err
	}
	if w.waiter != nil {
		w.mu.Unlock()
		return ErrConcurrentSend
	}
	w.mu.Unlock()

	if w.ch.ReadyState() != webrtc.DataChannelStateOpen {
		return ErrChannelNotOpen
	}
	if w.ch.BufferedAmount() < w.high {
		return w.deliver(n, deliver)
	}

	wait := make(chan error, 1)
	w.mu.Lock()
	if w.abortErr != nil {
		err := w.abortErr
		w.mu.Unlock()
		return err
	}
	if w.waiter != nil {
		w.mu.Unlock()
		return ErrConcurrentSend
	}
	w.waiter = wait
	w.mu.Unlock()

	// The channel may have drained between the first check and parking, in
	// which case the low callback has already fired and will not fire again.
	if w.ch.BufferedAmount() < w.high {
		w.release(wait)
		return w.deliver(n, deliver)
	}

	w.logger.Debug("send parked on backpressure", "buffered", w.ch.BufferedAmount(), "high", w.high)

	var timeout <-chan time.Time
	if w.timeout > 0 {
		timer := time.NewTimer(w.timeout)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case err := <-wait:
		if err != nil {
			return err
		}
	case <-ctx.Done():
		w.release(wait)
		return ctx.Err()
	case <-timeout:
		w.release(wait)
		return ErrBackpressureTimeout
	}

	if w.ch.ReadyState() != webrtc.DataChannelStateOpen {
		return ErrPeerDisconnected
	}
	return w.deliver(n, deliver)
}

func (w *Writer) deliver(n int, fn func() error) error {
	if err := fn(); err != nil {
		return fmt.Errorf("send on data channel: %w", err)
	}
	w.bytesSent.Add(uint64(n))
	return nil
}

// release clears wait if it is still the parked waiter.
func (w *Writer) release(wait chan error) {
	w.mu.Lock()
	if w.waiter == wait {
		w.waiter = nil
	}
	w.mu.Unlock()
}

func (w *Writer) onLow() {
	w.mu.Lock()
	waiter := w.waiter
	w.waiter = nil
	w.mu.Unlock()

	if waiter != nil {
		waiter <- nil
	}
}
