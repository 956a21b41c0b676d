// Package signaling delivers typed relay messages between two endpoints.
package signaling

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/sheerbytes/dropline/pkg/protocol"
)

// ErrClosed is returned when sending on a closed bus.
var ErrClosed = errors.New("signaling: bus closed")

// Handler receives one inbound envelope.
type Handler func(env protocol.Envelope)

// Bus is an addressed, typed message channel through the relay.
type Bus interface {
	// ID returns the relay-assigned id of this endpoint.
	ID() string
	// Send delivers an envelope to the relay. From is filled in by the relay.
	Send(ctx context.Context, env protocol.Envelope) error
	// Subscribe registers h for msgType. The returned func removes it and is
	// safe to call more than once.
	Subscribe(msgType string, h Handler) (unsubscribe func())
}

// Publish wraps payload in an envelope of msgType and sends it.
func Publish(ctx context.Context, bus Bus, msgType string, payload any) error {
	env, err := protocol.NewEnvelope(msgType, protocol.NewMsgID(), payload)
	if err != nil {
		return err
	}
	return bus.Send(ctx, env)
}

// Dispatcher routes inbound envelopes to handlers registered per type.
type Dispatcher struct {
	logger *slog.Logger

	mu       sync.RWMutex
	nextID   uint64
	handlers map[string]map[uint64]Handler
}

// NewDispatcher returns an empty dispatcher.
func NewDispatcher(logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		logger:   logger,
		handlers: make(map[string]map[uint64]Handler),
	}
}

// Subscribe registers h for msgType and returns its removal func.
func (d *Dispatcher) Subscribe(msgType string, h Handler) (unsubscribe func()) {
	d.mu.Lock()
	d.nextID++
	id := d.nextID
	if d.handlers[msgType] == nil {
		d.handlers[msgType] = make(map[uint64]Handler)
	}
	d.handlers[msgType][id] = h
	d.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			d.mu.Lock()
			defer d.mu.Unlock()
			delete(d.handlers[msgType], id)
			if len(d.handlers[msgType]) == 0 {
				delete(d.handlers, msgType)
			}
		})
	}
}

// Len returns the number of handlers registered for msgType.
func (d *Dispatcher) Len(msgType string) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.handlers[msgType])
}

// Dispatch calls every handler registered for env.Type in registration order.
// A panicking handler is logged and does not stop the others.
func (d *Dispatcher) Dispatch(env protocol.Envelope) {
	d.mu.RLock()
	set := d.handlers[env.Type]
	ids := make([]uint64, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	hs := make([]Handler, 0, len(ids))
	for _, id := range ids {
		hs = append(hs, set[id])
	}
	d.mu.RUnlock()

	if len(hs) == 0 {
		d.logger.Debug("no handler for message", "type", env.Type, "from", env.From)
		return
	}
	for _, h := range hs {
		d.call(h, env)
	}
}

func (d *Dispatcher) call(h Handler, env protocol.Envelope) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("signaling handler panicked", "type", env.Type, "panic", fmt.Sprint(r))
		}
	}()
	h(env)
}
