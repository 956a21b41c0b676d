package signaling

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/sheerbytes/dropline/pkg/protocol"
)

// Network is an in-process relay. It forwards signals between the buses that
// joined it, preserving per-sender order. It does not implement retrieval codes.
type Network struct {
	logger *slog.Logger

	mu    sync.RWMutex
	buses map[string]*MemoryBus
}

// NewNetwork returns an empty network.
func NewNetwork(logger *slog.Logger) *Network {
	if logger == nil {
		logger = slog.Default()
	}
	return &Network{logger: logger, buses: make(map[string]*MemoryBus)}
}

// Join attaches a bus with the given client id.
func (n *Network) Join(id string) *MemoryBus {
	b := &MemoryBus{
		id:      id,
		net:     n,
		disp:    NewDispatcher(n.logger),
		inbox:   make(chan protocol.Envelope, 1024),
		closing: make(chan struct{}),
		done:    make(chan struct{}),
	}
	n.mu.Lock()
	if old := n.buses[id]; old != nil {
		n.mu.Unlock()
		old.Close()
		n.mu.Lock()
	}
	n.buses[id] = b
	n.mu.Unlock()

	go b.loop()
	return b
}

func (n *Network) route(from string, env protocol.Envelope) error {
	target := env.To
	if env.Type == protocol.TypeSignal {
		var err error
		target, env, err = ForwardSignal(from, env)
		if err != nil {
			return err
		}
	}
	env.From = from

	n.mu.RLock()
	dst := n.buses[target]
	n.mu.RUnlock()
	if dst == nil {
		return fmt.Errorf("peer %q not found", target)
	}
	return dst.deliver(env)
}

func (n *Network) leave(b *MemoryBus) {
	n.mu.Lock()
	if n.buses[b.id] == b {
		delete(n.buses, b.id)
	}
	n.mu.Unlock()
}

// MemoryBus is one endpoint on a Network.
type MemoryBus struct {
	id   string
	net  *Network
	disp *Dispatcher

	inbox     chan protocol.Envelope
	closing   chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

var _ Bus = (*MemoryBus)(nil)

// ID returns the bus's client id.
func (b *MemoryBus) ID() string { return b.id }

// Subscribe registers h for msgType.
func (b *MemoryBus) Subscribe(msgType string, h Handler) func() {
	return b.disp.Subscribe(msgType, h)
}

// Handlers returns how many handlers are registered for msgType.
func (b *MemoryBus) Handlers(msgType string) int {
	return b.disp.Len(msgType)
}

// Send routes env to its addressee.
func (b *MemoryBus) Send(ctx context.Context, env protocol.Envelope) error {
	select {
	case <-b.closing:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	return b.net.route(b.id, env)
}

// Inject delivers env to this bus as if it came from the relay.
func (b *MemoryBus) Inject(env protocol.Envelope) error {
	return b.deliver(env)
}

func (b *MemoryBus) deliver(env protocol.Envelope) error {
	select {
	case b.inbox <- env:
		return nil
	case <-b.closing:
		return ErrClosed
	}
}

func (b *MemoryBus) loop() {
	defer close(b.done)
	for {
		select {
		case <-b.closing:
			return
		case env := <-b.inbox:
			b.disp.Dispatch(env)
		}
	}
}

// Close detaches the bus from its network.
func (b *MemoryBus) Close() error {
	b.closeOnce.Do(func() {
		b.net.leave(b)
		close(b.closing)
		<-b.done
	})
	return nil
}
