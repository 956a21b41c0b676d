package peer

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/sheerbytes/dropline/internal/flow"
	"github.com/sheerbytes/dropline/internal/logging"
	"github.com/sheerbytes/dropline/internal/signaling"
	"github.com/sheerbytes/dropline/pkg/protocol"
)

type stubChannel struct {
	mu       sync.Mutex
	state    webrtc.DataChannelState
	buffered uint64
	onLow    func()
}

func (c *stubChannel) ReadyState() webrtc.DataChannelState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *stubChannel) BufferedAmount() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.buffered
}

func (c *stubChannel) SetBufferedAmountLowThreshold(uint64) {}

func (c *stubChannel) OnBufferedAmountLow(f func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onLow = f
}

func (c *stubChannel) Send(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.buffered += uint64(len(data))
	return nil
}

func (c *stubChannel) SendText(s string) error { return c.Send([]byte(s)) }

func testConfig() Config {
	return Config{ICEServers: []string{}, Logger: logging.Discard()}
}

func newTestSession(t *testing.T, cfg Config) (*Session, *signaling.MemoryBus) {
	t.Helper()
	net := signaling.NewNetwork(logging.Discard())
	bus := net.Join("self")
	s := NewSession(bus, cfg)
	t.Cleanup(func() {
		s.Close()
		bus.Close()
	})
	return s, bus
}

type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) observe(ev Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *recorder) states() []State {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []State
	for _, ev := range r.events {
		out = append(out, ev.To)
	}
	return out
}

func equalStates(a, b []State) bool {
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

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestSession_ObserversSeeTransitionsInOrder(t *testing.T) {
	s, _ := newTestSession(t, testConfig())

	var first, second recorder
	removeFirst := s.Observe(first.observe)
	s.Observe(second.observe)

	s.transition(StateConnecting, nil)
	s.transition(StateConnected, nil)
	if s.transition(StateIdle, nil) {
		t.Fatal("connected -> idle was accepted")
	}
	s.transition(StateTransferring, nil)
	removeFirst()
	s.transition(StateDisconnected, flow.ErrPeerDisconnected)

	want := []State{StateConnecting, StateConnected, StateTransferring}
	if got := first.states(); !equalStates(got, want) {
		t.Errorf("first observer = %v, want %v", got, want)
	}
	want = append(want, StateDisconnected)
	if got := second.states(); !equalStates(got, want) {
		t.Errorf("second observer = %v, want %v", got, want)
	}
	last := second.events[len(second.events)-1]
	if last.From != StateTransferring || !errors.Is(last.Err, flow.ErrPeerDisconnected) {
		t.Errorf("last event = %+v", last)
	}
}

func TestSession_ObserverMayTriggerTransition(t *testing.T) {
	s, _ := newTestSession(t, testConfig())

	var rec recorder
	s.Observe(func(ev Event) {
		rec.observe(ev)
		if ev.To == StateConnected {
			s.transition(StateConnectFailed, ErrNegotiationFailed)
		}
	})
	s.transition(StateConnecting, nil)
	s.transition(StateConnected, nil)

	want := []State{StateConnecting, StateConnected, StateConnectFailed}
	if got := rec.states(); !equalStates(got, want) {
		t.Errorf("states = %v, want %v", got, want)
	}
}

func TestSession_ChannelOpenAndConnectedInEitherOrder(t *testing.T) {
	t.Run("connected first", func(t *testing.T) {
		s, _ := newTestSession(t, testConfig())
		s.transition(StateConnecting, nil)
		s.onConnectionState(webrtc.PeerConnectionStateConnected)
		if got := s.State(); got != StateConnected {
			t.Fatalf("state = %s, want connected", got)
		}
		s.onChannelOpen()
		if got := s.State(); got != StateTransferring {
			t.Fatalf("state = %s, want transferring", got)
		}
	})
	t.Run("channel first", func(t *testing.T) {
		s, _ := newTestSession(t, testConfig())
		s.transition(StateConnecting, nil)
		s.onChannelOpen()
		if got := s.State(); got != StateConnecting {
			t.Fatalf("state = %s, want connecting", got)
		}
		s.onConnectionState(webrtc.PeerConnectionStateConnected)
		if got := s.State(); got != StateTransferring {
			t.Fatalf("state = %s, want transferring", got)
		}
	})
}

func TestSession_SendOutsideTransferring(t *testing.T) {
	s, _ := newTestSession(t, testConfig())
	ctx := context.Background()

	if err := s.Send(ctx, []byte("x")); !errors.Is(err, flow.ErrChannelNotOpen) {
		t.Errorf("Send() in idle error = %v, want ErrChannelNotOpen", err)
	}
	s.transition(StateConnecting, nil)
	s.transition(StateDisconnected, flow.ErrPeerDisconnected)
	if err := s.SendText(ctx, "x"); !errors.Is(err, flow.ErrPeerDisconnected) {
		t.Errorf("SendText() after disconnect error = %v, want ErrPeerDisconnected", err)
	}
}

func TestSession_DisconnectFailsParkedSend(t *testing.T) {
	s, _ := newTestSession(t, testConfig())

	ch := &stubChannel{state: webrtc.DataChannelStateOpen, buffered: 2 << 20}
	s.mu.Lock()
	s.writer = flow.New(ch, flow.Options{Logger: logging.Discard()})
	w := s.writer
	s.mu.Unlock()
	s.transition(StateConnecting, nil)
	s.transition(StateConnected, nil)
	s.transition(StateTransferring, nil)

	errc := make(chan error, 1)
	go func() { errc <- s.Send(context.Background(), make([]byte, 1024)) }()
	waitFor(t, "send to park", w.Waiting)

	s.onConnectionState(webrtc.PeerConnectionStateDisconnected)

	select {
	case err := <-errc:
		if !errors.Is(err, flow.ErrPeerDisconnected) {
			t.Fatalf("Send() error = %v, want ErrPeerDisconnected", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("parked send was not released")
	}
	if got := s.State(); got != StateDisconnected {
		t.Errorf("state = %s, want disconnected", got)
	}
}

func TestSession_FailureBeforeTransferring(t *testing.T) {
	s, _ := newTestSession(t, testConfig())
	s.transition(StateConnecting, nil)

	errc := make(chan error, 1)
	go func() { errc <- s.WaitTransferring(context.Background()) }()
	time.Sleep(10 * time.Millisecond)
	s.onConnectionState(webrtc.PeerConnectionStateFailed)

	select {
	case err := <-errc:
		if !errors.Is(err, ErrNegotiationFailed) {
			t.Fatalf("WaitTransferring() error = %v, want ErrNegotiationFailed", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("WaitTransferring did not return")
	}
	if got := s.State(); got != StateConnectFailed {
		t.Errorf("state = %s, want connect_failed", got)
	}
	if err := s.WaitTransferring(context.Background()); !errors.Is(err, ErrNegotiationFailed) {
		t.Errorf("WaitTransferring() on failed session = %v", err)
	}
}

func TestSession_NegotiationTimeout(t *testing.T) {
	cfg := testConfig()
	cfg.NegotiationTimeout = 20 * time.Millisecond
	s, _ := newTestSession(t, cfg)

	s.transition(StateConnecting, nil)
	waitFor(t, "timeout", func() bool { return s.State() == StateConnectFailed })

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	err := s.WaitTransferring(ctx)
	if !errors.Is(err, ErrNegotiationTimeout) || !errors.Is(err, ErrNegotiationFailed) {
		t.Errorf("WaitTransferring() error = %v, want ErrNegotiationTimeout", err)
	}
}

func TestSession_NoTimeoutByDefault(t *testing.T) {
	s, _ := newTestSession(t, testConfig())
	s.transition(StateConnecting, nil)
	time.Sleep(50 * time.Millisecond)
	if got := s.State(); got != StateConnecting {
		t.Errorf("state = %s, want connecting", got)
	}
}

func iceSignal(t *testing.T, from, candidate string) protocol.Envelope {
	t.Helper()
	env, err := protocol.NewEnvelope(protocol.TypeSignal, protocol.NewMsgID(), protocol.Signal{
		SourceClientID: from,
		ICE:            &protocol.ICECandidate{Candidate: candidate},
	})
	if err != nil {
		t.Fatalf("NewEnvelope() error = %v", err)
	}
	env.From = from
	return env
}

func TestSession_ResponderAdoptsFirstRemote(t *testing.T) {
	s, bus := newTestSession(t, testConfig())

	if err := bus.Inject(iceSignal(t, "alice", "candidate:1 1 udp 2130706431 10.0.0.1 5000 typ host")); err != nil {
		t.Fatalf("Inject() error = %v", err)
	}
	waitFor(t, "responder role", func() bool { return s.RemoteID() == "alice" && s.State() == StateConnecting })

	if got := s.Role(); got != RoleResponder {
		t.Errorf("Role() = %s, want responder", got)
	}

	if err := bus.Inject(iceSignal(t, "mallory", "candidate:2 1 udp 1 10.0.0.2 5000 typ host")); err != nil {
		t.Fatalf("Inject() error = %v", err)
	}
	if err := bus.Inject(iceSignal(t, "alice", "candidate:3 1 udp 1 10.0.0.3 5000 typ host")); err != nil {
		t.Fatalf("Inject() error = %v", err)
	}
	waitFor(t, "queued candidates", func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		return len(s.pending) == 2
	})

	s.mu.Lock()
	for _, c := range s.pending {
		if c.Candidate == "candidate:2 1 udp 1 10.0.0.2 5000 typ host" {
			t.Error("candidate from unrelated client was queued")
		}
	}
	s.mu.Unlock()
}

func TestSession_ConnectTwice(t *testing.T) {
	s, _ := newTestSession(t, testConfig())
	s.mu.Lock()
	s.role = RoleResponder
	s.remoteID = "alice"
	s.mu.Unlock()

	if err := s.Connect(context.Background(), "bob"); !errors.Is(err, ErrAlreadyConnecting) {
		t.Errorf("Connect() error = %v, want ErrAlreadyConnecting", err)
	}
}

func TestSession_CloseDetachesEverything(t *testing.T) {
	s, bus := newTestSession(t, testConfig())
	if got := bus.Handlers(protocol.TypeSignal); got != 1 {
		t.Fatalf("signal handlers = %d, want 1", got)
	}

	var rec recorder
	s.Observe(rec.observe)
	s.OnMessage(func([]byte, bool) {})

	if err := s.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("second Close() error = %v", err)
	}

	if got := bus.Handlers(protocol.TypeSignal); got != 0 {
		t.Errorf("signal handlers after Close = %d, want 0", got)
	}
	if got := s.State(); got != StateDisconnected {
		t.Errorf("State() = %s, want disconnected", got)
	}
	if len(rec.events) != 1 || !errors.Is(rec.events[0].Err, ErrSessionClosed) {
		t.Errorf("events = %+v", rec.events)
	}
	s.mu.Lock()
	if len(s.observers) != 0 || len(s.handlers) != 0 {
		t.Errorf("listeners left after Close: %d observers, %d handlers", len(s.observers), len(s.handlers))
	}
	s.mu.Unlock()
	if err := s.Connect(context.Background(), "bob"); !errors.Is(err, ErrSessionClosed) {
		t.Errorf("Connect() after Close error = %v", err)
	}
}

func TestSession_LoopbackNegotiation(t *testing.T) {
	if testing.Short() {
		t.Skip("opens real UDP sockets")
	}

	cfg := testConfig()
	cfg.IncludeLoopback = true
	cfg.NetworkTypes = []webrtc.NetworkType{webrtc.NetworkTypeUDP4}
	cfg.NegotiationTimeout = 20 * time.Second

	net := signaling.NewNetwork(logging.Discard())
	recvBus := net.Join("receiver")
	sendBus := net.Join("sender")
	defer recvBus.Close()
	defer sendBus.Close()

	receiver := NewSession(recvBus, cfg)
	sender := NewSession(sendBus, cfg)
	defer receiver.Close()
	defer sender.Close()

	got := make(chan string, 1)
	sender.OnMessage(func(data []byte, isText bool) {
		if isText {
			got <- string(data)
		}
	})

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := receiver.Connect(ctx, "sender"); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	if err := receiver.WaitTransferring(ctx); err != nil {
		t.Fatalf("receiver WaitTransferring() error = %v", err)
	}
	if err := sender.WaitTransferring(ctx); err != nil {
		t.Fatalf("sender WaitTransferring() error = %v", err)
	}
	if receiver.Role() != RoleInitiator || sender.Role() != RoleResponder {
		t.Fatalf("roles = %s/%s", receiver.Role(), sender.Role())
	}

	if err := receiver.SendText(ctx, "ping"); err != nil {
		t.Fatalf("SendText() error = %v", err)
	}
	select {
	case msg := <-got:
		if msg != "ping" {
			t.Errorf("message = %q, want ping", msg)
		}
	case <-ctx.Done():
		t.Fatal("message not delivered")
	}
}
