// Package peer negotiates a WebRTC data channel with one remote client over a
// signaling bus and tracks the connection lifecycle.
package peer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/sheerbytes/dropline/internal/flow"
	"github.com/sheerbytes/dropline/internal/signaling"
	"github.com/sheerbytes/dropline/pkg/protocol"
)

var (
	ErrNegotiationFailed  = errors.New("peer negotiation failed")
	ErrNegotiationTimeout = fmt.Errorf("%w: timed out", ErrNegotiationFailed)
	ErrSessionClosed      = errors.New("peer session closed")
	ErrAlreadyConnecting  = errors.New("peer session already has a remote")
)

const signalSendTimeout = 10 * time.Second

// MessageHandler receives one data channel message.
type MessageHandler func(data []byte, isText bool)

type queuedEvent struct {
	ev        Event
	observers []func(Event)
}

// Session is one point-to-point connection attempt. A Session is used for a
// single remote; once it reaches a terminal state a new Session is required.
type Session struct {
	cfg    Config
	bus    signaling.Bus
	api    *webrtc.API
	logger *slog.Logger

	// sigMu serializes negotiation steps on the peer connection.
	sigMu sync.Mutex

	mu          sync.Mutex
	state       State
	role        Role
	remoteID    string
	pc          *webrtc.PeerConnection
	dc          *webrtc.DataChannel
	writer      *flow.Writer
	channelOpen bool
	remoteSet   bool
	pending     []webrtc.ICECandidateInit
	negTimer    *time.Timer
	cause       error
	closed      bool
	unsubscribe func()

	nextID    uint64
	observers map[uint64]func(Event)
	handlers  map[uint64]MessageHandler

	notifyMu sync.Mutex
	queue    []queuedEvent
}

// NewSession subscribes to inbound signals on bus. The first signal from an
// unknown remote makes the session a responder for that remote; call Connect
// to act as the initiator instead.
func NewSession(bus signaling.Bus, cfg Config) *Session {
	cfg = cfg.withDefaults()
	s := &Session{
		cfg:       cfg,
		bus:       bus,
		api:       cfg.newAPI(),
		logger:    cfg.Logger.With("component", "peer"),
		observers: make(map[uint64]func(Event)),
		handlers:  make(map[uint64]MessageHandler),
	}
	s.unsubscribe = bus.Subscribe(protocol.TypeSignal, s.handleSignal)
	return s
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Role returns the negotiation role, RoleNone until one is chosen.
func (s *Session) Role() Role {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.role
}

// RemoteID returns the relay client id of the remote peer.
func (s *Session) RemoteID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remoteID
}

// Observe registers fn for every later transition. Observers run in
// registration order, one event at a time.
func (s *Session) Observe(fn func(Event)) (remove func()) {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.observers[id] = fn
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.observers, id)
			s.mu.Unlock()
		})
	}
}

// OnMessage registers h for every message received on the data channel.
func (s *Session) OnMessage(h MessageHandler) (remove func()) {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.handlers[id] = h
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.handlers, id)
			s.mu.Unlock()
		})
	}
}

// Connect makes the session the initiator towards remoteID: it opens the
// data channel and sends an offer.
func (s *Session) Connect(ctx context.Context, remoteID string) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	if s.role != RoleNone || s.state != StateIdle {
		s.mu.Unlock()
		return ErrAlreadyConnecting
	}
	s.role = RoleInitiator
	s.remoteID = remoteID
	s.mu.Unlock()

	s.sigMu.Lock()
	defer s.sigMu.Unlock()

	pc, err := s.ensurePeerConnection()
	if err != nil {
		return s.fail(err)
	}
	ordered := true
	dc, err := pc.CreateDataChannel(s.cfg.ChannelLabel, &webrtc.DataChannelInit{Ordered: &ordered})
	if err != nil {
		return s.fail(fmt.Errorf("create data channel: %w", err))
	}
	s.attachChannel(dc)

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		return s.fail(fmt.Errorf("create offer: %w", err))
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		return s.fail(fmt.Errorf("set local description: %w", err))
	}
	if err := s.sendDescription(ctx, offer); err != nil {
		return s.fail(fmt.Errorf("send offer: %w", err))
	}
	s.logger.Info("offer sent", "remote", remoteID)
	return nil
}

// WaitTransferring blocks until the data channel is usable or the session
// reaches a terminal state.
func (s *Session) WaitTransferring(ctx context.Context) error {
	done := make(chan error, 1)
	remove := s.Observe(func(ev Event) {
		if err, ok := outcome(ev.To, ev.Err); ok {
			select {
			case done <- err:
			default:
			}
		}
	})
	defer remove()

	s.mu.Lock()
	st, cause := s.state, s.cause
	s.mu.Unlock()
	if err, ok := outcome(st, cause); ok {
		return err
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func outcome(st State, cause error) (error, bool) {
	switch st {
	case StateTransferring:
		return nil, true
	case StateConnectFailed:
		if cause == nil {
			cause = ErrNegotiationFailed
		}
		return cause, true
	case StateDisconnected:
		if cause == nil {
			cause = flow.ErrPeerDisconnected
		}
		return cause, true
	}
	return nil, false
}

// Send writes a binary message, waiting on backpressure.
func (s *Session) Send(ctx context.Context, data []byte) error {
	w, err := s.link()
	if err != nil {
		return err
	}
	return w.Send(ctx, data)
}

// SendText writes a text message, waiting on backpressure.
func (s *Session) SendText(ctx context.Context, text string) error {
	w, err := s.link()
	if err != nil {
		return err
	}
	return w.SendText(ctx, text)
}

func (s *Session) link() (*flow.Writer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case s.state == StateTransferring && s.writer != nil:
		return s.writer, nil
	case s.state == StateDisconnected:
		return nil, flow.ErrPeerDisconnected
	default:
		return nil, flow.ErrChannelNotOpen
	}
}

// Close tears the session down: it drops the signal subscription, fails any
// parked send, closes the channel and connection and detaches every listener.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	pc, dc, w, unsub := s.pc, s.dc, s.writer, s.unsubscribe
	s.pc, s.dc, s.writer, s.unsubscribe = nil, nil, nil, nil
	s.pending = nil
	s.mu.Unlock()

	if unsub != nil {
		unsub()
	}
	s.transition(StateDisconnected, ErrSessionClosed)
	if w != nil {
		w.Abort(flow.ErrPeerDisconnected)
	}

	var errs []error
	if dc != nil {
		errs = append(errs, dc.Close())
	}
	if pc != nil {
		errs = append(errs, pc.Close())
	}

	s.mu.Lock()
	s.role = RoleNone
	s.remoteID = ""
	clear(s.observers)
	clear(s.handlers)
	s.mu.Unlock()
	return errors.Join(errs...)
}

// ensurePeerConnection must be called with sigMu held.
func (s *Session) ensurePeerConnection() (*webrtc.PeerConnection, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrSessionClosed
	}
	if s.pc != nil {
		pc := s.pc
		s.mu.Unlock()
		return pc, nil
	}
	s.mu.Unlock()

	pc, err := s.api.NewPeerConnection(s.cfg.peerConnectionConfig())
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}
	pc.OnICECandidate(s.onLocalCandidate)
	pc.OnConnectionStateChange(s.onConnectionState)
	pc.OnDataChannel(s.onRemoteChannel)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = pc.Close()
		return nil, ErrSessionClosed
	}
	s.pc = pc
	s.mu.Unlock()

	s.transition(StateConnecting, nil)
	return pc, nil
}

func (s *Session) handleSignal(env protocol.Envelope) {
	var sig protocol.Signal
	if err := env.DecodePayload(&sig); err != nil {
		s.logger.Warn("dropping undecodable signal", "error", err)
		return
	}
	if err := sig.Validate(); err != nil {
		s.logger.Warn("dropping invalid signal", "error", err)
		return
	}
	source := sig.SourceClientID
	if source == "" {
		source = env.From
	}

	s.mu.Lock()
	switch {
	case s.closed || s.state.Terminal():
		s.mu.Unlock()
		s.logger.Debug("dropping signal for finished session", "source", source)
		return
	case s.remoteID == "":
		s.role = RoleResponder
		s.remoteID = source
	case s.remoteID != source:
		s.mu.Unlock()
		s.logger.Debug("ignoring signal from unrelated client", "source", source, "remote", s.remoteID)
		return
	}
	s.mu.Unlock()

	s.sigMu.Lock()
	defer s.sigMu.Unlock()

	pc, err := s.ensurePeerConnection()
	if err != nil {
		s.fail(err)
		return
	}

	if sig.SDP != nil {
		s.applyDescription(pc, *sig.SDP)
		return
	}
	s.applyCandidate(pc, candidateInit(*sig.ICE))
}

func (s *Session) applyDescription(pc *webrtc.PeerConnection, sd protocol.SessionDescription) {
	desc := webrtc.SessionDescription{Type: webrtc.NewSDPType(sd.Type), SDP: sd.SDP}
	if err := pc.SetRemoteDescription(desc); err != nil {
		s.fail(fmt.Errorf("set remote %s: %w", sd.Type, err))
		return
	}

	s.mu.Lock()
	s.remoteSet = true
	pending := s.pending
	s.pending = nil
	s.mu.Unlock()
	for _, c := range pending {
		s.addCandidate(pc, c)
	}

	if desc.Type != webrtc.SDPTypeOffer {
		return
	}
	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		s.fail(fmt.Errorf("create answer: %w", err))
		return
	}
	if err := pc.SetLocalDescription(answer); err != nil {
		s.fail(fmt.Errorf("set local description: %w", err))
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), signalSendTimeout)
	defer cancel()
	if err := s.sendDescription(ctx, answer); err != nil {
		s.fail(fmt.Errorf("send answer: %w", err))
		return
	}
	s.logger.Info("answer sent", "remote", s.RemoteID())
}

// applyCandidate queues c until the remote description is known.
func (s *Session) applyCandidate(pc *webrtc.PeerConnection, c webrtc.ICECandidateInit) {
	s.mu.Lock()
	if !s.remoteSet {
		s.pending = append(s.pending, c)
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	s.addCandidate(pc, c)
}

func (s *Session) addCandidate(pc *webrtc.PeerConnection, c webrtc.ICECandidateInit) {
	if err := pc.AddICECandidate(c); err != nil {
		s.logger.Debug("remote candidate rejected", "candidate", c.Candidate, "error", err)
	}
}

func (s *Session) sendDescription(ctx context.Context, desc webrtc.SessionDescription) error {
	return signaling.SendSignal(ctx, s.bus, protocol.Signal{
		TargetID: s.RemoteID(),
		SDP:      &protocol.SessionDescription{Type: desc.Type.String(), SDP: desc.SDP},
	})
}

func (s *Session) onLocalCandidate(c *webrtc.ICECandidate) {
	if c == nil {
		return
	}
	init := c.ToJSON()
	ctx, cancel := context.WithTimeout(context.Background(), signalSendTimeout)
	defer cancel()
	err := signaling.SendSignal(ctx, s.bus, protocol.Signal{
		TargetID: s.RemoteID(),
		ICE:      wireCandidate(init),
	})
	if err != nil {
		s.logger.Debug("local candidate not sent", "error", err)
	}
}

func (s *Session) onConnectionState(st webrtc.PeerConnectionState) {
	s.logger.Debug("peer connection state", "state", st.String())
	switch st {
	case webrtc.PeerConnectionStateConnected:
		if !s.transition(StateConnected, nil) {
			return
		}
		s.mu.Lock()
		open := s.channelOpen
		s.mu.Unlock()
		if open {
			s.transition(StateTransferring, nil)
		}
	case webrtc.PeerConnectionStateFailed:
		if s.State() == StateTransferring {
			s.disconnect(flow.ErrPeerDisconnected)
			return
		}
		s.fail(fmt.Errorf("%w: ice connection failed", ErrNegotiationFailed))
	case webrtc.PeerConnectionStateDisconnected, webrtc.PeerConnectionStateClosed:
		s.disconnect(flow.ErrPeerDisconnected)
	}
}

func (s *Session) onRemoteChannel(dc *webrtc.DataChannel) {
	s.mu.Lock()
	existing := s.dc
	s.mu.Unlock()
	if existing != nil || dc.Label() != s.cfg.ChannelLabel {
		s.logger.Debug("closing unexpected data channel", "label", dc.Label())
		_ = dc.Close()
		return
	}
	s.attachChannel(dc)
}

func (s *Session) attachChannel(dc *webrtc.DataChannel) {
	w := flow.New(dc, flow.Options{
		HighWaterMark: s.cfg.HighWaterMark,
		LowWaterMark:  s.cfg.LowWaterMark,
		Timeout:       s.cfg.BackpressureTimeout,
		Logger:        s.logger,
	})
	s.mu.Lock()
	s.dc = dc
	s.writer = w
	s.mu.Unlock()

	dc.OnOpen(func() {
		dc.OnMessage(func(msg webrtc.DataChannelMessage) {
			s.dispatchMessage(msg.Data, msg.IsString)
		})
		s.onChannelOpen()
	})
	dc.OnClose(s.onChannelClose)
	dc.OnError(func(err error) {
		s.logger.Warn("data channel error", "error", err)
	})
}

func (s *Session) onChannelOpen() {
	s.mu.Lock()
	s.channelOpen = true
	st := s.state
	s.mu.Unlock()
	s.logger.Debug("data channel open", "state", st.String())
	if st == StateConnected {
		s.transition(StateTransferring, nil)
	}
}

func (s *Session) onChannelClose() {
	s.mu.Lock()
	w := s.writer
	s.channelOpen = false
	s.mu.Unlock()
	if w != nil {
		w.Abort(flow.ErrPeerDisconnected)
	}
	if s.State() == StateTransferring {
		s.disconnect(flow.ErrPeerDisconnected)
	}
}

func (s *Session) dispatchMessage(data []byte, isText bool) {
	s.mu.Lock()
	ids := sortedKeys(s.handlers)
	hs := make([]MessageHandler, 0, len(ids))
	for _, id := range ids {
		hs = append(hs, s.handlers[id])
	}
	s.mu.Unlock()
	for _, h := range hs {
		h(data, isText)
	}
}

// disconnect moves to StateDisconnected, failing a parked send and closing
// the channel.
func (s *Session) disconnect(cause error) {
	if !s.transition(StateDisconnected, cause) {
		return
	}
	s.mu.Lock()
	dc, w := s.dc, s.writer
	s.mu.Unlock()
	if w != nil {
		w.Abort(flow.ErrPeerDisconnected)
	}
	if dc != nil {
		go func() { _ = dc.Close() }()
	}
}

// fail records a negotiation failure and returns err for the caller.
func (s *Session) fail(err error) error {
	if !errors.Is(err, ErrNegotiationFailed) && !errors.Is(err, ErrSessionClosed) {
		err = fmt.Errorf("%w: %w", ErrNegotiationFailed, err)
	}
	s.logger.Warn("negotiation failed", "remote", s.RemoteID(), "error", err)
	if !s.transition(StateConnectFailed, err) && s.State() == StateIdle {
		s.transition(StateConnecting, nil)
		s.transition(StateConnectFailed, err)
	}
	return err
}

// transition moves the session to `to` when the lifecycle allows it and
// notifies observers. It reports whether the state changed.
func (s *Session) transition(to State, cause error) bool {
	s.mu.Lock()
	from := s.state
	if !CanTransition(from, to) {
		s.mu.Unlock()
		return false
	}
	s.state = to
	if to.Terminal() {
		s.cause = cause
	}
	switch {
	case to == StateConnecting && s.cfg.NegotiationTimeout > 0:
		s.negTimer = time.AfterFunc(s.cfg.NegotiationTimeout, s.negotiationExpired)
	case to == StateTransferring || to.Terminal():
		if s.negTimer != nil {
			s.negTimer.Stop()
			s.negTimer = nil
		}
	}
	ids := sortedKeys(s.observers)
	obs := make([]func(Event), 0, len(ids))
	for _, id := range ids {
		obs = append(obs, s.observers[id])
	}
	s.queue = append(s.queue, queuedEvent{ev: Event{From: from, To: to, Err: cause}, observers: obs})
	s.mu.Unlock()

	s.logger.Info("peer state", "from", from.String(), "to", to.String(), "remote", s.RemoteID())
	s.flush()
	return true
}

func (s *Session) negotiationExpired() {
	st := s.State()
	if st == StateConnecting || st == StateConnected {
		s.fail(ErrNegotiationTimeout)
	}
}

// flush delivers queued events. Whoever holds notifyMu drains the queue, so
// an observer that triggers a transition does not deadlock.
func (s *Session) flush() {
	for {
		if !s.notifyMu.TryLock() {
			return
		}
		for {
			s.mu.Lock()
			if len(s.queue) == 0 {
				s.mu.Unlock()
				break
			}
			qe := s.queue[0]
			s.queue = s.queue[1:]
			s.mu.Unlock()
			for _, fn := range qe.observers {
				fn(qe.ev)
			}
		}
		s.notifyMu.Unlock()

		s.mu.Lock()
		empty := len(s.queue) == 0
		s.mu.Unlock()
		if empty {
			return
		}
	}
}

func sortedKeys[V any](m map[uint64]V) []uint64 {
	return slices.Sorted(maps.Keys(m))
}

func candidateInit(c protocol.ICECandidate) webrtc.ICECandidateInit {
	return webrtc.ICECandidateInit{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	}
}

func wireCandidate(c webrtc.ICECandidateInit) *protocol.ICECandidate {
	return &protocol.ICECandidate{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	}
}
