// Package relay is the signaling server: it hands out retrieval codes for
// offered files and forwards negotiation messages between connected clients.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/sheerbytes/dropline/internal/signaling"
	"github.com/sheerbytes/dropline/pkg/protocol"
)

const (
	writeWait    = 10 * time.Second
	pingInterval = 30 * time.Second
)

// Options configures a Server. Zero values select the defaults below; a
// zero MsgRate disables rate limiting and a zero IdleTimeout disables the
// idle check.
type Options struct {
	CodeTTL         time.Duration
	MaxMessageBytes int64
	MsgRate         float64
	MsgBurst        int
	IdleTimeout     time.Duration
	Logger          *slog.Logger
}

const DefaultMaxMessageBytes = protocol.DefaultMaxMessageBytes

// Server owns the client hub and the code registry.
type Server struct {
	opts     Options
	hub      *Hub
	registry *Registry
	logger   *slog.Logger
	upgrader websocket.Upgrader
}

// NewServer returns a relay with empty state.
func NewServer(opts Options) *Server {
	if opts.MaxMessageBytes <= 0 {
		opts.MaxMessageBytes = DefaultMaxMessageBytes
	}
	if opts.MsgBurst < 1 {
		opts.MsgBurst = 1
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		opts:     opts,
		hub:      NewHub(),
		registry: NewRegistry(opts.CodeTTL),
		logger:   logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Registry exposes the code registry.
func (s *Server) Registry() *Registry { return s.registry }

// Hub exposes the connected clients.
func (s *Server) Hub() *Hub { return s.hub }

// Handler serves /health and /ws.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]bool{"ok": true})
	})
	mux.HandleFunc("/ws", s.serveWS)
	return mux
}

// RunJanitor removes expired codes every interval until ctx is done.
func (s *Server) RunJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if n := s.registry.CleanupExpired(now); n > 0 {
				s.logger.Info("expired retrieval codes removed", "count", n)
			}
		}
	}
}

func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()
	conn.SetReadLimit(s.opts.MaxMessageBytes)

	clientID := uuid.NewString()
	logger := s.logger.With("client_id", clientID)

	var writeMu sync.Mutex
	write := func(env protocol.Envelope) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		return conn.WriteJSON(env)
	}

	if s.opts.IdleTimeout > 0 {
		conn.SetReadDeadline(time.Now().Add(s.opts.IdleTimeout))
		conn.SetPongHandler(func(string) error {
			conn.SetReadDeadline(time.Now().Add(s.opts.IdleTimeout))
			return nil
		})
		stopPing := make(chan struct{})
		defer close(stopPing)
		go func() {
			ticker := time.NewTicker(min(pingInterval, s.opts.IdleTimeout/2))
			defer ticker.Stop()
			for {
				select {
				case <-stopPing:
					return
				case <-ticker.C:
					writeMu.Lock()
					_ = conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
					writeMu.Unlock()
				}
			}
		}()
	}

	remove := s.hub.Add(clientID, write, func() { conn.Close() })
	defer func() {
		remove()
		if n := s.registry.DeleteBySender(clientID); n > 0 {
			logger.Info("retrieval codes released", "count", n)
		}
		logger.Info("client disconnected")
	}()

	hello, err := protocol.NewEnvelope(protocol.TypeHello, protocol.NewMsgID(), protocol.Hello{ClientID: clientID})
	if err != nil {
		logger.Error("build hello", "error", err)
		return
	}
	hello.From = protocol.ServerID
	hello.To = clientID
	s.hub.SendTo(clientID, hello)
	logger.Info("client connected", "remote_addr", r.RemoteAddr)

	limit := rate.Inf
	if s.opts.MsgRate > 0 {
		limit = rate.Limit(s.opts.MsgRate)
	}
	limiter := rate.NewLimiter(limit, s.opts.MsgBurst)

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				logger.Info("websocket idle timeout")
			} else if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				logger.Warn("websocket read error", "error", err)
			}
			return
		}
		if s.opts.IdleTimeout > 0 {
			conn.SetReadDeadline(time.Now().Add(s.opts.IdleTimeout))
		}
		if msgType != websocket.TextMessage {
			continue
		}

		var env protocol.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			logger.Warn("invalid JSON envelope", "error", err)
			continue
		}
		if err := env.ValidateBasic(); err != nil {
			logger.Warn("invalid envelope", "error", err)
			continue
		}
		env.From = clientID

		if !limiter.Allow() {
			logger.Warn("message rate limit exceeded")
			s.replyError(env, protocol.CodeRateLimited, "message rate limit exceeded")
			return
		}
		s.handle(logger, env)
	}
}

func (s *Server) handle(logger *slog.Logger, env protocol.Envelope) {
	switch env.Type {
	case protocol.TypePrepareSend:
		var req protocol.PrepareSend
		if err := env.DecodePayload(&req); err != nil || len(req.Files) == 0 {
			s.replyError(env, protocol.CodeBadRequest, "prepare_send needs at least one file")
			return
		}
		offer, err := s.registry.Create(env.From, req.Files)
		if err != nil {
			logger.Error("register offer", "error", err)
			s.replyError(env, protocol.CodeBadRequest, err.Error())
			return
		}
		logger.Info("retrieval code issued", "files", len(offer.Files))
		s.reply(env, protocol.TypePrepareSendAck, protocol.PrepareSendAck{RecvCode: offer.Code, ExpiresAt: offer.ExpiresAt})

	case protocol.TypePrepareRecv:
		var req protocol.PrepareRecv
		if err := env.DecodePayload(&req); err != nil || req.RecvCode == "" {
			s.replyError(env, protocol.CodeBadRequest, "prepare_recv needs a recv_code")
			return
		}
		offer, ok := s.registry.Lookup(req.RecvCode)
		if !ok {
			logger.Info("unknown retrieval code")
			s.replyError(env, protocol.CodeRecvCodeNotFound, "retrieval code not found")
			return
		}
		s.reply(env, protocol.TypePrepareRecvAck, protocol.PrepareRecvAck{ClientID: offer.SenderID, Files: offer.Files})

	case protocol.TypeDeleteRecvCode:
		var req protocol.DeleteRecvCode
		if err := env.DecodePayload(&req); err != nil {
			s.replyError(env, protocol.CodeBadRequest, "delete_recv_code needs a recv_code")
			return
		}
		if s.registry.Delete(req.RecvCode) {
			logger.Info("retrieval code deleted")
		}

	case protocol.TypeSignal:
		target, out, err := signaling.ForwardSignal(env.From, env)
		if err != nil {
			s.replyError(env, protocol.CodeBadSignal, err.Error())
			return
		}
		if !s.hub.SendTo(target, out) {
			logger.Warn("signal target not connected", "target", target)
			s.replyError(env, protocol.CodePeerNotFound, "target peer not found: "+target)
		}

	default:
		s.replyError(env, protocol.CodeUnknownType, "unknown message type: "+env.Type)
	}
}

func (s *Server) reply(req protocol.Envelope, msgType string, payload any) {
	env, err := protocol.NewReply(req, msgType, payload)
	if err != nil {
		s.logger.Error("build reply", "type", msgType, "error", err)
		return
	}
	s.hub.SendTo(req.From, env)
}

func (s *Server) replyError(req protocol.Envelope, code, message string) {
	s.reply(req, protocol.TypeError, protocol.Error{Code: code, Message: message})
}
