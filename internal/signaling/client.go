package signaling

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sheerbytes/dropline/pkg/protocol"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
	helloWait  = 10 * time.Second
)

var dialer = websocket.Dialer{
	HandshakeTimeout: 5 * time.Second,
}

// Client is a Bus backed by a websocket connection to the relay.
type Client struct {
	conn   *websocket.Conn
	logger *slog.Logger
	id     string
	disp   *Dispatcher

	sendChan  chan protocol.Envelope
	closing   chan struct{}
	done      chan struct{}
	closeOnce sync.Once
	writeMu   sync.Mutex
}

var _ Bus = (*Client)(nil)

// WebSocketURL maps a relay base URL (http, https, ws or wss) to its /ws endpoint.
func WebSocketURL(serverURL string) (string, error) {
	if !strings.Contains(serverURL, "://") {
		serverURL = "http://" + serverURL
	}
	u, err := url.Parse(serverURL)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported relay scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("relay url %q has no host", serverURL)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/ws"
	u.RawQuery = ""
	return u.String(), nil
}

// Dial connects to the relay and waits for its hello.
func Dial(ctx context.Context, serverURL string, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}
	wsURL, err := WebSocketURL(serverURL)
	if err != nil {
		return nil, err
	}

	conn, resp, err := dialer.DialContext(ctx, wsURL, http.Header{})
	if err != nil {
		if resp != nil {
			body, _ := io.ReadAll(resp.Body)
			_ = resp.Body.Close()
			if len(body) > 0 {
				return nil, fmt.Errorf("websocket upgrade failed (%d): %s", resp.StatusCode, string(body))
			}
			return nil, fmt.Errorf("websocket upgrade failed (%d)", resp.StatusCode)
		}
		return nil, err
	}

	id, err := readHello(conn)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}

	c := &Client{
		conn:     conn,
		logger:   logger.With("client_id", id),
		id:       id,
		disp:     NewDispatcher(logger),
		sendChan: make(chan protocol.Envelope, 256),
		closing:  make(chan struct{}),
		done:     make(chan struct{}),
	}
	go c.writeLoop()
	return c, nil
}

func readHello(conn *websocket.Conn) (string, error) {
	_ = conn.SetReadDeadline(time.Now().Add(helloWait))
	defer conn.SetReadDeadline(time.Time{})

	var env protocol.Envelope
	if err := conn.ReadJSON(&env); err != nil {
		return "", fmt.Errorf("read hello: %w", err)
	}
	if env.Type != protocol.TypeHello {
		return "", fmt.Errorf("expected hello, got %q", env.Type)
	}
	var hello protocol.Hello
	if err := env.DecodePayload(&hello); err != nil {
		return "", fmt.Errorf("decode hello: %w", err)
	}
	if hello.ClientID == "" {
		return "", fmt.Errorf("hello without client id")
	}
	return hello.ClientID, nil
}

// ID returns the client id assigned by the relay.
func (c *Client) ID() string { return c.id }

// Subscribe registers h for msgType.
func (c *Client) Subscribe(msgType string, h Handler) func() {
	return c.disp.Subscribe(msgType, h)
}

// Run reads envelopes and dispatches them until ctx ends or the connection drops.
func (c *Client) Run(ctx context.Context) error {
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		ticker := time.NewTicker(pingPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ctx.Done():
				// Closing the socket unblocks ReadMessage.
				_ = c.conn.Close()
				return
			case <-ticker.C:
				c.writeMu.Lock()
				_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
				err := c.conn.WriteMessage(websocket.PingMessage, nil)
				c.writeMu.Unlock()
				if err != nil {
					return
				}
			}
		}
	}()

	for {
		messageType, message, err := c.conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Error("websocket read error", "error", err)
			}
			return err
		}
		if messageType != websocket.TextMessage {
			continue
		}

		var env protocol.Envelope
		if err := json.Unmarshal(message, &env); err != nil {
			c.logger.Warn("invalid JSON envelope", "error", err)
			continue
		}
		if err := env.ValidateBasic(); err != nil {
			c.logger.Warn("invalid envelope", "error", err)
			continue
		}
		c.disp.Dispatch(env)
	}
}

// Send queues env for the write loop.
func (c *Client) Send(ctx context.Context, env protocol.Envelope) error {
	select {
	case c.sendChan <- env:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-c.closing:
		return ErrClosed
	case <-c.done:
		return ErrClosed
	}
}

func (c *Client) writeLoop() {
	defer close(c.done)
	for {
		select {
		case <-c.closing:
			c.flush()
			return
		case env := <-c.sendChan:
			if err := c.write(env); err != nil {
				c.logger.Error("websocket write error", "error", err)
				return
			}
		}
	}
}

// flush writes whatever is still queued when Close is called.
func (c *Client) flush() {
	for {
		select {
		case env := <-c.sendChan:
			if err := c.write(env); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (c *Client) write(env protocol.Envelope) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteJSON(env)
}

// Close stops the write loop and closes the connection.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closing)
		<-c.done
		c.writeMu.Lock()
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.writeMu.Unlock()
		err = c.conn.Close()
	})
	return err
}
