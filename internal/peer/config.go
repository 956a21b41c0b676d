package peer

import (
	"log/slog"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/sheerbytes/dropline/internal/flow"
)

// DefaultChannelLabel names the data channel carrying file transfers.
const DefaultChannelLabel = "file-transfer"

// DefaultSTUNServers is used when Config.ICEServers is nil.
var DefaultSTUNServers = []string{"stun:stun.l.google.com:19302"}

// Config controls how a Session negotiates. Zero timeouts mean no timeout.
type Config struct {
	// ICEServers lists STUN/TURN URLs. Nil selects DefaultSTUNServers, an
	// empty non-nil slice disables them.
	ICEServers []string
	// ChannelLabel names the data channel the initiator opens.
	ChannelLabel string

	HighWaterMark uint64
	LowWaterMark  uint64

	// NegotiationTimeout bounds the time from connecting to transferring.
	NegotiationTimeout time.Duration
	// BackpressureTimeout bounds how long a send may wait for the channel to drain.
	BackpressureTimeout time.Duration

	// IncludeLoopback gathers 127.0.0.1 candidates; useful on a single host.
	IncludeLoopback bool
	// NetworkTypes restricts candidate gathering. Nil gathers all.
	NetworkTypes []webrtc.NetworkType

	Logger *slog.Logger
}

// DefaultConfig returns the configuration used by the CLI.
func DefaultConfig() Config {
	return Config{
		ICEServers:    DefaultSTUNServers,
		ChannelLabel:  DefaultChannelLabel,
		HighWaterMark: flow.DefaultHighWaterMark,
		LowWaterMark:  flow.DefaultLowWaterMark,
	}
}

func (c Config) withDefaults() Config {
	if c.ICEServers == nil {
		c.ICEServers = DefaultSTUNServers
	}
	if c.ChannelLabel == "" {
		c.ChannelLabel = DefaultChannelLabel
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// peerConnectionConfig maps ICE server URLs onto a pion configuration.
func (c Config) peerConnectionConfig() webrtc.Configuration {
	var servers []webrtc.ICEServer
	for _, u := range c.ICEServers {
		servers = append(servers, webrtc.ICEServer{URLs: []string{u}})
	}
	return webrtc.Configuration{ICEServers: servers}
}

func (c Config) newAPI() *webrtc.API {
	se := webrtc.SettingEngine{}
	if c.IncludeLoopback {
		se.SetIncludeLoopbackCandidate(true)
	}
	if len(c.NetworkTypes) > 0 {
		se.SetNetworkTypes(c.NetworkTypes)
	}
	return webrtc.NewAPI(webrtc.WithSettingEngine(se))
}
