package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"

	"github.com/sheerbytes/dropline/pkg/protocol"
)

const envPrefix = "DROPLINE_"

const (
	DefaultChunkSize = 64 * 1024
	MinChunkSize     = 1024
	MaxChunkSize     = 256 * 1024
)

// ServerConfig holds configuration for the relay binary.
type ServerConfig struct {
	Addr            string
	LogLevel        string
	CodeTTL         time.Duration
	MaxMessageBytes int64
	MsgRate         float64 // messages per second per connection, 0 disables
	MsgBurst        int
	IdleTimeout     time.Duration
	MDNS            bool
	MDNSName        string
}

// ClientConfig holds configuration for the drop binary.
type ClientConfig struct {
	ServerURL           string
	LogLevel            string
	ChunkSize           int
	HighWater           uint64
	LowWater            uint64
	NegotiationTimeout  time.Duration // 0 waits forever
	BackpressureTimeout time.Duration // 0 waits forever
	STUN                []string
	OutDir              string
	HistoryDB           string // empty disables history
	Discover            bool
}

// BindServerFlags registers server flags on fs. Defaults come from the
// environment, so flags parsed later override env.
func BindServerFlags(fs *pflag.FlagSet) *ServerConfig {
	hostname, _ := os.Hostname()
	cfg := &ServerConfig{
		Addr:            envString("ADDR", ":8080"),
		LogLevel:        envString("LOG_LEVEL", "info"),
		CodeTTL:         envDuration("CODE_TTL", 30*time.Minute),
		MaxMessageBytes: int64(envInt("MAX_MESSAGE_BYTES", protocol.DefaultMaxMessageBytes)),
		MsgRate:         envFloat("MSG_RATE", 50),
		MsgBurst:        envInt("MSG_BURST", 100),
		IdleTimeout:     envDuration("IDLE_TIMEOUT", 90*time.Second),
		MDNS:            envBool("MDNS", false),
		MDNSName:        envString("MDNS_NAME", hostname),
	}

	fs.StringVar(&cfg.Addr, "addr", cfg.Addr, "listen address")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level (debug, info, warn, error)")
	fs.DurationVar(&cfg.CodeTTL, "code-ttl", cfg.CodeTTL, "lifetime of a retrieval code (0 never expires)")
	fs.Int64Var(&cfg.MaxMessageBytes, "max-message-bytes", cfg.MaxMessageBytes, "largest accepted websocket message")
	fs.Float64Var(&cfg.MsgRate, "msg-rate", cfg.MsgRate, "messages per second per client (0 disables)")
	fs.IntVar(&cfg.MsgBurst, "msg-burst", cfg.MsgBurst, "message burst per client")
	fs.DurationVar(&cfg.IdleTimeout, "idle-timeout", cfg.IdleTimeout, "disconnect clients silent for this long (0 disables)")
	fs.BoolVar(&cfg.MDNS, "mdns", cfg.MDNS, "advertise the relay on the local network")
	fs.StringVar(&cfg.MDNSName, "mdns-name", cfg.MDNSName, "instance name for the mDNS advertisement")
	return cfg
}

// Normalize fixes out-of-range values after flags are parsed.
func (c *ServerConfig) Normalize() {
	if c.MaxMessageBytes <= 0 {
		c.MaxMessageBytes = protocol.DefaultMaxMessageBytes
	}
	if c.MsgBurst < 1 {
		c.MsgBurst = 1
	}
	if c.MsgRate < 0 {
		c.MsgRate = 0
	}
	if c.MDNSName == "" {
		c.MDNSName = "dropline"
	}
}

// BindClientFlags registers client flags on fs.
func BindClientFlags(fs *pflag.FlagSet) *ClientConfig {
	cfg := &ClientConfig{
		ServerURL:           envString("SERVER_URL", "http://localhost:8080"),
		LogLevel:            envString("LOG_LEVEL", "info"),
		ChunkSize:           envInt("CHUNK_SIZE", DefaultChunkSize),
		HighWater:           uint64(envInt("HIGH_WATER", 1024*1024)),
		LowWater:            uint64(envInt("LOW_WATER", 256*1024)),
		NegotiationTimeout:  envDuration("NEGOTIATION_TIMEOUT", 0),
		BackpressureTimeout: envDuration("BACKPRESSURE_TIMEOUT", 0),
		STUN:                envList("STUN", []string{"stun:stun.l.google.com:19302"}),
		OutDir:              envString("OUT_DIR", "."),
		HistoryDB:           envString("HISTORY_DB", "dropline-history.db"),
		Discover:            envBool("DISCOVER", false),
	}

	fs.StringVar(&cfg.ServerURL, "server-url", cfg.ServerURL, "relay URL")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level (debug, info, warn, error)")
	fs.IntVar(&cfg.ChunkSize, "chunk-size", cfg.ChunkSize, "bytes per data frame (1 KiB..256 KiB)")
	fs.Uint64Var(&cfg.HighWater, "high-water", cfg.HighWater, "buffered bytes at which sends pause")
	fs.Uint64Var(&cfg.LowWater, "low-water", cfg.LowWater, "buffered bytes at which paused sends resume")
	fs.DurationVar(&cfg.NegotiationTimeout, "negotiation-timeout", cfg.NegotiationTimeout, "give up connecting after this long (0 waits forever)")
	fs.DurationVar(&cfg.BackpressureTimeout, "backpressure-timeout", cfg.BackpressureTimeout, "fail a paused send after this long (0 waits forever)")
	fs.StringSliceVar(&cfg.STUN, "stun", cfg.STUN, "STUN server URL (repeatable)")
	fs.StringVar(&cfg.OutDir, "out-dir", cfg.OutDir, "directory for received files")
	fs.StringVar(&cfg.HistoryDB, "history-db", cfg.HistoryDB, "history database path (empty disables)")
	fs.BoolVar(&cfg.Discover, "discover", cfg.Discover, "find the relay on the local network")
	return cfg
}

// Normalize clamps the chunk size and keeps the water marks ordered.
func (c *ClientConfig) Normalize() {
	switch {
	case c.ChunkSize <= 0:
		c.ChunkSize = DefaultChunkSize
	case c.ChunkSize < MinChunkSize:
		c.ChunkSize = MinChunkSize
	case c.ChunkSize > MaxChunkSize:
		c.ChunkSize = MaxChunkSize
	}
	if c.HighWater == 0 {
		c.HighWater = 1024 * 1024
	}
	if c.LowWater >= c.HighWater {
		c.LowWater = c.HighWater / 4
	}
	if c.NegotiationTimeout < 0 {
		c.NegotiationTimeout = 0
	}
	if c.BackpressureTimeout < 0 {
		c.BackpressureTimeout = 0
	}
	if c.OutDir == "" {
		c.OutDir = "."
	}
}

func parseServerConfigWithFlagSet(fs *pflag.FlagSet, args []string) (ServerConfig, error) {
	cfg := BindServerFlags(fs)
	if err := fs.Parse(args); err != nil {
		return ServerConfig{}, err
	}
	cfg.Normalize()
	return *cfg, nil
}

func parseClientConfigWithFlagSet(fs *pflag.FlagSet, args []string) (ClientConfig, error) {
	cfg := BindClientFlags(fs)
	if err := fs.Parse(args); err != nil {
		return ClientConfig{}, err
	}
	cfg.Normalize()
	return *cfg, nil
}

// Malformed environment values fall back to the default.

func envString(key, def string) string {
	if v := os.Getenv(envPrefix + key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if n, err := strconv.Atoi(os.Getenv(envPrefix + key)); err == nil {
		return n
	}
	return def
}

func envFloat(key string, def float64) float64 {
	if f, err := strconv.ParseFloat(os.Getenv(envPrefix+key), 64); err == nil {
		return f
	}
	return def
}

func envBool(key string, def bool) bool {
	if b, err := strconv.ParseBool(os.Getenv(envPrefix + key)); err == nil {
		return b
	}
	return def
}

func envDuration(key string, def time.Duration) time.Duration {
	if d, err := time.ParseDuration(os.Getenv(envPrefix + key)); err == nil {
		return d
	}
	return def
}

func envList(key string, def []string) []string {
	v := os.Getenv(envPrefix + key)
	if v == "" {
		return def
	}
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
