package commands

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/sheerbytes/dropline/internal/config"
	"github.com/sheerbytes/dropline/internal/discovery"
	"github.com/sheerbytes/dropline/internal/logging"
	"github.com/sheerbytes/dropline/internal/peer"
	"github.com/sheerbytes/dropline/internal/signaling"
	"github.com/sheerbytes/dropline/internal/termio"
)

const version = "v0.1.0"

var (
	cfg    *config.ClientConfig
	logger *slog.Logger
)

// Execute runs the drop command tree until ctx is cancelled.
func Execute(ctx context.Context) error {
	root := &cobra.Command{
		Use:           "drop",
		Short:         "Send files directly between two machines",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg.Normalize()
			logger = logging.NewWithWriter(termio.Stderr(), "drop", cfg.LogLevel)
			return nil
		},
	}
	cfg = config.BindClientFlags(root.PersistentFlags())
	root.AddCommand(sendCmd(), recvCmd(), historyCmd(), discoverCmd())

	err := root.ExecuteContext(ctx)
	if err != nil {
		fmt.Fprintln(termio.Stderr(), "error:", err)
	}
	return err
}

// connectRelay dials the relay and starts reading from it in the background.
func connectRelay(ctx context.Context) (*signaling.Client, error) {
	url := cfg.ServerURL
	if cfg.Discover {
		relays, err := discovery.Browse(ctx, discovery.Config{})
		if err != nil {
			return nil, err
		}
		if len(relays) == 0 {
			return nil, errors.New("no relay found on the local network")
		}
		url = relays[0].URL
		logger.Info("using discovered relay", "instance", relays[0].Instance, "url", url)
	}

	client, err := signaling.Dial(ctx, url, logger)
	if err != nil {
		return nil, fmt.Errorf("connect to relay %s: %w", url, err)
	}
	go func() {
		if err := client.Run(ctx); err != nil && ctx.Err() == nil {
			logger.Warn("relay connection lost", "error", err)
		}
	}()
	return client, nil
}

func peerConfig() peer.Config {
	stun := cfg.STUN
	if stun == nil {
		stun = []string{}
	}
	return peer.Config{
		ICEServers:          stun,
		HighWaterMark:       cfg.HighWater,
		LowWaterMark:        cfg.LowWater,
		NegotiationTimeout:  cfg.NegotiationTimeout,
		BackpressureTimeout: cfg.BackpressureTimeout,
		Logger:              logger,
	}
}

// watchSession logs state changes and returns a channel closed once the
// session reaches a terminal state.
func watchSession(sess *peer.Session) (ended <-chan struct{}, remove func()) {
	done := make(chan struct{})
	closed := false
	remove = sess.Observe(func(ev peer.Event) {
		logger.Debug("session state", "from", ev.From, "to", ev.To, "error", ev.Err)
		if ev.To.Terminal() && !closed {
			closed = true
			close(done)
		}
	})
	return done, remove
}
