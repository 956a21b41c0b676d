package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/sheerbytes/dropline/internal/peer"
	"github.com/sheerbytes/dropline/internal/signaling"
	"github.com/sheerbytes/dropline/internal/termio"
	"github.com/sheerbytes/dropline/internal/transfer"
	"github.com/sheerbytes/dropline/pkg/manifest"
	"github.com/sheerbytes/dropline/pkg/protocol"
)

func sendCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "send <path>...",
		Short: "Offer files or directories and print a retrieval code",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSend(cmd.Context(), args)
		},
	}
}

func runSend(ctx context.Context, paths []string) error {
	sources, closeAll, err := openSources(paths)
	if err != nil {
		return err
	}
	defer closeAll()

	client, err := connectRelay(ctx)
	if err != nil {
		return err
	}
	defer client.Close()

	units := make([]transfer.Unit, len(sources))
	files := make([]protocol.FileDescriptor, len(sources))
	for i, src := range sources {
		units[i] = src.Unit
		files[i] = src.Unit.Descriptor()
	}

	if err := checkManifestSize(files, protocol.DefaultMaxMessageBytes); err != nil {
		return err
	}

	// Subscribe before announcing so the receiver's offer cannot be missed.
	sess := peer.NewSession(client, peerConfig())
	defer sess.Close()
	ended, unwatch := watchSession(sess)
	defer unwatch()

	ack, err := signaling.PrepareSend(ctx, client, files)
	if err != nil {
		return fmt.Errorf("register files: %w", err)
	}
	fmt.Fprintf(termio.Stdout(), "Retrieval code: %s\n", ack.RecvCode)
	if !ack.ExpiresAt.IsZero() {
		fmt.Fprintf(termio.Stdout(), "Expires at %s\n", ack.ExpiresAt.Local().Format(time.Kitchen))
	}
	fmt.Fprintln(termio.Stdout(), "Waiting for the receiver...")

	if err := sess.WaitTransferring(ctx); err != nil {
		return fmt.Errorf("connect to receiver: %w", err)
	}
	logger.Info("peer connected", "remote_id", sess.RemoteID())

	sender := transfer.NewSender(sess, transfer.SenderOptions{ChunkSize: cfg.ChunkSize, Logger: logger})
	defer sender.Close()
	bars := newBarSet(termio.Stdout(), units)
	defer sender.OnProgress(bars.update)()

	if err := sender.SendFiles(ctx, sources); err != nil {
		bars.abort()
		return err
	}
	if err := waitAcknowledged(ctx, sender.Acknowledged, units, ended); err != nil {
		bars.abort()
		return err
	}
	for _, u := range units {
		bars.finish(u.ID)
	}
	// The last fileEnd may still be queued on our side; let the receiver
	// hang up once it has finalized everything.
	if !waitHangup(ctx, ended, hangupGrace) {
		logger.Warn("receiver did not close the session", "waited", hangupGrace)
	}
	fmt.Fprintf(termio.Stdout(), "Sent %d file(s)\n", len(units))
	return nil
}

// checkManifestSize fails when the prepare_send for files would exceed the
// relay's message limit, which otherwise drops the connection.
func checkManifestSize(files []protocol.FileDescriptor, limit int) error {
	n, err := protocol.MessageSize(protocol.TypePrepareSend, protocol.PrepareSend{Files: files})
	if err != nil {
		return err
	}
	if n > limit {
		return fmt.Errorf("file list for %d file(s) encodes to %s, over the relay limit of %s; send fewer files per transfer",
			len(files), humanize.IBytes(uint64(n)), humanize.IBytes(uint64(limit)))
	}
	return nil
}

const hangupGrace = 30 * time.Second

// waitHangup reports whether the session ended within grace.
func waitHangup(ctx context.Context, ended <-chan struct{}, grace time.Duration) bool {
	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case <-ended:
		return true
	case <-ctx.Done():
		return false
	case <-timer.C:
		return false
	}
}

// waitAcknowledged blocks until the receiver has reported every byte.
func waitAcknowledged(ctx context.Context, acked func(id string) int64, units []transfer.Unit, ended <-chan struct{}) error {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		done := true
		for _, u := range units {
			if acked(u.ID) < u.Size {
				done = false
				break
			}
		}
		if done {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ended:
			return errors.New("receiver disconnected before acknowledging all data")
		case <-ticker.C:
		}
	}
}

// openSources expands paths into files and opens each one for reading.
func openSources(paths []string) ([]transfer.Source, func(), error) {
	m, err := manifest.ScanPaths(paths)
	if err != nil {
		return nil, nil, err
	}
	if len(m.Items) == 0 {
		return nil, nil, errors.New("no files to send")
	}

	var (
		sources []transfer.Source
		opened  []*os.File
	)
	closeAll := func() {
		for _, f := range opened {
			f.Close()
		}
	}
	for _, it := range m.Items {
		f, err := os.Open(it.Path)
		if err != nil {
			closeAll()
			return nil, nil, err
		}
		opened = append(opened, f)
		sources = append(sources, transfer.Source{
			Unit:   transfer.NewUnit(it.Name, it.Size, ""),
			Reader: f,
		})
	}
	logger.Info("files selected", "count", len(sources), "bytes", m.TotalBytes)
	return sources, closeAll, nil
}
