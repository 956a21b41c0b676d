package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/spf13/cobra"

	"github.com/sheerbytes/dropline/internal/history"
	"github.com/sheerbytes/dropline/internal/peer"
	"github.com/sheerbytes/dropline/internal/signaling"
	"github.com/sheerbytes/dropline/internal/termio"
	"github.com/sheerbytes/dropline/internal/transfer"
)

func recvCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "recv <code>",
		Short: "Receive the files offered under a retrieval code",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRecv(cmd.Context(), args[0])
		},
	}
}

func runRecv(ctx context.Context, code string) error {
	if err := os.MkdirAll(cfg.OutDir, 0o755); err != nil {
		return err
	}

	var store *history.Store
	if cfg.HistoryDB != "" {
		s, err := history.Open(cfg.HistoryDB)
		if err != nil {
			logger.Warn("history disabled", "error", err)
		} else {
			store = s
			defer store.Close()
		}
	}

	client, err := connectRelay(ctx)
	if err != nil {
		return err
	}
	defer client.Close()

	ack, err := signaling.PrepareRecv(ctx, client, code)
	if errors.Is(err, signaling.ErrRecvCodeNotFound) {
		return fmt.Errorf("no files are offered under code %s", code)
	}
	if err != nil {
		return fmt.Errorf("look up code: %w", err)
	}
	if len(ack.Files) == 0 {
		return errors.New("offer contains no files")
	}

	units := make([]transfer.Unit, len(ack.Files))
	for i, f := range ack.Files {
		units[i] = transfer.UnitFromDescriptor(f)
	}

	sess := peer.NewSession(client, peerConfig())
	defer sess.Close()
	ended, unwatch := watchSession(sess)
	defer unwatch()

	receiver := transfer.NewReceiver(sess, transfer.ReceiverOptions{
		Spool:  transfer.DirSpool{Dir: cfg.OutDir},
		Logger: logger,
	})
	defer receiver.Close()
	receiver.Expect(units...)

	bars := newBarSet(termio.Stdout(), units)
	defer receiver.OnProgress(bars.update)()

	var (
		mu        sync.Mutex
		remaining = make(map[string]bool, len(units))
		allDone   = make(chan struct{})
	)
	for _, u := range units {
		remaining[u.ID] = true
	}
	defer receiver.OnFileReady(func(f transfer.ReadyFile) {
		bars.finish(f.ID)
		fmt.Fprintf(termio.Stdout(), "Saved %s\n", f.Path)
		if store != nil {
			_, err := store.Record(context.Background(), history.Entry{
				FileID:   f.ID,
				Name:     f.Name,
				Size:     f.Received,
				MimeType: f.MimeType,
				Path:     f.Path,
				SenderID: ack.ClientID,
			})
			if err != nil {
				logger.Warn("record history", "file_id", f.ID, "error", err)
			}
		}
		mu.Lock()
		defer mu.Unlock()
		if remaining[f.ID] {
			delete(remaining, f.ID)
			if len(remaining) == 0 {
				close(allDone)
			}
		}
	})()

	failed := make(chan transfer.FailedFile, 1)
	defer receiver.OnFileFailed(func(f transfer.FailedFile) {
		select {
		case failed <- f:
		default:
		}
	})()

	if err := sess.Connect(ctx, ack.ClientID); err != nil {
		return fmt.Errorf("connect to sender: %w", err)
	}
	if err := sess.WaitTransferring(ctx); err != nil {
		return fmt.Errorf("connect to sender: %w", err)
	}
	if err := signaling.DeleteRecvCode(ctx, client, code); err != nil {
		logger.Warn("release retrieval code", "error", err)
	}

	select {
	case <-allDone:
		fmt.Fprintf(termio.Stdout(), "Received %d file(s) into %s\n", len(units), cfg.OutDir)
		return nil
	case f := <-failed:
		bars.abort()
		return fmt.Errorf("receive %s: %w", f.Name, f.Err)
	case <-ended:
		bars.abort()
		return errors.New("sender disconnected before all files arrived")
	case <-ctx.Done():
		bars.abort()
		return ctx.Err()
	}
}
