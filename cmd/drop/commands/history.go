package commands

import (
	"errors"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/sheerbytes/dropline/internal/history"
	"github.com/sheerbytes/dropline/internal/progress"
	"github.com/sheerbytes/dropline/internal/termio"
)

func historyCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recently received files",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if cfg.HistoryDB == "" {
				return errors.New("history is disabled (--history-db is empty)")
			}
			store, err := history.Open(cfg.HistoryDB)
			if err != nil {
				return err
			}
			defer store.Close()

			entries, err := store.List(cmd.Context(), limit)
			if err != nil {
				return err
			}
			if len(entries) == 0 {
				fmt.Fprintln(termio.Stdout(), "No files received yet.")
				return nil
			}
			tw := tabwriter.NewWriter(termio.Stdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "RECEIVED\tNAME\tSIZE\tPATH")
			for _, e := range entries {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n",
					e.CompletedAt.Local().Format(time.DateTime), e.Name, progress.FormatBytes(e.Size), e.Path)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of entries to show (0 for all)")
	return cmd
}
