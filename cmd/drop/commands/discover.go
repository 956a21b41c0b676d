package commands

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/sheerbytes/dropline/internal/discovery"
	"github.com/sheerbytes/dropline/internal/termio"
)

func discoverCmd() *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "discover",
		Short: "List relays advertised on the local network",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			relays, err := discovery.Browse(cmd.Context(), discovery.Config{ScanTimeout: timeout})
			if err != nil {
				return err
			}
			if len(relays) == 0 {
				fmt.Fprintln(termio.Stdout(), "No relays found.")
				return nil
			}
			for _, r := range relays {
				fmt.Fprintf(termio.Stdout(), "%s\t%s\n", r.Instance, r.URL)
			}
			return nil
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", discovery.DefaultScanTimeout, "how long to listen for answers")
	return cmd
}
