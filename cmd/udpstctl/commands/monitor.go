package commands

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/dantte-lp/udpst/internal/server"
)

func monitorCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "monitor <conn-index>",
		Short: "Stream sub-interval and summary events for a run",
		Long:  "Connects to the udpstd daemon and streams a run's events until it ends or is interrupted (Ctrl+C).",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			idx, err := strconv.Atoi(args[0])
			if err != nil {
				return fmt.Errorf("parse connection index %q: %w", args[0], err)
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			err = client.Watch(ctx, idx, func(evt server.Event) error {
				out, fmtErr := formatEvent(evt, outputFormat)
				if fmtErr != nil {
					return fmt.Errorf("format event: %w", fmtErr)
				}

				fmt.Println(out)
				return nil
			})
			if err != nil {
				// Context cancellation (Ctrl+C) is expected, not an error.
				if errors.Is(err, context.Canceled) {
					return nil
				}
				return fmt.Errorf("watch events: %w", err)
			}

			return nil
		},
	}

	return cmd
}
