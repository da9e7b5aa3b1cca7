package commands

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/dantte-lp/udpst/internal/server"
)

// errServerRequired is returned when run is invoked without --server.
var errServerRequired = errors.New("--server flag is required")

// --- run ---

func runCmd() *cobra.Command {
	var (
		direction string
		mcIndex   uint8
		mcCount   uint8
		mcIdent   uint16
		serverArg string
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start a new speed test run",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			if serverArg == "" {
				return errServerRequired
			}

			req := server.StartSessionRequest{
				Server:    serverArg,
				Direction: direction,
				MCIndex:   mcIndex,
				MCCount:   mcCount,
				MCIdent:   mcIdent,
			}

			resp, err := client.StartSession(context.Background(), req)
			if err != nil {
				return fmt.Errorf("start session: %w", err)
			}

			out, err := formatSession(resp, outputFormat)
			if err != nil {
				return fmt.Errorf("format session: %w", err)
			}

			fmt.Print(out)
			return nil
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&serverArg, "server", "", "server address (host:port) to test against (required)")
	flags.StringVar(&direction, "direction", "downstream", "test direction: upstream or downstream")
	flags.Uint8Var(&mcIndex, "mc-index", 0, "multi-connection test index")
	flags.Uint8Var(&mcCount, "mc-count", 1, "multi-connection test count")
	flags.Uint16Var(&mcIdent, "mc-ident", 0, "multi-connection test identifier")

	return cmd
}

// --- status ---

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status [conn-index]",
		Short: "Show all runs, or details of a single run by connection index",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			ctx := context.Background()

			if len(args) == 0 {
				sessions, err := client.ListSessions(ctx)
				if err != nil {
					return fmt.Errorf("list sessions: %w", err)
				}

				out, err := formatSessions(sessions, outputFormat)
				if err != nil {
					return fmt.Errorf("format sessions: %w", err)
				}

				fmt.Print(out)
				return nil
			}

			idx, err := strconv.Atoi(args[0])
			if err != nil {
				return fmt.Errorf("parse connection index %q: %w", args[0], err)
			}

			resp, err := client.GetSession(ctx, idx)
			if err != nil {
				return fmt.Errorf("get session: %w", err)
			}

			out, err := formatSession(resp, outputFormat)
			if err != nil {
				return fmt.Errorf("format session: %w", err)
			}

			fmt.Print(out)
			return nil
		},
	}
}

// --- stop ---

func stopCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stop <conn-index>",
		Short: "Stop a speed test run by connection index",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			idx, err := strconv.Atoi(args[0])
			if err != nil {
				return fmt.Errorf("parse connection index %q: %w", args[0], err)
			}

			if err := client.StopSession(context.Background(), idx); err != nil {
				return fmt.Errorf("stop session: %w", err)
			}

			fmt.Printf("Run %d stopped.\n", idx)
			return nil
		},
	}
}
