// Command pecorino-prune runs a one-shot or periodic sweep of expired
// bucket and block rows against one configured backend, grounded on
// crossedbot-simpleloadbalancer/cmd's flags-plus-cobra.Command shape: a
// small CLI surface wrapping a library core, not the library itself.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/cheddarme/pecorino"
	"github.com/cheddarme/pecorino/storage"
	"github.com/cheddarme/pecorino/storage/postgres"
	"github.com/cheddarme/pecorino/storage/sqlite"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		backend    string
		dsn        string
		interval   time.Duration
		runForever bool
	)

	cmd := &cobra.Command{
		Use:   "pecorino-prune",
		Short: "Delete expired leaky-bucket and block rows from a pecorino backend",
		RunE: func(cmd *cobra.Command, args []string) error {
			adapter, err := openAdapter(cmd.Context(), backend, dsn)
			if err != nil {
				return err
			}
			defer adapter.Close()

			pruner := pecorino.NewPruner(interval, slog.Default(), adapter)
			if !runForever {
				return pruner.RunOnce(cmd.Context())
			}

			go pruner.Run(cmd.Context())
			<-cmd.Context().Done()
			pruner.Stop()
			return nil
		},
	}

	cmd.Flags().StringVar(&backend, "backend", "postgres", "backend type: postgres or sqlite")
	cmd.Flags().StringVar(&dsn, "dsn", "", "connection string (postgres) or file path (sqlite)")
	cmd.Flags().DurationVar(&interval, "interval", time.Minute, "sweep interval when --watch is set")
	cmd.Flags().BoolVar(&runForever, "watch", false, "keep running and sweep every --interval instead of exiting after one pass")

	return cmd
}

func openAdapter(ctx context.Context, backend, dsn string) (storage.Adapter, error) {
	switch backend {
	case "postgres":
		return postgres.New(ctx, postgres.Config{ConnString: dsn})
	case "sqlite":
		return sqlite.New(ctx, sqlite.Config{Path: dsn})
	default:
		return nil, fmt.Errorf("unsupported backend %q: want postgres or sqlite", backend)
	}
}
