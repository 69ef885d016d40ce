package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/tunnelmesh/coldtier/internal/glacier"
	"github.com/tunnelmesh/coldtier/internal/lifecycle"
)

type pass struct {
	name  string
	short string
	lock  string
	stamp string
	run   func(ctx context.Context, a *app) error
	force func(ctx context.Context, b glacier.Backend) error
}

var (
	passMigrate = pass{
		name:  "migrate",
		short: "Migrate queued GLACIER objects to tape",
		lock:  lifecycle.ClusterLock,
		stamp: lifecycle.MigrateTimestamp,
		run:   func(ctx context.Context, a *app) error { return a.scheduler.ProcessMigrations(ctx) },
		force: func(ctx context.Context, b glacier.Backend) error { return b.Migrate(ctx) },
	}
	passRestore = pass{
		name:  "restore",
		short: "Recall objects with pending restore requests",
		lock:  lifecycle.ClusterLock,
		stamp: lifecycle.RestoreTimestamp,
		run:   func(ctx context.Context, a *app) error { return a.scheduler.ProcessRestores(ctx) },
		force: func(ctx context.Context, b glacier.Backend) error { return b.Restore(ctx) },
	}
	passExpiry = pass{
		name:  "expiry",
		short: "Evict restored copies whose retention lapsed",
		lock:  lifecycle.ScanLock,
		stamp: lifecycle.ExpiryTimestamp,
		run:   func(ctx context.Context, a *app) error { return a.scheduler.ProcessExpiry(ctx) },
		force: func(ctx context.Context, b glacier.Backend) error { return b.Expiry(ctx) },
	}
)

// newPassCmd builds the one-shot command for p.
func newPassCmd(p pass) *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   p.name,
		Short: p.short,
		Long: fmt.Sprintf(`Run the %s pass once.

Without --force the pass honours its interval and free-space gates exactly
as the scheduler does. With --force it runs under the same lock regardless.`, p.name),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			a, err := newApp(cfg, nil)
			if err != nil {
				return err
			}
			ctx := cmd.Context()

			if !force {
				return p.run(ctx, a)
			}
			return a.scheduler.LockAndRun(p.lock, func() error {
				if err := p.force(ctx, a.backend); err != nil {
					return err
				}
				log.Info().Str("pass", p.name).Msg("Forced pass completed")
				return a.scheduler.RecordCurrentTime(p.stamp)
			})
		},
	}
	cmd.Flags().BoolVarP(&force, "force", "f", false, "ignore the pass interval and free-space gate")
	return cmd
}

func newEnqueueCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "enqueue <migrate|restore> <path>...",
		Short: "Append object paths to a tiering queue",
		Long: `Append object paths to the migrate or restore queue.

Paths are made absolute. The objects themselves are not modified; a restore
entry is only acted upon when the object carries a restore request.`,
		Args: cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			topic := args[0]
			if topic != glacier.TopicMigrate && topic != glacier.TopicRestore {
				return fmt.Errorf("unknown queue %q: must be %s or %s", topic, glacier.TopicMigrate, glacier.TopicRestore)
			}
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			a, err := newApp(cfg, nil)
			if err != nil {
				return err
			}

			paths := make([]string, 0, len(args)-1)
			for _, p := range args[1:] {
				abs, err := filepath.Abs(p)
				if err != nil {
					return err
				}
				paths = append(paths, abs)
			}

			producer := a.queue.Producer()
			defer func() { _ = producer.Disconnect() }()
			if err := producer.Send(cmd.Context(), topic, paths); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Queued %d path(s) on %s\n", len(paths), topic)
			return nil
		},
	}
}

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <path>...",
		Short: "Show the tiering state of objects",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			a, err := newApp(cfg, nil)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			inspector := a.inspector()

			for _, path := range args {
				st, attrs, err := inspector.Stat(path)
				if err != nil {
					if errors.Is(err, fs.ErrNotExist) {
						_, _ = fmt.Fprintf(out, "%s: not found\n", path)
						continue
					}
					return err
				}
				class := attrs.StorageClass
				if class == "" {
					class = "STANDARD"
				}
				_, _ = fmt.Fprintf(out, "%s\n", path)
				_, _ = fmt.Fprintf(out, "  Storage class: %s\n", class)
				_, _ = fmt.Fprintf(out, "  Size:          %d bytes (%d blocks on disk)\n", st.Size, st.Blocks)

				// Derived from the same snapshot as the lines above.
				status := glacier.GetRestoreStatus(attrs, time.Now(), path, log.Logger)
				if status == nil {
					continue
				}
				_, _ = fmt.Fprintf(out, "  Restore state: %s\n", status.State)
				if status.State == glacier.StateRestored {
					_, _ = fmt.Fprintf(out, "  Expires:       %s\n", status.ExpiryTime.Format(time.RFC3339))
				}
				if attrs.HasRestoreRequest() {
					_, _ = fmt.Fprintf(out, "  Requested:     %g day(s)\n", attrs.RestoreRequest)
				}
				migratable := st.Blocks > 0 && status.State == glacier.StateCanRestore
				_, _ = fmt.Fprintf(out, "  Migratable:    %t\n", migratable)
			}
			return nil
		},
	}
}
