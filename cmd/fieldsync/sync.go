package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/movetrace/fieldsync/internal/dashboard"
	"github.com/movetrace/fieldsync/internal/record"
	"github.com/movetrace/fieldsync/internal/watcher"
)

var syncCmd = &cobra.Command{
	Use:     "sync",
	GroupID: "sync",
	Short:   "Drain the sync queue and manage sync state",
}

var syncNowCmd = &cobra.Command{
	Use:   "now",
	Short: "Run one sync pass immediately",
	Long: `Drain all due queue items against the server in a single pass.

With --force the pass runs even when the configured network policy would
normally defer it (e.g. on a cellular connection).`,
	RunE: func(cmd *cobra.Command, args []string) error {
		force, _ := cmd.Flags().GetBool("force")

		a, err := newApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.orch.TriggerImmediateSync(cmd.Context(), force); err != nil {
			return err
		}

		state := a.orch.State()
		if state.LastError != "" {
			fmt.Printf("Sync finished with error: %s\n", state.LastError)
		} else {
			fmt.Println("Sync complete")
		}
		printHealth(cmd, a)
		return nil
	},
}

var syncDaemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run the sync engine continuously",
	Long: `Run fieldsync as a long-lived process:

  1. Periodic queue drains at the configured interval
  2. Recordings directory watching: dropped video files are attached to
     their sessions and uploaded automatically
  3. Optionally, a WebSocket dashboard broadcasting sync state

Stops cleanly on SIGINT/SIGTERM.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		a, err := newApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		if cfg.Dashboard.Enabled {
			srv := dashboard.NewServer(a.orch, &dashboard.Config{
				Port:   cfg.Dashboard.Port,
				Logger: newLogger("[dashboard] "),
			})
			if err := srv.Start(); err != nil {
				return err
			}
			defer srv.Stop()
			fmt.Printf("Dashboard: http://localhost:%d  (ws://localhost:%d/ws)\n",
				cfg.Dashboard.Port, cfg.Dashboard.Port)
		}

		w, err := watcher.New(a.store, a.orch, &watcher.Config{
			Dir:    cfg.RecordingsDir,
			Logger: newLogger("[watcher] "),
		})
		if err != nil {
			return err
		}

		if n, err := a.store.PruneCompleted(ctx, cfg.Sync.PruneCompleted); err != nil {
			a.logger.Printf("Queue prune failed: %v", err)
		} else if n > 0 {
			a.logger.Printf("Pruned %d settled queue items", n)
		}

		a.orch.SchedulePeriodicSync(ctx)
		defer a.orch.CancelPeriodicSync()

		// First pass right away; the ticker covers the rest.
		if err := a.orch.TriggerImmediateSync(ctx, false); err != nil {
			a.logger.Printf("Initial sync pass: %v", err)
		}

		fmt.Printf("Sync daemon running (interval %s). Press Ctrl+C to stop.\n", cfg.Sync.Interval)
		return w.Start(ctx)
	},
}

var syncStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show queue and record sync health",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()
		printHealth(cmd, a)
		return nil
	},
}

var syncQueueCmd = &cobra.Command{
	Use:   "queue",
	Short: "List sync queue items",
	RunE: func(cmd *cobra.Command, args []string) error {
		status, _ := cmd.Flags().GetString("status")

		a, err := newApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		items, err := a.store.ListQueueItems(cmd.Context(), record.QueueStatus(status))
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tENTITY\tOP\tSTATUS\tRETRIES\tERROR")
		for _, item := range items {
			fmt.Fprintf(w, "%d\t%s %s\t%s\t%s\t%d/%d\t%s\n",
				item.ID, item.EntityType, item.EntityID, item.Operation,
				item.Status, item.RetryCount, item.MaxRetries, item.ErrorMessage)
		}
		return w.Flush()
	},
}

var syncRetryCmd = &cobra.Command{
	Use:   "retry <session|annotation> <id>",
	Short: "Re-queue a record stuck in ERROR",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		et, err := parseEntityType(args[0])
		if err != nil {
			return err
		}

		a, err := newApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.store.RetryErrored(cmd.Context(), et, args[1], 0); err != nil {
			return err
		}
		fmt.Printf("Re-queued %s %s\n", args[0], args[1])
		return nil
	},
}

var resolveCmd = &cobra.Command{
	Use:     "resolve <session|annotation> <id>",
	GroupID: "sync",
	Short:   "Resolve a sync conflict",
	Long: `Resolve a record stuck in CONFLICT after the server rejected a
mutation with a newer version.

Exactly one of --keep-local or --accept-remote is required:

  --keep-local     re-assert the local copy; it is queued as a fresh
                   update against the server's current version
  --accept-remote  discard the local divergence and align the record to
                   the server's version`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		keepLocal, _ := cmd.Flags().GetBool("keep-local")
		acceptRemote, _ := cmd.Flags().GetBool("accept-remote")
		if keepLocal == acceptRemote {
			return fmt.Errorf("exactly one of --keep-local or --accept-remote is required")
		}

		et, err := parseEntityType(args[0])
		if err != nil {
			return err
		}

		a, err := newApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.orch.ResolveConflict(cmd.Context(), et, args[1], keepLocal); err != nil {
			return err
		}
		fmt.Printf("Conflict on %s %s resolved\n", args[0], args[1])
		return nil
	},
}

func parseEntityType(s string) (record.EntityType, error) {
	switch record.EntityType(s) {
	case record.EntitySession, record.EntityAnnotation:
		return record.EntityType(s), nil
	default:
		return "", fmt.Errorf("unknown entity type %q (want session or annotation)", s)
	}
}

func printHealth(cmd *cobra.Command, a *app) {
	health, err := a.store.GetHealth(cmd.Context())
	if err != nil {
		a.logger.Printf("Failed to read health: %v", err)
		return
	}

	fmt.Printf("Queue:       %d pending, %d in flight, %d abandoned\n",
		health.QueuePending, health.QueueProcessing, health.QueueAbandoned)
	fmt.Printf("Sessions:    %d pending, %d conflicted, %d errored\n",
		health.SessionsPending, health.SessionsConflict, health.SessionsError)
	fmt.Printf("Annotations: %d pending, %d conflicted, %d errored\n",
		health.AnnotationsPending, health.AnnotationsConflict, health.AnnotationsError)
}

func init() {
	syncNowCmd.Flags().BoolP("force", "f", false, "bypass the network policy gate")
	syncQueueCmd.Flags().String("status", "", "filter by queue status (PENDING, PROCESSING, COMPLETED, FAILED, ABANDONED)")

	resolveCmd.Flags().Bool("keep-local", false, "keep the local copy")
	resolveCmd.Flags().Bool("accept-remote", false, "accept the server's copy")

	syncCmd.AddCommand(syncNowCmd, syncDaemonCmd, syncStatusCmd, syncQueueCmd, syncRetryCmd)
	rootCmd.AddCommand(syncCmd, resolveCmd)
}
