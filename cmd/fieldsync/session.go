package main

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/movetrace/fieldsync/internal/record"
	"github.com/movetrace/fieldsync/internal/store"
)

var sessionCmd = &cobra.Command{
	Use:     "session",
	GroupID: "records",
	Short:   "Manage recording sessions",
	Long: `Create, inspect, and manage movement recording sessions.

Sessions are created locally and pushed to the server by the sync engine;
every command here works offline.`,
}

var sessionCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a new recording session",
	RunE: func(cmd *cobra.Command, args []string) error {
		title, _ := cmd.Flags().GetString("title")
		athlete, _ := cmd.Flags().GetString("athlete")

		a, err := newApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		sess := record.NewRecordingSession(title)
		sess.Athlete = athlete

		if err := a.store.CreateSession(cmd.Context(), sess, 0); err != nil {
			return err
		}
		fmt.Printf("Created session %s\n", sess.ID)
		return nil
	},
}

var sessionListCmd = &cobra.Command{
	Use:   "list",
	Short: "List local sessions",
	RunE: func(cmd *cobra.Command, args []string) error {
		status, _ := cmd.Flags().GetString("status")
		syncStatus, _ := cmd.Flags().GetString("sync-status")
		remoteList, _ := cmd.Flags().GetBool("remote")
		limit, _ := cmd.Flags().GetInt("limit")

		a, err := newApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		if remoteList {
			page, err := a.api.ListSessions(cmd.Context(), record.SessionStatus(status), 1, limit)
			if err != nil {
				return fmt.Errorf("failed to list remote sessions: %w", err)
			}
			fmt.Printf("%d remote sessions (showing %d):\n", page.Total, len(page.Sessions))
			for _, sess := range page.Sessions {
				fmt.Printf("  %s  %-10s  %s\n", sess.RemoteID, sess.Status, sess.Title)
			}
			return nil
		}

		sessions, err := a.store.ListSessions(cmd.Context(), store.ListSessionsFilter{
			Status:     record.SessionStatus(status),
			SyncStatus: record.SyncStatus(syncStatus),
			Limit:      limit,
		})
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tTITLE\tSTATUS\tSYNC\tRECORDED")
		for _, sess := range sessions {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
				sess.ID, sess.Title, sess.Status, sess.SyncStatus,
				sess.RecordedAt.Format("2006-01-02 15:04"))
		}
		return w.Flush()
	},
}

var sessionShowCmd = &cobra.Command{
	Use:   "show <session-id>",
	Short: "Show one session as JSON",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		sess, err := a.store.GetSession(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		data, err := json.MarshalIndent(sess, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(data))
		return nil
	},
}

var sessionCompleteCmd = &cobra.Command{
	Use:   "complete <session-id>",
	Short: "Mark a recording session as completed",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.store.CompleteSession(cmd.Context(), args[0], 0); err != nil {
			return err
		}
		fmt.Printf("Session %s completed\n", args[0])
		return nil
	},
}

var sessionCancelCmd = &cobra.Command{
	Use:   "cancel <session-id>",
	Short: "Cancel a recording session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.store.CancelSession(cmd.Context(), args[0], 0); err != nil {
			return err
		}
		fmt.Printf("Session %s cancelled\n", args[0])
		return nil
	},
}

var sessionDeleteCmd = &cobra.Command{
	Use:   "delete <session-id>",
	Short: "Delete a session and its annotations",
	Long: `Delete a session locally together with its annotations and any
upload state. If the session exists on the server, a DELETE is queued
and pushed on the next sync.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.store.DeleteSession(cmd.Context(), args[0], 0); err != nil {
			return err
		}
		fmt.Printf("Session %s deleted\n", args[0])
		return nil
	},
}

var sessionTrimCmd = &cobra.Command{
	Use:   "trim <session-id>",
	Short: "Set the usable portion of a session's video",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		startMs, _ := cmd.Flags().GetInt64("start")
		endMs, _ := cmd.Flags().GetInt64("end")
		clear, _ := cmd.Flags().GetBool("clear")
		if !clear && endMs == 0 {
			return fmt.Errorf("either --end or --clear is required")
		}

		a, err := newApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		sess, err := a.store.GetSession(cmd.Context(), args[0])
		if err != nil {
			return err
		}

		if clear {
			sess.Trim = record.TrimBounds{}
		} else {
			sess.Trim = record.TrimBounds{StartMs: startMs, EndMs: endMs}
		}
		if err := a.store.UpdateSession(cmd.Context(), sess, 0); err != nil {
			return err
		}
		if clear {
			fmt.Printf("Session %s trim cleared\n", args[0])
		} else {
			fmt.Printf("Session %s trimmed to [%dms, %dms]\n", args[0], startMs, endMs)
		}
		return nil
	},
}

var sessionFramesCmd = &cobra.Command{
	Use:   "frames <session-id> <batch.json>",
	Short: "Import a pose frame batch from a JSON file",
	Long: `Append a batch of captured pose frames to a session. The file holds
one JSON frame batch as produced by the capture pipeline:

  {"seq": 0, "frames": [[0.41, 0.22, ...], ...], "captured": "..."}`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := os.ReadFile(args[1])
		if err != nil {
			return fmt.Errorf("failed to read batch file: %w", err)
		}
		var batch record.FrameBatch
		if err := json.Unmarshal(data, &batch); err != nil {
			return fmt.Errorf("failed to parse batch file: %w", err)
		}

		a, err := newApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		sess, err := a.store.GetSession(cmd.Context(), args[0])
		if err != nil {
			return err
		}

		sess.FrameBatches = append(sess.FrameBatches, batch)
		if err := a.store.UpdateSession(cmd.Context(), sess, 0); err != nil {
			return err
		}
		fmt.Printf("Added batch %d (%d frames) to session %s\n", batch.Seq, len(batch.Frames), args[0])
		return nil
	},
}

func init() {
	sessionCreateCmd.Flags().StringP("title", "t", "", "session title")
	sessionCreateCmd.Flags().StringP("athlete", "a", "", "athlete name")
	_ = sessionCreateCmd.MarkFlagRequired("title")

	sessionListCmd.Flags().String("status", "", "filter by lifecycle status (recording, completed, cancelled)")
	sessionListCmd.Flags().String("sync-status", "", "filter by sync status (PENDING, SYNCED, CONFLICT, ERROR)")
	sessionListCmd.Flags().Bool("remote", false, "list sessions from the server instead of the local store")
	sessionListCmd.Flags().Int("limit", 50, "maximum sessions to list")

	sessionTrimCmd.Flags().Int64("start", 0, "trim start in milliseconds")
	sessionTrimCmd.Flags().Int64("end", 0, "trim end in milliseconds")
	sessionTrimCmd.Flags().Bool("clear", false, "remove existing trim bounds")

	sessionCmd.AddCommand(sessionCreateCmd, sessionListCmd, sessionShowCmd,
		sessionCompleteCmd, sessionCancelCmd, sessionDeleteCmd,
		sessionTrimCmd, sessionFramesCmd)
	rootCmd.AddCommand(sessionCmd)
}
