package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/movetrace/fieldsync/internal/record"
)

var annotateCmd = &cobra.Command{
	Use:     "annotate",
	GroupID: "records",
	Short:   "Manage phase annotations on a session",
	Long: `Mark movement phases (setup, drive, release, recovery, ...) on a
recorded session's timeline. Annotations sync independently of their
session but always after it.`,
}

var annotateAddCmd = &cobra.Command{
	Use:   "add <session-id>",
	Short: "Add a phase annotation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		phase, _ := cmd.Flags().GetString("phase")
		label, _ := cmd.Flags().GetString("label")
		startMs, _ := cmd.Flags().GetInt64("start")
		endMs, _ := cmd.Flags().GetInt64("end")

		a, err := newApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		// Fail fast on a bad session id instead of queueing a mutation
		// that can never dispatch.
		if _, err := a.store.GetSession(cmd.Context(), args[0]); err != nil {
			return err
		}

		ann := record.NewPhaseAnnotation(args[0], phase, startMs, endMs)
		ann.Label = label

		if err := a.store.CreateAnnotation(cmd.Context(), ann, 0); err != nil {
			return err
		}
		fmt.Printf("Added %s annotation %s\n", phase, ann.ID)
		return nil
	},
}

var annotateListCmd = &cobra.Command{
	Use:   "list <session-id>",
	Short: "List a session's annotations",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		annotations, err := a.store.ListAnnotations(cmd.Context(), args[0])
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tPHASE\tLABEL\tRANGE\tSYNC")
		for _, ann := range annotations {
			fmt.Fprintf(w, "%s\t%s\t%s\t%d-%dms\t%s\n",
				ann.ID, ann.Phase, ann.Label, ann.StartMs, ann.EndMs, ann.SyncStatus)
		}
		return w.Flush()
	},
}

var annotateEditCmd = &cobra.Command{
	Use:   "edit <annotation-id>",
	Short: "Change an annotation's phase window or label",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		ann, err := a.store.GetAnnotation(cmd.Context(), args[0])
		if err != nil {
			return err
		}

		if cmd.Flags().Changed("phase") {
			ann.Phase, _ = cmd.Flags().GetString("phase")
		}
		if cmd.Flags().Changed("label") {
			ann.Label, _ = cmd.Flags().GetString("label")
		}
		if cmd.Flags().Changed("start") {
			ann.StartMs, _ = cmd.Flags().GetInt64("start")
		}
		if cmd.Flags().Changed("end") {
			ann.EndMs, _ = cmd.Flags().GetInt64("end")
		}

		if err := a.store.UpdateAnnotation(cmd.Context(), ann, 0); err != nil {
			return err
		}
		fmt.Printf("Updated annotation %s\n", args[0])
		return nil
	},
}

var annotateRmCmd = &cobra.Command{
	Use:   "rm <annotation-id>",
	Short: "Remove an annotation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.store.DeleteAnnotation(cmd.Context(), args[0], 0); err != nil {
			return err
		}
		fmt.Printf("Removed annotation %s\n", args[0])
		return nil
	},
}

func init() {
	annotateAddCmd.Flags().String("phase", "", "movement phase name")
	annotateAddCmd.Flags().String("label", "", "free-form label")
	annotateAddCmd.Flags().Int64("start", 0, "phase start in milliseconds")
	annotateAddCmd.Flags().Int64("end", 0, "phase end in milliseconds")
	_ = annotateAddCmd.MarkFlagRequired("phase")
	_ = annotateAddCmd.MarkFlagRequired("end")

	annotateEditCmd.Flags().String("phase", "", "movement phase name")
	annotateEditCmd.Flags().String("label", "", "free-form label")
	annotateEditCmd.Flags().Int64("start", 0, "phase start in milliseconds")
	annotateEditCmd.Flags().Int64("end", 0, "phase end in milliseconds")

	annotateCmd.AddCommand(annotateAddCmd, annotateListCmd, annotateEditCmd, annotateRmCmd)
	rootCmd.AddCommand(annotateCmd)
}
