package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/movetrace/fieldsync/internal/record"
)

var packageCmd = &cobra.Command{
	Use:     "package",
	GroupID: "records",
	Short:   "Generate training packages from synced sessions",
}

var packageGenerateCmd = &cobra.Command{
	Use:   "generate <session-id>",
	Short: "Generate a training package from a session",
	Long: `Ask the server to build a training package from a fully synced
session: reference poses per annotated phase plus joint tolerance bands.

This is an online operation; the session must have synced before a
package can be generated from it. With --async the server queues the job
and returns a job id instead of blocking.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		params := record.GenerationParams{}
		params.Name, _ = cmd.Flags().GetString("name")
		params.Description, _ = cmd.Flags().GetString("description")
		params.Version, _ = cmd.Flags().GetString("version")
		params.Difficulty, _ = cmd.Flags().GetString("difficulty")
		params.Joints, _ = cmd.Flags().GetStringSlice("joints")
		params.ToleranceTight, _ = cmd.Flags().GetFloat64("tolerance-tight")
		params.ToleranceModerate, _ = cmd.Flags().GetFloat64("tolerance-moderate")
		params.ToleranceLoose, _ = cmd.Flags().GetFloat64("tolerance-loose")
		async, _ := cmd.Flags().GetBool("async")

		if err := params.Validate(); err != nil {
			return err
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
		if sess.RemoteID == "" || sess.SyncStatus != record.SyncSynced {
			return fmt.Errorf("session %s has not fully synced; run 'fieldsync sync now' first", args[0])
		}

		if async {
			job, err := a.api.GeneratePackageAsync(cmd.Context(), sess.RemoteID, params)
			if err != nil {
				return err
			}
			fmt.Printf("Generation queued: job %s (%s)\n", job.JobID, job.Status)
			return nil
		}

		job, err := a.api.GeneratePackage(cmd.Context(), sess.RemoteID, params)
		if err != nil {
			return err
		}
		fmt.Printf("Package generated: %s (%s)\n", job.JobID, job.Status)
		return nil
	},
}

func init() {
	packageGenerateCmd.Flags().String("name", "", "package name")
	packageGenerateCmd.Flags().String("description", "", "package description")
	packageGenerateCmd.Flags().String("version", "1.0.0", "package version")
	packageGenerateCmd.Flags().String("difficulty", "intermediate", "difficulty level")
	packageGenerateCmd.Flags().StringSlice("joints", nil, "joints to track (e.g. left_knee,right_knee)")
	packageGenerateCmd.Flags().Float64("tolerance-tight", 0.90, "tight similarity threshold")
	packageGenerateCmd.Flags().Float64("tolerance-moderate", 0.80, "moderate similarity threshold")
	packageGenerateCmd.Flags().Float64("tolerance-loose", 0.70, "loose similarity threshold")
	packageGenerateCmd.Flags().Bool("async", false, "queue generation server-side and return immediately")
	_ = packageGenerateCmd.MarkFlagRequired("name")
	_ = packageGenerateCmd.MarkFlagRequired("joints")

	packageCmd.AddCommand(packageGenerateCmd)
	rootCmd.AddCommand(packageCmd)
}
