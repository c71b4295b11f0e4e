package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/movetrace/fieldsync/internal/upload"
)

var uploadCmd = &cobra.Command{
	Use:     "upload <session-id>",
	GroupID: "sync",
	Short:   "Upload a session's video",
	Long: `Upload the video attached to a session. Large files transfer in
resumable chunks; an interrupted upload picks up from the last chunk the
server acknowledged, including across restarts.

With --video the file is attached to the session first.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		videoPath, _ := cmd.Flags().GetString("video")
		force, _ := cmd.Flags().GetBool("force")

		a, err := newApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		if videoPath != "" {
			if err := a.store.AttachVideo(cmd.Context(), args[0], videoPath); err != nil {
				return err
			}
		}

		states, unsubscribe := a.orch.Subscribe()
		defer unsubscribe()
		done := make(chan struct{})
		go func() {
			defer close(done)
			for state := range states {
				if state.Upload != nil {
					printProgress(*state.Upload)
				}
			}
		}()

		err = a.orch.UploadSessionVideo(cmd.Context(), args[0], force)
		unsubscribe()
		<-done
		if err != nil {
			return err
		}
		fmt.Println("\nUpload complete")
		return nil
	},
}

func printProgress(p upload.Progress) {
	fmt.Printf("\r%s: %.1f%% (%d/%d bytes)", p.SessionID, p.Percent, p.UploadedBytes, p.TotalBytes)
}

func init() {
	uploadCmd.Flags().String("video", "", "video file to attach before uploading")
	uploadCmd.Flags().BoolP("force", "f", false, "bypass the network policy gate")
	rootCmd.AddCommand(uploadCmd)
}
