package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/tanq16/vodkeeper/internal/output"
	"github.com/tanq16/vodkeeper/internal/twitch"
)

func newUploadCmd() *cobra.Command {
	var artifact string

	cmd := &cobra.Command{
		Use:   "upload <VOD> [--file PATH]",
		Short: "Upload an artifact kept by a run whose upload failed",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			vodID, err := twitch.ParseVODID(args[0])
			if err != nil {
				fail(err)
			}
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			display := output.NewManager()
			tracker := newTracker(display)
			orch, _, err := buildPipeline(ctx, tracker.progress, nil)
			if err != nil {
				fail(err)
			}
			display.StartDisplay()
			row := tracker.begin(vodID)
			res, err := orch.UploadArtifact(ctx, vodID, artifact)
			tracker.finish(row, res, err)
			display.StopDisplay()
			if err != nil {
				fail(err)
			}
			output.PrintSuccess(fmt.Sprintf("Uploaded VOD %s as https://youtu.be/%s", vodID, res.VideoID))
		},
	}

	cmd.Flags().StringVarP(&artifact, "file", "f", "", "Artifact path (default: the run directory under --temp-dir)")
	return cmd
}
