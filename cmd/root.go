package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/tanq16/vodkeeper/internal/config"
	"github.com/tanq16/vodkeeper/internal/hls"
	"github.com/tanq16/vodkeeper/internal/output"
	"github.com/tanq16/vodkeeper/internal/segments"
	"github.com/tanq16/vodkeeper/internal/twitch"
	"github.com/tanq16/vodkeeper/internal/utils"
	"github.com/tanq16/vodkeeper/internal/youtube"
)

var (
	cleanup     bool
	parallelism int
	tempDir     string
	quality     string
	privacy     string
	debug       bool
	envFile     string
)

var rootCmd = &cobra.Command{
	Use:   "vodkeeper [OPTIONS] <VOD>",
	Short: "Archive Twitch VODs to YouTube",
	Long: `Downloads a Twitch VOD as an HLS segment stream, joins the segments into
one video file and uploads it to YouTube with a resumable upload.

<VOD> is a numeric video id or a https://www.twitch.tv/videos/<id> URL.`,
	Version:       utils.Version,
	Args:          cobra.ExactArgs(1),
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		utils.InitLogger(debug)
		if err := config.Load(envFiles()...); err != nil {
			fail(err)
		}
	},
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
		res, err := orch.Run(ctx, vodID)
		tracker.finish(row, res, err)
		display.StopDisplay()
		if err != nil {
			if res != nil && res.Artifact != nil {
				output.PrintWarning(fmt.Sprintf("Artifact kept at %s, retry with `%s upload %s`", res.Artifact.Path, utils.ToolName, vodID))
			}
			fail(err)
		}
		output.PrintSuccess(fmt.Sprintf("Archived VOD %s as https://youtu.be/%s", vodID, res.VideoID))
	},
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		output.PrintError(err.Error())
		os.Exit(1)
	}
}

// fail prints err with its category and exits with status 1.
func fail(err error) {
	log.Debug().Str("op", "cmd/root").Msgf("Exiting on %T: %v", err, err)
	output.PrintError(output.ErrorLine(err))
	os.Exit(1)
}

func envFiles() []string {
	if envFile == "" {
		return nil
	}
	return []string{envFile}
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&cleanup, "cleanup", "c", true, "Remove segment files and run directories when they are no longer needed")
	rootCmd.PersistentFlags().IntVarP(&parallelism, "parallelism", "p", segments.DefaultParallelism, "Number of segments downloaded at once")
	rootCmd.PersistentFlags().StringVar(&tempDir, "temp-dir", os.TempDir(), "Directory for per-VOD working directories")
	rootCmd.PersistentFlags().StringVarP(&quality, "quality", "q", hls.DefaultQuality, "Rendition to archive: best, worst, a name like 720p60, or a height like 720")
	rootCmd.PersistentFlags().StringVar(&privacy, "privacy", youtube.DefaultPrivacy, "YouTube privacy status: public, unlisted or private")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", "", "Environment file to load (default .env)")

	// flags without shorthand
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "Enable debug logging")
	rootCmd.Flags().BoolP("version", "V", false, "Print the version and exit")

	rootCmd.AddCommand(newMonitorCmd())
	rootCmd.AddCommand(newUploadCmd())
	rootCmd.AddCommand(newCleanCmd())
}
