package cmd

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/andresmejia3/watchtower/internal/display"
	"github.com/andresmejia3/watchtower/internal/pipeline"
	"github.com/andresmejia3/watchtower/internal/utils"
	"github.com/andresmejia3/watchtower/internal/video"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

type watchOptions struct {
	Device    string
	Format    string
	Interval  time.Duration
	NoAnalyze bool
}

var watchOpts watchOptions

// maxDetectFailures stops watch once the worker has failed this many passes in a row.
const maxDetectFailures = 10

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Identify faces from the camera in real time",
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		if cmd.Flags().Changed("device") {
			Cfg.Camera.Device = watchOpts.Device
		}
		if cmd.Flags().Changed("format") {
			Cfg.Camera.Format = watchOpts.Format
		}
		if cmd.Flags().Changed("interval") {
			if watchOpts.Interval <= 0 {
				return fmt.Errorf("--interval must be positive, got %v", watchOpts.Interval)
			}
			Cfg.Matching.Interval = watchOpts.Interval
		}
		return runWatch(cmd.Context(), watchOpts)
	},
}

func init() {
	watchCmd.Flags().StringVar(&watchOpts.Device, "device", "/dev/video0", "Camera device passed to ffmpeg -i")
	watchCmd.Flags().StringVar(&watchOpts.Format, "format", "v4l2", "ffmpeg input format for the camera")
	watchCmd.Flags().DurationVarP(&watchOpts.Interval, "interval", "i", pipeline.DefaultInterval, "Minimum time between recognition passes")
	watchCmd.Flags().BoolVar(&watchOpts.NoAnalyze, "no-analyze", false, "Skip age, gender, race and emotion predictions")
	rootCmd.AddCommand(watchCmd)
}

func runWatch(ctx context.Context, opts watchOptions) error {
	runID := uuid.NewString()
	log := Log.With("run", runID)

	fmt.Fprintln(os.Stderr, "🚀 Starting AI Engine...")
	w, err := startWorker(ctx, 0, Cfg)
	if err != nil {
		utils.ShowError("Failed to start AI worker", err, nil)
		return err
	}
	defer w.Close()

	fmt.Fprintf(os.Stderr, "📷 Opening camera %s...\n", Cfg.Camera.Device)
	src, err := video.OpenCamera(ctx, Cfg.Camera.Format, Cfg.Camera.Device, log)
	if err != nil {
		utils.ShowError("Failed to open camera", err, nil)
		return err
	}
	defer src.Close()

	popts := pipeline.Options{
		Interval:          Cfg.Matching.Interval,
		Threshold:         Cfg.Matching.Threshold,
		Logger:            log,
		MaxDetectFailures: maxDetectFailures,
	}
	if !opts.NoAnalyze {
		popts.Analyzer = w
	}
	matcher := newMatcher(DB, Cfg.Matching.Matcher, log)
	coord := pipeline.New(w, w, matcher, DB, display.NewConsole(os.Stdout), popts)

	log.Info("watching", "device", Cfg.Camera.Device, "interval", Cfg.Matching.Interval,
		"threshold", Cfg.Matching.Threshold, "matcher", Cfg.Matching.Matcher)
	fmt.Fprintln(os.Stderr, "👀 Watching. Press Ctrl+C to stop.")

	err = coord.Run(ctx, src)
	stats := coord.Stats()
	log.Info("watch stopped", "ticks", stats.Ticks, "passes", stats.Passes,
		"faces", stats.Faces, "identified", stats.Identified, "skipped", stats.Skipped)
	if err != nil {
		utils.ShowError("Recognition stopped", err, w.Cmd)
		return err
	}
	fmt.Fprintln(os.Stderr, "✨ Stopped.")
	return nil
}
