package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/andresmejia3/watchtower/internal/display"
	"github.com/andresmejia3/watchtower/internal/pipeline"
	"github.com/andresmejia3/watchtower/internal/types"
	"github.com/andresmejia3/watchtower/internal/utils"
	"github.com/spf13/cobra"
)

var identifyNoAnalyze bool

var identifyCmd = &cobra.Command{
	Use:   "identify <image_path>",
	Short: "Identify every face in an image against the gallery",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		return runIdentify(cmd.Context(), args[0], !identifyNoAnalyze)
	},
}

func init() {
	identifyCmd.Flags().BoolVar(&identifyNoAnalyze, "no-analyze", false, "Skip age, gender, race and emotion predictions")
	rootCmd.AddCommand(identifyCmd)
}

func runIdentify(ctx context.Context, imagePath string, analyze bool) error {
	if _, err := os.Stat(imagePath); os.IsNotExist(err) {
		utils.ShowError("Input file does not exist", err, nil)
		return err
	}
	imgData, err := os.ReadFile(imagePath)
	if err != nil {
		utils.ShowError("Failed to read image file", err, nil)
		return err
	}

	fmt.Fprintln(os.Stderr, "🚀 Starting AI Engine...")
	w, err := startWorker(ctx, 0, Cfg)
	if err != nil {
		utils.ShowError("Failed to start AI worker", err, nil)
		return err
	}
	defer w.Close()

	opts := pipeline.Options{Threshold: Cfg.Matching.Threshold, Logger: Log}
	if analyze {
		opts.Analyzer = w
	}
	// A still image is a one-frame stream: the first tick always runs a pass.
	coord := pipeline.New(w, w, newMatcher(DB, Cfg.Matching.Matcher, Log), DB, nil, opts)

	fmt.Fprintln(os.Stderr, "🔍 Analyzing faces...")
	frame := types.Frame{Data: imgData}
	if _, err := coord.Tick(ctx, frame); err != nil {
		utils.ShowError("Database search failed", err, nil)
		return err
	}

	if err := coord.DetectErr(); err != nil {
		utils.ShowError("AI processing failed", err, w.Cmd)
		return err
	}
	if coord.Stats().Faces == 0 {
		fmt.Println("❌ No faces detected in the provided image.")
		return nil
	}
	if skipped := coord.Stats().Skipped; skipped > 0 {
		fmt.Printf("⚠️  %d face(s) could not be processed.\n", skipped)
	}
	return display.NewConsole(os.Stdout).Render(frame, coord.Overlays())
}
