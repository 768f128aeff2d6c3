package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/andresmejia3/watchtower/internal/pipeline"
	"github.com/andresmejia3/watchtower/internal/store"
	"github.com/andresmejia3/watchtower/internal/types"
	"github.com/andresmejia3/watchtower/internal/utils"
	"github.com/andresmejia3/watchtower/internal/video"
	"github.com/andresmejia3/watchtower/internal/worker"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
)

type enrollOptions struct {
	Name      string
	Gender    string
	Age       int
	Ethnicity string
	Dir       string
	Camera    bool
	Device    string
	Format    string
}

var enrollOpts enrollOptions

var imageExts = []string{".jpg", ".jpeg", ".png", ".bmp", ".webp"}

var errNoFace = errors.New("no face detected")

// cameraAttempts is how many frames enroll --camera reads looking for a face.
const cameraAttempts = 30

var enrollCmd = &cobra.Command{
	Use:   "enroll [image_path]",
	Short: "Add a face to the gallery",
	Long: `Enroll the largest face in an image under --name, every image in --dir,
or a frame grabbed from the camera with --camera.
In --dir mode the name comes from the file name: Brad_Pitt.jpg enrolls "Brad Pitt".`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := validateEnrollFlags(args, enrollOpts); err != nil {
			return err
		}
		cmd.SilenceUsage = true

		meta := store.Metadata{Gender: enrollOpts.Gender, Ethnicity: enrollOpts.Ethnicity}
		if cmd.Flags().Changed("age") {
			age := enrollOpts.Age
			meta.Age = &age
		}

		if enrollOpts.Dir != "" {
			return runEnrollDir(cmd.Context(), enrollOpts.Dir, meta)
		}
		if enrollOpts.Camera {
			if cmd.Flags().Changed("device") {
				Cfg.Camera.Device = enrollOpts.Device
			}
			if cmd.Flags().Changed("format") {
				Cfg.Camera.Format = enrollOpts.Format
			}
			return runEnrollCamera(cmd.Context(), enrollOpts.Name, meta)
		}
		return runEnroll(cmd.Context(), args[0], enrollOpts.Name, meta)
	},
}

func init() {
	enrollCmd.Flags().StringVarP(&enrollOpts.Name, "name", "n", "", "Name of the person in the image")
	enrollCmd.Flags().StringVar(&enrollOpts.Gender, "gender", "", "Optional gender to store")
	enrollCmd.Flags().IntVar(&enrollOpts.Age, "age", 0, "Optional age to store")
	enrollCmd.Flags().StringVar(&enrollOpts.Ethnicity, "ethnicity", "", "Optional ethnicity to store")
	enrollCmd.Flags().StringVar(&enrollOpts.Dir, "dir", "", "Enroll every image in a directory, named after the file")
	enrollCmd.Flags().BoolVar(&enrollOpts.Camera, "camera", false, "Enroll a face captured from the camera")
	enrollCmd.Flags().StringVar(&enrollOpts.Device, "device", "/dev/video0", "Camera device for --camera")
	enrollCmd.Flags().StringVar(&enrollOpts.Format, "format", "v4l2", "ffmpeg input format for --camera")
	rootCmd.AddCommand(enrollCmd)
}

func validateEnrollFlags(args []string, opts enrollOptions) error {
	if opts.Age < 0 {
		return fmt.Errorf("--age must not be negative, got %d", opts.Age)
	}

	if opts.Dir != "" {
		if len(args) > 0 || opts.Camera {
			return errors.New("use only one of an image path, --dir or --camera")
		}
		if opts.Name != "" {
			return errors.New("--name cannot be used with --dir; names come from file names")
		}
		info, err := os.Stat(opts.Dir)
		if err != nil {
			return fmt.Errorf("directory does not exist: %s", opts.Dir)
		}
		if !info.IsDir() {
			return fmt.Errorf("--dir is not a directory: %s", opts.Dir)
		}
		return nil
	}

	if strings.TrimSpace(opts.Name) == "" {
		return errors.New("--name is required")
	}

	if opts.Camera {
		if len(args) > 0 {
			return errors.New("use only one of an image path, --dir or --camera")
		}
		return nil
	}

	if len(args) == 0 {
		return errors.New("an image path, --dir or --camera is required")
	}
	info, err := os.Stat(args[0])
	if err != nil {
		return fmt.Errorf("input file does not exist: %s", args[0])
	}
	if info.IsDir() {
		return fmt.Errorf("input path is a directory, not a file: %s", args[0])
	}
	return nil
}

func runEnroll(ctx context.Context, imagePath, name string, meta store.Metadata) error {
	fmt.Fprintln(os.Stderr, "🚀 Starting AI Engine...")
	w, err := startWorker(ctx, 0, Cfg)
	if err != nil {
		utils.ShowError("Failed to start AI worker", err, nil)
		return err
	}
	defer w.Close()

	fmt.Fprintf(os.Stderr, "🧬 Enrolling %s...\n", name)
	id, err := enrollImage(ctx, w, DB, imagePath, name, meta)
	if err != nil {
		var storeErr *store.Error
		if errors.As(err, &storeErr) {
			utils.ShowError("Failed to save face", err, nil)
		} else {
			utils.ShowError("Failed to process image", err, w.Cmd)
		}
		return err
	}

	fmt.Printf("✅ Enrolled %s (record %d)\n", name, id)
	return nil
}

func runEnrollDir(ctx context.Context, dir string, meta store.Metadata) error {
	files, err := listImages(dir)
	if err != nil {
		utils.ShowError("Failed to read directory", err, nil)
		return err
	}
	if len(files) == 0 {
		fmt.Println("❌ No images found in", dir)
		return nil
	}

	fmt.Fprintln(os.Stderr, "🚀 Starting AI Engine...")
	w, err := startWorker(ctx, 0, Cfg)
	if err != nil {
		utils.ShowError("Failed to start AI worker", err, nil)
		return err
	}
	defer w.Close()

	bar := progressbar.NewOptions(len(files),
		progressbar.OptionSetDescription("🧬 Enrolling"),
		progressbar.OptionSetWriter(os.Stderr), // Write bar to Stderr
		progressbar.OptionShowCount(),
	)

	var enrolled int
	var failures []string
	for _, path := range files {
		if ctx.Err() != nil {
			break
		}
		name := nameFromFile(path)
		if _, err := enrollImage(ctx, w, DB, path, name, meta); err != nil {
			var storeErr *store.Error
			if errors.As(err, &storeErr) {
				// The gallery itself is failing; nothing after this will succeed.
				bar.Finish()
				utils.ShowError("Failed to save face", err, nil)
				return err
			}
			Log.Warn("skipping image", "path", path, "err", err)
			failures = append(failures, fmt.Sprintf("%s: %v", filepath.Base(path), err))
		} else {
			enrolled++
		}
		bar.Add(1)
	}
	bar.Finish()

	fmt.Printf("\n✅ Enrolled %d of %d images\n", enrolled, len(files))
	for _, f := range failures {
		fmt.Printf("⚠️  %s\n", f)
	}
	return ctx.Err()
}

func runEnrollCamera(ctx context.Context, name string, meta store.Metadata) error {
	fmt.Fprintln(os.Stderr, "🚀 Starting AI Engine...")
	w, err := startWorker(ctx, 0, Cfg)
	if err != nil {
		utils.ShowError("Failed to start AI worker", err, nil)
		return err
	}
	defer w.Close()

	fmt.Fprintf(os.Stderr, "📷 Opening camera %s...\n", Cfg.Camera.Device)
	src, err := video.OpenCamera(ctx, Cfg.Camera.Format, Cfg.Camera.Device, Log)
	if err != nil {
		utils.ShowError("Failed to open camera", err, nil)
		return err
	}
	defer src.Close()

	fmt.Fprintf(os.Stderr, "🧬 Look at the camera, enrolling %s...\n", name)
	id, err := enrollFromCamera(ctx, src, w, DB, name, meta, cameraAttempts)
	if err != nil {
		var storeErr *store.Error
		if errors.As(err, &storeErr) {
			utils.ShowError("Failed to save face", err, nil)
		} else {
			utils.ShowError("Failed to capture a face", err, w.Cmd)
		}
		return err
	}

	fmt.Printf("✅ Enrolled %s (record %d)\n", name, id)
	return nil
}

// enrollFromCamera reads up to attempts frames and enrolls the largest face
// of the first frame that has one.
func enrollFromCamera(ctx context.Context, src pipeline.FrameSource, w faceWorker, db store.Store, name string, meta store.Metadata, attempts int) (int64, error) {
	for i := 0; i < attempts; i++ {
		frame, err := src.Next(ctx)
		if err != nil {
			return 0, fmt.Errorf("reading camera frame: %w", err)
		}
		id, err := enrollFrame(ctx, w, db, frame, name, meta)
		if errors.Is(err, errNoFace) {
			continue
		}
		return id, err
	}
	return 0, fmt.Errorf("%w in %d camera frames", errNoFace, attempts)
}

// faceWorker is the part of the inference worker enrollment needs.
type faceWorker interface {
	Detect(ctx context.Context, frame types.Frame) ([]types.Region, error)
	Embed(ctx context.Context, frame types.Frame, region types.Region) ([]float64, error)
}

var _ faceWorker = (*worker.PythonWorker)(nil)

// enrollImage embeds the largest face in the image and stores it under name.
func enrollImage(ctx context.Context, w faceWorker, db store.Store, imagePath, name string, meta store.Metadata) (int64, error) {
	imgData, err := os.ReadFile(imagePath)
	if err != nil {
		return 0, err
	}
	return enrollFrame(ctx, w, db, types.Frame{Data: imgData}, name, meta)
}

// enrollFrame embeds the largest face in frame and stores it under name.
func enrollFrame(ctx context.Context, w faceWorker, db store.Store, frame types.Frame, name string, meta store.Metadata) (int64, error) {
	regions, err := w.Detect(ctx, frame)
	if err != nil {
		return 0, err
	}
	if len(regions) == 0 {
		return 0, errNoFace
	}
	if len(regions) > 1 {
		Log.Info("multiple faces detected, using the largest", "frame", frame.Index, "count", len(regions))
	}

	vec, err := w.Embed(ctx, frame, largestFace(regions))
	if err != nil {
		return 0, err
	}
	return db.Insert(ctx, name, meta, vec)
}

// largestFace picks the region with the biggest area; the first wins ties.
func largestFace(regions []types.Region) types.Region {
	best := regions[0]
	for _, r := range regions[1:] {
		if r.Area() > best.Area() {
			best = r
		}
	}
	return best
}

// nameFromFile turns "Shaquille_O'Neal.jpg" into "Shaquille O'Neal".
func nameFromFile(path string) string {
	base := filepath.Base(path)
	stem := strings.TrimSuffix(base, filepath.Ext(base))
	return strings.TrimSpace(strings.ReplaceAll(stem, "_", " "))
}

func listImages(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var files []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if slices.Contains(imageExts, strings.ToLower(filepath.Ext(e.Name()))) {
			files = append(files, filepath.Join(dir, e.Name()))
		}
	}
	// ReadDir already sorts by name
	return files, nil
}
