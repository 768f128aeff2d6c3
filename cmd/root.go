package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/andresmejia3/watchtower/internal/config"
	"github.com/andresmejia3/watchtower/internal/logging"
	"github.com/andresmejia3/watchtower/internal/match"
	"github.com/andresmejia3/watchtower/internal/store"
	"github.com/andresmejia3/watchtower/internal/worker"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

// Options holds the flag overrides shared by every command.
type Options struct {
	ConfigPath     string
	GalleryDB      string
	MatchThreshold float64
	Matcher        string
	DetailsPolicy  string
	WorkerScript   string
	LogLevel       string
	LogFormat      string
}

var (
	// DB is the gallery store shared by subcommands
	DB store.Store
	// Cfg is the resolved configuration (env, then config file, then flags)
	Cfg *config.Config
	// Log is the structured logger handed to every component
	Log = logging.Discard()

	rootOpts Options
)

// Version is the application version.
const Version = "0.1.0"

var rootCmd = &cobra.Command{
	Use:     "watchtower",
	Short:   "Live webcam face identification against a local gallery",
	Version: Version, // This enables the --version flag
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := resolveConfig(cmd, rootOpts)
		if err != nil {
			return err
		}
		Cfg = cfg

		Log, err = logging.New(os.Stderr, cfg.Log.Level, cfg.Log.Format)
		if err != nil {
			return err
		}

		policy, _ := store.ParseDetailsPolicy(cfg.Matching.DetailsPolicy) // checked by Validate
		// Use the command's context (which will be cancellable) for the connection
		DB, err = store.Open(cmd.Context(), cfg.GalleryDB, store.Options{Logger: Log, Details: policy})
		if err != nil {
			return fmt.Errorf("failed to open gallery: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if DB != nil {
			DB.Close()
		}
	},
}

func Execute() {
	// Create a context that listens for Ctrl+C (SIGINT) or Kill (SIGTERM)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// This tells Cobra not to print the version in the help text, which is cleaner.
	rootCmd.SetVersionTemplate(`{{printf "%s\n" .Version}}`)

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initEnv)

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&rootOpts.ConfigPath, "config", "", "YAML config file (default: $WATCHTOWER_CONFIG)")
	flags.StringVar(&rootOpts.GalleryDB, "db", "", "Gallery location: SQLite path or postgres:// URL (default: "+config.DefaultGalleryDB+")")
	flags.Float64VarP(&rootOpts.MatchThreshold, "threshold", "t", match.DefaultThreshold, "Maximum cosine distance accepted as a match")
	flags.StringVar(&rootOpts.Matcher, "matcher", "scan", "Matching engine: scan or hnsw")
	flags.StringVar(&rootOpts.DetailsPolicy, "details", "first", "Which enrollment answers a details lookup: first or latest")
	flags.StringVar(&rootOpts.WorkerScript, "worker", config.DefaultWorkerScript, "Path to the Python inference worker")
	flags.StringVar(&rootOpts.LogLevel, "log-level", "info", "Log level: debug, info, warn, error")
	flags.StringVar(&rootOpts.LogFormat, "log-format", "text", "Log format: text or json")
}

func initEnv() {
	// .env file is optional, don't fail if not found
	_ = godotenv.Load()
}

// resolveConfig loads env and file settings, applies any flags the user set,
// and validates the result.
func resolveConfig(cmd *cobra.Command, opts Options) (*config.Config, error) {
	path := opts.ConfigPath
	if path == "" {
		path = os.Getenv("WATCHTOWER_CONFIG")
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}

	flags := cmd.Flags()
	if flags.Changed("db") {
		cfg.GalleryDB = opts.GalleryDB
	}
	if flags.Changed("threshold") {
		cfg.Matching.Threshold = opts.MatchThreshold
	}
	if flags.Changed("matcher") {
		cfg.Matching.Matcher = opts.Matcher
	}
	if flags.Changed("details") {
		cfg.Matching.DetailsPolicy = opts.DetailsPolicy
	}
	if flags.Changed("worker") {
		cfg.Worker.Script = opts.WorkerScript
	}
	if flags.Changed("log-level") {
		cfg.Log.Level = opts.LogLevel
	}
	if flags.Changed("log-format") {
		cfg.Log.Format = opts.LogFormat
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// newMatcher builds the configured matching engine over the gallery.
func newMatcher(gallery match.Gallery, kind string, logger *slog.Logger) match.Matcher {
	k, _ := match.ParseKind(kind) // checked by Validate
	if k == match.KindHNSW {
		return match.NewIndexed(gallery, logger)
	}
	return match.NewScanner(gallery, logger)
}

// startWorker launches the inference worker described by the config.
func startWorker(ctx context.Context, id int, cfg *config.Config) (*worker.PythonWorker, error) {
	if _, err := os.Stat(cfg.Worker.Script); err != nil {
		return nil, fmt.Errorf("worker script: %w", err)
	}
	return worker.NewPythonWorker(ctx, id, worker.Config{
		Python:      cfg.Worker.Python,
		Script:      cfg.Worker.Script,
		ReadTimeout: cfg.Worker.Timeout,
	}, Log)
}

// fmtTime formats a stored timestamp for tables.
func fmtTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04")
}
