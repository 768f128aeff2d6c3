package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/andresmejia3/watchtower/internal/logging"
	"github.com/andresmejia3/watchtower/internal/match"
	"github.com/andresmejia3/watchtower/internal/store"
	"gopkg.in/yaml.v3"
)

// Defaults used when neither the environment nor a config file sets a key.
const (
	DefaultGalleryDB     = "facial_db/facial_data.db"
	DefaultCameraDevice  = "/dev/video0"
	DefaultCameraFormat  = "v4l2"
	DefaultWorkerScript  = "python/worker.py"
	DefaultWorkerTimeout = 30 * time.Second
)

type Config struct {
	GalleryDB string // SQLite path, or a postgres:// URL
	Matching  MatchingConfig
	Camera    CameraConfig
	Worker    WorkerConfig
	Log       LogConfig
}

type MatchingConfig struct {
	Threshold     float64
	Interval      time.Duration // time between recognition passes
	Matcher       string        // scan or hnsw
	DetailsPolicy string        // first or latest
}

type CameraConfig struct {
	Device string
	Format string // ffmpeg input format, e.g. v4l2, avfoundation, dshow
}

type WorkerConfig struct {
	Python  string
	Script  string
	Timeout time.Duration
}

type LogConfig struct {
	Level  string
	Format string
}

// fileConfig mirrors Config for YAML. Empty fields leave the value alone.
type fileConfig struct {
	GalleryDB string `yaml:"gallery_db"`
	Matching  struct {
		Threshold     *float64 `yaml:"threshold"`
		Interval      string   `yaml:"interval"`
		Matcher       string   `yaml:"matcher"`
		DetailsPolicy string   `yaml:"details_policy"`
	} `yaml:"matching"`
	Camera struct {
		Device string `yaml:"device"`
		Format string `yaml:"format"`
	} `yaml:"camera"`
	Worker struct {
		Python  string `yaml:"python"`
		Script  string `yaml:"script"`
		Timeout string `yaml:"timeout"`
	} `yaml:"worker"`
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
}

// envString returns the variable or defaultVal when it is unset or empty.
func envString(key, defaultVal string) string {
	if s := os.Getenv(key); s != "" {
		return s
	}
	return defaultVal
}

// envFloat reads an environment variable as a float.
// Returns the default value if the env var is unset or empty.
func envFloat(key string, defaultVal float64) (float64, error) {
	s := os.Getenv(key)
	if s == "" {
		return defaultVal, nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return f, nil
}

// envDuration accepts Go durations ("500ms") or plain seconds ("0.5").
func envDuration(key string, defaultVal time.Duration) (time.Duration, error) {
	s := os.Getenv(key)
	if s == "" {
		return defaultVal, nil
	}
	d, err := parseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}

func parseDuration(s string) (time.Duration, error) {
	if d, err := time.ParseDuration(s); err == nil {
		return d, nil
	}
	secs, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q", s)
	}
	return time.Duration(secs * float64(time.Second)), nil
}

// Load builds the configuration from the environment, then overlays the YAML
// file at path if one is given. Flags are applied by the caller.
func Load(path string) (*Config, error) {
	threshold, err := envFloat("MATCH_THRESHOLD", match.DefaultThreshold)
	if err != nil {
		return nil, err
	}
	interval, err := envDuration("DETECTION_INTERVAL", 500*time.Millisecond)
	if err != nil {
		return nil, err
	}
	timeout, err := envDuration("WORKER_TIMEOUT", DefaultWorkerTimeout)
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		GalleryDB: envString("GALLERY_DB", DefaultGalleryDB),
		Matching: MatchingConfig{
			Threshold:     threshold,
			Interval:      interval,
			Matcher:       envString("MATCHER", string(match.KindScan)),
			DetailsPolicy: envString("DETAILS_POLICY", store.DetailsFirst.String()),
		},
		Camera: CameraConfig{
			Device: envString("CAMERA_DEVICE", DefaultCameraDevice),
			Format: envString("CAMERA_FORMAT", DefaultCameraFormat),
		},
		Worker: WorkerConfig{
			Python:  envString("WORKER_PYTHON", "python3"),
			Script:  envString("WORKER_SCRIPT", DefaultWorkerScript),
			Timeout: timeout,
		},
		Log: LogConfig{
			Level:  envString("LOG_LEVEL", "info"),
			Format: envString("LOG_FORMAT", "text"),
		},
	}

	if path != "" {
		if err := cfg.applyFile(path); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

func (c *Config) applyFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config file: %w", err)
	}
	var f fileConfig
	if err := yaml.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("parsing config file %s: %w", path, err)
	}

	set := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	setDuration := func(dst *time.Duration, v, key string) error {
		if v == "" {
			return nil
		}
		d, err := parseDuration(v)
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		*dst = d
		return nil
	}

	set(&c.GalleryDB, f.GalleryDB)
	if f.Matching.Threshold != nil {
		c.Matching.Threshold = *f.Matching.Threshold
	}
	if err := setDuration(&c.Matching.Interval, f.Matching.Interval, "matching.interval"); err != nil {
		return err
	}
	set(&c.Matching.Matcher, f.Matching.Matcher)
	set(&c.Matching.DetailsPolicy, f.Matching.DetailsPolicy)
	set(&c.Camera.Device, f.Camera.Device)
	set(&c.Camera.Format, f.Camera.Format)
	set(&c.Worker.Python, f.Worker.Python)
	set(&c.Worker.Script, f.Worker.Script)
	if err := setDuration(&c.Worker.Timeout, f.Worker.Timeout, "worker.timeout"); err != nil {
		return err
	}
	set(&c.Log.Level, f.Log.Level)
	set(&c.Log.Format, f.Log.Format)
	return nil
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error
	if c.GalleryDB == "" {
		errs = append(errs, errors.New("gallery database location is empty"))
	}
	if c.Matching.Threshold <= 0 || c.Matching.Threshold > 2 {
		errs = append(errs, fmt.Errorf("match threshold %v must be in (0, 2]", c.Matching.Threshold))
	}
	if c.Matching.Interval <= 0 {
		errs = append(errs, fmt.Errorf("detection interval %v must be positive", c.Matching.Interval))
	}
	if _, err := match.ParseKind(c.Matching.Matcher); err != nil {
		errs = append(errs, err)
	}
	if _, err := store.ParseDetailsPolicy(c.Matching.DetailsPolicy); err != nil {
		errs = append(errs, err)
	}
	if c.Worker.Timeout < 0 {
		errs = append(errs, fmt.Errorf("worker timeout %v must not be negative", c.Worker.Timeout))
	}
	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
