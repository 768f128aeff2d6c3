// Package pipeline gates the expensive recognition path by wall-clock interval
// while handing every captured frame to the renderer.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/andresmejia3/watchtower/internal/match"
	"github.com/andresmejia3/watchtower/internal/store"
	"github.com/andresmejia3/watchtower/internal/types"
	"github.com/andresmejia3/watchtower/internal/video"
)

// DefaultInterval is the minimum time between two recognition passes.
const DefaultInterval = 500 * time.Millisecond

// Detector finds face boxes in a frame. Zero faces is not an error.
type Detector interface {
	Detect(ctx context.Context, frame types.Frame) ([]types.Region, error)
}

// Embedder turns one face region into an embedding vector.
type Embedder interface {
	Embed(ctx context.Context, frame types.Frame, region types.Region) ([]float64, error)
}

// Analyzer predicts soft biometrics for one face region.
type Analyzer interface {
	Analyze(ctx context.Context, frame types.Frame, region types.Region) (*types.Prediction, error)
}

// DetailsLookup fetches the stored metadata for an identified name.
type DetailsLookup interface {
	FindDetails(ctx context.Context, name string) (*store.PersonDetails, error)
}

// Renderer draws the current overlays on a frame. It is called every tick.
type Renderer interface {
	Render(frame types.Frame, overlays []Overlay) error
}

// FrameSource yields captured frames. video.Source satisfies it.
type FrameSource interface {
	Next(ctx context.Context) (types.Frame, error)
}

// Overlay is what the renderer shows for one face.
type Overlay struct {
	Region     types.Region
	Result     match.Result
	Details    *store.PersonDetails // nil for unknown faces or when nothing is stored
	Prediction *types.Prediction    // nil when analysis is disabled or failed
}

// Label is the display name, "Unknown" when the face was not identified.
func (o Overlay) Label() string {
	if !o.Result.Known {
		return "Unknown"
	}
	return o.Result.Name
}

// Options configures a Coordinator. Zero values fall back to defaults.
type Options struct {
	Interval  time.Duration
	Threshold float64
	Analyzer  Analyzer // optional
	Logger    *slog.Logger
	Clock     func() time.Time

	// MaxDetectFailures stops Run after that many passes in a row fail
	// detection. Zero never stops.
	MaxDetectFailures int
}

// Stats counts what the coordinator has done so far.
type Stats struct {
	Ticks      int
	Passes     int
	Faces      int
	Identified int
	Skipped    int // faces dropped because of inference errors
	DetectErrs int // passes whose detection failed
}

// Coordinator runs the display/recognition loop. It is not safe for
// concurrent use; one coordinator serves one capture stream.
type Coordinator struct {
	detector Detector
	embedder Embedder
	analyzer Analyzer
	matcher  match.Matcher
	details  DetailsLookup
	renderer Renderer

	interval    time.Duration
	threshold   float64
	maxDetFails int
	detFailRun  int
	now         func() time.Time
	log         *slog.Logger

	lastPass  time.Time
	passed    bool
	overlays  []Overlay
	detectErr error
	stats     Stats
}

// New wires a coordinator from its collaborators.
func New(detector Detector, embedder Embedder, matcher match.Matcher, details DetailsLookup, renderer Renderer, opts Options) *Coordinator {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.Threshold <= 0 {
		opts.Threshold = match.DefaultThreshold
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &Coordinator{
		detector:    detector,
		embedder:    embedder,
		analyzer:    opts.Analyzer,
		matcher:     matcher,
		details:     details,
		renderer:    renderer,
		interval:    opts.Interval,
		maxDetFails: opts.MaxDetectFailures,
		threshold:   opts.Threshold,
		now:         opts.Clock,
		log:         opts.Logger,
	}
}

// Overlays returns the results of the most recent recognition pass.
func (c *Coordinator) Overlays() []Overlay {
	return c.overlays
}

// DetectErr returns the detection failure of the most recent pass, or nil.
func (c *Coordinator) DetectErr() error {
	return c.detectErr
}

// Stats returns the running counters.
func (c *Coordinator) Stats() Stats {
	return c.stats
}

// Tick handles one display tick. A recognition pass runs on the first tick
// and whenever the interval has elapsed since the previous pass; every tick
// is rendered with the latest overlays. Storage errors abort the tick and
// are returned; inference and render failures are logged.
func (c *Coordinator) Tick(ctx context.Context, frame types.Frame) (bool, error) {
	c.stats.Ticks++

	now := c.now()
	triggered := !c.passed || now.Sub(c.lastPass) >= c.interval
	if triggered {
		c.lastPass = now
		c.passed = true
		c.stats.Passes++
		if err := c.recognize(ctx, frame); err != nil {
			return true, err
		}
	}

	if c.renderer != nil {
		if err := c.renderer.Render(frame, c.overlays); err != nil {
			c.log.Warn("render failed", "frame", frame.Index, "err", err)
		}
	}
	return triggered, nil
}

// recognize runs detect -> embed -> identify -> details for every face.
func (c *Coordinator) recognize(ctx context.Context, frame types.Frame) error {
	regions, err := c.detector.Detect(ctx, frame)
	c.detectErr = err
	if err != nil {
		c.stats.DetectErrs++
		c.detFailRun++
		// Skip the frame; the previous overlays stay on screen.
		c.log.Warn("detection failed, skipping frame", "frame", frame.Index, "err", err)
		return nil
	}

	c.detFailRun = 0

	overlays := make([]Overlay, 0, len(regions))
	for _, region := range regions {
		c.stats.Faces++
		ov, ok, err := c.face(ctx, frame, region)
		if err != nil {
			return err
		}
		if ok {
			overlays = append(overlays, ov)
		}
	}

	c.overlays = overlays
	c.log.Debug("recognition pass", "frame", frame.Index, "faces", len(regions), "shown", len(overlays))
	return nil
}

func (c *Coordinator) face(ctx context.Context, frame types.Frame, region types.Region) (Overlay, bool, error) {
	vec, err := c.embedder.Embed(ctx, frame, region)
	if err != nil {
		c.stats.Skipped++
		c.log.Warn("embedding failed, skipping face", "frame", frame.Index, "region", region.String(), "err", err)
		return Overlay{}, false, nil
	}

	res, err := c.matcher.Identify(ctx, vec, c.threshold)
	if err != nil {
		return Overlay{}, false, fmt.Errorf("identify face %s: %w", region, err)
	}
	ov := Overlay{Region: region, Result: res}

	if res.Known {
		c.stats.Identified++
		details, err := c.details.FindDetails(ctx, res.Name)
		if err != nil {
			return Overlay{}, false, fmt.Errorf("details for %q: %w", res.Name, err)
		}
		ov.Details = details
	}

	if c.analyzer != nil {
		p, err := c.analyzer.Analyze(ctx, frame, region)
		if err != nil {
			c.log.Warn("analysis failed", "frame", frame.Index, "region", region.String(), "err", err)
		} else {
			ov.Prediction = p
		}
	}
	return ov, true, nil
}

// Run ticks once per frame until the source ends or ctx is cancelled.
// A cancelled context and a closed stream both end the loop without error.
func (c *Coordinator) Run(ctx context.Context, src FrameSource) error {
	for {
		frame, err := src.Next(ctx)
		if err != nil {
			if errors.Is(err, video.ErrClosed) || errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}
		if _, err := c.Tick(ctx, frame); err != nil {
			return err
		}
		if c.maxDetFails > 0 && c.detFailRun >= c.maxDetFails {
			return fmt.Errorf("detection failed %d times in a row: %w", c.detFailRun, c.detectErr)
		}
	}
}
