package match

import (
	"context"
	"log/slog"
	"math"

	"github.com/andresmejia3/watchtower/internal/codec"
)

// Scanner compares the query against every stored record on each call.
// It is O(N) in gallery size and keeps no state between calls.
type Scanner struct {
	gallery Gallery
	log     *slog.Logger
}

// NewScanner returns a full-scan matcher over gallery.
func NewScanner(gallery Gallery, logger *slog.Logger) *Scanner {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Scanner{gallery: gallery, log: logger}
}

// Identify visits every record, skipping ones that fail to decode or whose
// dimension differs from the query, and returns the global minimum distance
// if it is within threshold. Ties keep the first record in scan order.
// Storage errors abort the scan and are returned as-is.
func (s *Scanner) Identify(ctx context.Context, query []float64, threshold float64) (Result, error) {
	best := Result{Distance: math.Inf(1)}
	var scanned, skipped int

	for rec, err := range s.gallery.ScanAll(ctx) {
		if err != nil {
			return Unknown, err
		}
		scanned++

		vec, err := codec.DecodeVector(rec.Embedding)
		if err != nil {
			skipped++
			s.log.Warn("skipping undecodable embedding", "id", rec.ID, "name", rec.Name, "err", err)
			continue
		}
		if len(vec) != len(query) {
			skipped++
			s.log.Debug("skipping embedding with different dimension", "id", rec.ID, "dim", len(vec), "query_dim", len(query))
			continue
		}

		if d := CosineDistance(query, vec); d < best.Distance {
			best = Result{Name: rec.Name, Distance: d, RecordID: rec.ID, Known: true}
		}
	}

	result := decide(best, threshold)
	s.log.Debug("scan complete", "scanned", scanned, "skipped", skipped, "result", result.String(), "best_distance", best.Distance)
	return result, nil
}
