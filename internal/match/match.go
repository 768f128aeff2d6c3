// Package match identifies a query embedding against the stored gallery.
package match

import (
	"context"
	"fmt"
	"iter"
	"math"
	"strings"

	"github.com/andresmejia3/watchtower/internal/store"
)

// DefaultThreshold is the largest cosine distance still accepted as a match.
const DefaultThreshold = 0.4

// Result is the outcome of one identification. Distance is a cosine
// distance (lower is better), not a similarity percentage.
type Result struct {
	Name     string
	Distance float64
	RecordID int64
	Known    bool
}

// Unknown is the result returned when nothing clears the threshold.
var Unknown = Result{}

func (r Result) String() string {
	if !r.Known {
		return "Unknown"
	}
	return fmt.Sprintf("%s (distance %.4f)", r.Name, r.Distance)
}

// Matcher finds the closest enrolled identity for a query embedding.
type Matcher interface {
	Identify(ctx context.Context, query []float64, threshold float64) (Result, error)
}

// Gallery is the read-only view of the Identity Store a matcher needs.
type Gallery interface {
	ScanAll(ctx context.Context) iter.Seq2[store.Record, error]
	ScanAfter(ctx context.Context, afterID int64) iter.Seq2[store.Record, error]
}

// Kind names a Matcher implementation for configuration.
type Kind string

const (
	KindScan Kind = "scan"
	KindHNSW Kind = "hnsw"
)

// ParseKind validates a matcher name.
func ParseKind(s string) (Kind, error) {
	switch Kind(strings.ToLower(s)) {
	case "", KindScan:
		return KindScan, nil
	case KindHNSW:
		return KindHNSW, nil
	}
	return "", fmt.Errorf("unknown matcher %q (use scan or hnsw)", s)
}

// CosineDistance returns 1 - a.b/(|a||b|). Vectors of different length or
// with zero norm are infinitely far apart.
func CosineDistance(a, b []float64) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return math.Inf(1)
	}
	var dot, normA, normB float64
	for i := range a {
		dot += a[i] * b[i]
		normA += a[i] * a[i]
		normB += b[i] * b[i]
	}
	if normA == 0 || normB == 0 {
		return math.Inf(1)
	}

	// sqrt(x*x) == x exactly, so a vector compared with itself is 0.
	denom := math.Sqrt(normA * normB)
	if math.IsInf(denom, 0) {
		denom = math.Sqrt(normA) * math.Sqrt(normB)
	}
	similarity := dot / denom
	// Clamp to [-1, 1] to handle floating point errors
	if similarity > 1 {
		similarity = 1
	}
	if similarity < -1 {
		similarity = -1
	}
	return 1 - similarity
}

func norm(v []float64) float64 {
	var sum float64
	for _, x := range v {
		sum += x * x
	}
	return math.Sqrt(sum)
}

// decide applies the threshold rule to the best candidate found.
func decide(best Result, threshold float64) Result {
	if !best.Known || best.Distance > threshold {
		return Unknown
	}
	return best
}
