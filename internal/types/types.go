package types

import (
	"fmt"
	"time"
)

// Frame is a single captured JPEG frame.
type Frame struct {
	Index int
	Time  time.Time
	Data  []byte
}

// Region is a face bounding box in frame pixel coordinates.
type Region struct {
	X, Y, W, H int
}

// Area returns the box area, used to pick the dominant face in a still image.
func (r Region) Area() int {
	return r.W * r.H
}

func (r Region) String() string {
	return fmt.Sprintf("(%d,%d %dx%d)", r.X, r.Y, r.W, r.H)
}

// Prediction holds the soft-biometric guesses for one face.
type Prediction struct {
	Age     float64            `json:"age"`
	Gender  map[string]float64 `json:"gender"` // e.g. {"Man": 2.8, "Woman": 97.2}
	Race    string             `json:"dominant_race"`
	Emotion string             `json:"dominant_emotion"`
}

// DominantGender formats the most likely gender with its probability,
// e.g. "Female (97.20%)".
func (p Prediction) DominantGender() string {
	if len(p.Gender) == 0 {
		return "Unknown"
	}
	woman := p.Gender["Woman"]
	man := p.Gender["Man"]
	if woman > man {
		return fmt.Sprintf("Female (%.2f%%)", woman)
	}
	return fmt.Sprintf("Male (%.2f%%)", man)
}

// InferenceError is returned when the external detector, embedder or
// analyzer fails. It is always recoverable by skipping the face or frame.
type InferenceError struct {
	Op  string
	Err error
}

func (e *InferenceError) Error() string {
	return fmt.Sprintf("inference: %s: %v", e.Op, e.Err)
}

func (e *InferenceError) Unwrap() error {
	return e.Err
}
