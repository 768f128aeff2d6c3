package cmd

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/andresmejia3/watchtower/internal/match"
	"github.com/andresmejia3/watchtower/internal/store"
	"github.com/andresmejia3/watchtower/internal/types"
	"github.com/andresmejia3/watchtower/internal/video"
)

// stubWorker returns canned regions and one embedding per region X.
type stubWorker struct {
	regions    []types.Region
	embeddings map[int][]float64
	embedded   []types.Region
}

func (s *stubWorker) Detect(_ context.Context, _ types.Frame) ([]types.Region, error) {
	return s.regions, nil
}

func (s *stubWorker) Embed(_ context.Context, _ types.Frame, r types.Region) ([]float64, error) {
	s.embedded = append(s.embedded, r)
	vec, ok := s.embeddings[r.X]
	if !ok {
		return nil, &types.InferenceError{Op: "embed", Err: errors.New("no embedding")}
	}
	return vec, nil
}

func openTestStore(t *testing.T) store.Store {
	t.Helper()
	db, err := store.Open(context.Background(), filepath.Join(t.TempDir(), "gallery.db"), store.Options{})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func writeFile(t *testing.T, path string) {
	t.Helper()
	if err := os.WriteFile(path, []byte{0xFF, 0xD8, 0xFF, 0xD9}, 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestValidateEnrollFlags(t *testing.T) {
	tmpDir := t.TempDir()
	img := filepath.Join(tmpDir, "alice.jpg")
	writeFile(t, img)

	tests := []struct {
		name    string
		args    []string
		opts    enrollOptions
		wantErr bool
	}{
		{"Valid single image", []string{img}, enrollOptions{Name: "Alice"}, false},
		{"Missing name", []string{img}, enrollOptions{}, true},
		{"Blank name", []string{img}, enrollOptions{Name: "  "}, true},
		{"Negative age", []string{img}, enrollOptions{Name: "Alice", Age: -3}, true},
		{"Input file does not exist", []string{"nonexistent.jpg"}, enrollOptions{Name: "Alice"}, true},
		{"Input is directory", []string{tmpDir}, enrollOptions{Name: "Alice"}, true},
		{"Nothing to enroll", nil, enrollOptions{Name: "Alice"}, true},
		{"Valid dir", nil, enrollOptions{Dir: tmpDir}, false},
		{"Dir and image", []string{img}, enrollOptions{Dir: tmpDir}, true},
		{"Dir and name", nil, enrollOptions{Dir: tmpDir, Name: "Alice"}, true},
		{"Dir is a file", nil, enrollOptions{Dir: img}, true},
		{"Negative age with dir", nil, enrollOptions{Dir: tmpDir, Age: -5}, true},
		{"Valid camera", nil, enrollOptions{Camera: true, Name: "Alice"}, false},
		{"Camera without name", nil, enrollOptions{Camera: true}, true},
		{"Camera and image", []string{img}, enrollOptions{Camera: true, Name: "Alice"}, true},
		{"Camera and dir", nil, enrollOptions{Camera: true, Dir: tmpDir}, true},
		{"Negative age with camera", nil, enrollOptions{Camera: true, Name: "Alice", Age: -1}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := validateEnrollFlags(tt.args, tt.opts); (err != nil) != tt.wantErr {
				t.Errorf("validateEnrollFlags() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestNameFromFile(t *testing.T) {
	tests := []struct {
		path string
		want string
	}{
		{"sample_images/Brad_Pitt.jpg", "Brad Pitt"},
		{"/tmp/Shaquille_O'Neal.JPEG", "Shaquille O'Neal"},
		{"alice.png", "alice"},
		{"dir/_Will_Smith_.jpg", "Will Smith"},
	}
	for _, tt := range tests {
		if got := nameFromFile(tt.path); got != tt.want {
			t.Errorf("nameFromFile(%q) = %q, want %q", tt.path, got, tt.want)
		}
	}
}

func TestLargestFace(t *testing.T) {
	regions := []types.Region{
		{X: 1, W: 10, H: 10},
		{X: 2, W: 30, H: 20},
		{X: 3, W: 20, H: 30}, // same area as X=2, first wins
	}
	if got := largestFace(regions); got.X != 2 {
		t.Errorf("Expected the region at X=2, got %v", got)
	}
}

func TestListImages(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"b.jpg", "a.PNG", "notes.txt", "c.jpeg"} {
		writeFile(t, filepath.Join(dir, name))
	}
	if err := os.Mkdir(filepath.Join(dir, "sub.jpg"), 0o755); err != nil {
		t.Fatal(err)
	}

	files, err := listImages(dir)
	if err != nil {
		t.Fatal(err)
	}
	var names []string
	for _, f := range files {
		names = append(names, filepath.Base(f))
	}
	if got := strings.Join(names, ","); got != "a.PNG,b.jpg,c.jpeg" {
		t.Errorf("Unexpected images %q", got)
	}
}

func TestEnrollImageUsesLargestFace(t *testing.T) {
	db := openTestStore(t)
	img := filepath.Join(t.TempDir(), "group.jpg")
	writeFile(t, img)

	w := &stubWorker{
		regions:    []types.Region{{X: 1, W: 10, H: 10}, {X: 2, W: 50, H: 50}},
		embeddings: map[int][]float64{1: {0, 1, 0}, 2: {1, 0, 0}},
	}
	age := 29
	ctx := context.Background()
	id, err := enrollImage(ctx, w, db, img, "Alice", store.Metadata{Gender: "female", Age: &age})
	if err != nil {
		t.Fatalf("enrollImage failed: %v", err)
	}
	if len(w.embedded) != 1 || w.embedded[0].X != 2 {
		t.Errorf("Expected only the largest face embedded, got %v", w.embedded)
	}

	res, err := match.NewScanner(db, nil).Identify(ctx, []float64{1, 0, 0}, match.DefaultThreshold)
	if err != nil {
		t.Fatal(err)
	}
	if res.Name != "Alice" || res.RecordID != id || res.Distance != 0 {
		t.Errorf("Expected (Alice, 0) for record %d, got %+v", id, res)
	}

	details, err := db.FindDetails(ctx, "Alice")
	if err != nil || details == nil || details.Age == nil || *details.Age != 29 {
		t.Errorf("Expected stored age 29, got %+v, %v", details, err)
	}
}

func TestEnrollImageNoFace(t *testing.T) {
	db := openTestStore(t)
	img := filepath.Join(t.TempDir(), "empty.jpg")
	writeFile(t, img)

	_, err := enrollImage(context.Background(), &stubWorker{}, db, img, "Nobody", store.Metadata{})
	if !errors.Is(err, errNoFace) {
		t.Errorf("Expected errNoFace, got %v", err)
	}
}

func TestConfirm(t *testing.T) {
	tests := []struct {
		input string
		want  bool
	}{
		{"y\n", true},
		{"YES\n", true},
		{"n\n", false},
		{"\n", false},
		{"", false},
	}
	for _, tt := range tests {
		var out bytes.Buffer
		got := confirm(bufio.NewReader(strings.NewReader(tt.input)), &out, "Drop?")
		if got != tt.want {
			t.Errorf("confirm(%q) = %v, want %v", tt.input, got, tt.want)
		}
		if !strings.Contains(out.String(), "[y/N]") {
			t.Errorf("Expected prompt, got %q", out.String())
		}
	}
}

func TestNewMatcher(t *testing.T) {
	db := openTestStore(t)
	if _, ok := newMatcher(db, "hnsw", Log).(*match.Indexed); !ok {
		t.Error("Expected hnsw to select the indexed matcher")
	}
	if _, ok := newMatcher(db, "scan", Log).(*match.Scanner); !ok {
		t.Error("Expected scan to select the scanner")
	}
}

func TestDimension(t *testing.T) {
	db := openTestStore(t)
	ctx := context.Background()
	if _, err := db.Insert(ctx, "Alice", store.Metadata{}, make([]float64, 128)); err != nil {
		t.Fatal(err)
	}
	for rec, err := range db.ScanAll(ctx) {
		if err != nil {
			t.Fatal(err)
		}
		if got := dimension(rec.Embedding); got != "128" {
			t.Errorf("dimension() = %q, want 128", got)
		}
	}
	if got := dimension("garbage"); got != "corrupt" {
		t.Errorf("dimension(garbage) = %q, want corrupt", got)
	}
}

// frameSource replays a fixed list of frames, then reports a closed stream.
type frameSource struct {
	frames []types.Frame
	read   int
}

func (f *frameSource) Next(_ context.Context) (types.Frame, error) {
	if f.read >= len(f.frames) {
		return types.Frame{}, video.ErrClosed
	}
	frame := f.frames[f.read]
	f.read++
	return frame, nil
}

// frameWorker detects faces only in the frames listed in faces.
type frameWorker struct {
	faces map[int][]types.Region
	vec   []float64
}

func (w *frameWorker) Detect(_ context.Context, f types.Frame) ([]types.Region, error) {
	return w.faces[f.Index], nil
}

func (w *frameWorker) Embed(_ context.Context, _ types.Frame, _ types.Region) ([]float64, error) {
	return w.vec, nil
}

func cameraFrames(n int) []types.Frame {
	frames := make([]types.Frame, n)
	for i := range frames {
		frames[i] = types.Frame{Index: i, Data: []byte{0xFF, 0xD8, byte(i), 0xFF, 0xD9}}
	}
	return frames
}

func TestEnrollFromCameraSkipsEmptyFrames(t *testing.T) {
	db := openTestStore(t)
	ctx := context.Background()
	src := &frameSource{frames: cameraFrames(5)}
	w := &frameWorker{
		faces: map[int][]types.Region{2: {{X: 1, W: 10, H: 10}, {X: 2, W: 40, H: 40}}},
		vec:   []float64{0, 0, 1},
	}

	id, err := enrollFromCamera(ctx, src, w, db, "Carol", store.Metadata{}, 10)
	if err != nil {
		t.Fatalf("enrollFromCamera failed: %v", err)
	}
	if src.read != 3 {
		t.Errorf("Expected capture to stop at the first frame with a face, read %d frames", src.read)
	}

	res, err := match.NewScanner(db, nil).Identify(ctx, []float64{0, 0, 1}, match.DefaultThreshold)
	if err != nil {
		t.Fatal(err)
	}
	if res.Name != "Carol" || res.RecordID != id {
		t.Errorf("Expected Carol for record %d, got %+v", id, res)
	}
}

func TestEnrollFromCameraGivesUp(t *testing.T) {
	db := openTestStore(t)
	src := &frameSource{frames: cameraFrames(10)}

	_, err := enrollFromCamera(context.Background(), src, &frameWorker{}, db, "Nobody", store.Metadata{}, 4)
	if !errors.Is(err, errNoFace) {
		t.Errorf("Expected errNoFace after exhausting attempts, got %v", err)
	}
	if src.read != 4 {
		t.Errorf("Expected exactly 4 frames read, got %d", src.read)
	}
}

func TestEnrollFromCameraStreamEnds(t *testing.T) {
	db := openTestStore(t)
	src := &frameSource{frames: cameraFrames(1)}

	_, err := enrollFromCamera(context.Background(), src, &frameWorker{}, db, "Nobody", store.Metadata{}, 5)
	if !errors.Is(err, video.ErrClosed) {
		t.Errorf("Expected ErrClosed when the camera stops, got %v", err)
	}
}
