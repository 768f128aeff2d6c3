package worker

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/andresmejia3/watchtower/internal/types"
	"github.com/andresmejia3/watchtower/internal/utils" // Using the SafeCommand wrapper
)

// Request op codes understood by the inference worker.
const (
	OpDetect  byte = 'D'
	OpEmbed   byte = 'E'
	OpAnalyze byte = 'A'
)

const (
	statusOK    byte = 0
	statusError byte = 1

	// maxMessage bounds a single reply so a corrupt header can't allocate gigabytes.
	maxMessage = 64 * 1024 * 1024
)

// Config describes how to launch the worker process.
type Config struct {
	Python      string        // interpreter, defaults to python3
	Script      string        // path to the worker script
	ReadTimeout time.Duration // per-reply deadline, 0 disables it
}

// PythonWorker talks to the face model process. It detects faces, extracts
// embeddings and predicts soft biometrics for a region of a JPEG frame.
type PythonWorker struct {
	ID       int
	Cmd      *utils.SafeCommand
	Stdin    io.WriteCloser
	DataPipe io.ReadCloser

	readTimeout time.Duration
	log         *slog.Logger
	mu          sync.Mutex
	broken      error // set once the pipe can no longer be trusted
}

// ErrWorkerBroken is returned for every request after a failed or timed-out
// exchange. A late reply would otherwise be read as the answer to the next
// request.
var ErrWorkerBroken = errors.New("worker is no longer usable")

// NewPythonWorker starts the worker process. It is killed when ctx is done.
func NewPythonWorker(ctx context.Context, id int, cfg Config, logger *slog.Logger) (*PythonWorker, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	python := cfg.Python
	if python == "" {
		python = "python3"
	}

	// 1. Initialize the SafeCommand
	py := utils.NewSafeCommand(ctx, python, "-u", cfg.Script)

	// Create a side-channel pipe (FD 3) for clean data transfer
	r, w, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create pipe: %w", err)
	}
	// Pass the write-end to the child process. It will appear as FD 3.
	py.Cmd.ExtraFiles = []*os.File{w}

	stdin, err := py.StdinPipe()
	if err != nil {
		w.Close() // Prevent FD leak
		r.Close() // Close read-end too!
		return nil, fmt.Errorf("failed to create stdin pipe: %w", err)
	}

	if err := py.Start(); err != nil {
		w.Close() // Close write end if start fails
		r.Close() // Close read-end too!
		return nil, fmt.Errorf("worker %d failed to start: %w", id, err)
	}

	// Close the write-end in the parent so only the child holds it
	w.Close()

	logger.Info("inference worker started", "worker", id, "pid", py.Process.Pid, "script", cfg.Script)
	return &PythonWorker{
		ID:          id,
		Cmd:         py,
		Stdin:       stdin,
		DataPipe:    r,
		readTimeout: cfg.ReadTimeout,
		log:         logger.With("worker", id),
	}, nil
}

// Communicate sends one request and returns the reply payload that follows
// the OK status byte. Any transport failure, including a read timeout, leaves
// the worker broken: the process is killed and later calls fail immediately.
func (w *PythonWorker) Communicate(op byte, data []byte) ([]byte, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.broken != nil {
		return nil, fmt.Errorf("%w: %v", ErrWorkerBroken, w.broken)
	}
	resp, err := w.exchange(op, data)
	if err != nil {
		w.markBroken(err)
		return nil, err
	}

	switch resp[0] {
	case statusOK:
		return resp[1:], nil
	case statusError:
		msg, err := readBlob(bytes.NewReader(resp[1:]))
		if err != nil {
			return nil, fmt.Errorf("malformed error reply: %w", err)
		}
		return nil, fmt.Errorf("python worker error: %s", msg)
	default:
		return nil, fmt.Errorf("unknown reply status %d", resp[0])
	}
}

// exchange writes one framed request and reads one framed reply.
func (w *PythonWorker) exchange(op byte, data []byte) ([]byte, error) {
	// Protocol: [Length][Op][Data]
	if err := binary.Write(w.Stdin, binary.BigEndian, uint32(len(data)+1)); err != nil {
		return nil, err
	}
	if _, err := w.Stdin.Write([]byte{op}); err != nil {
		return nil, err
	}
	if _, err := w.Stdin.Write(data); err != nil {
		return nil, err
	}

	// Pipes from os.Pipe support deadlines; in-memory test pipes don't.
	if d, ok := w.DataPipe.(interface{ SetReadDeadline(time.Time) error }); ok && w.readTimeout > 0 {
		_ = d.SetReadDeadline(time.Now().Add(w.readTimeout))
	}

	// Read Result: [Length][Status][Body]
	header := make([]byte, 4)
	if _, err := io.ReadFull(w.DataPipe, header); err != nil {
		return nil, err // This is where we catch a crashed or stalled worker
	}
	respLen := binary.BigEndian.Uint32(header)
	if respLen == 0 || respLen > maxMessage {
		return nil, fmt.Errorf("invalid reply length %d", respLen)
	}
	resp := make([]byte, respLen)
	if _, err := io.ReadFull(w.DataPipe, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// markBroken kills the process and closes both pipes so a late reply can
// never be matched to a later request.
func (w *PythonWorker) markBroken(err error) {
	w.broken = err
	w.logger().Error("inference worker failed, shutting it down", "err", err)
	w.Stdin.Close()
	w.DataPipe.Close()
	if w.Cmd != nil && w.Cmd.Process != nil {
		_ = w.Cmd.Process.Kill()
	}
}

func (w *PythonWorker) logger() *slog.Logger {
	if w.log == nil {
		return slog.New(slog.DiscardHandler)
	}
	return w.log
}

// Broken reports the failure that made the worker unusable, or nil.
func (w *PythonWorker) Broken() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.broken
}

// Detect returns the face boxes in a frame. Zero faces is not an error.
func (w *PythonWorker) Detect(_ context.Context, frame types.Frame) ([]types.Region, error) {
	resp, err := w.Communicate(OpDetect, frame.Data)
	if err != nil {
		return nil, &types.InferenceError{Op: "detect", Err: err}
	}

	r := bytes.NewReader(resp)
	var count uint32
	if err := binary.Read(r, binary.BigEndian, &count); err != nil {
		return nil, &types.InferenceError{Op: "detect", Err: fmt.Errorf("reading face count: %w", err)}
	}
	if int64(count)*16 > int64(r.Len()) {
		return nil, &types.InferenceError{Op: "detect", Err: fmt.Errorf("reply too short for %d faces", count)}
	}

	regions := make([]types.Region, 0, count)
	for i := uint32(0); i < count; i++ {
		var box [4]int32
		if err := binary.Read(r, binary.BigEndian, &box); err != nil {
			return nil, &types.InferenceError{Op: "detect", Err: err}
		}
		regions = append(regions, types.Region{X: int(box[0]), Y: int(box[1]), W: int(box[2]), H: int(box[3])})
	}
	w.logger().Debug("faces detected", "frame", frame.Index, "count", len(regions))
	return regions, nil
}

// Embed returns the embedding vector for one face region.
func (w *PythonWorker) Embed(_ context.Context, frame types.Frame, region types.Region) ([]float64, error) {
	resp, err := w.Communicate(OpEmbed, regionRequest(frame, region))
	if err != nil {
		return nil, &types.InferenceError{Op: "embed", Err: err}
	}

	r := bytes.NewReader(resp)
	var dim uint32
	if err := binary.Read(r, binary.BigEndian, &dim); err != nil {
		return nil, &types.InferenceError{Op: "embed", Err: fmt.Errorf("reading dimension: %w", err)}
	}
	if dim == 0 || int64(dim)*8 != int64(r.Len()) {
		return nil, &types.InferenceError{Op: "embed", Err: fmt.Errorf("dimension %d does not match %d payload bytes", dim, r.Len())}
	}
	vec := make([]float64, dim)
	if err := binary.Read(r, binary.BigEndian, vec); err != nil {
		return nil, &types.InferenceError{Op: "embed", Err: err}
	}
	return vec, nil
}

// Analyze returns age, gender, race and emotion predictions for one face.
func (w *PythonWorker) Analyze(_ context.Context, frame types.Frame, region types.Region) (*types.Prediction, error) {
	resp, err := w.Communicate(OpAnalyze, regionRequest(frame, region))
	if err != nil {
		return nil, &types.InferenceError{Op: "analyze", Err: err}
	}
	blob, err := readBlob(bytes.NewReader(resp))
	if err != nil {
		return nil, &types.InferenceError{Op: "analyze", Err: err}
	}
	var p types.Prediction
	if err := json.Unmarshal(blob, &p); err != nil {
		return nil, &types.InferenceError{Op: "analyze", Err: fmt.Errorf("malformed prediction: %w", err)}
	}
	return &p, nil
}

// Close shuts the pipes and waits for the process to exit.
func (w *PythonWorker) Close() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.broken == nil {
		w.Stdin.Close()
		w.DataPipe.Close()
	}
	if w.Cmd != nil {
		w.Cmd.Wait()
	}
}

// regionRequest builds [4 x int32 box][JPEG bytes].
func regionRequest(frame types.Frame, region types.Region) []byte {
	buf := bytes.NewBuffer(make([]byte, 0, 16+len(frame.Data)))
	binary.Write(buf, binary.BigEndian, [4]int32{int32(region.X), int32(region.Y), int32(region.W), int32(region.H)})
	buf.Write(frame.Data)
	return buf.Bytes()
}

// readBlob reads a [u32 length][bytes] field.
func readBlob(r *bytes.Reader) ([]byte, error) {
	var n uint32
	if err := binary.Read(r, binary.BigEndian, &n); err != nil {
		return nil, err
	}
	if int64(n) > int64(r.Len()) {
		return nil, fmt.Errorf("blob length %d exceeds %d remaining bytes", n, r.Len())
	}
	blob := make([]byte, n)
	_, err := io.ReadFull(r, blob)
	return blob, err
}
