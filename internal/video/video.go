// Package video turns an MJPEG byte stream into discrete frames.
package video

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"time"

	"github.com/andresmejia3/watchtower/internal/types"
	"github.com/andresmejia3/watchtower/internal/utils"
)

// maxFrameSize bounds a single JPEG so a stream without markers can't grow the buffer forever.
const maxFrameSize = 16 * 1024 * 1024

// ErrClosed is returned by Next once the stream has ended.
var ErrClosed = errors.New("video: stream closed")

// Source yields JPEG frames in capture order.
type Source struct {
	scanner *bufio.Scanner
	closer  io.Closer
	cmd     *exec.Cmd
	now     func() time.Time
	index   int
}

// NewSource reads frames from r. If r is also an io.Closer it is closed by Close.
func NewSource(r io.Reader) *Source {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 1024*1024), maxFrameSize)
	scanner.Split(utils.SplitJpeg)

	s := &Source{scanner: scanner, now: time.Now}
	if c, ok := r.(io.Closer); ok {
		s.closer = c
	}
	return s
}

// OpenCamera starts ffmpeg on a capture device and returns a Source over its stdout.
// The process is killed when ctx is done or Close is called.
func OpenCamera(ctx context.Context, format, device string, logger *slog.Logger) (*Source, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	cmd := utils.NewFFmpegCaptureCmd(ctx, format, device)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("ffmpeg stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start ffmpeg on %s: %w", device, err)
	}
	logger.Info("camera opened", "device", device, "format", format, "pid", cmd.Process.Pid)

	s := NewSource(stdout)
	s.cmd = cmd
	return s, nil
}

// Next blocks until the next complete frame is available.
// ctx is only checked between frames; a blocked read is released by Close.
func (s *Source) Next(ctx context.Context) (types.Frame, error) {
	if err := ctx.Err(); err != nil {
		return types.Frame{}, err
	}
	if !s.scanner.Scan() {
		if err := s.scanner.Err(); err != nil {
			return types.Frame{}, fmt.Errorf("reading frame %d: %w", s.index, err)
		}
		return types.Frame{}, ErrClosed
	}

	// The scanner reuses its buffer, so the frame gets its own copy.
	data := make([]byte, len(s.scanner.Bytes()))
	copy(data, s.scanner.Bytes())

	f := types.Frame{Index: s.index, Time: s.now(), Data: data}
	s.index++
	return f, nil
}

// Close stops the capture process, if any, and releases the stream.
func (s *Source) Close() error {
	var err error
	if s.closer != nil {
		err = s.closer.Close()
	}
	if s.cmd != nil {
		if s.cmd.Process != nil {
			_ = s.cmd.Process.Kill()
		}
		_ = s.cmd.Wait()
	}
	return err
}
