// Package capture provides camera frame sources.
package capture

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/andresmejia3/rollcall/internal/apperr"
	"github.com/andresmejia3/rollcall/internal/logging"
	"github.com/andresmejia3/rollcall/internal/utils"
)

const megabyte = 1024 * 1024

// Camera yields encoded JPEG frames until closed.
type Camera interface {
	Read(ctx context.Context) ([]byte, error)
	Close() error
}

// stream turns an MJPEG byte stream into frames. Only the newest unread frame is kept so a slow
// poller never sees stale images.
type stream struct {
	src         io.ReadCloser
	stop        func() error
	readTimeout time.Duration

	latest chan []byte
	done   chan struct{}
	err    error

	closeOnce sync.Once
	closeErr  error
}

func newStream(src io.ReadCloser, stop func() error, readTimeout time.Duration) *stream {
	s := &stream{
		src:         src,
		stop:        stop,
		readTimeout: readTimeout,
		latest:      make(chan []byte, 1),
		done:        make(chan struct{}),
	}
	go s.pump()
	return s
}

func (s *stream) pump() {
	defer close(s.done)

	scanner := bufio.NewScanner(s.src)
	scanner.Buffer(make([]byte, megabyte), 16*megabyte)
	scanner.Split(utils.SplitJpeg)

	for scanner.Scan() {
		s.offer(append([]byte(nil), scanner.Bytes()...))
	}
	s.err = scanner.Err()
}

// offer replaces any unread frame with frame without blocking.
func (s *stream) offer(frame []byte) {
	for {
		select {
		case s.latest <- frame:
			return
		default:
		}
		select {
		case <-s.latest:
		default:
		}
	}
}

// Read returns the newest frame, waiting up to the read timeout for one to arrive.
func (s *stream) Read(ctx context.Context) ([]byte, error) {
	if s.readTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.readTimeout)
		defer cancel()
	}

	select {
	case frame := <-s.latest:
		return frame, nil
	default:
	}

	select {
	case frame := <-s.latest:
		return frame, nil
	case <-s.done:
		select {
		case frame := <-s.latest:
			return frame, nil
		default:
		}
		if s.err != nil {
			return nil, fmt.Errorf("camera stream: %w: %w", apperr.ErrNoFrame, s.err)
		}
		return nil, fmt.Errorf("camera stream ended: %w", apperr.ErrNoFrame)
	case <-ctx.Done():
		return nil, fmt.Errorf("waiting for frame: %w: %w", apperr.ErrNoFrame, ctx.Err())
	}
}

// Close stops the source and releases the device.
func (s *stream) Close() error {
	s.closeOnce.Do(func() {
		s.src.Close()
		if s.stop != nil {
			s.closeErr = s.stop()
		}
		<-s.done
	})
	return s.closeErr
}

// OpenFFmpeg starts FFmpeg on camera index and waits up to openTimeout for the first frame.
func OpenFFmpeg(ctx context.Context, index int, opts Options) (Camera, error) {
	cmd := utils.NewCameraCmd(index, opts.Width, opts.Height, opts.FPS)
	out, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("camera %d: stdout pipe: %w", index, err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("camera %d: start ffmpeg: %w", index, err)
	}

	stop := func() error {
		if cmd.Process != nil {
			_ = cmd.Process.Kill()
		}
		_ = cmd.Wait()
		return nil
	}
	s := newStream(out, stop, opts.ReadTimeout)

	timeout := opts.OpenTimeout
	if timeout <= 0 {
		timeout = DefaultOptions().OpenTimeout
	}
	warmCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	first, err := s.Read(warmCtx)
	if err != nil {
		s.Close()
		if cmd.Stderr.Len() > 0 {
			err = fmt.Errorf("%w: %s", err, strings.TrimSpace(cmd.Stderr.String()))
		}
		return nil, fmt.Errorf("camera %d: %w", index, err)
	}
	// Put the first frame back so the first poll is not delayed.
	s.offer(first)
	return s, nil
}

// Options configure camera acquisition.
type Options struct {
	Indices     []int
	Width       int
	Height      int
	FPS         int
	OpenTimeout time.Duration
	ReadTimeout time.Duration
}

// DefaultOptions tries the first three devices.
func DefaultOptions() Options {
	return Options{
		Indices:     []int{0, 1, 2},
		Width:       640,
		Height:      480,
		FPS:         15,
		OpenTimeout: 5 * time.Second,
		ReadTimeout: 2 * time.Second,
	}
}

// OpenFunc opens a single camera index.
type OpenFunc func(ctx context.Context, index int, opts Options) (Camera, error)

// Opener acquires the first camera that produces a frame.
type Opener struct {
	Options Options
	Open    OpenFunc
	Logger  *slog.Logger
}

// NewOpener returns an FFmpeg-backed opener.
func NewOpener(opts Options, logger *slog.Logger) *Opener {
	return &Opener{Options: opts, Open: OpenFFmpeg, Logger: logging.OrDefault(logger)}
}

// Acquire tries every configured index in order and returns apperr.ErrNoCamera if none opens.
func (o *Opener) Acquire(ctx context.Context) (Camera, int, error) {
	indices := o.Options.Indices
	if len(indices) == 0 {
		indices = DefaultOptions().Indices
	}

	logger := logging.OrDefault(o.Logger)

	var errs []error
	for _, idx := range indices {
		if err := ctx.Err(); err != nil {
			return nil, -1, err
		}
		cam, err := o.Open(ctx, idx, o.Options)
		if err == nil {
			logger.Info("camera opened", slog.Int("index", idx))
			return cam, idx, nil
		}
		logger.Debug("camera index unavailable", slog.Int("index", idx), slog.Any("error", err))
		errs = append(errs, err)
	}
	return nil, -1, fmt.Errorf("tried indices %v: %w: %w", indices, apperr.ErrNoCamera, errors.Join(errs...))
}

// FileCamera replays still images from disk, one per Read. It stands in for a device when
// testing a deployment.
type FileCamera struct {
	mu    sync.Mutex
	paths []string
	next  int
	loop  bool
}

// NewFileCamera serves every .jpg/.jpeg file in dir in name order. With loop set it restarts
// after the last file; otherwise it reports apperr.ErrNoFrame.
func NewFileCamera(dir string, loop bool) (*FileCamera, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read frames dir: %w", err)
	}
	var paths []string
	for _, e := range entries {
		ext := strings.ToLower(filepath.Ext(e.Name()))
		if !e.IsDir() && (ext == ".jpg" || ext == ".jpeg") {
			paths = append(paths, filepath.Join(dir, e.Name()))
		}
	}
	if len(paths) == 0 {
		return nil, fmt.Errorf("no jpeg frames in %s: %w", dir, apperr.ErrNoCamera)
	}
	sort.Strings(paths)
	return &FileCamera{paths: paths, loop: loop}, nil
}

// Read returns the next file's contents.
func (f *FileCamera) Read(ctx context.Context) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.next >= len(f.paths) {
		if !f.loop {
			return nil, apperr.ErrNoFrame
		}
		f.next = 0
	}
	path := f.paths[f.next]
	f.next++

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w: %w", path, apperr.ErrNoFrame, err)
	}
	return data, nil
}

// Close is a no-op.
func (f *FileCamera) Close() error { return nil }
