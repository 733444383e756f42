package capture

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/loqalabs/loqa-sign/internal/frame"
	"github.com/mattn/go-shellwords"
)

const openTimeout = 10 * time.Second

// ExecDevice runs an external command that writes raw RGB24 frames of the
// configured size to stdout, for example
// `ffmpeg -f v4l2 -video_size 1280x720 -i /dev/video0 -f rawvideo -pix_fmt rgb24 -`.
type ExecDevice struct {
	cmd    []string
	width  int
	height int
}

func NewExecDevice(command string, width, height int) (*ExecDevice, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse capture command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("capture command empty")
	}
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("capture size %dx%d invalid", width, height)
	}
	return &ExecDevice{cmd: args, width: width, height: height}, nil
}

// Open starts the command and waits for its first frame.
func (d *ExecDevice) Open(ctx context.Context) (Stream, error) {
	if _, err := exec.LookPath(d.cmd[0]); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDeviceUnavailable, err)
	}
	procCtx, cancel := context.WithCancel(context.Background())
	cmd := exec.CommandContext(procCtx, d.cmd[0], d.cmd[1:]...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("%w: stdout pipe: %v", ErrDeviceUnavailable, err)
	}
	stderr := &lockedBuffer{}
	cmd.Stderr = stderr
	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("%w: start: %v", classifyStartError(err), err)
	}

	s := &execStream{
		width:  d.width,
		height: d.height,
		cancel: cancel,
		stderr: stderr,
		notify: make(chan struct{}),
		done:   make(chan struct{}),
	}
	go s.read(cmd, stdout)

	waitCtx, stop := context.WithTimeout(ctx, openTimeout)
	defer stop()
	if _, err := s.waitNewer(waitCtx, 0); err != nil {
		s.Close()
		if errors.Is(err, ErrStreamClosed) {
			return nil, s.failure()
		}
		return nil, fmt.Errorf("%w: no frame received: %v", ErrDeviceUnavailable, err)
	}
	return s, nil
}

type execStream struct {
	width  int
	height int
	cancel context.CancelFunc
	stderr *lockedBuffer

	mu     sync.Mutex
	latest frame.RawFrame
	seen   int64
	notify chan struct{}
	done   chan struct{}
	closed bool
}

func (s *execStream) read(cmd *exec.Cmd, stdout io.Reader) {
	defer close(s.done)
	size := s.width * s.height * 3
	buf := make([]byte, size)
	var seq int64
	for {
		if _, err := io.ReadFull(stdout, buf); err != nil {
			break
		}
		seq++
		img := rgbToNRGBA(buf, s.width, s.height)
		s.mu.Lock()
		s.latest = frame.RawFrame{Image: img, Sequence: seq, Captured: time.Now()}
		close(s.notify)
		s.notify = make(chan struct{})
		s.mu.Unlock()
	}
	_ = cmd.Wait()
}

func (s *execStream) waitNewer(ctx context.Context, after int64) (frame.RawFrame, error) {
	for {
		s.mu.Lock()
		latest := s.latest
		notify := s.notify
		s.mu.Unlock()
		if latest.Sequence > after {
			return latest, nil
		}
		select {
		case <-notify:
		case <-s.done:
			return frame.RawFrame{}, ErrStreamClosed
		case <-ctx.Done():
			return frame.RawFrame{}, ctx.Err()
		}
	}
}

func (s *execStream) Frame(ctx context.Context) (frame.RawFrame, error) {
	s.mu.Lock()
	after := s.seen
	s.mu.Unlock()
	f, err := s.waitNewer(ctx, after)
	if err != nil {
		return f, err
	}
	s.mu.Lock()
	if f.Sequence > s.seen {
		s.seen = f.Sequence
	}
	s.mu.Unlock()
	return f, nil
}

func (s *execStream) Size() (int, int) { return s.width, s.height }

func (s *execStream) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	s.cancel()
	<-s.done
	return nil
}

func (s *execStream) failure() error {
	msg := strings.TrimSpace(s.stderr.String())
	lower := strings.ToLower(msg)
	if strings.Contains(lower, "permission denied") || strings.Contains(lower, "not authorized") {
		return fmt.Errorf("%w: %s", ErrPermissionDenied, msg)
	}
	if msg == "" {
		msg = "capture command exited"
	}
	return fmt.Errorf("%w: %s", ErrDeviceUnavailable, msg)
}

func classifyStartError(err error) error {
	if errors.Is(err, exec.ErrNotFound) {
		return ErrDeviceUnavailable
	}
	if strings.Contains(strings.ToLower(err.Error()), "permission denied") {
		return ErrPermissionDenied
	}
	return ErrDeviceUnavailable
}

func rgbToNRGBA(rgb []byte, width, height int) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, width, height))
	for i, j := 0, 0; i < len(rgb); i, j = i+3, j+4 {
		img.Pix[j] = rgb[i]
		img.Pix[j+1] = rgb[i+1]
		img.Pix[j+2] = rgb[i+2]
		img.Pix[j+3] = 0xff
	}
	return img
}

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.buf.Len() > 64<<10 {
		return len(p), nil
	}
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
