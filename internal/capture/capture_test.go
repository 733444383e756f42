package capture

import (
	"context"
	"errors"
	"image"
	"image/color"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/disintegration/imaging"
	"github.com/loqalabs/loqa-sign/internal/config"
)

func TestNewSelectsBackend(t *testing.T) {
	dev, err := New(config.CaptureConfig{Mode: "mock", Width: 64, Height: 48})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := dev.(*MockDevice); !ok {
		t.Fatalf("expected mock device, got %T", dev)
	}
	if _, err := New(config.CaptureConfig{Mode: "webrtc"}); err == nil {
		t.Fatal("expected error for unknown mode")
	}
}

func TestMockStreamSequence(t *testing.T) {
	ctx := context.Background()
	dev := NewMockDevice(64, 48)
	stream, err := dev.Open(ctx)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer stream.Close()

	if w, h := stream.Size(); w != 64 || h != 48 {
		t.Fatalf("expected 64x48, got %dx%d", w, h)
	}
	first, err := stream.Frame(ctx)
	if err != nil {
		t.Fatalf("frame: %v", err)
	}
	second, err := stream.Frame(ctx)
	if err != nil {
		t.Fatalf("frame: %v", err)
	}
	if second.Sequence <= first.Sequence {
		t.Fatalf("expected increasing sequence, got %d then %d", first.Sequence, second.Sequence)
	}
	if first.Width() != 64 || first.Height() != 48 {
		t.Fatalf("unexpected frame size %dx%d", first.Width(), first.Height())
	}
	if dev.Opens() != 1 {
		t.Fatalf("expected one open, got %d", dev.Opens())
	}
}

func TestMockStreamEnds(t *testing.T) {
	ctx := context.Background()
	dev := NewMockDevice(8, 8)
	dev.MaxFrames = 2
	stream, err := dev.Open(ctx)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	for i := 0; i < 2; i++ {
		if _, err := stream.Frame(ctx); err != nil {
			t.Fatalf("frame %d: %v", i, err)
		}
	}
	if _, err := stream.Frame(ctx); !errors.Is(err, ErrStreamClosed) {
		t.Fatalf("expected ErrStreamClosed, got %v", err)
	}
}

func TestMockOpenError(t *testing.T) {
	dev := NewMockDevice(8, 8)
	dev.OpenErr = ErrPermissionDenied
	if _, err := dev.Open(context.Background()); !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("expected ErrPermissionDenied, got %v", err)
	}
}

func TestStillDevice(t *testing.T) {
	path := filepath.Join(t.TempDir(), "frame.png")
	img := imaging.New(40, 30, color.NRGBA{R: 10, G: 20, B: 30, A: 255})
	if err := imaging.Save(img, path); err != nil {
		t.Fatalf("save: %v", err)
	}
	ctx := context.Background()
	stream, err := NewStillDevice(path).Open(ctx)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer stream.Close()
	if w, h := stream.Size(); w != 40 || h != 30 {
		t.Fatalf("expected 40x30, got %dx%d", w, h)
	}
	f, err := stream.Frame(ctx)
	if err != nil {
		t.Fatalf("frame: %v", err)
	}
	r, g, b, _ := f.Image.At(5, 5).RGBA()
	if r>>8 != 10 || g>>8 != 20 || b>>8 != 30 {
		t.Fatalf("unexpected pixel %d,%d,%d", r>>8, g>>8, b>>8)
	}
	stream.Close()
	if _, err := stream.Frame(ctx); !errors.Is(err, ErrStreamClosed) {
		t.Fatalf("expected ErrStreamClosed after close, got %v", err)
	}
}

func TestStillDeviceMissingFile(t *testing.T) {
	_, err := NewStillDevice(filepath.Join(t.TempDir(), "absent.png")).Open(context.Background())
	if !errors.Is(err, ErrDeviceUnavailable) {
		t.Fatalf("expected ErrDeviceUnavailable, got %v", err)
	}
}

func requireShell(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("requires /bin/sh")
	}
}

func TestExecDeviceReadsFrames(t *testing.T) {
	requireShell(t)
	dev, err := NewExecDevice(`sh -c 'head -c 24 /dev/zero'`, 2, 2)
	if err != nil {
		t.Fatalf("new exec device: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	stream, err := dev.Open(ctx)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer stream.Close()

	f, err := stream.Frame(ctx)
	if err != nil {
		t.Fatalf("frame: %v", err)
	}
	img, ok := f.Image.(*image.NRGBA)
	if !ok {
		t.Fatalf("expected NRGBA, got %T", f.Image)
	}
	if img.Bounds().Dx() != 2 || img.Bounds().Dy() != 2 {
		t.Fatalf("unexpected bounds %v", img.Bounds())
	}
	if img.Pix[3] != 0xff || img.Pix[0] != 0 {
		t.Fatalf("unexpected pixel %v", img.Pix[:4])
	}

	for i := 0; i < 3; i++ {
		if _, err = stream.Frame(ctx); err != nil {
			break
		}
	}
	if !errors.Is(err, ErrStreamClosed) {
		t.Fatalf("expected stream to end, got %v", err)
	}
}

func TestExecDevicePermissionDenied(t *testing.T) {
	requireShell(t)
	dev, err := NewExecDevice(`sh -c 'echo "/dev/video0: Permission denied" >&2; exit 1'`, 2, 2)
	if err != nil {
		t.Fatalf("new exec device: %v", err)
	}
	if _, err := dev.Open(context.Background()); !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("expected ErrPermissionDenied, got %v", err)
	}
}

func TestExecDeviceMissingBinary(t *testing.T) {
	dev, err := NewExecDevice("loqa-sign-no-such-camera-binary", 2, 2)
	if err != nil {
		t.Fatalf("new exec device: %v", err)
	}
	if _, err := dev.Open(context.Background()); !errors.Is(err, ErrDeviceUnavailable) {
		t.Fatalf("expected ErrDeviceUnavailable, got %v", err)
	}
}

func TestRGBToNRGBA(t *testing.T) {
	img := rgbToNRGBA([]byte{1, 2, 3, 4, 5, 6}, 2, 1)
	want := []byte{1, 2, 3, 255, 4, 5, 6, 255}
	for i := range want {
		if img.Pix[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, img.Pix)
		}
	}
}
