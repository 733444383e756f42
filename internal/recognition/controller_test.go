package recognition_test

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/loqalabs/loqa-sign/internal/announce"
	"github.com/loqalabs/loqa-sign/internal/capture"
	"github.com/loqalabs/loqa-sign/internal/display"
	"github.com/loqalabs/loqa-sign/internal/frame"
	"github.com/loqalabs/loqa-sign/internal/inference"
	"github.com/loqalabs/loqa-sign/internal/labels"
	"github.com/loqalabs/loqa-sign/internal/protocol"
	"github.com/loqalabs/loqa-sign/internal/recognition"
	. "github.com/smartystreets/goconvey/convey"
)

const inputSize = 8

var catalog = labels.New([]string{"hello", "yes", "no", "help"})

func scores(label string, confidence float32) []float32 {
	out := make([]float32, catalog.Len())
	rest := (1 - confidence) / float32(catalog.Len()-1)
	for i, l := range catalog.Labels() {
		out[i] = rest
		if l == label {
			out[i] = confidence
		}
	}
	return out
}

// scriptedClassifier serves one scripted prediction per call; a nil entry
// fails that call. With a gate, each call blocks until the test releases it.
// Past the end of the script it blocks until ctx is done.
type scriptedClassifier struct {
	mu      sync.Mutex
	script  [][]float32
	calls   int
	waiting int
	closed  bool
	gate    chan struct{}
}

func (s *scriptedClassifier) Infer(ctx context.Context, _ *frame.Tensor) (inference.Prediction, error) {
	s.mu.Lock()
	s.waiting++
	s.mu.Unlock()
	if s.gate != nil {
		select {
		case <-s.gate:
		case <-ctx.Done():
			return inference.Prediction{}, fmt.Errorf("%w: %v", inference.ErrInference, ctx.Err())
		}
	}
	s.mu.Lock()
	i := s.calls
	s.calls++
	s.mu.Unlock()
	if i >= len(s.script) {
		<-ctx.Done()
		return inference.Prediction{}, fmt.Errorf("%w: %v", inference.ErrInference, ctx.Err())
	}
	if s.script[i] == nil {
		return inference.Prediction{}, fmt.Errorf("%w: scripted failure", inference.ErrInference)
	}
	return inference.NewPrediction(catalog, s.script[i])
}

func (s *scriptedClassifier) InputShape() []int64 { return []int64{1, inputSize, inputSize, 3} }

func (s *scriptedClassifier) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *scriptedClassifier) waitingCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.waiting
}

func (s *scriptedClassifier) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

type recordDisplay struct {
	mu             sync.Mutex
	labels         []string
	transcriptions []string
	status         map[string]string
}

func newRecordDisplay() *recordDisplay {
	return &recordDisplay{status: make(map[string]string)}
}

func (r *recordDisplay) ShowLabel(_ context.Context, text string, _ int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.labels = append(r.labels, text)
}

func (r *recordDisplay) ShowTranscription(_ context.Context, text string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transcriptions = append(r.transcriptions, text)
}

func (r *recordDisplay) ShowStatus(_ context.Context, source, text string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.status[source] = text
}

func (r *recordDisplay) labelLog() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.labels)
}

func (r *recordDisplay) transcriptLog() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.transcriptions)
}

func (r *recordDisplay) statusOf(source string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status[source]
}

type recordSpeaker struct {
	mu     sync.Mutex
	spoken []string
}

func (r *recordSpeaker) Speak(_ context.Context, text string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.spoken = append(r.spoken, text)
}

func (r *recordSpeaker) Cancel() {}

func (r *recordSpeaker) log() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.spoken)
}

type recordStore struct {
	mu         sync.Mutex
	sessions   []string
	ended      []string
	detections []protocol.Detection
}

func (r *recordStore) BeginSession(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions = append(r.sessions, id)
	return nil
}

func (r *recordStore) EndSession(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ended = append(r.ended, id)
	return nil
}

func (r *recordStore) AppendDetection(_ context.Context, d protocol.Detection) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.detections = append(r.detections, d)
	return nil
}

func (r *recordStore) snapshot() ([]string, []string, []protocol.Detection) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.sessions), slices.Clone(r.ended), slices.Clone(r.detections)
}

func eventually(cond func() bool) bool {
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(2 * time.Millisecond)
	}
	return cond()
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

type logBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *logBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *logBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// blankFirstDevice opens streams whose first frame has no pixels.
type blankFirstDevice struct {
	*capture.MockDevice
}

func (d blankFirstDevice) Open(ctx context.Context) (capture.Stream, error) {
	stream, err := d.MockDevice.Open(ctx)
	if err != nil {
		return nil, err
	}
	return &blankFirstStream{Stream: stream}, nil
}

type blankFirstStream struct {
	capture.Stream
	served bool
}

func (s *blankFirstStream) Frame(ctx context.Context) (frame.RawFrame, error) {
	if !s.served {
		s.served = true
		return frame.RawFrame{Image: image.NewNRGBA(image.Rect(0, 0, 0, 0)), Sequence: 1}, nil
	}
	return s.Stream.Frame(ctx)
}

type harness struct {
	ctrl       *recognition.Controller
	device     *capture.MockDevice
	classifier *scriptedClassifier
	display    *recordDisplay
	speaker    *recordSpeaker
	store      *recordStore
	loadErr    error
	cancel     context.CancelFunc
	done       chan struct{}
}

func newHarness(classifier *scriptedClassifier) *harness {
	device := capture.NewMockDevice(32, 24)
	return newHarnessWith(classifier, device, device, discardLogger())
}

func newHarnessWith(classifier *scriptedClassifier, mock *capture.MockDevice, device capture.Device, logger *slog.Logger) *harness {
	h := &harness{
		device:     mock,
		classifier: classifier,
		display:    newRecordDisplay(),
		speaker:    &recordSpeaker{},
		store:      &recordStore{},
		done:       make(chan struct{}),
	}
	h.ctrl = recognition.New(recognition.Options{
		Device: device,
		Loader: func(context.Context) (inference.Classifier, error) {
			if h.loadErr != nil {
				return nil, h.loadErr
			}
			return h.classifier, nil
		},
		InputSize:     inputSize,
		Threshold:     0.8,
		Refresh:       time.Millisecond,
		Display:       h.display,
		Speaker:       h.speaker,
		SpeechEnabled: true,
		Recorder:      h.store,
	}, logger)

	var ctx context.Context
	ctx, h.cancel = context.WithCancel(context.Background())
	go func() {
		defer close(h.done)
		_ = h.ctrl.Run(ctx)
	}()
	return h
}

func (h *harness) close() {
	h.cancel()
	<-h.done
}

func TestRecognitionLoop(t *testing.T) {
	Convey("Given a controller with a loaded model", t, func() {
		ctx := context.Background()
		classifier := &scriptedClassifier{script: [][]float32{
			scores("hello", 0.9),
			scores("hello", 0.95),
			scores("no", 0.4),
			scores("yes", 0.85),
		}}
		h := newHarness(classifier)
		Reset(h.close)
		So(h.ctrl.LoadModel(ctx), ShouldBeNil)
		So(h.display.statusOf(display.SourceModel), ShouldEqual, "Model Loaded")

		Convey("When recognition runs over the reference stream", func() {
			So(h.ctrl.Start(ctx), ShouldBeNil)
			So(eventually(func() bool { return len(h.display.labelLog()) >= 5 }), ShouldBeTrue)

			Convey("Then each decision is announced once, in order", func() {
				So(h.display.labelLog()[:5], ShouldResemble, []string{
					"Analyzing...", "hello", "hello", "Unrecognized (no)", "yes",
				})
				So(h.speaker.log(), ShouldResemble, []string{"hello", "yes"})
				So(h.display.transcriptLog(), ShouldResemble, []string{"Listening...", "hello", "yes"})
				So(h.display.statusOf(display.SourceCamera), ShouldEqual, "Camera: Active")
			})

			Convey("Then new detections are recorded in the session", func() {
				So(eventually(func() bool { _, _, d := h.store.snapshot(); return len(d) == 2 }), ShouldBeTrue)
				sessions, _, detections := h.store.snapshot()
				So(sessions, ShouldHaveLength, 1)
				So(detections[0].Label, ShouldEqual, "hello")
				So(detections[0].SessionID, ShouldEqual, sessions[0])
				So(detections[1].Label, ShouldEqual, "yes")
			})

			Convey("Then stopping shows the paused status and ends the session", func() {
				So(h.ctrl.Stop(ctx), ShouldBeNil)
				So(h.ctrl.Stop(ctx), ShouldBeNil)
				shown := h.display.labelLog()
				So(shown[len(shown)-1], ShouldEqual, "Recognition Paused")
				transcripts := h.display.transcriptLog()
				So(transcripts[len(transcripts)-1], ShouldEqual, "Paused.")
				_, ended, _ := h.store.snapshot()
				So(ended, ShouldHaveLength, 1)

				status, err := h.ctrl.Status(ctx)
				So(err, ShouldBeNil)
				So(status.Running, ShouldBeFalse)
				So(status.CameraActive, ShouldBeTrue)
				So(status.LastAnnounced, ShouldBeEmpty)
			})
		})

		Convey("When the controller shuts down", func() {
			So(h.ctrl.Start(ctx), ShouldBeNil)
			h.close()

			Convey("Then the model is released and calls fail", func() {
				So(classifier.isClosed(), ShouldBeTrue)
				So(h.ctrl.Start(ctx), ShouldEqual, recognition.ErrClosed)
			})
		})
	})
}

func TestStopAndRestart(t *testing.T) {
	Convey("Given a running controller whose inference is gated", t, func() {
		ctx := context.Background()
		classifier := &scriptedClassifier{
			script: [][]float32{
				scores("hello", 0.9),
				scores("yes", 0.9),
				scores("hello", 0.9),
			},
			gate: make(chan struct{}),
		}
		h := newHarness(classifier)
		Reset(h.close)
		So(h.ctrl.LoadModel(ctx), ShouldBeNil)
		So(h.ctrl.Start(ctx), ShouldBeNil)

		classifier.gate <- struct{}{}
		So(eventually(func() bool { return len(h.speaker.log()) == 1 }), ShouldBeTrue)
		So(eventually(func() bool { return classifier.waitingCalls() == 2 }), ShouldBeTrue)

		Convey("When it is stopped and restarted while an inference is pending", func() {
			So(h.ctrl.Stop(ctx), ShouldBeNil)
			So(h.ctrl.Start(ctx), ShouldBeNil)

			status, err := h.ctrl.Status(ctx)
			So(err, ShouldBeNil)
			So(status.InferencePending, ShouldBeTrue)

			classifier.gate <- struct{}{}
			So(eventually(func() bool { return classifier.waitingCalls() == 3 }), ShouldBeTrue)
			classifier.gate <- struct{}{}

			Convey("Then the stale result is dropped and the same sign is announced again", func() {
				So(eventually(func() bool { return len(h.speaker.log()) == 2 }), ShouldBeTrue)
				So(h.speaker.log(), ShouldResemble, []string{"hello", "hello"})
				So(h.display.labelLog(), ShouldNotContain, "yes")
				So(h.device.Opens(), ShouldEqual, 1)
			})
		})
	})
}

func TestTypedText(t *testing.T) {
	Convey("Given a running controller with an inference pending", t, func() {
		ctx := context.Background()
		classifier := &scriptedClassifier{
			script: [][]float32{
				scores("help", 0.95),
				scores("hello", 0.9),
			},
			gate: make(chan struct{}),
		}
		h := newHarness(classifier)
		Reset(h.close)
		So(h.ctrl.LoadModel(ctx), ShouldBeNil)
		So(h.ctrl.Start(ctx), ShouldBeNil)
		So(eventually(func() bool { return classifier.waitingCalls() == 1 }), ShouldBeTrue)

		Convey("When text is typed", func() {
			So(h.ctrl.SpeakText(ctx, "  hello "), ShouldBeNil)

			Convey("Then it is announced without waiting for inference", func() {
				So(h.speaker.log(), ShouldResemble, []string{"hello"})
				shown := h.display.labelLog()
				So(shown[len(shown)-1], ShouldEqual, "Typed: hello")
				transcripts := h.display.transcriptLog()
				So(transcripts[len(transcripts)-1], ShouldEqual, "Typed: hello")
				_, _, detections := h.store.snapshot()
				So(detections, ShouldHaveLength, 1)
				So(detections[0].Typed, ShouldBeTrue)
			})

			Convey("Then the pending result is dropped and a live echo is a repeat", func() {
				classifier.gate <- struct{}{}
				So(eventually(func() bool { return classifier.waitingCalls() == 2 }), ShouldBeTrue)
				classifier.gate <- struct{}{}
				So(eventually(func() bool {
					shown := h.display.labelLog()
					return shown[len(shown)-1] == "hello"
				}), ShouldBeTrue)
				So(h.display.labelLog(), ShouldNotContain, "help")
				So(h.speaker.log(), ShouldResemble, []string{"hello"})
			})
		})

		Convey("When blank text is typed", func() {
			err := h.ctrl.SpeakText(ctx, "   ")

			Convey("Then it is rejected without side effects", func() {
				So(errors.Is(err, announce.ErrEmptyInput), ShouldBeTrue)
				So(h.speaker.log(), ShouldBeEmpty)
			})
		})

		Convey("When speech is disabled", func() {
			h.ctrl.SetSpeechEnabled(false)
			So(h.ctrl.SpeakText(ctx, "yes"), ShouldBeNil)

			Convey("Then text is still shown", func() {
				So(h.speaker.log(), ShouldBeEmpty)
				transcripts := h.display.transcriptLog()
				So(transcripts[len(transcripts)-1], ShouldEqual, "Typed: yes")
			})
		})
	})
}

func TestStartPreconditions(t *testing.T) {
	Convey("Given a controller", t, func() {
		ctx := context.Background()
		classifier := &scriptedClassifier{}
		h := newHarness(classifier)
		Reset(h.close)

		Convey("When it is started without a model", func() {
			err := h.ctrl.Start(ctx)

			Convey("Then the request is rejected and the controller stays stopped", func() {
				So(errors.Is(err, recognition.ErrModelNotLoaded), ShouldBeTrue)
				status, err := h.ctrl.Status(ctx)
				So(err, ShouldBeNil)
				So(status.Running, ShouldBeFalse)
				So(h.device.Opens(), ShouldEqual, 0)
			})
		})

		Convey("When the model fails to load", func() {
			h.loadErr = fmt.Errorf("%w: missing file", inference.ErrModelLoad)
			err := h.ctrl.LoadModel(ctx)

			Convey("Then the failure is reported and loading can be retried", func() {
				So(errors.Is(err, inference.ErrModelLoad), ShouldBeTrue)
				So(h.display.statusOf(display.SourceModel), ShouldEqual, "Load Model (Failed)")
				h.loadErr = nil
				So(h.ctrl.LoadModel(ctx), ShouldBeNil)
				So(h.ctrl.LoadModel(ctx), ShouldBeNil)
				status, err := h.ctrl.Status(ctx)
				So(err, ShouldBeNil)
				So(status.ModelLoaded, ShouldBeTrue)
			})
		})

		Convey("When the camera refuses access", func() {
			So(h.ctrl.LoadModel(ctx), ShouldBeNil)
			h.device.OpenErr = capture.ErrPermissionDenied
			err := h.ctrl.Start(ctx)

			Convey("Then start fails with a camera status and can be retried", func() {
				So(errors.Is(err, capture.ErrPermissionDenied), ShouldBeTrue)
				So(h.display.statusOf(display.SourceCamera), ShouldEqual, "Camera: Failed")
				status, err := h.ctrl.Status(ctx)
				So(err, ShouldBeNil)
				So(status.Running, ShouldBeFalse)

				h.device.OpenErr = nil
				So(h.ctrl.Start(ctx), ShouldBeNil)
				So(h.display.statusOf(display.SourceCamera), ShouldEqual, "Camera: Active")
			})
		})
	})
}

func TestStreamEnd(t *testing.T) {
	Convey("Given a camera that delivers a single frame", t, func() {
		ctx := context.Background()
		classifier := &scriptedClassifier{script: [][]float32{scores("hello", 0.9)}}
		h := newHarness(classifier)
		Reset(h.close)
		h.device.MaxFrames = 1
		So(h.ctrl.LoadModel(ctx), ShouldBeNil)
		So(h.ctrl.Start(ctx), ShouldBeNil)

		Convey("When the stream ends", func() {
			stopped := eventually(func() bool {
				status, err := h.ctrl.Status(ctx)
				return err == nil && !status.Running
			})

			Convey("Then the loop stops and releases the camera", func() {
				So(stopped, ShouldBeTrue)
				So(h.speaker.log(), ShouldResemble, []string{"hello"})
				So(h.display.statusOf(display.SourceCamera), ShouldEqual, "Camera: Failed")
				status, err := h.ctrl.Status(ctx)
				So(err, ShouldBeNil)
				So(status.CameraActive, ShouldBeFalse)
			})
		})
	})
}

func TestSkippedCycles(t *testing.T) {
	Convey("Given a running controller whose first inferences fail", t, func() {
		ctx := context.Background()
		logs := &logBuffer{}
		logger := slog.New(slog.NewTextHandler(logs, &slog.HandlerOptions{Level: slog.LevelInfo}))
		classifier := &scriptedClassifier{script: [][]float32{
			nil,
			nil,
			scores("hello", 0.9),
		}}
		device := capture.NewMockDevice(32, 24)
		h := newHarnessWith(classifier, device, device, logger)
		Reset(h.close)
		So(h.ctrl.LoadModel(ctx), ShouldBeNil)
		So(h.ctrl.Start(ctx), ShouldBeNil)

		Convey("When the loop keeps ticking", func() {
			announced := eventually(func() bool { return len(h.speaker.log()) == 1 })

			Convey("Then the failed cycles are skipped and the next prediction is announced", func() {
				So(announced, ShouldBeTrue)
				So(h.speaker.log(), ShouldResemble, []string{"hello"})
				status, err := h.ctrl.Status(ctx)
				So(err, ShouldBeNil)
				So(status.Running, ShouldBeTrue)
			})

			Convey("Then a repeated failure is warned about once", func() {
				So(announced, ShouldBeTrue)
				So(strings.Count(logs.String(), "level=WARN msg=\"cycle skipped\""), ShouldEqual, 1)
			})
		})
	})

	Convey("Given a running controller whose camera first yields an empty frame", t, func() {
		ctx := context.Background()
		classifier := &scriptedClassifier{script: [][]float32{scores("yes", 0.9)}}
		device := capture.NewMockDevice(32, 24)
		h := newHarnessWith(classifier, device, blankFirstDevice{device}, discardLogger())
		Reset(h.close)
		So(h.ctrl.LoadModel(ctx), ShouldBeNil)
		So(h.ctrl.Start(ctx), ShouldBeNil)

		Convey("When the loop keeps ticking", func() {
			announced := eventually(func() bool { return len(h.speaker.log()) == 1 })

			Convey("Then the empty frame is skipped and recognition continues", func() {
				So(announced, ShouldBeTrue)
				So(h.speaker.log(), ShouldResemble, []string{"yes"})
				status, err := h.ctrl.Status(ctx)
				So(err, ShouldBeNil)
				So(status.Running, ShouldBeTrue)
			})
		})
	})
}

func TestUnknownClassIndex(t *testing.T) {
	Convey("Given a model that reports more classes than the catalog names", t, func() {
		ctx := context.Background()
		classifier := &scriptedClassifier{script: [][]float32{
			{0.01, 0.01, 0.01, 0.02, 0.95},
		}}
		h := newHarness(classifier)
		Reset(h.close)
		So(h.ctrl.LoadModel(ctx), ShouldBeNil)

		Convey("When the extra class wins", func() {
			So(h.ctrl.Start(ctx), ShouldBeNil)
			shown := eventually(func() bool { return len(h.display.labelLog()) >= 2 })

			Convey("Then the placeholder label is announced", func() {
				So(shown, ShouldBeTrue)
				So(h.display.labelLog()[1], ShouldEqual, labels.Unknown)
				So(h.speaker.log(), ShouldResemble, []string{labels.Unknown})
			})
		})
	})
}
