// Package recognition runs the capture, normalize, infer, decide and announce
// loop and owns its start/stop lifecycle.
package recognition

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-sign/internal/announce"
	"github.com/loqalabs/loqa-sign/internal/capture"
	"github.com/loqalabs/loqa-sign/internal/debounce"
	"github.com/loqalabs/loqa-sign/internal/display"
	"github.com/loqalabs/loqa-sign/internal/frame"
	"github.com/loqalabs/loqa-sign/internal/inference"
	"github.com/loqalabs/loqa-sign/internal/protocol"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	DefaultRefresh = 16 * time.Millisecond

	statusAnalyzing   = "Analyzing..."
	statusListening   = "Listening..."
	statusPaused      = "Recognition Paused"
	statusPausedShort = "Paused."

	cameraStarting = "Camera: Starting..."
	cameraActive   = "Camera: Active"
	cameraFailed   = "Camera: Failed"

	modelLoading = "Loading..."
	modelLoaded  = "Model Loaded"
	modelFailed  = "Load Model (Failed)"

	recordTimeout = 2 * time.Second
)

// Loader builds a classifier. It is called from a helper goroutine.
type Loader func(ctx context.Context) (inference.Classifier, error)

// Recorder persists the detection timeline.
type Recorder interface {
	BeginSession(ctx context.Context, sessionID string) error
	EndSession(ctx context.Context, sessionID string) error
	AppendDetection(ctx context.Context, d protocol.Detection) error
}

// Publisher is satisfied by *nats.Conn.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// Options wires a Controller. Speaker, Recorder and Bus are optional; a nil
// Speaker means text-only output.
type Options struct {
	Device        capture.Device
	Loader        Loader
	InputSize     int
	Threshold     float64
	Refresh       time.Duration
	Display       display.Surface
	Speaker       announce.Speaker
	SpeechEnabled bool
	Recorder      Recorder
	Bus           Publisher
}

// Status is a point-in-time view of the controller.
type Status struct {
	Running          bool   `json:"running"`
	ModelLoaded      bool   `json:"model_loaded"`
	ModelLoading     bool   `json:"model_loading"`
	CameraActive     bool   `json:"camera_active"`
	CameraWidth      int    `json:"camera_width,omitempty"`
	CameraHeight     int    `json:"camera_height,omitempty"`
	SpeechEnabled    bool   `json:"speech_enabled"`
	SpeechAvailable  bool   `json:"speech_available"`
	InferencePending bool   `json:"inference_pending"`
	SessionID        string `json:"session_id,omitempty"`
	LastAnnounced    string `json:"last_announced,omitempty"`
	Cycles           uint64 `json:"cycles"`
}

// Controller is an actor: Run owns the debouncer, the run state, the capture
// stream and the classifier, and every public method is a command to it.
// Inference runs on a helper goroutine so commands stay responsive while a
// cycle is pending.
type Controller struct {
	opts       Options
	logger     *slog.Logger
	normalizer *frame.Normalizer
	debouncer  *debounce.Debouncer
	announcer  *announce.Announcer
	metrics    *metrics
	tracer     trace.Tracer

	commands chan command
	results  chan cycleResult
	loads    chan loadResult
	done     chan struct{}
	started  atomic.Bool
	helpers  sync.WaitGroup

	// Owned by the Run goroutine.
	classifier  inference.Classifier
	stream      capture.Stream
	inflight    bool
	generation  uint64
	sessionID   string
	loading     bool
	loadWaiters []chan reply
	cycles      uint64
	lastSkip    string
}

type commandKind int

const (
	cmdStart commandKind = iota
	cmdStop
	cmdLoad
	cmdSpeak
	cmdStatus
)

type command struct {
	kind  commandKind
	ctx   context.Context
	text  string
	reply chan reply
}

type reply struct {
	err    error
	status Status
}

type cycleResult struct {
	generation uint64
	prediction inference.Prediction
	latency    time.Duration
	err        error
}

type loadResult struct {
	classifier inference.Classifier
	err        error
}

func New(opts Options, logger *slog.Logger) *Controller {
	if opts.Refresh <= 0 {
		opts.Refresh = DefaultRefresh
	}
	logger = logger.With(slog.String("component", "recognition"))
	m, err := newMetrics(otel.Meter(instrumentation))
	if err != nil {
		logger.Warn("failed to initialize metrics", slogError(err))
		m = noopMetrics()
	}
	c := &Controller{
		opts:       opts,
		logger:     logger,
		normalizer: frame.NewNormalizer(opts.InputSize),
		debouncer:  debounce.New(opts.Threshold),
		metrics:    m,
		tracer:     otel.Tracer(instrumentation),
		commands:   make(chan command),
		results:    make(chan cycleResult, 1),
		loads:      make(chan loadResult, 1),
		done:       make(chan struct{}),
	}
	c.announcer = announce.New(opts.Display, opts.Speaker, c.debouncer, opts.SpeechEnabled, logger)
	return c
}

// Run drives the loop until ctx is done, then releases the camera and model.
func (c *Controller) Run(ctx context.Context) error {
	if !c.started.CompareAndSwap(false, true) {
		return errors.New("recognition controller already running")
	}
	defer close(c.done)

	ticker := time.NewTicker(c.opts.Refresh)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.shutdown(ctx)
			return nil
		case cmd := <-c.commands:
			c.handle(ctx, cmd)
		case res := <-c.results:
			c.handleResult(ctx, res)
		case res := <-c.loads:
			c.handleLoad(ctx, res)
		case <-ticker.C:
			c.tick(ctx)
		}
	}
}

// Start begins recognition, opening the camera if it is not active yet.
func (c *Controller) Start(ctx context.Context) error {
	r, err := c.call(ctx, command{kind: cmdStart})
	if err != nil {
		return err
	}
	return r.err
}

// Stop pauses recognition. Stopping a stopped controller is a no-op.
func (c *Controller) Stop(ctx context.Context) error {
	r, err := c.call(ctx, command{kind: cmdStop})
	if err != nil {
		return err
	}
	return r.err
}

// LoadModel loads the classifier once. Concurrent calls share one load.
func (c *Controller) LoadModel(ctx context.Context) error {
	r, err := c.call(ctx, command{kind: cmdLoad})
	if err != nil {
		return err
	}
	return r.err
}

// SpeakText announces typed text. It never waits for a pending inference.
func (c *Controller) SpeakText(ctx context.Context, text string) error {
	r, err := c.call(ctx, command{kind: cmdSpeak, text: text})
	if err != nil {
		return err
	}
	return r.err
}

// SetSpeechEnabled toggles speech output; text output is unaffected.
func (c *Controller) SetSpeechEnabled(enabled bool) {
	c.announcer.SetSpeechEnabled(enabled)
}

func (c *Controller) Status(ctx context.Context) (Status, error) {
	r, err := c.call(ctx, command{kind: cmdStatus})
	if err != nil {
		return Status{}, err
	}
	return r.status, nil
}

func (c *Controller) call(ctx context.Context, cmd command) (reply, error) {
	cmd.ctx = ctx
	cmd.reply = make(chan reply, 1)
	select {
	case c.commands <- cmd:
	case <-ctx.Done():
		return reply{}, ctx.Err()
	case <-c.done:
		return reply{}, ErrClosed
	}
	select {
	case r := <-cmd.reply:
		return r, nil
	case <-ctx.Done():
		return reply{}, ctx.Err()
	case <-c.done:
		return reply{}, ErrClosed
	}
}

func (c *Controller) handle(ctx context.Context, cmd command) {
	switch cmd.kind {
	case cmdStart:
		cmd.reply <- reply{err: c.start(ctx, cmd.ctx)}
	case cmdStop:
		c.stop(ctx, "requested")
		cmd.reply <- reply{}
	case cmdLoad:
		c.load(ctx, cmd.reply)
	case cmdSpeak:
		cmd.reply <- reply{err: c.speak(ctx, cmd.text)}
	case cmdStatus:
		cmd.reply <- reply{status: c.status()}
	}
}

func (c *Controller) start(ctx, reqCtx context.Context) error {
	if c.debouncer.Running() {
		return nil
	}
	if c.classifier == nil {
		return ErrModelNotLoaded
	}
	if c.stream == nil {
		c.showStatus(ctx, display.SourceCamera, cameraStarting)
		stream, err := c.opts.Device.Open(reqCtx)
		if err != nil {
			c.showStatus(ctx, display.SourceCamera, cameraFailed)
			c.logger.Warn("camera failed to start", slogError(err))
			return fmt.Errorf("open camera: %w", err)
		}
		c.stream = stream
		w, h := stream.Size()
		c.showStatus(ctx, display.SourceCamera, cameraActive)
		c.logger.Info("camera active", slog.Int("width", w), slog.Int("height", h))
	}

	c.debouncer.Start()
	c.generation++
	c.lastSkip = ""
	c.sessionID = uuid.NewString()
	c.announcer.ShowStatus(ctx, statusAnalyzing, statusListening)
	if c.opts.Recorder != nil {
		rctx, cancel := context.WithTimeout(ctx, recordTimeout)
		if err := c.opts.Recorder.BeginSession(rctx, c.sessionID); err != nil {
			c.logger.Warn("failed to record session start", slogError(err))
		}
		cancel()
	}
	c.logger.Info("recognition started", slog.String("session_id", c.sessionID))
	return nil
}

func (c *Controller) stop(ctx context.Context, reason string) {
	if !c.debouncer.Running() {
		return
	}
	c.debouncer.Stop()
	c.generation++
	c.announcer.ShowStatus(ctx, statusPaused, statusPausedShort)
	if c.opts.Recorder != nil {
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), recordTimeout)
		if err := c.opts.Recorder.EndSession(rctx, c.sessionID); err != nil {
			c.logger.Warn("failed to record session end", slogError(err))
		}
		cancel()
	}
	c.logger.Info("recognition stopped", slog.String("session_id", c.sessionID), slog.String("reason", reason))
	c.sessionID = ""
}

func (c *Controller) load(ctx context.Context, waiter chan reply) {
	if c.classifier != nil {
		waiter <- reply{}
		return
	}
	c.loadWaiters = append(c.loadWaiters, waiter)
	if c.loading {
		return
	}
	c.loading = true
	c.showStatus(ctx, display.SourceModel, modelLoading)
	c.helpers.Add(1)
	go func() {
		defer c.helpers.Done()
		classifier, err := c.opts.Loader(ctx)
		c.loads <- loadResult{classifier: classifier, err: err}
	}()
}

func (c *Controller) handleLoad(ctx context.Context, res loadResult) {
	c.loading = false
	if res.err != nil {
		c.showStatus(ctx, display.SourceModel, modelFailed)
		c.logger.Warn("model load failed", slogError(res.err))
	} else {
		c.classifier = res.classifier
		c.showStatus(ctx, display.SourceModel, modelLoaded)
		c.logger.Info("model loaded")
	}
	for _, w := range c.loadWaiters {
		w <- reply{err: res.err}
	}
	c.loadWaiters = nil
}

func (c *Controller) speak(ctx context.Context, text string) error {
	if err := c.announcer.AnnounceText(ctx, text); err != nil {
		return err
	}
	// A result issued before the typed text would undo the suppression.
	c.generation++
	label, _ := c.debouncer.LastAnnounced()
	c.record(ctx, protocol.Detection{Label: label, Confidence: 1, Typed: true})
	return nil
}

func (c *Controller) tick(ctx context.Context) {
	if !c.debouncer.Running() || c.inflight {
		return
	}
	if c.classifier == nil {
		c.stop(ctx, "model unavailable")
		return
	}
	if c.stream == nil {
		c.stop(ctx, "camera unavailable")
		return
	}
	c.inflight = true
	c.cycles++
	generation, stream, classifier := c.generation, c.stream, c.classifier
	c.helpers.Add(1)
	go func() {
		defer c.helpers.Done()
		c.results <- c.cycle(ctx, generation, stream, classifier)
	}()
}

// cycle runs off the controller goroutine and must not touch its state.
func (c *Controller) cycle(ctx context.Context, generation uint64, stream capture.Stream, classifier inference.Classifier) cycleResult {
	ctx, span := c.tracer.Start(ctx, "recognition.cycle")
	defer span.End()

	res := cycleResult{generation: generation}
	raw, err := stream.Frame(ctx)
	if err != nil {
		res.err = err
		span.SetStatus(codes.Error, err.Error())
		return res
	}
	span.SetAttributes(attribute.Int64("frame.sequence", raw.Sequence))

	tensor, err := c.normalizer.Normalize(raw)
	if err != nil {
		res.err = err
		span.SetStatus(codes.Error, err.Error())
		return res
	}
	defer tensor.Release()

	started := time.Now()
	res.prediction, res.err = classifier.Infer(ctx, tensor)
	res.latency = time.Since(started)
	if res.err != nil {
		span.SetStatus(codes.Error, res.err.Error())
	}
	return res
}

func (c *Controller) handleResult(ctx context.Context, res cycleResult) {
	c.inflight = false
	if res.generation != c.generation || !c.debouncer.Running() {
		c.metrics.cycle(ctx, "dropped")
		return
	}
	if res.err != nil {
		if errors.Is(res.err, capture.ErrStreamClosed) {
			c.metrics.cycle(ctx, "stream_closed")
			c.logger.Warn("capture stream ended")
			c.closeStream()
			c.showStatus(ctx, display.SourceCamera, cameraFailed)
			c.stop(ctx, "stream ended")
			return
		}
		c.metrics.cycle(ctx, "skipped")
		// Repeats of the same failure would log on every tick.
		if msg := res.err.Error(); msg != c.lastSkip {
			c.lastSkip = msg
			c.logger.Warn("cycle skipped", slogError(res.err))
		} else {
			c.logger.Debug("cycle skipped", slogError(res.err))
		}
		return
	}

	c.lastSkip = ""
	c.metrics.cycle(ctx, "ok")
	c.metrics.inference(ctx, res.latency)
	d, ok := c.debouncer.Decide(res.prediction)
	if !ok {
		return
	}
	c.metrics.decision(ctx, d.Kind.String())
	c.announcer.AnnounceDetection(ctx, d)
	if d.Kind == debounce.NewDetection {
		c.logger.Info("sign detected", slog.String("label", d.Label), slog.Float64("confidence", d.Confidence))
		c.record(ctx, protocol.Detection{Label: d.Label, Confidence: d.Confidence})
	}
}

func (c *Controller) record(ctx context.Context, d protocol.Detection) {
	d.SessionID = c.sessionID
	d.Timestamp = time.Now().UTC()
	if c.opts.Recorder != nil && d.SessionID != "" {
		rctx, cancel := context.WithTimeout(ctx, recordTimeout)
		if err := c.opts.Recorder.AppendDetection(rctx, d); err != nil {
			c.logger.Warn("failed to record detection", slogError(err))
		}
		cancel()
	}
	if c.opts.Bus != nil {
		data, err := json.Marshal(d)
		if err != nil {
			c.logger.Warn("failed to marshal detection", slogError(err))
			return
		}
		if err := c.opts.Bus.Publish(protocol.SubjectDetection, data); err != nil {
			c.logger.Warn("failed to publish detection", slogError(err))
		}
	}
}

func (c *Controller) status() Status {
	s := Status{
		Running:          c.debouncer.Running(),
		ModelLoaded:      c.classifier != nil,
		ModelLoading:     c.loading,
		CameraActive:     c.stream != nil,
		SpeechEnabled:    c.announcer.SpeechEnabled(),
		SpeechAvailable:  c.announcer.SpeechAvailable(),
		InferencePending: c.inflight,
		SessionID:        c.sessionID,
		Cycles:           c.cycles,
	}
	if c.stream != nil {
		s.CameraWidth, s.CameraHeight = c.stream.Size()
	}
	s.LastAnnounced, _ = c.debouncer.LastAnnounced()
	return s
}

func (c *Controller) showStatus(ctx context.Context, source, text string) {
	if c.opts.Display != nil {
		c.opts.Display.ShowStatus(ctx, source, text)
	}
}

func (c *Controller) closeStream() {
	if c.stream == nil {
		return
	}
	if err := c.stream.Close(); err != nil {
		c.logger.Warn("failed to close capture stream", slogError(err))
	}
	c.stream = nil
}

func (c *Controller) shutdown(ctx context.Context) {
	c.stop(ctx, "shutdown")
	// Helpers run on ctx, which is already cancelled; wait so the classifier
	// is never closed under a running inference.
	c.helpers.Wait()
	select {
	case res := <-c.loads:
		if res.classifier != nil {
			c.classifier = res.classifier
		}
	default:
	}
	for _, w := range c.loadWaiters {
		w <- reply{err: ErrClosed}
	}
	c.loadWaiters = nil
	c.closeStream()
	if c.classifier != nil {
		if err := c.classifier.Close(); err != nil {
			c.logger.Warn("failed to close classifier", slogError(err))
		}
		c.classifier = nil
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
