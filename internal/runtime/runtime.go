package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/mux"
	"github.com/loqalabs/loqa-sign/internal/bus"
	"github.com/loqalabs/loqa-sign/internal/capability"
	"github.com/loqalabs/loqa-sign/internal/capture"
	"github.com/loqalabs/loqa-sign/internal/config"
	"github.com/loqalabs/loqa-sign/internal/display"
	"github.com/loqalabs/loqa-sign/internal/eventstore"
	"github.com/loqalabs/loqa-sign/internal/inference"
	"github.com/loqalabs/loqa-sign/internal/labels"
	"github.com/loqalabs/loqa-sign/internal/natsserver"
	"github.com/loqalabs/loqa-sign/internal/protocol"
	"github.com/loqalabs/loqa-sign/internal/recognition"
	"github.com/loqalabs/loqa-sign/internal/tts"
)

const detectionStream = "SIGN_DETECTIONS"

type Runtime struct {
	cfg        config.Config
	logger     *slog.Logger
	httpServer *http.Server
	telemetry  *telemetry
	ready      atomic.Bool
	wg         sync.WaitGroup

	nats       *natsserver.EmbeddedServer
	bus        *bus.Client
	registry   *capability.Registry
	store      *eventstore.Store
	board      *display.Board
	speaker    *tts.Speaker
	controller *recognition.Controller
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
	}
}

func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	tel, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.telemetry = tel

	if err := r.startInfrastructure(ctx); err != nil {
		r.closeInfrastructure()
		_ = tel.Shutdown(context.Background())
		return err
	}

	if err := r.startRecognition(ctx); err != nil {
		r.closeInfrastructure()
		_ = tel.Shutdown(context.Background())
		return err
	}

	router := mux.NewRouter()
	router.HandleFunc("/healthz", r.handleHealth).Methods(http.MethodGet)
	router.HandleFunc("/readyz", r.handleReady).Methods(http.MethodGet)
	if tel.metrics != nil {
		router.Handle("/metrics", tel.metrics).Methods(http.MethodGet)
	}
	newAPI(r.controller, r.board, r.store, r.registry, r.logger).register(router)

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	r.httpServer = &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.logger.Error("http server failed", slog.String("error", err.Error()))
			cancel()
		}
	}()

	r.ready.Store(true)
	r.logger.Info("runtime started", slog.String("addr", addr))

	<-ctx.Done()
	r.ready.Store(false)
	r.logger.Info("runtime stopping")
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := r.httpServer.Shutdown(shutdownCtx); err != nil {
		r.logger.Error("http shutdown error", slog.String("error", err.Error()))
	}
	r.wg.Wait()

	r.closeInfrastructure()

	if r.cfg.Model.Mode == "onnx" {
		if err := inference.ShutdownEnvironment(); err != nil {
			r.logger.Warn("onnx runtime shutdown error", slog.String("error", err.Error()))
		}
	}

	if err := r.telemetry.Shutdown(shutdownCtx); err != nil {
		r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
	}

	return nil
}

func (r *Runtime) startInfrastructure(ctx context.Context) error {
	store, err := eventstore.Open(ctx, r.cfg.EventStore, r.cfg.RuntimeName, r.logger)
	if err != nil {
		return fmt.Errorf("open event store: %w", err)
	}
	r.store = store

	if !r.cfg.Bus.Enabled {
		r.logger.Info("message bus disabled")
		return nil
	}

	busCfg := r.cfg.Bus
	srv, err := natsserver.Start(busCfg, r.logger)
	if err != nil {
		return err
	}
	r.nats = srv
	if srv != nil {
		busCfg.Servers = []string{srv.ClientURL()}
	}

	client, err := bus.Connect(ctx, busCfg, r.cfg.RuntimeName, r.logger)
	if err != nil {
		return err
	}
	r.bus = client

	if err := client.EnsureStream(detectionStream, []string{protocol.SubjectDetection}, 24*time.Hour); err != nil {
		r.logger.Warn("detection stream unavailable", slog.String("error", err.Error()))
	}

	registry, err := capability.NewRegistry(ctx, r.cfg.Node, capability.ForConfig(r.cfg), client.Conn(), r.logger)
	if err != nil {
		return fmt.Errorf("start capability registry: %w", err)
	}
	r.registry = registry
	return nil
}

func (r *Runtime) startRecognition(ctx context.Context) error {
	r.board = display.NewBoard()
	surface := display.Fanout{r.board}
	if r.bus != nil && r.cfg.Display.Publish {
		surface = append(surface, display.NewPublisher(r.bus, r.cfg.Display.Target, r.logger))
	}

	speaker, err := r.buildSpeaker(ctx)
	if err != nil {
		return err
	}
	r.speaker = speaker

	device, err := capture.New(r.cfg.Capture)
	if err != nil {
		return fmt.Errorf("capture device: %w", err)
	}

	opts := recognition.Options{
		Device:        device,
		Loader:        r.loadModel,
		InputSize:     r.cfg.Model.InputSize,
		Threshold:     r.cfg.Recognition.ConfidenceThreshold,
		Refresh:       time.Duration(r.cfg.Recognition.RefreshIntervalMS) * time.Millisecond,
		Display:       surface,
		SpeechEnabled: r.cfg.Speech.Enabled,
		Recorder:      r.store,
	}
	if speaker != nil {
		opts.Speaker = speaker
	}
	if r.bus != nil {
		opts.Bus = r.bus
	}
	r.controller = recognition.New(opts, r.logger)
	if r.registry != nil {
		r.registry.SetState(r.nodeState)
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.controller.Run(ctx); err != nil {
			r.logger.Error("recognition loop exited", slog.String("error", err.Error()))
		}
	}()

	if r.cfg.Model.LoadOnStart {
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			if err := r.controller.LoadModel(ctx); err != nil && ctx.Err() == nil {
				r.logger.Warn("model load on start failed", slog.String("error", err.Error()))
			}
		}()
	}
	return nil
}

func (r *Runtime) buildSpeaker(ctx context.Context) (*tts.Speaker, error) {
	cfg := r.cfg.Speech
	var synth tts.Synthesizer
	switch cfg.Mode {
	case "exec":
		s, err := tts.NewExecSynth(cfg.Command, cfg.SampleRate, cfg.Channels)
		if err != nil {
			r.logger.Warn("speech unavailable, continuing text-only", slog.String("error", err.Error()))
			return nil, nil
		}
		synth = s
	default:
		synth = tts.NewMockSynth(cfg.SampleRate, cfg.Channels)
	}

	var sink tts.Sink
	switch cfg.Sink {
	case "player":
		p, err := tts.NewPlayerSink(cfg.PlayerCommand)
		if err != nil {
			return nil, fmt.Errorf("speech player: %w", err)
		}
		sink = p
	case "bus":
		if r.bus == nil {
			r.logger.Warn("speech sink bus requested without a bus, discarding audio")
			sink = tts.DiscardSink{}
		} else {
			sink = tts.NewBusSink(r.bus, r.cfg.Display.Target, r.logger)
		}
	default:
		sink = tts.DiscardSink{}
	}
	return tts.NewSpeaker(ctx, cfg, synth, sink, r.logger), nil
}

func (r *Runtime) loadModel(ctx context.Context) (inference.Classifier, error) {
	catalog, err := labels.Load(r.cfg.Model.LabelsPath)
	if err != nil {
		r.logger.Warn("label metadata unavailable, using fallback labels", slog.String("error", err.Error()))
	}
	return inference.Load(ctx, r.cfg.Model, catalog)
}

// nodeState summarises the controller for presence heartbeats.
func (r *Runtime) nodeState() map[string]string {
	ctx, cancel := context.WithTimeout(context.Background(), 250*time.Millisecond)
	defer cancel()
	st, err := r.controller.Status(ctx)
	if err != nil {
		return nil
	}
	return map[string]string{
		"running":        strconv.FormatBool(st.Running),
		"model_loaded":   strconv.FormatBool(st.ModelLoaded),
		"camera_active":  strconv.FormatBool(st.CameraActive),
		"speech_enabled": strconv.FormatBool(st.SpeechEnabled),
		"last_announced": st.LastAnnounced,
	}
}

func (r *Runtime) closeInfrastructure() {
	if r.speaker != nil {
		r.speaker.Close()
		r.speaker = nil
	}
	if r.registry != nil {
		r.registry.Close()
		r.registry = nil
	}
	if r.bus != nil {
		r.bus.Close()
		r.bus = nil
	}
	if r.nats != nil {
		r.nats.Shutdown()
		r.nats = nil
	}
	if r.store != nil {
		if err := r.store.Close(); err != nil {
			r.logger.Warn("event store close error", slog.String("error", err.Error()))
		}
		r.store = nil
	}
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.ready.Load() && (!r.cfg.Bus.Enabled || r.bus.Healthy()) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}
