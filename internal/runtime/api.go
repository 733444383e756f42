package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/loqalabs/loqa-sign/internal/announce"
	"github.com/loqalabs/loqa-sign/internal/capability"
	"github.com/loqalabs/loqa-sign/internal/capture"
	"github.com/loqalabs/loqa-sign/internal/display"
	"github.com/loqalabs/loqa-sign/internal/eventstore"
	"github.com/loqalabs/loqa-sign/internal/inference"
	"github.com/loqalabs/loqa-sign/internal/recognition"
)

const maxBodyBytes = 64 << 10

// controller is the part of *recognition.Controller the API drives.
type controller interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	LoadModel(ctx context.Context) error
	SpeakText(ctx context.Context, text string) error
	SetSpeechEnabled(enabled bool)
	Status(ctx context.Context) (recognition.Status, error)
}

type api struct {
	ctrl     controller
	board    *display.Board
	store    *eventstore.Store
	registry *capability.Registry
	logger   *slog.Logger
}

type statusResponse struct {
	Recognition recognition.Status `json:"recognition"`
	Display     display.Snapshot   `json:"display"`
}

type speechRequest struct {
	Enabled *bool `json:"enabled"`
}

type speakRequest struct {
	Text string `json:"text"`
}

func newAPI(ctrl controller, board *display.Board, store *eventstore.Store, registry *capability.Registry, logger *slog.Logger) *api {
	return &api{
		ctrl:     ctrl,
		board:    board,
		store:    store,
		registry: registry,
		logger:   logger.With(slog.String("component", "api")),
	}
}

func (a *api) register(r *mux.Router) {
	v1 := r.PathPrefix("/v1").Subrouter()
	v1.HandleFunc("/recognition/start", a.handleStart).Methods(http.MethodPost)
	v1.HandleFunc("/recognition/stop", a.handleStop).Methods(http.MethodPost)
	v1.HandleFunc("/model/load", a.handleLoadModel).Methods(http.MethodPost)
	v1.HandleFunc("/speech", a.handleSpeech).Methods(http.MethodPut)
	v1.HandleFunc("/speak", a.handleSpeak).Methods(http.MethodPost)
	v1.HandleFunc("/status", a.handleStatus).Methods(http.MethodGet)
	v1.HandleFunc("/detections", a.handleDetections).Methods(http.MethodGet)
	v1.HandleFunc("/nodes", a.handleNodes).Methods(http.MethodGet)
}

func (a *api) handleStart(w http.ResponseWriter, req *http.Request) {
	a.respondAction(w, a.ctrl.Start(req.Context()))
}

func (a *api) handleStop(w http.ResponseWriter, req *http.Request) {
	a.respondAction(w, a.ctrl.Stop(req.Context()))
}

func (a *api) handleLoadModel(w http.ResponseWriter, req *http.Request) {
	a.respondAction(w, a.ctrl.LoadModel(req.Context()))
}

func (a *api) handleSpeech(w http.ResponseWriter, req *http.Request) {
	var body speechRequest
	if err := decodeJSON(w, req, &body); err != nil || body.Enabled == nil {
		writeError(w, http.StatusBadRequest, "body must be {\"enabled\": bool}")
		return
	}
	a.ctrl.SetSpeechEnabled(*body.Enabled)
	w.WriteHeader(http.StatusNoContent)
}

func (a *api) handleSpeak(w http.ResponseWriter, req *http.Request) {
	var body speakRequest
	if err := decodeJSON(w, req, &body); err != nil {
		writeError(w, http.StatusBadRequest, "body must be {\"text\": string}")
		return
	}
	a.respondAction(w, a.ctrl.SpeakText(req.Context(), body.Text))
}

func (a *api) handleStatus(w http.ResponseWriter, req *http.Request) {
	status, err := a.ctrl.Status(req.Context())
	if err != nil {
		a.respondAction(w, err)
		return
	}
	resp := statusResponse{Recognition: status}
	if a.board != nil {
		resp.Display = a.board.Snapshot()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *api) handleDetections(w http.ResponseWriter, req *http.Request) {
	limit := 50
	if raw := req.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = parsed
	}
	if a.store == nil {
		writeJSON(w, http.StatusOK, []eventstore.Detection{})
		return
	}
	var (
		detections []eventstore.Detection
		err        error
	)
	if session := req.URL.Query().Get("session"); session != "" {
		detections, err = a.store.ListSessionDetections(req.Context(), session, limit)
	} else {
		detections, err = a.store.RecentDetections(req.Context(), limit)
	}
	if err != nil {
		a.logger.Warn("list detections failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to list detections")
		return
	}
	if detections == nil {
		detections = []eventstore.Detection{}
	}
	writeJSON(w, http.StatusOK, detections)
}

func (a *api) handleNodes(w http.ResponseWriter, _ *http.Request) {
	nodes := []capability.NodeInfo{}
	if a.registry != nil {
		nodes = append(nodes, a.registry.Query(nil)...)
	}
	writeJSON(w, http.StatusOK, nodes)
}

func (a *api) respondAction(w http.ResponseWriter, err error) {
	if err == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		a.logger.Warn("request failed", slog.String("error", err.Error()))
	}
	writeError(w, status, err.Error())
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, announce.ErrEmptyInput):
		return http.StatusBadRequest
	case errors.Is(err, recognition.ErrModelNotLoaded):
		return http.StatusConflict
	case errors.Is(err, capture.ErrPermissionDenied):
		return http.StatusForbidden
	case errors.Is(err, capture.ErrDeviceUnavailable), errors.Is(err, recognition.ErrClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, inference.ErrModelLoad):
		return http.StatusUnprocessableEntity
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func decodeJSON(w http.ResponseWriter, req *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, req.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
