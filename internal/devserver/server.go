// Package devserver is a local stand-in for the pipeline backend: a status
// websocket hub plus REST fixtures, enough to drive the client end to end.
package devserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"runtime/debug"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/jonboulle/clockwork"
	"github.com/justinas/alice"
	"github.com/rs/cors"
	"github.com/urfave/negroni"

	"github.com/organoidlab/pipewatch/internal/api"
	"github.com/organoidlab/pipewatch/internal/pipeline"
)

const (
	DefaultStatusPath = "/ws/pipeline-status/"
	DefaultAPIPrefix  = "/api"

	shutdownTimeout   = 5 * time.Second
	readHeaderTimeout = 10 * time.Second
	maxRequestBody    = 1 << 20
)

type Options struct {
	Fixtures *Fixtures
	Clock    clockwork.Clock
	Logger   *slog.Logger
}

// Server serves the status hub at DefaultStatusPath and fixtures under DefaultAPIPrefix.
type Server struct {
	hub     *Hub
	store   *store
	clock   clockwork.Clock
	logger  *slog.Logger
	handler http.Handler
}

func New(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default().With("component", "devserver")
	}
	clock := opts.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	fx := DefaultFixtures()
	if opts.Fixtures != nil {
		fx = *opts.Fixtures
	}

	s := &Server{
		hub:    NewHub(logger),
		store:  newStore(fx),
		clock:  clock,
		logger: logger,
	}
	chain := alice.New(recoveryMiddleware(logger), accessLogMiddleware(logger), cors.AllowAll().Handler)
	s.handler = chain.Then(s.router())

	return s
}

func (s *Server) Handler() http.Handler {
	return s.handler
}

func (s *Server) Hub() *Hub {
	return s.hub
}

func (s *Server) router() *mux.Router {
	r := mux.NewRouter()

	r.Handle(DefaultStatusPath, s.hub)
	r.HandleFunc("/health", s.health).Methods(http.MethodGet)

	a := r.PathPrefix(DefaultAPIPrefix).Subrouter()
	a.HandleFunc("/organoids/", s.listOrganoids).Methods(http.MethodGet)
	a.HandleFunc("/organoids/{id:[0-9]+}/", s.getOrganoid).Methods(http.MethodGet)
	a.HandleFunc("/scans/", s.listScans).Methods(http.MethodGet)
	a.HandleFunc("/scans/{id:[0-9]+}/", s.getScan).Methods(http.MethodGet)
	a.HandleFunc("/processing-steps/", s.listProcessingSteps).Methods(http.MethodGet)
	a.HandleFunc("/segmentations/", s.listSegmentations).Methods(http.MethodGet)
	a.HandleFunc("/publications/", s.listPublications).Methods(http.MethodGet)
	a.HandleFunc("/pipeline-runs/", s.listPipelineRuns).Methods(http.MethodGet)
	a.HandleFunc("/pipeline-runs/", s.createPipelineRun).Methods(http.MethodPost)
	a.HandleFunc("/pipeline-runs/{id}/", s.getPipelineRun).Methods(http.MethodGet)
	a.HandleFunc("/pipeline-runs/{id}/status", s.updatePipelineRunStatus).Methods(http.MethodPost)

	return r
}

// ListenAndServe serves on addr until ctx is done, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.handler,
		ReadHeaderTimeout: readHeaderTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("dev server listening", "addr", addr, "status_path", DefaultStatusPath, "api_prefix", DefaultAPIPrefix)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}

		return fmt.Errorf("listen: %w", err)
	case <-ctx.Done():
	}

	s.hub.Close()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	s.logger.Info("dev server stopped")

	return nil
}

// CreateRun queues a new run for scanID and announces it to status clients.
func (s *Server) CreateRun(scanID, stage string) (api.PipelineRun, error) {
	return s.createRun(scanID, stage, "")
}

func (s *Server) createRun(scanID, stage, status string) (api.PipelineRun, error) {
	run, err := s.store.createRun(scanID, stage, status, s.clock.Now())
	if err != nil {
		return api.PipelineRun{}, err
	}
	s.logger.Info("pipeline run created", "run_id", string(run.ID), "scan_id", string(run.ScanInfo.ID), "stage", run.Stage)
	s.hub.Broadcast(s.frame(run, 0, ""))

	return run, nil
}

// PublishStatus updates a run and broadcasts the resulting status frame.
func (s *Server) PublishStatus(runID string, change StatusChange) (api.PipelineRun, error) {
	run, progress, err := s.store.updateRun(runID, change, s.clock.Now())
	if err != nil {
		return api.PipelineRun{}, err
	}
	s.hub.Broadcast(s.frame(run, progress, strings.TrimSpace(change.Message)))

	return run, nil
}

// PublishProgress records progress for a run and sends a pipeline_progress
// frame to the clients subscribed to it.
func (s *Server) PublishProgress(runID string, progress int, message string) (api.PipelineRun, error) {
	run, progress, err := s.store.setProgress(runID, progress)
	if err != nil {
		return api.PipelineRun{}, err
	}
	frame := s.frame(run, progress, strings.TrimSpace(message))
	frame.Type = pipeline.MessageTypeProgress
	frame.Status = ""
	s.hub.Broadcast(frame)

	return run, nil
}

// PublishLog sends a pipeline_log line to the clients subscribed to runID.
func (s *Server) PublishLog(runID, message string) error {
	run, ok := s.store.run(runID)
	if !ok {
		return errRunNotFound
	}
	s.hub.Broadcast(StatusFrame{
		Type:      pipeline.MessageTypeLog,
		RunID:     string(run.ID),
		Stage:     run.Stage,
		Message:   strings.TrimSpace(message),
		Timestamp: s.clock.Now().UTC().Format(time.RFC3339Nano),
	})

	return nil
}

// Simulate walks a run from started through progress steps to success, one
// step per interval. Progress and log steps reach subscribed clients only.
func (s *Server) Simulate(ctx context.Context, runID string, interval time.Duration) error {
	steps := []func() error{
		s.simulateStatus(runID, StatusChange{Status: "RUNNING", Progress: intPtr(0), Message: "started"}),
	}
	for _, pct := range []int{25, 50, 75} {
		steps = append(steps,
			func() error {
				_, err := s.PublishProgress(runID, pct, "")

				return err
			},
			func() error { return s.PublishLog(runID, fmt.Sprintf("processed %d%% of slices", pct)) },
		)
	}
	steps = append(steps, s.simulateStatus(runID, StatusChange{Status: "SUCCESS", Message: "finished"}))

	ticker := s.clock.NewTicker(interval)
	defer ticker.Stop()

	for _, step := range steps {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.Chan():
		}
		if err := step(); err != nil {
			return fmt.Errorf("simulate run %s: %w", runID, err)
		}
	}

	return nil
}

func (s *Server) simulateStatus(runID string, change StatusChange) func() error {
	return func() error {
		_, err := s.PublishStatus(runID, change)

		return err
	}
}

func (s *Server) frame(run api.PipelineRun, progress int, message string) StatusFrame {
	return StatusFrame{
		Type:         pipeline.MessageTypeStatus,
		RunID:        string(run.ID),
		ScanID:       string(run.ScanInfo.ID),
		OrganoidName: run.ScanInfo.OrganoidName,
		Stage:        run.Stage,
		Status:       run.Status,
		Progress:     progress,
		Message:      message,
		Timestamp:    s.clock.Now().UTC().Format(time.RFC3339Nano),
	}
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "clients": s.hub.Count()})
}

func (s *Server) listOrganoids(w http.ResponseWriter, _ *http.Request) {
	writeList(w, s.store.organoids())
}

func (s *Server) getOrganoid(w http.ResponseWriter, r *http.Request) {
	id, _ := strconv.Atoi(mux.Vars(r)["id"])
	organoid, ok := s.store.organoid(id)
	if !ok {
		writeError(w, http.StatusNotFound, "organoid not found")

		return
	}
	writeJSON(w, http.StatusOK, organoid)
}

func (s *Server) listScans(w http.ResponseWriter, r *http.Request) {
	organoidID, err := intQuery(r, "organoid")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())

		return
	}
	writeList(w, s.store.scans(organoidID))
}

func (s *Server) getScan(w http.ResponseWriter, r *http.Request) {
	id, _ := strconv.Atoi(mux.Vars(r)["id"])
	scan, ok := s.store.scan(id)
	if !ok {
		writeError(w, http.StatusNotFound, errScanNotFound.Error())

		return
	}
	writeJSON(w, http.StatusOK, scan)
}

func (s *Server) listProcessingSteps(w http.ResponseWriter, r *http.Request) {
	scanID, err := intQuery(r, "scan")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())

		return
	}
	writeList(w, s.store.processingSteps(scanID))
}

func (s *Server) listSegmentations(w http.ResponseWriter, _ *http.Request) {
	writeList(w, s.store.segmentations())
}

func (s *Server) listPublications(w http.ResponseWriter, _ *http.Request) {
	writeList(w, s.store.publications())
}

func (s *Server) listPipelineRuns(w http.ResponseWriter, r *http.Request) {
	writeList(w, s.store.runs(strings.TrimSpace(r.URL.Query().Get("mri_scan"))))
}

func (s *Server) getPipelineRun(w http.ResponseWriter, r *http.Request) {
	run, ok := s.store.run(mux.Vars(r)["id"])
	if !ok {
		writeError(w, http.StatusNotFound, errRunNotFound.Error())

		return
	}
	writeJSON(w, http.StatusOK, run)
}

type createRunRequest struct {
	ScanID api.ID `json:"mri_scan"`
	Stage  string `json:"stage"`
	Status string `json:"status"`
}

func (s *Server) createPipelineRun(w http.ResponseWriter, r *http.Request) {
	var req createRunRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())

		return
	}
	run, err := s.createRun(string(req.ScanID), req.Stage, req.Status)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())

		return
	}
	writeJSON(w, http.StatusCreated, run)
}

func (s *Server) updatePipelineRunStatus(w http.ResponseWriter, r *http.Request) {
	var change StatusChange
	if err := decodeBody(w, r, &change); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())

		return
	}
	run, err := s.PublishStatus(mux.Vars(r)["id"], change)
	switch {
	case errors.Is(err, errRunNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case err != nil:
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		writeJSON(w, http.StatusOK, run)
	}
}

func intQuery(r *http.Request, key string) (*int, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return nil, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid %s filter: %q", key, raw)
	}

	return &v, nil
}

func intPtr(v int) *int {
	return &v
}

func decodeBody(w http.ResponseWriter, r *http.Request, out any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody))
	if err := dec.Decode(out); err != nil {
		return fmt.Errorf("decode request body: %w", err)
	}

	return nil
}

type listEnvelope[T any] struct {
	Count   int `json:"count"`
	Results []T `json:"results"`
}

func writeList[T any](w http.ResponseWriter, items []T) {
	if items == nil {
		items = []T{}
	}
	writeJSON(w, http.StatusOK, listEnvelope[T]{Count: len(items), Results: items})
}

func writeError(w http.ResponseWriter, code int, message string) {
	writeJSON(w, code, map[string]string{"detail": message})
}

func writeJSON(w http.ResponseWriter, code int, body any) {
	raw, err := json.Marshal(body)
	if err != nil {
		code = http.StatusInternalServerError
		raw = []byte(`{"detail":"encode response"}`)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_, _ = w.Write(raw)
}

func accessLogMiddleware(logger *slog.Logger) alice.Constructor {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			nw := negroni.NewResponseWriter(w)
			next.ServeHTTP(nw, r)
			logger.Info("http request",
				"method", r.Method,
				"path", r.URL.String(),
				"status", nw.Status(),
				"size", nw.Size(),
				"duration", time.Since(start),
			)
		})
	}
}

func recoveryMiddleware(logger *slog.Logger) alice.Constructor {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("handler panic", "path", r.URL.Path, "panic", rec, "stack", string(debug.Stack()))
					writeError(w, http.StatusInternalServerError, fmt.Sprint(rec))
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}
