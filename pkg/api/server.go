package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sort"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/openfroyo/lom/pkg/engine"
	"github.com/openfroyo/lom/pkg/protocol"
	"github.com/openfroyo/lom/pkg/stores"
)

const maxBodyBytes = 1 << 20

// HealthCheck reports whether one dependency is usable.
type HealthCheck func(ctx context.Context) error

// Options configures the HTTP handler. Only Engine is required; routes backed by a nil
// collaborator answer 404.
type Options struct {
	Engine    Engine
	Config    ConfigStore
	Policies  PolicyStore
	Published stores.Reader
	Metrics   http.Handler
	Health    map[string]HealthCheck
	Logger    zerolog.Logger
}

type handler struct {
	opts   Options
	logger zerolog.Logger
}

// NewHandler builds the introspection router.
func NewHandler(opts Options) http.Handler {
	h := &handler{
		opts:   opts,
		logger: opts.Logger.With().Str("component", "api").Logger(),
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(h.logRequests)

	r.Get("/healthz", h.health)
	if opts.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", opts.Metrics)
	}

	r.Route("/v1", func(r chi.Router) {
		r.Get("/plugins", h.listPlugins)
		r.Get("/actions", h.listActions)
		r.Get("/sequences", h.listSequences)
		r.Get("/sequences/{id}", h.getSequence)
		r.Delete("/sequences/{id}", h.abortSequence)
		r.Post("/anomalies", h.triggerAnomaly)

		if opts.Config != nil {
			r.Get("/config", h.getConfig)
			r.Patch("/config", h.tweakGlobal)
			r.Patch("/config/actions", h.tweakActions)
		}
		if opts.Policies != nil {
			r.Get("/policies", h.listPolicies)
			r.Post("/policies/{name}/enable", h.setPolicy(true))
			r.Post("/policies/{name}/disable", h.setPolicy(false))
		}
		if opts.Published != nil {
			r.Get("/status/actions", h.listPublishedActions)
			r.Get("/status/actions/{name}", h.getPublishedAction)
		}
	})

	return r
}

func (h *handler) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		h.logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("duration", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("Request served")
	})
}

func (h *handler) health(w http.ResponseWriter, r *http.Request) {
	names := make([]string, 0, len(h.opts.Health))
	for name := range h.opts.Health {
		names = append(names, name)
	}
	sort.Strings(names)

	failed := map[string]string{}
	for _, name := range names {
		if err := h.opts.Health[name](r.Context()); err != nil {
			failed[name] = err.Error()
		}
	}
	if len(failed) > 0 {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "unavailable", "failed": failed})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *handler) listPlugins(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.opts.Engine.Plugins())
}

func (h *handler) listActions(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.opts.Engine.Actions())
}

func (h *handler) listSequences(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.opts.Engine.Sequences())
}

func (h *handler) getSequence(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	snap, ok := h.opts.Engine.Sequence(id)
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Errorf("sequence %s not found", id))
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (h *handler) abortSequence(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	reason := r.URL.Query().Get("reason")
	if reason == "" {
		reason = "aborted by operator"
	}
	if !h.opts.Engine.Abort(id, reason) {
		writeError(w, http.StatusNotFound, fmt.Errorf("sequence %s not found", id))
		return
	}
	h.logger.Info().Str("sequence_id", id).Str("reason", reason).Msg("Sequence aborted")
	w.WriteHeader(http.StatusAccepted)
}

// triggerAnomaly starts a sequence. ?wait=true blocks until it terminates. A new
// sequence answers 201; a coalesced one answers 200 with the active sequence.
func (h *handler) triggerAnomaly(w http.ResponseWriter, r *http.Request) {
	var req AnomalyRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
		return
	}
	anomaly, err := req.anomaly()
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	wait := r.URL.Query().Get("wait") == "true"
	snap, started, err := h.opts.Engine.Trigger(r.Context(), anomaly, wait)
	if err != nil && snap.ID == "" {
		writeError(w, statusOf(err), err)
		return
	}
	if err != nil {
		h.logger.Debug().Err(err).Str("sequence_id", snap.ID).Msg("Stopped waiting for sequence")
	}

	status := http.StatusOK
	if started {
		status = http.StatusCreated
		h.logger.Info().
			Str("anomaly", anomaly.Name).
			Str("key", anomaly.Key).
			Str("sequence_id", snap.ID).
			Msg("Anomaly triggered")
	}
	writeJSON(w, status, snap)
}

func (h *handler) getConfig(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.opts.Config.Running())
}

func (h *handler) tweakGlobal(w http.ResponseWriter, r *http.Request) {
	h.tweak(w, r, h.opts.Config.Tweak)
}

func (h *handler) tweakActions(w http.ResponseWriter, r *http.Request) {
	h.tweak(w, r, h.opts.Config.TweakAction)
}

func (h *handler) tweak(w http.ResponseWriter, r *http.Request, apply func([]byte) error) {
	doc, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := apply(doc); err != nil {
		writeError(w, http.StatusUnprocessableEntity, err)
		return
	}
	writeJSON(w, http.StatusOK, h.opts.Config.Running())
}

func (h *handler) listPolicies(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.opts.Policies.ListPolicies())
}

func (h *handler) setPolicy(enabled bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name := chi.URLParam(r, "name")
		var err error
		if enabled {
			err = h.opts.Policies.EnablePolicy(r.Context(), name)
		} else {
			err = h.opts.Policies.DisablePolicy(r.Context(), name)
		}
		if err != nil {
			writeError(w, http.StatusUnprocessableEntity, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func (h *handler) listPublishedActions(w http.ResponseWriter, r *http.Request) {
	statuses, err := h.opts.Published.ActionStatuses(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, statuses)
}

func (h *handler) getPublishedAction(w http.ResponseWriter, r *http.Request) {
	status, err := h.opts.Published.ActionStatus(r.Context(), chi.URLParam(r, "name"))
	if errors.Is(err, stores.ErrNotFound) {
		writeError(w, http.StatusNotFound, err)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func statusOf(err error) int {
	switch engine.ResultCodeOf(err) {
	case protocol.ResultMalformedPayload:
		return http.StatusBadRequest
	case protocol.ResultChannelClosed:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

// Server serves the introspection API until its context is done.
type Server struct {
	srv    *http.Server
	logger zerolog.Logger
}

// NewServer creates a server listening on addr.
func NewServer(addr string, opts Options) *Server {
	return &Server{
		srv: &http.Server{
			Addr:              addr,
			Handler:           NewHandler(opts),
			ReadHeaderTimeout: 10 * time.Second,
		},
		logger: opts.Logger.With().Str("component", "api").Logger(),
	}
}

// Serve accepts connections on ln until ctx is done, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", ln.Addr().String()).Msg("API listening")
		errCh <- s.srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("failed to shut down API: %w", err)
		}
		return nil
	}
}

// ListenAndServe listens on the configured address and calls Serve.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.srv.Addr, err)
	}
	return s.Serve(ctx, ln)
}
