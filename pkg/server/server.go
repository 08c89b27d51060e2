// Package server exposes the manual trigger and read-only ledger endpoints.
package server

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/tbowman01/shared-github-actions/pkg/audit"
	"github.com/tbowman01/shared-github-actions/pkg/journal"
	"github.com/tbowman01/shared-github-actions/pkg/ledger"
	"github.com/tbowman01/shared-github-actions/pkg/pipeline"
	"github.com/tbowman01/shared-github-actions/pkg/rollup"
)

// Runner executes one pipeline run.
type Runner interface {
	Run(ctx context.Context) *pipeline.Result
}

// Server serves the HTTP surface.
type Server struct {
	runner  Runner
	ledger  *ledger.Ledger
	journal *journal.Journal
	tokens  *TokenValidator
	logger  *slog.Logger

	// inflight serializes triggers within this process; the ledger lock
	// still guards against other processes.
	inflight sync.Mutex
}

// Option customizes a Server.
type Option func(*Server)

// WithJournal enables GET /v1/runs.
func WithJournal(j *journal.Journal) Option { return func(s *Server) { s.journal = j } }

// WithTokenValidator sets the trigger token validator.
func WithTokenValidator(v *TokenValidator) Option { return func(s *Server) { s.tokens = v } }

// New creates a Server.
func New(runner Runner, l *ledger.Ledger, opts ...Option) *Server {
	s := &Server{
		runner: runner,
		ledger: l,
		logger: slog.Default().With("component", "server"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Routes builds the router.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.logRequests)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Route("/v1", func(r chi.Router) {
		r.Get("/ledger/latest", s.handleLatest)
		r.Get("/ledger/snapshots/{date}", s.handleSnapshot)
		r.Get("/ledger/rollups/{cadence}", s.handleRollups)
		r.Get("/runs", s.handleRecentRuns)
		r.With(RequireTrigger(s.tokens)).Post("/runs", s.handleTrigger)
	})
	return r
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.InfoContext(r.Context(), "http request",
			"method", r.Method, "path", r.URL.Path, "status", ww.Status(),
			"duration", time.Since(start), "request_id", middleware.GetReqID(r.Context()))
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type latestResponse struct {
	Snapshot   any    `json:"snapshot"`
	MerkleRoot string `json:"merkle_root"`
	Files      int    `json:"files"`
}

func (s *Server) handleLatest(w http.ResponseWriter, r *http.Request) {
	meta, err := s.ledger.Latest()
	if errors.Is(err, ledger.ErrNoSnapshot) {
		writeProblem(w, r, http.StatusNotFound, "no snapshot committed yet")
		return
	}
	if err != nil {
		writeInternal(w, r, err)
		return
	}
	m, err := s.ledger.ReadManifest(meta.Date)
	if err != nil {
		writeInternal(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, latestResponse{Snapshot: meta, MerkleRoot: m.MerkleRoot, Files: len(m.Files)})
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	date := chi.URLParam(r, "date")
	if _, err := time.Parse(time.DateOnly, date); err != nil {
		writeProblem(w, r, http.StatusBadRequest, "date must be YYYY-MM-DD")
		return
	}
	report, err := s.ledger.Verify(date)
	if errors.Is(err, fs.ErrNotExist) {
		writeProblem(w, r, http.StatusNotFound, "snapshot "+date+" not found")
		return
	}
	if err != nil {
		writeInternal(w, r, err)
		return
	}
	status := http.StatusOK
	if !report.OK() {
		status = http.StatusConflict
	}
	writeJSON(w, status, report)
}

type rollupsResponse struct {
	Cadence rollup.Cadence `json:"cadence"`
	Keys    []string       `json:"keys"`
}

func (s *Server) handleRollups(w http.ResponseWriter, r *http.Request) {
	c, err := rollup.ParseCadence(chi.URLParam(r, "cadence"))
	if err != nil {
		writeProblem(w, r, http.StatusBadRequest, err.Error())
		return
	}
	keys, err := s.ledger.RollupKeys(string(c))
	if err != nil {
		writeInternal(w, r, err)
		return
	}
	if keys == nil {
		keys = []string{}
	}
	writeJSON(w, http.StatusOK, rollupsResponse{Cadence: c, Keys: keys})
}

func (s *Server) handleRecentRuns(w http.ResponseWriter, r *http.Request) {
	if s.journal == nil {
		writeProblem(w, r, http.StatusNotFound, "run journal disabled")
		return
	}
	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 500 {
			writeProblem(w, r, http.StatusBadRequest, "limit must be between 1 and 500")
			return
		}
		limit = n
	}
	runs, err := s.journal.Recent(r.Context(), limit)
	if err != nil {
		writeInternal(w, r, err)
		return
	}
	if runs == nil {
		runs = []journal.Run{}
	}
	writeJSON(w, http.StatusOK, runs)
}

func (s *Server) handleTrigger(w http.ResponseWriter, r *http.Request) {
	if !s.inflight.TryLock() {
		writeProblem(w, r, http.StatusLocked, "a run is already in progress")
		return
	}
	defer s.inflight.Unlock()

	subject := SubjectFrom(r.Context())
	s.logger.InfoContext(r.Context(), "manual run triggered", "subject", subject)
	// A disconnecting client must not abort a half-written snapshot.
	ctx := audit.WithActor(context.WithoutCancel(r.Context()), "trigger:"+subject)
	res := s.runner.Run(ctx)
	writeJSON(w, StatusCode(res.Status), res)
}

// StatusCode maps a run status to its HTTP response code.
func StatusCode(st pipeline.Status) int {
	switch st {
	case pipeline.StatusCommitted:
		return http.StatusOK
	case pipeline.StatusDriftDetected:
		return http.StatusConflict
	case pipeline.StatusBusy:
		return http.StatusLocked
	default:
		return http.StatusInternalServerError
	}
}

// ListenAndServe serves until ctx is done, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
