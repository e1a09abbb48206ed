package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"storyforge/internal/domain"
	"storyforge/internal/domain/model"
	"storyforge/internal/domain/ports/adapter"
	"storyforge/internal/infra/logging"
	"storyforge/internal/infra/trigger"
	"storyforge/internal/usecase"
)

// Stepper performs one executor invocation. Satisfied by usecase.Executor.
type Stepper interface {
	ProcessNext(ctx context.Context, runID string) (done bool, err error)
}

// Server exposes the run engine over HTTP: the client-facing /api/v1 surface
// and the internal continuation endpoint the trigger POSTs to.
type Server struct {
	runs    usecase.RunUseCase
	exec    Stepper
	next    adapter.ContinuationTrigger
	auth    *Auth
	secret  string
	stepTTL time.Duration
	log     *zerolog.Logger
}

func NewServer(
	runs usecase.RunUseCase,
	exec Stepper,
	next adapter.ContinuationTrigger,
	auth *Auth,
	batchSecret string,
	logger *zerolog.Logger,
) *Server {
	return &Server{
		runs:    runs,
		exec:    exec,
		next:    next,
		auth:    auth,
		secret:  batchSecret,
		stepTTL: 5 * time.Minute,
		log:     logger,
	}
}

// Router assembles the chi mux with the ambient middleware chain.
func (s *Server) Router() *chi.Mux {
	r := chi.NewRouter()
	r.Use(
		func(h http.Handler) http.Handler {
			return Chain(h, TraceID(), Recover(s.log), Timeout(30*time.Second), RequestLog(s.log))
		},
	)

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Post("/api/v1/login", s.handleLogin)

	r.Group(func(r chi.Router) {
		r.Use(s.auth.Require())
		r.Post("/api/v1/scopes/{scopeID}/runs", s.handleCreateRun)
		r.Get("/api/v1/scopes/{scopeID}/runs", s.handleListRuns)
		r.Get("/api/v1/runs/{runID}/progress", s.handleProgress)
		r.Post("/api/v1/runs/{runID}/cancel", s.handleCancel)
		r.Post("/api/v1/runs/{runID}/retry", s.handleRetry)
	})

	r.Post("/internal/runs/{runID}/process-next", s.handleProcessNext)
	return r
}

//
// -------- client surface --------
//

type loginRequest struct {
	APIKey string `json:"api_key"`
}

type loginResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	token, expiresAt, err := s.auth.Login(req.APIKey)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	writeJSON(w, http.StatusOK, loginResponse{Token: token, ExpiresAt: expiresAt})
}

type createRunRequest struct {
	Kind       string          `json:"kind"`
	SubjectIDs []string        `json:"subject_ids,omitempty"`
	Config     model.RunConfig `json:"config"`
}

func (s *Server) handleCreateRun(w http.ResponseWriter, r *http.Request) {
	scopeID := chi.URLParam(r, "scopeID")
	var req createRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}

	ctx := logging.WithScopeID(r.Context(), scopeID)
	run, err := s.runs.CreateRun(ctx, scopeID, model.RunKind(req.Kind), req.SubjectIDs, req.Config)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, runView(run))
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	scopeID := chi.URLParam(r, "scopeID")
	runs, err := s.runs.ListRuns(logging.WithScopeID(r.Context(), scopeID), scopeID, 0)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	items := make([]runJSON, len(runs))
	for i, run := range runs {
		items[i] = runView(run)
	}
	writeJSON(w, http.StatusOK, struct {
		Items []runJSON `json:"items"`
	}{Items: items})
}

func (s *Server) handleProgress(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")
	p, err := s.runs.GetProgress(r.Context(), runID)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, progressView(p))
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")
	if err := s.runs.Cancel(r.Context(), runID); err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")
	run, err := s.runs.RetryFailed(r.Context(), runID)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, runView(run))
}

//
// -------- internal continuation endpoint --------
//

// handleProcessNext accepts one executor invocation. The 202 response means
// "step accepted", never "step done": the item is processed after the handler
// returns, and the next link in the chain is triggered from the same goroutine.
func (s *Server) handleProcessNext(w http.ResponseWriter, r *http.Request) {
	got := r.Header.Get(trigger.SecretHeader)
	if subtle.ConstantTimeCompare([]byte(got), []byte(s.secret)) != 1 {
		writeError(w, http.StatusUnauthorized, "bad secret")
		return
	}

	runID := chi.URLParam(r, "runID")
	run, err := s.runs.FindRun(r.Context(), runID)
	if errors.Is(err, domain.ErrNotFound) {
		writeError(w, http.StatusNotFound, "run not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "lookup failed")
		return
	}
	// CANCELLED still needs one cleanup invocation; other terminal statuses
	// mean a duplicate trigger.
	if run.Terminal() && run.Status != model.RunStatusCancelled {
		writeError(w, http.StatusConflict, "run already finished")
		return
	}

	w.WriteHeader(http.StatusAccepted)

	tid := logging.TraceIDFrom(r.Context())
	go s.step(tid, runID)
}

// step runs detached from the accepting request: the trigger's HTTP call has
// already returned by the time the item is processed.
func (s *Server) step(traceID, runID string) {
	ctx, cancel := context.WithTimeout(context.Background(), s.stepTTL)
	defer cancel()
	ctx = logging.WithTraceID(ctx, traceID)
	ctx = logging.WithRunID(ctx, runID)

	done, err := s.exec.ProcessNext(ctx, runID)
	if err != nil {
		logging.With(ctx, s.log).Error().Err(err).Msg("executor step failed")
	}
	if !done {
		s.next.TriggerNext(runID)
	}
}

//
// -------- views + error mapping --------
//

type runJSON struct {
	ID                string          `json:"id"`
	ScopeID           string          `json:"scope_id"`
	Kind              string          `json:"kind"`
	Status            string          `json:"status"`
	Phase             string          `json:"phase"`
	PhaseDetail       string          `json:"phase_detail,omitempty"`
	TotalItems        int             `json:"total_items"`
	CompletedItems    int             `json:"completed_items"`
	FailedItems       int             `json:"failed_items"`
	SkippedItems      int             `json:"skipped_items"`
	ProducedArtifacts int             `json:"produced_artifacts"`
	Config            model.RunConfig `json:"config"`
	CreatedAt         time.Time       `json:"created_at"`
	StartedAt         *time.Time      `json:"started_at,omitempty"`
	CompletedAt       *time.Time      `json:"completed_at,omitempty"`
	DurationMs        int64           `json:"duration_ms,omitempty"`
	ErrorMsg          string          `json:"error,omitempty"`
}

func runView(run *model.Run) runJSON {
	return runJSON{
		ID:                run.ID,
		ScopeID:           run.ScopeID,
		Kind:              string(run.Kind),
		Status:            string(run.Status),
		Phase:             string(run.Phase),
		PhaseDetail:       run.PhaseDetail,
		TotalItems:        run.TotalItems,
		CompletedItems:    run.CompletedItems,
		FailedItems:       run.FailedItems,
		SkippedItems:      run.SkippedItems,
		ProducedArtifacts: run.ProducedArtifacts,
		Config:            run.InputConfig,
		CreatedAt:         run.CreatedAt,
		StartedAt:         run.StartedAt,
		CompletedAt:       run.CompletedAt,
		DurationMs:        run.DurationMs,
		ErrorMsg:          run.ErrorMsg,
	}
}

type itemJSON struct {
	SubjectID        string `json:"subject_id"`
	SubjectTitle     string `json:"subject_title"`
	Order            int    `json:"order"`
	Status           string `json:"status"`
	ArtifactsCreated int    `json:"artifacts_created"`
	TokensUsed       int    `json:"tokens_used"`
	ErrorMsg         string `json:"error,omitempty"`
	DurationMs       int64  `json:"duration_ms,omitempty"`
}

type progressJSON struct {
	Run                  runJSON    `json:"run"`
	Items                []itemJSON `json:"items"`
	EstimatedRemainingMs int64      `json:"estimated_remaining_ms,omitempty"`
	RecoveredFromStale   bool       `json:"recovered_from_stale,omitempty"`
	PreviousRunID        string     `json:"previous_run_id,omitempty"`
	Log                  string     `json:"log"`
}

func progressView(p *usecase.Progress) progressJSON {
	out := progressJSON{
		Run:                  runView(p.Run),
		Items:                make([]itemJSON, len(p.Items)),
		EstimatedRemainingMs: p.EstimatedRemaining.Milliseconds(),
		RecoveredFromStale:   p.RecoveredFromStale,
		PreviousRunID:        p.PreviousRunID,
		Log:                  p.Run.Log,
	}
	for i, it := range p.Items {
		out.Items[i] = itemJSON{
			SubjectID:        it.SubjectID,
			SubjectTitle:     it.SubjectTitle,
			Order:            it.Order,
			Status:           string(it.Status),
			ArtifactsCreated: it.ArtifactsCreated,
			TokensUsed:       it.TokensUsed,
			ErrorMsg:         it.ErrorMsg,
			DurationMs:       it.DurationMs,
		}
	}
	return out
}

func (s *Server) writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, domain.ErrActiveRunExists),
		errors.Is(err, domain.ErrRunTerminal),
		errors.Is(err, domain.ErrRunNotTerminal):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, domain.ErrInvalidArgument),
		errors.Is(err, domain.ErrNoEligibleSubjects),
		errors.Is(err, domain.ErrNoFailedItems):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, domain.ErrUnauthorized):
		writeError(w, http.StatusUnauthorized, err.Error())
	default:
		logging.With(r.Context(), s.log).Error().Err(err).Msg("request failed")
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, struct {
		Error string `json:"error"`
	}{Error: msg})
}
