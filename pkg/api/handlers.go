package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/siteproof/siteproof/pkg/auth"
	"github.com/siteproof/siteproof/pkg/export"
	"github.com/siteproof/siteproof/pkg/ledger"
	"github.com/siteproof/siteproof/pkg/printtoken"
	"github.com/siteproof/siteproof/pkg/report"
	"github.com/siteproof/siteproof/pkg/signature"
)

const maxBodyBytes = 1 << 20

// Server wires the domain services into the HTTP surface.
type Server struct {
	ledger   *ledger.Ledger
	verifier *ledger.Verifier
	runs     *report.Service
	binder   *signature.Binder
	tokens   *printtoken.Signer
	exporter *export.Exporter
	limiter  *GlobalRateLimiter
	tokenTTL time.Duration
	logger   *slog.Logger
}

type ServerOption func(*Server)

func WithLogger(logger *slog.Logger) ServerOption {
	return func(s *Server) { s.logger = logger }
}

// WithTokenTTL sets the lifetime used when a print token request does not
// ask for one.
func WithTokenTTL(ttl time.Duration) ServerOption {
	return func(s *Server) { s.tokenTTL = ttl }
}

func WithRateLimiter(rl *GlobalRateLimiter) ServerOption {
	return func(s *Server) { s.limiter = rl }
}

func NewServer(l *ledger.Ledger, v *ledger.Verifier, runs *report.Service,
	binder *signature.Binder, tokens *printtoken.Signer, exporter *export.Exporter,
	opts ...ServerOption) *Server {

	s := &Server{
		ledger:   l,
		verifier: v,
		runs:     runs,
		binder:   binder,
		tokens:   tokens,
		exporter: exporter,
		tokenTTL: printtoken.DefaultTTL,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Routes builds the /api/v1 router. The print endpoint is token-gated and
// sits outside the principal middleware; everything else requires an
// authenticated caller.
func (s *Server) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(RequestID)
	if s.limiter != nil {
		r.Use(s.limiter.Middleware)
	}
	r.NotFound(func(w http.ResponseWriter, req *http.Request) {
		WriteErrorR(w, req, http.StatusNotFound, "Not Found", "no such endpoint")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, req *http.Request) {
		WriteErrorR(w, req, http.StatusMethodNotAllowed, "Method Not Allowed", "method not supported on this endpoint")
	})

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/print/{runID}", s.handlePrint)

		r.Group(func(r chi.Router) {
			r.Use(Principal)

			r.Post("/ledger/events", s.handleAppendEvent)
			r.Get("/ledger/events", s.handleListEvents)
			r.Get("/ledger/verify", s.handleVerify)
			r.Post("/ledger/verify", s.handleVerify)
			r.Get("/ledger/export.csv", s.handleExportCSV)

			r.Post("/jobs/{jobID}/report-runs", s.handleCreateRun)
			r.Get("/jobs/{jobID}/report-runs", s.handleListRuns)
			r.Get("/report-runs/{runID}", s.handleGetRun)
			r.Post("/report-runs/{runID}/freeze", s.handleFreezeRun)
			r.Post("/report-runs/{runID}/finalize", s.handleFinalizeRun)
			r.Get("/report-runs/{runID}/drift", s.handleDrift)

			r.Post("/report-runs/{runID}/signatures", s.handleSign)
			r.Get("/report-runs/{runID}/signatures", s.handleListSignatures)
			r.Delete("/report-runs/{runID}/signatures/{role}", s.handleRevoke)

			r.Post("/report-runs/{runID}/print-token", s.handleIssuePrintToken)
			r.Get("/report-runs/{runID}/export.json", s.handleExportJSON)
			r.Get("/report-runs/{runID}/export.zip", s.handleExportZip)
		})
	})
	return r
}

// writeDomainError maps domain errors onto problem detail responses.
func writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, ledger.ErrInvalidDraft):
		WriteUnprocessable(w, err.Error())
	case errors.Is(err, ledger.ErrChainFork):
		WriteConflict(w, "ledger append lost the chain race; retry the request")
	case errors.Is(err, signature.ErrDuplicate):
		WriteConflict(w, err.Error())
	case errors.Is(err, signature.ErrUnknownRole):
		WriteUnprocessable(w, err.Error())
	case errors.Is(err, signature.ErrNotAuthorized):
		WriteForbidden(w, err.Error())
	case errors.Is(err, report.ErrRunClosed):
		WriteConflict(w, "report run is closed; create a new run")
	case errors.Is(err, report.ErrInvalidTransition):
		WriteConflict(w, err.Error())
	case errors.Is(err, printtoken.ErrRunMismatch):
		WriteForbidden(w, err.Error())
	case errors.Is(err, printtoken.ErrInvalidToken):
		WriteUnauthorized(w, "print token is missing, expired, or invalid")
	case errors.Is(err, export.ErrNoPayload):
		WriteConflict(w, err.Error())
	case errors.Is(err, ledger.ErrNotFound),
		errors.Is(err, report.ErrRunNotFound),
		errors.Is(err, signature.ErrNotFound):
		WriteNotFound(w, err.Error())
	default:
		WriteInternal(w, err)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.UseNumber()
	if err := dec.Decode(v); err != nil {
		WriteBadRequest(w, "malformed request body")
		return false
	}
	return true
}

func (s *Server) handleAppendEvent(w http.ResponseWriter, r *http.Request) {
	p, _ := auth.GetPrincipal(r.Context())

	var draft ledger.Draft
	if !decodeBody(w, r, &draft) {
		return
	}
	if draft.ActorID == "" {
		draft.ActorID = p.ID
	}
	if key := r.Header.Get("Idempotency-Key"); key != "" {
		draft.IdempotencyKey = key
	}

	ev, err := s.ledger.Append(r.Context(), p.OrganizationID, draft)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, ev)
}

func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	orgID, _ := auth.GetOrganizationID(r.Context())

	var after uint64
	if v := r.URL.Query().Get("after"); v != "" {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			WriteBadRequest(w, "after must be a non-negative integer")
			return
		}
		after = n
	}
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 1000 {
			WriteBadRequest(w, "limit must be between 1 and 1000")
			return
		}
		limit = n
	}

	events, err := s.ledger.ListSince(r.Context(), orgID, after, limit)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	next := after
	if len(events) > 0 {
		next = events[len(events)-1].Sequence
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"events":      events,
		"next_cursor": next,
	})
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	orgID, _ := auth.GetOrganizationID(r.Context())

	var (
		rep ledger.VerifyReport
		err error
	)
	if r.URL.Query().Get("full") == "true" {
		rep, err = s.verifier.VerifyFromGenesis(r.Context(), orgID)
	} else {
		rep, err = s.verifier.Verify(r.Context(), orgID)
	}
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

type createRunRequest struct {
	PacketType string `json:"packet_type"`
}

func (s *Server) handleCreateRun(w http.ResponseWriter, r *http.Request) {
	p, _ := auth.GetPrincipal(r.Context())
	jobID := chi.URLParam(r, "jobID")

	var req createRunRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.PacketType == "" {
		WriteBadRequest(w, "packet_type is required")
		return
	}

	run, err := s.runs.CreateRun(r.Context(), p.OrganizationID, jobID, req.PacketType, p.ID)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, run)
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	p, _ := auth.GetPrincipal(r.Context())
	runs, err := s.runs.ListByJob(r.Context(), p.OrganizationID, chi.URLParam(r, "jobID"))
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, runs)
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	p, _ := auth.GetPrincipal(r.Context())
	run, err := s.runs.Get(r.Context(), p.OrganizationID, chi.URLParam(r, "runID"))
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (s *Server) handleFreezeRun(w http.ResponseWriter, r *http.Request) {
	p, _ := auth.GetPrincipal(r.Context())
	run, err := s.runs.Freeze(r.Context(), p.OrganizationID, chi.URLParam(r, "runID"))
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (s *Server) handleFinalizeRun(w http.ResponseWriter, r *http.Request) {
	p, _ := auth.GetPrincipal(r.Context())
	run, err := s.runs.Finalize(r.Context(), p.OrganizationID, chi.URLParam(r, "runID"), p.ID)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (s *Server) handleDrift(w http.ResponseWriter, r *http.Request) {
	p, _ := auth.GetPrincipal(r.Context())
	drift, err := s.runs.CheckDrift(r.Context(), p.OrganizationID, chi.URLParam(r, "runID"))
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, drift)
}

func (s *Server) handleSign(w http.ResponseWriter, r *http.Request) {
	p, _ := auth.GetPrincipal(r.Context())

	var req signature.SignRequest
	if !decodeBody(w, r, &req) {
		return
	}
	req.ReportRunID = chi.URLParam(r, "runID")

	sig, err := s.binder.Sign(r.Context(), p.OrganizationID, p, req)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, sig)
}

func (s *Server) handleListSignatures(w http.ResponseWriter, r *http.Request) {
	p, _ := auth.GetPrincipal(r.Context())
	sigs, err := s.binder.ListByRun(r.Context(), p.OrganizationID, chi.URLParam(r, "runID"))
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sigs)
}

func (s *Server) handleRevoke(w http.ResponseWriter, r *http.Request) {
	p, _ := auth.GetPrincipal(r.Context())
	role := signature.Role(chi.URLParam(r, "role"))

	err := s.binder.Revoke(r.Context(), p.OrganizationID, p, chi.URLParam(r, "runID"), role)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type printTokenRequest struct {
	TTLSeconds int `json:"ttl_seconds,omitempty"`
}

type printTokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

func (s *Server) handleIssuePrintToken(w http.ResponseWriter, r *http.Request) {
	p, _ := auth.GetPrincipal(r.Context())
	runID := chi.URLParam(r, "runID")

	run, err := s.runs.Get(r.Context(), p.OrganizationID, runID)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}

	ttl := s.tokenTTL
	if r.ContentLength != 0 {
		var req printTokenRequest
		if !decodeBody(w, r, &req) {
			return
		}
		if req.TTLSeconds > 0 {
			ttl = time.Duration(req.TTLSeconds) * time.Second
		}
	}
	if ttl > printtoken.MaxTTL {
		ttl = printtoken.MaxTTL
	}

	token, err := s.tokens.Issue(p.OrganizationID, run.JobID, run.ID, ttl)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, printTokenResponse{
		Token:     token,
		ExpiresAt: time.Now().UTC().Add(ttl),
	})
}

// handlePrint serves a run's frozen payload gated by a print token instead of
// a principal, so a report can be rendered by a browser or PDF worker that
// holds only the link.
func (s *Server) handlePrint(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")
	token := r.URL.Query().Get("token")
	if token == "" {
		token = bearerToken(r)
	}

	claims, err := s.tokens.Verify(token, runID)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}

	body, hash, err := s.exporter.ReportJSON(r.Context(), claims.OrganizationID, runID)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Data-Hash", hash)
	_, _ = w.Write(body)
}

func bearerToken(r *http.Request) string {
	const prefix = "Bearer "
	h := r.Header.Get("Authorization")
	if len(h) > len(prefix) && h[:len(prefix)] == prefix {
		return h[len(prefix):]
	}
	return ""
}

func (s *Server) handleExportJSON(w http.ResponseWriter, r *http.Request) {
	p, _ := auth.GetPrincipal(r.Context())
	runID := chi.URLParam(r, "runID")

	body, hash, err := s.exporter.ReportJSON(r.Context(), p.OrganizationID, runID)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Data-Hash", hash)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", "report-"+runID+".json"))
	_, _ = w.Write(body)
}

func (s *Server) handleExportCSV(w http.ResponseWriter, r *http.Request) {
	orgID, _ := auth.GetOrganizationID(r.Context())

	var after uint64
	if v := r.URL.Query().Get("after"); v != "" {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			WriteBadRequest(w, "after must be a non-negative integer")
			return
		}
		after = n
	}

	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", `attachment; filename="ledger.csv"`)
	if err := s.exporter.WriteLedgerCSV(r.Context(), w, orgID, after); err != nil {
		// headers are already out; log and cut the stream
		s.logger.Error("csv export failed mid-stream", "error", err, "organization_id", orgID)
	}
}

func (s *Server) handleExportZip(w http.ResponseWriter, r *http.Request) {
	p, _ := auth.GetPrincipal(r.Context())
	runID := chi.URLParam(r, "runID")

	pack, checksum, err := s.exporter.EvidencePack(r.Context(), p.OrganizationID, runID)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("X-Checksum-SHA256", checksum)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", "evidence-"+runID+".zip"))
	_, _ = w.Write(pack)
}
