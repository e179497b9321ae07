package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/quorumworks/council/pkg/archive"
	"github.com/quorumworks/council/pkg/audit"
	"github.com/quorumworks/council/pkg/contracts"
	"github.com/quorumworks/council/pkg/escalation"
	"github.com/quorumworks/council/pkg/identity"
	"github.com/quorumworks/council/pkg/observability"
	"github.com/quorumworks/council/pkg/ratelimit"
	"github.com/quorumworks/council/pkg/readmodel"
	"github.com/quorumworks/council/pkg/session"
	"github.com/quorumworks/council/pkg/store"
)

// createSessionSchema validates POST /v1/sessions bodies before they
// reach the session manager.
const createSessionSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["subject"],
  "properties": {
    "subject": {
      "type": "object",
      "required": ["type", "ref"],
      "properties": {
        "type": {"enum": ["ai_system_review", "incident_report", "compliance_claim"]},
        "ref": {"type": "string", "minLength": 1},
        "severity": {"enum": ["critical", "high", "medium", "low"]},
        "description": {"type": "string"},
        "metadata": {"type": "object", "additionalProperties": {"type": "string"}}
      },
      "additionalProperties": false
    },
    "deadline": {"type": "string", "format": "date-time"}
  },
  "additionalProperties": false
}`

// humanDecisionSchema validates reviewer verdict bodies.
const humanDecisionSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["choice"],
  "properties": {
    "choice": {"enum": ["approve", "reject", "escalate_further", "need_more_info"]},
    "rationale": {"type": "string"}
  },
  "additionalProperties": false
}`

// Server is the engine's HTTP surface.
type Server struct {
	manager     *session.Manager
	cases       *escalation.Service
	leaderboard *readmodel.Leaderboard
	trail       *audit.Log
	records     *store.SQLiteStore
	packs       archive.Store
	tokens      *identity.TokenManager
	limiter     ratelimit.Store
	policy      ratelimit.Policy
	logger      *slog.Logger
	clock       func() time.Time
	obs         *observability.Provider

	createSchema *jsonschema.Schema
	decideSchema *jsonschema.Schema

	// background runs a session round off the request goroutine. Tests
	// replace it with a synchronous runner.
	background func(fn func())
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithRateLimit enables per-IP limiting across the API.
func WithRateLimit(store ratelimit.Store, policy ratelimit.Policy) ServerOption {
	return func(s *Server) {
		s.limiter = store
		s.policy = policy
	}
}

// WithTokenManager enables reviewer authentication.
func WithTokenManager(tokens *identity.TokenManager) ServerOption {
	return func(s *Server) { s.tokens = tokens }
}

// WithArchive enables evidence-pack export and retention.
func WithArchive(packs archive.Store) ServerOption {
	return func(s *Server) { s.packs = packs }
}

// WithObservability traces voting rounds on the provider.
func WithObservability(obs *observability.Provider) ServerOption {
	return func(s *Server) { s.obs = obs }
}

// WithServerLogger sets the structured logger.
func WithServerLogger(logger *slog.Logger) ServerOption {
	return func(s *Server) { s.logger = logger }
}

// WithSynchronousRuns makes session rounds run on the request
// goroutine. Tests only.
func WithSynchronousRuns() ServerOption {
	return func(s *Server) { s.background = func(fn func()) { fn() } }
}

// NewServer wires the HTTP surface.
func NewServer(manager *session.Manager, cases *escalation.Service, leaderboard *readmodel.Leaderboard, trail *audit.Log, records *store.SQLiteStore, opts ...ServerOption) (*Server, error) {
	createSchema, err := jsonschema.CompileString("create_session.json", createSessionSchema)
	if err != nil {
		return nil, fmt.Errorf("api: compile session schema: %w", err)
	}
	decideSchema, err := jsonschema.CompileString("human_decision.json", humanDecisionSchema)
	if err != nil {
		return nil, fmt.Errorf("api: compile decision schema: %w", err)
	}

	s := &Server{
		manager:      manager,
		cases:        cases,
		leaderboard:  leaderboard,
		trail:        trail,
		records:      records,
		logger:       slog.Default(),
		clock:        time.Now,
		createSchema: createSchema,
		decideSchema: decideSchema,
		background:   func(fn func()) { go fn() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Handler builds the routed, middleware-wrapped handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("POST /v1/sessions", s.handleCreateSession)
	mux.HandleFunc("POST /v1/sessions/{id}/start", s.handleStartSession)
	mux.HandleFunc("GET /v1/sessions/{id}", s.handleGetSession)
	mux.HandleFunc("GET /v1/sessions/{id}/tally", s.handleGetTally)
	mux.HandleFunc("GET /v1/sessions/{id}/evidence", s.handleEvidence)
	mux.HandleFunc("GET /v1/escalations", s.handleListEscalations)
	mux.HandleFunc("GET /v1/leaderboard", s.handleLeaderboard)

	decide := RequireCertifiedReviewer(s.tokens)(http.HandlerFunc(s.handleHumanDecision))
	mux.Handle("POST /v1/sessions/{id}/human-decision", decide)

	var handler http.Handler = mux
	handler = RateLimit(s.limiter, s.policy)(handler)
	handler = Logging(s.logger)(handler)
	handler = RequestID(handler)
	return handler
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type createSessionRequest struct {
	Subject contracts.Subject `json:"subject"`

	// Deadline optionally overrides the configured voting window.
	Deadline time.Time `json:"deadline,omitempty"`
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	body, ok := s.decodeValidated(w, r, s.createSchema)
	if !ok {
		return
	}
	var req createSessionRequest
	if err := json.Unmarshal(body, &req); err != nil {
		WriteBadRequest(w, r, "Invalid request body")
		return
	}

	created, err := s.manager.Create(r.Context(), req.Subject, req.Deadline)
	if errors.Is(err, contracts.ErrInsufficientQuorumPool) {
		WriteConflict(w, r, "Council roster has fewer than 11 active agents in some role group")
		return
	}
	if err != nil {
		WriteBadRequest(w, r, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (s *Server) handleStartSession(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")
	current, err := s.manager.Get(r.Context(), sessionID)
	if err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	if current.State != contracts.SessionPending {
		WriteConflict(w, r, fmt.Sprintf("Session is %s, only pending sessions start", current.State))
		return
	}

	// The round outlives the request; a dropped connection must not
	// cancel voting.
	runCtx := context.WithoutCancel(r.Context())
	s.background(func() {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("session round panicked", "session_id", sessionID, "panic", rec)
			}
		}()
		finish := func(error) {}
		if s.obs != nil {
			runCtx, finish = s.obs.TrackRound(runCtx, sessionID)
		}
		_, err := s.manager.Run(runCtx, sessionID)
		finish(err)
		if err != nil {
			s.logger.Error("session round failed", "session_id", sessionID, "error", err)
		}
	})

	writeJSON(w, http.StatusAccepted, map[string]string{
		"session_id": sessionID,
		"state":      string(contracts.SessionVoting),
	})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	loaded, err := s.manager.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, loaded)
}

func (s *Server) handleGetTally(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")
	tally, err := s.manager.Tally(r.Context(), sessionID)
	if err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"session_id": sessionID,
		"tally":      tally,
	})
}

func (s *Server) handleEvidence(w http.ResponseWriter, r *http.Request) {
	if s.packs == nil {
		WriteNotFound(w, r, "Evidence archival is not configured")
		return
	}
	sessionID := r.PathValue("id")

	loaded, err := s.manager.Get(r.Context(), sessionID)
	if err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	if !loaded.State.Terminal() {
		WriteConflict(w, r, "Evidence packs are exported for terminal sessions only")
		return
	}

	votes, err := s.records.ListVotes(r.Context(), sessionID)
	if err != nil {
		WriteInternal(w, r, err)
		return
	}
	entries, err := s.trail.Entries(r.Context(), sessionID)
	if err != nil {
		WriteInternal(w, r, err)
		return
	}
	input := audit.PackInput{Session: loaded, Votes: votes, Decision: loaded.Decision, Entries: entries}
	if c, err := s.cases.Case(r.Context(), sessionID); err == nil {
		input.Case = &c
	} else if !errors.Is(err, contracts.ErrCaseNotFound) {
		WriteInternal(w, r, err)
		return
	}

	pack, err := audit.BuildPack(input, s.clock())
	if err != nil {
		WriteInternal(w, r, err)
		return
	}
	if _, err := s.packs.Put(r.Context(), pack); err != nil {
		WriteInternal(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", sessionID+".zip"))
	w.Header().Set("X-Pack-Checksum", pack.Checksum)
	_, _ = w.Write(pack.Archive)
}

func (s *Server) handleHumanDecision(w http.ResponseWriter, r *http.Request) {
	claims, ok := ReviewerFromContext(r.Context())
	if !ok {
		WriteUnauthorized(w, r, "")
		return
	}
	body, valid := s.decodeValidated(w, r, s.decideSchema)
	if !valid {
		return
	}
	var req struct {
		Choice    contracts.HumanChoice `json:"choice"`
		Rationale string                `json:"rationale"`
	}
	if err := json.Unmarshal(body, &req); err != nil {
		WriteBadRequest(w, r, "Invalid request body")
		return
	}

	resolved, err := s.cases.SubmitHumanDecision(r.Context(), r.PathValue("id"), contracts.HumanDecision{
		ReviewerID: claims.ReviewerID(),
		Choice:     req.Choice,
		Rationale:  req.Rationale,
	})
	switch {
	case errors.Is(err, contracts.ErrCaseNotFound):
		WriteNotFound(w, r, "No escalation case for this session")
	case errors.Is(err, contracts.ErrSessionClosed):
		WriteConflict(w, r, "Case already resolved")
	case err != nil:
		WriteInternal(w, r, err)
	default:
		writeJSON(w, http.StatusOK, resolved)
	}
}

func (s *Server) handleListEscalations(w http.ResponseWriter, r *http.Request) {
	var statuses []contracts.CaseStatus
	if raw := r.URL.Query().Get("status"); raw != "" {
		for _, part := range strings.Split(raw, ",") {
			switch status := contracts.CaseStatus(strings.TrimSpace(part)); status {
			case contracts.CaseOpen, contracts.CaseOverdue, contracts.CaseResolved:
				statuses = append(statuses, status)
			default:
				WriteBadRequest(w, r, fmt.Sprintf("Unknown case status %q", part))
				return
			}
		}
	}

	cases, err := s.cases.Cases(r.Context(), statuses...)
	if err != nil {
		WriteInternal(w, r, err)
		return
	}
	if cases == nil {
		cases = []contracts.EscalationCase{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"cases": cases})
}

func (s *Server) handleLeaderboard(w http.ResponseWriter, r *http.Request) {
	limit := 33
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			WriteBadRequest(w, r, "limit must be a positive integer")
			return
		}
		limit = n
	}
	if err := s.leaderboard.Rebuild(r.Context()); err != nil {
		WriteInternal(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"agents":     s.leaderboard.Top(limit),
		"rebuilt_at": s.leaderboard.RebuiltAt(),
	})
}

// decodeValidated reads the body (1MB cap) and validates it against
// schema, writing the problem response itself on failure.
func (s *Server) decodeValidated(w http.ResponseWriter, r *http.Request, schema *jsonschema.Schema) ([]byte, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	var raw interface{}
	decoder := json.NewDecoder(r.Body)
	decoder.UseNumber()
	if err := decoder.Decode(&raw); err != nil {
		WriteBadRequest(w, r, "Invalid JSON body")
		return nil, false
	}
	if err := schema.Validate(raw); err != nil {
		WriteBadRequest(w, r, err.Error())
		return nil, false
	}
	body, err := json.Marshal(raw)
	if err != nil {
		WriteInternal(w, r, err)
		return nil, false
	}
	return body, true
}

func (s *Server) writeStoreError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, contracts.ErrSessionNotFound) {
		WriteNotFound(w, r, "Session not found")
		return
	}
	WriteInternal(w, r, err)
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
