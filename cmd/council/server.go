package main

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/quorumworks/council/pkg/api"
	"github.com/quorumworks/council/pkg/archive"
	"github.com/quorumworks/council/pkg/audit"
	"github.com/quorumworks/council/pkg/backend"
	"github.com/quorumworks/council/pkg/collector"
	"github.com/quorumworks/council/pkg/config"
	"github.com/quorumworks/council/pkg/contracts"
	"github.com/quorumworks/council/pkg/escalation"
	"github.com/quorumworks/council/pkg/identity"
	"github.com/quorumworks/council/pkg/observability"
	"github.com/quorumworks/council/pkg/ratelimit"
	"github.com/quorumworks/council/pkg/readmodel"
	"github.com/quorumworks/council/pkg/roster"
	"github.com/quorumworks/council/pkg/session"
	"github.com/quorumworks/council/pkg/store"
)

const overdueSweepInterval = time.Minute

// voteRecorder breaks the construction cycle between the collector and
// the session manager, which records its own votes.
type voteRecorder struct {
	recorder collector.Recorder
}

func (v *voteRecorder) RecordVote(ctx context.Context, vote contracts.Vote) error {
	return v.recorder.RecordVote(ctx, vote)
}

func runServer(stderr io.Writer) int {
	cfg := config.Load()
	logger := newLogger(stderr, cfg.LogLevel)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	obs, err := observability.New(ctx, &observability.Config{
		ServiceName:  "council-engine",
		Environment:  envName(),
		OTLPEndpoint: cfg.OTLPEndpoint,
		SampleRate:   1.0,
		BatchTimeout: 5 * time.Second,
		Enabled:      cfg.OTelEnabled,
		Insecure:     true,
	})
	if err != nil {
		logger.Error("observability init failed", "error", err)
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = obs.Shutdown(shutdownCtx)
	}()

	if err := os.MkdirAll(filepath.Dir(cfg.DatabasePath), 0o755); err != nil {
		logger.Error("create data directory", "error", err)
		return 1
	}
	db, err := store.Open(cfg.DatabasePath)
	if err != nil {
		logger.Error("open database", "path", cfg.DatabasePath, "error", err)
		return 1
	}
	defer db.Close()

	st, err := store.NewSQLiteStore(db)
	if err != nil {
		logger.Error("init store", "error", err)
		return 1
	}
	outbox, err := store.NewSQLiteOutbox(db)
	if err != nil {
		logger.Error("init outbox", "error", err)
		return 1
	}
	trail, err := audit.NewLog(db)
	if err != nil {
		logger.Error("init audit trail", "error", err)
		return 1
	}
	trail.Subscribe(audit.LogHandler(logger))

	rosterFile, err := roster.ReadFile(cfg.RosterPath)
	if err != nil {
		logger.Error("load roster", "path", cfg.RosterPath, "error", err)
		return 1
	}
	registry, err := rosterFile.Registry()
	if err != nil {
		logger.Error("build roster registry", "error", err)
		return 1
	}
	dir, err := buildBackends(rosterFile)
	if err != nil {
		logger.Error("wire provider backends", "error", err)
		return 1
	}
	if !registry.Eligible() {
		logger.Warn("roster below quorum eligibility, sessions will be refused",
			"size", registry.Size(), "group_minimum", registry.GroupMinimum())
	}

	router, err := escalation.NewRouter(st, outbox, trail,
		escalation.WithReviewWindow(cfg.ReviewWindow),
		escalation.WithLogger(logger))
	if err != nil {
		logger.Error("init escalation router", "error", err)
		return 1
	}

	recorder := &voteRecorder{}
	col := collector.New(dir, recorder)
	manager := session.NewManager(st, registry, col, router, trail,
		session.WithVotingWindow(cfg.VotingWindow),
		session.WithAgentTimeout(cfg.AgentTimeout),
		session.WithLogger(logger),
		session.WithHooks(session.Hooks{
			OnVote: func(v contracts.Vote) {
				obs.RecordVote(context.Background(), string(v.Choice))
			},
			OnDecision: func(d contracts.Decision) {
				obs.RecordOutcome(context.Background(), string(d.Outcome))
			},
		}))
	recorder.recorder = manager

	cases := escalation.NewService(st, trail, escalation.WithServiceLogger(logger))
	board := readmodel.NewLeaderboard(st)

	opts := []api.ServerOption{
		api.WithServerLogger(logger),
		api.WithObservability(obs),
	}

	packs, err := archive.NewStoreFromEnv(ctx)
	if err != nil {
		logger.Error("init evidence archive", "error", err)
		return 1
	}
	opts = append(opts, api.WithArchive(packs))

	if cfg.SigningKey != "" {
		tokens, err := identity.NewTokenManager([]byte(cfg.SigningKey), cfg.TokenTTL)
		if err != nil {
			logger.Error("init token manager", "error", err)
			return 1
		}
		opts = append(opts, api.WithTokenManager(tokens))
	} else {
		logger.Warn("SIGNING_KEY unset, human decision endpoint disabled")
	}

	var limiter ratelimit.Store
	if cfg.RedisAddr != "" {
		rs := ratelimit.NewRedisStore(cfg.RedisAddr, cfg.RedisPassword, 0)
		if err := rs.Ping(ctx); err != nil {
			logger.Error("redis unreachable", "addr", cfg.RedisAddr, "error", err)
			return 1
		}
		limiter = rs
	} else {
		limiter = ratelimit.NewMemoryStore(ctx)
	}
	opts = append(opts, api.WithRateLimit(limiter, ratelimit.Policy{RPS: cfg.RateRPS, Burst: cfg.RateBurst}))

	server, err := api.NewServer(manager, cases, board, trail, st, opts...)
	if err != nil {
		logger.Error("init api server", "error", err)
		return 1
	}

	if cfg.HandoffURL != "" {
		deliverer := escalation.NewHTTPDeliverer(cfg.HandoffURL, nil)
		dispatcher := escalation.NewDispatcher(outbox, deliverer, trail,
			escalation.WithDispatcherLogger(logger))
		go dispatcher.Run(ctx, cfg.DispatchInterval)
	} else {
		logger.Warn("HANDOFF_URL unset, escalation handoffs stay queued")
	}

	go sweepOverdue(ctx, cases, logger)

	httpServer := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("council engine listening", "port", cfg.Port, "roster_size", registry.Size())
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("shutdown failed", "error", err)
			return 1
		}
		return 0
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server failed", "error", err)
			return 1
		}
		return 0
	}
}

// buildBackends wires one HTTP backend per roster entry that declares
// an endpoint. Entries without endpoints are left to refuse resolution,
// which the collector records as a failed contact.
func buildBackends(file *roster.File) (*backend.Directory, error) {
	dir := backend.NewDirectory()
	for _, entry := range file.Agents {
		if entry.Endpoint == "" {
			continue
		}
		apiKey := ""
		if entry.APIKeyEnv != "" {
			apiKey = os.Getenv(entry.APIKeyEnv)
		}
		b, err := backend.NewHTTPBackend(entry.Provider, entry.Endpoint, apiKey)
		if err != nil {
			return nil, err
		}
		dir.Add(b)
	}
	return dir, nil
}

func sweepOverdue(ctx context.Context, cases *escalation.Service, logger *slog.Logger) {
	ticker := time.NewTicker(overdueSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := cases.FlagOverdue(ctx)
			if err != nil {
				logger.Error("overdue sweep failed", "error", err)
				continue
			}
			if n > 0 {
				logger.Warn("cases past review window", "count", n)
			}
		}
	}
}

func newLogger(w io.Writer, level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToUpper(level) {
	case "DEBUG":
		lvl = slog.LevelDebug
	case "WARN":
		lvl = slog.LevelWarn
	case "ERROR":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: lvl}))
}

func envName() string {
	if env := os.Getenv("ENVIRONMENT"); env != "" {
		return env
	}
	return "development"
}
