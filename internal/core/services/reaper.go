package services

import (
	"context"
	"log/slog"
	"time"

	"immortal-chat/internal/core/ports"
)

// Reaper periodically sweeps AgentSession rows whose owning process
// instance vanished without a clean socket disconnect, marks them
// OFFLINE, and releases any conversations still assigned to that agent.
// Adapted from the teacher's watchdog.go, which ran a ticker loop
// purging old webhook_logs/messages by a disk-usage heuristic — a
// single-node assumption that does not fit a replicated deployment. This
// keeps the ticker-driven background-service shape but repurposes it for
// stale session cleanup, the owning component spec.md §3's "sessions are
// reaped" line never assigns.
type Reaper struct {
	sessions      ports.AgentSessionRepository
	conversations *ConversationService
	staleAfter    time.Duration
	interval      time.Duration
}

func NewReaper(sessions ports.AgentSessionRepository, conversations *ConversationService, staleAfter, interval time.Duration) *Reaper {
	return &Reaper{
		sessions:      sessions,
		conversations: conversations,
		staleAfter:    staleAfter,
		interval:      interval,
	}
}

// Run blocks, sweeping on every tick until ctx is cancelled.
func (r *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	slog.Info("session reaper started", "interval", r.interval, "stale_after", r.staleAfter)

	for {
		select {
		case <-ctx.Done():
			slog.Info("session reaper stopped")
			return
		case <-ticker.C:
			r.sweep(ctx)
		}
	}
}

func (r *Reaper) sweep(ctx context.Context) {
	defer func() {
		if rec := recover(); rec != nil {
			slog.Error("PANIC in session reaper sweep", "panic", rec)
		}
	}()

	cutoff := time.Now().Add(-r.staleAfter)
	stale, err := r.sessions.ListStale(ctx, cutoff)
	if err != nil {
		slog.Error("failed to list stale agent sessions", "error", err)
		return
	}

	if len(stale) == 0 {
		return
	}

	slog.Info("reaping stale agent sessions", "count", len(stale))

	seen := make(map[string]struct{})
	for _, session := range stale {
		if err := r.sessions.MarkOffline(ctx, session.ConnectionID); err != nil {
			slog.Error("failed to mark agent session offline", "error", err, "connection_id", session.ConnectionID)
			continue
		}

		if _, already := seen[session.AgentID]; already {
			continue
		}
		seen[session.AgentID] = struct{}{}

		if err := r.conversations.ReleaseByAgent(ctx, session.AgentID); err != nil {
			slog.Error("failed to release conversations for reaped agent", "error", err, "agent_id", session.AgentID)
		}
	}
}
