package services

import (
	"log/slog"
	"sync"
	"time"
)

// PauseSwitch is an operator-facing kill switch on the outbound-send
// worker pool: workers check IsPaused on each dequeued job and requeue it
// while paused. Adapted
// from the teacher's PanicMode (panic_mode.go), which disabled AI replies
// globally; here the same mutex-guarded boolean plus reason/activatedBy
// bookkeeping is repurposed to pause provider sends during an incident.
type PauseSwitch struct {
	mu          sync.RWMutex
	active      bool
	reason      string
	activatedBy string
	activatedAt time.Time
}

func NewPauseSwitch() *PauseSwitch {
	return &PauseSwitch{}
}

func (p *PauseSwitch) IsPaused() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.active
}

func (p *PauseSwitch) Pause(reason, activatedBy string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.active = true
	p.reason = reason
	p.activatedBy = activatedBy
	p.activatedAt = time.Now()

	slog.Warn("outbound pipeline paused", "reason", reason, "activated_by", activatedBy)
}

func (p *PauseSwitch) Resume(resumedBy string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	duration := time.Since(p.activatedAt)
	p.active = false

	slog.Info("outbound pipeline resumed", "resumed_by", resumedBy, "was_paused_for", duration)
}

func (p *PauseSwitch) Status() map[string]any {
	p.mu.RLock()
	defer p.mu.RUnlock()

	return map[string]any{
		"active":      p.active,
		"reason":      p.reason,
		"activatedBy": p.activatedBy,
		"activatedAt": p.activatedAt,
	}
}
