package agent

import (
	"context"
	"sync"
	"time"

	"github.com/haasonsaas/moor/internal/tools"
	"github.com/haasonsaas/moor/pkg/models"
)

type gateVerdict int

const (
	gateAllow gateVerdict = iota
	gateDeny
	gateAsk
	gatePlanQueue
)

type gateResult struct {
	verdict gateVerdict
	note    string
}

type decision struct {
	Allow bool
	Note  string
}

// permissionEngine implements the four gating modes. Decisions are recorded
// by call id and are idempotent: only the first decide for an id resolves
// the waiter and produces events.
type permissionEngine struct {
	mode     models.PermissionMode
	approval map[string]bool

	mu      sync.Mutex
	waiters map[string]chan decision
	decided map[string]decision
}

func newPermissionEngine(cfg *models.PermissionConfig) *permissionEngine {
	p := &permissionEngine{
		mode:     models.PermissionAuto,
		approval: make(map[string]bool),
		waiters:  make(map[string]chan decision),
		decided:  make(map[string]decision),
	}
	if cfg != nil {
		if cfg.Mode != "" {
			p.mode = cfg.Mode
		}
		for _, name := range cfg.RequireApprovalTools {
			p.approval[name] = true
		}
	}
	return p
}

// gate returns the verdict for one tool call under the configured mode.
func (p *permissionEngine) gate(desc tools.Descriptor) gateResult {
	switch p.mode {
	case models.PermissionReadOnly:
		if desc.Mutates {
			return gateResult{verdict: gateDeny, note: "read-only mode"}
		}
	case models.PermissionApproval:
		if p.approval[desc.Name] {
			return gateResult{verdict: gateAsk}
		}
	case models.PermissionPlan:
		if !desc.PlanSafe {
			return gateResult{verdict: gatePlanQueue, note: "queued in plan mode"}
		}
	}
	return gateResult{verdict: gateAllow}
}

// register opens a waiter for a call awaiting a decision.
func (p *permissionEngine) register(callID string) <-chan decision {
	p.mu.Lock()
	defer p.mu.Unlock()
	ch := make(chan decision, 1)
	p.waiters[callID] = ch
	return ch
}

// decide resolves a pending call. The first return reports whether this was
// the first decision for the id; the second whether the id is known at all.
// Unknown ids are never recorded, so a later registration is not poisoned.
func (p *permissionEngine) decide(callID string, allow bool, note string) (first, known bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, done := p.decided[callID]; done {
		return false, true
	}
	ch, open := p.waiters[callID]
	if !open {
		return false, false
	}
	d := decision{Allow: allow, Note: note}
	p.decided[callID] = d
	ch <- d
	delete(p.waiters, callID)
	return true, true
}

// decidedFor returns the decision already recorded for a call, if any.
func (p *permissionEngine) decidedFor(callID string) (decision, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	d, ok := p.decided[callID]
	return d, ok
}

// pending returns call ids still awaiting a decision, in no fixed order.
func (p *permissionEngine) pending() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	ids := make([]string, 0, len(p.waiters))
	for id := range p.waiters {
		ids = append(ids, id)
	}
	return ids
}

// wait blocks until a decision arrives, the timeout lapses, or ctx is
// cancelled. On timeout or cancellation the fallback decision is recorded so
// a late decide becomes a no-op; the second return reports that path.
func (p *permissionEngine) wait(ctx context.Context, callID string, ch <-chan decision, timeout time.Duration, fallback decision) (decision, bool) {
	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}
	select {
	case d := <-ch:
		return d, false
	case <-expired:
	case <-ctx.Done():
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	// A decide may have raced the timeout; prefer it.
	if d, ok := p.decided[callID]; ok {
		return d, false
	}
	p.decided[callID] = fallback
	delete(p.waiters, callID)
	return fallback, true
}
