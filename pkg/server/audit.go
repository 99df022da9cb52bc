package server

import (
	"context"
	"log/slog"
	"slices"
	"sync"

	"github.com/NicolasHaas/parley/pkg/events"
)

const auditCapacity = 100

// Auditor logs moderation events and keeps the most recent ones.
type Auditor struct {
	mu     sync.Mutex
	limit  int
	recent []events.ModerationEvent
}

// NewAuditor creates an auditor retaining up to capacity events.
func NewAuditor(capacity int) *Auditor {
	if capacity <= 0 {
		capacity = auditCapacity
	}
	return &Auditor{limit: capacity}
}

// Start subscribes the auditor to bus.
func (a *Auditor) Start(ctx context.Context, bus *events.Bus) error {
	return bus.Subscribe(ctx, a.Record)
}

// Record stores ev, evicting the oldest entry when full.
func (a *Auditor) Record(_ context.Context, ev events.ModerationEvent) error {
	slog.Info("moderation",
		"action", ev.Action,
		"actor", ev.Actor,
		"target", ev.Target,
		"ok", ev.OK,
		"detail", ev.Detail,
	)

	a.mu.Lock()
	defer a.mu.Unlock()
	// the bus may deliver out of order; keep the slice sorted by At
	i := slices.IndexFunc(a.recent, func(e events.ModerationEvent) bool { return e.At.After(ev.At) })
	if i < 0 {
		i = len(a.recent)
	}
	a.recent = slices.Insert(a.recent, i, ev)
	if len(a.recent) > a.limit {
		a.recent = slices.Delete(a.recent, 0, 1)
	}
	return nil
}

// Recent returns the retained events ordered by At, oldest first. Events
// with equal At keep their arrival order.
func (a *Auditor) Recent() []events.ModerationEvent {
	a.mu.Lock()
	defer a.mu.Unlock()
	return slices.Clone(a.recent)
}
