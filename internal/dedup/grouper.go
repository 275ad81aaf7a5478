// Package dedup collapses structurally identical notifications into groups
// within a rolling time window, so a storm of repeats surfaces as one
// notification with a rising counter instead of many rows.
package dedup

import (
	"context"
	"fmt"
	"hash/fnv"
	"sync"
	"sync/atomic"
	"time"

	"signaldesk/internal/types"
)

// GroupKey derives the deterministic dedup key for a notification. Two
// notifications share a group iff they agree on event type, priority tier,
// and recipient.
func GroupKey(eventType string, priority types.Priority, recipientID string) string {
	h := fnv.New64a()
	fmt.Fprintf(h, "%s|%s|%s", eventType, priority, recipientID)
	return fmt.Sprintf("grp_%016x", h.Sum64())
}

// Admission is the outcome of admitting one notification into the grouper.
type Admission struct {
	// Notification is the group's canonical notification: the original on a
	// fresh group, or the original with GroupCount incremented and CreatedAt
	// refreshed on a merge.
	Notification types.Notification

	// IsNewGroup is true when this admission opened a fresh group (first
	// arrival, or first arrival after the previous group sealed).
	IsNewGroup bool

	// Generation increases on every admission into the group. A dispatch is
	// superseded once a later admission bumps the generation; schedulers
	// consult IsCurrent before queueing a retry.
	Generation int64
}

type group struct {
	mu           sync.Mutex
	notification types.Notification
	generation   int64
	lastArrival  time.Time

	// removed is set (under mu) when the sweeper takes the group out of the
	// map. An admission that locked a removed group must restart its lookup.
	removed bool
}

// Grouper holds the active groups keyed by GroupKey. Each key has a single
// writer: admissions for one key serialize on the group's mutex while
// different keys proceed independently.
type Grouper struct {
	window time.Duration
	clock  types.Clock
	logger types.Logger

	// gen is grouper-wide so generations stay unique even when a sealed
	// group is swept and later recreated under the same key.
	gen atomic.Int64

	mu     sync.Mutex
	groups map[string]*group
}

// NewGrouper creates a Grouper with the given dedup window.
func NewGrouper(window time.Duration, clock types.Clock, logger types.Logger) *Grouper {
	if clock == nil {
		clock = types.RealClock{}
	}
	if logger == nil {
		logger = types.NopLogger{}
	}
	return &Grouper{
		window: window,
		clock:  clock,
		logger: logger,
		groups: make(map[string]*group),
	}
}

// AdmitOrMerge admits a freshly classified notification. If an unsealed group
// with the same key saw an arrival within the window, the notification merges
// into it: the group's counter increments, its CreatedAt refreshes, and the
// group's original notification ID is kept so clients update in place.
// Otherwise a new group opens around this notification.
func (g *Grouper) AdmitOrMerge(n types.Notification) Admission {
	key := GroupKey(n.EventType, n.Priority, n.Recipient.ID)
	now := g.clock.Now()

	for {
		grp := g.lookupOrCreate(key)
		if adm, ok := g.admit(grp, key, n, now); ok {
			return adm
		}
		// The sweeper removed this group between lookup and lock; the map
		// holds (or will hold) a live replacement.
	}
}

func (g *Grouper) lookupOrCreate(key string) *group {
	g.mu.Lock()
	defer g.mu.Unlock()
	grp, ok := g.groups[key]
	if !ok {
		grp = &group{}
		g.groups[key] = grp
	}
	return grp
}

// admit performs one admission attempt against a looked-up group. It reports
// ok=false when the group was swept out of the map before the lock was taken,
// in which case the caller must retry against the live map entry.
func (g *Grouper) admit(grp *group, key string, n types.Notification, now time.Time) (Admission, bool) {
	grp.mu.Lock()
	defer grp.mu.Unlock()

	if grp.removed {
		return Admission{}, false
	}

	sealed := grp.lastArrival.IsZero() || now.Sub(grp.lastArrival) > g.window
	grp.lastArrival = now
	grp.generation = g.gen.Add(1)

	if sealed {
		n.GroupKey = key
		n.GroupCount = 1
		n.CreatedAt = now
		grp.notification = n
		return Admission{Notification: n, IsNewGroup: true, Generation: grp.generation}, true
	}

	grp.notification.GroupCount++
	grp.notification.CreatedAt = now
	return Admission{Notification: grp.notification, IsNewGroup: false, Generation: grp.generation}, true
}

// IsCurrent reports whether the given generation is still the group's latest
// admission. A false result means a later duplicate superseded this dispatch
// and no further retries should be scheduled for it. A swept (sealed) group
// counts as current: sealing is not supersession.
func (g *Grouper) IsCurrent(groupKey string, generation int64) bool {
	g.mu.Lock()
	grp, ok := g.groups[groupKey]
	g.mu.Unlock()
	if !ok {
		return true
	}

	grp.mu.Lock()
	defer grp.mu.Unlock()
	return grp.generation == generation
}

// Run sweeps sealed groups until the context is cancelled. Sealed state is
// also detected lazily on admission; the sweep only bounds memory during long
// quiet periods.
func (g *Grouper) Run(ctx context.Context) {
	ticker := time.NewTicker(g.window)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := g.sweep(g.clock.Now()); n > 0 {
				g.logger.Info("swept sealed notification groups", "count", n)
			}
		}
	}
}

// sweep drops groups whose window elapsed with no arrivals. The removed flag
// is set under the group's own lock, so an admission that already fetched the
// pointer detects the removal and retries against the live map entry instead
// of updating an orphan.
func (g *Grouper) sweep(now time.Time) int {
	g.mu.Lock()
	defer g.mu.Unlock()

	removed := 0
	for key, grp := range g.groups {
		grp.mu.Lock()
		if now.Sub(grp.lastArrival) > g.window {
			grp.removed = true
			delete(g.groups, key)
			removed++
		}
		grp.mu.Unlock()
	}
	return removed
}
