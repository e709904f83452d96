package eventbus

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
)

// presenceTTL is spec.md §4.7's "entries older than 60s are considered
// offline and removed on next tick".
const presenceTTL = 60 * time.Second

// PresenceEntry is one row of spec.md §3's Presence type:
// {project_id, user_id, status, last_seen}.
type PresenceEntry struct {
	ProjectID uuid.UUID `json:"project_id"`
	UserID    uuid.UUID `json:"user_id"`
	Status    string    `json:"status"`
	LastSeen  time.Time `json:"last_seen"`
}

// Presence tracks per-project, per-user liveness entirely in memory —
// it is explicitly ephemeral (spec.md §3), never persisted to the Store.
// Grounded on the teacher's internal/lattice/presence.go heartbeat/TTL
// shape, with the gossip/registry machinery dropped (single server, no
// peer discovery) and a robfig/cron sweep standing in for its ticker.
type Presence struct {
	broker *Broker

	mu      sync.Mutex
	entries map[uuid.UUID]map[uuid.UUID]PresenceEntry // projectID -> userID -> entry

	cron *cron.Cron
}

func newPresence(b *Broker) *Presence {
	return &Presence{
		broker:  b,
		entries: make(map[uuid.UUID]map[uuid.UUID]PresenceEntry),
		cron:    cron.New(),
	}
}

// Heartbeat records a user's presence for a project and publishes a
// PRESENCE_UPDATED event so live subscribers see it without polling.
func (p *Presence) Heartbeat(ctx context.Context, projectID, userID uuid.UUID, status string) error {
	entry := PresenceEntry{ProjectID: projectID, UserID: userID, Status: status, LastSeen: time.Now()}

	p.mu.Lock()
	if p.entries[projectID] == nil {
		p.entries[projectID] = make(map[uuid.UUID]PresenceEntry)
	}
	p.entries[projectID][userID] = entry
	p.mu.Unlock()

	return p.broker.Publish(ctx, Event{
		ProjectID: projectID,
		Kind:      PresenceUpdated,
		EntityID:  userID,
		Timestamp: entry.LastSeen,
		Payload:   entry,
	})
}

// List returns every non-stale presence entry for a project.
func (p *Presence) List(projectID uuid.UUID) []PresenceEntry {
	cutoff := time.Now().Add(-presenceTTL)

	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]PresenceEntry, 0, len(p.entries[projectID]))
	for _, e := range p.entries[projectID] {
		if e.LastSeen.After(cutoff) {
			out = append(out, e)
		}
	}
	return out
}

// Remove drops a user's presence immediately, without waiting for the
// next sweep tick. Session revocation does not call it; a revoked user's
// entry ages out through the TTL sweep instead.
func (p *Presence) Remove(projectID, userID uuid.UUID) {
	p.mu.Lock()
	if m, ok := p.entries[projectID]; ok {
		delete(m, userID)
	}
	p.mu.Unlock()
}

// StartSweep schedules the stale-entry removal tick on schedule (a
// standard cron expression, or a "@every" shorthand); it should run
// comfortably more often than presenceTTL so removal is prompt.
func (p *Presence) StartSweep(schedule string) error {
	if _, err := p.cron.AddFunc(schedule, p.sweep); err != nil {
		return err
	}
	p.cron.Start()
	return nil
}

func (p *Presence) stop() {
	p.cron.Stop()
}

func (p *Presence) sweep() {
	cutoff := time.Now().Add(-presenceTTL)

	var expired []PresenceEntry
	p.mu.Lock()
	for projectID, users := range p.entries {
		for userID, e := range users {
			if e.LastSeen.Before(cutoff) {
				expired = append(expired, e)
				delete(users, userID)
			}
		}
		if len(users) == 0 {
			delete(p.entries, projectID)
		}
	}
	p.mu.Unlock()

	for _, e := range expired {
		offline := e
		offline.Status = "offline"
		_ = p.broker.Publish(context.Background(), Event{
			ProjectID: e.ProjectID,
			Kind:      PresenceUpdated,
			EntityID:  e.UserID,
			Timestamp: time.Now(),
			Payload:   offline,
		})
	}
}
