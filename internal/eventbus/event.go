// Package eventbus implements the Collaboration Event Bus (spec.md §4.7):
// project-scoped publish/subscribe with replay of the last N events per
// project to newly connecting subscribers, plus Presence (TTL 60s). It is
// built on an embedded, in-process NATS server with a JetStream
// memory-backed stream, grounded on the teacher's internal/lattice
// (internal/lattice/embedded.go, internal/lattice/presence.go) and
// internal/workflows/runtime/nats_engine.go.
package eventbus

import (
	"time"

	"github.com/google/uuid"
)

// Kind is one of the closed set of event kinds spec.md §4.7 names.
type Kind string

const (
	TaskCreated         Kind = "TASK_CREATED"
	TaskUpdated         Kind = "TASK_UPDATED"
	TaskDeleted         Kind = "TASK_DELETED"
	AttemptStateChanged Kind = "ATTEMPT_STATE_CHANGED"
	ProcessLogAppended  Kind = "PROCESS_LOG_APPENDED"
	PresenceUpdated     Kind = "PRESENCE_UPDATED"
)

// Event is the envelope every publish carries: {project_id, kind,
// entity_id, actor_user_id, timestamp, payload} per spec.md §4.7.
// ProcessLogAppended payloads are metadata only (process_id, seq); log
// bytes themselves are pulled through the Log Multiplexer (C5).
type Event struct {
	ProjectID   uuid.UUID   `json:"project_id"`
	Kind        Kind        `json:"kind"`
	EntityID    uuid.UUID   `json:"entity_id"`
	ActorUserID *uuid.UUID  `json:"actor_user_id,omitempty"`
	Timestamp   time.Time   `json:"timestamp"`
	Payload     interface{} `json:"payload,omitempty"`
}
