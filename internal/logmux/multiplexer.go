// Package logmux implements the Log Multiplexer (C5): an append-only,
// per-process log store with live fan-out to many concurrent subscribers,
// grounded on the teacher's execution-event tracker shape but decoupled
// from any particular agent SDK's event types.
package logmux

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/namastexlabs/automagik-forge/internal/db/repositories"
	"github.com/namastexlabs/automagik-forge/pkg/models"
)

// DefaultSubscriberBufferBytes is the default bound on how much unread
// output a slow subscriber may accumulate before being dropped with an
// OVERRUN marker.
const DefaultSubscriberBufferBytes = 1 << 20 // 1 MiB

// Chunk is one unit delivered to a subscriber: either a real persisted log
// chunk, or a synthetic Overrun/Closed marker.
type Chunk struct {
	models.LogChunk
	Overrun bool
	Closed  bool
}

type subscriber struct {
	ch          chan Chunk
	bufferBytes int
	maxBytes    int
	overran     bool
}

// Multiplexer owns the in-memory fan-out half of the Log Multiplexer; the
// Store (via repositories.LogRepo) owns persistence.
type Multiplexer struct {
	logs *repositories.LogRepo

	mu          sync.Mutex
	subscribers map[uuid.UUID][]*subscriber
	terminal    map[uuid.UUID]bool
}

func NewMultiplexer(logs *repositories.LogRepo) *Multiplexer {
	return &Multiplexer{
		logs:        logs,
		subscribers: make(map[uuid.UUID][]*subscriber),
		terminal:    make(map[uuid.UUID]bool),
	}
}

// Append is append(process_id, stream, bytes): persists the chunk (which
// assigns its monotonic seq), then publishes it to every live subscriber
// of that process.
func (m *Multiplexer) Append(ctx context.Context, processID uuid.UUID, stream models.LogStream, data []byte) (int64, error) {
	seq, err := m.logs.AppendLog(ctx, processID, stream, data)
	if err != nil {
		return 0, fmt.Errorf("append log chunk: %w", err)
	}

	chunk := Chunk{LogChunk: models.LogChunk{
		ProcessID: processID,
		Seq:       seq,
		Stream:    stream,
		Bytes:     data,
	}}

	m.publish(processID, chunk)
	return seq, nil
}

func (m *Multiplexer) publish(processID uuid.UUID, chunk Chunk) {
	m.mu.Lock()
	defer m.mu.Unlock()

	subs := m.subscribers[processID]
	for _, s := range subs {
		if s.overran {
			continue
		}
		if s.bufferBytes+len(chunk.Bytes) > s.maxBytes {
			s.overran = true
			select {
			case s.ch <- Chunk{Overrun: true}:
			default:
			}
			close(s.ch)
			continue
		}
		s.bufferBytes += len(chunk.Bytes)
		select {
		case s.ch <- chunk:
		default:
			// Subscriber isn't draining fast enough even within its byte
			// budget; treat a full channel the same as an overrun rather
			// than blocking the writer.
			s.overran = true
			select {
			case s.ch <- Chunk{Overrun: true}:
			default:
			}
			close(s.ch)
		}
	}

	if len(subs) > 0 {
		m.subscribers[processID] = compact(subs)
	}
}

func compact(subs []*subscriber) []*subscriber {
	var live []*subscriber
	for _, s := range subs {
		if !s.overran {
			live = append(live, s)
		}
	}
	return live
}

// MarkTerminal records that processID has reached a terminal status, so
// Subscribe knows to close a caught-up subscriber's channel instead of
// leaving it open forever.
func (m *Multiplexer) MarkTerminal(processID uuid.UUID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.terminal[processID] = true

	for _, s := range m.subscribers[processID] {
		if s.overran {
			continue
		}
		select {
		case s.ch <- Chunk{Closed: true}:
		default:
		}
		close(s.ch)
	}
	delete(m.subscribers, processID)
}

// Subscribe is subscribe(process_id, since_seq): it replays every
// persisted chunk with seq > sinceSeq, then (if the process is not
// already terminal) continues delivering live chunks until the process
// reaches a terminal state and the cursor catches up, or the subscriber
// overruns its buffer. The returned channel is always eventually closed.
func (m *Multiplexer) Subscribe(ctx context.Context, processID uuid.UUID, sinceSeq int64, bufferBytes int) (<-chan Chunk, error) {
	if bufferBytes <= 0 {
		bufferBytes = DefaultSubscriberBufferBytes
	}

	replay, err := m.logs.ReadLogsSince(ctx, processID, sinceSeq)
	if err != nil {
		return nil, fmt.Errorf("replay logs since %d: %w", sinceSeq, err)
	}

	out := make(chan Chunk, 64)
	sub := &subscriber{ch: make(chan Chunk, 64), maxBytes: bufferBytes}

	m.mu.Lock()
	alreadyTerminal := m.terminal[processID]
	if !alreadyTerminal {
		m.subscribers[processID] = append(m.subscribers[processID], sub)
	}
	m.mu.Unlock()

	go func() {
		defer close(out)

		for _, c := range replay {
			select {
			case out <- Chunk{LogChunk: c}:
			case <-ctx.Done():
				return
			}
		}

		if alreadyTerminal {
			out <- Chunk{Closed: true}
			return
		}

		for {
			select {
			case c, ok := <-sub.ch:
				if !ok {
					return
				}
				out <- c
				if c.Overrun || c.Closed {
					return
				}
			case <-ctx.Done():
				m.unsubscribe(processID, sub)
				return
			}
		}
	}()

	return out, nil
}

func (m *Multiplexer) unsubscribe(processID uuid.UUID, target *subscriber) {
	m.mu.Lock()
	defer m.mu.Unlock()
	subs := m.subscribers[processID]
	for i, s := range subs {
		if s == target {
			m.subscribers[processID] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
}

// ReadSnapshot is read_snapshot(process_id).
func (m *Multiplexer) ReadSnapshot(ctx context.Context, processID uuid.UUID) (stdout, stderr []byte, err error) {
	return m.logs.ReadSnapshot(ctx, processID)
}
