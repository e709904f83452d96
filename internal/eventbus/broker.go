package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"

	"github.com/google/uuid"
)

const (
	defaultReplayWindow = 256
	streamName          = "FORGE_EVENTS"
	subjectPrefix       = "forge.events."
	subscriberBufferSize = 256
)

// Config configures a Broker. ReplayWindow is the N in spec.md §4.7's
// "replay of the last N events per project (default 256)".
type Config struct {
	ReplayWindow int
	StoreDir     string
	PresenceSweepSchedule string
}

// Broker is the Collaboration Event Bus (C7): an embedded, single-process
// NATS server plus a JetStream memory-backed stream, one subject per
// project, trimmed to ReplayWindow messages per subject so a fresh
// subscription's "replay from the beginning" is exactly the last N events
// spec.md §4.7 asks for. Grounded on the teacher's
// internal/lattice/embedded.go (embedded server lifecycle) and
// internal/workflows/runtime/nats_engine.go (JetStreamContext wiring).
type Broker struct {
	server       *natsserver.Server
	conn         *nats.Conn
	js           nats.JetStreamContext
	replayWindow int
	storeDir     string
	ownsStoreDir bool
	presence     *Presence
}

// NewBroker starts the embedded server and connects to it in-process.
func NewBroker(cfg Config) (*Broker, error) {
	replay := cfg.ReplayWindow
	if replay <= 0 {
		replay = defaultReplayWindow
	}

	storeDir := cfg.StoreDir
	ownsStoreDir := false
	if storeDir == "" {
		dir, err := os.MkdirTemp("", "forge-eventbus-")
		if err != nil {
			return nil, fmt.Errorf("create jetstream store dir: %w", err)
		}
		storeDir = dir
		ownsStoreDir = true
	}

	opts := &natsserver.Options{
		Host:      "127.0.0.1",
		Port:      -1, // OS-assigned, in-process only
		JetStream: true,
		StoreDir:  storeDir,
		NoSigs:    true,
		NoLog:     true,
	}

	srv, err := natsserver.NewServer(opts)
	if err != nil {
		return nil, fmt.Errorf("start embedded event bus server: %w", err)
	}
	go srv.Start()
	if !srv.ReadyForConnections(10 * time.Second) {
		srv.Shutdown()
		return nil, fmt.Errorf("embedded event bus server did not become ready")
	}

	conn, err := nats.Connect(srv.ClientURL())
	if err != nil {
		srv.Shutdown()
		return nil, fmt.Errorf("connect to embedded event bus server: %w", err)
	}

	js, err := conn.JetStream()
	if err != nil {
		conn.Close()
		srv.Shutdown()
		return nil, fmt.Errorf("init jetstream context: %w", err)
	}

	_, err = js.AddStream(&nats.StreamConfig{
		Name:              streamName,
		Subjects:          []string{subjectPrefix + ">"},
		Storage:           nats.MemoryStorage,
		Retention:         nats.LimitsPolicy,
		Discard:           nats.DiscardOld,
		MaxMsgsPerSubject: int64(replay),
	})
	if err != nil && err != nats.ErrStreamNameAlreadyInUse {
		conn.Close()
		srv.Shutdown()
		return nil, fmt.Errorf("create event stream: %w", err)
	}

	b := &Broker{
		server:       srv,
		conn:         conn,
		js:           js,
		replayWindow: replay,
		storeDir:     storeDir,
		ownsStoreDir: ownsStoreDir,
	}
	b.presence = newPresence(b)

	schedule := cfg.PresenceSweepSchedule
	if schedule == "" {
		schedule = "@every 15s"
	}
	if err := b.presence.StartSweep(schedule); err != nil {
		b.Close()
		return nil, fmt.Errorf("start presence sweep: %w", err)
	}

	return b, nil
}

// Presence is the Presence tracker (spec.md §4.7) attached to this bus.
func (b *Broker) Presence() *Presence { return b.presence }

func (b *Broker) subject(projectID uuid.UUID) string {
	return subjectPrefix + projectID.String()
}

// Publish appends evt to its project's subject. Timestamp defaults to
// now if unset.
func (b *Broker) Publish(ctx context.Context, evt Event) error {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if _, err := b.js.Publish(b.subject(evt.ProjectID), data); err != nil {
		return fmt.Errorf("publish event: %w", err)
	}
	return nil
}

// Subscription delivers replayed-then-live events for one project in
// order over C. If the subscriber falls behind (buffer full), Resync
// fires once and the subscription is torn down — per spec.md §4.7:
// "Subscribers that cannot keep up are disconnected with a RESYNC hint;
// clients re-fetch canonical state from the Store."
type Subscription struct {
	C      <-chan Event
	Resync <-chan struct{}
	sub    *nats.Subscription
}

func (s *Subscription) Close() error {
	if s.sub == nil {
		return nil
	}
	return s.sub.Unsubscribe()
}

// Subscribe opens an ordered JetStream consumer starting from the
// beginning of the project's subject, which — because the stream is
// trimmed to ReplayWindow messages per subject — delivers exactly the
// replay window before continuing with live events, with no separate
// "fetch history then subscribe" step required.
func (b *Broker) Subscribe(ctx context.Context, projectID uuid.UUID) (*Subscription, error) {
	out := make(chan Event, subscriberBufferSize)
	resync := make(chan struct{}, 1)

	var sub *nats.Subscription
	handler := func(msg *nats.Msg) {
		var evt Event
		if err := json.Unmarshal(msg.Data, &evt); err != nil {
			return
		}
		select {
		case out <- evt:
		default:
			select {
			case resync <- struct{}{}:
			default:
			}
			close(out)
			if sub != nil {
				_ = sub.Unsubscribe()
			}
		}
	}

	sub, err := b.js.Subscribe(b.subject(projectID), handler, nats.OrderedConsumer(), nats.DeliverAll())
	if err != nil {
		close(out)
		return nil, fmt.Errorf("subscribe to project events: %w", err)
	}

	return &Subscription{C: out, Resync: resync, sub: sub}, nil
}

// Close shuts the embedded server and its client connection down. It
// does not remove StoreDir unless NewBroker created it itself, so a
// caller-supplied directory is left for the caller to manage.
func (b *Broker) Close() {
	if b.presence != nil {
		b.presence.stop()
	}
	if b.conn != nil {
		b.conn.Drain()
		b.conn.Close()
	}
	if b.server != nil {
		b.server.Shutdown()
		b.server.WaitForShutdown()
	}
	if b.ownsStoreDir {
		_ = os.RemoveAll(b.storeDir)
	}
}

// ClientURL is exposed for diagnostics/tests that want to connect a
// second client to the same embedded server.
func (b *Broker) ClientURL() string {
	if b.server == nil {
		return ""
	}
	return b.server.ClientURL()
}
