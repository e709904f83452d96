package eventbus

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func newTestBroker(t *testing.T) *Broker {
	t.Helper()
	b, err := NewBroker(Config{ReplayWindow: 4, StoreDir: t.TempDir(), PresenceSweepSchedule: "@every 1s"})
	require.NoError(t, err)
	t.Cleanup(b.Close)
	return b
}

func TestBrokerPublishSubscribeOrdering(t *testing.T) {
	b := newTestBroker(t)
	projectID := uuid.New()

	sub, err := b.Subscribe(context.Background(), projectID)
	require.NoError(t, err)
	defer sub.Close()

	for i := 0; i < 3; i++ {
		require.NoError(t, b.Publish(context.Background(), Event{
			ProjectID: projectID,
			Kind:      TaskUpdated,
			EntityID:  uuid.New(),
		}))
	}

	for i := 0; i < 3; i++ {
		select {
		case evt := <-sub.C:
			require.Equal(t, TaskUpdated, evt.Kind)
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for event %d", i)
		}
	}
}

func TestBrokerReplaysLastNEventsToNewSubscriber(t *testing.T) {
	b := newTestBroker(t)
	projectID := uuid.New()

	// Publish more events than the replay window before anyone subscribes.
	for i := 0; i < 10; i++ {
		require.NoError(t, b.Publish(context.Background(), Event{
			ProjectID: projectID,
			Kind:      TaskCreated,
			EntityID:  uuid.New(),
		}))
	}

	sub, err := b.Subscribe(context.Background(), projectID)
	require.NoError(t, err)
	defer sub.Close()

	received := 0
	timeout := time.After(2 * time.Second)
drain:
	for {
		select {
		case _, ok := <-sub.C:
			if !ok {
				break drain
			}
			received++
			if received == 4 {
				break drain
			}
		case <-timeout:
			break drain
		}
	}

	require.Equal(t, 4, received, "expected exactly the replay window of events")
}

func TestBrokerEventsAreProjectScoped(t *testing.T) {
	b := newTestBroker(t)
	projectA, projectB := uuid.New(), uuid.New()

	subA, err := b.Subscribe(context.Background(), projectA)
	require.NoError(t, err)
	defer subA.Close()

	require.NoError(t, b.Publish(context.Background(), Event{ProjectID: projectB, Kind: TaskCreated, EntityID: uuid.New()}))

	select {
	case <-subA.C:
		t.Fatal("subscriber for project A received an event published to project B")
	case <-time.After(200 * time.Millisecond):
	}
}

func TestPresenceHeartbeatAndTTLExpiry(t *testing.T) {
	b := newTestBroker(t)
	projectID := uuid.New()
	userID := uuid.New()

	require.NoError(t, b.Presence().Heartbeat(context.Background(), projectID, userID, "online"))
	entries := b.Presence().List(projectID)
	require.Len(t, entries, 1)
	require.Equal(t, "online", entries[0].Status)

	// Simulate a stale heartbeat by back-dating it directly, then letting
	// the sweep tick remove it, per spec.md §4.7 ("removed on next tick").
	b.presence.mu.Lock()
	stale := b.presence.entries[projectID][userID]
	stale.LastSeen = time.Now().Add(-2 * presenceTTL)
	b.presence.entries[projectID][userID] = stale
	b.presence.mu.Unlock()

	require.Eventually(t, func() bool {
		return len(b.Presence().List(projectID)) == 0
	}, 3*time.Second, 50*time.Millisecond)
}

func TestPresenceRemoveIsImmediate(t *testing.T) {
	b := newTestBroker(t)
	projectID := uuid.New()
	userID := uuid.New()

	require.NoError(t, b.Presence().Heartbeat(context.Background(), projectID, userID, "online"))
	require.Len(t, b.Presence().List(projectID), 1)

	b.Presence().Remove(projectID, userID)
	require.Empty(t, b.Presence().List(projectID))
}
