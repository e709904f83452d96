package logmux

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/namastexlabs/automagik-forge/internal/db"
	"github.com/namastexlabs/automagik-forge/internal/db/repositories"
	"github.com/namastexlabs/automagik-forge/pkg/models"
)

func newTestMultiplexer(t *testing.T) *Multiplexer {
	t.Helper()
	tdb, err := db.NewTest(t)
	require.NoError(t, err)
	t.Cleanup(func() { _ = tdb.Close() })
	return NewMultiplexer(repositories.NewLogRepo(tdb.Conn()))
}

func drain(t *testing.T, ch <-chan Chunk, timeout time.Duration) []Chunk {
	t.Helper()
	var out []Chunk
	deadline := time.After(timeout)
	for {
		select {
		case c, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, c)
			if c.Closed || c.Overrun {
				return out
			}
		case <-deadline:
			t.Fatal("timed out waiting for chunks")
			return nil
		}
	}
}

func TestSubscribeReplaysThenLiveThenCloses(t *testing.T) {
	mux := newTestMultiplexer(t)
	ctx := context.Background()
	processID := uuid.New()

	_, err := mux.Append(ctx, processID, models.LogStreamOut, []byte("line one\n"))
	require.NoError(t, err)

	sub, err := mux.Subscribe(ctx, processID, -1, 0)
	require.NoError(t, err)

	_, err = mux.Append(ctx, processID, models.LogStreamOut, []byte("line two\n"))
	require.NoError(t, err)
	mux.MarkTerminal(processID)

	chunks := drain(t, sub, 2*time.Second)
	require.Len(t, chunks, 3, "replay chunk, live chunk, then a close marker")
	require.Equal(t, "line one\n", string(chunks[0].Bytes))
	require.Equal(t, int64(0), chunks[0].Seq)
	require.Equal(t, "line two\n", string(chunks[1].Bytes))
	require.Equal(t, int64(1), chunks[1].Seq)
	require.True(t, chunks[2].Closed)
}

func TestSubscribeAfterTerminalReplaysThenClosesImmediately(t *testing.T) {
	mux := newTestMultiplexer(t)
	ctx := context.Background()
	processID := uuid.New()

	_, err := mux.Append(ctx, processID, models.LogStreamOut, []byte("done\n"))
	require.NoError(t, err)
	mux.MarkTerminal(processID)

	sub, err := mux.Subscribe(ctx, processID, -1, 0)
	require.NoError(t, err)

	chunks := drain(t, sub, 2*time.Second)
	require.Len(t, chunks, 2)
	require.Equal(t, "done\n", string(chunks[0].Bytes))
	require.True(t, chunks[1].Closed)
}

func TestSubscribeOverrunsWhenBufferExceeded(t *testing.T) {
	mux := newTestMultiplexer(t)
	ctx := context.Background()
	processID := uuid.New()

	sub, err := mux.Subscribe(ctx, processID, -1, 8)
	require.NoError(t, err)

	_, err = mux.Append(ctx, processID, models.LogStreamOut, []byte("this line is definitely over eight bytes\n"))
	require.NoError(t, err)

	chunks := drain(t, sub, 2*time.Second)
	require.NotEmpty(t, chunks)
	require.True(t, chunks[len(chunks)-1].Overrun)
}

func TestReadSnapshotSplitsStreams(t *testing.T) {
	mux := newTestMultiplexer(t)
	ctx := context.Background()
	processID := uuid.New()

	_, err := mux.Append(ctx, processID, models.LogStreamOut, []byte("out1"))
	require.NoError(t, err)
	_, err = mux.Append(ctx, processID, models.LogStreamErr, []byte("err1"))
	require.NoError(t, err)
	_, err = mux.Append(ctx, processID, models.LogStreamOut, []byte("out2"))
	require.NoError(t, err)

	stdout, stderr, err := mux.ReadSnapshot(ctx, processID)
	require.NoError(t, err)
	require.Equal(t, "out1out2", string(stdout))
	require.Equal(t, "err1", string(stderr))
}
