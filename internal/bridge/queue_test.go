package bridge

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/matthewbaird/nbcopilot/internal/wire"
)

func TestQueue_ProcessesInOrderAndDrainsOnStop(t *testing.T) {
	q := newQueue(4)

	var mu sync.Mutex
	var got []int
	release := make(chan struct{})
	q.start(context.Background(), func(_ context.Context, msg wire.Message) {
		<-release
		mu.Lock()
		got = append(got, msg.(wire.CellDelete).CellID)
		mu.Unlock()
	})

	for i := 0; i < 4; i++ {
		require.NoError(t, q.push(context.Background(), wire.CellDelete{CellID: i}))
	}
	close(release)
	q.stop()

	assert.Equal(t, []int{0, 1, 2, 3}, got)
	assert.ErrorIs(t, q.push(context.Background(), wire.CellDelete{}), errQueueStopped)
}

func TestQueue_PushHonoursContext(t *testing.T) {
	q := newQueue(1)
	block := make(chan struct{})
	q.start(context.Background(), func(context.Context, wire.Message) { <-block })
	defer func() {
		close(block)
		q.stop()
	}()

	require.NoError(t, q.push(context.Background(), wire.SyncRequest{}))
	require.NoError(t, q.push(context.Background(), wire.SyncRequest{}))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, q.push(ctx, wire.SyncRequest{}), context.Canceled)
}
