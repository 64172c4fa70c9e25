package batch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type collector struct {
	mu      sync.Mutex
	batches [][]int
}

func (c *collector) process(_ context.Context, items []int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.batches = append(c.batches, items)
	return nil
}

func (c *collector) all() []int {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []int
	for _, b := range c.batches {
		out = append(out, b...)
	}
	return out
}

func TestBatcher_FlushPreservesOrder(t *testing.T) {
	c := &collector{}
	b := New[int](100, time.Hour, c.process)
	defer b.Close(context.Background())

	for i := 1; i <= 5; i++ {
		require.NoError(t, b.Add(i))
	}
	require.NoError(t, b.Flush(context.Background()))

	assert.Equal(t, []int{1, 2, 3, 4, 5}, c.all())
	assert.Equal(t, 0, b.PendingCount())
}

func TestBatcher_FullBatchTriggersWorker(t *testing.T) {
	c := &collector{}
	b := New[int](2, time.Hour, c.process)
	defer b.Close(context.Background())

	require.NoError(t, b.Add(1))
	require.NoError(t, b.Add(2))

	assert.Eventually(t, func() bool { return len(c.all()) == 2 }, time.Second, 5*time.Millisecond)
}

func TestBatcher_CloseDrainsAndRejects(t *testing.T) {
	c := &collector{}
	b := New[int](100, time.Hour, c.process)

	require.NoError(t, b.Add(7))
	require.NoError(t, b.Close(context.Background()))

	assert.Equal(t, []int{7}, c.all())
	assert.ErrorIs(t, b.Add(8), ErrClosed)
	assert.NoError(t, b.Close(context.Background()))
}

func TestBatcher_ErrorHandlerReceivesFailedBatch(t *testing.T) {
	errSink := errors.New("sink down")
	failed := make(chan []int, 1)

	b := New[int](1, time.Hour,
		func(context.Context, []int) error { return errSink },
		WithErrorHandler[int](func(err error, items []int) {
			assert.ErrorIs(t, err, errSink)
			failed <- items
		}),
	)
	defer b.Close(context.Background())

	require.NoError(t, b.Add(42))

	select {
	case items := <-failed:
		assert.Equal(t, []int{42}, items)
	case <-time.After(time.Second):
		t.Fatal("error handler not invoked")
	}
}
