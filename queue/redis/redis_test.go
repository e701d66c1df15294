package redis

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/whisper-darkly/pipequeue/queue"
)

func newTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	cli := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = cli.Close() })
	return New(Config{Client: cli}), mr
}

func TestEnqueueDequeueFIFO(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	j1, err := s.Enqueue(ctx, "j1", "", "", "op", "tier")
	require.NoError(t, err)
	assert.Equal(t, 1, j1.Position)

	j2, err := s.Enqueue(ctx, "j2", "", "", "op", "tier")
	require.NoError(t, err)
	assert.Equal(t, 2, j2.Position)

	j3, err := s.Enqueue(ctx, "j3", "", "", "op", "tier")
	require.NoError(t, err)
	assert.Equal(t, 3, j3.Position)

	state, err := s.GetState(ctx, 10)
	require.NoError(t, err)
	require.Len(t, state.Pending, 3)
	assert.Equal(t, []string{"j1", "j2", "j3"}, []string{
		state.Pending[0].JobID, state.Pending[1].JobID, state.Pending[2].JobID,
	})
	assert.Equal(t, 1, state.Pending[0].Position)
	assert.Equal(t, 2, state.Pending[1].Position)
	assert.Equal(t, 3, state.Pending[2].Position)

	d1, err := s.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, "j1", d1.JobID)
	assert.Equal(t, queue.StatusRunning, d1.Status)
	assert.NotNil(t, d1.StartedAt)

	d2, err := s.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, "j2", d2.JobID)
}

func TestDequeueEmptyReturnsNil(t *testing.T) {
	s, _ := newTestStore(t)
	item, err := s.Dequeue(context.Background())
	require.NoError(t, err)
	assert.Nil(t, item)
}

func TestRetryJumpsQueue(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	j1, _ := s.Enqueue(ctx, "j1", "", "", "", "")
	j2, _ := s.Enqueue(ctx, "j2", "", "", "", "")
	_, _ = s.Enqueue(ctx, "j3", "", "", "", "")

	q1, err := s.Dequeue(ctx)
	require.NoError(t, err)
	require.Equal(t, j1.QueueID, q1.QueueID)
	q2, err := s.Dequeue(ctx)
	require.NoError(t, err)
	require.Equal(t, j2.QueueID, q2.QueueID)

	_, err = s.Complete(ctx, q2.QueueID, false, "boom")
	require.NoError(t, err)

	failedItem, err := s.GetItem(ctx, q2.QueueID)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusFailed, failedItem.Status)
	assert.Equal(t, "boom", failedItem.Error)

	state, err := s.GetState(ctx, 10)
	require.NoError(t, err)
	require.Len(t, state.Failed, 1)
	assert.Empty(t, state.History)

	retried, err := s.Retry(ctx, q2.QueueID)
	require.NoError(t, err)
	require.NotNil(t, retried)
	assert.Equal(t, queue.StatusPending, retried.Status)
	assert.Equal(t, 1, retried.Position)

	next, err := s.Dequeue(ctx)
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.Equal(t, q2.QueueID, next.QueueID, "retry should jump the queue ahead of j3")

	state, err = s.GetState(ctx, 10)
	require.NoError(t, err)
	require.Len(t, state.Pending, 1)
	assert.Equal(t, "j3", state.Pending[0].JobID)
	assert.Equal(t, 1, state.Pending[0].Position)
}

func TestCancelRemovesFromAllMembership(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	item, err := s.Enqueue(ctx, "j1", "", "", "", "")
	require.NoError(t, err)

	ok, err := s.Cancel(ctx, item.QueueID)
	require.NoError(t, err)
	assert.True(t, ok)

	after, err := s.GetItem(ctx, item.QueueID)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusCancelled, after.Status)

	state, err := s.GetState(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, state.Pending)
	assert.Empty(t, state.Running)
	assert.Empty(t, state.Failed)
}

func TestCancelOnNonPendingIsNoOp(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	item, _ := s.Enqueue(ctx, "j1", "", "", "", "")
	_, err := s.Dequeue(ctx)
	require.NoError(t, err)

	ok, err := s.Cancel(ctx, item.QueueID)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestHistoryCapped(t *testing.T) {
	s, _ := newTestStore(t)
	s.histCap = 2
	ctx := context.Background()

	var ids []string
	for i := 0; i < 3; i++ {
		item, err := s.Enqueue(ctx, "j", "", "", "", "")
		require.NoError(t, err)
		ids = append(ids, item.QueueID)
		d, err := s.Dequeue(ctx)
		require.NoError(t, err)
		_, err = s.Complete(ctx, d.QueueID, true, "")
		require.NoError(t, err)
	}

	state, err := s.GetState(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, state.History, 2)
}

func TestDismissFailedKeepsStatusFailed(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	item, _ := s.Enqueue(ctx, "j1", "", "", "", "")
	d, _ := s.Dequeue(ctx)
	_, err := s.Complete(ctx, d.QueueID, false, "boom")
	require.NoError(t, err)

	ok, err := s.DismissFailed(ctx, item.QueueID)
	require.NoError(t, err)
	assert.True(t, ok)

	after, err := s.GetItem(ctx, item.QueueID)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusFailed, after.Status, "dismiss moves visibility, not status")

	state, err := s.GetState(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, state.Failed)
	require.Len(t, state.History, 1)
}

func TestRestoreInterruptedRunsIdempotentWhenEmpty(t *testing.T) {
	s, _ := newTestStore(t)
	restored, err := s.RestoreInterruptedRuns(context.Background())
	require.NoError(t, err)
	assert.Empty(t, restored)
}

func TestRestoreInterruptedRuns(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	item, _ := s.Enqueue(ctx, "j1", "", "", "", "")
	_, err := s.Dequeue(ctx)
	require.NoError(t, err)
	require.NoError(t, s.LinkRunID(ctx, item.QueueID, "run-123"))

	restored, err := s.RestoreInterruptedRuns(ctx)
	require.NoError(t, err)
	require.Len(t, restored, 1)
	assert.Equal(t, queue.StatusPending, restored[0].Status)
	assert.Nil(t, restored[0].StartedAt)
	assert.Equal(t, "", restored[0].RunID)

	state, err := s.GetState(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, state.Running)
	require.Len(t, state.Pending, 1)
}

func TestGetItemByJobIDScanOrder(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	old, _ := s.Enqueue(ctx, "dup", "", "", "", "")
	d, _ := s.Dequeue(ctx)
	_, err := s.Complete(ctx, d.QueueID, false, "first failure")
	require.NoError(t, err)

	// A second row for the same jobId that stays Failed.
	_, _ = s.Enqueue(ctx, "dup", "", "", "", "")
	stale, _ := s.Dequeue(ctx)
	_, err = s.Complete(ctx, stale.QueueID, false, "second failure")
	require.NoError(t, err)

	retried, err := s.Retry(ctx, old.QueueID)
	require.NoError(t, err)
	require.NotNil(t, retried)

	found, err := s.GetItemByJobID(ctx, "dup")
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, queue.StatusPending, found.Status, "pending match wins over stale failed row")
}

func TestCleanupStaleTimesOutOldPending(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	item, err := s.Enqueue(ctx, "j1", "", "", "", "")
	require.NoError(t, err)

	old := time.Now().UTC().Add(-2 * time.Hour)
	item.CreatedAt = old
	require.NoError(t, s.writeItem(ctx, item))

	stats, err := s.CleanupStale(ctx, 60)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.TimedOutFailed)

	after, err := s.GetItem(ctx, item.QueueID)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusFailed, after.Status)
}

func TestCleanupStaleRemovesOrphans(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.cli.LPush(ctx, keyPending, "ghost-pending").Err())
	require.NoError(t, s.cli.SAdd(ctx, keyRunning, "ghost-running").Err())

	stats, err := s.CleanupStale(ctx, 60)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.OrphanPendingRemoved)
	assert.Equal(t, 1, stats.OrphanRunningRemoved)

	pendingLen, err := s.cli.LLen(ctx, keyPending).Result()
	require.NoError(t, err)
	assert.Zero(t, pendingLen)

	runningLen, err := s.cli.SCard(ctx, keyRunning).Result()
	require.NoError(t, err)
	assert.Zero(t, runningLen)
}

func TestClearAll(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	item, _ := s.Enqueue(ctx, "j1", "", "", "", "")
	d, _ := s.Dequeue(ctx)
	_, err := s.Complete(ctx, d.QueueID, true, "")
	require.NoError(t, err)

	_, _ = s.Enqueue(ctx, "j2", "", "", "", "")

	stats, err := s.ClearAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.PendingRemoved)
	assert.Equal(t, 1, stats.HistoryRemoved)
	assert.Equal(t, 2, stats.ItemsDeleted)

	got, err := s.GetItem(ctx, item.QueueID)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestEventBusSelfFilter(t *testing.T) {
	mr := miniredis.RunT(t)

	cliA := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	cliB := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = cliA.Close(); _ = cliB.Close() })

	storeA := New(Config{Client: cliA})
	storeB := New(Config{Client: cliB})

	var muA, muB sync.Mutex
	var eventsA, eventsB []queue.Event
	storeA.Subscribe(func(ev queue.Event) {
		muA.Lock()
		eventsA = append(eventsA, ev)
		muA.Unlock()
	})
	storeB.Subscribe(func(ev queue.Event) {
		muB.Lock()
		eventsB = append(eventsB, ev)
		muB.Unlock()
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_ = storeA.Listen(ctx)
	}()
	go func() {
		defer wg.Done()
		_ = storeB.Listen(ctx)
	}()

	// Give the subscribe a moment to register with miniredis's pubsub.
	time.Sleep(50 * time.Millisecond)

	_, err := storeA.Enqueue(ctx, "j1", "", "", "", "")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		muB.Lock()
		defer muB.Unlock()
		return len(eventsB) == 1
	}, time.Second, 10*time.Millisecond, "instance B's listener should forward A's event to B's local subscribers")

	muA.Lock()
	aCount := len(eventsA)
	muA.Unlock()
	assert.Equal(t, 1, aCount, "instance A must receive its own event exactly once, directly")

	cancel()
	wg.Wait()
}
