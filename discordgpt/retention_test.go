package discordgpt

import (
	"context"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"log/slog"
	"sync"
	"testing"
	"time"
)

func newTestRetention(t *testing.T, cron string) (*retentionScheduler, ConversationStore, DBI) {
	t.Helper()
	db := testDB(t)
	store := NewConversationStore(db)
	cfg := &RetentionConfig{Enabled: true, Cron: cron, MaxAge: 24 * time.Hour}
	return newRetentionScheduler(store, cfg, newMetrics(), slog.Default()), store, db
}

func TestRetention_Prune(t *testing.T) {
	ctx := context.Background()
	r, store, _ := newTestRetention(t, DefaultRetentionCron)

	_, err := store.Create(ctx, "u1", "someone", exchange("a", "b"), "m1", false)
	require.NoError(t, err)
	_, err = store.Create(ctx, "u2", "other", exchange("a", "b"), "m2", false)
	require.NoError(t, err)

	deleted, err := r.prune(ctx)
	require.NoError(t, err)
	assert.Zero(t, deleted, "nothing is old enough yet")

	r.now = func() time.Time { return time.Now().Add(48 * time.Hour) }
	deleted, err = r.prune(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), deleted)
	assert.InDelta(t, 2, testutil.ToFloat64(r.metrics.pruned), 0)

	_, err = store.Load(ctx, "m1")
	assert.ErrorIs(t, err, ErrConversationNotFound)
}

func TestRetention_PruneRunning(t *testing.T) {
	r, _, _ := newTestRetention(t, DefaultRetentionCron)

	r.running.Lock()
	_, err := r.prune(context.Background())
	r.running.Unlock()
	assert.ErrorIs(t, err, errRetentionRunning)

	_, err = r.prune(context.Background())
	assert.NoError(t, err)
}

// fakeAfter replaces time.After, recording each wait and handing the
// timer channel to the test
type fakeAfter struct {
	mu     sync.Mutex
	waits  []time.Duration
	timers chan chan time.Time
}

func newFakeAfter() *fakeAfter {
	return &fakeAfter{timers: make(chan chan time.Time)}
}

func (f *fakeAfter) after(d time.Duration) <-chan time.Time {
	f.mu.Lock()
	f.waits = append(f.waits, d)
	f.mu.Unlock()
	ch := make(chan time.Time, 1)
	f.timers <- ch
	return ch
}

func (f *fakeAfter) next(t *testing.T) chan time.Time {
	t.Helper()
	select {
	case ch := <-f.timers:
		return ch
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for the scheduler")
		return nil
	}
}

func TestRetention_Run(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	r, store, db := newTestRetention(t, "0 4 * * *")
	conv, err := store.Create(ctx, "u1", "someone", exchange("a", "b"), "m1", false)
	require.NoError(t, err)
	_, err = store.Create(ctx, "u1", "someone", exchange("a", "b"), "m2", false)
	require.NoError(t, err)

	now := time.Date(2024, 3, 14, 12, 0, 0, 0, time.UTC)
	require.NoError(
		t,
		db.DB().Model(&Conversation{}).
			Where("id = ?", conv.ID).
			UpdateColumn(columnUpdatedAt, now.Add(-72*time.Hour).UnixMilli()).Error,
	)
	r.now = func() time.Time { return now }
	fake := newFakeAfter()
	r.after = fake.after

	done := make(chan struct{})
	go func() {
		defer close(done)
		r.run(ctx)
	}()

	// 12:00 until 04:00 the next day
	fake.next(t) <- now

	// the scheduler waits again once the first run is done
	fake.next(t)
	fake.mu.Lock()
	assert.Equal(t, 16*time.Hour, fake.waits[0])
	fake.mu.Unlock()

	_, err = store.Load(ctx, "m1")
	assert.ErrorIs(t, err, ErrConversationNotFound)
	_, err = store.Load(ctx, "m2")
	assert.NoError(t, err)
	assert.InDelta(t, 1, testutil.ToFloat64(r.metrics.pruned), 0)

	cancel()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("scheduler didn't stop")
	}
}

func TestRetention_RunInvalidCron(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	r, _, _ := newTestRetention(t, "not a cron")
	fake := newFakeAfter()
	r.after = fake.after

	done := make(chan struct{})
	go func() {
		defer close(done)
		r.run(ctx)
	}()

	fake.next(t) <- time.Now()
	fake.next(t)
	cancel()
	<-done

	fake.mu.Lock()
	defer fake.mu.Unlock()
	assert.Equal(t, []time.Duration{retentionRetryDelay, retentionRetryDelay}, fake.waits)
	assert.InDelta(t, 0, testutil.ToFloat64(r.metrics.pruned), 0)
}
