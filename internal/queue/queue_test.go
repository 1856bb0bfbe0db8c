package queue

import (
	"context"
	"errors"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct{ now time.Time }

func newFakeClock() *fakeClock               { return &fakeClock{now: time.Unix(1700000000, 0)} }
func (c *fakeClock) Now() time.Time          { return c.now }
func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

type recorder struct {
	delivered []*Item
	cancelled map[string]string
}

func newRecorder() *recorder { return &recorder{cancelled: map[string]string{}} }

func (r *recorder) deliver(_ context.Context, it *Item) error {
	r.delivered = append(r.delivered, it)
	return nil
}

func (r *recorder) ids() []string {
	out := make([]string, len(r.delivered))
	for i, it := range r.delivered {
		out[i] = it.ID
	}
	return out
}

func newTestQueue(clock *fakeClock, rec *recorder) *Queue {
	return New(Config{
		Gap:   2 * time.Second,
		Clock: clock.Now,
		OnCancelled: func(it *Item, reason string) {
			rec.cancelled[it.ID] = reason
		},
	})
}

// drain dispatches everything, advancing the clock past the gap each time.
func drain(t *testing.T, q *Queue, clock *fakeClock, rec *recorder) {
	t.Helper()
	for q.Len() > 0 {
		wait, _ := q.NextDispatchIn()
		clock.Advance(wait)
		_, err := q.TryDispatch(context.Background(), rec.deliver)
		require.NoError(t, err)
	}
}

func TestQueue_PriorityOrdering(t *testing.T) {
	clock := newFakeClock()
	rec := newRecorder()
	q := newTestQueue(clock, rec)

	r := rand.New(rand.NewSource(7))
	for i := 0; i < 40; i++ {
		clock.Advance(time.Duration(r.Intn(3)) * time.Millisecond)
		q.Enqueue(&Item{Priority: Priority(r.Intn(4)), Source: Source(r.Intn(3))})
	}
	drain(t, q, clock, rec)

	require.Len(t, rec.delivered, 40)
	for i := 1; i < len(rec.delivered); i++ {
		prev, cur := rec.delivered[i-1], rec.delivered[i]
		require.LessOrEqual(t, prev.Priority, cur.Priority, "tier order at %d", i)
		if prev.Priority == cur.Priority {
			require.False(t, cur.CreatedAt.Before(prev.CreatedAt), "creation order at %d", i)
		}
	}
}

func TestQueue_SourceBreaksTies(t *testing.T) {
	clock := newFakeClock()
	rec := newRecorder()
	q := newTestQueue(clock, rec)

	at := clock.Now()
	q.Enqueue(&Item{ID: "director", Priority: Normal, Source: SourceDirector, CreatedAt: at})
	q.Enqueue(&Item{ID: "event", Priority: Normal, Source: SourceEvent, CreatedAt: at})
	q.Enqueue(&Item{ID: "dialogue", Priority: Normal, Source: SourceDialogue, CreatedAt: at})
	drain(t, q, clock, rec)

	assert.Equal(t, []string{"dialogue", "event", "director"}, rec.ids())
}

func TestQueue_SupersedeHint(t *testing.T) {
	clock := newFakeClock()
	rec := newRecorder()
	q := newTestQueue(clock, rec)

	assert.True(t, q.Enqueue(&Item{ID: "old", Priority: Background, SupersedeKey: "hint"}))
	assert.True(t, q.Enqueue(&Item{ID: "new", Priority: Normal, SupersedeKey: "hint"}))
	drain(t, q, clock, rec)

	assert.Equal(t, []string{"new"}, rec.ids())
	assert.Equal(t, ReasonSuperseded, rec.cancelled["old"])
}

func TestQueue_SupersedeSameTier(t *testing.T) {
	clock := newFakeClock()
	rec := newRecorder()
	q := newTestQueue(clock, rec)

	q.Enqueue(&Item{ID: "a", Priority: Normal, SupersedeKey: "air"})
	q.Enqueue(&Item{ID: "b", Priority: Normal, SupersedeKey: "air"})
	drain(t, q, clock, rec)

	assert.Equal(t, []string{"b"}, rec.ids())
}

func TestQueue_LowerTierDoesNotSupersede(t *testing.T) {
	clock := newFakeClock()
	rec := newRecorder()
	q := newTestQueue(clock, rec)

	q.Enqueue(&Item{ID: "urgent", Priority: Urgent, SupersedeKey: "air"})
	assert.False(t, q.Enqueue(&Item{ID: "bg", Priority: Background, SupersedeKey: "air"}))
	drain(t, q, clock, rec)

	assert.Equal(t, []string{"urgent"}, rec.ids())
	assert.Equal(t, ReasonOutranked, rec.cancelled["bg"])
}

func TestQueue_DeliveredItemReleasesKey(t *testing.T) {
	clock := newFakeClock()
	rec := newRecorder()
	q := newTestQueue(clock, rec)

	q.Enqueue(&Item{ID: "first", Priority: Normal, SupersedeKey: "k"})
	drain(t, q, clock, rec)
	q.Enqueue(&Item{ID: "second", Priority: Background, SupersedeKey: "k"})
	drain(t, q, clock, rec)

	assert.Equal(t, []string{"first", "second"}, rec.ids())
}

func TestQueue_ClearBackground(t *testing.T) {
	clock := newFakeClock()
	rec := newRecorder()
	q := newTestQueue(clock, rec)

	q.Enqueue(&Item{ID: "crit", Priority: Critical})
	q.Enqueue(&Item{ID: "urgent", Priority: Urgent})
	q.Enqueue(&Item{ID: "normal", Priority: Normal, SupersedeKey: "k"})
	q.Enqueue(&Item{ID: "bg", Priority: Background})

	assert.Equal(t, 2, q.ClearBackground(Normal))
	assert.Equal(t, ReasonCleared, rec.cancelled["normal"])
	assert.Equal(t, ReasonCleared, rec.cancelled["bg"])

	// The key is free again.
	assert.True(t, q.Enqueue(&Item{ID: "later", Priority: Background, SupersedeKey: "k"}))
	assert.Equal(t, 2, q.ClearBackground(Critical), "critical items survive")
	drain(t, q, clock, rec)
	assert.Equal(t, []string{"crit"}, rec.ids())
}

func TestQueue_GapPacing(t *testing.T) {
	clock := newFakeClock()
	rec := newRecorder()
	q := newTestQueue(clock, rec)

	q.Enqueue(&Item{ID: "a", Priority: Normal})
	q.Enqueue(&Item{ID: "b", Priority: Normal})

	it, err := q.TryDispatch(context.Background(), rec.deliver)
	require.NoError(t, err)
	require.NotNil(t, it)

	it, err = q.TryDispatch(context.Background(), rec.deliver)
	require.NoError(t, err)
	assert.Nil(t, it, "second item must wait for the gap")

	wait, ok := q.NextDispatchIn()
	require.True(t, ok)
	assert.Equal(t, 2*time.Second, wait)

	clock.Advance(1500 * time.Millisecond)
	it, _ = q.TryDispatch(context.Background(), rec.deliver)
	assert.Nil(t, it)

	clock.Advance(500 * time.Millisecond)
	it, _ = q.TryDispatch(context.Background(), rec.deliver)
	require.NotNil(t, it)
	assert.Equal(t, "b", it.ID)
}

func TestQueue_CriticalBypassesGapWhenEmpty(t *testing.T) {
	clock := newFakeClock()
	rec := newRecorder()
	q := newTestQueue(clock, rec)

	q.Enqueue(&Item{ID: "line", Priority: Normal})
	_, err := q.TryDispatch(context.Background(), rec.deliver)
	require.NoError(t, err)

	q.Enqueue(&Item{ID: "ending", Priority: Critical})
	wait, ok := q.NextDispatchIn()
	require.True(t, ok)
	assert.Zero(t, wait)

	it, err := q.TryDispatch(context.Background(), rec.deliver)
	require.NoError(t, err)
	require.NotNil(t, it)
	assert.Equal(t, "ending", it.ID)
}

func TestQueue_CriticalWaitsWhenQueueBusy(t *testing.T) {
	clock := newFakeClock()
	rec := newRecorder()
	q := newTestQueue(clock, rec)

	q.Enqueue(&Item{ID: "a", Priority: Normal})
	q.Enqueue(&Item{ID: "b", Priority: Normal})
	_, _ = q.TryDispatch(context.Background(), rec.deliver)
	q.Enqueue(&Item{ID: "ending", Priority: Critical})

	wait, _ := q.NextDispatchIn()
	assert.Equal(t, 2*time.Second, wait)
}

func TestQueue_DeliveryFailureDropsItem(t *testing.T) {
	clock := newFakeClock()
	q := New(Config{Clock: clock.Now})
	q.Enqueue(&Item{ID: "a", Priority: Normal})

	gone := errors.New("connection closed")
	it, err := q.TryDispatch(context.Background(), func(context.Context, *Item) error { return gone })
	assert.Nil(t, it)
	assert.ErrorIs(t, err, gone)
	assert.Zero(t, q.Len())
}

func TestQueue_OnDelivered(t *testing.T) {
	clock := newFakeClock()
	var history []string
	q := New(Config{Clock: clock.Now, OnDelivered: func(it *Item) { history = append(history, it.Text) }})
	q.Enqueue(&Item{Text: "hello", Priority: Urgent})
	_, err := q.TryDispatch(context.Background(), func(context.Context, *Item) error { return nil })
	require.NoError(t, err)
	assert.Equal(t, []string{"hello"}, history)
}

func TestQueue_Close(t *testing.T) {
	clock := newFakeClock()
	rec := newRecorder()
	q := newTestQueue(clock, rec)

	q.Enqueue(&Item{ID: "a", Priority: Normal})
	q.Close()
	assert.Equal(t, ReasonClosed, rec.cancelled["a"])
	assert.False(t, q.Enqueue(&Item{ID: "b", Priority: Normal}))

	_, err := q.TryDispatch(context.Background(), rec.deliver)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestQueue_Pending(t *testing.T) {
	q := New(Config{})
	q.Enqueue(&Item{ID: "bg", Priority: Background})
	q.Enqueue(&Item{ID: "urgent", Priority: Urgent})
	pending := q.Pending()
	require.Len(t, pending, 2)
	assert.Equal(t, "urgent", pending[0].ID)
	assert.NotEmpty(t, q.Pending()[1].ID)
}

func TestParsePriority(t *testing.T) {
	p, err := ParsePriority("Urgent")
	require.NoError(t, err)
	assert.Equal(t, Urgent, p)
	assert.Equal(t, "background", Background.String())
	_, err = ParsePriority("whenever")
	assert.Error(t, err)
}

func TestQueue_Attach(t *testing.T) {
	clock := newFakeClock()
	rec := newRecorder()
	q := newTestQueue(clock, rec)

	q.Enqueue(&Item{ID: "line", Priority: Normal})
	assert.True(t, q.Attach("line", []byte("mp3"), "mp3"))
	assert.False(t, q.Attach("missing", []byte("mp3"), "mp3"))

	it, err := q.TryDispatch(context.Background(), rec.deliver)
	require.NoError(t, err)
	require.NotNil(t, it)
	assert.Equal(t, []byte("mp3"), it.Audio)
	assert.Equal(t, "mp3", it.AudioFormat)
	assert.False(t, q.Attach("line", nil, ""), "delivered items cannot change")
}
