// Package queue orders and paces the outbound content of one session.
package queue

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultGap is the minimum spacing between two dispatches.
const DefaultGap = 2 * time.Second

// ErrClosed is returned by TryDispatch after Close.
var ErrClosed = errors.New("queue closed")

// DeliverFunc writes one item to the outbound channel.
type DeliverFunc func(ctx context.Context, it *Item) error

// Config configures a Queue. Zero values take defaults.
type Config struct {
	Gap   time.Duration
	Clock func() time.Time

	// OnDelivered runs after an item reached the outbound channel.
	OnDelivered func(it *Item)
	// OnCancelled runs for every item removed without delivery.
	OnCancelled func(it *Item, reason string)
}

// Queue is a priority queue with supersede keys and a minimum dispatch gap.
// It is safe for concurrent use, though a session drives it from a single
// goroutine.
type Queue struct {
	mu           sync.Mutex
	items        itemHeap
	byKey        map[string]*Item
	seq          uint64
	lastDispatch time.Time
	closed       bool

	gap         time.Duration
	now         func() time.Time
	onDelivered func(*Item)
	onCancelled func(*Item, string)
}

// New creates an empty queue.
func New(cfg Config) *Queue {
	if cfg.Gap <= 0 {
		cfg.Gap = DefaultGap
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	return &Queue{
		byKey:       make(map[string]*Item),
		gap:         cfg.Gap,
		now:         cfg.Clock,
		onDelivered: cfg.OnDelivered,
		onCancelled: cfg.OnCancelled,
	}
}

type cancelled struct {
	it     *Item
	reason string
}

func (q *Queue) notify(cs []cancelled) {
	if q.onCancelled == nil {
		return
	}
	for _, c := range cs {
		q.onCancelled(c.it, c.reason)
	}
}

// Enqueue inserts it and reports whether it was kept. A queued item with the
// same supersede key is cancelled when it is not more important than it;
// otherwise it itself is dropped as outranked. Critical items take no part
// in superseding and are never cancelled by it.
func (q *Queue) Enqueue(it *Item) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		q.notify([]cancelled{{it, ReasonClosed}})
		return false
	}
	if it.ID == "" {
		it.ID = uuid.NewString()
	}
	if it.CreatedAt.IsZero() {
		it.CreatedAt = q.now()
	}
	q.seq++
	it.seq = q.seq

	var cs []cancelled
	if it.Priority != Critical && it.SupersedeKey != "" {
		if old, ok := q.byKey[it.SupersedeKey]; ok {
			if old.Priority < it.Priority {
				q.mu.Unlock()
				q.notify([]cancelled{{it, ReasonOutranked}})
				return false
			}
			q.remove(old)
			cs = append(cs, cancelled{old, ReasonSuperseded})
		}
		q.byKey[it.SupersedeKey] = it
	}
	it.bypassGap = it.Priority == Critical && len(q.items) == 0
	heap.Push(&q.items, it)
	q.mu.Unlock()

	q.notify(cs)
	return true
}

func (q *Queue) remove(it *Item) {
	if it.index >= 0 && it.index < len(q.items) && q.items[it.index] == it {
		heap.Remove(&q.items, it.index)
	}
	if it.SupersedeKey != "" && q.byKey[it.SupersedeKey] == it {
		delete(q.byKey, it.SupersedeKey)
	}
}

// ClearBackground cancels every queued item at tier floor or less important.
// Critical items are never removed. It returns the number cancelled.
func (q *Queue) ClearBackground(floor Priority) int {
	q.mu.Lock()
	var cs []cancelled
	for _, it := range q.items {
		if it.Priority != Critical && it.Priority >= floor {
			cs = append(cs, cancelled{it, ReasonCleared})
		}
	}
	for _, c := range cs {
		q.remove(c.it)
	}
	q.mu.Unlock()

	q.notify(cs)
	return len(cs)
}

// Attach sets the audio of a queued item. It reports false when the item is
// no longer queued.
func (q *Queue) Attach(id string, audio []byte, format string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, it := range q.items {
		if it.ID == id {
			it.Audio, it.AudioFormat = audio, format
			return true
		}
	}
	return false
}

// NextDispatchIn reports how long until the head item may be dispatched.
// ok is false when the queue is empty.
func (q *Queue) NextDispatchIn() (wait time.Duration, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return 0, false
	}
	return q.waitLocked(q.items[0]), true
}

func (q *Queue) waitLocked(head *Item) time.Duration {
	if head.bypassGap || q.lastDispatch.IsZero() {
		return 0
	}
	wait := q.gap - q.now().Sub(q.lastDispatch)
	if wait < 0 {
		return 0
	}
	return wait
}

// TryDispatch pops the head item and delivers it if the gap has elapsed.
// It returns (nil, nil) when there is nothing ready. A delivery error drops
// the item; the caller is expected to tear the session down.
func (q *Queue) TryDispatch(ctx context.Context, deliver DeliverFunc) (*Item, error) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil, ErrClosed
	}
	if len(q.items) == 0 || q.waitLocked(q.items[0]) > 0 {
		q.mu.Unlock()
		return nil, nil
	}
	it := heap.Pop(&q.items).(*Item)
	if it.SupersedeKey != "" && q.byKey[it.SupersedeKey] == it {
		delete(q.byKey, it.SupersedeKey)
	}
	q.lastDispatch = q.now()
	q.mu.Unlock()

	if err := deliver(ctx, it); err != nil {
		return nil, fmt.Errorf("deliver %s: %w", it, err)
	}
	if q.onDelivered != nil {
		q.onDelivered(it)
	}
	return it, nil
}

// Close cancels everything still queued. Later Enqueue calls are dropped.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	cs := make([]cancelled, 0, len(q.items))
	for len(q.items) > 0 {
		it := heap.Pop(&q.items).(*Item)
		cs = append(cs, cancelled{it, ReasonClosed})
	}
	q.byKey = map[string]*Item{}
	q.mu.Unlock()

	q.notify(cs)
}

// Len returns the number of queued items.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Pending returns the queued items in dispatch order. The items are shared
// with the queue and must not be modified.
func (q *Queue) Pending() []*Item {
	q.mu.Lock()
	out := make([]*Item, len(q.items))
	copy(out, q.items)
	q.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return less(out[i], out[j]) })
	return out
}
