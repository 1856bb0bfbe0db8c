package queue

import (
	"fmt"
	"strings"
	"time"
)

// Priority is a delivery tier. Lower values are delivered first.
type Priority int

const (
	Critical Priority = iota
	Urgent
	Normal
	Background
)

var priorityNames = [...]string{"critical", "urgent", "normal", "background"}

func (p Priority) String() string {
	if p < Critical || p > Background {
		return fmt.Sprintf("priority(%d)", int(p))
	}
	return priorityNames[p]
}

// ParsePriority maps a tier name to its Priority.
func ParsePriority(s string) (Priority, error) {
	for i, name := range priorityNames {
		if strings.EqualFold(s, name) {
			return Priority(i), nil
		}
	}
	return 0, fmt.Errorf("unknown priority %q", s)
}

// Source identifies the producer of an item. Lower values win ties.
type Source int

const (
	SourceDialogue Source = iota
	SourceEvent
	SourceDirector
)

func (s Source) String() string {
	switch s {
	case SourceDialogue:
		return "dialogue"
	case SourceEvent:
		return "event"
	case SourceDirector:
		return "director"
	default:
		return fmt.Sprintf("source(%d)", int(s))
	}
}

// Cancellation reasons passed to the OnCancelled hook.
const (
	ReasonSuperseded = "superseded"
	ReasonOutranked  = "outranked"
	ReasonCleared    = "cleared"
	ReasonClosed     = "closed"
)

// Item is one unit of outbound content. Once handed to Enqueue the queue
// owns it; once delivered it must not be modified.
type Item struct {
	ID           string
	Speaker      string
	Text         string
	Audio        []byte
	AudioFormat  string
	Priority     Priority
	Source       Source
	SupersedeKey string
	CreatedAt    time.Time

	seq       uint64
	index     int
	bypassGap bool
}

func (it *Item) String() string {
	return fmt.Sprintf("%s/%s/%s", it.ID, it.Priority, it.Source)
}

// less orders items by tier, then creation time, then producer, then
// arrival.
func less(a, b *Item) bool {
	if a.Priority != b.Priority {
		return a.Priority < b.Priority
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	if a.Source != b.Source {
		return a.Source < b.Source
	}
	return a.seq < b.seq
}

type itemHeap []*Item

func (h itemHeap) Len() int           { return len(h) }
func (h itemHeap) Less(i, j int) bool { return less(h[i], h[j]) }
func (h itemHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *itemHeap) Push(x any) {
	it := x.(*Item)
	it.index = len(*h)
	*h = append(*h, it)
}

func (h *itemHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	it.index = -1
	*h = old[:n-1]
	return it
}
