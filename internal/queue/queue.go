package queue

import (
	"container/heap"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/convoq-io/convoq/pkg/protocol"
)

var (
	// ErrEmpty is returned by DequeueHighest when no entries are queued.
	ErrEmpty = errors.New("queue: empty")
	// ErrDuplicateEntry is returned when a conversation already has a live entry.
	ErrDuplicateEntry = errors.New("queue: conversation already queued")
)

// Entry is a queued conversation. UrgencyScore is a snapshot; Reprioritize
// updates it in place.
type Entry struct {
	ConversationID string    `json:"conversation_id"`
	UrgencyScore   int       `json:"urgency_score"`
	EnqueuedAt     time.Time `json:"enqueued_at"`

	index int // heap index, maintained by entryHeap
}

// entryHeap orders entries by (urgency desc, enqueue time asc, id asc).
// The conversation ID tie-break keeps dequeue order deterministic.
type entryHeap []*Entry

func (h entryHeap) Len() int { return len(h) }

func (h entryHeap) Less(i, j int) bool {
	return pairLess(h[i], h[j])
}

func (h entryHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *entryHeap) Push(x any) {
	e := x.(*Entry)
	e.index = len(*h)
	*h = append(*h, e)
}

func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}

// Queue is the priority holding area for conversations awaiting assignment.
// All operations are safe for concurrent use and run in O(log n).
type Queue struct {
	mu   sync.Mutex
	heap entryHeap
	byID map[string]*Entry
	now  func() time.Time
}

// New creates an empty queue.
func New() *Queue {
	return &Queue{
		byID: make(map[string]*Entry),
		now:  time.Now,
	}
}

// Enqueue adds a conversation to the queue. A conversation may have at most
// one live entry; a second enqueue fails with ErrDuplicateEntry.
func (q *Queue) Enqueue(e Entry) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, exists := q.byID[e.ConversationID]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateEntry, e.ConversationID)
	}
	if e.EnqueuedAt.IsZero() {
		e.EnqueuedAt = q.now()
	}
	entry := &e
	heap.Push(&q.heap, entry)
	q.byID[e.ConversationID] = entry
	return nil
}

// DequeueHighest removes and returns the highest-priority entry.
func (q *Queue) DequeueHighest() (Entry, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.heap) == 0 {
		return Entry{}, ErrEmpty
	}
	e := heap.Pop(&q.heap).(*Entry)
	delete(q.byID, e.ConversationID)
	return *e, nil
}

// Peek returns the highest-priority entry without removing it.
func (q *Queue) Peek() (Entry, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.heap) == 0 {
		return Entry{}, ErrEmpty
	}
	return *q.heap[0], nil
}

// Reprioritize updates a queued conversation's urgency in place. It is a
// no-op if the conversation has no live entry.
func (q *Queue) Reprioritize(conversationID string, newScore int) {
	q.mu.Lock()
	defer q.mu.Unlock()

	e, ok := q.byID[conversationID]
	if !ok || e.UrgencyScore == newScore {
		return
	}
	e.UrgencyScore = newScore
	heap.Fix(&q.heap, e.index)
}

// Remove deletes a conversation's entry if present and reports whether it
// was there. Used on customer abandonment and direct assignment.
func (q *Queue) Remove(conversationID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	e, ok := q.byID[conversationID]
	if !ok {
		return false
	}
	heap.Remove(&q.heap, e.index)
	delete(q.byID, conversationID)
	return true
}

// Contains reports whether the conversation has a live entry.
func (q *Queue) Contains(conversationID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.byID[conversationID]
	return ok
}

// Len returns the number of queued conversations.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.heap)
}

// Position returns how many entries are ahead of the given conversation,
// or -1 if it is not queued. Linear scan; used only for wait estimates.
func (q *Queue) Position(conversationID string) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	target, ok := q.byID[conversationID]
	if !ok {
		return -1
	}
	ahead := 0
	for _, e := range q.heap {
		if e == target {
			continue
		}
		if pairLess(e, target) {
			ahead++
		}
	}
	return ahead
}

// Status summarizes the queue: total count, average wait so far, and counts
// per urgency score.
func (q *Queue) Status() protocol.QueueStatus {
	q.mu.Lock()
	defer q.mu.Unlock()

	st := protocol.QueueStatus{
		TotalQueued:     len(q.heap),
		QueuedByUrgency: make(map[int]int),
	}
	if len(q.heap) == 0 {
		return st
	}
	now := q.now()
	var total time.Duration
	for _, e := range q.heap {
		total += now.Sub(e.EnqueuedAt)
		st.QueuedByUrgency[e.UrgencyScore]++
	}
	st.AverageWaitTime = total / time.Duration(len(q.heap))
	return st
}

// Snapshot returns all entries in priority order without mutating the queue.
func (q *Queue) Snapshot() []Entry {
	q.mu.Lock()
	defer q.mu.Unlock()

	entries := make([]Entry, len(q.heap))
	for i, e := range q.heap {
		entries[i] = *e
	}
	sort.Slice(entries, func(i, j int) bool {
		return entryLess(entries[i], entries[j])
	})
	return entries
}

// Rebuild replaces the queue contents from the authoritative conversation
// set. Used to self-heal after detected corruption; duplicate IDs in the
// input keep only the first occurrence.
func (q *Queue) Rebuild(entries []Entry) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.heap = q.heap[:0]
	q.byID = make(map[string]*Entry, len(entries))
	for i := range entries {
		e := entries[i]
		if _, dup := q.byID[e.ConversationID]; dup {
			continue
		}
		entry := &e
		entry.index = len(q.heap)
		q.heap = append(q.heap, entry)
		q.byID[e.ConversationID] = entry
	}
	heap.Init(&q.heap)
}

// CheckIntegrity verifies that the index map and the heap agree. A non-nil
// error means the queue must be rebuilt from the conversation store.
func (q *Queue) CheckIntegrity() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.heap) != len(q.byID) {
		return fmt.Errorf("queue: heap has %d entries, index has %d", len(q.heap), len(q.byID))
	}
	for i, e := range q.heap {
		if e.index != i {
			return fmt.Errorf("queue: entry %s has stale heap index", e.ConversationID)
		}
		if q.byID[e.ConversationID] != e {
			return fmt.Errorf("queue: entry %s missing from index", e.ConversationID)
		}
	}
	return nil
}

func pairLess(a, b *Entry) bool {
	return entryLess(*a, *b)
}

func entryLess(a, b Entry) bool {
	if a.UrgencyScore != b.UrgencyScore {
		return a.UrgencyScore > b.UrgencyScore
	}
	if !a.EnqueuedAt.Equal(b.EnqueuedAt) {
		return a.EnqueuedAt.Before(b.EnqueuedAt)
	}
	return a.ConversationID < b.ConversationID
}
