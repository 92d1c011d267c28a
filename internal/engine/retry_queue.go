package engine

import (
	"sync"
	"time"

	"github.com/noetl/noetl/pkg/api"
)

type (
	// RetryQueue holds commands scheduled for delayed reissue: rate-limited
	// tool calls honoring Retry-After and loop iterations reissued by tail
	// repair
	RetryQueue struct {
		mu      sync.Mutex
		items   map[retryKey]*RetryItem
		next    *RetryItem
		notify  chan struct{}
		stopped bool
	}

	// RetryItem is one scheduled reissue
	RetryItem struct {
		Command       *api.Command
		ExecutionID   api.ID
		ParentEventID api.ID
		NextRetryAt   time.Time
	}

	retryTimer struct {
		timer *time.Timer
	}

	retryKey struct {
		ExecutionID api.ID
		Step        string
		Iteration   int
	}
)

// NewRetryQueue creates an empty retry queue
func NewRetryQueue() *RetryQueue {
	return &RetryQueue{
		items:  make(map[retryKey]*RetryItem),
		notify: make(chan struct{}, 1),
	}
}

// Push adds or updates a retry item and reports if the next deadline changed
func (q *RetryQueue) Push(item *RetryItem) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.stopped {
		return false
	}

	key := keyFor(item)
	prevNext := q.next
	prevTime := time.Time{}
	if prevNext != nil {
		prevTime = prevNext.NextRetryAt
	}
	q.items[key] = item
	q.recalcNext()
	if q.next == nil {
		return false
	}
	if prevNext == q.next && q.next.NextRetryAt.Equal(prevTime) {
		return false
	}
	q.signal()
	return true
}

// Remove drops the scheduled retry for one command, if any
func (q *RetryQueue) Remove(executionID api.ID, step string, iteration int) {
	q.mu.Lock()
	defer q.mu.Unlock()

	key := retryKey{
		ExecutionID: executionID,
		Step:        step,
		Iteration:   iteration,
	}
	item := q.items[key]

	delete(q.items, key)
	if q.next == item {
		q.recalcNext()
	}
}

// RemoveExecution drops every scheduled retry for an execution, as on
// cancellation
func (q *RetryQueue) RemoveExecution(executionID api.ID) {
	q.mu.Lock()
	defer q.mu.Unlock()

	needsRecalc := false
	for key, item := range q.items {
		if key.ExecutionID == executionID {
			delete(q.items, key)
			if q.next == item {
				needsRecalc = true
			}
		}
	}

	if needsRecalc {
		q.recalcNext()
	}
}

// PendingFor counts scheduled retries for one execution
func (q *RetryQueue) PendingFor(executionID api.ID) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := 0
	for key := range q.items {
		if key.ExecutionID == executionID {
			n++
		}
	}
	return n
}

// Peek returns the earliest retry time
func (q *RetryQueue) Peek() (time.Time, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.next == nil {
		return time.Time{}, false
	}
	return q.next.NextRetryAt, true
}

// PopReady removes and returns all items whose retry time has passed
func (q *RetryQueue) PopReady(now time.Time) []*RetryItem {
	q.mu.Lock()
	defer q.mu.Unlock()

	var ready []*RetryItem
	for key, item := range q.items {
		if !item.NextRetryAt.After(now) {
			ready = append(ready, item)
			delete(q.items, key)
		}
	}

	if len(ready) > 0 {
		q.recalcNext()
	}
	return ready
}

// Notify returns the channel that signals queue changes
func (q *RetryQueue) Notify() <-chan struct{} {
	return q.notify
}

// Stop stops the queue and prevents further pushes
func (q *RetryQueue) Stop() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.stopped {
		return
	}
	q.stopped = true
	close(q.notify)
}

// Len returns the number of items in the queue
func (q *RetryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func keyFor(item *RetryItem) retryKey {
	key := retryKey{
		ExecutionID: item.ExecutionID,
		Step:        item.Command.Step,
	}
	if item.Command.IsLoopIteration() {
		key.Iteration = *item.Command.Meta.LoopIterationIndex
	} else {
		key.Iteration = -1
	}
	return key
}

func (q *RetryQueue) recalcNext() {
	q.next = nil
	for _, item := range q.items {
		if q.next == nil || item.NextRetryAt.Before(q.next.NextRetryAt) {
			q.next = item
		}
	}
}

func (q *RetryQueue) signal() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func (t *retryTimer) Reset(nextTime time.Time) <-chan time.Time {
	delay := max(time.Until(nextTime), 0)
	if t.timer == nil {
		t.timer = time.NewTimer(delay)
		return t.timer.C
	}
	if !t.timer.Stop() {
		select {
		case <-t.timer.C:
		default:
		}
	}
	t.timer.Reset(delay)
	return t.timer.C
}

func (t *retryTimer) Stop() {
	if t.timer != nil {
		t.timer.Stop()
	}
}
