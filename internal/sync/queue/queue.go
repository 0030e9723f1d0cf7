// Package queue provides the work queue of submissions awaiting transmission.
package queue

import (
	"context"
	"sort"
	"sync"

	"github.com/psconsult/offline/internal/logging"
	"github.com/psconsult/offline/internal/models"
)

// Loader reads the submissions an automatic pass should attempt.
type Loader interface {
	ListRetryable(ctx context.Context) ([]*models.PendingSubmission, error)
}

// WorkQueue is an ordered set of submission local ids.
// Ids are kept in ascending order; the store assigns them monotonically,
// so queue order is creation order no matter when an id is pushed.
type WorkQueue struct {
	mu    sync.RWMutex
	ids   []int64
	index map[int64]struct{}
	log   *logging.Logger
}

// NewWorkQueue creates an empty WorkQueue.
func NewWorkQueue() *WorkQueue {
	return &WorkQueue{
		index: make(map[int64]struct{}),
		log:   logging.For("queue"),
	}
}

// Push adds id to the queue. Pushing an id that is already queued is a no-op.
func (q *WorkQueue) Push(id int64) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.insert(id)
}

func (q *WorkQueue) insert(id int64) bool {
	if _, ok := q.index[id]; ok {
		return false
	}
	q.index[id] = struct{}{}

	pos := sort.Search(len(q.ids), func(i int) bool { return q.ids[i] > id })
	q.ids = append(q.ids, 0)
	copy(q.ids[pos+1:], q.ids[pos:])
	q.ids[pos] = id
	return true
}

// Remove drops id from the queue. It reports whether id was queued.
func (q *WorkQueue) Remove(id int64) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.index[id]; !ok {
		return false
	}
	delete(q.index, id)

	pos := sort.Search(len(q.ids), func(i int) bool { return q.ids[i] >= id })
	q.ids = append(q.ids[:pos], q.ids[pos+1:]...)
	return true
}

// Contains reports whether id is queued.
func (q *WorkQueue) Contains(id int64) bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	_, ok := q.index[id]
	return ok
}

// Snapshot returns a copy of the queued ids in order.
// Later pushes do not affect the returned slice.
func (q *WorkQueue) Snapshot() []int64 {
	q.mu.RLock()
	defer q.mu.RUnlock()

	out := make([]int64, len(q.ids))
	copy(out, q.ids)
	return out
}

// Len returns the number of queued ids.
func (q *WorkQueue) Len() int {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return len(q.ids)
}

// Clear removes every id.
func (q *WorkQueue) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.ids = nil
	q.index = make(map[int64]struct{})
}

// Load adds every retry-eligible submission from the store.
// Ids already queued are kept. It returns the number of ids added.
func (q *WorkQueue) Load(ctx context.Context, loader Loader) (int, error) {
	subs, err := loader.ListRetryable(ctx)
	if err != nil {
		return 0, err
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	added := 0
	for _, sub := range subs {
		if q.insert(sub.LocalID) {
			added++
		}
	}

	if added > 0 {
		q.log.Info("Work queue loaded", map[string]interface{}{
			"added":  added,
			"queued": len(q.ids),
		})
	}
	return added, nil
}
