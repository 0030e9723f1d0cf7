// Package queue provides unit tests for the work queue.
package queue

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"testing"

	"github.com/psconsult/offline/internal/models"
)

type fakeLoader struct {
	subs []*models.PendingSubmission
	err  error
}

func (l *fakeLoader) ListRetryable(ctx context.Context) ([]*models.PendingSubmission, error) {
	return l.subs, l.err
}

// TestWorkQueuePush tests that pushes keep ascending order.
func TestWorkQueuePush(t *testing.T) {
	q := NewWorkQueue()

	for _, id := range []int64{3, 1, 5, 2} {
		if !q.Push(id) {
			t.Errorf("Push(%d) = false, want true", id)
		}
	}

	want := []int64{1, 2, 3, 5}
	if got := q.Snapshot(); !reflect.DeepEqual(got, want) {
		t.Errorf("Snapshot() = %v, want %v", got, want)
	}
	if q.Len() != 4 {
		t.Errorf("Len() = %d, want 4", q.Len())
	}
}

// TestWorkQueuePushIdempotent tests that a duplicate push is ignored.
func TestWorkQueuePushIdempotent(t *testing.T) {
	q := NewWorkQueue()
	q.Push(7)

	if q.Push(7) {
		t.Error("second Push(7) = true, want false")
	}
	if q.Len() != 1 {
		t.Errorf("Len() = %d, want 1", q.Len())
	}
}

// TestWorkQueueRemove tests removal of queued and unknown ids.
func TestWorkQueueRemove(t *testing.T) {
	q := NewWorkQueue()
	q.Push(1)
	q.Push(2)
	q.Push(3)

	if !q.Remove(2) {
		t.Error("Remove(2) = false, want true")
	}
	if q.Remove(2) {
		t.Error("second Remove(2) = true, want false")
	}
	if q.Remove(99) {
		t.Error("Remove(99) = true, want false")
	}
	if q.Contains(2) {
		t.Error("Contains(2) after Remove")
	}

	want := []int64{1, 3}
	if got := q.Snapshot(); !reflect.DeepEqual(got, want) {
		t.Errorf("Snapshot() = %v, want %v", got, want)
	}
}

// TestWorkQueueSnapshotIsolation tests that a snapshot is unaffected by later pushes.
func TestWorkQueueSnapshotIsolation(t *testing.T) {
	q := NewWorkQueue()
	q.Push(1)
	q.Push(2)

	snap := q.Snapshot()
	q.Push(3)
	q.Remove(1)

	want := []int64{1, 2}
	if !reflect.DeepEqual(snap, want) {
		t.Errorf("snapshot = %v, want %v", snap, want)
	}
}

// TestWorkQueueClear tests clearing the queue.
func TestWorkQueueClear(t *testing.T) {
	q := NewWorkQueue()
	q.Push(1)
	q.Push(2)
	q.Clear()

	if q.Len() != 0 || q.Contains(1) {
		t.Errorf("queue not empty after Clear(): %v", q.Snapshot())
	}
	if !q.Push(1) {
		t.Error("Push after Clear() should succeed")
	}
}

// TestWorkQueueLoad tests rebuilding from the store.
func TestWorkQueueLoad(t *testing.T) {
	q := NewWorkQueue()
	q.Push(4)

	loader := &fakeLoader{subs: []*models.PendingSubmission{
		{LocalID: 2, Status: models.StatusPending},
		{LocalID: 4, Status: models.StatusPending},
		{LocalID: 6, Status: models.StatusFailed, Retryable: true},
	}}

	added, err := q.Load(context.Background(), loader)
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if added != 2 {
		t.Errorf("Load() added %d, want 2", added)
	}

	want := []int64{2, 4, 6}
	if got := q.Snapshot(); !reflect.DeepEqual(got, want) {
		t.Errorf("Snapshot() = %v, want %v", got, want)
	}
}

// TestWorkQueueLoadError tests that a store error leaves the queue untouched.
func TestWorkQueueLoadError(t *testing.T) {
	q := NewWorkQueue()
	q.Push(1)

	_, err := q.Load(context.Background(), &fakeLoader{err: errors.New("disk I/O error")})
	if err == nil {
		t.Fatal("Load() should return the loader error")
	}
	if q.Len() != 1 {
		t.Errorf("Len() = %d, want 1", q.Len())
	}
}

// TestWorkQueueConcurrency tests concurrent pushes and removes.
func TestWorkQueueConcurrency(t *testing.T) {
	q := NewWorkQueue()
	var wg sync.WaitGroup

	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(id int64) {
			defer wg.Done()
			q.Push(id)
			if id%2 == 0 {
				q.Remove(id)
			}
		}(int64(i))
	}
	wg.Wait()

	if q.Len() != 50 {
		t.Errorf("Len() = %d, want 50", q.Len())
	}
	snap := q.Snapshot()
	for i := 1; i < len(snap); i++ {
		if snap[i-1] >= snap[i] {
			t.Fatalf("snapshot out of order at %d: %v", i, snap)
		}
	}
}
