package orchestrator

import (
	"container/heap"
	"time"
)

// queueItem is one heap entry. Items carry only ordering fields; task state
// lives in the engine's task table, so stale entries are dropped at pop time.
type queueItem struct {
	taskID    string
	priority  int
	createdAt time.Time
	seq       uint64
}

// taskQueue orders items by priority descending, then creation time
// ascending, then submission sequence. The sequence makes ordering stable
// when two tasks share a priority and a creation timestamp.
type taskQueue []*queueItem

func (q taskQueue) Len() int { return len(q) }

func (q taskQueue) Less(i, j int) bool {
	if q[i].priority != q[j].priority {
		return q[i].priority > q[j].priority
	}
	if !q[i].createdAt.Equal(q[j].createdAt) {
		return q[i].createdAt.Before(q[j].createdAt)
	}
	return q[i].seq < q[j].seq
}

func (q taskQueue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }

func (q *taskQueue) Push(x any) { *q = append(*q, x.(*queueItem)) }

func (q *taskQueue) Pop() any {
	old := *q
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*q = old[:n-1]
	return item
}

// push adds an item maintaining heap order.
func (q *taskQueue) push(item *queueItem) {
	heap.Push(q, item)
}

// pop removes and returns the highest-priority item, or nil when empty.
func (q *taskQueue) pop() *queueItem {
	if q.Len() == 0 {
		return nil
	}
	return heap.Pop(q).(*queueItem)
}
