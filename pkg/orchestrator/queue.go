package orchestrator

import (
	"container/heap"

	"github.com/openfroyo/pilot/pkg/engine"
)

// queueItem is a queued task with its arrival sequence number.
type queueItem struct {
	task  *engine.Task
	seq   uint64
	index int
}

// taskQueue orders tasks by priority, highest first, then by arrival.
// It implements heap.Interface.
type taskQueue []*queueItem

func (q taskQueue) Len() int { return len(q) }

func (q taskQueue) Less(i, j int) bool {
	if q[i].task.Priority != q[j].task.Priority {
		return q[i].task.Priority > q[j].task.Priority
	}
	return q[i].seq < q[j].seq
}

func (q taskQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

func (q *taskQueue) Push(x any) {
	item := x.(*queueItem)
	item.index = len(*q)
	*q = append(*q, item)
}

func (q *taskQueue) Pop() any {
	old := *q
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	*q = old[:n-1]
	return item
}

// push adds a task to the queue.
func (q *taskQueue) push(task *engine.Task, seq uint64) {
	heap.Push(q, &queueItem{task: task, seq: seq})
}

// pop removes and returns the highest-priority task.
func (q *taskQueue) pop() *engine.Task {
	if q.Len() == 0 {
		return nil
	}
	return heap.Pop(q).(*queueItem).task
}

// remove takes the task with the given ID out of the queue.
func (q *taskQueue) remove(id string) *engine.Task {
	for _, item := range *q {
		if item.task.ID == id {
			heap.Remove(q, item.index)
			return item.task
		}
	}
	return nil
}

// ids returns the queued task IDs in dequeue order.
func (q taskQueue) ids() []string {
	c := make(taskQueue, len(q))
	for i, item := range q {
		cp := *item
		c[i] = &cp
	}
	out := make([]string, 0, len(c))
	for c.Len() > 0 {
		out = append(out, c.pop().ID)
	}
	return out
}
