package scheduler

import "time"

// item is one scheduled auction. index is maintained by the heap.
type item struct {
	id       string
	nextPoll time.Time
	priority int
	interval time.Duration
	errors   int
	index    int
}

// pollQueue orders items by nextPoll, soonest first; ties go to the
// lower (more urgent) priority.
type pollQueue []*item

func (q pollQueue) Len() int { return len(q) }

func (q pollQueue) Less(i, j int) bool {
	if !q[i].nextPoll.Equal(q[j].nextPoll) {
		return q[i].nextPoll.Before(q[j].nextPoll)
	}
	return q[i].priority < q[j].priority
}

func (q pollQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

func (q *pollQueue) Push(x any) {
	it := x.(*item)
	it.index = len(*q)
	*q = append(*q, it)
}

func (q *pollQueue) Pop() any {
	old := *q
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	it.index = -1
	*q = old[:n-1]
	return it
}
