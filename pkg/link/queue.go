package link

import (
	"time"
)

// delayed is a datagram held back until its release time.
type delayed struct {
	release  time.Time
	datagram []byte
	index    int // position in the heap
}

// delayQueue implements heap.Interface ordered by release time, earliest first.
type delayQueue []*delayed

func (q delayQueue) Len() int { return len(q) }

func (q delayQueue) Less(i, j int) bool { return q[i].release.Before(q[j].release) }

func (q delayQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

func (q *delayQueue) Push(x any) {
	d := x.(*delayed)
	d.index = len(*q)
	*q = append(*q, d)
}

func (q *delayQueue) Pop() any {
	old := *q
	n := len(old)
	d := old[n-1]
	old[n-1] = nil
	d.index = -1
	*q = old[:n-1]
	return d
}

// peek returns the earliest datagram without removing it.
func (q delayQueue) peek() *delayed {
	if len(q) == 0 {
		return nil
	}
	return q[0]
}
