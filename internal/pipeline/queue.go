package pipeline

import (
	"sync"

	"github.com/alvmarrod/sunweaver/internal/model"
)

// Queue hands the stations of a run out to workers in order. It is filled
// once, before the workers start.
type Queue struct {
	mu    sync.Mutex
	items []model.Station
}

// NewQueue creates a queue holding stations
func NewQueue(stations []model.Station) *Queue {
	return &Queue{items: append([]model.Station(nil), stations...)}
}

// Pop removes and returns the first station, or false once the queue is empty
func (q *Queue) Pop() (model.Station, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return model.Station{}, false
	}
	st := q.items[0]
	q.items = q.items[1:]
	return st, true
}

// Size returns the number of queued stations
func (q *Queue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Drain empties the queue and returns the stations no worker took
func (q *Queue) Drain() []model.Station {
	q.mu.Lock()
	defer q.mu.Unlock()
	left := q.items
	q.items = nil
	return left
}
