package sideband

import (
	"sync"
	"time"
)

// queueTimer implements ncsi.Timer on top of time.AfterFunc. Expiries are
// posted to the runner queue, and a generation counter drops any expiry
// that was cancelled or re-armed after it fired but before it ran.
type queueTimer struct {
	post func(func()) bool

	mu  sync.Mutex
	t   *time.Timer
	gen uint64
}

func newQueueTimer(post func(func()) bool) *queueTimer {
	return &queueTimer{post: post}
}

func (q *queueTimer) Arm(d time.Duration, fn func()) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.gen++
	gen := q.gen
	if q.t != nil {
		q.t.Stop()
	}
	q.t = time.AfterFunc(d, func() {
		q.post(func() {
			if q.current(gen) {
				fn()
			}
		})
	})
}

func (q *queueTimer) Cancel() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.gen++
	if q.t != nil {
		q.t.Stop()
		q.t = nil
	}
}

func (q *queueTimer) current(gen uint64) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return gen == q.gen
}
