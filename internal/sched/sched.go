// Package sched is the minimal stand-in for a real thread scheduler:
// cancellable wait-queue sleep/broadcast. Full thread scheduling, and
// sleep/wake/cancel queues layered over a run queue, are out of scope for
// this core; this package gives callers that need a repeatable
// sleep-until-signalled primitive the same channel-broadcast shape as
// biscuit's oommsg.OomCh, generalized into a reusable type instead of a
// single global channel. frame.Pool uses one to block an allocation
// against a bounded pool until some other frame is freed.
package sched

import (
	"context"
	"sync"
)

// WaitQueue is a broadcast-only condition: any number of sleepers can wait
// on it, and any signal (Wake) releases all of them, exactly like a single
// biscuit oommsg.Oommsg_t channel generalized past one consumer.
type WaitQueue struct {
	mu syncMutex
	ch chan struct{}
}

type syncMutex = sync.Mutex

// NewWaitQueue returns an empty wait queue.
func NewWaitQueue() *WaitQueue {
	return &WaitQueue{ch: make(chan struct{})}
}

// Sleep blocks until Wake is called or ctx is cancelled. It reports
// whether it woke due to a signal (true) or cancellation (false). Every
// blocking wait in this core's fault and shadow-lookup paths is
// cancellable; Sleep is how that cancellation is threaded through.
func (wq *WaitQueue) Sleep(ctx context.Context) bool {
	wq.mu.Lock()
	ch := wq.ch
	wq.mu.Unlock()
	select {
	case <-ch:
		return true
	case <-ctx.Done():
		return false
	}
}

// Wake releases every current sleeper.
func (wq *WaitQueue) Wake() {
	wq.mu.Lock()
	old := wq.ch
	wq.ch = make(chan struct{})
	wq.mu.Unlock()
	close(old)
}
