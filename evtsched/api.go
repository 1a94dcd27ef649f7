// Package evtsched runs the engine's asynchronous events on a fixed pool of
// worker goroutines. Events that report they cannot make progress yet are
// requeued after a short delay.
package evtsched

import (
	"sync"
	"time"

	"github.com/lodestone-storage/lodestone/logger"
	"github.com/lodestone-storage/lodestone/trackedlock"
)

// Event is one unit of asynchronous work. Execute() returns true when the
// event is complete and false when it should be retried later.
type Event interface {
	Execute() bool
}

// EventScheduler dispatches events to a fixed set of worker goroutines.
type EventScheduler struct {
	mu         trackedlock.Mutex
	cond       *sync.Cond
	queue      []Event
	stopping   bool
	workers    sync.WaitGroup
	retryDelay time.Duration
}

// New creates a scheduler with workerCount worker goroutines already running.
func New(workerCount uint32) (scheduler *EventScheduler) {
	scheduler = &EventScheduler{
		queue:      make([]Event, 0),
		retryDelay: 100 * time.Microsecond,
	}
	scheduler.cond = sync.NewCond(&scheduler.mu)
	for i := uint32(0); i < workerCount; i++ {
		scheduler.workers.Add(1)
		go scheduler.worker()
	}
	return
}

// EnqueueEvent hands evt to the worker pool. Events enqueued after Stop() are
// dropped.
func (scheduler *EventScheduler) EnqueueEvent(evt Event) {
	scheduler.mu.Lock()
	if scheduler.stopping {
		scheduler.mu.Unlock()
		logger.Warnf("evtsched: dropping event %T enqueued after Stop()", evt)
		return
	}
	scheduler.queue = append(scheduler.queue, evt)
	scheduler.cond.Signal()
	scheduler.mu.Unlock()
}

// Stop drains the queue and joins the workers. Events already enqueued (and
// their retries) still run to completion.
func (scheduler *EventScheduler) Stop() {
	scheduler.mu.Lock()
	scheduler.stopping = true
	scheduler.cond.Broadcast()
	scheduler.mu.Unlock()
	scheduler.workers.Wait()
}

func (scheduler *EventScheduler) worker() {
	defer scheduler.workers.Done()
	for {
		scheduler.mu.Lock()
		for 0 == len(scheduler.queue) && !scheduler.stopping {
			scheduler.cond.Wait()
		}
		if 0 == len(scheduler.queue) {
			scheduler.mu.Unlock()
			return
		}
		evt := scheduler.queue[0]
		scheduler.queue = scheduler.queue[1:]
		scheduler.mu.Unlock()

		if !scheduler.runEvent(evt) {
			time.Sleep(scheduler.retryDelay)
			scheduler.requeue(evt)
		}
	}
}

// runEvent executes evt, converting a panic into a logged drop.
func (scheduler *EventScheduler) runEvent(evt Event) (done bool) {
	defer func() {
		if r := recover(); nil != r {
			logger.Errorf("evtsched: event %T panicked and was dropped: %v", evt, r)
			done = true
		}
	}()
	done = evt.Execute()
	return
}

func (scheduler *EventScheduler) requeue(evt Event) {
	scheduler.mu.Lock()
	scheduler.queue = append(scheduler.queue, evt)
	scheduler.cond.Signal()
	scheduler.mu.Unlock()
}
