package thread

import (
	"container/list"
	"sync"

	"github.com/account-login/tlsterm/event"
)

type queueState int

const (
	kQueueRunning queueState = iota
	kQueueDraining
	kQueueStopped
)

// Queue holds jobs on three lists: waiting, busy and done. Workers take jobs
// with Wait and return them with Done; the reactor collects finished jobs via
// a coalesced Notify.
type Queue struct {
	mu      sync.Mutex
	cond    sync.Cond
	state   queueState
	waiting list.List
	busy    list.List
	done    list.List
	notify  *event.Notify
	stats   *queueStats
}

func NewQueue(loop *event.Loop) *Queue {
	q := &Queue{}
	q.cond.L = &q.mu
	q.notify = event.NewNotify(loop, q.onNotify)
	return q
}

// Add enqueues j. A job that is already busy or done is flagged to run again
// after the current run instead of being queued twice.
func (q *Queue) Add(j *Job) {
	q.mu.Lock()
	defer q.mu.Unlock()

	switch j.state {
	case JobInitial:
		if q.state == kQueueStopped {
			return
		}
		j.state = JobWaiting
		j.elem = q.waiting.PushBack(j)
		q.stats.queued()
		q.cond.Signal()
	case JobWaiting:
	case JobBusy, JobDone:
		j.again = true
	}
}

// Wait blocks until a job is available and marks it busy. Returns nil once the
// queue is stopped, or draining with nothing left to run.
func (q *Queue) Wait() *Job {
	q.mu.Lock()
	defer q.mu.Unlock()

	for {
		if q.state == kQueueStopped {
			return nil
		}
		if q.waiting.Len() > 0 {
			break
		}
		if q.state == kQueueDraining {
			return nil
		}
		q.cond.Wait()
	}

	j := q.waiting.Remove(q.waiting.Front()).(*Job)
	j.state = JobBusy
	j.again = false
	j.elem = q.busy.PushBack(j)
	q.stats.started()
	return j
}

// Done moves a busy job to the done list and wakes the reactor.
func (q *Queue) Done(j *Job) {
	q.mu.Lock()
	if j.state != JobBusy {
		q.mu.Unlock()
		panic("thread: Done on a job that is not busy")
	}
	q.busy.Remove(j.elem)
	j.state = JobDone
	j.elem = q.done.PushBack(j)
	q.stats.finished()
	q.mu.Unlock()

	q.notify.Signal()
}

// Cancel removes j if it has not started yet. A busy job cannot be preempted
// and a done job has a result that is still to be delivered.
func (q *Queue) Cancel(j *Job) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	switch j.state {
	case JobInitial:
		return true
	case JobWaiting:
		q.waiting.Remove(j.elem)
		j.elem = nil
		j.state = JobInitial
		j.again = false
		q.stats.cancelled()
		return true
	default:
		return false
	}
}

// State reports where j currently is.
func (q *Queue) State(j *Job) JobState {
	q.mu.Lock()
	defer q.mu.Unlock()
	return j.state
}

// onNotify runs on the reactor.
func (q *Queue) onNotify() {
	var finished []*Job

	q.mu.Lock()
	for q.done.Len() > 0 {
		j := q.done.Remove(q.done.Front()).(*Job)
		if j.again {
			j.again = false
			j.state = JobWaiting
			j.elem = q.waiting.PushBack(j)
			q.stats.queued()
			q.cond.Signal()
			continue
		}
		j.state = JobInitial
		j.elem = nil
		finished = append(finished, j)
	}
	q.mu.Unlock()

	for _, j := range finished {
		j.h.Done()
	}
}

// Drain lets workers finish what is queued and then exit.
func (q *Queue) Drain() {
	q.mu.Lock()
	if q.state == kQueueRunning {
		q.state = kQueueDraining
	}
	q.cond.Broadcast()
	q.mu.Unlock()
}

// Stop makes every Wait return nil immediately.
func (q *Queue) Stop() {
	q.mu.Lock()
	q.state = kQueueStopped
	q.cond.Broadcast()
	q.mu.Unlock()
}

// IsEmpty is true when no job is waiting, running or undelivered.
func (q *Queue) IsEmpty() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.waiting.Len() == 0 && q.busy.Len() == 0 && q.done.Len() == 0
}
