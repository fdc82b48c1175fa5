// Package thread offloads CPU-bound jobs from the reactor to a fixed pool of
// worker goroutines and hands the results back to the reactor.
package thread

import "container/list"

type JobState int

const (
	// not queued
	JobInitial JobState = iota
	// on the waiting list
	JobWaiting
	// a worker is running it
	JobBusy
	// finished, waiting for the reactor to pick up the result
	JobDone
)

func (s JobState) String() string {
	switch s {
	case JobInitial:
		return "initial"
	case JobWaiting:
		return "waiting"
	case JobBusy:
		return "busy"
	case JobDone:
		return "done"
	default:
		return "unknown"
	}
}

// Handler is the work a Job carries.
type Handler interface {
	// Run is called on a worker goroutine.
	Run()
	// Done is called on the reactor after Run returned and no rerun is pending.
	Done()
}

// Job is created once per owner and reused for every invocation. Its fields are
// guarded by the Queue mutex.
type Job struct {
	h     Handler
	state JobState
	again bool
	elem  *list.Element
}

func NewJob(h Handler) *Job {
	return &Job{h: h}
}
