package dispatch

import (
	"encoding/json"

	"github.com/lexflow/lexflow/internal/job"
)

// Event is a point-in-time view of a job's execution, delivered to
// subscribers as the job moves through its lifecycle. Result and Error are
// only set on the terminal event.
type Event struct {
	JobID    string          `json:"job_id"`
	Status   job.Status      `json:"status"`
	Progress int             `json:"progress"`
	Message  string          `json:"message,omitempty"`
	Result   json.RawMessage `json:"result,omitempty"`
	Error    string          `json:"error,omitempty"`
}

// Subscribe returns a channel receiving events for one job. The channel is
// closed after the terminal event. Callers that stop listening early must
// call Unsubscribe to release it.
func (d *Dispatcher) Subscribe(jobID string) chan Event {
	d.mu.Lock()
	defer d.mu.Unlock()

	ch := make(chan Event, 16)
	d.subs[jobID] = append(d.subs[jobID], ch)
	return ch
}

// Unsubscribe removes and closes a channel previously returned by Subscribe.
func (d *Dispatcher) Unsubscribe(jobID string, ch chan Event) {
	d.mu.Lock()
	defer d.mu.Unlock()

	channels := d.subs[jobID]
	for i, c := range channels {
		if c == ch {
			d.subs[jobID] = append(channels[:i], channels[i+1:]...)
			close(c)
			break
		}
	}
	if len(d.subs[jobID]) == 0 {
		delete(d.subs, jobID)
	}
}

// publish delivers an event to current subscribers. Slow subscribers with a
// full buffer miss the event rather than block a worker.
func (d *Dispatcher) publish(jobID string, ev Event) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	for _, ch := range d.subs[jobID] {
		select {
		case ch <- ev:
		default:
		}
	}
}

// publishAndClose delivers the terminal event and closes every subscriber
// channel for the job.
func (d *Dispatcher) publishAndClose(jobID string, ev Event) {
	d.mu.Lock()
	defer d.mu.Unlock()

	for _, ch := range d.subs[jobID] {
		select {
		case ch <- ev:
		default:
		}
		close(ch)
	}
	delete(d.subs, jobID)
}
