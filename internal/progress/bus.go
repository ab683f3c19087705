// Package progress implements the Progress Bus: an in-process
// pub/sub of SyncJob progress events, keyed by jobId, for SSE fan-out.
// No durability guarantee — reconnecting subscribers re-poll job state
// via the jobs endpoint for catch-up.
package progress

import (
	"sync"
	"time"

	"github.com/opside/reconciler/internal/core"
)

// Event is the wire shape published on every job state transition and
// per-source completion.
type Event struct {
	JobID      string                 `json:"jobId"`
	TenantID   string                 `json:"tenantId"`
	Percentage float64                `json:"percentage"`
	Current    int                    `json:"current"`
	Total      int                    `json:"total"`
	State      core.JobState          `json:"state"`
	Errors     []string               `json:"errors"`
	Warnings   []string               `json:"warnings"`
	Timestamp  time.Time              `json:"timestamp"`
}

// bufferSize bounds each subscriber channel; a slow subscriber drops
// events rather than blocking publishers.
const bufferSize = 32

// Bus is the Progress Bus: subscribers receive Events for one jobId in
// real time, fanned out to all subscribers watching that job.
type Bus struct {
	mu     sync.RWMutex
	subs   map[string][]chan Event // jobId -> subscriber channels
	mirror func(Event)             // optional cross-process relay, see RedisFanout
}

// NewBus constructs an empty Bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[string][]chan Event)}
}

// Subscribe returns a channel receiving every Event published for jobID.
// The caller must eventually call the returned cancel func to release the
// channel.
func (b *Bus) Subscribe(jobID string) (ch <-chan Event, cancel func()) {
	c := make(chan Event, bufferSize)

	b.mu.Lock()
	b.subs[jobID] = append(b.subs[jobID], c)
	b.mu.Unlock()

	cancel = func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		subs := b.subs[jobID]
		for i, existing := range subs {
			if existing == c {
				b.subs[jobID] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
		if len(b.subs[jobID]) == 0 {
			delete(b.subs, jobID)
		}
		close(c)
	}
	return c, cancel
}

// Publish fans an Event out to every subscriber of ev.JobID and, when a
// mirror is installed, forwards it for cross-process delivery. A full
// subscriber channel drops the event rather than blocking — the SSE
// adapter's subscribers reconnect and re-poll for catch-up, so dropped
// progress updates are not a correctness issue, only a staleness one.
func (b *Bus) Publish(ev Event) {
	b.deliver(ev)

	b.mu.RLock()
	mirror := b.mirror
	b.mu.RUnlock()
	if mirror != nil {
		mirror(ev)
	}
}

// SetMirror installs a hook invoked on every Publish, used by the Redis
// fan-out to forward local events to other processes. Events arriving
// from those processes are injected with deliver, never re-mirrored.
func (b *Bus) SetMirror(mirror func(Event)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.mirror = mirror
}

func (b *Bus) deliver(ev Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, c := range b.subs[ev.JobID] {
		select {
		case c <- ev:
		default:
		}
	}
}
