// Package events publishes job state transitions in-process.
package events

import (
	"sync"
	"time"

	"github.com/jonesrussell/north-cloud/acquirer/internal/domain"
	"github.com/jonesrussell/north-cloud/acquirer/internal/metrics"
)

// subscriberBuffer is the per-subscriber channel capacity.
const subscriberBuffer = 32

// Event is one persisted job transition.
type Event struct {
	JobID string
	From  domain.JobState
	To    domain.JobState
	// Job is a snapshot taken after the transition was persisted.
	Job domain.AcquisitionJob
	At  time.Time
}

// Terminal reports whether the event moved the job into a final state.
func (e Event) Terminal() bool {
	return domain.IsTerminalState(e.To)
}

type subscriber struct {
	jobID string // empty for all jobs
	ch    chan Event
}

// Bus fans events out to subscribers without ever blocking the publisher.
type Bus struct {
	metrics *metrics.Metrics

	mu     sync.RWMutex
	nextID uint64
	subs   map[uint64]*subscriber
}

// NewBus creates an empty bus.
func NewBus(m *metrics.Metrics) *Bus {
	return &Bus{metrics: m, subs: make(map[uint64]*subscriber)}
}

// Subscribe returns events for one job. cancel closes the channel.
func (b *Bus) Subscribe(jobID string) (<-chan Event, func()) {
	return b.subscribe(jobID)
}

// SubscribeAll returns events for every job.
func (b *Bus) SubscribeAll() (<-chan Event, func()) {
	return b.subscribe("")
}

func (b *Bus) subscribe(jobID string) (<-chan Event, func()) {
	sub := &subscriber{jobID: jobID, ch: make(chan Event, subscriberBuffer)}

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = sub
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(sub.ch)
		})
	}
	return sub.ch, cancel
}

// Publish delivers e to every matching subscriber. Full subscribers miss it.
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.subs {
		if sub.jobID != "" && sub.jobID != e.JobID {
			continue
		}
		select {
		case sub.ch <- e:
		default:
			b.metrics.RecordEventDropped()
		}
	}
}
