// Package events provides an in-process bus announcing accepted reports and
// policy changes per device.
package events

import (
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/cerberus-iot/cerberus/pkg/types"
)

// DefaultBufferSize is the per-subscriber channel capacity.
const DefaultBufferSize = 64

// Type is the kind of event.
type Type string

const (
	// ReportAccepted is published for every newly stored report.
	ReportAccepted Type = "report.accepted"
	// PolicyChanged is published when a device's decision differs from the
	// previous one, including its first decision.
	PolicyChanged Type = "policy.changed"
)

// Event describes one report or policy transition.
type Event struct {
	Type      Type                  `json:"type"`
	DeviceID  string                `json:"deviceId"`
	ReportID  string                `json:"reportId"`
	Decision  types.PolicyDecision  `json:"decision"`
	Previous  *types.PolicyDecision `json:"previous,omitempty"`
	Timestamp time.Time             `json:"ts"`
}

// Subscriber receives events on Ch until it unsubscribes or the bus closes.
type Subscriber struct {
	ID      string
	Filters []string
	Ch      chan Event
}

// Bus is a pub/sub bus. Publishing never blocks: events for a subscriber
// whose channel is full are dropped and counted.
type Bus struct {
	subMu       sync.RWMutex
	subscribers map[string]*Subscriber
	closed      bool
	bufferSize  int
	dropped     atomic.Int64

	mu   sync.Mutex
	last map[string]types.PolicyDecision
}

// NewBus creates a bus. A non-positive bufferSize selects DefaultBufferSize.
func NewBus(bufferSize int) *Bus {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	return &Bus{
		subscribers: make(map[string]*Subscriber),
		bufferSize:  bufferSize,
		last:        make(map[string]types.PolicyDecision),
	}
}

// Observe publishes ReportAccepted for report, preceded by PolicyChanged
// when its decision differs from the device's previous one.
func (b *Bus) Observe(report *types.Report) {
	b.mu.Lock()
	prev, seen := b.last[report.DeviceID]
	b.last[report.DeviceID] = report.Decision
	b.mu.Unlock()

	now := time.Now().UTC()
	if !seen || prev != report.Decision {
		ev := Event{
			Type:      PolicyChanged,
			DeviceID:  report.DeviceID,
			ReportID:  report.ID,
			Decision:  report.Decision,
			Timestamp: now,
		}
		if seen {
			ev.Previous = &prev
		}
		b.Publish(ev)
	}

	b.Publish(Event{
		Type:      ReportAccepted,
		DeviceID:  report.DeviceID,
		ReportID:  report.ID,
		Decision:  report.Decision,
		Timestamp: now,
	})
}

// Publish sends ev to every matching subscriber.
func (b *Bus) Publish(ev Event) {
	b.subMu.RLock()
	defer b.subMu.RUnlock()

	for _, sub := range b.subscribers {
		if !matches(sub.Filters, ev.DeviceID) {
			continue
		}
		select {
		case sub.Ch <- ev:
		default:
			b.dropped.Add(1)
		}
	}
}

// Subscribe registers a subscriber for devices whose id starts with one of
// filters. No filters means every device.
func (b *Bus) Subscribe(filters ...string) *Subscriber {
	sub := &Subscriber{
		ID:      uuid.New().String(),
		Filters: filters,
		Ch:      make(chan Event, b.bufferSize),
	}

	b.subMu.Lock()
	defer b.subMu.Unlock()
	if b.closed {
		close(sub.Ch)
		return sub
	}
	b.subscribers[sub.ID] = sub
	return sub
}

// Unsubscribe removes a subscriber and closes its channel.
func (b *Bus) Unsubscribe(id string) {
	b.subMu.Lock()
	defer b.subMu.Unlock()
	if sub, ok := b.subscribers[id]; ok {
		delete(b.subscribers, id)
		close(sub.Ch)
	}
}

// Dropped returns how many events were dropped for slow subscribers.
func (b *Bus) Dropped() int64 {
	return b.dropped.Load()
}

// Close unsubscribes everyone. Later subscriptions get a closed channel.
func (b *Bus) Close() error {
	b.subMu.Lock()
	defer b.subMu.Unlock()
	b.closed = true
	for id, sub := range b.subscribers {
		delete(b.subscribers, id)
		close(sub.Ch)
	}
	return nil
}

func matches(filters []string, deviceID string) bool {
	if len(filters) == 0 {
		return true
	}
	for _, f := range filters {
		if strings.HasPrefix(deviceID, f) {
			return true
		}
	}
	return false
}
