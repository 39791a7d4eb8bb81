// Package events publishes domain events (eligibility divergences, voucher
// transitions, settlement records) to downstream consumers.
//
// Publishing happens after the owning write has committed and is best-effort:
// a failed publish is logged and counted, never rolled back into the caller.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"
)

// Logical topics.
const (
	TopicEligibilityDivergence = "eligibility.divergence"
	TopicVoucherTransitions    = "voucher.transitions"
	TopicSettlementRecords     = "settlement.records"
)

// Topics lists every logical topic, for broker bootstrap.
var Topics = []string{
	TopicEligibilityDivergence,
	TopicVoucherTransitions,
	TopicSettlementRecords,
}

// Event is one domain fact.
type Event struct {
	Topic      string    `json:"topic"`
	Type       string    `json:"type"`
	Key        string    `json:"key"`
	OccurredAt time.Time `json:"occurred_at"`
	Payload    any       `json:"payload"`
}

// Publisher delivers events.
type Publisher interface {
	Publish(ctx context.Context, event Event) error
	Close() error
}

func encode(event Event) ([]byte, error) {
	return json.Marshal(event)
}

// Fanout delivers each event to every publisher and joins their errors.
type Fanout []Publisher

func (f Fanout) Publish(ctx context.Context, event Event) error {
	var errs []error
	for _, p := range f {
		if err := p.Publish(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (f Fanout) Close() error {
	var errs []error
	for _, p := range f {
		errs = append(errs, p.Close())
	}
	return errors.Join(errs...)
}

// Memory records events in order. Used by tests and by single-process setups
// that only need the log sink.
type Memory struct {
	mu     sync.Mutex
	events []Event
}

func NewMemory() *Memory {
	return &Memory{}
}

func (m *Memory) Publish(_ context.Context, event Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, event)
	return nil
}

func (m *Memory) Close() error { return nil }

// Events returns a copy of what was published.
func (m *Memory) Events() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Event(nil), m.events...)
}

// OfType filters recorded events by type.
func (m *Memory) OfType(eventType string) []Event {
	var out []Event
	for _, e := range m.Events() {
		if e.Type == eventType {
			out = append(out, e)
		}
	}
	return out
}

// Reset forgets recorded events.
func (m *Memory) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = nil
}
