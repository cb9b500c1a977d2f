package nats

import (
	"context"
	"sync"
)

// MockPublisher records events in memory for tests.
type MockPublisher struct {
	mu           sync.RWMutex
	events       []*DonationEvent
	publishError error
	closed       bool
}

func NewMockPublisher() *MockPublisher {
	return &MockPublisher{}
}

func (m *MockPublisher) PublishDonation(ctx context.Context, event *DonationEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.publishError != nil {
		return m.publishError
	}
	m.events = append(m.events, event)
	return nil
}

func (m *MockPublisher) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// Events returns a copy of everything published so far.
func (m *MockPublisher) Events() []*DonationEvent {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*DonationEvent, len(m.events))
	copy(out, m.events)
	return out
}

// EventsForNetwork returns events published for one network.
func (m *MockPublisher) EventsForNetwork(networkID int) []*DonationEvent {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*DonationEvent
	for _, e := range m.events {
		if e.NetworkID == networkID {
			out = append(out, e)
		}
	}
	return out
}

// SetPublishError makes every later PublishDonation fail with err.
func (m *MockPublisher) SetPublishError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.publishError = err
}

func (m *MockPublisher) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = nil
	m.publishError = nil
	m.closed = false
}

func (m *MockPublisher) IsClosed() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.closed
}
