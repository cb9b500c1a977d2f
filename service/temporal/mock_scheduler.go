package temporal

import (
	"context"
	"fmt"
	"sync"
)

// MockScheduler is a mock implementation of Scheduler for testing.
type MockScheduler struct {
	mu        sync.Mutex
	schedules map[string]string // map[scheduleID]cron
	triggered []string
	createErr error
	deleteErr error
}

// NewMockScheduler creates a new MockScheduler.
func NewMockScheduler() *MockScheduler {
	return &MockScheduler{
		schedules: make(map[string]string),
	}
}

// UpsertPassSchedule creates or updates a schedule.
func (m *MockScheduler) UpsertPassSchedule(ctx context.Context, kind, cronExpr string) error {
	if m.createErr != nil {
		return m.createErr
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.schedules[scheduleID(kind)] = cronExpr
	return nil
}

// DeletePassSchedule records that a schedule was deleted.
func (m *MockScheduler) DeletePassSchedule(ctx context.Context, kind string) error {
	if m.deleteErr != nil {
		return m.deleteErr
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	id := scheduleID(kind)
	if _, exists := m.schedules[id]; !exists {
		return fmt.Errorf("schedule %q not found", id)
	}
	delete(m.schedules, id)
	return nil
}

// TriggerSchedule records a manual trigger.
func (m *MockScheduler) TriggerSchedule(ctx context.Context, kind string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := scheduleID(kind)
	if _, exists := m.schedules[id]; !exists {
		return fmt.Errorf("schedule %q not found", id)
	}
	m.triggered = append(m.triggered, kind)
	return nil
}

// SetCreateError makes UpsertPassSchedule return an error.
func (m *MockScheduler) SetCreateError(err error) {
	m.createErr = err
}

// SetDeleteError makes DeletePassSchedule return an error.
func (m *MockScheduler) SetDeleteError(err error) {
	m.deleteErr = err
}

// Cron returns the cron expression scheduled for kind.
func (m *MockScheduler) Cron(kind string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	expr, ok := m.schedules[scheduleID(kind)]
	return expr, ok
}

// Triggered returns the kinds triggered so far, in order.
func (m *MockScheduler) Triggered() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.triggered...)
}

// ScheduleCount returns the number of schedules.
func (m *MockScheduler) ScheduleCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.schedules)
}

// Reset clears all schedules and errors.
func (m *MockScheduler) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.schedules = make(map[string]string)
	m.triggered = nil
	m.createErr = nil
	m.deleteErr = nil
}
