package services

import (
	"context"
	"sync"
	"time"

	"github.com/BradenHooton/neurolock/internal/models"
)

// FakeClock is a settable Clock for tests.
type FakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func NewFakeClock(start time.Time) *FakeClock {
	return &FakeClock{now: start.UTC()}
}

// Now satisfies Clock when passed as clock.Now.
func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// SentCode is one delivery captured by MockCodeSender.
type SentCode struct {
	Destination string
	Code        string
	ExpiresAt   time.Time
}

// MockCodeSender implements CodeSender for testing. Deliveries are recorded
// unless SendCodeFunc is set.
type MockCodeSender struct {
	SendCodeFunc func(ctx context.Context, destination, code string, expiresAt time.Time) error

	mu   sync.Mutex
	sent []SentCode
}

func (m *MockCodeSender) SendCode(ctx context.Context, destination, code string, expiresAt time.Time) error {
	if m.SendCodeFunc != nil {
		return m.SendCodeFunc(ctx, destination, code, expiresAt)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, SentCode{Destination: destination, Code: code, ExpiresAt: expiresAt})
	return nil
}

// Last returns the most recent delivery.
func (m *MockCodeSender) Last() (SentCode, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.sent) == 0 {
		return SentCode{}, false
	}
	return m.sent[len(m.sent)-1], true
}

// Count returns the number of deliveries.
func (m *MockCodeSender) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sent)
}

// MockAuditPublisher implements AuditPublisher for testing.
type MockAuditPublisher struct {
	mu     sync.Mutex
	events []string
}

func (m *MockAuditPublisher) Publish(_ context.Context, e *models.AuditEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, e.EventType)
}

// EventTypes returns the published event types in order.
func (m *MockAuditPublisher) EventTypes() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.events...)
}
