// Package messaging publishes security events and SMS hand-offs over NATS.
//
// Publishing never blocks the request path: messages go through a bounded
// queue drained by one goroutine, and are dropped with a warning when the
// queue is full.
package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/BradenHooton/neurolock/internal/models"
	"github.com/nats-io/nats.go"
)

// Publisher is satisfied by *nats.Conn.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// Connect dials NATS with unlimited reconnects.
func Connect(url, name string) (*nats.Conn, error) {
	nc, err := nats.Connect(url,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(500*time.Millisecond),
		nats.ReconnectJitter(100*time.Millisecond, 500*time.Millisecond),
		nats.Timeout(3*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to nats: %w", err)
	}
	return nc, nil
}

type message struct {
	subject string
	data    []byte
}

// Dispatcher owns the bounded queue in front of a Publisher.
type Dispatcher struct {
	pub    Publisher
	queue  chan message
	logger *slog.Logger
	wg     sync.WaitGroup
	once   sync.Once
}

// NewDispatcher starts the drain goroutine. Call Close to flush and stop it.
func NewDispatcher(pub Publisher, queueSize int, logger *slog.Logger) *Dispatcher {
	if queueSize <= 0 {
		queueSize = 1024
	}
	d := &Dispatcher{
		pub:    pub,
		queue:  make(chan message, queueSize),
		logger: logger,
	}
	d.wg.Add(1)
	go d.loop()
	return d
}

// Enqueue never blocks.
func (d *Dispatcher) Enqueue(subject string, data []byte) bool {
	select {
	case d.queue <- message{subject: subject, data: data}:
		return true
	default:
		d.logger.Warn("nats queue full, dropping message", slog.String("subject", subject))
		return false
	}
}

// Close drains the queue. Enqueue must not be called afterwards.
func (d *Dispatcher) Close() {
	d.once.Do(func() {
		close(d.queue)
		d.wg.Wait()
	})
}

func (d *Dispatcher) loop() {
	defer d.wg.Done()
	for m := range d.queue {
		if err := d.pub.Publish(m.subject, m.data); err != nil {
			d.logger.Warn("nats publish failed",
				slog.String("subject", m.subject),
				slog.Any("error", err))
		}
	}
}

// AuditPublisher streams audit events to <prefix>.<event_type> for
// detection consumers.
type AuditPublisher struct {
	d      *Dispatcher
	prefix string
}

func NewAuditPublisher(d *Dispatcher, prefix string) *AuditPublisher {
	return &AuditPublisher{d: d, prefix: prefix}
}

// Subject returns the subject an event of eventType is published on.
func (p *AuditPublisher) Subject(eventType string) string {
	return p.prefix + "." + eventType
}

func (p *AuditPublisher) Publish(_ context.Context, e *models.AuditEvent) {
	data, err := json.Marshal(e)
	if err != nil {
		p.d.logger.Warn("failed to encode audit event", slog.Any("error", err))
		return
	}
	p.d.Enqueue(p.Subject(e.EventType), data)
}

// SMSMessage is the payload the SMS gateway consumes.
type SMSMessage struct {
	To        string    `json:"to"`
	Body      string    `json:"body"`
	ExpiresAt time.Time `json:"expires_at"`
}

// SMSGateway hands SMS codes to the external gateway over NATS.
type SMSGateway struct {
	d       *Dispatcher
	subject string
}

func NewSMSGateway(d *Dispatcher, subject string) *SMSGateway {
	return &SMSGateway{d: d, subject: subject}
}

func (g *SMSGateway) SendCode(_ context.Context, destination, code string, expiresAt time.Time) error {
	data, err := json.Marshal(SMSMessage{
		To:        destination,
		Body:      fmt.Sprintf("Your NeuroLock verification code is %s. It expires in %d minutes.", code, minutesUntil(expiresAt)),
		ExpiresAt: expiresAt,
	})
	if err != nil {
		return fmt.Errorf("failed to encode sms: %w", err)
	}
	if !g.d.Enqueue(g.subject, data) {
		return fmt.Errorf("sms queue full")
	}
	return nil
}

func minutesUntil(t time.Time) int {
	m := int(time.Until(t).Round(time.Minute) / time.Minute)
	if m < 1 {
		m = 1
	}
	return m
}
