// Package notify delivers events to the external Notification port
// without blocking the Claim Integration pipeline: notification failures
// are logged and never fail the enclosing claim. Delivery runs on a
// worker pool with a bounded queue and retry-with-backoff, against the
// single external `processEvent` port.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/opside/reconciler/internal/core"
)

// EventType enumerates the notification events the claim pipeline emits.
type EventType string

const (
	EventClaimDetected  EventType = "claim_detected"
	EventClaimSubmitted EventType = "claim_submitted"
	EventClaimPaid      EventType = "claim_paid"
	EventProofGenerated EventType = "proof_generated"
)

// Event is the payload handed to the Notification port's processEvent.
type Event struct {
	Type     EventType              `json:"type"`
	UserID   string                 `json:"userId"`
	Data     map[string]interface{} `json:"data"`
	Channels []string               `json:"channels,omitempty"`
	Priority string                 `json:"priority,omitempty"`
}

// Port is the external Notification service, referenced only by
// interface scope.
type Port interface {
	ProcessEvent(ctx context.Context, event Event) error
}

type job struct {
	event   Event
	attempt int
}

// Dispatcher delivers Events to a Port asynchronously via a bounded
// worker pool, retrying failures up to 3 attempts with a growing backoff
// (attempt² seconds) and
// always swallowing a terminal failure rather than propagating it.
type Dispatcher struct {
	port    Port
	queue   chan job
	logger  *log.Logger
	wg      sync.WaitGroup
	workers int
}

// NewDispatcher starts a Dispatcher with the given worker count
// (default 4).
func NewDispatcher(port Port, workers int) *Dispatcher {
	if workers <= 0 {
		workers = 4
	}
	d := &Dispatcher{
		port:    port,
		queue:   make(chan job, 1000),
		logger:  log.New(log.Writer(), "[NOTIFY] ", log.LstdFlags),
		workers: workers,
	}
	for i := 0; i < workers; i++ {
		d.wg.Add(1)
		go d.worker()
	}
	return d
}

// Emit enqueues an Event for delivery. Never blocks the caller: if the
// queue is full, the event is dropped and logged, consistent with "claim
// submission never silently drops because of a slow notification".
func (d *Dispatcher) Emit(event Event) {
	select {
	case d.queue <- job{event: event, attempt: 1}:
	default:
		d.logger.Printf("queue full, dropping event type=%s user=%s", event.Type, event.UserID)
	}
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()
	for j := range d.queue {
		d.deliver(j)
	}
}

func (d *Dispatcher) deliver(j job) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	err := d.port.ProcessEvent(ctx, j.event)
	if err == nil {
		return
	}

	if j.attempt < 3 {
		d.logger.Printf("delivery failed (attempt %d), retrying: type=%s err=%v", j.attempt, j.event.Type, err)
		time.Sleep(time.Duration(j.attempt*j.attempt) * time.Second)
		j.attempt++
		select {
		case d.queue <- j:
		default:
			d.logger.Printf("queue full on retry, dropping event type=%s", j.event.Type)
		}
		return
	}

	d.logger.Printf("delivery permanently failed after %d attempts: type=%s user=%s err=%v", j.attempt, j.event.Type, j.event.UserID, err)
}

// Shutdown drains the queue and stops all workers.
func (d *Dispatcher) Shutdown() {
	close(d.queue)
	d.wg.Wait()
}

// NopPort discards events. Used when no notification service is
// configured; discarded events are not logged.
type NopPort struct{}

func (NopPort) ProcessEvent(ctx context.Context, event Event) error { return nil }

// HTTPPort is a default Port posting events as JSON to a configured base
// URL's /notifications endpoint.
type HTTPPort struct {
	BaseURL    string
	HTTPClient *http.Client
}

func (p *HTTPPort) ProcessEvent(ctx context.Context, event Event) error {
	client := p.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}

	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("notify: marshal event: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.BaseURL+"/notifications", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("notify: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return &core.DependencyUnavailable{Dependency: "notification", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return &core.DependencyUnavailable{Dependency: "notification", Err: fmt.Errorf("status %d", resp.StatusCode)}
	}
	return nil
}
