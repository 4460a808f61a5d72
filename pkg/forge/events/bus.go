// Package events fans supervisor events out to webhook subscribers.
//
// Delivery is fire-and-forget: each matching subscription gets one POST on
// its own goroutine, failures are logged and never retried, and there is no
// ordering between subscribers.
package events

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jamesainslie/forgevisor/pkg/forge/logging"
)

// Event names published by forgevisor.
const (
	EventStatus        = "status"
	EventConsole       = "console"
	EventModAddition   = "modAddition"
	EventModUpdate     = "modUpdate"
	EventModDeletion   = "modDeletion"
	EventVersionChange = "versionChange"
)

// KindWebhook is the only deliverable subscription kind.
const KindWebhook = "webhook"

// DeliveryHeader carries a unique id for each delivery attempt.
const DeliveryHeader = "X-Forgevisor-Delivery"

// EventHeader repeats the event name for receivers that route on headers.
const EventHeader = "X-Forgevisor-Event"

// DefaultTimeout bounds a single webhook request.
const DefaultTimeout = 10 * time.Second

var (
	// ErrUnknownKind is returned for subscriptions of a kind other than webhook.
	ErrUnknownKind = errors.New("unknown subscription kind")
	// ErrInvalidURL is returned for subscriptions without an absolute http(s) URL.
	ErrInvalidURL = errors.New("invalid subscription url")
)

// Subscription registers a URL for a set of event names.
type Subscription struct {
	Kind   string   `json:"kind"`
	URL    string   `json:"url"`
	Events []string `json:"events"`
}

// Wants reports whether the subscription lists event.
func (s Subscription) Wants(event string) bool {
	return slices.Contains(s.Events, event)
}

// Validate checks the kind and URL.
func (s Subscription) Validate() error {
	if s.Kind != KindWebhook {
		return fmt.Errorf("%w: %q", ErrUnknownKind, s.Kind)
	}
	u, err := url.Parse(s.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%w: %q", ErrInvalidURL, s.URL)
	}
	return nil
}

// Envelope is the JSON body sent to subscribers.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
	Time  time.Time       `json:"-"`
}

// Publisher is the publishing side of a Bus.
type Publisher interface {
	Publish(event string, payload any)
}

// Recorder observes every published event regardless of subscriptions.
// Recorders survive Reset. Record is called synchronously from Publish and
// must not block.
type Recorder interface {
	Record(env Envelope)
}

// RecorderFunc adapts a function to Recorder.
type RecorderFunc func(env Envelope)

// Record calls f(env).
func (f RecorderFunc) Record(env Envelope) { f(env) }

// Option configures a Bus.
type Option func(*Bus)

// WithClient sets the HTTP client used for deliveries.
func WithClient(c *http.Client) Option {
	return func(b *Bus) { b.client = c }
}

// WithTimeout bounds each delivery.
func WithTimeout(d time.Duration) Option {
	return func(b *Bus) { b.timeout = d }
}

// WithRecorder adds a recorder. It may be given more than once.
func WithRecorder(r Recorder) Option {
	return func(b *Bus) { b.recorders = append(b.recorders, r) }
}

// Bus holds the current subscriber set and dispatches events to it.
type Bus struct {
	mu        sync.RWMutex
	subs      []Subscription
	recorders []Recorder

	client  *http.Client
	timeout time.Duration
	wg      sync.WaitGroup // Add only under mu, so Close can Wait safely
	closed  bool
	logger  *logging.Logger
}

// New returns a bus with no subscribers.
func New(opts ...Option) *Bus {
	b := &Bus{
		client:  http.DefaultClient,
		timeout: DefaultTimeout,
		logger:  logging.Get("events"),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// AddRecorder adds a recorder after construction.
func (b *Bus) AddRecorder(r Recorder) {
	b.mu.Lock()
	b.recorders = append(b.recorders, r)
	b.mu.Unlock()
}

// Register adds one subscription. Subscriptions of another kind are
// rejected with ErrUnknownKind. Registered subscriptions last until the next
// Reset, which the supervisor performs on every start and exit.
func (b *Bus) Register(sub Subscription) error {
	if err := sub.Validate(); err != nil {
		b.logger.Warn("rejecting subscription", "kind", sub.Kind, "url", sub.URL, "error", err)
		return err
	}
	sub.Events = slices.Clone(sub.Events)

	b.mu.Lock()
	b.subs = append(b.subs, sub)
	b.mu.Unlock()

	b.logger.Debug("subscription registered", "url", sub.URL, "events", sub.Events)
	return nil
}

// Reset replaces the subscriber set. Invalid subscriptions are logged and
// skipped. Reset(nil) clears it.
func (b *Bus) Reset(subs []Subscription) {
	valid := make([]Subscription, 0, len(subs))
	for _, s := range subs {
		if err := s.Validate(); err != nil {
			b.logger.Warn("ignoring subscription", "kind", s.Kind, "url", s.URL, "error", err)
			continue
		}
		s.Events = slices.Clone(s.Events)
		valid = append(valid, s)
	}

	b.mu.Lock()
	b.subs = valid
	b.mu.Unlock()
}

// Subscriptions returns a copy of the current subscriber set.
func (b *Bus) Subscriptions() []Subscription {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]Subscription, len(b.subs))
	for i, s := range b.subs {
		s.Events = slices.Clone(s.Events)
		out[i] = s
	}
	return out
}

// Publish hands event to the recorders and starts one delivery per
// matching subscription. It does not wait for deliveries.
func (b *Bus) Publish(event string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		b.logger.Warn("dropping event with unencodable payload", "event", event, "error", err)
		return
	}
	env := Envelope{Event: event, Data: data, Time: time.Now()}
	body, err := json.Marshal(env)
	if err != nil {
		b.logger.Warn("encoding envelope", "event", event, "error", err)
		return
	}

	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		b.logger.Debug("dropping event after close", "event", event)
		return
	}
	recorders := b.recorders
	var targets []Subscription
	for _, s := range b.subs {
		if s.Wants(event) {
			targets = append(targets, s)
		}
	}
	b.wg.Add(len(targets))
	b.mu.RUnlock()

	for _, r := range recorders {
		r.Record(env)
	}

	for _, s := range targets {
		go func(s Subscription) {
			defer b.wg.Done()
			b.deliver(s, event, body)
		}(s)
	}
}

// Wait blocks until every delivery started so far has finished.
func (b *Bus) Wait() {
	b.wg.Wait()
}

// Close stops the bus and waits for in-flight deliveries. Events published
// afterwards are dropped, recorders included.
func (b *Bus) Close() {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	b.wg.Wait()
}

func (b *Bus) deliver(s Subscription, event string, body []byte) {
	ctx, cancel := context.WithTimeout(context.Background(), b.timeout)
	defer cancel()

	id := uuid.NewString()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.URL, bytes.NewReader(body))
	if err != nil {
		b.logger.Warn("building webhook request", "url", s.URL, "event", event, "error", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "forgevisor")
	req.Header.Set(EventHeader, event)
	req.Header.Set(DeliveryHeader, id)

	start := time.Now()
	resp, err := b.client.Do(req)
	if err != nil {
		b.logger.Warn("webhook delivery failed", "url", s.URL, "event", event, "delivery", id, "error", err)
		return
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64*1024))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		b.logger.Warn("webhook rejected", "url", s.URL, "event", event, "delivery", id, "status", resp.StatusCode)
		return
	}
	b.logger.Debug("webhook delivered", "url", s.URL, "event", event, "delivery", id, "took", time.Since(start))
}
