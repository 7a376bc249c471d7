// Package webhook delivers pipeline events to configured HTTP endpoints with
// HMAC-SHA256 signatures and bounded retries. Each endpoint has its own queue
// and background worker; callers never wait on a remote endpoint.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/NdodaEnde/Hospital-Platform/internal/platform/metrics"
)

// Headers set on every delivery.
const (
	HeaderSignature = "X-Webhook-Signature"
	HeaderEventID   = "X-Webhook-Event-ID"
	HeaderEventType = "X-Webhook-Event-Type"
	HeaderTimestamp = "X-Webhook-Timestamp"
)

// Endpoint is a delivery target. Events holds exact event types, "prefix.*"
// patterns or "*"; empty means every event.
type Endpoint struct {
	URL    string
	Secret string
	Events []string
}

// Event is the JSON body POSTed to endpoints.
type Event struct {
	ID         string          `json:"id"`
	Type       string          `json:"type"`
	ResourceID string          `json:"resource_id"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	Timestamp  time.Time       `json:"timestamp"`
}

// SignPayload returns the hex HMAC-SHA256 of payload under secret.
func SignPayload(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks a signature produced by SignPayload, with or without
// the "sha256=" prefix.
func VerifySignature(payload []byte, secret, signature string) bool {
	expected := SignPayload(payload, secret)
	return hmac.Equal([]byte(expected), []byte(strings.TrimPrefix(signature, "sha256=")))
}

func validateURL(rawURL string) error {
	if rawURL == "" {
		return fmt.Errorf("url is required")
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid url: %w", err)
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return fmt.Errorf("url scheme must be http or https, got %q", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("url %q has no host", rawURL)
	}
	return nil
}

func eventMatches(pattern, eventType string) bool {
	if pattern == "*" || pattern == eventType {
		return true
	}
	if prefix, ok := strings.CutSuffix(pattern, ".*"); ok {
		return strings.HasPrefix(eventType, prefix+".")
	}
	return false
}

func (ep Endpoint) wants(eventType string) bool {
	if len(ep.Events) == 0 {
		return true
	}
	for _, p := range ep.Events {
		if eventMatches(p, eventType) {
			return true
		}
	}
	return false
}

type Option func(*Notifier)

func WithHTTPClient(c *http.Client) Option {
	return func(n *Notifier) { n.client = c }
}

// WithRetryDelays sets the waits between attempts; the attempt count is
// len(delays)+1.
func WithRetryDelays(delays ...time.Duration) Option {
	return func(n *Notifier) { n.delays = delays }
}

// WithQueueSize bounds the number of undelivered events per endpoint. Events
// beyond it are dropped for that endpoint only.
func WithQueueSize(size int) Option {
	return func(n *Notifier) { n.queueSize = size }
}

// Notifier queues events and delivers them to every matching endpoint. A
// slow or failing endpoint only delays its own queue.
type Notifier struct {
	endpoints []Endpoint
	client    *http.Client
	delays    []time.Duration
	queueSize int
	logger    zerolog.Logger
	sleep     func(stop <-chan struct{}, d time.Duration) bool

	workers  []*worker
	wg       sync.WaitGroup
	mu       sync.RWMutex
	closed   bool
	done     chan struct{}
	stop     chan struct{}
	stopOnce sync.Once
}

type worker struct {
	ep    Endpoint
	queue chan Event
}

func New(endpoints []Endpoint, logger zerolog.Logger, opts ...Option) (*Notifier, error) {
	if len(endpoints) == 0 {
		return nil, errors.New("at least one webhook endpoint is required")
	}
	for _, ep := range endpoints {
		if err := validateURL(ep.URL); err != nil {
			return nil, err
		}
	}

	n := &Notifier{
		endpoints: endpoints,
		client:    &http.Client{Timeout: 10 * time.Second},
		delays:    []time.Duration{time.Second, 30 * time.Second, 5 * time.Minute},
		queueSize: 256,
		logger:    logger.With().Str("component", "webhook").Logger(),
		done:      make(chan struct{}),
		stop:      make(chan struct{}),
		sleep:     sleepOrStop,
	}
	for _, o := range opts {
		o(n)
	}
	if n.queueSize < 1 {
		n.queueSize = 1
	}
	for _, ep := range n.endpoints {
		w := &worker{ep: ep, queue: make(chan Event, n.queueSize)}
		n.workers = append(n.workers, w)
		n.wg.Add(1)
		go n.run(w)
	}
	go func() {
		n.wg.Wait()
		close(n.done)
	}()
	return n, nil
}

// Notify queues an event for each endpoint that wants it. Marshalling
// failures and full queues are logged and counted, never returned.
func (n *Notifier) Notify(_ context.Context, eventType, resourceID string, payload interface{}) {
	ev := Event{
		ID:         uuid.NewString(),
		Type:       eventType,
		ResourceID: resourceID,
		Timestamp:  time.Now().UTC(),
	}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			n.logger.Warn().Err(err).Str("event_type", eventType).Msg("webhook payload not serializable")
			return
		}
		ev.Payload = raw
	}

	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.closed {
		metrics.WebhookDeliveries.WithLabelValues(metrics.WebhookDropped).Inc()
		return
	}
	for _, w := range n.workers {
		if !w.ep.wants(eventType) {
			continue
		}
		select {
		case w.queue <- ev:
		default:
			metrics.WebhookDeliveries.WithLabelValues(metrics.WebhookDropped).Inc()
			n.logger.Warn().Str("event_type", eventType).Str("url", w.ep.URL).Msg("webhook queue full, event dropped")
		}
	}
}

// Close stops accepting events and waits for queued ones to be delivered
// until ctx ends; pending retries are then abandoned.
func (n *Notifier) Close(ctx context.Context) error {
	n.mu.Lock()
	if !n.closed {
		n.closed = true
		for _, w := range n.workers {
			close(w.queue)
		}
	}
	n.mu.Unlock()

	select {
	case <-n.done:
		return nil
	case <-ctx.Done():
		n.stopOnce.Do(func() { close(n.stop) })
		<-n.done
		return ctx.Err()
	}
}

func (n *Notifier) run(w *worker) {
	defer n.wg.Done()
	for ev := range w.queue {
		n.deliver(w.ep, ev)
	}
}

// deliver retries one event against one endpoint until it succeeds, attempts
// run out or the notifier is stopped.
func (n *Notifier) deliver(ep Endpoint, ev Event) {
	body, err := json.Marshal(ev)
	if err != nil {
		metrics.WebhookDeliveries.WithLabelValues(metrics.WebhookFailed).Inc()
		return
	}

	for attempt := 0; ; attempt++ {
		err := n.post(ep, ev, body)
		if err == nil {
			metrics.WebhookDeliveries.WithLabelValues(metrics.WebhookDelivered).Inc()
			return
		}
		if attempt >= len(n.delays) {
			metrics.WebhookDeliveries.WithLabelValues(metrics.WebhookFailed).Inc()
			n.logger.Error().Err(err).Str("event_type", ev.Type).Str("url", ep.URL).Int("attempts", attempt+1).Msg("webhook delivery failed")
			return
		}
		metrics.WebhookDeliveries.WithLabelValues(metrics.WebhookRetried).Inc()
		n.logger.Warn().Err(err).Str("event_type", ev.Type).Str("url", ep.URL).Dur("backoff", n.delays[attempt]).Msg("webhook delivery failed, retrying")
		if !n.sleep(n.stop, n.delays[attempt]) {
			metrics.WebhookDeliveries.WithLabelValues(metrics.WebhookFailed).Inc()
			return
		}
	}
}

func (n *Notifier) post(ep Endpoint, ev Event, body []byte) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-n.stop:
			cancel()
		case <-ctx.Done():
		}
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ep.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderEventID, ev.ID)
	req.Header.Set(HeaderEventType, ev.Type)
	req.Header.Set(HeaderTimestamp, ev.Timestamp.Format(time.RFC3339))
	if ep.Secret != "" {
		req.Header.Set(HeaderSignature, "sha256="+SignPayload(body, ep.Secret))
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 1024))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("non-2xx response: %d", resp.StatusCode)
	}
	return nil
}

func sleepOrStop(stop <-chan struct{}, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-stop:
		return false
	case <-t.C:
		return true
	}
}
