// Package webhook delivers predictions to external HTTP receivers.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"pump-inference/internal/domain"
	"pump-inference/internal/observability"
	"pump-inference/internal/storage"
)

// Default configuration values.
const (
	DefaultTimeout = 10 * time.Second
	MaxLoggedBody  = 500
	DeliveryHeader = "X-Delivery-ID"
)

// Options configures Sender.
type Options struct {
	Logs       storage.WebhookLogStore
	HTTPClient *http.Client
	// DefaultURL and Timeout are read on every delivery so runtime
	// configuration changes apply.
	DefaultURL func() string
	Timeout    func() time.Duration
	Service    string
	Version    string
	Metrics    *observability.Metrics
	Logger     zerolog.Logger
}

// Sender posts payloads and records every attempt in the webhook log.
// It never retries.
type Sender struct {
	logs       storage.WebhookLogStore
	client     *http.Client
	defaultURL func() string
	timeout    func() time.Duration
	service    string
	version    string
	metrics    *observability.Metrics
	logger     zerolog.Logger
	now        func() time.Time

	base   context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewSender creates a Sender.
func NewSender(opts Options) *Sender {
	s := &Sender{
		logs:       opts.Logs,
		client:     opts.HTTPClient,
		defaultURL: opts.DefaultURL,
		timeout:    opts.Timeout,
		service:    opts.Service,
		version:    opts.Version,
		metrics:    opts.Metrics,
		logger:     opts.Logger,
		now:        time.Now,
	}
	if s.client == nil {
		s.client = &http.Client{}
	}
	if s.defaultURL == nil {
		s.defaultURL = func() string { return "" }
	}
	if s.timeout == nil {
		s.timeout = func() time.Duration { return DefaultTimeout }
	}
	if s.metrics == nil {
		s.metrics = observability.NewDiscard()
	}
	s.base, s.cancel = context.WithCancel(context.Background())
	return s
}

// Dispatch delivers in the background and returns immediately.
func (s *Sender) Dispatch(coinID string, observedAt time.Time, items []Item) {
	batches := Group(items, s.defaultURL())
	if len(batches) == 0 {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.deliver(s.base, coinID, observedAt, batches)
	}()
}

// Deliver posts every batch and waits for the results.
func (s *Sender) Deliver(ctx context.Context, coinID string, observedAt time.Time, items []Item) []*domain.WebhookLog {
	return s.deliver(ctx, coinID, observedAt, Group(items, s.defaultURL()))
}

// Drain waits for background deliveries. When ctx expires first the
// remaining posts are cancelled.
func (s *Sender) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		s.cancel()
		<-done
		return ctx.Err()
	}
}

func (s *Sender) deliver(ctx context.Context, coinID string, observedAt time.Time, batches []Batch) []*domain.WebhookLog {
	logs := make([]*domain.WebhookLog, 0, len(batches))
	for _, b := range batches {
		payload := NewPayload(coinID, observedAt, b.Items, s.service, s.version)
		entry := s.post(ctx, b.URL, payload)
		entry.CoinID = coinID
		entry.PredictionTimestamp = observedAt

		if s.logs != nil {
			if err := s.logs.Insert(context.WithoutCancel(ctx), entry); err != nil {
				s.logger.Error().Err(err).Str("url", b.URL).Str("coin_id", coinID).Msg("write webhook log")
			}
		}
		logs = append(logs, entry)
	}
	return logs
}

func (s *Sender) post(ctx context.Context, url string, payload Payload) *domain.WebhookLog {
	entry := &domain.WebhookLog{
		DeliveryID: uuid.NewString(),
		URL:        url,
		CreatedAt:  s.now().UTC(),
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return s.fail(entry, fmt.Errorf("marshal payload: %w", err), 0)
	}
	entry.Payload = body

	ctx, cancel := context.WithTimeout(ctx, s.timeout())
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return s.fail(entry, fmt.Errorf("create request: %w", err), 0)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(DeliveryHeader, entry.DeliveryID)

	start := time.Now()
	resp, err := s.client.Do(req)
	if err != nil {
		return s.fail(entry, fmt.Errorf("http request: %w", err), time.Since(start))
	}
	defer resp.Body.Close()

	head, _ := io.ReadAll(io.LimitReader(resp.Body, MaxLoggedBody))
	_, _ = io.Copy(io.Discard, resp.Body)
	elapsed := time.Since(start)

	status := resp.StatusCode
	text := strings.ToValidUTF8(string(head), "")
	entry.HTTPStatus = &status
	entry.Body = &text

	s.metrics.RecordWebhook(status, nil, elapsed.Seconds())
	ev := s.logger.Debug()
	if status < 200 || status >= 300 {
		ev = s.logger.Warn()
	}
	ev.Str("url", url).Str("coin_id", payload.CoinID).Int("status", status).
		Int("predictions", payload.Metadata.Total).Dur("elapsed", elapsed).Msg("webhook delivered")
	return entry
}

func (s *Sender) fail(entry *domain.WebhookLog, err error, elapsed time.Duration) *domain.WebhookLog {
	msg := err.Error()
	entry.Error = &msg
	s.metrics.RecordWebhook(0, err, elapsed.Seconds())
	s.logger.Warn().Err(err).Str("url", entry.URL).Msg("webhook delivery failed")
	return entry
}
