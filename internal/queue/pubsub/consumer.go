// Package pubsub ingests scrape candidates published to a Pub/Sub subscription.
package pubsub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	pubsub "cloud.google.com/go/pubsub/v2"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"github.com/linksmith/chrono-scraper-sub004/internal/archive"
)

// Receiver is the subset of *pubsub.Subscriber the consumer uses.
type Receiver interface {
	Receive(ctx context.Context, f func(context.Context, *pubsub.Message)) error
}

// Enqueuer accepts decoded candidates.
type Enqueuer interface {
	Enqueue(ctx context.Context, c archive.ScrapeCandidate) error
}

// ErrMalformed marks a message that can never be processed.
var ErrMalformed = errors.New("malformed candidate message")

// Consumer moves candidate messages from a subscription into the work queue.
// Malformed messages are acked and dropped; enqueue failures are nacked so
// Pub/Sub redelivers them.
type Consumer struct {
	receiver Receiver
	sink     Enqueuer
	logger   *zap.Logger
}

// NewConsumer constructs a Consumer.
func NewConsumer(receiver Receiver, sink Enqueuer, logger *zap.Logger) *Consumer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Consumer{receiver: receiver, sink: sink, logger: logger.Named("pubsub_consumer")}
}

// Run blocks receiving messages until ctx is done.
func (c *Consumer) Run(ctx context.Context) error {
	err := c.receiver.Receive(ctx, func(msgCtx context.Context, msg *pubsub.Message) {
		if err := c.deliver(msgCtx, msg.Data, msg.Attributes); err != nil {
			if errors.Is(err, ErrMalformed) {
				c.logger.Warn("dropping malformed candidate", zap.String("message_id", msg.ID), zap.Error(err))
				msg.Ack()
				return
			}
			c.logger.Error("enqueue candidate", zap.String("message_id", msg.ID), zap.Error(err))
			msg.Nack()
			return
		}
		msg.Ack()
	})
	if err != nil && ctx.Err() == nil {
		return fmt.Errorf("pubsub receive: %w", err)
	}
	return nil
}

func (c *Consumer) deliver(ctx context.Context, data []byte, attrs map[string]string) error {
	ctx = otel.GetTextMapPropagator().Extract(ctx, carrier(attrs))
	cand, err := Decode(data, attrs)
	if err != nil {
		return err
	}
	return c.sink.Enqueue(ctx, cand)
}

// Decode parses a JSON candidate. The project_id and session_id attributes
// fill in fields the body omits.
func Decode(data []byte, attrs map[string]string) (archive.ScrapeCandidate, error) {
	var cand archive.ScrapeCandidate
	if err := json.Unmarshal(data, &cand); err != nil {
		return archive.ScrapeCandidate{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if cand.ProjectID == "" {
		cand.ProjectID = attrs["project_id"]
	}
	if cand.SessionID == "" {
		cand.SessionID = attrs["session_id"]
	}
	if strings.TrimSpace(cand.ProjectID) == "" || strings.TrimSpace(cand.URL) == "" {
		return archive.ScrapeCandidate{}, fmt.Errorf("%w: project_id and url are required", ErrMalformed)
	}
	if cand.CaptureTime.IsZero() {
		return archive.ScrapeCandidate{}, fmt.Errorf("%w: capture_time is required", ErrMalformed)
	}
	return cand, nil
}

type carrier map[string]string

func (c carrier) Get(key string) string { return c[key] }

func (c carrier) Set(key, value string) { c[key] = value }

func (c carrier) Keys() []string {
	keys := make([]string, 0, len(c))
	for k := range c {
		keys = append(keys, k)
	}
	return keys
}
