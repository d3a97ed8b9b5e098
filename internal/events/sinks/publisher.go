package sinks

import (
	"context"
	"errors"
	"fmt"

	"github.com/linksmith/chrono-scraper-sub004/internal/archive"
	"github.com/linksmith/chrono-scraper-sub004/internal/events"
)

// PublisherSink forwards each event to a message broker topic.
type PublisherSink struct {
	publisher archive.Publisher
	topic     string
	kinds     map[events.Kind]struct{}
}

// NewPublisherSink publishes events of the given kinds (all kinds when empty).
func NewPublisherSink(publisher archive.Publisher, topic string, kinds ...events.Kind) *PublisherSink {
	var set map[events.Kind]struct{}
	if len(kinds) > 0 {
		set = make(map[events.Kind]struct{}, len(kinds))
		for _, k := range kinds {
			set[k] = struct{}{}
		}
	}
	return &PublisherSink{publisher: publisher, topic: topic, kinds: set}
}

// Consume publishes every selected event and joins the failures.
func (s *PublisherSink) Consume(ctx context.Context, batch []events.Event) error {
	var errs []error
	for _, evt := range batch {
		if s.kinds != nil {
			if _, ok := s.kinds[evt.Kind]; !ok {
				continue
			}
		}
		if _, err := s.publisher.Publish(ctx, s.topic, evt); err != nil {
			errs = append(errs, fmt.Errorf("publish %s for %s: %w", evt.Kind, evt.PageID, err))
		}
	}
	return errors.Join(errs...)
}

// Close implements the Sink interface.
func (s *PublisherSink) Close(context.Context) error {
	if stopper, ok := s.publisher.(interface{ Stop() }); ok {
		stopper.Stop()
	}
	return nil
}
