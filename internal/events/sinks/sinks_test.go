package sinks

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/linksmith/chrono-scraper-sub004/internal/events"
	pubmemory "github.com/linksmith/chrono-scraper-sub004/internal/publisher/memory"
)

func TestLogSinkWritesEvents(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zap.DebugLevel)
	sink := NewLogSink(zap.New(core))
	err := sink.Consume(context.Background(), []events.Event{
		{Kind: events.KindCompleted, PageID: "p1", TS: time.Now()},
	})
	require.NoError(t, err)
	require.Equal(t, 1, logs.Len())
	require.Equal(t, "p1", logs.All()[0].ContextMap()["page_id"])
	require.NoError(t, sink.Close(context.Background()))
}

func TestPublisherSinkFiltersKinds(t *testing.T) {
	t.Parallel()

	pub := pubmemory.New(0)
	sink := NewPublisherSink(pub, "page-events", events.KindCompleted)
	err := sink.Consume(context.Background(), []events.Event{
		{Kind: events.KindClaimed, PageID: "p1", TS: time.Now()},
		{Kind: events.KindCompleted, PageID: "p1", TS: time.Now()},
	})
	require.NoError(t, err)
	msgs := pub.Messages()
	require.Len(t, msgs, 1)
	require.Equal(t, "page-events", msgs[0].Topic)
	require.Contains(t, string(msgs[0].Data), `"kind":"page.completed"`)
}

type failingPublisher struct{}

func (failingPublisher) Publish(context.Context, string, any) (string, error) {
	return "", errors.New("broker down")
}

func TestPublisherSinkJoinsErrors(t *testing.T) {
	t.Parallel()

	sink := NewPublisherSink(failingPublisher{}, "t")
	err := sink.Consume(context.Background(), []events.Event{
		{Kind: events.KindFailed, PageID: "p1", TS: time.Now()},
		{Kind: events.KindFailed, PageID: "p2", TS: time.Now()},
	})
	require.ErrorContains(t, err, "p1")
	require.ErrorContains(t, err, "p2")
}

func TestPrometheusSinkTracksLifecycle(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	sink, err := NewPrometheusSink(reg)
	require.NoError(t, err)

	start := time.Now()
	require.NoError(t, sink.Consume(context.Background(), []events.Event{
		{Kind: events.KindClaimed, PageID: "p1", TS: start},
		{Kind: events.KindClaimed, PageID: "p2", TS: start},
		{Kind: events.KindClaimed, PageID: "p1", TS: start},
	}))
	require.Equal(t, 2.0, testutil.ToFloat64(sink.inFlight))
	require.Equal(t, 3.0, testutil.ToFloat64(sink.eventsTotal.WithLabelValues(string(events.KindClaimed))))

	require.NoError(t, sink.Consume(context.Background(), []events.Event{
		{Kind: events.KindCompleted, PageID: "p1", TS: start.Add(2 * time.Second)},
		{Kind: events.KindCompleted, PageID: "unknown", TS: start.Add(time.Second)},
	}))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.inFlight))
	require.Equal(t, 1, testutil.CollectAndCount(sink.lifetime, "chrono_page_processing_seconds"))
	require.NoError(t, sink.Close(context.Background()))
}

func TestPrometheusSinkReusesRegisteredCollectors(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	first, err := NewPrometheusSink(reg)
	require.NoError(t, err)
	second, err := NewPrometheusSink(reg)
	require.NoError(t, err)

	require.NoError(t, second.Consume(context.Background(), []events.Event{
		{Kind: events.KindDedupHit, PageID: "p1", TS: time.Now()},
	}))
	require.Equal(t, 1.0, testutil.ToFloat64(first.eventsTotal.WithLabelValues(string(events.KindDedupHit))))
}
