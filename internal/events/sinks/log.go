// Package sinks contains events.Sink implementations.
package sinks

import (
	"context"

	"go.uber.org/zap"

	"github.com/linksmith/chrono-scraper-sub004/internal/events"
)

// LogSink emits one structured log line per event.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink wires a Zap logger to the sink interface.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

// Consume logs each event in the batch at debug level.
func (s *LogSink) Consume(_ context.Context, batch []events.Event) error {
	for _, evt := range batch {
		s.logger.Debug("page event",
			zap.String("kind", string(evt.Kind)),
			zap.String("page_id", evt.PageID),
			zap.String("project_id", evt.ProjectID),
			zap.String("session_id", evt.SessionID),
			zap.String("url", evt.URL),
			zap.String("status", evt.Status),
			zap.String("note", evt.Note),
			zap.Time("ts", evt.TS),
		)
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *LogSink) Close(context.Context) error {
	return nil
}
