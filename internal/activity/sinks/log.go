package sinks

import (
	"context"

	"go.uber.org/zap"

	"github.com/JakeFAU/searchguard/internal/activity"
)

// LogSink writes each event as a structured log line.
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

// Consume logs every event. Evaluations log at debug level since they are frequent.
func (s *LogSink) Consume(_ context.Context, batch []activity.Event) error {
	for _, evt := range batch {
		fields := []zap.Field{
			zap.String("event_id", evt.UUID().String()),
			zap.String("kind", string(evt.Kind)),
			zap.String("tab_id", evt.TabID),
			zap.String("host", evt.Host),
			zap.String("source", evt.Source),
			zap.String("matched", evt.MatchedTerm),
			zap.Duration("dur", evt.Dur),
		}
		if evt.Note != "" {
			fields = append(fields, zap.String("note", evt.Note))
		}
		if evt.Kind == activity.KindEvaluated {
			s.logger.Debug("activity", fields...)
			continue
		}
		s.logger.Info("activity", fields...)
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *LogSink) Close(context.Context) error {
	return nil
}
