package audit

import (
	"context"

	"go.uber.org/zap"
)

// LogSink writes each entry as a structured log line.
type LogSink struct {
	log *zap.Logger
}

func NewLogSink(log *zap.Logger) *LogSink {
	return &LogSink{log: log.Named("audit")}
}

func (s *LogSink) Append(_ context.Context, e *Entry) error {
	fields := []zap.Field{
		zap.String("type", "audit"),
		zap.String("id", e.ID),
		zap.String("action", e.Action),
		zap.String("resource_type", e.ResourceType),
		zap.String("resource_id", e.ResourceID),
		zap.Time("occurred_at", e.OccurredAt),
	}
	if e.ActorID != "" {
		fields = append(fields, zap.String("actor_id", e.ActorID))
	}
	if e.RequestID != "" {
		fields = append(fields, zap.String("request_id", e.RequestID))
	}
	if len(e.Detail) > 0 {
		fields = append(fields, zap.Any("detail", e.Detail))
	}
	s.log.Info(e.Action, fields...)
	return nil
}
