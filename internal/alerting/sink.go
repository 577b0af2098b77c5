package alerting

import (
	"context"

	"go.uber.org/zap"

	"github.com/xkilldash9x/swarmwatch/api/schemas"
)

// LogSink publishes alert transitions as structured log lines.
type LogSink struct {
	logger *zap.Logger
}

var _ schemas.AlertSink = (*LogSink)(nil)

// NewLogSink creates a sink writing to logger.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger.Named("alerts")}
}

// Publish logs every transition. Activations are logged at warn level.
func (s *LogSink) Publish(_ context.Context, transitions []schemas.AlertTransition) error {
	for _, tr := range transitions {
		fields := []zap.Field{
			zap.String("alert_id", tr.AlertID),
			zap.Stringer("subject", tr.Subject),
			zap.String("kind", string(tr.Kind)),
			zap.String("old_state", string(tr.OldState)),
			zap.String("new_state", string(tr.NewState)),
			zap.Float64("score", tr.Score),
			zap.Time("timestamp", tr.Timestamp),
		}
		if tr.NewState == schemas.AlertActive {
			s.logger.Warn("Coordination alert active", fields...)
			continue
		}
		s.logger.Info("Coordination alert transition", fields...)
	}
	return nil
}
