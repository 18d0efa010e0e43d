package emit

import (
	"go.uber.org/zap"
)

// LogEmitter writes each event as a structured log line.
type LogEmitter struct {
	log *zap.Logger
}

// NewLogEmitter wraps a zap logger. A nil logger falls back to zap.NewNop.
func NewLogEmitter(log *zap.Logger) *LogEmitter {
	if log == nil {
		log = zap.NewNop()
	}
	return &LogEmitter{log: log}
}

// Emit logs the event at info level with its fields flattened.
func (l *LogEmitter) Emit(event Event) {
	fields := make([]zap.Field, 0, 4+len(event.Meta))
	fields = append(fields,
		zap.String("run_id", event.RunID),
		zap.Int("step", event.Step),
		zap.String("node_id", event.NodeID),
		zap.Time("at", event.At),
	)
	for k, v := range event.Meta {
		fields = append(fields, zap.Any(k, v))
	}
	l.log.Info(event.Msg, fields...)
}
