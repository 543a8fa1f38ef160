package protocol

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"
)

// LogBridge forwards skill `log` events into the host's structured logger,
// so a skill's own logging lands next to the supervisor's with the skill id
// attached.
type LogBridge struct {
	logger *slog.Logger
}

// NewLogBridge builds a bridge writing through l, or slog.Default() when nil.
func NewLogBridge(l *slog.Logger) *LogBridge {
	if l == nil {
		l = slog.Default()
	}
	return &LogBridge{logger: l}
}

// Forward decodes one log event and emits it. Undecodable payloads degrade
// to a warning carrying the raw bytes rather than being dropped.
func (b *LogBridge) Forward(ctx context.Context, skillID string, ev Event) {
	if ev.Kind != EventLog {
		return
	}

	var payload LogPayload
	if err := json.Unmarshal(ev.Payload, &payload); err != nil {
		b.logger.WarnContext(ctx, "skill log event with undecodable payload",
			"skill", skillID, "session", ev.SessionID, "error", err, "raw", string(ev.Payload))
		return
	}

	level := b.parseLevel(payload.Level, skillID)
	attrs := convertLogAttrs(payload.Attrs)
	attrs = append(attrs, slog.String("skill", skillID), slog.String("session", ev.SessionID))

	b.logger.LogAttrs(ctx, level, payload.Message, attrs...)
}

// parseLevel converts a string level to slog.Level.
func (b *LogBridge) parseLevel(levelStr, skillID string) slog.Level {
	level := slog.LevelInfo
	if err := level.UnmarshalText([]byte(levelStr)); err != nil {
		b.logger.Warn("unknown log level from skill", "skill", skillID, "level", levelStr)
	}
	return level
}

// convertLogAttrs converts wire attributes to slog.Attr slice.
func convertLogAttrs(wireAttrs map[string]any) []slog.Attr {
	attrs := make([]slog.Attr, 0, len(wireAttrs)+2)
	for key, value := range wireAttrs {
		attrs = append(attrs, convertSingleAttr(key, value))
	}
	return attrs
}

// convertSingleAttr maps one decoded JSON value to a typed slog.Attr.
func convertSingleAttr(key string, value any) slog.Attr {
	switch v := value.(type) {
	case string:
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			return slog.Time(key, t)
		}
		return slog.String(key, v)
	case bool:
		return slog.Bool(key, v)
	case float64:
		if v == float64(int64(v)) {
			return slog.Int64(key, int64(v))
		}
		return slog.Float64(key, v)
	case error:
		return slog.Any(key, fmt.Errorf("%s", v))
	}
	// Fallback for arrays, objects, and nulls.
	return slog.Any(key, value)
}
