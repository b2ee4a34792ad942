package events

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"

	"github.com/ramiqadoumi/go-task-gateway/internal/kafka"
)

// TailFilter narrows which events Tail prints. Empty fields match everything.
type TailFilter struct {
	Event    Name
	TaskType string
}

func (f TailFilter) match(ev TaskEvent) bool {
	if f.Event != "" && ev.Event != f.Event {
		return false
	}
	if f.TaskType != "" && (ev.Task == nil || string(ev.Task.Type) != f.TaskType) {
		return false
	}
	return true
}

// Tail consumes task events and writes each matching one to w as a JSON line
// until ctx is cancelled. Messages that are not task events are logged and skipped.
func Tail(ctx context.Context, c kafka.Consumer, w io.Writer, filter TailFilter, logger *slog.Logger) error {
	enc := json.NewEncoder(w)
	return c.Subscribe(ctx, func(_ context.Context, msg kafka.Message) error {
		var ev TaskEvent
		if err := json.Unmarshal(msg.Value, &ev); err != nil || ev.Event == "" {
			logger.Warn("skipping non-event message",
				slog.String("topic", msg.Topic),
				slog.Int64("offset", msg.Offset),
			)
			return nil
		}
		if !filter.match(ev) {
			return nil
		}
		if err := enc.Encode(ev); err != nil {
			return fmt.Errorf("write event: %w", err)
		}
		return nil
	})
}
