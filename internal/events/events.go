// Package events announces task lifecycle changes to other systems.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ramiqadoumi/go-task-gateway/internal/domain"
	"github.com/ramiqadoumi/go-task-gateway/internal/kafka"
)

// DefaultTopic is where task events are published unless configured otherwise.
const DefaultTopic = "tasks.events"

// Name identifies what happened to a task.
type Name string

const (
	TaskCompleted Name = "task.completed"
	TaskFailed    Name = "task.failed"
)

// TaskEvent is the message published after a task reaches a terminal state.
type TaskEvent struct {
	Event     Name               `json:"event"`
	Task      *domain.TaskRecord `json:"task"`
	EmittedAt time.Time          `json:"emitted_at"`
}

// NewTaskEvent builds the event for a terminal record.
func NewTaskEvent(rec *domain.TaskRecord, at time.Time) (TaskEvent, error) {
	var name Name
	switch rec.Status {
	case domain.StatusCompleted:
		name = TaskCompleted
	case domain.StatusFailed:
		name = TaskFailed
	default:
		return TaskEvent{}, fmt.Errorf("task %s is %s, only terminal tasks emit events", rec.ID, rec.Status)
	}
	return TaskEvent{Event: name, Task: rec.Clone(), EmittedAt: at.UTC()}, nil
}

// Publisher delivers task events.
type Publisher interface {
	Publish(ctx context.Context, ev TaskEvent) error
	Close() error
}

// KafkaPublisher writes events to a topic keyed by task id.
type KafkaPublisher struct {
	producer kafka.Producer
	topic    string
}

// NewKafkaPublisher wraps a producer. An empty topic means DefaultTopic.
func NewKafkaPublisher(p kafka.Producer, topic string) *KafkaPublisher {
	if topic == "" {
		topic = DefaultTopic
	}
	return &KafkaPublisher{producer: p, topic: topic}
}

func (p *KafkaPublisher) Publish(ctx context.Context, ev TaskEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal %s event: %w", ev.Event, err)
	}
	return p.producer.Publish(ctx, p.topic, ev.Task.ID, data)
}

func (p *KafkaPublisher) Close() error { return p.producer.Close() }

// Noop drops every event. It is used when no brokers are configured.
type Noop struct{}

func (Noop) Publish(context.Context, TaskEvent) error { return nil }
func (Noop) Close() error                             { return nil }
