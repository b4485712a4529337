// Package events announces caption tasks reaching a terminal status.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"clustr/captionq/internal/model"
)

// TaskFinished is published once per task, by the worker that finalized it.
type TaskFinished struct {
	TaskID      string           `json:"task_id"`
	Status      model.TaskStatus `json:"status"`
	Total       int              `json:"total"`
	Succeeded   int              `json:"succeeded"`
	Failed      int              `json:"failed"`
	CompletedAt time.Time        `json:"completed_at"`
}

func FromTask(task model.CaptionTask) TaskFinished {
	snap := model.Snapshot(task)
	ev := TaskFinished{
		TaskID:    task.ID,
		Status:    task.Status,
		Total:     snap.Summary.Total,
		Succeeded: snap.Summary.Success,
		Failed:    snap.Summary.Error,
	}
	if task.CompletedAt != nil {
		ev.CompletedAt = *task.CompletedAt
	}
	return ev
}

type Publisher interface {
	TaskFinished(ctx context.Context, ev TaskFinished) error
	Close() error
}

var (
	_ Publisher = Nop{}
	_ Publisher = (*AMQPPublisher)(nil)
	_ Publisher = (*Recorder)(nil)
)

type Nop struct{}

func (Nop) TaskFinished(context.Context, TaskFinished) error { return nil }
func (Nop) Close() error                                     { return nil }

// AMQPChannel is the part of *amqp.Channel used for publishing.
type AMQPChannel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

var _ AMQPChannel = (*amqp.Channel)(nil)

// AMQPPublisher publishes JSON events to a durable queue on the default
// exchange.
type AMQPPublisher struct {
	conn  *amqp.Connection
	ch    AMQPChannel
	queue string
	mu    sync.Mutex
}

func DialAMQP(url, queue string) (*AMQPPublisher, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to open a channel: %w", err)
	}
	if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("failed to declare queue %s: %w", queue, err)
	}
	return &AMQPPublisher{conn: conn, ch: ch, queue: queue}, nil
}

func NewAMQPPublisher(ch AMQPChannel, queue string) *AMQPPublisher {
	return &AMQPPublisher{ch: ch, queue: queue}
}

func (p *AMQPPublisher) TaskFinished(ctx context.Context, ev TaskFinished) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	// amqp channels are not safe for concurrent publishing.
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ch.PublishWithContext(ctx, "", p.queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    ev.TaskID,
		Timestamp:    ev.CompletedAt,
		Type:         "caption.task.finished",
		Body:         body,
	})
}

func (p *AMQPPublisher) Close() error {
	err := p.ch.Close()
	if p.conn != nil {
		if cerr := p.conn.Close(); err == nil {
			err = cerr
		}
	}
	return err
}

// Recorder keeps published events in memory.
type Recorder struct {
	mu     sync.Mutex
	events []TaskFinished
}

func (r *Recorder) TaskFinished(_ context.Context, ev TaskFinished) error {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
	return nil
}

func (r *Recorder) Events() []TaskFinished {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]TaskFinished(nil), r.events...)
}

func (r *Recorder) Close() error { return nil }
