package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/hibiken/asynq"
)

const TaskTypeCaptionItem = "caption:item"

// MaxRedeliveries bounds how often asynq re-runs a job whose handler
// returned an error. Handlers skip items that are already settled.
const MaxRedeliveries = 5

// AsynqClient is the subset of *asynq.Client used to enqueue jobs.
type AsynqClient interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
	Close() error
}

var _ AsynqClient = (*asynq.Client)(nil)

// AsynqDispatcher enqueues each job as its own asynq task. Jobs are executed
// by whichever process runs Serve with the same Redis and queue.
type AsynqDispatcher struct {
	client  AsynqClient
	queue   string
	timeout time.Duration
	logger  *slog.Logger

	mu      sync.RWMutex
	handler Handler
}

func NewAsynqDispatcher(client AsynqClient, queue string, timeout time.Duration, logger *slog.Logger) *AsynqDispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}
	return &AsynqDispatcher{client: client, queue: queue, timeout: timeout, logger: logger}
}

func (d *AsynqDispatcher) Register(h Handler) {
	d.mu.Lock()
	d.handler = h
	d.mu.Unlock()
}

func (d *AsynqDispatcher) Dispatch(ctx context.Context, job Job) error {
	b, err := json.Marshal(job)
	if err != nil {
		return err
	}
	task := asynq.NewTask(TaskTypeCaptionItem, b)
	_, err = d.client.EnqueueContext(ctx, task,
		asynq.Queue(d.queue),
		asynq.TaskID(job.TaskID+":"+job.ImageID),
		asynq.MaxRetry(MaxRedeliveries),
		asynq.Timeout(d.timeout),
	)
	if err != nil {
		return fmt.Errorf("enqueue caption job: %w", err)
	}
	return nil
}

// ProcessTask decodes a queued job and runs the registered handler.
func (d *AsynqDispatcher) ProcessTask(ctx context.Context, t *asynq.Task) error {
	var job Job
	if err := json.Unmarshal(t.Payload(), &job); err != nil {
		return fmt.Errorf("decode caption job: %v: %w", err, asynq.SkipRetry)
	}
	d.mu.RLock()
	h := d.handler
	d.mu.RUnlock()
	if h == nil {
		return ErrNoHandler
	}
	return h(ctx, job)
}

// NewServer builds the worker-side asynq server for the dispatcher's queue.
func (d *AsynqDispatcher) NewServer(redisOpt asynq.RedisClientOpt, concurrency int) (*asynq.Server, *asynq.ServeMux) {
	srv := asynq.NewServer(redisOpt, asynq.Config{
		Concurrency: concurrency,
		Queues:      map[string]int{d.queue: 1},
		Logger:      asynqLogger{d.logger},
	})
	mux := asynq.NewServeMux()
	mux.HandleFunc(TaskTypeCaptionItem, d.ProcessTask)
	return srv, mux
}

func (d *AsynqDispatcher) Close() error {
	return d.client.Close()
}

// asynqLogger routes asynq's internal logging through slog.
type asynqLogger struct {
	l *slog.Logger
}

func (a asynqLogger) Debug(args ...interface{}) { a.l.Debug(fmt.Sprint(args...)) }
func (a asynqLogger) Info(args ...interface{})  { a.l.Info(fmt.Sprint(args...)) }
func (a asynqLogger) Warn(args ...interface{})  { a.l.Warn(fmt.Sprint(args...)) }
func (a asynqLogger) Error(args ...interface{}) { a.l.Error(fmt.Sprint(args...)) }
func (a asynqLogger) Fatal(args ...interface{}) {
	a.l.Error(fmt.Sprint(args...))
	os.Exit(1)
}
