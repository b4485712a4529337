// Package orchestrator owns the caption task lifecycle: it validates and
// records batch submissions, hands items to the dispatcher, and folds each
// item's result back into the task record.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"clustr/captionq/internal/captioner"
	"clustr/captionq/internal/dispatch"
	"clustr/captionq/internal/events"
	"clustr/captionq/internal/model"
	"clustr/captionq/internal/store"
)

var (
	ErrEmptyBatch    = errors.New("no images in batch")
	ErrImageNotFound = errors.New("image not found")
	ErrTaskNotFound  = errors.New("task not found")
	ErrTaskBusy      = errors.New("another sweep is still running")
	ErrTooManyImages = errors.New("too many images")
	ErrInvalidLimit  = errors.New("limit out of range")
)

const (
	DefaultSweepLimit = 50
	MaxSweepLimit     = 200
	MaxRecaption      = 100

	storeWriteAttempts  = 5
	defaultWriteBackoff = 100 * time.Millisecond
)

// Captioner produces captions for raw image bytes.
type Captioner interface {
	Caption(ctx context.Context, image []byte, filename string) (*captioner.Result, error)
	Health(ctx context.Context) (map[string]any, error)
}

// Loader returns the staged bytes of an image.
type Loader interface {
	Load(ctx context.Context, imageID string) ([]byte, error)
}

var _ Captioner = (*captioner.Client)(nil)

type Orchestrator struct {
	store      store.Store
	loader     Loader
	captioner  Captioner
	dispatcher dispatch.Dispatcher
	events     events.Publisher
	logger     *slog.Logger
	now        func() time.Time
	newID      func() string

	// writeBackoff is the first pause between task store write attempts;
	// it doubles on each retry.
	writeBackoff time.Duration

	sweepMu sync.Mutex
	sweepID string
}

type Option func(*Orchestrator)

func WithEvents(p events.Publisher) Option {
	return func(o *Orchestrator) {
		if p != nil {
			o.events = p
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) {
		if l != nil {
			o.logger = l
		}
	}
}

// New wires the orchestrator and registers ProcessItem as the dispatcher's
// job handler.
func New(st store.Store, loader Loader, c Captioner, d dispatch.Dispatcher, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		store:      st,
		loader:     loader,
		captioner:  c,
		dispatcher: d,
		events:     events.Nop{},
		logger:     slog.Default(),
		now:        time.Now,
		newID:      uuid.NewString,

		writeBackoff: defaultWriteBackoff,
	}
	for _, opt := range opts {
		opt(o)
	}
	d.Register(o.ProcessItem)
	return o
}

func normalizeIDs(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

// Submit creates a queued task for imageIDs and dispatches one job per image.
// The task record exists before any job can run. It never waits for
// captioning.
func (o *Orchestrator) Submit(ctx context.Context, imageIDs []string) (string, error) {
	ids := normalizeIDs(imageIDs)
	if len(ids) == 0 {
		return "", ErrEmptyBatch
	}
	for _, id := range ids {
		if _, err := o.store.GetImage(ctx, id); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return "", fmt.Errorf("%w: %s", ErrImageNotFound, id)
			}
			return "", fmt.Errorf("lookup image %s: %w", id, err)
		}
	}
	return o.submit(ctx, ids)
}

func (o *Orchestrator) submit(ctx context.Context, ids []string) (string, error) {
	task := model.NewCaptionTask(o.newID(), ids, o.now())
	if err := o.store.PutTask(ctx, task); err != nil {
		return "", fmt.Errorf("persist task: %w", err)
	}
	o.logger.Info("caption task queued", "task_id", task.ID, "items", len(ids))

	// The task is persisted, so every item must reach the queue or be settled
	// even if the caller goes away mid-loop.
	dctx := context.WithoutCancel(ctx)
	for _, id := range ids {
		job := dispatch.Job{TaskID: task.ID, ImageID: id}
		if err := o.dispatcher.Dispatch(dctx, job); err != nil {
			o.logger.Error("failed to dispatch caption job", "task_id", task.ID, "image_id", id, "error", err)
			if rerr := o.record(dctx, job, model.Failure("dispatch: "+err.Error())); rerr != nil {
				o.logger.Error("failed to record dispatch failure", "task_id", task.ID, "image_id", id, "error", rerr)
			}
		}
	}
	return task.ID, nil
}

// Status returns a consistent snapshot of the task, including partial
// per-item outcomes.
func (o *Orchestrator) Status(ctx context.Context, taskID string) (*model.TaskSnapshot, error) {
	task, err := o.store.GetTask(ctx, taskID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	if err != nil {
		return nil, err
	}
	snap := model.Snapshot(*task)
	return &snap, nil
}

// ProcessItem captions one image of a task and records its outcome. Failures
// of the image or the model become the item's error outcome; only store
// failures are returned, after the outcome write has been retried.
func (o *Orchestrator) ProcessItem(ctx context.Context, job dispatch.Job) error {
	err := o.retryWrite(ctx, "start_task", job, func(ctx context.Context) error {
		return o.store.StartTask(ctx, job.TaskID)
	})
	if err != nil {
		return fmt.Errorf("start task %s: %w", job.TaskID, err)
	}
	task, err := o.store.GetTask(ctx, job.TaskID)
	if err != nil {
		return fmt.Errorf("load task %s: %w", job.TaskID, err)
	}
	if task.Status.IsTerminal() || task.Outcomes[job.ImageID].State.IsTerminal() {
		o.logger.Debug("skipping already settled item", "task_id", job.TaskID, "image_id", job.ImageID)
		return nil
	}

	start := o.now()
	res, err := o.caption(ctx, job.ImageID)
	var outcome model.ItemOutcome
	if err != nil {
		outcome = model.Failure(err.Error())
		o.logger.Warn("caption item failed", "task_id", job.TaskID, "image_id", job.ImageID, "error", err)
	} else {
		outcome = model.Success(res.Caption, res.Tags)
		o.logger.Debug("caption item done", "task_id", job.TaskID, "image_id", job.ImageID,
			"duration_ms", o.now().Sub(start).Milliseconds())
	}
	return o.record(context.WithoutCancel(ctx), job, outcome)
}

// caption runs the model on a staged image and writes the result, or the
// failure, onto its ImageRecord.
func (o *Orchestrator) caption(ctx context.Context, imageID string) (*captioner.Result, error) {
	rec, err := o.store.GetImage(ctx, imageID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrImageNotFound, imageID)
		}
		return nil, err
	}
	data, err := o.loader.Load(ctx, imageID)
	if err != nil {
		o.markError(ctx, imageID, "load image: "+err.Error())
		return nil, fmt.Errorf("load image: %w", err)
	}
	res, err := o.captioner.Caption(ctx, data, rec.OriginalName)
	if err != nil {
		o.markError(ctx, imageID, err.Error())
		return nil, err
	}
	if err := o.store.UpdateImageCaption(ctx, imageID, res.Caption, res.Tags); err != nil {
		return nil, fmt.Errorf("persist caption: %w", err)
	}
	return res, nil
}

func (o *Orchestrator) markError(ctx context.Context, imageID, msg string) {
	if err := o.store.MarkImageError(ctx, imageID, msg); err != nil {
		o.logger.Error("failed to record image error", "image_id", imageID, "error", err)
	}
}

// permanentWriteError reports errors that another attempt cannot fix.
func permanentWriteError(err error) bool {
	return errors.Is(err, model.ErrItemTerminal) ||
		errors.Is(err, model.ErrTaskTerminal) ||
		errors.Is(err, model.ErrUnknownItem) ||
		errors.Is(err, store.ErrNotFound)
}

// retryWrite runs a task store write up to storeWriteAttempts times with
// doubling backoff. Cancellation of ctx does not stop it.
func (o *Orchestrator) retryWrite(ctx context.Context, op string, job dispatch.Job, write func(context.Context) error) error {
	ctx = context.WithoutCancel(ctx)
	backoff := o.writeBackoff
	var err error
	for attempt := 1; ; attempt++ {
		err = write(ctx)
		if err == nil || permanentWriteError(err) || attempt == storeWriteAttempts {
			return err
		}
		o.logger.Warn("task store write failed, retrying", "op", op, "task_id", job.TaskID,
			"image_id", job.ImageID, "attempt", attempt, "error", err)
		time.Sleep(backoff)
		backoff *= 2
	}
}

func (o *Orchestrator) record(ctx context.Context, job dispatch.Job, outcome model.ItemOutcome) error {
	var (
		task      *model.CaptionTask
		finalized bool
	)
	err := o.retryWrite(ctx, "update_task_item", job, func(ctx context.Context) error {
		var err error
		task, finalized, err = o.store.UpdateTaskItem(ctx, job.TaskID, job.ImageID, outcome, o.now())
		return err
	})
	if errors.Is(err, model.ErrItemTerminal) || errors.Is(err, model.ErrTaskTerminal) {
		o.logger.Debug("outcome already recorded", "task_id", job.TaskID, "image_id", job.ImageID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("record outcome for %s/%s: %w", job.TaskID, job.ImageID, err)
	}
	if !finalized {
		return nil
	}

	ev := events.FromTask(*task)
	o.logger.Info("caption task finished", "task_id", task.ID, "status", string(task.Status),
		"succeeded", ev.Succeeded, "failed", ev.Failed)
	if err := o.events.TaskFinished(ctx, ev); err != nil {
		o.logger.Error("failed to publish task event", "task_id", task.ID, "error", err)
	}
	return nil
}

// CaptionSingle captions one image synchronously without creating a task.
func (o *Orchestrator) CaptionSingle(ctx context.Context, imageID string) (*captioner.Result, error) {
	return o.caption(ctx, imageID)
}
