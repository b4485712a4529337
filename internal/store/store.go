// Package store persists image and caption task records.
//
// Every backend gives read-after-write consistency for a single key. Task
// updates are serialized per task so that ApplyOutcome and its terminal
// transition happen as one step no matter how many workers report at once.
package store

import (
	"context"
	"errors"
	"time"

	"clustr/captionq/internal/model"
)

var ErrNotFound = errors.New("record not found")

// ImageStore persists ImageRecords.
type ImageStore interface {
	PutImage(ctx context.Context, rec model.ImageRecord) error
	GetImage(ctx context.Context, id string) (*model.ImageRecord, error)
	UpdateImageCaption(ctx context.Context, id, caption string, tags []string) error
	MarkImageError(ctx context.Context, id, msg string) error
	ListImagesByStatus(ctx context.Context, status model.ImageStatus, limit int) ([]model.ImageRecord, error)
	CountImagesByStatus(ctx context.Context) (map[model.ImageStatus]int, error)
}

// TaskStore persists CaptionTasks.
type TaskStore interface {
	PutTask(ctx context.Context, task model.CaptionTask) error
	GetTask(ctx context.Context, id string) (*model.CaptionTask, error)
	// StartTask moves a queued task to in_progress and is a no-op otherwise.
	StartTask(ctx context.Context, id string) error
	// UpdateTaskItem applies a terminal outcome for one item and returns the
	// updated task. finalized is true only for the update that made the task
	// terminal.
	UpdateTaskItem(ctx context.Context, taskID, itemID string, outcome model.ItemOutcome, at time.Time) (task *model.CaptionTask, finalized bool, err error)
}

// Store is the full metadata store consumed by the orchestrator.
type Store interface {
	ImageStore
	TaskStore
}

// Split combines an image backend and a task backend into one Store.
type Split struct {
	ImageStore
	TaskStore
}

var (
	_ Store = (*Memory)(nil)
	_ Store = (*SQLite)(nil)
	_ Store = Split{}

	_ ImageStore = (*Postgres)(nil)
	_ TaskStore  = (*RedisTasks)(nil)
)
