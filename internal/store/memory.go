package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"clustr/captionq/internal/model"
)

// Memory is an in-process Store. It backs tests and single-node runs that do
// not need records to survive a restart.
type Memory struct {
	mu     sync.RWMutex
	images map[string]model.ImageRecord
	tasks  map[string]model.CaptionTask
	now    func() time.Time
}

func NewMemory() *Memory {
	return &Memory{
		images: make(map[string]model.ImageRecord),
		tasks:  make(map[string]model.CaptionTask),
		now:    time.Now,
	}
}

func (m *Memory) PutImage(_ context.Context, rec model.ImageRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.images[rec.ID] = rec.Clone()
	return nil
}

func (m *Memory) GetImage(_ context.Context, id string) (*model.ImageRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.images[id]
	if !ok {
		return nil, ErrNotFound
	}
	out := rec.Clone()
	return &out, nil
}

func (m *Memory) UpdateImageCaption(_ context.Context, id, caption string, tags []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.images[id]
	if !ok {
		return ErrNotFound
	}
	rec.Caption = caption
	rec.Tags = append([]string(nil), tags...)
	rec.Status = model.ImageCaptioned
	rec.Error = ""
	rec.UpdatedAt = m.now().UTC()
	m.images[id] = rec
	return nil
}

func (m *Memory) MarkImageError(_ context.Context, id, msg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.images[id]
	if !ok {
		return ErrNotFound
	}
	rec.Status = model.ImageError
	rec.Error = msg
	rec.UpdatedAt = m.now().UTC()
	m.images[id] = rec
	return nil
}

func (m *Memory) ListImagesByStatus(_ context.Context, status model.ImageStatus, limit int) ([]model.ImageRecord, error) {
	m.mu.RLock()
	items := make([]model.ImageRecord, 0)
	for _, rec := range m.images {
		if rec.Status == status {
			items = append(items, rec.Clone())
		}
	}
	m.mu.RUnlock()

	sort.Slice(items, func(i, j int) bool {
		if items[i].CreatedAt.Equal(items[j].CreatedAt) {
			return items[i].ID < items[j].ID
		}
		return items[i].CreatedAt.Before(items[j].CreatedAt)
	})
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	return items, nil
}

func (m *Memory) CountImagesByStatus(_ context.Context) (map[model.ImageStatus]int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	counts := make(map[model.ImageStatus]int)
	for _, rec := range m.images {
		counts[rec.Status]++
	}
	return counts, nil
}

func (m *Memory) PutTask(_ context.Context, task model.CaptionTask) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tasks[task.ID] = task.Clone()
	return nil
}

func (m *Memory) GetTask(_ context.Context, id string) (*model.CaptionTask, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	task, ok := m.tasks[id]
	if !ok {
		return nil, ErrNotFound
	}
	out := task.Clone()
	return &out, nil
}

func (m *Memory) StartTask(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	task, ok := m.tasks[id]
	if !ok {
		return ErrNotFound
	}
	if task.Start() {
		m.tasks[id] = task
	}
	return nil
}

func (m *Memory) UpdateTaskItem(_ context.Context, taskID, itemID string, outcome model.ItemOutcome, at time.Time) (*model.CaptionTask, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.tasks[taskID]
	if !ok {
		return nil, false, ErrNotFound
	}
	task := stored.Clone()
	finalized, err := task.ApplyOutcome(itemID, outcome, at)
	if err != nil {
		return nil, false, err
	}
	m.tasks[taskID] = task.Clone()
	return &task, finalized, nil
}
