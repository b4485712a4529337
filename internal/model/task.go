// Package model holds the records shared by the captioning pipeline: staged
// images, caption tasks and their per-item outcomes.
package model

import (
	"errors"
	"fmt"
	"time"
)

type TaskStatus string

const (
	TaskQueued     TaskStatus = "queued"
	TaskInProgress TaskStatus = "in_progress"
	TaskCompleted  TaskStatus = "completed"
	TaskFailed     TaskStatus = "failed"
)

// IsTerminal reports whether no further transition can leave s.
func (s TaskStatus) IsTerminal() bool {
	return s == TaskCompleted || s == TaskFailed
}

type OutcomeState string

const (
	OutcomePending OutcomeState = "pending"
	OutcomeSuccess OutcomeState = "success"
	OutcomeError   OutcomeState = "error"
)

func (s OutcomeState) IsTerminal() bool {
	return s == OutcomeSuccess || s == OutcomeError
}

// ItemOutcome is the result of captioning one item of a task.
type ItemOutcome struct {
	State   OutcomeState `json:"state"`
	Caption string       `json:"caption,omitempty"`
	Tags    []string     `json:"tags,omitempty"`
	Error   string       `json:"error,omitempty"`
}

func Success(caption string, tags []string) ItemOutcome {
	return ItemOutcome{State: OutcomeSuccess, Caption: caption, Tags: tags}
}

func Failure(msg string) ItemOutcome {
	return ItemOutcome{State: OutcomeError, Error: msg}
}

var (
	ErrTaskTerminal = errors.New("task already terminal")
	ErrItemTerminal = errors.New("item outcome already terminal")
	ErrUnknownItem  = errors.New("item not part of task")
	ErrNotTerminal  = errors.New("outcome is not terminal")
)

// CaptionTask is one batch submission and its aggregate lifecycle.
type CaptionTask struct {
	ID          string                 `json:"id"`
	Items       []string               `json:"items"`
	Status      TaskStatus             `json:"status"`
	Outcomes    map[string]ItemOutcome `json:"outcomes"`
	CreatedAt   time.Time              `json:"created_at"`
	CompletedAt *time.Time             `json:"completed_at,omitempty"`
}

// NewCaptionTask builds a queued task with every item pending. items must
// already be free of duplicates.
func NewCaptionTask(id string, items []string, now time.Time) CaptionTask {
	outcomes := make(map[string]ItemOutcome, len(items))
	for _, item := range items {
		outcomes[item] = ItemOutcome{State: OutcomePending}
	}
	return CaptionTask{
		ID:        id,
		Items:     append([]string(nil), items...),
		Status:    TaskQueued,
		Outcomes:  outcomes,
		CreatedAt: now.UTC(),
	}
}

// Start moves a queued task to in_progress. It is a no-op for any other state.
func (t *CaptionTask) Start() bool {
	if t.Status != TaskQueued {
		return false
	}
	t.Status = TaskInProgress
	return true
}

// ApplyOutcome records a terminal outcome for itemID. When it is the last
// pending item the task moves to its terminal status in the same call and
// finalized is true; this happens at most once per task.
func (t *CaptionTask) ApplyOutcome(itemID string, outcome ItemOutcome, at time.Time) (finalized bool, err error) {
	if t.Status.IsTerminal() {
		return false, ErrTaskTerminal
	}
	if !outcome.State.IsTerminal() {
		return false, ErrNotTerminal
	}
	cur, ok := t.Outcomes[itemID]
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrUnknownItem, itemID)
	}
	if cur.State.IsTerminal() {
		return false, ErrItemTerminal
	}
	t.Outcomes[itemID] = outcome
	t.Start()

	status, done := Aggregate(t.Outcomes)
	if !done {
		return false, nil
	}
	completedAt := at.UTC()
	t.Status = status
	t.CompletedAt = &completedAt
	return true, nil
}

// Aggregate derives the overall status from item outcomes. done is false while
// any outcome is still pending.
func Aggregate(outcomes map[string]ItemOutcome) (status TaskStatus, done bool) {
	succeeded := 0
	for _, o := range outcomes {
		switch o.State {
		case OutcomeSuccess:
			succeeded++
		case OutcomeError:
		default:
			return TaskInProgress, false
		}
	}
	if succeeded > 0 {
		return TaskCompleted, true
	}
	return TaskFailed, true
}

// Clone returns a deep copy of t.
func (t CaptionTask) Clone() CaptionTask {
	t.Items = append([]string(nil), t.Items...)
	outcomes := make(map[string]ItemOutcome, len(t.Outcomes))
	for k, v := range t.Outcomes {
		if v.Tags != nil {
			v.Tags = append([]string(nil), v.Tags...)
		}
		outcomes[k] = v
	}
	t.Outcomes = outcomes
	if t.CompletedAt != nil {
		at := *t.CompletedAt
		t.CompletedAt = &at
	}
	return t
}

// TaskSummary counts item outcomes by state.
type TaskSummary struct {
	Total   int `json:"total"`
	Pending int `json:"pending"`
	Success int `json:"success"`
	Error   int `json:"error"`
}

// TaskSnapshot is what status queries return: the task plus a summary.
type TaskSnapshot struct {
	CaptionTask
	Summary TaskSummary `json:"summary"`
}

func Snapshot(t CaptionTask) TaskSnapshot {
	snap := TaskSnapshot{CaptionTask: t.Clone()}
	snap.Summary.Total = len(t.Items)
	for _, o := range t.Outcomes {
		switch o.State {
		case OutcomeSuccess:
			snap.Summary.Success++
		case OutcomeError:
			snap.Summary.Error++
		default:
			snap.Summary.Pending++
		}
	}
	return snap
}
