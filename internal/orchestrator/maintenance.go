package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"math"

	"clustr/captionq/internal/model"
	"clustr/captionq/internal/store"
)

type SweepResult struct {
	TaskID string `json:"task_id,omitempty"`
	Count  int    `json:"count"`
}

// sweepBusy reports whether the last sweep task is still running. A tracked
// task that can no longer be read counts as busy.
func (o *Orchestrator) sweepBusy(ctx context.Context) bool {
	if o.sweepID == "" {
		return false
	}
	task, err := o.store.GetTask(ctx, o.sweepID)
	if err != nil {
		return !errors.Is(err, store.ErrNotFound)
	}
	return !task.Status.IsTerminal()
}

// SweepUncaptioned submits up to limit images that have no caption yet,
// pending ones first. Only one sweep runs at a time.
func (o *Orchestrator) SweepUncaptioned(ctx context.Context, limit int) (SweepResult, error) {
	if limit < 1 || limit > MaxSweepLimit {
		return SweepResult{}, fmt.Errorf("%w: %d not in 1..%d", ErrInvalidLimit, limit, MaxSweepLimit)
	}

	o.sweepMu.Lock()
	defer o.sweepMu.Unlock()
	if o.sweepBusy(ctx) {
		return SweepResult{TaskID: o.sweepID}, ErrTaskBusy
	}

	var ids []string
	for _, status := range []model.ImageStatus{model.ImagePending, model.ImageError} {
		remaining := limit - len(ids)
		if remaining <= 0 {
			break
		}
		recs, err := o.store.ListImagesByStatus(ctx, status, remaining)
		if err != nil {
			return SweepResult{}, fmt.Errorf("list %s images: %w", status, err)
		}
		for _, rec := range recs {
			ids = append(ids, rec.ID)
		}
	}
	if len(ids) == 0 {
		return SweepResult{}, nil
	}

	taskID, err := o.submit(ctx, ids)
	if err != nil {
		return SweepResult{}, err
	}
	o.sweepID = taskID
	return SweepResult{TaskID: taskID, Count: len(ids)}, nil
}

type RecaptionResult struct {
	TaskID           string   `json:"task_id,omitempty"`
	Queued           []string `json:"queued"`
	NotFound         []string `json:"not_found"`
	AlreadyCaptioned []string `json:"already_captioned"`
}

// Recaption queues the given images again. Images that already have a
// caption are skipped unless force is set.
func (o *Orchestrator) Recaption(ctx context.Context, imageIDs []string, force bool) (RecaptionResult, error) {
	ids := normalizeIDs(imageIDs)
	if len(ids) == 0 {
		return RecaptionResult{}, ErrEmptyBatch
	}
	if len(ids) > MaxRecaption {
		return RecaptionResult{}, fmt.Errorf("%w: %d exceeds %d", ErrTooManyImages, len(ids), MaxRecaption)
	}

	res := RecaptionResult{Queued: []string{}, NotFound: []string{}, AlreadyCaptioned: []string{}}
	for _, id := range ids {
		rec, err := o.store.GetImage(ctx, id)
		if errors.Is(err, store.ErrNotFound) {
			res.NotFound = append(res.NotFound, id)
			continue
		}
		if err != nil {
			return RecaptionResult{}, fmt.Errorf("lookup image %s: %w", id, err)
		}
		if !force && rec.Status == model.ImageCaptioned {
			res.AlreadyCaptioned = append(res.AlreadyCaptioned, id)
			continue
		}
		res.Queued = append(res.Queued, id)
	}
	if len(res.Queued) == 0 {
		return res, nil
	}

	taskID, err := o.submit(ctx, res.Queued)
	if err != nil {
		return RecaptionResult{}, err
	}
	res.TaskID = taskID
	return res, nil
}

type CaptionStats struct {
	Total            int     `json:"total_images"`
	Captioned        int     `json:"captioned_images"`
	Pending          int     `json:"pending_images"`
	Failed           int     `json:"failed_images"`
	CaptionedPercent float64 `json:"captioned_percentage"`
}

func (o *Orchestrator) Stats(ctx context.Context) (CaptionStats, error) {
	counts, err := o.store.CountImagesByStatus(ctx)
	if err != nil {
		return CaptionStats{}, err
	}
	st := CaptionStats{
		Captioned: counts[model.ImageCaptioned],
		Pending:   counts[model.ImagePending],
		Failed:    counts[model.ImageError],
	}
	for _, n := range counts {
		st.Total += n
	}
	if st.Total > 0 {
		st.CaptionedPercent = math.Round(float64(st.Captioned)*10000/float64(st.Total)) / 100
	}
	return st, nil
}

// ModelHealth probes the captioning service.
func (o *Orchestrator) ModelHealth(ctx context.Context) (map[string]any, error) {
	return o.captioner.Health(ctx)
}
