package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"clustr/captionq/internal/model"
)

func newSQLite(t *testing.T) *SQLite {
	t.Helper()
	s, err := OpenSQLite(filepath.Join(t.TempDir(), "db", "captionq.db"))
	if err != nil {
		t.Fatalf("OpenSQLite failed: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newRedisTasks(t *testing.T) *RedisTasks {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewRedisTasks(rdb, time.Hour)
}

// newPostgres connects to POSTGRES_TEST_DSN and empties the images table.
// It returns nil when the variable is unset.
func newPostgres(t *testing.T) *Postgres {
	t.Helper()
	dsn := os.Getenv("POSTGRES_TEST_DSN")
	if dsn == "" {
		return nil
	}
	p, err := OpenPostgres(dsn, true)
	if err != nil {
		t.Fatalf("OpenPostgres failed: %v", err)
	}
	if _, err := p.db.Exec(`TRUNCATE images`); err != nil {
		t.Fatalf("truncate images failed: %v", err)
	}
	t.Cleanup(func() { _ = p.Close() })
	return p
}

func imageStores(t *testing.T) map[string]ImageStore {
	stores := map[string]ImageStore{
		"memory": NewMemory(),
		"sqlite": newSQLite(t),
	}
	if pg := newPostgres(t); pg != nil {
		stores["postgres"] = pg
	}
	return stores
}

func taskStores(t *testing.T) map[string]TaskStore {
	return map[string]TaskStore{
		"memory": NewMemory(),
		"sqlite": newSQLite(t),
		"redis":  newRedisTasks(t),
	}
}

func testImage(id string, created time.Time) model.ImageRecord {
	return model.ImageRecord{
		ID:           id,
		OriginalName: id + ".png",
		StorageKey:   id + ".png",
		ContentType:  "image/png",
		Size:         128,
		Width:        4,
		Height:       2,
		Status:       model.ImagePending,
		CreatedAt:    created,
		UpdatedAt:    created,
	}
}

func TestImageStore_Lifecycle(t *testing.T) {
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for name, s := range imageStores(t) {
		t.Run(name, func(t *testing.T) {
			for i, id := range []string{"c", "a", "b"} {
				if err := s.PutImage(ctx, testImage(id, base.Add(time.Duration(i)*time.Second))); err != nil {
					t.Fatalf("PutImage failed: %v", err)
				}
			}

			if _, err := s.GetImage(ctx, "missing"); !errors.Is(err, ErrNotFound) {
				t.Fatalf("expected ErrNotFound, got %v", err)
			}

			if err := s.UpdateImageCaption(ctx, "a", "a cat on a mat", []string{"cat", "mat"}); err != nil {
				t.Fatalf("UpdateImageCaption failed: %v", err)
			}
			if err := s.MarkImageError(ctx, "b", "model error"); err != nil {
				t.Fatalf("MarkImageError failed: %v", err)
			}
			if err := s.MarkImageError(ctx, "missing", "x"); !errors.Is(err, ErrNotFound) {
				t.Fatalf("expected ErrNotFound, got %v", err)
			}

			got, err := s.GetImage(ctx, "a")
			if err != nil {
				t.Fatalf("GetImage failed: %v", err)
			}
			if got.Status != model.ImageCaptioned || got.Caption != "a cat on a mat" {
				t.Fatalf("unexpected record: %+v", got)
			}
			if len(got.Tags) != 2 || got.Tags[0] != "cat" || got.Tags[1] != "mat" {
				t.Fatalf("tags = %v", got.Tags)
			}
			if got.Width != 4 || got.Height != 2 || !got.CreatedAt.Equal(base.Add(time.Second)) {
				t.Fatalf("stage metadata lost: %+v", got)
			}

			pending, err := s.ListImagesByStatus(ctx, model.ImagePending, 0)
			if err != nil {
				t.Fatalf("ListImagesByStatus failed: %v", err)
			}
			if len(pending) != 1 || pending[0].ID != "c" {
				t.Fatalf("pending = %+v", pending)
			}

			counts, err := s.CountImagesByStatus(ctx)
			if err != nil {
				t.Fatalf("CountImagesByStatus failed: %v", err)
			}
			if counts[model.ImagePending] != 1 || counts[model.ImageCaptioned] != 1 || counts[model.ImageError] != 1 {
				t.Fatalf("counts = %v", counts)
			}
		})
	}
}

func TestImageStore_ListOrderAndLimit(t *testing.T) {
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for name, s := range imageStores(t) {
		t.Run(name, func(t *testing.T) {
			for i := 5; i > 0; i-- {
				id := fmt.Sprintf("img-%d", i)
				if err := s.PutImage(ctx, testImage(id, base.Add(time.Duration(i)*time.Minute))); err != nil {
					t.Fatalf("PutImage failed: %v", err)
				}
			}
			items, err := s.ListImagesByStatus(ctx, model.ImagePending, 3)
			if err != nil {
				t.Fatalf("ListImagesByStatus failed: %v", err)
			}
			if len(items) != 3 {
				t.Fatalf("len = %d, want 3", len(items))
			}
			for i, rec := range items {
				if want := fmt.Sprintf("img-%d", i+1); rec.ID != want {
					t.Fatalf("items[%d] = %s, want %s", i, rec.ID, want)
				}
			}
		})
	}
}

func TestTaskStore_UpdateFinalizesOnce(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for name, s := range taskStores(t) {
		t.Run(name, func(t *testing.T) {
			if _, err := s.GetTask(ctx, "nope"); !errors.Is(err, ErrNotFound) {
				t.Fatalf("expected ErrNotFound, got %v", err)
			}
			if err := s.PutTask(ctx, model.NewCaptionTask("t1", []string{"a", "b"}, now)); err != nil {
				t.Fatalf("PutTask failed: %v", err)
			}
			if err := s.StartTask(ctx, "t1"); err != nil {
				t.Fatalf("StartTask failed: %v", err)
			}
			got, err := s.GetTask(ctx, "t1")
			if err != nil {
				t.Fatalf("GetTask failed: %v", err)
			}
			if got.Status != model.TaskInProgress {
				t.Fatalf("status = %s, want in_progress", got.Status)
			}

			task, finalized, err := s.UpdateTaskItem(ctx, "t1", "a", model.Success("dog", []string{"dog"}), now)
			if err != nil || finalized {
				t.Fatalf("first update: finalized=%v err=%v", finalized, err)
			}
			if task.Outcomes["a"].Caption != "dog" {
				t.Fatalf("outcome not applied: %+v", task.Outcomes)
			}

			task, finalized, err = s.UpdateTaskItem(ctx, "t1", "b", model.Failure("timeout"), now.Add(time.Second))
			if err != nil || !finalized {
				t.Fatalf("last update: finalized=%v err=%v", finalized, err)
			}
			if task.Status != model.TaskCompleted || task.CompletedAt == nil {
				t.Fatalf("unexpected terminal task: %+v", task)
			}

			if _, _, err := s.UpdateTaskItem(ctx, "t1", "b", model.Success("late", nil), now); !errors.Is(err, model.ErrTaskTerminal) {
				t.Fatalf("expected ErrTaskTerminal, got %v", err)
			}
			if err := s.StartTask(ctx, "t1"); err != nil {
				t.Fatalf("StartTask on terminal task failed: %v", err)
			}

			got, err = s.GetTask(ctx, "t1")
			if err != nil {
				t.Fatalf("GetTask failed: %v", err)
			}
			if got.Status != model.TaskCompleted || got.Outcomes["b"].Error != "timeout" {
				t.Fatalf("stored task = %+v", got)
			}
			if !got.CompletedAt.Equal(now.Add(time.Second)) {
				t.Fatalf("completed_at = %v", got.CompletedAt)
			}
		})
	}
}

func TestTaskStore_ConcurrentUpdatesFinalizeExactlyOnce(t *testing.T) {
	ctx := context.Background()
	const n = 96
	items := make([]string, n)
	for i := range items {
		items[i] = fmt.Sprintf("item-%d", i)
	}
	for name, s := range taskStores(t) {
		t.Run(name, func(t *testing.T) {
			if err := s.PutTask(ctx, model.NewCaptionTask("t1", items, time.Now())); err != nil {
				t.Fatalf("PutTask failed: %v", err)
			}

			var (
				wg         sync.WaitGroup
				mu         sync.Mutex
				finalizers int
			)
			for _, item := range items {
				wg.Add(1)
				go func(item string) {
					defer wg.Done()
					_, finalized, err := s.UpdateTaskItem(ctx, "t1", item, model.Success(item, nil), time.Now())
					if err != nil {
						t.Errorf("UpdateTaskItem(%s) failed: %v", item, err)
						return
					}
					if finalized {
						mu.Lock()
						finalizers++
						mu.Unlock()
					}
				}(item)
			}
			wg.Wait()

			if finalizers != 1 {
				t.Fatalf("finalizers = %d, want 1", finalizers)
			}
			got, err := s.GetTask(ctx, "t1")
			if err != nil {
				t.Fatalf("GetTask failed: %v", err)
			}
			if got.Status != model.TaskCompleted {
				t.Fatalf("status = %s", got.Status)
			}
			if snap := model.Snapshot(*got); snap.Summary.Success != n {
				t.Fatalf("summary = %+v", snap.Summary)
			}
		})
	}
}

func TestWatchBackoff_BoundedAndJittered(t *testing.T) {
	for attempt := 0; attempt < 20; attempt++ {
		d := watchBackoff(attempt)
		if d <= 0 || d > watchMaxBackoff {
			t.Fatalf("attempt %d: backoff %v outside (0, %v]", attempt, d, watchMaxBackoff)
		}
	}
}

func TestRedisTasks_UpdateStopsWhenContextEnds(t *testing.T) {
	r := newRedisTasks(t)
	if err := r.PutTask(context.Background(), model.NewCaptionTask("t1", []string{"a"}, time.Now())); err != nil {
		t.Fatalf("PutTask failed: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, _, err := r.UpdateTaskItem(ctx, "t1", "a", model.Success("x", nil), time.Now()); err == nil {
		t.Fatal("expected an error for a cancelled context")
	}
}

func TestPgImageRow_DecodesTags(t *testing.T) {
	row := pgImageRow{ImageRecord: model.ImageRecord{ID: "a"}, TagsJSON: `["dog","park"]`}
	rec, err := row.record()
	if err != nil {
		t.Fatalf("record failed: %v", err)
	}
	if len(rec.Tags) != 2 || rec.Tags[0] != "dog" || rec.Tags[1] != "park" {
		t.Fatalf("tags = %v", rec.Tags)
	}

	row.TagsJSON = `["dog",`
	if _, err := row.record(); err == nil {
		t.Fatal("expected corrupt tags to be reported")
	}
}

func TestSplit_RoutesToBackends(t *testing.T) {
	ctx := context.Background()
	images := NewMemory()
	tasks := newRedisTasks(t)
	s := Split{ImageStore: images, TaskStore: tasks}

	if err := s.PutImage(ctx, testImage("a", time.Now())); err != nil {
		t.Fatalf("PutImage failed: %v", err)
	}
	if err := s.PutTask(ctx, model.NewCaptionTask("t1", []string{"a"}, time.Now())); err != nil {
		t.Fatalf("PutTask failed: %v", err)
	}
	if _, err := images.GetImage(ctx, "a"); err != nil {
		t.Fatalf("image not in memory backend: %v", err)
	}
	if _, err := images.GetTask(ctx, "t1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("task leaked into image backend: %v", err)
	}
	if _, err := tasks.GetTask(ctx, "t1"); err != nil {
		t.Fatalf("task not in redis backend: %v", err)
	}
}
