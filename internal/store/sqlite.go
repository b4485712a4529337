package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"clustr/captionq/internal/model"
)

// SQLite stores images, their tags and caption tasks in a single database
// file. Writes go through mu so the single connection never interleaves a
// read-modify-write of a task with another writer.
type SQLite struct {
	db  *sql.DB
	mu  sync.Mutex
	now func() time.Time
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS images (
	id TEXT PRIMARY KEY,
	original_name TEXT NOT NULL,
	storage_key TEXT NOT NULL,
	content_type TEXT NOT NULL,
	size INTEGER NOT NULL,
	width INTEGER NOT NULL DEFAULT 0,
	height INTEGER NOT NULL DEFAULT 0,
	caption TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL,
	error TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS images_status_idx ON images (status, created_at);
CREATE TABLE IF NOT EXISTS image_tags (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	image_id TEXT NOT NULL,
	tag TEXT NOT NULL,
	UNIQUE(image_id, tag)
);
CREATE TABLE IF NOT EXISTS caption_tasks (
	id TEXT PRIMARY KEY,
	status TEXT NOT NULL,
	items TEXT NOT NULL,
	outcomes TEXT NOT NULL,
	created_at TEXT NOT NULL,
	completed_at TEXT
);
`

// OpenSQLite opens (creating if needed) the database at path.
func OpenSQLite(path string) (*SQLite, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create db directory %s: %w", dir, err)
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o664)
	if err != nil {
		return nil, fmt.Errorf("failed to open db file %s for read/write: %w", path, err)
	}
	_ = f.Close()

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("sql open failed for %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)
	db.SetConnMaxIdleTime(0)
	if _, err := db.Exec(`PRAGMA journal_mode=DELETE;`); err != nil {
		return nil, fmt.Errorf("set journal mode failed for %s: %w", path, err)
	}
	if _, err := db.Exec(`PRAGMA busy_timeout=5000;`); err != nil {
		return nil, fmt.Errorf("set busy timeout failed for %s: %w", path, err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		return nil, fmt.Errorf("create schema failed for %s: %w", path, err)
	}
	return &SQLite{db: db, now: time.Now}, nil
}

func isRetryableSQLiteError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database is busy") ||
		strings.Contains(msg, "sqlite_busy") ||
		strings.Contains(msg, "unable to open database file")
}

func withSQLiteRetry(op func() error) error {
	var err error
	backoff := 50 * time.Millisecond
	for i := 0; i < 4; i++ {
		err = op()
		if err == nil {
			return nil
		}
		if !isRetryableSQLiteError(err) {
			return err
		}
		time.Sleep(backoff)
		backoff *= 2
	}
	return err
}

func (s *SQLite) Close() error {
	return s.db.Close()
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(raw string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}
	}
	return t
}

func (s *SQLite) PutImage(ctx context.Context, rec model.ImageRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return withSQLiteRetry(func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		_, err = tx.ExecContext(ctx, `
			INSERT INTO images (id, original_name, storage_key, content_type, size, width, height, caption, status, error, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				original_name = excluded.original_name,
				storage_key = excluded.storage_key,
				content_type = excluded.content_type,
				size = excluded.size,
				width = excluded.width,
				height = excluded.height,
				caption = excluded.caption,
				status = excluded.status,
				error = excluded.error,
				updated_at = excluded.updated_at
		`, rec.ID, rec.OriginalName, rec.StorageKey, rec.ContentType, rec.Size, rec.Width, rec.Height,
			rec.Caption, string(rec.Status), rec.Error, formatTime(rec.CreatedAt), formatTime(rec.UpdatedAt))
		if err != nil {
			return err
		}
		if err := replaceTags(ctx, tx, rec.ID, rec.Tags); err != nil {
			return err
		}
		return tx.Commit()
	})
}

func replaceTags(ctx context.Context, tx *sql.Tx, imageID string, tags []string) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM image_tags WHERE image_id = ?`, imageID); err != nil {
		return err
	}
	if len(tags) == 0 {
		return nil
	}
	stmt, err := tx.PrepareContext(ctx, `INSERT OR IGNORE INTO image_tags (image_id, tag) VALUES (?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for _, tag := range tags {
		if _, err := stmt.ExecContext(ctx, imageID, tag); err != nil {
			return err
		}
	}
	return nil
}

const imageColumns = `id, original_name, storage_key, content_type, size, width, height, caption, status, error, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanImage(row rowScanner) (model.ImageRecord, error) {
	var (
		rec       model.ImageRecord
		status    string
		createdAt string
		updatedAt string
	)
	err := row.Scan(&rec.ID, &rec.OriginalName, &rec.StorageKey, &rec.ContentType, &rec.Size,
		&rec.Width, &rec.Height, &rec.Caption, &status, &rec.Error, &createdAt, &updatedAt)
	if err != nil {
		return rec, err
	}
	rec.Status = model.ImageStatus(status)
	rec.CreatedAt = parseTime(createdAt)
	rec.UpdatedAt = parseTime(updatedAt)
	return rec, nil
}

func (s *SQLite) tagsFor(ctx context.Context, imageID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT tag FROM image_tags WHERE image_id = ? ORDER BY id`, imageID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var tags []string
	for rows.Next() {
		var tag string
		if err := rows.Scan(&tag); err != nil {
			return nil, err
		}
		tags = append(tags, tag)
	}
	return tags, rows.Err()
}

func (s *SQLite) GetImage(ctx context.Context, id string) (*model.ImageRecord, error) {
	var rec model.ImageRecord
	err := withSQLiteRetry(func() error {
		var err error
		rec, err = scanImage(s.db.QueryRowContext(ctx, `SELECT `+imageColumns+` FROM images WHERE id = ?`, id))
		if err != nil {
			return err
		}
		rec.Tags, err = s.tagsFor(ctx, id)
		return err
	})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *SQLite) UpdateImageCaption(ctx context.Context, id, caption string, tags []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return withSQLiteRetry(func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		res, err := tx.ExecContext(ctx,
			`UPDATE images SET caption = ?, status = ?, error = '', updated_at = ? WHERE id = ?`,
			caption, string(model.ImageCaptioned), formatTime(s.now()), id)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}
		if err := replaceTags(ctx, tx, id, tags); err != nil {
			return err
		}
		return tx.Commit()
	})
}

func (s *SQLite) MarkImageError(ctx context.Context, id, msg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return withSQLiteRetry(func() error {
		res, err := s.db.ExecContext(ctx,
			`UPDATE images SET status = ?, error = ?, updated_at = ? WHERE id = ?`,
			string(model.ImageError), msg, formatTime(s.now()), id)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}
		return nil
	})
}

func (s *SQLite) ListImagesByStatus(ctx context.Context, status model.ImageStatus, limit int) ([]model.ImageRecord, error) {
	if limit <= 0 {
		limit = -1
	}
	items := make([]model.ImageRecord, 0)
	err := withSQLiteRetry(func() error {
		items = items[:0]
		rows, err := s.db.QueryContext(ctx,
			`SELECT `+imageColumns+` FROM images WHERE status = ? ORDER BY created_at, id LIMIT ?`,
			string(status), limit)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			rec, err := scanImage(rows)
			if err != nil {
				return err
			}
			items = append(items, rec)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	for i := range items {
		tags, err := s.tagsFor(ctx, items[i].ID)
		if err != nil {
			return nil, err
		}
		items[i].Tags = tags
	}
	return items, nil
}

func (s *SQLite) CountImagesByStatus(ctx context.Context) (map[model.ImageStatus]int, error) {
	counts := make(map[model.ImageStatus]int)
	err := withSQLiteRetry(func() error {
		rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(id) FROM images GROUP BY status`)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var status string
			var n int
			if err := rows.Scan(&status, &n); err != nil {
				return err
			}
			counts[model.ImageStatus(status)] = n
		}
		return rows.Err()
	})
	return counts, err
}

func (s *SQLite) PutTask(ctx context.Context, task model.CaptionTask) error {
	items, err := json.Marshal(task.Items)
	if err != nil {
		return err
	}
	outcomes, err := json.Marshal(task.Outcomes)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return withSQLiteRetry(func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO caption_tasks (id, status, items, outcomes, created_at, completed_at)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				status = excluded.status,
				items = excluded.items,
				outcomes = excluded.outcomes,
				completed_at = excluded.completed_at
		`, task.ID, string(task.Status), string(items), string(outcomes), formatTime(task.CreatedAt), nullableTime(task.CompletedAt))
		return err
	})
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func loadTask(ctx context.Context, q interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}, id string) (*model.CaptionTask, error) {
	var (
		task        model.CaptionTask
		status      string
		items       string
		outcomes    string
		createdAt   string
		completedAt sql.NullString
	)
	err := q.QueryRowContext(ctx,
		`SELECT id, status, items, outcomes, created_at, completed_at FROM caption_tasks WHERE id = ?`, id).
		Scan(&task.ID, &status, &items, &outcomes, &createdAt, &completedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	task.Status = model.TaskStatus(status)
	if err := json.Unmarshal([]byte(items), &task.Items); err != nil {
		return nil, fmt.Errorf("decode task items: %w", err)
	}
	if err := json.Unmarshal([]byte(outcomes), &task.Outcomes); err != nil {
		return nil, fmt.Errorf("decode task outcomes: %w", err)
	}
	task.CreatedAt = parseTime(createdAt)
	if completedAt.Valid {
		at := parseTime(completedAt.String)
		task.CompletedAt = &at
	}
	return &task, nil
}

func (s *SQLite) GetTask(ctx context.Context, id string) (*model.CaptionTask, error) {
	var task *model.CaptionTask
	err := withSQLiteRetry(func() error {
		var err error
		task, err = loadTask(ctx, s.db, id)
		return err
	})
	return task, err
}

func (s *SQLite) StartTask(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return withSQLiteRetry(func() error {
		res, err := s.db.ExecContext(ctx,
			`UPDATE caption_tasks SET status = ? WHERE id = ? AND status = ?`,
			string(model.TaskInProgress), id, string(model.TaskQueued))
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n > 0 {
			return nil
		}
		var exists int
		err = s.db.QueryRowContext(ctx, `SELECT 1 FROM caption_tasks WHERE id = ?`, id).Scan(&exists)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		return err
	})
}

func (s *SQLite) UpdateTaskItem(ctx context.Context, taskID, itemID string, outcome model.ItemOutcome, at time.Time) (*model.CaptionTask, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var (
		task      *model.CaptionTask
		finalized bool
	)
	err := withSQLiteRetry(func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		task, err = loadTask(ctx, tx, taskID)
		if err != nil {
			return err
		}
		finalized, err = task.ApplyOutcome(itemID, outcome, at)
		if err != nil {
			return err
		}
		outcomes, err := json.Marshal(task.Outcomes)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx,
			`UPDATE caption_tasks SET status = ?, outcomes = ?, completed_at = ? WHERE id = ?`,
			string(task.Status), string(outcomes), nullableTime(task.CompletedAt), taskID)
		if err != nil {
			return err
		}
		return tx.Commit()
	})
	if err != nil {
		return nil, false, err
	}
	return task, finalized, nil
}
