package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"clustr/captionq/internal/model"
)

const createImagesTable = `CREATE TABLE IF NOT EXISTS images(
	id VARCHAR(64) PRIMARY KEY,
	original_name VARCHAR(255) NOT NULL,
	storage_key VARCHAR(255) NOT NULL,
	content_type VARCHAR(64) NOT NULL,
	size BIGINT NOT NULL,
	width INTEGER NOT NULL DEFAULT 0,
	height INTEGER NOT NULL DEFAULT 0,
	caption TEXT NOT NULL DEFAULT '',
	tags TEXT NOT NULL DEFAULT '[]',
	status VARCHAR(32) NOT NULL,
	error TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);`

// Postgres is an ImageStore for deployments that share image metadata
// between several API nodes. Tags are kept as a JSON array column.
type Postgres struct {
	db  *sqlx.DB
	now func() time.Time
}

type pgImageRow struct {
	model.ImageRecord
	TagsJSON string `db:"tags"`
}

func (r pgImageRow) record() (model.ImageRecord, error) {
	rec := r.ImageRecord
	if r.TagsJSON != "" {
		if err := json.Unmarshal([]byte(r.TagsJSON), &rec.Tags); err != nil {
			return model.ImageRecord{}, fmt.Errorf("decode tags of image %s: %w", rec.ID, err)
		}
	}
	return rec, nil
}

// OpenPostgres connects with a lib/pq DSN and creates the images table when
// autoCreate is set.
func OpenPostgres(dsn string, autoCreate bool) (*Postgres, error) {
	db, err := sqlx.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	return NewPostgres(db, autoCreate)
}

func NewPostgres(db *sqlx.DB, autoCreate bool) (*Postgres, error) {
	if autoCreate {
		if _, err := db.Exec(createImagesTable); err != nil {
			return nil, err
		}
	}
	return &Postgres{db: db, now: time.Now}, nil
}

func (p *Postgres) Close() error {
	return p.db.Close()
}

func encodeTags(tags []string) string {
	if len(tags) == 0 {
		return "[]"
	}
	b, _ := json.Marshal(tags)
	return string(b)
}

func (p *Postgres) PutImage(ctx context.Context, rec model.ImageRecord) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO images (id, original_name, storage_key, content_type, size, width, height, caption, tags, status, error, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (id) DO UPDATE SET
			original_name = EXCLUDED.original_name,
			storage_key = EXCLUDED.storage_key,
			content_type = EXCLUDED.content_type,
			size = EXCLUDED.size,
			width = EXCLUDED.width,
			height = EXCLUDED.height,
			caption = EXCLUDED.caption,
			tags = EXCLUDED.tags,
			status = EXCLUDED.status,
			error = EXCLUDED.error,
			updated_at = EXCLUDED.updated_at`,
		rec.ID, rec.OriginalName, rec.StorageKey, rec.ContentType, rec.Size, rec.Width, rec.Height,
		rec.Caption, encodeTags(rec.Tags), string(rec.Status), rec.Error, rec.CreatedAt.UTC(), rec.UpdatedAt.UTC())
	return err
}

func (p *Postgres) GetImage(ctx context.Context, id string) (*model.ImageRecord, error) {
	var row pgImageRow
	err := p.db.GetContext(ctx, &row, "SELECT * FROM images WHERE id=$1", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	rec, err := row.record()
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (p *Postgres) UpdateImageCaption(ctx context.Context, id, caption string, tags []string) error {
	res, err := p.db.ExecContext(ctx,
		"UPDATE images SET caption=$1, tags=$2, status=$3, error='', updated_at=$4 WHERE id=$5",
		caption, encodeTags(tags), string(model.ImageCaptioned), p.now().UTC(), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *Postgres) MarkImageError(ctx context.Context, id, msg string) error {
	res, err := p.db.ExecContext(ctx,
		"UPDATE images SET status=$1, error=$2, updated_at=$3 WHERE id=$4",
		string(model.ImageError), msg, p.now().UTC(), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *Postgres) ListImagesByStatus(ctx context.Context, status model.ImageStatus, limit int) ([]model.ImageRecord, error) {
	var rows []pgImageRow
	var err error
	if limit > 0 {
		err = p.db.SelectContext(ctx, &rows,
			"SELECT * FROM images WHERE status=$1 ORDER BY created_at, id LIMIT $2", string(status), limit)
	} else {
		err = p.db.SelectContext(ctx, &rows,
			"SELECT * FROM images WHERE status=$1 ORDER BY created_at, id", string(status))
	}
	if err != nil {
		return nil, err
	}
	items := make([]model.ImageRecord, 0, len(rows))
	for _, row := range rows {
		rec, err := row.record()
		if err != nil {
			return nil, err
		}
		items = append(items, rec)
	}
	return items, nil
}

func (p *Postgres) CountImagesByStatus(ctx context.Context) (map[model.ImageStatus]int, error) {
	var rows []struct {
		Status string `db:"status"`
		N      int    `db:"n"`
	}
	if err := p.db.SelectContext(ctx, &rows, "SELECT status, COUNT(id) AS n FROM images GROUP BY status"); err != nil {
		return nil, err
	}
	counts := make(map[model.ImageStatus]int, len(rows))
	for _, row := range rows {
		counts[model.ImageStatus(row.Status)] = row.N
	}
	return counts, nil
}
