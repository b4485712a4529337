// Package staging durably stores uploaded image bytes and their metadata
// record before any asynchronous work is allowed to reference them.
package staging

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"log/slog"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "golang.org/x/image/webp"

	"clustr/captionq/internal/model"
	"clustr/captionq/internal/store"
)

const (
	DefaultMaxBytes = 16 << 20
	// DefaultMaxPixels caps width*height so a small compressed file cannot
	// expand into gigabytes once decoded.
	DefaultMaxPixels = 50_000_000
)

type Kind string

const (
	KindEmpty           Kind = "empty"
	KindTooLarge        Kind = "too_large"
	KindUnsupportedType Kind = "unsupported_type"
	KindIOFailure       Kind = "io_failure"
)

// Error reports why an upload was rejected.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	msg := string(e.Kind)
	if e.Msg != "" {
		msg += ": " + e.Msg
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same Kind, so callers can test with
// errors.Is(err, &staging.Error{Kind: staging.KindTooLarge}).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

// KindOf returns the staging kind of err, or "" if err is not a staging error.
func KindOf(err error) Kind {
	var se *Error
	if errors.As(err, &se) {
		return se.Kind
	}
	return ""
}

var allowedTypes = map[string]string{
	".png":  "image/png",
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".webp": "image/webp",
}

type Stager struct {
	blobs     BlobStore
	images    store.ImageStore
	maxBytes  int64
	maxPixels int64
	logger    *slog.Logger
	newID     func() string
	now       func() time.Time
}

type Option func(*Stager)

func WithMaxBytes(n int64) Option {
	return func(s *Stager) {
		if n > 0 {
			s.maxBytes = n
		}
	}
}

func WithMaxPixels(n int64) Option {
	return func(s *Stager) {
		if n > 0 {
			s.maxPixels = n
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Stager) { s.logger = l }
}

func NewStager(blobs BlobStore, images store.ImageStore, opts ...Option) *Stager {
	s := &Stager{
		blobs:     blobs,
		images:    images,
		maxBytes:  DefaultMaxBytes,
		maxPixels: DefaultMaxPixels,
		logger:    slog.Default(),
		newID:     uuid.NewString,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Stager) MaxBytes() int64 { return s.maxBytes }

type inspected struct {
	ext         string
	contentType string
	width       int
	height      int
}

func (s *Stager) inspect(data []byte, originalName string) (inspected, error) {
	if len(data) == 0 {
		return inspected{}, &Error{Kind: KindEmpty, Msg: originalName}
	}
	if int64(len(data)) > s.maxBytes {
		return inspected{}, &Error{Kind: KindTooLarge, Msg: fmt.Sprintf("%s is %d bytes, limit %d", originalName, len(data), s.maxBytes)}
	}

	ext := strings.ToLower(filepath.Ext(originalName))
	wantType, ok := allowedTypes[ext]
	if !ok {
		return inspected{}, &Error{Kind: KindUnsupportedType, Msg: fmt.Sprintf("extension %q not allowed", ext)}
	}
	sniffed := http.DetectContentType(data)
	if sniffed != wantType {
		return inspected{}, &Error{Kind: KindUnsupportedType, Msg: fmt.Sprintf("%s content is %s", originalName, sniffed)}
	}
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return inspected{}, &Error{Kind: KindUnsupportedType, Msg: originalName, Err: err}
	}
	if px := int64(cfg.Width) * int64(cfg.Height); px > s.maxPixels {
		return inspected{}, &Error{Kind: KindTooLarge, Msg: fmt.Sprintf("%s is %dx%d pixels, limit %d", originalName, cfg.Width, cfg.Height, s.maxPixels)}
	}
	return inspected{ext: ext, contentType: sniffed, width: cfg.Width, height: cfg.Height}, nil
}

// Check runs the same validation as Stage without writing anything.
func (s *Stager) Check(data []byte, originalName string) error {
	_, err := s.inspect(data, originalName)
	return err
}

// Stage validates data, writes the blob and then the pending ImageRecord. The
// returned record is only produced once both writes have succeeded.
func (s *Stager) Stage(ctx context.Context, data []byte, originalName string) (*model.ImageRecord, error) {
	info, err := s.inspect(data, originalName)
	if err != nil {
		return nil, err
	}

	id := s.newID()
	key := id + info.ext
	if err := s.blobs.Put(ctx, key, data, info.contentType); err != nil {
		return nil, &Error{Kind: KindIOFailure, Msg: "write blob", Err: err}
	}

	now := s.now().UTC()
	rec := model.ImageRecord{
		ID:           id,
		OriginalName: filepath.Base(originalName),
		StorageKey:   key,
		ContentType:  info.contentType,
		Size:         int64(len(data)),
		Width:        info.width,
		Height:       info.height,
		Status:       model.ImagePending,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.images.PutImage(ctx, rec); err != nil {
		if derr := s.blobs.Delete(ctx, key); derr != nil {
			s.logger.Warn("failed to remove orphaned blob", "key", key, "error", derr)
		}
		return nil, &Error{Kind: KindIOFailure, Msg: "write metadata", Err: err}
	}
	s.logger.Debug("image staged", "image_id", id, "size", rec.Size, "content_type", info.contentType)
	return &rec, nil
}

// Load returns the staged bytes for id. Unknown ids and missing blobs wrap
// store.ErrNotFound.
func (s *Stager) Load(ctx context.Context, id string) ([]byte, error) {
	rec, err := s.images.GetImage(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("image %s: %w", id, err)
	}
	data, err := s.blobs.Get(ctx, rec.StorageKey)
	if err != nil {
		return nil, fmt.Errorf("image %s blob: %w", id, err)
	}
	return data, nil
}
