// Package api exposes the captioning pipeline and thumbnail cache over HTTP.
package api

import (
	"context"
	"log/slog"
	"net/http"

	"clustr/captionq/internal/captioner"
	"clustr/captionq/internal/model"
	"clustr/captionq/internal/orchestrator"
	"clustr/captionq/internal/staging"
	"clustr/captionq/internal/store"
	"clustr/captionq/internal/thumbnail"
)

// Pipeline is the orchestrator surface the handlers drive.
type Pipeline interface {
	Submit(ctx context.Context, imageIDs []string) (string, error)
	Status(ctx context.Context, taskID string) (*model.TaskSnapshot, error)
	CaptionSingle(ctx context.Context, imageID string) (*captioner.Result, error)
	SweepUncaptioned(ctx context.Context, limit int) (orchestrator.SweepResult, error)
	Recaption(ctx context.Context, imageIDs []string, force bool) (orchestrator.RecaptionResult, error)
	Stats(ctx context.Context) (orchestrator.CaptionStats, error)
	ModelHealth(ctx context.Context) (map[string]any, error)
}

// Uploader validates and stages uploaded bytes.
type Uploader interface {
	Check(data []byte, originalName string) error
	Stage(ctx context.Context, data []byte, originalName string) (*model.ImageRecord, error)
	MaxBytes() int64
}

type ImageReader interface {
	GetImage(ctx context.Context, id string) (*model.ImageRecord, error)
}

type Thumbnailer interface {
	Get(ctx context.Context, imageID string, maxDim int) ([]byte, error)
}

var (
	_ Pipeline    = (*orchestrator.Orchestrator)(nil)
	_ Uploader    = (*staging.Stager)(nil)
	_ ImageReader = (*store.SQLite)(nil)
	_ Thumbnailer = (*thumbnail.Cache)(nil)
)

type Config struct {
	DefaultThumbSize int
	MaxFiles         int
}

type Server struct {
	pipeline Pipeline
	uploads  Uploader
	images   ImageReader
	thumbs   Thumbnailer
	cfg      Config
	logger   *slog.Logger
	health   func() any
}

type Option func(*Server)

// WithHealthInfo adds the value returned by fn to /healthz responses.
func WithHealthInfo(fn func() any) Option {
	return func(s *Server) { s.health = fn }
}

func NewServer(p Pipeline, u Uploader, images ImageReader, thumbs Thumbnailer, cfg Config, logger *slog.Logger, opts ...Option) *Server {
	if cfg.DefaultThumbSize <= 0 {
		cfg.DefaultThumbSize = 300
	}
	if cfg.MaxFiles <= 0 {
		cfg.MaxFiles = 50
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{pipeline: p, uploads: u, images: images, thumbs: thumbs, cfg: cfg, logger: logger}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler returns the routed, logged HTTP handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("POST /api/tasks", s.handleSubmitTask)
	mux.HandleFunc("GET /api/tasks/{id}", s.handleTaskStatus)
	mux.HandleFunc("POST /api/images", s.handleUploadImages)
	mux.HandleFunc("GET /api/images/{id}", s.handleGetImage)
	mux.HandleFunc("GET /api/images/{id}/thumbnail", s.handleThumbnail)
	mux.HandleFunc("POST /api/images/{id}/caption", s.handleCaptionImage)
	mux.HandleFunc("POST /api/captions/uncaptioned", s.handleSweepUncaptioned)
	mux.HandleFunc("POST /api/captions/recaption", s.handleRecaption)
	mux.HandleFunc("GET /api/captions/stats", s.handleCaptionStats)
	mux.HandleFunc("GET /api/captions/health", s.handleModelHealth)
	return requestLogger(s.logger, mux)
}
