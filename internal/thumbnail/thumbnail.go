// Package thumbnail generates and caches bounded JPEG derivatives of staged
// images. Concurrent requests for the same (image, size) share one
// generation; entries never change once written.
package thumbnail

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	_ "image/png"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp"
	"golang.org/x/sync/singleflight"

	"clustr/captionq/internal/store"
)

const (
	DefaultQuality      = 85
	DefaultMaxDimension = 2048
	// DefaultMaxSourcePixels bounds the decoded size of a source image.
	DefaultMaxSourcePixels = 50_000_000

	generateTimeout = time.Minute
)

type Kind string

const (
	KindSourceNotFound Kind = "source_not_found"
	KindDecodeFailure  Kind = "decode_failure"
	KindEncodeFailure  Kind = "encode_failure"
	KindInvalidSize    Kind = "invalid_size"
)

type Error struct {
	Kind    Kind
	ImageID string
	Err     error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("thumbnail %s for %s", e.Kind, e.ImageID)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

func KindOf(err error) Kind {
	var te *Error
	if errors.As(err, &te) {
		return te.Kind
	}
	return ""
}

// Source yields the original bytes of an image. Unknown ids must wrap
// store.ErrNotFound.
type Source interface {
	Load(ctx context.Context, imageID string) ([]byte, error)
}

type Key struct {
	ImageID string
	MaxDim  int
}

func (k Key) String() string {
	return fmt.Sprintf("%s@%d", k.ImageID, k.MaxDim)
}

// Entry is a generated thumbnail. Data must not be modified by callers.
type Entry struct {
	Data        []byte
	Size        int
	GeneratedAt time.Time
}

type Cache struct {
	src          Source
	policy       EvictionPolicy
	quality      int
	maxDimension int
	maxPixels    int64
	logger       *slog.Logger
	now          func() time.Time

	mu      sync.RWMutex
	entries map[Key]Entry
	group   singleflight.Group

	generations atomic.Int64
}

type Option func(*Cache)

func WithQuality(q int) Option {
	return func(c *Cache) {
		if q >= 1 && q <= 100 {
			c.quality = q
		}
	}
}

func WithMaxDimension(n int) Option {
	return func(c *Cache) {
		if n > 0 {
			c.maxDimension = n
		}
	}
}

func WithMaxSourcePixels(n int64) Option {
	return func(c *Cache) {
		if n > 0 {
			c.maxPixels = n
		}
	}
}

func WithEviction(p EvictionPolicy) Option {
	return func(c *Cache) {
		if p != nil {
			c.policy = p
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(c *Cache) { c.logger = l }
}

func New(src Source, opts ...Option) *Cache {
	c := &Cache{
		src:          src,
		policy:       NoEviction{},
		quality:      DefaultQuality,
		maxDimension: DefaultMaxDimension,
		maxPixels:    DefaultMaxSourcePixels,
		logger:       slog.Default(),
		now:          time.Now,
		entries:      make(map[Key]Entry),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Generations reports how many thumbnails have been produced since start.
func (c *Cache) Generations() int64 {
	return c.generations.Load()
}

func (c *Cache) lookup(k Key) (Entry, bool) {
	c.mu.RLock()
	e, ok := c.entries[k]
	c.mu.RUnlock()
	if ok {
		c.policy.Accessed(k)
	}
	return e, ok
}

// Get returns a JPEG whose larger side is maxDim pixels. A shared generation
// outlives the caller that started it; each caller stops waiting when its
// own ctx ends.
func (c *Cache) Get(ctx context.Context, imageID string, maxDim int) ([]byte, error) {
	if maxDim < 1 || maxDim > c.maxDimension {
		return nil, &Error{Kind: KindInvalidSize, ImageID: imageID,
			Err: fmt.Errorf("size %d outside 1..%d", maxDim, c.maxDimension)}
	}
	k := Key{ImageID: imageID, MaxDim: maxDim}
	if e, ok := c.lookup(k); ok {
		return e.Data, nil
	}

	detached := context.WithoutCancel(ctx)
	ch := c.group.DoChan(k.String(), func() (any, error) {
		if e, ok := c.lookup(k); ok {
			return e, nil
		}
		gctx, cancel := context.WithTimeout(detached, generateTimeout)
		defer cancel()
		e, err := c.generate(gctx, k)
		if err != nil {
			return nil, err
		}
		c.store(k, e)
		return e, nil
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		if res.Shared {
			c.logger.Debug("thumbnail generation shared", "image_id", imageID, "size", maxDim)
		}
		return res.Val.(Entry).Data, nil
	}
}

// store inserts e and applies the policy's evictions under one lock so the
// policy's accounting and entries never diverge.
func (c *Cache) store(k Key, e Entry) {
	c.mu.Lock()
	evict := c.policy.Added(k, e.Size)
	c.entries[k] = e
	for _, old := range evict {
		if old != k {
			delete(c.entries, old)
		}
	}
	c.mu.Unlock()
	if len(evict) > 0 {
		c.logger.Debug("thumbnails evicted", "count", len(evict))
	}
}

func (c *Cache) generate(ctx context.Context, k Key) (Entry, error) {
	data, err := c.src.Load(ctx, k.ImageID)
	if errors.Is(err, store.ErrNotFound) {
		return Entry{}, &Error{Kind: KindSourceNotFound, ImageID: k.ImageID, Err: err}
	}
	if err != nil {
		return Entry{}, fmt.Errorf("load source %s: %w", k.ImageID, err)
	}

	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return Entry{}, &Error{Kind: KindDecodeFailure, ImageID: k.ImageID, Err: err}
	}
	if px := int64(cfg.Width) * int64(cfg.Height); px > c.maxPixels {
		return Entry{}, &Error{Kind: KindDecodeFailure, ImageID: k.ImageID,
			Err: fmt.Errorf("source is %dx%d pixels, limit %d", cfg.Width, cfg.Height, c.maxPixels)}
	}

	src, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return Entry{}, &Error{Kind: KindDecodeFailure, ImageID: k.ImageID, Err: err}
	}
	b := src.Bounds()
	if b.Dx() <= 0 || b.Dy() <= 0 {
		return Entry{}, &Error{Kind: KindDecodeFailure, ImageID: k.ImageID, Err: errors.New("empty image")}
	}

	w, h := fitWithin(b.Dx(), b.Dy(), k.MaxDim)
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.Draw(dst, dst.Bounds(), image.White, image.Point{}, draw.Src)
	draw.CatmullRom.Scale(dst, dst.Bounds(), src, b, draw.Over, nil)

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, dst, &jpeg.Options{Quality: c.quality}); err != nil {
		return Entry{}, &Error{Kind: KindEncodeFailure, ImageID: k.ImageID, Err: err}
	}
	c.generations.Add(1)
	c.logger.Debug("thumbnail generated", "image_id", k.ImageID, "size", k.MaxDim, "width", w, "height", h, "bytes", buf.Len())
	return Entry{Data: buf.Bytes(), Size: buf.Len(), GeneratedAt: c.now().UTC()}, nil
}

// fitWithin scales (w, h) so the larger side equals maxDim, keeping the
// aspect ratio and never producing a zero side.
func fitWithin(w, h, maxDim int) (int, int) {
	if w >= h {
		nh := int(math.Round(float64(h) * float64(maxDim) / float64(w)))
		return maxDim, max(nh, 1)
	}
	nw := int(math.Round(float64(w) * float64(maxDim) / float64(h)))
	return max(nw, 1), maxDim
}
