package captioner

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func testClient(url string, cfg Config) *Client {
	cfg.BaseURL = url
	if cfg.BaseBackoff == 0 {
		cfg.BaseBackoff = time.Millisecond
	}
	if cfg.MaxBackoff == 0 {
		cfg.MaxBackoff = 4 * time.Millisecond
	}
	return New(cfg, nil)
}

func TestCaption_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/caption" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		file, header, err := r.FormFile("image")
		if err != nil {
			t.Errorf("missing image field: %v", err)
			http.Error(w, "bad", http.StatusBadRequest)
			return
		}
		defer file.Close()
		data, _ := io.ReadAll(file)
		if string(data) != "img-bytes" || header.Filename != "cat.png" {
			t.Errorf("unexpected upload %q %q", header.Filename, data)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"caption": " a cat on a sofa ", "tags": []string{"cat", "sofa"}})
	}))
	defer srv.Close()

	res, err := testClient(srv.URL, Config{}).Caption(context.Background(), []byte("img-bytes"), "/tmp/cat.png")
	if err != nil {
		t.Fatalf("Caption failed: %v", err)
	}
	if res.Caption != "a cat on a sofa" || len(res.Tags) != 2 {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestCaption_RetriesTransientThenSucceeds(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{"caption":"a dog","tags":[]}`))
	}))
	defer srv.Close()

	res, err := testClient(srv.URL, Config{MaxAttempts: 3}).Caption(context.Background(), []byte("x"), "a.png")
	if err != nil {
		t.Fatalf("Caption failed: %v", err)
	}
	if res.Caption != "a dog" || calls.Load() != 3 {
		t.Fatalf("caption=%q calls=%d", res.Caption, calls.Load())
	}
}

func TestCaption_NonTransientFailuresAreNotRetried(t *testing.T) {
	cases := []struct {
		name   string
		status int
		body   string
		want   Kind
	}{
		{"model error", http.StatusInternalServerError, `{"detail":"CUDA out of memory"}`, KindModelError},
		{"bad request", http.StatusBadRequest, `{"error":"unreadable image"}`, KindModelError},
		{"empty caption", http.StatusOK, `{"caption":"   ","tags":["x"]}`, KindInvalidResponse},
		{"not json", http.StatusOK, `<html>oops</html>`, KindInvalidResponse},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var calls atomic.Int32
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				calls.Add(1)
				w.WriteHeader(tc.status)
				_, _ = w.Write([]byte(tc.body))
			}))
			defer srv.Close()

			_, err := testClient(srv.URL, Config{MaxAttempts: 4}).Caption(context.Background(), []byte("x"), "a.png")
			if KindOf(err) != tc.want {
				t.Fatalf("expected %s, got %v", tc.want, err)
			}
			if calls.Load() != 1 {
				t.Fatalf("calls = %d, want 1", calls.Load())
			}
		})
	}
}

func TestCaption_ModelErrorCarriesDetail(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"detail":"CUDA out of memory"}`))
	}))
	defer srv.Close()

	_, err := testClient(srv.URL, Config{}).Caption(context.Background(), []byte("x"), "a.png")
	var ce *Error
	if !errors.As(err, &ce) {
		t.Fatalf("expected *Error, got %v", err)
	}
	if ce.Status != http.StatusInternalServerError || ce.Err.Error() != "CUDA out of memory" {
		t.Fatalf("unexpected error: %+v", ce)
	}
}

func TestCaption_TimeoutExhaustsAttempts(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	_, err := testClient(srv.URL, Config{Timeout: 30 * time.Millisecond, MaxAttempts: 2}).
		Caption(context.Background(), []byte("x"), "a.png")
	var ce *Error
	if !errors.As(err, &ce) || ce.Kind != KindTimeout {
		t.Fatalf("expected timeout, got %v", err)
	}
	if ce.Attempts != 2 || calls.Load() != 2 {
		t.Fatalf("attempts=%d calls=%d", ce.Attempts, calls.Load())
	}
}

func TestCaption_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	url := srv.URL
	srv.Close()

	_, err := testClient(url, Config{MaxAttempts: 2}).Caption(context.Background(), []byte("x"), "a.png")
	if !errors.Is(err, &Error{Kind: KindUnreachable}) {
		t.Fatalf("expected unreachable, got %v", err)
	}
}

func TestCaption_ParentCancelStopsRetrying(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	c := testClient(srv.URL, Config{MaxAttempts: 5})
	c.sleep = func(ctx context.Context, _ time.Duration) error {
		cancel()
		return ctx.Err()
	}

	_, err := c.Caption(ctx, []byte("x"), "a.png")
	if KindOf(err) != KindUnreachable {
		t.Fatalf("expected unreachable, got %v", err)
	}
	if calls.Load() != 1 {
		t.Fatalf("calls = %d, want 1", calls.Load())
	}
}

func TestBackoff_DoublesAndCaps(t *testing.T) {
	c := New(Config{BaseBackoff: 100 * time.Millisecond, MaxBackoff: 350 * time.Millisecond}, nil)
	want := []time.Duration{100 * time.Millisecond, 200 * time.Millisecond, 350 * time.Millisecond, 350 * time.Millisecond}
	for i, w := range want {
		if got := c.backoff(i + 1); got != w {
			t.Fatalf("backoff(%d) = %v, want %v", i+1, got, w)
		}
	}
}

func TestHealth(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/health" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte(`{"status":"healthy","service":"BLIP Image Captioning API"}`))
	}))
	defer srv.Close()

	got, err := testClient(srv.URL, Config{}).Health(context.Background())
	if err != nil {
		t.Fatalf("Health failed: %v", err)
	}
	if got["status"] != "healthy" {
		t.Fatalf("unexpected health body: %v", got)
	}
}
