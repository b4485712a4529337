package api

import (
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"

	"clustr/captionq/internal/model"
	"clustr/captionq/internal/orchestrator"
	"clustr/captionq/internal/store"
)

const multipartMemory = 32 << 20

type upload struct {
	name string
	data []byte
}

func isMultipart(r *http.Request) bool {
	mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	return err == nil && mediaType == "multipart/form-data"
}

// readUploads collects the "images" (or "file") parts of a multipart body.
// Each part is read up to one byte past the staging limit so oversize files
// are rejected by Check without buffering them whole.
func (s *Server) readUploads(w http.ResponseWriter, r *http.Request) ([]upload, bool) {
	limit := s.uploads.MaxBytes()
	r.Body = http.MaxBytesReader(w, r.Body, limit*int64(s.cfg.MaxFiles)+(1<<20))
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			writeJSON(w, http.StatusRequestEntityTooLarge, map[string]any{"error": "request body too large"})
			return nil, false
		}
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid multipart form: " + err.Error()})
		return nil, false
	}

	headers := r.MultipartForm.File["images"]
	if len(headers) == 0 {
		headers = r.MultipartForm.File["file"]
	}
	if len(headers) == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "no image files provided"})
		return nil, false
	}
	if len(headers) > s.cfg.MaxFiles {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": fmt.Sprintf("at most %d files per request", s.cfg.MaxFiles)})
		return nil, false
	}

	out := make([]upload, 0, len(headers))
	for _, fh := range headers {
		f, err := fh.Open()
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": "open " + fh.Filename + ": " + err.Error()})
			return nil, false
		}
		data, err := io.ReadAll(io.LimitReader(f, limit+1))
		f.Close()
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": "read " + fh.Filename + ": " + err.Error()})
			return nil, false
		}
		out = append(out, upload{name: fh.Filename, data: data})
	}
	return out, true
}

// stageAll validates every upload before staging any of them, so one bad
// file rejects the whole request.
func (s *Server) stageAll(w http.ResponseWriter, r *http.Request, uploads []upload) ([]model.ImageRecord, bool) {
	for _, u := range uploads {
		if err := s.uploads.Check(u.data, u.name); err != nil {
			writeError(w, err)
			return nil, false
		}
	}
	recs := make([]model.ImageRecord, 0, len(uploads))
	for _, u := range uploads {
		rec, err := s.uploads.Stage(r.Context(), u.data, u.name)
		if err != nil {
			s.logger.Error("staging upload failed", "file", u.name, "staged_before_failure", len(recs), "error", err)
			writeError(w, err)
			return nil, false
		}
		recs = append(recs, *rec)
	}
	return recs, true
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	body := map[string]any{"ok": true}
	if s.health != nil {
		body["workers"] = s.health()
	}
	writeJSON(w, http.StatusOK, body)
}

type submitRequest struct {
	ImageIDs []string `json:"image_ids"`
}

// handleSubmitTask accepts either a multipart upload of images or a JSON list
// of already staged image ids, and answers before any captioning happens.
func (s *Server) handleSubmitTask(w http.ResponseWriter, r *http.Request) {
	var (
		ids    []string
		staged []model.ImageRecord
	)
	if isMultipart(r) {
		uploads, ok := s.readUploads(w, r)
		if !ok {
			return
		}
		recs, ok := s.stageAll(w, r, uploads)
		if !ok {
			return
		}
		staged = recs
		for _, rec := range recs {
			ids = append(ids, rec.ID)
		}
	} else {
		var req submitRequest
		if !decodeJSON(w, r, &req) {
			return
		}
		ids = req.ImageIDs
	}

	taskID, err := s.pipeline.Submit(r.Context(), ids)
	if err != nil {
		writeError(w, err)
		return
	}
	body := map[string]any{
		"task_id": taskID,
		"status":  model.TaskQueued,
	}
	if staged != nil {
		body["images"] = staged
	}
	writeJSON(w, http.StatusAccepted, body)
}

func (s *Server) handleTaskStatus(w http.ResponseWriter, r *http.Request) {
	snap, err := s.pipeline.Status(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleUploadImages(w http.ResponseWriter, r *http.Request) {
	if !isMultipart(r) {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "expected multipart/form-data"})
		return
	}
	uploads, ok := s.readUploads(w, r)
	if !ok {
		return
	}
	recs, ok := s.stageAll(w, r, uploads)
	if !ok {
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"images": recs, "count": len(recs)})
}

func (s *Server) handleGetImage(w http.ResponseWriter, r *http.Request) {
	rec, err := s.images.GetImage(r.Context(), r.PathValue("id"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, map[string]any{"error": "image not found"})
			return
		}
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleThumbnail(w http.ResponseWriter, r *http.Request) {
	size, err := parsePositiveInt(r.URL.Query().Get("size"), s.cfg.DefaultThumbSize)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "size: " + err.Error()})
		return
	}
	data, err := s.thumbs.Get(r.Context(), r.PathValue("id"), size)
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "image/jpeg")
	w.Header().Set("Cache-Control", "public, max-age=86400")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func (s *Server) handleCaptionImage(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	res, err := s.pipeline.CaptionSingle(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"image_id": id,
		"caption":  res.Caption,
		"tags":     res.Tags,
	})
}

func (s *Server) handleSweepUncaptioned(w http.ResponseWriter, r *http.Request) {
	limit, err := parsePositiveInt(r.URL.Query().Get("limit"), orchestrator.DefaultSweepLimit)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "limit: " + err.Error()})
		return
	}
	res, err := s.pipeline.SweepUncaptioned(r.Context(), limit)
	if errors.Is(err, orchestrator.ErrTaskBusy) {
		writeJSON(w, http.StatusConflict, map[string]any{
			"error":   "a caption sweep is already running",
			"task_id": res.TaskID,
		})
		return
	}
	if err != nil {
		writeError(w, err)
		return
	}
	if res.Count == 0 {
		writeJSON(w, http.StatusOK, map[string]any{"count": 0, "message": "no uncaptioned images"})
		return
	}
	writeJSON(w, http.StatusAccepted, res)
}

type recaptionRequest struct {
	ImageIDs []string `json:"image_ids"`
	Force    bool     `json:"force"`
}

func (s *Server) handleRecaption(w http.ResponseWriter, r *http.Request) {
	var req recaptionRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if q := strings.TrimSpace(r.URL.Query().Get("force")); q == "true" || q == "1" {
		req.Force = true
	}
	res, err := s.pipeline.Recaption(r.Context(), req.ImageIDs, req.Force)
	if err != nil {
		writeError(w, err)
		return
	}
	status := http.StatusAccepted
	if res.TaskID == "" {
		status = http.StatusOK
	}
	writeJSON(w, status, res)
}

func (s *Server) handleCaptionStats(w http.ResponseWriter, r *http.Request) {
	st, err := s.pipeline.Stats(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleModelHealth(w http.ResponseWriter, r *http.Request) {
	info, err := s.pipeline.ModelHealth(r.Context())
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "unavailable", "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, info)
}
