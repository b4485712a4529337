package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"clustr/captionq/internal/captioner"
	"clustr/captionq/internal/orchestrator"
	"clustr/captionq/internal/staging"
	"clustr/captionq/internal/thumbnail"
)

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// parsePositiveInt returns fallback for an empty value and an error for
// anything that is not a positive integer.
func parsePositiveInt(raw string, fallback int) (int, error) {
	val := strings.TrimSpace(raw)
	if val == "" {
		return fallback, nil
	}
	var n int
	if _, err := fmt.Sscanf(val, "%d", &n); err != nil || n <= 0 || fmt.Sprint(n) != val {
		return 0, fmt.Errorf("%q is not a positive integer", raw)
	}
	return n, nil
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	body := http.MaxBytesReader(w, r.Body, 1<<20)
	dec := json.NewDecoder(body)
	if err := dec.Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid JSON body: " + err.Error()})
		return false
	}
	return true
}

// statusFor maps pipeline errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, orchestrator.ErrEmptyBatch),
		errors.Is(err, orchestrator.ErrTooManyImages),
		errors.Is(err, orchestrator.ErrInvalidLimit):
		return http.StatusBadRequest
	case errors.Is(err, orchestrator.ErrImageNotFound),
		errors.Is(err, orchestrator.ErrTaskNotFound):
		return http.StatusNotFound
	case errors.Is(err, orchestrator.ErrTaskBusy):
		return http.StatusConflict
	}

	switch staging.KindOf(err) {
	case staging.KindEmpty:
		return http.StatusBadRequest
	case staging.KindTooLarge:
		return http.StatusRequestEntityTooLarge
	case staging.KindUnsupportedType:
		return http.StatusUnsupportedMediaType
	case staging.KindIOFailure:
		return http.StatusInternalServerError
	}

	switch thumbnail.KindOf(err) {
	case thumbnail.KindInvalidSize:
		return http.StatusBadRequest
	case thumbnail.KindSourceNotFound:
		return http.StatusNotFound
	case thumbnail.KindDecodeFailure, thumbnail.KindEncodeFailure:
		return http.StatusInternalServerError
	}

	if captioner.KindOf(err) != "" {
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	body := map[string]any{"error": err.Error()}
	if k := staging.KindOf(err); k != "" {
		body["kind"] = string(k)
	} else if k := thumbnail.KindOf(err); k != "" {
		body["kind"] = string(k)
	} else if k := captioner.KindOf(err); k != "" {
		body["kind"] = string(k)
	}
	writeJSON(w, status, body)
}
