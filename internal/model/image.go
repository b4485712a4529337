package model

import "time"

type ImageStatus string

const (
	ImagePending   ImageStatus = "pending"
	ImageCaptioned ImageStatus = "captioned"
	ImageError     ImageStatus = "error"
)

// ImageRecord is the metadata kept for one staged upload.
type ImageRecord struct {
	ID           string      `json:"id" db:"id"`
	OriginalName string      `json:"original_name" db:"original_name"`
	StorageKey   string      `json:"storage_key" db:"storage_key"`
	ContentType  string      `json:"content_type" db:"content_type"`
	Size         int64       `json:"size" db:"size"`
	Width        int         `json:"width,omitempty" db:"width"`
	Height       int         `json:"height,omitempty" db:"height"`
	Caption      string      `json:"caption,omitempty" db:"caption"`
	Tags         []string    `json:"tags,omitempty" db:"-"`
	Status       ImageStatus `json:"status" db:"status"`
	Error        string      `json:"error,omitempty" db:"error"`
	CreatedAt    time.Time   `json:"created_at" db:"created_at"`
	UpdatedAt    time.Time   `json:"updated_at" db:"updated_at"`
}

// Clone returns a copy that shares no slices with r.
func (r ImageRecord) Clone() ImageRecord {
	if r.Tags != nil {
		r.Tags = append([]string(nil), r.Tags...)
	}
	return r
}
