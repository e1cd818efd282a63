// Package stream stores the live-broadcast record each user owns.
package stream

import (
	"errors"
	"strings"
	"time"
)

// ErrNotFound is returned when a user has no stream.
var ErrNotFound = errors.New("stream: not found")

// ErrInvalid is returned for requests missing required fields.
var ErrInvalid = errors.New("stream: invalid request")

// Stream is a user's broadcast record. Path is the sync path the client publishes to.
type Stream struct {
	ID          int64     `json:"id"`
	UserID      string    `json:"userId"`
	Path        string    `json:"streamPath"`
	Name        string    `json:"streamName"`
	Description string    `json:"streamDescription"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// Request carries the client-supplied fields for a new stream.
type Request struct {
	Path        string `json:"streamPath"`
	Name        string `json:"streamName"`
	Description string `json:"streamDescription"`
}

// Validate trims the request and checks that a path is present.
func (r *Request) Validate() error {
	r.Path = strings.TrimSpace(r.Path)
	r.Name = strings.TrimSpace(r.Name)
	r.Description = strings.TrimSpace(r.Description)
	if r.Path == "" {
		return errors.Join(ErrInvalid, errors.New("streamPath is required"))
	}
	return nil
}

// Patch is a partial update. Nil fields are left alone.
type Patch struct {
	Name        *string `json:"streamName"`
	Description *string `json:"streamDescription"`
}

// Empty reports whether the patch changes nothing.
func (p Patch) Empty() bool { return p.Name == nil && p.Description == nil }

// List page sizes.
const (
	DefaultListLimit uint64 = 50
	MaxListLimit     uint64 = 200
)

// ClampLimit maps 0 to DefaultListLimit and caps limit at MaxListLimit.
func ClampLimit(limit uint64) uint64 {
	if limit == 0 {
		return DefaultListLimit
	}
	return min(limit, MaxListLimit)
}
