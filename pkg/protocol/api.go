// Package protocol defines the wire types of the file-hosting server.
package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Endpoints.
const (
	PathUpload = "/upload"
	PathLogin  = "/login"
	PathRoot   = "/"
)

// Multipart form fields of POST /upload.
const (
	FieldFilePath    = "file_path"
	FieldToPublic    = "to_public"
	FieldCompression = "compression_level"
	FieldFiles       = "files"
)

// SessionCookie is the cookie set by POST /login.
const SessionCookie = "session_id"

// Messages the server returns in upload results.
const (
	MessageSuccess = "Success!"
	MessageExists  = "Already exists!"
)

// FileResult is one element of the POST /upload response. On the wire it
// is a two-element array: [ok, message].
type FileResult struct {
	OK      bool
	Message string
}

// UnmarshalJSON decodes the [ok, message] tuple.
func (r *FileResult) UnmarshalJSON(b []byte) error {
	var tuple []json.RawMessage
	if err := json.Unmarshal(b, &tuple); err != nil {
		return fmt.Errorf("file result: %w", err)
	}
	if len(tuple) != 2 {
		return fmt.Errorf("file result: expected 2 elements, got %d", len(tuple))
	}
	if err := json.Unmarshal(tuple[0], &r.OK); err != nil {
		return fmt.Errorf("file result status: %w", err)
	}
	if err := json.Unmarshal(tuple[1], &r.Message); err != nil {
		return fmt.Errorf("file result message: %w", err)
	}
	return nil
}

// MarshalJSON encodes the [ok, message] tuple.
func (r FileResult) MarshalJSON() ([]byte, error) {
	return json.Marshal([]any{r.OK, r.Message})
}

// UploadResponse is the body of a successful POST /upload, one result per
// submitted file in submission order.
type UploadResponse []FileResult

// ErrorResponse is returned on API errors. Detail is a string for
// HTTPException and a list of objects for request validation errors.
type ErrorResponse struct {
	Detail json.RawMessage `json:"detail"`
}

// Message renders Detail as text.
func (e ErrorResponse) Message() string {
	if len(e.Detail) == 0 {
		return ""
	}
	var s string
	if json.Unmarshal(e.Detail, &s) == nil {
		return s
	}
	var items []struct {
		Loc []any  `json:"loc"`
		Msg string `json:"msg"`
	}
	if json.Unmarshal(e.Detail, &items) == nil && len(items) > 0 {
		parts := make([]string, 0, len(items))
		for _, it := range items {
			loc := make([]string, 0, len(it.Loc))
			for _, l := range it.Loc {
				loc = append(loc, fmt.Sprint(l))
			}
			parts = append(parts, strings.Join(loc, ".")+": "+it.Msg)
		}
		return strings.Join(parts, "; ")
	}
	return string(e.Detail)
}
