package client

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
)

// FieldError pinpoints one invalid request field.
type FieldError struct {
	Field   string `json:"field,omitempty"`
	Message string `json:"message"`
}

// APIError is the RFC 7807 problem document the service returns for any
// non-2xx response. Responses that are not problem documents still produce
// an APIError carrying the status code.
type APIError struct {
	Type            string       `json:"type"`
	Title           string       `json:"title"`
	Status          int          `json:"status"`
	Detail          string       `json:"detail,omitempty"`
	Instance        string       `json:"instance,omitempty"`
	RequestID       string       `json:"request_id,omitempty"`
	Errors          []FieldError `json:"errors,omitempty"`
	CompletedStages []string     `json:"completed_stages,omitempty"`
}

func (e *APIError) Error() string {
	msg := e.Title
	if e.Detail != "" {
		msg = e.Detail
	}
	if e.RequestID != "" {
		return fmt.Sprintf("mnemora: %d %s (request %s)", e.Status, msg, e.RequestID)
	}
	return fmt.Sprintf("mnemora: %d %s", e.Status, msg)
}

// IsNotFound reports whether err is the service saying the resource does
// not exist for this tenant.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Status == http.StatusNotFound
}

// IsValidation reports whether err carries field-level validation errors.
func IsValidation(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Status == http.StatusUnprocessableEntity
}

// apiError decodes a non-2xx response body into an APIError, falling back
// to the bare status when the body is not a problem document.
func apiError(resp *http.Response) error {
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	apiErr := &APIError{Status: resp.StatusCode, Title: http.StatusText(resp.StatusCode)}
	if err == nil && len(body) > 0 {
		var doc APIError
		if json.Unmarshal(body, &doc) == nil && doc.Status != 0 {
			apiErr = &doc
		}
	}
	return apiErr
}
