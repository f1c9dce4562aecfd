package graph

import (
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/goccy/go-json"
)

// maxErrorBodyBytes caps how much of an error response body is carried
// in errors and telemetry events.
const maxErrorBodyBytes = 500

// graphErrorBody is the JSON error object Graph returns on failures.
type graphErrorBody struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// OpError reports a backend call that failed after retries were
// exhausted or that failed in a non-retriable way. Code and Message are
// filled from the backend's JSON error object when the body carries one;
// otherwise Message holds a truncated copy of the body.
type OpError struct {
	Op      string
	Status  int
	Code    string
	Message string
	Err     error
}

func (e *OpError) Error() string {
	switch {
	case e.Err != nil:
		return fmt.Sprintf("graph: %s failed: %v", e.Op, e.Err)
	case e.Code != "":
		return fmt.Sprintf("graph: %s failed: HTTP %d %s: %s", e.Op, e.Status, e.Code, e.Message)
	default:
		return fmt.Sprintf("graph: %s failed: HTTP %d: %s", e.Op, e.Status, e.Message)
	}
}

func (e *OpError) Unwrap() error {
	return e.Err
}

// UploadError reports a failed large-attachment upload: the file name,
// the committed byte offset reached, how many upload sessions were
// attempted, and the underlying cause.
type UploadError struct {
	Name     string
	Offset   int64
	Sessions int
	Err      error
}

func (e *UploadError) Error() string {
	if e.Sessions > 1 {
		return fmt.Sprintf("graph: upload of %q failed at offset %d after %d sessions: %v",
			e.Name, e.Offset, e.Sessions, e.Err)
	}
	return fmt.Sprintf("graph: upload of %q failed at offset %d: %v", e.Name, e.Offset, e.Err)
}

func (e *UploadError) Unwrap() error {
	return e.Err
}

// newOpError builds an OpError from a non-success response, decoding the
// backend error object when present. It consumes resp.Body but does not
// close it.
func newOpError(op string, resp *http.Response) *OpError {
	opErr := &OpError{Op: op, Status: resp.StatusCode}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err != nil || len(body) == 0 {
		return opErr
	}

	var gerr graphErrorBody
	if json.Unmarshal(body, &gerr) == nil && (gerr.Error.Code != "" || gerr.Error.Message != "") {
		opErr.Code = gerr.Error.Code
		opErr.Message = gerr.Error.Message
		return opErr
	}

	opErr.Message = truncateBody(string(body))
	return opErr
}

func truncateBody(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > maxErrorBodyBytes {
		s = s[:maxErrorBodyBytes]
	}
	return s
}
