package crawler

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/user/web-ingest/internal/entity"
)

var (
	ErrTimeout      = errors.New("fetch timed out")
	ErrHTTPStatus   = errors.New("unexpected http status")
	ErrConnection   = errors.New("connection failed")
	ErrContentType  = errors.New("unsupported content type")
	ErrNoContent    = errors.New("no usable content")
	ErrRenderFailed = errors.New("browser render failed")
)

// FetchError reports why a URL could not be retrieved. It matches ErrTimeout,
// ErrHTTPStatus, ErrConnection, ErrContentType or, for a redirect into a
// disallowed path, ErrRobotsDisallowed with errors.Is.
type FetchError struct {
	URL        string
	Kind       error
	StatusCode int
	Err        error
}

func (e *FetchError) Error() string {
	switch {
	case e.StatusCode != 0:
		return fmt.Sprintf("fetch %s: %v: %d", e.URL, e.Kind, e.StatusCode)
	case e.Err != nil:
		return fmt.Sprintf("fetch %s: %v: %v", e.URL, e.Kind, e.Err)
	default:
		return fmt.Sprintf("fetch %s: %v", e.URL, e.Kind)
	}
}

func (e *FetchError) Unwrap() error { return e.Err }

func (e *FetchError) Is(target error) bool { return target == e.Kind }

// ExtractionError means the page parsed but held too little main content.
type ExtractionError struct {
	URL    string
	Length int
	Min    int
}

func (e *ExtractionError) Error() string {
	return fmt.Sprintf("extract %s: %v: %d characters, need %d", e.URL, ErrNoContent, e.Length, e.Min)
}

func (e *ExtractionError) Is(target error) bool { return target == ErrNoContent }

// classifyTransportError maps an http.Client error onto a FetchError kind.
func classifyTransportError(rawURL string, err error) *FetchError {
	kind := ErrConnection
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		kind = ErrTimeout
	}
	return &FetchError{URL: rawURL, Kind: kind, Err: err}
}

// FailureKind maps a per-page error onto the failure categories stored in the
// page failure log.
func FailureKind(err error) (kind string, status int) {
	var fetchErr *FetchError
	if errors.As(err, &fetchErr) {
		status = fetchErr.StatusCode
	}
	switch {
	case err == nil:
		return "", 0
	case errors.Is(err, ErrRobotsDisallowed):
		return entity.FailureRobotsBlocked, status
	case errors.Is(err, ErrTimeout):
		return entity.FailureTimeout, status
	case errors.Is(err, ErrHTTPStatus) && status == http.StatusNotFound:
		return entity.FailureNotFound, status
	case errors.Is(err, ErrHTTPStatus):
		return entity.FailureHTTPStatus, status
	case errors.Is(err, ErrConnection):
		return entity.FailureConnection, status
	case errors.Is(err, ErrContentType):
		return entity.FailureContentType, status
	case errors.Is(err, ErrRenderFailed):
		return entity.FailureJavaScriptRequired, status
	case errors.Is(err, ErrNoContent):
		return entity.FailureNoContent, status
	default:
		return entity.FailureUnknown, status
	}
}
