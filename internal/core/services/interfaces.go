package services

import (
	"context"
	"io"
	"net/http"

	"github.com/cranlens/cranlens/internal/core/models"
)

// UpstreamResponse is a handle on the mirror's reply. Body is a lazy byte
// stream owned by the caller, who must close it.
type UpstreamResponse struct {
	Status int
	Header http.Header
	Body   io.ReadCloser
}

// UpstreamClient forwards a single request to the configured mirror.
type UpstreamClient interface {
	// Forward issues method against the mirror at the given raw path and
	// query, carrying only a forwarding-safe subset of headers. body may be
	// nil; when present it is streamed through untouched. The response body
	// streams lazily and is never buffered whole. Errors wrap
	// ErrUpstreamUnreachable, ErrUpstreamTimeout or ErrUpstreamProtocol.
	Forward(ctx context.Context, method, path, rawQuery string, headers http.Header, body io.Reader) (*UpstreamResponse, error)
}

// RecordEmitter writes one structured log line per finished request.
type RecordEmitter interface {
	// Emit serializes the record as a single self-contained line. Safe for
	// concurrent use; no cross-record ordering is guaranteed.
	Emit(rec models.RequestRecord)
}
