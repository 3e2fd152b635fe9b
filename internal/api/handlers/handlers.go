package handlers

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/cranlens/cranlens/internal/classify"
	"github.com/cranlens/cranlens/internal/core/models"
	"github.com/cranlens/cranlens/internal/core/services"
	"github.com/cranlens/cranlens/internal/telemetry"
	"github.com/cranlens/cranlens/internal/util/logging"
)

// copyBufferSize is the fixed forwarding window. Memory per in-flight
// response stays bounded by this regardless of payload size.
const copyBufferSize = 32 * 1024

// hopHeaders are never copied from the upstream response to the client.
var hopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Transfer-Encoding",
	"Te",
	"Trailer",
	"Upgrade",
}

// Handler holds the proxy pipeline and its dependencies.
type Handler struct {
	upstream services.UpstreamClient
	emitter  services.RecordEmitter
	metrics  *telemetry.Metrics
	logger   zerolog.Logger
}

// New creates a new Handler with the given dependencies.
func New(upstream services.UpstreamClient, emitter services.RecordEmitter, metrics *telemetry.Metrics, logger zerolog.Logger) *Handler {
	return &Handler{
		upstream: upstream,
		emitter:  emitter,
		metrics:  metrics,
		logger:   logger,
	}
}

// Router returns the chi router. /healthz and /metrics are local; every
// other path and method is proxied.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(h.requestIDMiddleware)

	r.Handle("/healthz", http.HandlerFunc(h.Healthz))
	r.Handle("/metrics", h.metrics.Handler())
	r.Handle("/*", http.HandlerFunc(h.Proxy))

	return r
}

// requestIDMiddleware adds a unique request ID to each request.
func (h *Handler) requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := uuid.NewString()
		ctx := logging.WithRequestID(r.Context(), id)
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// Healthz answers liveness probes locally: no upstream call, no record.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	io.WriteString(w, "ok")
}

// Proxy forwards one request to the mirror and emits exactly one request
// record, success or failure.
func (h *Handler) Proxy(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	done := h.metrics.RequestStarted()
	defer done()

	path := r.URL.EscapedPath()
	rec := models.RequestRecord{
		Timestamp: start.UTC(),
		Path:      path,
		UserAgent: r.Header.Get("User-Agent"),
		Range:     r.Header.Get("Range"),
		Derived:   classify.Classify(path),
	}

	var body io.Reader
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		body = r.Body
	}

	resp, err := h.upstream.Forward(r.Context(), r.Method, path, r.URL.RawQuery, r.Header, body)
	if err != nil {
		kind := upstreamErrorKind(err)
		h.logger.Warn().
			Err(err).
			Str("request_id", logging.RequestID(r.Context())).
			Str("path", path).
			Str("kind", kind).
			Msg("upstream error")
		h.metrics.ObserveUpstreamError(kind)

		http.Error(w, "upstream error", http.StatusBadGateway)
		rec.Status = http.StatusBadGateway
		rec.Latency = time.Since(start)
		h.emitter.Emit(rec)
		h.metrics.ObserveRequest(string(rec.Derived.Type), r.Method, rec.Status, rec.Latency.Seconds(), 0)
		return
	}
	defer resp.Body.Close()

	copyResponseHeaders(w.Header(), resp.Header)
	w.WriteHeader(resp.Status)

	written, streamErr := streamBody(w, resp.Body)

	// The record is finalized after streaming so latency covers the full
	// body transfer. A mid-stream failure cannot change the committed
	// status; the record keeps it and the error goes to the operational
	// log with the partial byte count.
	rec.Status = resp.Status
	rec.ETag = resp.Header.Get("ETag")
	rec.ContentLength = resp.Header.Get("Content-Length")
	rec.Latency = time.Since(start)
	h.emitter.Emit(rec)
	h.metrics.ObserveRequest(string(rec.Derived.Type), r.Method, rec.Status, rec.Latency.Seconds(), written)

	if streamErr != nil {
		h.logger.Warn().
			Err(streamErr).
			Str("request_id", logging.RequestID(r.Context())).
			Str("path", path).
			Int64("bytes_out", written).
			Msg("stream aborted")
	}
}

// streamBody forwards the upstream body chunk by chunk through a fixed
// buffer, flushing after every write so bytes reach the client as they
// arrive.
func streamBody(w http.ResponseWriter, body io.Reader) (int64, error) {
	rc := http.NewResponseController(w)
	buf := make([]byte, copyBufferSize)
	var written int64
	for {
		n, readErr := body.Read(buf)
		if n > 0 {
			wn, writeErr := w.Write(buf[:n])
			written += int64(wn)
			if writeErr != nil {
				return written, fmt.Errorf("writing to client: %w", writeErr)
			}
			if err := rc.Flush(); err != nil && !errors.Is(err, http.ErrNotSupported) {
				return written, fmt.Errorf("flushing to client: %w", err)
			}
		}
		if readErr == io.EOF {
			return written, nil
		}
		if readErr != nil {
			return written, fmt.Errorf("reading upstream body: %w", readErr)
		}
	}
}

// copyResponseHeaders copies upstream response headers, dropping hop-by-hop
// headers and anything nominated by the Connection header.
func copyResponseHeaders(dst, src http.Header) {
	drop := make(map[string]bool, len(hopHeaders))
	for _, name := range hopHeaders {
		drop[name] = true
	}
	for _, v := range src.Values("Connection") {
		for _, token := range strings.Split(v, ",") {
			if token = strings.TrimSpace(token); token != "" {
				drop[http.CanonicalHeaderKey(token)] = true
			}
		}
	}
	for k, vs := range src {
		if drop[k] {
			continue
		}
		dst[k] = vs
	}
}

func upstreamErrorKind(err error) string {
	switch {
	case errors.Is(err, services.ErrUpstreamTimeout):
		return "timeout"
	case errors.Is(err, services.ErrUpstreamUnreachable):
		return "unreachable"
	default:
		return "protocol"
	}
}
