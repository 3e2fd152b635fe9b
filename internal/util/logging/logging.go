package logging

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/cranlens/cranlens/internal/core/models"
)

type ctxKey string

const requestIDKey ctxKey = "request_id"

var formatOnce sync.Once

// configureFormats sets the process-wide zerolog field conventions: top-level
// "timestamp" in ISO-8601 UTC with microseconds and an upper-case "level".
func configureFormats() {
	formatOnce.Do(func() {
		zerolog.TimestampFieldName = "timestamp"
		zerolog.TimeFieldFormat = "2006-01-02T15:04:05.000000Z"
		zerolog.TimestampFunc = func() time.Time { return time.Now().UTC() }
		zerolog.LevelFieldMarshalFunc = func(l zerolog.Level) string {
			return strings.ToUpper(l.String())
		}
	})
}

// New creates the operational logger writing JSON to the given writer.
func New(w io.Writer, level string) zerolog.Logger {
	configureFormats()
	if w == nil {
		w = os.Stdout
	}
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	return zerolog.New(w).Level(lvl).With().Timestamp().Logger()
}

// WithRequestID adds a request ID to the context.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey, id)
}

// RequestID extracts the request ID from context.
func RequestID(ctx context.Context) string {
	v, _ := ctx.Value(requestIDKey).(string)
	return v
}

// Emitter writes one "proxied" line per finished request. Each line is a
// single zerolog event write, so concurrent emits never interleave within a
// line.
type Emitter struct {
	logger zerolog.Logger
}

// NewEmitter creates an Emitter writing to w (stdout when nil).
func NewEmitter(w io.Writer) *Emitter {
	configureFormats()
	if w == nil {
		w = os.Stdout
	}
	return &Emitter{logger: zerolog.New(w)}
}

// Emit serializes the record. The timestamp is the request start, not the
// emit time; counters are string-encoded and absent values carry the "-"
// sentinel.
func (e *Emitter) Emit(rec models.RequestRecord) {
	derived, err := json.Marshal(rec.Derived)
	if err != nil {
		derived = []byte(`{"artifact_type":"unknown","package":null,"version":null,"r_minor":null,"os":null}`)
	}

	e.logger.Info().
		Time(zerolog.TimestampFieldName, rec.Timestamp.UTC()).
		Dict("fields", zerolog.Dict().
			Str("message", "proxied").
			Str("path", rec.Path).
			Str("status", strconv.Itoa(rec.Status)).
			Str("latency_ms", strconv.FormatInt(rec.Latency.Milliseconds(), 10)).
			Str("ua", orSentinel(rec.UserAgent)).
			Str("range", orSentinel(rec.Range)).
			Str("etag_out", orSentinel(rec.ETag)).
			Str("content_length", orSentinel(rec.ContentLength)).
			Str("derived", string(derived))).
		Send()
}

func orSentinel(v string) string {
	if v == "" {
		return "-"
	}
	return v
}
