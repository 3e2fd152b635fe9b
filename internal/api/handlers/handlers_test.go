package handlers

import (
	"bytes"
	"crypto/rand"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/cranlens/cranlens/internal/adapters/upstream"
	"github.com/cranlens/cranlens/internal/config"
	"github.com/cranlens/cranlens/internal/core/models"
	"github.com/cranlens/cranlens/internal/telemetry"
)

// captureEmitter records everything emitted, for assertions.
type captureEmitter struct {
	mu   sync.Mutex
	recs []models.RequestRecord
}

func (c *captureEmitter) Emit(rec models.RequestRecord) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.recs = append(c.recs, rec)
}

func (c *captureEmitter) records() []models.RequestRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]models.RequestRecord(nil), c.recs...)
}

func setupProxy(t *testing.T, upstreamURL string) (*captureEmitter, http.Handler) {
	t.Helper()

	client, err := upstream.New(config.UpstreamConfig{
		BaseURL:         upstreamURL,
		ConnectTimeout:  2 * time.Second,
		HeaderTimeout:   2 * time.Second,
		BodyIdleTimeout: 5 * time.Second,
		MaxIdleConns:    2,
	})
	if err != nil {
		t.Fatalf("upstream.New: %v", err)
	}

	emitter := &captureEmitter{}
	metrics := telemetry.New(prometheus.NewRegistry())
	h := New(client, emitter, metrics, zerolog.Nop())
	return emitter, h.Router()
}

func doRequest(t *testing.T, router http.Handler, method, target string, hdr map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, nil)
	for k, v := range hdr {
		req.Header.Set(k, v)
	}
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	return rr
}

func TestHealthzIsLocal(t *testing.T) {
	var upstreamHits int
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		upstreamHits++
	}))
	defer srv.Close()

	emitter, router := setupProxy(t, srv.URL)

	rr := doRequest(t, router, "GET", "/healthz", nil)
	if rr.Code != http.StatusOK {
		t.Errorf("status = %d", rr.Code)
	}
	if rr.Body.String() != "ok" {
		t.Errorf("body = %q", rr.Body.String())
	}
	if upstreamHits != 0 {
		t.Errorf("healthz reached upstream %d times", upstreamHits)
	}
	if n := len(emitter.records()); n != 0 {
		t.Errorf("healthz emitted %d records", n)
	}
}

func TestProxyPassthrough(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("ETag", `"abc"`)
		w.Header().Set("Content-Type", "application/octet-stream")
		w.WriteHeader(http.StatusOK)
		io.WriteString(w, "index body")
	}))
	defer srv.Close()

	emitter, router := setupProxy(t, srv.URL)

	rr := doRequest(t, router, "GET", "/src/contrib/PACKAGES", map[string]string{
		"User-Agent": "R (4.4.0)",
		"Range":      "bytes=0-9",
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	if rr.Body.String() != "index body" {
		t.Errorf("body = %q", rr.Body.String())
	}
	if rr.Header().Get("ETag") != `"abc"` {
		t.Errorf("etag = %q", rr.Header().Get("ETag"))
	}

	recs := emitter.records()
	if len(recs) != 1 {
		t.Fatalf("records = %d, want 1", len(recs))
	}
	rec := recs[0]
	if rec.Status != http.StatusOK {
		t.Errorf("record status = %d", rec.Status)
	}
	if rec.Path != "/src/contrib/PACKAGES" {
		t.Errorf("record path = %q", rec.Path)
	}
	if rec.UserAgent != "R (4.4.0)" {
		t.Errorf("record ua = %q", rec.UserAgent)
	}
	if rec.Range != "bytes=0-9" {
		t.Errorf("record range = %q", rec.Range)
	}
	if rec.ETag != `"abc"` {
		t.Errorf("record etag = %q", rec.ETag)
	}
	if rec.Derived.Type != models.ArtifactIndexText {
		t.Errorf("derived type = %s", rec.Derived.Type)
	}
	if rec.Latency < 0 {
		t.Errorf("latency = %v", rec.Latency)
	}
}

func TestProxyStatusPassthrough(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer srv.Close()

	emitter, router := setupProxy(t, srv.URL)

	rr := doRequest(t, router, "GET", "/src/contrib/gone_1.0.0.tar.gz", nil)
	if rr.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rr.Code)
	}
	recs := emitter.records()
	if len(recs) != 1 || recs[0].Status != http.StatusNotFound {
		t.Fatalf("records = %+v", recs)
	}
	if recs[0].Derived.Type != models.ArtifactSourceTar {
		t.Errorf("derived type = %s", recs[0].Derived.Type)
	}
}

func TestProxyStreamingFidelity(t *testing.T) {
	payload := make([]byte, 1<<20)
	if _, err := rand.Read(payload); err != nil {
		t.Fatalf("rand: %v", err)
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		// Awkward chunk sizes so forwarding cannot rely on any particular
		// boundary alignment.
		flusher := w.(http.Flusher)
		for off, step := 0, 17; off < len(payload); {
			end := off + step
			if end > len(payload) {
				end = len(payload)
			}
			w.Write(payload[off:end])
			flusher.Flush()
			off = end
			step = step*3 + 11
		}
	}))
	defer srv.Close()

	emitter, router := setupProxy(t, srv.URL)

	rr := doRequest(t, router, "GET", "/src/contrib/big_1.0.tar.gz", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	if !bytes.Equal(rr.Body.Bytes(), payload) {
		t.Errorf("forwarded %d bytes, want %d, content mismatch=%v",
			rr.Body.Len(), len(payload), !bytes.Equal(rr.Body.Bytes(), payload))
	}
	if n := len(emitter.records()); n != 1 {
		t.Errorf("records = %d, want 1", n)
	}
}

func TestProxyMidStreamFailureStillEmitsRecord(t *testing.T) {
	const declared = 1 << 20
	partial := bytes.Repeat([]byte("x"), 1024)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", strconv.Itoa(declared))
		w.WriteHeader(http.StatusOK)
		w.Write(partial)
		w.(http.Flusher).Flush()
		// Kill the connection mid-body: the proxy has already committed
		// the 200 to its client.
		conn, _, err := w.(http.Hijacker).Hijack()
		if err != nil {
			t.Errorf("hijack: %v", err)
			return
		}
		conn.Close()
	}))
	defer srv.Close()

	emitter, router := setupProxy(t, srv.URL)

	rr := doRequest(t, router, "GET", "/src/contrib/big_1.0.tar.gz", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want committed 200", rr.Code)
	}

	recs := emitter.records()
	if len(recs) != 1 {
		t.Fatalf("records = %d, want exactly 1", len(recs))
	}
	rec := recs[0]
	if rec.Status != http.StatusOK {
		t.Errorf("record status = %d, want the committed 200", rec.Status)
	}
	if rec.ContentLength != strconv.Itoa(declared) {
		t.Errorf("record content_length = %q, want %d", rec.ContentLength, declared)
	}
	if rec.Latency < 0 {
		t.Errorf("latency = %v", rec.Latency)
	}
}

func TestProxyUpstreamDown(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	srv.Close() // nothing listening

	emitter, router := setupProxy(t, srv.URL)

	rr := doRequest(t, router, "GET", "/src/contrib/digest_0.6.37.tar.gz", nil)
	if rr.Code != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502", rr.Code)
	}

	recs := emitter.records()
	if len(recs) != 1 {
		t.Fatalf("records = %d, want 1", len(recs))
	}
	rec := recs[0]
	if rec.Status != http.StatusBadGateway {
		t.Errorf("record status = %d", rec.Status)
	}
	if rec.ETag != "" || rec.ContentLength != "" {
		t.Errorf("unexpected upstream fields: etag=%q content_length=%q", rec.ETag, rec.ContentLength)
	}
	if rec.Derived.Type != models.ArtifactSourceTar {
		t.Errorf("derived type = %s, classification must survive upstream failure", rec.Derived.Type)
	}
	if rec.Derived.Package == nil || *rec.Derived.Package != "digest" {
		t.Errorf("derived package = %v", rec.Derived.Package)
	}
}

func TestProxyLatencyGrowsWithUpstreamDelay(t *testing.T) {
	const delay = 40 * time.Millisecond
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(delay)
		io.WriteString(w, "slow")
	}))
	defer srv.Close()

	emitter, router := setupProxy(t, srv.URL)
	doRequest(t, router, "GET", "/src/contrib/PACKAGES", nil)

	recs := emitter.records()
	if len(recs) != 1 {
		t.Fatalf("records = %d", len(recs))
	}
	if recs[0].Latency < delay {
		t.Errorf("latency = %v, want >= %v", recs[0].Latency, delay)
	}
}

func TestProxyMethodPreserved(t *testing.T) {
	var gotMethod, gotQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotQuery = r.URL.RawQuery
	}))
	defer srv.Close()

	_, router := setupProxy(t, srv.URL)
	doRequest(t, router, "HEAD", "/src/contrib/PACKAGES?fields=a,b", nil)

	if gotMethod != "HEAD" {
		t.Errorf("upstream method = %q", gotMethod)
	}
	if gotQuery != "fields=a,b" {
		t.Errorf("upstream query = %q", gotQuery)
	}
}

func TestProxyOneRecordPerRequest(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "ok")
	}))
	defer srv.Close()

	emitter, router := setupProxy(t, srv.URL)

	const workers = 20
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			doRequest(t, router, "GET", fmt.Sprintf("/src/contrib/pkg%d_1.0.tar.gz", i), nil)
		}(i)
	}
	wg.Wait()

	if n := len(emitter.records()); n != workers {
		t.Errorf("records = %d, want %d", n, workers)
	}
}

func TestCopyResponseHeadersStripsHopByHop(t *testing.T) {
	src := http.Header{}
	src.Set("Content-Type", "application/octet-stream")
	src.Set("ETag", `"x"`)
	src.Set("Connection", "X-Mirror-Internal, keep-alive")
	src.Set("X-Mirror-Internal", "1")
	src.Set("Keep-Alive", "timeout=5")
	src.Set("Transfer-Encoding", "chunked")

	dst := http.Header{}
	copyResponseHeaders(dst, src)

	if dst.Get("Content-Type") != "application/octet-stream" {
		t.Errorf("content-type = %q", dst.Get("Content-Type"))
	}
	if dst.Get("ETag") != `"x"` {
		t.Errorf("etag = %q", dst.Get("ETag"))
	}
	for _, name := range []string{"Connection", "X-Mirror-Internal", "Keep-Alive", "Transfer-Encoding"} {
		if dst.Get(name) != "" {
			t.Errorf("%s should have been stripped, got %q", name, dst.Get(name))
		}
	}
}

func TestRequestIDHeader(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer srv.Close()

	_, router := setupProxy(t, srv.URL)
	rr := doRequest(t, router, "GET", "/anything", nil)
	if rr.Header().Get("X-Request-ID") == "" {
		t.Error("missing X-Request-ID")
	}
}
