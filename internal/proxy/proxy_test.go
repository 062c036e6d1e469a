package proxy

import (
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"meter/internal/model"
	"meter/internal/service"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/tidwall/gjson"
)

type fakeRecorder struct {
	mu      sync.Mutex
	entries []service.UsageEntry
	err     error
}

func (f *fakeRecorder) Log(ctx context.Context, entry service.UsageEntry) (*model.UsageRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.entries = append(f.entries, entry)
	return &model.UsageRecord{
		ID:        int64(len(f.entries)),
		Model:     entry.Model,
		TokensIn:  entry.TokensIn,
		TokensOut: entry.TokensOut,
		Cost:      decimal.Zero,
		LatencyMs: entry.Latency.Milliseconds(),
	}, nil
}

func (f *fakeRecorder) snapshot() []service.UsageEntry {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]service.UsageEntry, len(f.entries))
	copy(out, f.entries)
	return out
}

func waitForEntries(t *testing.T, rec *fakeRecorder, n int) []service.UsageEntry {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if entries := rec.snapshot(); len(entries) >= n {
			return entries
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("expected %d usage entries, got %d", n, len(rec.snapshot()))
	return nil
}

func newTestRouter(t *testing.T, upstreamURL string, rec UsageRecorder) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	engine, err := NewEngine(EngineConfig{
		UpstreamBaseURL: upstreamURL + "/v1",
		UpstreamAPIKey:  "sk-upstream",
		Timeout:         5 * time.Second,
	}, rec)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	r := gin.New()
	r.POST("/v1/chat/completions", engine.ChatCompletions)
	return r
}

func doPost(r http.Handler, body string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer proxy-secret")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestBufferedSuccessRecordsUsage(t *testing.T) {
	const reqBody = `{"model":"gpt-4o","messages":[{"role":"user","content":"hi"}],"temperature":0.2}`
	const respBody = `{"id":"chatcmpl-1","model":"gpt-4o-2024-08-06","choices":[],"usage":{"prompt_tokens":1000,"completion_tokens":500,"total_tokens":1500}}`

	var gotPath, gotAuth, gotTeam string
	var gotBody []byte
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		gotTeam = r.Header.Get(HeaderTeam)
		gotBody, _ = io.ReadAll(r.Body)
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, respBody)
	}))
	defer upstream.Close()

	rec := &fakeRecorder{}
	r := newTestRouter(t, upstream.URL, rec)
	w := doPost(r, reqBody, map[string]string{HeaderTeam: "alpha", HeaderFeature: "chat"})

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if w.Body.String() != respBody {
		t.Fatalf("expected upstream body unchanged, got %s", w.Body.String())
	}
	if gotPath != "/v1/chat/completions" {
		t.Fatalf("unexpected upstream path %q", gotPath)
	}
	if gotAuth != "Bearer sk-upstream" {
		t.Fatalf("expected upstream credential, got %q", gotAuth)
	}
	if gotTeam != "" {
		t.Fatalf("expected attribution headers stripped, got X-Team=%q", gotTeam)
	}
	if string(gotBody) != reqBody {
		t.Fatalf("expected request body forwarded unchanged, got %s", gotBody)
	}
	if w.Header().Get(HeaderRequestID) == "" {
		t.Fatal("expected request id header")
	}

	entries := waitForEntries(t, rec, 1)
	e := entries[0]
	if e.Model != "gpt-4o-2024-08-06" || e.TokensIn != 1000 || e.TokensOut != 500 {
		t.Fatalf("unexpected entry %+v", e)
	}
	if e.Team != "alpha" || e.Feature != "chat" || e.Environment != "" {
		t.Fatalf("unexpected attribution %+v", e)
	}
	if gjson.GetBytes(e.Messages, "0.content").String() != "hi" {
		t.Fatalf("unexpected messages %s", e.Messages)
	}
}

func TestBufferedGzipPassesThroughCompressedBytes(t *testing.T) {
	plain := []byte(`{"model":"gpt-4o-mini","usage":{"prompt_tokens":12,"completion_tokens":3}}`)
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(plain); err != nil {
		t.Fatalf("gzip write: %v", err)
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("gzip close: %v", err)
	}
	compressed := buf.Bytes()

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Content-Encoding", "gzip")
		_, _ = w.Write(compressed)
	}))
	defer upstream.Close()

	rec := &fakeRecorder{}
	r := newTestRouter(t, upstream.URL, rec)
	w := doPost(r, `{"model":"gpt-4o-mini","messages":[]}`, nil)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if !bytes.Equal(w.Body.Bytes(), compressed) {
		t.Fatal("expected compressed bytes to reach the caller unchanged")
	}
	if got := w.Header().Get("Content-Encoding"); got != "gzip" {
		t.Fatalf("expected Content-Encoding gzip preserved, got %q", got)
	}

	entries := waitForEntries(t, rec, 1)
	if entries[0].TokensIn != 12 || entries[0].TokensOut != 3 {
		t.Fatalf("expected tokens parsed from decompressed copy, got %+v", entries[0])
	}
}

func TestBufferedUpstreamErrorNotRecorded(t *testing.T) {
	const errBody = `{"error":{"message":"bad model","type":"invalid_request_error"}}`
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = io.WriteString(w, errBody)
	}))
	defer upstream.Close()

	rec := &fakeRecorder{}
	r := newTestRouter(t, upstream.URL, rec)
	w := doPost(r, `{"model":"nope","messages":[]}`, nil)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected upstream status 400, got %d", w.Code)
	}
	if w.Body.String() != errBody {
		t.Fatalf("expected upstream body verbatim, got %s", w.Body.String())
	}
	if n := len(rec.snapshot()); n != 0 {
		t.Fatalf("expected no usage records, got %d", n)
	}
}

func TestInvalidJSONNotForwarded(t *testing.T) {
	var calls int32
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
	}))
	defer upstream.Close()

	rec := &fakeRecorder{}
	r := newTestRouter(t, upstream.URL, rec)

	for _, body := range []string{`{"model":`, `[1,2,3]`} {
		w := doPost(r, body, nil)
		if w.Code != http.StatusBadRequest {
			t.Fatalf("expected 400 for %q, got %d", body, w.Code)
		}
		if got := gjson.Get(w.Body.String(), "error.code").String(); got != "bad_request" {
			t.Fatalf("unexpected error code %q", got)
		}
	}
	if atomic.LoadInt32(&calls) != 0 {
		t.Fatal("expected no upstream calls")
	}
}

func TestTransportFailureReturnsBadGateway(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	upstreamURL := upstream.URL
	upstream.Close()

	rec := &fakeRecorder{}
	r := newTestRouter(t, upstreamURL, rec)
	w := doPost(r, `{"model":"gpt-4o","messages":[]}`, nil)

	if w.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", w.Code)
	}
	if got := gjson.Get(w.Body.String(), "error.code").String(); got != "upstream_error" {
		t.Fatalf("unexpected error code %q", got)
	}
	if n := len(rec.snapshot()); n != 0 {
		t.Fatalf("expected no usage records, got %d", n)
	}
}

func TestLogFailureDoesNotAffectResponse(t *testing.T) {
	const respBody = `{"model":"gpt-4o","usage":{"prompt_tokens":1,"completion_tokens":1}}`
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, respBody)
	}))
	defer upstream.Close()

	rec := &fakeRecorder{err: errors.New("disk full")}
	r := newTestRouter(t, upstream.URL, rec)
	w := doPost(r, `{"model":"gpt-4o","messages":[]}`, nil)

	if w.Code != http.StatusOK || w.Body.String() != respBody {
		t.Fatalf("expected upstream response despite log failure, got %d %s", w.Code, w.Body.String())
	}
}

func TestStreamingRelaysChunksAndRecordsZeroTokens(t *testing.T) {
	chunk1 := "data: {\"choices\":[{\"delta\":{\"content\":\"Hel\"}}]}\n\n"
	chunk2 := "data: {\"choices\":[{\"delta\":{\"content\":\"lo\"}}]}\n\n"
	done := "data: [DONE]\n\n"

	release := make(chan struct{})
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		_, _ = io.WriteString(w, chunk1)
		w.(http.Flusher).Flush()
		select {
		case <-release:
		case <-time.After(5 * time.Second):
			return
		}
		_, _ = io.WriteString(w, chunk2)
		w.(http.Flusher).Flush()
		_, _ = io.WriteString(w, done)
	}))
	defer upstream.Close()

	rec := &fakeRecorder{}
	proxyServer := httptest.NewServer(newTestRouter(t, upstream.URL, rec))
	defer proxyServer.Close()

	req, _ := http.NewRequest(http.MethodPost, proxyServer.URL+"/v1/chat/completions",
		strings.NewReader(`{"model":"gpt-4o","stream":true,"messages":[{"role":"user","content":"hi"}]}`))
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("expected event stream, got %q", ct)
	}

	// 第一个分片必须在上游发送第二个分片之前到达
	first := make([]byte, len(chunk1))
	if _, err := io.ReadFull(resp.Body, first); err != nil {
		t.Fatalf("read first chunk: %v", err)
	}
	if string(first) != chunk1 {
		t.Fatalf("unexpected first chunk %q", first)
	}
	close(release)

	rest, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read rest: %v", err)
	}
	if string(rest) != chunk2+done {
		t.Fatalf("unexpected remaining stream %q", rest)
	}

	entries := waitForEntries(t, rec, 1)
	if entries[0].Model != "gpt-4o" || entries[0].TokensIn != 0 || entries[0].TokensOut != 0 {
		t.Fatalf("expected zero-token streaming entry for requested model, got %+v", entries[0])
	}
}

func TestStreamingUpstreamErrorNotRecorded(t *testing.T) {
	const errBody = `{"error":{"message":"slow down","type":"rate_limit_error"}}`
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = io.WriteString(w, errBody)
	}))
	defer upstream.Close()

	rec := &fakeRecorder{}
	r := newTestRouter(t, upstream.URL, rec)
	w := doPost(r, `{"model":"gpt-4o","stream":true,"messages":[]}`, nil)

	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("expected upstream 429, got %d", w.Code)
	}
	if w.Body.String() != errBody {
		t.Fatalf("expected upstream error body, got %s", w.Body.String())
	}
	time.Sleep(50 * time.Millisecond)
	if n := len(rec.snapshot()); n != 0 {
		t.Fatalf("expected no usage records, got %d", n)
	}
}

func TestNewEngineRejectsBadBaseURL(t *testing.T) {
	if _, err := NewEngine(EngineConfig{UpstreamBaseURL: "not a url"}, &fakeRecorder{}); err == nil {
		t.Fatal("expected error for base url without scheme")
	}
	e, err := NewEngine(EngineConfig{UpstreamBaseURL: "https://api.example.com/v1/"}, &fakeRecorder{})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	if e.Target() != "https://api.example.com/v1/chat/completions" {
		t.Fatalf("unexpected target %q", e.Target())
	}
}

func TestBufferedLargeBodyDeliveredInFull(t *testing.T) {
	// 超过 10MB 的响应体，usage 位于末尾
	padding := strings.Repeat("x", 11*1024*1024)
	respBody := `{"model":"gpt-4o","choices":[{"message":{"content":"` + padding + `"}}],"usage":{"prompt_tokens":1000,"completion_tokens":500}}`

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, respBody)
	}))
	defer upstream.Close()

	rec := &fakeRecorder{}
	r := newTestRouter(t, upstream.URL, rec)
	w := doPost(r, `{"model":"gpt-4o","messages":[{"role":"user","content":"hi"}]}`, nil)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if w.Body.Len() != len(respBody) {
		t.Fatalf("expected %d bytes, got %d", len(respBody), w.Body.Len())
	}
	if !gjson.Valid(w.Body.String()) {
		t.Fatal("expected caller to receive valid JSON")
	}
	if cl := w.Header().Get("Content-Length"); cl != strconv.Itoa(len(respBody)) {
		t.Fatalf("unexpected Content-Length %q", cl)
	}

	entries := waitForEntries(t, rec, 1)
	if entries[0].TokensIn != 1000 || entries[0].TokensOut != 500 {
		t.Fatalf("expected tokens 1000/500, got %d/%d", entries[0].TokensIn, entries[0].TokensOut)
	}
}

func TestStreamingClientDisconnectNotRecorded(t *testing.T) {
	chunk1 := "data: {\"choices\":[{\"delta\":{\"content\":\"Hel\"}}]}\n\n"

	upstreamGone := make(chan struct{})
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		_, _ = io.WriteString(w, chunk1)
		w.(http.Flusher).Flush()
		select {
		case <-r.Context().Done():
			close(upstreamGone)
		case <-time.After(5 * time.Second):
		}
	}))
	defer upstream.Close()

	rec := &fakeRecorder{}
	proxyServer := httptest.NewServer(newTestRouter(t, upstream.URL, rec))
	defer proxyServer.Close()

	req, _ := http.NewRequest(http.MethodPost, proxyServer.URL+"/v1/chat/completions",
		strings.NewReader(`{"model":"gpt-4o","stream":true,"messages":[{"role":"user","content":"hi"}]}`))
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request: %v", err)
	}

	first := make([]byte, len(chunk1))
	if _, err := io.ReadFull(resp.Body, first); err != nil {
		t.Fatalf("read first chunk: %v", err)
	}
	_ = resp.Body.Close()

	select {
	case <-upstreamGone:
	case <-time.After(3 * time.Second):
		t.Fatal("expected upstream request to be cancelled after client disconnect")
	}

	// 等待 MeteringBody 关闭回调执行
	time.Sleep(200 * time.Millisecond)
	if entries := rec.snapshot(); len(entries) != 0 {
		t.Fatalf("expected no usage record after disconnect, got %d", len(entries))
	}
}
