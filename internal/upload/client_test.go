package upload

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"
)

// fakeAPI is an in-process recordings API.
type fakeAPI struct {
	mu sync.Mutex

	regular     [][]byte
	fields      []map[string]string
	chunkPuts   map[string][]int // token -> seqs received, in order
	chunks      map[string]map[int][]byte
	completions []completeRequest
	headers     []http.Header

	regularStatus int              // non-zero forces this status for regular uploads
	regularBody   string           // body sent with regularStatus
	failChunk     func(seq int) int // returns a status to fail with, or 0
	recordingID   string           // raw JSON value of recordingId
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{
		chunkPuts:   make(map[string][]int),
		chunks:      make(map[string]map[int][]byte),
		recordingID: "42",
	}
}

func (f *fakeAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	f.headers = append(f.headers, r.Header.Clone())
	f.mu.Unlock()

	switch {
	case r.Method == http.MethodPost && r.URL.Path == "/api/recordings":
		f.handleRegular(w, r)
	case r.Method == http.MethodPut && strings.Contains(r.URL.Path, "/chunks/"):
		f.handleChunk(w, r)
	case r.Method == http.MethodPost && strings.HasSuffix(r.URL.Path, "/complete"):
		f.handleComplete(w, r)
	default:
		http.NotFound(w, r)
	}
}

func (f *fakeAPI) handleRegular(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(1 << 20); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	file, _, err := r.FormFile("audio")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	data, _ := io.ReadAll(file)

	f.mu.Lock()
	status, body := f.regularStatus, f.regularBody
	if status == 0 {
		f.regular = append(f.regular, data)
		fields := map[string]string{}
		for k, v := range r.MultipartForm.Value {
			fields[k] = v[0]
		}
		f.fields = append(f.fields, fields)
	}
	id := f.recordingID
	f.mu.Unlock()

	if status != 0 {
		w.WriteHeader(status)
		io.WriteString(w, body)
		return
	}
	w.WriteHeader(http.StatusCreated)
	io.WriteString(w, `{"recordingId":`+id+`}`)
}

func (f *fakeAPI) handleChunk(w http.ResponseWriter, r *http.Request) {
	parts := strings.Split(r.URL.Path, "/")
	// /api/recordings/uploads/{token}/chunks/{seq}
	token := parts[4]
	seq, _ := strconv.Atoi(parts[6])
	data, _ := io.ReadAll(r.Body)

	f.mu.Lock()
	fail := f.failChunk
	f.mu.Unlock()
	if fail != nil {
		if status := fail(seq); status != 0 {
			w.WriteHeader(status)
			io.WriteString(w, `{"error":"injected"}`)
			return
		}
	}

	f.mu.Lock()
	f.chunkPuts[token] = append(f.chunkPuts[token], seq)
	if f.chunks[token] == nil {
		f.chunks[token] = make(map[int][]byte)
	}
	f.chunks[token][seq] = data
	f.mu.Unlock()
	w.WriteHeader(http.StatusNoContent)
}

func (f *fakeAPI) handleComplete(w http.ResponseWriter, r *http.Request) {
	var req completeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	f.mu.Lock()
	f.completions = append(f.completions, req)
	id := f.recordingID
	f.mu.Unlock()
	io.WriteString(w, `{"recordingId":`+id+`}`)
}

func (f *fakeAPI) assembled(token string) []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	var buf bytes.Buffer
	for i := 0; i < len(f.chunks[token]); i++ {
		buf.Write(f.chunks[token][i])
	}
	return buf.Bytes()
}

func (f *fakeAPI) tokens() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for t := range f.chunkPuts {
		out = append(out, t)
	}
	return out
}

func testClient(url string, threshold int64, chunkSize int) *Client {
	return NewClient(Config{
		BaseURL:         url,
		APIKey:          "secret",
		DeviceID:        "rig-1",
		Threshold:       threshold,
		ChunkSize:       chunkSize,
		MaxChunkRetries: 2,
		InitialBackoff:  time.Millisecond,
		MaxBackoff:      5 * time.Millisecond,
		LogFn:           func(level, msg string) {},
	})
}

func TestNewClientDefaults(t *testing.T) {
	c := NewClient(Config{BaseURL: "https://gigset.app/"})
	if c.Threshold() != DefaultThreshold {
		t.Errorf("Threshold() = %d, want %d", c.Threshold(), DefaultThreshold)
	}
	if c.baseURL != "https://gigset.app" {
		t.Errorf("baseURL = %q", c.baseURL)
	}
	if c.maxChunkRetries != 3 {
		t.Errorf("maxChunkRetries = %d, want 3", c.maxChunkRetries)
	}

	off := NewClient(Config{MaxChunkRetries: -1})
	if off.maxChunkRetries != 0 {
		t.Errorf("negative MaxChunkRetries should disable retries, got %d", off.maxChunkRetries)
	}
}

func TestModeForThresholdBoundary(t *testing.T) {
	const threshold = 1000
	api := newFakeAPI()
	server := httptest.NewServer(api)
	defer server.Close()
	c := testClient(server.URL, threshold, 300)

	tests := []struct {
		size int
		want Mode
	}{
		{threshold - 1, ModeRegular},
		{threshold, ModeRegular},
		{threshold + 1, ModeChunked},
	}

	for _, tt := range tests {
		t.Run(strconv.Itoa(tt.size), func(t *testing.T) {
			if got := c.ModeFor(int64(tt.size)); got != tt.want {
				t.Errorf("ModeFor(%d) = %s, want %s", tt.size, got, tt.want)
			}
			res, err := c.Upload(context.Background(), Request{
				SessionID: "s-" + strconv.Itoa(tt.size),
				Payload:   bytes.Repeat([]byte{7}, tt.size),
				Duration:  time.Second,
			}, nil)
			if err != nil {
				t.Fatalf("Upload: %v", err)
			}
			if res.Mode != tt.want {
				t.Errorf("Upload used %s, want %s", res.Mode, tt.want)
			}
		})
	}
}

func TestRegularUpload(t *testing.T) {
	api := newFakeAPI()
	server := httptest.NewServer(api)
	defer server.Close()
	c := testClient(server.URL, 1<<20, 1024)

	payload := bytes.Repeat([]byte("riff"), 5000)
	var (
		mu    sync.Mutex
		last  Progress
		calls int
	)
	res, err := c.Upload(context.Background(), Request{
		SessionID:     "setlist-9",
		Payload:       payload,
		Duration:      3200 * time.Millisecond,
		AttributionID: "band-4",
	}, func(p Progress) {
		mu.Lock()
		defer mu.Unlock()
		calls++
		last = p
	})
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}
	if res.RecordingID != "42" {
		t.Errorf("RecordingID = %q, want 42", res.RecordingID)
	}
	mu.Lock()
	defer mu.Unlock()
	if calls == 0 || last.BytesSent != int64(len(payload)) || last.Fraction() != 1 {
		t.Errorf("final progress = %+v after %d calls", last, calls)
	}

	if len(api.regular) != 1 || !bytes.Equal(api.regular[0], payload) {
		t.Fatal("server did not receive the payload intact")
	}
	fields := api.fields[0]
	if fields["session_id"] != "setlist-9" || fields["duration_ms"] != "3200" || fields["attribution_id"] != "band-4" {
		t.Errorf("form fields = %v", fields)
	}
	h := api.headers[0]
	if h.Get("Authorization") != "Bearer secret" {
		t.Errorf("Authorization = %q", h.Get("Authorization"))
	}
	if h.Get("X-Stagerec-Device") != "rig-1" {
		t.Errorf("X-Stagerec-Device = %q", h.Get("X-Stagerec-Device"))
	}
}

func TestRegularUploadClassifiesFailures(t *testing.T) {
	tests := []struct {
		name          string
		status        int
		body          string
		wantKind      Kind
		wantRetryable bool
	}{
		{"payload too large", http.StatusRequestEntityTooLarge, `{"error":"too big"}`, KindQuotaExceeded, false},
		{"quota reason", http.StatusForbidden, `{"error":"storage full","reason":"quota_exceeded"}`, KindQuotaExceeded, false},
		{"server error", http.StatusBadGateway, ``, KindTransient, true},
		{"rate limited", http.StatusTooManyRequests, ``, KindTransient, true},
		{"bad request", http.StatusBadRequest, `{"error":"unknown setlist"}`, KindRejected, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			api := newFakeAPI()
			api.regularStatus = tt.status
			api.regularBody = tt.body
			server := httptest.NewServer(api)
			defer server.Close()

			_, err := testClient(server.URL, 1<<20, 1024).Upload(context.Background(), Request{
				SessionID: "s1",
				Payload:   []byte("audio"),
			}, nil)

			var ue *Error
			if !errors.As(err, &ue) {
				t.Fatalf("error = %v, want *Error", err)
			}
			if ue.Kind != tt.wantKind {
				t.Errorf("Kind = %s, want %s", ue.Kind, tt.wantKind)
			}
			if ue.Retryable() != tt.wantRetryable {
				t.Errorf("Retryable() = %v, want %v", ue.Retryable(), tt.wantRetryable)
			}
			if ue.StatusCode != tt.status {
				t.Errorf("StatusCode = %d, want %d", ue.StatusCode, tt.status)
			}
		})
	}
}

func TestRegularUploadNetworkErrorIsTransient(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	url := server.URL
	server.Close()

	_, err := testClient(url, 1<<20, 1024).Upload(context.Background(), Request{SessionID: "s1", Payload: []byte("x")}, nil)
	var ue *Error
	if !errors.As(err, &ue) || ue.Kind != KindTransient {
		t.Errorf("error = %v, want transient *Error", err)
	}
}

func TestChunkedUpload(t *testing.T) {
	api := newFakeAPI()
	server := httptest.NewServer(api)
	defer server.Close()
	c := testClient(server.URL, 100, 64)

	payload := make([]byte, 300)
	for i := range payload {
		payload[i] = byte(i)
	}

	var progress []Progress
	res, err := c.Upload(context.Background(), Request{
		SessionID: "big",
		Payload:   payload,
		Duration:  90 * time.Minute,
	}, func(p Progress) { progress = append(progress, p) })
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}
	if res.RecordingID != "42" || res.Mode != ModeChunked {
		t.Errorf("result = %+v", res)
	}

	tokens := api.tokens()
	if len(tokens) != 1 {
		t.Fatalf("tokens = %v, want 1", tokens)
	}
	if !bytes.Equal(api.assembled(tokens[0]), payload) {
		t.Error("server assembled different bytes")
	}
	if len(api.completions) != 1 {
		t.Fatalf("completions = %d, want 1", len(api.completions))
	}
	comp := api.completions[0]
	if comp.Chunks != 5 || comp.Size != 300 || comp.DurationMs != (90*time.Minute).Milliseconds() {
		t.Errorf("completion = %+v", comp)
	}

	final := progress[len(progress)-1]
	if final.ChunksAcked != 5 || final.ChunksTotal != 5 || final.Fraction() != 1 {
		t.Errorf("final progress = %+v", final)
	}
	for i := 1; i < len(progress); i++ {
		if progress[i].ChunksAcked < progress[i-1].ChunksAcked {
			t.Errorf("progress went backwards: %+v", progress)
		}
	}
}

func TestChunkedUploadRetriesFailedChunkOnly(t *testing.T) {
	api := newFakeAPI()
	var mu sync.Mutex
	failures := 0
	api.failChunk = func(seq int) int {
		mu.Lock()
		defer mu.Unlock()
		if seq == 2 && failures < 2 {
			failures++
			return http.StatusServiceUnavailable
		}
		return 0
	}
	server := httptest.NewServer(api)
	defer server.Close()

	c := testClient(server.URL, 100, 64)
	if _, err := c.Upload(context.Background(), Request{SessionID: "s", Payload: make([]byte, 256)}, nil); err != nil {
		t.Fatalf("Upload: %v", err)
	}

	tokens := api.tokens()
	if len(tokens) != 1 {
		t.Fatalf("tokens = %v", tokens)
	}
	got := api.chunkPuts[tokens[0]]
	want := []int{0, 1, 2, 3}
	if len(got) != len(want) {
		t.Fatalf("acknowledged chunk order = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("acknowledged chunk order = %v, want %v", got, want)
			break
		}
	}
}

func TestChunkedUploadFailureThenFreshRetry(t *testing.T) {
	api := newFakeAPI()
	var mu sync.Mutex
	dropFourth := true
	attempts := 0
	api.failChunk = func(seq int) int {
		mu.Lock()
		defer mu.Unlock()
		if seq == 3 && dropFourth {
			attempts++
			return http.StatusBadGateway
		}
		return 0
	}
	server := httptest.NewServer(api)
	defer server.Close()

	c := testClient(server.URL, 100, 50)
	payload := bytes.Repeat([]byte("abcde"), 60) // 300 bytes, 6 chunks

	_, err := c.Upload(context.Background(), Request{SessionID: "s", Payload: payload}, nil)
	var ue *Error
	if !errors.As(err, &ue) || ue.Kind != KindTransient {
		t.Fatalf("error = %v, want transient", err)
	}
	if !strings.Contains(ue.Error(), "chunk 4/6") {
		t.Errorf("error should name the failing chunk: %v", ue)
	}
	if attempts != 3 {
		t.Errorf("chunk 4 attempts = %d, want 3 (1 + 2 retries)", attempts)
	}
	if len(api.completions) != 0 {
		t.Error("completion must not be called after a failed chunk")
	}

	mu.Lock()
	dropFourth = false
	mu.Unlock()

	if _, err := c.Upload(context.Background(), Request{SessionID: "s", Payload: payload}, nil); err != nil {
		t.Fatalf("retry Upload: %v", err)
	}

	tokens := api.tokens()
	if len(tokens) != 2 {
		t.Fatalf("tokens = %d, want a fresh token for the retry", len(tokens))
	}
	var full string
	for _, tok := range tokens {
		if len(api.chunkPuts[tok]) == 6 {
			full = tok
		}
	}
	if full == "" {
		t.Fatal("retry should re-send all 6 chunks under a new token")
	}
	if !bytes.Equal(api.assembled(full), payload) {
		t.Error("retried upload assembled different bytes")
	}
}

func TestChunkedUploadQuotaIsNotRetried(t *testing.T) {
	api := newFakeAPI()
	var mu sync.Mutex
	calls := 0
	api.failChunk = func(seq int) int {
		mu.Lock()
		defer mu.Unlock()
		calls++
		return http.StatusRequestEntityTooLarge
	}
	server := httptest.NewServer(api)
	defer server.Close()

	_, err := testClient(server.URL, 10, 50).Upload(context.Background(), Request{SessionID: "s", Payload: make([]byte, 100)}, nil)
	var ue *Error
	if !errors.As(err, &ue) || ue.Kind != KindQuotaExceeded {
		t.Fatalf("error = %v, want quota", err)
	}
	if calls != 1 {
		t.Errorf("chunk calls = %d, want 1", calls)
	}
}

func TestChunkedUploadCancelledIsTransient(t *testing.T) {
	api := newFakeAPI()
	server := httptest.NewServer(api)
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := testClient(server.URL, 10, 50).Upload(ctx, Request{SessionID: "s", Payload: make([]byte, 100)}, nil)
	var ue *Error
	if !errors.As(err, &ue) || ue.Kind != KindTransient {
		t.Fatalf("error = %v, want transient", err)
	}
	if !errors.Is(err, context.Canceled) {
		t.Errorf("error should wrap context.Canceled: %v", err)
	}
}

func TestRecordingIDDecoding(t *testing.T) {
	tests := []struct {
		body string
		want RecordingID
	}{
		{`{"recordingId":42}`, "42"},
		{`{"recordingId":"rec_9f2"}`, "rec_9f2"},
		{`{"recordingId":12345678901234}`, "12345678901234"},
	}
	for _, tt := range tests {
		res, err := decodeResult([]byte(tt.body))
		if err != nil {
			t.Errorf("decodeResult(%s): %v", tt.body, err)
			continue
		}
		if res.RecordingID != tt.want {
			t.Errorf("decodeResult(%s) = %q, want %q", tt.body, res.RecordingID, tt.want)
		}
	}

	if _, err := decodeResult([]byte(`{}`)); err == nil {
		t.Error("missing recording id should be an error")
	}
}
