// Package upload delivers finished recordings to the recordings API.
//
// Payloads up to the threshold go in one multipart request; larger payloads
// are split into fixed-size chunks that are uploaded and acknowledged one by
// one under a shared upload token, then finalized with a completion call.
//
//	stagerec                                           Recordings API
//	┌──────────┐  POST /api/recordings                  ┌──────────────┐
//	│  upload  │ ─────────────────────────────────────▶ │              │
//	│  Client  │  PUT  /api/recordings/uploads/{tok}/   │              │
//	│          │       chunks/{n}                       │              │
//	│          │ ─────────────────────────────────────▶ │              │
//	│          │  POST /api/recordings/uploads/{tok}/   │              │
//	│          │       complete                         │              │
//	│          │ ◀──────────────────── {recordingId} ── │              │
//	└──────────┘                                        └──────────────┘
package upload

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

// DefaultThreshold is the payload size above which chunked transfer is used.
const DefaultThreshold = 100 * 1024 * 1024

// Mode is the transfer strategy chosen for a payload.
type Mode string

const (
	ModeRegular Mode = "regular"
	ModeChunked Mode = "chunked"
)

// Request is everything needed to deliver one recording.
type Request struct {
	SessionID     string
	Payload       []byte
	Duration      time.Duration
	AttributionID string
}

// RecordingID is the server-assigned identifier. The API returns it as a
// JSON number or string; both decode to the same value.
type RecordingID string

func (id *RecordingID) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return err
	}
	switch t := v.(type) {
	case json.Number:
		*id = RecordingID(t.String())
	case string:
		*id = RecordingID(t)
	case nil:
		*id = ""
	default:
		return fmt.Errorf("recording id: unexpected JSON %s", string(data))
	}
	return nil
}

// Result is a confirmed delivery.
type Result struct {
	RecordingID RecordingID `json:"recordingId"`
	Mode        Mode        `json:"-"`
}

// Progress reports transfer progress. Chunk counts are zero for regular uploads.
type Progress struct {
	Mode        Mode
	BytesSent   int64
	BytesTotal  int64
	ChunksAcked int
	ChunksTotal int
}

// Fraction returns completion in [0, 1].
func (p Progress) Fraction() float64 {
	if p.Mode == ModeChunked && p.ChunksTotal > 0 {
		return float64(p.ChunksAcked) / float64(p.ChunksTotal)
	}
	if p.BytesTotal <= 0 {
		return 0
	}
	return float64(p.BytesSent) / float64(p.BytesTotal)
}

// ProgressFunc receives progress updates on the transport's goroutine.
type ProgressFunc func(Progress)

// Config holds configuration for the upload client.
type Config struct {
	// BaseURL is the recordings API base URL (e.g., "https://gigset.app")
	BaseURL string

	// APIKey is sent as a bearer token (optional)
	APIKey string

	// DeviceID identifies this recorder to the server (optional)
	DeviceID string

	// Threshold is the size above which chunked transfer is used (default: 100 MiB)
	Threshold int64

	// ChunkSize is the size of each chunk (default: 8 MiB)
	ChunkSize int

	// MaxChunkRetries bounds retries of a single chunk (default: 3, negative disables retries)
	MaxChunkRetries int

	// InitialBackoff is the first delay between chunk retries (default: 500ms)
	InitialBackoff time.Duration

	// MaxBackoff caps the delay between chunk retries (default: 15s)
	MaxBackoff time.Duration

	// ChunkRate limits chunks per second (0: unlimited)
	ChunkRate float64

	// ProgressInterval throttles byte-level progress callbacks (default: 200ms)
	ProgressInterval time.Duration

	// Timeout bounds each HTTP request (default: 10m)
	Timeout time.Duration

	// HTTPClient overrides the HTTP client (optional)
	HTTPClient *http.Client

	// LogFn is called for log messages (optional)
	LogFn func(level, msg string)
}

// Client uploads recordings.
type Client struct {
	baseURL          string
	apiKey           string
	deviceID         string
	threshold        int64
	chunkSize        int
	maxChunkRetries  int
	initialBackoff   time.Duration
	maxBackoff       time.Duration
	progressInterval time.Duration
	limiter          *rate.Limiter
	httpClient       *http.Client
	logFn            func(level, msg string)
}

// NewClient creates a new upload client.
func NewClient(cfg Config) *Client {
	if cfg.Threshold == 0 {
		cfg.Threshold = DefaultThreshold
	}
	if cfg.ChunkSize == 0 {
		cfg.ChunkSize = 8 * 1024 * 1024
	}
	if cfg.MaxChunkRetries == 0 {
		cfg.MaxChunkRetries = 3
	}
	if cfg.MaxChunkRetries < 0 {
		cfg.MaxChunkRetries = 0
	}
	if cfg.InitialBackoff == 0 {
		cfg.InitialBackoff = 500 * time.Millisecond
	}
	if cfg.MaxBackoff == 0 {
		cfg.MaxBackoff = 15 * time.Second
	}
	if cfg.ProgressInterval == 0 {
		cfg.ProgressInterval = 200 * time.Millisecond
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Minute
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}

	var limiter *rate.Limiter
	if cfg.ChunkRate > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.ChunkRate), 1)
	}

	return &Client{
		baseURL:          strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:           cfg.APIKey,
		deviceID:         cfg.DeviceID,
		threshold:        cfg.Threshold,
		chunkSize:        cfg.ChunkSize,
		maxChunkRetries:  cfg.MaxChunkRetries,
		initialBackoff:   cfg.InitialBackoff,
		maxBackoff:       cfg.MaxBackoff,
		progressInterval: cfg.ProgressInterval,
		limiter:          limiter,
		httpClient:       httpClient,
		logFn:            cfg.LogFn,
	}
}

// log outputs a message - uses logFn callback if set, otherwise prints to stdout/stderr.
func (c *Client) log(level, format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	if c.logFn != nil {
		c.logFn(level, msg)
		return
	}
	if level == "debug" {
		return
	}
	if level == "error" || level == "warning" {
		fmt.Fprintf(os.Stderr, "%s\n", msg)
	} else {
		fmt.Printf("%s\n", msg)
	}
}

// ModeFor returns the strategy used for a payload of size bytes.
func (c *Client) ModeFor(size int64) Mode {
	if size > c.threshold {
		return ModeChunked
	}
	return ModeRegular
}

// Threshold returns the chunked-transfer threshold.
func (c *Client) Threshold() int64 {
	return c.threshold
}

// Upload delivers req and returns the server-assigned recording id.
// Failures are returned as *Error.
func (c *Client) Upload(ctx context.Context, req Request, progress ProgressFunc) (Result, error) {
	if progress == nil {
		progress = func(Progress) {}
	}

	mode := c.ModeFor(int64(len(req.Payload)))
	c.log("debug", "upload %s: %d bytes via %s transfer", req.SessionID, len(req.Payload), mode)

	var (
		res Result
		err error
	)
	switch mode {
	case ModeChunked:
		res, err = c.uploadChunked(ctx, req, progress)
	default:
		res, err = c.uploadRegular(ctx, req, progress)
	}
	if err != nil {
		return Result{}, err
	}
	res.Mode = mode
	return res, nil
}

func (c *Client) setHeaders(req *http.Request, sessionID string) {
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	if c.deviceID != "" {
		req.Header.Set("X-Stagerec-Device", c.deviceID)
	}
	req.Header.Set("X-Session-Id", sessionID)
}

// decodeResult reads a success body.
func decodeResult(body []byte) (Result, error) {
	var res Result
	if err := json.Unmarshal(body, &res); err != nil {
		return Result{}, transient("decode response", err)
	}
	if res.RecordingID == "" {
		return Result{}, transient("response carried no recording id", nil)
	}
	return res, nil
}

func durationMs(d time.Duration) string {
	return strconv.FormatInt(d.Milliseconds(), 10)
}
