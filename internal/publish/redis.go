// Package publish mirrors recorder status to Redis so remote screens (the
// band's web UI, a stage monitor) can follow a live capture and its upload.
//
//	stagerec                                    Redis
//	┌─────────────┐  PUBLISH recorder:status:X  ┌─────────────┐
//	│   Redis     │ ─────────────────────────▶  │  Pub/Sub    │ → live UI
//	│  Publisher  │                             └─────────────┘
//	│  (per tick) │  XADD recorder:status:stream┌─────────────┐
//	│             │ ─────────────────────────▶  │  Streams    │ → history
//	└─────────────┘                             └─────────────┘
package publish

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"time"

	"github.com/redis/go-redis/v9"
)

// deviceIDPattern restricts device ids used in channel names.
var deviceIDPattern = regexp.MustCompile(`^[a-zA-Z0-9._-]{1,64}$`)

// DefaultStream is the stream every status update is appended to.
const DefaultStream = "recorder:status:stream"

// Status is one recorder update.
type Status struct {
	SessionID   string    `json:"sessionId"`
	Title       string    `json:"title,omitempty"`
	State       string    `json:"state"`
	StartedAt   time.Time `json:"startedAt,omitzero"`
	ElapsedMs   int64     `json:"elapsedMs"`
	Segments    int       `json:"segments"`
	Bytes       int64     `json:"bytes"`
	Resumed     bool      `json:"resumed,omitempty"`
	Degraded    bool      `json:"degraded,omitempty"`
	Upload      *Upload   `json:"upload,omitempty"`
	Error       string    `json:"error,omitempty"`
	Retryable   bool      `json:"retryable,omitempty"`
	RecordingID string    `json:"recordingId,omitempty"`
}

// Upload is transfer progress within a Status.
type Upload struct {
	Mode        string  `json:"mode"`
	BytesSent   int64   `json:"bytesSent"`
	BytesTotal  int64   `json:"bytesTotal"`
	ChunksAcked int     `json:"chunksAcked,omitempty"`
	ChunksTotal int     `json:"chunksTotal,omitempty"`
	Fraction    float64 `json:"fraction"`
}

// StatusMessage is the payload published to Redis.
type StatusMessage struct {
	Version   string `json:"version"`
	Timestamp string `json:"timestamp"`
	DeviceID  string `json:"deviceId"`
	Status    Status `json:"status"`
}

// RedisPublisherConfig holds configuration for the Redis status publisher.
type RedisPublisherConfig struct {
	// RedisURL is the Redis connection URL
	RedisURL string

	// RedisPassword is the Redis password (optional)
	RedisPassword string

	// DeviceID identifies this recorder
	DeviceID string

	// ChannelOverride overrides the pub/sub channel (default: "recorder:status:{DeviceID}")
	ChannelOverride string

	// MaxStreamLen caps the stream length, trimmed approximately (default: 10000)
	MaxStreamLen int64

	// DebugFunc is an optional callback for debug logging
	DebugFunc func(format string, args ...any)
}

// RedisPublisher publishes recorder status to Redis.
type RedisPublisher struct {
	client        *redis.Client
	redisURL      string
	deviceID      string
	pubSubChannel string
	streamName    string
	maxStreamLen  int64
	now           func() time.Time
	debugFunc     func(format string, args ...any)
}

// NewRedisPublisher creates a new Redis status publisher.
func NewRedisPublisher(cfg RedisPublisherConfig) (*RedisPublisher, error) {
	if !deviceIDPattern.MatchString(cfg.DeviceID) {
		return nil, fmt.Errorf("invalid device ID: must be 1-64 alphanumeric characters, hyphens, underscores, or dots")
	}
	if cfg.MaxStreamLen == 0 {
		cfg.MaxStreamLen = 10000
	}

	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}
	if cfg.RedisPassword != "" {
		opts.Password = cfg.RedisPassword
	}

	channel := cfg.ChannelOverride
	if channel == "" {
		channel = fmt.Sprintf("recorder:status:%s", cfg.DeviceID)
	}

	return &RedisPublisher{
		client:        redis.NewClient(opts),
		redisURL:      cfg.RedisURL,
		deviceID:      cfg.DeviceID,
		pubSubChannel: channel,
		streamName:    DefaultStream,
		maxStreamLen:  cfg.MaxStreamLen,
		now:           time.Now,
		debugFunc:     cfg.DebugFunc,
	}, nil
}

// debug logs a message if debug function is configured
func (p *RedisPublisher) debug(format string, args ...any) {
	if p.debugFunc != nil {
		p.debugFunc(format, args...)
	}
}

// Ping verifies the connection.
func (p *RedisPublisher) Ping(ctx context.Context) error {
	p.debug("pinging Redis at %s", p.redisURL)
	if err := p.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return nil
}

// Publish sends s to the pub/sub channel and appends it to the stream.
func (p *RedisPublisher) Publish(ctx context.Context, s Status) error {
	msg := StatusMessage{
		Version:   "1.0",
		Timestamp: p.now().UTC().Format(time.RFC3339),
		DeviceID:  p.deviceID,
		Status:    s,
	}

	jsonData, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal status: %w", err)
	}
	p.debug("status: %s %s (%d bytes) to %s", s.SessionID, s.State, len(jsonData), p.pubSubChannel)

	if err := p.client.Publish(ctx, p.pubSubChannel, jsonData).Err(); err != nil {
		return fmt.Errorf("failed to publish to Pub/Sub: %w", err)
	}

	if err := p.client.XAdd(ctx, &redis.XAddArgs{
		Stream: p.streamName,
		Values: map[string]any{
			"deviceId":  p.deviceID,
			"sessionId": s.SessionID,
			"state":     s.State,
			"timestamp": msg.Timestamp,
			"payload":   string(jsonData),
		},
		MaxLen: p.maxStreamLen,
		Approx: true,
	}).Err(); err != nil {
		return fmt.Errorf("failed to add to stream: %w", err)
	}
	return nil
}

// Close closes the Redis connection.
func (p *RedisPublisher) Close() error {
	if p.client != nil {
		return p.client.Close()
	}
	return nil
}

// PubSubChannel returns the Pub/Sub channel name.
func (p *RedisPublisher) PubSubChannel() string {
	return p.pubSubChannel
}

// StreamName returns the Stream name.
func (p *RedisPublisher) StreamName() string {
	return p.streamName
}
