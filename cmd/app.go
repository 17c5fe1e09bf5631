// cmd/app.go
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/gigset/stagerec/internal/capture"
	"github.com/gigset/stagerec/internal/config"
	"github.com/gigset/stagerec/internal/publish"
	"github.com/gigset/stagerec/internal/session"
	"github.com/gigset/stagerec/internal/store"
	"github.com/gigset/stagerec/internal/ui"
	"github.com/gigset/stagerec/internal/upload"
)

// app bundles the configuration and backends shared by the session commands.
type app struct {
	cfg       *config.Config
	cfgPath   string
	deviceID  string
	store     *store.Store
	uploader  *upload.Client
	publisher *publish.RedisPublisher
	status    *ui.StatusLine
	live      *ui.LiveLine
	tty       bool
}

// loadConfig reads the config file named by --config and applies --server.
func loadConfig() (*config.Config, string, error) {
	path := cfgFile
	if path == "" {
		path = config.DefaultPath()
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, "", err
	}
	if serverURL != "" {
		cfg.Server = serverURL
		if err := cfg.Validate(); err != nil {
			return nil, "", err
		}
	}
	Debug("config: %s, server %s, store %s", path, cfg.Server, cfg.DBPath)
	return cfg, path, nil
}

// newApp opens the store and builds the upload client. The Redis publisher
// is attached when redis.url is configured and reachable.
func newApp(ctx context.Context) (*app, error) {
	cfg, path, err := loadConfig()
	if err != nil {
		return nil, err
	}

	deviceID, err := config.EnsureDeviceID(path, cfg)
	if err != nil {
		Debug("could not persist device id: %v", err)
	}

	st, err := store.Open(cfg.DBPath)
	if err != nil {
		return nil, err
	}

	a := &app{
		cfg:      cfg,
		cfgPath:  path,
		deviceID: deviceID,
		store:    st,
		status:   ui.NewStatusLine(os.Stdout),
		tty:      ui.IsTTY(),
	}
	a.live = ui.NewLiveLine(os.Stdout, a.tty)

	a.uploader = upload.NewClient(upload.Config{
		BaseURL:         cfg.Server,
		APIKey:          cfg.APIKey,
		DeviceID:        deviceID,
		Threshold:       cfg.Upload.ThresholdMB * 1024 * 1024,
		ChunkSize:       cfg.Upload.ChunkSizeMB * 1024 * 1024,
		MaxChunkRetries: cfg.Upload.MaxChunkRetries,
		ChunkRate:       cfg.Upload.ChunkRate,
		Timeout:         cfg.Upload.Timeout,
		LogFn:           a.logFn,
	})

	if cfg.Redis.URL != "" {
		a.publisher = connectPublisher(ctx, cfg, deviceID, a.status)
	}
	return a, nil
}

func connectPublisher(ctx context.Context, cfg *config.Config, deviceID string, sl *ui.StatusLine) *publish.RedisPublisher {
	pub, err := publish.NewRedisPublisher(publish.RedisPublisherConfig{
		RedisURL:      cfg.Redis.URL,
		RedisPassword: cfg.Redis.Password,
		DeviceID:      deviceID,
		DebugFunc:     Debug,
	})
	if err != nil {
		sl.Warning(fmt.Sprintf("Status publishing disabled: %v", err))
		return nil
	}
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := pub.Ping(pingCtx); err != nil {
		sl.Warning(fmt.Sprintf("Status publishing disabled: %v", err))
		pub.Close()
		return nil
	}
	Debug("publishing status to %s and %s", pub.PubSubChannel(), pub.StreamName())
	return pub
}

func (a *app) Close() {
	if a.publisher != nil {
		a.publisher.Close()
	}
	if err := a.store.Close(); err != nil {
		Debug("close store: %v", err)
	}
}

// logFn routes component logs: problems are shown, the rest goes to the
// debug log.
func (a *app) logFn(level, msg string) {
	switch level {
	case "error":
		a.live.Done()
		a.status.Fail(msg)
	case "warning":
		a.live.Done()
		a.status.Warning(msg)
	default:
		Debug("%s: %s", level, msg)
	}
}

func (a *app) device() *capture.Arecord {
	return capture.NewArecord(capture.ArecordConfig{
		Command: a.cfg.Capture.Command,
		Device:  a.cfg.Capture.Device,
	})
}

func (a *app) format() capture.Format {
	return capture.Format{
		SampleRate:    a.cfg.Capture.SampleRate,
		Channels:      a.cfg.Capture.Channels,
		BitsPerSample: 16,
	}
}

// controller builds a session controller reporting to the terminal and,
// when configured, to Redis.
func (a *app) controller() *session.Controller {
	sinks := []session.Sink{a.terminalSink}
	if a.publisher != nil {
		sinks = append(sinks, a.redisSink)
	}
	return session.New(session.Config{
		Device:          a.device(),
		Store:           a.store,
		Uploader:        a.uploader,
		Format:          a.format(),
		SegmentInterval: a.cfg.Capture.SegmentInterval,
		StatusInterval:  a.cfg.StatusInterval,
		Sinks:           sinks,
		LogFn:           a.logFn,
	})
}

func (a *app) terminalSink(s session.Snapshot) {
	switch s.State {
	case session.StateRecording:
		a.live.Set(ui.RecordingLine(ui.RecordingView{
			Title:    s.Title,
			Elapsed:  s.Elapsed,
			Bytes:    s.Bytes,
			Resumed:  s.Resumed,
			Degraded: s.Degraded,
		}))
	case session.StateUploading:
		a.live.Set(ui.UploadLine(s.Progress, 24))
	}
}

func (a *app) redisSink(s session.Snapshot) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := a.publisher.Publish(ctx, statusFromSnapshot(s)); err != nil {
		Debug("publish status: %v", err)
	}
}

// statusFromSnapshot converts a controller snapshot to the published form.
func statusFromSnapshot(s session.Snapshot) publish.Status {
	st := publish.Status{
		SessionID:   s.SessionID,
		Title:       s.Title,
		State:       s.State.String(),
		StartedAt:   s.StartedAt,
		ElapsedMs:   s.Elapsed.Milliseconds(),
		Segments:    s.Segments,
		Bytes:       s.Bytes,
		Resumed:     s.Resumed,
		Degraded:    s.Degraded,
		Retryable:   s.Retryable,
		RecordingID: string(s.RecordingID),
	}
	if s.Err != nil {
		st.Error = s.Err.Error()
	}
	if s.State == session.StateUploading || s.Progress.BytesTotal > 0 {
		st.Upload = &publish.Upload{
			Mode:        string(s.Progress.Mode),
			BytesSent:   s.Progress.BytesSent,
			BytesTotal:  s.Progress.BytesTotal,
			ChunksAcked: s.Progress.ChunksAcked,
			ChunksTotal: s.Progress.ChunksTotal,
			Fraction:    s.Progress.Fraction(),
		}
	}
	return st
}

// explain turns a session error into an actionable message.
func explain(err error) string {
	var serr *session.Error
	if !errors.As(err, &serr) {
		return err.Error()
	}
	sid, cause := serr.SessionID, serr.Message
	if serr.Err != nil {
		cause = serr.Err.Error()
	}
	switch serr.Kind {
	case session.KindDeviceDenied:
		return "Access to the input device was denied. Grant access (check that your user is in the audio group) and run `stagerec record` again."
	case session.KindDeviceUnavailable:
		return "No usable input device was found. Check that it is connected (`arecord -l`) and run `stagerec record` again."
	case session.KindCaptureFault:
		return fmt.Sprintf("The input device stopped delivering audio: %s", cause)
	case session.KindStorageFault:
		return fmt.Sprintf("Local storage failed: %v", err)
	case session.KindQuotaExceeded:
		return fmt.Sprintf("Your storage quota is full. The recording is kept on this machine; free up space or upgrade your plan, then run `stagerec retry --session %s`.", sid)
	case session.KindTransientTransfer:
		return fmt.Sprintf("Upload failed: %s. Your recording is safe on this machine; run `stagerec retry` to send it again.", cause)
	case session.KindRejected:
		return fmt.Sprintf("The server rejected the recording: %s. It is kept on this machine; run `stagerec retry --session %s` once the problem is fixed.", cause, sid)
	case session.KindResumeFault:
		return fmt.Sprintf("Could not resume session %s: %s. Its stored audio is kept until `stagerec gc`.", sid, cause)
	}
	return err.Error()
}
