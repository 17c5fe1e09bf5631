package cmd

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/gigset/stagerec/internal/capture/capturetest"
	"github.com/gigset/stagerec/internal/session"
	"github.com/gigset/stagerec/internal/store"
	"github.com/gigset/stagerec/internal/ui"
	"github.com/gigset/stagerec/internal/upload"
)

type timedSignal struct {
	sig os.Signal
	at  time.Duration
}

func TestWatchExit(t *testing.T) {
	tests := []struct {
		name      string
		signals   []timedSignal
		wantWarns int
		wantAbort bool
	}{
		{
			name:      "single interrupt only warns",
			signals:   []timedSignal{{syscall.SIGINT, 0}},
			wantWarns: 1,
		},
		{
			name:      "second interrupt inside window aborts",
			signals:   []timedSignal{{syscall.SIGINT, 0}, {syscall.SIGINT, 2 * time.Second}},
			wantWarns: 1,
			wantAbort: true,
		},
		{
			name:      "second interrupt after window re-arms",
			signals:   []timedSignal{{syscall.SIGINT, 0}, {syscall.SIGINT, 6 * time.Second}},
			wantWarns: 2,
		},
		{
			name:      "re-armed interrupt then quick repeat aborts",
			signals:   []timedSignal{{syscall.SIGINT, 0}, {syscall.SIGINT, 6 * time.Second}, {syscall.SIGINT, 7 * time.Second}},
			wantWarns: 2,
			wantAbort: true,
		},
		{
			name:      "terminate aborts at once",
			signals:   []timedSignal{{syscall.SIGTERM, 0}},
			wantAbort: true,
		},
		{
			name:      "terminate after a warning aborts",
			signals:   []timedSignal{{syscall.SIGINT, 0}, {syscall.SIGTERM, 30 * time.Second}},
			wantWarns: 1,
			wantAbort: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			base := time.Date(2026, 5, 1, 23, 0, 0, 0, time.UTC)
			sigs := make(chan os.Signal, len(tt.signals))
			var times []time.Time
			for _, s := range tt.signals {
				sigs <- s.sig
				times = append(times, base.Add(s.at))
			}
			close(sigs)

			now := func() time.Time {
				at := times[0]
				times = times[1:]
				return at
			}
			var warns int
			var aborted bool
			watchExit(context.Background(), sigs, abortWindow, now,
				func() { warns++ },
				func() { aborted = true })

			if warns != tt.wantWarns {
				t.Errorf("warns = %d, want %d", warns, tt.wantWarns)
			}
			if aborted != tt.wantAbort {
				t.Errorf("aborted = %v, want %v", aborted, tt.wantAbort)
			}
		})
	}
}

func TestWatchExitStopsWithContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	done := make(chan struct{})
	go func() {
		watchExit(ctx, make(chan os.Signal), abortWindow, time.Now, func() {}, func() {})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("watchExit should return once the context ends")
	}
}

func TestDeliverAbortKeepsBackup(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	if err := s.PutBackup(ctx, store.Backup{SessionID: "S1", Payload: []byte("late show audio"), Duration: time.Minute, CreatedAt: time.Now()}); err != nil {
		t.Fatalf("PutBackup: %v", err)
	}

	started := make(chan struct{}, 1)
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.Copy(io.Discard, r.Body)
		select {
		case started <- struct{}{}:
		default:
		}
		select {
		case <-r.Context().Done():
		case <-release:
		}
	}))
	t.Cleanup(srv.Close)
	t.Cleanup(func() { close(release) })

	var out bytes.Buffer
	a := &app{
		store:  s,
		status: ui.NewStatusLine(&out),
		live:   ui.NewLiveLine(&out, false),
	}
	c := session.New(session.Config{
		Device: capturetest.NewDevice(),
		Store:  s,
		Uploader: upload.NewClient(upload.Config{
			BaseURL: srv.URL,
			LogFn:   func(level, msg string) {},
		}),
		LogFn: func(level, msg string) {},
	})

	sigs := make(chan os.Signal, 2)
	go func() {
		<-started
		sigs <- syscall.SIGINT
		sigs <- syscall.SIGINT
	}()

	done := make(chan error, 1)
	go func() {
		_, err := a.deliverWith(ctx, sigs, func(ctx context.Context) (upload.Result, error) {
			return c.RetryBackup(ctx, "S1")
		})
		done <- err
	}()

	select {
	case err := <-done:
		if err == nil {
			t.Fatal("aborted upload should report an error")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("double interrupt did not abort the upload")
	}

	b, err := s.GetBackup(ctx, "S1")
	if err != nil || b == nil {
		t.Fatalf("backup after abort = %v, %v", b, err)
	}
	if string(b.Payload) != "late show audio" {
		t.Errorf("backup payload = %q", b.Payload)
	}
	if !strings.Contains(out.String(), "stays saved") {
		t.Errorf("abort warning missing from output: %q", out.String())
	}
}
