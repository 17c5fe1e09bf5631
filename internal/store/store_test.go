package store

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func tempDBPath(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "stagerec_test.db")
}

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(tempDBPath(t))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestOpenCreatesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "stagerec.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		t.Fatal("database file should exist after Open")
	}
}

func TestSegmentsRoundTripMatchesBuffer(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	base := time.Date(2026, 3, 14, 20, 0, 0, 0, time.UTC)
	var live bytes.Buffer
	for i := range 20 {
		payload := bytes.Repeat([]byte{byte(i)}, 100+i)
		live.Write(payload)
		if err := s.AppendSegment(ctx, Segment{
			SessionID:  "setlist-7",
			Seq:        int64(i),
			CapturedAt: base.Add(time.Duration(i) * time.Second),
			Payload:    payload,
		}); err != nil {
			t.Fatalf("AppendSegment(%d): %v", i, err)
		}
	}

	segments, err := s.Segments(ctx, "setlist-7")
	if err != nil {
		t.Fatalf("Segments: %v", err)
	}
	if len(segments) != 20 {
		t.Fatalf("got %d segments, want 20", len(segments))
	}
	if !bytes.Equal(Assemble(segments), live.Bytes()) {
		t.Error("assembled segments differ from the live buffer")
	}
}

func TestSegmentsOrderedBySeq(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	// The clock steps back 30s after the first segment, and rows are
	// inserted out of order. Seq alone decides the order.
	base := time.Now().UTC()
	captured := map[int]time.Time{
		0: base.Add(time.Second),
		1: base.Add(-29 * time.Second),
		2: base.Add(-28 * time.Second),
	}
	for _, i := range []int{2, 0, 1} {
		if err := s.AppendSegment(ctx, Segment{
			SessionID:  "s1",
			Seq:        int64(i),
			CapturedAt: captured[i],
			Payload:    []byte{byte('a' + i)},
		}); err != nil {
			t.Fatalf("AppendSegment: %v", err)
		}
	}

	segments, err := s.Segments(ctx, "s1")
	if err != nil {
		t.Fatalf("Segments: %v", err)
	}
	if got := string(Assemble(segments)); got != "abc" {
		t.Errorf("assembled = %q, want %q", got, "abc")
	}
	for i, seg := range segments {
		if seg.Seq != int64(i) {
			t.Errorf("segments[%d].Seq = %d", i, seg.Seq)
		}
		if want := fmt.Sprintf("s1-%d", i); seg.ID() != want {
			t.Errorf("segments[%d].ID() = %q, want %q", i, seg.ID(), want)
		}
		if !seg.CapturedAt.Equal(captured[i]) {
			t.Errorf("segments[%d].CapturedAt = %v, want %v", i, seg.CapturedAt, captured[i])
		}
	}
}

func TestNextSeq(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if n, err := s.NextSeq(ctx, "s1"); err != nil || n != 0 {
		t.Fatalf("NextSeq on empty session = %d, %v", n, err)
	}

	base := time.Now().UTC()
	for i, seq := range []int64{0, 1, 4} {
		// Later seqs carry earlier timestamps.
		at := base.Add(-time.Duration(i) * time.Minute)
		if err := s.AppendSegment(ctx, Segment{SessionID: "s1", Seq: seq, CapturedAt: at, Payload: []byte("x")}); err != nil {
			t.Fatalf("AppendSegment: %v", err)
		}
	}
	if n, err := s.NextSeq(ctx, "s1"); err != nil || n != 5 {
		t.Errorf("NextSeq = %d, %v, want 5", n, err)
	}
	if n, err := s.NextSeq(ctx, "other"); err != nil || n != 0 {
		t.Errorf("NextSeq(other) = %d, %v, want 0", n, err)
	}
}

func TestCommitBackup(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	start := time.Date(2026, 5, 1, 21, 30, 0, 0, time.UTC)
	for i := range 3 {
		if err := s.AppendSegment(ctx, Segment{SessionID: "s1", Seq: int64(i), CapturedAt: start, Payload: []byte("x")}); err != nil {
			t.Fatalf("AppendSegment: %v", err)
		}
	}
	if err := s.SetMarker(ctx, Marker{SessionID: "s1", StartedAt: start, Status: MarkerRecording}); err != nil {
		t.Fatalf("SetMarker: %v", err)
	}

	err := s.CommitBackup(ctx,
		Backup{SessionID: "s1", Payload: []byte("xxx"), Duration: 3 * time.Second},
		Marker{SessionID: "s1", StartedAt: start, Status: MarkerProcessing})
	if err != nil {
		t.Fatalf("CommitBackup: %v", err)
	}

	if b, _ := s.GetBackup(ctx, "s1"); b == nil || string(b.Payload) != "xxx" {
		t.Errorf("backup = %+v", b)
	}
	if m, _ := s.GetMarker(ctx); m == nil || m.Status != MarkerProcessing {
		t.Errorf("marker = %+v", m)
	}
	if n, _ := s.CountSegments(ctx, "s1"); n != 0 {
		t.Errorf("segments = %d, want 0", n)
	}
}

func TestCommitBackupIsAtomic(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	start := time.Now().UTC()
	if err := s.AppendSegment(ctx, Segment{SessionID: "s1", Seq: 0, CapturedAt: start, Payload: []byte("x")}); err != nil {
		t.Fatalf("AppendSegment: %v", err)
	}
	// Make the marker write fail inside the transaction.
	if _, err := s.db.Exec(`DROP TABLE session_marker`); err != nil {
		t.Fatalf("drop marker table: %v", err)
	}

	err := s.CommitBackup(ctx,
		Backup{SessionID: "s1", Payload: []byte("x")},
		Marker{SessionID: "s1", StartedAt: start, Status: MarkerProcessing})
	if err == nil {
		t.Fatal("CommitBackup should fail when the marker cannot be written")
	}
	if b, _ := s.GetBackup(ctx, "s1"); b != nil {
		t.Error("backup must be rolled back")
	}
	if n, _ := s.CountSegments(ctx, "s1"); n != 1 {
		t.Errorf("segments = %d, want 1 kept", n)
	}
}

func TestAppendSegmentIdempotent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	seg := Segment{SessionID: "s1", Seq: 0, CapturedAt: time.Now(), Payload: []byte("first")}
	if err := s.AppendSegment(ctx, seg); err != nil {
		t.Fatalf("AppendSegment: %v", err)
	}
	seg.Payload = []byte("second")
	if err := s.AppendSegment(ctx, seg); err != nil {
		t.Fatalf("AppendSegment (replay): %v", err)
	}

	segments, err := s.Segments(ctx, "s1")
	if err != nil {
		t.Fatalf("Segments: %v", err)
	}
	if len(segments) != 1 {
		t.Fatalf("got %d segments, want 1", len(segments))
	}
	if string(segments[0].Payload) != "first" {
		t.Errorf("payload = %q, want %q", segments[0].Payload, "first")
	}
}

func TestDeleteSegmentsScopedToSession(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	for _, id := range []string{"old", "new"} {
		for i := range 3 {
			if err := s.AppendSegment(ctx, Segment{SessionID: id, Seq: int64(i), CapturedAt: time.Now(), Payload: []byte("x")}); err != nil {
				t.Fatalf("AppendSegment: %v", err)
			}
		}
	}

	n, err := s.DeleteSegments(ctx, "old")
	if err != nil {
		t.Fatalf("DeleteSegments: %v", err)
	}
	if n != 3 {
		t.Errorf("deleted %d, want 3", n)
	}

	if c, _ := s.CountSegments(ctx, "old"); c != 0 {
		t.Errorf("old has %d segments after delete", c)
	}
	if c, _ := s.CountSegments(ctx, "new"); c != 3 {
		t.Errorf("new has %d segments, want 3", c)
	}
}

func TestOrphanedSessions(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	for _, id := range []string{"a", "b", "live"} {
		if err := s.AppendSegment(ctx, Segment{SessionID: id, Seq: 0, CapturedAt: time.Now(), Payload: []byte("x")}); err != nil {
			t.Fatalf("AppendSegment: %v", err)
		}
	}

	ids, err := s.OrphanedSessions(ctx, "live")
	if err != nil {
		t.Fatalf("OrphanedSessions: %v", err)
	}
	if len(ids) != 2 || ids[0] != "a" || ids[1] != "b" {
		t.Errorf("OrphanedSessions = %v, want [a b]", ids)
	}
}

func TestBackupLifecycle(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	got, err := s.GetBackup(ctx, "s1")
	if err != nil {
		t.Fatalf("GetBackup: %v", err)
	}
	if got != nil {
		t.Fatal("expected no backup before put")
	}

	want := Backup{
		SessionID:     "s1",
		Payload:       []byte("full recording"),
		Duration:      3 * time.Second,
		AttributionID: "band-3",
		CreatedAt:     time.Now().UTC().Truncate(time.Millisecond),
	}
	if err := s.PutBackup(ctx, want); err != nil {
		t.Fatalf("PutBackup: %v", err)
	}

	got, err = s.GetBackup(ctx, "s1")
	if err != nil {
		t.Fatalf("GetBackup: %v", err)
	}
	if got == nil {
		t.Fatal("expected backup after put")
	}
	if !bytes.Equal(got.Payload, want.Payload) {
		t.Errorf("payload = %q, want %q", got.Payload, want.Payload)
	}
	if got.Duration != want.Duration {
		t.Errorf("duration = %v, want %v", got.Duration, want.Duration)
	}
	if got.AttributionID != "band-3" {
		t.Errorf("attribution = %q", got.AttributionID)
	}
	if !got.CreatedAt.Equal(want.CreatedAt) {
		t.Errorf("created = %v, want %v", got.CreatedAt, want.CreatedAt)
	}

	infos, err := s.ListBackups(ctx)
	if err != nil {
		t.Fatalf("ListBackups: %v", err)
	}
	if len(infos) != 1 || infos[0].Size != int64(len(want.Payload)) {
		t.Errorf("ListBackups = %+v", infos)
	}

	if err := s.DeleteBackup(ctx, "s1"); err != nil {
		t.Fatalf("DeleteBackup: %v", err)
	}
	if got, _ := s.GetBackup(ctx, "s1"); got != nil {
		t.Error("backup should be gone after delete")
	}
	if err := s.DeleteBackup(ctx, "s1"); err != nil {
		t.Errorf("second DeleteBackup: %v", err)
	}
}

func TestPutBackupReplaces(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	for _, payload := range []string{"one", "two"} {
		if err := s.PutBackup(ctx, Backup{SessionID: "s1", Payload: []byte(payload)}); err != nil {
			t.Fatalf("PutBackup: %v", err)
		}
	}

	infos, err := s.ListBackups(ctx)
	if err != nil {
		t.Fatalf("ListBackups: %v", err)
	}
	if len(infos) != 1 {
		t.Fatalf("got %d backups, want 1", len(infos))
	}
	b, _ := s.GetBackup(ctx, "s1")
	if string(b.Payload) != "two" {
		t.Errorf("payload = %q, want %q", b.Payload, "two")
	}
}

func TestMarkerSingleton(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if m, err := s.GetMarker(ctx); err != nil || m != nil {
		t.Fatalf("GetMarker on empty store = %v, %v", m, err)
	}

	start := time.Date(2026, 5, 1, 21, 30, 0, 0, time.UTC)
	if err := s.SetMarker(ctx, Marker{SessionID: "s1", Title: "Opening night", StartedAt: start, Status: MarkerRecording}); err != nil {
		t.Fatalf("SetMarker: %v", err)
	}
	if err := s.SetMarker(ctx, Marker{SessionID: "s2", Title: "Encore", StartedAt: start.Add(time.Hour), Status: MarkerProcessing}); err != nil {
		t.Fatalf("SetMarker: %v", err)
	}

	var rows int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM session_marker`).Scan(&rows); err != nil {
		t.Fatalf("count markers: %v", err)
	}
	if rows != 1 {
		t.Errorf("marker rows = %d, want 1", rows)
	}

	m, err := s.GetMarker(ctx)
	if err != nil {
		t.Fatalf("GetMarker: %v", err)
	}
	if m.SessionID != "s2" || m.Title != "Encore" || m.Status != MarkerProcessing {
		t.Errorf("marker = %+v", m)
	}
	if !m.StartedAt.Equal(start.Add(time.Hour)) {
		t.Errorf("StartedAt = %v", m.StartedAt)
	}

	if err := s.ClearMarker(ctx); err != nil {
		t.Fatalf("ClearMarker: %v", err)
	}
	if m, _ := s.GetMarker(ctx); m != nil {
		t.Error("marker should be cleared")
	}
}

func TestMarkerSurvivesReopen(t *testing.T) {
	path := tempDBPath(t)
	ctx := context.Background()

	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	start := time.Now().UTC()
	if err := s.SetMarker(ctx, Marker{SessionID: "s1", StartedAt: start, Status: MarkerRecording}); err != nil {
		t.Fatalf("SetMarker: %v", err)
	}
	if err := s.AppendSegment(ctx, Segment{SessionID: "s1", Seq: 0, CapturedAt: start, Payload: []byte("x")}); err != nil {
		t.Fatalf("AppendSegment: %v", err)
	}
	s.Close()

	reopened, err := Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()

	m, err := reopened.GetMarker(ctx)
	if err != nil || m == nil {
		t.Fatalf("GetMarker after reopen = %v, %v", m, err)
	}
	if !m.StartedAt.Equal(start) {
		t.Errorf("StartedAt = %v, want %v", m.StartedAt, start)
	}
	if n, _ := reopened.CountSegments(ctx, "s1"); n != 1 {
		t.Errorf("segments after reopen = %d, want 1", n)
	}
}
