package store

import (
	"bytes"
	"context"
	"fmt"
)

// AppendSegment stores a segment. Re-appending the same (session, seq) is a no-op.
func (s *Store) AppendSegment(ctx context.Context, seg Segment) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO segments (session_id, seq, captured_at, payload)
		VALUES (?, ?, ?, ?)`,
		seg.SessionID, seg.Seq, toUnixNano(seg.CapturedAt), seg.Payload,
	)
	if err != nil {
		return fmt.Errorf("append segment %s: %w", seg.ID(), err)
	}
	return nil
}

// Segments returns every segment of a session in capture order (by seq).
// Timestamps are informational; the wall clock may step backwards mid-session.
func (s *Store) Segments(ctx context.Context, sessionID string) ([]Segment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT session_id, seq, captured_at, payload
		FROM segments
		WHERE session_id = ?
		ORDER BY seq ASC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query segments: %w", err)
	}
	defer rows.Close()

	var segments []Segment
	for rows.Next() {
		var seg Segment
		var capturedAt int64
		if err := rows.Scan(&seg.SessionID, &seg.Seq, &capturedAt, &seg.Payload); err != nil {
			return nil, fmt.Errorf("scan segment: %w", err)
		}
		seg.CapturedAt = fromUnixNano(capturedAt)
		segments = append(segments, seg)
	}
	return segments, rows.Err()
}

// NextSeq returns one past the highest stored seq of a session, or 0 if it has none.
func (s *Store) NextSeq(ctx context.Context, sessionID string) (int64, error) {
	var next int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq) + 1, 0) FROM segments WHERE session_id = ?`, sessionID).Scan(&next)
	if err != nil {
		return 0, fmt.Errorf("next seq: %w", err)
	}
	return next, nil
}

// DeleteSegments removes all segments of a session and reports how many were removed.
func (s *Store) DeleteSegments(ctx context.Context, sessionID string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM segments WHERE session_id = ?`, sessionID)
	if err != nil {
		return 0, fmt.Errorf("delete segments: %w", err)
	}
	return res.RowsAffected()
}

// CountSegments returns the number of stored segments for a session.
func (s *Store) CountSegments(ctx context.Context, sessionID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM segments WHERE session_id = ?`, sessionID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count segments: %w", err)
	}
	return n, nil
}

// OrphanedSessions returns session ids that still have segments but are not keep.
func (s *Store) OrphanedSessions(ctx context.Context, keep string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT session_id FROM segments
		WHERE session_id != ?
		ORDER BY session_id`, keep)
	if err != nil {
		return nil, fmt.Errorf("query orphaned sessions: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan session id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Assemble concatenates segment payloads in order.
func Assemble(segments []Segment) []byte {
	var size int
	for _, seg := range segments {
		size += len(seg.Payload)
	}
	var buf bytes.Buffer
	buf.Grow(size)
	for _, seg := range segments {
		buf.Write(seg.Payload)
	}
	return buf.Bytes()
}
