package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// SetMarker writes the session marker, replacing whatever marker was there.
func (s *Store) SetMarker(ctx context.Context, m Marker) error {
	return setMarker(ctx, s.db, m)
}

func setMarker(ctx context.Context, ex execer, m Marker) error {
	_, err := ex.ExecContext(ctx, `
		INSERT INTO session_marker (id, session_id, title, started_at, status)
		VALUES (1, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			session_id = excluded.session_id,
			title = excluded.title,
			started_at = excluded.started_at,
			status = excluded.status`,
		m.SessionID, m.Title, toUnixNano(m.StartedAt), string(m.Status),
	)
	if err != nil {
		return fmt.Errorf("set marker: %w", err)
	}
	return nil
}

// GetMarker returns the session marker, or nil if no session is in progress.
func (s *Store) GetMarker(ctx context.Context) (*Marker, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT session_id, title, started_at, status
		FROM session_marker WHERE id = 1`)

	var m Marker
	var startedAt int64
	var status string
	if err := row.Scan(&m.SessionID, &m.Title, &startedAt, &status); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan marker: %w", err)
	}
	m.StartedAt = fromUnixNano(startedAt)
	m.Status = MarkerStatus(status)
	return &m, nil
}

// ClearMarker removes the session marker.
func (s *Store) ClearMarker(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM session_marker WHERE id = 1`); err != nil {
		return fmt.Errorf("clear marker: %w", err)
	}
	return nil
}
