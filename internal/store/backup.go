package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// execer is satisfied by *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// PutBackup writes the backup for a session, replacing any previous one.
func (s *Store) PutBackup(ctx context.Context, b Backup) error {
	return putBackup(ctx, s.db, b)
}

// CommitBackup writes the backup, points the marker at it with m and drops
// the session's segments in one transaction. Either all three happen or none.
func (s *Store) CommitBackup(ctx context.Context, b Backup, m Marker) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin commit backup: %w", err)
	}
	defer tx.Rollback()

	if err := putBackup(ctx, tx, b); err != nil {
		return err
	}
	if err := setMarker(ctx, tx, m); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM segments WHERE session_id = ?`, b.SessionID); err != nil {
		return fmt.Errorf("delete segments: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit backup %s: %w", b.SessionID, err)
	}
	return nil
}

func putBackup(ctx context.Context, ex execer, b Backup) error {
	createdAt := b.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	_, err := ex.ExecContext(ctx, `
		INSERT INTO backups (session_id, payload, duration_ms, attribution_id, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET
			payload = excluded.payload,
			duration_ms = excluded.duration_ms,
			attribution_id = excluded.attribution_id,
			created_at = excluded.created_at`,
		b.SessionID, b.Payload, b.Duration.Milliseconds(), b.AttributionID, toUnixNano(createdAt),
	)
	if err != nil {
		return fmt.Errorf("put backup %s: %w", b.SessionID, err)
	}
	return nil
}

// GetBackup returns the backup for a session, or nil if there is none.
func (s *Store) GetBackup(ctx context.Context, sessionID string) (*Backup, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT session_id, payload, duration_ms, attribution_id, created_at
		FROM backups WHERE session_id = ?`, sessionID)

	var b Backup
	var durationMs, createdAt int64
	if err := row.Scan(&b.SessionID, &b.Payload, &durationMs, &b.AttributionID, &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan backup: %w", err)
	}
	b.Duration = time.Duration(durationMs) * time.Millisecond
	b.CreatedAt = fromUnixNano(createdAt)
	return &b, nil
}

// DeleteBackup removes the backup for a session. Deleting a missing backup is not an error.
func (s *Store) DeleteBackup(ctx context.Context, sessionID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM backups WHERE session_id = ?`, sessionID); err != nil {
		return fmt.Errorf("delete backup %s: %w", sessionID, err)
	}
	return nil
}

// ListBackups describes every stored backup, oldest first.
func (s *Store) ListBackups(ctx context.Context) ([]BackupInfo, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT session_id, length(payload), duration_ms, created_at
		FROM backups
		ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("query backups: %w", err)
	}
	defer rows.Close()

	var infos []BackupInfo
	for rows.Next() {
		var info BackupInfo
		var durationMs, createdAt int64
		if err := rows.Scan(&info.SessionID, &info.Size, &durationMs, &createdAt); err != nil {
			return nil, fmt.Errorf("scan backup info: %w", err)
		}
		info.Duration = time.Duration(durationMs) * time.Millisecond
		info.CreatedAt = fromUnixNano(createdAt)
		infos = append(infos, info)
	}
	return infos, rows.Err()
}
