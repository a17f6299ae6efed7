package store

import (
	"context"
	"database/sql"
	"database/sql/driver"
	_ "embed"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/lib/pq"
)

//go:embed schema.sql
var schemaSQL string

// Retry policy for transient failures: 100ms base doubling up to 5s,
// three attempts total. Anything non-transient fails immediately.
const (
	retryBase     = 100 * time.Millisecond
	retryCap      = 5 * time.Second
	retryAttempts = 3
)

// PostgresStore implements Store on top of PostgreSQL via lib/pq.
type PostgresStore struct {
	db              *sql.DB
	maxParticipants int
}

// Ensure PostgresStore implements Store
var _ Store = (*PostgresStore)(nil)

// NewPostgresStore connects, verifies the connection and applies the
// embedded schema.
func NewPostgresStore(ctx context.Context, databaseURL string, maxParticipants int) (*PostgresStore, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	s := &PostgresStore{db: db, maxParticipants: maxParticipants}

	if _, err := withRetry(ctx, func() (struct{}, error) {
		return struct{}{}, db.PingContext(ctx)
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to reach database: %w", err)
	}

	if _, err := db.ExecContext(ctx, schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	slog.Info("[Store] connected to PostgreSQL, schema applied")
	return s, nil
}

const sessionColumns = "id, name, creator_id, created_at, expires_at, last_activity, is_active"

func (s *PostgresStore) CreateSession(ctx context.Context, p CreateSessionParams) (*SessionRecord, error) {
	return withRetry(ctx, func() (*SessionRecord, error) {
		row := s.db.QueryRowContext(ctx,
			`INSERT INTO sessions (id, name, creator_id, expires_at)
			 VALUES ($1, $2, $3, $4)
			 RETURNING `+sessionColumns,
			p.ID, p.Name, p.CreatorID, p.ExpiresAt)

		rec, err := scanSession(row)
		if err != nil {
			return nil, fmt.Errorf("failed to create session: %w", err)
		}
		slog.Debug("[Store] created session", "session_id", rec.ID, "expires_at", rec.ExpiresAt)
		return rec, nil
	})
}

func (s *PostgresStore) GetSession(ctx context.Context, sessionID string) (*SessionRecord, error) {
	return withRetry(ctx, func() (*SessionRecord, error) {
		row := s.db.QueryRowContext(ctx,
			`SELECT `+sessionColumns+` FROM sessions WHERE id = $1`, sessionID)

		rec, err := scanSession(row)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrSessionNotFound
		}
		if err != nil {
			return nil, fmt.Errorf("failed to get session: %w", err)
		}
		return rec, nil
	})
}

func (s *PostgresStore) EndSession(ctx context.Context, sessionID string) error {
	_, err := withRetry(ctx, func() (struct{}, error) {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return struct{}{}, fmt.Errorf("failed to begin transaction: %w", err)
		}
		defer tx.Rollback()

		res, err := tx.ExecContext(ctx,
			`UPDATE sessions SET is_active = FALSE WHERE id = $1 AND is_active = TRUE`, sessionID)
		if err != nil {
			return struct{}{}, fmt.Errorf("failed to end session: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return struct{}{}, fmt.Errorf("failed to read rows affected: %w", err)
		}
		if n == 0 {
			var exists bool
			if err := tx.QueryRowContext(ctx,
				`SELECT EXISTS(SELECT 1 FROM sessions WHERE id = $1)`, sessionID).Scan(&exists); err != nil {
				return struct{}{}, fmt.Errorf("failed to check session existence: %w", err)
			}
			if !exists {
				return struct{}{}, ErrSessionNotFound
			}
			return struct{}{}, ErrSessionEnded
		}

		if _, err := tx.ExecContext(ctx,
			`UPDATE participants SET is_active = FALSE WHERE session_id = $1`, sessionID); err != nil {
			return struct{}{}, fmt.Errorf("failed to retire participants: %w", err)
		}

		if err := tx.Commit(); err != nil {
			return struct{}{}, fmt.Errorf("failed to commit: %w", err)
		}
		slog.Debug("[Store] ended session", "session_id", sessionID)
		return struct{}{}, nil
	})
	return err
}

func (s *PostgresStore) TouchSession(ctx context.Context, sessionID string) error {
	_, err := withRetry(ctx, func() (struct{}, error) {
		_, err := s.db.ExecContext(ctx,
			`UPDATE sessions SET last_activity = NOW() WHERE id = $1`, sessionID)
		if err != nil {
			return struct{}{}, fmt.Errorf("failed to touch session: %w", err)
		}
		return struct{}{}, nil
	})
	return err
}

func (s *PostgresStore) ListActiveSessions(ctx context.Context) ([]*SessionSummary, error) {
	return withRetry(ctx, func() ([]*SessionSummary, error) {
		rows, err := s.db.QueryContext(ctx,
			`SELECT s.id, s.name, s.creator_id, s.created_at, s.expires_at, s.last_activity, s.is_active,
			        COUNT(p.id) FILTER (WHERE p.is_active) AS participant_count
			 FROM sessions s
			 LEFT JOIN participants p ON p.session_id = s.id
			 WHERE s.is_active = TRUE
			 GROUP BY s.id
			 ORDER BY s.created_at DESC`)
		if err != nil {
			return nil, fmt.Errorf("failed to list sessions: %w", err)
		}
		defer rows.Close()

		var out []*SessionSummary
		for rows.Next() {
			var sum SessionSummary
			if err := rows.Scan(&sum.ID, &sum.Name, &sum.CreatorID, &sum.CreatedAt,
				&sum.ExpiresAt, &sum.LastActivity, &sum.IsActive, &sum.ParticipantCount); err != nil {
				return nil, fmt.Errorf("failed to scan session summary: %w", err)
			}
			out = append(out, &sum)
		}
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("failed to iterate sessions: %w", err)
		}
		return out, nil
	})
}

const participantColumns = "id, session_id, user_id, display_name, avatar_color, joined_at, last_seen, is_active"

func (s *PostgresStore) CreateParticipant(ctx context.Context, p CreateParticipantParams) (*ParticipantRecord, error) {
	return withRetry(ctx, func() (*ParticipantRecord, error) {
		var count int
		if err := s.db.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM participants WHERE session_id = $1 AND is_active = TRUE`,
			p.SessionID).Scan(&count); err != nil {
			return nil, fmt.Errorf("failed to count participants: %w", err)
		}
		if count >= s.maxParticipants {
			return nil, ErrSessionFull
		}

		row := s.db.QueryRowContext(ctx,
			`INSERT INTO participants (session_id, user_id, display_name, avatar_color)
			 VALUES ($1, $2, $3, $4)
			 RETURNING `+participantColumns,
			p.SessionID, p.UserID, p.DisplayName, p.AvatarColor)

		rec, err := scanParticipant(row)
		if err != nil {
			if mapped := mapUniqueViolation(err); mapped != nil {
				return nil, mapped
			}
			return nil, fmt.Errorf("failed to create participant: %w", err)
		}
		slog.Debug("[Store] created participant", "session_id", rec.SessionID, "user_id", rec.UserID)
		return rec, nil
	})
}

func (s *PostgresStore) GetParticipant(ctx context.Context, sessionID, userID string) (*ParticipantRecord, error) {
	return withRetry(ctx, func() (*ParticipantRecord, error) {
		row := s.db.QueryRowContext(ctx,
			`SELECT `+participantColumns+`
			 FROM participants
			 WHERE session_id = $1 AND user_id = $2 AND is_active = TRUE`,
			sessionID, userID)

		rec, err := scanParticipant(row)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrParticipantNotFound
		}
		if err != nil {
			return nil, fmt.Errorf("failed to get participant: %w", err)
		}
		return rec, nil
	})
}

func (s *PostgresStore) ListParticipants(ctx context.Context, sessionID string) ([]*ParticipantRecord, error) {
	return withRetry(ctx, func() ([]*ParticipantRecord, error) {
		rows, err := s.db.QueryContext(ctx,
			`SELECT `+participantColumns+`
			 FROM participants
			 WHERE session_id = $1 AND is_active = TRUE
			 ORDER BY joined_at ASC`, sessionID)
		if err != nil {
			return nil, fmt.Errorf("failed to list participants: %w", err)
		}
		defer rows.Close()

		var out []*ParticipantRecord
		for rows.Next() {
			rec, err := scanParticipant(rows)
			if err != nil {
				return nil, fmt.Errorf("failed to scan participant: %w", err)
			}
			out = append(out, rec)
		}
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("failed to iterate participants: %w", err)
		}
		return out, nil
	})
}

func (s *PostgresStore) MarkParticipantInactive(ctx context.Context, sessionID, userID string) error {
	_, err := withRetry(ctx, func() (struct{}, error) {
		res, err := s.db.ExecContext(ctx,
			`UPDATE participants SET is_active = FALSE
			 WHERE session_id = $1 AND user_id = $2 AND is_active = TRUE`,
			sessionID, userID)
		if err != nil {
			return struct{}{}, fmt.Errorf("failed to retire participant: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return struct{}{}, fmt.Errorf("failed to read rows affected: %w", err)
		}
		if n == 0 {
			return struct{}{}, ErrParticipantNotFound
		}
		return struct{}{}, nil
	})
	return err
}

func (s *PostgresStore) TouchParticipant(ctx context.Context, sessionID, userID string) error {
	_, err := withRetry(ctx, func() (struct{}, error) {
		_, err := s.db.ExecContext(ctx,
			`UPDATE participants SET last_seen = NOW()
			 WHERE session_id = $1 AND user_id = $2`, sessionID, userID)
		if err != nil {
			return struct{}{}, fmt.Errorf("failed to touch participant: %w", err)
		}
		return struct{}{}, nil
	})
	return err
}

func (s *PostgresStore) CountActiveParticipants(ctx context.Context, sessionID string) (int, error) {
	return withRetry(ctx, func() (int, error) {
		var count int
		err := s.db.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM participants WHERE session_id = $1 AND is_active = TRUE`,
			sessionID).Scan(&count)
		if err != nil {
			return 0, fmt.Errorf("failed to count participants: %w", err)
		}
		return count, nil
	})
}

func (s *PostgresStore) ListExpiredSessions(ctx context.Context, inactivity time.Duration) ([]string, error) {
	return withRetry(ctx, func() ([]string, error) {
		rows, err := s.db.QueryContext(ctx,
			`SELECT id FROM sessions
			 WHERE is_active = TRUE
			   AND (expires_at < NOW()
			    OR (last_activity < NOW() - ($1 * INTERVAL '1 second')
			        AND NOT EXISTS (
			            SELECT 1 FROM participants
			            WHERE participants.session_id = sessions.id
			              AND participants.is_active = TRUE
			              AND participants.last_seen > NOW() - ($1 * INTERVAL '1 second'))))`,
			int64(inactivity.Seconds()))
		if err != nil {
			return nil, fmt.Errorf("failed to list expired sessions: %w", err)
		}
		defer rows.Close()

		var ids []string
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				return nil, fmt.Errorf("failed to scan session id: %w", err)
			}
			ids = append(ids, id)
		}
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("failed to iterate sessions: %w", err)
		}
		return ids, nil
	})
}

func (s *PostgresStore) ListInactiveParticipants(ctx context.Context, cutoff time.Time) ([]ParticipantRef, error) {
	return withRetry(ctx, func() ([]ParticipantRef, error) {
		rows, err := s.db.QueryContext(ctx,
			`SELECT session_id, user_id FROM participants
			 WHERE is_active = TRUE AND last_seen < $1`, cutoff)
		if err != nil {
			return nil, fmt.Errorf("failed to list inactive participants: %w", err)
		}
		defer rows.Close()

		var refs []ParticipantRef
		for rows.Next() {
			var ref ParticipantRef
			if err := rows.Scan(&ref.SessionID, &ref.UserID); err != nil {
				return nil, fmt.Errorf("failed to scan participant ref: %w", err)
			}
			refs = append(refs, ref)
		}
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("failed to iterate participants: %w", err)
		}
		return refs, nil
	})
}

func (s *PostgresStore) Stats(ctx context.Context) (*Stats, error) {
	return withRetry(ctx, func() (*Stats, error) {
		var st Stats
		err := s.db.QueryRowContext(ctx,
			`SELECT
			    (SELECT COUNT(*) FROM sessions WHERE is_active = TRUE),
			    (SELECT COUNT(*) FROM sessions),
			    (SELECT COUNT(*) FROM participants WHERE is_active = TRUE),
			    (SELECT COUNT(*) FROM participants)`).
			Scan(&st.ActiveSessions, &st.TotalSessions, &st.ActiveParticipants, &st.TotalParticipants)
		if err != nil {
			return nil, fmt.Errorf("failed to read stats: %w", err)
		}
		return &st, nil
	})
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}

// scanner covers both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanSession(row scanner) (*SessionRecord, error) {
	var rec SessionRecord
	err := row.Scan(&rec.ID, &rec.Name, &rec.CreatorID, &rec.CreatedAt,
		&rec.ExpiresAt, &rec.LastActivity, &rec.IsActive)
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func scanParticipant(row scanner) (*ParticipantRecord, error) {
	var rec ParticipantRecord
	err := row.Scan(&rec.ID, &rec.SessionID, &rec.UserID, &rec.DisplayName,
		&rec.AvatarColor, &rec.JoinedAt, &rec.LastSeen, &rec.IsActive)
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// mapUniqueViolation translates constraint violations into sentinels.
func mapUniqueViolation(err error) error {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) || pqErr.Code != "23505" {
		return nil
	}
	switch pqErr.Constraint {
	case "participants_session_user_key":
		return ErrDuplicateUser
	case "participants_display_name_live_idx":
		return ErrDuplicateName
	}
	return ErrDuplicateUser
}

// isTransient reports whether an error is worth retrying: connection
// drops, admin shutdowns, serialization failures and deadlocks.
func isTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, io.EOF) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		code := string(pqErr.Code)
		return strings.HasPrefix(code, "08") || code == "57P01" || code == "40001" || code == "40P01"
	}
	return false
}

// withRetry runs op under the gateway retry policy. Business errors
// pass through untouched on the first attempt.
func withRetry[T any](ctx context.Context, op func() (T, error)) (T, error) {
	run := func() (T, error) {
		v, err := op()
		if err != nil && !isTransient(err) {
			return v, backoff.Permanent(err)
		}
		return v, err
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = retryBase
	b.Multiplier = 2
	b.MaxInterval = retryCap

	return backoff.Retry(ctx, run, backoff.WithBackOff(b), backoff.WithMaxTries(retryAttempts))
}
