// Package postgres хранит сессию консоли в PostgreSQL (таблица console_sessions,
// одна строка на профиль). Переживает перезапуск хоста.
package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pribylovaa/examprep-console/internal/session"
)

// ErrNotMigrated — таблица console_sessions отсутствует (миграции не применены).
var ErrNotMigrated = errors.New("session table missing")

type Store struct {
	db      *pgxpool.Pool
	profile string
}

// New создает пул соединений и проверяет доступность БД.
func New(ctx context.Context, dbURL, profile string) (*Store, error) {
	const op = "session.postgres.New"

	config, err := pgxpool.ParseConfig(dbURL)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	db, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	if err := db.Ping(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	if profile == "" {
		profile = "default"
	}

	return &Store{db: db, profile: profile}, nil
}

// Close закрывает пул соединений.
func (s *Store) Close() {
	s.db.Close()
}

func (s *Store) Get(ctx context.Context) (session.Session, error) {
	const op = "session.postgres.Get"

	query := `
        SELECT access_token, refresh_token, user_id, expires_at
        FROM console_sessions
        WHERE profile = $1
    `

	var out session.Session
	err := s.db.QueryRow(ctx, query, s.profile).Scan(
		&out.AccessToken,
		&out.RefreshToken,
		&out.UserID,
		&out.ExpiresAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return session.Session{}, session.ErrNotFound
		}

		return session.Session{}, fmt.Errorf("%s: %w", op, mapErr(err))
	}

	out.ExpiresAt = out.ExpiresAt.UTC()

	return out, nil
}

// Set — upsert одной строки: замена сессии атомарна.
func (s *Store) Set(ctx context.Context, sess session.Session) error {
	const op = "session.postgres.Set"

	query := `
        INSERT INTO console_sessions(profile, access_token, refresh_token, user_id, expires_at, updated_at)
        VALUES ($1, $2, $3, $4, $5, now())
        ON CONFLICT (profile) DO UPDATE SET
            access_token  = EXCLUDED.access_token,
            refresh_token = EXCLUDED.refresh_token,
            user_id       = EXCLUDED.user_id,
            expires_at    = EXCLUDED.expires_at,
            updated_at    = now()
    `

	_, err := s.db.Exec(ctx, query,
		s.profile,
		sess.AccessToken,
		sess.RefreshToken,
		sess.UserID,
		sess.ExpiresAt,
	)
	if err != nil {
		return fmt.Errorf("%s: %w", op, mapErr(err))
	}

	return nil
}

func (s *Store) Clear(ctx context.Context) error {
	const op = "session.postgres.Clear"

	if _, err := s.db.Exec(ctx, `DELETE FROM console_sessions WHERE profile = $1`, s.profile); err != nil {
		return fmt.Errorf("%s: %w", op, mapErr(err))
	}

	return nil
}

func mapErr(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UndefinedTable {
		return fmt.Errorf("%w: %s", ErrNotMigrated, pgErr.Message)
	}

	return err
}

var _ session.Store = (*Store)(nil)
