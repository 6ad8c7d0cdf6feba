// Package noncestore implements replay defence for CI-authenticated
// requests (spec.md §4.C): single-use nonces with a fixed TTL,
// Postgres-backed for durability with an optional Redis fast-path
// cache for the hot accept check.
package noncestore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// ErrReplay is returned by Accept when the nonce has already been
// seen for the workspace, regardless of whether it has expired.
var ErrReplay = errors.New("noncestore: nonce replay detected")

// Store persists and checks CI nonces. A nil cache is valid: every
// Accept then falls through to Postgres.
type Store struct {
	db     *sql.DB
	cache  *redis.Client
	logger *zap.Logger
}

// New builds a Store. cache may be nil to disable the Redis
// fast-path.
func New(db *sql.DB, cache *redis.Client, logger *zap.Logger) *Store {
	return &Store{db: db, cache: cache, logger: logger}
}

func cacheKey(workspaceID, nonce string) string {
	return fmt.Sprintf("noncestore:%s:%s", workspaceID, nonce)
}

// Accept atomically inserts (workspace, nonce) if absent; an
// already-present row — used or not, expired or not — yields
// ErrReplay. ttl is fixed at the CI window (5 minutes per spec.md).
func (s *Store) Accept(ctx context.Context, workspaceID, nonce string, ttl time.Duration) error {
	if s.cache != nil {
		seen, err := s.cache.Exists(ctx, cacheKey(workspaceID, nonce)).Result()
		if err == nil && seen > 0 {
			return ErrReplay
		}
	}

	expiresAt := time.Now().Add(ttl)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO ci_nonces (workspace_id, nonce, created_at, expires_at, used)
		VALUES ($1, $2, now(), $3, true)
	`, workspaceID, nonce, expiresAt)

	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrReplay
		}
		return fmt.Errorf("noncestore: failed to accept nonce: %w", err)
	}

	if s.cache != nil {
		if cacheErr := s.cache.Set(ctx, cacheKey(workspaceID, nonce), "1", ttl).Err(); cacheErr != nil && s.logger != nil {
			s.logger.Warn("noncestore: failed to populate cache", zap.Error(cacheErr))
		}
	}

	return nil
}

// Reap deletes all rows whose expires_at has passed and returns how
// many were removed.
func (s *Store) Reap(ctx context.Context) (int64, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM ci_nonces WHERE expires_at < now()`)
	if err != nil {
		return 0, fmt.Errorf("noncestore: failed to reap expired nonces: %w", err)
	}
	return result.RowsAffected()
}

// RunReaper runs Reap on every tick until ctx is cancelled, logging
// (but not propagating) reap errors.
func (s *Store) RunReaper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := s.Reap(ctx)
			if err != nil {
				if s.logger != nil {
					s.logger.Error("noncestore: reap failed", zap.Error(err))
				}
				continue
			}
			if n > 0 && s.logger != nil {
				s.logger.Debug("noncestore: reaped expired nonces", zap.Int64("count", n))
			}
		}
	}
}
