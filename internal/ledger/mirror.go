package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/shopspring/decimal"
)

// The Redis mirror keeps a hot copy of every shadow balance so admission
// checks on the request path never touch PostgreSQL. The mirror is strictly
// best-effort: every write path updates it after commit, WarmMirror
// repopulates it from PostgreSQL at startup, and readers fall back to the
// database on a miss. If Redis and PostgreSQL disagree, PostgreSQL wins.

const mirrorWriteTimeout = 200 * time.Millisecond

func balanceKey(orgID string) string {
	return fmt.Sprintf("org:balance:%s", orgID)
}

// mirrorBalance pushes a freshly-committed balance to Redis. Failures are
// logged and swallowed; the database already holds the truth.
func (s *Store) mirrorBalance(orgID string, balance decimal.Decimal) {
	if s.redis == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), mirrorWriteTimeout)
	defer cancel()

	if err := s.redis.Set(ctx, balanceKey(orgID), balance.String(), 0).Err(); err != nil {
		s.log.Warn().Err(err).
			Str("organization_id", orgID).
			Msg("balance mirror write failed")
	}
}

// Balance returns an organization's shadow balance, reading through the
// Redis mirror when available and falling back to PostgreSQL on a miss.
func (s *Store) Balance(ctx context.Context, orgID string) (decimal.Decimal, error) {
	if s.redis != nil {
		raw, err := s.redis.Get(ctx, balanceKey(orgID)).Result()
		if err == nil {
			if bal, perr := decimal.NewFromString(raw); perr == nil {
				return bal, nil
			}
		} else if err != redis.Nil {
			s.log.Warn().Err(err).Str("organization_id", orgID).Msg("balance mirror read failed")
		}
	}

	org, err := s.GetOrg(ctx, orgID)
	if err != nil {
		return decimal.Zero, err
	}
	s.mirrorBalance(orgID, org.ShadowBalance)
	return org.ShadowBalance, nil
}

// WarmMirror loads every organization's shadow balance from PostgreSQL into
// Redis. Called at startup so the request path never sees a cold cache, and
// safe to call again at any time to correct drift in the mirror.
func (s *Store) WarmMirror(ctx context.Context) error {
	if s.redis == nil {
		return nil
	}
	start := time.Now()

	rows, err := s.db.QueryContext(ctx, `
		SELECT organization_id, shadow_balance FROM organization_billing
	`)
	if err != nil {
		return fmt.Errorf("mirror warm query failed: %w", err)
	}
	defer rows.Close()

	pipe := s.redis.Pipeline()
	count := 0
	for rows.Next() {
		var (
			orgID   string
			balance decimal.Decimal
		)
		if err := rows.Scan(&orgID, &balance); err != nil {
			return fmt.Errorf("mirror warm scan failed: %w", err)
		}
		pipe.Set(ctx, balanceKey(orgID), balance.String(), 0)
		count++

		// Flush in batches so a large fleet does not build one giant pipeline.
		if count%1000 == 0 {
			if _, err := pipe.Exec(ctx); err != nil {
				return fmt.Errorf("mirror warm pipeline failed at %d: %w", count, err)
			}
			pipe = s.redis.Pipeline()
		}
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("mirror warm pipeline failed: %w", err)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("mirror warm iteration failed: %w", err)
	}

	s.log.Info().
		Int("organizations", count).
		Dur("duration", time.Since(start)).
		Msg("balance mirror warmed from postgres")
	return nil
}
