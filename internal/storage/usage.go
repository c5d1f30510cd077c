package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// UsageCount returns the count recorded for (owner, resource, period), or 0
// when no record exists yet.
func (s *Store) UsageCount(ctx context.Context, ownerID, resource string, period time.Time) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx, `
		SELECT count FROM usage_records WHERE owner_id = ? AND resource = ? AND period_start = ?`,
		ownerID, resource, formatTime(period),
	).Scan(&count)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("reading usage for %s/%s: %w", ownerID, resource, err)
	}
	return count, nil
}

// IncrementUsage atomically adds amount to the period's counter and returns
// the new count. A negative limit means unlimited; otherwise the update is
// refused with ErrLimitReached when it would exceed limit.
func (s *Store) IncrementUsage(ctx context.Context, ownerID, resource string, period time.Time, amount, limit int64) (int64, error) {
	if amount <= 0 {
		return 0, fmt.Errorf("increment amount must be positive, got %d", amount)
	}
	if limit >= 0 && amount > limit {
		return 0, ErrLimitReached
	}

	var count int64
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO usage_records (owner_id, resource, period_start, count, limit_at_eval, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (owner_id, resource, period_start) DO UPDATE
			SET count = usage_records.count + excluded.count,
				limit_at_eval = excluded.limit_at_eval,
				updated_at = excluded.updated_at
			WHERE excluded.limit_at_eval < 0 OR usage_records.count + excluded.count <= excluded.limit_at_eval
		RETURNING count`,
		ownerID, resource, formatTime(period), amount, limit, formatTime(time.Now()),
	).Scan(&count)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrLimitReached
	}
	if err != nil {
		return 0, fmt.Errorf("incrementing usage for %s/%s: %w", ownerID, resource, err)
	}
	return count, nil
}

// OwnerTier returns the tier assigned to an owner, or ErrNotFound.
func (s *Store) OwnerTier(ctx context.Context, ownerID string) (string, error) {
	var tier string
	err := s.db.QueryRowContext(ctx, `SELECT tier FROM owner_tiers WHERE owner_id = ?`, ownerID).Scan(&tier)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("reading tier for %s: %w", ownerID, err)
	}
	return tier, nil
}

// SetOwnerTier assigns a tier to an owner. The ledger only reads tiers; this
// is used by the billing sync and tests.
func (s *Store) SetOwnerTier(ctx context.Context, ownerID, tier string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO owner_tiers (owner_id, tier, updated_at) VALUES (?, ?, ?)
		ON CONFLICT (owner_id) DO UPDATE SET tier = excluded.tier, updated_at = excluded.updated_at`,
		ownerID, tier, formatTime(time.Now()),
	)
	if err != nil {
		return fmt.Errorf("setting tier for %s: %w", ownerID, err)
	}
	return nil
}
