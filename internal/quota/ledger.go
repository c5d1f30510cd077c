// Package quota meters per-owner monthly usage and answers admission queries.
package quota

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/kalambet/docket/internal/metrics"
	"github.com/kalambet/docket/internal/storage"
)

// Resource is a metered resource kind.
type Resource string

// DocumentUpload is one admitted document upload.
const DocumentUpload Resource = "document_upload"

// WarningPercent is the usage percentage at which callers are warned.
const WarningPercent = 80.0

// DefaultCheckTimeout bounds CheckLimit when no timeout is configured.
const DefaultCheckTimeout = 5 * time.Second

// ErrLimitReached is returned by Increment when the counter is already at
// its limit.
var ErrLimitReached = storage.ErrLimitReached

// Counter stores per-period usage counts. IncrementUsage must be atomic and
// refuse to exceed a non-negative limit.
type Counter interface {
	UsageCount(ctx context.Context, ownerID, resource string, period time.Time) (int64, error)
	IncrementUsage(ctx context.Context, ownerID, resource string, period time.Time, amount, limit int64) (int64, error)
}

// TierSource supplies an owner's current tier.
type TierSource interface {
	TierFor(ctx context.Context, ownerID string) (Tier, error)
}

// Usage is the answer to an admission query.
type Usage struct {
	Allowed     bool    `json:"allowed"`
	Limit       int64   `json:"limit"`
	Current     int64   `json:"current"`
	Remaining   int64   `json:"remaining"`
	Percentage  float64 `json:"percentage"`
	Warning     bool    `json:"warning"`
	Degraded    bool    `json:"degraded,omitempty"`
	Tier        string  `json:"tier"`
	MaxFileSize int64   `json:"max_file_size"`
}

// Ledger answers quota checks and records consumption.
type Ledger struct {
	counter  Counter
	tiers    TierSource
	fallback Tier
	timeout  time.Duration
	now      func() time.Time
	logger   *slog.Logger
}

// NewLedger creates a Ledger. fallback is the tier assumed when the tier
// source is unavailable; timeout bounds each check.
func NewLedger(counter Counter, tiers TierSource, fallback Tier, timeout time.Duration) *Ledger {
	if timeout <= 0 {
		timeout = DefaultCheckTimeout
	}
	return &Ledger{
		counter:  counter,
		tiers:    tiers,
		fallback: fallback,
		timeout:  timeout,
		now:      time.Now,
		logger:   slog.Default().With("component", "quota"),
	}
}

// PeriodStart returns the first instant of t's calendar month in UTC.
func PeriodStart(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
}

type checkResult struct {
	usage Usage
	err   error
}

// CheckLimit reports whether ownerID may consume one more unit of resource.
//
// The check is bounded by the ledger timeout. A timeout or backend error
// fails open: the returned Usage has Allowed and Degraded set and a warning
// is logged. The only error returned is the caller's own context error.
func (l *Ledger) CheckLimit(ctx context.Context, ownerID string, resource Resource) (Usage, error) {
	checkCtx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	done := make(chan checkResult, 1)
	go func() {
		u, err := l.check(checkCtx, ownerID, resource)
		done <- checkResult{u, err}
	}()

	var res checkResult
	select {
	case res = <-done:
	case <-checkCtx.Done():
		res.err = checkCtx.Err()
	}

	if res.err == nil {
		return res.usage, nil
	}
	if ctx.Err() != nil {
		return Usage{}, ctx.Err()
	}

	metrics.QuotaCheckFailures.Inc()
	l.logger.Warn("quota check failed, admitting without metering",
		"owner", ownerID, "resource", resource, "timeout", l.timeout, "error", res.err)
	// The count is unknown, so report the whole fallback allowance rather
	// than zero remaining on an admitted upload.
	limit := l.fallback.Limit(resource)
	return Usage{
		Allowed:     true,
		Limit:       limit,
		Remaining:   limit,
		Degraded:    true,
		Tier:        l.fallback.Name,
		MaxFileSize: l.fallback.MaxFileSize,
	}, nil
}

func (l *Ledger) check(ctx context.Context, ownerID string, resource Resource) (Usage, error) {
	tier, err := l.tiers.TierFor(ctx, ownerID)
	if err != nil {
		return Usage{}, err
	}
	current, err := l.counter.UsageCount(ctx, ownerID, string(resource), PeriodStart(l.now()))
	if err != nil {
		return Usage{}, fmt.Errorf("reading usage: %w", err)
	}
	return evaluate(tier, resource, current), nil
}

func evaluate(tier Tier, resource Resource, current int64) Usage {
	u := Usage{
		Limit:       tier.Limit(resource),
		Current:     current,
		Tier:        tier.Name,
		MaxFileSize: tier.MaxFileSize,
	}
	if u.Limit < 0 {
		u.Allowed = true
		u.Remaining = Unlimited
		return u
	}
	if u.Limit == 0 {
		u.Percentage = 100
	} else {
		u.Percentage = float64(current) / float64(u.Limit) * 100
	}
	u.Remaining = max(u.Limit-current, 0)
	u.Warning = u.Percentage >= WarningPercent
	u.Allowed = u.Percentage < 100
	return u
}

// Increment records amount units of resource for ownerID in the current
// period. It is called only after the gated action durably started. The
// update is atomic and never pushes the count past the tier limit; failures
// are logged and returned for callers that care, but must not undo the
// action.
func (l *Ledger) Increment(ctx context.Context, ownerID string, resource Resource, amount int64) error {
	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	limit := Unlimited
	if tier, err := l.tiers.TierFor(ctx, ownerID); err == nil {
		limit = tier.Limit(resource)
	} else {
		l.logger.Warn("tier lookup failed during increment, counting without cap", "owner", ownerID, "error", err)
	}

	n, err := l.counter.IncrementUsage(ctx, ownerID, string(resource), PeriodStart(l.now()), amount, limit)
	if err != nil {
		metrics.UsageIncrementFailures.Inc()
		l.logger.Warn("usage increment failed", "owner", ownerID, "resource", resource, "amount", amount, "error", err)
		return fmt.Errorf("incrementing %s for %s: %w", resource, ownerID, err)
	}
	l.logger.Debug("usage incremented", "owner", ownerID, "resource", resource, "count", n, "limit", limit)
	return nil
}
