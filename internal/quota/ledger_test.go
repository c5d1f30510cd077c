package quota

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/kalambet/docket/internal/storage"
)

type mockCounter struct {
	countFn     func(ctx context.Context, ownerID, resource string, period time.Time) (int64, error)
	incrementFn func(ctx context.Context, ownerID, resource string, period time.Time, amount, limit int64) (int64, error)
}

func (m *mockCounter) UsageCount(ctx context.Context, ownerID, resource string, period time.Time) (int64, error) {
	return m.countFn(ctx, ownerID, resource, period)
}

func (m *mockCounter) IncrementUsage(ctx context.Context, ownerID, resource string, period time.Time, amount, limit int64) (int64, error) {
	return m.incrementFn(ctx, ownerID, resource, period, amount, limit)
}

type staticTiers struct {
	tier Tier
	err  error
}

func (s staticTiers) TierFor(context.Context, string) (Tier, error) { return s.tier, s.err }

func fixedCount(n int64) *mockCounter {
	return &mockCounter{countFn: func(context.Context, string, string, time.Time) (int64, error) { return n, nil }}
}

func tierWithLimit(limit int64) Tier {
	return Tier{Name: "free", Limits: map[Resource]int64{DocumentUpload: limit}, MaxFileSize: 10 << 20}
}

func TestCheckLimit_AtLimitDenies(t *testing.T) {
	l := NewLedger(fixedCount(10), staticTiers{tier: tierWithLimit(10)}, tierWithLimit(10), time.Second)

	u, err := l.CheckLimit(context.Background(), "alice", DocumentUpload)
	if err != nil {
		t.Fatalf("CheckLimit: %v", err)
	}
	if u.Allowed {
		t.Error("Allowed = true at limit")
	}
	if u.Current != 10 || u.Limit != 10 || u.Remaining != 0 {
		t.Errorf("usage = %+v, want current=10 limit=10 remaining=0", u)
	}
	if u.Percentage != 100 {
		t.Errorf("Percentage = %v, want 100", u.Percentage)
	}
}

func TestCheckLimit_Thresholds(t *testing.T) {
	tests := []struct {
		current     int64
		wantAllowed bool
		wantWarning bool
	}{
		{0, true, false},
		{7, true, false},
		{8, true, true},
		{9, true, true},
		{10, false, true},
		{12, false, true},
	}
	for _, tt := range tests {
		l := NewLedger(fixedCount(tt.current), staticTiers{tier: tierWithLimit(10)}, tierWithLimit(10), time.Second)
		u, err := l.CheckLimit(context.Background(), "alice", DocumentUpload)
		if err != nil {
			t.Fatalf("current=%d: %v", tt.current, err)
		}
		if u.Allowed != tt.wantAllowed || u.Warning != tt.wantWarning {
			t.Errorf("current=%d: allowed=%v warning=%v, want %v/%v", tt.current, u.Allowed, u.Warning, tt.wantAllowed, tt.wantWarning)
		}
		if u.Degraded {
			t.Errorf("current=%d: unexpected degraded result", tt.current)
		}
	}
}

func TestCheckLimit_Unlimited(t *testing.T) {
	tier := Tier{Name: "enterprise", Limits: map[Resource]int64{DocumentUpload: Unlimited}, MaxFileSize: 100 << 20}
	l := NewLedger(fixedCount(100000), staticTiers{tier: tier}, tier, time.Second)

	u, err := l.CheckLimit(context.Background(), "corp", DocumentUpload)
	if err != nil {
		t.Fatalf("CheckLimit: %v", err)
	}
	if !u.Allowed || u.Warning || u.Percentage != 0 {
		t.Errorf("usage = %+v, want allowed without warning", u)
	}
	if u.MaxFileSize != 100<<20 || u.Tier != "enterprise" {
		t.Errorf("tier fields = %q/%d", u.Tier, u.MaxFileSize)
	}
}

func TestCheckLimit_ZeroLimitDenies(t *testing.T) {
	l := NewLedger(fixedCount(0), staticTiers{tier: tierWithLimit(0)}, tierWithLimit(0), time.Second)
	u, _ := l.CheckLimit(context.Background(), "alice", DocumentUpload)
	if u.Allowed {
		t.Error("Allowed = true with zero limit")
	}
}

func TestCheckLimit_TimeoutFailsOpen(t *testing.T) {
	slow := &mockCounter{countFn: func(ctx context.Context, _, _ string, _ time.Time) (int64, error) {
		select {
		case <-time.After(5 * time.Second):
			return 0, nil
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}}
	l := NewLedger(slow, staticTiers{tier: tierWithLimit(10)}, tierWithLimit(10), 20*time.Millisecond)

	start := time.Now()
	u, err := l.CheckLimit(context.Background(), "alice", DocumentUpload)
	if err != nil {
		t.Fatalf("CheckLimit returned error on timeout: %v", err)
	}
	if !u.Allowed || !u.Degraded {
		t.Errorf("usage = %+v, want allowed and degraded", u)
	}
	if u.MaxFileSize != 10<<20 {
		t.Errorf("MaxFileSize = %d, want fallback tier size", u.MaxFileSize)
	}
	if u.Limit != 10 || u.Remaining != 10 {
		t.Errorf("limit=%d remaining=%d, want the full fallback allowance", u.Limit, u.Remaining)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("CheckLimit took %v, want bounded by timeout", elapsed)
	}
}

func TestCheckLimit_BackendIgnoringContextStillBounded(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	stuck := &mockCounter{countFn: func(context.Context, string, string, time.Time) (int64, error) {
		<-release
		return 0, nil
	}}
	l := NewLedger(stuck, staticTiers{tier: tierWithLimit(10)}, tierWithLimit(10), 20*time.Millisecond)

	u, err := l.CheckLimit(context.Background(), "alice", DocumentUpload)
	if err != nil {
		t.Fatalf("CheckLimit: %v", err)
	}
	if !u.Allowed || !u.Degraded {
		t.Errorf("usage = %+v, want allowed and degraded", u)
	}
}

func TestCheckLimit_BackendErrorFailsOpen(t *testing.T) {
	broken := &mockCounter{countFn: func(context.Context, string, string, time.Time) (int64, error) {
		return 0, errors.New("connection refused")
	}}
	l := NewLedger(broken, staticTiers{tier: tierWithLimit(10)}, tierWithLimit(10), time.Second)

	u, err := l.CheckLimit(context.Background(), "alice", DocumentUpload)
	if err != nil {
		t.Fatalf("CheckLimit: %v", err)
	}
	if !u.Allowed || !u.Degraded {
		t.Errorf("usage = %+v, want allowed and degraded", u)
	}
}

func TestCheckLimit_TierErrorFailsOpen(t *testing.T) {
	l := NewLedger(fixedCount(0), staticTiers{err: errors.New("billing down")}, tierWithLimit(10), time.Second)

	u, err := l.CheckLimit(context.Background(), "alice", DocumentUpload)
	if err != nil {
		t.Fatalf("CheckLimit: %v", err)
	}
	if !u.Allowed || !u.Degraded {
		t.Errorf("usage = %+v, want allowed and degraded", u)
	}
}

func TestCheckLimit_CallerCancelled(t *testing.T) {
	l := NewLedger(fixedCount(0), staticTiers{tier: tierWithLimit(10)}, tierWithLimit(10), time.Second)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	// Either the check wins the race or the cancellation does; it must never
	// be reported as a degraded admission.
	u, err := l.CheckLimit(ctx, "alice", DocumentUpload)
	if err == nil && u.Degraded {
		t.Errorf("cancelled check reported degraded admission: %+v", u)
	}
}

func TestCheckLimit_UsesCurrentPeriod(t *testing.T) {
	var gotPeriod time.Time
	c := &mockCounter{countFn: func(_ context.Context, _, _ string, period time.Time) (int64, error) {
		gotPeriod = period
		return 0, nil
	}}
	l := NewLedger(c, staticTiers{tier: tierWithLimit(10)}, tierWithLimit(10), time.Second)
	l.now = func() time.Time { return time.Date(2026, 10, 14, 15, 30, 0, 0, time.UTC) }

	if _, err := l.CheckLimit(context.Background(), "alice", DocumentUpload); err != nil {
		t.Fatalf("CheckLimit: %v", err)
	}
	want := time.Date(2026, 10, 1, 0, 0, 0, 0, time.UTC)
	if !gotPeriod.Equal(want) {
		t.Errorf("period = %v, want %v", gotPeriod, want)
	}
}

func TestIncrement_PassesTierLimit(t *testing.T) {
	var gotLimit, gotAmount int64
	c := &mockCounter{incrementFn: func(_ context.Context, _, _ string, _ time.Time, amount, limit int64) (int64, error) {
		gotAmount, gotLimit = amount, limit
		return 1, nil
	}}
	l := NewLedger(c, staticTiers{tier: tierWithLimit(10)}, tierWithLimit(10), time.Second)

	if err := l.Increment(context.Background(), "alice", DocumentUpload, 1); err != nil {
		t.Fatalf("Increment: %v", err)
	}
	if gotAmount != 1 || gotLimit != 10 {
		t.Errorf("amount/limit = %d/%d, want 1/10", gotAmount, gotLimit)
	}
}

func TestIncrement_TierFailureCountsUncapped(t *testing.T) {
	var gotLimit int64
	c := &mockCounter{incrementFn: func(_ context.Context, _, _ string, _ time.Time, _, limit int64) (int64, error) {
		gotLimit = limit
		return 1, nil
	}}
	l := NewLedger(c, staticTiers{err: errors.New("down")}, tierWithLimit(10), time.Second)

	if err := l.Increment(context.Background(), "alice", DocumentUpload, 1); err != nil {
		t.Fatalf("Increment: %v", err)
	}
	if gotLimit != Unlimited {
		t.Errorf("limit = %d, want unlimited", gotLimit)
	}
}

// TestAdmissionMonotonicity drives the ledger against the real SQLite
// counter: once the count equals the limit, checks deny and increments are
// refused.
func TestAdmissionMonotonicity(t *testing.T) {
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	defer store.Close()
	ctx := context.Background()

	catalog := DefaultCatalog()
	catalog.Tiers["free"] = tierWithLimit(3)
	l := NewLedger(store, NewStoreTiers(store, catalog, 0, 0), catalog.DefaultTier(), time.Second)

	for i := 0; i < 3; i++ {
		u, err := l.CheckLimit(ctx, "alice", DocumentUpload)
		if err != nil || !u.Allowed {
			t.Fatalf("upload %d: usage=%+v err=%v, want allowed", i, u, err)
		}
		if err := l.Increment(ctx, "alice", DocumentUpload, 1); err != nil {
			t.Fatalf("Increment %d: %v", i, err)
		}
	}

	u, err := l.CheckLimit(ctx, "alice", DocumentUpload)
	if err != nil {
		t.Fatalf("CheckLimit: %v", err)
	}
	if u.Allowed || u.Current != 3 || u.Limit != 3 {
		t.Fatalf("usage = %+v, want denied at 3/3", u)
	}
	if err := l.Increment(ctx, "alice", DocumentUpload, 1); !errors.Is(err, ErrLimitReached) {
		t.Fatalf("Increment past limit = %v, want ErrLimitReached", err)
	}
	u, _ = l.CheckLimit(ctx, "alice", DocumentUpload)
	if u.Current != 3 {
		t.Errorf("count moved past limit: %d", u.Current)
	}
}

func TestPeriodStart(t *testing.T) {
	loc := time.FixedZone("UTC+10", 10*3600)
	got := PeriodStart(time.Date(2026, 11, 1, 5, 0, 0, 0, loc))
	want := time.Date(2026, 10, 1, 0, 0, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Errorf("PeriodStart = %v, want %v", got, want)
	}
}
