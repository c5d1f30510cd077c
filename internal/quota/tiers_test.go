package quota

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/kalambet/docket/internal/storage"
)

type mockTierStore struct {
	calls  int
	tierFn func(ownerID string) (string, error)
}

func (m *mockTierStore) OwnerTier(_ context.Context, ownerID string) (string, error) {
	m.calls++
	return m.tierFn(ownerID)
}

func TestStoreTiers_Resolution(t *testing.T) {
	store := &mockTierStore{tierFn: func(ownerID string) (string, error) {
		switch ownerID {
		case "paying":
			return "pro", nil
		case "legacy":
			return "gold", nil
		}
		return "", storage.ErrNotFound
	}}
	tiers := NewStoreTiers(store, DefaultCatalog(), 0, 0)

	tests := map[string]string{"paying": "pro", "legacy": "free", "anonymous": "free"}
	for owner, want := range tests {
		got, err := tiers.TierFor(context.Background(), owner)
		if err != nil {
			t.Fatalf("TierFor(%s): %v", owner, err)
		}
		if got.Name != want {
			t.Errorf("TierFor(%s) = %q, want %q", owner, got.Name, want)
		}
	}
}

func TestStoreTiers_StoreError(t *testing.T) {
	store := &mockTierStore{tierFn: func(string) (string, error) { return "", errors.New("locked") }}
	tiers := NewStoreTiers(store, DefaultCatalog(), 0, 0)

	if _, err := tiers.TierFor(context.Background(), "alice"); err == nil {
		t.Fatal("expected error from store")
	}
}

func TestStoreTiers_Caches(t *testing.T) {
	store := &mockTierStore{tierFn: func(string) (string, error) { return "pro", nil }}
	tiers := NewStoreTiers(store, DefaultCatalog(), 16, time.Minute)

	for i := 0; i < 3; i++ {
		if _, err := tiers.TierFor(context.Background(), "alice"); err != nil {
			t.Fatalf("TierFor: %v", err)
		}
	}
	if store.calls != 1 {
		t.Errorf("store called %d times, want 1", store.calls)
	}
}

func TestCatalogValidate(t *testing.T) {
	if err := DefaultCatalog().Validate(); err != nil {
		t.Errorf("default catalog invalid: %v", err)
	}
	c := DefaultCatalog()
	c.Default = "platinum"
	if err := c.Validate(); err == nil {
		t.Error("expected error for missing default tier")
	}
}

func TestTierLimit_UnmeteredResource(t *testing.T) {
	tier := Tier{Name: "free"}
	if got := tier.Limit(DocumentUpload); got != Unlimited {
		t.Errorf("Limit = %d, want unlimited", got)
	}
}
