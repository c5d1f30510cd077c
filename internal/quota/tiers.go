package quota

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/kalambet/docket/internal/metrics"
	"github.com/kalambet/docket/internal/storage"
)

// Unlimited marks a resource without a monthly cap.
const Unlimited int64 = -1

// Tier is a billing tier and the limits it grants.
type Tier struct {
	Name        string
	Limits      map[Resource]int64
	MaxFileSize int64
}

// Limit returns the monthly limit for resource. Resources the tier does not
// meter are unlimited.
func (t Tier) Limit(r Resource) int64 {
	if n, ok := t.Limits[r]; ok {
		return n
	}
	return Unlimited
}

// Catalog is the set of known tiers plus the one unassigned owners get.
type Catalog struct {
	Tiers   map[string]Tier
	Default string
}

// DefaultCatalog returns the stock free/pro/enterprise tiers.
func DefaultCatalog() Catalog {
	return Catalog{
		Default: "free",
		Tiers: map[string]Tier{
			"free": {
				Name:        "free",
				Limits:      map[Resource]int64{DocumentUpload: 10},
				MaxFileSize: 10 << 20,
			},
			"pro": {
				Name:        "pro",
				Limits:      map[Resource]int64{DocumentUpload: 500},
				MaxFileSize: 50 << 20,
			},
			"enterprise": {
				Name:        "enterprise",
				Limits:      map[Resource]int64{DocumentUpload: Unlimited},
				MaxFileSize: 100 << 20,
			},
		},
	}
}

// DefaultTier returns the tier for owners without an assignment.
func (c Catalog) DefaultTier() Tier {
	if t, ok := c.Tiers[c.Default]; ok {
		return t
	}
	return Tier{Name: c.Default, MaxFileSize: 10 << 20}
}

// Validate checks that the default tier exists and sizes are positive.
func (c Catalog) Validate() error {
	if _, ok := c.Tiers[c.Default]; !ok {
		return fmt.Errorf("default tier %q is not defined", c.Default)
	}
	for name, t := range c.Tiers {
		if t.MaxFileSize <= 0 {
			return fmt.Errorf("tier %q: max file size must be positive", name)
		}
	}
	return nil
}

// TierStore is the read side of the billing tier source. Implemented by
// storage.Store.
type TierStore interface {
	OwnerTier(ctx context.Context, ownerID string) (string, error)
}

// StoreTiers resolves an owner's tier from the owner_tiers table, caching
// lookups for a short TTL.
type StoreTiers struct {
	store   TierStore
	catalog Catalog
	cache   *expirable.LRU[string, Tier]
	logger  *slog.Logger
}

// NewStoreTiers creates a TierSource over store. A zero size disables caching.
func NewStoreTiers(store TierStore, catalog Catalog, size int, ttl time.Duration) *StoreTiers {
	st := &StoreTiers{
		store:   store,
		catalog: catalog,
		logger:  slog.Default().With("component", "quota.tiers"),
	}
	if size > 0 {
		st.cache = expirable.NewLRU[string, Tier](size, nil, ttl)
	}
	return st
}

// TierFor returns the owner's tier. Owners without an assignment, or with an
// unknown tier name, get the catalog default.
func (s *StoreTiers) TierFor(ctx context.Context, ownerID string) (Tier, error) {
	if s.cache != nil {
		if t, ok := s.cache.Get(ownerID); ok {
			metrics.CacheHits.WithLabelValues("tier").Inc()
			return t, nil
		}
		metrics.CacheMisses.WithLabelValues("tier").Inc()
	}

	name, err := s.store.OwnerTier(ctx, ownerID)
	if errors.Is(err, storage.ErrNotFound) {
		name = s.catalog.Default
	} else if err != nil {
		return Tier{}, fmt.Errorf("looking up tier for %s: %w", ownerID, err)
	}

	t, ok := s.catalog.Tiers[name]
	if !ok {
		s.logger.Warn("owner has unknown tier, using default", "owner", ownerID, "tier", name, "default", s.catalog.Default)
		t = s.catalog.DefaultTier()
	}
	if s.cache != nil {
		s.cache.Add(ownerID, t)
	}
	return t, nil
}
