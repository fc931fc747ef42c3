package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/sooq/asset-engine/internal/model"
	"github.com/sooq/asset-engine/internal/reconcile"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache for lot rows and lot snapshots. Writes go to the primary store and
// invalidate the affected lot; reads check Redis first then fall back.
//
// Commit paths are never served from cache: the snapshot they validate
// against is read by the primary store under the lot row lock.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

func lotKey(id string) string  { return "asset:lot:" + id }
func viewKey(id string) string { return "asset:lotview:" + id }

func (s *CachedStore) invalidateLot(ctx context.Context, lotID string) {
	s.rdb.Del(ctx, lotKey(lotID), viewKey(lotID))
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) CreateLot(ctx context.Context, lot *model.Lot) error {
	if err := s.primary.CreateLot(ctx, lot); err != nil {
		return err
	}
	if lot.RelatedLotID != "" {
		// A sale child changes its parent's remaining figures.
		s.invalidateLot(ctx, lot.RelatedLotID)
	}
	return nil
}

func (s *CachedStore) UpdateLotStatus(ctx context.Context, id string, status model.LotStatus) error {
	if err := s.primary.UpdateLotStatus(ctx, id, status); err != nil {
		return err
	}
	s.invalidateLot(ctx, id)
	// A sale-lot status change affects the parent's reservation set.
	if lot, err := s.primary.GetLot(ctx, id, true); err == nil && lot.RelatedLotID != "" {
		s.invalidateLot(ctx, lot.RelatedLotID)
	}
	return nil
}

func (s *CachedStore) MintUnits(ctx context.Context, units []model.Unit) error {
	if err := s.primary.MintUnits(ctx, units); err != nil {
		return err
	}
	seen := make(map[string]bool)
	for i := range units {
		if !seen[units[i].LotID] {
			seen[units[i].LotID] = true
			s.invalidateLot(ctx, units[i].LotID)
		}
	}
	return nil
}

func (s *CachedStore) CommitContribution(ctx context.Context, c *model.Contribution, check CommitCheck) error {
	if err := s.primary.CommitContribution(ctx, c, check); err != nil {
		return err
	}
	s.invalidateLot(ctx, c.LotID)
	return nil
}

func (s *CachedStore) CommitSale(ctx context.Context, sale *model.Lot, check CommitCheck) error {
	if err := s.primary.CommitSale(ctx, sale, check); err != nil {
		return err
	}
	s.invalidateLot(ctx, sale.RelatedLotID)
	return nil
}

func (s *CachedStore) UpdateContributionStatus(ctx context.Context, id string, status model.ContributionStatus) error {
	if err := s.primary.UpdateContributionStatus(ctx, id, status); err != nil {
		return err
	}
	if c, err := s.primary.GetContribution(ctx, id); err == nil {
		s.invalidateLot(ctx, c.LotID)
	}
	return nil
}

// --- Read-through ---

func (s *CachedStore) GetLot(ctx context.Context, id string, includeDeleted bool) (*model.Lot, error) {
	// Deleted-inclusive reads bypass the cache; it only holds live rows.
	if includeDeleted {
		return s.primary.GetLot(ctx, id, true)
	}

	if data, err := s.rdb.Get(ctx, lotKey(id)).Bytes(); err == nil {
		var lot model.Lot
		if json.Unmarshal(data, &lot) == nil {
			return &lot, nil
		}
	}

	lot, err := s.primary.GetLot(ctx, id, false)
	if err != nil {
		return nil, err
	}
	if data, err := json.Marshal(lot); err == nil {
		s.rdb.Set(ctx, lotKey(id), data, s.ttl)
	}
	return lot, nil
}

func (s *CachedStore) LoadLotView(ctx context.Context, lotID string, includeDeleted bool) (*reconcile.LotView, error) {
	if includeDeleted {
		return s.primary.LoadLotView(ctx, lotID, true)
	}

	if data, err := s.rdb.Get(ctx, viewKey(lotID)).Bytes(); err == nil {
		var view reconcile.LotView
		if json.Unmarshal(data, &view) == nil {
			return &view, nil
		}
	}

	view, err := s.primary.LoadLotView(ctx, lotID, false)
	if err != nil {
		return nil, err
	}
	if data, err := json.Marshal(view); err == nil {
		s.rdb.Set(ctx, viewKey(lotID), data, s.ttl)
	}
	return view, nil
}

// --- Pass-through ---

func (s *CachedStore) ListLots(ctx context.Context, materialType model.MaterialType) ([]model.Lot, error) {
	return s.primary.ListLots(ctx, materialType)
}

func (s *CachedStore) GetContribution(ctx context.Context, id string) (*model.Contribution, error) {
	return s.primary.GetContribution(ctx, id)
}

// Ping verifies the Redis connection.
func (s *CachedStore) Ping(ctx context.Context) error {
	if err := s.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}
	return nil
}
