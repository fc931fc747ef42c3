package store

import (
	"context"
	"fmt"
	"sync"

	"github.com/sooq/asset-engine/internal/model"
	"github.com/sooq/asset-engine/internal/reconcile"
)

// MemoryStore implements Store with in-memory maps. Used for testing and
// development. Not suitable for production (no persistence). It also
// exposes seed methods for collaborator-owned data — contracts, contract
// history, production allocations — that the platform writes in production.
type MemoryStore struct {
	mu            sync.RWMutex
	lots          map[string]*model.Lot
	units         map[string]*model.Unit
	contributions map[string]*model.Contribution
	contracts     map[string]model.ContractStatus
	histories     []model.ContractUnitHistory
	allocations   []model.ProductionAllocation
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		lots:          make(map[string]*model.Lot),
		units:         make(map[string]*model.Unit),
		contributions: make(map[string]*model.Contribution),
		contracts:     make(map[string]model.ContractStatus),
	}
}

func (s *MemoryStore) CreateLot(_ context.Context, lot *model.Lot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.lots[lot.ID]; ok {
		return fmt.Errorf("lot %s already exists", lot.ID)
	}
	cp := *lot
	s.lots[lot.ID] = &cp
	return nil
}

func (s *MemoryStore) GetLot(_ context.Context, id string, includeDeleted bool) (*model.Lot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	lot, ok := s.lots[id]
	if !ok || (lot.DeletedAt != nil && !includeDeleted) {
		return nil, fmt.Errorf("%w: lot %s", ErrNotFound, id)
	}
	cp := *lot
	return &cp, nil
}

func (s *MemoryStore) ListLots(_ context.Context, materialType model.MaterialType) ([]model.Lot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	lots := make([]model.Lot, 0, len(s.lots))
	for _, lot := range s.lots {
		if lot.DeletedAt != nil {
			continue
		}
		if materialType != "" && lot.Material.Type != materialType {
			continue
		}
		lots = append(lots, *lot)
	}
	return lots, nil
}

func (s *MemoryStore) UpdateLotStatus(_ context.Context, id string, status model.LotStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	lot, ok := s.lots[id]
	if !ok {
		return fmt.Errorf("%w: lot %s", ErrNotFound, id)
	}
	lot.Status = status
	return nil
}

func (s *MemoryStore) MintUnits(_ context.Context, units []model.Unit) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range units {
		u := units[i]
		if _, ok := s.units[u.ID]; ok {
			return fmt.Errorf("unit %s already exists", u.ID)
		}
		s.units[u.ID] = &u
	}
	return nil
}

func (s *MemoryStore) LoadLotView(_ context.Context, lotID string, includeDeleted bool) (*reconcile.LotView, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.loadLotViewLocked(lotID, includeDeleted)
}

// loadLotViewLocked assembles the snapshot; the caller holds at least a
// read lock.
func (s *MemoryStore) loadLotViewLocked(lotID string, includeDeleted bool) (*reconcile.LotView, error) {
	lot, ok := s.lots[lotID]
	if !ok || (lot.DeletedAt != nil && !includeDeleted) {
		return nil, fmt.Errorf("%w: lot %s", ErrNotFound, lotID)
	}

	view := &reconcile.LotView{Lot: *lot}

	for _, l := range s.lots {
		if l.RelatedLotID == lotID && l.RequestType == model.RequestSale && l.DeletedAt == nil {
			view.Sales = append(view.Sales, reconcile.SaleRef{
				Status:            l.Status,
				RequestedQuantity: l.RequestedQuantity,
			})
		}
	}

	for _, c := range s.contributions {
		if c.LotID == lotID && c.DeletedAt == nil {
			view.Contributions = append(view.Contributions, *c)
		}
	}

	for _, u := range s.units {
		if u.LotID != lotID || u.DeletedAt != nil {
			continue
		}
		uv := reconcile.UnitView{Unit: *u}
		if u.ContractID != "" {
			uv.DirectContractStatus = s.contracts[u.ContractID]
		}
		for _, h := range s.histories {
			if h.UnitID == u.ID {
				uv.History = append(uv.History, reconcile.HistoryRef{
					ContractID: h.ContractID,
					Status:     s.contracts[h.ContractID],
				})
			}
		}
		for _, pa := range s.allocations {
			if pa.UnitID == u.ID {
				uv.DirectConsumed = uv.DirectConsumed.Add(pa.Weight)
				uv.DirectAllocations++
			}
			if pa.HistoryID != "" {
				for _, h := range s.histories {
					if h.ID == pa.HistoryID && h.UnitID == u.ID {
						uv.HistoryConsumed = uv.HistoryConsumed.Add(pa.Weight)
						uv.HistoryAllocations++
					}
				}
			}
		}
		view.Units = append(view.Units, uv)
	}

	return view, nil
}

func (s *MemoryStore) CommitContribution(_ context.Context, c *model.Contribution, check CommitCheck) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	view, err := s.loadLotViewLocked(c.LotID, false)
	if err != nil {
		return err
	}
	if check != nil {
		if err := check(view); err != nil {
			return err
		}
	}
	cp := *c
	s.contributions[c.ID] = &cp
	return nil
}

func (s *MemoryStore) CommitSale(_ context.Context, sale *model.Lot, check CommitCheck) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	view, err := s.loadLotViewLocked(sale.RelatedLotID, false)
	if err != nil {
		return err
	}
	if check != nil {
		if err := check(view); err != nil {
			return err
		}
	}
	cp := *sale
	s.lots[sale.ID] = &cp
	return nil
}

func (s *MemoryStore) GetContribution(_ context.Context, id string) (*model.Contribution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.contributions[id]
	if !ok || c.DeletedAt != nil {
		return nil, fmt.Errorf("%w: contribution %s", ErrNotFound, id)
	}
	cp := *c
	return &cp, nil
}

func (s *MemoryStore) UpdateContributionStatus(_ context.Context, id string, status model.ContributionStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.contributions[id]
	if !ok {
		return fmt.Errorf("%w: contribution %s", ErrNotFound, id)
	}
	c.Status = status
	return nil
}

// --- Seed helpers for collaborator-owned data ---

// SetContractStatus records a co-ownership contract's current status.
func (s *MemoryStore) SetContractStatus(id string, status model.ContractStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.contracts[id] = status
}

// SetUnitPointers overwrites a unit's allocation pointers.
func (s *MemoryStore) SetUnitPointers(unitID, saleLotID, contractID, poolID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.units[unitID]
	if !ok {
		return fmt.Errorf("%w: unit %s", ErrNotFound, unitID)
	}
	u.SaleLotID, u.ContractID, u.PoolID = saleLotID, contractID, poolID
	return nil
}

// AddContractHistory appends a contract-unit history row.
func (s *MemoryStore) AddContractHistory(h model.ContractUnitHistory) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.histories = append(s.histories, h)
}

// AddProductionAllocation appends a production consumption record.
func (s *MemoryStore) AddProductionAllocation(pa model.ProductionAllocation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.allocations = append(s.allocations, pa)
}

// UnitsByLot returns the non-deleted units of a lot, for assertions.
func (s *MemoryStore) UnitsByLot(lotID string) []model.Unit {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var units []model.Unit
	for _, u := range s.units {
		if u.LotID == lotID && u.DeletedAt == nil {
			units = append(units, *u)
		}
	}
	return units
}
