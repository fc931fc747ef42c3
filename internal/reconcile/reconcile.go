// Package reconcile computes how much of a purchased lot is still available
// for sale, pool contribution, or contract contribution, given the web of
// allocations recorded against it.
//
// The engine is pure: it operates on an explicit LotView snapshot assembled
// by the store from a constant number of batched queries, never on ambient
// state. All quantities use shopspring/decimal — never float64.
//
// Two independent figures are exposed and they can legitimately disagree in
// edge cases involving partial production consumption plus pending sales:
// RemainingQuantity applies a ledger cross-check (requested − sold −
// contributed) on top of the physical unit figures, RemainingWeight does not.
package reconcile

import (
	"errors"

	"github.com/shopspring/decimal"

	"github.com/sooq/asset-engine/internal/model"
)

// ErrMissingMaterialData is returned when a lot has no usable per-unit
// weight recorded. Read paths may degrade to a zeroed breakdown; write
// paths must treat it as a hard rejection — accepting a contribution
// against an item with no recorded weight is unsafe.
var ErrMissingMaterialData = errors.New("reconcile: lot has no material weight recorded")

// HistoryRef is a contract a unit was contributed to at some point, with
// that contract's current status.
type HistoryRef struct {
	ContractID string
	Status     model.ContractStatus
}

// UnitView is a unit plus the batched aggregates the engine needs: the
// status of its directly-pointed contract, its contract history, and its
// production consumption summed by source.
type UnitView struct {
	Unit model.Unit

	// DirectContractStatus is the status of Unit.ContractID, empty when
	// the unit has no direct contract pointer.
	DirectContractStatus model.ContractStatus

	// History lists contracts this unit was ever contributed to, current
	// status included, whether or not the direct pointer survives.
	History []HistoryRef

	// DirectConsumed is the summed weight of production allocations
	// pointing straight at this unit; DirectAllocations is their count.
	DirectConsumed    decimal.Decimal
	DirectAllocations int

	// HistoryConsumed is the summed weight of production allocations
	// pointing at any contract-history row of this unit.
	HistoryConsumed    decimal.Decimal
	HistoryAllocations int
}

// SaleRef is a SALE-type child lot of the lot under reconciliation.
type SaleRef struct {
	Status            model.LotStatus
	RequestedQuantity decimal.Decimal
}

// LotView is the full snapshot the engine computes over: the lot, its
// sale children, its contributions, and its units with their aggregates.
type LotView struct {
	Lot           model.Lot
	Sales         []SaleRef
	Contributions []model.Contribution
	Units         []UnitView
}

// Usage partitions a contribution's allocation into used (consumed by
// production) and unused. Metal is weight-partitioned, stone is
// count-partitioned; only the fields for the lot's material are set.
type Usage struct {
	Material model.MaterialType `json:"material"`

	UsedWeight   decimal.Decimal `json:"used_weight,omitempty"`
	TotalWeight  decimal.Decimal `json:"total_weight,omitempty"`
	UnusedWeight decimal.Decimal `json:"unused_weight,omitempty"`

	UsedQuantity   decimal.Decimal `json:"used_quantity,omitempty"`
	UnusedQuantity decimal.Decimal `json:"unused_quantity,omitempty"`
}

// saleReserves reports whether a sale in this status still reserves the
// underlying units. Any sale that is not outright rejected counts: a sale
// in negotiation is still allocated.
func saleReserves(s model.LotStatus) bool {
	switch s {
	case model.LotPending, model.LotApproved, model.LotCompleted,
		model.LotPendingSellerPrice, model.LotPendingInvestorConfirmation:
		return true
	}
	return false
}

// allocatedElsewhere reports whether a unit is currently held by a sale, a
// pool, or an allocating contract. The contract check consults both the
// direct pointer and the contract history, since the direct pointer is
// cleared on some status transitions while the history row survives.
func allocatedElsewhere(u *UnitView) bool {
	if u.Unit.SaleLotID != "" || u.Unit.PoolID != "" {
		return true
	}
	if u.Unit.ContractID != "" && u.DirectContractStatus.Allocating() {
		return true
	}
	for _, h := range u.History {
		if h.Status.Allocating() {
			return true
		}
	}
	return false
}

// availableUnits returns the units of the lot not held by any sale, pool,
// or allocating contract.
func availableUnits(lot *LotView) []*UnitView {
	var avail []*UnitView
	for i := range lot.Units {
		u := &lot.Units[i]
		if !allocatedElsewhere(u) {
			avail = append(avail, u)
		}
	}
	return avail
}

// UnitRemainingWeight returns how much of a unit's weight is still
// unconsumed. Stone units are indivisible and always report 1. Metal units
// report per-unit weight minus production consumption, both directly held
// and via contract history, floored at zero.
func UnitRemainingWeight(lot *LotView, u *UnitView) decimal.Decimal {
	if lot.Lot.Material.Type == model.MaterialStone {
		return decimal.NewFromInt(1)
	}
	remaining := lot.Lot.Material.UnitWeight.
		Sub(u.DirectConsumed).
		Sub(u.HistoryConsumed)
	if remaining.IsNegative() {
		return decimal.Zero
	}
	return remaining
}

// RemainingQuantity returns how many whole units (stone) or
// unit-equivalents (metal) of the lot remain available for new allocation.
// The second return is false for SALE-type lots, where the figure is
// undefined and callers must resolve to the related purchase lot.
func RemainingQuantity(lot *LotView) (decimal.Decimal, bool) {
	switch lot.Lot.RequestType {
	case model.RequestJewelryDesign:
		// No allocation tracking applies to design lots.
		return lot.Lot.RequestedQuantity, true
	case model.RequestSale:
		return decimal.Zero, false
	}

	// No units exist yet, nothing can have been sold or allocated.
	if lot.Lot.Status == model.LotPending {
		return lot.Lot.RequestedQuantity, true
	}

	totalSold := decimal.Zero
	for _, s := range lot.Sales {
		if saleReserves(s.Status) {
			totalSold = totalSold.Add(s.RequestedQuantity)
		}
	}

	totalContributed := totalContribution(lot)

	avail := availableUnits(lot)
	baseRemaining := lot.Lot.RequestedQuantity.Sub(totalSold).Sub(totalContributed)

	if lot.Lot.Material.Type == model.MaterialMetal {
		unitWeight := lot.Lot.Material.UnitWeight
		if !unitWeight.IsPositive() {
			return decimal.Zero, true
		}

		totalRemainingWeight := decimal.Zero
		for _, u := range avail {
			totalRemainingWeight = totalRemainingWeight.Add(UnitRemainingWeight(lot, u))
		}
		qtyFromWeight := totalRemainingWeight.Div(unitWeight)

		// The weight-derived figure and the ledger-derived figure bound
		// each other: a unit partially consumed by production may not yet
		// be reflected in the lot-level sold/contributed counters.
		remaining := decimal.Min(qtyFromWeight, baseRemaining).Round(2)
		return decimal.Max(remaining, decimal.Zero), true
	}

	availableStones := decimal.NewFromInt(int64(len(avail)))
	remaining := decimal.Min(availableStones, baseRemaining)
	return decimal.Max(remaining, decimal.Zero), true
}

// totalContribution sums the quantity still counted as allocated across the
// lot's contributions. Rejected contributions release everything; terminated
// ones release their unused portion and keep only the used portion counted.
func totalContribution(lot *LotView) decimal.Decimal {
	total := decimal.Zero
	for i := range lot.Contributions {
		c := &lot.Contributions[i]
		switch c.Status {
		case model.ContributionPending, model.ContributionAdminApproved,
			model.ContributionApproved:
			total = total.Add(c.Quantity)
		case model.ContributionTerminated:
			total = total.Add(terminatedUsage(lot, c))
		}
		// REJECTED contributes nothing: fully released.
	}
	return total
}

// terminatedUsage converts a terminated contribution's used portion into
// unit-count terms. Metal divides used weight by per-unit weight; stone
// falls back to the full quantity, since per-unit stone usage cannot be
// attributed to one contribution once several overlap.
func terminatedUsage(lot *LotView, c *model.Contribution) decimal.Decimal {
	if lot.Lot.Material.Type != model.MaterialMetal {
		return c.Quantity
	}
	usage, err := ContributionUsage(lot, c)
	if err != nil {
		// Usage unknown: assume the full quantity was used.
		return c.Quantity
	}
	unitWeight := lot.Lot.Material.UnitWeight
	if !unitWeight.IsPositive() {
		return decimal.Zero
	}
	return usage.UsedWeight.Div(unitWeight)
}

// RemainingWeight returns the total grams still available across the lot's
// units, false for SALE-type lots. Unlike RemainingQuantity it applies no
// ledger cross-check; the two are kept separate deliberately.
func RemainingWeight(lot *LotView) (decimal.Decimal, bool) {
	if lot.Lot.RequestType == model.RequestSale {
		return decimal.Zero, false
	}

	total := decimal.Zero
	for _, u := range availableUnits(lot) {
		remaining := UnitRemainingWeight(lot, u)
		if remaining.IsNegative() {
			remaining = decimal.Zero
		}
		total = total.Add(remaining)
	}
	return total, true
}

// ContributionUsage partitions a contribution's allocation into used and
// unused portions. For metal lots with no recorded per-unit weight it
// returns ErrMissingMaterialData; read-only callers may degrade that to a
// zeroed breakdown, write paths must reject.
func ContributionUsage(lot *LotView, c *model.Contribution) (*Usage, error) {
	if lot.Lot.Material.Type == model.MaterialMetal {
		return metalUsage(lot, c)
	}
	return stoneUsage(lot), nil
}

func metalUsage(lot *LotView, c *model.Contribution) (*Usage, error) {
	unitWeight := lot.Lot.Material.UnitWeight
	if !unitWeight.IsPositive() {
		return nil, ErrMissingMaterialData
	}

	// Units consumed under this contribution: any unit with a direct
	// production allocation, plus units checked out under the
	// contribution's contract at some point.
	usedWeight := decimal.Zero
	for i := range lot.Units {
		u := &lot.Units[i]
		if !consumedUnder(u, c.ContractID) {
			continue
		}
		usedWeight = usedWeight.Add(unitWeight.Sub(UnitRemainingWeight(lot, u)))
	}

	totalWeight := c.Quantity.Mul(unitWeight).Round(3)
	usedWeight = usedWeight.Round(3)

	return &Usage{
		Material:     model.MaterialMetal,
		UsedWeight:   usedWeight,
		TotalWeight:  totalWeight,
		UnusedWeight: totalWeight.Sub(usedWeight).Round(3),
	}, nil
}

func consumedUnder(u *UnitView, contractID string) bool {
	if u.DirectAllocations > 0 {
		return true
	}
	if contractID == "" {
		return false
	}
	for _, h := range u.History {
		if h.ContractID == contractID {
			return true
		}
	}
	return false
}

func stoneUsage(lot *LotView) *Usage {
	used, unused := 0, 0
	for i := range lot.Units {
		u := &lot.Units[i]
		if u.DirectAllocations > 0 || u.HistoryAllocations > 0 {
			used++
		} else {
			unused++
		}
	}
	return &Usage{
		Material:       model.MaterialStone,
		UsedQuantity:   decimal.NewFromInt(int64(used)),
		UnusedQuantity: decimal.NewFromInt(int64(unused)),
	}
}
