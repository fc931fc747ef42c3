// Package store defines the persistence interface for the asset engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// snapshot cache), and in-memory (for testing).
//
// Contract status changes, contract-unit history rows, and production
// allocations are written by the surrounding platform (contract lifecycle
// and manufacturing services); this store reads them when assembling lot
// snapshots.
package store

import (
	"context"
	"errors"

	"github.com/sooq/asset-engine/internal/model"
	"github.com/sooq/asset-engine/internal/reconcile"
)

// ErrNotFound is returned when a requested row does not exist or is
// soft-deleted and deleted rows were not requested.
var ErrNotFound = errors.New("store: not found")

// CommitCheck re-validates a proposed allocation against the lot snapshot
// re-read inside the commit transaction, while the lot row is locked.
// Returning an error aborts the commit.
type CommitCheck func(view *reconcile.LotView) error

// Store is the persistence interface. PostgreSQL is the source of truth;
// Redis provides a read-through cache for lot snapshots.
type Store interface {
	// --- Lot operations ---

	// CreateLot persists a new lot.
	CreateLot(ctx context.Context, lot *model.Lot) error

	// GetLot retrieves a lot by ID. Soft-deleted lots are only visible
	// when includeDeleted is set.
	GetLot(ctx context.Context, id string, includeDeleted bool) (*model.Lot, error)

	// ListLots returns lots, optionally filtered by material type
	// (empty = all). Soft-deleted lots are excluded.
	ListLots(ctx context.Context, materialType model.MaterialType) ([]model.Lot, error)

	// UpdateLotStatus transitions a lot's lifecycle status.
	UpdateLotStatus(ctx context.Context, id string, status model.LotStatus) error

	// --- Unit ledger ---

	// MintUnits bulk-inserts serialized units for an approved lot.
	MintUnits(ctx context.Context, units []model.Unit) error

	// --- Snapshot assembly ---

	// LoadLotView assembles the reconciliation snapshot for a lot using a
	// constant number of batched queries: the lot, its sale children, its
	// contributions, and its units with per-unit consumption aggregates.
	LoadLotView(ctx context.Context, lotID string, includeDeleted bool) (*reconcile.LotView, error)

	// --- Allocation commits ---

	// CommitContribution inserts a contribution after re-reading the lot
	// snapshot under a lot row lock and passing it to check. Two
	// concurrent commits against one lot serialize here; the loser
	// re-validates against the winner's allocation.
	CommitContribution(ctx context.Context, c *model.Contribution, check CommitCheck) error

	// CommitSale inserts a SALE-type child lot under the same row lock
	// and re-validation as CommitContribution.
	CommitSale(ctx context.Context, sale *model.Lot, check CommitCheck) error

	// GetContribution retrieves a contribution by ID.
	GetContribution(ctx context.Context, id string) (*model.Contribution, error)

	// UpdateContributionStatus transitions a contribution's status.
	UpdateContributionStatus(ctx context.Context, id string, status model.ContributionStatus) error
}
