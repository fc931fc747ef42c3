package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/sooq/asset-engine/internal/model"
	"github.com/sooq/asset-engine/internal/reconcile"
)

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All quantities and weights are stored as NUMERIC for exact decimal
// precision and scanned as TEXT.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

const lotColumns = `id, business_id, request_type, status, requested_quantity::TEXT,
	material_type, material_item_id, material_item_name,
	COALESCE(carat_id, ''), COALESCE(shape_cut_id, ''),
	COALESCE(clarity_id, ''), COALESCE(color_id, ''), unit_weight::TEXT,
	COALESCE(related_lot_id, ''), created_at, deleted_at`

func scanLot(row pgx.Row) (*model.Lot, error) {
	var l model.Lot
	var qty, unitWeight string

	err := row.Scan(&l.ID, &l.BusinessID, &l.RequestType, &l.Status, &qty,
		&l.Material.Type, &l.Material.ItemID, &l.Material.ItemName,
		&l.Material.CaratID, &l.Material.ShapeCutID,
		&l.Material.ClarityID, &l.Material.ColorID, &unitWeight,
		&l.RelatedLotID, &l.CreatedAt, &l.DeletedAt)
	if err != nil {
		return nil, err
	}

	l.RequestedQuantity, _ = decimal.NewFromString(qty)
	l.Material.UnitWeight, _ = decimal.NewFromString(unitWeight)
	return &l, nil
}

func (s *PostgresStore) CreateLot(ctx context.Context, l *model.Lot) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO lots (id, business_id, request_type, status, requested_quantity,
		                   material_type, material_item_id, material_item_name,
		                   carat_id, shape_cut_id, clarity_id, color_id, unit_weight,
		                   related_lot_id, created_at)
		 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6, $7, $8,
		         NULLIF($9, ''), NULLIF($10, ''), NULLIF($11, ''), NULLIF($12, ''),
		         $13::NUMERIC, NULLIF($14, ''), $15)`,
		l.ID, l.BusinessID, l.RequestType, l.Status, l.RequestedQuantity.String(),
		l.Material.Type, l.Material.ItemID, l.Material.ItemName,
		l.Material.CaratID, l.Material.ShapeCutID, l.Material.ClarityID, l.Material.ColorID,
		l.Material.UnitWeight.String(), l.RelatedLotID, l.CreatedAt,
	)
	return err
}

func (s *PostgresStore) GetLot(ctx context.Context, id string, includeDeleted bool) (*model.Lot, error) {
	q := `SELECT ` + lotColumns + ` FROM lots WHERE id = $1`
	if !includeDeleted {
		q += ` AND deleted_at IS NULL`
	}

	lot, err := scanLot(s.pool.QueryRow(ctx, q, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: lot %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get lot %s: %w", id, err)
	}
	return lot, nil
}

func (s *PostgresStore) ListLots(ctx context.Context, materialType model.MaterialType) ([]model.Lot, error) {
	q := `SELECT ` + lotColumns + ` FROM lots WHERE deleted_at IS NULL`
	args := []any{}
	if materialType != "" {
		q += ` AND material_type = $1`
		args = append(args, materialType)
	}
	q += ` ORDER BY created_at DESC`

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var lots []model.Lot
	for rows.Next() {
		lot, err := scanLot(rows)
		if err != nil {
			return nil, err
		}
		lots = append(lots, *lot)
	}
	return lots, rows.Err()
}

func (s *PostgresStore) UpdateLotStatus(ctx context.Context, id string, status model.LotStatus) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE lots SET status = $2 WHERE id = $1 AND deleted_at IS NULL`, id, status)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: lot %s", ErrNotFound, id)
	}
	return nil
}

func (s *PostgresStore) MintUnits(ctx context.Context, units []model.Unit) error {
	batch := &pgx.Batch{}
	for i := range units {
		u := &units[i]
		batch.Queue(
			`INSERT INTO units (id, lot_id, serial_number, system_serial_number,
			                    sale_lot_id, contract_id, pool_id, created_at)
			 VALUES ($1, $2, $3, NULLIF($4, ''), NULLIF($5, ''), NULLIF($6, ''), NULLIF($7, ''), $8)`,
			u.ID, u.LotID, u.SerialNumber, u.SystemSerialNumber,
			u.SaleLotID, u.ContractID, u.PoolID, u.CreatedAt)
	}

	results := s.pool.SendBatch(ctx, batch)
	defer results.Close()

	for range units {
		if _, err := results.Exec(); err != nil {
			return fmt.Errorf("mint units: %w", err)
		}
	}
	return nil
}

func (s *PostgresStore) LoadLotView(ctx context.Context, lotID string, includeDeleted bool) (*reconcile.LotView, error) {
	return s.loadLotView(ctx, s.pool, lotID, includeDeleted, false)
}

// querier abstracts pool vs. transaction for snapshot assembly.
type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// loadLotView assembles the snapshot with a constant number of batched
// queries — never one query per unit or per contribution. With forUpdate
// set the lot row is locked until the surrounding transaction ends.
func (s *PostgresStore) loadLotView(ctx context.Context, q querier, lotID string, includeDeleted, forUpdate bool) (*reconcile.LotView, error) {
	lotQuery := `SELECT ` + lotColumns + ` FROM lots WHERE id = $1`
	if !includeDeleted {
		lotQuery += ` AND deleted_at IS NULL`
	}
	if forUpdate {
		lotQuery += ` FOR UPDATE`
	}

	lot, err := scanLot(q.QueryRow(ctx, lotQuery, lotID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: lot %s", ErrNotFound, lotID)
	}
	if err != nil {
		return nil, fmt.Errorf("load lot %s: %w", lotID, err)
	}
	view := &reconcile.LotView{Lot: *lot}

	// Sale children.
	rows, err := q.Query(ctx,
		`SELECT status, requested_quantity::TEXT
		 FROM lots
		 WHERE related_lot_id = $1 AND request_type = 'SALE' AND deleted_at IS NULL`, lotID)
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		var ref reconcile.SaleRef
		var qty string
		if err := rows.Scan(&ref.Status, &qty); err != nil {
			rows.Close()
			return nil, err
		}
		ref.RequestedQuantity, _ = decimal.NewFromString(qty)
		view.Sales = append(view.Sales, ref)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Contributions.
	rows, err = q.Query(ctx,
		`SELECT id, lot_id, business_id, quantity::TEXT, contribution_type,
		        COALESCE(pool_id, ''), COALESCE(contract_id, ''),
		        COALESCE(production_payment_id, ''), status, created_at
		 FROM contributions
		 WHERE lot_id = $1 AND deleted_at IS NULL`, lotID)
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		var c model.Contribution
		var qty string
		if err := rows.Scan(&c.ID, &c.LotID, &c.BusinessID, &qty, &c.Type,
			&c.PoolID, &c.ContractID, &c.ProductionPaymentID, &c.Status, &c.CreatedAt); err != nil {
			rows.Close()
			return nil, err
		}
		c.Quantity, _ = decimal.NewFromString(qty)
		view.Contributions = append(view.Contributions, c)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Units with the status of their directly-pointed contract.
	unitIdx := make(map[string]int)
	rows, err = q.Query(ctx,
		`SELECT u.id, u.lot_id, u.serial_number, COALESCE(u.system_serial_number, ''),
		        COALESCE(u.sale_lot_id, ''), COALESCE(u.contract_id, ''),
		        COALESCE(u.pool_id, ''), u.created_at, COALESCE(c.status, '')
		 FROM units u
		 LEFT JOIN contracts c ON c.id = u.contract_id
		 WHERE u.lot_id = $1 AND u.deleted_at IS NULL`, lotID)
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		var uv reconcile.UnitView
		if err := rows.Scan(&uv.Unit.ID, &uv.Unit.LotID, &uv.Unit.SerialNumber,
			&uv.Unit.SystemSerialNumber, &uv.Unit.SaleLotID, &uv.Unit.ContractID,
			&uv.Unit.PoolID, &uv.Unit.CreatedAt, &uv.DirectContractStatus); err != nil {
			rows.Close()
			return nil, err
		}
		unitIdx[uv.Unit.ID] = len(view.Units)
		view.Units = append(view.Units, uv)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Contract history with current contract statuses.
	rows, err = q.Query(ctx,
		`SELECT h.unit_id, h.contract_id, COALESCE(c.status, '')
		 FROM contract_unit_history h
		 JOIN units u ON u.id = h.unit_id
		 LEFT JOIN contracts c ON c.id = h.contract_id
		 WHERE u.lot_id = $1`, lotID)
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		var unitID string
		var ref reconcile.HistoryRef
		if err := rows.Scan(&unitID, &ref.ContractID, &ref.Status); err != nil {
			rows.Close()
			return nil, err
		}
		if i, ok := unitIdx[unitID]; ok {
			view.Units[i].History = append(view.Units[i].History, ref)
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Direct production consumption, grouped by unit.
	rows, err = q.Query(ctx,
		`SELECT pa.unit_id, COUNT(*), COALESCE(SUM(pa.weight), 0)::TEXT
		 FROM production_allocations pa
		 JOIN units u ON u.id = pa.unit_id
		 WHERE u.lot_id = $1
		 GROUP BY pa.unit_id`, lotID)
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		var unitID, sum string
		var count int
		if err := rows.Scan(&unitID, &count, &sum); err != nil {
			rows.Close()
			return nil, err
		}
		if i, ok := unitIdx[unitID]; ok {
			view.Units[i].DirectConsumed, _ = decimal.NewFromString(sum)
			view.Units[i].DirectAllocations = count
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Consumption via contract history, grouped by unit.
	rows, err = q.Query(ctx,
		`SELECT h.unit_id, COUNT(*), COALESCE(SUM(pa.weight), 0)::TEXT
		 FROM production_allocations pa
		 JOIN contract_unit_history h ON h.id = pa.history_id
		 JOIN units u ON u.id = h.unit_id
		 WHERE u.lot_id = $1
		 GROUP BY h.unit_id`, lotID)
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		var unitID, sum string
		var count int
		if err := rows.Scan(&unitID, &count, &sum); err != nil {
			rows.Close()
			return nil, err
		}
		if i, ok := unitIdx[unitID]; ok {
			view.Units[i].HistoryConsumed, _ = decimal.NewFromString(sum)
			view.Units[i].HistoryAllocations = count
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return view, nil
}

// CommitContribution inserts a contribution inside a transaction that
// holds a FOR UPDATE lock on the lot row. The snapshot passed to check is
// read under that lock, so concurrent commits against the same lot cannot
// both validate against stale capacity.
func (s *PostgresStore) CommitContribution(ctx context.Context, c *model.Contribution, check CommitCheck) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		view, err := s.loadLotView(ctx, tx, c.LotID, false, true)
		if err != nil {
			return err
		}
		if check != nil {
			if err := check(view); err != nil {
				return err
			}
		}

		_, err = tx.Exec(ctx,
			`INSERT INTO contributions (id, lot_id, business_id, quantity, contribution_type,
			                            pool_id, contract_id, production_payment_id, status, created_at)
			 VALUES ($1, $2, $3, $4::NUMERIC, $5,
			         NULLIF($6, ''), NULLIF($7, ''), NULLIF($8, ''), $9, $10)`,
			c.ID, c.LotID, c.BusinessID, c.Quantity.String(), c.Type,
			c.PoolID, c.ContractID, c.ProductionPaymentID, c.Status, c.CreatedAt)
		return err
	})
}

// CommitSale inserts a SALE-type child lot under the same lock discipline
// as CommitContribution: the parent lot row is locked, the snapshot is
// re-read, and check decides whether the reservation still fits.
func (s *PostgresStore) CommitSale(ctx context.Context, sale *model.Lot, check CommitCheck) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		view, err := s.loadLotView(ctx, tx, sale.RelatedLotID, false, true)
		if err != nil {
			return err
		}
		if check != nil {
			if err := check(view); err != nil {
				return err
			}
		}

		_, err = tx.Exec(ctx,
			`INSERT INTO lots (id, business_id, request_type, status, requested_quantity,
			                   material_type, material_item_id, material_item_name,
			                   carat_id, shape_cut_id, clarity_id, color_id, unit_weight,
			                   related_lot_id, created_at)
			 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6, $7, $8,
			         NULLIF($9, ''), NULLIF($10, ''), NULLIF($11, ''), NULLIF($12, ''),
			         $13::NUMERIC, NULLIF($14, ''), $15)`,
			sale.ID, sale.BusinessID, sale.RequestType, sale.Status, sale.RequestedQuantity.String(),
			sale.Material.Type, sale.Material.ItemID, sale.Material.ItemName,
			sale.Material.CaratID, sale.Material.ShapeCutID, sale.Material.ClarityID,
			sale.Material.ColorID, sale.Material.UnitWeight.String(),
			sale.RelatedLotID, sale.CreatedAt)
		return err
	})
}

func (s *PostgresStore) GetContribution(ctx context.Context, id string) (*model.Contribution, error) {
	var c model.Contribution
	var qty string

	err := s.pool.QueryRow(ctx,
		`SELECT id, lot_id, business_id, quantity::TEXT, contribution_type,
		        COALESCE(pool_id, ''), COALESCE(contract_id, ''),
		        COALESCE(production_payment_id, ''), status, created_at
		 FROM contributions WHERE id = $1 AND deleted_at IS NULL`, id).
		Scan(&c.ID, &c.LotID, &c.BusinessID, &qty, &c.Type,
			&c.PoolID, &c.ContractID, &c.ProductionPaymentID, &c.Status, &c.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: contribution %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get contribution %s: %w", id, err)
	}

	c.Quantity, _ = decimal.NewFromString(qty)
	return &c, nil
}

func (s *PostgresStore) UpdateContributionStatus(ctx context.Context, id string, status model.ContributionStatus) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE contributions SET status = $2 WHERE id = $1 AND deleted_at IS NULL`, id, status)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: contribution %s", ErrNotFound, id)
	}
	return nil
}
