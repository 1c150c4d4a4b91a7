package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

// MovementInput describes one requested stock mutation. Quantity is in
// UomID units when UomID is set, otherwise already in the product's base
// units. For IN and OUT it must be positive; ADJUSTMENT and TRANSFER
// legs carry the sign.
type MovementInput struct {
	ProductID     int
	WarehouseID   int
	Type          MovementType
	Reason        string
	Quantity      decimal.Decimal
	UomID         int // 0 = base units
	UnitCost      decimal.Decimal
	ReferenceType string
	ReferenceID   int
	CreatedBy     string
	ApprovedBy    string
}

// StockService is the stock ledger: per-product-per-warehouse balances,
// the immutable movement journal, reservations, and the weighted-average
// product cost. Every mutation journals a movement in the same
// transaction that changes the balance, so journal and balances never
// diverge.
type StockService interface {
	// ApplyMovement mutates one balance in its own transaction. An OUT
	// that would drive the balance negative fails with
	// InsufficientStockError and leaves the balance unchanged. An IN
	// with a unit cost triggers a best-effort average-cost update after
	// commit.
	ApplyMovement(ctx context.Context, in MovementInput) (*StockMovement, error)
	// ApplyMovementTx is ApplyMovement within the caller's transaction.
	// Used by the manufacturing order state machine to keep consumption
	// atomic with order transitions.
	ApplyMovementTx(ctx context.Context, tx pgx.Tx, in MovementInput) (*StockMovement, error)
	// TransferStock moves quantity between two warehouses of the same
	// product: an OUT and an IN journaled in one transaction, the IN leg
	// referencing the OUT leg's movement.
	TransferStock(ctx context.Context, productID, fromWarehouseID, toWarehouseID int,
		quantity decimal.Decimal, uomID int, actor string) error

	// Reserve soft-locks base units; fails with InsufficientStockError
	// when the unreserved balance is smaller than quantity.
	Reserve(ctx context.Context, productID, warehouseID int, quantity decimal.Decimal) error
	ReserveTx(ctx context.Context, tx pgx.Tx, productID, warehouseID int, quantity decimal.Decimal) error
	Release(ctx context.Context, productID, warehouseID int, quantity decimal.Decimal) error
	ReleaseTx(ctx context.Context, tx pgx.Tx, productID, warehouseID int, quantity decimal.Decimal) error

	// GetAvailableStock sums current_quantity over the scope; pass a nil
	// warehouse to sum across all warehouses.
	GetAvailableStock(ctx context.Context, productID int, warehouseID *int) (decimal.Decimal, error)
	// GetUnreservedByWarehouse lists allocator candidates: warehouses
	// holding unreserved stock of the product.
	GetUnreservedByWarehouse(ctx context.Context, productID int) ([]WarehouseStock, error)
	GetStockLevels(ctx context.Context) ([]StockLevel, error)
	GetMovementsByReference(ctx context.Context, referenceType string, referenceID int) ([]StockMovement, error)
	// GetMovementsByProductWarehouse returns the journal for one product
	// in one warehouse, oldest first, optionally bounded by a created_at
	// window. Pass nil bounds to leave the window open.
	GetMovementsByProductWarehouse(ctx context.Context, productID, warehouseID int, from, to *time.Time) ([]StockMovement, error)

	// UpdateAverageCost applies the weighted-average formula for a
	// receipt of newQuantity base units at newUnitCost. It never fails:
	// a costing problem must not block the movement that triggered it,
	// so errors are logged and counted instead.
	UpdateAverageCost(ctx context.Context, productID int, newUnitCost, newQuantity decimal.Decimal)
}

type stockService struct {
	pool *pgxpool.Pool
	uoms UomService
	log  *slog.Logger
}

func NewStockService(pool *pgxpool.Pool, uoms UomService, log *slog.Logger) StockService {
	return &stockService{pool: pool, uoms: uoms, log: log}
}

// ── Movements ────────────────────────────────────────────────────────────────

func (s *stockService) ApplyMovement(ctx context.Context, in MovementInput) (*StockMovement, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	mv, err := s.ApplyMovementTx(ctx, tx, in)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit movement: %w", err)
	}

	// Costing runs after the movement has landed and never blocks it.
	if mv.Type == MovementIn && mv.UnitCost.Sign() > 0 {
		s.UpdateAverageCost(ctx, mv.ProductID, mv.UnitCost, mv.Quantity)
	}
	return mv, nil
}

func (s *stockService) ApplyMovementTx(ctx context.Context, tx pgx.Tx, in MovementInput) (*StockMovement, error) {
	if in.Quantity.IsZero() {
		return nil, fmt.Errorf("movement quantity must be non-zero")
	}
	if (in.Type == MovementIn || in.Type == MovementOut) && in.Quantity.Sign() < 0 {
		return nil, fmt.Errorf("%s movement quantity must be positive, got %s", in.Type, in.Quantity)
	}

	var productUomID int
	err := tx.QueryRow(ctx,
		"SELECT uom_id FROM products WHERE id = $1 AND is_active = true",
		in.ProductID,
	).Scan(&productUomID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, &NotFoundError{Entity: "product", ID: in.ProductID}
		}
		return nil, fmt.Errorf("failed to resolve product %d: %w", in.ProductID, err)
	}

	baseQty, err := s.toBaseQuantity(ctx, in.Quantity, in.UomID, productUomID)
	if err != nil {
		return nil, err
	}

	var delta decimal.Decimal
	switch in.Type {
	case MovementIn:
		delta = baseQty
	case MovementOut:
		delta = baseQty.Neg()
	case MovementAdjustment, MovementTransfer:
		delta = baseQty
	default:
		return nil, fmt.Errorf("unknown movement type %q", in.Type)
	}

	// Lazily create the balance row, then lock it. The negative-balance
	// check below runs under this lock, so concurrent OUTs cannot both
	// read a stale balance and jointly overdraw it.
	var balanceID int
	err = tx.QueryRow(ctx, `
		INSERT INTO stock_balances (product_id, warehouse_id, current_quantity, reserved_quantity)
		VALUES ($1, $2, 0, 0)
		ON CONFLICT (product_id, warehouse_id) DO UPDATE SET updated_at = NOW()
		RETURNING id
	`, in.ProductID, in.WarehouseID).Scan(&balanceID)
	if err != nil {
		return nil, fmt.Errorf("failed to upsert stock balance: %w", err)
	}

	var current, reserved decimal.Decimal
	err = tx.QueryRow(ctx,
		"SELECT current_quantity, reserved_quantity FROM stock_balances WHERE id = $1 FOR UPDATE",
		balanceID,
	).Scan(&current, &reserved)
	if err != nil {
		return nil, fmt.Errorf("failed to lock stock balance: %w", err)
	}

	newQty := current.Add(delta)
	if newQty.IsNegative() {
		return nil, &InsufficientStockError{
			ProductID: in.ProductID,
			Requested: delta.Neg(),
			Available: current,
			Shortfall: newQty.Neg(),
		}
	}
	if delta.Sign() < 0 && newQty.LessThan(reserved) {
		// Outbound stock must not eat into quantities reserved by others.
		return nil, &InsufficientStockError{
			ProductID: in.ProductID,
			Requested: delta.Neg(),
			Available: current.Sub(reserved),
			Shortfall: reserved.Sub(newQty),
		}
	}

	_, err = tx.Exec(ctx,
		"UPDATE stock_balances SET current_quantity = $1, updated_at = NOW() WHERE id = $2",
		newQty, balanceID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to update stock balance: %w", err)
	}

	if err := s.refreshProductStockTx(ctx, tx, in.ProductID, in.Type, in.Reason, in.UnitCost); err != nil {
		return nil, err
	}

	now := time.Now()
	number, err := nextNumber(ctx, tx, "SM", now)
	if err != nil {
		return nil, err
	}

	totalCost := delta.Mul(in.UnitCost)
	mv := &StockMovement{
		MovementNumber: number,
		ProductID:      in.ProductID,
		WarehouseID:    in.WarehouseID,
		Type:           in.Type,
		Reason:         in.Reason,
		Quantity:       delta,
		UnitCost:       in.UnitCost,
		TotalCost:      totalCost,
		ReferenceType:  nullIfEmpty(in.ReferenceType),
		ReferenceID:    nullIfZero(in.ReferenceID),
		ApprovedBy:     nullIfEmpty(in.ApprovedBy),
		CreatedBy:      in.CreatedBy,
	}
	err = tx.QueryRow(ctx, `
		INSERT INTO stock_movements
			(movement_number, product_id, warehouse_id, movement_type, reason,
			 quantity, unit_cost, total_cost, reference_type, reference_id,
			 approved_by, created_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		RETURNING id, created_at
	`, mv.MovementNumber, mv.ProductID, mv.WarehouseID, string(mv.Type), mv.Reason,
		mv.Quantity, mv.UnitCost, mv.TotalCost, mv.ReferenceType, mv.ReferenceID,
		mv.ApprovedBy, mv.CreatedBy,
	).Scan(&mv.ID, &mv.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to insert stock movement: %w", err)
	}

	movementsTotal.WithLabelValues(string(mv.Type)).Inc()
	return mv, nil
}

// toBaseQuantity converts a caller-supplied quantity into the product's
// root base units, verifying the unit belongs to the product's family.
func (s *stockService) toBaseQuantity(ctx context.Context, qty decimal.Decimal, uomID, productUomID int) (decimal.Decimal, error) {
	if uomID == 0 {
		return qty, nil
	}
	info, err := s.uoms.GetUomInfo(ctx, uomID)
	if err != nil {
		return decimal.Zero, err
	}
	productInfo, err := s.uoms.GetUomInfo(ctx, productUomID)
	if err != nil {
		return decimal.Zero, err
	}
	if info.RootUnitID != productInfo.RootUnitID {
		return decimal.Zero, &IncompatibleUnitsError{
			FromUomID: uomID, ToUomID: productUomID,
			FromRoot: info.RootUnitID, ToRoot: productInfo.RootUnitID,
		}
	}
	return qty.Mul(info.BaseFactor), nil
}

// refreshProductStockTx recomputes the denormalized product-level stock
// as the sum across all warehouses, and tracks the last purchase cost on
// costed purchase receipts. Production output is costed too but is not a
// purchase, so it never moves last_purchase_cost.
func (s *stockService) refreshProductStockTx(ctx context.Context, tx pgx.Tx, productID int, movType MovementType, reason string, unitCost decimal.Decimal) error {
	_, err := tx.Exec(ctx, `
		UPDATE products
		SET current_stock = (SELECT COALESCE(SUM(current_quantity), 0) FROM stock_balances WHERE product_id = $1),
		    updated_at = NOW()
		WHERE id = $1
	`, productID)
	if err != nil {
		return fmt.Errorf("failed to refresh product stock: %w", err)
	}

	if movType == MovementIn && reason == ReasonPurchaseReceipt && unitCost.Sign() > 0 {
		_, err = tx.Exec(ctx,
			"UPDATE products SET last_purchase_cost = $1 WHERE id = $2",
			unitCost, productID,
		)
		if err != nil {
			return fmt.Errorf("failed to update last purchase cost: %w", err)
		}
	}
	return nil
}

func (s *stockService) TransferStock(ctx context.Context, productID, fromWarehouseID, toWarehouseID int,
	quantity decimal.Decimal, uomID int, actor string) error {

	if quantity.Sign() <= 0 {
		return fmt.Errorf("transfer quantity must be positive, got %s", quantity)
	}
	if fromWarehouseID == toWarehouseID {
		return fmt.Errorf("transfer source and destination warehouses are the same")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	// Read the cost inside the transaction so both legs are stamped
	// with the average as of the transfer, not an earlier snapshot.
	var avgCost decimal.Decimal
	err = tx.QueryRow(ctx,
		"SELECT average_cost FROM products WHERE id = $1", productID,
	).Scan(&avgCost)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return &NotFoundError{Entity: "product", ID: productID}
		}
		return fmt.Errorf("failed to resolve product %d: %w", productID, err)
	}

	out, err := s.ApplyMovementTx(ctx, tx, MovementInput{
		ProductID:     productID,
		WarehouseID:   fromWarehouseID,
		Type:          MovementTransfer,
		Reason:        ReasonTransferOut,
		Quantity:      quantity.Neg(),
		UomID:         uomID,
		UnitCost:      avgCost,
		ReferenceType: RefStockTransfer,
		CreatedBy:     actor,
	})
	if err != nil {
		return err
	}

	// The IN leg references the OUT leg so the pair is queryable as one
	// transfer from the journal.
	_, err = s.ApplyMovementTx(ctx, tx, MovementInput{
		ProductID:     productID,
		WarehouseID:   toWarehouseID,
		Type:          MovementTransfer,
		Reason:        ReasonTransferIn,
		Quantity:      quantity,
		UomID:         uomID,
		UnitCost:      avgCost,
		ReferenceType: RefStockTransfer,
		ReferenceID:   out.ID,
		CreatedBy:     actor,
	})
	if err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transfer: %w", err)
	}
	return nil
}

// ── Reservations ─────────────────────────────────────────────────────────────

func (s *stockService) Reserve(ctx context.Context, productID, warehouseID int, quantity decimal.Decimal) error {
	return s.inTx(ctx, func(tx pgx.Tx) error {
		return s.ReserveTx(ctx, tx, productID, warehouseID, quantity)
	})
}

func (s *stockService) ReserveTx(ctx context.Context, tx pgx.Tx, productID, warehouseID int, quantity decimal.Decimal) error {
	if quantity.Sign() <= 0 {
		return fmt.Errorf("reserve quantity must be positive, got %s", quantity)
	}

	var balanceID int
	var current, reserved decimal.Decimal
	err := tx.QueryRow(ctx, `
		SELECT id, current_quantity, reserved_quantity
		FROM stock_balances
		WHERE product_id = $1 AND warehouse_id = $2
		FOR UPDATE
	`, productID, warehouseID).Scan(&balanceID, &current, &reserved)
	if errors.Is(err, pgx.ErrNoRows) {
		return &InsufficientStockError{
			ProductID: productID,
			Requested: quantity,
			Available: decimal.Zero,
			Shortfall: quantity,
		}
	}
	if err != nil {
		return fmt.Errorf("failed to lock stock balance: %w", err)
	}

	available := current.Sub(reserved)
	if available.LessThan(quantity) {
		return &InsufficientStockError{
			ProductID: productID,
			Requested: quantity,
			Available: available,
			Shortfall: quantity.Sub(available),
		}
	}

	_, err = tx.Exec(ctx,
		"UPDATE stock_balances SET reserved_quantity = reserved_quantity + $1, updated_at = NOW() WHERE id = $2",
		quantity, balanceID,
	)
	if err != nil {
		return fmt.Errorf("failed to reserve stock: %w", err)
	}
	return nil
}

func (s *stockService) Release(ctx context.Context, productID, warehouseID int, quantity decimal.Decimal) error {
	return s.inTx(ctx, func(tx pgx.Tx) error {
		return s.ReleaseTx(ctx, tx, productID, warehouseID, quantity)
	})
}

func (s *stockService) ReleaseTx(ctx context.Context, tx pgx.Tx, productID, warehouseID int, quantity decimal.Decimal) error {
	if quantity.Sign() <= 0 {
		return fmt.Errorf("release quantity must be positive, got %s", quantity)
	}
	_, err := tx.Exec(ctx, `
		UPDATE stock_balances
		SET reserved_quantity = GREATEST(reserved_quantity - $1, 0), updated_at = NOW()
		WHERE product_id = $2 AND warehouse_id = $3
	`, quantity, productID, warehouseID)
	if err != nil {
		return fmt.Errorf("failed to release reservation: %w", err)
	}
	return nil
}

func (s *stockService) inTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// ── Queries ──────────────────────────────────────────────────────────────────

func (s *stockService) GetAvailableStock(ctx context.Context, productID int, warehouseID *int) (decimal.Decimal, error) {
	var total decimal.Decimal
	var err error
	if warehouseID != nil {
		err = s.pool.QueryRow(ctx,
			"SELECT COALESCE(SUM(current_quantity), 0) FROM stock_balances WHERE product_id = $1 AND warehouse_id = $2",
			productID, *warehouseID,
		).Scan(&total)
	} else {
		err = s.pool.QueryRow(ctx,
			"SELECT COALESCE(SUM(current_quantity), 0) FROM stock_balances WHERE product_id = $1",
			productID,
		).Scan(&total)
	}
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to sum stock for product %d: %w", productID, err)
	}
	return total, nil
}

func (s *stockService) GetUnreservedByWarehouse(ctx context.Context, productID int) ([]WarehouseStock, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT warehouse_id, current_quantity - reserved_quantity
		FROM stock_balances
		WHERE product_id = $1 AND current_quantity - reserved_quantity > 0
		ORDER BY warehouse_id
	`, productID)
	if err != nil {
		return nil, fmt.Errorf("failed to query warehouse stocks for product %d: %w", productID, err)
	}
	defer rows.Close()

	var stocks []WarehouseStock
	for rows.Next() {
		var ws WarehouseStock
		if err := rows.Scan(&ws.WarehouseID, &ws.Quantity); err != nil {
			return nil, fmt.Errorf("failed to scan warehouse stock: %w", err)
		}
		stocks = append(stocks, ws)
	}
	return stocks, rows.Err()
}

func (s *stockService) GetStockLevels(ctx context.Context) ([]StockLevel, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT p.code, p.name, w.code, w.name,
		       sb.current_quantity, sb.reserved_quantity,
		       sb.current_quantity - sb.reserved_quantity AS available
		FROM stock_balances sb
		JOIN products p   ON p.id = sb.product_id
		JOIN warehouses w ON w.id = sb.warehouse_id
		ORDER BY p.code, w.code
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query stock levels: %w", err)
	}
	defer rows.Close()

	var levels []StockLevel
	for rows.Next() {
		var sl StockLevel
		if err := rows.Scan(
			&sl.ProductCode, &sl.ProductName,
			&sl.WarehouseCode, &sl.WarehouseName,
			&sl.OnHand, &sl.Reserved, &sl.Available,
		); err != nil {
			return nil, fmt.Errorf("failed to scan stock level: %w", err)
		}
		levels = append(levels, sl)
	}
	return levels, rows.Err()
}

const movementColumns = `
	id, movement_number, product_id, warehouse_id, movement_type, reason,
	quantity, unit_cost, total_cost, reference_type, reference_id,
	approved_by, created_by, created_at`

func scanMovements(rows pgx.Rows) ([]StockMovement, error) {
	defer rows.Close()
	var movements []StockMovement
	for rows.Next() {
		var mv StockMovement
		if err := rows.Scan(
			&mv.ID, &mv.MovementNumber, &mv.ProductID, &mv.WarehouseID, &mv.Type, &mv.Reason,
			&mv.Quantity, &mv.UnitCost, &mv.TotalCost, &mv.ReferenceType, &mv.ReferenceID,
			&mv.ApprovedBy, &mv.CreatedBy, &mv.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan stock movement: %w", err)
		}
		movements = append(movements, mv)
	}
	return movements, rows.Err()
}

func (s *stockService) GetMovementsByReference(ctx context.Context, referenceType string, referenceID int) ([]StockMovement, error) {
	rows, err := s.pool.Query(ctx,
		"SELECT"+movementColumns+" FROM stock_movements WHERE reference_type = $1 AND reference_id = $2 ORDER BY id",
		referenceType, referenceID)
	if err != nil {
		return nil, fmt.Errorf("failed to query movements for %s %d: %w", referenceType, referenceID, err)
	}
	return scanMovements(rows)
}

func (s *stockService) GetMovementsByProductWarehouse(ctx context.Context, productID, warehouseID int, from, to *time.Time) ([]StockMovement, error) {
	query := "SELECT" + movementColumns + " FROM stock_movements WHERE product_id = $1 AND warehouse_id = $2"
	args := []any{productID, warehouseID}
	if from != nil {
		args = append(args, *from)
		query += fmt.Sprintf(" AND created_at >= $%d", len(args))
	}
	if to != nil {
		args = append(args, *to)
		query += fmt.Sprintf(" AND created_at <= $%d", len(args))
	}
	query += " ORDER BY id"

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query movements for product %d in warehouse %d: %w", productID, warehouseID, err)
	}
	return scanMovements(rows)
}

// ── Costing ──────────────────────────────────────────────────────────────────

func (s *stockService) UpdateAverageCost(ctx context.Context, productID int, newUnitCost, newQuantity decimal.Decimal) {
	if err := s.updateAverageCost(ctx, productID, newUnitCost, newQuantity); err != nil {
		s.log.Error("average cost update failed",
			"product_id", productID,
			"unit_cost", newUnitCost.String(),
			"quantity", newQuantity.String(),
			"err", err,
		)
		averageCostUpdateFailures.Inc()
	}
}

// updateAverageCost assumes the triggering receipt has already been
// journaled, so the prior stock is the current product stock minus the
// incoming quantity.
func (s *stockService) updateAverageCost(ctx context.Context, productID int, newUnitCost, newQuantity decimal.Decimal) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var currentStock, currentAvg decimal.Decimal
	err = tx.QueryRow(ctx,
		"SELECT current_stock, average_cost FROM products WHERE id = $1 FOR UPDATE",
		productID,
	).Scan(&currentStock, &currentAvg)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return &NotFoundError{Entity: "product", ID: productID}
		}
		return fmt.Errorf("failed to lock product %d: %w", productID, err)
	}

	priorStock := currentStock.Sub(newQuantity)
	if priorStock.IsNegative() {
		priorStock = decimal.Zero
	}

	var newAvg decimal.Decimal
	total := priorStock.Add(newQuantity)
	if priorStock.IsZero() || currentAvg.IsZero() || total.IsZero() {
		newAvg = newUnitCost
	} else {
		newAvg = priorStock.Mul(currentAvg).Add(newQuantity.Mul(newUnitCost)).Div(total)
	}

	_, err = tx.Exec(ctx,
		"UPDATE products SET average_cost = $1, updated_at = NOW() WHERE id = $2",
		newAvg, productID,
	)
	if err != nil {
		return fmt.Errorf("failed to update average cost: %w", err)
	}
	return tx.Commit(ctx)
}

func nullIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func nullIfZero(i int) *int {
	if i == 0 {
		return nil
	}
	return &i
}
