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

// orderTransitions is the full state machine: no transition skips a
// state, and terminal states have no outgoing edges.
var orderTransitions = map[OrderStatus][]OrderStatus{
	OrderStatusDraft:      {OrderStatusValidated, OrderStatusCancelled},
	OrderStatusValidated:  {OrderStatusInProgress, OrderStatusCancelled},
	OrderStatusInProgress: {OrderStatusCompleted, OrderStatusCancelled},
}

func canTransition(from, to OrderStatus) bool {
	for _, next := range orderTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// editableFields is the per-state whitelist for UpdateOrder. Terminal
// states are absent: nothing is editable once an order is finished.
var editableFields = map[OrderStatus]map[string]bool{
	OrderStatusDraft: {
		"quantity_to_produce":    true,
		"quality_check_required": true,
		"priority":               true,
		"scheduled_date":         true,
		"notes":                  true,
	},
	OrderStatusValidated: {
		"priority":       true,
		"scheduled_date": true,
		"notes":          true,
	},
	OrderStatusInProgress: {
		"priority":       true,
		"scheduled_date": true,
		"notes":          true,
	},
}

type CreateManufacturingOrderInput struct {
	// BomID selects the recipe; 0 resolves the active BOM for ProductID.
	BomID                int
	ProductID            int
	WarehouseID          int
	Quantity             decimal.Decimal // in the BOM's output UOM
	Priority             string
	ScheduledDate        *time.Time
	Notes                string
	QualityCheckRequired bool
	CreatedBy            string
}

// UpdateOrderInput carries optional field updates; nil fields are left
// untouched. Which fields may change depends on the order's state.
type UpdateOrderInput struct {
	QuantityToProduce    *decimal.Decimal
	QualityCheckRequired *bool
	Priority             *string
	ScheduledDate        *time.Time
	Notes                *string
}

// ManufacturingService drives a production run through
// DRAFT → VALIDATED → IN_PROGRESS → COMPLETED, with CANCELLED reachable
// from every non-terminal state. Each transition is one transaction.
type ManufacturingService interface {
	// CreateOrder snapshots the BOM into order items at the requested
	// quantity's multiplier. No stock is touched.
	CreateOrder(ctx context.Context, in CreateManufacturingOrderInput) (*ManufacturingOrder, error)
	// ValidateOrder checks availability for every item and reserves it.
	// When any material is short, it fails with ShortageError listing
	// every shortage, reserves nothing, and leaves the order DRAFT.
	ValidateOrder(ctx context.Context, orderID int, actor string) (*ManufacturingOrder, error)
	// StartOrder consumes raw materials: per item, the reservation is
	// released and an OUT movement journaled, all in one transaction.
	StartOrder(ctx context.Context, orderID int, actor string) (*ManufacturingOrder, error)
	// RecordQualityCheck appends a PASSED/FAILED result for an
	// IN_PROGRESS order. It does not change the order's state; when the
	// order requires a quality check, completion is gated on the latest
	// result being PASSED.
	RecordQualityCheck(ctx context.Context, orderID int, result QualityResult, notes, actor string) error
	// CompleteOrder books the finished product into stock at the
	// planned unit cost and triggers the average-cost update.
	// producedQuantity defaults to the planned quantity when nil.
	CompleteOrder(ctx context.Context, orderID int, producedQuantity *decimal.Decimal, actor string) (*ManufacturingOrder, error)
	// CancelOrder releases active reservations. Materials already
	// consumed by StartOrder are NOT reversed: consumed material is
	// treated as sunk cost.
	CancelOrder(ctx context.Context, orderID int, actor string) (*ManufacturingOrder, error)
	UpdateOrder(ctx context.Context, orderID int, in UpdateOrderInput) (*ManufacturingOrder, error)

	GetOrder(ctx context.Context, orderID int) (*ManufacturingOrder, error)
	GetOrders(ctx context.Context, status *OrderStatus) ([]ManufacturingOrder, error)
	GetQualityChecks(ctx context.Context, orderID int) ([]QualityCheck, error)
}

type manufacturingService struct {
	pool  *pgxpool.Pool
	stock StockService
	uoms  UomService
	boms  BomService
	log   *slog.Logger
}

func NewManufacturingService(pool *pgxpool.Pool, stock StockService, uoms UomService, boms BomService, log *slog.Logger) ManufacturingService {
	return &manufacturingService{pool: pool, stock: stock, uoms: uoms, boms: boms, log: log}
}

// ── Lifecycle ────────────────────────────────────────────────────────────────

func (s *manufacturingService) CreateOrder(ctx context.Context, in CreateManufacturingOrderInput) (*ManufacturingOrder, error) {
	if in.Quantity.Sign() <= 0 {
		return nil, fmt.Errorf("quantity to produce must be positive, got %s", in.Quantity)
	}

	var bom *BomMaster
	var err error
	if in.BomID != 0 {
		bom, err = s.boms.GetBom(ctx, in.BomID)
	} else {
		bom, err = s.boms.GetActiveBomForProduct(ctx, in.ProductID)
	}
	if err != nil {
		return nil, err
	}
	if bom.Status != BomStatusActive {
		return nil, fmt.Errorf("bom %s is not active", bom.Code)
	}

	breakdown, err := ComputeBomCost(bom, in.Quantity)
	if err != nil {
		return nil, err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var warehouseExists bool
	if err := tx.QueryRow(ctx,
		"SELECT EXISTS (SELECT 1 FROM warehouses WHERE id = $1 AND is_active = true)",
		in.WarehouseID,
	).Scan(&warehouseExists); err != nil {
		return nil, fmt.Errorf("failed to check warehouse: %w", err)
	}
	if !warehouseExists {
		return nil, &NotFoundError{Entity: "warehouse", ID: in.WarehouseID}
	}

	number, err := nextNumber(ctx, tx, "MO", time.Now())
	if err != nil {
		return nil, err
	}

	priority := in.Priority
	if priority == "" {
		priority = "NORMAL"
	}

	var orderID int
	err = tx.QueryRow(ctx, `
		INSERT INTO manufacturing_orders
			(order_number, bom_id, product_id, warehouse_id, quantity_to_produce,
			 unit_cost, total_cost, status, priority, scheduled_date, notes,
			 quality_check_required, created_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7, 'DRAFT', $8, $9, $10, $11, $12)
		RETURNING id
	`, number, bom.ID, bom.ProductID, in.WarehouseID, in.Quantity,
		breakdown.UnitCost, breakdown.TotalCost, priority, in.ScheduledDate, in.Notes,
		in.QualityCheckRequired, in.CreatedBy,
	).Scan(&orderID)
	if err != nil {
		return nil, fmt.Errorf("failed to insert manufacturing order: %w", err)
	}

	for i, d := range bom.Details {
		required := d.Quantity.Mul(breakdown.Multiplier)
		_, err = tx.Exec(ctx, `
			INSERT INTO manufacturing_order_items
				(order_id, material_product_id, bom_quantity, required_quantity, uom_id, unit_cost, status)
			VALUES ($1, $2, $3, $4, $5, $6, 'PENDING')
		`, orderID, d.MaterialProductID, d.Quantity, required, d.UomID, d.UnitCost)
		if err != nil {
			return nil, fmt.Errorf("item %d: failed to insert order item: %w", i+1, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit order creation: %w", err)
	}

	orderTransitionsTotal.WithLabelValues(string(OrderStatusDraft)).Inc()
	return s.GetOrder(ctx, orderID)
}

func (s *manufacturingService) ValidateOrder(ctx context.Context, orderID int, actor string) (*ManufacturingOrder, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	order, err := s.lockOrder(ctx, tx, orderID)
	if err != nil {
		return nil, err
	}
	if !canTransition(order.Status, OrderStatusValidated) {
		return nil, &InvalidTransitionError{OrderID: orderID, From: order.Status, Action: "validate"}
	}

	items, err := fetchOrderItemsQ(ctx, tx, orderID)
	if err != nil {
		return nil, err
	}

	// First pass: enumerate every shortage so one round trip surfaces
	// all problems. Nothing has been reserved yet, so returning the
	// error leaves the order DRAFT with no side effects.
	var shortages []Shortage
	baseRequired := make(map[int]decimal.Decimal, len(items))
	for _, item := range items {
		baseQty, err := s.uoms.ToBase(ctx, item.RequiredQuantity, item.UomID)
		if err != nil {
			return nil, err
		}
		baseRequired[item.ID] = baseQty

		var available decimal.Decimal
		var productName string
		err = tx.QueryRow(ctx, `
			SELECT p.name, COALESCE(SUM(sb.current_quantity - sb.reserved_quantity), 0)
			FROM products p
			LEFT JOIN stock_balances sb ON sb.product_id = p.id AND sb.warehouse_id = $2
			WHERE p.id = $1 AND p.is_active = true
			GROUP BY p.name
		`, item.MaterialProductID, order.WarehouseID).Scan(&productName, &available)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return nil, &NotFoundError{Entity: "product", ID: item.MaterialProductID}
			}
			return nil, fmt.Errorf("failed to check availability for material %d: %w", item.MaterialProductID, err)
		}

		if available.LessThan(baseQty) {
			shortages = append(shortages, Shortage{
				ProductID:         item.MaterialProductID,
				ProductName:       productName,
				RequiredQuantity:  baseQty,
				AvailableQuantity: available,
				Shortfall:         baseQty.Sub(available),
			})
		}
	}
	if len(shortages) > 0 {
		return nil, &ShortageError{OrderID: orderID, Shortages: shortages}
	}

	// Second pass: reserve under row locks. The availability read above
	// can go stale under concurrent load, so ReserveTx re-validates.
	for _, item := range items {
		if err := s.stock.ReserveTx(ctx, tx, item.MaterialProductID, order.WarehouseID, baseRequired[item.ID]); err != nil {
			return nil, err
		}
		if _, err := tx.Exec(ctx,
			"UPDATE manufacturing_order_items SET status = 'RESERVED' WHERE id = $1",
			item.ID,
		); err != nil {
			return nil, fmt.Errorf("failed to mark item %d reserved: %w", item.ID, err)
		}
	}

	if _, err = tx.Exec(ctx, `
		UPDATE manufacturing_orders
		SET status = 'VALIDATED', validated_by = $1, validated_at = NOW()
		WHERE id = $2
	`, actor, orderID); err != nil {
		return nil, fmt.Errorf("failed to validate order %d: %w", orderID, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit validation: %w", err)
	}

	orderTransitionsTotal.WithLabelValues(string(OrderStatusValidated)).Inc()
	return s.GetOrder(ctx, orderID)
}

func (s *manufacturingService) StartOrder(ctx context.Context, orderID int, actor string) (*ManufacturingOrder, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	order, err := s.lockOrder(ctx, tx, orderID)
	if err != nil {
		return nil, err
	}
	if !canTransition(order.Status, OrderStatusInProgress) {
		return nil, &InvalidTransitionError{OrderID: orderID, From: order.Status, Action: "start"}
	}

	items, err := fetchOrderItemsQ(ctx, tx, orderID)
	if err != nil {
		return nil, err
	}

	// Consume every item or none: any failure rolls the whole
	// transaction back, so no item is left partially consumed.
	for _, item := range items {
		baseQty, err := s.uoms.ToBase(ctx, item.RequiredQuantity, item.UomID)
		if err != nil {
			return nil, err
		}

		if err := s.stock.ReleaseTx(ctx, tx, item.MaterialProductID, order.WarehouseID, baseQty); err != nil {
			return nil, err
		}

		var baseUnitCost decimal.Decimal
		if baseQty.Sign() > 0 {
			baseUnitCost = item.RequiredQuantity.Mul(item.UnitCost).Div(baseQty)
		}

		if _, err := s.stock.ApplyMovementTx(ctx, tx, MovementInput{
			ProductID:     item.MaterialProductID,
			WarehouseID:   order.WarehouseID,
			Type:          MovementOut,
			Reason:        ReasonManufacturingConsume,
			Quantity:      baseQty,
			UnitCost:      baseUnitCost,
			ReferenceType: RefManufacturingOrder,
			ReferenceID:   orderID,
			CreatedBy:     actor,
		}); err != nil {
			return nil, err
		}

		if _, err := tx.Exec(ctx,
			"UPDATE manufacturing_order_items SET status = 'CONSUMED' WHERE id = $1",
			item.ID,
		); err != nil {
			return nil, fmt.Errorf("failed to mark item %d consumed: %w", item.ID, err)
		}
	}

	if _, err = tx.Exec(ctx, `
		UPDATE manufacturing_orders
		SET status = 'IN_PROGRESS', started_by = $1, started_at = NOW()
		WHERE id = $2
	`, actor, orderID); err != nil {
		return nil, fmt.Errorf("failed to start order %d: %w", orderID, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit start: %w", err)
	}

	orderTransitionsTotal.WithLabelValues(string(OrderStatusInProgress)).Inc()
	return s.GetOrder(ctx, orderID)
}

func (s *manufacturingService) RecordQualityCheck(ctx context.Context, orderID int, result QualityResult, notes, actor string) error {
	if result != QualityPassed && result != QualityFailed {
		return fmt.Errorf("invalid quality result %q", result)
	}

	order, err := s.GetOrder(ctx, orderID)
	if err != nil {
		return err
	}
	if order.Status != OrderStatusInProgress {
		return &InvalidTransitionError{
			OrderID: orderID, From: order.Status, Action: "record quality check",
			Reason: "quality checks apply to orders in progress",
		}
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO quality_checks (order_id, result, notes, checked_by)
		VALUES ($1, $2, $3, $4)
	`, orderID, string(result), notes, actor)
	if err != nil {
		return fmt.Errorf("failed to record quality check: %w", err)
	}
	return nil
}

func (s *manufacturingService) CompleteOrder(ctx context.Context, orderID int, producedQuantity *decimal.Decimal, actor string) (*ManufacturingOrder, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	order, err := s.lockOrder(ctx, tx, orderID)
	if err != nil {
		return nil, err
	}
	if !canTransition(order.Status, OrderStatusCompleted) {
		return nil, &InvalidTransitionError{OrderID: orderID, From: order.Status, Action: "complete"}
	}

	if order.QualityCheckRequired {
		var latest string
		err := tx.QueryRow(ctx, `
			SELECT result FROM quality_checks
			WHERE order_id = $1
			ORDER BY checked_at DESC, id DESC
			LIMIT 1
		`, orderID).Scan(&latest)
		if errors.Is(err, pgx.ErrNoRows) || (err == nil && latest != string(QualityPassed)) {
			return nil, &InvalidTransitionError{
				OrderID: orderID, From: order.Status, Action: "complete",
				Reason: "quality check required but not passed",
			}
		}
		if err != nil {
			return nil, fmt.Errorf("failed to fetch quality result: %w", err)
		}
	}

	produced := order.QuantityToProduce
	if producedQuantity != nil {
		if producedQuantity.Sign() <= 0 {
			return nil, fmt.Errorf("produced quantity must be positive, got %s", producedQuantity)
		}
		produced = *producedQuantity
	}

	var outputUomID int
	if err := tx.QueryRow(ctx,
		"SELECT output_uom_id FROM bom_masters WHERE id = $1", order.BomID,
	).Scan(&outputUomID); err != nil {
		return nil, fmt.Errorf("failed to resolve output uom: %w", err)
	}

	baseQty, err := s.uoms.ToBase(ctx, produced, outputUomID)
	if err != nil {
		return nil, err
	}
	var baseUnitCost decimal.Decimal
	if baseQty.Sign() > 0 {
		baseUnitCost = produced.Mul(order.UnitCost).Div(baseQty)
	}

	if _, err := s.stock.ApplyMovementTx(ctx, tx, MovementInput{
		ProductID:     order.ProductID,
		WarehouseID:   order.WarehouseID,
		Type:          MovementIn,
		Reason:        ReasonManufacturingOutput,
		Quantity:      produced,
		UomID:         outputUomID,
		UnitCost:      baseUnitCost,
		ReferenceType: RefManufacturingOrder,
		ReferenceID:   orderID,
		CreatedBy:     actor,
	}); err != nil {
		return nil, err
	}

	if _, err = tx.Exec(ctx, `
		UPDATE manufacturing_orders
		SET status = 'COMPLETED', produced_quantity = $1, completed_by = $2, completed_at = NOW()
		WHERE id = $3
	`, produced, actor, orderID); err != nil {
		return nil, fmt.Errorf("failed to complete order %d: %w", orderID, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit completion: %w", err)
	}

	// Best effort: costing never blocks the completion it follows.
	s.stock.UpdateAverageCost(ctx, order.ProductID, baseUnitCost, baseQty)

	orderTransitionsTotal.WithLabelValues(string(OrderStatusCompleted)).Inc()
	return s.GetOrder(ctx, orderID)
}

func (s *manufacturingService) CancelOrder(ctx context.Context, orderID int, actor string) (*ManufacturingOrder, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	order, err := s.lockOrder(ctx, tx, orderID)
	if err != nil {
		return nil, err
	}
	if !canTransition(order.Status, OrderStatusCancelled) {
		return nil, &InvalidTransitionError{OrderID: orderID, From: order.Status, Action: "cancel"}
	}

	items, err := fetchOrderItemsQ(ctx, tx, orderID)
	if err != nil {
		return nil, err
	}

	for _, item := range items {
		switch item.Status {
		case ItemStatusReserved:
			baseQty, err := s.uoms.ToBase(ctx, item.RequiredQuantity, item.UomID)
			if err != nil {
				return nil, err
			}
			if err := s.stock.ReleaseTx(ctx, tx, item.MaterialProductID, order.WarehouseID, baseQty); err != nil {
				return nil, err
			}
			if _, err := tx.Exec(ctx,
				"UPDATE manufacturing_order_items SET status = 'RELEASED' WHERE id = $1",
				item.ID,
			); err != nil {
				return nil, fmt.Errorf("failed to mark item %d released: %w", item.ID, err)
			}
		case ItemStatusConsumed:
			// Consumed material is sunk cost: cancellation does not
			// reverse it. Keep it visible in the logs.
			s.log.Warn("cancelling order with consumed materials, consumption not reversed",
				"order_id", orderID,
				"material_product_id", item.MaterialProductID,
				"required_quantity", item.RequiredQuantity.String(),
			)
		}
	}

	if _, err = tx.Exec(ctx, `
		UPDATE manufacturing_orders
		SET status = 'CANCELLED', cancelled_by = $1, cancelled_at = NOW()
		WHERE id = $2
	`, actor, orderID); err != nil {
		return nil, fmt.Errorf("failed to cancel order %d: %w", orderID, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit cancellation: %w", err)
	}

	orderTransitionsTotal.WithLabelValues(string(OrderStatusCancelled)).Inc()
	return s.GetOrder(ctx, orderID)
}

func (s *manufacturingService) UpdateOrder(ctx context.Context, orderID int, in UpdateOrderInput) (*ManufacturingOrder, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	order, err := s.lockOrder(ctx, tx, orderID)
	if err != nil {
		return nil, err
	}

	allowed := editableFields[order.Status]
	check := func(field string, provided bool) error {
		if provided && !allowed[field] {
			return &InvalidTransitionError{
				OrderID: orderID, From: order.Status, Action: "update",
				Reason: fmt.Sprintf("field %s is not editable in status %s", field, order.Status),
			}
		}
		return nil
	}
	for field, provided := range map[string]bool{
		"quantity_to_produce":    in.QuantityToProduce != nil,
		"quality_check_required": in.QualityCheckRequired != nil,
		"priority":               in.Priority != nil,
		"scheduled_date":         in.ScheduledDate != nil,
		"notes":                  in.Notes != nil,
	} {
		if err := check(field, provided); err != nil {
			return nil, err
		}
	}

	if in.QuantityToProduce != nil {
		if in.QuantityToProduce.Sign() <= 0 {
			return nil, fmt.Errorf("quantity to produce must be positive, got %s", in.QuantityToProduce)
		}
		bom, err := s.boms.GetBom(ctx, order.BomID)
		if err != nil {
			return nil, err
		}
		breakdown, err := ComputeBomCost(bom, *in.QuantityToProduce)
		if err != nil {
			return nil, err
		}

		// Rescale the snapshotted items to the new multiplier.
		if _, err = tx.Exec(ctx, `
			UPDATE manufacturing_order_items
			SET required_quantity = bom_quantity * $1
			WHERE order_id = $2
		`, breakdown.Multiplier, orderID); err != nil {
			return nil, fmt.Errorf("failed to rescale order items: %w", err)
		}

		if _, err = tx.Exec(ctx, `
			UPDATE manufacturing_orders
			SET quantity_to_produce = $1, unit_cost = $2, total_cost = $3
			WHERE id = $4
		`, in.QuantityToProduce, breakdown.UnitCost, breakdown.TotalCost, orderID); err != nil {
			return nil, fmt.Errorf("failed to update order quantity: %w", err)
		}
	}

	if in.QualityCheckRequired != nil {
		if _, err = tx.Exec(ctx,
			"UPDATE manufacturing_orders SET quality_check_required = $1 WHERE id = $2",
			*in.QualityCheckRequired, orderID,
		); err != nil {
			return nil, fmt.Errorf("failed to update quality flag: %w", err)
		}
	}
	if in.Priority != nil {
		if _, err = tx.Exec(ctx,
			"UPDATE manufacturing_orders SET priority = $1 WHERE id = $2",
			*in.Priority, orderID,
		); err != nil {
			return nil, fmt.Errorf("failed to update priority: %w", err)
		}
	}
	if in.ScheduledDate != nil {
		if _, err = tx.Exec(ctx,
			"UPDATE manufacturing_orders SET scheduled_date = $1 WHERE id = $2",
			*in.ScheduledDate, orderID,
		); err != nil {
			return nil, fmt.Errorf("failed to update scheduled date: %w", err)
		}
	}
	if in.Notes != nil {
		if _, err = tx.Exec(ctx,
			"UPDATE manufacturing_orders SET notes = $1 WHERE id = $2",
			*in.Notes, orderID,
		); err != nil {
			return nil, fmt.Errorf("failed to update notes: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit order update: %w", err)
	}
	return s.GetOrder(ctx, orderID)
}

// ── Queries ──────────────────────────────────────────────────────────────────

const orderColumns = `
	id, order_number, bom_id, product_id, warehouse_id,
	quantity_to_produce, produced_quantity, unit_cost, total_cost,
	status, priority, scheduled_date, notes, quality_check_required,
	created_by, validated_by, started_by, completed_by, cancelled_by,
	created_at, validated_at, started_at, completed_at, cancelled_at`

func scanOrder(row pgx.Row, o *ManufacturingOrder) error {
	return row.Scan(
		&o.ID, &o.OrderNumber, &o.BomID, &o.ProductID, &o.WarehouseID,
		&o.QuantityToProduce, &o.ProducedQuantity, &o.UnitCost, &o.TotalCost,
		&o.Status, &o.Priority, &o.ScheduledDate, &o.Notes, &o.QualityCheckRequired,
		&o.CreatedBy, &o.ValidatedBy, &o.StartedBy, &o.CompletedBy, &o.CancelledBy,
		&o.CreatedAt, &o.ValidatedAt, &o.StartedAt, &o.CompletedAt, &o.CancelledAt,
	)
}

// lockOrder fetches the order header FOR UPDATE so the status guard and
// the transition write share one lock scope.
func (s *manufacturingService) lockOrder(ctx context.Context, tx pgx.Tx, orderID int) (*ManufacturingOrder, error) {
	var o ManufacturingOrder
	err := scanOrder(tx.QueryRow(ctx,
		"SELECT"+orderColumns+" FROM manufacturing_orders WHERE id = $1 FOR UPDATE",
		orderID,
	), &o)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, &NotFoundError{Entity: "manufacturing order", ID: orderID}
		}
		return nil, fmt.Errorf("failed to fetch order %d: %w", orderID, err)
	}
	return &o, nil
}

func (s *manufacturingService) GetOrder(ctx context.Context, orderID int) (*ManufacturingOrder, error) {
	var o ManufacturingOrder
	err := scanOrder(s.pool.QueryRow(ctx,
		"SELECT"+orderColumns+" FROM manufacturing_orders WHERE id = $1",
		orderID,
	), &o)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, &NotFoundError{Entity: "manufacturing order", ID: orderID}
		}
		return nil, fmt.Errorf("failed to fetch order %d: %w", orderID, err)
	}

	items, err := fetchOrderItemsQ(ctx, s.pool, orderID)
	if err != nil {
		return nil, err
	}
	o.Items = items
	return &o, nil
}

func (s *manufacturingService) GetOrders(ctx context.Context, status *OrderStatus) ([]ManufacturingOrder, error) {
	query := "SELECT" + orderColumns + " FROM manufacturing_orders"
	args := []any{}
	if status != nil {
		query += " WHERE status = $1"
		args = append(args, string(*status))
	}
	query += " ORDER BY id DESC"

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query orders: %w", err)
	}
	defer rows.Close()

	var orders []ManufacturingOrder
	for rows.Next() {
		var o ManufacturingOrder
		if err := scanOrder(rows, &o); err != nil {
			return nil, fmt.Errorf("failed to scan order: %w", err)
		}
		orders = append(orders, o)
	}
	return orders, rows.Err()
}

func (s *manufacturingService) GetQualityChecks(ctx context.Context, orderID int) ([]QualityCheck, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, order_id, result, notes, checked_by, checked_at
		FROM quality_checks
		WHERE order_id = $1
		ORDER BY checked_at, id
	`, orderID)
	if err != nil {
		return nil, fmt.Errorf("failed to query quality checks: %w", err)
	}
	defer rows.Close()

	var checks []QualityCheck
	for rows.Next() {
		var qc QualityCheck
		if err := rows.Scan(&qc.ID, &qc.OrderID, &qc.Result, &qc.Notes, &qc.CheckedBy, &qc.CheckedAt); err != nil {
			return nil, fmt.Errorf("failed to scan quality check: %w", err)
		}
		checks = append(checks, qc)
	}
	return checks, rows.Err()
}

// pgxQuerier is satisfied by both *pgxpool.Pool and pgx.Tx.
type pgxQuerier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func fetchOrderItemsQ(ctx context.Context, q pgxQuerier, orderID int) ([]ManufacturingOrderItem, error) {
	rows, err := q.Query(ctx, `
		SELECT id, order_id, material_product_id, bom_quantity, required_quantity, uom_id, unit_cost, status
		FROM manufacturing_order_items
		WHERE order_id = $1
		ORDER BY id
	`, orderID)
	if err != nil {
		return nil, fmt.Errorf("failed to query order items: %w", err)
	}
	defer rows.Close()

	var items []ManufacturingOrderItem
	for rows.Next() {
		var item ManufacturingOrderItem
		if err := rows.Scan(
			&item.ID, &item.OrderID, &item.MaterialProductID,
			&item.BomQuantity, &item.RequiredQuantity, &item.UomID,
			&item.UnitCost, &item.Status,
		); err != nil {
			return nil, fmt.Errorf("failed to scan order item: %w", err)
		}
		items = append(items, item)
	}
	return items, rows.Err()
}
