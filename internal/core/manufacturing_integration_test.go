package core_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"mrp-core/internal/core"
)

// seedProduction stocks raw materials in WH-A and activates a cake
// recipe: 500 g flour (0.05/g) and 200 g sugar (0.03/g) per cake, plus
// 20 labor and 10 overhead per batch. Planned cost per cake is 61.
func seedProduction(t *testing.T, svc testServices) *core.BomMaster {
	t.Helper()
	ctx := context.Background()

	mustIn(t, svc.stock, 1, 1, "10000", "0.05")
	mustIn(t, svc.stock, 2, 1, "5000", "0.03")

	bom, err := svc.boms.CreateBom(ctx, core.CreateBomInput{
		Code: "BOM-CAKE-001", ProductID: 3,
		OutputQuantity: d("1"), OutputUomID: 3,
		LaborCost: d("20"), OverheadCost: d("10"),
		Details: []core.BomDetailInput{
			{MaterialProductID: 1, Quantity: d("500"), UomID: 1},
			{MaterialProductID: 2, Quantity: d("200"), UomID: 1},
		},
	})
	if err != nil {
		t.Fatalf("create bom: %v", err)
	}
	if err := svc.boms.ActivateBom(ctx, bom.ID); err != nil {
		t.Fatalf("activate bom: %v", err)
	}
	return bom
}

func TestManufacturing_FullLifecycle(t *testing.T) {
	pool := setupTestDB(t)
	defer pool.Close()
	svc := newTestServices(pool)
	ctx := context.Background()
	bom := seedProduction(t, svc)

	order, err := svc.orders.CreateOrder(ctx, core.CreateManufacturingOrderInput{
		BomID: bom.ID, WarehouseID: 1, Quantity: d("10"),
		QualityCheckRequired: true, CreatedBy: "planner",
	})
	if err != nil {
		t.Fatalf("create order: %v", err)
	}
	wantNumber := fmt.Sprintf("MO/%d/000001", time.Now().Year())
	if order.OrderNumber != wantNumber {
		t.Errorf("order number = %s, want %s", order.OrderNumber, wantNumber)
	}
	if order.Status != core.OrderStatusDraft {
		t.Errorf("new order status = %s, want DRAFT", order.Status)
	}
	if len(order.Items) != 2 {
		t.Fatalf("order has %d items, want 2", len(order.Items))
	}
	if !order.Items[0].RequiredQuantity.Equal(d("5000")) {
		t.Errorf("flour required = %s, want 5000", order.Items[0].RequiredQuantity)
	}
	if !order.UnitCost.Equal(d("61")) || !order.TotalCost.Equal(d("610")) {
		t.Errorf("planned cost = (%s, %s), want (61, 610)", order.UnitCost, order.TotalCost)
	}

	// Validation reserves every material.
	order, err = svc.orders.ValidateOrder(ctx, order.ID, "supervisor")
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if order.Status != core.OrderStatusValidated {
		t.Errorf("status = %s, want VALIDATED", order.Status)
	}
	assertBalance(t, pool, 1, 1, "10000", "5000")
	assertBalance(t, pool, 2, 1, "5000", "2000")
	for _, item := range order.Items {
		if item.Status != core.ItemStatusReserved {
			t.Errorf("item %d status = %s, want RESERVED", item.ID, item.Status)
		}
	}

	// Start consumes reservations into OUT movements atomically.
	order, err = svc.orders.StartOrder(ctx, order.ID, "operator")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if order.Status != core.OrderStatusInProgress {
		t.Errorf("status = %s, want IN_PROGRESS", order.Status)
	}
	assertBalance(t, pool, 1, 1, "5000", "0")
	assertBalance(t, pool, 2, 1, "3000", "0")
	for _, item := range order.Items {
		if item.Status != core.ItemStatusConsumed {
			t.Errorf("item %d status = %s, want CONSUMED", item.ID, item.Status)
		}
	}
	movements, err := svc.stock.GetMovementsByReference(ctx, core.RefManufacturingOrder, order.ID)
	if err != nil {
		t.Fatalf("movements by reference: %v", err)
	}
	if len(movements) != 2 {
		t.Fatalf("consumption journaled %d movements, want 2", len(movements))
	}
	if !movements[0].Quantity.Equal(d("-5000")) || !movements[1].Quantity.Equal(d("-2000")) {
		t.Errorf("consumption quantities = (%s, %s), want (-5000, -2000)",
			movements[0].Quantity, movements[1].Quantity)
	}

	// The quality gate blocks completion until a PASSED result exists.
	_, err = svc.orders.CompleteOrder(ctx, order.ID, nil, "operator")
	var transition *core.InvalidTransitionError
	if !errors.As(err, &transition) {
		t.Fatalf("expected InvalidTransitionError before quality check, got %v", err)
	}

	if err := svc.orders.RecordQualityCheck(ctx, order.ID, core.QualityFailed, "burnt batch", "qa"); err != nil {
		t.Fatalf("record FAILED check: %v", err)
	}
	_, err = svc.orders.CompleteOrder(ctx, order.ID, nil, "operator")
	if !errors.As(err, &transition) {
		t.Fatalf("expected InvalidTransitionError after FAILED check, got %v", err)
	}

	if err := svc.orders.RecordQualityCheck(ctx, order.ID, core.QualityPassed, "rebaked fine", "qa"); err != nil {
		t.Fatalf("record PASSED check: %v", err)
	}
	order, err = svc.orders.CompleteOrder(ctx, order.ID, nil, "operator")
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if order.Status != core.OrderStatusCompleted {
		t.Errorf("status = %s, want COMPLETED", order.Status)
	}
	if order.ProducedQuantity == nil || !order.ProducedQuantity.Equal(d("10")) {
		t.Errorf("produced quantity = %v, want 10", order.ProducedQuantity)
	}

	// Finished goods landed at the planned cost.
	cakes, err := svc.stock.GetAvailableStock(ctx, 3, nil)
	if err != nil {
		t.Fatalf("cake stock: %v", err)
	}
	if !cakes.Equal(d("10")) {
		t.Errorf("cake stock = %s, want 10", cakes)
	}
	assertAvgCost(t, pool, 3, "61")

	// Production output is not a purchase.
	var lastCost decimal.Decimal
	if err := pool.QueryRow(ctx, "SELECT last_purchase_cost FROM products WHERE id = 3").Scan(&lastCost); err != nil {
		t.Fatalf("read cake last purchase cost: %v", err)
	}
	if !lastCost.IsZero() {
		t.Errorf("cake last purchase cost = %s, want 0", lastCost)
	}

	checks, err := svc.orders.GetQualityChecks(ctx, order.ID)
	if err != nil {
		t.Fatalf("quality checks: %v", err)
	}
	if len(checks) != 2 {
		t.Errorf("quality journal has %d entries, want 2", len(checks))
	}
}

func TestManufacturing_ShortageLeavesDraft(t *testing.T) {
	pool := setupTestDB(t)
	defer pool.Close()
	svc := newTestServices(pool)
	ctx := context.Background()
	bom := seedProduction(t, svc)

	// 100 cakes need 50 kg of flour and 20 kg of sugar; the warehouse
	// holds 10 kg and 5 kg.
	order, err := svc.orders.CreateOrder(ctx, core.CreateManufacturingOrderInput{
		BomID: bom.ID, WarehouseID: 1, Quantity: d("100"), CreatedBy: "planner",
	})
	if err != nil {
		t.Fatalf("create order: %v", err)
	}

	_, err = svc.orders.ValidateOrder(ctx, order.ID, "supervisor")
	var shortage *core.ShortageError
	if !errors.As(err, &shortage) {
		t.Fatalf("expected ShortageError, got %v", err)
	}
	if len(shortage.Shortages) != 2 {
		t.Fatalf("shortage lists %d materials, want 2", len(shortage.Shortages))
	}
	if !shortage.Shortages[0].Shortfall.Equal(d("40000")) {
		t.Errorf("flour shortfall = %s, want 40000", shortage.Shortages[0].Shortfall)
	}
	if !shortage.Shortages[1].Shortfall.Equal(d("15000")) {
		t.Errorf("sugar shortfall = %s, want 15000", shortage.Shortages[1].Shortfall)
	}

	// Nothing was reserved and the order is still editable.
	order, err = svc.orders.GetOrder(ctx, order.ID)
	if err != nil {
		t.Fatalf("reload order: %v", err)
	}
	if order.Status != core.OrderStatusDraft {
		t.Errorf("status after shortage = %s, want DRAFT", order.Status)
	}
	assertBalance(t, pool, 1, 1, "10000", "0")
	assertBalance(t, pool, 2, 1, "5000", "0")
}

func TestManufacturing_CancelReleasesReservations(t *testing.T) {
	pool := setupTestDB(t)
	defer pool.Close()
	svc := newTestServices(pool)
	ctx := context.Background()
	bom := seedProduction(t, svc)

	order, err := svc.orders.CreateOrder(ctx, core.CreateManufacturingOrderInput{
		BomID: bom.ID, WarehouseID: 1, Quantity: d("10"), CreatedBy: "planner",
	})
	if err != nil {
		t.Fatalf("create order: %v", err)
	}
	if _, err := svc.orders.ValidateOrder(ctx, order.ID, "supervisor"); err != nil {
		t.Fatalf("validate: %v", err)
	}

	order, err = svc.orders.CancelOrder(ctx, order.ID, "planner")
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if order.Status != core.OrderStatusCancelled {
		t.Errorf("status = %s, want CANCELLED", order.Status)
	}
	assertBalance(t, pool, 1, 1, "10000", "0")
	assertBalance(t, pool, 2, 1, "5000", "0")
	for _, item := range order.Items {
		if item.Status != core.ItemStatusReleased {
			t.Errorf("item %d status = %s, want RELEASED", item.ID, item.Status)
		}
	}

	// Terminal means terminal.
	_, err = svc.orders.CancelOrder(ctx, order.ID, "planner")
	var transition *core.InvalidTransitionError
	if !errors.As(err, &transition) {
		t.Fatalf("expected InvalidTransitionError, got %v", err)
	}
	_, err = svc.orders.ValidateOrder(ctx, order.ID, "supervisor")
	if !errors.As(err, &transition) {
		t.Fatalf("expected InvalidTransitionError on re-validate, got %v", err)
	}
}

func TestManufacturing_CancelInProgressKeepsConsumption(t *testing.T) {
	pool := setupTestDB(t)
	defer pool.Close()
	svc := newTestServices(pool)
	ctx := context.Background()
	bom := seedProduction(t, svc)

	order, err := svc.orders.CreateOrder(ctx, core.CreateManufacturingOrderInput{
		BomID: bom.ID, WarehouseID: 1, Quantity: d("10"), CreatedBy: "planner",
	})
	if err != nil {
		t.Fatalf("create order: %v", err)
	}
	if _, err := svc.orders.ValidateOrder(ctx, order.ID, "supervisor"); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if _, err := svc.orders.StartOrder(ctx, order.ID, "operator"); err != nil {
		t.Fatalf("start: %v", err)
	}

	order, err = svc.orders.CancelOrder(ctx, order.ID, "planner")
	if err != nil {
		t.Fatalf("cancel in progress: %v", err)
	}
	if order.Status != core.OrderStatusCancelled {
		t.Errorf("status = %s, want CANCELLED", order.Status)
	}
	// Consumed material stays consumed.
	assertBalance(t, pool, 1, 1, "5000", "0")
	assertBalance(t, pool, 2, 1, "3000", "0")
}

func TestManufacturing_UpdateOrderWhitelist(t *testing.T) {
	pool := setupTestDB(t)
	defer pool.Close()
	svc := newTestServices(pool)
	ctx := context.Background()
	bom := seedProduction(t, svc)

	order, err := svc.orders.CreateOrder(ctx, core.CreateManufacturingOrderInput{
		BomID: bom.ID, WarehouseID: 1, Quantity: d("10"), CreatedBy: "planner",
	})
	if err != nil {
		t.Fatalf("create order: %v", err)
	}

	// Quantity is editable in DRAFT, and items rescale with it.
	newQty := d("20")
	order, err = svc.orders.UpdateOrder(ctx, order.ID, core.UpdateOrderInput{QuantityToProduce: &newQty})
	if err != nil {
		t.Fatalf("update quantity in draft: %v", err)
	}
	if !order.QuantityToProduce.Equal(d("20")) {
		t.Errorf("quantity = %s, want 20", order.QuantityToProduce)
	}
	if !order.Items[0].RequiredQuantity.Equal(d("10000")) {
		t.Errorf("flour required after rescale = %s, want 10000", order.Items[0].RequiredQuantity)
	}
	if !order.TotalCost.Equal(d("1220")) {
		t.Errorf("total cost after rescale = %s, want 1220", order.TotalCost)
	}

	if _, err := svc.orders.ValidateOrder(ctx, order.ID, "supervisor"); err != nil {
		t.Fatalf("validate: %v", err)
	}

	// After validation the quantity is frozen, but scheduling fields stay open.
	_, err = svc.orders.UpdateOrder(ctx, order.ID, core.UpdateOrderInput{QuantityToProduce: &newQty})
	var transition *core.InvalidTransitionError
	if !errors.As(err, &transition) {
		t.Fatalf("expected InvalidTransitionError for quantity edit, got %v", err)
	}

	notes := "rush job for the fair"
	order, err = svc.orders.UpdateOrder(ctx, order.ID, core.UpdateOrderInput{Notes: &notes})
	if err != nil {
		t.Fatalf("update notes in validated: %v", err)
	}
	if order.Notes != notes {
		t.Errorf("notes = %q, want %q", order.Notes, notes)
	}
}

func TestManufacturing_InactiveMaterialFailsValidation(t *testing.T) {
	pool := setupTestDB(t)
	defer pool.Close()
	svc := newTestServices(pool)
	ctx := context.Background()
	bom := seedProduction(t, svc)

	order, err := svc.orders.CreateOrder(ctx, core.CreateManufacturingOrderInput{
		BomID: bom.ID, WarehouseID: 1, Quantity: d("10"), CreatedBy: "planner",
	})
	if err != nil {
		t.Fatalf("create order: %v", err)
	}

	if _, err := pool.Exec(ctx, "UPDATE products SET is_active = false WHERE id = 1"); err != nil {
		t.Fatalf("deactivate flour: %v", err)
	}

	_, err = svc.orders.ValidateOrder(ctx, order.ID, "supervisor")
	var notFound *core.NotFoundError
	if !errors.As(err, &notFound) {
		t.Fatalf("expected NotFoundError for inactive material, got %v", err)
	}

	order, err = svc.orders.GetOrder(ctx, order.ID)
	if err != nil {
		t.Fatalf("reload order: %v", err)
	}
	if order.Status != core.OrderStatusDraft {
		t.Errorf("status = %s, want DRAFT", order.Status)
	}
	assertBalance(t, pool, 2, 1, "5000", "0")
}

func TestManufacturing_QualityCheckOnlyInProgress(t *testing.T) {
	pool := setupTestDB(t)
	defer pool.Close()
	svc := newTestServices(pool)
	ctx := context.Background()
	bom := seedProduction(t, svc)

	order, err := svc.orders.CreateOrder(ctx, core.CreateManufacturingOrderInput{
		BomID: bom.ID, WarehouseID: 1, Quantity: d("10"), CreatedBy: "planner",
	})
	if err != nil {
		t.Fatalf("create order: %v", err)
	}

	err = svc.orders.RecordQualityCheck(ctx, order.ID, core.QualityPassed, "", "qa")
	var transition *core.InvalidTransitionError
	if !errors.As(err, &transition) {
		t.Fatalf("expected InvalidTransitionError on DRAFT order, got %v", err)
	}
}

func assertBalance(t *testing.T, pool *pgxpool.Pool, productID, warehouseID int, wantCurrent, wantReserved string) {
	t.Helper()
	var current, reserved decimal.Decimal
	err := pool.QueryRow(context.Background(), `
		SELECT current_quantity, reserved_quantity
		FROM stock_balances
		WHERE product_id = $1 AND warehouse_id = $2
	`, productID, warehouseID).Scan(&current, &reserved)
	if err != nil {
		t.Fatalf("read balance (%d, %d): %v", productID, warehouseID, err)
	}
	if !current.Equal(d(wantCurrent)) || !reserved.Equal(d(wantReserved)) {
		t.Errorf("balance (%d, %d) = (%s, %s), want (%s, %s)",
			productID, warehouseID, current, reserved, wantCurrent, wantReserved)
	}
}
