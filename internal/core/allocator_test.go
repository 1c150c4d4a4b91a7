package core_test

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"

	"mrp-core/internal/core"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestAllocateStock_GreedyLargestFirst(t *testing.T) {
	candidates := []core.WarehouseStock{
		{WarehouseID: 2, Quantity: d("5")},
		{WarehouseID: 1, Quantity: d("10")},
	}

	plan, err := core.AllocateStock(7, d("12"), candidates)
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}

	want := []core.Allocation{
		{WarehouseID: 1, Quantity: d("10")},
		{WarehouseID: 2, Quantity: d("2")},
	}
	assertPlan(t, plan, want)
}

func TestAllocateStock_ShortfallFailsWhole(t *testing.T) {
	candidates := []core.WarehouseStock{
		{WarehouseID: 1, Quantity: d("10")},
		{WarehouseID: 2, Quantity: d("5")},
	}

	_, err := core.AllocateStock(7, d("16"), candidates)
	var insufficient *core.InsufficientStockError
	if !errors.As(err, &insufficient) {
		t.Fatalf("expected InsufficientStockError, got %v", err)
	}
	if !insufficient.Shortfall.Equal(d("1")) {
		t.Errorf("shortfall = %s, want 1", insufficient.Shortfall)
	}
	if !insufficient.Available.Equal(d("15")) {
		t.Errorf("available = %s, want 15", insufficient.Available)
	}
}

func TestAllocateStock_SingleWarehouseCoversAll(t *testing.T) {
	candidates := []core.WarehouseStock{
		{WarehouseID: 3, Quantity: d("4")},
		{WarehouseID: 1, Quantity: d("20")},
		{WarehouseID: 2, Quantity: d("9")},
	}

	plan, err := core.AllocateStock(7, d("20"), candidates)
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	assertPlan(t, plan, []core.Allocation{{WarehouseID: 1, Quantity: d("20")}})
}

func TestAllocateStock_TieBrokenByWarehouseID(t *testing.T) {
	candidates := []core.WarehouseStock{
		{WarehouseID: 9, Quantity: d("5")},
		{WarehouseID: 2, Quantity: d("5")},
		{WarehouseID: 4, Quantity: d("5")},
	}

	plan, err := core.AllocateStock(7, d("11"), candidates)
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	want := []core.Allocation{
		{WarehouseID: 2, Quantity: d("5")},
		{WarehouseID: 4, Quantity: d("5")},
		{WarehouseID: 9, Quantity: d("1")},
	}
	assertPlan(t, plan, want)
}

func TestAllocateStock_IgnoresEmptyWarehouses(t *testing.T) {
	candidates := []core.WarehouseStock{
		{WarehouseID: 1, Quantity: d("0")},
		{WarehouseID: 2, Quantity: d("3")},
	}

	plan, err := core.AllocateStock(7, d("3"), candidates)
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	assertPlan(t, plan, []core.Allocation{{WarehouseID: 2, Quantity: d("3")}})

	_, err = core.AllocateStock(7, d("4"), candidates)
	var insufficient *core.InsufficientStockError
	if !errors.As(err, &insufficient) {
		t.Fatalf("expected InsufficientStockError, got %v", err)
	}
}

func assertPlan(t *testing.T, got, want []core.Allocation) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("plan has %d lines, want %d: %+v", len(got), len(want), got)
	}
	for i := range want {
		if got[i].WarehouseID != want[i].WarehouseID || !got[i].Quantity.Equal(want[i].Quantity) {
			t.Errorf("line %d = (wh %d, %s), want (wh %d, %s)",
				i, got[i].WarehouseID, got[i].Quantity, want[i].WarehouseID, want[i].Quantity)
		}
	}
}
