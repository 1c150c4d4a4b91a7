package core

import (
	"sort"

	"github.com/shopspring/decimal"
)

// AllocateStock builds a plan covering required base units of a product
// from the candidate warehouses. Warehouses are consumed largest-balance
// first: this keeps the number of warehouses touched per allocation low
// and concentrates leftovers instead of fragmenting them. Equal balances
// tie-break on warehouse id so plans are deterministic.
//
// The plan sums to exactly the required quantity, or the call fails with
// InsufficientStockError carrying the shortfall. Planning is read-only;
// the commit step acting on the plan must re-validate availability under
// its own locks.
func AllocateStock(productID int, required decimal.Decimal, candidates []WarehouseStock) ([]Allocation, error) {
	if required.Sign() <= 0 {
		return nil, nil
	}

	usable := make([]WarehouseStock, 0, len(candidates))
	total := decimal.Zero
	for _, c := range candidates {
		if c.Quantity.Sign() > 0 {
			usable = append(usable, c)
			total = total.Add(c.Quantity)
		}
	}

	if total.LessThan(required) {
		return nil, &InsufficientStockError{
			ProductID: productID,
			Requested: required,
			Available: total,
			Shortfall: required.Sub(total),
		}
	}

	sort.SliceStable(usable, func(i, j int) bool {
		if !usable[i].Quantity.Equal(usable[j].Quantity) {
			return usable[i].Quantity.GreaterThan(usable[j].Quantity)
		}
		return usable[i].WarehouseID < usable[j].WarehouseID
	})

	var plan []Allocation
	remaining := required
	for _, c := range usable {
		if remaining.Sign() == 0 {
			break
		}
		take := decimal.Min(c.Quantity, remaining)
		plan = append(plan, Allocation{WarehouseID: c.WarehouseID, Quantity: take})
		remaining = remaining.Sub(take)
	}
	return plan, nil
}
