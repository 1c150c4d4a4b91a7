package core

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// NotFoundError reports a missing product, uom, warehouse, BOM or order.
type NotFoundError struct {
	Entity string
	ID     any
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %v not found", e.Entity, e.ID)
}

// IncompatibleUnitsError reports a conversion between units whose trees
// terminate at different base units.
type IncompatibleUnitsError struct {
	FromUomID int
	ToUomID   int
	FromRoot  int
	ToRoot    int
}

func (e *IncompatibleUnitsError) Error() string {
	return fmt.Sprintf("uom %d (base %d) is not convertible to uom %d (base %d)",
		e.FromUomID, e.FromRoot, e.ToUomID, e.ToRoot)
}

// UomCycleError reports a uom whose base_unit chain does not terminate.
// This is a configuration defect, not a conversion failure.
type UomCycleError struct {
	UomID int
}

func (e *UomCycleError) Error() string {
	return fmt.Sprintf("uom %d has a cyclic base_unit chain", e.UomID)
}

// InsufficientStockError reports a mutation or allocation that would
// require more stock than is available. Shortfall carries the missing
// base-unit quantity.
type InsufficientStockError struct {
	ProductID int
	Requested decimal.Decimal
	Available decimal.Decimal
	Shortfall decimal.Decimal
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock for product %d: requested %s, available %s (short %s)",
		e.ProductID, e.Requested, e.Available, e.Shortfall)
}

// InvalidTransitionError reports a state-machine guard violation.
type InvalidTransitionError struct {
	OrderID int
	From    OrderStatus
	Action  string
	Reason  string
}

func (e *InvalidTransitionError) Error() string {
	msg := fmt.Sprintf("order %d cannot %s from status %s", e.OrderID, e.Action, e.From)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}

// ShortageError enumerates every raw material an order validation found
// short, so a single round trip can surface all problems at once.
type ShortageError struct {
	OrderID   int
	Shortages []Shortage
}

func (e *ShortageError) Error() string {
	return fmt.Sprintf("order %d has %d material(s) short of stock", e.OrderID, len(e.Shortages))
}
