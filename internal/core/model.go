package core

import (
	"time"

	"github.com/shopspring/decimal"
)

// Uom is one node in a unit-of-measure tree. BaseUnitID is nil for root
// (base) units; ConversionFactor expresses how many units of the parent
// one unit of this Uom represents.
type Uom struct {
	ID               int
	Name             string
	ShortCode        string
	BaseUnitID       *int
	ConversionFactor decimal.Decimal
}

// UomInfo is the resolved view of a unit: its root base unit and the
// cumulative factor converting one unit into root base units.
type UomInfo struct {
	ID          int
	DisplayName string
	ShortCode   string
	BaseUnitID  *int
	RootUnitID  int
	// BaseFactor converts one unit of this Uom into root base units.
	BaseFactor decimal.Decimal
	IsBase     bool
}

type Product struct {
	ID               int
	Code             string
	Name             string
	UomID            int
	CurrentStock     decimal.Decimal // base units, summed across warehouses
	AverageCost      decimal.Decimal // weighted average cost per base unit
	LastPurchaseCost decimal.Decimal
	IsActive         bool
	CreatedAt        time.Time
}

type Warehouse struct {
	ID        int
	Code      string
	Name      string
	IsActive  bool
	CreatedAt time.Time
}

// StockBalance is the physical balance of one product in one warehouse,
// in base units. Created lazily on first movement, never deleted.
type StockBalance struct {
	ID               int
	ProductID        int
	WarehouseID      int
	CurrentQuantity  decimal.Decimal
	ReservedQuantity decimal.Decimal
	UpdatedAt        time.Time
}

func (b StockBalance) Available() decimal.Decimal {
	return b.CurrentQuantity.Sub(b.ReservedQuantity)
}

type MovementType string

const (
	MovementIn         MovementType = "IN"
	MovementOut        MovementType = "OUT"
	MovementTransfer   MovementType = "TRANSFER"
	MovementAdjustment MovementType = "ADJUSTMENT"
)

// Movement reasons recorded on the journal.
const (
	ReasonPurchaseReceipt      = "PURCHASE_RECEIPT"
	ReasonManufacturingConsume = "MANUFACTURING_CONSUME"
	ReasonManufacturingOutput  = "MANUFACTURING_OUTPUT"
	ReasonTransferOut          = "TRANSFER_OUT"
	ReasonTransferIn           = "TRANSFER_IN"
	ReasonAdjustment           = "STOCK_ADJUSTMENT"
)

// Reference types linking movements back to the triggering document.
const (
	RefManufacturingOrder = "MANUFACTURING_ORDER"
	RefStockTransfer      = "STOCK_TRANSFER"
)

// StockMovement is an immutable journal entry. Quantity is signed:
// positive for stock entering the warehouse, negative for stock leaving.
// Reversal is a new compensating movement, never an edit.
type StockMovement struct {
	ID             int
	MovementNumber string
	ProductID      int
	WarehouseID    int
	Type           MovementType
	Reason         string
	Quantity       decimal.Decimal // base units, signed
	UnitCost       decimal.Decimal // per base unit
	TotalCost      decimal.Decimal
	ReferenceType  *string
	ReferenceID    *int
	ApprovedBy     *string
	CreatedBy      string
	CreatedAt      time.Time
}

// StockLevel is a read view of a stock_balance joined with product and
// warehouse info.
type StockLevel struct {
	ProductCode   string
	ProductName   string
	WarehouseCode string
	WarehouseName string
	OnHand        decimal.Decimal
	Reserved      decimal.Decimal
	Available     decimal.Decimal
}

// WarehouseStock is one allocator candidate: stock of a product sitting
// in one warehouse.
type WarehouseStock struct {
	WarehouseID int
	Quantity    decimal.Decimal
}

// Allocation is one line of an allocation plan.
type Allocation struct {
	WarehouseID int
	Quantity    decimal.Decimal
}

type BomStatus string

const (
	BomStatusDraft  BomStatus = "DRAFT"
	BomStatusActive BomStatus = "ACTIVE"
)

// BomMaster is a recipe: the output product with its quantity and unit,
// plus labor and overhead cost for one batch of OutputQuantity.
type BomMaster struct {
	ID             int
	Code           string
	ProductID      int
	OutputQuantity decimal.Decimal
	OutputUomID    int
	LaborCost      decimal.Decimal
	OverheadCost   decimal.Decimal
	Status         BomStatus
	EffectiveFrom  *time.Time
	EffectiveTo    *time.Time
	CreatedAt      time.Time
	Details        []BomDetail
}

// BomDetail is one raw-material line of a recipe. UnitCost is the
// material's cost per detail-UOM unit, captured at authoring time.
type BomDetail struct {
	ID                int
	BomID             int
	MaterialProductID int
	Quantity          decimal.Decimal
	UomID             int
	UnitCost          decimal.Decimal
}

// BomCostLine is the scaled cost of one raw-material line.
type BomCostLine struct {
	MaterialProductID int
	RequiredQuantity  decimal.Decimal // in the detail's UOM
	UomID             int
	UnitCost          decimal.Decimal
	LineCost          decimal.Decimal
}

// BomCostBreakdown is the rolled-up cost of producing TargetQuantity
// units of a BOM's output.
type BomCostBreakdown struct {
	Multiplier   decimal.Decimal
	Lines        []BomCostLine
	MaterialCost decimal.Decimal
	LaborCost    decimal.Decimal
	OverheadCost decimal.Decimal
	TotalCost    decimal.Decimal
	UnitCost     decimal.Decimal // TotalCost / target quantity
}

type OrderStatus string

const (
	OrderStatusDraft      OrderStatus = "DRAFT"
	OrderStatusValidated  OrderStatus = "VALIDATED"
	OrderStatusInProgress OrderStatus = "IN_PROGRESS"
	OrderStatusCompleted  OrderStatus = "COMPLETED"
	OrderStatusCancelled  OrderStatus = "CANCELLED"
)

type ItemStatus string

const (
	ItemStatusPending  ItemStatus = "PENDING"
	ItemStatusReserved ItemStatus = "RESERVED"
	ItemStatusConsumed ItemStatus = "CONSUMED"
	ItemStatusReleased ItemStatus = "RELEASED"
)

type ManufacturingOrder struct {
	ID                   int
	OrderNumber          string
	BomID                int
	ProductID            int
	WarehouseID          int
	QuantityToProduce    decimal.Decimal // in the BOM's output UOM
	ProducedQuantity     *decimal.Decimal
	UnitCost             decimal.Decimal // planned cost per output unit
	TotalCost            decimal.Decimal
	Status               OrderStatus
	Priority             string
	ScheduledDate        *time.Time
	Notes                string
	QualityCheckRequired bool
	CreatedBy            string
	ValidatedBy          *string
	StartedBy            *string
	CompletedBy          *string
	CancelledBy          *string
	CreatedAt            time.Time
	ValidatedAt          *time.Time
	StartedAt            *time.Time
	CompletedAt          *time.Time
	CancelledAt          *time.Time
	Items                []ManufacturingOrderItem
}

// ManufacturingOrderItem snapshots one raw-material requirement at order
// creation time. Owned exclusively by its order.
type ManufacturingOrderItem struct {
	ID                int
	OrderID           int
	MaterialProductID int
	BomQuantity       decimal.Decimal // per one BOM batch
	RequiredQuantity  decimal.Decimal // scaled by the order multiplier, in the item's UOM
	UomID             int
	UnitCost          decimal.Decimal
	Status            ItemStatus
}

type QualityResult string

const (
	QualityPassed QualityResult = "PASSED"
	QualityFailed QualityResult = "FAILED"
)

type QualityCheck struct {
	ID        int
	OrderID   int
	Result    QualityResult
	Notes     string
	CheckedBy string
	CheckedAt time.Time
}

// Shortage describes one raw material that cannot be covered by current
// availability. Shaped for direct UI consumption.
type Shortage struct {
	ProductID         int             `json:"product_id"`
	ProductName       string          `json:"product_name"`
	RequiredQuantity  decimal.Decimal `json:"required_quantity"`
	AvailableQuantity decimal.Decimal `json:"available_quantity"`
	Shortfall         decimal.Decimal `json:"shortfall"`
}
