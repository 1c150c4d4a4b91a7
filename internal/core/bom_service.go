package core

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

// CreateBomInput describes a new recipe. Detail unit costs are not
// supplied: they are captured from each material's current average cost,
// converted into the detail's UOM, at save time.
type CreateBomInput struct {
	Code           string
	ProductID      int
	OutputQuantity decimal.Decimal
	OutputUomID    int
	LaborCost      decimal.Decimal
	OverheadCost   decimal.Decimal
	EffectiveFrom  *time.Time
	EffectiveTo    *time.Time
	Details        []BomDetailInput
}

type BomDetailInput struct {
	MaterialProductID int
	Quantity          decimal.Decimal
	UomID             int
}

// BomService manages recipes and rolls their cost up.
type BomService interface {
	// CreateBom saves a DRAFT recipe. Duplicate raw materials within one
	// BOM are rejected here, at save time.
	CreateBom(ctx context.Context, in CreateBomInput) (*BomMaster, error)
	// ActivateBom transitions DRAFT → ACTIVE.
	ActivateBom(ctx context.Context, bomID int) error
	GetBom(ctx context.Context, bomID int) (*BomMaster, error)
	// GetActiveBomForProduct returns the product's ACTIVE recipe whose
	// effective date range covers today.
	GetActiveBomForProduct(ctx context.Context, productID int) (*BomMaster, error)
}

type bomService struct {
	pool *pgxpool.Pool
	uoms UomService
}

func NewBomService(pool *pgxpool.Pool, uoms UomService) BomService {
	return &bomService{pool: pool, uoms: uoms}
}

// ComputeBomCost rolls up material, labor and overhead cost for
// producing targetQuantity units of the BOM's output. Line quantities
// scale linearly with the multiplier targetQuantity / OutputQuantity;
// labor and overhead are per-batch figures and scale the same way.
func ComputeBomCost(bom *BomMaster, targetQuantity decimal.Decimal) (*BomCostBreakdown, error) {
	if bom.OutputQuantity.Sign() <= 0 {
		return nil, fmt.Errorf("bom %d has non-positive output quantity %s", bom.ID, bom.OutputQuantity)
	}
	if targetQuantity.Sign() <= 0 {
		return nil, fmt.Errorf("target quantity must be positive, got %s", targetQuantity)
	}

	multiplier := targetQuantity.Div(bom.OutputQuantity)

	breakdown := &BomCostBreakdown{
		Multiplier:   multiplier,
		LaborCost:    bom.LaborCost.Mul(multiplier),
		OverheadCost: bom.OverheadCost.Mul(multiplier),
	}

	for _, d := range bom.Details {
		required := d.Quantity.Mul(multiplier)
		lineCost := required.Mul(d.UnitCost)
		breakdown.Lines = append(breakdown.Lines, BomCostLine{
			MaterialProductID: d.MaterialProductID,
			RequiredQuantity:  required,
			UomID:             d.UomID,
			UnitCost:          d.UnitCost,
			LineCost:          lineCost,
		})
		breakdown.MaterialCost = breakdown.MaterialCost.Add(lineCost)
	}

	breakdown.TotalCost = breakdown.MaterialCost.Add(breakdown.LaborCost).Add(breakdown.OverheadCost)
	breakdown.UnitCost = breakdown.TotalCost.Div(targetQuantity)
	return breakdown, nil
}

func (s *bomService) CreateBom(ctx context.Context, in CreateBomInput) (*BomMaster, error) {
	if len(in.Details) == 0 {
		return nil, fmt.Errorf("bom must have at least one raw material line")
	}
	if in.OutputQuantity.Sign() <= 0 {
		return nil, fmt.Errorf("bom output quantity must be positive, got %s", in.OutputQuantity)
	}

	seen := make(map[int]bool, len(in.Details))
	for _, d := range in.Details {
		if seen[d.MaterialProductID] {
			return nil, fmt.Errorf("duplicate raw material %d in bom %s", d.MaterialProductID, in.Code)
		}
		seen[d.MaterialProductID] = true
		if d.Quantity.Sign() <= 0 {
			return nil, fmt.Errorf("raw material %d quantity must be positive, got %s", d.MaterialProductID, d.Quantity)
		}
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var outputUomID int
	err = tx.QueryRow(ctx,
		"SELECT uom_id FROM products WHERE id = $1 AND is_active = true",
		in.ProductID,
	).Scan(&outputUomID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, &NotFoundError{Entity: "product", ID: in.ProductID}
		}
		return nil, fmt.Errorf("failed to resolve output product: %w", err)
	}

	// The recorded output UOM must belong to the product's unit family.
	if _, err := s.uoms.Convert(ctx, decimal.NewFromInt(1), in.OutputUomID, outputUomID); err != nil {
		return nil, err
	}

	var bomID int
	err = tx.QueryRow(ctx, `
		INSERT INTO bom_masters
			(code, product_id, output_quantity, output_uom_id, labor_cost, overhead_cost, status, effective_from, effective_to)
		VALUES ($1, $2, $3, $4, $5, $6, 'DRAFT', $7, $8)
		RETURNING id
	`, in.Code, in.ProductID, in.OutputQuantity, in.OutputUomID,
		in.LaborCost, in.OverheadCost, in.EffectiveFrom, in.EffectiveTo,
	).Scan(&bomID)
	if err != nil {
		return nil, fmt.Errorf("failed to insert bom: %w", err)
	}

	for i, d := range in.Details {
		var materialUomID int
		var avgCost decimal.Decimal
		err = tx.QueryRow(ctx,
			"SELECT uom_id, average_cost FROM products WHERE id = $1 AND is_active = true",
			d.MaterialProductID,
		).Scan(&materialUomID, &avgCost)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return nil, &NotFoundError{Entity: "product", ID: d.MaterialProductID}
			}
			return nil, fmt.Errorf("line %d: failed to resolve material: %w", i+1, err)
		}

		// The line's unit must stay inside the material's own family;
		// this is what RelatedUnits constrains selection sets to.
		info, err := s.uoms.GetUomInfo(ctx, d.UomID)
		if err != nil {
			return nil, err
		}
		materialInfo, err := s.uoms.GetUomInfo(ctx, materialUomID)
		if err != nil {
			return nil, err
		}
		if info.RootUnitID != materialInfo.RootUnitID {
			return nil, &IncompatibleUnitsError{
				FromUomID: d.UomID, ToUomID: materialUomID,
				FromRoot: info.RootUnitID, ToRoot: materialInfo.RootUnitID,
			}
		}

		// Average cost is per base unit; one detail-UOM unit is
		// BaseFactor base units.
		unitCost := avgCost.Mul(info.BaseFactor)

		_, err = tx.Exec(ctx, `
			INSERT INTO bom_details (bom_id, material_product_id, quantity, uom_id, unit_cost)
			VALUES ($1, $2, $3, $4, $5)
		`, bomID, d.MaterialProductID, d.Quantity, d.UomID, unitCost)
		if err != nil {
			return nil, fmt.Errorf("line %d: failed to insert bom detail: %w", i+1, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit bom creation: %w", err)
	}
	return s.GetBom(ctx, bomID)
}

func (s *bomService) ActivateBom(ctx context.Context, bomID int) error {
	tag, err := s.pool.Exec(ctx,
		"UPDATE bom_masters SET status = 'ACTIVE' WHERE id = $1 AND status = 'DRAFT'",
		bomID,
	)
	if err != nil {
		return fmt.Errorf("failed to activate bom %d: %w", bomID, err)
	}
	if tag.RowsAffected() == 0 {
		return &NotFoundError{Entity: "draft bom", ID: bomID}
	}
	return nil
}

func (s *bomService) GetBom(ctx context.Context, bomID int) (*BomMaster, error) {
	var b BomMaster
	err := s.pool.QueryRow(ctx, `
		SELECT id, code, product_id, output_quantity, output_uom_id,
		       labor_cost, overhead_cost, status, effective_from, effective_to, created_at
		FROM bom_masters
		WHERE id = $1
	`, bomID).Scan(
		&b.ID, &b.Code, &b.ProductID, &b.OutputQuantity, &b.OutputUomID,
		&b.LaborCost, &b.OverheadCost, &b.Status, &b.EffectiveFrom, &b.EffectiveTo, &b.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, &NotFoundError{Entity: "bom", ID: bomID}
		}
		return nil, fmt.Errorf("failed to fetch bom %d: %w", bomID, err)
	}

	details, err := s.fetchDetails(ctx, bomID)
	if err != nil {
		return nil, err
	}
	b.Details = details
	return &b, nil
}

func (s *bomService) GetActiveBomForProduct(ctx context.Context, productID int) (*BomMaster, error) {
	var bomID int
	err := s.pool.QueryRow(ctx, `
		SELECT id
		FROM bom_masters
		WHERE product_id = $1
		  AND status = 'ACTIVE'
		  AND (effective_from IS NULL OR effective_from <= CURRENT_DATE)
		  AND (effective_to IS NULL OR effective_to >= CURRENT_DATE)
		ORDER BY id DESC
		LIMIT 1
	`, productID).Scan(&bomID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, &NotFoundError{Entity: "active bom for product", ID: productID}
		}
		return nil, fmt.Errorf("failed to fetch active bom for product %d: %w", productID, err)
	}
	return s.GetBom(ctx, bomID)
}

func (s *bomService) fetchDetails(ctx context.Context, bomID int) ([]BomDetail, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, bom_id, material_product_id, quantity, uom_id, unit_cost
		FROM bom_details
		WHERE bom_id = $1
		ORDER BY id
	`, bomID)
	if err != nil {
		return nil, fmt.Errorf("failed to query bom details: %w", err)
	}
	defer rows.Close()

	var details []BomDetail
	for rows.Next() {
		var d BomDetail
		if err := rows.Scan(&d.ID, &d.BomID, &d.MaterialProductID, &d.Quantity, &d.UomID, &d.UnitCost); err != nil {
			return nil, fmt.Errorf("failed to scan bom detail: %w", err)
		}
		details = append(details, d)
	}
	return details, rows.Err()
}
