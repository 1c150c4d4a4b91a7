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

// UomService resolves units of measure and converts quantities between
// compatible units. Units form a forest: every unit's base_unit chain
// terminates at a root base unit, and conversion is only defined between
// units sharing the same root.
type UomService interface {
	// GetUomInfo resolves a unit to its root base unit and cumulative
	// conversion factor.
	GetUomInfo(ctx context.Context, uomID int) (*UomInfo, error)
	// Convert converts quantity from one unit to another. Fails with
	// IncompatibleUnitsError when the units' roots differ.
	Convert(ctx context.Context, quantity decimal.Decimal, fromUomID, toUomID int) (decimal.Decimal, error)
	// ToBase converts quantity into root base units.
	ToBase(ctx context.Context, quantity decimal.Decimal, uomID int) (decimal.Decimal, error)
	// RelatedUnits returns the full family sharing the unit's root,
	// for building constrained unit selection sets.
	RelatedUnits(ctx context.Context, uomID int) ([]UomInfo, error)
	// Invalidate drops the cached definition of a unit. Must be called
	// whenever a uom's base_unit or conversion_factor is edited; stale
	// factors silently corrupt every downstream quantity and cost.
	Invalidate(uomID int)
}

type uomService struct {
	pool  *pgxpool.Pool
	cache *uomCache
}

func NewUomService(pool *pgxpool.Pool, cacheTTL time.Duration) UomService {
	return &uomService{pool: pool, cache: newUomCache(cacheTTL)}
}

func (s *uomService) getUom(ctx context.Context, uomID int) (Uom, error) {
	if u, ok := s.cache.get(uomID); ok {
		return u, nil
	}

	var u Uom
	err := s.pool.QueryRow(ctx,
		"SELECT id, name, short_code, base_unit_id, conversion_factor FROM uoms WHERE id = $1",
		uomID,
	).Scan(&u.ID, &u.Name, &u.ShortCode, &u.BaseUnitID, &u.ConversionFactor)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Uom{}, &NotFoundError{Entity: "uom", ID: uomID}
		}
		return Uom{}, fmt.Errorf("failed to fetch uom %d: %w", uomID, err)
	}

	s.cache.set(u)
	return u, nil
}

// walkToRoot follows base_unit references to the root base unit,
// accumulating the conversion factor along the way. A visited set guards
// against cyclic configurations, which would otherwise loop forever.
func (s *uomService) walkToRoot(ctx context.Context, uomID int) (rootID int, factor decimal.Decimal, err error) {
	factor = decimal.NewFromInt(1)
	visited := make(map[int]bool)

	current, err := s.getUom(ctx, uomID)
	if err != nil {
		return 0, decimal.Zero, err
	}

	for {
		if visited[current.ID] {
			return 0, decimal.Zero, &UomCycleError{UomID: uomID}
		}
		visited[current.ID] = true

		if current.BaseUnitID == nil {
			return current.ID, factor, nil
		}

		factor = factor.Mul(current.ConversionFactor)
		current, err = s.getUom(ctx, *current.BaseUnitID)
		if err != nil {
			return 0, decimal.Zero, err
		}
	}
}

func (s *uomService) GetUomInfo(ctx context.Context, uomID int) (*UomInfo, error) {
	u, err := s.getUom(ctx, uomID)
	if err != nil {
		return nil, err
	}
	rootID, factor, err := s.walkToRoot(ctx, uomID)
	if err != nil {
		return nil, err
	}
	return &UomInfo{
		ID:          u.ID,
		DisplayName: u.Name,
		ShortCode:   u.ShortCode,
		BaseUnitID:  u.BaseUnitID,
		RootUnitID:  rootID,
		BaseFactor:  factor,
		IsBase:      u.BaseUnitID == nil,
	}, nil
}

func (s *uomService) Convert(ctx context.Context, quantity decimal.Decimal, fromUomID, toUomID int) (decimal.Decimal, error) {
	if fromUomID == toUomID {
		return quantity, nil
	}

	fromRoot, fromFactor, err := s.walkToRoot(ctx, fromUomID)
	if err != nil {
		return decimal.Zero, err
	}
	toRoot, toFactor, err := s.walkToRoot(ctx, toUomID)
	if err != nil {
		return decimal.Zero, err
	}

	if fromRoot != toRoot {
		return decimal.Zero, &IncompatibleUnitsError{
			FromUomID: fromUomID, ToUomID: toUomID,
			FromRoot: fromRoot, ToRoot: toRoot,
		}
	}

	baseQuantity := quantity.Mul(fromFactor)
	return baseQuantity.Div(toFactor), nil
}

func (s *uomService) ToBase(ctx context.Context, quantity decimal.Decimal, uomID int) (decimal.Decimal, error) {
	_, factor, err := s.walkToRoot(ctx, uomID)
	if err != nil {
		return decimal.Zero, err
	}
	return quantity.Mul(factor), nil
}

// RelatedUnits returns the unit's ancestors and every descendant of its
// root, i.e. the whole compatible family.
func (s *uomService) RelatedUnits(ctx context.Context, uomID int) ([]UomInfo, error) {
	rootID, _, err := s.walkToRoot(ctx, uomID)
	if err != nil {
		return nil, err
	}

	rows, err := s.pool.Query(ctx, `
		WITH RECURSIVE family AS (
			SELECT id, name, short_code, base_unit_id, conversion_factor
			FROM uoms WHERE id = $1
			UNION ALL
			SELECT u.id, u.name, u.short_code, u.base_unit_id, u.conversion_factor
			FROM uoms u
			JOIN family f ON u.base_unit_id = f.id
		)
		SELECT id, name, short_code, base_unit_id, conversion_factor
		FROM family
		ORDER BY id
	`, rootID)
	if err != nil {
		return nil, fmt.Errorf("failed to query uom family of %d: %w", uomID, err)
	}
	defer rows.Close()

	var family []UomInfo
	for rows.Next() {
		var u Uom
		if err := rows.Scan(&u.ID, &u.Name, &u.ShortCode, &u.BaseUnitID, &u.ConversionFactor); err != nil {
			return nil, fmt.Errorf("failed to scan uom: %w", err)
		}
		s.cache.set(u)

		_, factor, err := s.walkToRoot(ctx, u.ID)
		if err != nil {
			return nil, err
		}
		family = append(family, UomInfo{
			ID:          u.ID,
			DisplayName: u.Name,
			ShortCode:   u.ShortCode,
			BaseUnitID:  u.BaseUnitID,
			RootUnitID:  rootID,
			BaseFactor:  factor,
			IsBase:      u.BaseUnitID == nil,
		})
	}
	return family, rows.Err()
}

func (s *uomService) Invalidate(uomID int) {
	s.cache.forget(uomID)
}
