package core

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

// seededUomService builds a service whose cache already holds the given
// units, so conversion logic is exercised without a database.
func seededUomService(units ...Uom) *uomService {
	s := &uomService{cache: newUomCache(time.Hour)}
	for _, u := range units {
		s.cache.set(u)
	}
	return s
}

func intPtr(i int) *int { return &i }

func massUnits() []Uom {
	return []Uom{
		{ID: 1, Name: "Gram", ShortCode: "g", ConversionFactor: decimal.NewFromInt(1)},
		{ID: 2, Name: "Kilogram", ShortCode: "kg", BaseUnitID: intPtr(1), ConversionFactor: decimal.NewFromInt(1000)},
		{ID: 3, Name: "Tonne", ShortCode: "t", BaseUnitID: intPtr(2), ConversionFactor: decimal.NewFromInt(1000)},
	}
}

func TestUomService_ConvertWithinFamily(t *testing.T) {
	s := seededUomService(massUnits()...)
	ctx := context.Background()

	got, err := s.Convert(ctx, decimal.NewFromInt(2), 2, 1)
	if err != nil {
		t.Fatalf("convert kg->g: %v", err)
	}
	if !got.Equal(decimal.NewFromInt(2000)) {
		t.Errorf("2 kg = %s g, want 2000", got)
	}

	// Two-hop chain: tonne resolves through kg to grams.
	got, err = s.Convert(ctx, decimal.NewFromInt(1), 3, 1)
	if err != nil {
		t.Fatalf("convert t->g: %v", err)
	}
	if !got.Equal(decimal.NewFromInt(1_000_000)) {
		t.Errorf("1 t = %s g, want 1000000", got)
	}

	// Upward conversion divides by the target's factor.
	got, err = s.Convert(ctx, decimal.NewFromInt(500), 1, 2)
	if err != nil {
		t.Fatalf("convert g->kg: %v", err)
	}
	if !got.Equal(decimal.RequireFromString("0.5")) {
		t.Errorf("500 g = %s kg, want 0.5", got)
	}
}

func TestUomService_ConvertRoundTrip(t *testing.T) {
	s := seededUomService(massUnits()...)
	ctx := context.Background()

	start := decimal.RequireFromString("3.25")
	toG, err := s.Convert(ctx, start, 2, 1)
	if err != nil {
		t.Fatalf("kg->g: %v", err)
	}
	back, err := s.Convert(ctx, toG, 1, 2)
	if err != nil {
		t.Fatalf("g->kg: %v", err)
	}
	if !back.Equal(start) {
		t.Errorf("round trip changed quantity: %s -> %s", start, back)
	}
}

func TestUomService_ConvertIdentity(t *testing.T) {
	// Identity conversion must not touch the cache or the database.
	s := &uomService{cache: newUomCache(time.Hour)}

	q := decimal.RequireFromString("7.125")
	got, err := s.Convert(context.Background(), q, 42, 42)
	if err != nil {
		t.Fatalf("identity convert: %v", err)
	}
	if !got.Equal(q) {
		t.Errorf("identity convert changed quantity: %s -> %s", q, got)
	}
}

func TestUomService_ConvertIncompatibleFamilies(t *testing.T) {
	units := append(massUnits(),
		Uom{ID: 10, Name: "Piece", ShortCode: "pcs", ConversionFactor: decimal.NewFromInt(1)},
		Uom{ID: 11, Name: "Dozen", ShortCode: "dz", BaseUnitID: intPtr(10), ConversionFactor: decimal.NewFromInt(12)},
	)
	s := seededUomService(units...)

	_, err := s.Convert(context.Background(), decimal.NewFromInt(1), 2, 11)
	var incompatible *IncompatibleUnitsError
	if !errors.As(err, &incompatible) {
		t.Fatalf("expected IncompatibleUnitsError, got %v", err)
	}
	if incompatible.FromRoot != 1 || incompatible.ToRoot != 10 {
		t.Errorf("error roots = (%d, %d), want (1, 10)", incompatible.FromRoot, incompatible.ToRoot)
	}
}

func TestUomService_CyclicChainDetected(t *testing.T) {
	s := seededUomService(
		Uom{ID: 20, Name: "A", ShortCode: "a", BaseUnitID: intPtr(21), ConversionFactor: decimal.NewFromInt(2)},
		Uom{ID: 21, Name: "B", ShortCode: "b", BaseUnitID: intPtr(20), ConversionFactor: decimal.NewFromInt(3)},
	)

	_, _, err := s.walkToRoot(context.Background(), 20)
	var cycle *UomCycleError
	if !errors.As(err, &cycle) {
		t.Fatalf("expected UomCycleError, got %v", err)
	}
}

func TestUomService_ToBase(t *testing.T) {
	s := seededUomService(massUnits()...)

	got, err := s.ToBase(context.Background(), decimal.NewFromInt(6), 2)
	if err != nil {
		t.Fatalf("to base: %v", err)
	}
	if !got.Equal(decimal.NewFromInt(6000)) {
		t.Errorf("6 kg = %s g, want 6000", got)
	}
}

func TestUomCache_ExpiryAndInvalidate(t *testing.T) {
	c := newUomCache(10 * time.Millisecond)
	u := Uom{ID: 1, Name: "Gram", ShortCode: "g", ConversionFactor: decimal.NewFromInt(1)}

	c.set(u)
	if _, ok := c.get(1); !ok {
		t.Fatal("expected cache hit right after set")
	}

	c.forget(1)
	if _, ok := c.get(1); ok {
		t.Fatal("expected miss after forget")
	}

	c.set(u)
	time.Sleep(20 * time.Millisecond)
	if _, ok := c.get(1); ok {
		t.Fatal("expected miss after ttl expiry")
	}
}
