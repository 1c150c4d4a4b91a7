package core_test

import (
	"context"
	"io"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"

	"mrp-core/internal/core"
)

func setupTestDB(t *testing.T) *pgxpool.Pool {
	_ = godotenv.Load("../../.env")

	// Use a dedicated TEST database to avoid wiping the live app database.
	// Set TEST_DATABASE_URL in your .env or environment to run integration tests.
	dbURL := os.Getenv("TEST_DATABASE_URL")
	if dbURL == "" {
		t.Skip("TEST_DATABASE_URL not set — skipping integration test to protect live database")
	}

	ctx := context.Background()
	pool, err := pgxpool.New(ctx, dbURL)
	if err != nil {
		t.Fatalf("Failed to connect to test database: %v", err)
	}

	// Clean and seed: a mass family (g, kg), a count family (pcs), two
	// raw materials stocked in grams, one finished product counted in
	// pieces, and two warehouses.
	_, err = pool.Exec(ctx, `
		TRUNCATE TABLE quality_checks, manufacturing_order_items, manufacturing_orders,
			bom_details, bom_masters, stock_movements, number_sequences,
			stock_balances, warehouses, products, uoms
			RESTART IDENTITY CASCADE;

		INSERT INTO uoms (id, name, short_code, base_unit_id, conversion_factor) VALUES
		(1, 'Gram', 'g', NULL, 1),
		(2, 'Kilogram', 'kg', 1, 1000),
		(3, 'Piece', 'pcs', NULL, 1);
		SELECT setval('uoms_id_seq', 3);

		INSERT INTO products (id, code, name, uom_id) VALUES
		(1, 'FLOUR', 'Wheat Flour', 1),
		(2, 'SUGAR', 'White Sugar', 1),
		(3, 'CAKE', 'Chocolate Cake', 3);
		SELECT setval('products_id_seq', 3);

		INSERT INTO warehouses (id, code, name) VALUES
		(1, 'WH-A', 'Main Warehouse'),
		(2, 'WH-B', 'Overflow Warehouse');
		SELECT setval('warehouses_id_seq', 2);
	`)
	if err != nil {
		t.Fatalf("Failed to seed test database: %v", err)
	}

	return pool
}

type testServices struct {
	uoms   core.UomService
	stock  core.StockService
	boms   core.BomService
	orders core.ManufacturingService
}

func newTestServices(pool *pgxpool.Pool) testServices {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	uoms := core.NewUomService(pool, time.Minute)
	stock := core.NewStockService(pool, uoms, log)
	boms := core.NewBomService(pool, uoms)
	return testServices{
		uoms:   uoms,
		stock:  stock,
		boms:   boms,
		orders: core.NewManufacturingService(pool, stock, uoms, boms, log),
	}
}
