package http

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/shopspring/decimal"

	"mrp-core/internal/core"
)

// Handler is the JSON API over the manufacturing core. Authentication
// and multi-tenant routing live in the deployment embedding this module.
type Handler struct {
	uoms   core.UomService
	stock  core.StockService
	boms   core.BomService
	orders core.ManufacturingService
	log    *slog.Logger
}

// NewHandler creates and wires the chi router with all routes.
func NewHandler(uoms core.UomService, stock core.StockService, boms core.BomService,
	orders core.ManufacturingService, log *slog.Logger) http.Handler {

	h := &Handler{uoms: uoms, stock: stock, boms: boms, orders: orders, log: log}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(h.requestLogger)

	r.Route("/api", func(r chi.Router) {
		r.Route("/uoms", func(r chi.Router) {
			r.Get("/{id}", h.getUom)
			r.Get("/{id}/related", h.getRelatedUoms)
			r.Post("/convert", h.convertUom)
		})

		r.Route("/stock", func(r chi.Router) {
			r.Post("/movements", h.applyMovement)
			r.Get("/movements", h.getMovementsByReference)
			r.Post("/transfers", h.transferStock)
			r.Post("/reservations", h.reserveStock)
			r.Post("/releases", h.releaseStock)
			r.Get("/levels", h.getStockLevels)
			r.Get("/products/{id}/available", h.getAvailableStock)
			r.Get("/products/{id}/allocation", h.getAllocationPlan)
			r.Get("/products/{id}/movements", h.getProductMovements)
		})

		r.Route("/boms", func(r chi.Router) {
			r.Post("/", h.createBom)
			r.Get("/{id}", h.getBom)
			r.Post("/{id}/activate", h.activateBom)
			r.Get("/{id}/cost", h.getBomCost)
		})

		r.Route("/orders", func(r chi.Router) {
			r.Post("/", h.createOrder)
			r.Get("/", h.listOrders)
			r.Get("/{id}", h.getOrder)
			r.Patch("/{id}", h.updateOrder)
			r.Post("/{id}/validate", h.validateOrder)
			r.Post("/{id}/start", h.startOrder)
			r.Post("/{id}/complete", h.completeOrder)
			r.Post("/{id}/cancel", h.cancelOrder)
			r.Post("/{id}/quality-checks", h.recordQualityCheck)
			r.Get("/{id}/quality-checks", h.listQualityChecks)
		})
	})

	return r
}

func (h *Handler) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		h.log.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

func idParam(r *http.Request) (int, bool) {
	id, err := strconv.Atoi(chi.URLParam(r, "id"))
	return id, err == nil && id > 0
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, "invalid request body: "+err.Error(), "BAD_REQUEST", http.StatusBadRequest)
		return false
	}
	return true
}

// ── UOM handlers ─────────────────────────────────────────────────────────────

func (h *Handler) getUom(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(r)
	if !ok {
		writeError(w, "invalid uom id", "BAD_REQUEST", http.StatusBadRequest)
		return
	}
	info, err := h.uoms.GetUomInfo(r.Context(), id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, info)
}

func (h *Handler) getRelatedUoms(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(r)
	if !ok {
		writeError(w, "invalid uom id", "BAD_REQUEST", http.StatusBadRequest)
		return
	}
	units, err := h.uoms.RelatedUnits(r.Context(), id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, units)
}

func (h *Handler) convertUom(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Quantity  decimal.Decimal `json:"quantity"`
		FromUomID int             `json:"from_uom_id"`
		ToUomID   int             `json:"to_uom_id"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	result, err := h.uoms.Convert(r.Context(), req.Quantity, req.FromUomID, req.ToUomID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, map[string]decimal.Decimal{"quantity": result})
}

// ── Stock handlers ───────────────────────────────────────────────────────────

func (h *Handler) applyMovement(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ProductID     int             `json:"product_id"`
		WarehouseID   int             `json:"warehouse_id"`
		Type          string          `json:"type"`
		Reason        string          `json:"reason"`
		Quantity      decimal.Decimal `json:"quantity"`
		UomID         int             `json:"uom_id"`
		UnitCost      decimal.Decimal `json:"unit_cost"`
		ReferenceType string          `json:"reference_type"`
		ReferenceID   int             `json:"reference_id"`
		CreatedBy     string          `json:"created_by"`
		ApprovedBy    string          `json:"approved_by"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	mv, err := h.stock.ApplyMovement(r.Context(), core.MovementInput{
		ProductID:     req.ProductID,
		WarehouseID:   req.WarehouseID,
		Type:          core.MovementType(req.Type),
		Reason:        req.Reason,
		Quantity:      req.Quantity,
		UomID:         req.UomID,
		UnitCost:      req.UnitCost,
		ReferenceType: req.ReferenceType,
		ReferenceID:   req.ReferenceID,
		CreatedBy:     req.CreatedBy,
		ApprovedBy:    req.ApprovedBy,
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, mv)
}

func (h *Handler) getMovementsByReference(w http.ResponseWriter, r *http.Request) {
	refType := r.URL.Query().Get("reference_type")
	refID, err := strconv.Atoi(r.URL.Query().Get("reference_id"))
	if refType == "" || err != nil {
		writeError(w, "reference_type and reference_id are required", "BAD_REQUEST", http.StatusBadRequest)
		return
	}
	movements, err := h.stock.GetMovementsByReference(r.Context(), refType, refID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, movements)
}

func (h *Handler) getProductMovements(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(r)
	if !ok {
		writeError(w, "invalid product id", "BAD_REQUEST", http.StatusBadRequest)
		return
	}
	warehouseID, err := strconv.Atoi(r.URL.Query().Get("warehouse_id"))
	if err != nil || warehouseID <= 0 {
		writeError(w, "warehouse_id is required", "BAD_REQUEST", http.StatusBadRequest)
		return
	}

	var from, to *time.Time
	if v := r.URL.Query().Get("from"); v != "" {
		parsed, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, "from must be RFC 3339", "BAD_REQUEST", http.StatusBadRequest)
			return
		}
		from = &parsed
	}
	if v := r.URL.Query().Get("to"); v != "" {
		parsed, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, "to must be RFC 3339", "BAD_REQUEST", http.StatusBadRequest)
			return
		}
		to = &parsed
	}

	movements, err := h.stock.GetMovementsByProductWarehouse(r.Context(), id, warehouseID, from, to)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, movements)
}

func (h *Handler) transferStock(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ProductID       int             `json:"product_id"`
		FromWarehouseID int             `json:"from_warehouse_id"`
		ToWarehouseID   int             `json:"to_warehouse_id"`
		Quantity        decimal.Decimal `json:"quantity"`
		UomID           int             `json:"uom_id"`
		Actor           string          `json:"actor"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	err := h.stock.TransferStock(r.Context(), req.ProductID, req.FromWarehouseID, req.ToWarehouseID,
		req.Quantity, req.UomID, req.Actor)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type reservationRequest struct {
	ProductID   int             `json:"product_id"`
	WarehouseID int             `json:"warehouse_id"`
	Quantity    decimal.Decimal `json:"quantity"`
}

func (h *Handler) reserveStock(w http.ResponseWriter, r *http.Request) {
	var req reservationRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if err := h.stock.Reserve(r.Context(), req.ProductID, req.WarehouseID, req.Quantity); err != nil {
		writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) releaseStock(w http.ResponseWriter, r *http.Request) {
	var req reservationRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if err := h.stock.Release(r.Context(), req.ProductID, req.WarehouseID, req.Quantity); err != nil {
		writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) getStockLevels(w http.ResponseWriter, r *http.Request) {
	levels, err := h.stock.GetStockLevels(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, levels)
}

func (h *Handler) getAvailableStock(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(r)
	if !ok {
		writeError(w, "invalid product id", "BAD_REQUEST", http.StatusBadRequest)
		return
	}
	var warehouseID *int
	if wh := r.URL.Query().Get("warehouse_id"); wh != "" {
		parsed, err := strconv.Atoi(wh)
		if err != nil {
			writeError(w, "invalid warehouse_id", "BAD_REQUEST", http.StatusBadRequest)
			return
		}
		warehouseID = &parsed
	}
	total, err := h.stock.GetAvailableStock(r.Context(), id, warehouseID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, map[string]decimal.Decimal{"quantity": total})
}

// getAllocationPlan answers "which warehouses would cover this demand":
// a read-only plan, nothing is reserved.
func (h *Handler) getAllocationPlan(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(r)
	if !ok {
		writeError(w, "invalid product id", "BAD_REQUEST", http.StatusBadRequest)
		return
	}
	required, err := decimal.NewFromString(r.URL.Query().Get("quantity"))
	if err != nil || required.Sign() <= 0 {
		writeError(w, "quantity must be a positive number", "BAD_REQUEST", http.StatusBadRequest)
		return
	}

	candidates, err := h.stock.GetUnreservedByWarehouse(r.Context(), id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	plan, err := core.AllocateStock(id, required, candidates)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, plan)
}

// ── BOM handlers ─────────────────────────────────────────────────────────────

func (h *Handler) createBom(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Code           string          `json:"code"`
		ProductID      int             `json:"product_id"`
		OutputQuantity decimal.Decimal `json:"output_quantity"`
		OutputUomID    int             `json:"output_uom_id"`
		LaborCost      decimal.Decimal `json:"labor_cost"`
		OverheadCost   decimal.Decimal `json:"overhead_cost"`
		EffectiveFrom  *time.Time      `json:"effective_from"`
		EffectiveTo    *time.Time      `json:"effective_to"`
		Details        []struct {
			MaterialProductID int             `json:"material_product_id"`
			Quantity          decimal.Decimal `json:"quantity"`
			UomID             int             `json:"uom_id"`
		} `json:"details"`
	}
	if !decodeBody(w, r, &req) {
		return
	}

	in := core.CreateBomInput{
		Code:           req.Code,
		ProductID:      req.ProductID,
		OutputQuantity: req.OutputQuantity,
		OutputUomID:    req.OutputUomID,
		LaborCost:      req.LaborCost,
		OverheadCost:   req.OverheadCost,
		EffectiveFrom:  req.EffectiveFrom,
		EffectiveTo:    req.EffectiveTo,
	}
	for _, d := range req.Details {
		in.Details = append(in.Details, core.BomDetailInput{
			MaterialProductID: d.MaterialProductID,
			Quantity:          d.Quantity,
			UomID:             d.UomID,
		})
	}

	bom, err := h.boms.CreateBom(r.Context(), in)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, bom)
}

func (h *Handler) getBom(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(r)
	if !ok {
		writeError(w, "invalid bom id", "BAD_REQUEST", http.StatusBadRequest)
		return
	}
	bom, err := h.boms.GetBom(r.Context(), id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, bom)
}

func (h *Handler) activateBom(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(r)
	if !ok {
		writeError(w, "invalid bom id", "BAD_REQUEST", http.StatusBadRequest)
		return
	}
	if err := h.boms.ActivateBom(r.Context(), id); err != nil {
		writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) getBomCost(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(r)
	if !ok {
		writeError(w, "invalid bom id", "BAD_REQUEST", http.StatusBadRequest)
		return
	}
	bom, err := h.boms.GetBom(r.Context(), id)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	quantity := bom.OutputQuantity
	if q := r.URL.Query().Get("quantity"); q != "" {
		quantity, err = decimal.NewFromString(q)
		if err != nil {
			writeError(w, "invalid quantity", "BAD_REQUEST", http.StatusBadRequest)
			return
		}
	}

	breakdown, err := core.ComputeBomCost(bom, quantity)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, breakdown)
}

// ── Manufacturing order handlers ─────────────────────────────────────────────

func (h *Handler) createOrder(w http.ResponseWriter, r *http.Request) {
	var req struct {
		BomID                int             `json:"bom_id"`
		ProductID            int             `json:"product_id"`
		WarehouseID          int             `json:"warehouse_id"`
		Quantity             decimal.Decimal `json:"quantity"`
		Priority             string          `json:"priority"`
		ScheduledDate        *time.Time      `json:"scheduled_date"`
		Notes                string          `json:"notes"`
		QualityCheckRequired bool            `json:"quality_check_required"`
		CreatedBy            string          `json:"created_by"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	order, err := h.orders.CreateOrder(r.Context(), core.CreateManufacturingOrderInput{
		BomID:                req.BomID,
		ProductID:            req.ProductID,
		WarehouseID:          req.WarehouseID,
		Quantity:             req.Quantity,
		Priority:             req.Priority,
		ScheduledDate:        req.ScheduledDate,
		Notes:                req.Notes,
		QualityCheckRequired: req.QualityCheckRequired,
		CreatedBy:            req.CreatedBy,
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, order)
}

func (h *Handler) listOrders(w http.ResponseWriter, r *http.Request) {
	var status *core.OrderStatus
	if s := r.URL.Query().Get("status"); s != "" {
		st := core.OrderStatus(s)
		status = &st
	}
	orders, err := h.orders.GetOrders(r.Context(), status)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, orders)
}

func (h *Handler) getOrder(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(r)
	if !ok {
		writeError(w, "invalid order id", "BAD_REQUEST", http.StatusBadRequest)
		return
	}
	order, err := h.orders.GetOrder(r.Context(), id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, order)
}

func (h *Handler) updateOrder(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(r)
	if !ok {
		writeError(w, "invalid order id", "BAD_REQUEST", http.StatusBadRequest)
		return
	}
	var req struct {
		QuantityToProduce    *decimal.Decimal `json:"quantity_to_produce"`
		QualityCheckRequired *bool            `json:"quality_check_required"`
		Priority             *string          `json:"priority"`
		ScheduledDate        *time.Time       `json:"scheduled_date"`
		Notes                *string          `json:"notes"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	order, err := h.orders.UpdateOrder(r.Context(), id, core.UpdateOrderInput{
		QuantityToProduce:    req.QuantityToProduce,
		QualityCheckRequired: req.QualityCheckRequired,
		Priority:             req.Priority,
		ScheduledDate:        req.ScheduledDate,
		Notes:                req.Notes,
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, order)
}

type actorRequest struct {
	Actor string `json:"actor"`
}

func (h *Handler) validateOrder(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.orders.ValidateOrder)
}

func (h *Handler) startOrder(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.orders.StartOrder)
}

func (h *Handler) cancelOrder(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.orders.CancelOrder)
}

func (h *Handler) transition(w http.ResponseWriter, r *http.Request,
	fn func(ctx context.Context, orderID int, actor string) (*core.ManufacturingOrder, error)) {

	id, ok := idParam(r)
	if !ok {
		writeError(w, "invalid order id", "BAD_REQUEST", http.StatusBadRequest)
		return
	}
	var req actorRequest
	if !decodeBody(w, r, &req) {
		return
	}
	order, err := fn(r.Context(), id, req.Actor)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, order)
}

func (h *Handler) completeOrder(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(r)
	if !ok {
		writeError(w, "invalid order id", "BAD_REQUEST", http.StatusBadRequest)
		return
	}
	var req struct {
		ProducedQuantity *decimal.Decimal `json:"produced_quantity"`
		Actor            string           `json:"actor"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	order, err := h.orders.CompleteOrder(r.Context(), id, req.ProducedQuantity, req.Actor)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, order)
}

func (h *Handler) recordQualityCheck(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(r)
	if !ok {
		writeError(w, "invalid order id", "BAD_REQUEST", http.StatusBadRequest)
		return
	}
	var req struct {
		Result string `json:"result"`
		Notes  string `json:"notes"`
		Actor  string `json:"actor"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	err := h.orders.RecordQualityCheck(r.Context(), id, core.QualityResult(req.Result), req.Notes, req.Actor)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusCreated)
}

func (h *Handler) listQualityChecks(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(r)
	if !ok {
		writeError(w, "invalid order id", "BAD_REQUEST", http.StatusBadRequest)
		return
	}
	checks, err := h.orders.GetQualityChecks(r.Context(), id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, checks)
}
