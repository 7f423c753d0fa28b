/*
handlers.go - HTTP API handlers for the stock engine

PURPOSE:
  Exposes catalog, stock, purchase and transfer operations via REST API.
  Handles HTTP request/response, JSON serialization, and delegates to the
  domain services. No handler writes stock itself.

ENDPOINTS:
  Catalog (this file):
    GET    /api/kitchens                 List kitchens
    POST   /api/kitchens                 Create kitchen (ADMIN)
    GET    /api/kitchens/{id}            Kitchen details
    PUT    /api/kitchens/{id}/geofence   Set location (ADMIN)
    GET    /api/items                    List items (?q, ?category, ?active)
    GET    /api/items/categories         Distinct categories
    POST   /api/items                    Create item (MANAGER)
    PATCH  /api/items/{id}               Update item (MANAGER)
    GET    /api/suppliers                List suppliers (STOREKEEPER)
    POST   /api/suppliers                Create supplier (MANAGER)

  Stock, purchases, reports: see handlers_stock.go
  Transfers: see handlers_transfers.go

REQUEST FLOW:
  1. Authenticate (X-Actor-ID / X-Actor-Role, see auth.go)
  2. Decode + validate the DTO (validator/v10)
  3. Call the domain service with the actor
  4. Serialize response

ERROR HANDLING:
  Errors are returned as {error: kind, code, details} with status:
  - 400: ValidationError
  - 404: NotFound
  - 409: InsufficientStock, InvalidTransition, Conflict
  - 500: Internal (details hidden, logged with the request id)

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"reflect"
	"strconv"
	"strings"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/sirupsen/logrus"

	"github.com/warp/stock-engine/audit"
	"github.com/warp/stock-engine/catalog"
	"github.com/warp/stock-engine/ledger"
	"github.com/warp/stock-engine/purchase"
	"github.com/warp/stock-engine/report"
	"github.com/warp/stock-engine/stock"
	"github.com/warp/stock-engine/transfer"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Backend is the database-level surface the API needs beyond the services.
type Backend interface {
	Ping(ctx context.Context) error
	Reset(ctx context.Context) error
}

// Services bundles the domain services a Handler delegates to.
type Services struct {
	Catalog   *catalog.Service
	Stock     *stock.Service
	Purchases *purchase.Service
	Transfers *transfer.Service
	Reports   *report.Reporter
	AuditLog  audit.Store
	Backend   Backend
}

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Services
	Scheduler *VerificationScheduler
	Log       logrus.FieldLogger

	// AllowReset enables the scenario endpoints, which wipe the database.
	AllowReset bool

	validate *validator.Validate

	mu              sync.Mutex
	currentScenario string
}

func NewHandler(svc Services, log logrus.FieldLogger) *Handler {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Handler{Services: svc, Log: log, validate: newValidator()}
}

// newValidator reports field errors with their JSON names.
func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Health reports whether the database answers.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if h.Backend != nil {
		if err := h.Backend.Ping(r.Context()); err != nil {
			h.Log.WithError(err).Error("health check failed")
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// KITCHEN HANDLERS
// =============================================================================

func (h *Handler) ListKitchens(w http.ResponseWriter, r *http.Request) {
	kitchens, err := h.Catalog.Kitchens(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	dtos := make([]KitchenDTO, len(kitchens))
	for i, k := range kitchens {
		dtos[i] = toKitchenDTO(k)
	}
	writeJSON(w, http.StatusOK, dtos)
}

func (h *Handler) GetKitchen(w http.ResponseWriter, r *http.Request) {
	k, err := h.Catalog.Kitchen(r.Context(), ledger.KitchenID(chi.URLParam(r, "id")))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toKitchenDTO(k))
}

func (h *Handler) CreateKitchen(w http.ResponseWriter, r *http.Request) {
	var req CreateKitchenRequest
	if !h.decode(w, r, &req) {
		return
	}
	k, err := h.Catalog.CreateKitchen(r.Context(), catalog.KitchenInput{
		Name:                 req.Name,
		Kind:                 ledger.KitchenKind(req.Kind),
		Address:              req.Address,
		Lat:                  req.Lat,
		Lng:                  req.Lng,
		GeofenceRadiusMeters: req.GeofenceRadiusMeters,
	}, actorFrom(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toKitchenDTO(k))
}

func (h *Handler) UpdateGeofence(w http.ResponseWriter, r *http.Request) {
	var req GeofenceRequest
	if !h.decode(w, r, &req) {
		return
	}
	id := ledger.KitchenID(chi.URLParam(r, "id"))
	k, err := h.Catalog.UpdateGeofence(r.Context(), id, *req.Lat, *req.Lng, req.GeofenceRadiusMeters, actorFrom(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toKitchenDTO(k))
}

// =============================================================================
// ITEM HANDLERS
// =============================================================================

func (h *Handler) ListItems(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := catalog.ItemFilter{Query: q.Get("q"), Category: q.Get("category")}
	if raw := q.Get("active"); raw != "" {
		active, err := strconv.ParseBool(raw)
		if err != nil {
			h.writeError(w, r, ledger.Validationf("InvalidQuery", "active must be true or false, got %q", raw))
			return
		}
		f.Active = &active
	}
	items, err := h.Catalog.Items(r.Context(), f)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	dtos := make([]ItemDTO, len(items))
	for i, it := range items {
		dtos[i] = toItemDTO(it)
	}
	writeJSON(w, http.StatusOK, dtos)
}

func (h *Handler) ListCategories(w http.ResponseWriter, r *http.Request) {
	cats, err := h.Catalog.Categories(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if cats == nil {
		cats = []string{}
	}
	writeJSON(w, http.StatusOK, cats)
}

func (h *Handler) CreateItem(w http.ResponseWriter, r *http.Request) {
	var req CreateItemRequest
	if !h.decode(w, r, &req) {
		return
	}
	active := true
	if req.Active != nil {
		active = *req.Active
	}
	item, err := h.Catalog.CreateItem(r.Context(), catalog.ItemInput{
		Name:         req.Name,
		Category:     req.Category,
		UOM:          req.UOM,
		ReorderPoint: req.ReorderPoint,
		Active:       active,
	}, actorFrom(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toItemDTO(item))
}

func (h *Handler) UpdateItem(w http.ResponseWriter, r *http.Request) {
	var req UpdateItemRequest
	if !h.decode(w, r, &req) {
		return
	}
	id := ledger.ItemID(chi.URLParam(r, "id"))
	item, err := h.Catalog.UpdateItem(r.Context(), id, catalog.ItemPatch{
		Name:         req.Name,
		Category:     req.Category,
		UOM:          req.UOM,
		ReorderPoint: req.ReorderPoint,
		Active:       req.Active,
	}, actorFrom(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toItemDTO(item))
}

// =============================================================================
// SUPPLIER HANDLERS
// =============================================================================

func (h *Handler) ListSuppliers(w http.ResponseWriter, r *http.Request) {
	sups, err := h.Purchases.Suppliers(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	dtos := make([]SupplierDTO, len(sups))
	for i, s := range sups {
		dtos[i] = SupplierDTO{ID: s.ID, Name: s.Name, Contact: s.Contact}
	}
	writeJSON(w, http.StatusOK, dtos)
}

func (h *Handler) CreateSupplier(w http.ResponseWriter, r *http.Request) {
	var req CreateSupplierRequest
	if !h.decode(w, r, &req) {
		return
	}
	s, err := h.Purchases.CreateSupplier(r.Context(), req.Name, req.Contact, actorFrom(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, SupplierDTO{ID: s.ID, Name: s.Name, Contact: s.Contact})
}

// =============================================================================
// AUDIT
// =============================================================================

// ListAuditEvents returns audit events, newest first (ADMIN).
func (h *Handler) ListAuditEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, err := queryLimit(r, 100, 500)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	events, err := h.AuditLog.AuditEvents(r.Context(), audit.Filter{
		ActorID:    q.Get("actorId"),
		EntityType: q.Get("entityType"),
		EntityID:   q.Get("entityId"),
		Action:     q.Get("action"),
		Limit:      limit,
	})
	if err != nil {
		h.writeError(w, r, ledger.Internalf(err, "list audit events"))
		return
	}
	dtos := make([]AuditEventDTO, len(events))
	for i, e := range events {
		dtos[i] = toAuditEventDTO(e)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// =============================================================================
// HELPERS
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// statusOf maps an error kind to its HTTP status.
func statusOf(kind ledger.Kind) int {
	switch kind {
	case ledger.KindValidation:
		return http.StatusBadRequest
	case ledger.KindNotFound:
		return http.StatusNotFound
	case ledger.KindInsufficientStock, ledger.KindInvalidTransition, ledger.KindConflict:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// writeError classifies err and writes the error body. Internal errors are
// logged and their details withheld from the client.
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	kind := ledger.KindOf(err)
	status := statusOf(kind)
	resp := ErrorResponse{Error: string(kind), Code: ledger.CodeOf(err), Details: errorDetail(err)}

	if status == http.StatusInternalServerError {
		reqID := middleware.GetReqID(r.Context())
		h.Log.WithError(err).WithFields(logrus.Fields{
			"request_id": reqID,
			"method":     r.Method,
			"path":       r.URL.Path,
		}).Error("request failed")
		resp.Details = fmt.Sprintf("internal error (request %s)", reqID)
	}
	writeJSON(w, status, resp)
}

// errorDetail prefers the human detail of a classified error.
func errorDetail(err error) string {
	var e *ledger.Error
	if errors.As(err, &e) && e.Detail != "" {
		return e.Detail
	}
	return err.Error()
}

// decode reads and validates a JSON body into dst. It writes the error
// response itself and reports whether the handler may continue.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		h.writeError(w, r, ledger.Validationf("InvalidBody", "invalid request body: %v", err))
		return false
	}
	if err := h.validate.Struct(dst); err != nil {
		h.writeError(w, r, validationError(err))
		return false
	}
	return true
}

func validationError(err error) error {
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return ledger.Validationf("InvalidRequest", "%v", err)
	}
	msgs := make([]string, len(fieldErrs))
	for i, fe := range fieldErrs {
		msgs[i] = describeFieldError(fe)
	}
	return ledger.Validationf("InvalidRequest", "%s", strings.Join(msgs, "; "))
}

func describeFieldError(fe validator.FieldError) string {
	// Namespace starts with the struct name; drop it.
	field := fe.Namespace()
	if i := strings.IndexByte(field, '.'); i >= 0 {
		field = field[i+1:]
	}
	switch fe.Tag() {
	case "required":
		return field + " is required"
	case "oneof":
		return fmt.Sprintf("%s must be one of [%s]", field, fe.Param())
	case "min", "max":
		return fmt.Sprintf("%s must be %s %s", field, map[string]string{"min": "at least", "max": "at most"}[fe.Tag()], fe.Param())
	case "nefield":
		return field + " must differ from " + fe.Param()
	default:
		return fmt.Sprintf("%s failed %s validation", field, fe.Tag())
	}
}

// queryLimit parses ?limit, applying def when absent and capping at max.
func queryLimit(r *http.Request, def, max int) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, ledger.Validationf("InvalidQuery", "limit must be a positive integer, got %q", raw)
	}
	if n > max {
		n = max
	}
	return n, nil
}

// requireQuery returns a mandatory query parameter.
func requireQuery(r *http.Request, name string) (string, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return "", ledger.Validationf("MissingParameter", "query parameter %s is required", name)
	}
	return v, nil
}
