package stock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/odyssey-erp/stockroom/internal/platform/httpx"
	"github.com/odyssey-erp/stockroom/internal/shared"
)

// Handler wires HTTP endpoints for the stock module.
type Handler struct {
	logger    *slog.Logger
	service   *Service
	validator *validator.Validate
}

// NewHandler constructs the stock handler.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger, service: service, validator: validator.New()}
}

// MountRoutes registers stock routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Route("/variants", func(r chi.Router) {
		r.Get("/", h.listVariants)
		r.Post("/", h.registerVariant)
		r.Get("/{design}/{color}/{size}", h.getVariant)
		r.Put("/{design}/{color}/{size}/reorder-point", h.setReorderPoint)
	})
	r.Route("/transfers", func(r chi.Router) {
		r.Post("/to-reserved", h.transfer(h.service.TransferToReserved))
		r.Post("/to-main", h.transfer(h.service.TransferToMain))
		r.Post("/emergency-borrow", h.transfer(h.service.EmergencyBorrow))
		r.Post("/emergency-use", h.transfer(h.service.EmergencyUse))
		r.Post("/consume-reserved", h.transfer(h.service.ConsumeReserved))
		r.Post("/bulk/to-reserved", h.bulk(h.service.BulkTransferToReserved))
		r.Post("/bulk/to-main", h.bulk(h.service.BulkTransferToMain))
	})
	r.Get("/ledger", h.listLedger)
	r.Get("/lock-policy", h.getPolicy)
	r.Post("/lock-policy", h.provisionPolicy)
	r.Put("/lock-policy", h.togglePolicy)
	r.Put("/locks/{design}/{color}/{size}", h.setLock)
	r.Post("/locks/{design}/{color}/{size}/refill", h.refillLock)
}

type variantKeyRequest struct {
	Design string `json:"design" validate:"required"`
	Color  string `json:"color" validate:"required"`
	Size   string `json:"size" validate:"required"`
}

func (k variantKeyRequest) key() VariantKey {
	return NormalizeKey(k.Design, k.Color, k.Size)
}

type registerVariantRequest struct {
	variantKeyRequest
	CurrentStock  int `json:"current_stock" validate:"gte=0"`
	ReservedStock int `json:"reserved_stock" validate:"gte=0"`
	ReorderPoint  int `json:"reorder_point" validate:"gte=0"`
}

type transferRequest struct {
	variantKeyRequest
	Quantity int    `json:"quantity" validate:"gt=0"`
	Notes    string `json:"notes" validate:"max=500"`
}

type transferItemRequest struct {
	variantKeyRequest
	Quantity int `json:"quantity" validate:"gt=0"`
}

type quickFillRequest struct {
	Design   string   `json:"design" validate:"required"`
	Color    string   `json:"color" validate:"required"`
	Sizes    []string `json:"sizes" validate:"required,min=1,dive,required"`
	Quantity int      `json:"quantity" validate:"gt=0"`
}

type bulkTransferRequest struct {
	Items     []transferItemRequest `json:"items" validate:"dive"`
	QuickFill *quickFillRequest     `json:"quick_fill"`
	Notes     string                `json:"notes" validate:"max=500"`
}

type amountRequest struct {
	Amount int `json:"amount"`
}

type reorderPointRequest struct {
	ReorderPoint int `json:"reorder_point" validate:"gte=0"`
}

type togglePolicyRequest struct {
	Enabled      *bool `json:"enabled" validate:"required"`
	MaxThreshold int   `json:"max_threshold" validate:"gte=0"`
}

func (h *Handler) registerVariant(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	var req registerVariantRequest
	if !h.decode(w, r, &req) {
		return
	}
	variant, err := h.service.RegisterVariant(r.Context(), actor, RegisterVariantInput{
		Key:           req.key(),
		CurrentStock:  req.CurrentStock,
		ReservedStock: req.ReservedStock,
		ReorderPoint:  req.ReorderPoint,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, variant)
}

func (h *Handler) listVariants(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	lowOnly, _ := strconv.ParseBool(q.Get("low"))
	variants, err := h.service.ListVariants(r.Context(), actor.OrganizationID, VariantFilter{
		Design:  q.Get("design"),
		LowOnly: lowOnly,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if variants == nil {
		variants = []Variant{}
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"variants": variants})
}

func (h *Handler) getVariant(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	key, err := keyFromPath(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	variant, err := h.service.GetVariant(r.Context(), actor.OrganizationID, key)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, variant)
}

func (h *Handler) setReorderPoint(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	key, err := keyFromPath(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	var req reorderPointRequest
	if !h.decode(w, r, &req) {
		return
	}
	variant, err := h.service.SetReorderPoint(r.Context(), actor, key, req.ReorderPoint)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, variant)
}

type transferFunc func(ctx context.Context, actor shared.Actor, input TransferInput) (TransferResult, error)

type bulkFunc func(ctx context.Context, actor shared.Actor, items []TransferItem, notes string) ([]LedgerEntry, error)

func (h *Handler) transfer(fn transferFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor, ok := h.actor(w, r)
		if !ok {
			return
		}
		var req transferRequest
		if !h.decode(w, r, &req) {
			return
		}
		result, err := fn(r.Context(), actor, TransferInput{Key: req.key(), Quantity: req.Quantity, Notes: req.Notes})
		if err != nil {
			h.fail(w, r, err)
			return
		}
		httpx.JSON(w, http.StatusOK, result)
	}
}

func (h *Handler) bulk(fn bulkFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor, ok := h.actor(w, r)
		if !ok {
			return
		}
		var req bulkTransferRequest
		if !h.decode(w, r, &req) {
			return
		}
		items := make([]TransferItem, 0, len(req.Items))
		for _, item := range req.Items {
			items = append(items, TransferItem{Key: item.key(), Quantity: item.Quantity})
		}
		if req.QuickFill != nil {
			if err := h.validator.Struct(req.QuickFill); err != nil {
				h.invalid(w, err)
				return
			}
			qf := req.QuickFill
			items = append(items, QuickFill(qf.Design, qf.Color, qf.Sizes, qf.Quantity)...)
		}
		entries, err := fn(r.Context(), actor, items, req.Notes)
		if err != nil {
			h.fail(w, r, err)
			return
		}
		httpx.JSON(w, http.StatusOK, map[string]any{"entries": entries})
	}
}

func (h *Handler) listLedger(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	filter := LedgerFilter{
		Key:  VariantKey{Design: q.Get("design"), Color: q.Get("color"), Size: q.Get("size")},
		Type: LedgerType(q.Get("type")),
	}
	if filter.Type != "" {
		if _, _, ok := filter.Type.Route(); !ok {
			h.fail(w, r, fmt.Errorf("%w: %s", ErrUnknownTransfer, filter.Type))
			return
		}
	}
	var err error
	if filter.From, err = parseTime(q.Get("from")); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Request", "from must be RFC3339 or YYYY-MM-DD")
		return
	}
	if filter.To, err = parseTime(q.Get("to")); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Request", "to must be RFC3339 or YYYY-MM-DD")
		return
	}
	if limit := q.Get("limit"); limit != "" {
		filter.Limit, err = strconv.Atoi(limit)
		if err != nil || filter.Limit < 0 {
			httpx.Problem(w, http.StatusBadRequest, "Invalid Request", "limit must be a positive integer")
			return
		}
	}
	entries, err := h.service.ListLedger(r.Context(), actor.OrganizationID, filter)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if entries == nil {
		entries = []LedgerEntry{}
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"entries": entries})
}

func (h *Handler) getPolicy(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	policy, err := h.service.GetPolicy(r.Context(), actor.OrganizationID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, policy)
}

func (h *Handler) provisionPolicy(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	policy, created, err := h.service.ProvisionPolicy(r.Context(), actor)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	httpx.JSON(w, status, policy)
}

func (h *Handler) togglePolicy(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	var req togglePolicyRequest
	if !h.decode(w, r, &req) {
		return
	}
	result, err := h.service.ToggleStockLock(r.Context(), actor, ToggleInput{Enabled: *req.Enabled, MaxThreshold: req.MaxThreshold})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if result.Changed == nil {
		result.Changed = []Variant{}
	}
	httpx.JSON(w, http.StatusOK, result)
}

func (h *Handler) setLock(w http.ResponseWriter, r *http.Request) {
	h.lockAmount(w, r, h.service.SetVariantLockAmount)
}

func (h *Handler) refillLock(w http.ResponseWriter, r *http.Request) {
	h.lockAmount(w, r, h.service.RefillLockedStock)
}

func (h *Handler) lockAmount(w http.ResponseWriter, r *http.Request, fn func(context.Context, shared.Actor, VariantKey, int) (Variant, error)) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	key, err := keyFromPath(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	var req amountRequest
	if !h.decode(w, r, &req) {
		return
	}
	variant, err := fn(r.Context(), actor, key, req.Amount)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, variant)
}

func (h *Handler) actor(w http.ResponseWriter, r *http.Request) (shared.Actor, bool) {
	actor, ok := shared.ActorFromContext(r.Context())
	if !ok {
		httpx.RespondError(w, httpx.ErrUnauthorized)
	}
	return actor, ok
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := httpx.DecodeJSON(r, dst); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Request", "malformed JSON body")
		return false
	}
	if err := h.validator.Struct(dst); err != nil {
		h.invalid(w, err)
		return false
	}
	return true
}

func (h *Handler) invalid(w http.ResponseWriter, err error) {
	fields := map[string]string{}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		for _, fe := range verrs {
			fields[fe.Field()] = fe.Tag()
		}
	}
	httpx.WriteProblem(w, httpx.ProblemDetail{
		Title:   "Validation Failed",
		Status:  http.StatusBadRequest,
		Code:    "validation_failed",
		Context: fields,
	})
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	if _, ok := Problem(err); !ok {
		h.logger.Error("stock request failed",
			slog.String("path", r.URL.Path),
			slog.Any("error", err))
	}
	RespondError(w, err)
}

func keyFromPath(r *http.Request) (VariantKey, error) {
	parts := make([]string, 3)
	for i, name := range []string{"design", "color", "size"} {
		value, err := url.PathUnescape(chi.URLParam(r, name))
		if err != nil {
			return VariantKey{}, ErrInvalidVariantKey
		}
		parts[i] = value
	}
	key := NormalizeKey(parts[0], parts[1], parts[2])
	if !key.Valid() {
		return VariantKey{}, ErrInvalidVariantKey
	}
	return key, nil
}

func parseTime(value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return t, nil
	}
	return time.Parse("2006-01-02", value)
}
