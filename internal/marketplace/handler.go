package marketplace

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/odyssey-erp/stockroom/internal/platform/httpx"
	"github.com/odyssey-erp/stockroom/internal/shared"
	"github.com/odyssey-erp/stockroom/internal/stock"
)

// Handler wires HTTP endpoints for marketplace sales.
type Handler struct {
	logger    *slog.Logger
	service   *Service
	validator *validator.Validate
}

// NewHandler constructs the marketplace handler.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger, service: service, validator: validator.New()}
}

// MountRoutes registers marketplace routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Route("/sales", func(r chi.Router) {
		r.Get("/", h.list)
		r.Post("/", h.create)
		r.Get("/{id}", h.show)
		r.Put("/{id}", h.update)
		r.Patch("/{id}/status", h.updateStatus)
		r.Delete("/{id}", h.delete)
	})
}

type createSaleRequest struct {
	AccountName string `json:"account_name" validate:"required,max=200"`
	SaleDate    string `json:"sale_date" validate:"omitempty,datetime=2006-01-02"`
	Design      string `json:"design" validate:"required"`
	Color       string `json:"color" validate:"required"`
	Size        string `json:"size" validate:"required"`
	Quantity    int    `json:"quantity" validate:"gt=0"`
	Notes       string `json:"notes" validate:"max=1000"`
}

type updateSaleRequest struct {
	AccountName *string `json:"account_name" validate:"omitempty,max=200"`
	SaleDate    *string `json:"sale_date" validate:"omitempty,datetime=2006-01-02"`
	Notes       *string `json:"notes" validate:"omitempty,max=1000"`
	Design      *string `json:"design"`
	Color       *string `json:"color"`
	Size        *string `json:"size"`
	Quantity    *int    `json:"quantity" validate:"omitempty,gt=0"`
}

type updateStatusRequest struct {
	Status   string `json:"status" validate:"required"`
	Comments string `json:"comments" validate:"max=1000"`
}

func (h *Handler) create(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	var req createSaleRequest
	if !h.decode(w, r, &req) {
		return
	}
	saleDate, _ := parseDate(req.SaleDate)
	sale, err := h.service.CreateSale(r.Context(), actor, CreateSaleInput{
		AccountName:    req.AccountName,
		SaleDate:       saleDate,
		Key:            stock.NormalizeKey(req.Design, req.Color, req.Size),
		Quantity:       req.Quantity,
		Notes:          req.Notes,
		IdempotencyKey: strings.TrimSpace(r.Header.Get("Idempotency-Key")),
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, sale)
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	page, _ := strconv.Atoi(q.Get("page"))
	perPage, _ := strconv.Atoi(q.Get("per_page"))
	filter := ListFilter{
		Status:      Status(q.Get("status")),
		AccountName: q.Get("account"),
		Design:      q.Get("design"),
		Page:        page,
		PerPage:     perPage,
	}
	var err error
	if filter.From, err = parseDate(q.Get("from")); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Request", "from must be YYYY-MM-DD")
		return
	}
	if filter.To, err = parseDate(q.Get("to")); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Request", "to must be YYYY-MM-DD")
		return
	}
	sales, pagination, err := h.service.ListSales(r.Context(), actor.OrganizationID, filter)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if sales == nil {
		sales = []Sale{}
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"sales": sales, "pagination": pagination})
}

func (h *Handler) show(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	id, ok := h.saleID(w, r)
	if !ok {
		return
	}
	sale, err := h.service.GetSale(r.Context(), actor.OrganizationID, id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, sale)
}

func (h *Handler) update(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	id, ok := h.saleID(w, r)
	if !ok {
		return
	}
	var req updateSaleRequest
	if !h.decode(w, r, &req) {
		return
	}
	input := UpdateSaleInput{
		AccountName: req.AccountName,
		Notes:       req.Notes,
		Quantity:    req.Quantity,
	}
	if req.SaleDate != nil {
		d, _ := parseDate(*req.SaleDate)
		input.SaleDate = &d
	}
	if req.Design != nil || req.Color != nil || req.Size != nil {
		if req.Design == nil || req.Color == nil || req.Size == nil {
			httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "design, color and size must change together")
			return
		}
		key := stock.NormalizeKey(*req.Design, *req.Color, *req.Size)
		input.Key = &key
	}
	sale, err := h.service.UpdateSale(r.Context(), actor, id, input)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, sale)
}

func (h *Handler) updateStatus(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	id, ok := h.saleID(w, r)
	if !ok {
		return
	}
	var req updateStatusRequest
	if !h.decode(w, r, &req) {
		return
	}
	status, err := ParseStatus(req.Status)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	result, err := h.service.UpdateSaleStatus(r.Context(), actor, id, status, req.Comments)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, result)
}

func (h *Handler) delete(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	id, ok := h.saleID(w, r)
	if !ok {
		return
	}
	result, err := h.service.DeleteSale(r.Context(), actor, id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, result)
}

func (h *Handler) actor(w http.ResponseWriter, r *http.Request) (shared.Actor, bool) {
	actor, ok := shared.ActorFromContext(r.Context())
	if !ok {
		httpx.RespondError(w, httpx.ErrUnauthorized)
	}
	return actor, ok
}

func (h *Handler) saleID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Request", "sale id must be a UUID")
		return uuid.Nil, false
	}
	return id, true
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := httpx.DecodeJSON(r, dst); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Request", "malformed JSON body")
		return false
	}
	if err := h.validator.Struct(dst); err != nil {
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
		return false
	}
	return true
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	p := httpx.ProblemDetail{Detail: err.Error()}
	switch {
	case errors.Is(err, ErrOrderNotFound):
		p.Status, p.Title, p.Code = http.StatusNotFound, "Not Found", "order_not_found"
	case errors.Is(err, ErrSameStatus):
		p.Status, p.Title, p.Code = http.StatusConflict, "Same Status", "same_status"
	case errors.Is(err, ErrDuplicateRequest):
		p.Status, p.Title, p.Code = http.StatusConflict, "Duplicate", "duplicate_request"
	case errors.Is(err, ErrInvalidStatus):
		p.Status, p.Title, p.Code = http.StatusUnprocessableEntity, "Invalid Status", "invalid_status"
	case errors.Is(err, ErrInvalidSale):
		p.Status, p.Title, p.Code = http.StatusUnprocessableEntity, "Validation Failed", "invalid_input"
	default:
		if _, ok := stock.Problem(err); !ok {
			h.logger.Error("marketplace request failed",
				slog.String("path", r.URL.Path),
				slog.Any("error", err))
		}
		stock.RespondError(w, err)
		return
	}
	httpx.WriteProblem(w, p)
}

func parseDate(value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, nil
	}
	return time.Parse("2006-01-02", value)
}
