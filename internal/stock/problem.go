package stock

import (
	"errors"
	"net/http"

	"github.com/odyssey-erp/stockroom/internal/platform/httpx"
	"github.com/odyssey-erp/stockroom/internal/shared"
)

// Problem maps a stock error to a problem document. ok is false for errors
// the stock module does not own.
func Problem(err error) (httpx.ProblemDetail, bool) {
	p := httpx.ProblemDetail{Code: ErrorCode(err), Detail: err.Error()}
	switch {
	case errors.Is(err, shared.ErrMissingActor):
		p.Status, p.Title, p.Code = http.StatusUnauthorized, "Unauthorized", "missing_actor"
	case errors.Is(err, ErrProductNotFound), errors.Is(err, ErrColorNotFound),
		errors.Is(err, ErrSizeNotFound), errors.Is(err, ErrSettingsNotFound):
		p.Status, p.Title = http.StatusNotFound, "Not Found"
	case errors.Is(err, ErrLockEmptyRefillNeeded):
		p.Status, p.Title = http.StatusConflict, "Locked Stock Empty"
	case errors.Is(err, ErrInsufficientLockedStock):
		p.Status, p.Title = http.StatusConflict, "Insufficient Locked Stock"
	case errors.Is(err, ErrInsufficientStock):
		p.Status, p.Title = http.StatusConflict, "Insufficient Stock"
	case errors.Is(err, ErrThresholdExceeded):
		p.Status, p.Title = http.StatusConflict, "Lock Threshold Exceeded"
	case errors.Is(err, ErrStockLockDisabled):
		p.Status, p.Title = http.StatusConflict, "Stock Lock Disabled"
	case errors.Is(err, ErrVariantExists):
		p.Status, p.Title = http.StatusConflict, "Duplicate"
	case errors.Is(err, ErrInvalidLockAmount):
		p.Status, p.Title = http.StatusUnprocessableEntity, "Invalid Lock Amount"
	case errors.Is(err, ErrInvalidQuantity), errors.Is(err, ErrInvalidVariantKey),
		errors.Is(err, ErrInvalidThreshold), errors.Is(err, ErrEmptyBatch), errors.Is(err, ErrUnknownTransfer):
		p.Status, p.Title = http.StatusUnprocessableEntity, "Validation Failed"
	default:
		return httpx.ProblemDetail{}, false
	}
	var stockErr *StockError
	if errors.As(err, &stockErr) {
		p.Context = stockErr
	}
	return p, true
}

// RespondError writes err as a problem document.
func RespondError(w http.ResponseWriter, err error) {
	if p, ok := Problem(err); ok {
		httpx.WriteProblem(w, p)
		return
	}
	httpx.RespondError(w, err)
}
