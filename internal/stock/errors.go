package stock

import (
	"errors"
	"fmt"
)

var (
	// ErrInsufficientStock means the requested quantity exceeds the pool.
	ErrInsufficientStock = errors.New("stock: insufficient stock")
	// ErrInsufficientLockedStock means the locked subset is smaller than the request.
	ErrInsufficientLockedStock = errors.New("stock: insufficient locked stock")
	// ErrLockEmptyRefillNeeded means lock mode is on and the variant has no locked units.
	ErrLockEmptyRefillNeeded = errors.New("stock: locked stock empty, refill needed")
	// ErrInvalidLockAmount means a lock outside [0, current stock].
	ErrInvalidLockAmount = errors.New("stock: invalid lock amount")
	// ErrThresholdExceeded means the organization's total lock would pass the policy threshold.
	ErrThresholdExceeded = errors.New("stock: lock threshold exceeded")
	// ErrStockLockDisabled rejects lock edits while the policy is off.
	ErrStockLockDisabled = errors.New("stock: stock lock disabled")
	// ErrSettingsNotFound means the organization has no lock policy row.
	ErrSettingsNotFound = errors.New("stock: settings not found")
	// ErrProductNotFound means no variant exists for the design.
	ErrProductNotFound = errors.New("stock: product not found")
	// ErrColorNotFound means the design exists without the color.
	ErrColorNotFound = errors.New("stock: color not found")
	// ErrSizeNotFound means the design and color exist without the size.
	ErrSizeNotFound = errors.New("stock: size not found")
	// ErrVariantExists rejects duplicate registration.
	ErrVariantExists = errors.New("stock: variant already exists")
	// ErrInvalidQuantity rejects non-positive quantities.
	ErrInvalidQuantity = errors.New("stock: quantity must be greater than zero")
	// ErrInvalidVariantKey rejects keys with empty components.
	ErrInvalidVariantKey = errors.New("stock: design, color and size are required")
	// ErrInvalidThreshold rejects negative thresholds and reorder points.
	ErrInvalidThreshold = errors.New("stock: value must be >= 0")
	// ErrEmptyBatch rejects bulk transfers without items.
	ErrEmptyBatch = errors.New("stock: bulk transfer requires at least one item")
	// ErrUnknownTransfer rejects unroutable ledger types.
	ErrUnknownTransfer = errors.New("stock: unknown transfer type")
	// ErrInvariantViolation guards against a record leaving its bounds.
	ErrInvariantViolation = errors.New("stock: invariant violation")
)

// StockError carries the structured context of a pool or lock failure.
type StockError struct {
	Kind         error      `json:"-"`
	Key          VariantKey `json:"key"`
	Pool         Pool       `json:"pool,omitempty"`
	Requested    int        `json:"requested"`
	Available    int        `json:"available"`
	CurrentStock int        `json:"current_stock"`
	LockedStock  int        `json:"locked_stock"`
	MaxThreshold int        `json:"max_threshold,omitempty"`
}

func (e *StockError) Error() string {
	return fmt.Sprintf("%v: %s requested %d, available %d", e.Kind, e.Key, e.Requested, e.Available)
}

// Unwrap exposes the sentinel kind to errors.Is.
func (e *StockError) Unwrap() error {
	return e.Kind
}

func newStockError(kind error, v Variant, pool Pool, requested, available int) *StockError {
	return &StockError{
		Kind:         kind,
		Key:          v.Key,
		Pool:         pool,
		Requested:    requested,
		Available:    available,
		CurrentStock: v.CurrentStock,
		LockedStock:  v.LockedStock,
	}
}

// ErrorCode returns a stable machine-readable code for err.
func ErrorCode(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, ErrLockEmptyRefillNeeded):
		return "lock_empty_refill_needed"
	case errors.Is(err, ErrInsufficientLockedStock):
		return "insufficient_locked_stock"
	case errors.Is(err, ErrInsufficientStock):
		return "insufficient_stock"
	case errors.Is(err, ErrInvalidLockAmount):
		return "invalid_lock_amount"
	case errors.Is(err, ErrThresholdExceeded):
		return "threshold_exceeded"
	case errors.Is(err, ErrStockLockDisabled):
		return "stock_lock_disabled"
	case errors.Is(err, ErrSettingsNotFound):
		return "settings_not_found"
	case errors.Is(err, ErrProductNotFound):
		return "product_not_found"
	case errors.Is(err, ErrColorNotFound):
		return "color_not_found"
	case errors.Is(err, ErrSizeNotFound):
		return "size_not_found"
	case errors.Is(err, ErrVariantExists):
		return "variant_exists"
	case errors.Is(err, ErrInvariantViolation):
		return "invariant_violation"
	case errors.Is(err, ErrInvalidQuantity), errors.Is(err, ErrInvalidVariantKey),
		errors.Is(err, ErrInvalidThreshold), errors.Is(err, ErrEmptyBatch), errors.Is(err, ErrUnknownTransfer):
		return "invalid_input"
	default:
		return "error"
	}
}
