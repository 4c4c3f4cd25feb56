package marketplace

import (
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/odyssey-erp/stockroom/internal/stock"
)

var (
	// ErrOrderNotFound means no sale exists for the id in the organization.
	ErrOrderNotFound = errors.New("marketplace: order not found")
	// ErrInvalidStatus rejects unknown statuses and any move back to dispatched.
	ErrInvalidStatus = errors.New("marketplace: invalid status")
	// ErrSameStatus rejects a transition to the current status.
	ErrSameStatus = errors.New("marketplace: status unchanged")
	// ErrInvalidSale rejects malformed sale input.
	ErrInvalidSale = errors.New("marketplace: invalid sale")
	// ErrDuplicateRequest means the idempotency key was already used.
	ErrDuplicateRequest = errors.New("marketplace: duplicate request")
)

// ============================================================================
// STATUS
// ============================================================================

// Status is the lifecycle state of a marketplace sale.
type Status string

const (
	StatusDispatched  Status = "dispatched"
	StatusDelivered   Status = "delivered"
	StatusReturned    Status = "returned"
	StatusWrongReturn Status = "wrong_return"
	StatusCancelled   Status = "cancelled"
)

// EffectClass tells whether a status holds stock out of the pool or has given it back.
type EffectClass int

const (
	// EffectDeducting statuses have taken stock from the pool.
	EffectDeducting EffectClass = iota + 1
	// EffectRestoring statuses have returned stock to the pool.
	EffectRestoring
)

func (c EffectClass) String() string {
	switch c {
	case EffectDeducting:
		return "deducting"
	case EffectRestoring:
		return "restoring"
	default:
		return "unknown"
	}
}

// ParseStatus validates a status string.
func ParseStatus(value string) (Status, error) {
	s := Status(strings.ToLower(strings.TrimSpace(value)))
	if s.Effect() == 0 {
		return "", ErrInvalidStatus
	}
	return s, nil
}

// Effect classifies the status. Unknown statuses return zero.
func (s Status) Effect() EffectClass {
	switch s {
	case StatusDispatched, StatusDelivered:
		return EffectDeducting
	case StatusReturned, StatusWrongReturn, StatusCancelled:
		return EffectRestoring
	default:
		return 0
	}
}

// StockEffect is the pool movement implied by a transition.
type StockEffect string

const (
	StockEffectNone    StockEffect = "none"
	StockEffectDeduct  StockEffect = "deduct"
	StockEffectRestore StockEffect = "restore"
)

// Transition returns the stock movement owed when moving from old to next.
func Transition(old, next Status) StockEffect {
	switch {
	case old.Effect() == EffectRestoring && next.Effect() == EffectDeducting:
		return StockEffectDeduct
	case old.Effect() == EffectDeducting && next.Effect() == EffectRestoring:
		return StockEffectRestore
	default:
		return StockEffectNone
	}
}

// ============================================================================
// SALE
// ============================================================================

// Sale is a marketplace order for one variant.
type Sale struct {
	ID             uuid.UUID        `json:"id"`
	OrganizationID int64            `json:"organization_id"`
	AccountName    string           `json:"account_name"`
	SaleDate       time.Time        `json:"sale_date"`
	Key            stock.VariantKey `json:"key"`
	Quantity       int              `json:"quantity"`
	Status         Status           `json:"status"`
	Notes          string           `json:"notes,omitempty"`
	CreatedBy      int64            `json:"created_by"`
	CreatedAt      time.Time        `json:"created_at"`
	UpdatedAt      time.Time        `json:"updated_at"`
	History        []StatusChange   `json:"status_history,omitempty"`
}

// StatusChange is one append-only status history entry.
type StatusChange struct {
	Seq            int       `json:"seq"`
	PreviousStatus Status    `json:"previous_status"`
	NewStatus      Status    `json:"new_status"`
	ChangedBy      int64     `json:"changed_by"`
	ChangedAt      time.Time `json:"changed_at"`
	Comments       string    `json:"comments,omitempty"`
}

// CreateSaleInput carries a new sale.
type CreateSaleInput struct {
	AccountName    string
	SaleDate       time.Time
	Key            stock.VariantKey
	Quantity       int
	Notes          string
	IdempotencyKey string
}

// UpdateSaleInput edits a sale. Nil fields are left unchanged.
type UpdateSaleInput struct {
	AccountName *string
	SaleDate    *time.Time
	Notes       *string
	Key         *stock.VariantKey
	Quantity    *int
}

// StatusUpdate is the outcome of UpdateSaleStatus.
type StatusUpdate struct {
	Sale   Sale         `json:"sale"`
	Change StatusChange `json:"change"`
	Effect StockEffect  `json:"stock_effect"`
}

// DeleteResult reports what a deletion gave back.
type DeleteResult struct {
	SaleID           uuid.UUID `json:"sale_id"`
	Status           Status    `json:"status"`
	RestoredQuantity int       `json:"restored_quantity"`
}

// ListFilter narrows sale listings.
type ListFilter struct {
	Status      Status
	AccountName string
	Design      string
	From        time.Time
	To          time.Time
	Page        int
	PerPage     int
}
