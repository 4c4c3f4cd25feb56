package stock

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Pool names a stock pool a transfer moves units between.
type Pool string

const (
	// PoolMain is the general pool backing current stock.
	PoolMain Pool = "main"
	// PoolReserved is set aside for marketplace fulfilment.
	PoolReserved Pool = "reserved"
	// PoolSold is the sink for units leaving the business.
	PoolSold Pool = "sold"
)

// LedgerType enumerates transfer ledger entry kinds.
type LedgerType string

const (
	// LedgerManualRefill moves main to reserved.
	LedgerManualRefill LedgerType = "manual_refill"
	// LedgerManualReturn moves reserved to main.
	LedgerManualReturn LedgerType = "manual_return"
	// LedgerMarketplaceOrder consumes reserved stock.
	LedgerMarketplaceOrder LedgerType = "marketplace_order"
	// LedgerEmergencyUse consumes main stock.
	LedgerEmergencyUse LedgerType = "emergency_use"
	// LedgerEmergencyBorrow moves reserved to main when main runs short.
	LedgerEmergencyBorrow LedgerType = "emergency_borrow"
)

// Route returns the source and destination pools of a ledger type.
func (t LedgerType) Route() (from, to Pool, ok bool) {
	switch t {
	case LedgerManualRefill:
		return PoolMain, PoolReserved, true
	case LedgerManualReturn, LedgerEmergencyBorrow:
		return PoolReserved, PoolMain, true
	case LedgerMarketplaceOrder:
		return PoolReserved, PoolSold, true
	case LedgerEmergencyUse:
		return PoolMain, PoolSold, true
	default:
		return "", "", false
	}
}

// VariantKey identifies a design × color × size combination.
type VariantKey struct {
	Design string `json:"design"`
	Color  string `json:"color"`
	Size   string `json:"size"`
}

func (k VariantKey) String() string {
	return k.Design + "/" + k.Color + "/" + k.Size
}

// Less orders keys by design, color then size. Rows are always locked in this order.
func (k VariantKey) Less(other VariantKey) bool {
	if k.Design != other.Design {
		return k.Design < other.Design
	}
	if k.Color != other.Color {
		return k.Color < other.Color
	}
	return k.Size < other.Size
}

// Valid reports whether every component is present.
func (k VariantKey) Valid() bool {
	return strings.TrimSpace(k.Design) != "" && strings.TrimSpace(k.Color) != "" && strings.TrimSpace(k.Size) != ""
}

// Variant is the stock record of one variant.
type Variant struct {
	OrganizationID int64      `json:"organization_id"`
	Key            VariantKey `json:"key"`
	CurrentStock   int        `json:"current_stock"`
	ReservedStock  int        `json:"reserved_stock"`
	LockedStock    int        `json:"locked_stock"`
	ReorderPoint   int        `json:"reorder_point"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// LockPolicy is the organization-wide stock lock configuration.
type LockPolicy struct {
	OrganizationID int64     `json:"organization_id"`
	Enabled        bool      `json:"enabled"`
	MaxThreshold   int       `json:"max_threshold"`
	UpdatedBy      int64     `json:"updated_by"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// LedgerEntry is an immutable record of one committed transfer.
type LedgerEntry struct {
	ID             uuid.UUID  `json:"id"`
	OrganizationID int64      `json:"organization_id"`
	BatchID        uuid.UUID  `json:"batch_id"`
	Type           LedgerType `json:"type"`
	Key            VariantKey `json:"key"`
	Quantity       int        `json:"quantity"`
	From           Pool       `json:"from"`
	To             Pool       `json:"to"`
	MainBefore     int        `json:"main_stock_before"`
	MainAfter      int        `json:"main_stock_after"`
	ReservedBefore int        `json:"reserved_stock_before"`
	ReservedAfter  int        `json:"reserved_stock_after"`
	PerformedBy    int64      `json:"performed_by"`
	Notes          string     `json:"notes,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
}

// TransferInput describes a single-variant transfer request.
type TransferInput struct {
	Key      VariantKey
	Quantity int
	Notes    string
}

// TransferItem is one line of a bulk transfer.
type TransferItem struct {
	Key      VariantKey `json:"key"`
	Quantity int        `json:"quantity"`
}

// TransferResult is returned by single transfers.
type TransferResult struct {
	Variant Variant     `json:"variant"`
	Entry   LedgerEntry `json:"entry"`
}

// RegisterVariantInput creates a variant row with opening stock.
type RegisterVariantInput struct {
	Key           VariantKey
	CurrentStock  int
	ReservedStock int
	ReorderPoint  int
}

// ToggleInput changes the lock policy.
type ToggleInput struct {
	Enabled      bool
	MaxThreshold int
}

// ToggleResult reports the saved policy and the variants whose locks moved.
type ToggleResult struct {
	Policy  LockPolicy `json:"policy"`
	Changed []Variant  `json:"changed"`
}

// VariantFilter narrows variant listings.
type VariantFilter struct {
	Design  string
	LowOnly bool
}

// LedgerFilter narrows ledger listings.
type LedgerFilter struct {
	Key   VariantKey
	Type  LedgerType
	From  time.Time
	To    time.Time
	Limit int
}

// LowStockCursor resumes a low-stock listing after the variant it names.
// The zero value starts at the first variant.
type LowStockCursor struct {
	OrganizationID int64
	Key            VariantKey
}

// After reports whether v sorts after the cursor.
func (c LowStockCursor) After(v Variant) bool {
	if v.OrganizationID != c.OrganizationID {
		return v.OrganizationID > c.OrganizationID
	}
	return c.Key.Less(v.Key)
}

// LowStockAlert is emitted after a mutation leaves a variant at or below its reorder point.
type LowStockAlert struct {
	OrganizationID int64      `json:"organization_id"`
	Key            VariantKey `json:"key"`
	CurrentStock   int        `json:"current_stock"`
	ReservedStock  int        `json:"reserved_stock"`
	ReorderPoint   int        `json:"reorder_point"`
	DetectedAt     time.Time  `json:"detected_at"`
}

// AlertFor builds the alert payload of a variant.
func AlertFor(v Variant, at time.Time) LowStockAlert {
	return LowStockAlert{
		OrganizationID: v.OrganizationID,
		Key:            v.Key,
		CurrentStock:   v.CurrentStock,
		ReservedStock:  v.ReservedStock,
		ReorderPoint:   v.ReorderPoint,
		DetectedAt:     at,
	}
}
