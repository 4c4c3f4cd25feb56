package stock

import (
	"fmt"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// NormalizeKey returns the canonical form used for every lookup: designs
// trimmed, colors title cased, sizes upper cased.
func NormalizeKey(design, color, size string) VariantKey {
	// cases.Caser keeps state and must not be shared across goroutines.
	title := cases.Title(language.Und)
	return VariantKey{
		Design: strings.TrimSpace(design),
		Color:  title.String(strings.Join(strings.Fields(strings.ToLower(color)), " ")),
		Size:   strings.ToUpper(strings.TrimSpace(size)),
	}
}

// Normalize returns the canonical form of k.
func (k VariantKey) Normalize() VariantKey {
	return NormalizeKey(k.Design, k.Color, k.Size)
}

// Available returns the units a deduction from pool can draw on.
func (v Variant) Available(pool Pool) int {
	switch pool {
	case PoolMain:
		return v.CurrentStock
	case PoolReserved:
		return v.ReservedStock
	default:
		return 0
	}
}

// Deduct removes qty from the main or reserved pool. Deducting main pulls
// locked stock down with it when the remaining current stock is smaller.
func (v *Variant) Deduct(pool Pool, qty int) error {
	if qty <= 0 {
		return ErrInvalidQuantity
	}
	switch pool {
	case PoolMain:
		if v.CurrentStock < qty {
			return newStockError(ErrInsufficientStock, *v, pool, qty, v.CurrentStock)
		}
		v.CurrentStock -= qty
		if v.LockedStock > v.CurrentStock {
			v.LockedStock = v.CurrentStock
		}
	case PoolReserved:
		if v.ReservedStock < qty {
			return newStockError(ErrInsufficientStock, *v, pool, qty, v.ReservedStock)
		}
		v.ReservedStock -= qty
	case PoolSold:
		return fmt.Errorf("%w: cannot deduct from %s", ErrUnknownTransfer, pool)
	default:
		return fmt.Errorf("%w: pool %q", ErrUnknownTransfer, pool)
	}
	return nil
}

// DeductLocked takes qty from the locked subset and from current stock together.
func (v *Variant) DeductLocked(qty, maxThreshold int) error {
	if qty <= 0 {
		return ErrInvalidQuantity
	}
	if v.LockedStock == 0 {
		err := newStockError(ErrLockEmptyRefillNeeded, *v, PoolMain, qty, 0)
		err.MaxThreshold = maxThreshold
		return err
	}
	if v.LockedStock < qty {
		err := newStockError(ErrInsufficientLockedStock, *v, PoolMain, qty, v.LockedStock)
		err.MaxThreshold = maxThreshold
		return err
	}
	if v.CurrentStock < qty {
		return newStockError(ErrInsufficientStock, *v, PoolMain, qty, v.CurrentStock)
	}
	v.LockedStock -= qty
	v.CurrentStock -= qty
	return nil
}

// Credit adds qty to pool. Crediting sold is a no-op.
func (v *Variant) Credit(pool Pool, qty int) {
	switch pool {
	case PoolMain:
		v.CurrentStock += qty
	case PoolReserved:
		v.ReservedStock += qty
	}
}

// Restore returns qty units to main stock. With the lock enabled the units
// are also earmarked as locked.
func (v *Variant) Restore(qty int, lockEnabled bool) {
	v.CurrentStock += qty
	if lockEnabled {
		v.LockedStock += qty
	}
}

// SetLock replaces the locked amount.
func (v *Variant) SetLock(qty int) error {
	if qty < 0 || qty > v.CurrentStock {
		return newStockError(ErrInvalidLockAmount, *v, PoolMain, qty, v.CurrentStock)
	}
	v.LockedStock = qty
	return nil
}

// IsLow reports whether current stock sits at or below the reorder point.
func (v Variant) IsLow() bool {
	return v.CurrentStock <= v.ReorderPoint
}

// Validate checks the record bounds.
func (v Variant) Validate() error {
	switch {
	case !v.Key.Valid():
		return ErrInvalidVariantKey
	case v.CurrentStock < 0, v.ReservedStock < 0, v.LockedStock < 0, v.ReorderPoint < 0:
		return fmt.Errorf("%w: negative pool on %s", ErrInvariantViolation, v.Key)
	case v.LockedStock > v.CurrentStock:
		return fmt.Errorf("%w: locked %d exceeds current %d on %s", ErrInvariantViolation, v.LockedStock, v.CurrentStock, v.Key)
	}
	return nil
}
