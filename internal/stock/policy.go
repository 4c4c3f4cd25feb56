package stock

import "sort"

// DistributeLocks spreads threshold evenly over variants in key order. The
// first threshold%n variants receive one extra unit and every share is capped
// by the variant's current stock. It returns the indexes whose lock changed.
func DistributeLocks(variants []Variant, threshold int) []int {
	n := len(variants)
	if n == 0 {
		return nil
	}
	sortVariants(variants)
	base := threshold / n
	remainder := threshold % n
	var changed []int
	for i := range variants {
		share := base
		if i < remainder {
			share++
		}
		if share > variants[i].CurrentStock {
			share = variants[i].CurrentStock
		}
		if variants[i].LockedStock != share {
			variants[i].LockedStock = share
			changed = append(changed, i)
		}
	}
	return changed
}

// ClearLocks zeroes every lock and returns the indexes that changed.
func ClearLocks(variants []Variant) []int {
	var changed []int
	for i := range variants {
		if variants[i].LockedStock != 0 {
			variants[i].LockedStock = 0
			changed = append(changed, i)
		}
	}
	return changed
}

// TotalLocked sums locked stock.
func TotalLocked(variants []Variant) int {
	total := 0
	for _, v := range variants {
		total += v.LockedStock
	}
	return total
}

func sortVariants(variants []Variant) {
	sort.SliceStable(variants, func(i, j int) bool {
		return variants[i].Key.Less(variants[j].Key)
	})
}

func sortKeys(keys []VariantKey) {
	sort.Slice(keys, func(i, j int) bool {
		return keys[i].Less(keys[j])
	})
}
