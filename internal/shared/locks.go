package shared

import (
	"fmt"
	"strings"
)

// StockPolicyCacheKey builds the redis key holding an organization's cached lock policy.
func StockPolicyCacheKey(organizationID int64) string {
	return fmt.Sprintf("stock:policy:%d", organizationID)
}

// VariantLockKey identifies one variant in redis keys and job ids.
func VariantLockKey(organizationID int64, design, color, size string) string {
	return strings.Join([]string{"stock:variant", fmt.Sprint(organizationID), design, color, size}, ":")
}
