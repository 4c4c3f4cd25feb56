package stock

import (
	"context"
	"log/slog"
	"time"
)

// Notifier receives low-stock alerts after a mutation commits.
type Notifier interface {
	NotifyLowStock(ctx context.Context, alert LowStockAlert) error
}

// MetricsRecorder counts stock operations by outcome.
type MetricsRecorder interface {
	ObserveStockOperation(operation, outcome string)
}

// EmitLowStock sends an alert for every variant at or below its reorder
// point. Delivery failures are logged and never fail the caller.
func EmitLowStock(ctx context.Context, notifier Notifier, logger *slog.Logger, variants []Variant, at time.Time) {
	if notifier == nil {
		return
	}
	for _, v := range variants {
		if !v.IsLow() {
			continue
		}
		if err := notifier.NotifyLowStock(ctx, AlertFor(v, at)); err != nil && logger != nil {
			logger.Warn("enqueue low stock alert",
				slog.Int64("organization_id", v.OrganizationID),
				slog.String("variant", v.Key.String()),
				slog.Any("error", err))
		}
	}
}
