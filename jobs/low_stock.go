package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/odyssey-erp/stockroom/internal/jobs"
	"github.com/odyssey-erp/stockroom/internal/stock"
)

// LowStockAlertJob delivers low stock alerts. Delivery is a structured log
// line consumed by the alerting pipeline.
type LowStockAlertJob struct {
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
}

// NewLowStockAlertJob initialises the alert handler.
func NewLowStockAlertJob(logger *slog.Logger, metrics *jobmetrics.Metrics) *LowStockAlertJob {
	return &LowStockAlertJob{Logger: logger, Metrics: metrics}
}

// Handle processes TaskLowStockAlert tasks.
func (j *LowStockAlertJob) Handle(ctx context.Context, t *asynq.Task) error {
	if j == nil {
		return errors.New("low stock alert: handler not configured")
	}
	var payload LowStockAlertPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	if payload.Alert.OrganizationID <= 0 || !payload.Alert.Key.Valid() {
		return asynq.SkipRetry
	}

	tracker := j.Metrics.Track(TaskLowStockAlert)
	alert := payload.Alert
	logger(j.Logger).Warn("low stock",
		slog.String("to", payload.To),
		slog.Int64("organization_id", alert.OrganizationID),
		slog.String("variant", alert.Key.String()),
		slog.Int("current_stock", alert.CurrentStock),
		slog.Int("reserved_stock", alert.ReservedStock),
		slog.Int("reorder_point", alert.ReorderPoint),
		slog.Time("detected_at", alert.DetectedAt),
	)
	j.Metrics.AddLowStockAlerts(alert.OrganizationID, 1)
	return tracker.End(nil)
}

// LowStockLister lists variants at or below their reorder point.
type LowStockLister interface {
	ListLowStock(ctx context.Context, after stock.LowStockCursor, limit int) ([]stock.Variant, error)
}

// LowStockScanJob re-emits alerts for every variant still below its reorder
// point so stale shortages are not forgotten.
type LowStockScanJob struct {
	Repo     LowStockLister
	Notifier stock.Notifier
	Logger   *slog.Logger
	Metrics  *jobmetrics.Metrics
	clock    func() time.Time
}

// NewLowStockScanJob initialises the scan handler.
func NewLowStockScanJob(repo LowStockLister, notifier stock.Notifier, logger *slog.Logger, metrics *jobmetrics.Metrics) *LowStockScanJob {
	return &LowStockScanJob{
		Repo:     repo,
		Notifier: notifier,
		Logger:   logger,
		Metrics:  metrics,
		clock: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// Handle executes the scan.
func (j *LowStockScanJob) Handle(ctx context.Context, t *asynq.Task) error {
	if j == nil || j.Repo == nil {
		return errors.New("low stock scan: handler not configured")
	}
	var payload LowStockScanPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}

	pageSize := payload.Limit
	if pageSize <= 0 {
		pageSize = defaultScanPageSize
	}
	start := j.clock()
	tracker := j.Metrics.Track(TaskLowStockScan)
	log := logger(j.Logger).With(slog.Int("page_size", pageSize))

	var (
		cursor stock.LowStockCursor
		total  int
		pages  int
	)
	for {
		variants, err := j.Repo.ListLowStock(ctx, cursor, pageSize)
		if err != nil {
			log.Error("scan failed", slog.Int("page", pages+1), slog.Any("error", err))
			return tracker.End(err)
		}
		pages++
		total += len(variants)
		stock.EmitLowStock(ctx, j.Notifier, log, variants, start)
		if len(variants) < pageSize {
			break
		}
		last := variants[len(variants)-1]
		cursor = stock.LowStockCursor{OrganizationID: last.OrganizationID, Key: last.Key}
	}

	log.Info("completed low stock scan",
		slog.Int("variants", total),
		slog.Int("pages", pages),
		slog.Duration("duration", j.clock().Sub(start)),
	)
	return tracker.End(nil)
}

func logger(l *slog.Logger) *slog.Logger {
	if l == nil {
		l = slog.Default()
	}
	return l.With(slog.String("component", "jobs"))
}
