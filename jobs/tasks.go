package jobs

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/stockroom/internal/shared"
	"github.com/odyssey-erp/stockroom/internal/stock"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskLowStockAlert delivers a single low stock notification.
	TaskLowStockAlert = "stock:low_stock_alert"
	// TaskLowStockScan sweeps every organization for variants below their reorder point.
	TaskLowStockScan = "stock:low_stock_scan"
)

// alertUniqueTTL suppresses duplicate alerts for the same variant level.
const alertUniqueTTL = time.Hour

// LowStockAlertPayload describes the notification to deliver.
type LowStockAlertPayload struct {
	To    string              `json:"to"`
	Alert stock.LowStockAlert `json:"alert"`
}

// NewLowStockAlertTask constructs an Asynq task for a low stock alert.
func NewLowStockAlertTask(payload LowStockAlertPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskLowStockAlert, data, asynq.Queue(QueueDefault)), nil
}

// LowStockScanPayload carries scheduling metadata. Limit is the page size
// of each listing; the scan walks every page.
type LowStockScanPayload struct {
	Limit int `json:"limit"`
}

const defaultScanPageSize = 500

// NewLowStockScanTask constructs the periodic scan task.
func NewLowStockScanTask(limit int) (*asynq.Task, error) {
	body, err := json.Marshal(LowStockScanPayload{Limit: limit})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskLowStockScan, body, asynq.Queue(QueueDefault)), nil
}

// alertTaskID identifies one alert so repeated enqueues of the same level collapse.
func alertTaskID(alert stock.LowStockAlert) string {
	return fmt.Sprintf("low-stock:%s:%d",
		shared.VariantLockKey(alert.OrganizationID, alert.Key.Design, alert.Key.Color, alert.Key.Size),
		alert.CurrentStock)
}
