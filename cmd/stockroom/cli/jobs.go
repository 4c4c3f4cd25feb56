package cli

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/stockroom/internal/stock"
	"github.com/odyssey-erp/stockroom/jobs"
)

// JobsCLI wraps manual management helpers for Asynq jobs.
type JobsCLI struct {
	client    *asynq.Client
	inspector *asynq.Inspector
	alertTo   string
}

// NewJobsCLI initialises the CLI helpers against the job queue's Redis.
func NewJobsCLI(redisOpts asynq.RedisClientOpt, alertTo string) (*JobsCLI, error) {
	client := asynq.NewClient(redisOpts)
	inspector := asynq.NewInspector(redisOpts)
	return &JobsCLI{client: client, inspector: inspector, alertTo: alertTo}, nil
}

// Close releases underlying resources.
func (c *JobsCLI) Close() error {
	var err error
	if c.inspector != nil {
		if closeErr := c.inspector.Close(); closeErr != nil {
			err = closeErr
		}
	}
	if c.client != nil {
		if closeErr := c.client.Close(); closeErr != nil {
			err = closeErr
		}
	}
	return err
}

// Trigger enqueues a supported job by name. The low stock alert takes
// <organization_id> <design> <color> <size> [current] [reorder_point].
func (c *JobsCLI) Trigger(ctx context.Context, name string, args []string) (*asynq.TaskInfo, error) {
	if c == nil || c.client == nil {
		return nil, errors.New("jobs cli: client not configured")
	}
	var task *asynq.Task
	var err error
	switch name {
	case jobs.TaskLowStockScan, "low-stock-scan":
		task, err = jobs.NewLowStockScanTask(0)
	case jobs.TaskLowStockAlert, "low-stock-alert":
		var payload jobs.LowStockAlertPayload
		payload, err = lowStockAlertFromArgs(args, c.alertTo, time.Now().UTC())
		if err != nil {
			return nil, err
		}
		task, err = jobs.NewLowStockAlertTask(payload)
	default:
		return nil, fmt.Errorf("jobs cli: unsupported job %s", name)
	}
	if err != nil {
		return nil, err
	}
	return c.client.EnqueueContext(ctx, task, asynq.MaxRetry(3))
}

func lowStockAlertFromArgs(args []string, to string, now time.Time) (jobs.LowStockAlertPayload, error) {
	if len(args) < 4 {
		return jobs.LowStockAlertPayload{}, errors.New("jobs cli: low stock alert needs <organization_id> <design> <color> <size>")
	}
	orgID, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil || orgID <= 0 {
		return jobs.LowStockAlertPayload{}, fmt.Errorf("jobs cli: invalid organization id %q", args[0])
	}
	key := stock.NormalizeKey(args[1], args[2], args[3])
	if !key.Valid() {
		return jobs.LowStockAlertPayload{}, stock.ErrInvalidVariantKey
	}
	levels := [2]int{}
	for i, raw := range args[4:min(len(args), 6)] {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return jobs.LowStockAlertPayload{}, fmt.Errorf("jobs cli: invalid stock level %q", raw)
		}
		levels[i] = n
	}
	return jobs.LowStockAlertPayload{
		To: to,
		Alert: stock.LowStockAlert{
			OrganizationID: orgID,
			Key:            key,
			CurrentStock:   levels[0],
			ReorderPoint:   levels[1],
			DetectedAt:     now,
		},
	}, nil
}

// QueueStats summarises the current queue state.
type QueueStats struct {
	Queue     string
	Pending   int
	Active    int
	Scheduled int
	Retry     int
}

// InspectQueue reports the queue metrics for the default queue.
func (c *JobsCLI) InspectQueue(ctx context.Context) (QueueStats, error) {
	if c == nil || c.inspector == nil {
		return QueueStats{}, errors.New("jobs cli: inspector not configured")
	}
	info, err := c.inspector.GetQueueInfo(jobs.QueueDefault)
	if err != nil {
		return QueueStats{}, err
	}
	stats := QueueStats{Queue: jobs.QueueDefault}
	if info != nil {
		stats.Pending = int(info.Pending)
		stats.Active = int(info.Active)
		stats.Scheduled = int(info.Scheduled)
		stats.Retry = int(info.Retry)
	}
	return stats, nil
}

// ListScheduled returns scheduled task infos for observability.
func (c *JobsCLI) ListScheduled(ctx context.Context, size int) ([]*asynq.TaskInfo, error) {
	if c == nil || c.inspector == nil {
		return nil, errors.New("jobs cli: inspector not configured")
	}
	if size <= 0 {
		size = 10
	}
	return c.inspector.ListScheduledTasks(jobs.QueueDefault, asynq.PageSize(size), asynq.Page(1))
}
