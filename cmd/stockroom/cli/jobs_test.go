package cli

import (
	"context"
	"testing"
	"time"

	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/stockroom/internal/stock"
	_ "github.com/odyssey-erp/stockroom/testing"
)

func TestTriggerRejectsUnknownJob(t *testing.T) {
	c, err := NewJobsCLI(asynq.RedisClientOpt{Addr: "127.0.0.1:0"}, "ops@example.com")
	require.NoError(t, err)
	defer c.Close()

	_, err = c.Trigger(context.Background(), "inventory:revaluation", nil)
	require.ErrorContains(t, err, "unsupported job")

	_, err = c.Trigger(context.Background(), "low-stock-alert", []string{"7", "D-101"})
	require.ErrorContains(t, err, "needs <organization_id>")
}

func TestNilCLIIsNotConfigured(t *testing.T) {
	var c *JobsCLI
	_, err := c.Trigger(context.Background(), "stock:low_stock_scan", nil)
	require.Error(t, err)
	_, err = c.InspectQueue(context.Background())
	require.Error(t, err)
	_, err = c.ListScheduled(context.Background(), 5)
	require.Error(t, err)
}

func TestLowStockAlertFromArgs(t *testing.T) {
	now := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	payload, err := lowStockAlertFromArgs([]string{"7", "D-101", "navy  blue", "m", "2", "5"}, "ops@example.com", now)
	require.NoError(t, err)
	require.Equal(t, "ops@example.com", payload.To)
	require.EqualValues(t, 7, payload.Alert.OrganizationID)
	require.Equal(t, stock.VariantKey{Design: "D-101", Color: "Navy Blue", Size: "M"}, payload.Alert.Key)
	require.Equal(t, 2, payload.Alert.CurrentStock)
	require.Equal(t, 5, payload.Alert.ReorderPoint)
	require.Equal(t, now, payload.Alert.DetectedAt)

	payload, err = lowStockAlertFromArgs([]string{"7", "D-101", "Navy", "M"}, "", now)
	require.NoError(t, err)
	require.Zero(t, payload.Alert.CurrentStock)

	_, err = lowStockAlertFromArgs([]string{"x", "D-101", "Navy", "M"}, "", now)
	require.ErrorContains(t, err, "invalid organization id")
	_, err = lowStockAlertFromArgs([]string{"7", "D-101", " ", "M"}, "", now)
	require.ErrorIs(t, err, stock.ErrInvalidVariantKey)
	_, err = lowStockAlertFromArgs([]string{"7", "D-101", "Navy", "M", "-1"}, "", now)
	require.ErrorContains(t, err, "invalid stock level")
}
