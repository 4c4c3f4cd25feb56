package stock_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/stockroom/internal/shared"
	"github.com/odyssey-erp/stockroom/internal/stock"
	"github.com/odyssey-erp/stockroom/internal/stock/stocktest"
)

const orgID int64 = 7

var actor = shared.Actor{OrganizationID: orgID, UserID: 42}

func key(design, color, size string) stock.VariantKey {
	return stock.VariantKey{Design: design, Color: color, Size: size}
}

type recordingNotifier struct {
	mu     sync.Mutex
	alerts []stock.LowStockAlert
}

func (n *recordingNotifier) NotifyLowStock(_ context.Context, alert stock.LowStockAlert) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.alerts = append(n.alerts, alert)
	return nil
}

type recordingMetrics struct {
	mu       sync.Mutex
	outcomes map[string][]string
}

func (m *recordingMetrics) ObserveStockOperation(operation, outcome string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.outcomes == nil {
		m.outcomes = make(map[string][]string)
	}
	m.outcomes[operation] = append(m.outcomes[operation], outcome)
}

type recordingAudit struct {
	mu   sync.Mutex
	logs []shared.AuditLog
}

func (a *recordingAudit) Record(_ context.Context, log shared.AuditLog) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.logs = append(a.logs, log)
	return nil
}

type fixture struct {
	store    *stocktest.Store
	service  *stock.Service
	notifier *recordingNotifier
	metrics  *recordingMetrics
	audit    *recordingAudit
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	store := stocktest.NewStore()
	f := fixture{
		store:    store,
		notifier: &recordingNotifier{},
		metrics:  &recordingMetrics{},
		audit:    &recordingAudit{},
	}
	f.service = stock.NewService(store, f.audit, stock.ServiceConfig{
		Notifier: f.notifier,
		Metrics:  f.metrics,
	})
	return f
}

func (f fixture) seed(k stock.VariantKey, current, reserved, locked int) {
	f.store.PutVariant(stock.Variant{
		OrganizationID: orgID,
		Key:            k,
		CurrentStock:   current,
		ReservedStock:  reserved,
		LockedStock:    locked,
	})
}

func (f fixture) variant(t *testing.T, k stock.VariantKey) stock.Variant {
	t.Helper()
	v, ok := f.store.Variant(orgID, k)
	require.True(t, ok, k.String())
	return v
}

func TestTransferToReservedSnapshots(t *testing.T) {
	f := newFixture(t)
	k := key("D-101", "Navy", "M")
	f.seed(k, 100, 0, 0)

	res, err := f.service.TransferToReserved(context.Background(), actor, stock.TransferInput{Key: k, Quantity: 30, Notes: "weekly refill"})
	require.NoError(t, err)
	require.Equal(t, 70, res.Variant.CurrentStock)
	require.Equal(t, 30, res.Variant.ReservedStock)

	entry := res.Entry
	require.Equal(t, stock.LedgerManualRefill, entry.Type)
	require.Equal(t, stock.PoolMain, entry.From)
	require.Equal(t, stock.PoolReserved, entry.To)
	require.Equal(t, 100, entry.MainBefore)
	require.Equal(t, 70, entry.MainAfter)
	require.Equal(t, 0, entry.ReservedBefore)
	require.Equal(t, 30, entry.ReservedAfter)
	require.Equal(t, int64(42), entry.PerformedBy)

	ledger := f.store.Ledger()
	require.Len(t, ledger, 1)
	require.Equal(t, entry.ID, ledger[0].ID)
	require.Len(t, f.audit.logs, 1)
	require.Equal(t, []string{"success"}, f.metrics.outcomes["manual_refill"])
}

func TestTransferRoundTripConserves(t *testing.T) {
	f := newFixture(t)
	k := key("D-101", "Navy", "M")
	f.seed(k, 40, 12, 5)
	ctx := context.Background()

	_, err := f.service.TransferToReserved(ctx, actor, stock.TransferInput{Key: k, Quantity: 17})
	require.NoError(t, err)
	_, err = f.service.TransferToMain(ctx, actor, stock.TransferInput{Key: k, Quantity: 17})
	require.NoError(t, err)

	v := f.variant(t, k)
	require.Equal(t, 40, v.CurrentStock)
	require.Equal(t, 12, v.ReservedStock)
	require.Len(t, f.store.Ledger(), 2)
}

func TestTransferInsufficientLeavesStateUntouched(t *testing.T) {
	f := newFixture(t)
	k := key("D-101", "Navy", "M")
	f.seed(k, 5, 2, 0)

	_, err := f.service.TransferToMain(context.Background(), actor, stock.TransferInput{Key: k, Quantity: 3})
	require.ErrorIs(t, err, stock.ErrInsufficientStock)
	var stockErr *stock.StockError
	require.True(t, errors.As(err, &stockErr))
	require.Equal(t, 3, stockErr.Requested)
	require.Equal(t, 2, stockErr.Available)
	require.Equal(t, stock.PoolReserved, stockErr.Pool)

	v := f.variant(t, k)
	require.Equal(t, 5, v.CurrentStock)
	require.Equal(t, 2, v.ReservedStock)
	require.Empty(t, f.store.Ledger())
	require.Empty(t, f.audit.logs)
	require.Equal(t, []string{"insufficient_stock"}, f.metrics.outcomes["manual_return"])
}

func TestTransferRejectsInvalidInput(t *testing.T) {
	f := newFixture(t)
	k := key("D-101", "Navy", "M")
	f.seed(k, 5, 0, 0)
	ctx := context.Background()

	_, err := f.service.TransferToReserved(ctx, actor, stock.TransferInput{Key: k, Quantity: 0})
	require.ErrorIs(t, err, stock.ErrInvalidQuantity)
	_, err = f.service.TransferToReserved(ctx, actor, stock.TransferInput{Key: key("D-101", "", "M"), Quantity: 1})
	require.ErrorIs(t, err, stock.ErrInvalidVariantKey)
	_, err = f.service.TransferToReserved(ctx, shared.Actor{}, stock.TransferInput{Key: k, Quantity: 1})
	require.ErrorIs(t, err, shared.ErrMissingActor)
}

func TestTransferLookupErrors(t *testing.T) {
	f := newFixture(t)
	f.seed(key("D-101", "Navy", "M"), 5, 0, 0)
	ctx := context.Background()

	_, err := f.service.TransferToReserved(ctx, actor, stock.TransferInput{Key: key("D-999", "Navy", "M"), Quantity: 1})
	require.ErrorIs(t, err, stock.ErrProductNotFound)
	_, err = f.service.TransferToReserved(ctx, actor, stock.TransferInput{Key: key("D-101", "Red", "M"), Quantity: 1})
	require.ErrorIs(t, err, stock.ErrColorNotFound)
	_, err = f.service.TransferToReserved(ctx, actor, stock.TransferInput{Key: key("D-101", "Navy", "XL"), Quantity: 1})
	require.ErrorIs(t, err, stock.ErrSizeNotFound)
}

func TestTransferNormalizesKey(t *testing.T) {
	f := newFixture(t)
	f.seed(key("D-101", "Navy Blue", "XL"), 5, 0, 0)

	res, err := f.service.TransferToReserved(context.Background(), actor, stock.TransferInput{Key: key(" D-101", "navy blue", "xl"), Quantity: 2})
	require.NoError(t, err)
	require.Equal(t, key("D-101", "Navy Blue", "XL"), res.Entry.Key)
}

func TestBulkTransferIsAllOrNothing(t *testing.T) {
	f := newFixture(t)
	sizes := []string{"S", "M", "L", "XL", "XXL"}
	for _, size := range sizes {
		f.seed(key("D-101", "Navy", size), 10, 0, 0)
	}
	items := make([]stock.TransferItem, 0, len(sizes))
	for i, size := range sizes {
		qty := 5
		if i == 2 {
			qty = 11
		}
		items = append(items, stock.TransferItem{Key: key("D-101", "Navy", size), Quantity: qty})
	}

	_, err := f.service.BulkTransferToReserved(context.Background(), actor, items, "")
	require.ErrorIs(t, err, stock.ErrInsufficientStock)
	require.Contains(t, err.Error(), "item 3")

	for _, size := range sizes {
		v := f.variant(t, key("D-101", "Navy", size))
		assert.Equal(t, 10, v.CurrentStock, size)
		assert.Equal(t, 0, v.ReservedStock, size)
	}
	require.Empty(t, f.store.Ledger())
	require.Zero(t, f.store.Commits)
}

func TestBulkTransferSequentialSameVariant(t *testing.T) {
	f := newFixture(t)
	k := key("D-101", "Navy", "M")
	other := key("D-100", "Black", "S")
	f.seed(k, 10, 0, 0)
	f.seed(other, 4, 0, 0)

	entries, err := f.service.BulkTransferToReserved(context.Background(), actor, []stock.TransferItem{
		{Key: k, Quantity: 6},
		{Key: other, Quantity: 4},
		{Key: k, Quantity: 4},
	}, "restock")
	require.NoError(t, err)
	require.Len(t, entries, 3)

	require.Equal(t, 10, entries[0].MainBefore)
	require.Equal(t, 4, entries[2].MainBefore)
	require.Equal(t, 0, entries[2].MainAfter)
	require.Equal(t, 10, entries[2].ReservedAfter)
	require.NotEqual(t, entries[0].BatchID.String(), "00000000-0000-0000-0000-000000000000")
	for _, e := range entries {
		require.Equal(t, entries[0].BatchID, e.BatchID)
	}

	// a fourth unit would fail the whole batch
	_, err = f.service.BulkTransferToReserved(context.Background(), actor, []stock.TransferItem{{Key: k, Quantity: 1}}, "")
	require.ErrorIs(t, err, stock.ErrInsufficientStock)
	_, err = f.service.BulkTransferToMain(context.Background(), actor, nil, "")
	require.ErrorIs(t, err, stock.ErrEmptyBatch)
}

func TestSupplementaryTransfers(t *testing.T) {
	f := newFixture(t)
	k := key("D-101", "Navy", "M")
	f.seed(k, 10, 10, 4)
	ctx := context.Background()

	res, err := f.service.EmergencyBorrow(ctx, actor, stock.TransferInput{Key: k, Quantity: 3})
	require.NoError(t, err)
	require.Equal(t, stock.LedgerEmergencyBorrow, res.Entry.Type)
	require.Equal(t, 13, res.Variant.CurrentStock)
	require.Equal(t, 7, res.Variant.ReservedStock)

	res, err = f.service.EmergencyUse(ctx, actor, stock.TransferInput{Key: k, Quantity: 11})
	require.NoError(t, err)
	require.Equal(t, stock.PoolSold, res.Entry.To)
	require.Equal(t, 2, res.Variant.CurrentStock)
	require.Equal(t, 2, res.Variant.LockedStock)

	res, err = f.service.ConsumeReserved(ctx, actor, stock.TransferInput{Key: k, Quantity: 7})
	require.NoError(t, err)
	require.Equal(t, stock.LedgerMarketplaceOrder, res.Entry.Type)
	require.Equal(t, 0, res.Variant.ReservedStock)
	require.Equal(t, 2, res.Variant.CurrentStock)

	ledger, err := f.service.ListLedger(ctx, orgID, stock.LedgerFilter{Type: stock.LedgerEmergencyUse})
	require.NoError(t, err)
	require.Len(t, ledger, 1)
	all, err := f.service.ListLedger(ctx, orgID, stock.LedgerFilter{Key: key("D-101", "navy", "m")})
	require.NoError(t, err)
	require.Len(t, all, 3)
	require.Equal(t, stock.LedgerMarketplaceOrder, all[0].Type)
}

func TestLowStockAlertAfterCommit(t *testing.T) {
	f := newFixture(t)
	k := key("D-101", "Navy", "M")
	f.store.PutVariant(stock.Variant{OrganizationID: orgID, Key: k, CurrentStock: 10, ReorderPoint: 5})

	_, err := f.service.TransferToReserved(context.Background(), actor, stock.TransferInput{Key: k, Quantity: 4})
	require.NoError(t, err)
	require.Empty(t, f.notifier.alerts)

	_, err = f.service.TransferToReserved(context.Background(), actor, stock.TransferInput{Key: k, Quantity: 1})
	require.NoError(t, err)
	require.Len(t, f.notifier.alerts, 1)
	require.Equal(t, 5, f.notifier.alerts[0].CurrentStock)

	_, err = f.service.TransferToReserved(context.Background(), actor, stock.TransferInput{Key: k, Quantity: 50})
	require.Error(t, err)
	require.Len(t, f.notifier.alerts, 1)
}

func TestConcurrentTransfersNeverOversell(t *testing.T) {
	f := newFixture(t)
	k := key("D-101", "Navy", "M")
	f.seed(k, 100, 0, 0)

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
	)
	for i := 0; i < 25; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.service.TransferToReserved(context.Background(), actor, stock.TransferInput{Key: k, Quantity: 10})
			if err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
				return
			}
			assert.ErrorIs(t, err, stock.ErrInsufficientStock)
		}()
	}
	wg.Wait()

	v := f.variant(t, k)
	require.Equal(t, 10, succeeded)
	require.Equal(t, 0, v.CurrentStock)
	require.Equal(t, 100, v.ReservedStock)
	require.Len(t, f.store.Ledger(), 10)
}

func TestRegisterVariant(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	v, err := f.service.RegisterVariant(ctx, actor, stock.RegisterVariantInput{
		Key:          key("D-200", "forest green", "l"),
		CurrentStock: 3,
		ReorderPoint: 5,
	})
	require.NoError(t, err)
	require.Equal(t, key("D-200", "Forest Green", "L"), v.Key)
	require.Len(t, f.notifier.alerts, 1)

	_, err = f.service.RegisterVariant(ctx, actor, stock.RegisterVariantInput{Key: key("D-200", "Forest Green", "L")})
	require.ErrorIs(t, err, stock.ErrVariantExists)
	_, err = f.service.RegisterVariant(ctx, actor, stock.RegisterVariantInput{Key: key("D-200", "Red", "L"), CurrentStock: -1})
	require.ErrorIs(t, err, stock.ErrInvalidQuantity)

	got, err := f.service.GetVariant(ctx, orgID, key("D-200", "FOREST GREEN", "l"))
	require.NoError(t, err)
	require.Equal(t, 3, got.CurrentStock)

	updated, err := f.service.SetReorderPoint(ctx, actor, key("D-200", "Forest Green", "L"), 1)
	require.NoError(t, err)
	require.Equal(t, 1, updated.ReorderPoint)

	list, err := f.service.ListVariants(ctx, orgID, stock.VariantFilter{Design: "D-200"})
	require.NoError(t, err)
	require.Len(t, list, 1)
}

func TestToggleStockLockDistributesAndClears(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seed(key("A", "Red", "S"), 1, 0, 0)
	f.seed(key("A", "Red", "M"), 50, 0, 0)
	f.seed(key("B", "Blue", "M"), 50, 0, 0)
	f.store.PutPolicy(stock.LockPolicy{OrganizationID: orgID})

	res, err := f.service.ToggleStockLock(ctx, actor, stock.ToggleInput{Enabled: true, MaxThreshold: 10})
	require.NoError(t, err)
	require.True(t, res.Policy.Enabled)
	require.Len(t, res.Changed, 3)
	// base 3, remainder 1 to A/Red/M; A/Red/S capped at 1
	require.Equal(t, 4, f.variant(t, key("A", "Red", "M")).LockedStock)
	require.Equal(t, 1, f.variant(t, key("A", "Red", "S")).LockedStock)
	require.Equal(t, 3, f.variant(t, key("B", "Blue", "M")).LockedStock)

	res, err = f.service.ToggleStockLock(ctx, actor, stock.ToggleInput{Enabled: true, MaxThreshold: 20})
	require.NoError(t, err)
	require.Empty(t, res.Changed)
	require.Equal(t, 20, res.Policy.MaxThreshold)
	require.Equal(t, 4, f.variant(t, key("A", "Red", "M")).LockedStock)

	res, err = f.service.ToggleStockLock(ctx, actor, stock.ToggleInput{Enabled: false, MaxThreshold: 20})
	require.NoError(t, err)
	require.Len(t, res.Changed, 3)
	for _, v := range res.Changed {
		require.Zero(t, v.LockedStock)
	}

	policy, err := f.service.GetPolicy(ctx, orgID)
	require.NoError(t, err)
	require.False(t, policy.Enabled)
	require.Equal(t, int64(42), policy.UpdatedBy)
}

func TestToggleStockLockSettingsNotFound(t *testing.T) {
	f := newFixture(t)
	_, err := f.service.ToggleStockLock(context.Background(), actor, stock.ToggleInput{Enabled: true, MaxThreshold: 5})
	require.ErrorIs(t, err, stock.ErrSettingsNotFound)
	_, err = f.service.ToggleStockLock(context.Background(), actor, stock.ToggleInput{Enabled: true, MaxThreshold: -1})
	require.ErrorIs(t, err, stock.ErrInvalidThreshold)
}

func TestProvisionPolicy(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	policy, created, err := f.service.ProvisionPolicy(ctx, actor)
	require.NoError(t, err)
	require.True(t, created)
	require.False(t, policy.Enabled)
	require.Equal(t, orgID, policy.OrganizationID)

	_, err = f.service.ToggleStockLock(ctx, actor, stock.ToggleInput{Enabled: true, MaxThreshold: 5})
	require.NoError(t, err)

	policy, created, err = f.service.ProvisionPolicy(ctx, actor)
	require.NoError(t, err)
	require.False(t, created)
	require.True(t, policy.Enabled, "provisioning never resets an existing policy")
	require.Equal(t, 5, policy.MaxThreshold)

	_, _, err = f.service.ProvisionPolicy(ctx, shared.Actor{})
	require.ErrorIs(t, err, shared.ErrMissingActor)
}

func TestSetVariantLockAmount(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := key("A", "Red", "M")
	b := key("B", "Blue", "M")
	f.seed(a, 20, 0, 0)
	f.seed(b, 20, 0, 6)
	f.store.PutPolicy(stock.LockPolicy{OrganizationID: orgID, Enabled: false, MaxThreshold: 10})

	_, err := f.service.SetVariantLockAmount(ctx, actor, a, 2)
	require.ErrorIs(t, err, stock.ErrStockLockDisabled)

	f.store.PutPolicy(stock.LockPolicy{OrganizationID: orgID, Enabled: true, MaxThreshold: 10})
	v, err := f.service.SetVariantLockAmount(ctx, actor, a, 4)
	require.NoError(t, err)
	require.Equal(t, 4, v.LockedStock)

	_, err = f.service.SetVariantLockAmount(ctx, actor, a, 5)
	require.ErrorIs(t, err, stock.ErrThresholdExceeded)
	var stockErr *stock.StockError
	require.True(t, errors.As(err, &stockErr))
	require.Equal(t, 10, stockErr.MaxThreshold)
	require.Equal(t, 4, stockErr.Available)

	_, err = f.service.SetVariantLockAmount(ctx, actor, a, 21)
	require.ErrorIs(t, err, stock.ErrInvalidLockAmount)
	_, err = f.service.SetVariantLockAmount(ctx, actor, a, -1)
	require.ErrorIs(t, err, stock.ErrInvalidLockAmount)
	require.Equal(t, 4, f.variant(t, a).LockedStock)

	v, err = f.service.SetVariantLockAmount(ctx, actor, b, 0)
	require.NoError(t, err)
	require.Zero(t, v.LockedStock)
}

func TestRefillLockedStock(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	k := key("A", "Red", "M")
	f.seed(k, 8, 0, 2)
	f.store.PutPolicy(stock.LockPolicy{OrganizationID: orgID, Enabled: true, MaxThreshold: 6})

	v, err := f.service.RefillLockedStock(ctx, actor, k, 3)
	require.NoError(t, err)
	require.Equal(t, 5, v.LockedStock)

	_, err = f.service.RefillLockedStock(ctx, actor, k, 2)
	require.ErrorIs(t, err, stock.ErrThresholdExceeded)
	_, err = f.service.RefillLockedStock(ctx, actor, k, 0)
	require.ErrorIs(t, err, stock.ErrInvalidQuantity)

	f.store.PutPolicy(stock.LockPolicy{OrganizationID: orgID, Enabled: true, MaxThreshold: 100})
	_, err = f.service.RefillLockedStock(ctx, actor, k, 4)
	require.ErrorIs(t, err, stock.ErrInvalidLockAmount)
	require.Equal(t, 5, f.variant(t, k).LockedStock)
}

func TestInvariantsHoldAcrossMixedOperations(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	k := key("D-1", "Black", "M")
	f.seed(k, 30, 5, 0)
	f.store.PutPolicy(stock.LockPolicy{OrganizationID: orgID, Enabled: true, MaxThreshold: 25})

	steps := []func() error{
		func() error { _, err := f.service.SetVariantLockAmount(ctx, actor, k, 25); return err },
		func() error {
			_, err := f.service.TransferToReserved(ctx, actor, stock.TransferInput{Key: k, Quantity: 20})
			return err
		},
		func() error { _, err := f.service.EmergencyUse(ctx, actor, stock.TransferInput{Key: k, Quantity: 9}); return err },
		func() error {
			_, err := f.service.TransferToMain(ctx, actor, stock.TransferInput{Key: k, Quantity: 30})
			return err
		},
		func() error { _, err := f.service.RefillLockedStock(ctx, actor, k, 100); return err },
		func() error {
			_, err := f.service.EmergencyBorrow(ctx, actor, stock.TransferInput{Key: k, Quantity: 5})
			return err
		},
	}
	for _, step := range steps {
		_ = step()
		v := f.variant(t, k)
		require.NoError(t, v.Validate())
	}
}
