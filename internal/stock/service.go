package stock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/odyssey-erp/stockroom/internal/shared"
)

// AuditPort abstracts audit logging functionality.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// Service coordinates variant stock, transfers and lock policy.
type Service struct {
	repo     RepositoryPort
	audit    AuditPort
	policies PolicyProvider
	notifier Notifier
	metrics  MetricsRecorder
	logger   *slog.Logger
	now      func() time.Time
}

// ServiceConfig groups optional collaborators.
type ServiceConfig struct {
	Policies PolicyProvider
	Notifier Notifier
	Metrics  MetricsRecorder
	Logger   *slog.Logger
	Now      func() time.Time
}

// NewService builds Service. Without a policy provider policies are read
// from repo on every request.
func NewService(repo RepositoryPort, audit AuditPort, cfg ServiceConfig) *Service {
	s := &Service{
		repo:     repo,
		audit:    audit,
		policies: cfg.Policies,
		notifier: cfg.Notifier,
		metrics:  cfg.Metrics,
		logger:   cfg.Logger,
		now:      cfg.Now,
	}
	if s.policies == nil {
		s.policies = NewPolicyCache(nil, repo, 0)
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	s.logger = s.logger.With(slog.String("component", "stock"))
	if s.now == nil {
		s.now = time.Now
	}
	return s
}

// TransferToReserved moves main stock into the reserved pool.
func (s *Service) TransferToReserved(ctx context.Context, actor shared.Actor, input TransferInput) (TransferResult, error) {
	return s.transfer(ctx, actor, LedgerManualRefill, input)
}

// TransferToMain moves reserved stock back into main.
func (s *Service) TransferToMain(ctx context.Context, actor shared.Actor, input TransferInput) (TransferResult, error) {
	return s.transfer(ctx, actor, LedgerManualReturn, input)
}

// EmergencyBorrow pulls reserved stock into main when main runs short.
func (s *Service) EmergencyBorrow(ctx context.Context, actor shared.Actor, input TransferInput) (TransferResult, error) {
	return s.transfer(ctx, actor, LedgerEmergencyBorrow, input)
}

// EmergencyUse writes main stock off as sold outside the order flow.
func (s *Service) EmergencyUse(ctx context.Context, actor shared.Actor, input TransferInput) (TransferResult, error) {
	return s.transfer(ctx, actor, LedgerEmergencyUse, input)
}

// ConsumeReserved fulfils a marketplace order straight from reserved stock.
func (s *Service) ConsumeReserved(ctx context.Context, actor shared.Actor, input TransferInput) (TransferResult, error) {
	return s.transfer(ctx, actor, LedgerMarketplaceOrder, input)
}

// BulkTransferToReserved applies every item or none of them.
func (s *Service) BulkTransferToReserved(ctx context.Context, actor shared.Actor, items []TransferItem, notes string) (entries []LedgerEntry, err error) {
	defer func() { s.observe("bulk_"+string(LedgerManualRefill), err) }()
	entries, _, err = s.apply(ctx, actor, LedgerManualRefill, items, notes, true)
	return entries, err
}

// BulkTransferToMain applies every item or none of them.
func (s *Service) BulkTransferToMain(ctx context.Context, actor shared.Actor, items []TransferItem, notes string) (entries []LedgerEntry, err error) {
	defer func() { s.observe("bulk_"+string(LedgerManualReturn), err) }()
	entries, _, err = s.apply(ctx, actor, LedgerManualReturn, items, notes, true)
	return entries, err
}

func (s *Service) transfer(ctx context.Context, actor shared.Actor, typ LedgerType, input TransferInput) (result TransferResult, err error) {
	defer func() { s.observe(string(typ), err) }()
	items := []TransferItem{{Key: input.Key, Quantity: input.Quantity}}
	entries, variants, err := s.apply(ctx, actor, typ, items, input.Notes, false)
	if err != nil {
		return TransferResult{}, err
	}
	return TransferResult{Variant: variants[0], Entry: entries[0]}, nil
}

// apply runs items sequentially inside one transaction. Rows are locked in
// key order up front so later items see earlier items' effects.
func (s *Service) apply(ctx context.Context, actor shared.Actor, typ LedgerType, items []TransferItem, notes string, batch bool) ([]LedgerEntry, []Variant, error) {
	if actor.OrganizationID <= 0 {
		return nil, nil, shared.ErrMissingActor
	}
	from, to, ok := typ.Route()
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s", ErrUnknownTransfer, typ)
	}
	if len(items) == 0 {
		return nil, nil, ErrEmptyBatch
	}
	normalized := make([]TransferItem, len(items))
	var keys []VariantKey
	seen := make(map[VariantKey]bool, len(items))
	for i, item := range items {
		key := item.Key.Normalize()
		if !key.Valid() {
			return nil, nil, itemError(batch, i, ErrInvalidVariantKey)
		}
		if item.Quantity <= 0 {
			return nil, nil, itemError(batch, i, ErrInvalidQuantity)
		}
		normalized[i] = TransferItem{Key: key, Quantity: item.Quantity}
		if !seen[key] {
			seen[key] = true
			keys = append(keys, key)
		}
	}
	sortKeys(keys)

	batchID := uuid.Nil
	if batch {
		batchID = uuid.New()
	}

	var (
		entries []LedgerEntry
		touched []Variant
	)
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		working := make(map[VariantKey]*Variant, len(keys))
		for _, key := range keys {
			v, err := tx.GetVariantForUpdate(ctx, actor.OrganizationID, key)
			if err != nil {
				return err
			}
			working[key] = &v
		}

		now := s.now().UTC()
		entries = make([]LedgerEntry, 0, len(normalized))
		for i, item := range normalized {
			v := working[item.Key]
			entry := LedgerEntry{
				ID:             uuid.New(),
				OrganizationID: actor.OrganizationID,
				BatchID:        batchID,
				Type:           typ,
				Key:            item.Key,
				Quantity:       item.Quantity,
				From:           from,
				To:             to,
				MainBefore:     v.CurrentStock,
				ReservedBefore: v.ReservedStock,
				PerformedBy:    actor.UserID,
				Notes:          notes,
				CreatedAt:      now,
			}
			if err := v.Deduct(from, item.Quantity); err != nil {
				return itemError(batch, i, err)
			}
			v.Credit(to, item.Quantity)
			entry.MainAfter = v.CurrentStock
			entry.ReservedAfter = v.ReservedStock
			entries = append(entries, entry)
		}

		touched = make([]Variant, 0, len(keys))
		for _, key := range keys {
			v := working[key]
			if err := v.Validate(); err != nil {
				return err
			}
			if err := tx.UpdateVariant(ctx, *v); err != nil {
				return err
			}
			touched = append(touched, *v)
		}
		return tx.InsertLedgerEntries(ctx, entries)
	})
	if err != nil {
		return nil, nil, err
	}

	entityID := entries[0].Key.String()
	if batch {
		entityID = batchID.String()
	}
	s.record(ctx, shared.AuditLog{
		OrganizationID: actor.OrganizationID,
		ActorID:        actor.UserID,
		Action:         "stock:" + string(typ),
		Entity:         "transfer_ledger",
		EntityID:       entityID,
		Meta: map[string]any{
			"items": len(entries),
			"from":  from,
			"to":    to,
			"notes": notes,
		},
		At: entries[0].CreatedAt,
	})
	EmitLowStock(ctx, s.notifier, s.logger, touched, s.now().UTC())
	return entries, touched, nil
}

func itemError(batch bool, index int, err error) error {
	if !batch {
		return err
	}
	return fmt.Errorf("item %d: %w", index+1, err)
}

// ListLedger returns ledger entries newest first.
func (s *Service) ListLedger(ctx context.Context, orgID int64, filter LedgerFilter) ([]LedgerEntry, error) {
	if filter.Key != (VariantKey{}) {
		filter.Key = filter.Key.Normalize()
	}
	return s.repo.ListLedger(ctx, orgID, filter)
}

// RegisterVariant creates a variant with opening stock.
func (s *Service) RegisterVariant(ctx context.Context, actor shared.Actor, input RegisterVariantInput) (variant Variant, err error) {
	defer func() { s.observe("register_variant", err) }()
	if actor.OrganizationID <= 0 {
		return Variant{}, shared.ErrMissingActor
	}
	key := input.Key.Normalize()
	if !key.Valid() {
		return Variant{}, ErrInvalidVariantKey
	}
	if input.CurrentStock < 0 || input.ReservedStock < 0 || input.ReorderPoint < 0 {
		return Variant{}, ErrInvalidQuantity
	}
	variant = Variant{
		OrganizationID: actor.OrganizationID,
		Key:            key,
		CurrentStock:   input.CurrentStock,
		ReservedStock:  input.ReservedStock,
		ReorderPoint:   input.ReorderPoint,
		UpdatedAt:      s.now().UTC(),
	}
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		return tx.InsertVariant(ctx, variant)
	})
	if err != nil {
		return Variant{}, err
	}
	s.record(ctx, shared.AuditLog{
		OrganizationID: actor.OrganizationID,
		ActorID:        actor.UserID,
		Action:         "stock:register_variant",
		Entity:         "variant_stock",
		EntityID:       key.String(),
		Meta: map[string]any{
			"current_stock":  variant.CurrentStock,
			"reserved_stock": variant.ReservedStock,
			"reorder_point":  variant.ReorderPoint,
		},
	})
	EmitLowStock(ctx, s.notifier, s.logger, []Variant{variant}, variant.UpdatedAt)
	return variant, nil
}

// GetVariant loads one variant by key.
func (s *Service) GetVariant(ctx context.Context, orgID int64, key VariantKey) (Variant, error) {
	key = key.Normalize()
	if !key.Valid() {
		return Variant{}, ErrInvalidVariantKey
	}
	return s.repo.GetVariant(ctx, orgID, key)
}

// ListVariants lists variants ordered by key.
func (s *Service) ListVariants(ctx context.Context, orgID int64, filter VariantFilter) ([]Variant, error) {
	if filter.Design != "" {
		filter.Design = NormalizeKey(filter.Design, "", "").Design
	}
	return s.repo.ListVariants(ctx, orgID, filter)
}

// SetReorderPoint updates the advisory low-stock threshold of a variant.
func (s *Service) SetReorderPoint(ctx context.Context, actor shared.Actor, key VariantKey, point int) (variant Variant, err error) {
	defer func() { s.observe("set_reorder_point", err) }()
	if actor.OrganizationID <= 0 {
		return Variant{}, shared.ErrMissingActor
	}
	if point < 0 {
		return Variant{}, ErrInvalidThreshold
	}
	key = key.Normalize()
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		v, err := tx.GetVariantForUpdate(ctx, actor.OrganizationID, key)
		if err != nil {
			return err
		}
		v.ReorderPoint = point
		if err := tx.UpdateVariant(ctx, v); err != nil {
			return err
		}
		variant = v
		return nil
	})
	if err != nil {
		return Variant{}, err
	}
	EmitLowStock(ctx, s.notifier, s.logger, []Variant{variant}, s.now().UTC())
	return variant, nil
}

// GetPolicy returns the organization's lock policy.
func (s *Service) GetPolicy(ctx context.Context, orgID int64) (LockPolicy, error) {
	return s.policies.Get(ctx, orgID)
}

// ProvisionPolicy creates a disabled policy for the organization when it has
// none. created reports whether a row was written.
func (s *Service) ProvisionPolicy(ctx context.Context, actor shared.Actor) (policy LockPolicy, created bool, err error) {
	defer func() { s.observe("provision_policy", err) }()
	if actor.OrganizationID <= 0 {
		return LockPolicy{}, false, shared.ErrMissingActor
	}
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		existing, err := tx.GetPolicyForUpdate(ctx, actor.OrganizationID)
		if err == nil {
			policy, created = existing, false
			return nil
		}
		if !errors.Is(err, ErrSettingsNotFound) {
			return err
		}
		policy = LockPolicy{
			OrganizationID: actor.OrganizationID,
			UpdatedBy:      actor.UserID,
			UpdatedAt:      s.now().UTC(),
		}
		created = true
		return tx.SavePolicy(ctx, policy)
	})
	if err != nil {
		return LockPolicy{}, false, err
	}
	if created {
		s.invalidate(ctx, actor.OrganizationID)
		s.record(ctx, shared.AuditLog{
			OrganizationID: actor.OrganizationID,
			ActorID:        actor.UserID,
			Action:         "stock:provision_policy",
			Entity:         "stock_lock_policy",
			EntityID:       fmt.Sprintf("%d", actor.OrganizationID),
			At:             policy.UpdatedAt,
		})
	}
	return policy, created, nil
}

// ToggleStockLock switches the lock policy. Enabling spreads the threshold
// over every variant; disabling clears every lock.
func (s *Service) ToggleStockLock(ctx context.Context, actor shared.Actor, input ToggleInput) (result ToggleResult, err error) {
	defer func() { s.observe("toggle_stock_lock", err) }()
	if actor.OrganizationID <= 0 {
		return ToggleResult{}, shared.ErrMissingActor
	}
	if input.MaxThreshold < 0 {
		return ToggleResult{}, ErrInvalidThreshold
	}
	var wasEnabled bool
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		policy, err := tx.GetPolicyForUpdate(ctx, actor.OrganizationID)
		if err != nil {
			return err
		}
		wasEnabled = policy.Enabled

		var changed []Variant
		if policy.Enabled != input.Enabled {
			variants, err := tx.ListVariantsForUpdate(ctx, actor.OrganizationID)
			if err != nil {
				return err
			}
			var idx []int
			if input.Enabled {
				idx = DistributeLocks(variants, input.MaxThreshold)
			} else {
				idx = ClearLocks(variants)
			}
			for _, i := range idx {
				if err := tx.UpdateVariant(ctx, variants[i]); err != nil {
					return err
				}
				changed = append(changed, variants[i])
			}
		}

		policy.Enabled = input.Enabled
		policy.MaxThreshold = input.MaxThreshold
		policy.UpdatedBy = actor.UserID
		policy.UpdatedAt = s.now().UTC()
		if err := tx.SavePolicy(ctx, policy); err != nil {
			return err
		}
		result = ToggleResult{Policy: policy, Changed: changed}
		return nil
	})
	if err != nil {
		return ToggleResult{}, err
	}
	s.invalidate(ctx, actor.OrganizationID)
	s.record(ctx, shared.AuditLog{
		OrganizationID: actor.OrganizationID,
		ActorID:        actor.UserID,
		Action:         "stock:toggle_lock",
		Entity:         "stock_lock_policy",
		EntityID:       fmt.Sprintf("%d", actor.OrganizationID),
		Meta: map[string]any{
			"was_enabled":      wasEnabled,
			"enabled":          result.Policy.Enabled,
			"max_threshold":    result.Policy.MaxThreshold,
			"variants_changed": len(result.Changed),
		},
		At: result.Policy.UpdatedAt,
	})
	return result, nil
}

// SetVariantLockAmount replaces a variant's locked amount.
func (s *Service) SetVariantLockAmount(ctx context.Context, actor shared.Actor, key VariantKey, amount int) (variant Variant, err error) {
	defer func() { s.observe("set_lock", err) }()
	return s.changeLock(ctx, actor, key, "stock:set_lock", func(Variant) int { return amount })
}

// RefillLockedStock adds amount to a variant's locked amount.
func (s *Service) RefillLockedStock(ctx context.Context, actor shared.Actor, key VariantKey, amount int) (variant Variant, err error) {
	defer func() { s.observe("refill_lock", err) }()
	if amount <= 0 {
		return Variant{}, ErrInvalidQuantity
	}
	return s.changeLock(ctx, actor, key, "stock:refill_lock", func(v Variant) int { return v.LockedStock + amount })
}

func (s *Service) changeLock(ctx context.Context, actor shared.Actor, key VariantKey, action string, target func(Variant) int) (Variant, error) {
	if actor.OrganizationID <= 0 {
		return Variant{}, shared.ErrMissingActor
	}
	key = key.Normalize()
	if !key.Valid() {
		return Variant{}, ErrInvalidVariantKey
	}
	var (
		variant  Variant
		previous int
	)
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		// the policy row lock serializes every lock change of the organization
		policy, err := tx.GetPolicyForUpdate(ctx, actor.OrganizationID)
		if err != nil {
			return err
		}
		if !policy.Enabled {
			return ErrStockLockDisabled
		}
		v, err := tx.GetVariantForUpdate(ctx, actor.OrganizationID, key)
		if err != nil {
			return err
		}
		previous = v.LockedStock
		amount := target(v)
		if err := v.SetLock(amount); err != nil {
			return err
		}
		total, err := tx.SumLocked(ctx, actor.OrganizationID)
		if err != nil {
			return err
		}
		others := total - previous
		if others+amount > policy.MaxThreshold {
			stockErr := newStockError(ErrThresholdExceeded, v, PoolMain, amount, max(policy.MaxThreshold-others, 0))
			stockErr.LockedStock = previous
			stockErr.MaxThreshold = policy.MaxThreshold
			return stockErr
		}
		if err := tx.UpdateVariant(ctx, v); err != nil {
			return err
		}
		variant = v
		return nil
	})
	if err != nil {
		return Variant{}, err
	}
	s.record(ctx, shared.AuditLog{
		OrganizationID: actor.OrganizationID,
		ActorID:        actor.UserID,
		Action:         action,
		Entity:         "variant_stock",
		EntityID:       key.String(),
		Meta: map[string]any{
			"locked_before": previous,
			"locked_after":  variant.LockedStock,
		},
	})
	return variant, nil
}

func (s *Service) invalidate(ctx context.Context, orgID int64) {
	if err := s.policies.Invalidate(ctx, orgID); err != nil {
		s.logger.Warn("invalidate lock policy cache", slog.Int64("organization_id", orgID), slog.Any("error", err))
	}
}

func (s *Service) record(ctx context.Context, log shared.AuditLog) {
	if s.audit == nil {
		return
	}
	if log.At.IsZero() {
		log.At = s.now().UTC()
	}
	if err := s.audit.Record(ctx, log); err != nil {
		s.logger.Warn("record audit log", slog.String("action", log.Action), slog.Any("error", err))
	}
}

func (s *Service) observe(operation string, err error) {
	if s.metrics == nil {
		return
	}
	s.metrics.ObserveStockOperation(operation, ErrorCode(err))
}
