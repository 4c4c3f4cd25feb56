package marketplace

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/odyssey-erp/stockroom/internal/shared"
	"github.com/odyssey-erp/stockroom/internal/stock"
)

const idempotencyModule = "marketplace.sale"

// IdempotencyPort guards sale creation against replays.
type IdempotencyPort interface {
	CheckAndInsert(ctx context.Context, key, module string) error
	Delete(ctx context.Context, key string) error
}

// Service drives the sale lifecycle and the stock effects of each transition.
type Service struct {
	repo        RepositoryPort
	audit       stock.AuditPort
	idempotency IdempotencyPort
	notifier    stock.Notifier
	metrics     stock.MetricsRecorder
	logger      *slog.Logger
	now         func() time.Time
}

// ServiceConfig groups optional collaborators.
type ServiceConfig struct {
	Idempotency IdempotencyPort
	Notifier    stock.Notifier
	Metrics     stock.MetricsRecorder
	Logger      *slog.Logger
	Now         func() time.Time
}

// NewService builds Service.
func NewService(repo RepositoryPort, audit stock.AuditPort, cfg ServiceConfig) *Service {
	s := &Service{
		repo:        repo,
		audit:       audit,
		idempotency: cfg.Idempotency,
		notifier:    cfg.Notifier,
		metrics:     cfg.Metrics,
		logger:      cfg.Logger,
		now:         cfg.Now,
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	s.logger = s.logger.With(slog.String("component", "marketplace"))
	if s.now == nil {
		s.now = time.Now
	}
	return s
}

// lockPolicy reads the organization's lock policy inside tx, before any
// variant row is locked. An organization without settings sells from main
// stock.
func lockPolicy(ctx context.Context, tx TxRepository, orgID int64) (stock.LockPolicy, error) {
	policy, err := tx.GetPolicyForShare(ctx, orgID)
	if errors.Is(err, stock.ErrSettingsNotFound) {
		return stock.LockPolicy{OrganizationID: orgID}, nil
	}
	return policy, err
}

// CreateSale records a dispatched sale and deducts its stock.
func (s *Service) CreateSale(ctx context.Context, actor shared.Actor, input CreateSaleInput) (sale Sale, err error) {
	defer func() { s.observe("create_sale", err) }()
	if actor.OrganizationID <= 0 {
		return Sale{}, shared.ErrMissingActor
	}
	input.AccountName = strings.TrimSpace(input.AccountName)
	if input.AccountName == "" {
		return Sale{}, fmt.Errorf("%w: account name required", ErrInvalidSale)
	}
	if input.Quantity <= 0 {
		return Sale{}, stock.ErrInvalidQuantity
	}
	key := input.Key.Normalize()
	if !key.Valid() {
		return Sale{}, stock.ErrInvalidVariantKey
	}

	idemKey := ""
	if input.IdempotencyKey != "" && s.idempotency != nil {
		idemKey = fmt.Sprintf("%d:%s", actor.OrganizationID, input.IdempotencyKey)
		if err := s.idempotency.CheckAndInsert(ctx, idemKey, idempotencyModule); err != nil {
			if errors.Is(err, shared.ErrIdempotencyConflict) {
				return Sale{}, fmt.Errorf("%w: %s", ErrDuplicateRequest, input.IdempotencyKey)
			}
			return Sale{}, err
		}
	}

	now := s.now().UTC()
	saleDate := input.SaleDate
	if saleDate.IsZero() {
		saleDate = now
	}
	sale = Sale{
		ID:             uuid.New(),
		OrganizationID: actor.OrganizationID,
		AccountName:    input.AccountName,
		SaleDate:       saleDate,
		Key:            key,
		Quantity:       input.Quantity,
		Status:         StatusDispatched,
		Notes:          input.Notes,
		CreatedBy:      actor.UserID,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	var (
		variant stock.Variant
		policy  stock.LockPolicy
	)
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		p, err := lockPolicy(ctx, tx, actor.OrganizationID)
		if err != nil {
			return err
		}
		policy = p
		v, err := tx.GetVariantForUpdate(ctx, actor.OrganizationID, key)
		if err != nil {
			return err
		}
		if policy.Enabled {
			err = v.DeductLocked(input.Quantity, policy.MaxThreshold)
		} else {
			err = v.Deduct(stock.PoolMain, input.Quantity)
		}
		if err != nil {
			return err
		}
		if err := tx.UpdateVariant(ctx, v); err != nil {
			return err
		}
		if err := tx.InsertSale(ctx, sale); err != nil {
			return err
		}
		change, err := tx.AppendHistory(ctx, sale.ID, StatusChange{
			NewStatus: StatusDispatched,
			ChangedBy: actor.UserID,
			ChangedAt: now,
		})
		if err != nil {
			return err
		}
		sale.History = []StatusChange{change}
		variant = v
		return nil
	})
	if err != nil {
		if idemKey != "" {
			if delErr := s.idempotency.Delete(ctx, idemKey); delErr != nil {
				s.logger.Warn("release idempotency key", slog.String("key", idemKey), slog.Any("error", delErr))
			}
		}
		return Sale{}, err
	}

	s.record(ctx, actor, "marketplace:create_sale", sale.ID, map[string]any{
		"variant":      key.String(),
		"quantity":     sale.Quantity,
		"lock_enabled": policy.Enabled,
	})
	stock.EmitLowStock(ctx, s.notifier, s.logger, []stock.Variant{variant}, now)
	return sale, nil
}

// UpdateSaleStatus moves a sale to a new status and applies the owed stock effect.
func (s *Service) UpdateSaleStatus(ctx context.Context, actor shared.Actor, id uuid.UUID, next Status, comments string) (result StatusUpdate, err error) {
	defer func() { s.observe("update_sale_status", err) }()
	if actor.OrganizationID <= 0 {
		return StatusUpdate{}, shared.ErrMissingActor
	}
	if next.Effect() == 0 || next == StatusDispatched {
		return StatusUpdate{}, fmt.Errorf("%w: %q", ErrInvalidStatus, next)
	}

	var touched []stock.Variant
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		touched = nil
		sale, err := tx.GetSaleForUpdate(ctx, actor.OrganizationID, id)
		if err != nil {
			return err
		}
		if sale.Status == next {
			return fmt.Errorf("%w: already %s", ErrSameStatus, next)
		}
		effect := Transition(sale.Status, next)
		if effect != StockEffectNone {
			policy, err := lockPolicy(ctx, tx, actor.OrganizationID)
			if err != nil {
				return err
			}
			v, err := tx.GetVariantForUpdate(ctx, actor.OrganizationID, sale.Key)
			if err != nil {
				return err
			}
			if effect == StockEffectDeduct {
				if err := v.Deduct(stock.PoolMain, sale.Quantity); err != nil {
					return err
				}
			} else {
				v.Restore(sale.Quantity, policy.Enabled)
			}
			if err := tx.UpdateVariant(ctx, v); err != nil {
				return err
			}
			touched = append(touched, v)
		}

		now := s.now().UTC()
		previous := sale.Status
		sale.Status = next
		sale.UpdatedAt = now
		if err := tx.UpdateSale(ctx, sale); err != nil {
			return err
		}
		change, err := tx.AppendHistory(ctx, sale.ID, StatusChange{
			PreviousStatus: previous,
			NewStatus:      next,
			ChangedBy:      actor.UserID,
			ChangedAt:      now,
			Comments:       comments,
		})
		if err != nil {
			return err
		}
		result = StatusUpdate{Sale: sale, Change: change, Effect: effect}
		return nil
	})
	if err != nil {
		return StatusUpdate{}, err
	}

	s.record(ctx, actor, "marketplace:update_status", id, map[string]any{
		"from":         result.Change.PreviousStatus,
		"to":           result.Change.NewStatus,
		"stock_effect": result.Effect,
	})
	stock.EmitLowStock(ctx, s.notifier, s.logger, touched, s.now().UTC())
	return result, nil
}

// UpdateSale edits a sale. While the sale holds stock a change of variant
// or quantity restores the old line in full and deducts the new one.
func (s *Service) UpdateSale(ctx context.Context, actor shared.Actor, id uuid.UUID, input UpdateSaleInput) (sale Sale, err error) {
	defer func() { s.observe("update_sale", err) }()
	if actor.OrganizationID <= 0 {
		return Sale{}, shared.ErrMissingActor
	}
	if input.AccountName != nil && strings.TrimSpace(*input.AccountName) == "" {
		return Sale{}, fmt.Errorf("%w: account name required", ErrInvalidSale)
	}
	if input.Quantity != nil && *input.Quantity <= 0 {
		return Sale{}, stock.ErrInvalidQuantity
	}
	if input.Key != nil {
		key := input.Key.Normalize()
		if !key.Valid() {
			return Sale{}, stock.ErrInvalidVariantKey
		}
		input.Key = &key
	}

	var touched []stock.Variant
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		touched = nil
		current, err := tx.GetSaleForUpdate(ctx, actor.OrganizationID, id)
		if err != nil {
			return err
		}
		updated := current
		if input.AccountName != nil {
			updated.AccountName = strings.TrimSpace(*input.AccountName)
		}
		if input.SaleDate != nil {
			updated.SaleDate = *input.SaleDate
		}
		if input.Notes != nil {
			updated.Notes = *input.Notes
		}
		if input.Key != nil {
			updated.Key = *input.Key
		}
		if input.Quantity != nil {
			updated.Quantity = *input.Quantity
		}

		keyChanged := updated.Key != current.Key
		lineChanged := keyChanged || updated.Quantity != current.Quantity
		switch {
		case lineChanged && current.Status.Effect() == EffectDeducting:
			policy, err := lockPolicy(ctx, tx, actor.OrganizationID)
			if err != nil {
				return err
			}
			touched, err = s.moveLine(ctx, tx, actor.OrganizationID, current, updated, policy)
			if err != nil {
				return err
			}
		case keyChanged:
			// no stock moves, but the sale must still name a known variant
			if _, err := tx.GetVariantForUpdate(ctx, actor.OrganizationID, updated.Key); err != nil {
				return err
			}
		}

		updated.UpdatedAt = s.now().UTC()
		if err := tx.UpdateSale(ctx, updated); err != nil {
			return err
		}
		sale = updated
		return nil
	})
	if err != nil {
		return Sale{}, err
	}

	s.record(ctx, actor, "marketplace:update_sale", id, map[string]any{
		"variant":       sale.Key.String(),
		"quantity":      sale.Quantity,
		"stock_touched": len(touched) > 0,
	})
	stock.EmitLowStock(ctx, s.notifier, s.logger, touched, s.now().UTC())
	return sale, nil
}

// moveLine restores old's quantity to its variant and deducts next's from
// its variant. Rows are locked in key order.
func (s *Service) moveLine(ctx context.Context, tx TxRepository, orgID int64, old, next Sale, policy stock.LockPolicy) ([]stock.Variant, error) {
	keys := []stock.VariantKey{old.Key}
	if next.Key != old.Key {
		keys = append(keys, next.Key)
		if next.Key.Less(old.Key) {
			keys[0], keys[1] = keys[1], keys[0]
		}
	}
	working := make(map[stock.VariantKey]*stock.Variant, len(keys))
	for _, key := range keys {
		v, err := tx.GetVariantForUpdate(ctx, orgID, key)
		if err != nil {
			return nil, err
		}
		working[key] = &v
	}
	working[old.Key].Restore(old.Quantity, policy.Enabled)
	if err := working[next.Key].Deduct(stock.PoolMain, next.Quantity); err != nil {
		return nil, err
	}
	touched := make([]stock.Variant, 0, len(keys))
	for _, key := range keys {
		if err := tx.UpdateVariant(ctx, *working[key]); err != nil {
			return nil, err
		}
		touched = append(touched, *working[key])
	}
	return touched, nil
}

// DeleteSale removes a sale. Stock is restored only while the sale still
// holds it, so a returned or cancelled sale is never restored twice.
func (s *Service) DeleteSale(ctx context.Context, actor shared.Actor, id uuid.UUID) (result DeleteResult, err error) {
	defer func() { s.observe("delete_sale", err) }()
	if actor.OrganizationID <= 0 {
		return DeleteResult{}, shared.ErrMissingActor
	}

	var touched []stock.Variant
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		touched = nil
		sale, err := tx.GetSaleForUpdate(ctx, actor.OrganizationID, id)
		if err != nil {
			return err
		}
		result = DeleteResult{SaleID: sale.ID, Status: sale.Status}
		if sale.Status.Effect() == EffectDeducting {
			policy, err := lockPolicy(ctx, tx, actor.OrganizationID)
			if err != nil {
				return err
			}
			v, err := tx.GetVariantForUpdate(ctx, actor.OrganizationID, sale.Key)
			if err != nil {
				return err
			}
			v.Restore(sale.Quantity, policy.Enabled)
			if err := tx.UpdateVariant(ctx, v); err != nil {
				return err
			}
			touched = append(touched, v)
			result.RestoredQuantity = sale.Quantity
		}
		return tx.DeleteSale(ctx, actor.OrganizationID, id)
	})
	if err != nil {
		return DeleteResult{}, err
	}

	s.record(ctx, actor, "marketplace:delete_sale", id, map[string]any{
		"status":            result.Status,
		"restored_quantity": result.RestoredQuantity,
	})
	return result, nil
}

// GetSale loads a sale with its status history.
func (s *Service) GetSale(ctx context.Context, orgID int64, id uuid.UUID) (Sale, error) {
	return s.repo.GetSale(ctx, orgID, id)
}

// ListSales returns one page of sales.
func (s *Service) ListSales(ctx context.Context, orgID int64, filter ListFilter) ([]Sale, shared.Pagination, error) {
	if filter.Status != "" && filter.Status.Effect() == 0 {
		return nil, shared.Pagination{}, fmt.Errorf("%w: %q", ErrInvalidStatus, filter.Status)
	}
	if filter.Design != "" {
		filter.Design = stock.NormalizeKey(filter.Design, "", "").Design
	}
	page := shared.NewPagination(filter.Page, filter.PerPage, 0)
	if page.PerPage > 100 {
		page.PerPage = 100
	}
	filter.Page, filter.PerPage = page.Page, page.PerPage
	sales, total, err := s.repo.ListSales(ctx, orgID, filter)
	if err != nil {
		return nil, shared.Pagination{}, err
	}
	return sales, shared.NewPagination(page.Page, page.PerPage, total), nil
}

func (s *Service) record(ctx context.Context, actor shared.Actor, action string, id uuid.UUID, meta map[string]any) {
	if s.audit == nil {
		return
	}
	err := s.audit.Record(ctx, shared.AuditLog{
		OrganizationID: actor.OrganizationID,
		ActorID:        actor.UserID,
		Action:         action,
		Entity:         "marketplace_sale",
		EntityID:       id.String(),
		Meta:           meta,
		At:             s.now().UTC(),
	})
	if err != nil {
		s.logger.Warn("record audit log", slog.String("action", action), slog.Any("error", err))
	}
}

func (s *Service) observe(operation string, err error) {
	if s.metrics == nil {
		return
	}
	outcome := stock.ErrorCode(err)
	switch {
	case errors.Is(err, ErrOrderNotFound):
		outcome = "order_not_found"
	case errors.Is(err, ErrInvalidStatus):
		outcome = "invalid_status"
	case errors.Is(err, ErrSameStatus):
		outcome = "same_status"
	case errors.Is(err, ErrDuplicateRequest):
		outcome = "duplicate_request"
	case errors.Is(err, ErrInvalidSale):
		outcome = "invalid_input"
	}
	s.metrics.ObserveStockOperation(operation, outcome)
}
