package stock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/odyssey-erp/stockroom/internal/platform/db"
)

// VariantTx is the row-level stock access shared by every transactional caller.
type VariantTx interface {
	GetVariantForUpdate(ctx context.Context, orgID int64, key VariantKey) (Variant, error)
	ListVariantsForUpdate(ctx context.Context, orgID int64) ([]Variant, error)
	UpdateVariant(ctx context.Context, v Variant) error
	// GetPolicyForShare reads the lock policy and blocks toggles until commit.
	GetPolicyForShare(ctx context.Context, orgID int64) (LockPolicy, error)
}

// TxRepository exposes transactional operations used by the service.
type TxRepository interface {
	VariantTx
	InsertVariant(ctx context.Context, v Variant) error
	InsertLedgerEntries(ctx context.Context, entries []LedgerEntry) error
	GetPolicyForUpdate(ctx context.Context, orgID int64) (LockPolicy, error)
	SavePolicy(ctx context.Context, policy LockPolicy) error
	SumLocked(ctx context.Context, orgID int64) (int, error)
}

// RepositoryPort is the persistence contract of the service.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	GetVariant(ctx context.Context, orgID int64, key VariantKey) (Variant, error)
	ListVariants(ctx context.Context, orgID int64, filter VariantFilter) ([]Variant, error)
	ListLedger(ctx context.Context, orgID int64, filter LedgerFilter) ([]LedgerEntry, error)
	GetPolicy(ctx context.Context, orgID int64) (LockPolicy, error)
	ListLowStock(ctx context.Context, after LowStockCursor, limit int) ([]Variant, error)
}

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Repository persists stock data in PostgreSQL.
type Repository struct {
	pool      *pgxpool.Pool
	txRetries int
}

// NewRepository constructs Repository. Transactions failing with a
// serialization or deadlock error are retried up to txRetries times.
func NewRepository(pool *pgxpool.Pool, txRetries int) *Repository {
	return &Repository{pool: pool, txRetries: txRetries}
}

type txRepo struct {
	q querier
}

// NewTxRepository binds the stock queries to an open transaction so other
// modules can mutate variants inside their own unit of work.
func NewTxRepository(tx pgx.Tx) TxRepository {
	return &txRepo{q: tx}
}

// WithTx executes the callback inside repeatable-read transaction.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return db.Retry(ctx, r.txRetries, func(ctx context.Context) error {
		return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
			return fn(ctx, &txRepo{q: tx})
		})
	})
}

const variantColumns = `organization_id, design, color, size, current_stock, reserved_stock, locked_stock, reorder_point, updated_at`

func scanVariant(row pgx.Row) (Variant, error) {
	var v Variant
	err := row.Scan(&v.OrganizationID, &v.Key.Design, &v.Key.Color, &v.Key.Size,
		&v.CurrentStock, &v.ReservedStock, &v.LockedStock, &v.ReorderPoint, &v.UpdatedAt)
	return v, err
}

func collectVariants(rows pgx.Rows) ([]Variant, error) {
	defer rows.Close()
	var out []Variant
	for rows.Next() {
		v, err := scanVariant(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// resolveMissing reports which component of key is unknown.
func resolveMissing(ctx context.Context, q querier, orgID int64, key VariantKey) error {
	var hasDesign, hasColor bool
	err := q.QueryRow(ctx, `SELECT
		EXISTS (SELECT 1 FROM variant_stock WHERE organization_id = $1 AND design = $2),
		EXISTS (SELECT 1 FROM variant_stock WHERE organization_id = $1 AND design = $2 AND color = $3)`,
		orgID, key.Design, key.Color).Scan(&hasDesign, &hasColor)
	if err != nil {
		return err
	}
	switch {
	case !hasDesign:
		return fmt.Errorf("%w: %s", ErrProductNotFound, key.Design)
	case !hasColor:
		return fmt.Errorf("%w: %s %s", ErrColorNotFound, key.Design, key.Color)
	default:
		return fmt.Errorf("%w: %s", ErrSizeNotFound, key)
	}
}

func getVariant(ctx context.Context, q querier, orgID int64, key VariantKey, forUpdate bool) (Variant, error) {
	sql := `SELECT ` + variantColumns + ` FROM variant_stock
		WHERE organization_id = $1 AND design = $2 AND color = $3 AND size = $4`
	if forUpdate {
		sql += ` FOR UPDATE`
	}
	v, err := scanVariant(q.QueryRow(ctx, sql, orgID, key.Design, key.Color, key.Size))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Variant{}, resolveMissing(ctx, q, orgID, key)
		}
		return Variant{}, err
	}
	return v, nil
}

// GetVariant loads one variant without locking.
func (r *Repository) GetVariant(ctx context.Context, orgID int64, key VariantKey) (Variant, error) {
	return getVariant(ctx, r.pool, orgID, key, false)
}

// ListVariants returns variants ordered by key.
func (r *Repository) ListVariants(ctx context.Context, orgID int64, filter VariantFilter) ([]Variant, error) {
	sql := `SELECT ` + variantColumns + ` FROM variant_stock
		WHERE organization_id = $1
		  AND ($2 = '' OR design = $2)
		  AND (NOT $3 OR current_stock <= reorder_point)
		ORDER BY design, color, size`
	rows, err := r.pool.Query(ctx, sql, orgID, filter.Design, filter.LowOnly)
	if err != nil {
		return nil, err
	}
	return collectVariants(rows)
}

// ListLowStock returns one page of variants at or below their reorder point
// across organizations, in key order after the cursor.
func (r *Repository) ListLowStock(ctx context.Context, after LowStockCursor, limit int) ([]Variant, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := r.pool.Query(ctx, `SELECT `+variantColumns+` FROM variant_stock
		WHERE current_stock <= reorder_point
		  AND (organization_id, design, color, size) > ($1, $2, $3, $4)
		ORDER BY organization_id, design, color, size
		LIMIT $5`, after.OrganizationID, after.Key.Design, after.Key.Color, after.Key.Size, limit)
	if err != nil {
		return nil, err
	}
	return collectVariants(rows)
}

// ListLedger returns ledger entries newest first.
func (r *Repository) ListLedger(ctx context.Context, orgID int64, filter LedgerFilter) ([]LedgerEntry, error) {
	limit := filter.Limit
	if limit <= 0 || limit > 500 {
		limit = 200
	}
	rows, err := r.pool.Query(ctx, `SELECT id, organization_id, batch_id, entry_type, design, color, size, quantity,
			from_pool, to_pool, main_before, main_after, reserved_before, reserved_after, performed_by, notes, created_at
		FROM transfer_ledger
		WHERE organization_id = $1
		  AND ($2 = '' OR design = $2)
		  AND ($3 = '' OR color = $3)
		  AND ($4 = '' OR size = $4)
		  AND ($5 = '' OR entry_type = $5)
		  AND ($6::timestamptz IS NULL OR created_at >= $6)
		  AND ($7::timestamptz IS NULL OR created_at < $7)
		ORDER BY created_at DESC, id
		LIMIT $8`,
		orgID, filter.Key.Design, filter.Key.Color, filter.Key.Size, string(filter.Type),
		nullableTime(filter.From), nullableTime(filter.To), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []LedgerEntry
	for rows.Next() {
		var (
			e       LedgerEntry
			batchID *uuid.UUID
			typ     string
			from    string
			to      string
		)
		if err := rows.Scan(&e.ID, &e.OrganizationID, &batchID, &typ, &e.Key.Design, &e.Key.Color, &e.Key.Size,
			&e.Quantity, &from, &to, &e.MainBefore, &e.MainAfter, &e.ReservedBefore, &e.ReservedAfter,
			&e.PerformedBy, &e.Notes, &e.CreatedAt); err != nil {
			return nil, err
		}
		if batchID != nil {
			e.BatchID = *batchID
		}
		e.Type = LedgerType(typ)
		e.From = Pool(from)
		e.To = Pool(to)
		out = append(out, e)
	}
	return out, rows.Err()
}

// GetPolicy loads the organization's lock policy.
func (r *Repository) GetPolicy(ctx context.Context, orgID int64) (LockPolicy, error) {
	return getPolicy(ctx, r.pool, orgID, "")
}

func getPolicy(ctx context.Context, q querier, orgID int64, lock string) (LockPolicy, error) {
	sql := `SELECT organization_id, enabled, max_threshold, updated_by, updated_at
		FROM stock_lock_policies WHERE organization_id = $1`
	if lock != "" {
		sql += ` ` + lock
	}
	var p LockPolicy
	err := q.QueryRow(ctx, sql, orgID).Scan(&p.OrganizationID, &p.Enabled, &p.MaxThreshold, &p.UpdatedBy, &p.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return LockPolicy{}, ErrSettingsNotFound
		}
		return LockPolicy{}, err
	}
	return p, nil
}

func (r *txRepo) GetVariantForUpdate(ctx context.Context, orgID int64, key VariantKey) (Variant, error) {
	return getVariant(ctx, r.q, orgID, key, true)
}

func (r *txRepo) ListVariantsForUpdate(ctx context.Context, orgID int64) ([]Variant, error) {
	rows, err := r.q.Query(ctx, `SELECT `+variantColumns+` FROM variant_stock
		WHERE organization_id = $1
		ORDER BY design, color, size
		FOR UPDATE`, orgID)
	if err != nil {
		return nil, err
	}
	return collectVariants(rows)
}

func (r *txRepo) UpdateVariant(ctx context.Context, v Variant) error {
	tag, err := r.q.Exec(ctx, `UPDATE variant_stock
		SET current_stock = $5, reserved_stock = $6, locked_stock = $7, reorder_point = $8, updated_at = NOW()
		WHERE organization_id = $1 AND design = $2 AND color = $3 AND size = $4`,
		v.OrganizationID, v.Key.Design, v.Key.Color, v.Key.Size,
		v.CurrentStock, v.ReservedStock, v.LockedStock, v.ReorderPoint)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrSizeNotFound, v.Key)
	}
	return nil
}

func (r *txRepo) InsertVariant(ctx context.Context, v Variant) error {
	_, err := r.q.Exec(ctx, `INSERT INTO variant_stock
		(organization_id, design, color, size, current_stock, reserved_stock, locked_stock, reorder_point, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW())`,
		v.OrganizationID, v.Key.Design, v.Key.Color, v.Key.Size,
		v.CurrentStock, v.ReservedStock, v.LockedStock, v.ReorderPoint)
	if err != nil {
		if db.IsUniqueViolation(err) {
			return fmt.Errorf("%w: %s", ErrVariantExists, v.Key)
		}
		return err
	}
	return nil
}

func (r *txRepo) InsertLedgerEntries(ctx context.Context, entries []LedgerEntry) error {
	for _, e := range entries {
		var batchID *uuid.UUID
		if e.BatchID != uuid.Nil {
			id := e.BatchID
			batchID = &id
		}
		_, err := r.q.Exec(ctx, `INSERT INTO transfer_ledger
			(id, organization_id, batch_id, entry_type, design, color, size, quantity, from_pool, to_pool,
			 main_before, main_after, reserved_before, reserved_after, performed_by, notes, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)`,
			e.ID, e.OrganizationID, batchID, string(e.Type), e.Key.Design, e.Key.Color, e.Key.Size, e.Quantity,
			string(e.From), string(e.To), e.MainBefore, e.MainAfter, e.ReservedBefore, e.ReservedAfter,
			e.PerformedBy, e.Notes, e.CreatedAt)
		if err != nil {
			return err
		}
	}
	return nil
}

func (r *txRepo) GetPolicyForUpdate(ctx context.Context, orgID int64) (LockPolicy, error) {
	return getPolicy(ctx, r.q, orgID, "FOR UPDATE")
}

func (r *txRepo) GetPolicyForShare(ctx context.Context, orgID int64) (LockPolicy, error) {
	return getPolicy(ctx, r.q, orgID, "FOR SHARE")
}

func (r *txRepo) SavePolicy(ctx context.Context, p LockPolicy) error {
	_, err := r.q.Exec(ctx, `INSERT INTO stock_lock_policies (organization_id, enabled, max_threshold, updated_by, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (organization_id) DO UPDATE
		SET enabled = EXCLUDED.enabled, max_threshold = EXCLUDED.max_threshold,
		    updated_by = EXCLUDED.updated_by, updated_at = EXCLUDED.updated_at`,
		p.OrganizationID, p.Enabled, p.MaxThreshold, p.UpdatedBy, p.UpdatedAt)
	return err
}

func (r *txRepo) SumLocked(ctx context.Context, orgID int64) (int, error) {
	var total int
	err := r.q.QueryRow(ctx, `SELECT COALESCE(SUM(locked_stock), 0) FROM variant_stock WHERE organization_id = $1`, orgID).Scan(&total)
	return total, err
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
