package marketplace

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/odyssey-erp/stockroom/internal/platform/db"
	"github.com/odyssey-erp/stockroom/internal/stock"
)

// TxRepository exposes sale and variant access inside one transaction.
type TxRepository interface {
	stock.VariantTx
	InsertSale(ctx context.Context, sale Sale) error
	GetSaleForUpdate(ctx context.Context, orgID int64, id uuid.UUID) (Sale, error)
	UpdateSale(ctx context.Context, sale Sale) error
	AppendHistory(ctx context.Context, saleID uuid.UUID, change StatusChange) (StatusChange, error)
	DeleteSale(ctx context.Context, orgID int64, id uuid.UUID) error
}

// RepositoryPort abstracts repository usage for service.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	GetSale(ctx context.Context, orgID int64, id uuid.UUID) (Sale, error)
	ListSales(ctx context.Context, orgID int64, filter ListFilter) ([]Sale, int, error)
}

// Repository persists marketplace sales in PostgreSQL.
type Repository struct {
	pool      *pgxpool.Pool
	txRetries int
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool, txRetries int) *Repository {
	return &Repository{pool: pool, txRetries: txRetries}
}

type txRepo struct {
	stock.TxRepository
	tx pgx.Tx
}

// WithTx executes the callback inside repeatable-read transaction.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return db.Retry(ctx, r.txRetries, func(ctx context.Context) error {
		return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
			return fn(ctx, &txRepo{TxRepository: stock.NewTxRepository(tx), tx: tx})
		})
	})
}

const saleColumns = `id, organization_id, account_name, sale_date, design, color, size, quantity, status, notes, created_by, created_at, updated_at`

func scanSale(row pgx.Row) (Sale, error) {
	var (
		s      Sale
		status string
	)
	err := row.Scan(&s.ID, &s.OrganizationID, &s.AccountName, &s.SaleDate, &s.Key.Design, &s.Key.Color, &s.Key.Size,
		&s.Quantity, &status, &s.Notes, &s.CreatedBy, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Sale{}, ErrOrderNotFound
		}
		return Sale{}, err
	}
	s.Status = Status(status)
	return s, nil
}

// GetSale loads a sale with its status history.
func (r *Repository) GetSale(ctx context.Context, orgID int64, id uuid.UUID) (Sale, error) {
	sale, err := scanSale(r.pool.QueryRow(ctx, `SELECT `+saleColumns+` FROM marketplace_sales
		WHERE organization_id = $1 AND id = $2`, orgID, id))
	if err != nil {
		return Sale{}, err
	}
	rows, err := r.pool.Query(ctx, `SELECT seq, previous_status, new_status, changed_by, changed_at, comments
		FROM sale_status_history WHERE sale_id = $1 ORDER BY seq`, id)
	if err != nil {
		return Sale{}, err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			c          StatusChange
			prev, next string
		)
		if err := rows.Scan(&c.Seq, &prev, &next, &c.ChangedBy, &c.ChangedAt, &c.Comments); err != nil {
			return Sale{}, err
		}
		c.PreviousStatus = Status(prev)
		c.NewStatus = Status(next)
		sale.History = append(sale.History, c)
	}
	return sale, rows.Err()
}

// ListSales returns one page of sales, newest sale date first, and the total count.
func (r *Repository) ListSales(ctx context.Context, orgID int64, filter ListFilter) ([]Sale, int, error) {
	where := `WHERE organization_id = $1
		  AND ($2 = '' OR status = $2)
		  AND ($3 = '' OR account_name ILIKE '%' || $3 || '%')
		  AND ($4 = '' OR design = $4)
		  AND ($5::date IS NULL OR sale_date >= $5)
		  AND ($6::date IS NULL OR sale_date < $6)`
	args := []any{orgID, string(filter.Status), filter.AccountName, filter.Design, nullableDate(filter.From), nullableDate(filter.To)}

	var total int
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM marketplace_sales `+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}
	perPage := filter.PerPage
	offset := 0
	if filter.Page > 1 {
		offset = (filter.Page - 1) * perPage
	}
	rows, err := r.pool.Query(ctx, `SELECT `+saleColumns+` FROM marketplace_sales `+where+`
		ORDER BY sale_date DESC, created_at DESC
		LIMIT $7 OFFSET $8`, append(args, perPage, offset)...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var sales []Sale
	for rows.Next() {
		s, err := scanSale(rows)
		if err != nil {
			return nil, 0, err
		}
		sales = append(sales, s)
	}
	return sales, total, rows.Err()
}

func (r *txRepo) InsertSale(ctx context.Context, s Sale) error {
	_, err := r.tx.Exec(ctx, `INSERT INTO marketplace_sales (`+saleColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		s.ID, s.OrganizationID, s.AccountName, s.SaleDate, s.Key.Design, s.Key.Color, s.Key.Size,
		s.Quantity, string(s.Status), s.Notes, s.CreatedBy, s.CreatedAt, s.UpdatedAt)
	return err
}

func (r *txRepo) GetSaleForUpdate(ctx context.Context, orgID int64, id uuid.UUID) (Sale, error) {
	return scanSale(r.tx.QueryRow(ctx, `SELECT `+saleColumns+` FROM marketplace_sales
		WHERE organization_id = $1 AND id = $2
		FOR UPDATE`, orgID, id))
}

func (r *txRepo) UpdateSale(ctx context.Context, s Sale) error {
	tag, err := r.tx.Exec(ctx, `UPDATE marketplace_sales
		SET account_name = $3, sale_date = $4, design = $5, color = $6, size = $7,
		    quantity = $8, status = $9, notes = $10, updated_at = $11
		WHERE organization_id = $1 AND id = $2`,
		s.OrganizationID, s.ID, s.AccountName, s.SaleDate, s.Key.Design, s.Key.Color, s.Key.Size,
		s.Quantity, string(s.Status), s.Notes, s.UpdatedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrOrderNotFound
	}
	return nil
}

func (r *txRepo) AppendHistory(ctx context.Context, saleID uuid.UUID, c StatusChange) (StatusChange, error) {
	err := r.tx.QueryRow(ctx, `INSERT INTO sale_status_history (sale_id, seq, previous_status, new_status, changed_by, changed_at, comments)
		VALUES ($1, (SELECT COALESCE(MAX(seq), 0) + 1 FROM sale_status_history WHERE sale_id = $1), $2, $3, $4, $5, $6)
		RETURNING seq`,
		saleID, string(c.PreviousStatus), string(c.NewStatus), c.ChangedBy, c.ChangedAt, c.Comments).Scan(&c.Seq)
	return c, err
}

func (r *txRepo) DeleteSale(ctx context.Context, orgID int64, id uuid.UUID) error {
	tag, err := r.tx.Exec(ctx, `DELETE FROM marketplace_sales WHERE organization_id = $1 AND id = $2`, orgID, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrOrderNotFound
	}
	return nil
}

func nullableDate(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
