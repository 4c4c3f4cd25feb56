package marketplace

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/odyssey-erp/stockroom/internal/stock/stocktest"
)

type memoryRepo struct {
	mu    sync.Mutex
	stock *stocktest.Store
	sales map[uuid.UUID]Sale
}

type memoryTx struct {
	*stocktest.Tx
	repo *memoryRepo
}

func newMemoryRepo(store *stocktest.Store) *memoryRepo {
	return &memoryRepo{stock: store, sales: make(map[uuid.UUID]Sale)}
}

func (r *memoryRepo) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stock.Atomic(func(tx *stocktest.Tx) error {
		snapshot := make(map[uuid.UUID]Sale, len(r.sales))
		for id, s := range r.sales {
			s.History = append([]StatusChange(nil), s.History...)
			snapshot[id] = s
		}
		if err := fn(ctx, &memoryTx{Tx: tx, repo: r}); err != nil {
			r.sales = snapshot
			return err
		}
		return nil
	})
}

func (r *memoryRepo) GetSale(_ context.Context, orgID int64, id uuid.UUID) (Sale, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sales[id]
	if !ok || s.OrganizationID != orgID {
		return Sale{}, ErrOrderNotFound
	}
	s.History = append([]StatusChange(nil), s.History...)
	return s, nil
}

func (r *memoryRepo) ListSales(_ context.Context, orgID int64, filter ListFilter) ([]Sale, int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var matched []Sale
	for _, s := range r.sales {
		switch {
		case s.OrganizationID != orgID,
			filter.Status != "" && s.Status != filter.Status,
			filter.Design != "" && s.Key.Design != filter.Design,
			filter.AccountName != "" && !strings.Contains(strings.ToLower(s.AccountName), strings.ToLower(filter.AccountName)):
			continue
		}
		s.History = nil
		matched = append(matched, s)
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].CreatedAt.After(matched[j].CreatedAt) })
	total := len(matched)
	start := (filter.Page - 1) * filter.PerPage
	if start > total {
		start = total
	}
	end := start + filter.PerPage
	if end > total {
		end = total
	}
	return matched[start:end], total, nil
}

func (tx *memoryTx) InsertSale(_ context.Context, s Sale) error {
	tx.repo.sales[s.ID] = s
	return nil
}

func (tx *memoryTx) GetSaleForUpdate(_ context.Context, orgID int64, id uuid.UUID) (Sale, error) {
	s, ok := tx.repo.sales[id]
	if !ok || s.OrganizationID != orgID {
		return Sale{}, ErrOrderNotFound
	}
	s.History = nil
	return s, nil
}

func (tx *memoryTx) UpdateSale(_ context.Context, s Sale) error {
	existing, ok := tx.repo.sales[s.ID]
	if !ok {
		return ErrOrderNotFound
	}
	s.History = existing.History
	tx.repo.sales[s.ID] = s
	return nil
}

func (tx *memoryTx) AppendHistory(_ context.Context, saleID uuid.UUID, c StatusChange) (StatusChange, error) {
	s, ok := tx.repo.sales[saleID]
	if !ok {
		return StatusChange{}, ErrOrderNotFound
	}
	c.Seq = len(s.History) + 1
	s.History = append(s.History, c)
	tx.repo.sales[saleID] = s
	return c, nil
}

func (tx *memoryTx) DeleteSale(_ context.Context, orgID int64, id uuid.UUID) error {
	s, ok := tx.repo.sales[id]
	if !ok || s.OrganizationID != orgID {
		return ErrOrderNotFound
	}
	delete(tx.repo.sales, id)
	return nil
}
