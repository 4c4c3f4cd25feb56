// Package stocktest provides an in-memory stock repository for tests.
package stocktest

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/odyssey-erp/stockroom/internal/stock"
)

// Store keeps variants, policies and ledger entries in memory. Transactions
// hold a single mutex and roll back when the callback fails.
type Store struct {
	mu       sync.Mutex
	variants map[int64]map[stock.VariantKey]stock.Variant
	policies map[int64]stock.LockPolicy
	ledger   []stock.LedgerEntry

	// TxErr, when set, is returned by WithTx before the callback runs.
	TxErr error
	// Commits counts successful transactions.
	Commits int
}

// NewStore constructs an empty store.
func NewStore() *Store {
	return &Store{
		variants: make(map[int64]map[stock.VariantKey]stock.Variant),
		policies: make(map[int64]stock.LockPolicy),
	}
}

// PutVariant seeds a variant, normalizing its key.
func (s *Store) PutVariant(v stock.Variant) stock.Variant {
	s.mu.Lock()
	defer s.mu.Unlock()
	v.Key = v.Key.Normalize()
	s.org(v.OrganizationID)[v.Key] = v
	return v
}

// PutPolicy seeds a lock policy.
func (s *Store) PutPolicy(p stock.LockPolicy) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.policies[p.OrganizationID] = p
}

// Variant returns the stored variant.
func (s *Store) Variant(orgID int64, key stock.VariantKey) (stock.Variant, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.variants[orgID][key.Normalize()]
	return v, ok
}

// Ledger returns a copy of every ledger entry in insertion order.
func (s *Store) Ledger() []stock.LedgerEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]stock.LedgerEntry(nil), s.ledger...)
}

func (s *Store) org(orgID int64) map[stock.VariantKey]stock.Variant {
	m, ok := s.variants[orgID]
	if !ok {
		m = make(map[stock.VariantKey]stock.Variant)
		s.variants[orgID] = m
	}
	return m
}

type snapshot struct {
	variants map[int64]map[stock.VariantKey]stock.Variant
	policies map[int64]stock.LockPolicy
	ledger   int
}

func (s *Store) snapshot() snapshot {
	snap := snapshot{
		variants: make(map[int64]map[stock.VariantKey]stock.Variant, len(s.variants)),
		policies: make(map[int64]stock.LockPolicy, len(s.policies)),
		ledger:   len(s.ledger),
	}
	for org, m := range s.variants {
		cp := make(map[stock.VariantKey]stock.Variant, len(m))
		for k, v := range m {
			cp[k] = v
		}
		snap.variants[org] = cp
	}
	for org, p := range s.policies {
		snap.policies[org] = p
	}
	return snap
}

func (s *Store) restore(snap snapshot) {
	s.variants = snap.variants
	s.policies = snap.policies
	s.ledger = s.ledger[:snap.ledger]
}

// Atomic runs fn under the store lock and rolls back on error.
func (s *Store) Atomic(fn func(tx *Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.TxErr != nil {
		return s.TxErr
	}
	snap := s.snapshot()
	if err := fn(&Tx{store: s}); err != nil {
		s.restore(snap)
		return err
	}
	s.Commits++
	return nil
}

// WithTx satisfies stock.RepositoryPort.
func (s *Store) WithTx(ctx context.Context, fn func(context.Context, stock.TxRepository) error) error {
	return s.Atomic(func(tx *Tx) error {
		return fn(ctx, tx)
	})
}

// GetVariant satisfies stock.RepositoryPort.
func (s *Store) GetVariant(_ context.Context, orgID int64, key stock.VariantKey) (stock.Variant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return (&Tx{store: s}).lookup(orgID, key)
}

// ListVariants satisfies stock.RepositoryPort.
func (s *Store) ListVariants(_ context.Context, orgID int64, filter stock.VariantFilter) ([]stock.Variant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []stock.Variant
	for _, v := range sorted(s.variants[orgID]) {
		if filter.Design != "" && v.Key.Design != filter.Design {
			continue
		}
		if filter.LowOnly && !v.IsLow() {
			continue
		}
		out = append(out, v)
	}
	return out, nil
}

// ListLedger satisfies stock.RepositoryPort.
func (s *Store) ListLedger(_ context.Context, orgID int64, filter stock.LedgerFilter) ([]stock.LedgerEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []stock.LedgerEntry
	for i := len(s.ledger) - 1; i >= 0; i-- {
		e := s.ledger[i]
		switch {
		case e.OrganizationID != orgID,
			filter.Key.Design != "" && e.Key.Design != filter.Key.Design,
			filter.Key.Color != "" && e.Key.Color != filter.Key.Color,
			filter.Key.Size != "" && e.Key.Size != filter.Key.Size,
			filter.Type != "" && e.Type != filter.Type,
			!filter.From.IsZero() && e.CreatedAt.Before(filter.From),
			!filter.To.IsZero() && !e.CreatedAt.Before(filter.To):
			continue
		}
		out = append(out, e)
		if filter.Limit > 0 && len(out) == filter.Limit {
			break
		}
	}
	return out, nil
}

// GetPolicy satisfies stock.PolicyLoader.
func (s *Store) GetPolicy(_ context.Context, orgID int64) (stock.LockPolicy, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.policies[orgID]
	if !ok {
		return stock.LockPolicy{}, stock.ErrSettingsNotFound
	}
	return p, nil
}

// ListLowStock satisfies stock.RepositoryPort.
func (s *Store) ListLowStock(_ context.Context, after stock.LowStockCursor, limit int) ([]stock.Variant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	orgs := make([]int64, 0, len(s.variants))
	for org := range s.variants {
		orgs = append(orgs, org)
	}
	sort.Slice(orgs, func(i, j int) bool { return orgs[i] < orgs[j] })
	var out []stock.Variant
	for _, org := range orgs {
		for _, v := range sorted(s.variants[org]) {
			if !v.IsLow() || !after.After(v) {
				continue
			}
			out = append(out, v)
			if limit > 0 && len(out) == limit {
				return out, nil
			}
		}
	}
	return out, nil
}

// Tx is the transactional view of Store. It is only valid inside Atomic.
type Tx struct {
	store *Store
}

func (tx *Tx) lookup(orgID int64, key stock.VariantKey) (stock.Variant, error) {
	m := tx.store.variants[orgID]
	if v, ok := m[key]; ok {
		return v, nil
	}
	var hasDesign, hasColor bool
	for k := range m {
		if k.Design == key.Design {
			hasDesign = true
			if k.Color == key.Color {
				hasColor = true
			}
		}
	}
	switch {
	case !hasDesign:
		return stock.Variant{}, fmt.Errorf("%w: %s", stock.ErrProductNotFound, key.Design)
	case !hasColor:
		return stock.Variant{}, fmt.Errorf("%w: %s %s", stock.ErrColorNotFound, key.Design, key.Color)
	default:
		return stock.Variant{}, fmt.Errorf("%w: %s", stock.ErrSizeNotFound, key)
	}
}

// GetVariantForUpdate satisfies stock.VariantTx.
func (tx *Tx) GetVariantForUpdate(_ context.Context, orgID int64, key stock.VariantKey) (stock.Variant, error) {
	return tx.lookup(orgID, key)
}

// ListVariantsForUpdate satisfies stock.VariantTx.
func (tx *Tx) ListVariantsForUpdate(_ context.Context, orgID int64) ([]stock.Variant, error) {
	return sorted(tx.store.variants[orgID]), nil
}

// UpdateVariant satisfies stock.VariantTx. It rejects records outside their bounds
// the way the table's CHECK constraints do.
func (tx *Tx) UpdateVariant(_ context.Context, v stock.Variant) error {
	m := tx.store.org(v.OrganizationID)
	if _, ok := m[v.Key]; !ok {
		return fmt.Errorf("%w: %s", stock.ErrSizeNotFound, v.Key)
	}
	if err := v.Validate(); err != nil {
		return err
	}
	v.UpdatedAt = time.Now().UTC()
	m[v.Key] = v
	return nil
}

// InsertVariant satisfies stock.TxRepository.
func (tx *Tx) InsertVariant(_ context.Context, v stock.Variant) error {
	m := tx.store.org(v.OrganizationID)
	if _, ok := m[v.Key]; ok {
		return fmt.Errorf("%w: %s", stock.ErrVariantExists, v.Key)
	}
	m[v.Key] = v
	return nil
}

// InsertLedgerEntries satisfies stock.TxRepository.
func (tx *Tx) InsertLedgerEntries(_ context.Context, entries []stock.LedgerEntry) error {
	tx.store.ledger = append(tx.store.ledger, entries...)
	return nil
}

// GetPolicyForUpdate satisfies stock.TxRepository.
func (tx *Tx) GetPolicyForUpdate(_ context.Context, orgID int64) (stock.LockPolicy, error) {
	p, ok := tx.store.policies[orgID]
	if !ok {
		return stock.LockPolicy{}, stock.ErrSettingsNotFound
	}
	return p, nil
}

// GetPolicyForShare satisfies stock.VariantTx.
func (tx *Tx) GetPolicyForShare(ctx context.Context, orgID int64) (stock.LockPolicy, error) {
	return tx.GetPolicyForUpdate(ctx, orgID)
}

// SavePolicy satisfies stock.TxRepository.
func (tx *Tx) SavePolicy(_ context.Context, p stock.LockPolicy) error {
	tx.store.policies[p.OrganizationID] = p
	return nil
}

// SumLocked satisfies stock.TxRepository.
func (tx *Tx) SumLocked(_ context.Context, orgID int64) (int, error) {
	total := 0
	for _, v := range tx.store.variants[orgID] {
		total += v.LockedStock
	}
	return total, nil
}

func sorted(m map[stock.VariantKey]stock.Variant) []stock.Variant {
	out := make([]stock.Variant, 0, len(m))
	for _, v := range m {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key.Less(out[j].Key) })
	return out
}

var _ stock.RepositoryPort = (*Store)(nil)
var _ stock.TxRepository = (*Tx)(nil)
