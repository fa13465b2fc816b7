package memory

import (
	"context"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/GooferByte/portfolio-ledger/internal/models"
	"github.com/GooferByte/portfolio-ledger/internal/repository"
)

// ledgerKey identifies a ledger by its owning pair.
type ledgerKey struct {
	userID    string
	accountID string
}

type InMemoryRepo struct {
	mu      sync.RWMutex
	ledgers map[ledgerKey]models.Ledger
	sold    map[ledgerKey][]models.SoldPosition
	pending map[string]models.PendingReconciliation
	prices  map[string]models.CachedPrice
	views   map[string]int64
	missing map[string]models.MissingISIN
}

func New() *InMemoryRepo {
	return &InMemoryRepo{
		ledgers: make(map[ledgerKey]models.Ledger),
		sold:    make(map[ledgerKey][]models.SoldPosition),
		pending: make(map[string]models.PendingReconciliation),
		prices:  make(map[string]models.CachedPrice),
		views:   make(map[string]int64),
		missing: make(map[string]models.MissingISIN),
	}
}

func (r *InMemoryRepo) CreateLedger(ctx context.Context, ledger models.Ledger) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	k := r.key(ledger.UserID, ledger.AccountID)
	if _, ok := r.ledgers[k]; ok {
		return repository.ErrDuplicate
	}
	r.ledgers[k] = ledger.Clone()
	return nil
}

func (r *InMemoryRepo) FindLedger(ctx context.Context, userID, accountID string) (*models.Ledger, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	l, ok := r.ledgers[r.key(userID, accountID)]
	if !ok {
		return nil, repository.ErrNotFound
	}
	out := l.Clone()
	return &out, nil
}

func (r *InMemoryRepo) FindLedgersByUser(ctx context.Context, userID string) ([]models.Ledger, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := []models.Ledger{}
	for _, l := range r.ledgers {
		if l.UserID == userID {
			out = append(out, l.Clone())
		}
	}
	slices.SortFunc(out, func(a, b models.Ledger) int {
		return strings.Compare(a.AccountID, b.AccountID)
	})
	return out, nil
}

func (r *InMemoryRepo) HeldISINs(ctx context.Context) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	seen := map[string]struct{}{}
	for _, l := range r.ledgers {
		for _, h := range l.Holdings {
			seen[h.ISIN] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for isin := range seen {
		out = append(out, isin)
	}
	slices.Sort(out)
	return out, nil
}

func (r *InMemoryRepo) CommitLedger(ctx context.Context, ledger *models.Ledger, sold []models.SoldPosition, pendingID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	k := r.key(ledger.UserID, ledger.AccountID)
	stored, ok := r.ledgers[k]
	if !ok {
		return repository.ErrNotFound
	}
	if stored.Version != ledger.Version {
		return repository.ErrVersionConflict
	}

	next := ledger.Clone()
	next.Version++
	r.ledgers[k] = next
	r.sold[k] = append(r.sold[k], sold...)
	if pendingID != "" {
		delete(r.pending, pendingID)
	}
	ledger.Version = next.Version
	return nil
}

func (r *InMemoryRepo) FindSoldPositionsByAccount(ctx context.Context, userID, accountID string) ([]models.SoldPosition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := append([]models.SoldPosition{}, r.sold[r.key(userID, accountID)]...)
	sortSold(out)
	return out, nil
}

func (r *InMemoryRepo) FindSoldPositionsByUser(ctx context.Context, userID string) ([]models.SoldPosition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := []models.SoldPosition{}
	for _, list := range r.sold {
		for _, s := range list {
			if s.UserID == userID {
				out = append(out, s)
			}
		}
	}
	sortSold(out)
	return out, nil
}

func (r *InMemoryRepo) SavePendingReconciliation(ctx context.Context, pending models.PendingReconciliation) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	pending.Holdings = models.CloneHoldings(pending.Holdings)
	r.pending[pending.ID] = pending
	return nil
}

func (r *InMemoryRepo) FindPendingReconciliation(ctx context.Context, id string) (*models.PendingReconciliation, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.pending[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	p.Holdings = models.CloneHoldings(p.Holdings)
	p.Candidates = append([]models.PotentiallySold{}, p.Candidates...)
	return &p, nil
}

func (r *InMemoryRepo) DeletePendingReconciliation(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.pending, id)
	return nil
}

func (r *InMemoryRepo) FindPricesByISINs(ctx context.Context, isins []string) ([]models.CachedPrice, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := []models.CachedPrice{}
	for _, isin := range isins {
		if p, ok := r.prices[isin]; ok {
			out = append(out, p)
		}
	}
	return out, nil
}

func (r *InMemoryRepo) SavePrice(ctx context.Context, price models.CachedPrice) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.prices[price.ISIN] = price
	return nil
}

func (r *InMemoryRepo) IncrementPriceViews(ctx context.Context, isins []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, isin := range isins {
		r.views[isin]++
	}
	return nil
}

func (r *InMemoryRepo) MostViewedISINs(ctx context.Context, limit int) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.views))
	for isin := range r.views {
		out = append(out, isin)
	}
	slices.SortFunc(out, func(a, b string) int {
		if r.views[a] != r.views[b] {
			if r.views[a] > r.views[b] {
				return -1
			}
			return 1
		}
		return strings.Compare(a, b)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *InMemoryRepo) RecordMissingISIN(ctx context.Context, isin, stockName string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.missing[isin]
	if !ok {
		m = models.MissingISIN{ISIN: isin, FirstSeen: at}
	}
	if stockName != "" {
		m.StockName = stockName
	}
	m.LastSeen = at
	m.Occurrences++
	r.missing[isin] = m
	return nil
}

func (r *InMemoryRepo) ListMissingISINs(ctx context.Context) ([]models.MissingISIN, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]models.MissingISIN, 0, len(r.missing))
	for _, m := range r.missing {
		out = append(out, m)
	}
	slices.SortFunc(out, func(a, b models.MissingISIN) int {
		return strings.Compare(a.ISIN, b.ISIN)
	})
	return out, nil
}

func (r *InMemoryRepo) key(userID, accountID string) ledgerKey {
	return ledgerKey{userID: userID, accountID: accountID}
}

// sortSold orders newest first.
func sortSold(list []models.SoldPosition) {
	slices.SortStableFunc(list, func(a, b models.SoldPosition) int {
		if a.SoldAt.After(b.SoldAt) {
			return -1
		}
		if a.SoldAt.Before(b.SoldAt) {
			return 1
		}
		return 0
	})
}
