package repository

import (
	"context"
	"errors"
	"time"

	"github.com/GooferByte/portfolio-ledger/internal/models"
)

var (
	// ErrNotFound indicates the requested record does not exist.
	ErrNotFound = errors.New("not found")
	// ErrDuplicate indicates a record with the same key already exists.
	ErrDuplicate = errors.New("duplicate")
	// ErrVersionConflict indicates the ledger changed since it was read.
	ErrVersionConflict = errors.New("version conflict")
)

// LedgerRepository persists one ledger document per (user, account).
type LedgerRepository interface {
	// CreateLedger inserts a new ledger, returning ErrDuplicate if the pair exists.
	CreateLedger(ctx context.Context, ledger models.Ledger) error
	FindLedger(ctx context.Context, userID, accountID string) (*models.Ledger, error)
	FindLedgersByUser(ctx context.Context, userID string) ([]models.Ledger, error)
	// HeldISINs returns every ISIN held in any ledger.
	HeldISINs(ctx context.Context) ([]string, error)
}

// SoldPositionRepository stores the append-only sold-position log.
type SoldPositionRepository interface {
	FindSoldPositionsByAccount(ctx context.Context, userID, accountID string) ([]models.SoldPosition, error)
	FindSoldPositionsByUser(ctx context.Context, userID string) ([]models.SoldPosition, error)
}

// ReconciliationRepository stores import snapshots awaiting confirmation.
type ReconciliationRepository interface {
	SavePendingReconciliation(ctx context.Context, pending models.PendingReconciliation) error
	FindPendingReconciliation(ctx context.Context, id string) (*models.PendingReconciliation, error)
	DeletePendingReconciliation(ctx context.Context, id string) error
}

// PriceRepository caches prices and per-ISIN view counts.
type PriceRepository interface {
	FindPricesByISINs(ctx context.Context, isins []string) ([]models.CachedPrice, error)
	SavePrice(ctx context.Context, price models.CachedPrice) error
	IncrementPriceViews(ctx context.Context, isins []string) error
	MostViewedISINs(ctx context.Context, limit int) ([]string, error)
}

// MissingISINRepository records ISINs with no available price.
type MissingISINRepository interface {
	RecordMissingISIN(ctx context.Context, isin, stockName string, at time.Time) error
	ListMissingISINs(ctx context.Context) ([]models.MissingISIN, error)
}

// LedgerStore is everything a ledger mutation touches.
type LedgerStore interface {
	LedgerRepository
	SoldPositionRepository
	ReconciliationRepository

	// CommitLedger writes ledger if its Version still matches the stored one,
	// appends sold, and deletes the pending reconciliation pendingID (when not
	// empty), all in one unit. On success ledger.Version is advanced.
	CommitLedger(ctx context.Context, ledger *models.Ledger, sold []models.SoldPosition, pendingID string) error
}

// Store is a complete backend.
type Store interface {
	LedgerStore
	PriceRepository
	MissingISINRepository
}
