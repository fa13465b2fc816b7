package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/GooferByte/portfolio-ledger/internal/models"
	"github.com/GooferByte/portfolio-ledger/internal/repository"

	"github.com/lib/pq"
)

// Repository implements repository.Store backed by PostgreSQL. Holdings are
// stored as a JSONB document on the ledger row.
type Repository struct {
	db *sql.DB
}

func New(db *sql.DB) *Repository {
	return &Repository{db: db}
}

const schema = `
CREATE TABLE IF NOT EXISTS ledgers (
	user_id          TEXT NOT NULL,
	account_id       TEXT NOT NULL,
	account_name     TEXT NOT NULL DEFAULT '',
	holdings         JSONB NOT NULL DEFAULT '[]',
	total_investment NUMERIC NOT NULL DEFAULT 0,
	version          BIGINT NOT NULL DEFAULT 0,
	created_at       TIMESTAMPTZ NOT NULL,
	updated_at       TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (user_id, account_id)
);
CREATE TABLE IF NOT EXISTS sold_positions (
	id                TEXT PRIMARY KEY,
	user_id           TEXT NOT NULL,
	account_id        TEXT NOT NULL,
	isin              TEXT NOT NULL,
	stock_name        TEXT NOT NULL DEFAULT '',
	quantity_sold     BIGINT NOT NULL,
	average_buy_price NUMERIC NOT NULL,
	sell_price        NUMERIC NOT NULL,
	invested_value    NUMERIC NOT NULL,
	sold_value        NUMERIC NOT NULL,
	realised_pl       NUMERIC NOT NULL,
	sold_at           TIMESTAMPTZ NOT NULL,
	source            TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_sold_positions_account ON sold_positions (user_id, account_id);
CREATE TABLE IF NOT EXISTS cached_prices (
	isin         TEXT PRIMARY KEY,
	price        NUMERIC,
	last_updated TIMESTAMPTZ,
	views        BIGINT NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS missing_isins (
	isin        TEXT PRIMARY KEY,
	stock_name  TEXT NOT NULL DEFAULT '',
	first_seen  TIMESTAMPTZ NOT NULL,
	last_seen   TIMESTAMPTZ NOT NULL,
	occurrences BIGINT NOT NULL DEFAULT 1
);
CREATE TABLE IF NOT EXISTS pending_reconciliations (
	id         TEXT PRIMARY KEY,
	user_id    TEXT NOT NULL,
	account_id TEXT NOT NULL,
	payload    JSONB NOT NULL,
	expires_at TIMESTAMPTZ NOT NULL
);
`

// Migrate creates the tables if they do not exist.
func (r *Repository) Migrate(ctx context.Context) error {
	_, err := r.db.ExecContext(ctx, schema)
	return err
}

func (r *Repository) CreateLedger(ctx context.Context, ledger models.Ledger) error {
	holdings, err := json.Marshal(models.CloneHoldings(ledger.Holdings))
	if err != nil {
		return err
	}
	const query = `
		INSERT INTO ledgers (user_id, account_id, account_name, holdings, total_investment, version, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`
	_, err = r.db.ExecContext(ctx, query, ledger.UserID, ledger.AccountID, ledger.AccountName, holdings,
		ledger.TotalInvestment, ledger.Version, ledger.CreatedAt, ledger.UpdatedAt)
	if isUniqueViolation(err) {
		return repository.ErrDuplicate
	}
	return err
}

const ledgerColumns = `user_id, account_id, account_name, holdings, total_investment, version, created_at, updated_at`

func (r *Repository) FindLedger(ctx context.Context, userID, accountID string) (*models.Ledger, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+ledgerColumns+` FROM ledgers WHERE user_id = $1 AND account_id = $2`, userID, accountID)
	l, err := scanLedger(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, repository.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &l, nil
}

func (r *Repository) FindLedgersByUser(ctx context.Context, userID string) ([]models.Ledger, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+ledgerColumns+` FROM ledgers WHERE user_id = $1 ORDER BY account_id`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []models.Ledger{}
	for rows.Next() {
		l, err := scanLedger(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

func (r *Repository) HeldISINs(ctx context.Context) ([]string, error) {
	const query = `
		SELECT DISTINCT h->>'isin'
		FROM ledgers, jsonb_array_elements(holdings) AS h
		ORDER BY 1
	`
	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []string{}
	for rows.Next() {
		var isin string
		if err := rows.Scan(&isin); err != nil {
			return nil, err
		}
		out = append(out, isin)
	}
	return out, rows.Err()
}

func (r *Repository) CommitLedger(ctx context.Context, ledger *models.Ledger, sold []models.SoldPosition, pendingID string) error {
	holdings, err := json.Marshal(models.CloneHoldings(ledger.Holdings))
	if err != nil {
		return err
	}
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}

	const update = `
		UPDATE ledgers
		SET account_name = $3, holdings = $4, total_investment = $5, version = version + 1, updated_at = $6
		WHERE user_id = $1 AND account_id = $2 AND version = $7
	`
	res, err := tx.ExecContext(ctx, update, ledger.UserID, ledger.AccountID, ledger.AccountName, holdings,
		ledger.TotalInvestment, ledger.UpdatedAt, ledger.Version)
	if err != nil {
		_ = tx.Rollback()
		return err
	}
	if n, err := res.RowsAffected(); err != nil || n == 0 {
		_ = tx.Rollback()
		if err != nil {
			return err
		}
		return r.missingOrConflict(ctx, ledger.UserID, ledger.AccountID)
	}

	if err := insertSold(ctx, tx, sold); err != nil {
		_ = tx.Rollback()
		return err
	}
	if pendingID != "" {
		if _, err := tx.ExecContext(ctx, `DELETE FROM pending_reconciliations WHERE id = $1`, pendingID); err != nil {
			_ = tx.Rollback()
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	ledger.Version++
	return nil
}

func (r *Repository) missingOrConflict(ctx context.Context, userID, accountID string) error {
	var exists bool
	err := r.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM ledgers WHERE user_id = $1 AND account_id = $2)`, userID, accountID).Scan(&exists)
	if err != nil {
		return err
	}
	if !exists {
		return repository.ErrNotFound
	}
	return repository.ErrVersionConflict
}

func insertSold(ctx context.Context, tx *sql.Tx, sold []models.SoldPosition) error {
	const query = `
		INSERT INTO sold_positions
		(id, user_id, account_id, isin, stock_name, quantity_sold, average_buy_price, sell_price, invested_value, sold_value, realised_pl, sold_at, source)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
	`
	for _, s := range sold {
		if _, err := tx.ExecContext(ctx, query, s.ID, s.UserID, s.AccountID, s.ISIN, s.StockName, s.QuantitySold,
			s.AverageBuyPrice, s.SellPrice, s.InvestedValue, s.SoldValue, s.RealisedPL, s.SoldAt, s.Source); err != nil {
			return err
		}
	}
	return nil
}

const soldColumns = `id, user_id, account_id, isin, stock_name, quantity_sold, average_buy_price, sell_price, invested_value, sold_value, realised_pl, sold_at, source`

func (r *Repository) FindSoldPositionsByAccount(ctx context.Context, userID, accountID string) ([]models.SoldPosition, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+soldColumns+` FROM sold_positions WHERE user_id = $1 AND account_id = $2 ORDER BY sold_at DESC`, userID, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanSold(rows)
}

func (r *Repository) FindSoldPositionsByUser(ctx context.Context, userID string) ([]models.SoldPosition, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+soldColumns+` FROM sold_positions WHERE user_id = $1 ORDER BY sold_at DESC`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanSold(rows)
}

func (r *Repository) SavePendingReconciliation(ctx context.Context, pending models.PendingReconciliation) error {
	payload, err := json.Marshal(pending)
	if err != nil {
		return err
	}
	const query = `
		INSERT INTO pending_reconciliations (id, user_id, account_id, payload, expires_at)
		VALUES ($1,$2,$3,$4,$5)
		ON CONFLICT (id) DO UPDATE SET payload = EXCLUDED.payload, expires_at = EXCLUDED.expires_at
	`
	_, err = r.db.ExecContext(ctx, query, pending.ID, pending.UserID, pending.AccountID, payload, pending.ExpiresAt)
	return err
}

func (r *Repository) FindPendingReconciliation(ctx context.Context, id string) (*models.PendingReconciliation, error) {
	var payload []byte
	err := r.db.QueryRowContext(ctx, `SELECT payload FROM pending_reconciliations WHERE id = $1`, id).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, repository.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var p models.PendingReconciliation
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

func (r *Repository) DeletePendingReconciliation(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM pending_reconciliations WHERE id = $1`, id)
	return err
}

func (r *Repository) FindPricesByISINs(ctx context.Context, isins []string) ([]models.CachedPrice, error) {
	const query = `
		SELECT isin, price, last_updated
		FROM cached_prices
		WHERE isin = ANY($1) AND price IS NOT NULL
	`
	rows, err := r.db.QueryContext(ctx, query, pq.Array(isins))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []models.CachedPrice{}
	for rows.Next() {
		var p models.CachedPrice
		if err := rows.Scan(&p.ISIN, &p.Price, &p.LastUpdated); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (r *Repository) SavePrice(ctx context.Context, price models.CachedPrice) error {
	const query = `
		INSERT INTO cached_prices (isin, price, last_updated)
		VALUES ($1,$2,$3)
		ON CONFLICT (isin) DO UPDATE SET price = EXCLUDED.price, last_updated = EXCLUDED.last_updated
	`
	_, err := r.db.ExecContext(ctx, query, price.ISIN, price.Price, price.LastUpdated)
	return err
}

func (r *Repository) IncrementPriceViews(ctx context.Context, isins []string) error {
	const query = `
		INSERT INTO cached_prices (isin, views)
		SELECT unnest($1::text[]), 1
		ON CONFLICT (isin) DO UPDATE SET views = cached_prices.views + 1
	`
	_, err := r.db.ExecContext(ctx, query, pq.Array(isins))
	return err
}

func (r *Repository) MostViewedISINs(ctx context.Context, limit int) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT isin FROM cached_prices WHERE views > 0 ORDER BY views DESC, isin LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []string{}
	for rows.Next() {
		var isin string
		if err := rows.Scan(&isin); err != nil {
			return nil, err
		}
		out = append(out, isin)
	}
	return out, rows.Err()
}

func (r *Repository) RecordMissingISIN(ctx context.Context, isin, stockName string, at time.Time) error {
	const query = `
		INSERT INTO missing_isins (isin, stock_name, first_seen, last_seen, occurrences)
		VALUES ($1,$2,$3,$3,1)
		ON CONFLICT (isin) DO UPDATE SET
			stock_name = COALESCE(NULLIF(EXCLUDED.stock_name, ''), missing_isins.stock_name),
			last_seen = EXCLUDED.last_seen,
			occurrences = missing_isins.occurrences + 1
	`
	_, err := r.db.ExecContext(ctx, query, isin, stockName, at)
	return err
}

func (r *Repository) ListMissingISINs(ctx context.Context) ([]models.MissingISIN, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT isin, stock_name, first_seen, last_seen, occurrences FROM missing_isins ORDER BY isin`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []models.MissingISIN{}
	for rows.Next() {
		var m models.MissingISIN
		if err := rows.Scan(&m.ISIN, &m.StockName, &m.FirstSeen, &m.LastSeen, &m.Occurrences); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanLedger(row scanner) (models.Ledger, error) {
	var l models.Ledger
	var holdings []byte
	if err := row.Scan(&l.UserID, &l.AccountID, &l.AccountName, &holdings, &l.TotalInvestment, &l.Version, &l.CreatedAt, &l.UpdatedAt); err != nil {
		return l, err
	}
	if err := json.Unmarshal(holdings, &l.Holdings); err != nil {
		return l, err
	}
	if l.Holdings == nil {
		l.Holdings = []models.Holding{}
	}
	return l, nil
}

func scanSold(rows *sql.Rows) ([]models.SoldPosition, error) {
	out := []models.SoldPosition{}
	for rows.Next() {
		var s models.SoldPosition
		if err := rows.Scan(&s.ID, &s.UserID, &s.AccountID, &s.ISIN, &s.StockName, &s.QuantitySold, &s.AverageBuyPrice,
			&s.SellPrice, &s.InvestedValue, &s.SoldValue, &s.RealisedPL, &s.SoldAt, &s.Source); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return false
}
