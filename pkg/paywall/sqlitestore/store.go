// Package sqlitestore is a paywall.Store on SQLite.
//
// Every state transition is one conditional UPDATE whose row count
// decides the winner, so concurrent pollers on any number of pooled
// connections (or processes sharing the file) agree on exactly one paid
// transition and at most one stored claim per quote. A trigger refuses
// any update that would clear is_paid.
package sqlitestore

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/siddimore/mcp-paywall/internal/sqlitepool"
	"github.com/siddimore/mcp-paywall/pkg/paywall"
)

const schema = `
	CREATE TABLE IF NOT EXISTS payment_records (
		quote_id         TEXT PRIMARY KEY,
		access_token     TEXT NOT NULL UNIQUE,
		created_at       INTEGER NOT NULL,
		expires_at       INTEGER NOT NULL,
		is_paid          INTEGER NOT NULL DEFAULT 0 CHECK (is_paid IN (0, 1)),
		claimed_token    TEXT,
		user_identifier  TEXT NOT NULL DEFAULT '',
		amount           INTEGER NOT NULL CHECK (amount > 0),
		unit             TEXT NOT NULL,
		provider         TEXT NOT NULL,
		claim_started_at INTEGER,
		claim_error      TEXT,
		CHECK (expires_at > created_at),
		CHECK (claimed_token IS NULL OR is_paid = 1)
	);
	CREATE INDEX IF NOT EXISTS idx_payment_records_expires ON payment_records(expires_at);
	CREATE INDEX IF NOT EXISTS idx_payment_records_pending_claims
		ON payment_records(created_at)
		WHERE is_paid = 1 AND claimed_token IS NULL AND claim_error IS NULL;

	CREATE TRIGGER IF NOT EXISTS payment_records_paid_is_final
	BEFORE UPDATE OF is_paid ON payment_records
	WHEN OLD.is_paid = 1 AND NEW.is_paid = 0
	BEGIN
		SELECT RAISE(ABORT, 'is_paid cannot be cleared');
	END;
`

const recordColumns = `quote_id, access_token, created_at, expires_at, is_paid, claimed_token,
	user_identifier, amount, unit, provider, claim_started_at, claim_error`

// Config holds the parameters for opening a Store.
type Config struct {
	// Path is the database file; ":memory:" gives a private in-memory
	// database on a single connection.
	Path string

	// PoolSize defaults to 4.
	PoolSize int

	Logger *slog.Logger
}

// Store persists payment records in SQLite.
type Store struct {
	pool   *sqlitepool.Pool
	logger *slog.Logger
}

var _ paywall.Store = (*Store)(nil)

// Open opens or creates the database and its schema.
func Open(cfg Config) (*Store, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	pool, err := sqlitepool.Open(sqlitepool.Config{
		Path:     cfg.Path,
		PoolSize: cfg.PoolSize,
		Logger:   logger,
		OnConnect: func(conn *sqlite.Conn) error {
			return sqlitex.ExecuteScript(conn, schema, nil)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("payment store: %w", err)
	}
	store := &Store{pool: pool, logger: logger}

	// Take one connection now so schema errors surface at open.
	conn, err := pool.Take(context.Background())
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("payment store: %w", err)
	}
	pool.Put(conn)
	return store, nil
}

// Close closes the pool, waiting for borrowed connections.
func (s *Store) Close() error {
	return s.pool.Close()
}

// Insert adds a new record.
func (s *Store) Insert(ctx context.Context, record *paywall.PaymentRecord) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("payment store: insert: %w", err)
	}
	defer s.pool.Put(conn)

	var claimStartedAt any
	if record.ClaimStartedAt != nil {
		claimStartedAt = record.ClaimStartedAt.UnixNano()
	}
	err = sqlitex.Execute(conn, `INSERT INTO payment_records (`+recordColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		&sqlitex.ExecOptions{
			Args: []any{
				record.QuoteID,
				record.AccessToken,
				record.CreatedAt.UnixNano(),
				record.ExpiresAt.UnixNano(),
				boolInt(record.IsPaid),
				nullable(record.ClaimedToken),
				record.UserIdentifier,
				int64(record.Amount),
				record.Unit,
				record.Provider,
				claimStartedAt,
				nullable(record.ClaimError),
			},
		})
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: quote %s", paywall.ErrDuplicate, record.QuoteID)
		}
		return fmt.Errorf("payment store: insert %s: %w", record.QuoteID, err)
	}
	return nil
}

// ByQuoteID retrieves a record by quote id.
func (s *Store) ByQuoteID(ctx context.Context, quoteID string) (*paywall.PaymentRecord, error) {
	return s.selectOne(ctx, "quote_id", quoteID)
}

// ByAccessToken retrieves a record by access token.
func (s *Store) ByAccessToken(ctx context.Context, accessToken string) (*paywall.PaymentRecord, error) {
	return s.selectOne(ctx, "access_token", accessToken)
}

func (s *Store) selectOne(ctx context.Context, column, value string) (*paywall.PaymentRecord, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("payment store: lookup: %w", err)
	}
	defer s.pool.Put(conn)

	var record *paywall.PaymentRecord
	err = sqlitex.Execute(conn,
		`SELECT `+recordColumns+` FROM payment_records WHERE `+column+` = ?`,
		&sqlitex.ExecOptions{
			Args: []any{value},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				record = scanRecord(stmt)
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("payment store: lookup by %s: %w", column, err)
	}
	if record == nil {
		return nil, paywall.ErrNotFound
	}
	return record, nil
}

// MarkPaid performs the paid transition.
func (s *Store) MarkPaid(ctx context.Context, quoteID string, now time.Time) (bool, error) {
	return s.update(ctx, quoteID, "mark paid",
		`UPDATE payment_records SET is_paid = 1, claim_started_at = ?2
		 WHERE quote_id = ?1 AND is_paid = 0`,
		quoteID, now.UnixNano())
}

// AcquireClaim takes the claim lease.
func (s *Store) AcquireClaim(ctx context.Context, quoteID string, now time.Time, lease time.Duration) (bool, error) {
	return s.update(ctx, quoteID, "acquire claim",
		`UPDATE payment_records SET claim_started_at = ?2
		 WHERE quote_id = ?1 AND is_paid = 1
		   AND claimed_token IS NULL AND claim_error IS NULL
		   AND (claim_started_at IS NULL OR claim_started_at < ?3)`,
		quoteID, now.UnixNano(), now.Add(-lease).UnixNano())
}

// CompleteClaim stores the claimed token once.
func (s *Store) CompleteClaim(ctx context.Context, quoteID, token string) (bool, error) {
	return s.update(ctx, quoteID, "complete claim",
		`UPDATE payment_records SET claimed_token = ?2
		 WHERE quote_id = ?1 AND is_paid = 1 AND claimed_token IS NULL`,
		quoteID, token)
}

// FailClaim records a permanent claim rejection.
func (s *Store) FailClaim(ctx context.Context, quoteID, reason string) error {
	_, err := s.update(ctx, quoteID, "fail claim",
		`UPDATE payment_records SET claim_error = ?2
		 WHERE quote_id = ?1 AND claimed_token IS NULL`,
		quoteID, reason)
	return err
}

// update runs a conditional UPDATE and reports whether it changed the
// row. When nothing changed it tells a missing record (ErrNotFound)
// from a failed condition (false, nil).
func (s *Store) update(ctx context.Context, quoteID, op, query string, args ...any) (bool, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return false, fmt.Errorf("payment store: %s: %w", op, err)
	}
	defer s.pool.Put(conn)

	if err := sqlitex.Execute(conn, query, &sqlitex.ExecOptions{Args: args}); err != nil {
		return false, fmt.Errorf("payment store: %s %s: %w", op, quoteID, err)
	}
	if conn.Changes() > 0 {
		return true, nil
	}

	exists := false
	err = sqlitex.Execute(conn, `SELECT 1 FROM payment_records WHERE quote_id = ?`, &sqlitex.ExecOptions{
		Args: []any{quoteID},
		ResultFunc: func(*sqlite.Stmt) error {
			exists = true
			return nil
		},
	})
	if err != nil {
		return false, fmt.Errorf("payment store: %s %s: %w", op, quoteID, err)
	}
	if !exists {
		return false, paywall.ErrNotFound
	}
	return false, nil
}

// PendingClaims lists paid, unclaimed, not-rejected records.
func (s *Store) PendingClaims(ctx context.Context, limit int) ([]*paywall.PaymentRecord, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("payment store: pending claims: %w", err)
	}
	defer s.pool.Put(conn)

	bound := int64(limit)
	if bound <= 0 {
		bound = -1
	}
	var records []*paywall.PaymentRecord
	err = sqlitex.Execute(conn,
		`SELECT `+recordColumns+` FROM payment_records
		 WHERE is_paid = 1 AND claimed_token IS NULL AND claim_error IS NULL
		 ORDER BY created_at LIMIT ?`,
		&sqlitex.ExecOptions{
			Args: []any{bound},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				records = append(records, scanRecord(stmt))
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("payment store: pending claims: %w", err)
	}
	return records, nil
}

// Statistics aggregates counts and revenue in two queries.
func (s *Store) Statistics(ctx context.Context, now time.Time) (*paywall.Statistics, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("payment store: statistics: %w", err)
	}
	defer s.pool.Put(conn)

	stats := &paywall.Statistics{RevenueByUnit: []paywall.UnitRevenue{}}
	err = sqlitex.Execute(conn, `
		SELECT COUNT(*),
		       COALESCE(SUM(is_paid), 0),
		       COALESCE(SUM(CASE WHEN is_paid = 1 AND expires_at > ?1 THEN 1 ELSE 0 END), 0),
		       COALESCE(SUM(CASE WHEN is_paid = 1 AND expires_at <= ?1 THEN 1 ELSE 0 END), 0)
		FROM payment_records`,
		&sqlitex.ExecOptions{
			Args: []any{now.UnixNano()},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				stats.TotalPayments = stmt.ColumnInt64(0)
				stats.PaidPayments = stmt.ColumnInt64(1)
				stats.ActiveTokens = stmt.ColumnInt64(2)
				stats.ExpiredTokens = stmt.ColumnInt64(3)
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("payment store: statistics: %w", err)
	}

	err = sqlitex.Execute(conn, `
		SELECT unit, SUM(amount) FROM payment_records
		WHERE is_paid = 1 GROUP BY unit ORDER BY unit`,
		&sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				stats.RevenueByUnit = append(stats.RevenueByUnit, paywall.UnitRevenue{
					Unit:  stmt.ColumnText(0),
					Total: uint64(stmt.ColumnInt64(1)),
				})
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("payment store: revenue: %w", err)
	}
	return stats, nil
}

// DeleteExpiredBefore removes records that expired before cutoff.
func (s *Store) DeleteExpiredBefore(ctx context.Context, cutoff time.Time) (int, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return 0, fmt.Errorf("payment store: cleanup: %w", err)
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn, `DELETE FROM payment_records WHERE expires_at < ?`, &sqlitex.ExecOptions{
		Args: []any{cutoff.UnixNano()},
	})
	if err != nil {
		return 0, fmt.Errorf("payment store: cleanup: %w", err)
	}
	removed := conn.Changes()
	if removed > 0 {
		s.logger.Debug("payment records deleted", "count", removed, "cutoff", cutoff)
	}
	return removed, nil
}

func scanRecord(stmt *sqlite.Stmt) *paywall.PaymentRecord {
	record := &paywall.PaymentRecord{
		QuoteID:        stmt.ColumnText(0),
		AccessToken:    stmt.ColumnText(1),
		CreatedAt:      time.Unix(0, stmt.ColumnInt64(2)).UTC(),
		ExpiresAt:      time.Unix(0, stmt.ColumnInt64(3)).UTC(),
		IsPaid:         stmt.ColumnInt64(4) != 0,
		ClaimedToken:   stmt.ColumnText(5),
		UserIdentifier: stmt.ColumnText(6),
		Amount:         uint64(stmt.ColumnInt64(7)),
		Unit:           stmt.ColumnText(8),
		Provider:       stmt.ColumnText(9),
		ClaimError:     stmt.ColumnText(11),
	}
	if stmt.ColumnType(10) != sqlite.TypeNull {
		started := time.Unix(0, stmt.ColumnInt64(10)).UTC()
		record.ClaimStartedAt = &started
	}
	return record
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func boolInt(b bool) int64 {
	if b {
		return 1
	}
	return 0
}

// isUniqueViolation matches primary key and unique index conflicts,
// with or without extended result codes enabled.
func isUniqueViolation(err error) bool {
	switch code := sqlite.ErrCode(err); code {
	case sqlite.ResultConstraintPrimaryKey, sqlite.ResultConstraintUnique:
		return true
	default:
		return code.ToPrimary() == sqlite.ResultConstraint && strings.Contains(err.Error(), "UNIQUE")
	}
}
