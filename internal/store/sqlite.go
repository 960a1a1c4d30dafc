package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS accounts (
	id            TEXT PRIMARY KEY,
	expires_at    INTEGER NOT NULL,
	traffic_limit INTEGER NOT NULL DEFAULT -1,
	traffic_used  INTEGER NOT NULL DEFAULT 0,
	ip_limit      INTEGER NOT NULL DEFAULT -1
);
CREATE TABLE IF NOT EXISTS account_ips (
	account_id TEXT NOT NULL,
	address    TEXT NOT NULL,
	last_seen  INTEGER NOT NULL,
	PRIMARY KEY (account_id, address)
);
`

// SQLiteStore persists accounts in a local SQLite database. Schema bootstrap
// is limited to CREATE TABLE IF NOT EXISTS; real migrations live outside the
// tunnel core.
type SQLiteStore struct {
	db *sql.DB
}

func OpenSQLite(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %q: %w", path, err)
	}
	// modernc sqlite serializes writers; a single connection avoids
	// SQLITE_BUSY churn under concurrent sessions.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("bootstrap sqlite schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) GetAccount(ctx context.Context, id uuid.UUID) (*Account, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT expires_at, traffic_limit, traffic_used, ip_limit FROM accounts WHERE id = ?`,
		id.String())

	var (
		expiresAt int64
		acct      = Account{ID: id}
	)
	if err := row.Scan(&expiresAt, &acct.TrafficLimit, &acct.TrafficUsed, &acct.IPLimit); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("select account: %w", err)
	}
	acct.ExpiresAt = time.Unix(expiresAt, 0)
	return &acct, nil
}

func (s *SQLiteStore) IncrementUsage(ctx context.Context, id uuid.UUID, delta int64) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE accounts SET traffic_used = traffic_used + ? WHERE id = ?`,
		delta, id.String())
	if err != nil {
		return fmt.Errorf("increment usage: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) CountDistinctIPs(ctx context.Context, id uuid.UUID) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM account_ips WHERE account_id = ?`,
		id.String()).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count ips: %w", err)
	}
	return count, nil
}

func (s *SQLiteStore) HasIP(ctx context.Context, id uuid.UUID, addr string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM account_ips WHERE account_id = ? AND address = ?`,
		id.String(), addr).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("lookup ip: %w", err)
	}
	return true, nil
}

func (s *SQLiteStore) UpsertIP(ctx context.Context, id uuid.UUID, addr string, seenAt time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO account_ips (account_id, address, last_seen) VALUES (?, ?, ?)
		 ON CONFLICT (account_id, address) DO UPDATE SET last_seen = excluded.last_seen`,
		id.String(), addr, seenAt.Unix())
	if err != nil {
		return fmt.Errorf("upsert ip: %w", err)
	}
	return nil
}

// PutAccount inserts or replaces an account row. Used by seeding and tests;
// account administration is otherwise external.
func (s *SQLiteStore) PutAccount(ctx context.Context, acct Account) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO accounts (id, expires_at, traffic_limit, traffic_used, ip_limit)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET
			expires_at = excluded.expires_at,
			traffic_limit = excluded.traffic_limit,
			traffic_used = excluded.traffic_used,
			ip_limit = excluded.ip_limit`,
		acct.ID.String(), acct.ExpiresAt.Unix(), acct.TrafficLimit, acct.TrafficUsed, acct.IPLimit)
	if err != nil {
		return fmt.Errorf("put account: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }
