package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/go-sql-driver/mysql"
	tokengate "github.com/jassus213/go-token-gate"
	_ "modernc.org/sqlite"
)

// Dialect selects the SQL flavour of an SQLStore.
type Dialect string

// Supported dialects.
const (
	DialectSQLite Dialect = "sqlite"
	DialectMySQL  Dialect = "mysql"
)

const sqlColumns = "token, owner_id, policy_name, token_limit, remaining, consumed, count_only, attributes, created_at"

// SQLStore implements tokengate.Store over database/sql.
//
// Consume and Create run in transactions so that check-and-mutate is atomic.
// With SQLite keep the pool at one connection (OpenSQLite does this).
type SQLStore struct {
	db       *sql.DB
	dialect  Dialect
	policies *policies
}

// NewSQL wraps an open database. Call Migrate once before use.
func NewSQL(db *sql.DB, dialect Dialect, opts ...Option) (*SQLStore, error) {
	switch dialect {
	case DialectSQLite, DialectMySQL:
	default:
		return nil, fmt.Errorf("store: unsupported sql dialect %q", dialect)
	}
	return &SQLStore{db: db, dialect: dialect, policies: newPolicies(newOptions(opts...))}, nil
}

// OpenSQLite opens (or creates) a SQLite database with the modernc driver and
// migrates it.
//
// Example:
//
//	st, err := store.OpenSQLite(ctx, "file:tokens.db?_pragma=busy_timeout(5000)")
func OpenSQLite(ctx context.Context, dsn string, opts ...Option) (*SQLStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	return openSQL(ctx, db, DialectSQLite, opts...)
}

// OpenMySQL opens a MySQL database with go-sql-driver/mysql and migrates it.
func OpenMySQL(ctx context.Context, dsn string, opts ...Option) (*SQLStore, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open mysql: %w", err)
	}
	db.SetConnMaxLifetime(3 * time.Minute)
	return openSQL(ctx, db, DialectMySQL, opts...)
}

func openSQL(ctx context.Context, db *sql.DB, dialect Dialect, opts ...Option) (*SQLStore, error) {
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: ping %s: %w", dialect, err)
	}
	s, err := NewSQL(db, dialect, opts...)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := s.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// DB returns the underlying database.
func (s *SQLStore) DB() *sql.DB { return s.db }

// Close closes the underlying database.
func (s *SQLStore) Close() error { return s.db.Close() }

// SetPolicy registers or replaces a policy.
func (s *SQLStore) SetPolicy(p tokengate.Policy) {
	s.policies.set(p)
}

// Migrate creates the token table if it does not exist.
func (s *SQLStore) Migrate(ctx context.Context) error {
	var stmts []string
	switch s.dialect {
	case DialectMySQL:
		stmts = []string{`CREATE TABLE IF NOT EXISTS tokengate_tokens (
			seq BIGINT NOT NULL AUTO_INCREMENT PRIMARY KEY,
			token VARCHAR(64) NOT NULL UNIQUE,
			owner_id VARCHAR(191) NOT NULL,
			policy_name VARCHAR(191) NOT NULL,
			token_limit BIGINT NOT NULL DEFAULT 0,
			remaining BIGINT NOT NULL DEFAULT 0,
			consumed BIGINT NOT NULL DEFAULT 0,
			count_only TINYINT(1) NOT NULL DEFAULT 0,
			attributes TEXT NULL,
			created_at BIGINT NOT NULL,
			INDEX idx_tokengate_tokens_owner (owner_id, seq)
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`}
	default:
		stmts = []string{
			`CREATE TABLE IF NOT EXISTS tokengate_tokens (
				seq INTEGER PRIMARY KEY AUTOINCREMENT,
				token TEXT NOT NULL UNIQUE,
				owner_id TEXT NOT NULL,
				policy_name TEXT NOT NULL,
				token_limit INTEGER NOT NULL DEFAULT 0,
				remaining INTEGER NOT NULL DEFAULT 0,
				consumed INTEGER NOT NULL DEFAULT 0,
				count_only INTEGER NOT NULL DEFAULT 0,
				attributes TEXT NULL,
				created_at INTEGER NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_tokengate_tokens_owner ON tokengate_tokens(owner_id, seq)`,
		}
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("store: migrate: %w", err)
		}
	}
	return nil
}

// Consume decrements remaining with a conditional UPDATE and reads the new value
// in the same transaction.
func (s *SQLStore) Consume(ctx context.Context, token string, units int64) (remaining int64, err error) {
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE tokengate_tokens SET remaining = remaining - ?, consumed = consumed + ?
			 WHERE token = ? AND count_only = 0 AND remaining >= ?`,
			units, units, token, units)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}

		err = tx.QueryRowContext(ctx, `SELECT remaining FROM tokengate_tokens WHERE token = ?`, token).Scan(&remaining)
		if errors.Is(err, sql.ErrNoRows) {
			return tokengate.ErrTokenNotExists
		}
		if err != nil {
			return err
		}
		if n == 0 {
			return tokengate.ErrUsageLimit
		}
		return nil
	})
	return remaining, err
}

// Count increments consumed and reads the new total in the same transaction.
func (s *SQLStore) Count(ctx context.Context, token string, units int64) (consumed int64, err error) {
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE tokengate_tokens SET consumed = consumed + ? WHERE token = ?`, units, token)
		if err != nil {
			return err
		}
		if n, err := res.RowsAffected(); err != nil {
			return err
		} else if n == 0 {
			return tokengate.ErrTokenNotExists
		}
		return tx.QueryRowContext(ctx, `SELECT consumed FROM tokengate_tokens WHERE token = ?`, token).Scan(&consumed)
	})
	return consumed, err
}

// Create counts the owner's tokens and inserts the new one in one transaction.
func (s *SQLStore) Create(ctx context.Context, id tokengate.Identity) (*tokengate.TokenRecord, error) {
	pol, err := s.policies.resolve(id.PolicyName)
	if err != nil {
		return nil, err
	}
	rec := initialRecord(id, pol)

	var attrs sql.NullString
	if len(rec.Attributes) > 0 {
		b, err := json.Marshal(rec.Attributes)
		if err != nil {
			return nil, fmt.Errorf("store: encode attributes: %w", err)
		}
		attrs = sql.NullString{String: string(b), Valid: true}
	}

	countQuery := `SELECT COUNT(*) FROM tokengate_tokens WHERE owner_id = ?`
	if s.dialect == DialectMySQL {
		countQuery += ` FOR UPDATE`
	}

	err = s.withTx(ctx, func(tx *sql.Tx) error {
		if pol.MaxTokens > 0 {
			var n int
			if err := tx.QueryRowContext(ctx, countQuery, id.OwnerID).Scan(&n); err != nil {
				return err
			}
			if n >= pol.MaxTokens {
				return maxTokensError(pol)
			}
		}
		_, err := tx.ExecContext(ctx,
			`INSERT INTO tokengate_tokens (`+sqlColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			rec.Token, rec.OwnerID, rec.PolicyName, rec.Limit, rec.Remaining, rec.Consumed,
			boolInt(rec.Count), attrs, rec.CreatedAt.UnixMilli())
		return err
	})
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// Get reads one record.
func (s *SQLStore) Get(ctx context.Context, token string) (*tokengate.TokenRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sqlColumns+` FROM tokengate_tokens WHERE token = ?`, token)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: get: %w", err)
	}
	return &rec, nil
}

// GetByOwnerID lists the owner's tokens in insertion order.
func (s *SQLStore) GetByOwnerID(ctx context.Context, ownerID string) ([]tokengate.TokenRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sqlColumns+` FROM tokengate_tokens WHERE owner_id = ? ORDER BY seq`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("store: list: %w", err)
	}
	defer rows.Close()

	out := make([]tokengate.TokenRecord, 0)
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("store: list: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: list: %w", err)
	}
	return out, nil
}

// Delete removes one record.
func (s *SQLStore) Delete(ctx context.Context, token string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM tokengate_tokens WHERE token = ?`, token)
	if err != nil {
		return fmt.Errorf("store: delete: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("store: delete: %w", err)
	}
	if n == 0 {
		return tokengate.ErrTokenNotExists
	}
	return nil
}

func (s *SQLStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (tokengate.TokenRecord, error) {
	var (
		rec       tokengate.TokenRecord
		countOnly int64
		attrs     sql.NullString
		createdAt int64
	)
	err := row.Scan(&rec.Token, &rec.OwnerID, &rec.PolicyName, &rec.Limit, &rec.Remaining,
		&rec.Consumed, &countOnly, &attrs, &createdAt)
	if err != nil {
		return rec, err
	}
	rec.Count = countOnly != 0
	rec.CreatedAt = time.UnixMilli(createdAt).UTC()
	if attrs.Valid && attrs.String != "" {
		if err := json.Unmarshal([]byte(attrs.String), &rec.Attributes); err != nil {
			return rec, fmt.Errorf("decode attributes: %w", err)
		}
	}
	return rec, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
