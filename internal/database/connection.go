package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/nibog/payments-backend/internal/config"
)

// ErrMissingURL indicates DATABASE_URL was not set
var ErrMissingURL = errors.New("database URL is required")

// DB is the subset of *sqlx.DB used outside the repositories
type DB interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
	PingContext(ctx context.Context) error
	Close() error
}

// PostgresDB is the pooled Postgres handle shared by repositories and services
type PostgresDB struct {
	*sqlx.DB
}

// NewConnection opens the pool and pings it before returning
func NewConnection(ctx context.Context, cfg config.DatabaseConfig) (*PostgresDB, error) {
	dsn, err := poolerSafeDSN(cfg.URL)
	if err != nil {
		return nil, err
	}

	db, err := sqlx.ConnectContext(ctx, "postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxConnections)
	db.SetMaxIdleConns(cfg.MaxIdleConnections)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.ConnMaxLifetime / 2)

	return &PostgresDB{DB: db}, nil
}

// poolerSafeDSN turns on lib/pq's binary_parameters so each parameterised
// query runs as one unnamed-statement round trip. Transaction-mode poolers
// (Supavisor, PgBouncer) cannot hold a prepared statement across round trips.
// Both URL and key=value connection strings are accepted.
func poolerSafeDSN(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", ErrMissingURL
	}

	if !strings.HasPrefix(raw, "postgres://") && !strings.HasPrefix(raw, "postgresql://") {
		if strings.Contains(raw, "binary_parameters=") {
			return raw, nil
		}
		return raw + " binary_parameters=yes", nil
	}

	u, err := url.Parse(raw)
	if err != nil {
		// url.Error repeats the input, which carries the password
		var urlErr *url.Error
		if errors.As(err, &urlErr) {
			err = urlErr.Err
		}
		return "", fmt.Errorf("invalid database URL: %w", err)
	}
	query := u.Query()
	if query.Get("binary_parameters") == "" {
		query.Set("binary_parameters", "yes")
	}
	u.RawQuery = query.Encode()
	return u.String(), nil
}
