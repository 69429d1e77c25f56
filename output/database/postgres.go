package database

import (
	"context"
	stderrors "errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Tosindo/Asterisk-AMI-Event-Logger/config"
	"github.com/Tosindo/Asterisk-AMI-Event-Logger/errors"
	"github.com/Tosindo/Asterisk-AMI-Event-Logger/pkg/retry"
)

// Postgres is a Store backed by a pgx connection pool.
type Postgres struct {
	pool *pgxpool.Pool
}

// OpenPostgres connects a pool and verifies it with a ping.
func OpenPostgres(ctx context.Context, profile config.DatabaseProfile) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(postgresDSN(profile))
	if err != nil {
		return nil, errors.WrapInvalid(err, "Postgres", "OpenPostgres", "parse connection string")
	}
	if profile.MaxConns > 0 {
		cfg.MaxConns = int32(profile.MaxConns)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, errors.WrapTransient(err, "Postgres", "OpenPostgres", "create pool")
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, errors.WrapTransient(err, "Postgres", "OpenPostgres", "ping")
	}
	return &Postgres{pool: pool}, nil
}

func postgresDSN(p config.DatabaseProfile) string {
	if p.DSN != "" {
		return p.DSN
	}
	port := p.Port
	if port == 0 {
		port = 5432
	}
	u := url.URL{
		Scheme: "postgres",
		Host:   net.JoinHostPort(p.Host, strconv.Itoa(port)),
		Path:   "/" + p.Database,
	}
	if p.User != "" {
		u.User = url.UserPassword(p.User, p.Password)
	}
	return u.String()
}

// InsertBatch queues one INSERT per row in a pgx.Batch inside a
// transaction.
func (s *Postgres) InsertBatch(ctx context.Context, table string, columns []string, rows [][]any) error {
	if len(rows) == 0 {
		return nil
	}
	query := postgresInsert(table, columns)

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return errors.WrapTransient(err, "Postgres", "InsertBatch", "begin transaction")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	batch := &pgx.Batch{}
	for _, row := range rows {
		batch.Queue(query, row...)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return classifyPostgres(err, "insert rows")
	}
	if err := tx.Commit(ctx); err != nil {
		return classifyPostgres(err, "commit")
	}
	return nil
}

// Close closes the pool.
func (s *Postgres) Close() error {
	s.pool.Close()
	return nil
}

func postgresInsert(table string, columns []string) string {
	quoted := make([]string, len(columns))
	params := make([]string, len(columns))
	for i, c := range columns {
		quoted[i] = pgx.Identifier{c}.Sanitize()
		params[i] = "$" + strconv.Itoa(i+1)
	}
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		pgx.Identifier(strings.Split(table, ".")).Sanitize(),
		strings.Join(quoted, ", "),
		strings.Join(params, ", "))
}

// classifyPostgres marks schema and data errors as not worth retrying.
// SQLSTATE class 22 is a data exception, 42 a syntax error or undefined
// object.
func classifyPostgres(err error, action string) error {
	wrapped := errors.WrapTransient(err, "Postgres", "InsertBatch", action)
	var pgErr *pgconn.PgError
	if stderrors.As(err, &pgErr) && (strings.HasPrefix(pgErr.Code, "22") || strings.HasPrefix(pgErr.Code, "42")) {
		return retry.NonRetryable(wrapped)
	}
	return wrapped
}
