package database

import (
	"context"
	"database/sql"
	stderrors "errors"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"

	"github.com/Tosindo/Asterisk-AMI-Event-Logger/config"
	"github.com/Tosindo/Asterisk-AMI-Event-Logger/errors"
	"github.com/Tosindo/Asterisk-AMI-Event-Logger/pkg/retry"
)

// maxPlaceholders is the server limit on bind parameters per statement.
const maxPlaceholders = 65535

// MySQL is a Store backed by database/sql with the MySQL driver.
type MySQL struct {
	db *sql.DB
}

// OpenMySQL opens a connection pool and verifies it with a ping.
func OpenMySQL(ctx context.Context, profile config.DatabaseProfile) (*MySQL, error) {
	db, err := sql.Open("mysql", mysqlDSN(profile))
	if err != nil {
		return nil, errors.WrapInvalid(err, "MySQL", "OpenMySQL", "parse connection string")
	}
	if profile.MaxConns > 0 {
		db.SetMaxOpenConns(profile.MaxConns)
		db.SetMaxIdleConns(profile.MaxConns)
	}
	db.SetConnMaxLifetime(time.Hour)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, errors.WrapTransient(err, "MySQL", "OpenMySQL", "ping")
	}
	return &MySQL{db: db}, nil
}

func mysqlDSN(p config.DatabaseProfile) string {
	if p.DSN != "" {
		return p.DSN
	}
	port := p.Port
	if port == 0 {
		port = 3306
	}
	cfg := mysql.NewConfig()
	cfg.User = p.User
	cfg.Passwd = p.Password
	cfg.Net = "tcp"
	cfg.Addr = net.JoinHostPort(p.Host, strconv.Itoa(port))
	cfg.DBName = p.Database
	cfg.ParseTime = true
	cfg.Loc = time.UTC
	return cfg.FormatDSN()
}

// InsertBatch writes multi-row INSERT statements inside one transaction.
func (s *MySQL) InsertBatch(ctx context.Context, table string, columns []string, rows [][]any) error {
	if len(rows) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.WrapTransient(err, "MySQL", "InsertBatch", "begin transaction")
	}
	defer func() { _ = tx.Rollback() }()

	perStatement := maxPlaceholders / len(columns)
	for start := 0; start < len(rows); start += perStatement {
		end := min(start+perStatement, len(rows))
		query, args := mysqlInsert(table, columns, rows[start:end])
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return classifyMySQL(err, "insert rows")
		}
	}
	if err := tx.Commit(); err != nil {
		return classifyMySQL(err, "commit")
	}
	return nil
}

// Close closes the pool.
func (s *MySQL) Close() error {
	return s.db.Close()
}

func mysqlInsert(table string, columns []string, rows [][]any) (string, []any) {
	var sb strings.Builder
	sb.WriteString("INSERT INTO ")
	for i, part := range strings.Split(table, ".") {
		if i > 0 {
			sb.WriteByte('.')
		}
		sb.WriteString(quoteMySQL(part))
	}
	sb.WriteString(" (")
	for i, c := range columns {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(quoteMySQL(c))
	}
	sb.WriteString(") VALUES ")

	tuple := "(" + strings.TrimSuffix(strings.Repeat("?, ", len(columns)), ", ") + ")"
	args := make([]any, 0, len(rows)*len(columns))
	for i, row := range rows {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(tuple)
		args = append(args, row...)
	}
	return sb.String(), args
}

func quoteMySQL(ident string) string {
	return "`" + strings.ReplaceAll(ident, "`", "``") + "`"
}

// MySQL server errors that a retry cannot fix
var permanentMySQL = map[uint16]bool{
	1054: true, // unknown column
	1064: true, // syntax error
	1146: true, // table doesn't exist
	1366: true, // incorrect value
	1406: true, // data too long
}

func classifyMySQL(err error, action string) error {
	wrapped := errors.WrapTransient(err, "MySQL", "InsertBatch", action)
	var myErr *mysql.MySQLError
	if stderrors.As(err, &myErr) && permanentMySQL[myErr.Number] {
		return retry.NonRetryable(wrapped)
	}
	return wrapped
}
