package db

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/lidadreamer/ML-tornado/errors"
)

const (
	DriverSQLite   = "sqlite3"
	DriverPostgres = "postgres"

	// SQLiteBusyTimeoutMS is how long a writer waits on a locked database.
	SQLiteBusyTimeoutMS = 5000
)

const sqliteSchema = `
    CREATE TABLE IF NOT EXISTS labeled_instances (
        id INTEGER PRIMARY KEY AUTOINCREMENT,
        dsid INTEGER NOT NULL,
        feature TEXT NOT NULL,
        label TEXT NOT NULL,
        created_at DATETIME NOT NULL
    );
    CREATE INDEX IF NOT EXISTS idx_labeled_instances_dsid ON labeled_instances(dsid, id);
    CREATE TABLE IF NOT EXISTS models (
        dsid INTEGER PRIMARY KEY,
        kind INTEGER NOT NULL,
        model BLOB NOT NULL,
        accuracy REAL NOT NULL,
        trained_at DATETIME NOT NULL
    );
    CREATE TABLE IF NOT EXISTS training_log (
        id INTEGER PRIMARY KEY AUTOINCREMENT,
        dsid INTEGER NOT NULL,
        model_name VARCHAR(50) NOT NULL,
        accuracy REAL NOT NULL,
        trained_at DATETIME NOT NULL,
        data_points INTEGER NOT NULL
    );
`

const postgresSchema = `
    CREATE TABLE IF NOT EXISTS labeled_instances (
        id BIGSERIAL PRIMARY KEY,
        dsid BIGINT NOT NULL,
        feature TEXT NOT NULL,
        label TEXT NOT NULL,
        created_at TIMESTAMPTZ NOT NULL
    );
    CREATE INDEX IF NOT EXISTS idx_labeled_instances_dsid ON labeled_instances(dsid, id);
    CREATE TABLE IF NOT EXISTS models (
        dsid BIGINT PRIMARY KEY,
        kind INTEGER NOT NULL,
        model BYTEA NOT NULL,
        accuracy DOUBLE PRECISION NOT NULL,
        trained_at TIMESTAMPTZ NOT NULL
    );
    CREATE TABLE IF NOT EXISTS training_log (
        id BIGSERIAL PRIMARY KEY,
        dsid BIGINT NOT NULL,
        model_name VARCHAR(50) NOT NULL,
        accuracy DOUBLE PRECISION NOT NULL,
        trained_at TIMESTAMPTZ NOT NULL,
        data_points INTEGER NOT NULL
    );
`

// Open connects to the database, verifies it is reachable and creates the
// schema. A failure here leaves the service without persistence, so callers
// treat it as fatal.
func Open(ctx context.Context, driver, dsn string, logger *zap.SugaredLogger) (*sql.DB, error) {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	logger.Debugw("Opening database", "driver", driver, "dsn", dsn)

	var schema string
	switch driver {
	case DriverSQLite:
		schema = sqliteSchema
		if err := ensureDir(dsn); err != nil {
			return nil, err
		}
		if !strings.Contains(dsn, "?") {
			dsn += "?_journal_mode=WAL&_busy_timeout=" + strconv.Itoa(SQLiteBusyTimeoutMS) + "&_foreign_keys=on"
		}
	case DriverPostgres:
		schema = postgresSchema
	default:
		return nil, errors.NewInvalidRequestError("unsupported database driver %q", driver)
	}

	database, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, errors.MarkStoreUnavailable(errors.Wrap(err, "open database"))
	}
	if driver == DriverPostgres {
		database.SetMaxOpenConns(10)
		database.SetMaxIdleConns(5)
		database.SetConnMaxLifetime(time.Hour)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := database.PingContext(pingCtx); err != nil {
		database.Close()
		return nil, errors.MarkStoreUnavailable(errors.Wrap(err, "ping database"))
	}

	if err := migrate(ctx, database, driver, schema); err != nil {
		database.Close()
		return nil, err
	}

	logger.Infow("Database opened", "driver", driver)
	return database, nil
}

// ensureDir creates the parent directory of a file-path sqlite dsn.
func ensureDir(dsn string) error {
	path := dsn
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	if path == "" || path == ":memory:" || strings.HasPrefix(path, "file:") {
		return nil
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.MarkStoreUnavailable(errors.Wrapf(err, "create database directory %s", dir))
	}
	return nil
}

func migrate(ctx context.Context, database *sql.DB, driver, schema string) error {
	if driver == DriverSQLite {
		// go-sqlite3 runs multi-statement strings in one Exec
		if _, err := database.ExecContext(ctx, schema); err != nil {
			return errors.MarkStoreUnavailable(errors.Wrap(err, "create schema"))
		}
		return nil
	}
	for _, stmt := range strings.Split(schema, ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := database.ExecContext(ctx, stmt); err != nil {
			return errors.MarkStoreUnavailable(errors.Wrap(err, "create schema"))
		}
	}
	return nil
}

// rebind rewrites ? placeholders to $n for postgres.
func rebind(driver, query string) string {
	if driver != DriverPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// storeErr wraps a driver error with context and marks it as a store failure.
func storeErr(err error, msg string) error {
	return errors.MarkStoreUnavailable(errors.Wrap(err, msg))
}
