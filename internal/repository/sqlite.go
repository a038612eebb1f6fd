package repository

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/opensource-finance/heron/internal/domain"
	_ "modernc.org/sqlite"
)

const sqliteMemory = ":memory:"

// sqlitePragmas apply to every file-backed connection. WAL keeps readers
// unblocked while the writer holds the lock.
var sqlitePragmas = []string{
	"journal_mode(WAL)",
	"synchronous(NORMAL)",
	"busy_timeout(5000)",
	"foreign_keys(ON)",
}

// openSQLite opens the pure Go modernc driver. ":memory:" gives a private
// database pinned to one connection, since each new connection would
// otherwise see an empty database.
func openSQLite(cfg domain.RepositoryConfig) (*sql.DB, error) {
	path := orDefault(cfg.SQLitePath, "./heron.db")
	if path != sqliteMemory {
		if dir := filepath.Dir(path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("failed to create database directory: %w", err)
			}
		}
	}

	db, err := openAndPing("sqlite", sqliteDSN(path))
	if err != nil {
		return nil, err
	}
	if path == sqliteMemory {
		db.SetMaxOpenConns(1)
	}
	return db, nil
}

func sqliteDSN(path string) string {
	if path == sqliteMemory {
		return "file::memory:?_pragma=foreign_keys(ON)"
	}
	params := make([]string, len(sqlitePragmas))
	for i, p := range sqlitePragmas {
		params[i] = "_pragma=" + p
	}
	return "file:" + path + "?" + strings.Join(params, "&")
}

func openAndPing(driver, dsn string) (*sql.DB, error) {
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s database: %w", driver, err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping %s database: %w", driver, err)
	}
	return db, nil
}
