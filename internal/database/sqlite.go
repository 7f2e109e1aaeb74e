package database

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "modernc.org/sqlite"
)

type SQLiteDB struct {
	*queries
	db *sql.DB
}

var sqliteDialect = dialect{
	name:        "sqlite",
	rebind:      func(q string) string { return q },
	isConflict:  isSQLiteConstraintErr,
	isRetryable: isSQLiteBusyErr,
}

func OpenSQLite(dsn string) (*SQLiteDB, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// Enable WAL mode and foreign keys
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("pragma %s: %w", pragma, err)
		}
	}
	// Pragmas are per connection; a single writer connection keeps them applied.
	db.SetMaxOpenConns(1)
	return &SQLiteDB{queries: &queries{ex: db, d: sqliteDialect}, db: db}, nil
}

func (s *SQLiteDB) Close() error { return s.db.Close() }

func (s *SQLiteDB) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *SQLiteDB) DBStats() sql.DBStats { return s.db.Stats() }

func (s *SQLiteDB) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

func (s *SQLiteDB) InTx(ctx context.Context, fn func(Store) error) error {
	return runInTx(ctx, s.db, sqliteDialect, fn)
}

const schema = `
CREATE TABLE IF NOT EXISTS namespaces (
	name TEXT PRIMARY KEY
);

CREATE TABLE IF NOT EXISTS packages (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	namespace TEXT NOT NULL REFERENCES namespaces(name),
	name TEXT NOT NULL,
	summary TEXT NOT NULL DEFAULT '',
	description TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL,
	review_url TEXT NOT NULL DEFAULT '',
	upstream_url TEXT NOT NULL DEFAULT '',
	monitor BOOLEAN NOT NULL DEFAULT FALSE,
	koschei BOOLEAN NOT NULL DEFAULT FALSE,
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	UNIQUE(namespace, name)
);

CREATE TABLE IF NOT EXISTS collections (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	name TEXT NOT NULL,
	version TEXT NOT NULL,
	status TEXT NOT NULL,
	branchname TEXT NOT NULL UNIQUE,
	dist_tag TEXT NOT NULL DEFAULT '',
	koji_name TEXT NOT NULL DEFAULT '',
	allow_retire BOOLEAN NOT NULL DEFAULT FALSE,
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	UNIQUE(name, version)
);

CREATE TABLE IF NOT EXISTS package_listings (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	package_id INTEGER NOT NULL REFERENCES packages(id),
	collection_id INTEGER NOT NULL REFERENCES collections(id),
	point_of_contact TEXT NOT NULL,
	status TEXT NOT NULL,
	critpath BOOLEAN NOT NULL DEFAULT FALSE,
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	UNIQUE(package_id, collection_id)
);

CREATE TABLE IF NOT EXISTS acls (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	listing_id INTEGER NOT NULL REFERENCES package_listings(id) ON DELETE CASCADE,
	fas_name TEXT NOT NULL,
	acl TEXT NOT NULL,
	status TEXT NOT NULL,
	UNIQUE(listing_id, fas_name, acl)
);

CREATE TABLE IF NOT EXISTS admin_actions (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	action TEXT NOT NULL,
	requester TEXT NOT NULL,
	namespace TEXT NOT NULL DEFAULT '',
	package_name TEXT NOT NULL DEFAULT '',
	package_id INTEGER REFERENCES packages(id),
	collection_id INTEGER NOT NULL REFERENCES collections(id),
	status TEXT NOT NULL,
	message TEXT NOT NULL DEFAULT '',
	info TEXT NOT NULL DEFAULT '',
	version INTEGER NOT NULL DEFAULT 1,
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS log_entries (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	user_name TEXT NOT NULL,
	package_id INTEGER REFERENCES packages(id),
	topic TEXT NOT NULL,
	description TEXT NOT NULL,
	payload TEXT NOT NULL DEFAULT '',
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_listings_collection ON package_listings(collection_id, status);
CREATE INDEX IF NOT EXISTS idx_acls_subject ON acls(fas_name, acl, status);
CREATE INDEX IF NOT EXISTS idx_actions_package ON admin_actions(package_name, status);
CREATE INDEX IF NOT EXISTS idx_log_entries_package ON log_entries(package_id, created_at);
CREATE INDEX IF NOT EXISTS idx_log_entries_user ON log_entries(user_name, created_at);
`

func isSQLiteBusyErr(err error) bool {
	if err == nil {
		return false
	}
	s := err.Error()
	return strings.Contains(s, "SQLITE_BUSY") || strings.Contains(s, "database is locked")
}

func isSQLiteConstraintErr(err error) bool {
	if err == nil {
		return false
	}
	s := err.Error()
	return strings.Contains(s, "UNIQUE constraint failed") || strings.Contains(s, "FOREIGN KEY constraint failed")
}
