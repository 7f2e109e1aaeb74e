package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
)

type PostgresDB struct {
	*queries
	db *sql.DB
}

var postgresDialect = dialect{
	name:        "postgres",
	rebind:      rebindDollar,
	isConflict:  isPostgresConstraintErr,
	isRetryable: isPostgresSerializationErr,
}

func OpenPostgres(dsn string) (*PostgresDB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	return &PostgresDB{queries: &queries{ex: db, d: postgresDialect}, db: db}, nil
}

func (p *PostgresDB) Close() error { return p.db.Close() }

func (p *PostgresDB) Ping(ctx context.Context) error { return p.db.PingContext(ctx) }

func (p *PostgresDB) DBStats() sql.DBStats { return p.db.Stats() }

func (p *PostgresDB) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, pgSchema)
	return err
}

func (p *PostgresDB) InTx(ctx context.Context, fn func(Store) error) error {
	return runInTx(ctx, p.db, postgresDialect, fn)
}

const pgSchema = `
CREATE TABLE IF NOT EXISTS namespaces (
	name TEXT PRIMARY KEY
);

CREATE TABLE IF NOT EXISTS packages (
	id BIGSERIAL PRIMARY KEY,
	namespace TEXT NOT NULL REFERENCES namespaces(name),
	name TEXT NOT NULL,
	summary TEXT NOT NULL DEFAULT '',
	description TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL,
	review_url TEXT NOT NULL DEFAULT '',
	upstream_url TEXT NOT NULL DEFAULT '',
	monitor BOOLEAN NOT NULL DEFAULT FALSE,
	koschei BOOLEAN NOT NULL DEFAULT FALSE,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	UNIQUE(namespace, name)
);

CREATE TABLE IF NOT EXISTS collections (
	id BIGSERIAL PRIMARY KEY,
	name TEXT NOT NULL,
	version TEXT NOT NULL,
	status TEXT NOT NULL,
	branchname TEXT NOT NULL UNIQUE,
	dist_tag TEXT NOT NULL DEFAULT '',
	koji_name TEXT NOT NULL DEFAULT '',
	allow_retire BOOLEAN NOT NULL DEFAULT FALSE,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	UNIQUE(name, version)
);

CREATE TABLE IF NOT EXISTS package_listings (
	id BIGSERIAL PRIMARY KEY,
	package_id BIGINT NOT NULL REFERENCES packages(id),
	collection_id BIGINT NOT NULL REFERENCES collections(id),
	point_of_contact TEXT NOT NULL,
	status TEXT NOT NULL,
	critpath BOOLEAN NOT NULL DEFAULT FALSE,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	UNIQUE(package_id, collection_id)
);

CREATE TABLE IF NOT EXISTS acls (
	id BIGSERIAL PRIMARY KEY,
	listing_id BIGINT NOT NULL REFERENCES package_listings(id) ON DELETE CASCADE,
	fas_name TEXT NOT NULL,
	acl TEXT NOT NULL,
	status TEXT NOT NULL,
	UNIQUE(listing_id, fas_name, acl)
);

CREATE TABLE IF NOT EXISTS admin_actions (
	id BIGSERIAL PRIMARY KEY,
	action TEXT NOT NULL,
	requester TEXT NOT NULL,
	namespace TEXT NOT NULL DEFAULT '',
	package_name TEXT NOT NULL DEFAULT '',
	package_id BIGINT REFERENCES packages(id),
	collection_id BIGINT NOT NULL REFERENCES collections(id),
	status TEXT NOT NULL,
	message TEXT NOT NULL DEFAULT '',
	info TEXT NOT NULL DEFAULT '',
	version BIGINT NOT NULL DEFAULT 1,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS log_entries (
	id BIGSERIAL PRIMARY KEY,
	user_name TEXT NOT NULL,
	package_id BIGINT REFERENCES packages(id),
	topic TEXT NOT NULL,
	description TEXT NOT NULL,
	payload TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_listings_collection ON package_listings(collection_id, status);
CREATE INDEX IF NOT EXISTS idx_acls_subject ON acls(fas_name, acl, status);
CREATE INDEX IF NOT EXISTS idx_actions_package ON admin_actions(package_name, status);
CREATE INDEX IF NOT EXISTS idx_log_entries_package ON log_entries(package_id, created_at);
CREATE INDEX IF NOT EXISTS idx_log_entries_user ON log_entries(user_name, created_at);
`

// rebindDollar rewrites "?" placeholders to PostgreSQL's positional "$n".
func rebindDollar(query string) string {
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

func isPostgresConstraintErr(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	switch pgErr.Code {
	case "23505", "23503": // unique_violation, foreign_key_violation
		return true
	}
	return false
}

func isPostgresSerializationErr(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return pgErr.Code == "40001" || pgErr.Code == "40P01"
}
