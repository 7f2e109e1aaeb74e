package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/odvcencio/pkgdb/internal/models"
)

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type rowScanner interface {
	Scan(dest ...any) error
}

// dialect captures what differs between the SQLite and PostgreSQL backends.
// Queries are written with "?" placeholders and rebound per dialect.
type dialect struct {
	name        string
	rebind      func(string) string
	isConflict  func(error) bool
	isRetryable func(error) bool
}

// queries implements Store over either a *sql.DB or a *sql.Tx.
type queries struct {
	ex execer
	d  dialect
}

func (q *queries) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	res, err := q.ex.ExecContext(ctx, q.d.rebind(query), args...)
	return res, q.classify(err)
}

func (q *queries) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	rows, err := q.ex.QueryContext(ctx, q.d.rebind(query), args...)
	return rows, q.classify(err)
}

func (q *queries) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return q.ex.QueryRowContext(ctx, q.d.rebind(query), args...)
}

// insert runs an INSERT and returns the generated id.
func (q *queries) insert(ctx context.Context, query string, args ...any) (int64, error) {
	var id int64
	err := q.ex.QueryRowContext(ctx, q.d.rebind(query+" RETURNING id"), args...).Scan(&id)
	return id, q.classify(err)
}

func (q *queries) classify(err error) error {
	if err != nil && q.d.isConflict != nil && q.d.isConflict(err) {
		return fmt.Errorf("%w: %v", ErrConflict, err)
	}
	return err
}

func requireAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func placeholders(n int) string {
	return "(" + strings.TrimSuffix(strings.Repeat("?, ", n), ", ") + ")"
}

func stringArgs(values []string) []any {
	out := make([]any, len(values))
	for i, v := range values {
		out[i] = v
	}
	return out
}

func nullableID(id *int64) any {
	if id == nil {
		return nil
	}
	return *id
}

func idPtr(v sql.NullInt64) *int64 {
	if !v.Valid {
		return nil
	}
	id := v.Int64
	return &id
}

func rawJSON(s string) json.RawMessage {
	if s == "" {
		return nil
	}
	return json.RawMessage(s)
}

func now() time.Time { return time.Now().UTC() }

// --- Namespaces ---

func (q *queries) CreateNamespace(ctx context.Context, name string) error {
	_, err := q.exec(ctx, `INSERT INTO namespaces (name) VALUES (?)`, name)
	return err
}

func (q *queries) GetNamespace(ctx context.Context, name string) (*models.Namespace, error) {
	ns := &models.Namespace{}
	if err := q.queryRow(ctx, `SELECT name FROM namespaces WHERE name = ?`, name).Scan(&ns.Name); err != nil {
		return nil, err
	}
	return ns, nil
}

func (q *queries) ListNamespaces(ctx context.Context) ([]models.Namespace, error) {
	rows, err := q.query(ctx, `SELECT name FROM namespaces ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.Namespace
	for rows.Next() {
		var ns models.Namespace
		if err := rows.Scan(&ns.Name); err != nil {
			return nil, err
		}
		out = append(out, ns)
	}
	return out, rows.Err()
}

func (q *queries) DeleteNamespace(ctx context.Context, name string) error {
	res, err := q.exec(ctx, `DELETE FROM namespaces WHERE name = ?`, name)
	if err != nil {
		return err
	}
	return requireAffected(res)
}

// --- Packages ---

const packageColumns = `id, namespace, name, summary, description, status, review_url, upstream_url, monitor, koschei, created_at`

func scanPackage(row rowScanner) (*models.Package, error) {
	p := &models.Package{}
	if err := row.Scan(&p.ID, &p.Namespace, &p.Name, &p.Summary, &p.Description, &p.Status,
		&p.ReviewURL, &p.UpstreamURL, &p.Monitor, &p.Koschei, &p.CreatedAt); err != nil {
		return nil, err
	}
	return p, nil
}

func (q *queries) CreatePackage(ctx context.Context, p *models.Package) error {
	p.CreatedAt = now()
	id, err := q.insert(ctx,
		`INSERT INTO packages (namespace, name, summary, description, status, review_url, upstream_url, monitor, koschei, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.Namespace, p.Name, p.Summary, p.Description, p.Status, p.ReviewURL, p.UpstreamURL, p.Monitor, p.Koschei, p.CreatedAt)
	if err != nil {
		return err
	}
	p.ID = id
	return nil
}

func (q *queries) GetPackage(ctx context.Context, namespace, name string) (*models.Package, error) {
	return scanPackage(q.queryRow(ctx,
		`SELECT `+packageColumns+` FROM packages WHERE namespace = ? AND name = ?`, namespace, name))
}

func (q *queries) GetPackageByID(ctx context.Context, id int64) (*models.Package, error) {
	return scanPackage(q.queryRow(ctx, `SELECT `+packageColumns+` FROM packages WHERE id = ?`, id))
}

func (q *queries) UpdatePackage(ctx context.Context, p *models.Package) error {
	res, err := q.exec(ctx,
		`UPDATE packages SET summary = ?, description = ?, status = ?, review_url = ?, upstream_url = ?, monitor = ?, koschei = ?
		 WHERE id = ?`,
		p.Summary, p.Description, p.Status, p.ReviewURL, p.UpstreamURL, p.Monitor, p.Koschei, p.ID)
	if err != nil {
		return err
	}
	return requireAffected(res)
}

// --- Collections ---

const collectionColumns = `id, name, version, status, branchname, dist_tag, koji_name, allow_retire, created_at`

func scanCollection(row rowScanner) (*models.Collection, error) {
	c := &models.Collection{}
	if err := row.Scan(&c.ID, &c.Name, &c.Version, &c.Status, &c.Branch, &c.DistTag, &c.KojiName,
		&c.AllowRetire, &c.CreatedAt); err != nil {
		return nil, err
	}
	return c, nil
}

func (q *queries) CreateCollection(ctx context.Context, c *models.Collection) error {
	c.CreatedAt = now()
	id, err := q.insert(ctx,
		`INSERT INTO collections (name, version, status, branchname, dist_tag, koji_name, allow_retire, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		c.Name, c.Version, c.Status, c.Branch, c.DistTag, c.KojiName, c.AllowRetire, c.CreatedAt)
	if err != nil {
		return err
	}
	c.ID = id
	return nil
}

func (q *queries) GetCollectionByBranch(ctx context.Context, branch string) (*models.Collection, error) {
	return scanCollection(q.queryRow(ctx, `SELECT `+collectionColumns+` FROM collections WHERE branchname = ?`, branch))
}

func (q *queries) GetCollectionByID(ctx context.Context, id int64) (*models.Collection, error) {
	return scanCollection(q.queryRow(ctx, `SELECT `+collectionColumns+` FROM collections WHERE id = ?`, id))
}

func (q *queries) ListCollections(ctx context.Context, statuses ...string) ([]models.Collection, error) {
	query := `SELECT ` + collectionColumns + ` FROM collections`
	var args []any
	if len(statuses) > 0 {
		query += ` WHERE status IN ` + placeholders(len(statuses))
		args = stringArgs(statuses)
	}
	rows, err := q.query(ctx, query+` ORDER BY name, version`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.Collection
	for rows.Next() {
		c, err := scanCollection(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

func (q *queries) UpdateCollection(ctx context.Context, c *models.Collection) error {
	res, err := q.exec(ctx,
		`UPDATE collections SET name = ?, version = ?, status = ?, branchname = ?, dist_tag = ?, koji_name = ?, allow_retire = ?
		 WHERE id = ?`,
		c.Name, c.Version, c.Status, c.Branch, c.DistTag, c.KojiName, c.AllowRetire, c.ID)
	if err != nil {
		return err
	}
	return requireAffected(res)
}

// --- Package listings ---

const listingSelect = `SELECT l.id, l.package_id, l.collection_id, l.point_of_contact, l.status, l.critpath, l.created_at,
	       p.namespace, p.name, c.branchname
	FROM package_listings l
	JOIN packages p ON p.id = l.package_id
	JOIN collections c ON c.id = l.collection_id`

func scanListing(row rowScanner) (*models.PackageListing, error) {
	l := &models.PackageListing{}
	var poc string
	if err := row.Scan(&l.ID, &l.PackageID, &l.CollectionID, &poc, &l.Status, &l.Critpath, &l.CreatedAt,
		&l.Namespace, &l.PackageName, &l.Branch); err != nil {
		return nil, err
	}
	l.PointOfContact = models.ParseSubject(poc)
	return l, nil
}

func (q *queries) listListings(ctx context.Context, query string, args ...any) ([]models.PackageListing, error) {
	rows, err := q.query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.PackageListing
	for rows.Next() {
		l, err := scanListing(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *l)
	}
	return out, rows.Err()
}

func (q *queries) CreateListing(ctx context.Context, l *models.PackageListing) error {
	l.CreatedAt = now()
	id, err := q.insert(ctx,
		`INSERT INTO package_listings (package_id, collection_id, point_of_contact, status, critpath, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		l.PackageID, l.CollectionID, l.PointOfContact.String(), l.Status, l.Critpath, l.CreatedAt)
	if err != nil {
		return err
	}
	l.ID = id
	return nil
}

func (q *queries) GetListing(ctx context.Context, packageID, collectionID int64) (*models.PackageListing, error) {
	return scanListing(q.queryRow(ctx,
		listingSelect+` WHERE l.package_id = ? AND l.collection_id = ?`, packageID, collectionID))
}

func (q *queries) UpdateListing(ctx context.Context, l *models.PackageListing) error {
	res, err := q.exec(ctx,
		`UPDATE package_listings SET point_of_contact = ?, status = ?, critpath = ? WHERE id = ?`,
		l.PointOfContact.String(), l.Status, l.Critpath, l.ID)
	if err != nil {
		return err
	}
	return requireAffected(res)
}

func (q *queries) ListCollectionListings(ctx context.Context, collectionID int64, statuses ...string) ([]models.PackageListing, error) {
	query := listingSelect + ` WHERE l.collection_id = ?`
	args := []any{collectionID}
	if len(statuses) > 0 {
		query += ` AND l.status IN ` + placeholders(len(statuses))
		args = append(args, stringArgs(statuses)...)
	}
	return q.listListings(ctx, query+` ORDER BY p.namespace, p.name`, args...)
}

func (q *queries) ListPackageListings(ctx context.Context, packageID int64) ([]models.PackageListing, error) {
	return q.listListings(ctx, listingSelect+` WHERE l.package_id = ? ORDER BY c.id`, packageID)
}

// --- ACLs ---

const aclSelect = `SELECT a.id, a.listing_id, a.fas_name, a.acl, a.status, p.namespace, p.name, c.branchname
	FROM acls a
	JOIN package_listings l ON l.id = a.listing_id
	JOIN packages p ON p.id = l.package_id
	JOIN collections c ON c.id = l.collection_id`

func scanACL(row rowScanner) (*models.ACL, error) {
	a := &models.ACL{}
	var subject string
	if err := row.Scan(&a.ID, &a.ListingID, &subject, &a.Kind, &a.Status, &a.Namespace, &a.PackageName, &a.Branch); err != nil {
		return nil, err
	}
	a.Subject = models.ParseSubject(subject)
	return a, nil
}

func (q *queries) listACLs(ctx context.Context, query string, args ...any) ([]models.ACL, error) {
	rows, err := q.query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.ACL
	for rows.Next() {
		a, err := scanACL(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

func (q *queries) CreateACL(ctx context.Context, a *models.ACL) error {
	id, err := q.insert(ctx,
		`INSERT INTO acls (listing_id, fas_name, acl, status) VALUES (?, ?, ?, ?)`,
		a.ListingID, a.Subject.String(), a.Kind, a.Status)
	if err != nil {
		return err
	}
	a.ID = id
	return nil
}

func (q *queries) GetACL(ctx context.Context, listingID int64, subject models.Subject, kind string) (*models.ACL, error) {
	return scanACL(q.queryRow(ctx,
		aclSelect+` WHERE a.listing_id = ? AND a.fas_name = ? AND a.acl = ?`, listingID, subject.String(), kind))
}

func (q *queries) UpdateACLStatus(ctx context.Context, id int64, status string) error {
	res, err := q.exec(ctx, `UPDATE acls SET status = ? WHERE id = ?`, status, id)
	if err != nil {
		return err
	}
	return requireAffected(res)
}

func (q *queries) DeleteACL(ctx context.Context, id int64) error {
	res, err := q.exec(ctx, `DELETE FROM acls WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return requireAffected(res)
}

func (q *queries) ListListingACLs(ctx context.Context, listingID int64) ([]models.ACL, error) {
	return q.listACLs(ctx, aclSelect+` WHERE a.listing_id = ? ORDER BY a.id`, listingID)
}

func (q *queries) ListACLs(ctx context.Context, f ACLFilter) ([]models.ACL, error) {
	var where []string
	var args []any
	if f.PackageID != 0 {
		where = append(where, `l.package_id = ?`)
		args = append(args, f.PackageID)
	}
	if f.CollectionID != 0 {
		where = append(where, `l.collection_id = ?`)
		args = append(args, f.CollectionID)
	}
	if f.Subject != "" {
		where = append(where, `a.fas_name = ?`)
		args = append(args, f.Subject)
	}
	if f.Kind != "" {
		where = append(where, `a.acl = ?`)
		args = append(args, f.Kind)
	}
	if len(f.Statuses) > 0 {
		where = append(where, `a.status IN `+placeholders(len(f.Statuses)))
		args = append(args, stringArgs(f.Statuses)...)
	}
	query := aclSelect
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, ` AND `)
	}
	return q.listACLs(ctx, query+` ORDER BY p.namespace, p.name, c.branchname, a.id`, args...)
}

// --- Admin actions ---

const actionSelect = `SELECT a.id, a.action, a.requester, a.namespace, a.package_name, a.package_id, a.collection_id,
	       a.status, a.message, a.info, a.version, a.created_at, a.updated_at, c.branchname
	FROM admin_actions a
	JOIN collections c ON c.id = a.collection_id`

func scanAction(row rowScanner) (*models.AdminAction, error) {
	a := &models.AdminAction{}
	var pkgID sql.NullInt64
	var info string
	if err := row.Scan(&a.ID, &a.Kind, &a.Requester, &a.Namespace, &a.PackageName, &pkgID, &a.CollectionID,
		&a.Status, &a.Message, &info, &a.Version, &a.CreatedAt, &a.UpdatedAt, &a.Branch); err != nil {
		return nil, err
	}
	a.PackageID = idPtr(pkgID)
	a.Info = rawJSON(info)
	return a, nil
}

func (q *queries) CreateAdminAction(ctx context.Context, a *models.AdminAction) error {
	a.CreatedAt = now()
	a.UpdatedAt = a.CreatedAt
	a.Version = 1
	id, err := q.insert(ctx,
		`INSERT INTO admin_actions (action, requester, namespace, package_name, package_id, collection_id, status, message, info, version, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.Kind, a.Requester, a.Namespace, a.PackageName, nullableID(a.PackageID), a.CollectionID,
		a.Status, a.Message, string(a.Info), a.Version, a.CreatedAt, a.UpdatedAt)
	if err != nil {
		return err
	}
	a.ID = id
	return nil
}

func (q *queries) GetAdminAction(ctx context.Context, id int64) (*models.AdminAction, error) {
	return scanAction(q.queryRow(ctx, actionSelect+` WHERE a.id = ?`, id))
}

// UpdateAdminAction writes status, message, info and package id, guarded by
// the version the caller read. A stale version yields ErrConflict.
func (q *queries) UpdateAdminAction(ctx context.Context, a *models.AdminAction) error {
	updated := now()
	res, err := q.exec(ctx,
		`UPDATE admin_actions SET status = ?, message = ?, info = ?, package_id = ?, version = version + 1, updated_at = ?
		 WHERE id = ? AND version = ?`,
		a.Status, a.Message, string(a.Info), nullableID(a.PackageID), updated, a.ID, a.Version)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: admin action %d changed since version %d", ErrConflict, a.ID, a.Version)
	}
	a.Version++
	a.UpdatedAt = updated
	return nil
}

func (q *queries) ListAdminActions(ctx context.Context, f ActionFilter) ([]models.AdminAction, error) {
	var where []string
	var args []any
	if len(f.Kinds) > 0 {
		where = append(where, `a.action IN `+placeholders(len(f.Kinds)))
		args = append(args, stringArgs(f.Kinds)...)
	}
	if f.Namespace != "" {
		where = append(where, `a.namespace = ?`)
		args = append(args, f.Namespace)
	}
	if f.PackageName != "" {
		where = append(where, `a.package_name = ?`)
		args = append(args, f.PackageName)
	}
	if f.PackageID != 0 {
		where = append(where, `a.package_id = ?`)
		args = append(args, f.PackageID)
	}
	if f.CollectionID != 0 {
		where = append(where, `a.collection_id = ?`)
		args = append(args, f.CollectionID)
	}
	if f.Requester != "" {
		where = append(where, `a.requester = ?`)
		args = append(args, f.Requester)
	}
	if len(f.Statuses) > 0 {
		where = append(where, `a.status IN `+placeholders(len(f.Statuses)))
		args = append(args, stringArgs(f.Statuses)...)
	}
	query := actionSelect
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, ` AND `)
	}
	query += ` ORDER BY a.id`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}
	rows, err := q.query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.AdminAction
	for rows.Next() {
		a, err := scanAction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

// --- Audit log ---

func (q *queries) CreateLogEntry(ctx context.Context, e *models.LogEntry) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now()
	}
	id, err := q.insert(ctx,
		`INSERT INTO log_entries (user_name, package_id, topic, description, payload, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		e.User, nullableID(e.PackageID), e.Topic, e.Description, string(e.Payload), e.CreatedAt)
	if err != nil {
		return err
	}
	e.ID = id
	return nil
}

func (q *queries) ListLogEntries(ctx context.Context, f LogFilter) ([]models.LogEntry, error) {
	var where []string
	var args []any
	if f.PackageID != 0 {
		where = append(where, `package_id = ?`)
		args = append(args, f.PackageID)
	}
	if f.User != "" {
		where = append(where, `user_name = ?`)
		args = append(args, f.User)
	}
	if f.Topic != "" {
		where = append(where, `topic = ?`)
		args = append(args, f.Topic)
	}
	if !f.Since.IsZero() {
		where = append(where, `created_at >= ?`)
		args = append(args, f.Since.UTC())
	}
	if !f.Until.IsZero() {
		where = append(where, `created_at <= ?`)
		args = append(args, f.Until.UTC())
	}
	query := `SELECT id, user_name, package_id, topic, description, payload, created_at FROM log_entries`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, ` AND `)
	}
	query += ` ORDER BY id`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}
	rows, err := q.query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.LogEntry
	for rows.Next() {
		var e models.LogEntry
		var pkgID sql.NullInt64
		var payload string
		if err := rows.Scan(&e.ID, &e.User, &pkgID, &e.Topic, &e.Description, &payload, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.PackageID = idPtr(pkgID)
		e.Payload = rawJSON(payload)
		out = append(out, e)
	}
	return out, rows.Err()
}
