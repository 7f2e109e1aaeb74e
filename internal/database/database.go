package database

import (
	"context"
	"errors"
	"time"

	"github.com/odvcencio/pkgdb/internal/models"
)

// ErrConflict is returned when a write violates a uniqueness or referential
// constraint, or loses an optimistic version check. Missing rows are reported
// as sql.ErrNoRows.
var ErrConflict = errors.New("conflict")

// Store is the data access surface shared by a database handle and an open
// transaction.
type Store interface {
	// Namespaces
	CreateNamespace(ctx context.Context, name string) error
	GetNamespace(ctx context.Context, name string) (*models.Namespace, error)
	ListNamespaces(ctx context.Context) ([]models.Namespace, error)
	DeleteNamespace(ctx context.Context, name string) error

	// Packages
	CreatePackage(ctx context.Context, pkg *models.Package) error
	GetPackage(ctx context.Context, namespace, name string) (*models.Package, error)
	GetPackageByID(ctx context.Context, id int64) (*models.Package, error)
	UpdatePackage(ctx context.Context, pkg *models.Package) error

	// Collections
	CreateCollection(ctx context.Context, c *models.Collection) error
	GetCollectionByBranch(ctx context.Context, branch string) (*models.Collection, error)
	GetCollectionByID(ctx context.Context, id int64) (*models.Collection, error)
	ListCollections(ctx context.Context, statuses ...string) ([]models.Collection, error)
	UpdateCollection(ctx context.Context, c *models.Collection) error

	// Package listings
	CreateListing(ctx context.Context, l *models.PackageListing) error
	GetListing(ctx context.Context, packageID, collectionID int64) (*models.PackageListing, error)
	UpdateListing(ctx context.Context, l *models.PackageListing) error
	ListCollectionListings(ctx context.Context, collectionID int64, statuses ...string) ([]models.PackageListing, error)
	ListPackageListings(ctx context.Context, packageID int64) ([]models.PackageListing, error)

	// ACLs
	CreateACL(ctx context.Context, acl *models.ACL) error
	GetACL(ctx context.Context, listingID int64, subject models.Subject, kind string) (*models.ACL, error)
	UpdateACLStatus(ctx context.Context, id int64, status string) error
	DeleteACL(ctx context.Context, id int64) error
	ListListingACLs(ctx context.Context, listingID int64) ([]models.ACL, error)
	ListACLs(ctx context.Context, filter ACLFilter) ([]models.ACL, error)

	// Admin actions
	CreateAdminAction(ctx context.Context, a *models.AdminAction) error
	GetAdminAction(ctx context.Context, id int64) (*models.AdminAction, error)
	UpdateAdminAction(ctx context.Context, a *models.AdminAction) error
	ListAdminActions(ctx context.Context, filter ActionFilter) ([]models.AdminAction, error)

	// Audit log
	CreateLogEntry(ctx context.Context, e *models.LogEntry) error
	ListLogEntries(ctx context.Context, filter LogFilter) ([]models.LogEntry, error)
}

// DB defines the data access interface. Implemented by SQLite and PostgreSQL backends.
type DB interface {
	Store

	Close() error
	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error

	// InTx runs fn inside one transaction. The transaction commits when fn
	// returns nil and rolls back otherwise.
	InTx(ctx context.Context, fn func(Store) error) error
}

// ACLFilter narrows ListACLs. Zero fields match everything.
type ACLFilter struct {
	PackageID    int64
	CollectionID int64
	Subject      string
	Kind         string
	Statuses     []string
}

// ActionFilter narrows ListAdminActions. Zero fields match everything.
type ActionFilter struct {
	Kinds        []string
	Namespace    string
	PackageName  string
	PackageID    int64
	CollectionID int64
	Requester    string
	Statuses     []string
	Limit        int
}

// LogFilter narrows ListLogEntries. Zero fields match everything.
type LogFilter struct {
	PackageID int64
	User      string
	Topic     string
	Since     time.Time
	Until     time.Time
	Limit     int
}
