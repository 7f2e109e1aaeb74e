package models

import (
	"encoding/json"
	"time"
)

// Package listing statuses.
const (
	ListingApproved = "Approved"
	ListingOrphaned = "Orphaned"
	ListingRetired  = "Retired"
	ListingRemoved  = "Removed"
)

// ACL statuses. An empty status clears the entry.
const (
	ACLApproved       = "Approved"
	ACLAwaitingReview = "Awaiting Review"
	ACLDenied         = "Denied"
	ACLObsolete       = "Obsolete"
	ACLRemoved        = "Removed"
)

// ACL kinds.
const (
	ACLCommit        = "commit"
	ACLWatchBugzilla = "watchbugzilla"
	ACLWatchCommits  = "watchcommits"
	ACLApproveACLs   = "approveacls"
)

// ACLKinds is the canonical, ordered set of ACL kinds.
var ACLKinds = []string{ACLCommit, ACLWatchBugzilla, ACLWatchCommits, ACLApproveACLs}

// Collection statuses.
const (
	CollectionActive           = "Active"
	CollectionUnderDevelopment = "Under Development"
	CollectionEOL              = "EOL"
)

// Admin action kinds.
const (
	ActionRequestBranch   = "request.branch"
	ActionRequestPackage  = "request.package"
	ActionRequestUnretire = "request.unretire"
)

// Admin action statuses.
const (
	ActionPending        = "Pending"
	ActionAwaitingReview = "Awaiting Review"
	ActionApproved       = "Approved"
	ActionDenied         = "Denied"
	ActionBlocked        = "Blocked"
	ActionObsolete       = "Obsolete"
)

func IsListingStatus(s string) bool {
	switch s {
	case ListingApproved, ListingOrphaned, ListingRetired, ListingRemoved:
		return true
	}
	return false
}

func IsACLStatus(s string) bool {
	switch s {
	case ACLApproved, ACLAwaitingReview, ACLDenied, ACLObsolete, ACLRemoved:
		return true
	}
	return false
}

func IsACLKind(s string) bool {
	for _, k := range ACLKinds {
		if k == s {
			return true
		}
	}
	return false
}

func IsCollectionStatus(s string) bool {
	switch s {
	case CollectionActive, CollectionUnderDevelopment, CollectionEOL:
		return true
	}
	return false
}

func IsActionStatus(s string) bool {
	switch s {
	case ActionPending, ActionAwaitingReview, ActionApproved, ActionDenied, ActionBlocked, ActionObsolete:
		return true
	}
	return false
}

type Namespace struct {
	Name string `json:"name"`
}

type Package struct {
	ID          int64     `json:"id"`
	Namespace   string    `json:"namespace"`
	Name        string    `json:"name"`
	Summary     string    `json:"summary"`
	Description string    `json:"description"`
	Status      string    `json:"status"`
	ReviewURL   string    `json:"review_url"`
	UpstreamURL string    `json:"upstream_url"`
	Monitor     bool      `json:"monitor"`
	Koschei     bool      `json:"koschei_monitor"`
	CreatedAt   time.Time `json:"created_at"`
}

// FullName is the namespaced package name, e.g. "rpms/guake".
func (p *Package) FullName() string {
	return p.Namespace + "/" + p.Name
}

type Collection struct {
	ID          int64     `json:"id"`
	Name        string    `json:"name"`
	Version     string    `json:"version"`
	Status      string    `json:"status"`
	Branch      string    `json:"branchname"`
	DistTag     string    `json:"dist_tag"`
	KojiName    string    `json:"koji_name"`
	AllowRetire bool      `json:"allow_retire"`
	CreatedAt   time.Time `json:"created_at"`
}

// FullName renders "Fedora 18" style names.
func (c *Collection) FullName() string {
	if c.Version == "" {
		return c.Name
	}
	return c.Name + " " + c.Version
}

// PackageListing is a package's presence on one collection. The name fields
// are populated by the database layer from joins.
type PackageListing struct {
	ID             int64     `json:"id"`
	PackageID      int64     `json:"package_id"`
	CollectionID   int64     `json:"collection_id"`
	PointOfContact Subject   `json:"point_of_contact"`
	Status         string    `json:"status"`
	Critpath       bool      `json:"critpath"`
	CreatedAt      time.Time `json:"created_at"`

	Namespace   string `json:"namespace"`
	PackageName string `json:"package"`
	Branch      string `json:"branchname"`
}

type ACL struct {
	ID        int64   `json:"id"`
	ListingID int64   `json:"packagelisting_id"`
	Subject   Subject `json:"fas_name"`
	Kind      string  `json:"acl"`
	Status    string  `json:"status"`

	Namespace   string `json:"namespace,omitempty"`
	PackageName string `json:"package,omitempty"`
	Branch      string `json:"branchname,omitempty"`
}

type AdminAction struct {
	ID           int64           `json:"id"`
	Kind         string          `json:"action"`
	Requester    string          `json:"user"`
	PackageID    *int64          `json:"package_id,omitempty"`
	CollectionID int64           `json:"collection_id"`
	Status       string          `json:"status"`
	Message      string          `json:"message"`
	Info         json.RawMessage `json:"info,omitempty"`
	Version      int64           `json:"-"`
	CreatedAt    time.Time       `json:"date_created"`
	UpdatedAt    time.Time       `json:"date_updated"`

	// Namespace and PackageName are stored for every kind so request.package
	// actions can be matched before the package exists.
	Namespace   string `json:"namespace"`
	PackageName string `json:"package"`
	Branch      string `json:"branchname"`
}

type LogEntry struct {
	ID          int64           `json:"id"`
	User        string          `json:"user"`
	PackageID   *int64          `json:"package_id,omitempty"`
	Topic       string          `json:"topic"`
	Description string          `json:"description"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	CreatedAt   time.Time       `json:"change_time"`
}

// Actor is the authenticated caller of an engine operation.
type Actor struct {
	Username string   `json:"username"`
	Groups   []string `json:"groups"`
}

// InGroup reports whether the actor belongs to the named group.
func (a Actor) InGroup(name string) bool {
	for _, g := range a.Groups {
		if g == name {
			return true
		}
	}
	return false
}

// NewPackageInfo is the payload stored with request.package actions.
type NewPackageInfo struct {
	Name        string `json:"pkg_name"`
	Summary     string `json:"pkg_summary"`
	Description string `json:"pkg_description"`
	Status      string `json:"pkg_status"`
	Collection  string `json:"pkg_collection"`
	PoC         string `json:"pkg_poc"`
	ReviewURL   string `json:"pkg_review_url"`
	UpstreamURL string `json:"pkg_upstream_url"`
	Critpath    bool   `json:"pkg_critpath"`
	Namespace   string `json:"pkg_namespace"`
}

// UnretireInfo is the payload stored with request.unretire actions.
type UnretireInfo struct {
	ReviewURL string `json:"pkg_review_url"`
}
