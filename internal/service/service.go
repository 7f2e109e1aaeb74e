// Package service implements the package database engine: ACL changes,
// ownership transfer, listing lifecycle, branch propagation and the
// request/approval workflow. Every mutating operation runs in one database
// transaction and appends to the audit log in that same transaction.
package service

import (
	"context"
	"log/slog"
	"slices"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/odvcencio/pkgdb/internal/bugzilla"
	"github.com/odvcencio/pkgdb/internal/config"
	"github.com/odvcencio/pkgdb/internal/database"
	"github.com/odvcencio/pkgdb/internal/identity"
	"github.com/odvcencio/pkgdb/internal/models"
	"github.com/odvcencio/pkgdb/internal/rhel"
)

// Policy is the deployment-specific rule set of the engine.
type Policy struct {
	AutoApproveACLs      []string
	AutoApprovePackagers []string
	AdminGroups          []string
	GroupSuffix          string
	GroupType            string
	PrimaryDistribution  string
	EPELDistribution     string
	NotifyNamespaces     []string
}

func PolicyFromConfig(c config.PolicyConfig) Policy {
	return Policy{
		AutoApproveACLs:      c.AutoApproveACLs,
		AutoApprovePackagers: c.AutoApprovePackagers,
		AdminGroups:          c.AdminGroups,
		GroupSuffix:          c.GroupSuffix,
		GroupType:            c.GroupType,
		PrimaryDistribution:  c.PrimaryDistribution,
		EPELDistribution:     c.EPELDistribution,
		NotifyNamespaces:     c.NotifyNamespaces,
	}
}

func DefaultPolicy() Policy {
	return PolicyFromConfig(config.Default().Policy)
}

type Options struct {
	// Identity is required for every operation that validates a subject.
	// Without it those operations fail with ErrUnavailable.
	Identity identity.Provider
	Notifier bugzilla.Notifier
	RHEL     rhel.Checker
	Policy   *Policy
	Logger   *slog.Logger
	// Registerer receives the engine metrics. Nil uses the default registry.
	Registerer prometheus.Registerer
}

type Service struct {
	db       database.DB
	identity identity.Provider
	notifier bugzilla.Notifier
	rhel     rhel.Checker
	policy   Policy
	logger   *slog.Logger
	metrics  *engineMetrics
	now      func() time.Time
}

func New(db database.DB, opts Options) *Service {
	s := &Service{
		db:       db,
		identity: opts.Identity,
		notifier: opts.Notifier,
		rhel:     opts.RHEL,
		policy:   DefaultPolicy(),
		logger:   opts.Logger,
		now:      time.Now,
	}
	if opts.Policy != nil {
		s.policy = *opts.Policy
	}
	if s.notifier == nil {
		s.notifier = bugzilla.Nop{}
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if opts.Registerer != nil {
		s.metrics = newEngineMetrics(opts.Registerer)
	} else {
		s.metrics = getDefaultEngineMetrics()
	}
	return s
}

// Result reports the outcome of a mutating operation. Changed is false when
// the request matched the current state and nothing was written.
type Result struct {
	Changed bool   `json:"changed"`
	Message string `json:"message"`
}

const nothingToChange = "Nothing to change."

func unchanged() *Result { return &Result{Message: nothingToChange} }

func (s *Service) isAdmin(actor models.Actor) bool {
	for _, g := range s.policy.AdminGroups {
		if actor.InGroup(g) {
			return true
		}
	}
	return false
}

func (s *Service) isAutoApproveACL(kind string) bool {
	return slices.Contains(s.policy.AutoApproveACLs, kind)
}

func (s *Service) isExemptPackager(name string) bool {
	return slices.Contains(s.policy.AutoApprovePackagers, name)
}

// canHoldApproveACLs is false for groups and auto-approve packagers.
func (s *Service) canHoldApproveACLs(subject models.Subject) bool {
	return subject.Kind == models.SubjectIndividual && !s.isExemptPackager(subject.Name)
}

// --- lookups ---

func getPackage(ctx context.Context, st database.Store, namespace, name string) (*models.Package, error) {
	pkg, err := st.GetPackage(ctx, namespace, name)
	if isNoRows(err) {
		return nil, notFoundf("no package %s/%s found", namespace, name)
	}
	if err != nil {
		return nil, err
	}
	return pkg, nil
}

func getCollection(ctx context.Context, st database.Store, branch string) (*models.Collection, error) {
	clt, err := st.GetCollectionByBranch(ctx, branch)
	if isNoRows(err) {
		return nil, notFoundf("no collection %s found", branch)
	}
	if err != nil {
		return nil, err
	}
	return clt, nil
}

func getListing(ctx context.Context, st database.Store, pkg *models.Package, clt *models.Collection) (*models.PackageListing, error) {
	l, err := st.GetListing(ctx, pkg.ID, clt.ID)
	if isNoRows(err) {
		return nil, notFoundf("no package %s found in collection %s", pkg.FullName(), clt.Branch)
	}
	if err != nil {
		return nil, err
	}
	return l, nil
}

// resolve loads a package, a collection and the listing joining them.
func resolve(ctx context.Context, st database.Store, namespace, name, branch string) (*models.Package, *models.Collection, *models.PackageListing, error) {
	pkg, err := getPackage(ctx, st, namespace, name)
	if err != nil {
		return nil, nil, nil, err
	}
	clt, err := getCollection(ctx, st, branch)
	if err != nil {
		return nil, nil, nil, err
	}
	l, err := getListing(ctx, st, pkg, clt)
	if err != nil {
		return nil, nil, nil, err
	}
	return pkg, clt, l, nil
}

// hasApprovedACL reports whether username holds kind, Approved, on the
// package. A zero collectionID matches any branch.
func hasApprovedACL(ctx context.Context, st database.Store, packageID, collectionID int64, username, kind string) (bool, error) {
	acls, err := st.ListACLs(ctx, database.ACLFilter{
		PackageID:    packageID,
		CollectionID: collectionID,
		Subject:      models.Individual(username).String(),
		Kind:         kind,
		Statuses:     []string{models.ACLApproved},
	})
	if err != nil {
		return false, err
	}
	return len(acls) > 0, nil
}

// --- notifications ---

type ownerChange struct {
	pkg      *models.Package
	clt      *models.Collection
	newOwner models.Subject
	oldOwner models.Subject
	actor    string
}

// notify mirrors committed owner changes to the bug tracker. Failures are
// logged and never returned.
func (s *Service) notify(ctx context.Context, changes ...ownerChange) {
	for _, c := range changes {
		if len(s.policy.NotifyNamespaces) > 0 && !slices.Contains(s.policy.NotifyNamespaces, c.pkg.Namespace) {
			continue
		}
		err := s.notifier.NotifyOwnerChange(ctx, bugzilla.OwnerChange{
			Namespace:     c.pkg.Namespace,
			Package:       c.pkg.Name,
			Collection:    c.clt.Name,
			Version:       c.clt.Version,
			NewOwner:      c.newOwner.String(),
			PreviousOwner: c.oldOwner.String(),
			Actor:         c.actor,
		})
		if err != nil {
			s.metrics.notifications.WithLabelValues("failed").Inc()
			s.logger.Warn("notify owner change", "error", err,
				"package", c.pkg.FullName(), "branch", c.clt.Branch, "owner", c.newOwner.String())
			continue
		}
		s.metrics.notifications.WithLabelValues("sent").Inc()
	}
}
