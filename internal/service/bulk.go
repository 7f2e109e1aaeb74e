package service

import (
	"context"
	"strings"

	"go.opentelemetry.io/otel/attribute"

	"github.com/odvcencio/pkgdb/internal/database"
	"github.com/odvcencio/pkgdb/internal/models"
)

// aclChange is one entry of a bulk ACL update.
type aclChange struct {
	kind   string
	status string
}

// activeListings returns the Approved listings of a package on collections
// that are not EOL.
func activeListings(ctx context.Context, st database.Store, pkg *models.Package) ([]models.PackageListing, error) {
	clts, err := st.ListCollections(ctx, models.CollectionActive, models.CollectionUnderDevelopment)
	if err != nil {
		return nil, err
	}
	active := make(map[int64]bool, len(clts))
	for _, c := range clts {
		active[c.ID] = true
	}
	listings, err := st.ListPackageListings(ctx, pkg.ID)
	if err != nil {
		return nil, err
	}
	out := listings[:0]
	for _, l := range listings {
		if active[l.CollectionID] && l.Status == models.ListingApproved {
			out = append(out, l)
		}
	}
	return out, nil
}

// bulkSetACLs applies changes for subject on every active listing of a
// package in one transaction. skip, when set, excludes listings.
func (s *Service) bulkSetACLs(ctx context.Context, actor models.Actor, op, namespace, name string, subject models.Subject, changes []aclChange, skip func(database.Store, models.PackageListing) (bool, error)) (res *Result, err error) {
	ctx, done := s.begin(ctx, op, attribute.String("pkgdb.package", namespace+"/"+name))
	defer func() { done(err) }()

	err = s.db.InTx(ctx, func(st database.Store) error {
		pkg, err := getPackage(ctx, st, namespace, name)
		if err != nil {
			return err
		}
		listings, err := activeListings(ctx, st, pkg)
		if err != nil {
			return err
		}
		var msgs []string
		for _, l := range listings {
			if skip != nil {
				skipped, err := skip(st, l)
				if err != nil {
					return err
				}
				if skipped {
					continue
				}
			}
			for _, c := range changes {
				r, err := s.setACL(ctx, st, actor, SetACLRequest{
					Namespace: pkg.Namespace,
					Package:   pkg.Name,
					Branch:    l.Branch,
					Subject:   subject,
					Kind:      c.kind,
					Status:    c.status,
				})
				if err != nil {
					return err
				}
				if r.Changed {
					msgs = append(msgs, r.Message)
				}
			}
		}
		if len(msgs) == 0 {
			res = unchanged()
			return nil
		}
		res = &Result{Changed: true, Message: strings.Join(msgs, "\n")}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

func isPoC(actor models.Actor) func(database.Store, models.PackageListing) (bool, error) {
	return func(_ database.Store, l models.PackageListing) (bool, error) {
		return l.PointOfContact.Is(actor.Username), nil
	}
}

// WatchPackage gives the actor both watch ACLs on every active branch.
func (s *Service) WatchPackage(ctx context.Context, actor models.Actor, namespace, name string) (*Result, error) {
	return s.bulkSetACLs(ctx, actor, "WatchPackage", namespace, name, models.Individual(actor.Username), []aclChange{
		{models.ACLWatchBugzilla, models.ACLApproved},
		{models.ACLWatchCommits, models.ACLApproved},
	}, isPoC(actor))
}

// UnwatchPackage drops the actor's watch ACLs on every active branch where
// they are not the point of contact.
func (s *Service) UnwatchPackage(ctx context.Context, actor models.Actor, namespace, name string) (*Result, error) {
	return s.bulkSetACLs(ctx, actor, "UnwatchPackage", namespace, name, models.Individual(actor.Username), []aclChange{
		{models.ACLWatchBugzilla, models.ACLObsolete},
		{models.ACLWatchCommits, models.ACLObsolete},
	}, isPoC(actor))
}

// ComaintainPackage requests commit and grants both watch ACLs to the actor
// on every active branch where they do not already have commit.
func (s *Service) ComaintainPackage(ctx context.Context, actor models.Actor, namespace, name string) (*Result, error) {
	subject := models.Individual(actor.Username)
	if err := s.validateSubject(ctx, subject, false); err != nil {
		return nil, err
	}
	return s.bulkSetACLs(ctx, actor, "ComaintainPackage", namespace, name, subject, []aclChange{
		{models.ACLCommit, models.ACLAwaitingReview},
		{models.ACLWatchBugzilla, models.ACLApproved},
		{models.ACLWatchCommits, models.ACLApproved},
	}, func(st database.Store, l models.PackageListing) (bool, error) {
		return hasApprovedACL(ctx, st, l.PackageID, l.CollectionID, actor.Username, models.ACLCommit)
	})
}

// DropCommit gives up the actor's commit ACL on every active branch they do
// not own.
func (s *Service) DropCommit(ctx context.Context, actor models.Actor, namespace, name string) (*Result, error) {
	return s.bulkSetACLs(ctx, actor, "DropCommit", namespace, name, models.Individual(actor.Username), []aclChange{
		{models.ACLCommit, models.ACLObsolete},
	}, func(st database.Store, l models.PackageListing) (bool, error) {
		if l.PointOfContact.Is(actor.Username) {
			return true, nil
		}
		_, err := st.GetACL(ctx, l.ID, models.Individual(actor.Username), models.ACLCommit)
		if isNoRows(err) {
			return true, nil
		}
		return false, err
	})
}

// ApprovePendingACLs approves every ACL awaiting review on the active
// branches of a package.
func (s *Service) ApprovePendingACLs(ctx context.Context, actor models.Actor, namespace, name string) (*Result, error) {
	return s.reviewPendingACLs(ctx, actor, "ApprovePendingACLs", namespace, name, models.ACLApproved)
}

// DenyPendingACLs denies every ACL awaiting review on the active branches of
// a package.
func (s *Service) DenyPendingACLs(ctx context.Context, actor models.Actor, namespace, name string) (*Result, error) {
	return s.reviewPendingACLs(ctx, actor, "DenyPendingACLs", namespace, name, models.ACLDenied)
}

func (s *Service) reviewPendingACLs(ctx context.Context, actor models.Actor, op, namespace, name, status string) (res *Result, err error) {
	ctx, done := s.begin(ctx, op, attribute.String("pkgdb.package", namespace+"/"+name))
	defer func() { done(err) }()

	err = s.db.InTx(ctx, func(st database.Store) error {
		pkg, err := getPackage(ctx, st, namespace, name)
		if err != nil {
			return err
		}
		listings, err := activeListings(ctx, st, pkg)
		if err != nil {
			return err
		}
		var msgs []string
		for _, l := range listings {
			acls, err := st.ListListingACLs(ctx, l.ID)
			if err != nil {
				return err
			}
			for _, acl := range acls {
				if acl.Status != models.ACLAwaitingReview {
					continue
				}
				r, err := s.setACL(ctx, st, actor, SetACLRequest{
					Namespace: pkg.Namespace,
					Package:   pkg.Name,
					Branch:    l.Branch,
					Subject:   acl.Subject,
					Kind:      acl.Kind,
					Status:    status,
				})
				if err != nil {
					return err
				}
				if r.Changed {
					msgs = append(msgs, r.Message)
				}
			}
		}
		if len(msgs) == 0 {
			res = unchanged()
			return nil
		}
		res = &Result{Changed: true, Message: strings.Join(msgs, "\n")}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}
