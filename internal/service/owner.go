package service

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"

	"github.com/odvcencio/pkgdb/internal/database"
	"github.com/odvcencio/pkgdb/internal/models"
)

type SetPOCRequest struct {
	Namespace      string
	Package        string
	Branch         string
	PointOfContact models.Subject
	// FormerPointOfContact, when set, limits the change to listings whose
	// current point of contact matches it.
	FormerPointOfContact models.Subject
}

// SetPointOfContact transfers ownership of one listing. Giving a listing to
// orphan orphans it; giving an orphaned or retired listing to someone
// reclaims it.
func (s *Service) SetPointOfContact(ctx context.Context, actor models.Actor, req SetPOCRequest) (res *Result, err error) {
	ctx, done := s.begin(ctx, "SetPointOfContact",
		attribute.String("pkgdb.package", req.Namespace+"/"+req.Package),
		attribute.String("pkgdb.branch", req.Branch),
	)
	defer func() { done(err) }()

	if req.PointOfContact.IsZero() {
		return nil, invalidf("a point of contact is required")
	}
	if err := s.validateSubject(ctx, req.PointOfContact, true); err != nil {
		return nil, err
	}

	var change *ownerChange
	err = s.db.InTx(ctx, func(st database.Store) error {
		change = nil
		pkg, clt, listing, err := resolve(ctx, st, req.Namespace, req.Package, req.Branch)
		if err != nil {
			return err
		}
		prev := listing.PointOfContact
		if !s.canManageListing(actor, prev) {
			return forbiddenf("you are not allowed to change the point of contact of %s on %s", pkg.FullName(), clt.Branch)
		}
		if !req.FormerPointOfContact.IsZero() && prev != req.FormerPointOfContact {
			return invalidf("the point of contact of %s on %s is %s, not %s",
				pkg.FullName(), clt.Branch, prev.String(), req.FormerPointOfContact.String())
		}
		if prev == req.PointOfContact {
			res = unchanged()
			return nil
		}

		reclaimed := listing.Status == models.ListingOrphaned || listing.Status == models.ListingRetired
		listing.PointOfContact = req.PointOfContact
		switch {
		case req.PointOfContact.IsOrphan():
			listing.Status = models.ListingOrphaned
		case reclaimed:
			listing.Status = models.ListingApproved
		}
		if err := st.UpdateListing(ctx, listing); err != nil {
			return fmt.Errorf("update listing: %w", err)
		}

		if req.PointOfContact.IsOrphan() {
			if err := s.obsoleteOwnerACLs(ctx, st, actor, pkg, clt, listing, prev); err != nil {
				return err
			}
		} else if reclaimed {
			if err := s.grantAll(ctx, st, actor, pkg, clt, req.PointOfContact); err != nil {
				return err
			}
		}

		msg := fmt.Sprintf("user: %s changed point of contact of package: %s from: %s to: %s on branch: %s",
			actor.Username, pkg.FullName(), prev.String(), req.PointOfContact.String(), clt.Branch)
		if err := s.record(ctx, st, actor.Username, pkg, TopicOwnerUpdate, msg, map[string]any{
			"package":      pkg.FullName(),
			"branch":       clt.Branch,
			"username":     req.PointOfContact.String(),
			"previous_poc": prev.String(),
		}); err != nil {
			return err
		}
		res = &Result{Changed: true, Message: msg}
		change = &ownerChange{pkg: pkg, clt: clt, newOwner: req.PointOfContact, oldOwner: prev, actor: actor.Username}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if change != nil {
		s.notify(ctx, *change)
	}
	return res, nil
}

// canManageListing is the ownership authorization rule: the current point of
// contact, an administrator, a member of the owning group, or anyone when the
// listing is orphaned.
func (s *Service) canManageListing(actor models.Actor, poc models.Subject) bool {
	switch {
	case poc.Is(actor.Username), poc.IsOrphan(), s.isAdmin(actor):
		return true
	case poc.IsGroup() && actor.InGroup(poc.Name):
		return true
	}
	return false
}

// obsoleteOwnerACLs marks the previous owner's Approved commit and
// approveacls entries Obsolete.
func (s *Service) obsoleteOwnerACLs(ctx context.Context, st database.Store, actor models.Actor, pkg *models.Package, clt *models.Collection, listing *models.PackageListing, owner models.Subject) error {
	if owner.IsOrphan() {
		return nil
	}
	for _, kind := range []string{models.ACLCommit, models.ACLApproveACLs} {
		acl, err := st.GetACL(ctx, listing.ID, owner, kind)
		if isNoRows(err) {
			continue
		}
		if err != nil {
			return err
		}
		if acl.Status != models.ACLApproved {
			continue
		}
		if _, err := s.setACL(ctx, st, actor, SetACLRequest{
			Namespace: pkg.Namespace,
			Package:   pkg.Name,
			Branch:    clt.Branch,
			Subject:   owner,
			Kind:      kind,
			Status:    models.ACLObsolete,
			Force:     true,
		}); err != nil {
			return fmt.Errorf("obsolete %s of %s: %w", kind, owner.String(), err)
		}
	}
	return nil
}

// UnorphanPackage gives an orphaned or retired listing to poc with the full
// ACL set. Non-administrators may only claim a listing for themselves or for
// a group they belong to.
func (s *Service) UnorphanPackage(ctx context.Context, actor models.Actor, namespace, name, branch string, poc models.Subject) (res *Result, err error) {
	ctx, done := s.begin(ctx, "UnorphanPackage",
		attribute.String("pkgdb.package", namespace+"/"+name),
		attribute.String("pkgdb.branch", branch),
	)
	defer func() { done(err) }()

	if poc.IsZero() || poc.IsOrphan() {
		return nil, invalidf("a point of contact is required")
	}
	if !s.isAdmin(actor) && !poc.Is(actor.Username) && !(poc.IsGroup() && actor.InGroup(poc.Name)) {
		return nil, forbiddenf("you are not allowed to update ACLs of someone else")
	}
	if err := s.validateSubject(ctx, poc, false); err != nil {
		return nil, err
	}

	var change *ownerChange
	err = s.db.InTx(ctx, func(st database.Store) error {
		pkg, clt, listing, err := resolve(ctx, st, namespace, name, branch)
		if err != nil {
			return err
		}
		if listing.Status != models.ListingOrphaned && listing.Status != models.ListingRetired {
			return invalidf("package %s is not orphaned on %s", pkg.FullName(), clt.Branch)
		}
		prev := listing.PointOfContact
		listing.PointOfContact = poc
		listing.Status = models.ListingApproved
		if err := st.UpdateListing(ctx, listing); err != nil {
			return fmt.Errorf("update listing: %w", err)
		}
		if err := s.grantAll(ctx, st, actor, pkg, clt, poc); err != nil {
			return err
		}
		msg := fmt.Sprintf("user: %s unorphaned package: %s on branch: %s to: %s",
			actor.Username, pkg.FullName(), clt.Branch, poc.String())
		if err := s.record(ctx, st, actor.Username, pkg, TopicOwnerUpdate, msg, map[string]any{
			"package":         pkg.FullName(),
			"branch":          clt.Branch,
			"username":        poc.String(),
			"previous_poc":    prev.String(),
			"previous_status": models.ListingOrphaned,
		}); err != nil {
			return err
		}
		res = &Result{Changed: true, Message: msg}
		change = &ownerChange{pkg: pkg, clt: clt, newOwner: poc, oldOwner: prev, actor: actor.Username}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.notify(ctx, *change)
	return res, nil
}
