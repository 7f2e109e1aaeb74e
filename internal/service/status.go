package service

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"

	"github.com/odvcencio/pkgdb/internal/database"
	"github.com/odvcencio/pkgdb/internal/models"
)

type SetStatusRequest struct {
	Namespace string
	Package   string
	Branch    string
	Status    string
	// PointOfContact is the new owner when an administrator approves a
	// listing. It is required when the listing is Orphaned or Retired.
	PointOfContact models.Subject
}

// SetListingStatus moves a listing through its lifecycle. Transitions are not
// guarded against repetition: retiring a retired listing runs the retirement
// side effects again.
func (s *Service) SetListingStatus(ctx context.Context, actor models.Actor, req SetStatusRequest) (res *Result, err error) {
	ctx, done := s.begin(ctx, "SetListingStatus",
		attribute.String("pkgdb.package", req.Namespace+"/"+req.Package),
		attribute.String("pkgdb.branch", req.Branch),
		attribute.String("pkgdb.status", req.Status),
	)
	defer func() { done(err) }()

	if !models.IsListingStatus(req.Status) {
		return nil, invalidf("status not allowed for a package: %q", req.Status)
	}
	if req.Status == models.ListingApproved && !req.PointOfContact.IsZero() {
		if req.PointOfContact.IsOrphan() {
			return nil, invalidf("an approved package cannot be owned by orphan")
		}
		if err := s.validateSubject(ctx, req.PointOfContact, false); err != nil {
			return nil, err
		}
	}

	var change *ownerChange
	err = s.db.InTx(ctx, func(st database.Store) error {
		change = nil
		pkg, clt, listing, err := resolve(ctx, st, req.Namespace, req.Package, req.Branch)
		if err != nil {
			return err
		}
		prevStatus := listing.Status
		prevPoC := listing.PointOfContact

		switch req.Status {
		case models.ListingRetired:
			change, err = s.retire(ctx, st, actor, pkg, clt, listing)
		case models.ListingOrphaned:
			listing.Status = models.ListingOrphaned
			listing.PointOfContact = models.Orphan
			err = st.UpdateListing(ctx, listing)
		default:
			change, err = s.adminSetStatus(ctx, st, actor, pkg, clt, listing, req)
		}
		if err != nil {
			return err
		}

		msg := fmt.Sprintf("user: %s updated status of package: %s from: %s to: %s on branch: %s",
			actor.Username, pkg.FullName(), prevStatus, req.Status, clt.Branch)
		if err := s.record(ctx, st, actor.Username, pkg, TopicStatusUpdate, msg, map[string]any{
			"package":      pkg.FullName(),
			"branch":       clt.Branch,
			"status":       req.Status,
			"prev_status":  prevStatus,
			"poc":          listing.PointOfContact.String(),
			"previous_poc": prevPoC.String(),
		}); err != nil {
			return err
		}
		res = &Result{Changed: true, Message: msg}
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

func (s *Service) retire(ctx context.Context, st database.Store, actor models.Actor, pkg *models.Package, clt *models.Collection, listing *models.PackageListing) (*ownerChange, error) {
	admin := s.isAdmin(actor)
	if !s.canManageListing(actor, listing.PointOfContact) {
		pkgAdmin, err := hasApprovedACL(ctx, st, pkg.ID, clt.ID, actor.Username, models.ACLApproveACLs)
		if err != nil {
			return nil, err
		}
		if !pkgAdmin {
			return nil, forbiddenf("you are not allowed to retire this package")
		}
	}
	if !admin && !clt.AllowRetire {
		return nil, forbiddenf("you are not allowed to retire the package: %s on branch %s", pkg.FullName(), clt.Branch)
	}

	prevStatus := listing.Status
	prevPoC := listing.PointOfContact
	listing.Status = models.ListingRetired
	listing.PointOfContact = models.Orphan
	if err := st.UpdateListing(ctx, listing); err != nil {
		return nil, fmt.Errorf("update listing: %w", err)
	}

	acls, err := st.ListListingACLs(ctx, listing.ID)
	if err != nil {
		return nil, err
	}
	for _, acl := range acls {
		if acl.Status == models.ACLObsolete {
			continue
		}
		if err := st.UpdateACLStatus(ctx, acl.ID, models.ACLObsolete); err != nil {
			return nil, fmt.Errorf("obsolete acl %d: %w", acl.ID, err)
		}
	}

	retiredEverywhere, err := isRetiredEverywhere(ctx, st, pkg.ID)
	if err != nil {
		return nil, err
	}
	if retiredEverywhere && (pkg.Monitor || pkg.Koschei) {
		pkg.Monitor = false
		pkg.Koschei = false
		if err := st.UpdatePackage(ctx, pkg); err != nil {
			return nil, fmt.Errorf("update package: %w", err)
		}
	}

	if prevStatus == models.ListingOrphaned || prevPoC.IsOrphan() {
		return nil, nil
	}
	return &ownerChange{pkg: pkg, clt: clt, newOwner: models.Orphan, oldOwner: prevPoC, actor: actor.Username}, nil
}

func isRetiredEverywhere(ctx context.Context, st database.Store, packageID int64) (bool, error) {
	listings, err := st.ListPackageListings(ctx, packageID)
	if err != nil {
		return false, err
	}
	for _, l := range listings {
		if l.Status != models.ListingRetired {
			return false, nil
		}
	}
	return len(listings) > 0, nil
}

// adminSetStatus handles the administrator-only transitions to Approved and
// Removed.
func (s *Service) adminSetStatus(ctx context.Context, st database.Store, actor models.Actor, pkg *models.Package, clt *models.Collection, listing *models.PackageListing, req SetStatusRequest) (*ownerChange, error) {
	if !s.isAdmin(actor) {
		return nil, forbiddenf("you are not allowed to update the status of the package: %s on branch %s to %s",
			pkg.FullName(), clt.Branch, req.Status)
	}

	prevPoC := listing.PointOfContact
	change := &ownerChange{pkg: pkg, clt: clt, oldOwner: prevPoC, actor: actor.Username}
	switch req.Status {
	case models.ListingApproved:
		poc := req.PointOfContact
		if poc.IsZero() {
			if listing.Status == models.ListingOrphaned || listing.Status == models.ListingRetired {
				return nil, invalidf("you need to specify the point of contact of this package for this branch to un-orphan it")
			}
			poc = listing.PointOfContact
		}
		if poc.IsOrphan() {
			return nil, invalidf("an approved package cannot be owned by orphan")
		}
		listing.PointOfContact = poc
		change.newOwner = poc
	case models.ListingRemoved:
		change.newOwner = models.Orphan
	}
	listing.Status = req.Status
	if err := st.UpdateListing(ctx, listing); err != nil {
		return nil, fmt.Errorf("update listing: %w", err)
	}
	return change, nil
}
