package service

import (
	"context"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/attribute"

	"github.com/odvcencio/pkgdb/internal/database"
	"github.com/odvcencio/pkgdb/internal/models"
)

type SetACLRequest struct {
	Namespace string
	Package   string
	Branch    string
	Subject   models.Subject
	Kind      string
	// Status is the target ACL status. Empty clears the entry.
	Status string
	// Force skips subject validation and the actor authorization checks. It
	// is reserved for engine-internal side effects.
	Force bool
}

// SetACL sets, updates or clears one ACL entry.
func (s *Service) SetACL(ctx context.Context, actor models.Actor, req SetACLRequest) (res *Result, err error) {
	ctx, done := s.begin(ctx, "SetACL",
		attribute.String("pkgdb.package", req.Namespace+"/"+req.Package),
		attribute.String("pkgdb.branch", req.Branch),
		attribute.String("pkgdb.acl", req.Kind),
	)
	defer func() { done(err) }()

	err = s.db.InTx(ctx, func(st database.Store) error {
		var txErr error
		res, txErr = s.setACL(ctx, st, actor, req)
		return txErr
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// selfSettable lists the statuses a user may set on their own ACLs.
func selfSettable(status string) bool {
	switch status {
	case models.ACLAwaitingReview, models.ACLRemoved, models.ACLObsolete, "":
		return true
	}
	return false
}

func (s *Service) setACL(ctx context.Context, st database.Store, actor models.Actor, req SetACLRequest) (*Result, error) {
	if !models.IsACLKind(req.Kind) {
		return nil, invalidf("invalid ACL %q", req.Kind)
	}
	if req.Status != "" && !models.IsACLStatus(req.Status) {
		return nil, invalidf("invalid ACL status %q", req.Status)
	}
	if req.Subject.IsOrphan() || strings.TrimSpace(req.Subject.Name) == "" {
		return nil, invalidf("invalid ACL holder %q", req.Subject.String())
	}

	pkg, err := getPackage(ctx, st, req.Namespace, req.Package)
	if err != nil {
		return nil, err
	}
	clt, err := getCollection(ctx, st, req.Branch)
	if err != nil {
		return nil, err
	}

	autoKind := s.isAutoApproveACL(req.Kind)
	if !req.Force && !autoKind && req.Status != models.ACLRemoved && req.Status != models.ACLObsolete {
		if err := s.validateSubject(ctx, req.Subject, false); err != nil {
			return nil, err
		}
	}

	if !req.Force && !s.isAdmin(actor) {
		pkgAdmin, err := hasApprovedACL(ctx, st, pkg.ID, clt.ID, actor.Username, models.ACLApproveACLs)
		if err != nil {
			return nil, err
		}
		if !pkgAdmin {
			if !req.Subject.Is(actor.Username) {
				return nil, forbiddenf("you are not allowed to update ACLs of someone else")
			}
			if !autoKind && !selfSettable(req.Status) {
				return nil, forbiddenf("you are not allowed to approve or deny ACLs for yourself")
			}
		}
	}

	if req.Kind == models.ACLApproveACLs && !s.canHoldApproveACLs(req.Subject) {
		return nil, invalidf("%s cannot hold approveacls", req.Subject.String())
	}

	listing, err := st.GetListing(ctx, pkg.ID, clt.ID)
	switch {
	case isNoRows(err):
		if req.Status == "" {
			return unchanged(), nil
		}
		listing = &models.PackageListing{
			PackageID:      pkg.ID,
			CollectionID:   clt.ID,
			PointOfContact: req.Subject,
			Status:         models.ListingApproved,
		}
		if err := st.CreateListing(ctx, listing); err != nil {
			return nil, fmt.Errorf("create listing: %w", err)
		}
		if err := s.record(ctx, st, actor.Username, pkg, TopicListingNew,
			fmt.Sprintf("user: %s added package: %s on branch: %s with point of contact: %s",
				actor.Username, pkg.FullName(), clt.Branch, req.Subject.String()),
			map[string]any{"package": pkg.FullName(), "branch": clt.Branch, "poc": req.Subject.String()},
		); err != nil {
			return nil, err
		}
	case err != nil:
		return nil, err
	}

	if listing.PointOfContact == req.Subject && strings.HasPrefix(req.Kind, "watch") && req.Status != models.ACLApproved {
		return nil, forbiddenf("the point of contact of %s cannot drop %s", pkg.FullName(), req.Kind)
	}

	prev := ""
	existing, err := st.GetACL(ctx, listing.ID, req.Subject, req.Kind)
	switch {
	case isNoRows(err):
		if req.Status == "" {
			return unchanged(), nil
		}
		acl := &models.ACL{ListingID: listing.ID, Subject: req.Subject, Kind: req.Kind, Status: req.Status}
		if err := st.CreateACL(ctx, acl); err != nil {
			return nil, fmt.Errorf("create acl: %w", err)
		}
	case err != nil:
		return nil, err
	default:
		prev = existing.Status
		if existing.Status == req.Status {
			return unchanged(), nil
		}
		if req.Status == "" {
			err = st.DeleteACL(ctx, existing.ID)
		} else {
			err = st.UpdateACLStatus(ctx, existing.ID, req.Status)
		}
		if err != nil {
			return nil, fmt.Errorf("update acl: %w", err)
		}
	}

	msg := fmt.Sprintf("user: %s set for %s acl: %s of package: %s from: %s to: %s on branch: %s",
		actor.Username, req.Subject.String(), req.Kind, pkg.FullName(), prev, req.Status, clt.Branch)
	if err := s.record(ctx, st, actor.Username, pkg, TopicACLUpdate, msg, map[string]any{
		"package":         pkg.FullName(),
		"branch":          clt.Branch,
		"acl":             req.Kind,
		"username":        req.Subject.String(),
		"previous_status": prev,
		"status":          req.Status,
	}); err != nil {
		return nil, err
	}
	return &Result{Changed: true, Message: msg}, nil
}

// grantAll force-grants every canonical ACL kind to subject on one branch.
// approveacls is skipped for subjects that can never hold it.
func (s *Service) grantAll(ctx context.Context, st database.Store, actor models.Actor, pkg *models.Package, clt *models.Collection, subject models.Subject) error {
	for _, kind := range models.ACLKinds {
		if kind == models.ACLApproveACLs && !s.canHoldApproveACLs(subject) {
			continue
		}
		if _, err := s.setACL(ctx, st, actor, SetACLRequest{
			Namespace: pkg.Namespace,
			Package:   pkg.Name,
			Branch:    clt.Branch,
			Subject:   subject,
			Kind:      kind,
			Status:    models.ACLApproved,
			Force:     true,
		}); err != nil {
			return fmt.Errorf("grant %s to %s: %w", kind, subject.String(), err)
		}
	}
	return nil
}
