package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/attribute"

	"github.com/odvcencio/pkgdb/internal/database"
	"github.com/odvcencio/pkgdb/internal/models"
)

func (s *Service) requireAdmin(actor models.Actor, what string) error {
	if !s.isAdmin(actor) {
		return forbiddenf("you are not allowed to %s", what)
	}
	return nil
}

// AddNamespace registers a new package namespace.
func (s *Service) AddNamespace(ctx context.Context, actor models.Actor, name string) (err error) {
	ctx, done := s.begin(ctx, "AddNamespace", attribute.String("pkgdb.namespace", name))
	defer func() { done(err) }()

	if err := s.requireAdmin(actor, "add namespaces"); err != nil {
		return err
	}
	name = strings.TrimSpace(name)
	if name == "" || strings.Contains(name, "/") {
		return invalidf("invalid namespace %q", name)
	}
	return s.db.InTx(ctx, func(st database.Store) error {
		if err := st.CreateNamespace(ctx, name); err != nil {
			if errors.Is(err, database.ErrConflict) {
				return conflictf("namespace %s already exists", name)
			}
			return err
		}
		return s.record(ctx, st, actor.Username, nil, TopicNamespaceNew,
			fmt.Sprintf("user: %s added namespace: %s", actor.Username, name),
			map[string]any{"namespace": name})
	})
}

// DropNamespace removes a namespace that holds no packages.
func (s *Service) DropNamespace(ctx context.Context, actor models.Actor, name string) (err error) {
	ctx, done := s.begin(ctx, "DropNamespace", attribute.String("pkgdb.namespace", name))
	defer func() { done(err) }()

	if err := s.requireAdmin(actor, "drop namespaces"); err != nil {
		return err
	}
	return s.db.InTx(ctx, func(st database.Store) error {
		err := st.DeleteNamespace(ctx, name)
		switch {
		case isNoRows(err):
			return notFoundf("no namespace %s found", name)
		case errors.Is(err, database.ErrConflict):
			return conflictf("namespace %s still holds packages", name)
		case err != nil:
			return err
		}
		return s.record(ctx, st, actor.Username, nil, TopicNamespaceDrop,
			fmt.Sprintf("user: %s dropped namespace: %s", actor.Username, name),
			map[string]any{"namespace": name})
	})
}

func (s *Service) ListNamespaces(ctx context.Context) ([]models.Namespace, error) {
	return s.db.ListNamespaces(ctx)
}

func validateCollection(c *models.Collection) error {
	switch {
	case strings.TrimSpace(c.Name) == "":
		return invalidf("a collection name is required")
	case strings.TrimSpace(c.Branch) == "":
		return invalidf("a branch name is required")
	case !models.IsCollectionStatus(c.Status):
		return invalidf("invalid collection status %q", c.Status)
	}
	return nil
}

// AddCollection creates a release branch.
func (s *Service) AddCollection(ctx context.Context, actor models.Actor, c models.Collection) (clt *models.Collection, err error) {
	ctx, done := s.begin(ctx, "AddCollection", attribute.String("pkgdb.branch", c.Branch))
	defer func() { done(err) }()

	if err := s.requireAdmin(actor, "add collections"); err != nil {
		return nil, err
	}
	if c.Status == "" {
		c.Status = models.CollectionUnderDevelopment
	}
	if err := validateCollection(&c); err != nil {
		return nil, err
	}
	err = s.db.InTx(ctx, func(st database.Store) error {
		if err := st.CreateCollection(ctx, &c); err != nil {
			if errors.Is(err, database.ErrConflict) {
				return conflictf("collection %s already exists", c.Branch)
			}
			return err
		}
		return s.record(ctx, st, actor.Username, nil, TopicCollectionNew,
			fmt.Sprintf("user: %s created collection: %s", actor.Username, c.FullName()),
			map[string]any{"collection": c.Branch, "name": c.Name, "version": c.Version})
	})
	if err != nil {
		return nil, err
	}
	return &c, nil
}

type EditCollectionRequest struct {
	Name        *string
	Version     *string
	Branch      *string
	DistTag     *string
	KojiName    *string
	AllowRetire *bool
}

// EditCollection updates the collection identified by branch. The branch
// name itself may change. Nil fields are left as they are.
func (s *Service) EditCollection(ctx context.Context, actor models.Actor, branch string, req EditCollectionRequest) (res *Result, err error) {
	ctx, done := s.begin(ctx, "EditCollection", attribute.String("pkgdb.branch", branch))
	defer func() { done(err) }()

	if err := s.requireAdmin(actor, "edit collections"); err != nil {
		return nil, err
	}
	err = s.db.InTx(ctx, func(st database.Store) error {
		cur, err := getCollection(ctx, st, branch)
		if err != nil {
			return err
		}
		next := *cur
		for _, f := range []struct {
			dst *string
			v   *string
		}{
			{&next.Name, req.Name},
			{&next.Version, req.Version},
			{&next.Branch, req.Branch},
			{&next.DistTag, req.DistTag},
			{&next.KojiName, req.KojiName},
		} {
			if f.v != nil {
				*f.dst = strings.TrimSpace(*f.v)
			}
		}
		if req.AllowRetire != nil {
			next.AllowRetire = *req.AllowRetire
		}
		if next == *cur {
			res = unchanged()
			return nil
		}
		if err := validateCollection(&next); err != nil {
			return err
		}
		if err := st.UpdateCollection(ctx, &next); err != nil {
			if errors.Is(err, database.ErrConflict) {
				return conflictf("collection %s already exists", next.Branch)
			}
			return err
		}
		msg := fmt.Sprintf("user: %s edited collection: %s", actor.Username, next.FullName())
		res = &Result{Changed: true, Message: msg}
		return s.record(ctx, st, actor.Username, nil, TopicCollectionUpdate, msg,
			map[string]any{"collection": next.Branch, "previous_branch": cur.Branch})
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// UpdateCollectionStatus moves a collection between Active, Under
// Development and EOL.
func (s *Service) UpdateCollectionStatus(ctx context.Context, actor models.Actor, branch, status string) (res *Result, err error) {
	ctx, done := s.begin(ctx, "UpdateCollectionStatus",
		attribute.String("pkgdb.branch", branch),
		attribute.String("pkgdb.status", status),
	)
	defer func() { done(err) }()

	if err := s.requireAdmin(actor, "update collections"); err != nil {
		return nil, err
	}
	if !models.IsCollectionStatus(status) {
		return nil, invalidf("invalid collection status %q", status)
	}
	err = s.db.InTx(ctx, func(st database.Store) error {
		clt, err := getCollection(ctx, st, branch)
		if err != nil {
			return err
		}
		if clt.Status == status {
			res = unchanged()
			return nil
		}
		prev := clt.Status
		clt.Status = status
		if err := st.UpdateCollection(ctx, clt); err != nil {
			return err
		}
		msg := fmt.Sprintf("user: %s updated collection: %s from %s to %s", actor.Username, clt.FullName(), prev, status)
		res = &Result{Changed: true, Message: msg}
		return s.record(ctx, st, actor.Username, nil, TopicCollectionUpdate, msg,
			map[string]any{"collection": clt.Branch, "prev_status": prev, "status": status})
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

func (s *Service) ListCollections(ctx context.Context, statuses ...string) ([]models.Collection, error) {
	return s.db.ListCollections(ctx, statuses...)
}

type AddPackageRequest struct {
	Namespace      string
	Name           string
	Summary        string
	Description    string
	Status         string
	ReviewURL      string
	UpstreamURL    string
	Critpath       bool
	Monitor        bool
	PointOfContact models.Subject
	Branches       []string
}

// AddPackage creates a package directly, listing it on every requested
// branch with the point of contact holding the full ACL set.
func (s *Service) AddPackage(ctx context.Context, actor models.Actor, req AddPackageRequest) (pkg *models.Package, err error) {
	ctx, done := s.begin(ctx, "AddPackage", attribute.String("pkgdb.package", req.Namespace+"/"+req.Name))
	defer func() { done(err) }()

	if err := s.requireAdmin(actor, "add packages"); err != nil {
		return nil, err
	}
	if req.PointOfContact.IsZero() {
		return nil, invalidf("a point of contact is required")
	}
	if err := s.validateSubject(ctx, req.PointOfContact, true); err != nil {
		return nil, err
	}

	var changes []ownerChange
	err = s.db.InTx(ctx, func(st database.Store) error {
		var err error
		pkg, changes, err = s.createPackage(ctx, st, actor, req)
		return err
	})
	if err != nil {
		return nil, err
	}
	s.notify(ctx, changes...)
	return pkg, nil
}

// createPackage writes a package, its listings and the point of contact's
// ACLs. An orphan point of contact yields Orphaned listings without ACLs.
func (s *Service) createPackage(ctx context.Context, st database.Store, actor models.Actor, req AddPackageRequest) (*models.Package, []ownerChange, error) {
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return nil, nil, invalidf("a package name is required")
	}
	status := req.Status
	if status == "" {
		status = models.ListingApproved
	}
	if !models.IsListingStatus(status) {
		return nil, nil, invalidf("status not allowed for a package: %q", status)
	}
	if len(req.Branches) == 0 {
		return nil, nil, invalidf("at least one branch is required")
	}
	if _, err := st.GetNamespace(ctx, req.Namespace); isNoRows(err) {
		return nil, nil, notFoundf("no namespace %s found", req.Namespace)
	} else if err != nil {
		return nil, nil, err
	}

	pkg := &models.Package{
		Namespace:   req.Namespace,
		Name:        name,
		Summary:     strings.TrimSpace(req.Summary),
		Description: strings.TrimSpace(req.Description),
		Status:      status,
		ReviewURL:   strings.TrimSpace(req.ReviewURL),
		UpstreamURL: strings.TrimSpace(req.UpstreamURL),
		Monitor:     req.Monitor,
	}
	if err := st.CreatePackage(ctx, pkg); err != nil {
		if errors.Is(err, database.ErrConflict) {
			return nil, nil, conflictf("there is already a package named: %s", pkg.FullName())
		}
		return nil, nil, err
	}

	poc := req.PointOfContact
	var changes []ownerChange
	for _, branch := range req.Branches {
		clt, err := getCollection(ctx, st, branch)
		if err != nil {
			return nil, nil, err
		}
		listing := &models.PackageListing{
			PackageID:      pkg.ID,
			CollectionID:   clt.ID,
			PointOfContact: poc,
			Status:         models.ListingApproved,
			Critpath:       req.Critpath,
		}
		if poc.IsOrphan() {
			listing.Status = models.ListingOrphaned
		}
		if err := st.CreateListing(ctx, listing); err != nil {
			return nil, nil, fmt.Errorf("create listing on %s: %w", clt.Branch, err)
		}
		if !poc.IsOrphan() {
			for _, kind := range models.ACLKinds {
				if kind == models.ACLApproveACLs && !s.canHoldApproveACLs(poc) {
					continue
				}
				if err := st.CreateACL(ctx, &models.ACL{
					ListingID: listing.ID,
					Subject:   poc,
					Kind:      kind,
					Status:    models.ACLApproved,
				}); err != nil {
					return nil, nil, fmt.Errorf("create %s acl on %s: %w", kind, clt.Branch, err)
				}
			}
			changes = append(changes, ownerChange{pkg: pkg, clt: clt, newOwner: poc, actor: actor.Username})
		}
	}

	if err := s.record(ctx, st, actor.Username, pkg, TopicPackageNew,
		fmt.Sprintf("user: %s created package: %s on branch: %s for poc: %s",
			actor.Username, pkg.FullName(), strings.Join(req.Branches, ", "), poc.String()),
		map[string]any{"package": pkg.FullName(), "branches": req.Branches, "poc": poc.String()},
	); err != nil {
		return nil, nil, err
	}
	return pkg, changes, nil
}

type EditPackageRequest struct {
	Namespace   string
	Name        string
	Summary     *string
	Description *string
	ReviewURL   *string
	UpstreamURL *string
	Status      *string
}

// EditPackage updates the descriptive fields of a package. Nil fields are
// left as they are.
func (s *Service) EditPackage(ctx context.Context, actor models.Actor, req EditPackageRequest) (res *Result, err error) {
	ctx, done := s.begin(ctx, "EditPackage", attribute.String("pkgdb.package", req.Namespace+"/"+req.Name))
	defer func() { done(err) }()

	err = s.db.InTx(ctx, func(st database.Store) error {
		pkg, err := getPackage(ctx, st, req.Namespace, req.Name)
		if err != nil {
			return err
		}
		if !s.isAdmin(actor) {
			pkgAdmin, err := hasApprovedACL(ctx, st, pkg.ID, 0, actor.Username, models.ACLApproveACLs)
			if err != nil {
				return err
			}
			if !pkgAdmin {
				return forbiddenf("you are not allowed to edit package %s", pkg.FullName())
			}
		}
		next := *pkg
		var edited []string
		set := func(field string, dst *string, v *string) {
			if v != nil && *dst != strings.TrimSpace(*v) {
				*dst = strings.TrimSpace(*v)
				edited = append(edited, field)
			}
		}
		set("summary", &next.Summary, req.Summary)
		set("description", &next.Description, req.Description)
		set("review_url", &next.ReviewURL, req.ReviewURL)
		set("upstream_url", &next.UpstreamURL, req.UpstreamURL)
		if req.Status != nil {
			if !models.IsListingStatus(*req.Status) {
				return invalidf("status not allowed for a package: %q", *req.Status)
			}
			if !s.isAdmin(actor) {
				return forbiddenf("only administrators may change the status of package %s", pkg.FullName())
			}
			set("status", &next.Status, req.Status)
		}
		if len(edited) == 0 {
			res = unchanged()
			return nil
		}
		if err := st.UpdatePackage(ctx, &next); err != nil {
			return err
		}
		msg := fmt.Sprintf("user: %s edited package: %s (%s)", actor.Username, pkg.FullName(), strings.Join(edited, ", "))
		res = &Result{Changed: true, Message: msg}
		return s.record(ctx, st, actor.Username, &next, TopicPackageUpdate, msg,
			map[string]any{"package": pkg.FullName(), "fields": edited})
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// SetCritpath flags a package as part of the critical path on the given
// branches, or on every branch it is listed on when none are given.
func (s *Service) SetCritpath(ctx context.Context, actor models.Actor, namespace, name string, critpath bool, branches ...string) (res *Result, err error) {
	ctx, done := s.begin(ctx, "SetCritpath", attribute.String("pkgdb.package", namespace+"/"+name))
	defer func() { done(err) }()

	if err := s.requireAdmin(actor, "change the critpath flag"); err != nil {
		return nil, err
	}
	err = s.db.InTx(ctx, func(st database.Store) error {
		pkg, err := getPackage(ctx, st, namespace, name)
		if err != nil {
			return err
		}
		listings, err := st.ListPackageListings(ctx, pkg.ID)
		if err != nil {
			return err
		}
		want := map[string]bool{}
		for _, b := range branches {
			want[b] = true
		}
		var changed []string
		for i := range listings {
			l := &listings[i]
			if len(want) > 0 && !want[l.Branch] {
				continue
			}
			delete(want, l.Branch)
			if l.Critpath == critpath {
				continue
			}
			l.Critpath = critpath
			if err := st.UpdateListing(ctx, l); err != nil {
				return err
			}
			changed = append(changed, l.Branch)
		}
		for _, b := range branches {
			if want[b] {
				return notFoundf("no package %s found in collection %s", pkg.FullName(), b)
			}
		}
		if len(changed) == 0 {
			res = unchanged()
			return nil
		}
		msg := fmt.Sprintf("user: %s updated critpath of package: %s to %t on branches: %s",
			actor.Username, pkg.FullName(), critpath, strings.Join(changed, ", "))
		res = &Result{Changed: true, Message: msg}
		return s.record(ctx, st, actor.Username, pkg, TopicCritpathUpdate, msg,
			map[string]any{"package": pkg.FullName(), "critpath": critpath, "branches": changed})
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// SetMonitor toggles upstream release monitoring. Administrators and anyone
// with commit or approveacls on the package may change it.
func (s *Service) SetMonitor(ctx context.Context, actor models.Actor, namespace, name string, monitor bool) (res *Result, err error) {
	ctx, done := s.begin(ctx, "SetMonitor", attribute.String("pkgdb.package", namespace+"/"+name))
	defer func() { done(err) }()

	err = s.db.InTx(ctx, func(st database.Store) error {
		pkg, err := getPackage(ctx, st, namespace, name)
		if err != nil {
			return err
		}
		if !s.isAdmin(actor) {
			ok, err := hasApprovedACL(ctx, st, pkg.ID, 0, actor.Username, models.ACLCommit)
			if err != nil {
				return err
			}
			if !ok {
				if ok, err = hasApprovedACL(ctx, st, pkg.ID, 0, actor.Username, models.ACLApproveACLs); err != nil {
					return err
				}
			}
			if !ok {
				return forbiddenf("you are not allowed to update the monitoring status of %s", pkg.FullName())
			}
		}
		if pkg.Monitor == monitor {
			res = unchanged()
			return nil
		}
		pkg.Monitor = monitor
		if err := st.UpdatePackage(ctx, pkg); err != nil {
			return err
		}
		msg := fmt.Sprintf("user: %s updated monitoring status of package: %s to %t", actor.Username, pkg.FullName(), monitor)
		res = &Result{Changed: true, Message: msg}
		return s.record(ctx, st, actor.Username, pkg, TopicMonitorUpdate, msg,
			map[string]any{"package": pkg.FullName(), "monitor": monitor})
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// SetKoscheiMonitor toggles the secondary monitoring flag. Any packager may
// change it.
func (s *Service) SetKoscheiMonitor(ctx context.Context, actor models.Actor, namespace, name string, monitor bool) (res *Result, err error) {
	ctx, done := s.begin(ctx, "SetKoscheiMonitor", attribute.String("pkgdb.package", namespace+"/"+name))
	defer func() { done(err) }()

	if err := s.validateSubject(ctx, models.Individual(actor.Username), false); err != nil {
		return nil, err
	}
	err = s.db.InTx(ctx, func(st database.Store) error {
		pkg, err := getPackage(ctx, st, namespace, name)
		if err != nil {
			return err
		}
		if pkg.Koschei == monitor {
			res = unchanged()
			return nil
		}
		pkg.Koschei = monitor
		if err := st.UpdatePackage(ctx, pkg); err != nil {
			return err
		}
		msg := fmt.Sprintf("user: %s updated koschei monitoring status of package: %s to %t", actor.Username, pkg.FullName(), monitor)
		res = &Result{Changed: true, Message: msg}
		return s.record(ctx, st, actor.Username, pkg, TopicKoscheiUpdate, msg,
			map[string]any{"package": pkg.FullName(), "koschei": monitor})
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// --- reads ---

func (s *Service) GetPackage(ctx context.Context, namespace, name string) (*models.Package, error) {
	return getPackage(ctx, s.db, namespace, name)
}

// PackageBranch is one listing of a package with its ACLs.
type PackageBranch struct {
	Listing models.PackageListing `json:"listing"`
	ACLs    []models.ACL          `json:"acls"`
}

// ListPackageListings returns every listing of a package with its ACLs.
func (s *Service) ListPackageListings(ctx context.Context, namespace, name string) ([]PackageBranch, error) {
	pkg, err := getPackage(ctx, s.db, namespace, name)
	if err != nil {
		return nil, err
	}
	listings, err := s.db.ListPackageListings(ctx, pkg.ID)
	if err != nil {
		return nil, err
	}
	out := make([]PackageBranch, 0, len(listings))
	for _, l := range listings {
		acls, err := s.db.ListListingACLs(ctx, l.ID)
		if err != nil {
			return nil, err
		}
		out = append(out, PackageBranch{Listing: l, ACLs: acls})
	}
	return out, nil
}

// HasACL reports whether username holds kind, Approved, on the package. An
// empty branch matches any branch.
func (s *Service) HasACL(ctx context.Context, username, namespace, name, branch, kind string) (bool, error) {
	pkg, err := getPackage(ctx, s.db, namespace, name)
	if err != nil {
		return false, err
	}
	var cltID int64
	if branch != "" {
		clt, err := getCollection(ctx, s.db, branch)
		if err != nil {
			return false, err
		}
		cltID = clt.ID
	}
	return hasApprovedACL(ctx, s.db, pkg.ID, cltID, username, kind)
}

// ListPendingACLs returns the ACL requests awaiting review on packages where
// maintainer holds approveacls.
func (s *Service) ListPendingACLs(ctx context.Context, maintainer string) ([]models.ACL, error) {
	admin, err := s.db.ListACLs(ctx, database.ACLFilter{
		Subject:  models.Individual(maintainer).String(),
		Kind:     models.ACLApproveACLs,
		Statuses: []string{models.ACLApproved},
	})
	if err != nil {
		return nil, err
	}
	seen := map[int64]bool{}
	var out []models.ACL
	for _, a := range admin {
		if seen[a.ListingID] {
			continue
		}
		seen[a.ListingID] = true
		acls, err := s.db.ListListingACLs(ctx, a.ListingID)
		if err != nil {
			return nil, err
		}
		for _, acl := range acls {
			if acl.Status == models.ACLAwaitingReview {
				out = append(out, acl)
			}
		}
	}
	return out, nil
}

func (s *Service) GetAdminAction(ctx context.Context, id int64) (*models.AdminAction, error) {
	a, err := s.db.GetAdminAction(ctx, id)
	if isNoRows(err) {
		return nil, notFoundf("no admin action %d found", id)
	}
	return a, err
}

func (s *Service) SearchAdminActions(ctx context.Context, filter database.ActionFilter) ([]models.AdminAction, error) {
	return s.db.ListAdminActions(ctx, filter)
}
