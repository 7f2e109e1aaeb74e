package service

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/attribute"

	"github.com/odvcencio/pkgdb/internal/database"
	"github.com/odvcencio/pkgdb/internal/models"
)

// unresolvedStatuses are the action statuses a new request may reuse.
var unresolvedStatuses = []string{models.ActionPending, models.ActionAwaitingReview, models.ActionBlocked}

// checkRHEL blocks EPEL branches for packages the matching RHEL release
// already ships on every architecture.
func (s *Service) checkRHEL(ctx context.Context, clt *models.Collection, name string) error {
	if s.rhel == nil || clt.Name != s.policy.EPELDistribution {
		return nil
	}
	conflict, err := s.rhel.Conflicts(ctx, clt.Version, name)
	if err != nil {
		return unavailable("rhel package list", err)
	}
	if conflict {
		return invalidf("package %s is present in RHEL %s on all arches", name, clt.Version)
	}
	return nil
}

// RequestBranch files a request for the actor to get the package on a new
// branch. Package administrators asking for a branch of the primary
// distribution are granted it immediately.
func (s *Service) RequestBranch(ctx context.Context, actor models.Actor, namespace, name, branch string) (action *models.AdminAction, err error) {
	ctx, done := s.begin(ctx, "RequestBranch",
		attribute.String("pkgdb.package", namespace+"/"+name),
		attribute.String("pkgdb.branch", branch),
	)
	defer func() { done(err) }()

	if err := s.validateSubject(ctx, models.Individual(actor.Username), false); err != nil {
		return nil, err
	}
	pkg, err := getPackage(ctx, s.db, namespace, name)
	if err != nil {
		return nil, err
	}
	clt, err := getCollection(ctx, s.db, branch)
	if err != nil {
		return nil, err
	}
	if err := s.checkRHEL(ctx, clt, pkg.Name); err != nil {
		return nil, err
	}

	err = s.db.InTx(ctx, func(st database.Store) error {
		if _, err := st.GetListing(ctx, pkg.ID, clt.ID); err == nil {
			return conflictf("package %s already exists on %s", pkg.FullName(), clt.Branch)
		} else if !isNoRows(err) {
			return err
		}

		pkgAdmin, err := hasApprovedACL(ctx, st, pkg.ID, 0, actor.Username, models.ACLApproveACLs)
		if err != nil {
			return err
		}
		status := models.ActionPending
		if pkgAdmin {
			status = models.ActionAwaitingReview
		}

		existing, err := st.ListAdminActions(ctx, database.ActionFilter{
			Kinds:        []string{models.ActionRequestBranch},
			PackageID:    pkg.ID,
			CollectionID: clt.ID,
			Requester:    actor.Username,
			Statuses:     unresolvedStatuses,
			Limit:        1,
		})
		if err != nil {
			return err
		}
		if len(existing) > 0 {
			action = &existing[0]
			action.Status = status
			action.Message = ""
			err = st.UpdateAdminAction(ctx, action)
		} else {
			id := pkg.ID
			action = &models.AdminAction{
				Kind:         models.ActionRequestBranch,
				Requester:    actor.Username,
				PackageID:    &id,
				CollectionID: clt.ID,
				Status:       status,
				Namespace:    pkg.Namespace,
				PackageName:  pkg.Name,
			}
			err = st.CreateAdminAction(ctx, action)
		}
		if err != nil {
			return fmt.Errorf("save branch request: %w", err)
		}
		action.Branch = clt.Branch

		if err := s.record(ctx, st, actor.Username, pkg, TopicBranchRequest,
			fmt.Sprintf("user: %s requested branch: %s for package %s", actor.Username, clt.Branch, pkg.FullName()),
			map[string]any{"package": pkg.FullName(), "collection_to": clt.Branch, "action_id": action.ID},
		); err != nil {
			return err
		}

		if !pkgAdmin || clt.Name != s.policy.PrimaryDistribution {
			return nil
		}
		if err := s.grantAll(ctx, st, actor, pkg, clt, models.Individual(actor.Username)); err != nil {
			return err
		}
		return s.applyActionStatus(ctx, st, actor, action, pkg, models.ActionApproved, "")
	})
	if err != nil {
		return nil, err
	}
	return action, nil
}

type NewPackageRequest struct {
	Namespace      string
	Name           string
	Summary        string
	Description    string
	Status         string
	Branch         string
	ReviewURL      string
	UpstreamURL    string
	PointOfContact models.Subject
	Critpath       bool
}

// RequestNewPackage files a request for a package that does not exist yet.
// The proposed fields are carried on the action until it is approved.
func (s *Service) RequestNewPackage(ctx context.Context, actor models.Actor, req NewPackageRequest) (action *models.AdminAction, err error) {
	ctx, done := s.begin(ctx, "RequestNewPackage",
		attribute.String("pkgdb.package", req.Namespace+"/"+req.Name),
		attribute.String("pkgdb.branch", req.Branch),
	)
	defer func() { done(err) }()

	name := strings.TrimSpace(req.Name)
	if name == "" || req.Namespace == "" {
		return nil, invalidf("a namespace and a package name are required")
	}
	if strings.TrimSpace(req.Summary) == "" {
		return nil, invalidf("a summary is required")
	}
	status := req.Status
	if status == "" {
		status = models.ListingApproved
	}
	if !models.IsListingStatus(status) {
		return nil, invalidf("status not allowed for a package: %q", status)
	}
	if err := s.validateSubject(ctx, req.PointOfContact, false); err != nil {
		return nil, err
	}
	clt, err := getCollection(ctx, s.db, req.Branch)
	if err != nil {
		return nil, err
	}
	if err := s.checkRHEL(ctx, clt, name); err != nil {
		return nil, err
	}

	info, err := json.Marshal(models.NewPackageInfo{
		Name:        name,
		Summary:     strings.TrimSpace(req.Summary),
		Description: strings.TrimSpace(req.Description),
		Status:      status,
		Collection:  clt.Branch,
		PoC:         req.PointOfContact.String(),
		ReviewURL:   strings.TrimSpace(req.ReviewURL),
		UpstreamURL: strings.TrimSpace(req.UpstreamURL),
		Critpath:    req.Critpath,
		Namespace:   req.Namespace,
	})
	if err != nil {
		return nil, fmt.Errorf("encode package request: %w", err)
	}

	err = s.db.InTx(ctx, func(st database.Store) error {
		if _, err := st.GetNamespace(ctx, req.Namespace); isNoRows(err) {
			return notFoundf("no namespace %s found", req.Namespace)
		} else if err != nil {
			return err
		}
		if _, err := st.GetPackage(ctx, req.Namespace, name); err == nil {
			return conflictf("there is already a package named: %s/%s", req.Namespace, name)
		} else if !isNoRows(err) {
			return err
		}
		action = &models.AdminAction{
			Kind:         models.ActionRequestPackage,
			Requester:    actor.Username,
			CollectionID: clt.ID,
			Status:       models.ActionAwaitingReview,
			Info:         info,
			Namespace:    req.Namespace,
			PackageName:  name,
		}
		if err := st.CreateAdminAction(ctx, action); err != nil {
			return fmt.Errorf("save package request: %w", err)
		}
		action.Branch = clt.Branch
		return s.record(ctx, st, actor.Username, nil, TopicNewPackageRequest,
			fmt.Sprintf("user: %s request package: %s/%s on branch %s", actor.Username, req.Namespace, name, clt.Branch),
			map[string]any{"collection": clt.Branch, "info": json.RawMessage(info), "action_id": action.ID},
		)
	})
	if err != nil {
		return nil, err
	}
	return action, nil
}

// RequestUnretire files a request to bring a retired listing back.
func (s *Service) RequestUnretire(ctx context.Context, actor models.Actor, namespace, name, branch, reviewURL string) (action *models.AdminAction, err error) {
	ctx, done := s.begin(ctx, "RequestUnretire",
		attribute.String("pkgdb.package", namespace+"/"+name),
		attribute.String("pkgdb.branch", branch),
	)
	defer func() { done(err) }()

	if err := s.validateSubject(ctx, models.Individual(actor.Username), false); err != nil {
		return nil, err
	}
	info, err := json.Marshal(models.UnretireInfo{ReviewURL: strings.TrimSpace(reviewURL)})
	if err != nil {
		return nil, fmt.Errorf("encode unretire request: %w", err)
	}

	err = s.db.InTx(ctx, func(st database.Store) error {
		pkg, clt, listing, err := resolve(ctx, st, namespace, name, branch)
		if err != nil {
			return err
		}
		if listing.Status != models.ListingRetired {
			return invalidf("package %s is not retired on %s", pkg.FullName(), clt.Branch)
		}
		id := pkg.ID
		action = &models.AdminAction{
			Kind:         models.ActionRequestUnretire,
			Requester:    actor.Username,
			PackageID:    &id,
			CollectionID: clt.ID,
			Status:       models.ActionAwaitingReview,
			Info:         info,
			Namespace:    pkg.Namespace,
			PackageName:  pkg.Name,
		}
		if err := st.CreateAdminAction(ctx, action); err != nil {
			return fmt.Errorf("save unretire request: %w", err)
		}
		action.Branch = clt.Branch
		return s.record(ctx, st, actor.Username, pkg, TopicUnretireRequest,
			fmt.Sprintf("user: %s requested branch: %s to be unretired for package %s", actor.Username, clt.Branch, pkg.FullName()),
			map[string]any{"package": pkg.FullName(), "collection": clt.Branch, "action_id": action.ID},
		)
	})
	if err != nil {
		return nil, err
	}
	return action, nil
}

type ResolveRequest struct {
	ID      int64
	Status  string
	Message string
	// Version, when non-zero, must match the version the caller last read.
	Version int64
}

// ResolveAction moves an admin action to a new status. Approving a
// request.package creates the package and approves every request for it
// awaiting review on the primary distribution.
func (s *Service) ResolveAction(ctx context.Context, actor models.Actor, req ResolveRequest) (res *Result, err error) {
	ctx, done := s.begin(ctx, "ResolveAction",
		attribute.Int64("pkgdb.action_id", req.ID),
		attribute.String("pkgdb.status", req.Status),
	)
	defer func() { done(err) }()

	if !models.IsActionStatus(req.Status) {
		return nil, invalidf("invalid action status %q", req.Status)
	}
	message := strings.TrimSpace(req.Message)
	if (req.Status == models.ActionBlocked || req.Status == models.ActionDenied) && message == "" {
		return nil, invalidf("you must provide a message explaining why when you block or deny a request")
	}

	var changes []ownerChange
	err = s.db.InTx(ctx, func(st database.Store) error {
		changes = nil
		action, err := st.GetAdminAction(ctx, req.ID)
		if isNoRows(err) {
			return notFoundf("no admin action %d found", req.ID)
		}
		if err != nil {
			return err
		}
		if req.Version != 0 && req.Version != action.Version {
			return conflictf("admin action %d changed since version %d", action.ID, req.Version)
		}
		if err := s.authorizeResolve(ctx, st, actor, action, req.Status); err != nil {
			return err
		}
		if action.Status == req.Status && action.Message == message {
			res = unchanged()
			return nil
		}

		var pkg *models.Package
		if req.Status == models.ActionApproved && action.Status != models.ActionApproved {
			pkg, changes, err = s.approveAction(ctx, st, actor, action)
			if err != nil {
				return err
			}
		} else if pkg, err = actionPackage(ctx, st, action); err != nil {
			return err
		}

		prev := action.Status
		if err := s.applyActionStatus(ctx, st, actor, action, pkg, req.Status, message); err != nil {
			return err
		}
		if req.Status == models.ActionApproved && prev != models.ActionApproved && action.Kind == models.ActionRequestPackage {
			if err := s.cascadeApproval(ctx, st, actor, action, pkg); err != nil {
				return err
			}
		}
		res = &Result{Changed: true, Message: fmt.Sprintf("user: %s updated action: %d of %s from `%s` to `%s`",
			actor.Username, action.ID, action.Namespace+"/"+action.PackageName, prev, req.Status)}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.notify(ctx, changes...)
	return res, nil
}

func (s *Service) authorizeResolve(ctx context.Context, st database.Store, actor models.Actor, action *models.AdminAction, status string) error {
	requester := action.Requester == actor.Username
	if status == models.ActionObsolete {
		if !requester {
			return forbiddenf("only the person having made the request can change its status to obsolete")
		}
		return nil
	}
	if s.isAdmin(actor) {
		return nil
	}
	pkgAdmin := false
	if action.PackageID != nil {
		var err error
		pkgAdmin, err = hasApprovedACL(ctx, st, *action.PackageID, 0, actor.Username, models.ACLApproveACLs)
		if err != nil {
			return err
		}
	}
	switch status {
	case models.ActionPending:
		if requester || pkgAdmin {
			return nil
		}
		return forbiddenf("you are not allowed to edit this request")
	case models.ActionAwaitingReview, models.ActionBlocked:
		if pkgAdmin || (requester && action.Kind == models.ActionRequestUnretire) {
			return nil
		}
		return forbiddenf("you are not allowed to review this request")
	}
	return forbiddenf("you are not allowed to edit admin action")
}

// actionPackage loads the package an action refers to, if it exists yet.
func actionPackage(ctx context.Context, st database.Store, action *models.AdminAction) (*models.Package, error) {
	var (
		pkg *models.Package
		err error
	)
	if action.PackageID != nil {
		pkg, err = st.GetPackageByID(ctx, *action.PackageID)
	} else {
		pkg, err = st.GetPackage(ctx, action.Namespace, action.PackageName)
	}
	if isNoRows(err) {
		return nil, nil
	}
	return pkg, err
}

// applyActionStatus persists a status change and logs it.
func (s *Service) applyActionStatus(ctx context.Context, st database.Store, actor models.Actor, action *models.AdminAction, pkg *models.Package, status, message string) error {
	prev := action.Status
	action.Status = status
	action.Message = message
	if pkg != nil && action.PackageID == nil {
		id := pkg.ID
		action.PackageID = &id
	}
	if err := st.UpdateAdminAction(ctx, action); err != nil {
		return fmt.Errorf("update admin action %d: %w", action.ID, err)
	}
	return s.record(ctx, st, actor.Username, pkg, TopicActionUpdate,
		fmt.Sprintf("user: %s updated action: %d of %s from `%s` to `%s`",
			actor.Username, action.ID, action.Namespace+"/"+action.PackageName, prev, status),
		map[string]any{"action_id": action.ID, "action": action.Kind, "old_status": prev, "new_status": status},
	)
}

// approveAction applies the side effects of approving one action and returns
// the package it concerns.
func (s *Service) approveAction(ctx context.Context, st database.Store, actor models.Actor, action *models.AdminAction) (*models.Package, []ownerChange, error) {
	clt, err := st.GetCollectionByID(ctx, action.CollectionID)
	if err != nil {
		return nil, nil, err
	}
	pkg, err := actionPackage(ctx, st, action)
	if err != nil {
		return nil, nil, err
	}
	requester := models.Individual(action.Requester)

	switch action.Kind {
	case models.ActionRequestPackage:
		if pkg != nil {
			return pkg, nil, nil
		}
		var info models.NewPackageInfo
		if err := json.Unmarshal(action.Info, &info); err != nil {
			return nil, nil, invalidf("admin action %d carries an unreadable package request: %v", action.ID, err)
		}
		namespace := info.Namespace
		if namespace == "" {
			namespace = action.Namespace
		}
		return s.createPackage(ctx, st, actor, AddPackageRequest{
			Namespace:      namespace,
			Name:           info.Name,
			Summary:        info.Summary,
			Description:    info.Description,
			Status:         info.Status,
			ReviewURL:      info.ReviewURL,
			UpstreamURL:    info.UpstreamURL,
			Critpath:       info.Critpath,
			PointOfContact: models.ParseSubject(info.PoC),
			Branches:       []string{clt.Branch},
		})
	case models.ActionRequestBranch:
		if pkg == nil {
			return nil, nil, notFoundf("no package %s/%s found", action.Namespace, action.PackageName)
		}
		return pkg, nil, s.grantAll(ctx, st, actor, pkg, clt, requester)
	case models.ActionRequestUnretire:
		if pkg == nil {
			return nil, nil, notFoundf("no package %s/%s found", action.Namespace, action.PackageName)
		}
		listing, err := getListing(ctx, st, pkg, clt)
		if err != nil {
			return nil, nil, err
		}
		prev := listing.PointOfContact
		listing.Status = models.ListingApproved
		listing.PointOfContact = requester
		if err := st.UpdateListing(ctx, listing); err != nil {
			return nil, nil, fmt.Errorf("update listing: %w", err)
		}
		if err := s.grantAll(ctx, st, actor, pkg, clt, requester); err != nil {
			return nil, nil, err
		}
		return pkg, []ownerChange{{pkg: pkg, clt: clt, newOwner: requester, oldOwner: prev, actor: actor.Username}}, nil
	}
	return nil, nil, invalidf("unknown admin action kind %q", action.Kind)
}

// cascadeApproval approves every request for the newly created package that
// is awaiting review on the primary distribution. It walks an explicit work
// queue; the visited set bounds it by the number of pending actions.
func (s *Service) cascadeApproval(ctx context.Context, st database.Store, actor models.Actor, root *models.AdminAction, pkg *models.Package) error {
	if pkg == nil {
		return nil
	}
	visited := map[int64]bool{root.ID: true}
	queue := []string{pkg.Name}

	for len(queue) > 0 {
		name := queue[0]
		queue = queue[1:]
		pending, err := st.ListAdminActions(ctx, database.ActionFilter{
			Kinds:       []string{models.ActionRequestPackage, models.ActionRequestBranch},
			Namespace:   pkg.Namespace,
			PackageName: name,
			Statuses:    []string{models.ActionAwaitingReview},
		})
		if err != nil {
			return err
		}
		for i := range pending {
			next := &pending[i]
			if visited[next.ID] {
				continue
			}
			visited[next.ID] = true
			clt, err := st.GetCollectionByID(ctx, next.CollectionID)
			if err != nil {
				return err
			}
			if clt.Name != s.policy.PrimaryDistribution {
				continue
			}
			if err := s.grantAll(ctx, st, actor, pkg, clt, models.Individual(next.Requester)); err != nil {
				return err
			}
			if err := s.applyActionStatus(ctx, st, actor, next, pkg, models.ActionApproved, next.Message); err != nil {
				return err
			}
			s.logger.Info("cascaded approval", "action_id", next.ID, "root_action_id", root.ID,
				"package", pkg.FullName(), "branch", clt.Branch, "requester", next.Requester)
			if next.Kind == models.ActionRequestPackage {
				queue = append(queue, next.PackageName)
			}
		}
	}
	return nil
}
