package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/odvcencio/pkgdb/internal/database"
	"github.com/odvcencio/pkgdb/internal/models"
)

// BranchResult is the outcome of cloning one listing.
type BranchResult struct {
	Namespace string `json:"namespace"`
	Package   string `json:"package"`
	OK        bool   `json:"ok"`
	Message   string `json:"message"`
}

// BranchReport lists every attempted listing in source order.
type BranchReport struct {
	RunID   string         `json:"run_id"`
	From    string         `json:"from"`
	To      string         `json:"to"`
	Results []BranchResult `json:"results"`
}

// Failed counts the listings that could not be branched.
func (r *BranchReport) Failed() int {
	n := 0
	for _, res := range r.Results {
		if !res.OK {
			n++
		}
	}
	return n
}

// Messages returns the per-package messages in order.
func (r *BranchReport) Messages() []string {
	out := make([]string, 0, len(r.Results))
	for _, res := range r.Results {
		out = append(out, res.Message)
	}
	return out
}

// PropagateBranch clones every Approved or Orphaned listing of one collection,
// with its ACLs, onto another. Each listing is cloned in its own transaction;
// a conflict on one listing is recorded in the report and the run continues.
func (s *Service) PropagateBranch(ctx context.Context, actor models.Actor, from, to string) (report *BranchReport, err error) {
	runID := uuid.NewString()
	ctx, done := s.begin(ctx, "PropagateBranch",
		attribute.String("pkgdb.branch_from", from),
		attribute.String("pkgdb.branch_to", to),
		attribute.String("pkgdb.run_id", runID),
	)
	defer func() { done(err) }()

	if !s.isAdmin(actor) {
		return nil, forbiddenf("you are not allowed to branch: %s to %s", from, to)
	}
	if from == to {
		return nil, invalidf("cannot branch %s onto itself", from)
	}
	src, err := getCollection(ctx, s.db, from)
	if err != nil {
		return nil, err
	}
	dst, err := getCollection(ctx, s.db, to)
	if err != nil {
		return nil, err
	}

	payload := map[string]any{"run_id": runID, "collection_from": src.Branch, "collection_to": dst.Branch}
	if err := s.db.InTx(ctx, func(st database.Store) error {
		return s.record(ctx, st, actor.Username, nil, TopicBranchStart,
			fmt.Sprintf("user: %s started branching from %s to %s", actor.Username, src.Branch, dst.Branch), payload)
	}); err != nil {
		return nil, err
	}
	logger := s.logger.With("run_id", runID, "from", src.Branch, "to", dst.Branch)
	logger.Info("branch propagation started")

	listings, err := s.db.ListCollectionListings(ctx, src.ID, models.ListingApproved, models.ListingOrphaned)
	if err != nil {
		return nil, err
	}

	report = &BranchReport{RunID: runID, From: src.Branch, To: dst.Branch}
	for _, l := range listings {
		name := l.Namespace + "/" + l.PackageName
		res := BranchResult{Namespace: l.Namespace, Package: l.PackageName}
		cloneErr := s.db.InTx(ctx, func(st database.Store) error {
			return cloneListing(ctx, st, l, dst)
		})
		switch {
		case cloneErr == nil:
			res.OK = true
			res.Message = fmt.Sprintf("%s branched successfully from %s to %s", name, src.Branch, dst.Branch)
			s.metrics.branchedPackages.WithLabelValues("ok").Inc()
		case errors.Is(cloneErr, database.ErrConflict):
			res.Message = fmt.Sprintf("FAILED: %s failed to branch from %s to %s: %v", name, src.Branch, dst.Branch, cloneErr)
			s.metrics.branchedPackages.WithLabelValues("failed").Inc()
			logger.Warn("branch listing", "package", name, "error", cloneErr)
		default:
			return report, fmt.Errorf("branch %s: %w", name, cloneErr)
		}
		report.Results = append(report.Results, res)
	}

	failed := report.Failed()
	payload["branched"] = len(report.Results) - failed
	payload["failed"] = failed
	if err := s.db.InTx(ctx, func(st database.Store) error {
		return s.record(ctx, st, actor.Username, nil, TopicBranchComplete,
			fmt.Sprintf("user: %s finished branching from %s to %s", actor.Username, src.Branch, dst.Branch), payload)
	}); err != nil {
		return report, err
	}
	logger.Info("branch propagation complete", "branched", len(report.Results)-failed, "failed", failed)
	return report, nil
}

// cloneListing copies a listing and its ACL set onto dst.
func cloneListing(ctx context.Context, st database.Store, l models.PackageListing, dst *models.Collection) error {
	clone := &models.PackageListing{
		PackageID:      l.PackageID,
		CollectionID:   dst.ID,
		PointOfContact: l.PointOfContact,
		Status:         l.Status,
		Critpath:       l.Critpath,
	}
	if err := st.CreateListing(ctx, clone); err != nil {
		return err
	}
	acls, err := st.ListListingACLs(ctx, l.ID)
	if err != nil {
		return err
	}
	for _, acl := range acls {
		if err := st.CreateACL(ctx, &models.ACL{
			ListingID: clone.ID,
			Subject:   acl.Subject,
			Kind:      acl.Kind,
			Status:    acl.Status,
		}); err != nil {
			return err
		}
	}
	return nil
}
