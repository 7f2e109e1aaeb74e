package service

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/odvcencio/pkgdb/internal/database"
	"github.com/odvcencio/pkgdb/internal/models"
)

var errInjected = errors.New("injected write failure")

// aclWriteFailDB fails every ACL insert made inside a transaction.
type aclWriteFailDB struct {
	database.DB
}

func (d aclWriteFailDB) InTx(ctx context.Context, fn func(database.Store) error) error {
	return d.DB.InTx(ctx, func(st database.Store) error {
		return fn(aclWriteFailStore{st})
	})
}

type aclWriteFailStore struct {
	database.Store
}

func (aclWriteFailStore) CreateACL(context.Context, *models.ACL) error {
	return errInjected
}

func TestPropagateBranchContinuesPastConflicts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// guake already exists on f17, so cloning it must fail.
	if err := f.db.CreateListing(ctx, &models.PackageListing{
		PackageID: f.pkgs["guake"].ID, CollectionID: f.clts["f17"].ID,
		PointOfContact: models.Individual("toshio"), Status: models.ListingApproved,
	}); err != nil {
		t.Fatal(err)
	}

	report, err := f.svc.PropagateBranch(ctx, admin, "master", "f17")
	if err != nil {
		t.Fatal(err)
	}
	// master holds guake, fedocal, geany and offlineimap.
	if len(report.Results) != 4 {
		t.Fatalf("expected 4 results, got %+v", report.Results)
	}
	if report.Failed() != 1 {
		t.Fatalf("expected one failure, got %d", report.Failed())
	}
	for _, r := range report.Results {
		if r.Package == "guake" {
			if r.OK || !strings.HasPrefix(r.Message, "FAILED: rpms/guake failed to branch from master to f17") {
				t.Fatalf("unexpected guake result %+v", r)
			}
			continue
		}
		if !r.OK || r.Message != "rpms/"+r.Package+" branched successfully from master to f17" {
			t.Fatalf("unexpected result %+v", r)
		}
		f.listing(t, r.Package, "f17")
	}

	if l := f.listing(t, "fedocal", "f17"); !l.PointOfContact.IsOrphan() || l.Status != models.ListingOrphaned {
		t.Fatalf("orphaned listing not cloned as is: %+v", l)
	}
	for _, kind := range models.ACLKinds {
		if got := f.aclStatus(t, "offlineimap", "f17", models.Individual("pingou"), kind); got != models.ACLApproved {
			t.Fatalf("%s not cloned: %q", kind, got)
		}
	}
	if got := f.aclStatus(t, "geany", "f17", models.Group("perl-sig"), models.ACLCommit); got != models.ACLApproved {
		t.Fatalf("group commit not cloned: %q", got)
	}

	if n := f.logCount(t, TopicBranchStart); n != 1 {
		t.Fatalf("expected one %s entry, got %d", TopicBranchStart, n)
	}
	if n := f.logCount(t, TopicBranchComplete); n != 1 {
		t.Fatalf("expected one %s entry, got %d", TopicBranchComplete, n)
	}
	if got := testutil.ToFloat64(f.svc.metrics.branchedPackages.WithLabelValues("ok")); got != 3 {
		t.Fatalf("expected 3 branched packages, got %v", got)
	}
	if got := testutil.ToFloat64(f.svc.metrics.branchedPackages.WithLabelValues("failed")); got != 1 {
		t.Fatalf("expected 1 failed package, got %v", got)
	}
}

func TestPropagateBranchSkipsRetiredListings(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if err := setStatus(f, admin, "guake", "master", models.ListingRetired, models.Subject{}); err != nil {
		t.Fatal(err)
	}
	report, err := f.svc.PropagateBranch(ctx, admin, "master", "f17")
	if err != nil {
		t.Fatal(err)
	}
	if len(report.Results) != 3 || report.Failed() != 0 {
		t.Fatalf("unexpected report %+v", report.Results)
	}
	if _, err := f.db.GetListing(ctx, f.pkgs["guake"].ID, f.clts["f17"].ID); !isNoRows(err) {
		t.Fatalf("retired listing was branched: %v", err)
	}
}

func TestPropagateBranchRejections(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.PropagateBranch(ctx, toshio, "master", "f17")
	wantErr(t, err, ErrForbidden)
	_, err = f.svc.PropagateBranch(ctx, admin, "master", "master")
	wantErr(t, err, ErrValidation)
	_, err = f.svc.PropagateBranch(ctx, admin, "master", "f99")
	wantErr(t, err, ErrNotFound)

	if n := f.logCount(t, TopicBranchStart); n != 0 {
		t.Fatalf("rejected runs wrote %d start entries", n)
	}
}

func TestPropagateBranchAbortsOnStorageFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	svc := newTestService(t, aclWriteFailDB{f.db}, f.notifier)

	report, err := svc.PropagateBranch(ctx, admin, "master", "f17")
	if !errors.Is(err, errInjected) || errors.Is(err, ErrConflict) {
		t.Fatalf("expected the injected failure, got %v", err)
	}
	if report == nil || report.Failed() != 0 || len(report.Results) >= 4 {
		t.Fatalf("unexpected partial report %+v", report)
	}
	// The failing listing rolled back with its transaction.
	if _, err := f.db.GetListing(ctx, f.pkgs["guake"].ID, f.clts["f17"].ID); !isNoRows(err) {
		t.Fatalf("guake listing survived a failed clone: %v", err)
	}
	if n := f.logCount(t, TopicBranchStart); n != 1 {
		t.Fatalf("expected one %s entry, got %d", TopicBranchStart, n)
	}
	if n := f.logCount(t, TopicBranchComplete); n != 0 {
		t.Fatalf("aborted run wrote %d complete entries", n)
	}
}
