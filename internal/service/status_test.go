package service

import (
	"context"
	"testing"

	"github.com/odvcencio/pkgdb/internal/models"
)

func setStatus(f *fixture, actor models.Actor, pkg, branch, status string, poc models.Subject) error {
	_, err := f.svc.SetListingStatus(context.Background(), actor, SetStatusRequest{
		Namespace: "rpms", Package: pkg, Branch: branch, Status: status, PointOfContact: poc,
	})
	return err
}

func TestRetireGroupOwnedPackage(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// f18 does not allow self-service retirement.
	wantErr(t, setStatus(f, ralph, "geany", "f18", models.ListingRetired, models.Subject{}), ErrForbidden)

	if err := setStatus(f, ralph, "geany", "master", models.ListingRetired, models.Subject{}); err != nil {
		t.Fatal(err)
	}
	l := f.listing(t, "geany", "master")
	if !l.PointOfContact.IsOrphan() || l.Status != models.ListingRetired {
		t.Fatalf("unexpected listing %+v", l)
	}
	acls, err := f.db.ListListingACLs(ctx, l.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(acls) == 0 {
		t.Fatal("expected ACLs on the listing")
	}
	for _, acl := range acls {
		if acl.Status != models.ACLObsolete {
			t.Fatalf("acl %s/%s is %s", acl.Subject, acl.Kind, acl.Status)
		}
	}
	pkg, _ := f.db.GetPackage(ctx, "rpms", "geany")
	if !pkg.Monitor {
		t.Fatal("monitoring cleared while f18 is still active")
	}

	if err := setStatus(f, admin, "geany", "f18", models.ListingRetired, models.Subject{}); err != nil {
		t.Fatalf("admin retire: %v", err)
	}
	pkg, _ = f.db.GetPackage(ctx, "rpms", "geany")
	if pkg.Monitor || pkg.Koschei {
		t.Fatalf("monitoring not cleared on a package retired everywhere: %+v", pkg)
	}
	if n := len(f.notifier.sent()); n != 2 {
		t.Fatalf("expected two notifications, got %d", n)
	}
}

func TestRetireRequiresRights(t *testing.T) {
	f := newFixture(t)
	wantErr(t, setStatus(f, pingou, "guake", "master", models.ListingRetired, models.Subject{}), ErrForbidden)
	if err := setStatus(f, toshio, "guake", "master", models.ListingRetired, models.Subject{}); err != nil {
		t.Fatal(err)
	}
	// Running the transition again repeats it.
	if err := setStatus(f, admin, "guake", "master", models.ListingRetired, models.Subject{}); err != nil {
		t.Fatal(err)
	}
	if n := f.logCount(t, TopicStatusUpdate); n != 2 {
		t.Fatalf("expected two %s entries, got %d", TopicStatusUpdate, n)
	}
}

func TestOrphanIsSelfService(t *testing.T) {
	f := newFixture(t)
	if err := setStatus(f, kevin, "guake", "f18", models.ListingOrphaned, models.Subject{}); err != nil {
		t.Fatal(err)
	}
	l := f.listing(t, "guake", "f18")
	if !l.PointOfContact.IsOrphan() || l.Status != models.ListingOrphaned {
		t.Fatalf("unexpected listing %+v", l)
	}
	if got := f.aclStatus(t, "guake", "f18", models.Individual("toshio"), models.ACLCommit); got != models.ACLApproved {
		t.Fatalf("orphaning touched ACLs: commit is %q", got)
	}
	if n := len(f.notifier.sent()); n != 0 {
		t.Fatalf("expected no notification, got %d", n)
	}
}

func TestAdminReapproval(t *testing.T) {
	f := newFixture(t)

	wantErr(t, setStatus(f, pingou, "fedocal", "master", models.ListingApproved, models.Individual("pingou")), ErrForbidden)
	wantErr(t, setStatus(f, admin, "fedocal", "master", models.ListingApproved, models.Subject{}), ErrValidation)
	wantErr(t, setStatus(f, admin, "fedocal", "master", models.ListingApproved, models.Orphan), ErrValidation)
	wantErr(t, setStatus(f, admin, "perl-Moose", "el6", models.ListingApproved, models.Subject{}), ErrValidation)

	if err := setStatus(f, admin, "fedocal", "master", models.ListingApproved, models.Individual("pingou")); err != nil {
		t.Fatal(err)
	}
	l := f.listing(t, "fedocal", "master")
	if !l.PointOfContact.Is("pingou") || l.Status != models.ListingApproved {
		t.Fatalf("unexpected listing %+v", l)
	}
	sent := f.notifier.sent()
	if len(sent) != 1 || sent[0].NewOwner != "pingou" || sent[0].PreviousOwner != "orphan" {
		t.Fatalf("unexpected notifications %+v", sent)
	}
}

func TestRemoveAndInvalidStatus(t *testing.T) {
	f := newFixture(t)
	wantErr(t, setStatus(f, toshio, "guake", "f18", models.ListingRemoved, models.Subject{}), ErrForbidden)
	if err := setStatus(f, admin, "guake", "f18", models.ListingRemoved, models.Subject{}); err != nil {
		t.Fatal(err)
	}
	if l := f.listing(t, "guake", "f18"); l.Status != models.ListingRemoved {
		t.Fatalf("unexpected listing %+v", l)
	}
	wantErr(t, setStatus(f, admin, "guake", "f18", "Deprecated", models.Subject{}), ErrValidation)
	wantErr(t, setStatus(f, admin, "guake", "el6", models.ListingOrphaned, models.Subject{}), ErrNotFound)
}
