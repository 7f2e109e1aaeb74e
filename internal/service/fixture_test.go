package service

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/odvcencio/pkgdb/internal/bugzilla"
	"github.com/odvcencio/pkgdb/internal/database"
	"github.com/odvcencio/pkgdb/internal/identity"
	"github.com/odvcencio/pkgdb/internal/models"
)

var (
	admin  = models.Actor{Username: "admin", Groups: []string{"sysadmin-cvs"}}
	pingou = models.Actor{Username: "pingou", Groups: []string{"packager"}}
	ralph  = models.Actor{Username: "ralph", Groups: []string{"packager", "perl-sig"}}
	toshio = models.Actor{Username: "toshio", Groups: []string{"packager"}}
	kevin  = models.Actor{Username: "kevin", Groups: []string{"packager"}}
)

type recordingNotifier struct {
	mu      sync.Mutex
	changes []bugzilla.OwnerChange
	err     error
}

func (n *recordingNotifier) NotifyOwnerChange(_ context.Context, c bugzilla.OwnerChange) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.changes = append(n.changes, c)
	return n.err
}

func (n *recordingNotifier) sent() []bugzilla.OwnerChange {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]bugzilla.OwnerChange(nil), n.changes...)
}

type fixture struct {
	svc      *Service
	db       *database.SQLiteDB
	notifier *recordingNotifier
	clts     map[string]*models.Collection
	pkgs     map[string]*models.Package
}

func testPolicy() Policy {
	p := DefaultPolicy()
	p.AutoApprovePackagers = []string{"kevin"}
	return p
}

func openTestDB(t *testing.T) *database.SQLiteDB {
	t.Helper()
	db, err := database.OpenSQLite(filepath.Join(t.TempDir(), "pkgdb.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	if err := db.Migrate(context.Background()); err != nil {
		t.Fatal(err)
	}
	return db
}

func newTestService(t *testing.T, db database.DB, notifier bugzilla.Notifier) *Service {
	t.Helper()
	policy := testPolicy()
	return New(db, Options{
		Identity: identity.NewStatic(
			[]string{"pingou", "ralph", "toshio"},
			[]identity.Group{
				{Name: "perl-sig", Type: "pkgdb"},
				{Name: "infra-sig", Type: "tracking"},
			},
		),
		Notifier:   notifier,
		Policy:     &policy,
		Registerer: prometheus.NewRegistry(),
	})
}

// newFixture seeds a small catalog:
//
//	guake        f18, master   poc toshio, full ACL set
//	fedocal      master        orphaned
//	geany        f18, master   poc group::perl-sig
//	offlineimap  f18, master   poc pingou, full ACL set
//	perl-Moose   el6           retired
func newFixture(t *testing.T) *fixture {
	t.Helper()
	db := openTestDB(t)
	n := &recordingNotifier{}
	f := &fixture{
		svc:      newTestService(t, db, n),
		db:       db,
		notifier: n,
		clts:     map[string]*models.Collection{},
		pkgs:     map[string]*models.Package{},
	}
	ctx := context.Background()
	if err := db.CreateNamespace(ctx, "rpms"); err != nil {
		t.Fatal(err)
	}
	for _, c := range []models.Collection{
		{Name: "Fedora", Version: "17", Status: models.CollectionActive, Branch: "f17", DistTag: ".fc17", KojiName: "f17"},
		{Name: "Fedora", Version: "18", Status: models.CollectionActive, Branch: "f18", DistTag: ".fc18", KojiName: "f18"},
		{Name: "Fedora", Version: "devel", Status: models.CollectionUnderDevelopment, Branch: "master", DistTag: "devel", KojiName: "rawhide", AllowRetire: true},
		{Name: "Fedora EPEL", Version: "6", Status: models.CollectionActive, Branch: "el6", DistTag: ".el6", KojiName: "dist-6E-epel", AllowRetire: true},
		{Name: "Fedora EPEL", Version: "4", Status: models.CollectionEOL, Branch: "el4", DistTag: ".el4", KojiName: "dist-4E-epel"},
	} {
		c := c
		if err := db.CreateCollection(ctx, &c); err != nil {
			t.Fatal(err)
		}
		f.clts[c.Branch] = &c
	}

	f.addPackage(t, "guake", models.Individual("toshio"), models.ListingApproved, "f18", "master")
	f.addPackage(t, "fedocal", models.Orphan, models.ListingOrphaned, "master")
	f.addPackage(t, "geany", models.Group("perl-sig"), models.ListingApproved, "f18", "master")
	f.addPackage(t, "offlineimap", models.Individual("pingou"), models.ListingApproved, "f18", "master")
	f.addPackage(t, "perl-Moose", models.Orphan, models.ListingRetired, "el6")
	return f
}

// addPackage writes a package straight to the store. Individual owners get
// the full ACL set, groups everything but approveacls.
func (f *fixture) addPackage(t *testing.T, name string, poc models.Subject, status string, branches ...string) *models.Package {
	t.Helper()
	ctx := context.Background()
	pkg := &models.Package{Namespace: "rpms", Name: name, Summary: name + " package", Status: models.ListingApproved, Monitor: true}
	if err := f.db.CreatePackage(ctx, pkg); err != nil {
		t.Fatal(err)
	}
	f.pkgs[name] = pkg
	for _, b := range branches {
		l := &models.PackageListing{PackageID: pkg.ID, CollectionID: f.clts[b].ID, PointOfContact: poc, Status: status}
		if err := f.db.CreateListing(ctx, l); err != nil {
			t.Fatal(err)
		}
		if poc.IsOrphan() {
			continue
		}
		for _, kind := range models.ACLKinds {
			if kind == models.ACLApproveACLs && poc.IsGroup() {
				continue
			}
			if err := f.db.CreateACL(ctx, &models.ACL{ListingID: l.ID, Subject: poc, Kind: kind, Status: models.ACLApproved}); err != nil {
				t.Fatal(err)
			}
		}
	}
	return pkg
}

func (f *fixture) listing(t *testing.T, pkg, branch string) *models.PackageListing {
	t.Helper()
	l, err := f.db.GetListing(context.Background(), f.pkgs[pkg].ID, f.clts[branch].ID)
	if err != nil {
		t.Fatalf("listing %s on %s: %v", pkg, branch, err)
	}
	return l
}

// aclStatus returns the status of one ACL entry, or "" when absent.
func (f *fixture) aclStatus(t *testing.T, pkg, branch string, subject models.Subject, kind string) string {
	t.Helper()
	l := f.listing(t, pkg, branch)
	acl, err := f.db.GetACL(context.Background(), l.ID, subject, kind)
	if err != nil {
		return ""
	}
	return acl.Status
}

func (f *fixture) logCount(t *testing.T, topic string) int {
	t.Helper()
	entries, err := f.db.ListLogEntries(context.Background(), database.LogFilter{Topic: topic})
	if err != nil {
		t.Fatal(err)
	}
	return len(entries)
}

func wantErr(t *testing.T, err, target error) {
	t.Helper()
	if !errors.Is(err, target) {
		t.Fatalf("expected %v, got %v", target, err)
	}
}
