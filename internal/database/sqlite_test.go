package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/odvcencio/pkgdb/internal/models"
)

func openTestDB(t *testing.T) *SQLiteDB {
	t.Helper()
	db, err := OpenSQLite(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	if err := db.Migrate(context.Background()); err != nil {
		t.Fatal(err)
	}
	return db
}

func seedListing(t *testing.T, db *SQLiteDB) (*models.Package, *models.Collection, *models.PackageListing) {
	t.Helper()
	ctx := context.Background()
	if err := db.CreateNamespace(ctx, "rpms"); err != nil {
		t.Fatal(err)
	}
	pkg := &models.Package{Namespace: "rpms", Name: "guake", Summary: "Top down terminal", Status: models.ListingApproved}
	if err := db.CreatePackage(ctx, pkg); err != nil {
		t.Fatal(err)
	}
	clt := &models.Collection{Name: "Fedora", Version: "18", Status: models.CollectionActive, Branch: "f18", DistTag: ".fc18"}
	if err := db.CreateCollection(ctx, clt); err != nil {
		t.Fatal(err)
	}
	l := &models.PackageListing{PackageID: pkg.ID, CollectionID: clt.ID, PointOfContact: models.Individual("pingou"), Status: models.ListingApproved}
	if err := db.CreateListing(ctx, l); err != nil {
		t.Fatal(err)
	}
	return pkg, clt, l
}

func TestSQLiteListingRoundTrip(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	pkg, clt, l := seedListing(t, db)

	got, err := db.GetListing(ctx, pkg.ID, clt.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.ID != l.ID || !got.PointOfContact.Is("pingou") {
		t.Fatalf("unexpected listing %#v", got)
	}
	if got.Namespace != "rpms" || got.PackageName != "guake" || got.Branch != "f18" {
		t.Fatalf("join fields not populated: %#v", got)
	}

	got.PointOfContact = models.Group("perl-sig")
	got.Status = models.ListingOrphaned
	if err := db.UpdateListing(ctx, got); err != nil {
		t.Fatal(err)
	}
	again, err := db.GetListing(ctx, pkg.ID, clt.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !again.PointOfContact.IsGroup() || again.PointOfContact.Name != "perl-sig" {
		t.Fatalf("point of contact = %#v, want group perl-sig", again.PointOfContact)
	}
}

func TestSQLiteMissingRowsReturnErrNoRows(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	if _, err := db.GetPackage(ctx, "rpms", "nope"); !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("GetPackage error = %v, want sql.ErrNoRows", err)
	}
	if _, err := db.GetCollectionByBranch(ctx, "f99"); !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("GetCollectionByBranch error = %v, want sql.ErrNoRows", err)
	}
	if err := db.DeleteNamespace(ctx, "nope"); !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("DeleteNamespace error = %v, want sql.ErrNoRows", err)
	}
}

func TestSQLiteUniqueViolationsAreConflicts(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	pkg, clt, l := seedListing(t, db)

	dup := &models.PackageListing{PackageID: pkg.ID, CollectionID: clt.ID, PointOfContact: models.Orphan, Status: models.ListingOrphaned}
	err := db.CreateListing(ctx, dup)
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("duplicate listing error = %v, want ErrConflict", err)
	}

	acl := &models.ACL{ListingID: l.ID, Subject: models.Individual("pingou"), Kind: models.ACLCommit, Status: models.ACLApproved}
	if err := db.CreateACL(ctx, acl); err != nil {
		t.Fatal(err)
	}
	again := &models.ACL{ListingID: l.ID, Subject: models.Individual("pingou"), Kind: models.ACLCommit, Status: models.ACLAwaitingReview}
	if err := db.CreateACL(ctx, again); !errors.Is(err, ErrConflict) {
		t.Fatalf("duplicate acl error = %v, want ErrConflict", err)
	}

	if err := db.DeleteNamespace(ctx, "rpms"); !errors.Is(err, ErrConflict) {
		t.Fatalf("delete referenced namespace error = %v, want ErrConflict", err)
	}
}

func TestSQLiteInTxRollsBackOnError(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	if err := db.CreateNamespace(ctx, "rpms"); err != nil {
		t.Fatal(err)
	}

	boom := errors.New("boom")
	err := db.InTx(ctx, func(st Store) error {
		if err := st.CreatePackage(ctx, &models.Package{Namespace: "rpms", Name: "zsh", Status: models.ListingApproved}); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("InTx error = %v, want boom", err)
	}
	if _, err := db.GetPackage(ctx, "rpms", "zsh"); !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("package survived rollback: err = %v", err)
	}

	if err := db.InTx(ctx, func(st Store) error {
		return st.CreatePackage(ctx, &models.Package{Namespace: "rpms", Name: "zsh", Status: models.ListingApproved})
	}); err != nil {
		t.Fatal(err)
	}
	if _, err := db.GetPackage(ctx, "rpms", "zsh"); err != nil {
		t.Fatalf("committed package missing: %v", err)
	}
}

func TestSQLiteAdminActionOptimisticVersion(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	pkg, clt, _ := seedListing(t, db)

	action := &models.AdminAction{
		Kind:         models.ActionRequestBranch,
		Requester:    "pingou",
		Namespace:    pkg.Namespace,
		PackageName:  pkg.Name,
		PackageID:    &pkg.ID,
		CollectionID: clt.ID,
		Status:       models.ActionPending,
	}
	if err := db.CreateAdminAction(ctx, action); err != nil {
		t.Fatal(err)
	}

	first, err := db.GetAdminAction(ctx, action.ID)
	if err != nil {
		t.Fatal(err)
	}
	second, err := db.GetAdminAction(ctx, action.ID)
	if err != nil {
		t.Fatal(err)
	}
	if first.Branch != "f18" || first.PackageID == nil || *first.PackageID != pkg.ID {
		t.Fatalf("unexpected action %#v", first)
	}

	first.Status = models.ActionApproved
	if err := db.UpdateAdminAction(ctx, first); err != nil {
		t.Fatal(err)
	}
	second.Status = models.ActionDenied
	second.Message = "no"
	if err := db.UpdateAdminAction(ctx, second); !errors.Is(err, ErrConflict) {
		t.Fatalf("stale update error = %v, want ErrConflict", err)
	}

	got, err := db.GetAdminAction(ctx, action.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != models.ActionApproved || got.Version != 2 {
		t.Fatalf("status=%q version=%d, want Approved/2", got.Status, got.Version)
	}
}

func TestSQLiteListAdminActionsFilters(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	pkg, clt, _ := seedListing(t, db)

	info, _ := json.Marshal(models.NewPackageInfo{Name: "zsh", Namespace: "rpms"})
	for _, a := range []*models.AdminAction{
		{Kind: models.ActionRequestPackage, Requester: "pingou", Namespace: "rpms", PackageName: "zsh", CollectionID: clt.ID, Status: models.ActionAwaitingReview, Info: info},
		{Kind: models.ActionRequestBranch, Requester: "ralph", Namespace: "rpms", PackageName: pkg.Name, PackageID: &pkg.ID, CollectionID: clt.ID, Status: models.ActionPending},
	} {
		if err := db.CreateAdminAction(ctx, a); err != nil {
			t.Fatal(err)
		}
	}

	got, err := db.ListAdminActions(ctx, ActionFilter{PackageName: "zsh", Statuses: []string{models.ActionAwaitingReview}})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].Kind != models.ActionRequestPackage || got[0].PackageID != nil {
		t.Fatalf("unexpected actions %#v", got)
	}
	var decoded models.NewPackageInfo
	if err := json.Unmarshal(got[0].Info, &decoded); err != nil || decoded.Name != "zsh" {
		t.Fatalf("info = %s, err = %v", got[0].Info, err)
	}

	got, err = db.ListAdminActions(ctx, ActionFilter{Kinds: []string{models.ActionRequestBranch}, Requester: "ralph"})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].Requester != "ralph" {
		t.Fatalf("unexpected actions %#v", got)
	}
}

func TestSQLiteACLFilters(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	pkg, _, l := seedListing(t, db)

	for _, a := range []*models.ACL{
		{ListingID: l.ID, Subject: models.Individual("pingou"), Kind: models.ACLApproveACLs, Status: models.ACLApproved},
		{ListingID: l.ID, Subject: models.Individual("ralph"), Kind: models.ACLCommit, Status: models.ACLAwaitingReview},
		{ListingID: l.ID, Subject: models.Group("perl-sig"), Kind: models.ACLCommit, Status: models.ACLApproved},
	} {
		if err := db.CreateACL(ctx, a); err != nil {
			t.Fatal(err)
		}
	}

	pending, err := db.ListACLs(ctx, ACLFilter{PackageID: pkg.ID, Statuses: []string{models.ACLAwaitingReview}})
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 1 || !pending[0].Subject.Is("ralph") || pending[0].Branch != "f18" {
		t.Fatalf("unexpected pending acls %#v", pending)
	}

	group, err := db.GetACL(ctx, l.ID, models.Group("perl-sig"), models.ACLCommit)
	if err != nil {
		t.Fatal(err)
	}
	if err := db.DeleteACL(ctx, group.ID); err != nil {
		t.Fatal(err)
	}
	all, err := db.ListListingACLs(ctx, l.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 2 {
		t.Fatalf("len(acls) = %d, want 2", len(all))
	}
}

func TestSQLiteLogEntryFilters(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	pkg, _, _ := seedListing(t, db)

	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	entries := []*models.LogEntry{
		{User: "pingou", PackageID: &pkg.ID, Topic: "acl.update", Description: "one", CreatedAt: base},
		{User: "admin", PackageID: &pkg.ID, Topic: "owner.update", Description: "two", CreatedAt: base.Add(time.Hour)},
		{User: "admin", Topic: "branch.start", Description: "three", Payload: json.RawMessage(`{"from":"master"}`), CreatedAt: base.Add(2 * time.Hour)},
	}
	for _, e := range entries {
		if err := db.CreateLogEntry(ctx, e); err != nil {
			t.Fatal(err)
		}
	}

	byPkg, err := db.ListLogEntries(ctx, LogFilter{PackageID: pkg.ID})
	if err != nil {
		t.Fatal(err)
	}
	if len(byPkg) != 2 {
		t.Fatalf("len(byPkg) = %d, want 2", len(byPkg))
	}

	byUser, err := db.ListLogEntries(ctx, LogFilter{User: "admin", Since: base.Add(90 * time.Minute)})
	if err != nil {
		t.Fatal(err)
	}
	if len(byUser) != 1 || byUser[0].Description != "three" || byUser[0].PackageID != nil {
		t.Fatalf("unexpected entries %#v", byUser)
	}
	if string(byUser[0].Payload) != `{"from":"master"}` {
		t.Fatalf("payload = %s", byUser[0].Payload)
	}
}
