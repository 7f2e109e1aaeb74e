package bugzilla

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestClientUpdatesDefaultAssignee(t *testing.T) {
	var gotPath, gotKey, gotDelivery string
	var got componentUpdate
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPut {
			t.Errorf("method = %s, want PUT", r.Method)
		}
		gotPath = r.URL.EscapedPath()
		gotKey = r.Header.Get("X-BUGZILLA-API-KEY")
		gotDelivery = r.Header.Get("X-Pkgdb-Delivery")
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode body: %v", err)
		}
		w.Write([]byte(`{"id":42}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL+"/", Options{APIKey: "key", EmailDomain: "fedoraproject.org"})
	err := c.NotifyOwnerChange(context.Background(), OwnerChange{
		Package:       "guake",
		Collection:    "Fedora EPEL",
		Version:       "6",
		NewOwner:      "ralph",
		PreviousOwner: "pingou",
		Actor:         "admin",
	})
	if err != nil {
		t.Fatalf("NotifyOwnerChange: %v", err)
	}
	if gotPath != "/rest/component/Fedora%20EPEL/guake" {
		t.Fatalf("path = %q", gotPath)
	}
	if gotKey != "key" {
		t.Fatalf("api key header = %q", gotKey)
	}
	if len(gotDelivery) != 36 {
		t.Fatalf("delivery id = %q, want a uuid", gotDelivery)
	}
	if got.DefaultAssignee != "ralph@fedoraproject.org" || got.Version != "6" {
		t.Fatalf("body = %#v", got)
	}
	if !strings.Contains(got.Comment, "pingou to ralph") {
		t.Fatalf("comment = %q", got.Comment)
	}
}

func TestClientReportsHTTPFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "component not found", http.StatusNotFound)
	}))
	defer srv.Close()

	err := NewClient(srv.URL, Options{}).NotifyOwnerChange(context.Background(), OwnerChange{Package: "zsh", Collection: "Fedora", NewOwner: "orphan"})
	if err == nil || !strings.Contains(err.Error(), "status 404") {
		t.Fatalf("error = %v, want status 404", err)
	}
}

func TestAddress(t *testing.T) {
	c := NewClient("http://bz", Options{EmailDomain: "example.org"})
	if got := c.address("pingou"); got != "pingou@example.org" {
		t.Fatalf("address(pingou) = %q", got)
	}
	if got := c.address("a@b.c"); got != "a@b.c" {
		t.Fatalf("address(a@b.c) = %q", got)
	}
	if got := NewClient("http://bz", Options{}).address("pingou"); got != "pingou" {
		t.Fatalf("address without domain = %q", got)
	}
}
