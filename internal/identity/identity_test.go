package identity

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestStaticProvider(t *testing.T) {
	p := NewStatic([]string{"pingou"}, []Group{{Name: "perl-sig", Type: "pkgdb"}, {Name: "perl", Type: "tracking"}})
	ctx := context.Background()

	if ok, _ := p.IsPackager(ctx, "pingou"); !ok {
		t.Fatal("pingou should be a packager")
	}
	if ok, _ := p.IsPackager(ctx, "nobody"); ok {
		t.Fatal("nobody should not be a packager")
	}
	g, err := p.ResolveGroup(ctx, "perl-sig")
	if err != nil || !g.Exists || g.Type != "pkgdb" {
		t.Fatalf("ResolveGroup(perl-sig) = %#v, %v", g, err)
	}
	g, err = p.ResolveGroup(ctx, "python-sig")
	if err != nil || g.Exists {
		t.Fatalf("ResolveGroup(python-sig) = %#v, %v", g, err)
	}
}

func newFASServer(t *testing.T, hits *int64) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/groups/packager/members/", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(hits, 1)
		if user, pass, ok := r.BasicAuth(); !ok || user != "pkgdb" || pass != "s3cret" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"result":[{"username":"pingou"},{"username":"ralph"}]}`))
	})
	mux.HandleFunc("GET /v1/groups/perl-sig/", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(hits, 1)
		w.Write([]byte(`{"result":{"groupname":"perl-sig","group_type":"pkgdb"}}`))
	})
	mux.HandleFunc("GET /v1/groups/broken/", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestFASClientPackagersAreCached(t *testing.T) {
	var hits int64
	srv := newFASServer(t, &hits)
	c := NewFASClient(srv.URL+"/", FASOptions{Username: "pkgdb", Password: "s3cret", CacheTTL: time.Hour})
	ctx := context.Background()

	for _, name := range []string{"pingou", "ralph", "toshio"} {
		ok, err := c.IsPackager(ctx, name)
		if err != nil {
			t.Fatalf("IsPackager(%s): %v", name, err)
		}
		if want := name != "toshio"; ok != want {
			t.Fatalf("IsPackager(%s) = %v, want %v", name, ok, want)
		}
	}
	if atomic.LoadInt64(&hits) != 1 {
		t.Fatalf("packager list fetched %d times, want 1", hits)
	}

	current := time.Now()
	c.now = func() time.Time { return current.Add(2 * time.Hour) }
	if _, err := c.IsPackager(ctx, "pingou"); err != nil {
		t.Fatal(err)
	}
	if atomic.LoadInt64(&hits) != 2 {
		t.Fatalf("expired cache should refetch, hits = %d", hits)
	}
}

func TestFASClientConcurrentMissesShareRequest(t *testing.T) {
	var hits int64
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&hits, 1)
		<-release
		w.Write([]byte(`{"result":[{"username":"pingou"}]}`))
	}))
	defer srv.Close()
	c := NewFASClient(srv.URL, FASOptions{})

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := c.IsPackager(context.Background(), "pingou"); err != nil {
				errs <- err
			}
		}()
	}
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatal(err)
	}
	if atomic.LoadInt64(&hits) != 1 {
		t.Fatalf("hits = %d, want 1", hits)
	}
}

func TestFASClientResolveGroup(t *testing.T) {
	var hits int64
	srv := newFASServer(t, &hits)
	c := NewFASClient(srv.URL, FASOptions{Username: "pkgdb", Password: "s3cret"})
	ctx := context.Background()

	g, err := c.ResolveGroup(ctx, "perl-sig")
	if err != nil {
		t.Fatal(err)
	}
	if !g.Exists || g.Type != "pkgdb" || g.Name != "perl-sig" {
		t.Fatalf("ResolveGroup(perl-sig) = %#v", g)
	}

	g, err = c.ResolveGroup(ctx, "nonexistent-sig")
	if err != nil {
		t.Fatal(err)
	}
	if g.Exists {
		t.Fatalf("unknown group reported as existing: %#v", g)
	}

	if _, err := c.ResolveGroup(ctx, "broken"); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("ResolveGroup(broken) error = %v, want ErrUnavailable", err)
	}
}

func TestFASClientUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	c := NewFASClient(url, FASOptions{Timeout: time.Second})
	if _, err := c.IsPackager(context.Background(), "pingou"); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("IsPackager error = %v, want ErrUnavailable", err)
	}
}
