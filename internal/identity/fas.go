package identity

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// FASClient queries an account system over HTTP. Packager membership and
// group lookups are cached for a TTL, and concurrent misses for the same key
// share one request.
type FASClient struct {
	baseURL       string
	username      string
	password      string
	packagerGroup string
	client        *http.Client
	ttl           time.Duration
	now           func() time.Time

	flight singleflight.Group

	mu          sync.Mutex
	packagers   map[string]struct{}
	packagersAt time.Time
	groups      map[string]cachedGroup
}

type cachedGroup struct {
	group Group
	at    time.Time
}

type FASOptions struct {
	Username      string
	Password      string
	PackagerGroup string
	CacheTTL      time.Duration
	Timeout       time.Duration
}

func NewFASClient(baseURL string, opts FASOptions) *FASClient {
	if opts.PackagerGroup == "" {
		opts.PackagerGroup = "packager"
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = 5 * time.Minute
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	return &FASClient{
		baseURL:       strings.TrimRight(baseURL, "/"),
		username:      opts.Username,
		password:      opts.Password,
		packagerGroup: opts.PackagerGroup,
		client:        &http.Client{Timeout: opts.Timeout},
		ttl:           opts.CacheTTL,
		now:           time.Now,
		groups:        make(map[string]cachedGroup),
	}
}

func (c *FASClient) IsPackager(ctx context.Context, username string) (bool, error) {
	members, err := c.packagerSet(ctx)
	if err != nil {
		return false, err
	}
	_, ok := members[username]
	return ok, nil
}

func (c *FASClient) ResolveGroup(ctx context.Context, name string) (Group, error) {
	c.mu.Lock()
	if cached, ok := c.groups[name]; ok && c.now().Sub(cached.at) < c.ttl {
		c.mu.Unlock()
		return cached.group, nil
	}
	c.mu.Unlock()

	v, err, _ := c.flight.Do("group:"+name, func() (any, error) {
		var body struct {
			Result Group `json:"result"`
		}
		found, err := c.getJSON(ctx, "/v1/groups/"+url.PathEscape(name)+"/", &body)
		if err != nil {
			return Group{}, err
		}
		g := Group{Name: name}
		if found {
			g = body.Result
			g.Exists = true
			if g.Name == "" {
				g.Name = name
			}
		}
		c.mu.Lock()
		c.groups[name] = cachedGroup{group: g, at: c.now()}
		c.mu.Unlock()
		return g, nil
	})
	if err != nil {
		return Group{}, err
	}
	return v.(Group), nil
}

func (c *FASClient) packagerSet(ctx context.Context) (map[string]struct{}, error) {
	c.mu.Lock()
	if c.packagers != nil && c.now().Sub(c.packagersAt) < c.ttl {
		set := c.packagers
		c.mu.Unlock()
		return set, nil
	}
	c.mu.Unlock()

	v, err, _ := c.flight.Do("packagers", func() (any, error) {
		var body struct {
			Result []struct {
				Username string `json:"username"`
			} `json:"result"`
		}
		found, err := c.getJSON(ctx, "/v1/groups/"+url.PathEscape(c.packagerGroup)+"/members/", &body)
		if err != nil {
			return nil, err
		}
		if !found {
			return nil, fmt.Errorf("%w: packager group %q not found", ErrUnavailable, c.packagerGroup)
		}
		set := make(map[string]struct{}, len(body.Result))
		for _, m := range body.Result {
			set[m.Username] = struct{}{}
		}
		c.mu.Lock()
		c.packagers = set
		c.packagersAt = c.now()
		c.mu.Unlock()
		return set, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(map[string]struct{}), nil
}

// getJSON decodes a 200 response into out. A 404 reports found=false; any
// other failure is wrapped in ErrUnavailable.
func (c *FASClient) getJSON(ctx context.Context, path string, out any) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	req.Header.Set("Accept", "application/json")
	if c.username != "" {
		req.SetBasicAuth(c.username, c.password)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		io.Copy(io.Discard, resp.Body)
		return false, nil
	case resp.StatusCode != http.StatusOK:
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return false, fmt.Errorf("%w: GET %s: status %d: %s", ErrUnavailable, path, resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return false, fmt.Errorf("%w: decode %s: %v", ErrUnavailable, path, err)
	}
	return true, nil
}
