// Package rhel checks EPEL branch requests against the package lists of the
// enterprise distribution they build on.
package rhel

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"
)

// Checker reports whether a package already ships in the given enterprise
// release in a way that an EPEL branch would shadow.
type Checker interface {
	Conflicts(ctx context.Context, version, pkg string) (bool, error)
}

// PackageList is the published content of one enterprise release.
type PackageList struct {
	Arches   []string               `json:"arches"`
	Packages map[string]PackageArch `json:"packages"`
}

type PackageArch struct {
	Arch []string `json:"arch"`
}

// Conflicts applies the shadowing rule: a package built for every release
// architecture, with or without a noarch build, or only as noarch, blocks
// the branch. Partial architecture coverage does not.
func (l *PackageList) Conflicts(pkg string) bool {
	if l == nil {
		return false
	}
	entry, ok := l.Packages[pkg]
	if !ok {
		return false
	}
	arches := archSet(l.Arches)
	pkgArches := archSet(entry.Arch)
	if len(pkgArches) == 1 {
		if _, ok := pkgArches["noarch"]; ok {
			return true
		}
	}
	var diff []string
	for a := range arches {
		if _, ok := pkgArches[a]; !ok {
			diff = append(diff, a)
		}
	}
	for a := range pkgArches {
		if _, ok := arches[a]; !ok {
			diff = append(diff, a)
		}
	}
	switch {
	case len(diff) == 0:
		return true
	case len(diff) == 1 && diff[0] == "noarch":
		return true
	}
	return false
}

func archSet(arches []string) map[string]struct{} {
	out := make(map[string]struct{}, len(arches))
	for _, a := range arches {
		if a == "i386" {
			a = "i686"
		}
		out[a] = struct{}{}
	}
	return out
}

// Client fetches package lists published as <base>/rhel<version>.json,
// optionally gzip-compressed.
type Client struct {
	baseURL string
	client  *http.Client
}

func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

func (c *Client) Conflicts(ctx context.Context, version, pkg string) (bool, error) {
	list, err := c.Fetch(ctx, version)
	if err != nil {
		return false, err
	}
	return list.Conflicts(pkg), nil
}

// Fetch downloads the package list of one release. A missing list yields an
// empty result.
func (c *Client) Fetch(ctx context.Context, version string) (*PackageList, error) {
	endpoint := fmt.Sprintf("%s/rhel%s.json", c.baseURL, url.PathEscape(version))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Accept-Encoding", "gzip")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch rhel %s packages: %w", version, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return &PackageList{}, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch rhel %s packages: status %d", version, resp.StatusCode)
	}

	var body io.Reader = resp.Body
	if strings.EqualFold(resp.Header.Get("Content-Encoding"), "gzip") {
		zr, err := gzip.NewReader(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("decompress rhel %s packages: %w", version, err)
		}
		defer zr.Close()
		body = zr
	}
	list := &PackageList{}
	if err := json.NewDecoder(body).Decode(list); err != nil {
		return nil, fmt.Errorf("decode rhel %s packages: %w", version, err)
	}
	return list, nil
}
