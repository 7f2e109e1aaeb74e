// Package bugzilla mirrors package ownership into the bug tracker.
package bugzilla

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
)

// OwnerChange describes a point-of-contact change on one branch.
type OwnerChange struct {
	Namespace     string
	Package       string
	Collection    string
	Version       string
	NewOwner      string
	PreviousOwner string
	Actor         string
}

type Notifier interface {
	NotifyOwnerChange(ctx context.Context, change OwnerChange) error
}

// Nop drops every notification.
type Nop struct{}

func (Nop) NotifyOwnerChange(context.Context, OwnerChange) error { return nil }

type Options struct {
	APIKey      string
	EmailDomain string
	Timeout     time.Duration
}

// Client updates the default assignee of the component matching a package.
type Client struct {
	baseURL     string
	apiKey      string
	emailDomain string
	client      *http.Client
}

func NewClient(baseURL string, opts Options) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	return &Client{
		baseURL:     strings.TrimRight(baseURL, "/"),
		apiKey:      opts.APIKey,
		emailDomain: opts.EmailDomain,
		client:      &http.Client{Timeout: opts.Timeout},
	}
}

type componentUpdate struct {
	DefaultAssignee string `json:"default_assignee"`
	Version         string `json:"version,omitempty"`
	Comment         string `json:"comment,omitempty"`
}

func (c *Client) NotifyOwnerChange(ctx context.Context, change OwnerChange) error {
	body, err := json.Marshal(componentUpdate{
		DefaultAssignee: c.address(change.NewOwner),
		Version:         change.Version,
		Comment:         fmt.Sprintf("owner changed from %s to %s by %s", change.PreviousOwner, change.NewOwner, change.Actor),
	})
	if err != nil {
		return err
	}
	endpoint := fmt.Sprintf("%s/rest/component/%s/%s", c.baseURL, url.PathEscape(change.Collection), url.PathEscape(change.Package))
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Pkgdb-Delivery", uuid.NewString())
	if c.apiKey != "" {
		req.Header.Set("X-BUGZILLA-API-KEY", c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("update component %s/%s: %w", change.Collection, change.Package, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("update component %s/%s: status %d: %s", change.Collection, change.Package, resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	io.Copy(io.Discard, resp.Body)
	return nil
}

func (c *Client) address(owner string) string {
	if c.emailDomain == "" || strings.Contains(owner, "@") {
		return owner
	}
	return owner + "@" + c.emailDomain
}
