// Package identity answers account and group questions for the ACL engine:
// whether an account is an active packager, and what kind of group a name
// denotes.
package identity

import (
	"context"
	"errors"
)

// ErrUnavailable wraps every failure to reach the identity directory.
var ErrUnavailable = errors.New("identity provider unavailable")

// Group describes a directory group. Exists is false for unknown names.
type Group struct {
	Name   string `json:"groupname"`
	Type   string `json:"group_type"`
	Exists bool   `json:"-"`
}

type Provider interface {
	IsPackager(ctx context.Context, username string) (bool, error)
	ResolveGroup(ctx context.Context, name string) (Group, error)
}

// Static serves answers from fixed lists. It backs development setups and
// tests.
type Static struct {
	packagers map[string]struct{}
	groups    map[string]Group
}

func NewStatic(packagers []string, groups []Group) *Static {
	s := &Static{
		packagers: make(map[string]struct{}, len(packagers)),
		groups:    make(map[string]Group, len(groups)),
	}
	for _, p := range packagers {
		s.packagers[p] = struct{}{}
	}
	for _, g := range groups {
		g.Exists = true
		s.groups[g.Name] = g
	}
	return s
}

func (s *Static) IsPackager(_ context.Context, username string) (bool, error) {
	_, ok := s.packagers[username]
	return ok, nil
}

func (s *Static) ResolveGroup(_ context.Context, name string) (Group, error) {
	if g, ok := s.groups[name]; ok {
		return g, nil
	}
	return Group{Name: name}, nil
}
