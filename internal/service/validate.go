package service

import (
	"context"
	"errors"
	"strings"

	"github.com/odvcencio/pkgdb/internal/models"
)

// validateSubject checks that a subject may become a point of contact or hold
// an ACL. Orphan passes only when allowOrphan is set.
func (s *Service) validateSubject(ctx context.Context, subject models.Subject, allowOrphan bool) error {
	switch subject.Kind {
	case models.SubjectOrphan:
		if allowOrphan {
			return nil
		}
		return invalidf("orphan cannot hold ACLs")
	case models.SubjectGroup:
		return s.validateGroup(ctx, subject.Name)
	}

	name := strings.TrimSpace(subject.Name)
	if name == "" {
		return invalidf("a user name is required")
	}
	if s.isExemptPackager(name) {
		return nil
	}
	if s.identity == nil {
		return unavailable("identity provider", errNoIdentity)
	}
	ok, err := s.identity.IsPackager(ctx, name)
	if err != nil {
		return unavailable("identity provider", err)
	}
	if !ok {
		return invalidf("user %q is not in the packager group", name)
	}
	return nil
}

func (s *Service) validateGroup(ctx context.Context, name string) error {
	if name == "" || !strings.HasSuffix(name, s.policy.GroupSuffix) {
		return invalidf("invalid group %q: all groups in pkgdb should end with %q", name, s.policy.GroupSuffix)
	}
	if s.identity == nil {
		return unavailable("identity provider", errNoIdentity)
	}
	g, err := s.identity.ResolveGroup(ctx, name)
	if err != nil {
		return unavailable("identity provider", err)
	}
	if !g.Exists {
		return invalidf("group %q does not exist", name)
	}
	if g.Type != s.policy.GroupType {
		return invalidf("invalid group %q: all groups in pkgdb should be of type %q", name, s.policy.GroupType)
	}
	return nil
}

var errNoIdentity = errors.New("not configured")
