package models

import (
	"encoding/json"
	"strings"
)

// GroupPrefix marks a group subject in its persisted form.
const GroupPrefix = "group::"

// OrphanName is the persisted form of the orphan point of contact.
const OrphanName = "orphan"

type SubjectKind int

const (
	SubjectIndividual SubjectKind = iota
	SubjectGroup
	SubjectOrphan
)

func (k SubjectKind) String() string {
	switch k {
	case SubjectGroup:
		return "group"
	case SubjectOrphan:
		return "orphan"
	default:
		return "individual"
	}
}

// Subject is the holder of an ACL or the point of contact of a listing:
// an individual account, a group, or the orphan sentinel.
type Subject struct {
	Kind SubjectKind
	Name string
}

var Orphan = Subject{Kind: SubjectOrphan, Name: OrphanName}

func Individual(name string) Subject { return Subject{Kind: SubjectIndividual, Name: name} }

func Group(name string) Subject { return Subject{Kind: SubjectGroup, Name: name} }

// ParseSubject reads the persisted form: "orphan", "group::<name>" or a
// plain account name.
func ParseSubject(s string) Subject {
	s = strings.TrimSpace(s)
	switch {
	case s == OrphanName:
		return Orphan
	case strings.HasPrefix(s, GroupPrefix):
		return Group(strings.TrimPrefix(s, GroupPrefix))
	default:
		return Individual(s)
	}
}

func (s Subject) String() string {
	switch s.Kind {
	case SubjectGroup:
		return GroupPrefix + s.Name
	case SubjectOrphan:
		return OrphanName
	default:
		return s.Name
	}
}

func (s Subject) IsOrphan() bool { return s.Kind == SubjectOrphan }

func (s Subject) IsGroup() bool { return s.Kind == SubjectGroup }

func (s Subject) IsZero() bool { return s.Kind == SubjectIndividual && s.Name == "" }

// Is reports whether the subject is the individual with the given username.
func (s Subject) Is(username string) bool {
	return s.Kind == SubjectIndividual && s.Name == username
}

func (s Subject) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *Subject) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*s = ParseSubject(raw)
	return nil
}
