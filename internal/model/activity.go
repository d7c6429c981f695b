package model

import "strings"

// ActivitySet is the declared, versioned set of activity types a deployment
// accepts. Older producers only know playing/watching; listening was added
// later, so the set is configuration rather than a hard-coded switch.
type ActivitySet struct {
	types []ActivityType
}

// DefaultActivitySet accepts playing, watching and listening.
var DefaultActivitySet = NewActivitySet(ActivityPlaying, ActivityWatching, ActivityListening)

// NewActivitySet builds a set from the given types, dropping blanks and
// duplicates. Values are case-folded.
func NewActivitySet(types ...ActivityType) ActivitySet {
	seen := make(map[ActivityType]bool, len(types))
	out := make([]ActivityType, 0, len(types))
	for _, t := range types {
		t = ActivityType(strings.ToLower(strings.TrimSpace(string(t))))
		if t == "" || t == "none" || seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	return ActivitySet{types: out}
}

// ParseActivitySet reads a comma separated list such as "playing,watching".
// An empty list yields DefaultActivitySet.
func ParseActivitySet(list []string) ActivitySet {
	types := make([]ActivityType, 0, len(list))
	for _, item := range list {
		types = append(types, ActivityType(item))
	}
	set := NewActivitySet(types...)
	if len(set.types) == 0 {
		return DefaultActivitySet
	}
	return set
}

// Parse case-folds s. It returns (nil, true) when s is empty or "none",
// (&t, true) for a member of the set and (nil, false) for anything else.
func (s ActivitySet) Parse(raw string) (*ActivityType, bool) {
	folded := ActivityType(strings.ToLower(strings.TrimSpace(raw)))
	if folded == "" || folded == "none" {
		return nil, true
	}
	for _, t := range s.types {
		if t == folded {
			found := t
			return &found, true
		}
	}
	return nil, false
}

// Names returns the accepted types as strings, in declaration order.
func (s ActivitySet) Names() []string {
	out := make([]string, len(s.types))
	for i, t := range s.types {
		out[i] = string(t)
	}
	return out
}
