package domain

import (
	"fmt"
	"sort"
)

// Flag is a chat tag from a closed vocabulary.
type Flag string

const (
	FlagMaxReassignmentsReached Flag = "max_reassignments_reached"
	FlagOperatorIdle            Flag = "operator_idle"
	FlagQueueTimeout            Flag = "queue_timeout"
	FlagContentFlagged          Flag = "content_flagged"
)

var knownFlags = map[Flag]struct{}{
	FlagMaxReassignmentsReached: {},
	FlagOperatorIdle:            {},
	FlagQueueTimeout:            {},
	FlagContentFlagged:          {},
}

// escalationFlags are cleared when an admin resolves an escalation.
var escalationFlags = []Flag{FlagMaxReassignmentsReached, FlagOperatorIdle, FlagQueueTimeout}

// ParseFlag validates a stored flag value.
func ParseFlag(s string) (Flag, error) {
	f := Flag(s)
	if _, ok := knownFlags[f]; !ok {
		return "", fmt.Errorf("unknown chat flag %q", s)
	}
	return f, nil
}

// FlagSet is an unordered set of flags.
type FlagSet map[Flag]struct{}

// NewFlagSet builds a set from flags.
func NewFlagSet(flags ...Flag) FlagSet {
	s := make(FlagSet, len(flags))
	for _, f := range flags {
		s[f] = struct{}{}
	}
	return s
}

// ParseFlagSet validates and converts stored values.
func ParseFlagSet(values []string) (FlagSet, error) {
	s := make(FlagSet, len(values))
	for _, v := range values {
		f, err := ParseFlag(v)
		if err != nil {
			return nil, err
		}
		s[f] = struct{}{}
	}
	return s, nil
}

// Has reports membership.
func (s FlagSet) Has(f Flag) bool {
	_, ok := s[f]
	return ok
}

// Add inserts f, allocating the set if needed.
func (s *FlagSet) Add(f Flag) {
	if *s == nil {
		*s = make(FlagSet)
	}
	(*s)[f] = struct{}{}
}

// ClearEscalation removes every escalation trigger flag.
func (s FlagSet) ClearEscalation() {
	for _, f := range escalationFlags {
		delete(s, f)
	}
}

// Clone copies the set.
func (s FlagSet) Clone() FlagSet {
	out := make(FlagSet, len(s))
	for f := range s {
		out[f] = struct{}{}
	}
	return out
}

// Strings returns the flags sorted for stable storage.
func (s FlagSet) Strings() []string {
	out := make([]string, 0, len(s))
	for f := range s {
		out = append(out, string(f))
	}
	sort.Strings(out)
	return out
}
