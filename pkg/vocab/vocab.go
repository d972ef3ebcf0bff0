package vocab

import (
	"fmt"
	"sort"
	"strings"
	"unicode"
)

// Status is the knowledge level of a token. Higher values are better known.
type Status int

const (
	Uncollected Status = iota
	Unknown
	Learning
	Graduated
	Young
	Mature
)

// FullyKnown is the status rendered for tokens that need no study (punctuation, ignored tokens).
const FullyKnown = Mature

var statusNames = []string{"UNCOLLECTED", "UNKNOWN", "LEARNING", "GRADUATED", "YOUNG", "MATURE"}

func (s Status) String() string {
	if s < 0 || int(s) >= len(statusNames) {
		return fmt.Sprintf("Status(%d)", int(s))
	}
	return statusNames[s]
}

// ParseStatus accepts the names produced by String, case-insensitively.
func ParseStatus(v string) (Status, error) {
	v = strings.ToUpper(strings.TrimSpace(v))
	for i, n := range statusNames {
		if n == v {
			return Status(i), nil
		}
	}
	return 0, fmt.Errorf("unknown status %q", v)
}

// Valid reports whether s is one of the defined statuses.
func (s Status) Valid() bool { return s >= Uncollected && s <= Mature }

// Source identifies where a token record came from.
type Source int

const (
	SourceLocal Source = iota
	SourceWordField
	SourceSentenceField
)

func (s Source) String() string {
	switch s {
	case SourceLocal:
		return "LOCAL"
	case SourceWordField:
		return "WORD_FIELD"
	case SourceSentenceField:
		return "SENTENCE_FIELD"
	default:
		return fmt.Sprintf("Source(%d)", int(s))
	}
}

// State is a user-driven flag on a token.
type State int

const (
	StateIgnored State = iota
	StateTracked
)

func (s State) String() string {
	switch s {
	case StateIgnored:
		return "IGNORED"
	case StateTracked:
		return "TRACKED"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// ParseState accepts IGNORED or TRACKED.
func ParseState(v string) (State, error) {
	switch strings.ToUpper(strings.TrimSpace(v)) {
	case "IGNORED":
		return StateIgnored, nil
	case "TRACKED":
		return StateTracked, nil
	}
	return 0, fmt.Errorf("unknown state %q", v)
}

// HasState reports whether states contains s.
func HasState(states []State, s State) bool {
	for _, st := range states {
		if st == s {
			return true
		}
	}
	return false
}

// MergeStates appends the states of extra missing from base.
func MergeStates(base []State, extra []State) []State {
	for _, s := range extra {
		if !HasState(base, s) {
			base = append(base, s)
		}
	}
	return base
}

// MatchStrategy selects which forms of a token are looked up for one field kind.
type MatchStrategy string

const (
	MatchExact        MatchStrategy = "EXACT_FORM"
	MatchLemma        MatchStrategy = "LEMMA_FORM"
	MatchLemmaOrExact MatchStrategy = "LEMMA_OR_EXACT_FORM"
	MatchAnyForm      MatchStrategy = "ANY_FORM"
)

// UsesExact reports whether the exact surface form is consulted.
func (m MatchStrategy) UsesExact() bool { return m == MatchExact || m == MatchLemmaOrExact }

// UsesLemma reports whether the token's lemmas are consulted.
func (m MatchStrategy) UsesLemma() bool { return m == MatchLemma || m == MatchLemmaOrExact }

// UsesAnyForm reports whether any stored token sharing a lemma is consulted.
func (m MatchStrategy) UsesAnyForm() bool { return m == MatchAnyForm }

// Valid reports whether m is a known strategy.
func (m MatchStrategy) Valid() bool {
	switch m {
	case MatchExact, MatchLemma, MatchLemmaOrExact, MatchAnyForm:
		return true
	}
	return false
}

// Priority decides how multiple matched statuses are combined.
type Priority string

const (
	PriorityExact      Priority = "EXACT"
	PriorityLemma      Priority = "LEMMA"
	PriorityBestKnown  Priority = "BEST_KNOWN"
	PriorityLeastKnown Priority = "LEAST_KNOWN"
)

// Valid reports whether p is a known priority.
func (p Priority) Valid() bool {
	switch p {
	case PriorityExact, PriorityLemma, PriorityBestKnown, PriorityLeastKnown:
		return true
	}
	return false
}

// HasLetter reports whether s contains at least one letter in any script.
func HasLetter(s string) bool {
	for _, r := range s {
		if unicode.IsLetter(r) {
			return true
		}
	}
	return false
}

// MaxStatus returns the best known of statuses. statuses must be non-empty.
func MaxStatus(statuses ...Status) Status {
	best := statuses[0]
	for _, s := range statuses[1:] {
		if s > best {
			best = s
		}
	}
	return best
}

// MinStatus returns the least known of statuses. statuses must be non-empty.
func MinStatus(statuses ...Status) Status {
	least := statuses[0]
	for _, s := range statuses[1:] {
		if s < least {
			least = s
		}
	}
	return least
}

// CardStatus is the classified status of one supporting card.
type CardStatus struct {
	Status    Status `json:"status"`
	Suspended bool   `json:"suspended"`
}

// TreatSuspended configures how suspended cards affect a token. Normal means suspension is
// ignored; any other value is the status given to tokens whose cards are all suspended.
type TreatSuspended struct {
	Normal bool
	Status Status
}

// AggregateCardStatuses reduces the statuses of a token's supporting cards to one status.
func AggregateCardStatuses(cards []CardStatus, treat TreatSuspended) Status {
	if len(cards) > 0 && !treat.Normal {
		unsuspended := make([]CardStatus, 0, len(cards))
		for _, c := range cards {
			if !c.Suspended {
				unsuspended = append(unsuspended, c)
			}
		}
		if len(unsuspended) == 0 {
			return treat.Status
		}
		cards = unsuspended
	}
	best := Unknown
	for _, c := range cards {
		if c.Status > best {
			best = c.Status
		}
	}
	return best
}

// TokenSet accumulates tokens and lemmas touched by a write so readers can invalidate precisely.
type TokenSet map[string]struct{}

// Add inserts every non-empty value.
func (s TokenSet) Add(values ...string) {
	for _, v := range values {
		if v != "" {
			s[v] = struct{}{}
		}
	}
}

// Has reports whether v was added.
func (s TokenSet) Has(v string) bool {
	_, ok := s[v]
	return ok
}

// Slice returns the members in sorted order.
func (s TokenSet) Slice() []string {
	out := make([]string, 0, len(s))
	for v := range s {
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}
