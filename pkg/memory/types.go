package memory

import (
	"fmt"
	"maps"
	"slices"
	"strings"
)

// Kind classifies a [Record]. The set is closed: a record is either a direct
// observation of the world or a reflection derived from other records.
type Kind int

const (
	// KindObservation marks a directly perceived event or action outcome.
	KindObservation Kind = iota + 1

	// KindReflection marks a generalised insight produced by consolidation.
	// Only reflections may be revised in place.
	KindReflection
)

// String returns the lower-case name of the kind.
func (k Kind) String() string {
	switch k {
	case KindObservation:
		return "observation"
	case KindReflection:
		return "reflection"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Valid reports whether k is one of the defined kinds.
func (k Kind) Valid() bool {
	return k == KindObservation || k == KindReflection
}

// ParseKind converts the name produced by [Kind.String] back into a Kind.
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "observation":
		return KindObservation, nil
	case "reflection":
		return KindReflection, nil
	default:
		return 0, fmt.Errorf("memory: unknown kind %q", s)
	}
}

// Record is the atomic unit of an agent's memory.
//
// A record's ID doubles as its position in the owning [Store]'s log, so IDs
// are dense and ascending from zero. Records are never deleted. Only
// [KindReflection] records may change after creation, and only through
// [Store.Update] or [Store.Revise].
type Record struct {
	// ID is assigned by the store on Add. Any value set by the caller is ignored.
	ID int

	// Round and Tick identify the simulation time the record was created
	// (or last revised, for reflections).
	Round int
	Tick  int

	// Description is the free-text content that is embedded and shown to
	// the summarizer.
	Description string

	// Keywords maps a keyword category (e.g. "characters", "objects") to the
	// words of that category found in Description.
	Keywords Keywords

	// Location is the name of the place where the event happened.
	Location string

	// Success is the outcome flag of the underlying action.
	Success bool

	// Importance is an externally assigned score, conventionally 1–10.
	Importance float64

	// Kind is the record type. Immutable.
	Kind Kind

	// ActorID identifies the entity the record is about or was produced by.
	ActorID string
}

// Level returns the abstraction level of the record: 1 for observations and
// 2 for reflections.
func (r Record) Level() int {
	if r.Kind == KindReflection {
		return 2
	}
	return 1
}

// Enumerated renders the record as "<id>. <description>".
func (r Record) Enumerated() string {
	return fmt.Sprintf("%d. %s", r.ID, r.Description)
}

// clone returns a deep copy of r so callers cannot mutate store state
// through the returned keyword map.
func (r Record) clone() Record {
	r.Keywords = r.Keywords.Clone()
	return r
}

// Keyword categories produced by the bundled extractor. Other categories are
// allowed; the index treats category names as opaque strings.
const (
	CategoryCharacters = "characters"
	CategoryObjects    = "objects"
	CategoryMisc       = "misc_deps"
)

// Keywords maps a category name to the words found for it. Words within a
// category are kept sorted and unique by [Keywords.Add] and [Keywords.Merge].
type Keywords map[string][]string

// Add inserts word under category, keeping the slice sorted and free of
// duplicates. Empty categories or words are ignored and reported as false.
func (k Keywords) Add(category, word string) bool {
	if category == "" || word == "" {
		return false
	}
	words := k[category]
	i, found := slices.BinarySearch(words, word)
	if found {
		return true
	}
	k[category] = slices.Insert(words, i, word)
	return true
}

// Merge adds every entry of other into k.
func (k Keywords) Merge(other Keywords) {
	for cat, words := range other {
		for _, w := range words {
			k.Add(cat, w)
		}
	}
}

// Has reports whether word is present under category.
func (k Keywords) Has(category, word string) bool {
	_, found := slices.BinarySearch(k[category], word)
	return found
}

// Len returns the total number of words across all categories.
func (k Keywords) Len() int {
	n := 0
	for _, words := range k {
		n += len(words)
	}
	return n
}

// Categories returns the category names in sorted order.
func (k Keywords) Categories() []string {
	return slices.Sorted(maps.Keys(k))
}

// Flatten returns every word of every category, sorted and deduplicated.
func (k Keywords) Flatten() []string {
	var out []string
	for _, words := range k {
		out = append(out, words...)
	}
	slices.Sort(out)
	return slices.Compact(out)
}

// Clone returns a deep copy of k. A nil receiver yields nil.
func (k Keywords) Clone() Keywords {
	if k == nil {
		return nil
	}
	out := make(Keywords, len(k))
	for cat, words := range k {
		out[cat] = slices.Clone(words)
	}
	return out
}

// Normalize returns a copy of k with every word sorted and deduplicated and
// with empty categories or words removed. The second return value counts the
// entries that were dropped.
func (k Keywords) Normalize() (Keywords, int) {
	out := make(Keywords, len(k))
	dropped := 0
	for cat, words := range k {
		if cat == "" {
			dropped += max(len(words), 1)
			continue
		}
		for _, w := range words {
			if !out.Add(cat, w) {
				dropped++
			}
		}
	}
	return out, dropped
}
