package search

import (
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/agnivade/levenshtein"
	"github.com/aukilabs/go-tooling/pkg/errors"
	"github.com/aukilabs/kort/grid"
	"github.com/aukilabs/kort/models"
	"github.com/aukilabs/kort/world"
)

// DefaultFuzzyThreshold is the default minimum similarity of fuzzy matches.
const DefaultFuzzyThreshold = 0.7

// Mode is a search mode.
type Mode string

const (
	ModeExact     Mode = "exact"
	ModeSubstring Mode = "substring"
	ModeFuzzy     Mode = "fuzzy"
)

// ParseMode returns the mode with the given name. An empty name is the
// substring mode.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(s); m {
	case ModeExact, ModeSubstring, ModeFuzzy:
		return m, nil
	case "":
		return ModeSubstring, nil
	default:
		return "", errors.New("unknown search mode").
			WithType(models.ErrTypeValidation).
			WithTag("mode", s)
	}
}

// Match is a search result.
type Match struct {
	Entity models.Entity `json:"entity"`

	// The edit distance between the query and the entity id. Only set by
	// fuzzy searches.
	Distance int `json:"distance,omitempty"`

	// The similarity in [0, 1] between the query and the entity id. Only set
	// by fuzzy searches.
	Similarity float64 `json:"similarity,omitempty"`
}

// Index searches entities by id. Searches never mutate the entities.
type Index struct {
	// The similarity used when a fuzzy search is made with a non positive
	// threshold. DefaultFuzzyThreshold is used when zero.
	FuzzyThreshold float64

	World *world.World
}

// Validate checks the configured fuzzy threshold.
func (idx *Index) Validate() error {
	if idx.FuzzyThreshold < 0 || idx.FuzzyThreshold >= 1 {
		return errors.New("fuzzy threshold must be in [0, 1)").
			WithType(models.ErrTypeConfiguration).
			WithTag("fuzzy_threshold", idx.FuzzyThreshold)
	}
	return nil
}

// Search runs a search with the given mode.
func (idx *Index) Search(mode Mode, query string, threshold float64) ([]Match, error) {
	switch mode {
	case ModeExact:
		defer instrumentSearch(mode)()
		e, ok := idx.ExactLookup(query)
		if !ok {
			return []Match{}, nil
		}
		return []Match{{Entity: e}}, nil

	case ModeSubstring:
		defer instrumentSearch(mode)()
		return idx.SubstringSearch(query), nil

	case ModeFuzzy:
		defer instrumentSearch(mode)()
		return idx.FuzzySearch(query, threshold), nil

	default:
		return nil, errors.New("unknown search mode").
			WithType(models.ErrTypeValidation).
			WithTag("mode", mode)
	}
}

// ExactLookup returns the entity with the given id.
func (idx *Index) ExactLookup(id string) (models.Entity, bool) {
	var e models.Entity
	var ok bool

	idx.World.Read(func(s *models.EntityStore, _ *grid.Index) {
		e, ok = s.EntityByID(id)
	})
	return e, ok
}

// SubstringSearch returns the entities whose id contains the query, case
// insensitive, sorted by id. An empty query matches nothing.
func (idx *Index) SubstringSearch(query string) []Match {
	matches := []Match{}
	if query == "" {
		return matches
	}
	query = strings.ToLower(query)

	idx.World.Read(func(s *models.EntityStore, _ *grid.Index) {
		s.Range(func(e models.Entity) bool {
			if strings.Contains(strings.ToLower(e.ID), query) {
				matches = append(matches, Match{Entity: e})
			}
			return true
		})
	})

	sort.Slice(matches, func(i, j int) bool {
		return matches[i].Entity.ID < matches[j].Entity.ID
	})
	return matches
}

// FuzzySearch returns the entities whose id similarity with the query is
// greater than the threshold. Similarity is
// 1 - levenshtein(query, id) / max(len(query), len(id)), computed over runes.
// A non positive threshold uses the index fuzzy threshold. Results are
// ordered by ascending distance, then by id.
func (idx *Index) FuzzySearch(query string, threshold float64) []Match {
	if threshold <= 0 {
		threshold = idx.FuzzyThreshold
	}
	if threshold <= 0 {
		threshold = DefaultFuzzyThreshold
	}

	matches := []Match{}
	if query == "" {
		return matches
	}

	queryLen := utf8.RuneCountInString(query)

	idx.World.Read(func(s *models.EntityStore, _ *grid.Index) {
		s.Range(func(e models.Entity) bool {
			idLen := utf8.RuneCountInString(e.ID)

			// The distance is at least the length difference so candidates
			// that cannot reach the threshold are skipped.
			if 1-float64(abs(queryLen-idLen))/float64(max(queryLen, idLen)) <= threshold {
				return true
			}

			d := Levenshtein(query, e.ID)
			sim := Similarity(d, queryLen, idLen)
			if sim > threshold {
				matches = append(matches, Match{
					Entity:     e,
					Distance:   d,
					Similarity: sim,
				})
			}
			return true
		})
	})

	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Distance != matches[j].Distance {
			return matches[i].Distance < matches[j].Distance
		}
		return matches[i].Entity.ID < matches[j].Entity.ID
	})
	return matches
}

// Similarity returns 1 - distance / max(aLen, bLen). Two empty strings have a
// similarity of 1.
func Similarity(distance, aLen, bLen int) float64 {
	n := max(aLen, bLen)
	if n == 0 {
		return 1
	}
	return 1 - float64(distance)/float64(n)
}

// Levenshtein returns the edit distance between a and b where insertion,
// deletion and substitution of a rune cost 1.
func Levenshtein(a, b string) int {
	return levenshtein.ComputeDistance(a, b)
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}
