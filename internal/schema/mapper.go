package schema

import (
	"strings"
	"unicode/utf8"

	"github.com/lithammer/fuzzysearch/fuzzy"

	"github.com/trundleyrg/FinancialAgent/internal/config"
	"github.com/trundleyrg/FinancialAgent/internal/normalize"
)

// minContainRunes keeps short synonyms like "ROE" usable for
// containment matching while blocking one- and two-rune accidents.
const minContainRunes = 3

// Match is a resolved label mapping.
type Match struct {
	Code    string
	Synonym string // the synonym that won
	Method  string // exact, contains, fuzzy
}

// Mapper resolves row labels to line-item codes: exact lookup first,
// then longest contained synonym, then edit-distance-bounded fuzzy
// matching. It is immutable after construction and safe for
// concurrent use.
type Mapper struct {
	entries []mapEntry
	exact   map[string]mapEntry
	maxDist int
}

type mapEntry struct {
	code string
	raw  string
	norm string
}

// NewMapper builds a mapper from the default taxonomy plus the
// configured synonyms file.
func NewMapper(cfg config.SchemaConfig) (*Mapper, error) {
	items, err := LoadSynonyms(cfg.SynonymsPath)
	if err != nil {
		return nil, err
	}
	return newMapper(items, cfg.MaxEditDistance), nil
}

func newMapper(items []LineItem, maxDist int) *Mapper {
	m := &Mapper{
		exact:   make(map[string]mapEntry),
		maxDist: maxDist,
	}
	for _, item := range items {
		for _, syn := range item.Synonyms {
			e := mapEntry{code: item.Code, raw: syn, norm: normalizeLabel(syn)}
			if e.norm == "" {
				continue
			}
			m.entries = append(m.entries, e)
			if _, taken := m.exact[e.norm]; !taken {
				m.exact[e.norm] = e
			}
		}
	}
	return m
}

// Map resolves one row label. ok is false when nothing in the synonym
// table comes close enough; such rows become unmapped records.
func (m *Mapper) Map(label string) (Match, bool) {
	norm := normalizeLabel(label)
	if norm == "" {
		return Match{}, false
	}

	if e, ok := m.exact[norm]; ok {
		return Match{Code: e.code, Synonym: e.raw, Method: "exact"}, true
	}

	// Labels often wrap a known synonym with qualifiers, e.g.
	// "其中：营业收入" or "Revenue (note 3)". The longest contained
	// synonym wins.
	var contained *mapEntry
	for i := range m.entries {
		e := &m.entries[i]
		if utf8.RuneCountInString(e.norm) < minContainRunes {
			continue
		}
		if !strings.Contains(norm, e.norm) {
			continue
		}
		if contained == nil || len(e.norm) > len(contained.norm) {
			contained = e
		}
	}
	if contained != nil {
		return Match{Code: contained.code, Synonym: contained.raw, Method: "contains"}, true
	}

	if m.maxDist <= 0 {
		return Match{}, false
	}
	var best *mapEntry
	bestDist := m.maxDist + 1
	for i := range m.entries {
		e := &m.entries[i]
		dist := fuzzy.LevenshteinDistance(norm, e.norm)
		if dist < bestDist {
			best, bestDist = e, dist
			continue
		}
		// Equal distance: prefer the candidate the subsequence matcher
		// still recognizes.
		if dist == bestDist && best != nil &&
			fuzzy.RankMatchFold(norm, e.norm) >= 0 && fuzzy.RankMatchFold(norm, best.norm) < 0 {
			best = e
		}
	}
	if best == nil {
		return Match{}, false
	}
	return Match{Code: best.code, Synonym: best.raw, Method: "fuzzy"}, true
}

func normalizeLabel(label string) string {
	return strings.ToUpper(normalize.Label(label))
}
