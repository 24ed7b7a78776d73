// Package glossary loads the protected-term glossary handed to the
// term-protect stage.
//
// A glossary is a TOML file with three tiers:
//
//	[tier1]
//	description = "Never altered"
//	terms = ["CRISPR-Cas9", "PCR"]
//
//	[tier2]
//	terms = ["gene expression"]
//
//	[tier3]
//	terms = ["significant"]
package glossary

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"
)

var (
	// ErrInvalidGlossary is returned for glossaries that fail to parse or validate.
	ErrInvalidGlossary = errors.New("invalid glossary")
)

// Tier names accepted by Terms.
const (
	TierAuto = "auto"
	TierAll  = "all"
	Tier1    = "tier1"
	Tier2    = "tier2"
	Tier3    = "tier3"
)

// Tier is one protection tier.
type Tier struct {
	Description string   `toml:"description"`
	Terms       []string `toml:"terms"`
}

// Glossary holds protected terms by tier.
type Glossary struct {
	Tier1 Tier `toml:"tier1"`
	Tier2 Tier `toml:"tier2"`
	Tier3 Tier `toml:"tier3"`

	path string
}

// Load reads and validates the glossary at path.
func Load(path string) (*Glossary, error) {
	var g Glossary
	md, err := toml.DecodeFile(path, &g)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("glossary %s: %w", path, err)
		}
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidGlossary, path, err)
	}
	for _, tier := range []string{Tier1, Tier2, Tier3} {
		if !md.IsDefined(tier) {
			return nil, fmt.Errorf("%w: %s: missing [%s]", ErrInvalidGlossary, path, tier)
		}
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("%w: %s: unknown key %q", ErrInvalidGlossary, path, undecoded[0].String())
	}
	for _, t := range []*Tier{&g.Tier1, &g.Tier2, &g.Tier3} {
		t.Terms = clean(t.Terms)
	}
	g.path = path
	return &g, nil
}

// Path returns the file the glossary was loaded from.
func (g *Glossary) Path() string {
	return g.path
}

// Terms returns the terms protected at tier, longest first so that
// multi-word terms are matched before their parts. "auto" and "all" return
// every tier.
func (g *Glossary) Terms(tier string) ([]string, error) {
	var terms []string
	switch strings.ToLower(tier) {
	case TierAuto, TierAll, "":
		terms = append(terms, g.Tier1.Terms...)
		terms = append(terms, g.Tier2.Terms...)
		terms = append(terms, g.Tier3.Terms...)
	case Tier1:
		terms = append(terms, g.Tier1.Terms...)
	case Tier2:
		terms = append(terms, g.Tier2.Terms...)
	case Tier3:
		terms = append(terms, g.Tier3.Terms...)
	default:
		return nil, fmt.Errorf("unknown protection tier %q", tier)
	}
	terms = clean(terms)
	sort.SliceStable(terms, func(i, j int) bool { return len(terms[i]) > len(terms[j]) })
	return terms, nil
}

// Len returns the number of distinct terms across tiers.
func (g *Glossary) Len() int {
	all, _ := g.Terms(TierAll)
	return len(all)
}

// clean trims, drops empty entries and removes case-insensitive duplicates,
// keeping the first spelling.
func clean(terms []string) []string {
	seen := make(map[string]bool, len(terms))
	out := make([]string, 0, len(terms))
	for _, t := range terms {
		t = strings.TrimSpace(t)
		key := strings.ToLower(t)
		if t == "" || seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, t)
	}
	return out
}
