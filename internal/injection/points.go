// Package injection finds the places in a document where human input adds
// the most value and merges that input back into the text.
package injection

import (
	"regexp"
	"sort"
	"strings"
	"unicode/utf8"
)

// Defaults for Identifier.
const (
	DefaultMaxPoints    = 5
	DefaultContextChars = 300
	mainBodyPriority    = 3
	maxPriority         = 5
)

// Section names.
const (
	SectionAbstract     = "abstract"
	SectionIntroduction = "introduction"
	SectionMethods      = "methods"
	SectionResults      = "results"
	SectionDiscussion   = "discussion"
	SectionConclusion   = "conclusion"
	SectionReferences   = "references"
	SectionDiscussion2  = "discussion_2"
	SectionMainBody     = "main_body"
)

func heading(prefix, body string) *regexp.Regexp {
	return regexp.MustCompile(`(?i)(?:^|\n)[ \t]*(?:` + prefix + `)?[ \t]*(?:` + body + `)[ \t]*\r?\n`)
}

var sectionPatterns = map[string]*regexp.Regexp{
	SectionAbstract:     heading(``, `abstract`),
	SectionIntroduction: heading(`1\.|I\.`, `introduction`),
	SectionMethods:      heading(`2\.|II\.`, `methods?|methodology|materials?[ \t]+and[ \t]+methods?`),
	SectionResults:      heading(`3\.|III\.`, `results?`),
	SectionDiscussion:   heading(`4\.|IV\.`, `discussion`),
	SectionConclusion:   heading(`5\.|V\.`, `conclusions?`),
	SectionReferences:   heading(``, `references|bibliography`),
}

var basePriority = map[string]int{
	SectionResults:      5,
	SectionDiscussion:   5,
	SectionIntroduction: 4,
	SectionConclusion:   3,
	SectionMethods:      2,
	SectionAbstract:     2,
}

// candidates are the sections offered for input, in order.
var candidates = []string{SectionResults, SectionDiscussion, SectionIntroduction, SectionConclusion}

// Point is a place where human input is requested.
type Point struct {
	Section       string `json:"section"`
	Priority      int    `json:"priority"`
	Position      int    `json:"position"`
	ContextBefore string `json:"context_before"`
	ContextAfter  string `json:"context_after"`
	Guidance      string `json:"guidance"`
	SkipAvailable bool   `json:"skip_available"`
}

// Identifier locates injection points.
type Identifier struct {
	MaxPoints    int
	ContextChars int
}

// NewIdentifier returns an Identifier with the given point cap; zero uses
// the default.
func NewIdentifier(maxPoints int) *Identifier {
	if maxPoints <= 0 {
		maxPoints = DefaultMaxPoints
	}
	return &Identifier{MaxPoints: maxPoints, ContextChars: DefaultContextChars}
}

// Sections returns the byte offset of the first heading of each section
// found in text.
func Sections(text string) map[string]int {
	out := map[string]int{}
	for name, re := range sectionPatterns {
		if loc := re.FindStringIndex(text); loc != nil {
			out[name] = loc[0]
		}
	}
	return out
}

// Priority scores a section from 1 to 5. Sections in the middle of the
// text and texts that still score as highly detectable get a boost.
func Priority(section string, position, textLen int, detectionScore float64) int {
	p, ok := basePriority[section]
	if !ok {
		p = 1
	}
	if detectionScore > 70 {
		p++
	}
	if textLen > 0 {
		rel := float64(position) / float64(textLen)
		if rel >= 0.3 && rel <= 0.7 {
			p++
		}
	}
	if p > maxPriority {
		p = maxPriority
	}
	return p
}

// Identify returns the injection points of text, highest priority first.
func (id *Identifier) Identify(text string, detectionScore float64) []Point {
	maxPoints := id.MaxPoints
	if maxPoints <= 0 {
		maxPoints = DefaultMaxPoints
	}
	sections := Sections(text)
	if len(sections) == 0 {
		mid := snap(text, len(text)/2)
		return []Point{id.point(text, SectionMainBody, SectionMainBody, mainBodyPriority, mid)}
	}

	var points []Point
	for _, name := range candidates {
		pos, ok := sections[name]
		if !ok {
			continue
		}
		points = append(points, id.point(text, name, name, Priority(name, pos, len(text), detectionScore), pos))
		if len(points) >= maxPoints {
			break
		}
	}

	if len(points) < maxPoints {
		if locs := sectionPatterns[SectionDiscussion].FindAllStringIndex(text, 2); len(locs) > 1 {
			pos := locs[1][0]
			points = append(points, id.point(text, SectionDiscussion2, SectionDiscussion,
				Priority(SectionDiscussion, pos, len(text), detectionScore), pos))
		}
	}

	sort.SliceStable(points, func(i, j int) bool { return points[i].Priority > points[j].Priority })
	if len(points) > maxPoints {
		points = points[:maxPoints]
	}
	return points
}

func (id *Identifier) point(text, name, guidanceSection string, priority, pos int) Point {
	chars := id.ContextChars
	if chars <= 0 {
		chars = DefaultContextChars
	}
	before, after := Context(text, pos, chars)
	return Point{
		Section:       name,
		Priority:      priority,
		Position:      pos,
		ContextBefore: before,
		ContextAfter:  after,
		Guidance:      Guidance(guidanceSection, before, after),
		SkipAvailable: true,
	}
}

// Context returns up to chars bytes of text on each side of pos, trimmed,
// with "..." marking truncation. Cuts never split a UTF-8 sequence.
func Context(text string, pos, chars int) (before, after string) {
	start := snap(text, max(0, pos-chars))
	end := snap(text, min(len(text), pos+chars))
	before = strings.TrimSpace(text[start:pos])
	after = strings.TrimSpace(text[pos:end])
	if start > 0 {
		before = "..." + before
	}
	if end < len(text) {
		after += "..."
	}
	return before, after
}

// snap moves i back to the start of the rune containing it.
func snap(text string, i int) int {
	for i > 0 && i < len(text) && !utf8.RuneStart(text[i]) {
		i--
	}
	return i
}

// Skip replies.
const (
	ReplySkip    = "skip"
	ReplySkipAll = "skip-all"
)

// IsSkip reports whether input declines the point.
func IsSkip(input string) bool {
	s := strings.ToLower(strings.TrimSpace(input))
	return s == "" || s == ReplySkip || s == ReplySkipAll
}

// IsSkipAll reports whether input declines every remaining point.
func IsSkipAll(input string) bool {
	return strings.ToLower(strings.TrimSpace(input)) == ReplySkipAll
}

// Integrate inserts input as its own paragraph after the paragraph that
// contains p. Empty and skip replies leave text unchanged.
func Integrate(text string, p Point, input string) string {
	if IsSkip(input) {
		return text
	}
	pos := min(max(p.Position, 0), len(text))
	end := strings.Index(text[pos:], "\n\n")
	if end < 0 {
		end = len(text)
	} else {
		end += pos
	}
	return text[:end] + "\n\n" + strings.TrimSpace(input) + "\n\n" + text[end:]
}
