// Package aggression defines the ordinal rewrite-strength levels and the
// selectors that move a workflow between them.
package aggression

import (
	"fmt"
	"strings"
)

// Level is an ordinal rewrite strength in [Min, Max].
type Level int

const (
	Gentle Level = iota + 1
	Moderate
	Aggressive
	Intensive
	Nuclear
)

const (
	// Min is the lowest level.
	Min = Gentle
	// Max is the highest level.
	Max = Nuclear
)

// DefaultStagnationThreshold is the minimum score drop between two iterations
// below which the level escalates.
const DefaultStagnationThreshold = 5.0

var levelNames = map[Level]string{
	Gentle:     "gentle",
	Moderate:   "moderate",
	Aggressive: "aggressive",
	Intensive:  "intensive",
	Nuclear:    "nuclear",
}

// String returns the level name, e.g. "moderate".
func (l Level) String() string {
	if name, ok := levelNames[l]; ok {
		return name
	}
	return fmt.Sprintf("level(%d)", int(l))
}

// Valid reports whether l is within [Min, Max].
func (l Level) Valid() bool {
	return l >= Min && l <= Max
}

// Parse accepts a level name ("gentle".."nuclear") or its ordinal ("1".."5").
func Parse(s string) (Level, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for lvl, name := range levelNames {
		if name == s {
			return lvl, nil
		}
	}
	if len(s) == 1 && s[0] >= '1' && s[0] <= '5' {
		return Level(s[0] - '0'), nil
	}
	return 0, fmt.Errorf("unknown aggression level %q", s)
}

// Clamp forces any integer into [Min, Max].
func Clamp(v int) Level {
	if v < int(Min) {
		return Min
	}
	if v > int(Max) {
		return Max
	}
	return Level(v)
}

// Escalate returns the next level up, capped at Max.
func (l Level) Escalate() Level {
	return Clamp(int(l) + 1)
}

// ForStagnation compares the two most recent detection scores. When the drop
// from previous to current is below threshold the level escalates by one,
// otherwise it holds.
func ForStagnation(current Level, previousScore, currentScore, threshold float64) Level {
	if previousScore-currentScore < threshold {
		return current.Escalate()
	}
	return Clamp(int(current))
}

// ForGap picks a level from the distance between the latest score and the
// target. Positive gap means the score is still above target.
func ForGap(current Level, currentScore, targetScore float64) Level {
	gap := currentScore - targetScore
	lvl := int(current)
	switch {
	case gap > 50:
		lvl += 2
	case gap > 30:
		lvl++
	case gap > 10:
		if lvl < int(Aggressive) {
			lvl++
		}
	case gap > 0:
	default:
		lvl--
	}
	return Clamp(lvl)
}

// MarshalText encodes the level by name so checkpoints stay readable.
func (l Level) MarshalText() ([]byte, error) {
	if !l.Valid() {
		return nil, fmt.Errorf("invalid aggression level %d", int(l))
	}
	return []byte(l.String()), nil
}

// UnmarshalText accepts the forms understood by Parse.
func (l *Level) UnmarshalText(text []byte) error {
	lvl, err := Parse(string(text))
	if err != nil {
		return err
	}
	*l = lvl
	return nil
}
