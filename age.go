package pocketfence

import (
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidAgeLevel is returned when an age level name is not one of
// early, elementary, teen or adult.
var ErrInvalidAgeLevel = errors.New("invalid age level")

// AgeLevel selects how strict blocking is. Lower levels use a lower
// threshold and therefore block more.
type AgeLevel int32

const (
	AgeEarly AgeLevel = iota
	AgeElementary
	AgeTeen
	AgeAdult
)

// AgeLevels lists every level from strictest to most permissive.
var AgeLevels = []AgeLevel{AgeEarly, AgeElementary, AgeTeen, AgeAdult}

var ageLevelInfo = map[AgeLevel]struct {
	name      string
	label     string
	threshold float64
}{
	AgeEarly:      {"early", "Early Childhood (5-8)", 0.2},
	AgeElementary: {"elementary", "Elementary (9-12)", 0.4},
	AgeTeen:       {"teen", "Teen (13-17)", 0.6},
	AgeAdult:      {"adult", "Adult (18+)", 0.8},
}

// ParseAgeLevel parses a level name case-insensitively.
func ParseAgeLevel(s string) (AgeLevel, error) {
	name := strings.ToLower(strings.TrimSpace(s))
	for _, l := range AgeLevels {
		if ageLevelInfo[l].name == name {
			return l, nil
		}
	}
	return 0, fmt.Errorf("%w: %q (expected early, elementary, teen or adult)", ErrInvalidAgeLevel, s)
}

// Valid reports whether l is a known level.
func (l AgeLevel) Valid() bool {
	_, ok := ageLevelInfo[l]
	return ok
}

// String returns the lowercase name used in settings and commands.
func (l AgeLevel) String() string {
	if info, ok := ageLevelInfo[l]; ok {
		return info.name
	}
	return fmt.Sprintf("AgeLevel(%d)", int32(l))
}

// Label returns the human-readable label shown on block pages.
func (l AgeLevel) Label() string {
	if info, ok := ageLevelInfo[l]; ok {
		return info.label
	}
	return l.String()
}

// Threshold returns the score above which content is blocked.
// Unknown levels get the strictest threshold.
func (l AgeLevel) Threshold() float64 {
	if info, ok := ageLevelInfo[l]; ok {
		return info.threshold
	}
	return ageLevelInfo[AgeEarly].threshold
}
