package pocketfence

import (
	"errors"
	"log/slog"
	"math"
	"strconv"
	"strings"
	"sync/atomic"
)

var errNoKeywords = errors.New("no keywords loaded")

// Engine scores text against weighted keyword tables and decides whether
// content is above the threshold of the current age level.
//
// All methods are safe for concurrent use. Tables, age level and child
// mode are swapped atomically; counters use atomic increments.
type Engine struct {
	// Logger receives fail-open reports. Defaults to slog.Default().
	Logger *slog.Logger

	tables    atomic.Pointer[Tables]
	level     atomic.Int32
	childMode atomic.Bool

	processed atomic.Int64
	child     childStats
}

type childStats struct {
	contentBlocked atomic.Int64
	violence       atomic.Int64
	adult          atomic.Int64
	cyberbullying  atomic.Int64
	strangerDanger atomic.Int64

	// float64 bits of the smoothed safety average
	average atomic.Uint64
}

// ChildProtectionStats is a snapshot of the child-safety counters.
type ChildProtectionStats struct {
	ContentBlocked         int64   `json:"content_blocked"`
	ViolenceDetected       int64   `json:"violence_detected"`
	AdultContentDetected   int64   `json:"adult_content_detected"`
	CyberbullyingDetected  int64   `json:"cyberbullying_detected"`
	StrangerDangerDetected int64   `json:"stranger_danger_detected"`
	SafetyAverage          float64 `json:"safety_average"`
}

// EngineStats is a snapshot of the engine state.
type EngineStats struct {
	AgeLevel         string               `json:"age_level"`
	AgeLabel         string               `json:"age_label"`
	Threshold        float64              `json:"threshold"`
	ChildModeEnabled bool                 `json:"child_mode_enabled"`
	Processed        int64                `json:"processed"`
	Keywords         int                  `json:"keywords"`
	Child            ChildProtectionStats `json:"child_protection"`
}

// Assessment is the outcome of scoring one request.
type Assessment struct {
	URL       string   `json:"url"`
	Host      string   `json:"host"`
	UserAgent string   `json:"user_agent"`
	Score     float64  `json:"score"`
	Signal    string   `json:"signal"`
	Level     AgeLevel `json:"-"`
	Threshold float64  `json:"threshold"`
	Blocked   bool     `json:"blocked"`
}

// Reason describes why the assessment blocked.
func (a Assessment) Reason() string {
	if !a.Blocked {
		return ""
	}
	return "threat score " + formatScore(a.Score) + " in " + a.Signal + " exceeds " + a.Level.String() + " threshold " + formatScore(a.Threshold)
}

// ContentAnalysis categorizes text for display.
type ContentAnalysis struct {
	Score      float64    `json:"score"`
	Category   string     `json:"category"`
	Categories []Category `json:"categories,omitempty"`
	Matches    []string   `json:"matches,omitempty"`
	Safe       bool       `json:"safe"`
}

// NewEngine creates an engine with the given tables at level Elementary
// with child mode on. A nil tables value uses DefaultTables.
func NewEngine(tables *Tables) *Engine {
	if tables == nil {
		tables = DefaultTables()
	}
	e := &Engine{Logger: slog.Default()}
	e.tables.Store(tables)
	e.level.Store(int32(AgeElementary))
	e.childMode.Store(true)
	e.child.average.Store(math.Float64bits(1))
	return e
}

// SetTables replaces the keyword tables.
func (e *Engine) SetTables(t *Tables) {
	if t != nil {
		e.tables.Store(t)
	}
}

// Tables returns the active keyword tables.
func (e *Engine) Tables() *Tables {
	return e.tables.Load()
}

// KeywordCount returns the number of phrases in the active tables.
func (e *Engine) KeywordCount() int {
	return e.tables.Load().Total()
}

// AgeLevel returns the current level.
func (e *Engine) AgeLevel() AgeLevel {
	return AgeLevel(e.level.Load())
}

// SetAgeLevel sets the current level. Unknown levels are ignored.
func (e *Engine) SetAgeLevel(l AgeLevel) {
	if l.Valid() {
		e.level.Store(int32(l))
	}
}

// SetAgeRestriction sets the level from its name. It returns false and
// leaves the level unchanged when the name is not valid.
func (e *Engine) SetAgeRestriction(name string) bool {
	l, err := ParseAgeLevel(name)
	if err != nil {
		return false
	}
	e.level.Store(int32(l))
	return true
}

// Threshold returns the threshold of the current level.
func (e *Engine) Threshold() float64 {
	return e.AgeLevel().Threshold()
}

// SetChildMode enables or disables child-safety analysis.
func (e *Engine) SetChildMode(enabled bool) {
	e.childMode.Store(enabled)
}

// ChildMode reports whether child-safety analysis is enabled.
func (e *Engine) ChildMode() bool {
	return e.childMode.Load()
}

// Score returns the averaged threat score of text in [0, 1].
func (e *Engine) Score(text string) float64 {
	e.processed.Add(1)
	score, _ := e.score("score", text, e.tables.Load(), TableThreat, nil)
	return score
}

// AnalyzeChildSafety scores text against the child-unsafe table and
// updates the child-protection counters. It returns 0 when child mode is
// disabled.
func (e *Engine) AnalyzeChildSafety(text string) float64 {
	if !e.childMode.Load() {
		return 0
	}

	tables := e.tables.Load()
	score, matched := e.score("child safety", text, tables, TableChildUnsafe, nil)
	if strings.TrimSpace(text) == "" {
		return score
	}

	for _, phrase := range matched {
		for _, c := range tables.categoriesOf(phrase) {
			if n := e.child.counter(c); n != nil {
				n.Add(1)
			}
		}
	}

	for {
		old := e.child.average.Load()
		avg := (math.Float64frombits(old) + (1 - score)) / 2
		if e.child.average.CompareAndSwap(old, math.Float64bits(avg)) {
			break
		}
	}

	if score > e.Threshold() {
		e.child.contentBlocked.Add(1)
	}
	return score
}

// Categorize describes what kind of content text looks like. It does not
// touch any counters.
func (e *Engine) Categorize(text string) ContentAnalysis {
	tables := e.tables.Load()
	var safeMatches []string
	score, matched := e.score("categorize", text, tables, TableChildUnsafe, &safeMatches)

	a := ContentAnalysis{
		Score:   score,
		Matches: append(matched, safeMatches...),
		Safe:    score <= e.Threshold(),
	}

	seen := make(map[Category]bool)
	for _, phrase := range matched {
		for _, c := range tables.categoriesOf(phrase) {
			if !seen[c] {
				seen[c] = true
				a.Categories = append(a.Categories, c)
			}
		}
	}

	switch {
	case len(a.Categories) > 0:
		a.Category = string(a.Categories[0])
	case len(matched) > 0:
		a.Category = "unsafe"
	case len(safeMatches) > 0:
		a.Category = "educational"
	default:
		a.Category = "general"
	}
	return a
}

// Assess scores the URL, host and user agent independently and blocks when
// the highest of the three exceeds the current threshold.
func (e *Engine) Assess(url, host, userAgent string) Assessment {
	level := e.AgeLevel()
	a := Assessment{
		URL:       url,
		Host:      host,
		UserAgent: userAgent,
		Level:     level,
		Threshold: level.Threshold(),
		Signal:    "url",
	}

	a.Score = e.Score(url)
	if s := e.Score(host); s > a.Score {
		a.Score, a.Signal = s, "host"
	}
	if s := e.Score(userAgent); s > a.Score {
		a.Score, a.Signal = s, "user-agent"
	}
	a.Blocked = a.Score > a.Threshold
	return a
}

// Stats returns a snapshot of the engine state and counters.
func (e *Engine) Stats() EngineStats {
	level := e.AgeLevel()
	return EngineStats{
		AgeLevel:         level.String(),
		AgeLabel:         level.Label(),
		Threshold:        level.Threshold(),
		ChildModeEnabled: e.ChildMode(),
		Processed:        e.processed.Load(),
		Keywords:         e.KeywordCount(),
		Child:            e.ChildStats(),
	}
}

// ChildStats returns a snapshot of the child-protection counters.
func (e *Engine) ChildStats() ChildProtectionStats {
	return ChildProtectionStats{
		ContentBlocked:         e.child.contentBlocked.Load(),
		ViolenceDetected:       e.child.violence.Load(),
		AdultContentDetected:   e.child.adult.Load(),
		CyberbullyingDetected:  e.child.cyberbullying.Load(),
		StrangerDangerDetected: e.child.strangerDanger.Load(),
		SafetyAverage:          math.Float64frombits(e.child.average.Load()),
	}
}

// score averages the weights of every table phrase and safe pattern found
// in text. Any panic is recovered and scored as 0 so that a filtering bug
// lets traffic through instead of taking the proxy down.
func (e *Engine) score(op, text string, t *Tables, table Table, safeMatches *[]string) (score float64, matched []string) {
	defer func() {
		if r := recover(); r != nil {
			e.logger().Error("scoring failed, allowing", "op", op, "panic", r)
			score, matched = 0, nil
		}
	}()

	if strings.TrimSpace(text) == "" {
		return 0, nil
	}
	lower := strings.ToLower(text)

	var sum float64
	var count int
	for _, wp := range t.list(table) {
		if strings.Contains(lower, wp.phrase) {
			sum += wp.weight
			count++
			matched = append(matched, wp.phrase)
		}
	}
	for _, wp := range t.safe {
		if strings.Contains(lower, wp.phrase) {
			sum += wp.weight
			count++
			if safeMatches != nil {
				*safeMatches = append(*safeMatches, wp.phrase)
			}
		}
	}

	if count == 0 {
		return 0, matched
	}
	return clamp(sum/float64(count), 0, 1), matched
}

func (e *Engine) logger() *slog.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return slog.Default()
}

func (s *childStats) counter(c Category) *atomic.Int64 {
	switch c {
	case CategoryViolence:
		return &s.violence
	case CategoryAdult:
		return &s.adult
	case CategoryCyberbullying:
		return &s.cyberbullying
	case CategoryStrangerDanger:
		return &s.strangerDanger
	}
	return nil
}

func formatScore(v float64) string {
	return strconv.FormatFloat(v, 'f', 2, 64)
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
