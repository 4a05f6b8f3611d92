package pocketfence

import (
	"bytes"
	"context"
	_ "embed"
	"encoding/csv"
	"fmt"
	"io"
	"math"
	"net/http"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

//go:embed keywords.yaml
var defaultKeywordsYAML []byte

// Table names a keyword table.
type Table string

const (
	TableThreat      Table = "threat"
	TableChildUnsafe Table = "child_unsafe"
	TableSafe        Table = "safe"
)

// Category is a child-safety detection bucket.
type Category string

const (
	CategoryViolence       Category = "violence"
	CategoryAdult          Category = "adult"
	CategoryCyberbullying  Category = "cyberbullying"
	CategoryStrangerDanger Category = "stranger_danger"
)

// Categories lists the child-safety buckets in reporting order.
var Categories = []Category{CategoryViolence, CategoryAdult, CategoryCyberbullying, CategoryStrangerDanger}

// Keyword is a weighted phrase belonging to one table.
type Keyword struct {
	Table  Table   `json:"table" yaml:"table"`
	Phrase string  `json:"phrase" yaml:"phrase"`
	Weight float64 `json:"weight" yaml:"weight"`
}

type weightedPhrase struct {
	phrase string
	weight float64
}

// Tables holds the three keyword tables and the category buckets used by
// the engine. It is immutable once built; reloading builds a new value.
type Tables struct {
	threat      []weightedPhrase
	childUnsafe []weightedPhrase
	safe        []weightedPhrase
	categories  map[Category][]string
}

// NewTables validates keywords and builds lookup tables. When the same
// table/phrase pair appears more than once the last one wins.
func NewTables(keywords []Keyword, categories map[Category][]string) (*Tables, error) {
	byTable := map[Table]map[string]float64{
		TableThreat:      {},
		TableChildUnsafe: {},
		TableSafe:        {},
	}

	for _, k := range keywords {
		phrase := strings.ToLower(strings.TrimSpace(k.Phrase))
		if phrase == "" {
			return nil, fmt.Errorf("keyword in table %q: empty phrase", k.Table)
		}
		if math.IsNaN(k.Weight) || k.Weight < -1 || k.Weight > 1 {
			return nil, fmt.Errorf("keyword %q: weight %v outside [-1, 1]", phrase, k.Weight)
		}
		m, ok := byTable[k.Table]
		if !ok {
			return nil, fmt.Errorf("keyword %q: unknown table %q", phrase, k.Table)
		}
		switch k.Table {
		case TableSafe:
			if k.Weight >= 0 {
				return nil, fmt.Errorf("safe pattern %q: weight must be negative", phrase)
			}
		default:
			if k.Weight <= 0 {
				return nil, fmt.Errorf("%s keyword %q: weight must be positive", k.Table, phrase)
			}
		}
		m[phrase] = k.Weight
	}

	t := &Tables{
		threat:      sortedPhrases(byTable[TableThreat]),
		childUnsafe: sortedPhrases(byTable[TableChildUnsafe]),
		safe:        sortedPhrases(byTable[TableSafe]),
		categories:  make(map[Category][]string, len(categories)),
	}
	for c, terms := range categories {
		lowered := make([]string, 0, len(terms))
		for _, term := range terms {
			if term = strings.ToLower(strings.TrimSpace(term)); term != "" {
				lowered = append(lowered, term)
			}
		}
		t.categories[c] = lowered
	}
	return t, nil
}

func sortedPhrases(m map[string]float64) []weightedPhrase {
	out := make([]weightedPhrase, 0, len(m))
	for p, w := range m {
		out = append(out, weightedPhrase{phrase: p, weight: w})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].phrase < out[j].phrase })
	return out
}

// Count returns the number of phrases in the given table.
func (t *Tables) Count(table Table) int {
	switch table {
	case TableThreat:
		return len(t.threat)
	case TableChildUnsafe:
		return len(t.childUnsafe)
	case TableSafe:
		return len(t.safe)
	}
	return 0
}

// Total returns the number of phrases across all tables.
func (t *Tables) Total() int {
	return len(t.threat) + len(t.childUnsafe) + len(t.safe)
}

func (t *Tables) list(table Table) []weightedPhrase {
	switch table {
	case TableThreat:
		return t.threat
	case TableChildUnsafe:
		return t.childUnsafe
	case TableSafe:
		return t.safe
	}
	return nil
}

// Weight looks up a phrase in a table.
func (t *Tables) Weight(table Table, phrase string) (float64, bool) {
	list := t.list(table)
	phrase = strings.ToLower(phrase)
	i := sort.Search(len(list), func(i int) bool { return list[i].phrase >= phrase })
	if i < len(list) && list[i].phrase == phrase {
		return list[i].weight, true
	}
	return 0, false
}

// categoriesOf returns the buckets whose terms appear in phrase.
func (t *Tables) categoriesOf(phrase string) []Category {
	var out []Category
	for _, c := range Categories {
		for _, term := range t.categories[c] {
			if strings.Contains(phrase, term) {
				out = append(out, c)
				break
			}
		}
	}
	return out
}

type keywordDocument struct {
	Threat      map[string]float64    `yaml:"threat"`
	ChildUnsafe map[string]float64    `yaml:"child_unsafe"`
	Safe        map[string]float64    `yaml:"safe"`
	Categories  map[Category][]string `yaml:"categories"`
}

func (d keywordDocument) keywords() []Keyword {
	var out []Keyword
	add := func(table Table, m map[string]float64) {
		for p, w := range m {
			out = append(out, Keyword{Table: table, Phrase: p, Weight: w})
		}
	}
	add(TableThreat, d.Threat)
	add(TableChildUnsafe, d.ChildUnsafe)
	add(TableSafe, d.Safe)
	sort.Slice(out, func(i, j int) bool {
		if out[i].Table != out[j].Table {
			return out[i].Table < out[j].Table
		}
		return out[i].Phrase < out[j].Phrase
	})
	return out
}

func parseKeywordYAML(data []byte) (keywordDocument, error) {
	var doc keywordDocument
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return doc, fmt.Errorf("parse keyword YAML: %w", err)
	}
	return doc, nil
}

// DefaultCategories returns the built-in category buckets.
func DefaultCategories() map[Category][]string {
	doc, err := parseKeywordYAML(defaultKeywordsYAML)
	if err != nil {
		panic(err)
	}
	return doc.Categories
}

// DefaultTables returns the built-in keyword tables.
func DefaultTables() *Tables {
	doc, err := parseKeywordYAML(defaultKeywordsYAML)
	if err != nil {
		panic(err)
	}
	t, err := NewTables(doc.keywords(), doc.Categories)
	if err != nil {
		panic(fmt.Sprintf("built-in keyword tables: %v", err))
	}
	return t
}

// KeywordLoader loads keywords from a source.
type KeywordLoader interface {
	Load(ctx context.Context) ([]Keyword, error)
}

// KeywordLoaderFunc is a function adapter for KeywordLoader.
type KeywordLoaderFunc func(ctx context.Context) ([]Keyword, error)

// Load calls f.
func (f KeywordLoaderFunc) Load(ctx context.Context) ([]Keyword, error) {
	return f(ctx)
}

// EmbeddedLoader returns the built-in keyword tables.
type EmbeddedLoader struct{}

// Load implements KeywordLoader.
func (EmbeddedLoader) Load(context.Context) ([]Keyword, error) {
	doc, err := parseKeywordYAML(defaultKeywordsYAML)
	if err != nil {
		return nil, err
	}
	return doc.keywords(), nil
}

// YAMLLoader reads a keyword file in the same layout as the built-in one.
type YAMLLoader struct {
	Path string
}

// Load implements KeywordLoader.
func (l *YAMLLoader) Load(context.Context) ([]Keyword, error) {
	data, err := os.ReadFile(l.Path)
	if err != nil {
		return nil, fmt.Errorf("read keyword file: %w", err)
	}
	doc, err := parseKeywordYAML(data)
	if err != nil {
		return nil, err
	}
	return doc.keywords(), nil
}

// CSVLoader loads keywords from a CSV file.
// Expected format: table,phrase,weight
type CSVLoader struct {
	Path string

	// HasHeader skips the first row.
	HasHeader bool
}

// NewCSVLoader creates a loader for the given file.
func NewCSVLoader(path string) *CSVLoader {
	return &CSVLoader{Path: path, HasHeader: true}
}

// Load implements KeywordLoader.
func (l *CSVLoader) Load(ctx context.Context) ([]Keyword, error) {
	file, err := os.Open(l.Path)
	if err != nil {
		return nil, fmt.Errorf("open CSV file: %w", err)
	}
	defer func() { _ = file.Close() }()

	return l.LoadFromReader(ctx, file)
}

// LoadFromReader parses keywords from r.
func (l *CSVLoader) LoadFromReader(ctx context.Context, r io.Reader) ([]Keyword, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true
	reader.Comment = '#'

	var keywords []Keyword
	lineNum := 0

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read CSV line %d: %w", lineNum+1, err)
		}
		lineNum++

		if lineNum == 1 && l.HasHeader {
			continue
		}
		if len(record) == 0 || (len(record) == 1 && record[0] == "") {
			continue
		}

		kw, err := parseKeywordRecord(record, lineNum)
		if err != nil {
			return nil, err
		}
		keywords = append(keywords, kw)
	}

	return keywords, nil
}

func parseKeywordRecord(record []string, lineNum int) (Keyword, error) {
	if len(record) < 3 {
		return Keyword{}, fmt.Errorf("line %d: expected 3 fields (table, phrase, weight)", lineNum)
	}

	table := Table(strings.ToLower(strings.TrimSpace(record[0])))
	switch table {
	case TableThreat, TableChildUnsafe, TableSafe:
	default:
		return Keyword{}, fmt.Errorf("line %d: invalid table %q (expected threat, child_unsafe or safe)", lineNum, record[0])
	}

	phrase := strings.TrimSpace(record[1])
	if phrase == "" {
		return Keyword{}, fmt.Errorf("line %d: phrase cannot be empty", lineNum)
	}

	weight, err := strconv.ParseFloat(strings.TrimSpace(record[2]), 64)
	if err != nil {
		return Keyword{}, fmt.Errorf("line %d: invalid weight %q: %w", lineNum, record[2], err)
	}

	return Keyword{Table: table, Phrase: phrase, Weight: weight}, nil
}

// URLLoader fetches keywords in CSV format from an HTTP endpoint.
type URLLoader struct {
	URL string

	// Client defaults to http.DefaultClient.
	Client *http.Client

	HasHeader bool
}

// NewURLLoader creates a loader for the given endpoint.
func NewURLLoader(endpoint string) *URLLoader {
	return &URLLoader{URL: endpoint, HasHeader: true}
}

// Load implements KeywordLoader.
func (l *URLLoader) Load(ctx context.Context) ([]Keyword, error) {
	client := l.Client
	if client == nil {
		client = http.DefaultClient
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, l.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch keywords: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, fmt.Errorf("read keywords: %w", err)
	}

	csvLoader := &CSVLoader{HasHeader: l.HasHeader}
	return csvLoader.LoadFromReader(ctx, bytes.NewReader(body))
}

// StaticLoader returns a fixed set of keywords.
type StaticLoader struct {
	Keywords []Keyword
}

// NewStaticLoader creates a loader with a fixed set of keywords.
func NewStaticLoader(keywords ...Keyword) *StaticLoader {
	return &StaticLoader{Keywords: keywords}
}

// Load implements KeywordLoader.
func (l *StaticLoader) Load(context.Context) ([]Keyword, error) {
	return l.Keywords, nil
}

// MultiLoader concatenates keywords from several loaders in order, so
// later sources override earlier ones.
type MultiLoader struct {
	Loaders []KeywordLoader
}

// NewMultiLoader creates a loader combining several sources.
func NewMultiLoader(loaders ...KeywordLoader) *MultiLoader {
	return &MultiLoader{Loaders: loaders}
}

// Load implements KeywordLoader.
func (m *MultiLoader) Load(ctx context.Context) ([]Keyword, error) {
	var all []Keyword
	for i, loader := range m.Loaders {
		kws, err := loader.Load(ctx)
		if err != nil {
			return nil, fmt.Errorf("loader %d: %w", i, err)
		}
		all = append(all, kws...)
	}
	return all, nil
}

// ReloadableTables loads keyword tables from a loader into an engine and
// can refresh them periodically.
type ReloadableTables struct {
	engine *Engine
	loader KeywordLoader
	mu     sync.Mutex

	// Categories used for every load. Defaults to DefaultCategories.
	Categories map[Category][]string

	// OnReload is called after a successful load with the phrase count.
	OnReload func(count int)

	// OnError is called when a load fails.
	OnError func(err error)
}

// NewReloadableTables creates a reloader feeding engine from loader.
func NewReloadableTables(engine *Engine, loader KeywordLoader) *ReloadableTables {
	return &ReloadableTables{
		engine:     engine,
		loader:     loader,
		Categories: DefaultCategories(),
	}
}

// Load fetches keywords and swaps the engine's tables. On error the
// current tables stay in place.
func (rt *ReloadableTables) Load(ctx context.Context) error {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	keywords, err := rt.loader.Load(ctx)
	if err == nil {
		var tables *Tables
		tables, err = NewTables(keywords, rt.Categories)
		if err == nil {
			rt.engine.SetTables(tables)
			if rt.OnReload != nil {
				rt.OnReload(tables.Total())
			}
			return nil
		}
	}

	if rt.OnError != nil {
		rt.OnError(err)
	}
	return err
}

// StartAutoReload reloads at the given interval until the returned cancel
// function is called or ctx is done.
func (rt *ReloadableTables) StartAutoReload(ctx context.Context, interval time.Duration) context.CancelFunc {
	ctx, cancel := context.WithCancel(ctx)

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				_ = rt.Load(ctx)
			}
		}
	}()

	return cancel
}
