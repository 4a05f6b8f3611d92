package pocketfence

import (
	"context"
	"errors"
	"math"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func TestDefaultTables(t *testing.T) {
	tables := DefaultTables()

	for _, table := range []Table{TableThreat, TableChildUnsafe, TableSafe} {
		if tables.Count(table) == 0 {
			t.Errorf("built-in %s table is empty", table)
		}
	}

	tests := []struct {
		table  Table
		phrase string
		weight float64
	}{
		{TableThreat, "gambling-casino", 0.9},
		{TableThreat, "porn", 0.95},
		{TableChildUnsafe, "porn", 1.0},
		{TableSafe, "tutorial", -0.2},
		{TableSafe, "help", -0.2},
	}
	for _, tt := range tests {
		got, ok := tables.Weight(tt.table, tt.phrase)
		if !ok || got != tt.weight {
			t.Errorf("Weight(%s, %q) = %v, %v; want %v", tt.table, tt.phrase, got, ok, tt.weight)
		}
	}

	cats := DefaultCategories()
	for _, c := range Categories {
		if len(cats[c]) == 0 {
			t.Errorf("category %s has no terms", c)
		}
	}
}

func TestNewTables_Validation(t *testing.T) {
	tests := []struct {
		name    string
		keyword Keyword
		wantErr string
	}{
		{"empty phrase", Keyword{Table: TableThreat, Phrase: "  ", Weight: 0.5}, "empty phrase"},
		{"unknown table", Keyword{Table: "other", Phrase: "x", Weight: 0.5}, "unknown table"},
		{"weight too high", Keyword{Table: TableThreat, Phrase: "x", Weight: 1.5}, "outside"},
		{"NaN weight", Keyword{Table: TableThreat, Phrase: "x", Weight: math.NaN()}, "outside"},
		{"NaN safe weight", Keyword{Table: TableSafe, Phrase: "x", Weight: math.NaN()}, "outside"},
		{"infinite weight", Keyword{Table: TableThreat, Phrase: "x", Weight: math.Inf(1)}, "outside"},
		{"negative threat", Keyword{Table: TableThreat, Phrase: "x", Weight: -0.1}, "must be positive"},
		{"zero child", Keyword{Table: TableChildUnsafe, Phrase: "x", Weight: 0}, "must be positive"},
		{"positive safe", Keyword{Table: TableSafe, Phrase: "x", Weight: 0.1}, "must be negative"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewTables([]Keyword{tt.keyword}, nil)
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestNewTables_LastWins(t *testing.T) {
	tables, err := NewTables([]Keyword{
		{Table: TableThreat, Phrase: "Poker", Weight: 0.6},
		{Table: TableThreat, Phrase: "poker ", Weight: 0.3},
	}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if got := tables.Count(TableThreat); got != 1 {
		t.Errorf("Count = %d, want 1", got)
	}
	if w, _ := tables.Weight(TableThreat, "POKER"); w != 0.3 {
		t.Errorf("weight = %v, want 0.3", w)
	}
}

func TestCSVLoader_LoadFromReader(t *testing.T) {
	input := `table,phrase,weight
# comment
threat,gambling-casino,0.9
child_unsafe, violence , 0.9
SAFE,tutorial,-0.2
`
	l := &CSVLoader{HasHeader: true}
	kws, err := l.LoadFromReader(context.Background(), strings.NewReader(input))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}

	want := []Keyword{
		{Table: TableThreat, Phrase: "gambling-casino", Weight: 0.9},
		{Table: TableChildUnsafe, Phrase: "violence", Weight: 0.9},
		{Table: TableSafe, Phrase: "tutorial", Weight: -0.2},
	}
	if len(kws) != len(want) {
		t.Fatalf("got %d keywords, want %d", len(kws), len(want))
	}
	for i := range want {
		if kws[i] != want[i] {
			t.Errorf("keyword %d = %+v, want %+v", i, kws[i], want[i])
		}
	}
}

func TestCSVLoader_Errors(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr string
	}{
		{"too few fields", "threat,poker\n", "expected 3 fields"},
		{"bad table", "bogus,poker,0.5\n", "invalid table"},
		{"empty phrase", "threat,,0.5\n", "phrase cannot be empty"},
		{"bad weight", "threat,poker,high\n", "invalid weight"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := &CSVLoader{}
			_, err := l.LoadFromReader(context.Background(), strings.NewReader(tt.input))
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestCSVLoader_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keywords.csv")
	if err := os.WriteFile(path, []byte("table,phrase,weight\nthreat,poker,0.6\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	kws, err := NewCSVLoader(path).Load(context.Background())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(kws) != 1 || kws[0].Phrase != "poker" {
		t.Errorf("got %+v", kws)
	}

	if _, err := NewCSVLoader(filepath.Join(t.TempDir(), "missing.csv")).Load(context.Background()); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestYAMLLoader(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keywords.yaml")
	data := `threat:
  poker: 0.6
child_unsafe:
  stranger: 0.6
safe:
  homework: -0.3
`
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}

	kws, err := (&YAMLLoader{Path: path}).Load(context.Background())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(kws) != 3 {
		t.Fatalf("got %d keywords, want 3", len(kws))
	}
	// Sorted by table then phrase.
	if kws[0].Table != TableChildUnsafe || kws[1].Table != TableSafe || kws[2].Table != TableThreat {
		t.Errorf("unexpected order: %+v", kws)
	}
}

func TestURLLoader(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/keywords.csv" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte("table,phrase,weight\nthreat,warez,0.7\n"))
	}))
	defer srv.Close()

	kws, err := NewURLLoader(srv.URL + "/keywords.csv").Load(context.Background())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(kws) != 1 || kws[0].Phrase != "warez" {
		t.Errorf("got %+v", kws)
	}

	if _, err := NewURLLoader(srv.URL + "/missing").Load(context.Background()); err == nil {
		t.Error("expected error for 404")
	}
}

func TestMultiLoader(t *testing.T) {
	m := NewMultiLoader(
		NewStaticLoader(Keyword{Table: TableThreat, Phrase: "poker", Weight: 0.6}),
		NewStaticLoader(Keyword{Table: TableThreat, Phrase: "poker", Weight: 0.2}),
	)
	kws, err := m.Load(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	tables, err := NewTables(kws, nil)
	if err != nil {
		t.Fatal(err)
	}
	if w, _ := tables.Weight(TableThreat, "poker"); w != 0.2 {
		t.Errorf("later source should override: weight = %v", w)
	}

	failing := NewMultiLoader(EmbeddedLoader{}, KeywordLoaderFunc(func(context.Context) ([]Keyword, error) {
		return nil, errors.New("boom")
	}))
	if _, err := failing.Load(context.Background()); err == nil || !strings.Contains(err.Error(), "loader 1") {
		t.Errorf("error = %v, want loader index", err)
	}
}

func TestReloadableTables_Load(t *testing.T) {
	e := newTestEngine(t)
	before := e.Tables()

	var reloaded int
	var failures int
	rt := NewReloadableTables(e, NewStaticLoader(Keyword{Table: TableThreat, Phrase: "warez", Weight: 0.7}))
	rt.OnReload = func(count int) { reloaded = count }
	rt.OnError = func(error) { failures++ }

	if err := rt.Load(context.Background()); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if reloaded != 1 {
		t.Errorf("OnReload count = %d, want 1", reloaded)
	}
	if e.Tables() == before {
		t.Error("tables were not swapped")
	}
	if got := e.Score("warez"); got != 0.7 {
		t.Errorf("Score(warez) = %v, want 0.7", got)
	}

	// A bad source keeps the current tables.
	current := e.Tables()
	bad := NewReloadableTables(e, NewStaticLoader(Keyword{Table: TableThreat, Phrase: "x", Weight: 5}))
	bad.OnError = func(error) { failures++ }
	if err := bad.Load(context.Background()); err == nil {
		t.Fatal("expected validation error")
	}
	if e.Tables() != current {
		t.Error("failed load replaced the tables")
	}
	if failures != 1 {
		t.Errorf("OnError called %d times, want 1", failures)
	}
}

func TestReloadableTables_AutoReload(t *testing.T) {
	e := newTestEngine(t)
	var calls atomic.Int32
	loader := KeywordLoaderFunc(func(context.Context) ([]Keyword, error) {
		calls.Add(1)
		return []Keyword{{Table: TableThreat, Phrase: "poker", Weight: 0.6}}, nil
	})

	rt := NewReloadableTables(e, loader)
	cancel := rt.StartAutoReload(context.Background(), 10*time.Millisecond)
	defer cancel()

	deadline := time.Now().Add(2 * time.Second)
	for calls.Load() < 2 {
		if time.Now().After(deadline) {
			t.Fatalf("auto reload ran %d times", calls.Load())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestReloadableTables_RejectsNaNWeight(t *testing.T) {
	e := newTestEngine(t)
	input := "threat,evil,NaN\nthreat,gambling-casino,0.9\n"
	loader := KeywordLoaderFunc(func(ctx context.Context) ([]Keyword, error) {
		return (&CSVLoader{}).LoadFromReader(ctx, strings.NewReader(input))
	})

	rt := NewReloadableTables(e, loader)
	if err := rt.Load(context.Background()); err == nil {
		t.Fatal("Load accepted a NaN weight")
	}

	a := e.Assess("http://evil.example/", "gambling-casino.example", "")
	if math.IsNaN(a.Score) || !a.Blocked || a.Signal != "host" {
		t.Errorf("Assess = score %v blocked %v signal %q, want 0.9 from host", a.Score, a.Blocked, a.Signal)
	}
}
