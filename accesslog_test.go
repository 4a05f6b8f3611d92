package pocketfence

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func decodeAccessLines(t *testing.T, out string) []map[string]any {
	t.Helper()
	var entries []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		if line == "" {
			continue
		}
		var m map[string]any
		if err := json.Unmarshal([]byte(line), &m); err != nil {
			t.Fatalf("decode %q: %v", line, err)
		}
		entries = append(entries, m)
	}
	return entries
}

func TestAccessLogger_Log(t *testing.T) {
	var buf syncBuffer
	al := NewAccessLogger(slog.New(slog.NewJSONHandler(&buf, nil)))

	al.Log(AccessLogEntry{
		RequestID:  "req-1",
		Timestamp:  time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC),
		Method:     http.MethodGet,
		URL:        "http://gambling-casino.com/",
		Host:       "gambling-casino.com",
		Client:     "192.168.1.5:5000",
		UserAgent:  "Mozilla/5.0",
		Score:      0.9,
		AgeLevel:   "elementary",
		Blocked:    true,
		StatusCode: http.StatusOK,
		Duration:   time.Millisecond,
	})
	al.Log(AccessLogEntry{
		RequestID:  "req-2",
		Method:     http.MethodConnect,
		URL:        "example.com:443",
		Tunnel:     true,
		StatusCode: http.StatusBadGateway,
		Error:      "connection refused",
	})

	entries := decodeAccessLines(t, buf.String())
	if len(entries) != 2 {
		t.Fatalf("got %d entries, want 2", len(entries))
	}

	first := entries[0]
	checks := map[string]any{
		"msg":        "access",
		"id":         "req-1",
		"url":        "http://gambling-casino.com/",
		"score":      0.9,
		"age_level":  "elementary",
		"blocked":    true,
		"status":     float64(200),
		"user_agent": "Mozilla/5.0",
	}
	for k, want := range checks {
		if first[k] != want {
			t.Errorf("%s = %v, want %v", k, first[k], want)
		}
	}
	if _, ok := first["tunnel"]; ok {
		t.Error("HTTP entry has tunnel field")
	}

	second := entries[1]
	if second["tunnel"] != true || second["error"] != "connection refused" {
		t.Errorf("tunnel entry = %v", second)
	}
	if _, ok := second["score"]; ok {
		t.Error("tunnel entry should not carry a score")
	}
	if _, ok := second["user_agent"]; ok {
		t.Error("empty user agent should be omitted")
	}
}

func TestNewFileAccessLogger(t *testing.T) {
	path := filepath.Join(t.TempDir(), "access.log")
	al := NewFileAccessLogger(AccessLogConfig{Path: path})
	al.Log(AccessLogEntry{RequestID: NewRequestID(), Method: http.MethodGet, URL: "http://x.test/"})
	if err := al.Close(); err != nil {
		t.Fatal(err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if entries := decodeAccessLines(t, string(data)); len(entries) != 1 || entries[0]["url"] != "http://x.test/" {
		t.Errorf("file contents = %s", data)
	}
}

func TestNewRequestID(t *testing.T) {
	a, b := NewRequestID(), NewRequestID()
	if a == b || len(a) != 36 {
		t.Errorf("ids %q and %q", a, b)
	}
}

func TestProxy_AccessLog(t *testing.T) {
	var buf syncBuffer
	p := newTestProxy(t)
	p.AccessLog = NewAccessLogger(slog.New(slog.NewJSONHandler(&buf, nil)))
	p.Bypass = NewBypass("secret")

	p.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "http://gambling-casino.com/", nil))

	req := httptest.NewRequest(http.MethodGet, unreachableURL(t), nil)
	req.Header.Set(DefaultBypassHeader, "secret")
	p.ServeHTTP(httptest.NewRecorder(), req)

	entries := decodeAccessLines(t, buf.String())
	if len(entries) != 2 {
		t.Fatalf("got %d entries, want 2", len(entries))
	}
	if entries[0]["blocked"] != true || entries[0]["status"] != float64(200) {
		t.Errorf("blocked entry = %v", entries[0])
	}
	if entries[1]["bypassed"] != true || entries[1]["status"] != float64(502) || entries[1]["error"] == nil {
		t.Errorf("bypassed entry = %v", entries[1])
	}
}
