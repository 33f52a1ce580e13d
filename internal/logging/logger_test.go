package logging

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

func TestRingBufferKeepsNewest(t *testing.T) {
	l := New(3, LevelDebug)
	l.SetOutput(&bytes.Buffer{}, "none")

	for _, msg := range []string{"a", "b", "c", "d", "e"} {
		l.Log(LevelInfo, CatReader, msg, nil)
	}

	entries := l.GetEntries(0, nil, nil)
	if len(entries) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(entries))
	}
	for i, want := range []string{"c", "d", "e"} {
		if entries[i].Message != want {
			t.Errorf("entry %d: expected %q, got %q", i, want, entries[i].Message)
		}
	}
	if entries[2].ID != 5 {
		t.Errorf("expected last ID 5, got %d", entries[2].ID)
	}
}

func TestGetEntriesFilters(t *testing.T) {
	l := New(10, LevelDebug)
	l.SetOutput(&bytes.Buffer{}, "none")

	l.Log(LevelDebug, CatCard, "inserted", nil)
	l.Log(LevelWarn, CatCard, "refused", nil)
	l.Log(LevelError, CatHTTP, "failed", nil)

	warn := LevelWarn
	card := CatCard

	tests := []struct {
		name     string
		limit    int
		level    *Level
		category *Category
		want     []string
	}{
		{"all", 0, nil, nil, []string{"inserted", "refused", "failed"}},
		{"limit", 2, nil, nil, []string{"refused", "failed"}},
		{"min level", 0, &warn, nil, []string{"refused", "failed"}},
		{"category", 0, nil, &card, []string{"inserted", "refused"}},
		{"both", 0, &warn, &card, []string{"refused"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := l.GetEntries(tt.limit, tt.level, tt.category)
			if len(got) != len(tt.want) {
				t.Fatalf("expected %d entries, got %d", len(tt.want), len(got))
			}
			for i := range got {
				if got[i].Message != tt.want[i] {
					t.Errorf("entry %d: expected %q, got %q", i, tt.want[i], got[i].Message)
				}
			}
		})
	}
}

func TestMinLevelDropsEntries(t *testing.T) {
	l := New(10, LevelWarn)
	l.SetOutput(&bytes.Buffer{}, "none")

	l.Log(LevelDebug, CatEvent, "dropped", nil)
	l.Log(LevelError, CatEvent, "kept", nil)

	if got := l.Stats().Total; got != 1 {
		t.Errorf("expected 1 entry, got %d", got)
	}

	l.SetLevel(LevelDebug)
	l.Log(LevelDebug, CatEvent, "now kept", nil)
	if got := l.Stats().Total; got != 2 {
		t.Errorf("expected 2 entries after SetLevel, got %d", got)
	}
}

func TestStatsAndClear(t *testing.T) {
	l := New(10, LevelDebug)
	l.SetOutput(&bytes.Buffer{}, "none")

	l.Log(LevelInfo, CatContext, "one", nil)
	l.Log(LevelInfo, CatContext, "two", nil)
	l.Log(LevelError, CatStub, "three", nil)

	s := l.Stats()
	if s.Total != 3 || s.Capacity != 10 {
		t.Errorf("expected total 3 capacity 10, got %d/%d", s.Total, s.Capacity)
	}
	if s.ByLevel["info"] != 2 || s.ByLevel["error"] != 1 {
		t.Errorf("unexpected level counts: %v", s.ByLevel)
	}
	if s.ByCategory[CatContext] != 2 {
		t.Errorf("expected 2 context entries, got %d", s.ByCategory[CatContext])
	}

	l.Clear()
	if got := len(l.GetEntries(0, nil, nil)); got != 0 {
		t.Errorf("expected empty buffer after Clear, got %d", got)
	}
}

func TestConsoleMirror(t *testing.T) {
	var buf bytes.Buffer
	l := New(10, LevelDebug)
	l.SetOutput(&buf, "json")

	l.Log(LevelInfo, CatReader, "Reader attached", map[string]any{"reader": "Pinpad Reader 0"})

	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("expected JSON line, got %q: %v", buf.String(), err)
	}
	if line["msg"] != "Reader attached" {
		t.Errorf("expected msg 'Reader attached', got %v", line["msg"])
	}
	if line["category"] != "reader" {
		t.Errorf("expected category reader, got %v", line["category"])
	}
	if line["reader"] != "Pinpad Reader 0" {
		t.Errorf("expected reader attr, got %v", line["reader"])
	}
}

func TestParseLevel(t *testing.T) {
	tests := map[string]Level{
		"debug":   LevelDebug,
		"INFO":    LevelInfo,
		"warning": LevelWarn,
		"error":   LevelError,
		"bogus":   LevelInfo,
	}
	for in, want := range tests {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q): expected %v, got %v", in, want, got)
		}
	}
}

func TestLevelMarshalJSON(t *testing.T) {
	data, err := json.Marshal(Entry{Level: LevelWarn, Category: CatCard})
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	if !strings.Contains(string(data), `"level":"warn"`) {
		t.Errorf("expected level encoded by name, got %s", data)
	}
}
