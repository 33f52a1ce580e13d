package logging

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"
)

// Level is the severity of a log entry.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "debug"
	case LevelInfo:
		return "info"
	case LevelWarn:
		return "warn"
	case LevelError:
		return "error"
	default:
		return "unknown"
	}
}

// MarshalJSON encodes the level as its name.
func (l Level) MarshalJSON() ([]byte, error) {
	return json.Marshal(l.String())
}

// ParseLevel maps a level name to a Level. Unknown names give LevelInfo.
func ParseLevel(s string) Level {
	switch strings.ToLower(s) {
	case "debug":
		return LevelDebug
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

func (l Level) toSlog() slog.Level {
	switch l {
	case LevelDebug:
		return slog.LevelDebug
	case LevelWarn:
		return slog.LevelWarn
	case LevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Category groups entries by subsystem.
type Category string

const (
	CatSystem    Category = "system"
	CatHTTP      Category = "http"
	CatWebSocket Category = "websocket"
	CatContext   Category = "context"
	CatReader    Category = "reader"
	CatCard      Category = "card"
	CatEvent     Category = "event"
	CatStub      Category = "stub"
)

// Entry is one buffered log line.
type Entry struct {
	ID        uint64         `json:"id"`
	Timestamp time.Time      `json:"timestamp"`
	Level     Level          `json:"level"`
	Category  Category       `json:"category"`
	Message   string         `json:"message"`
	Data      map[string]any `json:"data,omitempty"`
}

// Stats summarizes the buffer contents.
type Stats struct {
	Total      int              `json:"total"`
	Capacity   int              `json:"capacity"`
	ByLevel    map[string]int   `json:"byLevel"`
	ByCategory map[Category]int `json:"byCategory"`
}

// Logger keeps the most recent entries in a ring buffer and mirrors every
// entry at or above its level to a slog handler.
type Logger struct {
	mu       sync.RWMutex
	entries  []Entry
	capacity int
	start    int
	count    int
	nextID   uint64
	minLevel Level
	console  *slog.Logger
	leveler  *slog.LevelVar
}

var (
	global   *Logger
	globalMu sync.RWMutex
)

// New creates a logger holding up to capacity entries.
func New(capacity int, minLevel Level) *Logger {
	if capacity <= 0 {
		capacity = 1000
	}
	leveler := new(slog.LevelVar)
	leveler.Set(minLevel.toSlog())
	return &Logger{
		entries:  make([]Entry, capacity),
		capacity: capacity,
		minLevel: minLevel,
		console:  newConsole(os.Stderr, "text", leveler),
		leveler:  leveler,
	}
}

// Init replaces the global logger.
func Init(capacity int, minLevel Level) {
	l := New(capacity, minLevel)
	globalMu.Lock()
	global = l
	globalMu.Unlock()
}

// Get returns the global logger, creating a default one on first use.
func Get() *Logger {
	globalMu.RLock()
	l := global
	globalMu.RUnlock()
	if l != nil {
		return l
	}

	globalMu.Lock()
	defer globalMu.Unlock()
	if global == nil {
		global = New(1000, LevelInfo)
	}
	return global
}

func newConsole(w io.Writer, format string, level slog.Leveler) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	switch strings.ToLower(format) {
	case "json":
		handler = slog.NewJSONHandler(w, opts)
	case "none", "off":
		handler = slog.NewTextHandler(io.Discard, opts)
	default:
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler)
}

// SetOutput changes where entries are mirrored. format is "text", "json" or
// "none".
func (l *Logger) SetOutput(w io.Writer, format string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.console = newConsole(w, format, l.leveler)
}

// SetLevel changes the minimum level that is recorded.
func (l *Logger) SetLevel(level Level) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.minLevel = level
	l.leveler.Set(level.toSlog())
}

// Level returns the minimum recorded level.
func (l *Logger) Level() Level {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.minLevel
}

// Log records an entry.
func (l *Logger) Log(level Level, category Category, message string, data map[string]any) {
	l.mu.Lock()
	if level < l.minLevel {
		l.mu.Unlock()
		return
	}
	l.nextID++
	entry := Entry{
		ID:        l.nextID,
		Timestamp: time.Now(),
		Level:     level,
		Category:  category,
		Message:   message,
		Data:      data,
	}
	idx := (l.start + l.count) % l.capacity
	l.entries[idx] = entry
	if l.count < l.capacity {
		l.count++
	} else {
		l.start = (l.start + 1) % l.capacity
	}
	console := l.console
	l.mu.Unlock()

	attrs := make([]any, 0, 2+len(data)*2)
	attrs = append(attrs, "category", string(category))
	for k, v := range data {
		attrs = append(attrs, k, v)
	}
	console.Log(context.Background(), level.toSlog(), message, attrs...)
}

// GetEntries returns up to limit entries, newest last. Nil filters match
// everything; minLevel keeps entries at or above it.
func (l *Logger) GetEntries(limit int, minLevel *Level, category *Category) []Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()

	result := make([]Entry, 0, l.count)
	for i := 0; i < l.count; i++ {
		e := l.entries[(l.start+i)%l.capacity]
		if minLevel != nil && e.Level < *minLevel {
			continue
		}
		if category != nil && e.Category != *category {
			continue
		}
		result = append(result, e)
	}
	if limit > 0 && len(result) > limit {
		result = result[len(result)-limit:]
	}
	return result
}

// Stats reports counts per level and category.
func (l *Logger) Stats() Stats {
	l.mu.RLock()
	defer l.mu.RUnlock()

	s := Stats{
		Total:      l.count,
		Capacity:   l.capacity,
		ByLevel:    make(map[string]int),
		ByCategory: make(map[Category]int),
	}
	for i := 0; i < l.count; i++ {
		e := l.entries[(l.start+i)%l.capacity]
		s.ByLevel[e.Level.String()]++
		s.ByCategory[e.Category]++
	}
	return s
}

// Clear drops all buffered entries.
func (l *Logger) Clear() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = make([]Entry, l.capacity)
	l.start = 0
	l.count = 0
}

func Debug(category Category, message string, data map[string]any) {
	Get().Log(LevelDebug, category, message, data)
}

func Info(category Category, message string, data map[string]any) {
	Get().Log(LevelInfo, category, message, data)
}

func Warn(category Category, message string, data map[string]any) {
	Get().Log(LevelWarn, category, message, data)
}

func Error(category Category, message string, data map[string]any) {
	Get().Log(LevelError, category, message, data)
}
