package log

import (
	"context"
	"strings"
	"sync"
)

// Entry is one record captured by MemoryLogger.
type Entry struct {
	Level   Level
	Message string
	Fields  []Field
}

// Field returns the value of the first field named key.
func (e Entry) Field(key string) (any, bool) {
	for _, f := range e.Fields {
		if f.Key == key {
			return f.Value, true
		}
	}

	return nil, false
}

// MemoryLogger keeps entries in memory. Children created through With and
// WithGroup write into the same buffer.
type MemoryLogger struct {
	sink   *memorySink
	level  Level
	group  string
	fields []Field
}

type memorySink struct {
	mu      sync.Mutex
	entries []Entry
}

// NewMemory returns a MemoryLogger that records entries up to level.
func NewMemory(level Level) *MemoryLogger {
	return &MemoryLogger{sink: &memorySink{}, level: level}
}

func (l *MemoryLogger) Log(_ context.Context, level Level, msg string, fields ...Field) {
	if !l.Enabled(level) {
		return
	}

	all := make([]Field, 0, len(l.fields)+len(fields))
	all = append(all, l.fields...)

	for _, f := range fields {
		if l.group != "" {
			f.Key = l.group + "." + f.Key
		}

		all = append(all, f)
	}

	l.sink.mu.Lock()
	l.sink.entries = append(l.sink.entries, Entry{Level: level, Message: msg, Fields: all})
	l.sink.mu.Unlock()
}

//nolint:ireturn
func (l *MemoryLogger) With(fields ...Field) Logger {
	child := *l
	child.fields = append(append([]Field(nil), l.fields...), fields...)

	return &child
}

//nolint:ireturn
func (l *MemoryLogger) WithGroup(name string) Logger {
	child := *l

	if l.group != "" {
		child.group = l.group + "." + name
	} else {
		child.group = name
	}

	return &child
}

func (l *MemoryLogger) Enabled(level Level) bool {
	return l != nil && level <= l.level
}

func (l *MemoryLogger) Sync(_ context.Context) error { return nil }

// Entries returns a copy of everything recorded so far.
func (l *MemoryLogger) Entries() []Entry {
	l.sink.mu.Lock()
	defer l.sink.mu.Unlock()

	return append([]Entry(nil), l.sink.entries...)
}

// Find returns the entries whose message contains substr.
func (l *MemoryLogger) Find(substr string) []Entry {
	var out []Entry

	for _, e := range l.Entries() {
		if strings.Contains(e.Message, substr) {
			out = append(out, e)
		}
	}

	return out
}
