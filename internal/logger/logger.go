// Package logger installs the process-wide slog handler used by the
// softphone, router and dialctl binaries.
package logger

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"
	"strings"
	"sync"
	"time"
)

var (
	globalLevel = slog.LevelInfo
	levelMu     sync.RWMutex
)

// SetLevel sets the global log level
func SetLevel(levelStr string) {
	level := ParseLevel(levelStr)
	levelMu.Lock()
	defer levelMu.Unlock()
	globalLevel = level
}

// GetLevel returns the current log level as a string
func GetLevel() string {
	levelMu.RLock()
	defer levelMu.RUnlock()

	switch globalLevel {
	case slog.LevelDebug:
		return "debug"
	case slog.LevelWarn:
		return "warn"
	case slog.LevelError:
		return "error"
	default:
		return "info"
	}
}

// ParseLevel parses a string to an slog level. Unknown values map to info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// jsonLineWriter rewrites JSON log lines written by third-party libraries
// (sipgo's transport layer) into the same "[time] [LEVEL] msg k=v" layout.
type jsonLineWriter struct {
	base io.Writer
}

func (w *jsonLineWriter) Write(p []byte) (int, error) {
	if !strings.HasPrefix(strings.TrimSpace(string(p)), "{") {
		return w.base.Write(p)
	}

	var entry map[string]any
	if err := json.Unmarshal(p, &entry); err != nil {
		return w.base.Write(p)
	}

	level := "info"
	if lv, ok := entry["level"]; ok {
		level = fmt.Sprint(lv)
	}
	message := ""
	for _, key := range []string{"message", "msg"} {
		if m, ok := entry[key]; ok {
			message = fmt.Sprint(m)
			break
		}
	}
	ts := time.Now()
	if t, ok := entry["time"]; ok {
		if parsed, err := time.Parse(time.RFC3339, fmt.Sprint(t)); err == nil {
			ts = parsed
		}
	}

	keys := make([]string, 0, len(entry))
	for k := range entry {
		switch k {
		case "level", "message", "msg", "time", "caller":
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	attrs := make([]string, 0, len(keys))
	for _, k := range keys {
		attrs = append(attrs, fmt.Sprintf("%s=%v", k, entry[k]))
	}

	if _, err := io.WriteString(w.base, formatLine(ts, strings.ToUpper(level), message, attrs)); err != nil {
		return 0, err
	}
	return len(p), nil
}

func formatLine(ts time.Time, level, message string, attrs []string) string {
	line := "[" + ts.Format("15:04:05.000") + "] [" + level + "] " + message
	if len(attrs) > 0 {
		line += " " + strings.Join(attrs, " ")
	}
	return line + "\n"
}

// handler writes one line per record to every output.
type handler struct {
	outs  []io.Writer
	mu    *sync.Mutex
	attrs []string
	group string
}

// Handle implements slog.Handler
func (h *handler) Handle(_ context.Context, record slog.Record) error {
	if !h.Enabled(context.Background(), record.Level) {
		return nil
	}

	attrs := append([]string(nil), h.attrs...)
	record.Attrs(func(a slog.Attr) bool {
		attrs = append(attrs, h.qualify(a.Key)+"="+a.Value.String())
		return true
	})

	line := formatLine(record.Time, strings.ToUpper(record.Level.String()), record.Message, attrs)

	h.mu.Lock()
	defer h.mu.Unlock()
	for _, out := range h.outs {
		if out != nil {
			_, _ = io.WriteString(out, line)
		}
	}
	return nil
}

func (h *handler) qualify(key string) string {
	if h.group == "" {
		return key
	}
	return h.group + "." + key
}

// WithAttrs implements slog.Handler
func (h *handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := *h
	next.attrs = append([]string(nil), h.attrs...)
	for _, a := range attrs {
		next.attrs = append(next.attrs, h.qualify(a.Key)+"="+a.Value.String())
	}
	return &next
}

// WithGroup implements slog.Handler
func (h *handler) WithGroup(name string) slog.Handler {
	next := *h
	next.group = h.qualify(name)
	return &next
}

// Enabled implements slog.Handler
func (h *handler) Enabled(_ context.Context, level slog.Level) bool {
	levelMu.RLock()
	defer levelMu.RUnlock()
	return level >= globalLevel
}

// NewHandler returns a handler writing to the given outputs.
func NewHandler(outputs ...io.Writer) slog.Handler {
	return &handler{outs: outputs, mu: &sync.Mutex{}}
}

// InitLogger sets the level and installs the handler as the slog default.
// With no outputs it writes to stdout. The returned writer can be handed
// to libraries that log JSON lines so their output matches ours.
func InitLogger(level string, outputs ...io.Writer) io.Writer {
	SetLevel(level)
	if len(outputs) == 0 {
		outputs = []io.Writer{os.Stdout}
	}
	slog.SetDefault(slog.New(NewHandler(outputs...)))
	return &jsonLineWriter{base: io.MultiWriter(outputs...)}
}
