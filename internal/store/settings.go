package store

import (
	"fmt"
	"log/slog"
	"maps"
	"os"
	"slices"
	"strconv"
	"strings"
	"sync"
)

// KeyEnableResponses is the global switch for automatic replies.
const KeyEnableResponses = "enable_responses"

// DefaultSettings are in effect for keys the file does not set.
var DefaultSettings = map[string]string{
	KeyEnableResponses: "true",
}

// ParseSettings reads key=value lines. Lines without '=' are ignored;
// the value is everything after the first '='.
func ParseSettings(data []byte) map[string]string {
	out := make(map[string]string)
	for line := range strings.SplitSeq(string(data), "\n") {
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		out[key] = strings.TrimSpace(value)
	}
	return out
}

// FormatSettings renders settings one per line, sorted by key.
func FormatSettings(values map[string]string) []byte {
	var sb strings.Builder
	for _, k := range slices.Sorted(maps.Keys(values)) {
		fmt.Fprintf(&sb, "%s=%s\n", k, values[k])
	}
	return []byte(sb.String())
}

// Settings is the flat key=value settings file. It is safe for
// concurrent use.
type Settings struct {
	path   string
	logger *slog.Logger

	mu     sync.Mutex
	values map[string]string
	stamp  fileStamp
}

// NewSettings loads the settings file at path. A missing file yields
// DefaultSettings.
func NewSettings(path string, logger *slog.Logger) (*Settings, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Settings{path: path, logger: logger.With("component", "settings")}
	if err := s.Reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// Path returns the backing file.
func (s *Settings) Path() string { return s.path }

// Reload re-reads the file unconditionally.
func (s *Settings) Reload() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadLocked()
}

func (s *Settings) loadLocked() error {
	values := maps.Clone(DefaultSettings)

	st, err := statFile(s.path)
	if err != nil {
		return &ConfigPersistenceError{Path: s.path, Op: "read", Err: err}
	}
	if st.exists {
		data, err := os.ReadFile(s.path)
		if err != nil {
			return &ConfigPersistenceError{Path: s.path, Op: "read", Err: err}
		}
		maps.Copy(values, ParseSettings(data))
	}
	s.values = values
	s.stamp = st
	return nil
}

func (s *Settings) refreshLocked() {
	st, err := statFile(s.path)
	if err != nil || st == s.stamp {
		return
	}
	if err := s.loadLocked(); err != nil {
		s.logger.Warn("settings reload failed", "error", err)
	}
}

// Get returns the value for key.
func (s *Settings) Get(key string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refreshLocked()
	v, ok := s.values[key]
	return v, ok
}

// All returns a copy of every setting.
func (s *Settings) All() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refreshLocked()
	return maps.Clone(s.values)
}

// ResponsesEnabled reports whether automatic replies are switched on.
// Only the exact value "true" enables them.
func (s *Settings) ResponsesEnabled() bool {
	v, _ := s.Get(KeyEnableResponses)
	return v == "true"
}

// SetResponsesEnabled flips the global reply switch.
func (s *Settings) SetResponsesEnabled(on bool) error {
	return s.Set(KeyEnableResponses, strconv.FormatBool(on))
}

// Set stores value under key and rewrites the file. On a write failure
// the previous value stays in effect.
func (s *Settings) Set(key, value string) error {
	key = strings.TrimSpace(key)
	if key == "" || strings.ContainsAny(key, "=\n") {
		return fmt.Errorf("invalid settings key %q", key)
	}
	value = strings.TrimSpace(strings.ReplaceAll(value, "\n", " "))

	s.mu.Lock()
	defer s.mu.Unlock()
	s.refreshLocked()

	next := maps.Clone(s.values)
	next[key] = value
	if err := writeFileAtomic(s.path, FormatSettings(next)); err != nil {
		return &ConfigPersistenceError{Path: s.path, Op: "write", Err: err}
	}
	s.values = next
	if st, err := statFile(s.path); err == nil {
		s.stamp = st
	}
	s.logger.Info("settings saved", "path", s.path, "key", key, "value", value)
	return nil
}
