// Package msglog is the append-only message log: one JSON object per
// line, one line per inbound message, recording what was received and
// what the bot answered.
package msglog

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"
)

// TimestampLayout is the format of Record.Timestamp.
const TimestampLayout = "2006-01-02 15:04:05"

// Record is one logged message and its outcome.
type Record struct {
	From              string `json:"from"`
	FromName          string `json:"from_name"`
	To                string `json:"to"`
	Type              string `json:"type"`
	UserMessage       string `json:"user_message"`
	AssistantResponse string `json:"assistant_response"`
	Timestamp         string `json:"timestamp"`
}

// Time parses Timestamp in the local zone. The zero time is returned
// for records with an unparseable timestamp.
func (r Record) Time() time.Time {
	t, err := time.ParseInLocation(TimestampLayout, r.Timestamp, time.Local)
	if err != nil {
		return time.Time{}
	}
	return t
}

// Log appends records to a file. Writes are serialized and each record
// reaches the file in a single write call, so concurrent writers never
// interleave lines.
type Log struct {
	path string
	mu   sync.Mutex
}

// Open returns a log writing to path, creating the parent directory.
// The file itself is created on first append.
func Open(path string) (*Log, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create log directory: %w", err)
		}
	}
	return &Log{path: path}, nil
}

// Path returns the log file path.
func (l *Log) Path() string { return l.path }

// Append writes rec as one line.
func (l *Log) Append(rec Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode record: %w", err)
	}
	data = append(data, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := os.OpenFile(l.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open log: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("append log: %w", err)
	}
	return f.Close()
}

// Recent returns up to k records accepted by match, oldest first. The
// file is read backward from the end so only the tail is touched.
// Malformed lines are skipped. A nil match accepts every record. A
// missing file yields no records.
func (l *Log) Recent(k int, match func(Record) bool) ([]Record, error) {
	if k <= 0 {
		return nil, nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := os.Open(l.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open log: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat log: %w", err)
	}

	var out []Record
	err = scanBackward(f, info.Size(), func(line []byte) bool {
		var rec Record
		if json.Unmarshal(line, &rec) != nil {
			return true
		}
		if match != nil && !match(rec) {
			return true
		}
		out = append(out, rec)
		return len(out) < k
	})
	if err != nil {
		return nil, fmt.Errorf("read log: %w", err)
	}
	slices.Reverse(out)
	return out, nil
}

// All returns every well-formed record, oldest first.
func (l *Log) All() ([]Record, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	data, err := os.ReadFile(l.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read log: %w", err)
	}

	var out []Record
	for line := range bytes.SplitSeq(data, []byte{'\n'}) {
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		var rec Record
		if json.Unmarshal(line, &rec) != nil {
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

// FromSender matches records whose From equals id.
func FromSender(id string) func(Record) bool {
	return func(r Record) bool { return r.From == id }
}

const scanChunk = 4096

// scanBackward calls fn for each non-empty line of r, last line first,
// until fn returns false.
func scanBackward(r io.ReaderAt, size int64, fn func(line []byte) bool) error {
	var carry []byte
	pos := size
	for pos > 0 {
		n := min(int64(scanChunk), pos)
		pos -= n

		buf := make([]byte, n, n+int64(len(carry)))
		if _, err := r.ReadAt(buf, pos); err != nil && !errors.Is(err, io.EOF) {
			return err
		}
		buf = append(buf, carry...)

		for {
			i := bytes.LastIndexByte(buf, '\n')
			if i < 0 {
				break
			}
			line := bytes.TrimSpace(buf[i+1:])
			buf = buf[:i]
			if len(line) > 0 && !fn(line) {
				return nil
			}
		}
		carry = buf
	}
	if line := bytes.TrimSpace(carry); len(line) > 0 {
		fn(line)
	}
	return nil
}
