// Package store persists the operator-managed state of the WhatsApp
// bot: the contact allow-list and the flat settings file. Both are
// small text files that may be edited by hand; they are re-read when
// they change on disk and rewritten in full on every save.
package store

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"slices"
	"strings"
	"sync"
	"time"
)

// DefaultContactLimit caps the allow-list when no limit is configured.
const DefaultContactLimit = 10

// Contact is one allow-list entry.
type Contact struct {
	Number  string
	Name    string
	Enabled bool
}

// NumberFromChatID returns the number part of a chat id such as
// "5511999999999@c.us".
func NumberFromChatID(chatID string) string {
	number, _, _ := strings.Cut(strings.TrimSpace(chatID), "@")
	return number
}

// NormalizeNumber keeps only the digits of a phone number.
func NormalizeNumber(number string) string {
	var sb strings.Builder
	for _, r := range number {
		if r >= '0' && r <= '9' {
			sb.WriteRune(r)
		}
	}
	return sb.String()
}

// ParseContacts reads allow-list lines. Three forms are accepted:
//
//	number,name,enabled
//	number,enabled
//	number
//
// The last form is enabled. With two fields the number doubles as the
// name. Blank lines are ignored.
func ParseContacts(data []byte) []Contact {
	var out []Contact
	for line := range strings.SplitSeq(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		parts := strings.Split(line, ",")
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
		}

		var c Contact
		switch len(parts) {
		case 1:
			c = Contact{Number: parts[0], Name: parts[0], Enabled: true}
		case 2:
			c = Contact{Number: parts[0], Name: parts[0], Enabled: parseBool(parts[1])}
		default:
			// Extra fields belong to a hand-written name with commas.
			last := len(parts) - 1
			c = Contact{
				Number:  parts[0],
				Name:    strings.Join(parts[1:last], ","),
				Enabled: parseBool(parts[last]),
			}
		}
		out = append(out, c)
	}
	return out
}

// FormatContacts renders contacts in the three-field form.
func FormatContacts(contacts []Contact) []byte {
	var sb strings.Builder
	for _, c := range contacts {
		name := c.Name
		if name == "" {
			name = c.Number
		}
		fmt.Fprintf(&sb, "%s,%s,%t\n", c.Number, name, c.Enabled)
	}
	return []byte(sb.String())
}

func parseBool(s string) bool {
	return strings.EqualFold(strings.TrimSpace(s), "true")
}

// AllowList is the persisted contact gate. It is safe for concurrent use.
type AllowList struct {
	path   string
	limit  int
	seed   []Contact
	logger *slog.Logger

	mu       sync.Mutex
	contacts []Contact
	stamp    fileStamp
}

// NewAllowList loads the allow-list at path. When the file does not exist
// the list starts as seed; nothing is written until the first mutation.
// A non-positive limit selects DefaultContactLimit.
func NewAllowList(path string, limit int, seed []Contact, logger *slog.Logger) (*AllowList, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if limit <= 0 {
		limit = DefaultContactLimit
	}
	a := &AllowList{
		path:   path,
		limit:  limit,
		seed:   slices.Clone(seed),
		logger: logger.With("component", "allowlist"),
	}
	if err := a.Reload(); err != nil {
		return nil, err
	}
	return a, nil
}

// Path returns the backing file.
func (a *AllowList) Path() string { return a.path }

// Limit returns the maximum number of contacts.
func (a *AllowList) Limit() int { return a.limit }

// Reload re-reads the file unconditionally.
func (a *AllowList) Reload() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.loadLocked()
}

func (a *AllowList) loadLocked() error {
	st, err := statFile(a.path)
	if err != nil {
		return &ConfigPersistenceError{Path: a.path, Op: "read", Err: err}
	}
	if !st.exists {
		a.contacts = slices.Clone(a.seed)
		a.stamp = st
		return nil
	}
	data, err := os.ReadFile(a.path)
	if err != nil {
		return &ConfigPersistenceError{Path: a.path, Op: "read", Err: err}
	}
	a.contacts = ParseContacts(data)
	a.stamp = st
	a.logger.Debug("allow-list loaded", "path", a.path, "contacts", len(a.contacts))
	return nil
}

// refreshLocked reloads the file when it changed since the last load.
// Read failures keep the previous list.
func (a *AllowList) refreshLocked() {
	st, err := statFile(a.path)
	if err != nil || st == a.stamp {
		return
	}
	if err := a.loadLocked(); err != nil {
		a.logger.Warn("allow-list reload failed", "error", err)
	}
}

// List returns a copy of the contacts in file order.
func (a *AllowList) List() []Contact {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.refreshLocked()
	return slices.Clone(a.contacts)
}

// Lookup finds the contact for number. Numbers are compared by digits.
func (a *AllowList) Lookup(number string) (Contact, bool) {
	want := NormalizeNumber(number)
	if want == "" {
		return Contact{}, false
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	a.refreshLocked()
	for _, c := range a.contacts {
		if NormalizeNumber(c.Number) == want {
			return c, true
		}
	}
	return Contact{}, false
}

// Authorized reports whether the sender of chatID is listed and enabled.
func (a *AllowList) Authorized(chatID string) bool {
	c, ok := a.Lookup(NumberFromChatID(chatID))
	return ok && c.Enabled
}

// ContactName returns the listed name of chatID's sender. It is empty
// when the sender is not listed or is listed by number only.
func (a *AllowList) ContactName(chatID string) string {
	c, ok := a.Lookup(NumberFromChatID(chatID))
	if !ok || NormalizeNumber(c.Name) == NormalizeNumber(c.Number) {
		return ""
	}
	return c.Name
}

// Add appends an enabled contact. An empty name defaults to the number.
func (a *AllowList) Add(number, name string) error {
	number = NormalizeNumber(number)
	if number == "" {
		return ErrInvalidNumber
	}
	name = sanitizeName(name)
	if name == "" {
		name = number
	}

	return a.mutate(func(cs []Contact) ([]Contact, error) {
		if indexOf(cs, number) >= 0 {
			return nil, fmt.Errorf("%s: %w", number, ErrDuplicateContact)
		}
		if len(cs) >= a.limit {
			return nil, &ContactLimitError{Limit: a.limit}
		}
		return append(cs, Contact{Number: number, Name: name, Enabled: true}), nil
	})
}

// Remove deletes the contact for number. Removing an absent number is
// not an error.
func (a *AllowList) Remove(number string) error {
	return a.mutate(func(cs []Contact) ([]Contact, error) {
		i := indexOf(cs, number)
		if i < 0 {
			return cs, nil
		}
		return slices.Delete(cs, i, i+1), nil
	})
}

// SetEnabled enables exactly the contacts whose numbers are in enabled
// and disables the rest.
func (a *AllowList) SetEnabled(enabled map[string]bool) error {
	want := make(map[string]bool, len(enabled))
	for n, on := range enabled {
		want[NormalizeNumber(n)] = on
	}
	return a.mutate(func(cs []Contact) ([]Contact, error) {
		for i := range cs {
			cs[i].Enabled = want[NormalizeNumber(cs[i].Number)]
		}
		return cs, nil
	})
}

// Import adds contacts that are not yet listed, up to the limit. It
// returns how many were added; contacts left out because the list is
// full are reported with a *ContactLimitError after the others are saved.
func (a *AllowList) Import(contacts []Contact) (int, error) {
	added := 0
	full := false
	err := a.mutate(func(cs []Contact) ([]Contact, error) {
		for _, c := range contacts {
			c.Number = NormalizeNumber(c.Number)
			if c.Number == "" || indexOf(cs, c.Number) >= 0 {
				continue
			}
			if len(cs) >= a.limit {
				full = true
				break
			}
			c.Name = sanitizeName(c.Name)
			if c.Name == "" {
				c.Name = c.Number
			}
			cs = append(cs, c)
			added++
		}
		return cs, nil
	})
	if err != nil {
		return 0, err
	}
	if full {
		return added, &ContactLimitError{Limit: a.limit}
	}
	return added, nil
}

// mutate applies fn to a copy of the current list and persists the
// result. The in-memory list changes only after the file is written.
func (a *AllowList) mutate(fn func([]Contact) ([]Contact, error)) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.refreshLocked()

	next, err := fn(slices.Clone(a.contacts))
	if err != nil {
		return err
	}
	if err := writeFileAtomic(a.path, FormatContacts(next)); err != nil {
		return &ConfigPersistenceError{Path: a.path, Op: "write", Err: err}
	}
	a.contacts = next
	if st, err := statFile(a.path); err == nil {
		a.stamp = st
	}
	a.logger.Info("allow-list saved", "path", a.path, "contacts", len(next))
	return nil
}

func indexOf(cs []Contact, number string) int {
	want := NormalizeNumber(number)
	return slices.IndexFunc(cs, func(c Contact) bool {
		return NormalizeNumber(c.Number) == want
	})
}

// sanitizeName strips characters that would break the line format.
func sanitizeName(name string) string {
	name = strings.NewReplacer(",", " ", "\n", " ", "\r", " ").Replace(name)
	return strings.Join(strings.Fields(name), " ")
}

// fileStamp identifies one version of a file on disk.
type fileStamp struct {
	exists  bool
	size    int64
	modTime time.Time
}

func statFile(path string) (fileStamp, error) {
	info, err := os.Stat(path)
	if errors.Is(err, os.ErrNotExist) {
		return fileStamp{}, nil
	}
	if err != nil {
		return fileStamp{}, err
	}
	return fileStamp{exists: true, size: info.Size(), modTime: info.ModTime()}, nil
}
