// Package web provides the admin interface for the WhatsApp bot: the
// global response switch, the allow-list and the recent message log.
package web

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"html/template"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"github.com/nugget/clima/internal/msglog"
	"github.com/nugget/clima/internal/store"
)

// RecentRecords is how many log records the admin page shows.
const RecentRecords = 20

// maxImportSize bounds an uploaded vCard file.
const maxImportSize = 1 << 20

// ContactStore is the allow-list as the admin page edits it.
// *store.AllowList satisfies it.
type ContactStore interface {
	List() []store.Contact
	Limit() int
	Add(number, name string) error
	Remove(number string) error
	SetEnabled(enabled map[string]bool) error
	Import(contacts []store.Contact) (int, error)
}

// SettingsStore holds the global response switch. *store.Settings
// satisfies it.
type SettingsStore interface {
	ResponsesEnabled() bool
	SetResponsesEnabled(on bool) error
}

// RecentLog returns the tail of the message log. *msglog.Log satisfies it.
type RecentLog interface {
	Recent(k int, match func(msglog.Record) bool) ([]msglog.Record, error)
}

// Config holds the dependencies for the admin server.
type Config struct {
	Contacts ContactStore
	Settings SettingsStore
	Log      RecentLog // optional

	// Username and PasswordHash enable HTTP basic auth when the hash is
	// set. The hash is a bcrypt string; an empty Username accepts any
	// user name.
	Username     string
	PasswordHash string

	Logger *slog.Logger
}

// WebServer serves the admin pages.
type WebServer struct {
	contacts ContactStore
	settings SettingsStore
	log      RecentLog
	username string
	hash     []byte
	logger   *slog.Logger
	page     *template.Template
}

// NewWebServer creates a WebServer. Templates are parsed here, so a
// broken template fails at startup.
func NewWebServer(cfg Config) *WebServer {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &WebServer{
		contacts: cfg.Contacts,
		settings: cfg.Settings,
		log:      cfg.Log,
		username: cfg.Username,
		logger:   logger.With("component", "admin"),
		page:     parseAdminPage(),
	}
	if cfg.PasswordHash != "" {
		s.hash = []byte(cfg.PasswordHash)
	}
	return s
}

// RegisterRoutes adds the admin routes to mux.
func (s *WebServer) RegisterRoutes(mux *http.ServeMux) {
	mux.Handle("GET /admin", s.requireAuth(http.HandlerFunc(s.handleAdmin)))
	mux.Handle("POST /admin/settings", s.requireAuth(http.HandlerFunc(s.handleSettings)))
	mux.Handle("POST /admin/contacts", s.requireAuth(http.HandlerFunc(s.handleContacts)))
}

func (s *WebServer) requireAuth(next http.Handler) http.Handler {
	if s.hash == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok || !s.checkCredentials(user, pass) {
			if ok {
				s.logger.Warn("admin login rejected", "user", user, "remote", r.RemoteAddr)
			}
			w.Header().Set("WWW-Authenticate", `Basic realm="clima admin", charset="UTF-8"`)
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *WebServer) checkCredentials(user, pass string) bool {
	if s.username != "" && subtle.ConstantTimeCompare([]byte(user), []byte(s.username)) != 1 {
		return false
	}
	return bcrypt.CompareHashAndPassword(s.hash, []byte(pass)) == nil
}

// AdminData is the template context for the admin page.
type AdminData struct {
	Message          string
	ResponsesEnabled bool
	Contacts         []store.Contact
	Limit            int
	Full             bool
	Records          []recordRow
}

type recordRow struct {
	Timestamp string
	From      string
	FromName  string
	Message   string
	Response  string
}

func (s *WebServer) handleAdmin(w http.ResponseWriter, r *http.Request) {
	contacts := s.contacts.List()
	data := AdminData{
		Message:          r.URL.Query().Get("message"),
		ResponsesEnabled: s.settings.ResponsesEnabled(),
		Contacts:         contacts,
		Limit:            s.contacts.Limit(),
	}
	data.Full = len(contacts) >= data.Limit

	if s.log != nil {
		recs, err := s.log.Recent(RecentRecords, nil)
		if err != nil {
			s.logger.Error("read message log failed", "error", err)
			if data.Message == "" {
				data.Message = "could not read message log"
			}
		}
		// Newest first.
		for i := len(recs) - 1; i >= 0; i-- {
			rec := recs[i]
			data.Records = append(data.Records, recordRow{
				Timestamp: rec.Timestamp,
				From:      store.NumberFromChatID(rec.From),
				FromName:  rec.FromName,
				Message:   truncate(rec.UserMessage, 120),
				Response:  truncate(rec.AssistantResponse, 160),
			})
		}
	}

	s.render(w, data)
}

func (s *WebServer) handleSettings(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		s.redirect(w, r, "invalid form")
		return
	}
	on := r.PostForm.Get("enable_responses") == "true"
	if err := s.settings.SetResponsesEnabled(on); err != nil {
		s.logger.Error("save settings failed", "error", err)
		s.redirect(w, r, failure("could not save settings", err))
		return
	}
	s.logger.Info("responses toggled", "enabled", on)
	if on {
		s.redirect(w, r, "responses enabled")
	} else {
		s.redirect(w, r, "responses disabled")
	}
}

func (s *WebServer) handleContacts(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maxImportSize); err != nil && !errors.Is(err, http.ErrNotMultipart) {
		s.redirect(w, r, "invalid form")
		return
	}

	switch action := r.FormValue("action"); action {
	case "add":
		number := r.FormValue("number")
		if err := s.contacts.Add(number, r.FormValue("name")); err != nil {
			s.logger.Warn("add contact failed", "number", number, "error", err)
			s.redirect(w, r, failure("could not add contact", err))
			return
		}
		s.redirect(w, r, "contact "+store.NormalizeNumber(number)+" added")

	case "remove":
		number := r.FormValue("number")
		if err := s.contacts.Remove(number); err != nil {
			s.logger.Error("remove contact failed", "number", number, "error", err)
			s.redirect(w, r, failure("could not remove contact", err))
			return
		}
		s.redirect(w, r, "contact "+number+" removed")

	case "enable":
		enabled := make(map[string]bool)
		for _, n := range r.Form["enabled"] {
			enabled[n] = true
		}
		if err := s.contacts.SetEnabled(enabled); err != nil {
			s.logger.Error("update contacts failed", "error", err)
			s.redirect(w, r, failure("could not update contacts", err))
			return
		}
		s.redirect(w, r, "contacts updated")

	case "import":
		s.importVCards(w, r)

	default:
		s.redirect(w, r, fmt.Sprintf("unknown action %q", action))
	}
}

func (s *WebServer) importVCards(w http.ResponseWriter, r *http.Request) {
	f, _, err := r.FormFile("vcard")
	if err != nil {
		s.redirect(w, r, "no vCard file uploaded")
		return
	}
	defer f.Close()

	parsed, err := store.ParseVCards(f)
	if err != nil {
		s.redirect(w, r, failure("could not read vCard file", err))
		return
	}
	added, err := s.contacts.Import(parsed)
	switch {
	case errors.Is(err, store.ErrContactLimit):
		s.redirect(w, r, fmt.Sprintf("imported %d contact(s); %v", added, err))
	case err != nil:
		s.logger.Error("import contacts failed", "error", err)
		s.redirect(w, r, failure("could not import contacts", err))
	default:
		s.logger.Info("contacts imported", "added", added, "parsed", len(parsed))
		s.redirect(w, r, fmt.Sprintf("imported %d contact(s)", added))
	}
}

// failure renders err for the admin banner. Limit and duplicate errors
// are shown as they are; persistence errors keep the file path so the
// operator can fix permissions.
func failure(prefix string, err error) string {
	var pe *store.ConfigPersistenceError
	switch {
	case errors.Is(err, store.ErrContactLimit), errors.Is(err, store.ErrDuplicateContact), errors.Is(err, store.ErrInvalidNumber):
		return err.Error()
	case errors.As(err, &pe):
		return prefix + ": " + pe.Error()
	default:
		return prefix
	}
}

func (s *WebServer) redirect(w http.ResponseWriter, r *http.Request, message string) {
	target := "/admin"
	if message != "" {
		target += "?message=" + url.QueryEscape(message)
	}
	http.Redirect(w, r, target, http.StatusSeeOther)
}

// truncate shortens s to at most n runes, ending in "..." when cut.
func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	if n <= 3 {
		return string(runes[:n])
	}
	return string(runes[:n-3]) + "..."
}
