// Package dispatch routes inbound chat messages to isolated sessions.
// Every message is checked against the allow-list, the global reply
// switch and a per-sender rate limit; authorized messages run one turn
// of the agent and the reply is sent back through the chat bridge.
// Every message, answered or not, leaves exactly one record in the
// message log.
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/nugget/clima/internal/agent"
	"github.com/nugget/clima/internal/msglog"
	"github.com/nugget/clima/internal/session"
	"github.com/nugget/clima/internal/whatsapp"
)

// Fixed replies for messages that do not reach the agent.
const (
	MsgEmptyText     = "empty text message"
	MsgNotAuthorized = "responses disabled or sender not authorized"
	MsgRateLimited   = "rate limit exceeded, try again in a minute"
)

// History modes.
const (
	HistoryMemory = "memory"
	HistoryLog    = "log"
)

// ReseedRecords is how many log records rebuild a session in log mode.
// Sessions too small to hold that many exchanges plus the new query get
// as many as fit.
const ReseedRecords = 5

// DefaultTypingDelay is how long the typing indicator shows before the
// turn starts.
const DefaultTypingDelay = 3 * time.Second

// handleTimeout bounds one inbound message: typing, turn and send.
const handleTimeout = 5 * time.Minute

// Inbound is one received chat message.
type Inbound struct {
	ID          string
	From        string // chat id, e.g. 5511999999999@c.us
	To          string
	Body        string
	Participant string
	PushName    string
	Type        string
}

// FromWhatsApp converts a WAHA message payload.
func FromWhatsApp(m whatsapp.Message) Inbound {
	return Inbound{
		ID:          m.ID,
		From:        m.From,
		To:          m.To,
		Body:        m.Body,
		Participant: m.Participant,
		PushName:    m.PushName,
		Type:        m.Type,
	}
}

// Outcome is the result of handling one message, shaped for the webhook
// response body.
type Outcome struct {
	Status   string `json:"status"`
	Reply    string `json:"resposta"`
	WhatsApp any    `json:"whatsapp"`

	// Answered is true when the agent ran for this message.
	Answered bool  `json:"-"`
	Err      error `json:"-"`
}

// Runner runs one agent turn. *agent.Orchestrator implements it.
type Runner interface {
	RunTurn(ctx context.Context, sess *session.Session, query string, opts ...agent.TurnOption) (string, error)
}

// Sender is the outbound side of the chat bridge. *whatsapp.Client
// implements it.
type Sender interface {
	SendSeen(ctx context.Context, chatID, messageID, participant string) error
	StartTyping(ctx context.Context, chatID string) error
	StopTyping(ctx context.Context, chatID string) error
	SendText(ctx context.Context, chatID, text string) (whatsapp.SendResult, error)
}

// AllowList decides whether a chat id may be answered and knows the
// names contacts were saved under. *store.AllowList implements it.
type AllowList interface {
	Authorized(chatID string) bool
	ContactName(chatID string) string
}

// Switch is the global reply toggle. *store.Settings implements it.
type Switch interface {
	ResponsesEnabled() bool
}

// MessageLog is the append-only record of handled messages.
// *msglog.Log implements it.
type MessageLog interface {
	Append(rec msglog.Record) error
	Recent(k int, match func(msglog.Record) bool) ([]msglog.Record, error)
}

// Config holds a Dispatcher's collaborators and tuning.
type Config struct {
	Runner    Runner
	Sender    Sender
	AllowList AllowList
	Switch    Switch
	Log       MessageLog
	Sessions  *Registry

	TypingDelay time.Duration // zero = DefaultTypingDelay, negative = none
	ReplyPrefix string
	RateLimit   int    // per sender per minute; 0 = unlimited
	HistoryMode string // memory (default) or log

	// Format rewrites the reply before sending. Defaults to
	// whatsapp.FormatMarkdown.
	Format func(string) string

	Logger *slog.Logger
}

// Dispatcher handles inbound messages. It is safe for concurrent use;
// messages from one sender are answered in arrival order through the
// session turn lock, different senders run concurrently.
type Dispatcher struct {
	cfg     Config
	limiter *rateLimiter
	logger  *slog.Logger
	now     func() time.Time

	received atomic.Int64
	answered atomic.Int64
}

// New creates a dispatcher.
func New(cfg Config) *Dispatcher {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.TypingDelay == 0 {
		cfg.TypingDelay = DefaultTypingDelay
	}
	if cfg.HistoryMode == "" {
		cfg.HistoryMode = HistoryMemory
	}
	if cfg.Format == nil {
		cfg.Format = whatsapp.FormatMarkdown
	}
	return &Dispatcher{
		cfg:     cfg,
		limiter: newRateLimiter(cfg.RateLimit),
		logger:  cfg.Logger.With("component", "dispatch"),
		now:     time.Now,
	}
}

// Stats returns how many messages were received and how many reached
// the agent.
func (d *Dispatcher) Stats() (received, answered int64) {
	return d.received.Load(), d.answered.Load()
}

// ActiveSessions returns the number of live sessions.
func (d *Dispatcher) ActiveSessions() int {
	return d.cfg.Sessions.Len()
}

// HandleInbound gates, answers and logs one message.
func (d *Dispatcher) HandleInbound(ctx context.Context, in Inbound) Outcome {
	d.received.Add(1)

	fromName := in.PushName
	if fromName == "" {
		fromName = "Unknown"
	}
	rec := msglog.Record{
		From:        in.From,
		FromName:    fromName,
		To:          in.To,
		Type:        in.Type,
		UserMessage: in.Body,
		Timestamp:   d.now().Format(msglog.TimestampLayout),
	}

	out := d.handle(ctx, in)

	rec.AssistantResponse = out.Reply
	if err := d.cfg.Log.Append(rec); err != nil {
		d.logger.Error("message log append failed", "sender", in.From, "error", err)
	}
	return out
}

func (d *Dispatcher) handle(ctx context.Context, in Inbound) Outcome {
	text := strings.TrimSpace(in.Body)
	logger := d.logger.With("sender", in.From)

	switch {
	case text == "":
		logger.Debug("ignoring empty message")
		return informational(MsgEmptyText)
	case !d.cfg.AllowList.Authorized(in.From) || !d.cfg.Switch.ResponsesEnabled():
		logger.Info("message not answered: sender not authorized or responses disabled")
		return informational(MsgNotAuthorized)
	case !d.limiter.allow(in.From, d.now()):
		logger.Warn("message rate-limited")
		return informational(MsgRateLimited)
	}

	ctx, cancel := context.WithTimeout(ctx, handleTimeout)
	defer cancel()

	// The allow-list name is what the operator chose; the WhatsApp
	// profile name is the sender's own.
	name := d.cfg.AllowList.ContactName(in.From)
	if name == "" {
		name = strings.TrimSpace(in.PushName)
	}
	sess, created, done := d.cfg.Sessions.Get(in.From, name)
	defer done()
	logger.Info("message received",
		"conversation_id", sess.Key(),
		"new_session", created,
		"message_len", len(text),
	)

	// Best-effort presence; failures do not stop the turn.
	if err := d.cfg.Sender.SendSeen(ctx, in.From, in.ID, in.Participant); err != nil {
		logger.Warn("send seen failed", "error", err)
	}
	d.typing(ctx, logger, in.From)

	var opts []agent.TurnOption
	if d.cfg.HistoryMode == HistoryLog {
		opts = append(opts, agent.WithPrepare(d.reseed(in.From)))
	}
	reply, err := d.cfg.Runner.RunTurn(ctx, sess, text, opts...)

	// Stop typing even if the handler context has expired.
	stopCtx, stopCancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
	defer stopCancel()
	if typErr := d.cfg.Sender.StopTyping(stopCtx, in.From); typErr != nil {
		logger.Debug("stop typing failed", "error", typErr)
	}

	d.answered.Add(1)
	if err != nil {
		logger.Error("turn failed", "conversation_id", sess.Key(), "error", err)
	}
	if reply == "" {
		reply = agent.MsgModelUnavailable
	}

	out := Outcome{Status: "ok", Reply: reply, Answered: true, Err: err}
	result, sendErr := d.cfg.Sender.SendText(ctx, in.From, d.cfg.ReplyPrefix+d.cfg.Format(reply))
	if sendErr != nil {
		logger.Error("reply send failed", "error", sendErr)
		out.WhatsApp = map[string]string{"status": "error", "detail": "send failed"}
		if out.Err == nil {
			out.Err = fmt.Errorf("send reply: %w", sendErr)
		}
		return out
	}
	if len(result) > 0 {
		out.WhatsApp = json.RawMessage(result)
	} else {
		out.WhatsApp = map[string]string{"status": "ok"}
	}
	logger.Info("reply sent", "conversation_id", sess.Key(), "reply_len", len(reply))
	return out
}

// typing shows the typing indicator for the configured delay. The wait
// ends early when ctx is done.
func (d *Dispatcher) typing(ctx context.Context, logger *slog.Logger, chatID string) {
	if d.cfg.TypingDelay < 0 {
		return
	}
	if err := d.cfg.Sender.StartTyping(ctx, chatID); err != nil {
		logger.Debug("start typing failed", "error", err)
	}
	t := time.NewTimer(d.cfg.TypingDelay)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// reseed rebuilds a session's history from the sender's most recent
// answered log records, replacing whatever it held in memory. Gated
// messages never reached the agent and are skipped; failed turns come
// back as system turns, the way the orchestrator recorded them.
func (d *Dispatcher) reseed(chatID string) func(*session.Session) error {
	return func(sess *session.Session) error {
		n := min(ReseedRecords, (sess.History().Capacity()-1)/2)
		sess.History().Reset()
		if n <= 0 {
			return nil
		}
		recs, err := d.cfg.Log.Recent(n, func(r msglog.Record) bool {
			return r.From == chatID && strings.TrimSpace(r.UserMessage) != "" && !gated(r.AssistantResponse)
		})
		if err != nil {
			return fmt.Errorf("read message log: %w", err)
		}
		for _, r := range recs {
			role := session.RoleAssistant
			if agent.IsSafeMessage(r.AssistantResponse) {
				role = session.RoleSystem
			}
			// Empty texts are rejected by the history; skipping them is fine.
			_ = sess.AppendTurn(session.RoleUser, r.UserMessage)
			_ = sess.AppendTurn(role, r.AssistantResponse)
		}
		return nil
	}
}

// gated reports whether reply is one of the fixed answers given without
// running the agent.
func gated(reply string) bool {
	switch reply {
	case MsgEmptyText, MsgNotAuthorized, MsgRateLimited:
		return true
	}
	return false
}

func informational(msg string) Outcome {
	return Outcome{
		Status:   "ok",
		Reply:    msg,
		WhatsApp: map[string]string{"status": "ok", "detail": msg},
	}
}
