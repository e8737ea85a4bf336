// Package agent runs conversation turns: it records the query, builds
// instructions from session state, drives the model/tool loop and
// records the outcome, leaving the session consistent on every path.
package agent

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/nugget/clima/internal/llm"
	"github.com/nugget/clima/internal/mcp"
	"github.com/nugget/clima/internal/session"
	"github.com/nugget/clima/internal/tools"
	"github.com/nugget/clima/internal/usage"
)

// Defaults for zero Config fields.
const (
	DefaultMaxIterations = 8
	DefaultModelTimeout  = 2 * time.Minute
	DefaultToolTimeout   = 30 * time.Second
)

// emptyResponseNudge is sent once when the model answers a tool
// exchange with no text.
const emptyResponseNudge = "You returned an empty response. Please answer the user's last message using the tool results above."

// ToolChannel is the part of the tool-server connection the
// orchestrator manages. *mcp.Channel implements it.
type ToolChannel interface {
	ReconnectIfBroken(ctx context.Context) (bool, error)
	MarkBroken()
}

// UsageRecorder persists token usage. *usage.Store implements it.
type UsageRecorder interface {
	Record(ctx context.Context, rec usage.Record) error
}

// Config tunes the turn loop.
type Config struct {
	Model         string
	Provider      string // recorded with usage
	Source        string // "whatsapp", "console"
	MaxIterations int
	ModelTimeout  time.Duration
	ToolTimeout   time.Duration
	Temperature   float64
	MaxTokens     int
}

func (c Config) withDefaults() Config {
	if c.MaxIterations <= 0 {
		c.MaxIterations = DefaultMaxIterations
	}
	if c.ModelTimeout <= 0 {
		c.ModelTimeout = DefaultModelTimeout
	}
	if c.ToolTimeout <= 0 {
		c.ToolTimeout = DefaultToolTimeout
	}
	return c
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithChannel lets the orchestrator mark the tool channel broken on
// transport failures and reconnect it before the next turn.
func WithChannel(ch ToolChannel) Option {
	return func(o *Orchestrator) { o.channel = ch }
}

// WithReconnectHook runs fn after every successful reconnect, typically
// to re-bridge the server's tools.
func WithReconnectHook(fn func(ctx context.Context) error) Option {
	return func(o *Orchestrator) { o.onReconnect = fn }
}

// WithUsage records token usage for every model call.
func WithUsage(rec UsageRecorder) Option {
	return func(o *Orchestrator) { o.usage = rec }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

// WithClock replaces time.Now for instruction timestamps.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// TurnOption adjusts a single RunTurn call.
type TurnOption func(*turnOptions)

type turnOptions struct {
	prepare func(*session.Session) error
}

// WithPrepare runs fn once the turn lock is held and before the query is
// recorded, so it can rebuild history without racing other turns of the
// same session. A failing fn is logged and the turn goes on.
func WithPrepare(fn func(*session.Session) error) TurnOption {
	return func(t *turnOptions) { t.prepare = fn }
}

// Orchestrator drives turns. It holds no per-conversation state and is
// safe for concurrent use across sessions.
type Orchestrator struct {
	llm         llm.Client
	tools       *tools.Registry
	cfg         Config
	channel     ToolChannel
	onReconnect func(ctx context.Context) error
	usage       UsageRecorder
	logger      *slog.Logger
	now         func() time.Time

	turns  atomic.Int64
	failed atomic.Int64
}

// New creates an orchestrator. registry may be nil for a model-only
// agent.
func New(client llm.Client, registry *tools.Registry, cfg Config, opts ...Option) *Orchestrator {
	if registry == nil {
		registry = tools.NewRegistry()
	}
	o := &Orchestrator{
		llm:    client,
		tools:  registry,
		cfg:    cfg.withDefaults(),
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	o.logger = o.logger.With("component", "agent")
	return o
}

// Model returns the model turns are sent to.
func (o *Orchestrator) Model() string { return o.cfg.Model }

// Turns returns the number of turns that completed successfully.
func (o *Orchestrator) Turns() int64 { return o.turns.Load() }

// Failures returns the number of turns that failed.
func (o *Orchestrator) Failures() int64 { return o.failed.Load() }

// RunTurn answers query within sess. On success the reply is returned
// and recorded as an assistant turn. On failure exactly one system turn
// is recorded and a message from SafeMessages is returned together with
// the typed cause. Whitespace-only queries are rejected with
// *session.InvalidInputError before anything is touched.
func (o *Orchestrator) RunTurn(ctx context.Context, sess *session.Session, query string, opts ...TurnOption) (string, error) {
	if strings.TrimSpace(query) == "" {
		return "", &session.InvalidInputError{Field: "query", Reason: "empty"}
	}
	var topts turnOptions
	for _, opt := range opts {
		opt(&topts)
	}

	release, err := sess.AcquireTurn(ctx)
	if err != nil {
		return MsgCancelled, err
	}
	defer release()

	traceID := newTraceID()
	logger := o.logger.With("trace_id", traceID, "conversation_id", sess.Key())
	start := time.Now()

	if topts.prepare != nil {
		if err := topts.prepare(sess); err != nil {
			logger.Warn("turn preparation failed", "error", err)
		}
	}

	if err := sess.AppendTurn(session.RoleUser, query); err != nil {
		return "", err
	}

	if err := o.ensureChannel(ctx, logger); err != nil {
		return o.fail(sess, logger, err)
	}

	reply, err := o.loop(ctx, sess, query, traceID, logger)
	if err != nil {
		return o.fail(sess, logger, err)
	}

	if err := sess.AppendTurn(session.RoleAssistant, reply); err != nil {
		return o.fail(sess, logger, &ModelInvocationError{Model: o.cfg.Model, Err: err})
	}
	o.turns.Add(1)
	logger.Info("turn completed",
		"elapsed", time.Since(start).Round(time.Millisecond),
		"reply_len", len(reply),
	)
	return reply, nil
}

// ensureChannel reconnects a broken tool channel before the turn uses it.
func (o *Orchestrator) ensureChannel(ctx context.Context, logger *slog.Logger) error {
	if o.channel == nil {
		return nil
	}
	reconnected, err := o.channel.ReconnectIfBroken(ctx)
	if err != nil {
		return err
	}
	if !reconnected {
		return nil
	}
	logger.Info("tool channel reconnected")
	if o.onReconnect != nil {
		if err := o.onReconnect(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (o *Orchestrator) loop(ctx context.Context, sess *session.Session, query, traceID string, logger *slog.Logger) (string, error) {
	req := &llm.Request{
		Model:        o.cfg.Model,
		Instructions: sess.BuildInstructions(o.now()),
		Messages:     []llm.Message{{Role: "user", Content: query}},
		Tools:        o.tools.List(),
		Temperature:  o.cfg.Temperature,
		MaxTokens:    o.cfg.MaxTokens,
	}

	// Tools see who is asking and where they are.
	toolCtx := tools.WithConversationID(ctx, sess.Key())
	toolCtx = tools.WithLocation(toolCtx, sess.User().DefaultLocation)

	var deferred string
	nudged := false

	for i := range o.cfg.MaxIterations {
		resp, err := o.chat(ctx, req, sess, traceID)
		if err != nil {
			return "", err
		}

		if len(resp.Message.ToolCalls) == 0 {
			text := strings.TrimSpace(resp.Message.Content)
			if text != "" {
				return text, nil
			}
			if deferred != "" {
				return deferred, nil
			}
			if i > 0 && !nudged {
				nudged = true
				logger.Warn("empty model response after tool use, nudging", "iteration", i)
				req.Messages = append(req.Messages, llm.Message{Role: "user", Content: emptyResponseNudge})
				continue
			}
			return "", &ModelInvocationError{Model: o.cfg.Model, Err: ErrEmptyResponse}
		}

		// Text sent alongside tool calls is kept in case the final
		// iteration comes back empty.
		if text := strings.TrimSpace(resp.Message.Content); text != "" {
			deferred = text
		}

		req.Messages = append(req.Messages, resp.Message)
		for _, tc := range resp.Message.ToolCalls {
			result, err := o.callTool(toolCtx, tc, logger)
			if err != nil {
				return "", err
			}
			req.Messages = append(req.Messages, llm.Message{
				Role:       "tool",
				Content:    result,
				ToolCallID: tc.ID,
				Name:       tc.Function.Name,
			})
		}
	}

	return "", ErrIterationLimit
}

func (o *Orchestrator) chat(ctx context.Context, req *llm.Request, sess *session.Session, traceID string) (*llm.ChatResponse, error) {
	mctx, cancel := context.WithTimeout(ctx, o.cfg.ModelTimeout)
	defer cancel()

	resp, err := o.llm.Chat(mctx, req)
	if err != nil {
		return nil, &ModelInvocationError{Model: req.Model, Err: err}
	}
	o.recordUsage(ctx, resp, sess, traceID)
	return resp, nil
}

// callTool runs one tool call. Tool-level failures become the result
// text so the model can react; transport failures end the turn.
func (o *Orchestrator) callTool(ctx context.Context, tc llm.ToolCall, logger *slog.Logger) (string, error) {
	tctx, cancel := context.WithTimeout(ctx, o.cfg.ToolTimeout)
	defer cancel()

	name := tc.Function.Name
	start := time.Now()
	result, err := o.tools.Execute(tctx, name, tc.Function.Arguments)
	elapsed := time.Since(start).Round(time.Millisecond)

	if err == nil {
		logger.Debug("tool call", "tool", name, "elapsed", elapsed, "result_len", len(result))
		return result, nil
	}

	if mcp.IsTransport(err) {
		if o.channel != nil {
			o.channel.MarkBroken()
		}
		logger.Error("tool transport failed", "tool", name, "elapsed", elapsed, "error", err)
		return "", err
	}
	if ctx.Err() != nil {
		return "", ctx.Err()
	}

	var (
		unavailable *tools.ErrToolUnavailable
		invocation  *mcp.ToolInvocationError
	)
	switch {
	case errors.As(err, &unavailable):
		logger.Warn("model requested unknown tool", "tool", name)
	case errors.As(err, &invocation):
		logger.Warn("tool reported error", "tool", name, "elapsed", elapsed, "error", err)
	default:
		logger.Warn("tool failed", "tool", name, "elapsed", elapsed, "error", err)
	}
	return "Error: " + err.Error(), nil
}

func (o *Orchestrator) recordUsage(ctx context.Context, resp *llm.ChatResponse, sess *session.Session, traceID string) {
	if o.usage == nil {
		return
	}
	model := resp.Model
	if model == "" {
		model = o.cfg.Model
	}
	rec := usage.Record{
		TraceID:      traceID,
		SessionKey:   sess.Key(),
		Source:       o.cfg.Source,
		Model:        model,
		Provider:     o.cfg.Provider,
		InputTokens:  resp.InputTokens,
		OutputTokens: resp.OutputTokens,
	}
	// A cancelled turn still gets its usage recorded.
	if err := o.usage.Record(context.WithoutCancel(ctx), rec); err != nil {
		o.logger.Warn("record usage failed", "trace_id", traceID, "error", err)
	}
}

// fail records exactly one system turn and maps err to a safe message.
func (o *Orchestrator) fail(sess *session.Session, logger *slog.Logger, err error) (string, error) {
	o.failed.Add(1)
	msg := safeMessageFor(err)
	logger.Error("turn failed", "error", err, "reply", msg)
	if appendErr := sess.AppendTurn(session.RoleSystem, msg); appendErr != nil {
		logger.Warn("record failure turn", "error", appendErr)
	}
	return msg, err
}

func newTraceID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}
