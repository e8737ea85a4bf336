// Package console runs the single-user interactive chat loop.
package console

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"

	"github.com/nugget/clima/internal/agent"
	"github.com/nugget/clima/internal/session"
)

// Runner runs one agent turn. *agent.Orchestrator implements it.
type Runner interface {
	RunTurn(ctx context.Context, sess *session.Session, query string, opts ...agent.TurnOption) (string, error)
}

// Config holds the console's collaborators.
type Config struct {
	Runner Runner

	// NewSession creates the conversation; it is called again after an
	// interrupted turn.
	NewSession func() *session.Session

	// OnInterrupt runs after a turn is cancelled, before the fresh
	// session starts. main uses it to drop the tool channel.
	OnInterrupt func()

	// Interrupts delivers Ctrl-C presses. During a turn one cancels the
	// turn; at the prompt one ends the console.
	Interrupts <-chan struct{}

	// Render formats replies as Markdown for the terminal.
	Render bool

	In     io.Reader
	Out    io.Writer
	Logger *slog.Logger
}

var (
	promptStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("39"))
	replyStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("35"))
	noticeStyle  = lipgloss.NewStyle().Faint(true)
	welcomeStyle = lipgloss.NewStyle().Bold(true)
)

// exitWords end the session when typed at the prompt.
var exitWords = map[string]bool{"sair": true, "exit": true, "quit": true}

// Console is an interactive chat session on a terminal.
type Console struct {
	cfg      Config
	logger   *slog.Logger
	renderer *glamour.TermRenderer
	sess     *session.Session
}

// New creates a Console. Markdown rendering falls back to plain text
// when the renderer cannot be built.
func New(cfg Config) *Console {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	c := &Console{cfg: cfg, logger: logger.With("component", "console")}
	if cfg.Render {
		r, err := glamour.NewTermRenderer(
			glamour.WithAutoStyle(),
			glamour.WithWordWrap(80),
		)
		if err != nil {
			c.logger.Warn("markdown renderer unavailable", "error", err)
		} else {
			c.renderer = r
		}
	}
	return c
}

type line struct {
	text string
	err  error
}

// Run reads queries until EOF, an exit word, a Ctrl-C at the prompt or
// ctx cancellation.
func (c *Console) Run(ctx context.Context) error {
	c.sess = c.cfg.NewSession()

	lines := make(chan line)
	quit := make(chan struct{})
	defer close(quit)
	go c.readLines(quit, lines)

	c.println(welcomeStyle.Render("Welcome to the Clima weather assistant. Type 'sair' to leave."))
	defer c.println(noticeStyle.Render("Session closed. Goodbye!"))

	for {
		c.printf("\n%s ", promptStyle.Render("You:"))

		var in line
		select {
		case <-ctx.Done():
			return nil
		case <-c.cfg.Interrupts:
			c.println("")
			return nil
		case l, ok := <-lines:
			if !ok {
				return nil
			}
			in = l
		}
		if in.err != nil {
			return fmt.Errorf("read input: %w", in.err)
		}

		query := strings.TrimSpace(in.text)
		if query == "" {
			continue
		}
		if exitWords[strings.ToLower(query)] {
			return nil
		}

		if err := c.turn(ctx, query); err != nil {
			return err
		}
	}
}

// readLines feeds input lines to out and closes it on EOF. It returns
// once quit is closed, though a read already blocked on a terminal only
// ends with the next line or EOF.
func (c *Console) readLines(quit <-chan struct{}, out chan<- line) {
	defer close(out)
	sc := bufio.NewScanner(c.cfg.In)
	for sc.Scan() {
		select {
		case out <- line{text: sc.Text()}:
		case <-quit:
			return
		}
	}
	if err := sc.Err(); err != nil {
		select {
		case out <- line{err: err}:
		case <-quit:
		}
	}
}

type result struct {
	reply string
	err   error
}

// turn runs one query. A Ctrl-C cancels it, drops the tool channel and
// replaces the session; the console keeps going.
func (c *Console) turn(ctx context.Context, query string) error {
	turnCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	done := make(chan result, 1)
	go func() {
		reply, err := c.cfg.Runner.RunTurn(turnCtx, c.sess, query)
		done <- result{reply, err}
	}()

	var res result
	select {
	case res = <-done:
	case <-c.cfg.Interrupts:
		cancel()
		<-done
		c.println("\n" + noticeStyle.Render("Interrupted. Starting a fresh session..."))
		c.logger.Info("turn interrupted, resetting session")
		if c.cfg.OnInterrupt != nil {
			c.cfg.OnInterrupt()
		}
		c.sess = c.cfg.NewSession()
		return nil
	}

	if ctx.Err() != nil {
		return nil
	}

	var invalid *session.InvalidInputError
	switch {
	case errors.As(res.err, &invalid):
		return nil
	case res.err != nil:
		c.logger.Warn("turn failed", "error", res.err)
	}

	c.printf("\n%s %s\n", replyStyle.Render("Assistant:"), c.render(res.reply))
	return nil
}

func (c *Console) render(reply string) string {
	if c.renderer == nil {
		return reply
	}
	out, err := c.renderer.Render(reply)
	if err != nil {
		c.logger.Debug("markdown render failed", "error", err)
		return reply
	}
	return "\n" + strings.Trim(out, "\n")
}

func (c *Console) printf(format string, args ...any) {
	fmt.Fprintf(c.cfg.Out, format, args...)
}

func (c *Console) println(s string) {
	fmt.Fprintln(c.cfg.Out, s)
}
