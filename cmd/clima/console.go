package main

import (
	"context"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/nugget/clima/internal/console"
	"github.com/nugget/clima/internal/session"
)

// runConsole chats with the single configured user on the terminal.
// Logs go to stderr so they do not interleave with the conversation.
// Ctrl-C cancels the running turn; at the prompt it exits.
func runConsole(ctx context.Context, stdin io.Reader, stdout, stderr io.Writer, opts options) error {
	cfg, cfgPath, err := loadConfig(opts.configPath)
	if err != nil {
		return err
	}
	logger := newLogger(stderr, cfg, opts)

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGTERM)
	defer stop()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt)
	defer signal.Stop(sigs)

	interrupts := make(chan struct{})
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-sigs:
				select {
				case interrupts <- struct{}{}:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	stack, err := newAgentStack(ctx, cfg, cfgPath, "console", logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := stack.Close(); err != nil {
			logger.Warn("shutdown", "error", err)
		}
	}()

	prompt := sessionPrompt(cfg)
	user := consoleUser(cfg)

	c := console.New(console.Config{
		Runner: stack.orch,
		NewSession: func() *session.Session {
			return session.New(session.Options{
				Capacity: cfg.Agent.HistorySize,
				User:     user,
				Prompt:   prompt,
			})
		},
		// The cancelled turn may have left a tool call in flight; the
		// next turn starts on a fresh subprocess.
		OnInterrupt: stack.channel.MarkBroken,
		Interrupts:  interrupts,
		Render:      cfg.Console.Render,
		In:          stdin,
		Out:         stdout,
		Logger:      logger,
	})
	return c.Run(ctx)
}
