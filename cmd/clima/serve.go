package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nugget/clima/internal/api"
	"github.com/nugget/clima/internal/buildinfo"
	"github.com/nugget/clima/internal/config"
	"github.com/nugget/clima/internal/connwatch"
	"github.com/nugget/clima/internal/dispatch"
	"github.com/nugget/clima/internal/mqtt"
	"github.com/nugget/clima/internal/msglog"
	"github.com/nugget/clima/internal/session"
	"github.com/nugget/clima/internal/store"
	"github.com/nugget/clima/internal/usage"
	"github.com/nugget/clima/internal/web"
	"github.com/nugget/clima/internal/whatsapp"
)

const (
	// shutdownTimeout bounds draining in-flight webhooks on exit.
	shutdownTimeout = 10 * time.Second

	// sweepInterval is how often idle sessions are evicted.
	sweepInterval = time.Minute

	pruneInterval = 24 * time.Hour
)

// seedContacts turns whatsapp.authorized_id into the initial allow-list.
func seedContacts(cfg *config.Config) []store.Contact {
	if cfg.WhatsApp.AuthorizedID == "" {
		return nil
	}
	n := store.NormalizeNumber(store.NumberFromChatID(cfg.WhatsApp.AuthorizedID))
	if n == "" {
		return nil
	}
	return []store.Contact{{Number: n, Enabled: true}}
}

// runServe starts the webhook bot, the admin UI and the background
// workers, and blocks until SIGINT or SIGTERM.
func runServe(ctx context.Context, stdout io.Writer, opts options) error {
	cfg, cfgPath, err := loadConfig(opts.configPath)
	if err != nil {
		return err
	}
	logger := newLogger(stdout, cfg, opts)
	logger.Info("starting clima", "version", buildinfo.Version, "config", cfgPath)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	contacts, err := store.NewAllowList(cfg.WhatsApp.ContactsFile, cfg.WhatsApp.MaxContacts, seedContacts(cfg), logger)
	if err != nil {
		return err
	}
	settings, err := store.NewSettings(cfg.WhatsApp.SettingsFile, logger)
	if err != nil {
		return err
	}
	msgLog, err := msglog.Open(cfg.WhatsApp.LogFile)
	if err != nil {
		return fmt.Errorf("open message log: %w", err)
	}

	stack, err := newAgentStack(ctx, cfg, cfgPath, "whatsapp", logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := stack.Close(); err != nil {
			logger.Warn("shutdown", "error", err)
		}
	}()

	waha := whatsapp.NewClient(cfg.WhatsApp.BaseURL, cfg.WhatsApp.Session, cfg.WhatsApp.APIKey, logger)
	var sender dispatch.Sender = waha
	if !cfg.WhatsApp.Enabled {
		logger.Warn("whatsapp.enabled is false, replies are returned in the webhook response only")
		sender = dryRunSender{logger: logger.With("component", "dry_run")}
	}

	prompt := sessionPrompt(cfg)
	user := whatsAppUser(cfg)
	sessions := dispatch.NewRegistry(cfg.WhatsApp.MaxSessions, cfg.WhatsApp.SessionIdle, func(key, displayName string) *session.Session {
		u := user
		u.DisplayName = displayName
		return session.New(session.Options{
			Key:      key,
			Capacity: cfg.Agent.HistorySize,
			User:     u,
			Prompt:   prompt,
		})
	})

	dispatcher := dispatch.New(dispatch.Config{
		Runner:      stack.orch,
		Sender:      sender,
		AllowList:   contacts,
		Switch:      settings,
		Log:         msgLog,
		Sessions:    sessions,
		TypingDelay: cfg.WhatsApp.TypingDelay,
		ReplyPrefix: cfg.WhatsApp.ReplyPrefix,
		RateLimit:   cfg.WhatsApp.RateLimit,
		HistoryMode: cfg.WhatsApp.HistoryMode,
		Format:      whatsapp.FormatMarkdown,
		Logger:      logger,
	})

	admin := web.NewWebServer(web.Config{
		Contacts:     contacts,
		Settings:     settings,
		Log:          msgLog,
		Username:     cfg.Admin.Username,
		PasswordHash: cfg.Admin.PasswordHash,
		Logger:       logger,
	})

	monitor := connwatch.New(connwatch.DefaultSchedule(), logger)
	if err := monitor.Add(connwatch.Check{
		Name:  "tool_server",
		Probe: toolServerProbe(stack.channel),
		OnChange: func(up bool, _ error) {
			if !up {
				stack.channel.MarkBroken()
			}
		},
	}); err != nil {
		return err
	}
	if cfg.WhatsApp.Enabled {
		if err := monitor.Add(connwatch.Check{Name: "waha", Probe: wahaProbe(waha)}); err != nil {
			return err
		}
	}

	apiCfg := api.Config{
		Address:    cfg.Listen.Address,
		Port:       cfg.Listen.Port,
		Dispatcher: dispatcher,
		Admin:      admin,
		Health:     monitor,
		Logger:     logger,
	}
	if stack.ledger != nil {
		apiCfg.Usage = stack.ledger
	}
	server := api.NewServer(apiCfg)

	var stream *whatsapp.EventStream
	if cfg.WhatsApp.Events {
		stream, err = whatsapp.NewEventStream(cfg.WhatsApp.BaseURL, cfg.WhatsApp.Session, cfg.WhatsApp.APIKey, logger)
		if err != nil {
			return err
		}
	}

	var pub *mqtt.Publisher
	if cfg.MQTT.Configured() {
		instanceID, err := mqtt.LoadOrCreateInstanceID(cfg.DataDir)
		if err != nil {
			return fmt.Errorf("mqtt instance id: %w", err)
		}
		pub = mqtt.New(cfg.MQTT, instanceID, stack.tokens, &statsAdapter{
			orch:     stack.orch,
			sessions: sessions.Len,
		}, logger)
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return server.Start(gctx) })
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	watcher := store.NewWatcher(logger, store.DefaultDebounce, contacts, settings)
	g.Go(func() error {
		if err := watcher.Run(gctx); err != nil {
			logger.Warn("config file watcher stopped", "error", err)
		}
		return nil
	})

	g.Go(func() error {
		sweepSessions(gctx, sessions, logger)
		return nil
	})

	g.Go(func() error { return monitor.Run(gctx) })

	if stack.ledger != nil && cfg.Usage.RetentionDays > 0 {
		g.Go(func() error {
			pruneUsage(gctx, stack.ledger, cfg.Usage.RetentionDays, logger)
			return nil
		})
	}

	if stream != nil {
		g.Go(func() error {
			return stream.Run(gctx, func(ctx context.Context, ev whatsapp.Event) {
				if ev.Payload.FromMe {
					return
				}
				dispatcher.HandleInbound(ctx, dispatch.FromWhatsApp(ev.Payload))
			})
		})
	}

	if pub != nil {
		g.Go(func() error {
			if err := pub.Start(gctx); err != nil {
				logger.Warn("mqtt publisher stopped", "error", err)
			}
			return nil
		})
	}

	logger.Info("clima ready",
		"port", cfg.Listen.Port,
		"whatsapp_session", cfg.WhatsApp.Session,
		"whatsapp_enabled", cfg.WhatsApp.Enabled,
		"contacts", len(contacts.List()),
		"responses_enabled", settings.ResponsesEnabled(),
		"usage_ledger", stack.ledger != nil,
		"mqtt", cfg.MQTT.Configured(),
	)

	err = g.Wait()
	received, answered := dispatcher.Stats()
	logger.Info("clima stopped", "received", received, "answered", answered, "turns", stack.orch.Turns())
	return err
}

// sweepSessions evicts idle sessions until ctx is cancelled.
func sweepSessions(ctx context.Context, sessions *dispatch.Registry, logger *slog.Logger) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := sessions.Sweep(); n > 0 {
				logger.Debug("evicted idle sessions", "count", n, "active", sessions.Len())
			}
		}
	}
}

// pruneUsage drops ledger records older than the retention window, at
// startup and then daily.
func pruneUsage(ctx context.Context, ledger *usage.Store, days int, logger *slog.Logger) {
	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()
	for {
		n, err := ledger.Prune(ctx, time.Now().AddDate(0, 0, -days))
		switch {
		case err != nil && ctx.Err() == nil:
			logger.Warn("usage prune failed", "error", err)
		case n > 0:
			logger.Info("pruned usage records", "count", n, "retention_days", days)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// dryRunSender stands in for WAHA when whatsapp.enabled is false. It
// logs what would have been sent.
type dryRunSender struct {
	logger *slog.Logger
}

func (d dryRunSender) SendSeen(context.Context, string, string, string) error { return nil }
func (d dryRunSender) StartTyping(context.Context, string) error              { return nil }
func (d dryRunSender) StopTyping(context.Context, string) error               { return nil }

func (d dryRunSender) SendText(_ context.Context, chatID, text string) (whatsapp.SendResult, error) {
	d.logger.Info("reply not sent", "chat_id", chatID, "text", text)
	return nil, nil
}
