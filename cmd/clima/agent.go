package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nugget/clima/internal/agent"
	"github.com/nugget/clima/internal/buildinfo"
	"github.com/nugget/clima/internal/config"
	"github.com/nugget/clima/internal/llm"
	"github.com/nugget/clima/internal/mcp"
	"github.com/nugget/clima/internal/mqtt"
	"github.com/nugget/clima/internal/search"
	"github.com/nugget/clima/internal/session"
	"github.com/nugget/clima/internal/tools"
	"github.com/nugget/clima/internal/usage"
)

// mcpHandshakeTimeout bounds connect plus discovery of the tool server.
const mcpHandshakeTimeout = 30 * time.Second

// createLLMClient builds a multi-provider client. Every provider with
// credentials is registered; models route by the provider listed for
// them, and anything unlisted goes to the default model's provider.
func createLLMClient(ctx context.Context, cfg *config.Config, logger *slog.Logger) (llm.Client, error) {
	providers := make(map[string]llm.Client)

	if cfg.OpenAI.APIKey != "" || cfg.OpenAI.BaseURL != "" {
		providers["openai"] = llm.NewOpenAIClient(cfg.OpenAI.APIKey, cfg.OpenAI.BaseURL, logger)
	}
	if cfg.Anthropic.APIKey != "" {
		providers["anthropic"] = llm.NewAnthropicClient(cfg.Anthropic.APIKey, "", logger)
	}
	if cfg.Gemini.APIKey != "" {
		g, err := llm.NewGeminiClient(ctx, cfg.Gemini.APIKey, "", logger)
		if err != nil {
			return nil, err
		}
		providers["gemini"] = g
	}

	defaultProvider := cfg.ProviderFor(cfg.Models.Default)
	if defaultProvider == "" {
		defaultProvider = "openai"
	}
	fallback, ok := providers[defaultProvider]
	if !ok {
		return nil, fmt.Errorf("default model %s needs %s credentials", cfg.Models.Default, defaultProvider)
	}

	multi := llm.NewMultiClient(fallback)
	for name, c := range providers {
		multi.AddProvider(name, c)
	}
	for _, m := range cfg.Models.Available {
		if _, ok := providers[m.Provider]; !ok {
			logger.Warn("model provider not configured, using default provider",
				"model", m.Name, "provider", m.Provider)
			continue
		}
		multi.AddModel(m.Name, m.Provider)
	}

	logger.Info("LLM client initialized",
		"default_model", cfg.Models.Default,
		"default_provider", defaultProvider,
		"providers", multi.Providers(),
	)
	return multi, nil
}

// mcpArgs points the default tool subprocess (this binary) at the same
// config file, so it finds the weather API key wherever it was started.
func mcpArgs(cfg *config.Config, cfgPath string) []string {
	args := cfg.MCP.Args
	if cfgPath != "" && len(args) == 1 && args[0] == "tools" {
		return []string{"-config", cfgPath, "tools"}
	}
	return args
}

// usageTee fans a usage record out to every recorder.
type usageTee []agent.UsageRecorder

func (t usageTee) Record(ctx context.Context, rec usage.Record) error {
	var errs []error
	for _, r := range t {
		if err := r.Record(ctx, rec); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// agentStack is the orchestrator with the resources it owns.
type agentStack struct {
	orch    *agent.Orchestrator
	channel *mcp.Channel
	ledger  *usage.Store
	tokens  *mqtt.DailyTokens
}

// Close stops the tool subprocess and closes the usage ledger.
func (s *agentStack) Close() error {
	var errs []error
	if err := s.channel.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close tool channel: %w", err))
	}
	if s.ledger != nil {
		if err := s.ledger.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close usage ledger: %w", err))
		}
	}
	return errors.Join(errs...)
}

// newAgentStack wires the LLM client, the tool registry (native search
// plus the bridged tool server) and the usage recorders into an
// orchestrator. source is recorded with usage ("whatsapp", "console").
func newAgentStack(ctx context.Context, cfg *config.Config, cfgPath, source string, logger *slog.Logger) (*agentStack, error) {
	client, err := createLLMClient(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	registry := tools.NewRegistry()
	if cfg.Search.Enabled {
		mgr := search.NewManager()
		if cfg.Search.SearXNGURL != "" {
			mgr.Register(search.NewSearXNG(cfg.Search.SearXNGURL))
		}
		mgr.Register(search.NewDuckDuckGo(""))
		registry.Register(search.Tool(mgr))
		logger.Info("web search enabled", "providers", mgr.Providers())
	}

	ch := mcp.NewChannel(mcp.ChannelConfig{
		Name: cfg.MCP.Name,
		Stdio: mcp.StdioConfig{
			Command: cfg.MCP.Command,
			Args:    mcpArgs(cfg, cfgPath),
			Env:     cfg.MCP.Env,
			Logger:  logger,
		},
		HandshakeTimeout: mcpHandshakeTimeout,
		Logger:           logger,
	})

	bridge := func(ctx context.Context) error {
		n, err := mcp.BridgeTools(ctx, ch, registry, cfg.MCP.Include, logger)
		if err != nil {
			return err
		}
		logger.Info("tool server bridged", "server", cfg.MCP.Name, "tools", n)
		return nil
	}
	// A tool server that is down at startup is retried before the
	// first turn.
	if err := bridge(ctx); err != nil {
		logger.Warn("tool server unavailable, will retry on first turn", "error", err)
	}

	stack := &agentStack{channel: ch, tokens: mqtt.NewDailyTokens(time.Local)}
	recorders := usageTee{stack.tokens}
	if cfg.Usage.Enabled {
		stack.ledger, err = usage.NewStore(cfg.Usage.Path)
		if err != nil {
			ch.Close()
			return nil, fmt.Errorf("open usage ledger: %w", err)
		}
		recorders = append(recorders, stack.ledger)
	}

	stack.orch = agent.New(client, registry, agent.Config{
		Model:         cfg.Models.Default,
		Provider:      cfg.ProviderFor(cfg.Models.Default),
		Source:        source,
		MaxIterations: cfg.Agent.MaxIterations,
		ModelTimeout:  cfg.Agent.ModelTimeout,
		ToolTimeout:   cfg.Agent.ToolTimeout,
		Temperature:   cfg.Agent.Temperature,
		MaxTokens:     cfg.Agent.MaxTokens,
	},
		agent.WithChannel(ch),
		agent.WithReconnectHook(bridge),
		agent.WithUsage(recorders),
		agent.WithLogger(logger),
	)
	return stack, nil
}

// sessionPrompt is the static instruction text shared by every session.
func sessionPrompt(cfg *config.Config) session.Prompt {
	return session.Prompt{Persona: cfg.Agent.Persona, Guidelines: cfg.Agent.Guidelines}
}

// whatsAppUser is the user context every WhatsApp session starts with.
func whatsAppUser(cfg *config.Config) session.UserContext {
	u := session.UserContext{DefaultLocation: cfg.WhatsApp.DefaultLocation}
	if cfg.WhatsApp.TemperatureUnit != "" {
		u.Preferences = map[string]string{"temperature_unit": cfg.WhatsApp.TemperatureUnit}
	}
	return u
}

// consoleUser is the identity of the single console user.
func consoleUser(cfg *config.Config) session.UserContext {
	return session.UserContext{
		DisplayName:     cfg.Console.UserName,
		DefaultLocation: cfg.Console.Location,
		Preferences:     cfg.Console.Preferences,
	}
}

// statsAdapter exposes runtime counters to the MQTT publisher.
type statsAdapter struct {
	orch     *agent.Orchestrator
	sessions func() int
}

func (a *statsAdapter) Uptime() time.Duration { return buildinfo.Uptime() }
func (a *statsAdapter) Version() string       { return buildinfo.Version }
func (a *statsAdapter) DefaultModel() string  { return a.orch.Model() }
func (a *statsAdapter) ActiveSessions() int   { return a.sessions() }
func (a *statsAdapter) TurnsHandled() int64   { return a.orch.Turns() }
