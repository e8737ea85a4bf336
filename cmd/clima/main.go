// Clima is a conversational weather agent.
//
// A language model answers questions with the help of weather tools
// served by a stdio subprocess (clima tools) and a native web search
// tool. The agent runs as an interactive console or as a multi-tenant
// WhatsApp bot fed by WAHA webhooks. Configuration is loaded from a
// single YAML file discovered automatically (see
// [config.DefaultSearchPaths]).
//
// Usage:
//
//	clima serve                    Run the webhook bot and admin UI
//	clima console                  Chat in the terminal
//	clima tools                    Serve the weather tools on stdio
//	clima weather <city> [days]    Print current weather and forecast
//	clima pair [file.png]          Pair the WAHA session by QR code
//	clima contacts <cmd>           Manage the allow-list
//	clima init [dir]               Write a starter config
//	clima version                  Print version and build information
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"
	"strings"

	"github.com/nugget/clima/internal/buildinfo"
	"github.com/nugget/clima/internal/config"
)

// main only builds the OS environment and hands over to [run], so the
// whole command surface can be driven from tests.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdin, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// options are the global flags that precede the command.
type options struct {
	configPath string
	verbose    bool
}

// run is the real entry point. args is os.Args[1:]. Arguments are
// parsed by hand; the flag package's global state gets in the way of
// calling run from parallel tests.
func run(ctx context.Context, stdin io.Reader, stdout, stderr io.Writer, args []string) error {
	var opts options
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case command != "":
			cmdArgs = append(cmdArgs, args[i])
		case args[i] == "-config" && i+1 < len(args):
			opts.configPath = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-config="):
			opts.configPath = strings.TrimPrefix(args[i], "-config=")
		case args[i] == "-v" || args[i] == "--verbose":
			opts.verbose = true
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-"):
			command = args[i]
		default:
			return fmt.Errorf("unknown flag: %s", args[i])
		}
	}

	switch command {
	case "serve":
		return runServe(ctx, stdout, opts)
	case "console":
		return runConsole(ctx, stdin, stdout, stderr, opts)
	case "tools":
		return runTools(ctx, stdin, stdout, stderr, opts)
	case "weather":
		if len(cmdArgs) == 0 {
			return fmt.Errorf("usage: clima weather <city> [days]")
		}
		return runWeather(ctx, stdout, stderr, opts, cmdArgs)
	case "pair":
		return runPair(ctx, stdout, stderr, opts, cmdArgs)
	case "contacts":
		return runContacts(stdout, stderr, opts, cmdArgs)
	case "init":
		dir := "."
		if len(cmdArgs) > 0 {
			dir = cmdArgs[0]
		}
		return runInit(stdout, dir)
	case "version":
		return runVersion(stdout)
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

// runVersion prints build metadata in a stable key order.
func runVersion(w io.Writer) error {
	info := buildinfo.Info()
	fmt.Fprintln(w, buildinfo.String())
	keys := make([]string, 0, len(info))
	for k := range info {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(w, "  %-12s %s\n", k+":", info[k])
	}
	return nil
}

func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "Clima - conversational weather agent")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: clima [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve                  Run the WhatsApp webhook bot and admin UI")
	fmt.Fprintln(w, "  console                Chat with the agent in the terminal")
	fmt.Fprintln(w, "  tools                  Serve the weather tools over stdio (MCP)")
	fmt.Fprintln(w, "  weather <city> [days]  Print current weather and a forecast")
	fmt.Fprintln(w, "  pair [file.png]        Pair the WAHA session by QR code")
	fmt.Fprintln(w, "  contacts <cmd>         list | add <number> [name] | remove <number> | import <file.vcf>")
	fmt.Fprintln(w, "  init [dir]             Write a starter config.yaml and .env (default: .)")
	fmt.Fprintln(w, "  version                Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>   Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -v               Debug logging")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	for _, p := range config.DefaultSearchPaths() {
		fmt.Fprintf(w, "  %s\n", p)
	}
	return nil
}

// loadConfig finds, loads and validates the configuration. The path is
// returned so the tool subprocess can be pointed at the same file.
func loadConfig(explicit string) (*config.Config, string, error) {
	cfgPath, err := config.FindConfig(explicit)
	if err != nil {
		return nil, "", err
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, cfgPath, fmt.Errorf("config %s: %w", cfgPath, err)
	}

	return cfg, cfgPath, nil
}

// newLogger builds the process logger from config. -v lowers the level
// to debug unless the config already asks for trace.
func newLogger(w io.Writer, cfg *config.Config, opts options) *slog.Logger {
	level, err := config.ParseLogLevel(cfg.LogLevel)
	if err != nil {
		level = slog.LevelInfo
	}
	if opts.verbose && level > slog.LevelDebug {
		level = slog.LevelDebug
	}
	return config.NewLogger(w, level, cfg.LogFormat)
}
