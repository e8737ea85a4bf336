package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/nugget/clima/internal/buildinfo"
	"github.com/nugget/clima/internal/config"
	"github.com/nugget/clima/internal/weather"
)

// weatherKeyEnv supplies the OpenWeather key when no config sets one.
const weatherKeyEnv = "OPENWEATHER_API_KEY"

// loadToolsConfig is loadConfig for the weather commands: they run
// without a config file as long as the API key is in the environment.
func loadToolsConfig(explicit string) (*config.Config, error) {
	cfg, _, err := loadConfig(explicit)
	if err != nil {
		if explicit != "" {
			return nil, err
		}
		cfg = config.Default()
	}
	if cfg.Weather.APIKey == "" {
		cfg.Weather.APIKey = os.Getenv(weatherKeyEnv)
	}
	return cfg, nil
}

// runTools serves fetch_weather, fetch_forecast and the greeting
// resource over stdin/stdout. It is the default tool subprocess of the
// agent. stdout carries the protocol, so logs go to stderr.
func runTools(ctx context.Context, stdin io.Reader, stdout, stderr io.Writer, opts options) error {
	cfg, err := loadToolsConfig(opts.configPath)
	if err != nil {
		return err
	}
	logger := newLogger(stderr, cfg, opts).With("component", "tools")

	if cfg.Weather.APIKey == "" {
		logger.Warn("no OpenWeather API key, weather tools will fail", "env", weatherKeyEnv)
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	fetcher := weather.NewClient(cfg.Weather.BaseURL, cfg.Weather.APIKey, logger)
	server := weather.NewToolServer(fetcher, buildinfo.Version, logger)
	return server.Serve(ctx, stdin, stdout)
}

// runWeather prints current conditions and a forecast for a city,
// bypassing the model.
func runWeather(ctx context.Context, stdout, stderr io.Writer, opts options, args []string) error {
	city := args[0]
	days := 3
	if len(args) > 1 {
		n, err := strconv.Atoi(args[1])
		if err != nil {
			return fmt.Errorf("days must be a number: %q", args[1])
		}
		days = n
	}
	days = weather.ClampDays(days)

	cfg, err := loadToolsConfig(opts.configPath)
	if err != nil {
		return err
	}
	if cfg.Weather.APIKey == "" {
		return fmt.Errorf("no OpenWeather API key: set weather.api_key or %s", weatherKeyEnv)
	}
	logger := newLogger(stderr, cfg, opts)

	return printWeather(ctx, stdout, weather.NewClient(cfg.Weather.BaseURL, cfg.Weather.APIKey, logger), city, days, logger)
}

func printWeather(ctx context.Context, w io.Writer, client weather.Fetcher, city string, days int, logger *slog.Logger) error {
	current, err := client.Current(ctx, city)
	if err != nil {
		return err
	}
	summary, err := weather.SummarizeCurrent(city, []byte(current))
	if err != nil {
		return err
	}
	fmt.Fprintln(w, summary)

	forecast, err := client.Forecast(ctx, city, days)
	if err != nil {
		return err
	}
	summary, err = weather.SummarizeForecast(city, days, []byte(forecast))
	if err != nil {
		return err
	}
	fmt.Fprintln(w)
	fmt.Fprintln(w, summary)

	logger.Debug("weather printed", "city", city, "days", days)
	return nil
}
