// Package weather fetches current conditions and forecasts from the
// OpenWeather 2.5 API, summarizes them as short sentences, and serves
// them as tools over the stdio tool protocol.
package weather

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/nugget/clima/internal/httpkit"
)

// DefaultBaseURL is the OpenWeather 2.5 API root.
const DefaultBaseURL = "https://api.openweathermap.org/data/2.5"

// Forecast entries are three hours apart.
const entriesPerDay = 8

// MaxForecastDays is the longest forecast the free API returns.
const MaxForecastDays = 5

// ErrMissingCity is returned when a lookup has no city name.
var ErrMissingCity = errors.New("city is required")

// Client is an OpenWeather API client.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates a client. An empty baseURL selects DefaultBaseURL.
func NewClient(baseURL, apiKey string, logger *slog.Logger) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "openweather")
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		httpClient: httpkit.NewClient(
			httpkit.WithTimeout(15*time.Second),
			httpkit.WithRetry(2, time.Second, logger),
		),
		logger: logger,
	}
}

// Current returns the raw JSON of the current conditions in city.
func (c *Client) Current(ctx context.Context, city string) (string, error) {
	return c.get(ctx, "weather", city, nil)
}

// Forecast returns the raw JSON of the three-hourly forecast covering
// days days (clamped to 1..MaxForecastDays).
func (c *Client) Forecast(ctx context.Context, city string, days int) (string, error) {
	days = ClampDays(days)
	return c.get(ctx, "forecast", city, url.Values{"cnt": {strconv.Itoa(days * entriesPerDay)}})
}

// ClampDays bounds a requested forecast length to what the API serves.
func ClampDays(days int) int {
	return max(1, min(days, MaxForecastDays))
}

func (c *Client) get(ctx context.Context, endpoint, city string, extra url.Values) (string, error) {
	city = strings.TrimSpace(city)
	if city == "" {
		return "", ErrMissingCity
	}

	params := url.Values{
		"q":     {city},
		"APPID": {c.apiKey},
		"units": {"metric"},
	}
	for k, v := range extra {
		params[k] = v
	}
	reqURL := c.baseURL + "/" + endpoint + "?" + params.Encode()

	var raw json.RawMessage
	start := time.Now()
	if err := httpkit.DoJSON(ctx, c.httpClient, http.MethodGet, reqURL, nil, nil, &raw); err != nil {
		var se *httpkit.StatusError
		if errors.As(err, &se) {
			// Keep the key out of logs and errors.
			se.URL = c.baseURL + "/" + endpoint
			return "", fmt.Errorf("openweather %s %q: %s", endpoint, city, apiMessage(se))
		}
		return "", fmt.Errorf("openweather %s %q: %w", endpoint, city, redact(err, c.apiKey))
	}

	c.logger.Debug("openweather request",
		"endpoint", endpoint,
		"city", city,
		"elapsed", time.Since(start).Round(time.Millisecond),
		"bytes", len(raw),
	)
	return string(raw), nil
}

// apiMessage extracts OpenWeather's {"cod","message"} error text.
func apiMessage(se *httpkit.StatusError) string {
	var body struct {
		Message string `json:"message"`
	}
	if json.Unmarshal([]byte(se.Body), &body) == nil && body.Message != "" {
		return fmt.Sprintf("status %d: %s", se.Code, body.Message)
	}
	return fmt.Sprintf("status %d", se.Code)
}

func redact(err error, secret string) error {
	if secret == "" || !strings.Contains(err.Error(), secret) {
		return err
	}
	return errors.New(strings.ReplaceAll(err.Error(), secret, "REDACTED"))
}
