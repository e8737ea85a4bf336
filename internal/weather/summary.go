package weather

import (
	"encoding/json"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"
)

// Current is the part of a /weather response the summary uses.
type Current struct {
	Name string `json:"name"`
	Main struct {
		Temp     float64 `json:"temp"`
		Humidity float64 `json:"humidity"`
	} `json:"main"`
	Weather []struct {
		Description string `json:"description"`
	} `json:"weather"`
	Wind struct {
		Speed float64 `json:"speed"`
	} `json:"wind"`
}

// ForecastResponse is the part of a /forecast response the summary
// uses.
type ForecastResponse struct {
	List []struct {
		DtTxt string `json:"dt_txt"`
		Main  struct {
			TempMin float64 `json:"temp_min"`
			TempMax float64 `json:"temp_max"`
		} `json:"main"`
	} `json:"list"`
}

// DayRange is one day's temperature span.
type DayRange struct {
	Date string // YYYY-MM-DD
	Min  float64
	Max  float64
}

// SummarizeCurrent renders current conditions as one sentence.
func SummarizeCurrent(city string, data []byte) (string, error) {
	var c Current
	if err := json.Unmarshal(data, &c); err != nil {
		return "", fmt.Errorf("decode current weather: %w", err)
	}
	desc := "no description"
	if len(c.Weather) > 0 && c.Weather[0].Description != "" {
		desc = c.Weather[0].Description
	}
	return fmt.Sprintf("Now in %s: %s°C, %s, humidity %s%% and wind %s m/s.",
		capitalize(city), num(c.Main.Temp), capitalize(desc), num(c.Main.Humidity), num(c.Wind.Speed)), nil
}

// DailyRanges groups forecast entries by calendar date and returns the
// minimum and maximum per day, in date order.
func DailyRanges(data []byte) ([]DayRange, error) {
	var f ForecastResponse
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("decode forecast: %w", err)
	}

	byDate := make(map[string]*DayRange)
	for _, e := range f.List {
		date, _, _ := strings.Cut(e.DtTxt, " ")
		if date == "" {
			date = "unknown date"
		}
		r, ok := byDate[date]
		if !ok {
			byDate[date] = &DayRange{Date: date, Min: e.Main.TempMin, Max: e.Main.TempMax}
			continue
		}
		r.Min = min(r.Min, e.Main.TempMin)
		r.Max = max(r.Max, e.Main.TempMax)
	}

	out := make([]DayRange, 0, len(byDate))
	for _, r := range byDate {
		out = append(out, *r)
	}
	slices.SortFunc(out, func(a, b DayRange) int { return strings.Compare(a.Date, b.Date) })
	return out, nil
}

// SummarizeForecast renders the per-day ranges of a forecast as one
// sentence.
func SummarizeForecast(city string, days int, data []byte) (string, error) {
	ranges, err := DailyRanges(data)
	if err != nil {
		return "", err
	}
	if len(ranges) == 0 {
		return "", fmt.Errorf("no forecast available for %s", city)
	}
	parts := make([]string, len(ranges))
	for i, r := range ranges {
		parts[i] = fmt.Sprintf("%s: min %s°C, max %s°C", r.Date, num(r.Min), num(r.Max))
	}
	return fmt.Sprintf("Forecast for %s for the next %d day(s): %s.",
		capitalize(city), days, strings.Join(parts, "; ")), nil
}

func num(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func capitalize(s string) string {
	s = strings.TrimSpace(s)
	r, size := utf8.DecodeRuneInString(s)
	if r == utf8.RuneError {
		return s
	}
	return string(unicode.ToUpper(r)) + strings.ToLower(s[size:])
}
