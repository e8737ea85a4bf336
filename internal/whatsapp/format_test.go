package whatsapp

import "testing"

func TestFormatMarkdown(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"plain", "Sunny, 24°C.", "Sunny, 24°C."},
		{"empty", "", ""},
		{"bold and italic", "**Sunny** and *warm*", "*Sunny* and _warm_"},
		{"underscore italic", "_light_ rain", "_light_ rain"},
		{"heading", "# Forecast\n\nTomorrow: rain", "*Forecast*\n\nTomorrow: rain"},
		{"bullet list", "* Mon: 20°C\n* Tue: 18°C", "- Mon: 20°C\n- Tue: 18°C"},
		{"ordered list", "1. pack an umbrella\n2. leave early", "1. pack an umbrella\n2. leave early"},
		{"link", "See [OpenWeather](https://openweathermap.org).", "See OpenWeather (https://openweathermap.org)."},
		{"autolink", "<https://example.com>", "https://example.com"},
		{"strikethrough", "~~cold~~ mild", "~cold~ mild"},
		{"code span", "Run `clima weather Jundiai`", "Run `clima weather Jundiai`"},
		{"fenced code", "```\nTEMP 20\nHUM 60\n```", "```\nTEMP 20\nHUM 60\n```"},
		{"blockquote", "> it will rain", "> it will rain"},
		{"soft break", "line one\nline two", "line one\nline two"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := FormatMarkdown(tt.in); got != tt.want {
				t.Errorf("FormatMarkdown(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestPrefixLines(t *testing.T) {
	got := prefixLines("a\n\nb", "- ", "  ")
	if want := "- a\n\n  b"; got != want {
		t.Errorf("prefixLines = %q, want %q", got, want)
	}
	got = prefixLines("a\n\nb", "> ", "> ")
	if want := "> a\n>\n> b"; got != want {
		t.Errorf("prefixLines quote = %q, want %q", got, want)
	}
}
