package session

import (
	"fmt"
	"slices"
	"strings"
	"time"
)

// RecentTurnsInPrompt is how many history turns the instructions show.
const RecentTurnsInPrompt = 3

// TimestampLayout formats the current-time line.
const TimestampLayout = "2006-01-02 15:04:05"

const defaultPersona = "You are a concise, direct chatbot assistant specialised in weather. " +
	"Provide accurate weather information, and search the web when needed."

const defaultGuidelines = `Guidelines:
- Be concise but informative
- Use emojis when appropriate
- Always summarise web search results
- Check the data with tools when needed`

// Prompt holds the static instruction blocks that frame every turn.
type Prompt struct {
	Persona    string
	Guidelines string
}

func (p Prompt) withDefaults() Prompt {
	if strings.TrimSpace(p.Persona) == "" {
		p.Persona = defaultPersona
	}
	if strings.TrimSpace(p.Guidelines) == "" {
		p.Guidelines = defaultGuidelines
	}
	return p
}

// BuildInstructions renders the system instructions for the next model
// call. Sections appear in a fixed order: persona, user context, recent
// turns, current time, guidelines. Sections with nothing to show are
// omitted. The output depends only on the user context, the history and
// now.
func (s *Session) BuildInstructions(now time.Time) string {
	return renderInstructions(s.prompt, s.User(), s.history.Recent(RecentTurnsInPrompt), now)
}

func renderInstructions(p Prompt, u UserContext, recent []Turn, now time.Time) string {
	var sb strings.Builder

	sb.WriteString(strings.TrimSpace(p.Persona))
	sb.WriteString("\n\n")

	if block := userContextBlock(u); block != "" {
		sb.WriteString(block)
		sb.WriteString("\n")
	}

	if len(recent) > 0 {
		sb.WriteString("Recent interactions:\n")
		for i, t := range recent {
			fmt.Fprintf(&sb, "%d. %s: %s\n", i+1, t.Role, t.Text)
		}
		sb.WriteString("\n")
	}

	fmt.Fprintf(&sb, "Current date and time: %s\n\n", now.Format(TimestampLayout))
	sb.WriteString(strings.TrimSpace(p.Guidelines))

	return sb.String()
}

func userContextBlock(u UserContext) string {
	var lines []string
	if v := strings.TrimSpace(u.DisplayName); v != "" {
		lines = append(lines, "- Name: "+v)
	}
	if v := strings.TrimSpace(u.DefaultLocation); v != "" {
		lines = append(lines, "- Default location: "+v)
	}

	keys := make([]string, 0, len(u.Preferences))
	for k, v := range u.Preferences {
		if strings.TrimSpace(v) != "" {
			keys = append(keys, k)
		}
	}
	slices.Sort(keys)
	for _, k := range keys {
		lines = append(lines, fmt.Sprintf("- Preference %s: %s", k, u.Preferences[k]))
	}

	if len(lines) == 0 {
		return ""
	}
	return "User context:\n" + strings.Join(lines, "\n") + "\n"
}
