package tools

import "context"

type contextKey string

const (
	conversationIDKey contextKey = "conversation_id"
	locationKey       contextKey = "location"
)

// WithConversationID adds the conversation ID to the context.
func WithConversationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, conversationIDKey, id)
}

// ConversationIDFromContext extracts the conversation ID from the
// context. Returns "console" when unset, the single-user session key.
func ConversationIDFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(conversationIDKey).(string); ok && id != "" {
		return id
	}
	return "console"
}

// WithLocation records the user's default location so tools can use it
// as a locality hint. An empty location leaves ctx unchanged.
func WithLocation(ctx context.Context, location string) context.Context {
	if location == "" {
		return ctx
	}
	return context.WithValue(ctx, locationKey, location)
}

// LocationFromContext returns the location set by WithLocation, or "".
func LocationFromContext(ctx context.Context) string {
	loc, _ := ctx.Value(locationKey).(string)
	return loc
}
