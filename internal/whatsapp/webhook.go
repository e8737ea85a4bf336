package whatsapp

import (
	"encoding/json"
	"fmt"
)

// EventMessage is the only event type the bot acts on.
const EventMessage = "message"

// Event is a WAHA event as delivered by webhook POST or websocket.
type Event struct {
	Event   string  `json:"event"`
	Session string  `json:"session,omitempty"`
	Payload Message `json:"payload"`
}

// Message is the payload of a "message" event.
type Message struct {
	ID          string `json:"id"`
	From        string `json:"from"`
	To          string `json:"to"`
	Body        string `json:"body"`
	Participant string `json:"participant"`
	PushName    string `json:"pushName"`
	Type        string `json:"type"`
	FromMe      bool   `json:"fromMe"`
	Timestamp   int64  `json:"timestamp"`
}

// ParseEvent decodes a webhook body. A body that is not a JSON object
// yields a "message" event with an empty payload together with the
// decode error, so callers can log the error and still answer the
// sender the way they answer an empty message.
func ParseEvent(data []byte) (Event, error) {
	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return Event{Event: EventMessage}, fmt.Errorf("decode webhook: %w", err)
	}
	return ev, nil
}
