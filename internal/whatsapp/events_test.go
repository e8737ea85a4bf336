package whatsapp

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func TestNewEventStreamURL(t *testing.T) {
	tests := []struct {
		base string
		want string
	}{
		{"http://localhost:3000", "ws://localhost:3000/ws?events=message&session=default&x-api-key=k"},
		{"https://waha.example.com/", "wss://waha.example.com/ws?events=message&session=default&x-api-key=k"},
	}
	for _, tt := range tests {
		s, err := NewEventStream(tt.base, "", "k", nil)
		if err != nil {
			t.Fatalf("NewEventStream(%q): %v", tt.base, err)
		}
		if s.url != tt.want {
			t.Errorf("url = %q, want %q", s.url, tt.want)
		}
	}
}

func TestEventStreamDeliversMessages(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/ws" || r.URL.Query().Get("session") != "default" {
			t.Errorf("unexpected stream request %s", r.URL)
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		defer conn.Close()
		for _, msg := range []string{
			`{"event":"session.status","payload":{"status":"WORKING"}}`,
			`{not json`,
			`{"event":"message","payload":{"from":"5511999999999@c.us","body":"Vai chover?"}}`,
		} {
			if err := conn.WriteMessage(websocket.TextMessage, []byte(msg)); err != nil {
				return
			}
		}
		// Hold the connection open until the client goes away.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	stream, err := NewEventStream(srv.URL, "default", "", nil)
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	got := make(chan Event, 4)
	done := make(chan error, 1)
	go func() {
		done <- stream.Run(ctx, func(_ context.Context, ev Event) { got <- ev })
	}()

	select {
	case ev := <-got:
		if ev.Payload.From != "5511999999999@c.us" || !strings.Contains(ev.Payload.Body, "chover") {
			t.Errorf("event = %+v", ev)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no message event delivered")
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	if len(got) != 0 {
		t.Errorf("extra events delivered: %d", len(got))
	}
}
