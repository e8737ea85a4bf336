// Package whatsapp talks to a WAHA (WhatsApp HTTP API) bridge: outbound
// messages and presence over its REST API, inbound messages as webhook
// payloads or from its websocket event stream, and reply formatting
// from Markdown to WhatsApp markup.
package whatsapp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/nugget/clima/internal/httpkit"
)

// DefaultSession is the WAHA session name used when none is configured.
const DefaultSession = "default"

// Client is a WAHA REST client bound to one session.
type Client struct {
	baseURL    string
	session    string
	apiKey     string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates a client for the WAHA instance at baseURL.
func NewClient(baseURL, session, apiKey string, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	if session == "" {
		session = DefaultSession
	}
	logger = logger.With("component", "waha")
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		session:    session,
		apiKey:     apiKey,
		httpClient: httpkit.NewClient(httpkit.WithRetry(3, 500*time.Millisecond, logger)),
		logger:     logger,
	}
}

// Session returns the WAHA session name.
func (c *Client) Session() string { return c.session }

// SendResult is WAHA's answer to a send: the created message as JSON.
type SendResult = json.RawMessage

type sendTextRequest struct {
	ChatID  string `json:"chatId"`
	Text    string `json:"text"`
	Session string `json:"session"`
}

type sendSeenRequest struct {
	Session     string `json:"session"`
	ChatID      string `json:"chatId"`
	MessageID   string `json:"messageId,omitempty"`
	Participant string `json:"participant,omitempty"`
}

type typingRequest struct {
	Session string `json:"session"`
	ChatID  string `json:"chatId"`
}

// SendText sends a text message to chatID.
func (c *Client) SendText(ctx context.Context, chatID, text string) (SendResult, error) {
	var out json.RawMessage
	err := c.post(ctx, "/api/sendText", sendTextRequest{ChatID: chatID, Text: text, Session: c.session}, &out)
	if err != nil {
		return nil, err
	}
	c.logger.Debug("message sent", "chat_id", chatID, "text_len", len(text))
	return out, nil
}

// SendSeen marks messageID in chatID as read.
func (c *Client) SendSeen(ctx context.Context, chatID, messageID, participant string) error {
	return c.post(ctx, "/api/sendSeen", sendSeenRequest{
		Session:     c.session,
		ChatID:      chatID,
		MessageID:   messageID,
		Participant: participant,
	}, nil)
}

// StartTyping shows the typing indicator in chatID.
func (c *Client) StartTyping(ctx context.Context, chatID string) error {
	return c.post(ctx, "/api/startTyping", typingRequest{Session: c.session, ChatID: chatID}, nil)
}

// StopTyping clears the typing indicator in chatID.
func (c *Client) StopTyping(ctx context.Context, chatID string) error {
	return c.post(ctx, "/api/stopTyping", typingRequest{Session: c.session, ChatID: chatID}, nil)
}

// SessionInfo is the subset of WAHA's session description clima uses.
type SessionInfo struct {
	Name   string `json:"name"`
	Status string `json:"status"` // STOPPED, STARTING, SCAN_QR_CODE, WORKING, FAILED
	Me     *struct {
		ID       string `json:"id"`
		PushName string `json:"pushName"`
	} `json:"me,omitempty"`
}

// SessionStatus describes the bound session.
func (c *Client) SessionStatus(ctx context.Context) (*SessionInfo, error) {
	var info SessionInfo
	if err := c.do(ctx, http.MethodGet, "/api/sessions/"+url.PathEscape(c.session), nil, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// StartSession starts the bound session. A session that is already
// running is not an error.
func (c *Client) StartSession(ctx context.Context) error {
	err := c.post(ctx, "/api/sessions/"+url.PathEscape(c.session)+"/start", nil, nil)
	var se *httpkit.StatusError
	if errors.As(err, &se) && se.Code == http.StatusUnprocessableEntity {
		return nil
	}
	return err
}

// PairingCode returns the raw value WhatsApp encodes in the pairing QR
// code while the session is waiting to be linked.
func (c *Client) PairingCode(ctx context.Context) (string, error) {
	var out struct {
		Value string `json:"value"`
	}
	path := "/api/" + url.PathEscape(c.session) + "/auth/qr?format=raw"
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return "", err
	}
	if out.Value == "" {
		return "", fmt.Errorf("waha returned an empty pairing code")
	}
	return out.Value, nil
}

func (c *Client) post(ctx context.Context, path string, in, out any) error {
	return c.do(ctx, http.MethodPost, path, in, out)
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	headers := map[string]string{}
	if c.apiKey != "" {
		headers["X-Api-Key"] = c.apiKey
	}
	if err := httpkit.DoJSON(ctx, c.httpClient, method, c.baseURL+path, headers, in, out); err != nil {
		return fmt.Errorf("waha: %w", err)
	}
	return nil
}
