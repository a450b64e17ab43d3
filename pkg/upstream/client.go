package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"chatsync/pkg/store"
)

// API is the slice of the backend the reconciliation core consumes.
type API interface {
	Conversations(ctx context.Context) ([]store.Conversation, error)
	Messages(ctx context.Context, conversationID string, since time.Time) ([]store.Message, error)
	SendMessage(ctx context.Context, conversationID, content string) (store.Message, error)
	CreateConversation(ctx context.Context, participantID, sessionID string) (store.Conversation, error)
}

// Client talks to the platform backend's chat REST API.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

// NewClient creates a backend client. token is the session bearer token
// issued at login.
func NewClient(baseURL, token string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: 10 * time.Second},
	}
}

// Conversations fetches the conversation list with denormalized last messages.
func (c *Client) Conversations(ctx context.Context) ([]store.Conversation, error) {
	var wire []wireConversation
	if err := c.get(ctx, "/chat/conversations", &wire); err != nil {
		return nil, err
	}
	out := make([]store.Conversation, len(wire))
	for i, w := range wire {
		out[i] = w.toConversation()
	}
	return out, nil
}

// Messages fetches the ordered message list for a conversation. A
// non-zero since narrows the fetch to messages after that cursor.
func (c *Client) Messages(ctx context.Context, conversationID string, since time.Time) ([]store.Message, error) {
	path := fmt.Sprintf("/chat/%s/messages", url.PathEscape(conversationID))
	if !since.IsZero() {
		path += "?since=" + url.QueryEscape(since.UTC().Format(time.RFC3339Nano))
	}

	var wire []wireMessage
	if err := c.get(ctx, path, &wire); err != nil {
		return nil, err
	}
	out := make([]store.Message, len(wire))
	for i, w := range wire {
		out[i] = w.toMessage()
	}
	return out, nil
}

// SendMessage posts a new message and returns the server-confirmed record.
func (c *Client) SendMessage(ctx context.Context, conversationID, content string) (store.Message, error) {
	path := fmt.Sprintf("/chat/%s/messages", url.PathEscape(conversationID))
	body := map[string]string{"content": content}

	var wire wireMessage
	if err := c.post(ctx, path, body, &wire); err != nil {
		return store.Message{}, err
	}
	return wire.toMessage(), nil
}

// CreateConversation opens a conversation with another participant,
// optionally tied to a booked session.
func (c *Client) CreateConversation(ctx context.Context, participantID, sessionID string) (store.Conversation, error) {
	body := map[string]string{"participant_id": participantID}
	if sessionID != "" {
		body["session_id"] = sessionID
	}

	var wire wireConversation
	if err := c.post(ctx, "/chat/create", body, &wire); err != nil {
		return store.Conversation{}, err
	}
	return wire.toConversation(), nil
}

// TokenSubject extracts the user id from the session token's sub claim
// without verifying the signature. Verification is the backend's job;
// the sidecar only needs the identity for labeling optimistic sends.
func (c *Client) TokenSubject() (string, error) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(c.token, claims); err != nil {
		return "", fmt.Errorf("parse session token: %w", err)
	}
	sub, err := claims.GetSubject()
	if err != nil || sub == "" {
		return "", fmt.Errorf("session token has no subject")
	}
	return sub, nil
}

// checkToken detects a locally expired session token so an expired
// session surfaces as ErrAuthExpired without a wasted round-trip.
// Opaque (non-JWT) tokens skip the check and rely on the 401 mapping.
func (c *Client) checkToken() error {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(c.token, claims); err != nil {
		return nil
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return nil
	}
	if time.Now().After(exp.Time) {
		return ErrAuthExpired
	}
	return nil
}

func (c *Client) get(ctx context.Context, path string, out interface{}) error {
	return c.do(ctx, http.MethodGet, path, nil, out)
}

func (c *Client) post(ctx context.Context, path string, body, out interface{}) error {
	return c.do(ctx, http.MethodPost, path, body, out)
}

func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	op := method + " " + path

	if err := c.checkToken(); err != nil {
		return err
	}

	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("%s: encode body: %w", op, err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("%s: build request: %w", op, err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return &NetworkError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		return ErrAuthExpired
	}
	if resp.StatusCode >= 400 {
		return &RejectedError{StatusCode: resp.StatusCode, Message: readErrorMessage(resp.Body)}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s: decode response: %w", op, err)
	}
	return nil
}

// readErrorMessage pulls a human-readable message out of an error body.
func readErrorMessage(r io.Reader) string {
	raw, err := io.ReadAll(io.LimitReader(r, 4096))
	if err != nil {
		return ""
	}
	var payload struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(raw, &payload); err == nil {
		if payload.Error != "" {
			return payload.Error
		}
		if payload.Message != "" {
			return payload.Message
		}
	}
	return strings.TrimSpace(string(raw))
}
