package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strconv"
	"time"

	"go.uber.org/zap"
)

// defaultTimeout bounds every REST call made by the client.
const defaultTimeout = 15 * time.Second

// DefaultPageSize is the message page size requested when none is configured.
const DefaultPageSize = 20

// StatusError is returned for non-2xx REST responses.
type StatusError struct {
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("api: unexpected status %d: %s", e.Status, e.Body)
}

// Client talks to the chat backend's REST API. Authentication is ambient:
// the login call sets a session cookie in the jar and every later request
// (including the websocket handshake, which shares the jar) carries it.
type Client struct {
	baseURL string
	http    *http.Client
	logger  *zap.Logger
}

// NewClient creates a REST client for the given base URL (no trailing slash).
func NewClient(baseURL string, logger *zap.Logger) (*Client, error) {
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("cookie jar: %w", err)
	}
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Jar: jar, Timeout: defaultTimeout},
		logger:  logger,
	}, nil
}

// Jar exposes the cookie jar so the websocket transport can share the
// session cookie.
func (c *Client) Jar() http.CookieJar {
	return c.http.Jar
}

// Login authenticates and stores the session cookie in the jar.
func (c *Client) Login(ctx context.Context, email, password string) (*User, error) {
	var u User
	err := c.do(ctx, http.MethodPost, "/api/auth/login", map[string]string{
		"email":    email,
		"password": password,
	}, &u)
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// Logout invalidates the server-side session.
func (c *Client) Logout(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/api/auth/logout", nil, nil)
}

// CurrentUser returns the identity bound to the session cookie.
func (c *Client) CurrentUser(ctx context.Context) (*User, error) {
	var u User
	if err := c.do(ctx, http.MethodGet, "/api/auth/me", nil, &u); err != nil {
		return nil, err
	}
	return &u, nil
}

// ListChats returns all chats visible to the current user.
func (c *Client) ListChats(ctx context.Context) ([]Chat, error) {
	var chats []Chat
	if err := c.do(ctx, http.MethodGet, "/api/chats", nil, &chats); err != nil {
		return nil, err
	}
	return chats, nil
}

// CreateDirectChat creates (or returns) the one-to-one chat with email.
func (c *Client) CreateDirectChat(ctx context.Context, email string) (*Chat, error) {
	var chat Chat
	err := c.do(ctx, http.MethodPost, "/api/chats/direct", map[string]string{"email": email}, &chat)
	if err != nil {
		return nil, err
	}
	return &chat, nil
}

// CreateGroupChat creates a group chat with the given members.
func (c *Client) CreateGroupChat(ctx context.Context, name string, emails []string) (*Chat, error) {
	var chat Chat
	err := c.do(ctx, http.MethodPost, "/api/chats/group", map[string]any{
		"name":   name,
		"emails": emails,
	}, &chat)
	if err != nil {
		return nil, err
	}
	return &chat, nil
}

// FetchPage fetches one page of message history for a chat. Pages are
// ascending by sentAt server-side; page 0 is the most recent slice.
func (c *Client) FetchPage(ctx context.Context, chatID string, group bool, page, size int) (*Page, error) {
	if size <= 0 {
		size = DefaultPageSize
	}
	path := "/api/chats/" + url.PathEscape(chatID) + "/messages"
	if group {
		path = "/api/groups/" + url.PathEscape(chatID) + "/messages"
	}
	path += "?page=" + strconv.Itoa(page) + "&size=" + strconv.Itoa(size)

	var p Page
	if err := c.do(ctx, http.MethodGet, path, nil, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// LeaveGroup removes the current user from a group chat.
func (c *Client) LeaveGroup(ctx context.Context, groupID string) error {
	return c.do(ctx, http.MethodPost, "/api/groups/"+url.PathEscape(groupID)+"/leave", nil, nil)
}

// GenerateSummary asks the backend for a summary of the chat so far.
func (c *Client) GenerateSummary(ctx context.Context, chatID string) (string, error) {
	var resp struct {
		Summary string `json:"summary"`
	}
	err := c.do(ctx, http.MethodPost, "/api/chats/"+url.PathEscape(chatID)+"/summary", nil, &resp)
	if err != nil {
		return "", err
	}
	return resp.Summary, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &StatusError{Status: resp.StatusCode, Body: string(data)}
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
