package apiclient

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

	"jobchat/internal/chatsync"
	"jobchat/internal/model"
)

// maxResponseSize caps how much of a response body is read.
const maxResponseSize = 4 << 20

// StatusError is returned for non-2xx responses. Message carries the
// server's {"error": ...} text when present.
type StatusError struct {
	Method     string
	Path       string
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s %s: %d: %s", e.Method, e.Path, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%s %s: %d", e.Method, e.Path, e.StatusCode)
}

// Client calls the chat REST API with a bearer token.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

var _ chatsync.API = (*Client)(nil)

// New returns a Client for baseURL (e.g. http://localhost:8080).
// httpClient may be nil.
func New(baseURL, token string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		token:   token,
		http:    httpClient,
	}
}

// Rooms handles GET /rooms
func (c *Client) Rooms(ctx context.Context) ([]model.Room, error) {
	var rooms []model.Room
	if err := c.do(ctx, http.MethodGet, "/rooms", nil, &rooms); err != nil {
		return nil, err
	}
	return rooms, nil
}

// Messages handles GET /rooms/{id}/messages
func (c *Client) Messages(ctx context.Context, roomID string) ([]model.Message, error) {
	var messages []model.Message
	if err := c.do(ctx, http.MethodGet, "/rooms/"+url.PathEscape(roomID)+"/messages", nil, &messages); err != nil {
		return nil, err
	}
	return messages, nil
}

// SendMessage handles POST /rooms/{id}/messages
func (c *Client) SendMessage(ctx context.Context, roomID, body string) (model.Message, error) {
	var msg model.Message
	payload := map[string]string{"body": body}
	if err := c.do(ctx, http.MethodPost, "/rooms/"+url.PathEscape(roomID)+"/messages", payload, &msg); err != nil {
		return model.Message{}, err
	}
	return msg, nil
}

// MarkRead handles POST /rooms/{id}/read
func (c *Client) MarkRead(ctx context.Context, roomID string) error {
	return c.do(ctx, http.MethodPost, "/rooms/"+url.PathEscape(roomID)+"/read", nil, nil)
}

// CreateRoom handles POST /rooms
func (c *Client) CreateRoom(ctx context.Context, otherUserID, jobID string) (model.Room, error) {
	var room model.Room
	payload := map[string]string{"otherUserId": otherUserID}
	if jobID != "" {
		payload["jobId"] = jobID
	}
	if err := c.do(ctx, http.MethodPost, "/rooms", payload, &room); err != nil {
		return model.Room{}, err
	}
	return room, nil
}

func (c *Client) do(ctx context.Context, method, path string, in, out interface{}) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode %s %s: %w", method, path, err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("build %s %s: %w", method, path, err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return fmt.Errorf("read %s %s: %w", method, path, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		serr := &StatusError{Method: method, Path: path, StatusCode: resp.StatusCode}
		var errBody map[string]string
		if json.Unmarshal(raw, &errBody) == nil {
			serr.Message = errBody["error"]
		}
		return serr
	}

	if out == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return nil
}
