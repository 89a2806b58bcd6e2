// Package backend is the HTTP client for the chat backend's REST surface:
// token refresh, conversation listing, message history and range fetches, and
// message sends.
//
// Example:
//
//	client := backend.NewClient(
//		backend.WithBaseURL("https://chat.example.com"),
//		backend.WithTokenSource(provider.CurrentToken),
//	)
//	convs, err := client.ListConversations(ctx)
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/LuminPulse-AI/chatsync/model"
)

const (
	DefaultBaseURL = "https://chat.luminpulse.ai"
	DefaultTimeout = 30 * time.Second
)

// ============================================================================
// Client
// ============================================================================

type Client struct {
	baseURL    string
	token      func() string
	httpClient *http.Client
	logger     zerolog.Logger
}

type ClientOption func(*Client)

func WithBaseURL(url string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimRight(url, "/") }
}

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

// WithTokenSource sets the function consulted for the bearer token on every
// request.
func WithTokenSource(fn func() string) ClientOption {
	return func(c *Client) { c.token = fn }
}

func WithLogger(logger zerolog.Logger) ClientOption {
	return func(c *Client) { c.logger = logger.With().Str("component", "backend").Logger() }
}

// NewClient creates a backend client.
func NewClient(opts ...ClientOption) *Client {
	c := &Client{
		baseURL: DefaultBaseURL,
		token:   func() string { return "" },
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
		logger: zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// BaseURL returns the configured base URL.
func (c *Client) BaseURL() string { return c.baseURL }

// ============================================================================
// Envelope
// ============================================================================

// APIError is a failed backend response.
type APIError struct {
	Status  int    `json:"-"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("http %d: %s", e.Status, e.Message)
	}
	return e.Code + ": " + e.Message
}

// Unauthorized reports whether the backend rejected the credential.
func (e *APIError) Unauthorized() bool {
	return e.Status == http.StatusUnauthorized || e.Code == "UNAUTHORIZED"
}

// IsUnauthorized reports whether err carries an unauthorized APIError.
func IsUnauthorized(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Unauthorized()
}

// Result is the response envelope every endpoint returns.
type Result struct {
	OK    bool            `json:"ok"`
	Data  json.RawMessage `json:"data,omitempty"`
	Meta  map[string]any  `json:"meta,omitempty"`
	Error *APIError       `json:"error,omitempty"`
}

// Decode unmarshals the Data field into v.
func (r *Result) Decode(v any) error {
	if r.Data == nil {
		return nil
	}
	return json.Unmarshal(r.Data, v)
}

// ============================================================================
// Internal request helper
// ============================================================================

type request struct {
	method  string
	path    string
	body    any
	query   url.Values
	token   string
	headers map[string]string
}

func (c *Client) do(ctx context.Context, r request) (*Result, error) {
	u := c.baseURL + r.path
	if len(r.query) > 0 {
		u += "?" + r.query.Encode()
	}

	var bodyReader io.Reader
	if r.body != nil {
		b, err := json.Marshal(r.body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, r.method, u, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if r.body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	token := r.token
	if token == "" {
		token = c.token()
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for k, v := range r.headers {
		req.Header.Set(k, v)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	c.logger.Debug().
		Str("method", r.method).
		Str("path", r.path).
		Int("status", resp.StatusCode).
		Dur("took", time.Since(start)).
		Msg("backend request")

	result, decodeErr := decodeJSON[Result](data)
	if resp.StatusCode >= 400 {
		apiErr := &APIError{Status: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
		if decodeErr == nil && result.Error != nil {
			apiErr.Code = result.Error.Code
			apiErr.Message = result.Error.Message
		}
		return nil, apiErr
	}
	if decodeErr != nil {
		return nil, decodeErr
	}
	if !result.OK {
		if result.Error == nil {
			return nil, &APIError{Status: resp.StatusCode, Message: "request not ok"}
		}
		result.Error.Status = resp.StatusCode
		return nil, result.Error
	}
	return result, nil
}

func decodeJSON[T any](data []byte) (*T, error) {
	var result T
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return &result, nil
}

func decodeData[T any](res *Result) (T, error) {
	var v T
	if err := res.Decode(&v); err != nil {
		return v, fmt.Errorf("failed to decode data: %w", err)
	}
	return v, nil
}

// ============================================================================
// Account
// ============================================================================

// RefreshToken exchanges current for a fresh bearer token.
func (c *Client) RefreshToken(ctx context.Context, current string) (string, error) {
	res, err := c.do(ctx, request{method: http.MethodPost, path: "/api/im/token/refresh", token: current})
	if err != nil {
		return "", err
	}
	out, err := decodeData[struct {
		Token string `json:"token"`
	}](res)
	if err != nil {
		return "", err
	}
	if out.Token == "" {
		return "", errors.New("refresh returned an empty token")
	}
	return out.Token, nil
}

// Me returns the signed-in user.
func (c *Client) Me(ctx context.Context) (*model.User, error) {
	res, err := c.do(ctx, request{method: http.MethodGet, path: "/api/im/me"})
	if err != nil {
		return nil, err
	}
	return decodeData[*model.User](res)
}

// ============================================================================
// Conversations
// ============================================================================

func (c *Client) ListConversations(ctx context.Context) ([]*model.Conversation, error) {
	res, err := c.do(ctx, request{method: http.MethodGet, path: "/api/im/conversations"})
	if err != nil {
		return nil, err
	}
	return decodeData[[]*model.Conversation](res)
}

func (c *Client) LeaveConversation(ctx context.Context, conversationID string) error {
	_, err := c.do(ctx, request{
		method: http.MethodPost,
		path:   "/api/im/conversations/" + url.PathEscape(conversationID) + "/leave",
	})
	return err
}

// ============================================================================
// Messages
// ============================================================================

// FetchMessageRange returns the messages of a conversation whose versions lie
// in the requested inclusive range.
func (c *Client) FetchMessageRange(ctx context.Context, req model.RangeRequest) ([]*model.Message, error) {
	q := url.Values{}
	q.Set("from", strconv.FormatInt(req.FromVersion, 10))
	q.Set("to", strconv.FormatInt(req.ToVersion, 10))
	res, err := c.do(ctx, request{
		method: http.MethodGet,
		path:   "/api/im/messages/" + url.PathEscape(req.ConversationID) + "/range",
		query:  q,
	})
	if err != nil {
		return nil, err
	}
	return decodeData[[]*model.Message](res)
}

// HistoryOptions pages through a conversation's history.
type HistoryOptions struct {
	Limit  int
	Before string
}

func (c *Client) GetHistory(ctx context.Context, conversationID string, opts *HistoryOptions) ([]*model.Message, error) {
	var q url.Values
	if opts != nil {
		q = url.Values{}
		if opts.Limit > 0 {
			q.Set("limit", strconv.Itoa(opts.Limit))
		}
		if opts.Before != "" {
			q.Set("before", opts.Before)
		}
	}
	res, err := c.do(ctx, request{
		method: http.MethodGet,
		path:   "/api/im/messages/" + url.PathEscape(conversationID),
		query:  q,
	})
	if err != nil {
		return nil, err
	}
	return decodeData[[]*model.Message](res)
}

// SendRequest is a new outbound message. ClientID doubles as the idempotency
// key.
type SendRequest struct {
	Content  string            `json:"content"`
	Type     model.MessageType `json:"type"`
	ClientID string            `json:"clientId,omitempty"`
	RootID   string            `json:"parentId,omitempty"`
}

func (c *Client) SendMessage(ctx context.Context, conversationID string, req SendRequest) (*model.Message, error) {
	if req.Type == "" {
		req.Type = model.MessageText
	}
	var headers map[string]string
	if req.ClientID != "" {
		headers = map[string]string{"Idempotency-Key": req.ClientID}
	}
	res, err := c.do(ctx, request{
		method:  http.MethodPost,
		path:    "/api/im/messages/" + url.PathEscape(conversationID),
		body:    req,
		headers: headers,
	})
	if err != nil {
		return nil, err
	}
	return decodeData[*model.Message](res)
}

// ============================================================================
// Realtime
// ============================================================================

// RealtimeEndpoint returns the websocket endpoint for realtime subscriptions.
func (c *Client) RealtimeEndpoint() string {
	base := strings.Replace(c.baseURL, "https://", "wss://", 1)
	base = strings.Replace(base, "http://", "ws://", 1)
	return base + "/graphql/realtime"
}
