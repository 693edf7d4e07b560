package restclient

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
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/convosync/internal/messages"
	"go.uber.org/zap"
)

// Server error codes carried in the {"error": "..."} response body.
const (
	CodeEditWindowExpired = "edit_window_expired"
	CodeUnauthorized      = "unauthorized"
	CodeNotFound          = "not_found"
)

const defaultTimeout = 15 * time.Second

var (
	// ErrEditWindowExpired indicates the server rejected an edit or delete because the window elapsed.
	ErrEditWindowExpired = errors.New("restclient: edit window expired")
	// ErrUnauthorized indicates the token was rejected.
	ErrUnauthorized = errors.New("restclient: unauthorized")
	// ErrNotFound indicates the addressed resource does not exist or is not visible.
	ErrNotFound = errors.New("restclient: not found")
	// ErrTransport indicates the request never produced a server response. It is retryable.
	ErrTransport = errors.New("restclient: transport failure")
	// ErrInvalidBaseURL indicates a malformed base url.
	ErrInvalidBaseURL = errors.New("restclient: invalid base url")
	// ErrEmptyResponse indicates a success response without the expected message body.
	ErrEmptyResponse = errors.New("restclient: response carried no message")
)

// APIError is a non-2xx response.
type APIError struct {
	StatusCode int
	Code       string
}

func (e *APIError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("restclient: status %d", e.StatusCode)
	}
	return fmt.Sprintf("restclient: status %d: %s", e.StatusCode, e.Code)
}

// Is maps response codes onto the package sentinels.
func (e *APIError) Is(target error) bool {
	switch target {
	case ErrEditWindowExpired:
		return e.StatusCode == http.StatusForbidden && e.Code == CodeEditWindowExpired
	case ErrUnauthorized:
		return e.StatusCode == http.StatusUnauthorized
	case ErrNotFound:
		return e.StatusCode == http.StatusNotFound
	default:
		return false
	}
}

// Config configures a Client.
type Config struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
	Logger     *zap.Logger
}

// Client calls the conversation REST endpoints. It is safe for concurrent use.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
	logger     *zap.Logger

	tokenMu sync.RWMutex
	token   string
}

// Page selects a slice of a conversation's history. Before is exclusive.
type Page struct {
	Limit  int
	Before messages.MessageID
}

// PageResult holds one page, most recent first.
type PageResult struct {
	Messages []messages.Record `json:"messages"`
	HasMore  bool              `json:"hasMore"`
}

// Conversation is the created conversation resource.
type Conversation struct {
	ID           messages.ConversationID `json:"id"`
	Participants []messages.UserID       `json:"participants"`
	CreatedAt    time.Time               `json:"createdAt"`
}

type createMessageRequest struct {
	ConversationID messages.ConversationID `json:"conversationId"`
	Content        string                  `json:"content"`
}

type editMessageRequest struct {
	Content string `json:"content"`
}

type createConversationRequest struct {
	PeerID messages.UserID `json:"peerId"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// NewClient constructs a Client.
func NewClient(cfg Config) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidBaseURL, err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("%w: scheme %q", ErrInvalidBaseURL, base.Scheme)
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultTimeout}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{baseURL: base, token: cfg.Token, httpClient: httpClient, logger: logger}, nil
}

// SetToken replaces the bearer token used by subsequent requests.
func (c *Client) SetToken(token string) {
	c.tokenMu.Lock()
	defer c.tokenMu.Unlock()
	c.token = token
}

func (c *Client) currentToken() string {
	c.tokenMu.RLock()
	defer c.tokenMu.RUnlock()
	return c.token
}

// ListMessages fetches one page of history, most recent first.
func (c *Client) ListMessages(ctx context.Context, conversationID messages.ConversationID, page Page) (PageResult, error) {
	query := url.Values{}
	if page.Limit > 0 {
		query.Set("limit", strconv.Itoa(page.Limit))
	}
	if page.Before > 0 {
		query.Set("before", page.Before.String())
	}
	path := "/conversations/" + url.PathEscape(conversationID.String()) + "/messages"

	var result PageResult
	if err := c.do(ctx, http.MethodGet, path, query, nil, &result); err != nil {
		return PageResult{}, err
	}
	return result, nil
}

// CreateMessage posts a new message and returns the server-confirmed record.
func (c *Client) CreateMessage(ctx context.Context, conversationID messages.ConversationID, content string) (messages.Record, error) {
	var record messages.Record
	body := createMessageRequest{ConversationID: conversationID, Content: content}
	if err := c.do(ctx, http.MethodPost, "/messages", nil, body, &record); err != nil {
		return messages.Record{}, err
	}
	if record.ID == 0 {
		return messages.Record{}, fmt.Errorf("%w: POST /messages", ErrEmptyResponse)
	}
	return record, nil
}

// EditMessage replaces the content of a message.
func (c *Client) EditMessage(ctx context.Context, id messages.MessageID, content string) (messages.Record, error) {
	var record messages.Record
	path := "/messages/" + id.String()
	if err := c.do(ctx, http.MethodPut, path, nil, editMessageRequest{Content: content}, &record); err != nil {
		return messages.Record{}, err
	}
	if record.ID == 0 {
		return messages.Record{}, fmt.Errorf("%w: PUT %s", ErrEmptyResponse, path)
	}
	return record, nil
}

// DeleteMessage tombstones a message.
func (c *Client) DeleteMessage(ctx context.Context, id messages.MessageID) error {
	return c.do(ctx, http.MethodDelete, "/messages/"+id.String(), nil, nil, nil)
}

// CreateConversation opens a two-party conversation with peer.
func (c *Client) CreateConversation(ctx context.Context, peer messages.UserID) (Conversation, error) {
	var conversation Conversation
	if err := c.do(ctx, http.MethodPost, "/conversations", nil, createConversationRequest{PeerID: peer}, &conversation); err != nil {
		return Conversation{}, err
	}
	return conversation, nil
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body any, out any) error {
	target := c.baseURL.JoinPath(path)
	if len(query) > 0 {
		target.RawQuery = query.Encode()
	}

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("restclient: encode request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	request, err := http.NewRequestWithContext(ctx, method, target.String(), reader)
	if err != nil {
		return fmt.Errorf("restclient: build request: %w", err)
	}
	if body != nil {
		request.Header.Set("Content-Type", "application/json")
	}
	request.Header.Set("Accept", "application/json")
	if token := c.currentToken(); token != "" {
		request.Header.Set("Authorization", "Bearer "+token)
	}

	response, err := c.httpClient.Do(request)
	if err != nil {
		c.logger.Debug("rest request failed", zap.String("method", method), zap.String("path", path), zap.Error(err))
		return fmt.Errorf("%w: %s %s: %v", ErrTransport, method, path, err)
	}
	defer response.Body.Close()

	if response.StatusCode < 200 || response.StatusCode >= 300 {
		var decoded errorResponse
		_ = json.NewDecoder(io.LimitReader(response.Body, 4096)).Decode(&decoded)
		apiErr := &APIError{StatusCode: response.StatusCode, Code: decoded.Error}
		c.logger.Debug("rest request rejected",
			zap.String("method", method),
			zap.String("path", path),
			zap.Int("status", response.StatusCode),
			zap.String("code", decoded.Error))
		return apiErr
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, response.Body)
		return nil
	}
	if err := json.NewDecoder(response.Body).Decode(out); err != nil {
		return fmt.Errorf("restclient: decode response: %w", err)
	}
	return nil
}
