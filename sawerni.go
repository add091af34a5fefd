// Package sawerni is the Go client SDK for the Sawerni marketplace
// messaging API.
//
// It wraps the REST endpoints for conversations and message threads and
// carries the client-side synchronization engine that keeps a local view
// of those threads consistent across paginated fetches, optimistic sends
// and realtime events.
//
// Example:
//
//	client := sawerni.NewClient("eyJhbGci...")
//
//	sync := sawerni.NewSyncer(client, "user-42", nil)
//	sync.RefreshConversations(ctx)
//
//	rt := sawerni.NewRealtime(client.BaseURL(), &sawerni.RealtimeConfig{Token: token})
//	subs := sync.Bind(rt)
//	defer sawerni.UnsubscribeAll(subs)
//	rt.Connect(ctx)
//
//	msgs, _ := sync.Select(ctx, "conv-1")
package sawerni

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const (
	DefaultBaseURL = "https://api.sawerni.app"
	DefaultTimeout = 30 * time.Second

	// DefaultPerPage is the page size used for both the conversation
	// list and thread windows when the caller does not override it.
	DefaultPerPage = 50

	// MaxAttachments and MaxAttachmentBytes are the client-enforced
	// limits on one send. The server enforces the same limits; checking
	// locally avoids wasting the upload.
	MaxAttachments     = 5
	MaxAttachmentBytes = 10 << 20
)

// ============================================================================
// Client
// ============================================================================

// Client is a thin, stateless wrapper over the messaging REST API. All
// synchronization state lives in Syncer; Client methods map one-to-one
// onto endpoints.
type Client struct {
	token      string
	baseURL    string
	userAgent  string
	httpClient *http.Client
}

type ClientOption func(*Client)

func WithBaseURL(u string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimRight(u, "/") }
}

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

// WithHTTPClient swaps the underlying HTTP client. This is the seam for
// the transport layer's concerns (request signing, retry-on-401 token
// refresh): install a client whose RoundTripper does them.
func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

func WithUserAgent(ua string) ClientOption {
	return func(c *Client) { c.userAgent = ua }
}

// NewClient creates an API client authenticated with a bearer token.
func NewClient(token string, opts ...ClientOption) *Client {
	c := &Client{
		token:   token,
		baseURL: DefaultBaseURL,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SetToken replaces the bearer token, e.g. after a session refresh.
func (c *Client) SetToken(token string) { c.token = token }

// BaseURL returns the configured API base, used to derive the realtime
// endpoint.
func (c *Client) BaseURL() string { return c.baseURL }

// ============================================================================
// Internal request helpers
// ============================================================================

// errorBody is the server's best-effort error envelope.
type errorBody struct {
	Error *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (c *Client) doRequest(ctx context.Context, method, path string, body io.Reader, contentType string, query url.Values) ([]byte, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, transportError(err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, transportError(err)
	}

	if resp.StatusCode >= 400 {
		var eb errorBody
		if json.Unmarshal(data, &eb) == nil && eb.Error != nil {
			return nil, statusError(resp.StatusCode, eb.Error.Code, eb.Error.Message)
		}
		return nil, statusError(resp.StatusCode, "", strings.TrimSpace(string(data)))
	}
	return data, nil
}

func decodeJSON[T any](data []byte) (*T, error) {
	var result T
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return &result, nil
}

func pageQuery(page, perPage int) url.Values {
	q := url.Values{}
	if page > 0 {
		q.Set("page", strconv.Itoa(page))
	}
	if perPage > 0 {
		q.Set("perPage", strconv.Itoa(perPage))
	}
	return q
}

// ============================================================================
// Conversation endpoints
// ============================================================================

// Conversations fetches one page of the caller's conversation list,
// newest activity first.
func (c *Client) Conversations(ctx context.Context, page, perPage int) (*ConversationPage, error) {
	data, err := c.doRequest(ctx, http.MethodGet, "/api/conversations", nil, "", pageQuery(page, perPage))
	if err != nil {
		return nil, err
	}
	return decodeJSON[ConversationPage](data)
}

// Thread fetches one page of a conversation's messages. Page 1 is the
// newest window; higher pages reach further back.
func (c *Client) Thread(ctx context.Context, conversationID string, page, perPage int) (*ThreadPage, error) {
	path := "/api/conversations/" + url.PathEscape(conversationID) + "/messages"
	data, err := c.doRequest(ctx, http.MethodGet, path, nil, "", pageQuery(page, perPage))
	if err != nil {
		return nil, err
	}
	return decodeJSON[ThreadPage](data)
}

// MarkRead marks every message in the conversation as read by the caller.
func (c *Client) MarkRead(ctx context.Context, conversationID string) error {
	path := "/api/conversations/" + url.PathEscape(conversationID) + "/read"
	_, err := c.doRequest(ctx, http.MethodPatch, path, nil, "", nil)
	return err
}

// SendMessage posts a draft as a multipart form and returns the canonical
// server message. Validation (non-empty, attachment limits) is the
// Syncer's job; this method only encodes and ships.
func (c *Client) SendMessage(ctx context.Context, conversationID string, draft *Draft) (*Message, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	if draft.Content != "" {
		if err := w.WriteField("content", draft.Content); err != nil {
			return nil, fmt.Errorf("failed to encode content field: %w", err)
		}
	}
	for _, a := range draft.Attachments {
		part, err := w.CreateFormFile("attachments", a.Name)
		if err != nil {
			return nil, fmt.Errorf("failed to create form file: %w", err)
		}
		if _, err := part.Write(a.Data); err != nil {
			return nil, fmt.Errorf("failed to write file data: %w", err)
		}
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("failed to finalize form: %w", err)
	}

	path := "/api/conversations/" + url.PathEscape(conversationID) + "/messages"
	data, err := c.doRequest(ctx, http.MethodPost, path, &buf, w.FormDataContentType(), nil)
	if err != nil {
		return nil, err
	}
	return decodeJSON[Message](data)
}
