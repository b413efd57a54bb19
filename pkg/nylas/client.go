// Package nylas is a minimal client for the Nylas v3 email API, used to
// scan folders and hydrate message bodies during mailbox import.
package nylas

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/rotisserie/eris"
)

const defaultBaseURL = "https://api.us.nylas.com/v3"

// Client defines the Nylas API operations.
type Client interface {
	ListFolders(ctx context.Context, grantID string) ([]Folder, error)
	ListMessages(ctx context.Context, grantID string, q MessageQuery) (*MessageList, error)
	GetMessage(ctx context.Context, grantID, messageID string) (*Message, error)
}

// Folder is a mailbox folder from GET /grants/{id}/folders.
type Folder struct {
	ID         string   `json:"id"`
	Name       string   `json:"name"`
	Attributes []string `json:"attributes"`
}

// MessageQuery selects a page of messages from GET /grants/{id}/messages.
type MessageQuery struct {
	FolderID      string
	Limit         int
	PageToken     string
	ReceivedAfter time.Time
}

// MessageList is one page of messages plus the cursor for the next page.
// An empty NextCursor means the listing is exhausted.
type MessageList struct {
	Messages   []Message `json:"data"`
	NextCursor string    `json:"next_cursor"`
}

// Participant is a named email address on a message envelope.
type Participant struct {
	Name  string `json:"name"`
	Email string `json:"email"`
}

// Message is a single email. List responses carry only the snippet; the body
// field is populated by GetMessage.
type Message struct {
	ID               string        `json:"id"`
	ThreadID         string        `json:"thread_id"`
	Subject          string        `json:"subject"`
	From             []Participant `json:"from"`
	To               []Participant `json:"to"`
	Date             int64         `json:"date"`
	Snippet          string        `json:"snippet"`
	Body             string        `json:"body"`
	Unread           bool          `json:"unread"`
	Folders          []string      `json:"folders"`
	ReplyToMessageID string        `json:"reply_to_message_id,omitempty"`
}

type folderListEnvelope struct {
	Data []Folder `json:"data"`
}

type messageEnvelope struct {
	Data Message `json:"data"`
}

// APIError is returned when Nylas responds with a non-2xx status.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("nylas: HTTP %d: %s", e.StatusCode, e.Body)
}

// IsQuotaError reports whether err is a rate-limit or plan-quota response.
// Callers stop the current batch on quota errors instead of failing the job.
func IsQuotaError(err error) bool {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	return apiErr.StatusCode == http.StatusTooManyRequests ||
		apiErr.StatusCode == http.StatusPaymentRequired
}

// Option configures the httpClient.
type Option func(*httpClient)

// WithBaseURL overrides the default base URL.
func WithBaseURL(url string) Option {
	return func(c *httpClient) {
		c.baseURL = url
	}
}

// WithHTTPClient sets a custom *http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *httpClient) {
		c.http = hc
	}
}

type httpClient struct {
	apiKey  string
	baseURL string
	http    *http.Client
}

// NewClient creates a new Nylas client.
func NewClient(apiKey string, opts ...Option) Client {
	c := &httpClient{
		apiKey:  apiKey,
		baseURL: defaultBaseURL,
		http: &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 20,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *httpClient) ListFolders(ctx context.Context, grantID string) ([]Folder, error) {
	var resp folderListEnvelope
	path := fmt.Sprintf("/grants/%s/folders", grantID)
	if err := c.get(ctx, path, nil, &resp); err != nil {
		return nil, eris.Wrap(err, "nylas: list folders")
	}
	return resp.Data, nil
}

func (c *httpClient) ListMessages(ctx context.Context, grantID string, q MessageQuery) (*MessageList, error) {
	params := url.Values{}
	if q.FolderID != "" {
		params.Set("in", q.FolderID)
	}
	if q.Limit > 0 {
		params.Set("limit", strconv.Itoa(q.Limit))
	}
	if q.PageToken != "" {
		params.Set("page_token", q.PageToken)
	}
	if !q.ReceivedAfter.IsZero() {
		params.Set("received_after", strconv.FormatInt(q.ReceivedAfter.Unix(), 10))
	}

	var resp MessageList
	path := fmt.Sprintf("/grants/%s/messages", grantID)
	if err := c.get(ctx, path, params, &resp); err != nil {
		return nil, eris.Wrap(err, "nylas: list messages")
	}
	return &resp, nil
}

func (c *httpClient) GetMessage(ctx context.Context, grantID, messageID string) (*Message, error) {
	var resp messageEnvelope
	path := fmt.Sprintf("/grants/%s/messages/%s", grantID, messageID)
	if err := c.get(ctx, path, nil, &resp); err != nil {
		return nil, eris.Wrap(err, fmt.Sprintf("nylas: get message %s", messageID))
	}
	return &resp.Data, nil
}

func (c *httpClient) get(ctx context.Context, path string, params url.Values, out any) error {
	u := c.baseURL + path
	if len(params) > 0 {
		u += "?" + params.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return eris.Wrap(err, "create request")
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	return c.do(req, out)
}

func (c *httpClient) do(req *http.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return eris.Wrap(err, "execute request")
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return eris.Wrap(err, "read response body")
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &APIError{
			StatusCode: resp.StatusCode,
			Body:       string(data),
		}
	}

	if err := json.Unmarshal(data, out); err != nil {
		return eris.Wrap(err, "decode response")
	}

	return nil
}
