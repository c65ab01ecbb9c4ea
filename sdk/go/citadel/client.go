// Package citadel provides a thin Go client for the Citadel REST API.
package citadel

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"time"
)

// DefaultHTTPTimeout defines the timeout used by clients created without a
// custom http.Client. It is intentionally short to avoid hanging network calls.
const DefaultHTTPTimeout = 15 * time.Second

// Client wraps the HTTP interactions with the Citadel REST API.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
}

// HearingSubmission represents the payload required to open a hearing.
type HearingSubmission struct {
	UserID  string `json:"user_id"`
	Intent  string `json:"intent"`
	Execute bool   `json:"execute"`
}

// Hearing is the client-side view of a finished hearing record. Stage
// sections are kept as raw JSON so the SDK does not chase server internals.
type Hearing struct {
	ID           string          `json:"id"`
	CreatedAt    time.Time       `json:"created_at"`
	UserID       string          `json:"user_id"`
	Intent       string          `json:"intent"`
	FinalVerdict string          `json:"final_verdict"`
	FinalReason  string          `json:"final_reason"`
	Perception   json.RawMessage `json:"perception,omitempty"`
	Memory       json.RawMessage `json:"memory,omitempty"`
	Risk         json.RawMessage `json:"risk,omitempty"`
	Strategy     json.RawMessage `json:"strategy,omitempty"`
	Execution    json.RawMessage `json:"execution,omitempty"`
}

// Wallet is the public view of a managed wallet.
type Wallet struct {
	UserID   string `json:"user_id"`
	Address  string `json:"address"`
	Index    uint32 `json:"index"`
	Tier     string `json:"tier"`
	Status   string `json:"status"`
	Required int    `json:"required_signatures"`
	Total    int    `json:"total_signers"`
}

// APIError represents server side validation or internal errors.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("citadel api error (%d): %s", e.StatusCode, e.Message)
}

// NewClient instantiates a client for the Citadel API. When httpClient is
// nil, a default client with a sensible timeout is used.
func NewClient(rawURL string, httpClient *http.Client) (*Client, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return &Client{baseURL: parsed, httpClient: httpClient}, nil
}

// Conduct submits an intent and returns the finished hearing record.
// Set submission.Execute to false for a dry run that stops after strategy.
func (c *Client) Conduct(ctx context.Context, submission HearingSubmission) (Hearing, error) {
	var hearing Hearing
	if err := c.post(ctx, "/api/v1/hearings", submission, &hearing); err != nil {
		return Hearing{}, err
	}
	return hearing, nil
}

// GetHearing fetches a single hearing record by identifier.
func (c *Client) GetHearing(ctx context.Context, id string) (Hearing, error) {
	var hearing Hearing
	if err := c.get(ctx, "/api/v1/hearings/"+url.PathEscape(id), &hearing); err != nil {
		return Hearing{}, err
	}
	return hearing, nil
}

// ListHearings fetches recent hearing records, newest first. An empty
// userID lists across all users.
func (c *Client) ListHearings(ctx context.Context, userID string, limit int) ([]Hearing, error) {
	query := url.Values{}
	if userID != "" {
		query.Set("user_id", userID)
	}
	if limit > 0 {
		query.Set("limit", strconv.Itoa(limit))
	}
	endpoint := "/api/v1/hearings"
	if encoded := query.Encode(); encoded != "" {
		endpoint += "?" + encoded
	}

	var hearings []Hearing
	if err := c.get(ctx, endpoint, &hearings); err != nil {
		return nil, err
	}
	return hearings, nil
}

// ListWallets fetches the public wallet directory.
func (c *Client) ListWallets(ctx context.Context) ([]Wallet, error) {
	var wallets []Wallet
	if err := c.get(ctx, "/api/v1/wallets", &wallets); err != nil {
		return nil, err
	}
	return wallets, nil
}

func (c *Client) post(ctx context.Context, endpoint string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	req, err := c.newRequest(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) get(ctx context.Context, endpoint string, out any) error {
	req, err := c.newRequest(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) newRequest(ctx context.Context, method, endpoint string, body io.Reader) (*http.Request, error) {
	parsed, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid endpoint: %w", err)
	}
	rel := &url.URL{Path: path.Join(c.baseURL.Path, parsed.Path), RawQuery: parsed.RawQuery}
	u := c.baseURL.ResolveReference(rel)
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	return req, nil
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		data, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
		if err != nil {
			return fmt.Errorf("read error response: %w", err)
		}
		return &APIError{
			StatusCode: resp.StatusCode,
			Message:    string(bytes.TrimSpace(data)),
		}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
