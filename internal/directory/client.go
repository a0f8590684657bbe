// Package directory is the HTTP client for the external collaborator REST
// surface: contact list, unread counts, conversation history, read state.
package directory

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Contact is one entry of the contact directory.
type Contact struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
	Role        string `json:"role"`
}

// Message is one history entry of a peer-pair conversation.
type Message struct {
	Sender    string    `json:"sender"`
	Recipient string    `json:"recipient"`
	Content   string    `json:"content"`
	Read      bool      `json:"read"`
	Timestamp time.Time `json:"timestamp"`
}

// Client calls the directory service.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient builds a client for baseURL.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// Contacts fetches the contact directory.
func (c *Client) Contacts(ctx context.Context) ([]Contact, error) {
	var out []Contact
	if err := c.getJSON(ctx, "/api/contacts", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// UnreadCounts fetches the authoritative unread map for user.
func (c *Client) UnreadCounts(ctx context.Context, user string) (map[string]int, error) {
	q := url.Values{}
	q.Set("user", user)
	out := make(map[string]int)
	if err := c.getJSON(ctx, "/api/unread", q, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// History fetches the ordered message list of the user/peer conversation.
func (c *Client) History(ctx context.Context, user, peer string) ([]Message, error) {
	q := url.Values{}
	q.Set("user", user)
	q.Set("peer", peer)
	var out []Message
	if err := c.getJSON(ctx, "/api/history", q, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// MarkRead marks the user/peer conversation read. Idempotent on the server.
func (c *Client) MarkRead(ctx context.Context, user, peer string) error {
	body, err := json.Marshal(map[string]string{"user": user, "peer": peer})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/read", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusOK {
		return fmt.Errorf("directory: mark read: %d", resp.StatusCode)
	}
	return nil
}

func (c *Client) getJSON(ctx context.Context, path string, q url.Values, out any) error {
	u := c.baseURL + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("directory: %s: %d", path, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("directory: %s decode: %w", path, err)
	}
	return nil
}
