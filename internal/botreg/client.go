// Package botreg looks up bot identity from an external registry service at
// connection start. The lookup is best-effort enrichment: a missing or slow
// registry never delays or fails the session.
package botreg

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"
)

// lookupTimeout bounds one registry query.
const lookupTimeout = 3 * time.Second

// BotInfo is the registry's answer for one connection.
type BotInfo struct {
	BotID   string `json:"bot_id"`
	BotName string `json:"bot_name"`
}

// Client queries the bot registry. A nil client disables lookup.
type Client struct {
	baseURL string
	client  *http.Client
}

// NewClient creates a registry client. Returns nil when the URL is empty.
func NewClient(baseURL string) *Client {
	if baseURL == "" {
		return nil
	}
	return &Client{
		baseURL: baseURL,
		client:  &http.Client{Timeout: lookupTimeout},
	}
}

// Lookup fetches the bot identity for a connection. Safe to call on a nil
// client: it returns an empty BotInfo without error.
func (c *Client) Lookup(ctx context.Context, connectionID string) (BotInfo, error) {
	if c == nil {
		return BotInfo{}, nil
	}
	ctx, cancel := context.WithTimeout(ctx, lookupTimeout)
	defer cancel()

	u := c.baseURL + "/bots/" + url.PathEscape(connectionID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return BotInfo{}, err
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return BotInfo{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return BotInfo{}, nil
	}
	if resp.StatusCode != http.StatusOK {
		return BotInfo{}, fmt.Errorf("botreg: registry returned %d", resp.StatusCode)
	}

	var info BotInfo
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return BotInfo{}, fmt.Errorf("botreg: decode: %w", err)
	}
	return info, nil
}
