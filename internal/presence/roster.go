// Package presence tracks the account directory and which accounts are
// currently online. The directory is fetched once from the HTTP API; the
// online set is replaced wholesale by every roster update from the server.
package presence

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/whisper/chatsync/internal/protocol"
)

// UsersPath is the roster endpoint relative to the API base URL.
const UsersPath = "/api/users"

// maxRosterBytes bounds the roster response body.
const maxRosterBytes = 8 << 20

// RosterConfig holds roster fetch settings.
type RosterConfig struct {
	BaseURL string        // http://localhost:5000
	Timeout time.Duration // whole-request timeout
}

// DefaultRosterConfig returns sensible defaults.
func DefaultRosterConfig() RosterConfig {
	return RosterConfig{
		BaseURL: "http://localhost:5000",
		Timeout: 10 * time.Second,
	}
}

// RosterClient fetches the account directory.
type RosterClient struct {
	config RosterConfig
	client *http.Client
}

// NewRosterClient creates a RosterClient. A nil httpClient uses one with the
// configured timeout.
func NewRosterClient(config RosterConfig, httpClient *http.Client) *RosterClient {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: config.Timeout}
	}
	return &RosterClient{config: config, client: httpClient}
}

// Fetch retrieves the directory. Entries without a non-empty string username
// are dropped.
func (c *RosterClient) Fetch(ctx context.Context) ([]protocol.Account, error) {
	url := strings.TrimRight(c.config.BaseURL, "/") + UsersPath
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("presence: build roster request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("presence: fetch roster: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("presence: fetch roster: unexpected status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxRosterBytes))
	if err != nil {
		return nil, fmt.Errorf("presence: read roster: %w", err)
	}
	return ParseRoster(body)
}

// ParseRoster decodes a JSON array of accounts, discarding entries whose
// username is missing, empty, or not a string.
func ParseRoster(body []byte) ([]protocol.Account, error) {
	var entries []json.RawMessage
	if err := json.Unmarshal(body, &entries); err != nil {
		return nil, fmt.Errorf("presence: decode roster: %w", err)
	}

	accounts := make([]protocol.Account, 0, len(entries))
	dropped := 0
	for _, raw := range entries {
		var fields map[string]json.RawMessage
		if err := json.Unmarshal(raw, &fields); err != nil {
			dropped++
			continue
		}
		username, ok := jsonString(fields["username"])
		if !ok || username == "" {
			dropped++
			continue
		}
		avatar, _ := jsonString(fields["avatar"])
		accounts = append(accounts, protocol.Account{Username: username, AvatarRef: avatar})
	}
	if dropped > 0 {
		log.Printf("[roster] dropped %d entries without a valid username", dropped)
	}
	return accounts, nil
}

func jsonString(raw json.RawMessage) (string, bool) {
	if len(raw) == 0 || raw[0] != '"' {
		return "", false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", false
	}
	return s, true
}
