// Package petitions is the client for the external petitions CRUD service.
// Petition content and storage live outside this repo; the billing side only
// needs to create the artifact once the token debit has gone through.
package petitions

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: 15 * time.Second,
		},
	}
}

type createResponse struct {
	ID string `json:"id"`
}

// CreatePetition creates a petition for the user and returns its id. A non-2xx
// response is an error so the caller's compensation logic can re-credit.
func (c *Client) CreatePetition(ctx context.Context, userID string, payload json.RawMessage) (string, error) {
	body := map[string]any{
		"user_id": userID,
	}
	if len(payload) > 0 {
		body["petition"] = payload
	}

	encoded, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("failed to encode petition payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/petitions", bytes.NewReader(encoded))
	if err != nil {
		return "", fmt.Errorf("failed to build petition request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("petition service unreachable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("petition service returned %d: %s", resp.StatusCode, string(snippet))
	}

	var created createResponse
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
		return "", fmt.Errorf("failed to decode petition response: %w", err)
	}
	if created.ID == "" {
		return "", fmt.Errorf("petition service returned no id")
	}

	return created.ID, nil
}
