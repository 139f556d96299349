package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"

	"github.com/wei/elevenlabs-packages-sub002/internal/httputil"
)

var ErrCredentials = errors.New("transport: credential request failed")

const (
	signedURLPath = "/v1/convai/conversation/get-signed-url"
	tokenPath     = "/v1/convai/conversation/token"
)

// FetchSignedURL exchanges an API key for a signed socket URL of a private
// agent.
func FetchSignedURL(ctx context.Context, cfg Config) (string, error) {
	var body struct {
		SignedURL string `json:"signed_url"`
	}
	if err := fetchCredential(ctx, cfg, signedURLPath, &body); err != nil {
		return "", err
	}
	if body.SignedURL == "" {
		return "", fmt.Errorf("%w: response has no signed_url", ErrCredentials)
	}
	return body.SignedURL, nil
}

// FetchConversationToken exchanges an API key for a peer conversation token.
func FetchConversationToken(ctx context.Context, cfg Config) (string, error) {
	var body struct {
		Token string `json:"token"`
	}
	if err := fetchCredential(ctx, cfg, tokenPath, &body); err != nil {
		return "", err
	}
	if body.Token == "" {
		return "", fmt.Errorf("%w: response has no token", ErrCredentials)
	}
	return body.Token, nil
}

func fetchCredential(ctx context.Context, cfg Config, path string, out any) error {
	if cfg.AgentID == "" {
		return fmt.Errorf("%w: agent id required", ErrCredentials)
	}

	endpoint := cfg.apiOrigin() + path + "?agent_id=" + url.QueryEscape(cfg.AgentID)
	if cfg.Source != "" {
		endpoint += "&source=" + url.QueryEscape(cfg.Source)
	}
	if cfg.Version != "" {
		endpoint += "&version=" + url.QueryEscape(cfg.Version)
	}

	headers := http.Header{}
	if cfg.APIKey != "" {
		headers.Set("xi-api-key", cfg.APIKey)
	}

	resp, err := httputil.Fetch(ctx, cfg.httpClient(), httputil.Request{
		Method:  http.MethodGet,
		URL:     endpoint,
		Header:  headers,
		MaxBody: 64 * 1024,
	}, httputil.Idempotent)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrCredentials, err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: status %d: %s", ErrCredentials, resp.StatusCode, resp.Text())
	}
	data := resp.Body
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("%w: decode body: %w", ErrCredentials, err)
	}
	return nil
}
