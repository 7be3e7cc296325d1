package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	goeen_log "github.com/eencloud/goeen/log"
)

// TokenProvider fetches short-lived connection tokens the SDK binding
// needs to authenticate reader operations. Fetches are callback-style
// so the hardware layer is never blocked on the network.
type TokenProvider struct {
	endpoint string
	apiKey   string
	prefix   string
	httpc    *http.Client
	logger   *goeen_log.Logger
}

func NewTokenProvider(endpoint, apiKey, prefix string, timeout time.Duration, logger *goeen_log.Logger) *TokenProvider {
	return &TokenProvider{
		endpoint: endpoint,
		apiKey:   apiKey,
		prefix:   prefix,
		httpc:    &http.Client{Timeout: timeout},
		logger:   logger,
	}
}

// FetchToken retrieves a fresh connection token and validates its prefix
// before handing it out.
func (p *TokenProvider) FetchToken(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, nil)
	if err != nil {
		return "", fmt.Errorf("failed to build token request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+p.apiKey)

	resp, err := p.httpc.Do(req)
	if err != nil {
		return "", fmt.Errorf("token request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read token response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return "", parseAPIError(resp.StatusCode, data)
	}

	var payload struct {
		Secret string `json:"secret"`
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return "", fmt.Errorf("failed to decode token response: %w", err)
	}
	if payload.Secret == "" {
		return "", fmt.Errorf("token response carried no secret")
	}
	if p.prefix != "" && !strings.HasPrefix(payload.Secret, p.prefix) {
		return "", fmt.Errorf("token secret has unexpected prefix (want %q)", p.prefix)
	}

	p.logger.Debugf("Fetched connection token (%d bytes)", len(payload.Secret))
	return payload.Secret, nil
}

// FetchTokenAsync runs FetchToken on its own goroutine and delivers the
// result to the callback, matching the SDK binding's callback contract.
func (p *TokenProvider) FetchTokenAsync(ctx context.Context, callback func(secret string, err error)) {
	go func() {
		secret, err := p.FetchToken(ctx)
		callback(secret, err)
	}()
}
