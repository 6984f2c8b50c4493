// Package apps holds the external collaborator clients: the app directory
// that vouches for app identifiers and the price book that fixes per-action
// costs. Both are advisory; the ledger never blocks on them being deployed.
package apps

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/starfall-labs/dust-ledger/pkg/dust"
)

const defaultRequestTimeout = 5 * time.Second

// ClientConfig configures an HTTP collaborator client.
type ClientConfig struct {
	BaseURL string
	Timeout time.Duration
}

// DirectoryClient resolves app validity over HTTP.
type DirectoryClient struct {
	baseURL    string
	httpClient *http.Client
}

// NewDirectoryClient returns a dust.AppDirectory backed by the directory
// service at cfg.BaseURL.
func NewDirectoryClient(cfg ClientConfig) *DirectoryClient {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}
	return &DirectoryClient{
		baseURL:    cfg.BaseURL,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Lookup fetches the directory's verdict on an app id. An unknown app is
// a valid response, not an error; transport failures are errors so the
// caller can distinguish "no" from "unreachable".
func (client *DirectoryClient) Lookup(ctx context.Context, appID dust.AppID) (dust.AppStatus, error) {
	endpoint := client.baseURL + "/apps/" + url.PathEscape(appID.String())
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return dust.AppStatus{}, fmt.Errorf("create request: %w", err)
	}
	response, err := client.httpClient.Do(request)
	if err != nil {
		return dust.AppStatus{}, fmt.Errorf("send request: %w", err)
	}
	defer response.Body.Close()

	if response.StatusCode == http.StatusNotFound {
		return dust.AppStatus{IsValid: false}, nil
	}
	if response.StatusCode != http.StatusOK {
		return dust.AppStatus{}, fmt.Errorf("request failed: %s", response.Status)
	}
	var body struct {
		IsValid  bool `json:"is_valid"`
		IsActive bool `json:"is_active"`
	}
	if err := json.NewDecoder(response.Body).Decode(&body); err != nil {
		return dust.AppStatus{}, fmt.Errorf("decode response: %w", err)
	}
	return dust.AppStatus{IsValid: body.IsValid, IsActive: body.IsActive}, nil
}

// PriceClient resolves per-action prices over HTTP.
type PriceClient struct {
	baseURL    string
	httpClient *http.Client
}

// NewPriceClient returns a dust.PriceBook backed by the pricing service at
// cfg.BaseURL.
func NewPriceClient(cfg ClientConfig) *PriceClient {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}
	return &PriceClient{
		baseURL:    cfg.BaseURL,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Price fetches the fixed cost for an (app, action) pair. ok=false means
// the action has no pricing data and the caller-supplied amount stands.
func (client *PriceClient) Price(ctx context.Context, appID dust.AppID, action string) (dust.Amount, bool, error) {
	endpoint := client.baseURL + "/pricing/" + url.PathEscape(appID.String()) + "/" + url.PathEscape(action)
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return 0, false, fmt.Errorf("create request: %w", err)
	}
	response, err := client.httpClient.Do(request)
	if err != nil {
		return 0, false, fmt.Errorf("send request: %w", err)
	}
	defer response.Body.Close()

	if response.StatusCode == http.StatusNotFound {
		return 0, false, nil
	}
	if response.StatusCode != http.StatusOK {
		return 0, false, fmt.Errorf("request failed: %s", response.Status)
	}
	var body struct {
		Amount int64 `json:"amount"`
	}
	if err := json.NewDecoder(response.Body).Decode(&body); err != nil {
		return 0, false, fmt.Errorf("decode response: %w", err)
	}
	return dust.Amount(body.Amount), true, nil
}
