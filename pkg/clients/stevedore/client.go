package stevedore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/failsafe-go/failsafe-go"

	"spyglass/pkg/api/common"
	"spyglass/pkg/api/stevedore"
	"spyglass/pkg/cache"
	"spyglass/pkg/clients"
	"spyglass/pkg/logging"
)

// terminalStatusTTL bounds how long a ready/failed status poll is served
// from cache. Terminal statuses never regress, so this is generous.
const terminalStatusTTL = time.Hour

// Client represents a Stevedore upload API client
type Client struct {
	baseURL    string
	httpClient *http.Client
	executor   failsafe.Executor[*http.Response]
	logger     logging.Logger
	cache      *cache.Cache
}

// Config represents the configuration for the Stevedore client
type Config struct {
	BaseURL        string
	Timeout        time.Duration
	Logger         logging.Logger
	ExecutorConfig *clients.HTTPExecutorConfig
	Cache          *cache.Cache
}

// NewClient creates a new Stevedore API client
func NewClient(config Config) *Client {
	if config.Timeout == 0 {
		config.Timeout = 30 * time.Second
	}
	if config.Logger == nil {
		config.Logger = logging.NewNopLogger()
	}

	executorConfig := clients.DefaultHTTPExecutorConfig()
	if config.ExecutorConfig != nil {
		executorConfig = *config.ExecutorConfig
	}

	return &Client{
		baseURL: config.BaseURL,
		httpClient: &http.Client{
			Timeout:   config.Timeout,
			Transport: clients.DefaultTransport(),
		},
		executor: clients.NewHTTPExecutor(executorConfig),
		logger:   config.Logger,
		cache:    config.Cache,
	}
}

// SignUpload requests a presigned PUT URL and a session token for one
// upload. Never cached: every call mints a fresh upload id.
func (c *Client) SignUpload(ctx context.Context, req *stevedore.SignUploadRequest) (*stevedore.SignUploadResponse, error) {
	var resp stevedore.SignUploadResponse
	if err := c.do(ctx, http.MethodPost, "/api/v1/uploads", "", req, http.StatusCreated, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// GetUploadStatus polls the status of one upload. Terminal statuses are
// cached so repeated polls for a ready or failed upload stay local.
func (c *Client) GetUploadStatus(ctx context.Context, uploadID, token string) (*stevedore.UploadStatusResponse, error) {
	load := func() (*stevedore.UploadStatusResponse, error) {
		var resp stevedore.UploadStatusResponse
		if err := c.do(ctx, http.MethodGet, "/api/v1/uploads/"+uploadID, token, nil, http.StatusOK, &resp); err != nil {
			return nil, err
		}
		return &resp, nil
	}

	if c.cache == nil {
		return load()
	}

	key := "UploadStatus:" + uploadID
	if v, ok := c.cache.Peek(key); ok {
		if resp, ok := v.(*stevedore.UploadStatusResponse); ok {
			return resp, nil
		}
	}
	resp, err := load()
	if err != nil {
		return nil, err
	}
	if resp.Status == stevedore.StatusReady || resp.Status == stevedore.StatusFailed {
		c.cache.Set(key, resp, terminalStatusTTL)
	}
	return resp, nil
}

// CompleteUpload reports the client-side PUT as finished and asks
// Stevedore to verify the landed object.
func (c *Client) CompleteUpload(ctx context.Context, uploadID, token string, req *stevedore.CompleteUploadRequest) (*stevedore.UploadStatusResponse, error) {
	var resp stevedore.UploadStatusResponse
	if err := c.do(ctx, http.MethodPost, "/api/v1/uploads/"+uploadID+"/complete", token, req, http.StatusOK, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// do runs one JSON round trip through the failsafe executor and decodes
// either the expected response or the service's error envelope.
func (c *Client) do(ctx context.Context, method, path, token string, body interface{}, wantStatus int, out interface{}) error {
	var jsonBody []byte
	if body != nil {
		var err error
		jsonBody, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
	}

	// Each retry attempt gets a fresh request so the body is re-readable.
	resp, err := clients.ExecuteHTTP(ctx, c.executor, func() (*http.Response, error) {
		httpReq, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(jsonBody))
		if err != nil {
			return nil, err
		}
		if body != nil {
			httpReq.Header.Set("Content-Type", "application/json")
		}
		if token != "" {
			httpReq.Header.Set("Authorization", "Bearer "+token)
		}
		return c.httpClient.Do(httpReq)
	})
	if err != nil {
		return fmt.Errorf("failed to call Stevedore: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != wantStatus {
		var apiErr common.ErrorResponse
		if decodeErr := json.NewDecoder(resp.Body).Decode(&apiErr); decodeErr == nil && apiErr.Error != "" {
			return fmt.Errorf("stevedore returned %d: %s", resp.StatusCode, apiErr.Error)
		}
		return fmt.Errorf("stevedore returned %d", resp.StatusCode)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
