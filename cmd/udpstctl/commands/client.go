// Package commands implements the udpstctl CLI commands.
package commands

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/dantte-lp/udpst/internal/server"
)

// errRequestFailed wraps a non-2xx response from the daemon's HTTP API.
var errRequestFailed = errors.New("request failed")

// apiClient is a thin net/http + encoding/json client for the udpstd
// control API (internal/server), replacing the teacher's generated
// ConnectRPC stub with plain REST calls against POST/GET/DELETE
// /v1/sessions.
type apiClient struct {
	httpClient *http.Client
	baseURL    string
}

func newAPIClient(addr string) *apiClient {
	return &apiClient{
		httpClient: http.DefaultClient,
		baseURL:    "http://" + addr,
	}
}

func (c *apiClient) StartSession(ctx context.Context, req server.StartSessionRequest) (server.SessionResponse, error) {
	var out server.SessionResponse
	body, err := json.Marshal(req)
	if err != nil {
		return out, fmt.Errorf("marshal start request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/sessions", strings.NewReader(string(body)))
	if err != nil {
		return out, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	if err := c.do(httpReq, &out); err != nil {
		return out, err
	}
	return out, nil
}

func (c *apiClient) ListSessions(ctx context.Context) ([]server.SessionResponse, error) {
	var out []server.SessionResponse
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/sessions", nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if err := c.do(httpReq, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *apiClient) GetSession(ctx context.Context, index int) (server.SessionResponse, error) {
	var out server.SessionResponse
	url := c.baseURL + "/v1/sessions/" + strconv.Itoa(index)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return out, fmt.Errorf("build request: %w", err)
	}
	if err := c.do(httpReq, &out); err != nil {
		return out, err
	}
	return out, nil
}

func (c *apiClient) StopSession(ctx context.Context, index int) error {
	url := c.baseURL + "/v1/sessions/" + strconv.Itoa(index)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodDelete, url, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	return c.do(httpReq, nil)
}

// Watch streams the ndjson event feed for index, invoking onEvent for each
// decoded line until ctx is canceled or the stream ends.
func (c *apiClient) Watch(ctx context.Context, index int, onEvent func(server.Event) error) error {
	url := c.baseURL + "/v1/sessions/" + strconv.Itoa(index) + "/events"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("watch events: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: status %d", errRequestFailed, resp.StatusCode)
	}

	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		var evt server.Event
		if err := json.Unmarshal(scanner.Bytes(), &evt); err != nil {
			return fmt.Errorf("decode event: %w", err)
		}
		if err := onEvent(evt); err != nil {
			return err
		}
	}
	return scanner.Err()
}

// do sends req, decodes a JSON error body on non-2xx status, and otherwise
// decodes the response into out (skipped when out is nil, e.g. DELETE).
func (c *apiClient) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var body struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&body)
		if body.Error != "" {
			return fmt.Errorf("%w: %s", errRequestFailed, body.Error)
		}
		return fmt.Errorf("%w: status %d", errRequestFailed, resp.StatusCode)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
