package nodeagent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/kubeadapt/kubeadapt-mesh/pkg/model"
)

// maxErrorBody bounds how much of a failed executor response is kept in the
// failure reason.
const maxErrorBody = 512

// Executor runs one assignment on this node and returns its result.
// Implementations must honour ctx cancellation, which signals revocation.
type Executor interface {
	Execute(ctx context.Context, a model.Assignment) (json.RawMessage, error)
}

// ExecutionRequest is the body the HTTP executor posts to the local server.
type ExecutionRequest struct {
	WorkID     string          `json:"work_id"`
	Attempt    int             `json:"attempt"`
	WorkType   string          `json:"work_type"`
	Model      string          `json:"model,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	GPUIndices []int           `json:"gpu_indices,omitempty"`
}

// HTTPExecutor posts assignments to a local inference server.
type HTTPExecutor struct {
	url        string
	httpClient *http.Client
}

// NewHTTPExecutor creates an executor posting to url with auth and logging
// middleware applied.
func NewHTTPExecutor(url, token string, timeout time.Duration) *HTTPExecutor {
	// Use an explicit transport instead of http.DefaultTransport to avoid
	// sharing mutable state with other code in the process.
	base := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		MaxIdleConns:          16,
		MaxIdleConnsPerHost:   16,
		IdleConnTimeout:       90 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
	return &HTTPExecutor{
		url: url,
		httpClient: &http.Client{
			Timeout:   timeout,
			Transport: WithLogging(slog.Default(), WithAuth(token, base)),
		},
	}
}

// Execute posts the assignment and returns the response body as the result.
func (e *HTTPExecutor) Execute(ctx context.Context, a model.Assignment) (json.RawMessage, error) {
	body, err := json.Marshal(ExecutionRequest{
		WorkID:     a.WorkID,
		Attempt:    a.Attempt,
		WorkType:   a.WorkType,
		Model:      a.Model,
		Payload:    a.Payload,
		GPUIndices: a.GPUIndices,
	})
	if err != nil {
		return nil, fmt.Errorf("executor: encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("executor: failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Work-ID", a.WorkID)

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("executor: HTTP request failed: %w", err)
	}
	return ParseResponse(resp)
}

// ParseResponse turns an executor response into a result or an error. A
// 2xx body that is not JSON is returned as a JSON string.
func ParseResponse(resp *http.Response) (json.RawMessage, error) {
	defer drainAndClose(resp.Body)

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("executor: reading response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		if len(data) > maxErrorBody {
			data = data[:maxErrorBody]
		}
		return nil, fmt.Errorf("executor: HTTP %d: %s", resp.StatusCode, bytes.TrimSpace(data))
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, nil
	}
	if json.Valid(data) {
		return json.RawMessage(data), nil
	}
	quoted, err := json.Marshal(string(data))
	if err != nil {
		return nil, fmt.Errorf("executor: encode result: %w", err)
	}
	return quoted, nil
}

// drainAndClose reads remaining body bytes and closes, preventing connection leaks.
func drainAndClose(body io.ReadCloser) {
	if body == nil {
		return
	}
	_, _ = io.Copy(io.Discard, body)
	body.Close()
}

// EchoExecutor returns the payload as the result. Used when no executor URL
// is configured so a node can join the mesh for testing.
type EchoExecutor struct{}

// Execute returns a.Payload.
func (EchoExecutor) Execute(ctx context.Context, a model.Assignment) (json.RawMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return a.Payload, nil
}
