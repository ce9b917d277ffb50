package nodeagent

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kubeadapt/kubeadapt-mesh/pkg/model"
)

func testAssignment() model.Assignment {
	return model.Assignment{
		WorkID:     "w-1",
		Attempt:    2,
		WorkType:   "inference",
		Model:      "llama-3-8b",
		Payload:    json.RawMessage(`{"prompt":"hi"}`),
		GPUIndices: []int{0, 1},
	}
}

func TestWithAuth_SetsBearer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got := r.Header.Get("Authorization")
		if got != "Bearer test-token-xyz" {
			t.Errorf("expected Authorization 'Bearer test-token-xyz', got %q", got)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	client := &http.Client{
		Transport: WithAuth("test-token-xyz", http.DefaultTransport),
	}
	resp, err := client.Get(srv.URL)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	resp.Body.Close()
}

func TestWithAuth_EmptyTokenPassesThrough(t *testing.T) {
	assert.Same(t, http.DefaultTransport, WithAuth("", http.DefaultTransport))
}

func TestHTTPExecutor_PostsAssignment(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		assert.Equal(t, "w-1", r.Header.Get("X-Work-ID"))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		var req ExecutionRequest
		if !assert.NoError(t, json.NewDecoder(r.Body).Decode(&req)) {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		assert.Equal(t, 2, req.Attempt)
		assert.Equal(t, "llama-3-8b", req.Model)
		assert.Equal(t, []int{0, 1}, req.GPUIndices)
		assert.JSONEq(t, `{"prompt":"hi"}`, string(req.Payload))

		_, _ = w.Write([]byte(`{"text":"hello"}`))
	}))
	defer srv.Close()

	exec := NewHTTPExecutor(srv.URL, "secret", 5*time.Second)
	result, err := exec.Execute(context.Background(), testAssignment())
	require.NoError(t, err)
	assert.JSONEq(t, `{"text":"hello"}`, string(result))
}

func TestHTTPExecutor_CancelledContext(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := NewHTTPExecutor(srv.URL, "", 5*time.Second).Execute(ctx, testAssignment())
		done <- err
	}()
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("Execute did not return after cancel")
	}
}

func TestParseResponse(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		want    string
		wantErr string
	}{
		{name: "json object", status: 200, body: `{"ok":true}`, want: `{"ok":true}`},
		{name: "plain text quoted", status: 200, body: "four", want: `"four"`},
		{name: "empty body", status: 204, body: "  "},
		{name: "server error", status: 500, body: "CUDA out of memory\n", wantErr: "executor: HTTP 500: CUDA out of memory"},
		{name: "long error truncated", status: 502, body: strings.Repeat("x", 2000), wantErr: "executor: HTTP 502: " + strings.Repeat("x", maxErrorBody)},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			resp := &http.Response{StatusCode: tc.status, Body: io.NopCloser(strings.NewReader(tc.body))}
			got, err := ParseResponse(resp)
			if tc.wantErr != "" {
				require.Error(t, err)
				assert.Equal(t, tc.wantErr, err.Error())
				return
			}
			require.NoError(t, err)
			if tc.want == "" {
				assert.Nil(t, got)
				return
			}
			assert.JSONEq(t, tc.want, string(got))
		})
	}
}

func TestEchoExecutor(t *testing.T) {
	a := testAssignment()
	got, err := EchoExecutor{}.Execute(context.Background(), a)
	require.NoError(t, err)
	assert.Equal(t, a.Payload, got)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = EchoExecutor{}.Execute(ctx, a)
	assert.ErrorIs(t, err, context.Canceled)
}
