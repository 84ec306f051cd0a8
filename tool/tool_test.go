package tool

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inquestlabs/inquest/core"
)

func TestFunctionToolCall(t *testing.T) {
	sum := NewFunctionTool(
		"calculate_sum",
		"Calculate the sum of two numbers",
		map[string]any{
			"type": "object",
			"properties": map[string]any{
				"a": map[string]any{"type": "number"},
				"b": map[string]any{"type": "number"},
			},
			"required": []string{"a", "b"},
		},
		func(_ context.Context, args map[string]any) (any, error) {
			return args["a"].(float64) + args["b"].(float64), nil
		},
	)

	result, err := sum.Call(context.Background(), map[string]any{"a": 2.0, "b": 3.0})
	require.NoError(t, err)
	assert.Equal(t, 5.0, result)
}

func TestFunctionToolValidation(t *testing.T) {
	echo := NewFunctionTool(
		"echo", "Echo input",
		map[string]any{
			"type":       "object",
			"properties": map[string]any{"text": map[string]any{"type": "string"}},
			"required":   []string{"text"},
		},
		func(_ context.Context, args map[string]any) (any, error) { return args["text"], nil },
	)

	_, err := echo.Call(context.Background(), map[string]any{})
	var toolErr *Error
	require.ErrorAs(t, err, &toolErr)
	assert.Equal(t, "VALIDATION_ERROR", toolErr.Code)
}

func TestFunctionToolErrorWrapping(t *testing.T) {
	failing := NewFunctionTool("boom", "Always fails", map[string]any{"type": "object"},
		func(_ context.Context, _ map[string]any) (any, error) {
			return nil, errors.New("backend down")
		},
	)
	_, err := failing.Call(context.Background(), map[string]any{})
	var toolErr *Error
	require.ErrorAs(t, err, &toolErr)
	assert.Equal(t, "EXECUTION_ERROR", toolErr.Code)

	custom := NewFunctionTool("custom", "Custom code", map[string]any{"type": "object"},
		func(_ context.Context, _ map[string]any) (any, error) {
			return nil, NewError("custom", "rate limited", "RATE_LIMITED")
		},
	)
	_, err = custom.Call(context.Background(), map[string]any{})
	require.ErrorAs(t, err, &toolErr)
	assert.Equal(t, "RATE_LIMITED", toolErr.Code)
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	a := NewFunctionTool("query_logs", "Query logs", map[string]any{"type": "object"}, nil)
	b := NewFunctionTool("query_metrics", "Query metrics", map[string]any{"type": "object"}, nil)

	require.NoError(t, r.Register(a))
	require.NoError(t, r.Register(b))
	assert.Error(t, r.Register(a))

	got, ok := r.Get("query_logs")
	assert.True(t, ok)
	assert.Equal(t, "query_logs", got.Name())

	_, ok = r.Get("missing")
	assert.False(t, ok)

	assert.Equal(t, []string{"query_logs", "query_metrics"}, r.Names())
	assert.Equal(t, 2, r.Len())
}

func TestRemoteTool(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/tools/search_runbooks/invoke", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"result": {"matches": 3}}`))
	}))
	defer srv.Close()

	remote := NewRemoteTool("search_runbooks", "Search runbooks", map[string]any{"type": "object"}, srv.URL)
	result, err := remote.Call(context.Background(), map[string]any{"query": "disk full"})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"matches": float64(3)}, result)
}

func TestRemoteToolErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	remote := NewRemoteTool("flaky", "Flaky remote", map[string]any{"type": "object"}, srv.URL)
	_, err := remote.Call(context.Background(), map[string]any{})
	assert.True(t, core.IsTransient(err), "5xx from remote tool should be transient")

	appSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"error": "index not found"}`))
	}))
	defer appSrv.Close()

	remote = NewRemoteTool("search", "Search", map[string]any{"type": "object"}, appSrv.URL)
	_, err = remote.Call(context.Background(), map[string]any{})
	var toolErr *Error
	require.ErrorAs(t, err, &toolErr)
	assert.Equal(t, "EXECUTION_ERROR", toolErr.Code)
	assert.False(t, core.IsTransient(err))
}
