package router

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inquestlabs/inquest/core"
	"github.com/inquestlabs/inquest/sandbox"
)

func newRouterWith(t *testing.T, handler http.Handler) (*Router, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	local := sandbox.NewLocalCluster(func(o *sandbox.LocalOptions) {
		o.AddressFunc = func(string) string { return srv.URL }
	})
	t.Cleanup(local.Close)

	manager := sandbox.NewManager(local, func(o *sandbox.ManagerOptions) {
		o.PollInterval = 2 * time.Millisecond
		o.CreateTimeout = time.Second
	})
	return New(manager), srv
}

func TestRouteDeliversPayload(t *testing.T) {
	var gotPath atomic.Value
	r, _ := newRouterWith(t, http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		gotPath.Store(req.URL.Path)
		var payload map[string]any
		require.NoError(t, json.NewDecoder(req.Body).Decode(&payload))
		assert.Equal(t, "df -h", payload["command"])
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"result": {"stdout": "ok"}}`))
	}))

	result, err := r.Route(context.Background(), "abc", map[string]any{"command": "df -h"})
	require.NoError(t, err)
	assert.Equal(t, "/v1/execute", gotPath.Load())
	assert.Equal(t, "ok", result["stdout"])
}

func TestRouteApplicationError(t *testing.T) {
	r, _ := newRouterWith(t, http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		_, _ = w.Write([]byte(`{"error": "command exited with status 2"}`))
	}))

	_, err := r.Route(context.Background(), "abc", map[string]any{"command": "bad"})
	require.Error(t, err)
	assert.Equal(t, core.KindExecution, core.KindOf(err), "sandbox-internal failures are execution errors")
	assert.Contains(t, err.Error(), "status 2")
}

func TestRouteInfrastructureError(t *testing.T) {
	r, _ := newRouterWith(t, http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))

	_, err := r.Route(context.Background(), "abc", nil)
	require.Error(t, err)
	assert.Equal(t, core.KindSandboxUnavailable, core.KindOf(err))
}

func TestRouteUnreachableSandbox(t *testing.T) {
	r, srv := newRouterWith(t, http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {}))
	srv.Close()

	_, err := r.Route(context.Background(), "abc", nil)
	require.Error(t, err)
	assert.Equal(t, core.KindSandboxUnavailable, core.KindOf(err))
}

func TestInterrupt(t *testing.T) {
	var interrupted atomic.Bool
	r, _ := newRouterWith(t, http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if req.URL.Path == "/v1/interrupt" {
			interrupted.Store(true)
			w.WriteHeader(http.StatusAccepted)
			return
		}
		_, _ = w.Write([]byte(`{"result": {}}`))
	}))

	// A thread without a sandbox cannot be interrupted.
	err := r.Interrupt(context.Background(), "abc")
	require.Error(t, err)
	assert.Equal(t, core.KindSandboxUnavailable, core.KindOf(err))

	_, err = r.Route(context.Background(), "abc", map[string]any{"command": "sleep 60"})
	require.NoError(t, err)

	require.NoError(t, r.Interrupt(context.Background(), "abc"))
	assert.True(t, interrupted.Load())
}
