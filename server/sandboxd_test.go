package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inquestlabs/inquest/agent"
	"github.com/inquestlabs/inquest/config"
	"github.com/inquestlabs/inquest/core"
	"github.com/inquestlabs/inquest/model"
	"github.com/inquestlabs/inquest/runner"
	"github.com/inquestlabs/inquest/session"
	"github.com/inquestlabs/inquest/tool"
)

func sandboxdPost(t *testing.T, url string, body any) (*http.Response, map[string]any) {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(raw))
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })

	var decoded map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&decoded))
	return resp, decoded
}

func TestSandboxdExecute(t *testing.T) {
	d := NewSandboxd(func(o *SandboxdOptions) {
		o.Executor = func(_ context.Context, payload map[string]any) (map[string]any, error) {
			return map[string]any{"echo": payload["command"]}, nil
		}
	})
	srv := httptest.NewServer(d.Handler())
	defer srv.Close()

	resp, body := sandboxdPost(t, srv.URL+"/v1/execute", map[string]any{"command": "df -h"})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	result, ok := body["result"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "df -h", result["echo"])
}

func TestSandboxdExecuteError(t *testing.T) {
	d := NewSandboxd(func(o *SandboxdOptions) {
		o.Executor = func(context.Context, map[string]any) (map[string]any, error) {
			return nil, errExecute("command exited with status 2")
		}
	})
	srv := httptest.NewServer(d.Handler())
	defer srv.Close()

	resp, body := sandboxdPost(t, srv.URL+"/v1/execute", map[string]any{"command": "bad"})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "command exited with status 2", body["error"])
}

func TestSandboxdInterruptCancelsExecution(t *testing.T) {
	d := NewSandboxd(func(o *SandboxdOptions) {
		o.Executor = func(ctx context.Context, _ map[string]any) (map[string]any, error) {
			<-ctx.Done()
			return nil, errExecute("command interrupted")
		}
	})
	srv := httptest.NewServer(d.Handler())
	defer srv.Close()

	done := make(chan map[string]any, 1)
	go func() {
		_, body := sandboxdPost(t, srv.URL+"/v1/execute", map[string]any{"command": "sleep 600"})
		done <- body
	}()

	var body map[string]any
	require.Eventually(t, func() bool {
		resp, _ := sandboxdPost(t, srv.URL+"/v1/interrupt", map[string]any{})
		assert.Equal(t, http.StatusAccepted, resp.StatusCode)
		select {
		case body = <-done:
			return true
		default:
			return false
		}
	}, 2*time.Second, 10*time.Millisecond)

	assert.Equal(t, "command interrupted", body["error"])
}

func TestSandboxdHealth(t *testing.T) {
	d := NewSandboxd()
	srv := httptest.NewServer(d.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/v1/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func testRunnerFactory(t *testing.T, llm model.Model) RunnerFactory {
	t.Helper()
	return func(_ context.Context, agentName string) (*runner.Runner, error) {
		cfg, err := config.Resolve(config.Document{"agents": map[string]any{agentName: map[string]any{}}})
		if err != nil {
			return nil, err
		}
		a, err := agent.NewBuilder(tool.NewRegistry(), func(config.ModelParams) (model.Model, error) {
			return llm, nil
		}).Build(agentName, cfg)
		if err != nil {
			return nil, err
		}
		return runner.New(a), nil
	}
}

func TestSessionHostExecutesTurns(t *testing.T) {
	llm := model.NewMockModel("mock", "mock")
	llm.AddResponse("what broke?", "db-3 is out of disk")
	llm.AddResponse("since when?", "since 03:12 UTC")
	sessions := session.NewManager()
	defer sessions.Close()
	host := NewSessionHost(sessions, testRunnerFactory(t, llm))

	result, err := host.Execute(context.Background(), map[string]any{
		"thread": "t1", "agent": "investigator", "input": "what broke?",
	})
	require.NoError(t, err)
	out, ok := result["output"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "db-3 is out of disk", out["text"])
	assert.Equal(t, true, out["success"])
	assert.NotEmpty(t, result["events"], "the turn's events must travel back with the output")

	// The second turn lands in the same session; history stays in this
	// process, not in the gateway.
	result, err = host.Execute(context.Background(), map[string]any{
		"thread": "t1", "agent": "investigator", "input": "since when?",
	})
	require.NoError(t, err)
	out, ok = result["output"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "since 03:12 UTC", out["text"])
	assert.Equal(t, 1, sessions.Len())

	sess, ok := sessions.Get("t1")
	require.True(t, ok)
	assert.Len(t, sess.History(), 4)
}

func TestSessionHostRejectsAgentMismatch(t *testing.T) {
	llm := model.NewMockModel("mock", "mock")
	llm.AddResponse("hi", "ok")
	sessions := session.NewManager()
	defer sessions.Close()
	host := NewSessionHost(sessions, testRunnerFactory(t, llm))

	_, err := host.Execute(context.Background(), map[string]any{
		"thread": "t1", "agent": "investigator", "input": "hi",
	})
	require.NoError(t, err)

	result, err := host.Execute(context.Background(), map[string]any{
		"thread": "t1", "agent": "other", "input": "hi",
	})
	require.NoError(t, err)
	assert.Equal(t, string(core.KindConfig), result["kind"])
	assert.Contains(t, result["error"], "bound to agent")
}

func TestSessionHostRejectsBadPayload(t *testing.T) {
	sessions := session.NewManager()
	defer sessions.Close()
	host := NewSessionHost(sessions, testRunnerFactory(t, model.NewMockModel("mock", "mock")))

	_, err := host.Execute(context.Background(), map[string]any{"thread": "t1"})
	assert.Error(t, err)
}

func TestSessionHostInterruptPreservesHistory(t *testing.T) {
	llm := &releaseModel{
		MockModel: model.NewMockModel("mock", "mock"),
		release:   make(chan struct{}),
		trigger:   "long question",
	}
	sessions := session.NewManager()
	defer sessions.Close()
	host := NewSessionHost(sessions, testRunnerFactory(t, llm))

	done := make(chan map[string]any, 1)
	go func() {
		result, _ := host.Execute(context.Background(), map[string]any{
			"thread": "t1", "agent": "investigator", "input": "long question",
		})
		done <- result
	}()

	// Interrupting before the turn starts is a no-op; keep poking until one
	// lands mid-flight.
	var result map[string]any
	require.Eventually(t, func() bool {
		_, err := host.Interrupt(context.Background())
		assert.NoError(t, err)
		select {
		case result = <-done:
			return true
		default:
			return false
		}
	}, 2*time.Second, 10*time.Millisecond)

	require.NotNil(t, result)
	assert.Contains(t, result["error"], "interrupted")

	sess, ok := sessions.Get("t1")
	require.True(t, ok)
	history := sess.History()
	require.NotEmpty(t, history, "the interrupted input must survive in history")
	assert.Equal(t, "long question", history[0].Text())
}

func TestCommandExecutor(t *testing.T) {
	result, err := CommandExecutor(context.Background(), map[string]any{"command": "echo hello"})
	require.NoError(t, err)
	assert.Equal(t, "hello\n", result["output"])
	assert.Equal(t, 0, result["exit_code"])

	_, err = CommandExecutor(context.Background(), map[string]any{})
	assert.Error(t, err)

	result, err = CommandExecutor(context.Background(), map[string]any{"command": "exit 3"})
	require.NoError(t, err)
	assert.Equal(t, 3, result["exit_code"])
}
