// Package router delivers execution and interrupt requests to the sandbox
// owning an investigation thread. Addresses are resolved per call through
// the sandbox manager, so a sandbox replaced under the same thread is picked
// up transparently. Infrastructure failures (unreachable or broken sandbox)
// surface as SandboxUnavailableError; failures reported by the code running
// inside the sandbox surface as ExecutionError.
package router

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/inquestlabs/inquest/core"
	"github.com/inquestlabs/inquest/logging"
	"github.com/inquestlabs/inquest/sandbox"
)

// Options configures a Router.
type Options struct {
	HTTPClient *http.Client
	Timeout    time.Duration
	Logger     logging.Logger
}

// Router forwards requests to per-thread sandboxes. Safe for concurrent use.
type Router struct {
	manager *sandbox.Manager
	client  *http.Client
	logger  logging.Logger
}

// New creates a Router on top of the sandbox manager.
func New(manager *sandbox.Manager, optFns ...func(o *Options)) *Router {
	opts := Options{
		Timeout: 60 * time.Second,
		Logger:  logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: opts.Timeout}
	}
	return &Router{manager: manager, client: client, logger: opts.Logger}
}

// executeResponse is the wire shape sandboxes answer with.
type executeResponse struct {
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// Route ensures a sandbox for threadID and forwards payload to its execute
// endpoint, returning the decoded result.
func (r *Router) Route(ctx context.Context, threadID string, payload map[string]any) (map[string]any, error) {
	ref, err := r.manager.Ensure(ctx, threadID)
	if err != nil {
		return nil, err
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}

	r.logger.Debug("routing to sandbox", "thread", threadID, "sandbox", ref.Name, "address", ref.Address)
	resp, err := r.post(ctx, ref.Address+"/v1/execute", body)
	if err != nil {
		return nil, &core.SandboxUnavailableError{Thread: threadID, Reason: "execute request failed", Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &core.SandboxUnavailableError{Thread: threadID, Reason: "read execute response", Err: err}
	}
	if resp.StatusCode >= http.StatusInternalServerError {
		return nil, &core.SandboxUnavailableError{
			Thread: threadID,
			Reason: fmt.Sprintf("sandbox returned status %d", resp.StatusCode),
		}
	}

	var decoded executeResponse
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, &core.SandboxUnavailableError{Thread: threadID, Reason: "malformed execute response", Err: err}
	}
	if decoded.Error != "" {
		// The sandbox itself is fine; the code it ran failed.
		return nil, &core.ExecutionError{Agent: threadID, Err: fmt.Errorf("%s", decoded.Error)}
	}

	var result map[string]any
	if len(decoded.Result) > 0 {
		if err := json.Unmarshal(decoded.Result, &result); err != nil {
			return nil, &core.SandboxUnavailableError{Thread: threadID, Reason: "malformed execute result", Err: err}
		}
	}
	return result, nil
}

// Interrupt asks the thread's sandbox to stop its current execution. No
// sandbox is created for a thread that has none.
func (r *Router) Interrupt(ctx context.Context, threadID string) error {
	ref, err := r.manager.Resolve(ctx, threadID)
	if err != nil {
		return err
	}

	resp, err := r.post(ctx, ref.Address+"/v1/interrupt", []byte("{}"))
	if err != nil {
		return &core.SandboxUnavailableError{Thread: threadID, Reason: "interrupt request failed", Err: err}
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		return &core.SandboxUnavailableError{
			Thread: threadID,
			Reason: fmt.Sprintf("interrupt returned status %d", resp.StatusCode),
		}
	}
	r.logger.Info("interrupt delivered", "thread", threadID, "sandbox", ref.Name)
	return nil
}

func (r *Router) post(ctx context.Context, url string, body []byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	return r.client.Do(req)
}
