package tool

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/inquestlabs/inquest/core"
)

// RemoteTool proxies an externally hosted tool server as a local callable.
// The wire contract is POST <baseURL>/tools/<name>/invoke with a JSON
// argument object; the server answers {"result": ...} or {"error": "..."}.
// Connection-level failures are marked transient so the runner's retry
// policy applies to them.
type RemoteTool struct {
	name        string
	description string
	parameters  map[string]any
	baseURL     string
	client      *http.Client
}

// RemoteOptions configures a RemoteTool.
type RemoteOptions struct {
	Timeout    time.Duration
	HTTPClient *http.Client
}

// NewRemoteTool constructs a proxy for one tool hosted at baseURL.
func NewRemoteTool(name, description string, parameters map[string]any, baseURL string, optFns ...func(o *RemoteOptions)) *RemoteTool {
	opts := RemoteOptions{Timeout: 30 * time.Second}
	for _, fn := range optFns {
		fn(&opts)
	}
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: opts.Timeout}
	}
	return &RemoteTool{
		name:        name,
		description: description,
		parameters:  parameters,
		baseURL:     baseURL,
		client:      client,
	}
}

// Name returns the unique tool name.
func (t *RemoteTool) Name() string { return t.name }

// Description returns the description exposed to models.
func (t *RemoteTool) Description() string { return t.description }

// Parameters returns the schema describing expected arguments.
func (t *RemoteTool) Parameters() map[string]any { return t.parameters }

type remoteResponse struct {
	Result any    `json:"result"`
	Error  string `json:"error,omitempty"`
}

// Call forwards the invocation to the remote tool server.
func (t *RemoteTool) Call(ctx context.Context, args map[string]any) (any, error) {
	body, err := json.Marshal(args)
	if err != nil {
		return nil, &Error{Tool: t.name, Message: err.Error(), Code: "VALIDATION_ERROR"}
	}

	url := fmt.Sprintf("%s/tools/%s/invoke", t.baseURL, t.name)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, &Error{Tool: t.name, Message: err.Error(), Code: "EXECUTION_ERROR"}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, core.Transient(fmt.Errorf("remote tool %s: %w", t.name, err))
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, core.Transient(fmt.Errorf("remote tool %s read: %w", t.name, err))
	}

	if resp.StatusCode >= 500 {
		return nil, core.Transient(fmt.Errorf("remote tool %s: server returned %d", t.name, resp.StatusCode))
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &Error{
			Tool:    t.name,
			Message: fmt.Sprintf("server returned %d: %s", resp.StatusCode, string(raw)),
			Code:    "EXECUTION_ERROR",
		}
	}

	var decoded remoteResponse
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, &Error{Tool: t.name, Message: "malformed response: " + err.Error(), Code: "EXECUTION_ERROR"}
	}
	if decoded.Error != "" {
		return nil, &Error{Tool: t.name, Message: decoded.Error, Code: "EXECUTION_ERROR"}
	}
	return decoded.Result, nil
}
