// Package server exposes the platform's HTTP surface: the gateway API the
// investigation UI and automations call, and the sandboxd daemon that runs
// inside each sandbox. Failures map onto status codes through the stable
// error taxonomy, never through message sniffing.
package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"github.com/inquestlabs/inquest/core"
	"github.com/inquestlabs/inquest/logging"
	"github.com/inquestlabs/inquest/registry"
	"github.com/inquestlabs/inquest/router"
	"github.com/inquestlabs/inquest/runner"
	"github.com/inquestlabs/inquest/session"
)

// TenantHeader carries the caller's tenant identifier.
const TenantHeader = "X-Tenant-ID"

// DefaultTenant is assumed when no tenant header is sent.
const DefaultTenant = "default"

// GatewayOptions configures the Gateway.
type GatewayOptions struct {
	Logger logging.Logger
	// Gatherer backs the /metrics endpoint.
	Gatherer prometheus.Gatherer
	// RateLimit and RateBurst bound each tenant's request rate.
	RateLimit rate.Limit
	RateBurst int
	// Router, when set, sends investigate and interrupt requests to the
	// thread's sandbox, where sandboxd hosts the session. Without one the
	// gateway hosts sessions in-process (no-cluster mode).
	Router *router.Router
}

// Gateway is the public HTTP API of the execution layer.
type Gateway struct {
	registry *registry.Registry
	sessions *session.Manager
	opts     GatewayOptions

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewGateway creates a Gateway serving runs through reg and interactive
// investigations through sessions.
func NewGateway(reg *registry.Registry, sessions *session.Manager, optFns ...func(o *GatewayOptions)) *Gateway {
	opts := GatewayOptions{
		Logger:    logging.NoOpLogger{},
		Gatherer:  prometheus.DefaultGatherer,
		RateLimit: rate.Limit(10),
		RateBurst: 20,
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Gateway{
		registry: reg,
		sessions: sessions,
		opts:     opts,
		limiters: make(map[string]*rate.Limiter),
	}
}

// Handler returns the routed HTTP handler.
func (g *Gateway) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /agents/{agent}/run", g.handleRun)
	mux.HandleFunc("POST /threads/{thread}/investigate", g.handleInvestigate)
	mux.HandleFunc("POST /threads/{thread}/interrupt", g.handleInterrupt)
	mux.HandleFunc("GET /healthz", g.handleHealth)
	mux.Handle("GET /metrics", promhttp.HandlerFor(g.opts.Gatherer, promhttp.HandlerOpts{}))
	return mux
}

type runRequest struct {
	Input string         `json:"input"`
	Vars  map[string]any `json:"vars,omitempty"`
}

type investigateRequest struct {
	Agent string         `json:"agent"`
	Input string         `json:"input"`
	Vars  map[string]any `json:"vars,omitempty"`
}

type errorBody struct {
	Error struct {
		Kind    string `json:"kind"`
		Message string `json:"message"`
	} `json:"error"`
}

// handleRun executes one stateless agent run and returns the full output.
func (g *Gateway) handleRun(w http.ResponseWriter, r *http.Request) {
	tenant := tenantOf(r)
	if !g.allow(tenant) {
		writeJSONError(w, http.StatusTooManyRequests, "rate_limited", "tenant request rate exceeded")
		return
	}

	var req runRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Input == "" {
		writeJSONError(w, http.StatusBadRequest, "bad_request", "body must be JSON with a non-empty input")
		return
	}

	agentName := r.PathValue("agent")
	run, err := g.registry.GetRunner(r.Context(), agentName, tenant)
	if err != nil {
		g.writeError(w, err)
		return
	}

	out, err := run.Run(r.Context(), req.Input, func(o *runner.RunOptions) {
		o.Vars = req.Vars
	})
	if err != nil {
		g.writeErrorOutput(w, out, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

// handleInvestigate executes a turn of an interactive session, streaming
// events as NDJSON followed by a terminal output line.
func (g *Gateway) handleInvestigate(w http.ResponseWriter, r *http.Request) {
	tenant := tenantOf(r)
	if !g.allow(tenant) {
		writeJSONError(w, http.StatusTooManyRequests, "rate_limited", "tenant request rate exceeded")
		return
	}

	var req investigateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Input == "" || req.Agent == "" {
		writeJSONError(w, http.StatusBadRequest, "bad_request", "body must be JSON with agent and input")
		return
	}

	threadID := r.PathValue("thread")
	if g.opts.Router != nil {
		g.investigateRouted(w, r, threadID, req)
		return
	}

	sess, err := g.sessions.GetOrCreate(threadID, func() (*runner.Runner, error) {
		return g.registry.GetRunner(r.Context(), req.Agent, tenant)
	})
	if err != nil {
		g.writeError(w, err)
		return
	}
	if sess.Agent() != req.Agent {
		g.writeError(w, core.NewConfigError(req.Agent,
			"thread %q is bound to agent %q", threadID, sess.Agent()))
		return
	}

	// Busy sessions are rejected before the stream starts so the caller
	// gets a clean 409 instead of a broken stream.
	if sess.State() == session.StateRunning {
		g.writeError(w, &core.SessionBusyError{Thread: threadID})
		return
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher, _ := w.(http.Flusher)

	enc := json.NewEncoder(w)
	emit := func(e core.Event) {
		if err := enc.Encode(streamLine{Type: "event", Event: &e}); err != nil {
			return
		}
		if flusher != nil {
			flusher.Flush()
		}
	}

	out, err := sess.Execute(r.Context(), req.Input, emit)
	line := streamLine{Type: "output", Output: &out}
	if err != nil {
		line.Type = "error"
		line.Error = err.Error()
		line.Kind = string(core.KindOf(err))
	}
	_ = enc.Encode(line)
	if flusher != nil {
		flusher.Flush()
	}
}

// streamLine is one NDJSON line of an investigate stream.
type streamLine struct {
	Type   string       `json:"type"` // "event", "output" or "error"
	Event  *core.Event  `json:"event,omitempty"`
	Output *core.Output `json:"output,omitempty"`
	Error  string       `json:"error,omitempty"`
	Kind   string       `json:"kind,omitempty"`
}

// rawStreamLine replays an event already serialized by the sandbox.
type rawStreamLine struct {
	Type  string          `json:"type"`
	Event json.RawMessage `json:"event"`
}

// investigateRouted forwards the turn to the thread's sandbox, where sandboxd
// hosts the session, and replays the returned events and output as NDJSON.
// An unreachable or failed sandbox surfaces as 503 through the error kinds.
func (g *Gateway) investigateRouted(w http.ResponseWriter, r *http.Request, threadID string, req investigateRequest) {
	result, err := g.opts.Router.Route(r.Context(), threadID, map[string]any{
		"thread": threadID,
		"agent":  req.Agent,
		"input":  req.Input,
	})
	if err != nil {
		g.writeError(w, err)
		return
	}

	raw, err := json.Marshal(result)
	if err != nil {
		g.writeError(w, err)
		return
	}
	var env sessionEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		g.writeError(w, err)
		return
	}

	status := http.StatusOK
	if env.Kind != "" {
		status = statusOfKind(core.ErrorKind(env.Kind))
	}
	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(status)

	enc := json.NewEncoder(w)
	for _, event := range env.Events {
		_ = enc.Encode(rawStreamLine{Type: "event", Event: event})
	}
	line := streamLine{Type: "output", Output: env.Output}
	if env.Kind != "" {
		line.Type = "error"
		line.Error = env.Error
		line.Kind = env.Kind
	}
	_ = enc.Encode(line)
}

// handleInterrupt cooperatively stops the thread's in-flight execution.
func (g *Gateway) handleInterrupt(w http.ResponseWriter, r *http.Request) {
	threadID := r.PathValue("thread")
	if g.opts.Router != nil {
		if err := g.opts.Router.Interrupt(r.Context(), threadID); err != nil {
			g.writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "interrupted", "thread": threadID})
		return
	}

	sess, ok := g.sessions.Get(threadID)
	if !ok {
		writeJSONError(w, http.StatusNotFound, "not_found", fmt.Sprintf("no session for thread %q", threadID))
		return
	}
	if err := sess.Interrupt(r.Context()); err != nil {
		g.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "interrupted", "thread": threadID})
}

func (g *Gateway) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// allow checks the per-tenant rate limiter.
func (g *Gateway) allow(tenant string) bool {
	g.mu.Lock()
	limiter, ok := g.limiters[tenant]
	if !ok {
		limiter = rate.NewLimiter(g.opts.RateLimit, g.opts.RateBurst)
		g.limiters[tenant] = limiter
	}
	g.mu.Unlock()
	return limiter.Allow()
}

// statusOf maps the stable error kinds onto HTTP status codes.
func statusOf(err error) int {
	return statusOfKind(core.KindOf(err))
}

func statusOfKind(kind core.ErrorKind) int {
	switch kind {
	case core.KindConfig:
		return http.StatusBadRequest
	case core.KindSessionBusy:
		return http.StatusConflict
	case core.KindSandboxUnavailable, core.KindTransient:
		return http.StatusServiceUnavailable
	case core.KindTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func (g *Gateway) writeError(w http.ResponseWriter, err error) {
	g.opts.Logger.Warn("request failed", "kind", core.KindOf(err), "error", err)
	writeJSONError(w, statusOf(err), string(core.KindOf(err)), err.Error())
}

// writeErrorOutput returns the structured failed output alongside the
// classified status code.
func (g *Gateway) writeErrorOutput(w http.ResponseWriter, out core.Output, err error) {
	g.opts.Logger.Warn("run failed", "kind", out.ErrorKind, "error", err)
	writeJSON(w, statusOf(err), out)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, status int, kind, message string) {
	var body errorBody
	body.Error.Kind = kind
	body.Error.Message = message
	writeJSON(w, status, body)
}

func tenantOf(r *http.Request) string {
	if t := r.Header.Get(TenantHeader); t != "" {
		return t
	}
	return DefaultTenant
}
