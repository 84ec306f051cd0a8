package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/inquestlabs/inquest/core"
	"github.com/inquestlabs/inquest/logging"
	"github.com/inquestlabs/inquest/runner"
	"github.com/inquestlabs/inquest/session"
)

// Executor runs one payload inside the sandbox and returns its result.
type Executor func(ctx context.Context, payload map[string]any) (map[string]any, error)

// SandboxdOptions configures the in-sandbox daemon.
type SandboxdOptions struct {
	Executor       Executor
	ExecuteTimeout time.Duration
	// Interrupter replaces the default cancel-everything interrupt handling.
	// The session host wires one so interrupts wind down cooperatively and
	// keep conversation history.
	Interrupter func(ctx context.Context) (int, error)
	Logger      logging.Logger
}

// Sandboxd is the HTTP daemon running inside each sandbox. It executes
// payloads routed to it by the gateway and supports cooperative
// interruption of everything currently running.
type Sandboxd struct {
	opts SandboxdOptions

	mu      sync.Mutex
	nextID  int
	running map[int]context.CancelFunc
}

// NewSandboxd creates a Sandboxd. Without an explicit executor, payloads
// with a "command" string are run through the shell.
func NewSandboxd(optFns ...func(o *SandboxdOptions)) *Sandboxd {
	opts := SandboxdOptions{
		Executor:       CommandExecutor,
		ExecuteTimeout: 10 * time.Minute,
		Logger:         logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Sandboxd{opts: opts, running: make(map[int]context.CancelFunc)}
}

// Handler returns the routed HTTP handler.
func (s *Sandboxd) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/execute", s.handleExecute)
	mux.HandleFunc("POST /v1/interrupt", s.handleInterrupt)
	mux.HandleFunc("GET /v1/healthz", s.handleHealth)
	return mux
}

func (s *Sandboxd) handleExecute(w http.ResponseWriter, r *http.Request) {
	var payload map[string]any
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "body must be a JSON object"})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.opts.ExecuteTimeout)
	id := s.track(cancel)
	defer s.untrack(id)
	defer cancel()

	result, err := s.opts.Executor(ctx, payload)
	if err != nil {
		s.opts.Logger.Warn("execution failed", "error", err)
		writeJSON(w, http.StatusOK, map[string]any{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"result": result})
}

// handleInterrupt stops every in-flight execution, cooperatively when an
// Interrupter is wired and by cancellation otherwise.
func (s *Sandboxd) handleInterrupt(w http.ResponseWriter, r *http.Request) {
	if s.opts.Interrupter != nil {
		n, err := s.opts.Interrupter(r.Context())
		if err != nil {
			s.opts.Logger.Warn("interrupt failed", "error", err)
			writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
			return
		}
		s.opts.Logger.Info("interrupt requested", "cancelled", n)
		writeJSON(w, http.StatusAccepted, map[string]any{"cancelled": n})
		return
	}

	s.mu.Lock()
	cancels := make([]context.CancelFunc, 0, len(s.running))
	for _, cancel := range s.running {
		cancels = append(cancels, cancel)
	}
	s.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
	s.opts.Logger.Info("interrupt requested", "cancelled", len(cancels))
	writeJSON(w, http.StatusAccepted, map[string]any{"cancelled": len(cancels)})
}

func (s *Sandboxd) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Sandboxd) track(cancel context.CancelFunc) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	id := s.nextID
	s.running[id] = cancel
	return id
}

func (s *Sandboxd) untrack(id int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.running, id)
}

// CommandExecutor runs the payload's "command" through the shell and
// captures combined output.
func CommandExecutor(ctx context.Context, payload map[string]any) (map[string]any, error) {
	command, _ := payload["command"].(string)
	if strings.TrimSpace(command) == "" {
		return nil, errExecute("payload requires a non-empty command")
	}

	cmd := exec.CommandContext(ctx, "/bin/sh", "-c", command)
	out, err := cmd.CombinedOutput()
	if ctx.Err() != nil {
		return nil, errExecute("command interrupted")
	}
	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return nil, err
		}
	}
	return map[string]any{
		"output":    string(out),
		"exit_code": cmd.ProcessState.ExitCode(),
	}, nil
}

type errExecute string

func (e errExecute) Error() string { return string(e) }

// RunnerFactory builds the runner backing a thread's session when its first
// message arrives.
type RunnerFactory func(ctx context.Context, agentName string) (*runner.Runner, error)

// sessionEnvelope is the wire shape session execution results travel in
// between sandboxd and the gateway. Run failures ride in-band with their
// error kind so classification survives the process boundary.
type sessionEnvelope struct {
	Output *core.Output      `json:"output,omitempty"`
	Events []json.RawMessage `json:"events,omitempty"`
	Error  string            `json:"error,omitempty"`
	Kind   string            `json:"kind,omitempty"`
}

// SessionHost hosts interactive sessions inside the sandbox process. A
// thread's session is created on its first message and its history lives
// exactly as long as the sandbox does.
type SessionHost struct {
	sessions *session.Manager
	runners  RunnerFactory
}

// NewSessionHost creates a SessionHost. Wire its Execute and Interrupt into
// the daemon's options.
func NewSessionHost(sessions *session.Manager, runners RunnerFactory) *SessionHost {
	return &SessionHost{sessions: sessions, runners: runners}
}

// Execute runs one conversation turn described by the payload (thread, agent,
// input, vars). Events observed during the turn are returned alongside the
// output so the gateway can replay them to its caller.
func (h *SessionHost) Execute(ctx context.Context, payload map[string]any) (map[string]any, error) {
	threadID, _ := payload["thread"].(string)
	agentName, _ := payload["agent"].(string)
	input, _ := payload["input"].(string)
	if threadID == "" || agentName == "" || input == "" {
		return nil, errExecute("payload requires thread, agent and input")
	}

	sess, err := h.sessions.GetOrCreate(threadID, func() (*runner.Runner, error) {
		return h.runners(ctx, agentName)
	})
	if err != nil {
		return envelopeResult(sessionEnvelope{}, err)
	}
	if sess.Agent() != agentName {
		return envelopeResult(sessionEnvelope{},
			core.NewConfigError(agentName, "thread %q is bound to agent %q", threadID, sess.Agent()))
	}
	var events []json.RawMessage
	out, err := sess.Execute(ctx, input, func(e core.Event) {
		if raw, mErr := json.Marshal(e); mErr == nil {
			events = append(events, raw)
		}
	})
	return envelopeResult(sessionEnvelope{Output: &out, Events: events}, err)
}

// Interrupt cooperatively stops every running session in this sandbox.
func (h *SessionHost) Interrupt(ctx context.Context) (int, error) {
	return h.sessions.InterruptAll(ctx)
}

// envelopeResult serializes the envelope to the map shape Executor returns.
func envelopeResult(env sessionEnvelope, err error) (map[string]any, error) {
	if err != nil {
		env.Error = err.Error()
		env.Kind = string(core.KindOf(err))
	}
	raw, mErr := json.Marshal(env)
	if mErr != nil {
		return nil, mErr
	}
	var result map[string]any
	if mErr := json.Unmarshal(raw, &result); mErr != nil {
		return nil, mErr
	}
	return result, nil
}
