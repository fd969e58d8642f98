// Package acp maintains one line-delimited JSON-RPC conversation per agent
// process and translates it into and out of the message bus.
package acp

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/agentmux/agentmux/internal/bus"
)

// Session establishment backoff: first check after 500ms, doubling per
// failed attempt, capped at 5s, for at most 8 attempts.
const (
	backoffInitial = 500 * time.Millisecond
	backoffCap     = 5 * time.Second
	backoffMax     = 8

	defaultWarmup = 2 * time.Second
)

var (
	// ErrAlreadyInitialized guards the at-most-once handshake.
	ErrAlreadyInitialized = errors.New("bridge already initialized")
	// ErrNotInitialized is returned by SendPrompt before Initialize.
	ErrNotInitialized = errors.New("bridge not initialized")
	// ErrSessionNotReady is returned by SendPrompt before a session id is bound.
	ErrSessionNotReady = errors.New("acp session not ready")
	// ErrSessionNotEstablished is the handshake giving up after the final
	// polling attempt.
	ErrSessionNotEstablished = errors.New("acp session not established after polling")
)

// MessageSender is the slice of the router the bridge calls into.
type MessageSender interface {
	Send(req bus.SendRequest) (*bus.SendResult, error)
}

// SleepFunc suspends for d or until ctx is done. Injected for tests.
type SleepFunc func(ctx context.Context, d time.Duration) error

func defaultSleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Config holds per-agent bridge configuration.
type Config struct {
	AgentID    string
	Workdir    string      // cwd reported in session/new (the container workspace)
	MCPServers []MCPServer // auxiliary tool servers handed to session/new
	Start      StartFunc
	Warmup     time.Duration // fixed wait after subprocess start
	Sleep      SleepFunc
}

// Bridge owns one subprocess, one session, and one accumulation buffer.
// Bridges for different agents share no mutable state. Incoming lines are
// processed strictly in arrival order by a single read goroutine.
type Bridge struct {
	config Config
	router MessageSender

	mu             sync.Mutex
	proc           Process
	stdin          io.Writer
	requestCounter int64
	pendingSession int64 // request id of the outstanding session/new, 0 if none
	sessionID      string
	initialized    bool
	accumulated    []byte
	readDone       chan struct{}
}

// NewBridge creates a bridge for one agent. It does nothing until
// Initialize is called.
func NewBridge(config Config, router MessageSender) *Bridge {
	if config.Warmup == 0 {
		config.Warmup = defaultWarmup
	}
	if config.Sleep == nil {
		config.Sleep = defaultSleep
	}
	return &Bridge{config: config, router: router}
}

// DelayForAttempt computes the backoff delay before polling attempt n
// (0-based): 500ms doubling, capped at 5s. Deterministic so the schedule
// can be tested without a clock.
func DelayForAttempt(attempt int) time.Duration {
	d := backoffInitial << attempt
	if d > backoffCap || d <= 0 {
		return backoffCap
	}
	return d
}

// Initialize starts the subprocess, performs the initialize/session-new
// handshake, and polls for the session id with exponential backoff. It
// fails with ErrSessionNotEstablished after the final attempt.
func (b *Bridge) Initialize(ctx context.Context) error {
	b.mu.Lock()
	if b.initialized || b.proc != nil {
		b.mu.Unlock()
		return ErrAlreadyInitialized
	}
	b.mu.Unlock()

	proc, err := b.config.Start(ctx)
	if err != nil {
		return fmt.Errorf("starting agent process for %s: %w", b.config.AgentID, err)
	}

	b.mu.Lock()
	b.proc = proc
	b.stdin = proc.Stdin()
	b.readDone = make(chan struct{})
	b.mu.Unlock()

	go b.readLoop(proc.Stdout())

	// Let the agent process finish booting before talking to it.
	if err := b.config.Sleep(ctx, b.config.Warmup); err != nil {
		return err
	}

	if _, err := b.sendRequest(methodInitialize, map[string]any{
		"protocolVersion": protocolVersion,
		"clientCapabilities": map[string]any{
			"fs": map[string]bool{"readTextFile": false, "writeTextFile": false},
		},
	}); err != nil {
		return err
	}

	sessionReqID, err := b.sendRequest(methodSessionNew, map[string]any{
		"cwd":        b.config.Workdir,
		"mcpServers": b.config.MCPServers,
	})
	if err != nil {
		return err
	}
	b.mu.Lock()
	b.pendingSession = sessionReqID
	b.mu.Unlock()

	for attempt := 0; attempt < backoffMax; attempt++ {
		if err := b.config.Sleep(ctx, DelayForAttempt(attempt)); err != nil {
			return err
		}
		b.mu.Lock()
		bound := b.sessionID != ""
		if bound {
			b.initialized = true
		}
		b.mu.Unlock()
		if bound {
			slog.Info("acp session established", "agent", b.config.AgentID, "attempt", attempt+1)
			return nil
		}
		slog.Debug("acp session not yet bound", "agent", b.config.AgentID, "attempt", attempt+1)
	}

	return fmt.Errorf("%w: agent %s", ErrSessionNotEstablished, b.config.AgentID)
}

// SendPrompt forwards content into the agent's session, wrapped with
// sender and timestamp metadata. The session must be established.
func (b *Bridge) SendPrompt(content, from string, at time.Time) error {
	b.mu.Lock()
	initialized, sessionID := b.initialized, b.sessionID
	b.mu.Unlock()

	if !initialized {
		return ErrNotInitialized
	}
	if sessionID == "" {
		return ErrSessionNotReady
	}

	text := fmt.Sprintf("[message from %s at %s]\n%s", from, at.UTC().Format(time.RFC3339), content)
	_, err := b.sendRequest(methodSessionPrompt, map[string]any{
		"sessionId": sessionID,
		"prompt": []map[string]any{
			{"type": "text", "text": text},
		},
	})
	return err
}

// Healthy reports whether the bridge is initialized, has a bound session,
// and its subprocess is still running.
func (b *Bridge) Healthy() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.initialized && b.sessionID != "" && b.proc != nil && b.proc.Alive()
}

// SessionID returns the bound session id, empty until established.
func (b *Bridge) SessionID() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.sessionID
}

// Cleanup terminates the subprocess and resets session state. Idempotent.
func (b *Bridge) Cleanup() {
	b.mu.Lock()
	proc := b.proc
	b.proc = nil
	b.stdin = nil
	b.sessionID = ""
	b.pendingSession = 0
	b.initialized = false
	b.accumulated = nil
	b.mu.Unlock()

	if proc != nil {
		if err := proc.Kill(); err != nil {
			slog.Debug("killing agent process", "agent", b.config.AgentID, "error", err)
		}
	}
}

// sendRequest writes one newline-terminated JSON-RPC request and returns
// its assigned id. Ids are strictly increasing per bridge.
func (b *Bridge) sendRequest(method string, params any) (int64, error) {
	b.mu.Lock()
	stdin := b.stdin
	if stdin == nil {
		b.mu.Unlock()
		return 0, fmt.Errorf("agent process not running")
	}
	b.requestCounter++
	id := b.requestCounter
	b.mu.Unlock()

	data, err := json.Marshal(request{JSONRPC: "2.0", ID: id, Method: method, Params: params})
	if err != nil {
		return 0, fmt.Errorf("marshaling %s request: %w", method, err)
	}
	data = append(data, '\n')
	if _, err := stdin.Write(data); err != nil {
		return 0, fmt.Errorf("writing %s request: %w", method, err)
	}
	return id, nil
}

// readLoop feeds subprocess stdout through handleLine, one line at a time,
// preserving arrival order. Returns when the pipe closes.
func (b *Bridge) readLoop(r io.Reader) {
	defer close(b.readDone)

	scanner := bufio.NewScanner(r)
	// Agents can produce long single-line payloads.
	scanner.Buffer(make([]byte, 0, 1024*1024), 1024*1024)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		b.handleLine(line)
	}
	if err := scanner.Err(); err != nil {
		slog.Error("reading agent stream", "agent", b.config.AgentID, "error", err)
	}
}

// handleLine processes one inbound line. Unparsable lines are diagnostic
// output from the agent process: logged and dropped, never fatal.
func (b *Bridge) handleLine(line []byte) {
	var msg inbound
	if err := json.Unmarshal(line, &msg); err != nil {
		slog.Debug("dropping non-protocol output", "agent", b.config.AgentID, "line", string(line))
		return
	}

	// Session binding: only the response correlated to the remembered
	// session/new request id may bind the session id.
	if msg.ID != nil && msg.Result != nil && msg.Result.SessionID != "" {
		b.mu.Lock()
		if b.pendingSession != 0 && *msg.ID == b.pendingSession {
			b.sessionID = msg.Result.SessionID
			b.pendingSession = 0
			slog.Info("acp session bound", "agent", b.config.AgentID, "session", b.sessionID)
		}
		b.mu.Unlock()
	}

	// Streamed output chunks accumulate in arrival order.
	if msg.Method == methodSessionUpdate && len(msg.Params) > 0 {
		var params sessionUpdateParams
		if err := json.Unmarshal(msg.Params, &params); err != nil {
			slog.Debug("unparsable session update", "agent", b.config.AgentID, "error", err)
			return
		}
		if params.Update.SessionUpdate == updateAgentMessageChunk {
			b.mu.Lock()
			b.accumulated = append(b.accumulated, params.Update.Content.Text...)
			b.mu.Unlock()
		}
	}

	// Turn completion flushes the buffer to the developer.
	if msg.Result != nil && msg.Result.StopReason == stopReasonEndTurn {
		b.flushTurn()
	}
}

// flushTurn forwards the accumulated text as one message to the developer
// participant and clears the buffer. Empty turns are ignored.
func (b *Bridge) flushTurn() {
	b.mu.Lock()
	text := string(b.accumulated)
	b.accumulated = nil
	b.mu.Unlock()

	if text == "" {
		return
	}

	_, err := b.router.Send(bus.SendRequest{
		From:    bus.AgentParticipant(b.config.AgentID),
		To:      bus.ParticipantDeveloper,
		Content: text,
	})
	if err != nil {
		slog.Error("forwarding agent turn", "agent", b.config.AgentID, "error", err)
	}
}
