// Package process supervises exactly one assistant subprocess: spawning it,
// framing its NDJSON stdio, driving the idle/spawning/active state machine,
// and detecting hangs and takeovers.
package process

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/tgccd/tgccd/internal/protocol"
)

// State is the coarse assistant process lifecycle.
type State int

const (
	StateIdle State = iota
	StateSpawning
	StateActive
)

func (s State) String() string {
	switch s {
	case StateSpawning:
		return "spawning"
	case StateActive:
		return "active"
	default:
		return "idle"
	}
}

const (
	defaultIdleTimeout  = 5 * time.Minute
	defaultHangTimeout  = 5 * time.Minute
	killGrace           = 5 * time.Second
	hangDescendantGrace = 60 * time.Second
	bgTaskCheckInterval = 30 * time.Second
)

// Config describes how to spawn and manage one assistant subprocess.
type Config struct {
	BinaryPath      string
	WorkDir         string
	Model           string
	PermissionMode  string // "", "acceptEdits", "plan", "skip"
	MaxTurns        int
	ResumeSessionID string
	ContinueSession bool
	MCPConfigPath   string
	IdleTimeout     time.Duration
	HangTimeout     time.Duration
}

func (c Config) idleTimeout() time.Duration {
	if c.IdleTimeout > 0 {
		return c.IdleTimeout
	}
	return defaultIdleTimeout
}

func (c Config) hangTimeout() time.Duration {
	if c.HangTimeout > 0 {
		return c.HangTimeout
	}
	return defaultHangTimeout
}

// buildArgs constructs the exec argument list described in spec.md §6.
func buildArgs(cfg Config) []string {
	args := []string{
		"-p",
		"--input-format", "stream-json",
		"--output-format", "stream-json",
		"--verbose",
		"--include-partial-messages",
	}
	if cfg.MaxTurns > 0 {
		args = append(args, "--max-turns", fmt.Sprintf("%d", cfg.MaxTurns))
	}
	switch cfg.PermissionMode {
	case "skip":
		args = append(args, "--dangerously-skip-permissions")
	case "acceptEdits":
		args = append(args, "--permission-mode", "acceptEdits")
	case "plan":
		args = append(args, "--permission-mode", "plan")
	}
	if cfg.Model != "" {
		args = append(args, "--model", cfg.Model)
	}
	if cfg.ResumeSessionID != "" {
		args = append(args, "--resume", cfg.ResumeSessionID)
	} else if cfg.ContinueSession {
		args = append(args, "--continue")
	}
	if cfg.MCPConfigPath != "" {
		args = append(args, "--mcp-config", cfg.MCPConfigPath)
	}
	return args
}

// Supervisor owns one assistant subprocess end to end.
type Supervisor struct {
	cfg Config

	mu         sync.Mutex
	state      State
	activity   Activity
	cmd        *exec.Cmd
	stdin      io.WriteCloser
	sessionID  string
	cost       float64
	spawnedAt  time.Time
	queue      [][]byte
	killedByUs bool
	takenOver  bool

	initRequestID string

	idleTimer *time.Timer
	hangTimer *time.Timer
	killTimer *time.Timer

	bgTasks     map[string]struct{}
	bgStop      chan struct{}
	bgRunning   bool

	events chan Event
}

// New creates a Supervisor in the idle state. The child is not started until
// the first SendMessage.
func New(cfg Config) *Supervisor {
	return &Supervisor{
		cfg:     cfg,
		state:   StateIdle,
		bgTasks: make(map[string]struct{}),
		events:  make(chan Event, 256),
	}
}

// Events returns the channel of events this supervisor emits.
func (s *Supervisor) Events() <-chan Event { return s.events }

// State returns the current lifecycle state.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Activity returns the current derived activity state.
func (s *Supervisor) Activity() Activity {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activity
}

// SessionID returns the session id, empty until the first init event.
func (s *Supervisor) SessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessionID
}

// Cost returns the cumulative cost reported by the most recent result event.
func (s *Supervisor) Cost() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cost
}

// SendMessage enqueues or writes an already-encoded NDJSON line.
func (s *Supervisor) SendMessage(raw []byte) error {
	return s.send(raw)
}

// SendUserText is a convenience wrapper sending a plain-text user turn.
func (s *Supervisor) SendUserText(text string) error {
	raw, err := protocol.NewUserMessage(text)
	if err != nil {
		return err
	}
	return s.send(raw)
}

// SendUserMessage enqueues or writes a user-message built from free-form
// content (string or content-block slice).
func (s *Supervisor) SendUserMessage(content any) error {
	raw, err := protocol.NewUserMessage(content)
	if err != nil {
		return err
	}
	return s.send(raw)
}

// send implements the spec.md §4.2 state machine entry point: enqueue while
// idle/spawning (spawning the child on the idle->spawning transition), write
// directly while active.
func (s *Supervisor) send(raw []byte) error {
	s.mu.Lock()
	switch s.state {
	case StateIdle:
		s.queue = append(s.queue, raw)
		s.state = StateSpawning
		s.mu.Unlock()
		if err := s.spawn(); err != nil {
			s.mu.Lock()
			s.state = StateIdle
			s.mu.Unlock()
			s.emit(Event{Kind: KindError, Err: err})
			return err
		}
		return nil
	case StateSpawning:
		s.queue = append(s.queue, raw)
		s.mu.Unlock()
		return nil
	default: // active
		s.mu.Unlock()
		return s.writeStdin(raw)
	}
}

// spawn starts the child process and its reader goroutine, then sends the
// initialize handshake.
func (s *Supervisor) spawn() error {
	args := buildArgs(s.cfg)
	cmd := exec.Command(s.cfg.BinaryPath, args...)
	cmd.Dir = s.cfg.WorkDir

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("process: stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("process: stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("process: spawn %s: %w", s.cfg.BinaryPath, err)
	}

	s.mu.Lock()
	s.cmd = cmd
	s.stdin = stdin
	s.spawnedAt = time.Now()
	s.killedByUs = false
	s.takenOver = false
	s.initRequestID = uuid.NewString()
	s.mu.Unlock()

	go s.readLoop(stdout)

	initMsg, err := protocol.NewInitializeRequest(s.initRequestID)
	if err != nil {
		return err
	}
	if err := s.writeRawLocked(initMsg); err != nil {
		return err
	}
	return nil
}

// writeStdin writes a single newline-terminated JSON line, marking the
// activity as waiting_for_api and (re)arming the hang timer.
func (s *Supervisor) writeStdin(raw []byte) error {
	if err := s.writeRawLocked(raw); err != nil {
		return err
	}
	s.mu.Lock()
	s.activity = ActivityWaitingForAPI
	s.stopIdleTimerLocked()
	s.armHangTimerLocked()
	s.mu.Unlock()
	return nil
}

func (s *Supervisor) writeRawLocked(raw []byte) error {
	s.mu.Lock()
	stdin := s.stdin
	s.mu.Unlock()
	if stdin == nil {
		return fmt.Errorf("process: stdin not writable")
	}
	raw = append(raw, '\n')
	if _, err := stdin.Write(raw); err != nil {
		log.Printf("process: dropping write after stdin error: %v", err)
		return err
	}
	return nil
}

// flushQueue writes every queued message in FIFO order exactly once.
// Must be called without the mutex held.
func (s *Supervisor) flushQueue() {
	s.mu.Lock()
	pending := s.queue
	s.queue = nil
	s.mu.Unlock()
	for _, raw := range pending {
		_ = s.writeStdin(raw)
	}
}

// readLoop consumes NDJSON events from the child's stdout until EOF, then
// handles exit bookkeeping.
func (s *Supervisor) readLoop(stdout io.Reader) {
	scanner := protocol.NewScanner(stdout)
	for {
		ev, ok := scanner.Next()
		if !ok {
			break
		}
		s.mu.Lock()
		s.armHangTimerLocked()
		s.mu.Unlock()
		s.handleEvent(ev)
	}

	s.mu.Lock()
	cmd := s.cmd
	s.mu.Unlock()
	var exitCode int
	var waitErr error
	if cmd != nil {
		waitErr = cmd.Wait()
		if cmd.ProcessState != nil {
			exitCode = cmd.ProcessState.ExitCode()
		}
	}

	s.mu.Lock()
	s.stopAllTimersLocked()
	s.state = StateIdle
	s.activity = ActivityIdle
	s.stdin = nil
	s.cmd = nil
	killedByUs := s.killedByUs
	s.mu.Unlock()

	takenOver := !killedByUs && (exitCode != 0 || waitErr != nil && isSignalExit(waitErr))
	if takenOver {
		s.mu.Lock()
		s.takenOver = true
		s.mu.Unlock()
		s.emit(Event{Kind: KindTakeover})
	}
	s.emit(Event{Kind: KindExit, ExitCode: exitCode})
}

func isSignalExit(err error) bool {
	exitErr, ok := err.(*exec.ExitError)
	if !ok {
		return false
	}
	if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok {
		return ws.Signaled()
	}
	return false
}

// handleEvent updates state/activity/timers per spec.md §4.2 and forwards
// the event (wrapped or synthesized) to subscribers.
func (s *Supervisor) handleEvent(ev protocol.Event) {
	switch {
	case ev.Type == "system" && ev.Subtype == "init":
		s.mu.Lock()
		s.sessionID = ev.SessionID
		wasActive := s.state == StateActive
		s.state = StateActive
		s.mu.Unlock()
		if !wasActive {
			s.flushQueue()
		}

	case ev.Type == "control_response":
		s.mu.Lock()
		wasActive := s.state == StateActive
		s.state = StateActive
		s.mu.Unlock()
		if !wasActive {
			s.flushQueue()
		}

	case ev.Type == "control_request":
		var inner struct {
			Subtype string `json:"subtype"`
		}
		_ = json.Unmarshal(ev.Request, &inner)
		if inner.Subtype == "can_use_tool" {
			pr := decodePermissionRequest(ev.Request)
			s.emit(Event{Kind: KindPermissionRequest, RequestID: ev.RequestID, PermissionRequest: pr})
			return
		}

	case ev.Type == "stream_event" && ev.StreamEvent != nil:
		s.updateActivityFromDelta(ev.StreamEvent)

	case ev.Type == "assistant":
		msg := protocol.ParseMessage(ev.RawMessage)
		if msg.StopReason == "tool_use" {
			s.mu.Lock()
			s.activity = ActivityToolExecuting
			s.mu.Unlock()
		}

	case ev.Type == "tool_result":
		s.mu.Lock()
		s.activity = ActivityWaitingForAPI
		s.mu.Unlock()

	case ev.Type == "system" && ev.Subtype == "task_started":
		s.mu.Lock()
		s.bgTasks[ev.TaskID] = struct{}{}
		running := s.bgRunning
		s.bgRunning = true
		s.mu.Unlock()
		if !running {
			go s.runBackgroundTaskChecker()
		}

	case ev.Type == "system" && ev.Subtype == "task_completed":
		s.mu.Lock()
		delete(s.bgTasks, ev.TaskID)
		empty := len(s.bgTasks) == 0
		s.mu.Unlock()
		if empty {
			s.mu.Lock()
			s.armIdleTimerLocked()
			s.mu.Unlock()
		}

	case ev.Type == "result":
		s.mu.Lock()
		s.cost = ev.CumulativeCostUSD
		s.activity = ActivityIdle
		s.armIdleTimerLocked()
		s.mu.Unlock()
	}

	s.emit(Event{Kind: KindRaw, Raw: ev})
}

func (s *Supervisor) updateActivityFromDelta(d *protocol.StreamDelta) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch d.Type {
	case "message_start":
		s.activity = ActivityResponding
	case "content_block_start":
		if d.ContentBlock != nil && d.ContentBlock.Type == "tool_use" {
			s.activity = ActivityResponding
		}
	}
}

func (s *Supervisor) emit(ev Event) {
	select {
	case s.events <- ev:
	default:
		log.Printf("process: event channel full, dropping %s event", ev.Kind)
	}
}

// --- timers ---

func (s *Supervisor) armIdleTimerLocked() {
	if len(s.bgTasks) > 0 {
		return
	}
	s.stopIdleTimerLocked()
	s.idleTimer = time.AfterFunc(s.cfg.idleTimeout(), s.onIdleTimeout)
}

func (s *Supervisor) stopIdleTimerLocked() {
	if s.idleTimer != nil {
		s.idleTimer.Stop()
		s.idleTimer = nil
	}
}

func (s *Supervisor) onIdleTimeout() {
	s.Kill()
}

func (s *Supervisor) armHangTimerLocked() {
	if s.hangTimer != nil {
		s.hangTimer.Stop()
	}
	s.hangTimer = time.AfterFunc(s.cfg.hangTimeout(), s.onHangTimeout)
}

func (s *Supervisor) onHangTimeout() {
	s.mu.Lock()
	activity := s.activity
	cmd := s.cmd
	s.mu.Unlock()

	if cmd == nil {
		return
	}

	switch activity {
	case ActivityWaitingForAPI:
		s.mu.Lock()
		s.armHangTimerLocked()
		s.mu.Unlock()
		return
	case ActivityToolExecuting:
		pid := int32(cmd.Process.Pid)
		if HasDescendants(pid) {
			s.mu.Lock()
			s.armHangTimerLocked()
			s.mu.Unlock()
			return
		}
		time.AfterFunc(hangDescendantGrace, func() {
			s.mu.Lock()
			cmd := s.cmd
			s.mu.Unlock()
			if cmd == nil {
				return
			}
			if HasDescendants(int32(cmd.Process.Pid)) {
				s.mu.Lock()
				s.armHangTimerLocked()
				s.mu.Unlock()
				return
			}
			s.declareHang()
		})
		return
	default:
		s.declareHang()
	}
}

func (s *Supervisor) declareHang() {
	s.emit(Event{Kind: KindHang})
	s.Kill()
}

func (s *Supervisor) runBackgroundTaskChecker() {
	ticker := time.NewTicker(bgTaskCheckInterval)
	defer ticker.Stop()
	for range ticker.C {
		s.mu.Lock()
		if len(s.bgTasks) == 0 {
			s.bgRunning = false
			s.mu.Unlock()
			return
		}
		cmd := s.cmd
		s.mu.Unlock()
		if cmd == nil || cmd.Process == nil {
			continue
		}
		if !HasDescendants(int32(cmd.Process.Pid)) {
			s.mu.Lock()
			s.bgTasks = make(map[string]struct{})
			s.bgRunning = false
			s.armIdleTimerLocked()
			s.mu.Unlock()
			return
		}
	}
}

func (s *Supervisor) stopAllTimersLocked() {
	s.stopIdleTimerLocked()
	if s.hangTimer != nil {
		s.hangTimer.Stop()
		s.hangTimer = nil
	}
	if s.killTimer != nil {
		s.killTimer.Stop()
		s.killTimer = nil
	}
}

// --- lifecycle controls ---

// Cancel sends SIGINT while the process is active and rearms the idle timer
// so the child cannot hang after a cancellation.
func (s *Supervisor) Cancel() {
	s.mu.Lock()
	cmd := s.cmd
	active := s.state == StateActive
	s.mu.Unlock()
	if !active || cmd == nil || cmd.Process == nil {
		return
	}
	_ = cmd.Process.Signal(syscall.SIGINT)
	s.mu.Lock()
	s.armIdleTimerLocked()
	s.mu.Unlock()
}

// Kill sends SIGTERM, then SIGKILL after a grace period if the process is
// still alive, marking the exit as self-initiated.
func (s *Supervisor) Kill() {
	s.mu.Lock()
	cmd := s.cmd
	s.killedByUs = true
	s.mu.Unlock()
	if cmd == nil || cmd.Process == nil {
		return
	}
	_ = cmd.Process.Signal(syscall.SIGTERM)
	s.mu.Lock()
	s.killTimer = time.AfterFunc(killGrace, func() {
		s.mu.Lock()
		cmd := s.cmd
		s.mu.Unlock()
		if cmd != nil && cmd.Process != nil {
			_ = cmd.Process.Kill()
		}
	})
	s.mu.Unlock()
}

// Destroy kills the process if running and releases all resources. It does
// not wait for the exit event.
func (s *Supervisor) Destroy() {
	s.Kill()
}

// RespondToPermission writes the control_response answering a previously
// emitted permission_request.
func (s *Supervisor) RespondToPermission(requestID string, allowed bool, updatedInput json.RawMessage, message string) error {
	behavior := protocol.PermissionDeny
	if allowed {
		behavior = protocol.PermissionAllow
	}
	raw, err := protocol.NewPermissionResponse(requestID, behavior, updatedInput, message)
	if err != nil {
		return err
	}
	return s.writeRawLocked(raw)
}

// WaitForExit blocks until the process has fully exited or ctx is done.
func (s *Supervisor) WaitForExit(ctx context.Context) {
	for {
		s.mu.Lock()
		done := s.cmd == nil
		s.mu.Unlock()
		if done {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(50 * time.Millisecond):
		}
	}
}
