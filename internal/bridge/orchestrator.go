// Package bridge wires the chat clients, process registry, stream
// accumulator, and sub-agent tracker into one running daemon: one goroutine
// per agent reading a chat client's inbound messages, driving a supervisor,
// and streaming its turns back out.
package bridge

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"sync"

	"github.com/tgccd/tgccd/internal/accumulator"
	"github.com/tgccd/tgccd/internal/adminsocket"
	"github.com/tgccd/tgccd/internal/chatclient"
	"github.com/tgccd/tgccd/internal/config"
	"github.com/tgccd/tgccd/internal/process"
	"github.com/tgccd/tgccd/internal/protocol"
	"github.com/tgccd/tgccd/internal/registry"
	"github.com/tgccd/tgccd/internal/sessions"
	"github.com/tgccd/tgccd/internal/subagent"
)

// pendingPermission is one outstanding can_use_tool request awaiting a
// user's allow/deny reply.
type pendingPermission struct {
	requestID string
	toolName  string
}

// agentState is the orchestrator's live bookkeeping for one configured
// agent: its registry key once a supervisor exists, a batcher for its
// inbound chat messages, its sub-agent tracker for the active turn, and any
// permission requests awaiting a reply.
type agentState struct {
	mu       sync.Mutex
	agent    config.Agent
	key      registry.Key
	hasKey   bool
	batcher  *Batcher
	tracker  *subagent.Tracker
	ui       *subagentUI
	mailbox  *subagent.Mailbox
	pending  []pendingPermission
	override struct {
		model          string
		repo           string
		permissionMode string
	}
}

// Orchestrator is the daemon's top-level coordinator.
type Orchestrator struct {
	binaryPath   string
	sessionsRoot string

	clients  map[string]chatclient.Client // network -> client
	registry *registry.Registry
	dispatch *accumulator.Dispatcher

	mu     sync.Mutex
	cfg    *config.Snapshot
	states map[string]*agentState // agent name -> state

	// supervisors publishes lifecycle events (session_takeover, process_exit,
	// hang, result) to any registered supervisor-socket subscriber; it is a
	// noopPublisher until SetSupervisorPublisher is called, so publishing
	// before then does nothing.
	supervisors supervisorPublisher
}

// supervisorPublisher is the subset of adminsocket.SupervisorServer the
// orchestrator needs; satisfied by *adminsocket.SupervisorServer.
type supervisorPublisher interface {
	Publish(event, agentID, sessionID, detail string)
}

type noopPublisher struct{}

func (noopPublisher) Publish(string, string, string, string) {}

// New creates an orchestrator. clients must have one entry per network
// named in cfg's agents ("telegram", "discord").
func New(cfg *config.Snapshot, clients map[string]chatclient.Client, binaryPath, sessionsRoot string) *Orchestrator {
	o := &Orchestrator{
		binaryPath:   binaryPath,
		sessionsRoot: sessionsRoot,
		clients:      clients,
		registry:     registry.New(),
		dispatch:     accumulator.NewDispatcher(),
		cfg:          cfg,
		states:       make(map[string]*agentState),
		supervisors:  noopPublisher{},
	}
	for _, a := range cfg.Agents {
		o.states[a.Name] = &agentState{agent: a, tracker: subagent.New(), ui: newSubagentUI()}
	}
	return o
}

// SetSupervisorPublisher wires the daemon's supervisor-registration admin
// socket so process lifecycle events also reach any subscribed supervisor,
// per spec.md §4.7.
func (o *Orchestrator) SetSupervisorPublisher(p supervisorPublisher) {
	o.supervisors = p
}

// Run runs an inbound-message pump for every chat client (it does not start
// the clients themselves) and blocks until every pump has returned, which
// happens once ctx is cancelled or a client's message channel closes.
func (o *Orchestrator) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for network, client := range o.clients {
		network, client := network, client
		wg.Add(1)
		go func() {
			defer wg.Done()
			o.pumpInbound(ctx, network, client)
		}()
	}
	wg.Wait()
	return nil
}

func (o *Orchestrator) pumpInbound(ctx context.Context, network string, client chatclient.Client) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-client.Messages():
			if !ok {
				return
			}
			o.handleInbound(ctx, network, client, msg)
		}
	}
}

func (o *Orchestrator) findAgent(network, chatID string) (*agentState, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, st := range o.states {
		if st.agent.Network == network && st.agent.ChatID == chatID {
			return st, true
		}
	}
	return nil, false
}

func (o *Orchestrator) handleInbound(ctx context.Context, network string, client chatclient.Client, msg chatclient.InboundMessage) {
	st, ok := o.findAgent(network, msg.From.ChatID)
	if !ok {
		log.Printf("bridge: no agent configured for %s chat %s", network, msg.From.ChatID)
		return
	}

	cmd := ParseCommand(msg.Text)
	if cmd.Name != CmdNone {
		o.handleCommand(ctx, st, client, msg.From, cmd)
		return
	}

	if reply, handled := o.handlePermissionReply(st, msg.Text); handled {
		_, _ = client.Send(ctx, msg.From, reply)
		return
	}

	if st.batcher == nil {
		st.batcher = NewBatcher(func(text string) {
			o.forwardTurn(ctx, st, client, msg.From, text)
		})
	}
	st.batcher.Add(msg.Text)
}

// handlePermissionReply resolves the oldest pending permission request for
// an agent when the user replies with a bare "allow"/"deny" (optionally
// with trailing text, which is ignored).
func (o *Orchestrator) handlePermissionReply(st *agentState, text string) (string, bool) {
	fields := strings.Fields(text)
	if len(fields) == 0 {
		return "", false
	}
	word := strings.ToLower(fields[0])
	if word != "allow" && word != "deny" {
		return "", false
	}

	st.mu.Lock()
	if len(st.pending) == 0 {
		st.mu.Unlock()
		return "", false
	}
	p := st.pending[0]
	st.pending = st.pending[1:]
	key := st.key
	st.mu.Unlock()

	sup, ok := o.registry.Find(key)
	if !ok {
		return "no active session to answer", true
	}
	allow := word == "allow"
	if err := sup.RespondToPermission(p.requestID, allow, nil, ""); err != nil {
		return fmt.Sprintf("failed to answer permission request: %v", err), true
	}
	verb := "denied"
	if allow {
		verb = "allowed"
	}
	return fmt.Sprintf("%s use of %s", verb, p.toolName), true
}

func (o *Orchestrator) forwardTurn(ctx context.Context, st *agentState, client chatclient.Client, to chatclient.Recipient, text string) {
	sup, key, err := o.ensureSupervisor(st)
	if err != nil {
		_, _ = client.Send(ctx, to, "failed to start assistant: "+err.Error())
		return
	}
	if err := sup.SendUserText(text); err != nil {
		_, _ = client.Send(ctx, to, "failed to deliver message: "+err.Error())
		return
	}
	o.ensurePump(ctx, st, key, sup, client, to)
}

// ensureSupervisor returns the agent's current supervisor, spawning one
// (registered under a tentative session key) if none is running yet.
func (o *Orchestrator) ensureSupervisor(st *agentState) (*process.Supervisor, registry.Key, error) {
	return o.ensureSupervisorWith(st, "")
}

// ensureSupervisorResuming behaves like ensureSupervisor but, when it has to
// spawn a new supervisor, asks the assistant to resume resumeSessionID
// rather than starting a blank session.
func (o *Orchestrator) ensureSupervisorResuming(st *agentState, resumeSessionID string) (*process.Supervisor, registry.Key, error) {
	return o.ensureSupervisorWith(st, resumeSessionID)
}

func (o *Orchestrator) ensureSupervisorWith(st *agentState, resumeSessionID string) (*process.Supervisor, registry.Key, error) {
	st.mu.Lock()
	defer st.mu.Unlock()

	if st.hasKey {
		if sup, ok := o.registry.Find(st.key); ok {
			return sup, st.key, nil
		}
	}

	o.mu.Lock()
	repo, ok := o.cfg.RepoByName(pick(st.override.repo, st.agent.RepoName))
	o.mu.Unlock()
	if !ok {
		return nil, registry.Key{}, fmt.Errorf("unknown repo %q", st.agent.RepoName)
	}

	cfg := process.Config{
		BinaryPath:      o.binaryPath,
		WorkDir:         repo.Path,
		Model:           pick(st.override.model, st.agent.Model),
		PermissionMode:  pick(st.override.permissionMode, st.agent.PermissionMode),
		MaxTurns:        st.agent.MaxTurns,
		MCPConfigPath:   repo.MCPConfigPath,
		ResumeSessionID: resumeSessionID,
		ContinueSession: resumeSessionID == "",
	}
	sup := process.New(cfg)
	sessionID := resumeSessionID
	if sessionID == "" {
		sessionID = tentativeSessionID()
	}
	key := registry.Key{WorkingDir: repo.Path, SessionID: sessionID}
	o.registry.Register(key, sup)
	st.key = key
	st.hasKey = true
	return sup, key, nil
}

func pick(override, fallback string) string {
	if override != "" {
		return override
	}
	return fallback
}

func tentativeSessionID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return "pending-" + hex.EncodeToString(buf)
}

// activePumps tracks which registry keys already have an event-consuming
// goroutine running, so forwardTurn calls for the same ongoing session
// don't start a second one.
var activePumps sync.Map // map[registry.Key]bool

func (o *Orchestrator) ensurePump(ctx context.Context, st *agentState, key registry.Key, sup *process.Supervisor, client chatclient.Client, to chatclient.Recipient) {
	if _, already := activePumps.LoadOrStore(key, true); already {
		return
	}
	ch, cancel, ok := o.registry.Subscribe(key)
	if !ok {
		activePumps.Delete(key)
		return
	}
	go func() {
		defer cancel()
		defer activePumps.Delete(key)
		o.pumpSupervisorEvents(ctx, st, key, client, to, ch)
	}()
}

func (o *Orchestrator) pumpSupervisorEvents(ctx context.Context, st *agentState, key registry.Key, client chatclient.Client, to chatclient.Recipient, events <-chan process.Event) {
	var turn *accumulator.Turn

	for ev := range events {
		switch ev.Kind {
		case process.KindPermissionRequest:
			o.recordPendingPermission(st, ev)
			summary := "assistant wants to use a tool"
			if ev.PermissionRequest != nil {
				summary = fmt.Sprintf("assistant wants to use %s — reply \"allow\" or \"deny\"", ev.PermissionRequest.ToolName)
			}
			_, _ = client.Send(ctx, to, summary)

		case process.KindTakeover:
			o.supervisors.Publish("session_takeover", st.agent.Name, key.SessionID, "")
			_, _ = client.Send(ctx, to, "the assistant process exited unexpectedly and was not restarted by the bridge")

		case process.KindHang:
			o.supervisors.Publish("hang", st.agent.Name, key.SessionID, "")
			_, _ = client.Send(ctx, to, "the assistant appears stuck and is being restarted")

		case process.KindExit:
			o.supervisors.Publish("process_exit", st.agent.Name, key.SessionID, "")
			if turn != nil {
				t := turn
				o.dispatch.Submit(key.WorkingDir+"/"+key.SessionID, func() { _ = t.Finalize() })
				turn = nil
			}

		case process.KindRaw:
			turn = o.applyRawEvent(ctx, st, key, client, to, turn, ev)
		}
	}
}

func (o *Orchestrator) recordPendingPermission(st *agentState, ev process.Event) {
	if ev.PermissionRequest == nil {
		return
	}
	st.mu.Lock()
	st.pending = append(st.pending, pendingPermission{requestID: ev.RequestID, toolName: ev.PermissionRequest.ToolName})
	st.mu.Unlock()
}

func (o *Orchestrator) applyRawEvent(ctx context.Context, st *agentState, key registry.Key, client chatclient.Client, to chatclient.Recipient, turn *accumulator.Turn, ev process.Event) *accumulator.Turn {
	raw := ev.Raw
	switch raw.Type {
	case "system":
		if raw.Subtype == "init" && raw.SessionID != "" {
			newKey := registry.Key{WorkingDir: key.WorkingDir, SessionID: raw.SessionID}
			if o.registry.Rekey(key, newKey) {
				st.mu.Lock()
				st.key = newKey
				st.mu.Unlock()
			}
		}
	case "stream_event":
		if raw.StreamEvent == nil {
			return turn
		}
		if turn == nil {
			turn = accumulator.New(ctx, client, to)
		}
		if err := turn.Apply(raw.StreamEvent); err != nil {
			log.Printf("bridge: accumulator apply failed: %v", err)
		}
		sd := raw.StreamEvent
		switch {
		case sd.Type == "content_block_start" && sd.ContentBlock != nil &&
			sd.ContentBlock.Type == "tool_use" && subagent.IsDispatch(sd.ContentBlock.Name):
			o.onDispatchStart(ctx, st, client, to, sd.Index, sd.ContentBlock.ID)
		case sd.Type == "content_block_delta" && sd.Delta != nil && sd.Delta.Type == "input_json_delta":
			o.onDispatchInput(ctx, st, client, to, sd.Index, sd.Delta.PartialJSON)
		}
	case "assistant":
		msg := protocol.ParseMessage(raw.RawMessage)
		var text strings.Builder
		for _, b := range msg.Content {
			if b.Type == "text" {
				text.WriteString(b.Text)
			}
		}
		if text.Len() > 0 {
			o.reconcileNotifications(ctx, st, client, to, text.String())
		}
	case "user":
		msg := protocol.ParseMessage(raw.RawMessage)
		for _, b := range msg.Content {
			if b.Type == "tool_result" {
				o.reconcileToolResult(ctx, st, client, to, b, raw.ToolUseResult)
			}
		}
	case "result":
		o.supervisors.Publish("result", st.agent.Name, key.SessionID, raw.Subtype)
		if turn != nil {
			turn.SetUsage(raw.TotalUsage)
			_ = turn.Finalize()
		}
		return nil
	}
	return turn
}

// Handle implements adminsocket.Handler, letting tgccctl drive the same
// orchestration this package uses internally for chat turns.
func (o *Orchestrator) Handle(ctx context.Context, req adminsocket.Request) adminsocket.Response {
	switch req.Command {
	case "ping":
		return adminsocket.Response{OK: true}
	case "status":
		return o.handleStatusRequest(req)
	case "send":
		return o.handleSendRequest(req)
	default:
		return adminsocket.Response{OK: false, Error: "unknown command: " + req.Command}
	}
}

func (o *Orchestrator) handleSendRequest(req adminsocket.Request) adminsocket.Response {
	var args adminsocket.SendArgs
	if err := decodeArgs(req.Args, &args); err != nil {
		return adminsocket.Response{OK: false, Error: err.Error()}
	}
	key := registry.Key{WorkingDir: args.WorkingDir, SessionID: args.SessionID}
	sup, ok := o.registry.Find(key)
	if !ok {
		return adminsocket.Response{OK: false, Error: "session not found"}
	}
	if err := sup.SendUserText(args.Text); err != nil {
		return adminsocket.Response{OK: false, Error: err.Error()}
	}
	return adminsocket.Response{OK: true}
}

func (o *Orchestrator) handleStatusRequest(req adminsocket.Request) adminsocket.Response {
	var args adminsocket.StatusArgs
	if len(req.Args) > 0 {
		if err := decodeArgs(req.Args, &args); err != nil {
			return adminsocket.Response{OK: false, Error: err.Error()}
		}
	}
	key := registry.Key{WorkingDir: args.WorkingDir, SessionID: args.SessionID}
	sup, ok := o.registry.Find(key)
	if !ok {
		return adminsocket.Response{OK: false, Error: "session not found"}
	}
	result := adminsocket.StatusResult{
		WorkingDir: key.WorkingDir,
		SessionID:  sup.SessionID(),
		State:      sup.State().String(),
		Activity:   sup.Activity().String(),
		Cost:       sup.Cost(),
	}
	raw, err := marshalResult(result)
	if err != nil {
		return adminsocket.Response{OK: false, Error: err.Error()}
	}
	return adminsocket.Response{OK: true, Result: raw}
}

// findAgentByName looks up an agentState by its configured name, the id a
// registered supervisor addresses agents by in the §4.7 command envelope.
func (o *Orchestrator) findAgentByName(agentID string) (*agentState, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	st, ok := o.states[agentID]
	return st, ok
}

// The methods below implement adminsocket.CommandHandler, answering the
// command envelope a registered supervisor connection may issue.

// Ping answers the supervisor socket's "ping" action.
func (o *Orchestrator) Ping() (any, error) {
	return map[string]string{"status": "ok"}, nil
}

// SendMessage answers "send_message"/"send_to_cc": deliver text to the named
// agent's assistant, spawning one if none is running yet.
func (o *Orchestrator) SendMessage(agentID, text string) (any, error) {
	st, ok := o.findAgentByName(agentID)
	if !ok {
		return nil, fmt.Errorf("unknown agent: %s", agentID)
	}
	sup, _, err := o.ensureSupervisor(st)
	if err != nil {
		return nil, err
	}
	if err := sup.SendUserText(text); err != nil {
		return nil, err
	}
	return map[string]string{"status": "sent"}, nil
}

// Status answers "status": the same fields tgccctl's status command surfaces.
func (o *Orchestrator) Status(agentID string) (any, error) {
	st, ok := o.findAgentByName(agentID)
	if !ok {
		return nil, fmt.Errorf("unknown agent: %s", agentID)
	}
	st.mu.Lock()
	key, hasKey := st.key, st.hasKey
	st.mu.Unlock()
	if !hasKey {
		return map[string]string{"state": "idle"}, nil
	}
	sup, ok := o.registry.Find(key)
	if !ok {
		return map[string]string{"state": "idle"}, nil
	}
	return adminsocket.StatusResult{
		WorkingDir: key.WorkingDir,
		SessionID:  sup.SessionID(),
		State:      sup.State().String(),
		Activity:   sup.Activity().String(),
		Cost:       sup.Cost(),
	}, nil
}

// KillCC answers "kill_cc": terminate the named agent's assistant process.
func (o *Orchestrator) KillCC(agentID string) (any, error) {
	st, ok := o.findAgentByName(agentID)
	if !ok {
		return nil, fmt.Errorf("unknown agent: %s", agentID)
	}
	o.resetSession(st)
	return map[string]string{"status": "killed"}, nil
}

// ListSessions exposes persisted-session discovery for the /sessions
// command.
func (o *Orchestrator) ListSessions(repoPath string, limit int) ([]sessions.Session, error) {
	mgr := sessions.NewManager(o.sessionsRoot)
	return mgr.List(repoPath, limit)
}
