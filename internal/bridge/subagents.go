package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/tgccd/tgccd/internal/chatclient"
	"github.com/tgccd/tgccd/internal/format"
	"github.com/tgccd/tgccd/internal/protocol"
	"github.com/tgccd/tgccd/internal/subagent"
)

// refreshInterval is how often a running sub-agent's chat message is
// rewritten with its elapsed time, per spec.md §4.4. Each tick also checks
// the tracker for a terminal status, which is how a Mailbox-reconciled
// completion (the third, asynchronous reconciliation path) eventually
// surfaces in chat without the orchestrator polling the tracker on its own.
const refreshInterval = 15 * time.Second

// subagentUI owns the chat-visible side of one agent's sub-agent dispatches:
// which content block index belongs to which tool_use id while its input is
// still streaming, the message each dispatch owns, and the elapsed-time
// refresh timer that also doubles as the mailbox/notification poll.
type subagentUI struct {
	mu        sync.Mutex
	blockToID map[int]string
	messages  map[string]chatclient.MessageID
	startedAt map[string]time.Time
	timers    map[string]*time.Timer
	inputBuf  map[string]*strings.Builder
}

func newSubagentUI() *subagentUI {
	return &subagentUI{
		blockToID: make(map[int]string),
		messages:  make(map[string]chatclient.MessageID),
		startedAt: make(map[string]time.Time),
		timers:    make(map[string]*time.Timer),
		inputBuf:  make(map[string]*strings.Builder),
	}
}

// reset clears every in-flight dispatch, stopping its refresh timer. Called
// when a session is killed or restarted so a stale timer never fires into a
// dead conversation turn.
func (u *subagentUI) reset() {
	u.mu.Lock()
	defer u.mu.Unlock()
	for _, timer := range u.timers {
		timer.Stop()
	}
	u.blockToID = make(map[int]string)
	u.messages = make(map[string]chatclient.MessageID)
	u.startedAt = make(map[string]time.Time)
	u.timers = make(map[string]*time.Timer)
	u.inputBuf = make(map[string]*strings.Builder)
}

func dispatchLabel(r subagent.Record) string {
	if r.Label != "" {
		return r.Label
	}
	return "sub-agent"
}

// onDispatchStart posts the initial chat message for a freshly started
// sub-agent dispatch and arms its elapsed-time refresh.
func (o *Orchestrator) onDispatchStart(ctx context.Context, st *agentState, client chatclient.Client, to chatclient.Recipient, index int, toolUseID string) {
	rec := st.tracker.OnToolUseStart(toolUseID)
	o.ensureMailbox(st)

	st.ui.mu.Lock()
	st.ui.blockToID[index] = toolUseID
	st.ui.startedAt[toolUseID] = time.Now()
	st.ui.inputBuf[toolUseID] = &strings.Builder{}
	st.ui.mu.Unlock()

	html := format.ToChatHTML(fmt.Sprintf("dispatching %s…", dispatchLabel(*rec)))
	id, err := client.Send(ctx, to, html)
	if err != nil {
		return
	}
	st.ui.mu.Lock()
	st.ui.messages[toolUseID] = id
	st.ui.mu.Unlock()

	o.armRefresh(ctx, st, client, to, toolUseID)
}

// onDispatchInput folds in more of a sub-agent's streamed input_json_delta,
// updating its label once enough of the cumulative input has arrived to
// extract one.
func (o *Orchestrator) onDispatchInput(ctx context.Context, st *agentState, client chatclient.Client, to chatclient.Recipient, index int, fragment string) {
	st.ui.mu.Lock()
	toolUseID, ok := st.ui.blockToID[index]
	if !ok {
		st.ui.mu.Unlock()
		return
	}
	buf := st.ui.inputBuf[toolUseID]
	if buf == nil {
		buf = &strings.Builder{}
		st.ui.inputBuf[toolUseID] = buf
	}
	buf.WriteString(fragment)
	cumulative := buf.String()
	st.ui.mu.Unlock()

	before, _ := st.tracker.Get(toolUseID)
	st.tracker.ApplyPartialInput(toolUseID, cumulative)
	after, ok := st.tracker.Get(toolUseID)
	if ok && after.Label != before.Label {
		o.refreshMessage(ctx, st, client, to, toolUseID)
	}
}

// contentBlockText extracts the display text from a tool_result content
// block's Content field, which the child emits either as a bare string or
// as an array of nested text/image content blocks.
func contentBlockText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var asString string
	if err := json.Unmarshal(raw, &asString); err == nil {
		return asString
	}
	var blocks []protocol.ContentBlock
	if err := json.Unmarshal(raw, &blocks); err == nil {
		var parts []string
		for _, b := range blocks {
			if b.Type == "text" && b.Text != "" {
				parts = append(parts, b.Text)
			}
		}
		return strings.Join(parts, "\n")
	}
	return ""
}

// armRefresh (re)schedules the 15s tick that rewrites a dispatch's chat
// message with its elapsed time, and is also the point at which a
// mailbox- or notification-reconciled completion becomes visible, since
// each tick re-checks the tracker's status.
func (o *Orchestrator) armRefresh(ctx context.Context, st *agentState, client chatclient.Client, to chatclient.Recipient, toolUseID string) {
	st.ui.mu.Lock()
	if old, ok := st.ui.timers[toolUseID]; ok {
		old.Stop()
	}
	st.ui.timers[toolUseID] = time.AfterFunc(refreshInterval, func() {
		if o.refreshMessage(ctx, st, client, to, toolUseID) {
			o.armRefresh(ctx, st, client, to, toolUseID)
		}
	})
	st.ui.mu.Unlock()
}

// refreshMessage rewrites toolUseID's chat message to reflect the tracker's
// current state. It returns true if the dispatch is still running (the
// caller should rearm its timer) and false once it has reached a terminal
// status and the message has been finalized.
func (o *Orchestrator) refreshMessage(ctx context.Context, st *agentState, client chatclient.Client, to chatclient.Recipient, toolUseID string) bool {
	rec, ok := st.tracker.Get(toolUseID)
	if !ok {
		return false
	}

	st.ui.mu.Lock()
	id, hasMsg := st.ui.messages[toolUseID]
	started := st.ui.startedAt[toolUseID]
	st.ui.mu.Unlock()
	if !hasMsg {
		return false
	}

	switch rec.Status {
	case subagent.StatusCompleted:
		o.finalizeDispatch(ctx, st, client, to, toolUseID, id, "done", rec)
		return false
	case subagent.StatusFailed:
		o.finalizeDispatch(ctx, st, client, to, toolUseID, id, "failed", rec)
		return false
	default:
		elapsed := time.Since(started).Round(time.Second)
		html := format.ToChatHTML(fmt.Sprintf("%s: %s (%s)", dispatchLabel(rec), "running", elapsed))
		_ = client.Edit(ctx, to, id, html)
		return true
	}
}

func (o *Orchestrator) finalizeDispatch(ctx context.Context, st *agentState, client chatclient.Client, to chatclient.Recipient, toolUseID string, id chatclient.MessageID, verb string, rec subagent.Record) {
	text := fmt.Sprintf("%s %s", dispatchLabel(rec), verb)
	if rec.Result != "" {
		text = fmt.Sprintf("%s: %s", text, rec.Result)
	}
	_ = client.Edit(ctx, to, id, format.ToChatHTML(text))

	st.ui.mu.Lock()
	if timer, ok := st.ui.timers[toolUseID]; ok {
		timer.Stop()
		delete(st.ui.timers, toolUseID)
	}
	delete(st.ui.messages, toolUseID)
	delete(st.ui.startedAt, toolUseID)
	for idx, mappedID := range st.ui.blockToID {
		if mappedID == toolUseID {
			delete(st.ui.blockToID, idx)
		}
	}
	st.ui.mu.Unlock()
}

// ensureMailbox starts the fsnotify-backed mailbox watcher for st's repo when
// a sub-agent is dispatched and st has no watcher yet. It starts without
// regard to any team name; none is tracked. A
// sub-agent writes its result file here if it outlives the parent turn,
// making the mailbox the third and slowest of the three reconciliation
// paths; armRefresh's periodic tick is what notices the tracker change and
// reflects it in chat.
func (o *Orchestrator) ensureMailbox(st *agentState) {
	st.mu.Lock()
	if st.mailbox != nil {
		st.mu.Unlock()
		return
	}
	repoName := pick(st.override.repo, st.agent.RepoName)
	st.mu.Unlock()

	o.mu.Lock()
	cfg := o.cfg
	o.mu.Unlock()
	if cfg == nil {
		return
	}
	repo, ok := cfg.RepoByName(repoName)
	if !ok {
		return
	}

	dir := filepath.Join(repo.Path, ".tgccd", "subagent-mailbox")
	mb, err := subagent.NewMailbox(dir, st.tracker)
	if err != nil {
		log.Printf("bridge: mailbox init for %s failed: %v", st.agent.Name, err)
		return
	}

	st.mu.Lock()
	if st.mailbox != nil {
		st.mu.Unlock()
		return
	}
	st.mailbox = mb
	st.mu.Unlock()

	go mb.Run()
}

// stopMailbox stops st's mailbox watcher, if one is running; called when a
// session resets so a stale watcher from a prior turn doesn't keep feeding a
// tracker nothing references anymore.
func (o *Orchestrator) stopMailbox(st *agentState) {
	st.mu.Lock()
	mb := st.mailbox
	st.mailbox = nil
	st.mu.Unlock()
	if mb != nil {
		mb.Stop()
	}
}

// reconcileToolResult applies an inline tool_result content block (carried
// by a "user" event replayed from the child process) against the tracker:
// the first and fastest of the three reconciliation paths spec.md §4.4
// names. A tool_use_id the tracker never saw a dispatch start for is not a
// sub-agent result and is ignored.
func (o *Orchestrator) reconcileToolResult(ctx context.Context, st *agentState, client chatclient.Client, to chatclient.Recipient, block protocol.ContentBlock, toolUseResult *protocol.ToolUseResult) {
	if block.ToolUseID == "" {
		return
	}
	if _, ok := st.tracker.Get(block.ToolUseID); !ok {
		return
	}
	summary := contentBlockText(block.Content)
	failed := toolUseResult != nil && toolUseResult.Status == "error"
	if failed {
		st.tracker.Fail(block.ToolUseID, summary)
	} else {
		st.tracker.Complete(block.ToolUseID, summary)
	}
	o.refreshMessage(ctx, st, client, to, block.ToolUseID)
}

// reconcileNotifications applies every <background_agent_notification>
// block found in an assistant turn's text against the tracker, the second
// of the three reconciliation paths.
func (o *Orchestrator) reconcileNotifications(ctx context.Context, st *agentState, client chatclient.Client, to chatclient.Recipient, text string) {
	notifications := subagent.ParseNotifications(text)
	if len(notifications) == 0 {
		return
	}
	st.tracker.Apply(notifications)
	for _, n := range notifications {
		o.refreshMessage(ctx, st, client, to, n.ToolUseID)
	}
}
