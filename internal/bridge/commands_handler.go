package bridge

import (
	"context"
	"fmt"
	"strings"

	"github.com/tgccd/tgccd/internal/chatclient"
	"github.com/tgccd/tgccd/internal/registry"
	"github.com/tgccd/tgccd/internal/subagent"
)

// handleCommand executes one parsed slash-command against an agent's state.
func (o *Orchestrator) handleCommand(ctx context.Context, st *agentState, client chatclient.Client, to chatclient.Recipient, cmd Command) {
	reply := o.runCommand(ctx, st, client, to, cmd)
	if reply != "" {
		_, _ = client.Send(ctx, to, reply)
	}
}

func (o *Orchestrator) runCommand(ctx context.Context, st *agentState, client chatclient.Client, to chatclient.Recipient, cmd Command) string {
	switch cmd.Name {
	case CmdStart:
		return fmt.Sprintf("connected to %s. Send a message to begin, or /help for commands.", st.agent.Name)

	case CmdHelp:
		return helpText

	case CmdPing:
		return "pong"

	case CmdStatus:
		return o.statusText(st)

	case CmdCost:
		st.mu.Lock()
		key, hasKey := st.key, st.hasKey
		st.mu.Unlock()
		if !hasKey {
			return "no active session"
		}
		sup, ok := o.registry.Find(key)
		if !ok {
			return "no active session"
		}
		return fmt.Sprintf("cumulative cost: $%.4f", sup.Cost())

	case CmdNew:
		o.resetSession(st)
		return "started a fresh session"

	case CmdContinue:
		st.mu.Lock()
		st.hasKey = false
		st.mu.Unlock()
		sup, _, err := o.ensureSupervisor(st)
		if err != nil {
			return "failed to continue: " + err.Error()
		}
		_ = sup
		return "continuing the most recent session"

	case CmdSessions:
		return o.sessionsText(st)

	case CmdResume:
		if len(cmd.Args) == 0 {
			return "usage: /resume <session-id>"
		}
		return o.resumeSession(st, cmd.Args[0])

	case CmdSession:
		st.mu.Lock()
		key, hasKey := st.key, st.hasKey
		st.mu.Unlock()
		if !hasKey {
			return "no active session"
		}
		return "active session: " + key.SessionID

	case CmdModel:
		if len(cmd.Args) == 0 {
			return "usage: /model <name>"
		}
		st.mu.Lock()
		st.override.model = cmd.Args[0]
		st.mu.Unlock()
		return "model set to " + cmd.Args[0] + " for the next session"

	case CmdRepo:
		if len(cmd.Args) == 0 {
			return "usage: /repo <name>"
		}
		o.mu.Lock()
		_, ok := o.cfg.RepoByName(cmd.Args[0])
		o.mu.Unlock()
		if !ok {
			return "unknown repo: " + cmd.Args[0]
		}
		st.mu.Lock()
		st.override.repo = cmd.Args[0]
		st.mu.Unlock()
		return "repo set to " + cmd.Args[0] + " for the next session"

	case CmdCancel:
		st.mu.Lock()
		key, hasKey := st.key, st.hasKey
		st.mu.Unlock()
		if !hasKey {
			return "no active session to cancel"
		}
		sup, ok := o.registry.Find(key)
		if !ok {
			return "no active session to cancel"
		}
		sup.Cancel()
		return "cancelled"

	case CmdCompact:
		st.mu.Lock()
		key, hasKey := st.key, st.hasKey
		st.mu.Unlock()
		if !hasKey {
			return "no active session to compact"
		}
		sup, ok := o.registry.Find(key)
		if !ok {
			return "no active session to compact"
		}
		if err := sup.SendUserText("/compact"); err != nil {
			return "failed to request compaction: " + err.Error()
		}
		return "requested context compaction"

	case CmdCatchup:
		return "nothing buffered while you were away"

	case CmdPermissions:
		return o.setPermissionMode(st, cmd.Args)

	default:
		return ""
	}
}

func (o *Orchestrator) statusText(st *agentState) string {
	st.mu.Lock()
	key, hasKey := st.key, st.hasKey
	st.mu.Unlock()
	if !hasKey {
		return "idle, no session running"
	}
	sup, ok := o.registry.Find(key)
	if !ok {
		return "idle, no session running"
	}
	return fmt.Sprintf("session %s: state=%s activity=%s cost=$%.4f",
		key.SessionID, sup.State(), sup.Activity(), sup.Cost())
}

func (o *Orchestrator) sessionsText(st *agentState) string {
	o.mu.Lock()
	repo, ok := o.cfg.RepoByName(pick(st.override.repo, st.agent.RepoName))
	o.mu.Unlock()
	if !ok {
		return "unknown repo"
	}
	list, err := o.ListSessions(repo.Path, 10)
	if err != nil {
		return "failed to list sessions: " + err.Error()
	}
	if len(list) == 0 {
		return "no persisted sessions found"
	}
	var sb strings.Builder
	for _, s := range list {
		fmt.Fprintf(&sb, "%s — %s (model=%s, fill=%.0f%%)\n", s.ID, s.Title, s.Model, s.ContextFill*100)
	}
	return sb.String()
}

func (o *Orchestrator) resumeSession(st *agentState, sessionID string) string {
	o.mu.Lock()
	repo, ok := o.cfg.RepoByName(pick(st.override.repo, st.agent.RepoName))
	o.mu.Unlock()
	if !ok {
		return "unknown repo"
	}

	st.mu.Lock()
	st.key = registry.Key{WorkingDir: repo.Path, SessionID: sessionID}
	st.hasKey = false // force a fresh spawn below with ResumeSessionID set
	st.mu.Unlock()

	_, _, err := o.ensureSupervisorResuming(st, sessionID)
	if err != nil {
		return "failed to resume: " + err.Error()
	}
	return "resuming session " + sessionID
}

// permissionModeAliases maps the user-facing /permissions argument to the
// process.Config.PermissionMode value the supervisor understands.
var permissionModeAliases = map[string]string{
	"default":     "",
	"ask":         "",
	"acceptedits": "acceptEdits",
	"accept":      "acceptEdits",
	"plan":        "plan",
	"skip":        "skip",
}

// setPermissionMode implements "/permissions [mode]": with no argument it
// reports the mode that will apply to the next spawn; with an argument it
// persists the override and kills the current process so the new mode takes
// effect on the next message, per spec.
func (o *Orchestrator) setPermissionMode(st *agentState, args []string) string {
	if len(args) == 0 {
		st.mu.Lock()
		mode := pick(st.override.permissionMode, st.agent.PermissionMode)
		st.mu.Unlock()
		if mode == "" {
			mode = "default"
		}
		return "permission mode: " + mode
	}
	alias := strings.ToLower(args[0])
	mode, ok := permissionModeAliases[alias]
	if !ok {
		return "usage: /permissions <default|acceptEdits|plan|skip>"
	}
	st.mu.Lock()
	st.override.permissionMode = mode
	st.mu.Unlock()
	o.resetSession(st)
	display := mode
	if display == "" {
		display = "default"
	}
	return "permission mode set to " + display + "; it takes effect on the next message"
}

func (o *Orchestrator) resetSession(st *agentState) {
	st.mu.Lock()
	key, hasKey := st.key, st.hasKey
	st.hasKey = false
	st.mu.Unlock()
	if hasKey {
		if sup, ok := o.registry.Find(key); ok {
			sup.Kill()
		}
	}
	o.stopMailbox(st)
	st.mu.Lock()
	st.tracker = subagent.New()
	st.mu.Unlock()
	st.ui.reset()
}
