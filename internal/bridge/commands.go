package bridge

import "strings"

// CommandName enumerates the slash-commands the bridge understands inline,
// separate from ordinary chat turns forwarded to the assistant.
type CommandName string

const (
	CmdNone        CommandName = ""
	CmdStart       CommandName = "start"
	CmdHelp        CommandName = "help"
	CmdPing        CommandName = "ping"
	CmdStatus      CommandName = "status"
	CmdCost        CommandName = "cost"
	CmdNew         CommandName = "new"
	CmdContinue    CommandName = "continue"
	CmdSessions    CommandName = "sessions"
	CmdResume      CommandName = "resume"
	CmdSession     CommandName = "session"
	CmdModel       CommandName = "model"
	CmdRepo        CommandName = "repo"
	CmdCancel      CommandName = "cancel"
	CmdCompact     CommandName = "compact"
	CmdCatchup     CommandName = "catchup"
	CmdPermissions CommandName = "permissions"
)

// knownCommands lists every recognized command name for validation.
var knownCommands = map[CommandName]bool{
	CmdStart: true, CmdHelp: true, CmdPing: true, CmdStatus: true, CmdCost: true,
	CmdNew: true, CmdContinue: true, CmdSessions: true, CmdResume: true,
	CmdSession: true, CmdModel: true, CmdRepo: true, CmdCancel: true,
	CmdCompact: true, CmdCatchup: true, CmdPermissions: true,
}

// Command is a parsed slash-command: a name plus whatever trailed it on the
// same line, split on whitespace.
type Command struct {
	Name CommandName
	Args []string
}

// ParseCommand recognizes "/name arg1 arg2" style input. Plain chat text
// (not starting with "/", or starting with "/" but naming something
// unrecognized) returns CmdNone so the caller treats it as a normal turn —
// an unrecognized leading slash is not assumed to be a typo'd command, since
// assistant replies themselves may start a line with "/".
func ParseCommand(text string) Command {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "/") {
		return Command{Name: CmdNone}
	}
	fields := strings.Fields(text[1:])
	if len(fields) == 0 {
		return Command{Name: CmdNone}
	}
	name := CommandName(strings.ToLower(fields[0]))
	if !knownCommands[name] {
		return Command{Name: CmdNone}
	}
	return Command{Name: name, Args: fields[1:]}
}

// helpText is the fixed response to /help.
const helpText = `Available commands:
/start - show this agent's welcome message
/help - show this list
/ping - check that the bridge is responsive
/status - show the current session's state and activity
/cost - show the current session's cumulative cost
/new - start a fresh session, discarding the current one
/continue - resume the most recently used session for this repo
/sessions - list recent sessions for this repo
/resume <id> - resume a specific session by id
/session - show which session is currently active
/model <name> - switch the assistant model for new sessions
/repo <name> - switch which repo this agent talks to
/cancel - interrupt the assistant mid-turn
/compact - ask the assistant to compact its context
/catchup - report that nothing was buffered; no messages are kept for replay
/permissions <mode> - set the assistant's permission mode`
