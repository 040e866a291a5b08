package adminsocket

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"os"
	"strings"
	"sync"
	"time"
)

// readTimeout bounds how long a connection may sit idle before it is closed,
// per spec.md §5 ("Admin socket reads have a 10 s inactivity timeout").
const readTimeout = 10 * time.Second

// RegisterSupervisor is the first line a supervisor connection must send.
type RegisterSupervisor struct {
	Type         string   `json:"type"` // "register_supervisor"
	AgentID      string   `json:"agentId"`
	Capabilities []string `json:"capabilities,omitempty"`
}

// CommandEnvelope is a supervisor-issued command after registration.
type CommandEnvelope struct {
	Type      string          `json:"type"` // "command"
	RequestID string          `json:"requestId"`
	Action    string          `json:"action"`
	Params    json.RawMessage `json:"params,omitempty"`
}

// ResponseEnvelope answers one CommandEnvelope.
type ResponseEnvelope struct {
	Type      string `json:"type"` // "response"
	RequestID string `json:"requestId"`
	Result    any    `json:"result,omitempty"`
	Error     string `json:"error,omitempty"`
}

// EventEnvelope is pushed to every subscriber whose filter matches.
type EventEnvelope struct {
	Type      string `json:"type"` // "event"
	Event     string `json:"event"`
	AgentID   string `json:"agentId"`
	SessionID string `json:"sessionId,omitempty"`
	Detail    string `json:"detail,omitempty"`
}

// CommandHandler answers the actions a registered supervisor may issue:
// ping, send_message, send_to_cc, status, kill_cc. subscribe/unsubscribe are
// handled by SupervisorServer itself since they only affect event fan-out.
type CommandHandler interface {
	Ping() (any, error)
	SendMessage(agentID, text string) (any, error)
	Status(agentID string) (any, error)
	KillCC(agentID string) (any, error)
}

type sendParams struct {
	AgentID string `json:"agentId"`
	Text    string `json:"text"`
}

type agentParams struct {
	AgentID string `json:"agentId"`
}

type subscribeParams struct {
	// Filter is "agentId:*" (every session of that agent) or
	// "agentId:sessionId" (one session), per spec.md §4.7.
	Filter string `json:"filter"`
}

// subscription is one connection's event filter, parsed into its two parts
// for cheap matching (sessionID == "*" matches every session).
type subscription struct {
	agentID   string
	sessionID string
}

func parseFilter(filter string) (subscription, bool) {
	parts := strings.SplitN(filter, ":", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return subscription{}, false
	}
	return subscription{agentID: parts[0], sessionID: parts[1]}, true
}

func (s subscription) matches(agentID, sessionID string) bool {
	if s.agentID != agentID {
		return false
	}
	return s.sessionID == "*" || s.sessionID == sessionID
}

// SupervisorServer implements the second admin endpoint from spec.md §4.7:
// a supervisor registers once, then issues command envelopes and receives a
// filtered stream of event envelopes for the agents/sessions it subscribed
// to. A `takeover` event suppresses the next `process_exit` event for the
// same session id, per spec.md §4.7 and §8 property 6.
type SupervisorServer struct {
	path    string
	handler CommandHandler

	listener net.Listener

	mu            sync.Mutex
	conns         map[*supervisorConn]struct{}
	suppressExits map[string]int // sessionID -> count of process_exit events to swallow
}

type supervisorConn struct {
	conn    net.Conn
	writeMu sync.Mutex
	agentID string

	mu   sync.Mutex
	subs []subscription
}

// NewSupervisorServer binds path, clearing any stale socket file first.
func NewSupervisorServer(path string, handler CommandHandler) (*SupervisorServer, error) {
	if err := os.RemoveAll(path); err != nil {
		return nil, fmt.Errorf("adminsocket: clear stale supervisor socket %s: %w", path, err)
	}
	listener, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("adminsocket: listen %s: %w", path, err)
	}
	return &SupervisorServer{
		path:          path,
		handler:       handler,
		listener:      listener,
		conns:         make(map[*supervisorConn]struct{}),
		suppressExits: make(map[string]int),
	}, nil
}

// Serve accepts connections until ctx is cancelled.
func (s *SupervisorServer) Serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		_ = s.listener.Close()
	}()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("adminsocket: supervisor accept: %w", err)
		}
		go s.serveConn(ctx, conn)
	}
}

func (s *SupervisorServer) serveConn(ctx context.Context, conn net.Conn) {
	sc := &supervisorConn{conn: conn}
	defer func() {
		s.mu.Lock()
		delete(s.conns, sc)
		s.mu.Unlock()
		_ = conn.Close()
	}()

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 4096), 1<<20)

	_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
	if !scanner.Scan() {
		return
	}
	var reg RegisterSupervisor
	if err := json.Unmarshal(scanner.Bytes(), &reg); err != nil || reg.Type != "register_supervisor" || reg.AgentID == "" {
		s.writeLine(sc, map[string]string{"type": "error", "error": "expected register_supervisor as the first line"})
		return
	}
	sc.agentID = reg.AgentID

	s.mu.Lock()
	s.conns[sc] = struct{}{}
	s.mu.Unlock()

	for {
		_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
		if !scanner.Scan() {
			return
		}
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var env CommandEnvelope
		if err := json.Unmarshal(line, &env); err != nil {
			s.writeLine(sc, map[string]string{"type": "error", "error": "malformed command: " + err.Error()})
			continue
		}
		s.dispatch(sc, env)
	}
}

func (s *SupervisorServer) dispatch(sc *supervisorConn, env CommandEnvelope) {
	switch env.Action {
	case "subscribe":
		var p subscribeParams
		if err := json.Unmarshal(env.Params, &p); err != nil {
			s.reply(sc, env.RequestID, nil, err)
			return
		}
		sub, ok := parseFilter(p.Filter)
		if !ok {
			s.reply(sc, env.RequestID, nil, fmt.Errorf("invalid filter %q, expected agentId:* or agentId:sessionId", p.Filter))
			return
		}
		sc.mu.Lock()
		sc.subs = append(sc.subs, sub)
		sc.mu.Unlock()
		s.reply(sc, env.RequestID, map[string]string{"subscribed": p.Filter}, nil)

	case "unsubscribe":
		var p subscribeParams
		if err := json.Unmarshal(env.Params, &p); err != nil {
			s.reply(sc, env.RequestID, nil, err)
			return
		}
		sub, ok := parseFilter(p.Filter)
		if !ok {
			s.reply(sc, env.RequestID, nil, fmt.Errorf("invalid filter %q", p.Filter))
			return
		}
		sc.mu.Lock()
		kept := sc.subs[:0]
		for _, existing := range sc.subs {
			if existing != sub {
				kept = append(kept, existing)
			}
		}
		sc.subs = kept
		sc.mu.Unlock()
		s.reply(sc, env.RequestID, map[string]string{"unsubscribed": p.Filter}, nil)

	case "ping":
		result, err := s.handler.Ping()
		s.reply(sc, env.RequestID, result, err)

	case "send_message", "send_to_cc":
		var p sendParams
		if err := json.Unmarshal(env.Params, &p); err != nil {
			s.reply(sc, env.RequestID, nil, err)
			return
		}
		result, err := s.handler.SendMessage(p.AgentID, p.Text)
		s.reply(sc, env.RequestID, result, err)

	case "status":
		var p agentParams
		if err := json.Unmarshal(env.Params, &p); err != nil {
			s.reply(sc, env.RequestID, nil, err)
			return
		}
		result, err := s.handler.Status(p.AgentID)
		s.reply(sc, env.RequestID, result, err)

	case "kill_cc":
		var p agentParams
		if err := json.Unmarshal(env.Params, &p); err != nil {
			s.reply(sc, env.RequestID, nil, err)
			return
		}
		result, err := s.handler.KillCC(p.AgentID)
		s.reply(sc, env.RequestID, result, err)

	default:
		s.reply(sc, env.RequestID, nil, fmt.Errorf("unknown action: %s", env.Action))
	}
}

func (s *SupervisorServer) reply(sc *supervisorConn, requestID string, result any, err error) {
	resp := ResponseEnvelope{Type: "response", RequestID: requestID, Result: result}
	if err != nil {
		resp.Error = err.Error()
	}
	s.writeLine(sc, resp)
}

func (s *SupervisorServer) writeLine(sc *supervisorConn, v any) {
	raw, err := json.Marshal(v)
	if err != nil {
		log.Printf("adminsocket: marshal supervisor line: %v", err)
		return
	}
	sc.writeMu.Lock()
	defer sc.writeMu.Unlock()
	if _, err := sc.conn.Write(append(raw, '\n')); err != nil {
		log.Printf("adminsocket: write to supervisor %s: %v", sc.agentID, err)
	}
}

// Publish fans out one event to every connection subscribed to agentID's
// sessionID (or to its wildcard). A takeover event arms suppression of the
// very next process_exit for the same session id; Publish applies that
// suppression itself so callers need not coordinate it.
func (s *SupervisorServer) Publish(event, agentID, sessionID, detail string) {
	suppressKey := agentID + "\x00" + sessionID

	s.mu.Lock()
	if event == "session_takeover" {
		s.suppressExits[suppressKey]++
	} else if event == "process_exit" {
		if n := s.suppressExits[suppressKey]; n > 0 {
			if n == 1 {
				delete(s.suppressExits, suppressKey)
			} else {
				s.suppressExits[suppressKey] = n - 1
			}
			s.mu.Unlock()
			return
		}
	}
	conns := make([]*supervisorConn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	env := EventEnvelope{Type: "event", Event: event, AgentID: agentID, SessionID: sessionID, Detail: detail}
	for _, c := range conns {
		c.mu.Lock()
		matched := false
		for _, sub := range c.subs {
			if sub.matches(agentID, sessionID) {
				matched = true
				break
			}
		}
		c.mu.Unlock()
		if matched {
			s.writeLine(c, env)
		}
	}
}

// Close stops listening and removes the socket file.
func (s *SupervisorServer) Close() error {
	err := s.listener.Close()
	_ = os.Remove(s.path)
	return err
}
