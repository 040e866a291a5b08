package adminsocket

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubCommandHandler struct {
	sent []sendParams
}

func (s *stubCommandHandler) Ping() (any, error) { return map[string]string{"status": "ok"}, nil }

func (s *stubCommandHandler) SendMessage(agentID, text string) (any, error) {
	s.sent = append(s.sent, sendParams{AgentID: agentID, Text: text})
	return map[string]string{"status": "sent"}, nil
}

func (s *stubCommandHandler) Status(agentID string) (any, error) {
	return map[string]string{"agentId": agentID, "state": "active"}, nil
}

func (s *stubCommandHandler) KillCC(agentID string) (any, error) {
	return map[string]string{"status": "killed"}, nil
}

func dialSupervisor(t *testing.T, path, agentID string) (net.Conn, *bufio.Scanner) {
	t.Helper()
	conn, err := net.Dial("unix", path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	reg := RegisterSupervisor{Type: "register_supervisor", AgentID: agentID, Capabilities: []string{"events"}}
	raw, err := json.Marshal(reg)
	require.NoError(t, err)
	_, err = conn.Write(append(raw, '\n'))
	require.NoError(t, err)

	return conn, bufio.NewScanner(conn)
}

func sendCommand(t *testing.T, conn net.Conn, requestID, action string, params any) {
	t.Helper()
	rawParams, err := json.Marshal(params)
	require.NoError(t, err)
	env := CommandEnvelope{Type: "command", RequestID: requestID, Action: action, Params: rawParams}
	raw, err := json.Marshal(env)
	require.NoError(t, err)
	_, err = conn.Write(append(raw, '\n'))
	require.NoError(t, err)
}

func readEnvelope(t *testing.T, scanner *bufio.Scanner) map[string]any {
	t.Helper()
	require.True(t, scanner.Scan(), "expected a line, got: %v", scanner.Err())
	var v map[string]any
	require.NoError(t, json.Unmarshal(scanner.Bytes(), &v))
	return v
}

func TestSupervisorServerRoundTripsPing(t *testing.T) {
	dir := t.TempDir()
	sockPath := filepath.Join(dir, "supervisor.sock")

	handler := &stubCommandHandler{}
	srv, err := NewSupervisorServer(sockPath, handler)
	require.NoError(t, err)
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go srv.Serve(ctx)
	time.Sleep(50 * time.Millisecond)

	conn, scanner := dialSupervisor(t, sockPath, "agent-1")
	sendCommand(t, conn, "req-1", "ping", PingArgs{})

	resp := readEnvelope(t, scanner)
	assert.Equal(t, "response", resp["type"])
	assert.Equal(t, "req-1", resp["requestId"])
	assert.Empty(t, resp["error"])
}

func TestSupervisorServerSendMessageReachesHandler(t *testing.T) {
	dir := t.TempDir()
	sockPath := filepath.Join(dir, "supervisor.sock")

	handler := &stubCommandHandler{}
	srv, err := NewSupervisorServer(sockPath, handler)
	require.NoError(t, err)
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go srv.Serve(ctx)
	time.Sleep(50 * time.Millisecond)

	conn, scanner := dialSupervisor(t, sockPath, "agent-1")
	sendCommand(t, conn, "req-2", "send_message", sendParams{AgentID: "agent-1", Text: "hello"})
	resp := readEnvelope(t, scanner)
	assert.Equal(t, "req-2", resp["requestId"])

	require.Len(t, handler.sent, 1)
	assert.Equal(t, "agent-1", handler.sent[0].AgentID)
	assert.Equal(t, "hello", handler.sent[0].Text)
}

func TestSupervisorServerPublishesToSubscribedFilter(t *testing.T) {
	dir := t.TempDir()
	sockPath := filepath.Join(dir, "supervisor.sock")

	handler := &stubCommandHandler{}
	srv, err := NewSupervisorServer(sockPath, handler)
	require.NoError(t, err)
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go srv.Serve(ctx)
	time.Sleep(50 * time.Millisecond)

	conn, scanner := dialSupervisor(t, sockPath, "agent-1")
	sendCommand(t, conn, "req-3", "subscribe", subscribeParams{Filter: "agent-1:*"})
	ack := readEnvelope(t, scanner)
	assert.Equal(t, "req-3", ack["requestId"])

	srv.Publish("result", "agent-1", "sess-1", "success")
	ev := readEnvelope(t, scanner)
	assert.Equal(t, "event", ev["type"])
	assert.Equal(t, "result", ev["event"])
	assert.Equal(t, "agent-1", ev["agentId"])
	assert.Equal(t, "sess-1", ev["sessionId"])

	// an event for a different agent never arrives
	srv.Publish("result", "agent-2", "sess-9", "success")
}

func TestSupervisorServerTakeoverSuppressesNextExit(t *testing.T) {
	dir := t.TempDir()
	sockPath := filepath.Join(dir, "supervisor.sock")

	handler := &stubCommandHandler{}
	srv, err := NewSupervisorServer(sockPath, handler)
	require.NoError(t, err)
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go srv.Serve(ctx)
	time.Sleep(50 * time.Millisecond)

	conn, scanner := dialSupervisor(t, sockPath, "agent-1")
	sendCommand(t, conn, "req-4", "subscribe", subscribeParams{Filter: "agent-1:sess-1"})
	_ = readEnvelope(t, scanner)

	srv.Publish("session_takeover", "agent-1", "sess-1", "")
	takeover := readEnvelope(t, scanner)
	assert.Equal(t, "session_takeover", takeover["event"])

	// the matching process_exit is swallowed...
	srv.Publish("process_exit", "agent-1", "sess-1", "")
	// ...so the next thing to arrive is an unrelated event, not the exit.
	srv.Publish("result", "agent-1", "sess-1", "success")
	next := readEnvelope(t, scanner)
	assert.Equal(t, "result", next["event"])
}

func TestParseFilter(t *testing.T) {
	sub, ok := parseFilter("agent-1:*")
	require.True(t, ok)
	assert.True(t, sub.matches("agent-1", "anything"))
	assert.False(t, sub.matches("agent-2", "anything"))

	sub, ok = parseFilter("agent-1:sess-1")
	require.True(t, ok)
	assert.True(t, sub.matches("agent-1", "sess-1"))
	assert.False(t, sub.matches("agent-1", "sess-2"))

	_, ok = parseFilter("malformed")
	assert.False(t, ok)
}
