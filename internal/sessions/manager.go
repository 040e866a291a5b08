// Package sessions discovers sessions an assistant subprocess has already
// persisted to disk, read-only: the daemon never writes these transcripts,
// only reads them to let a user resume or list past conversations.
package sessions

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/tgccd/tgccd/internal/protocol"
)

// contextWindowTokens is the approximate model context window used to turn
// a raw token count into a fill percentage; it is a heuristic, not an exact
// accounting of the model's real limit.
const contextWindowTokens = 200_000

// Session summarizes one persisted transcript file discovered on disk.
type Session struct {
	ID           string
	Path         string
	Title        string
	Model        string
	UpdatedAt    time.Time
	ContextFill  float64 // 0..1, heuristic
	MessageCount int
}

// Manager discovers sessions under a root directory laid out as one
// subdirectory per project slug, each holding one NDJSON file per session.
type Manager struct {
	root string
}

// NewManager creates a manager rooted at root (e.g. ~/.claude/projects).
func NewManager(root string) *Manager {
	return &Manager{root: root}
}

// slugify mirrors the convention assistant CLIs use for turning an absolute
// working directory into a flat, filesystem-safe project directory name.
func slugify(workingDir string) string {
	s := strings.TrimPrefix(workingDir, "/")
	s = strings.ReplaceAll(s, "/", "-")
	return "-" + s
}

// List returns every session discovered for workingDir, newest first,
// limited to limit entries if limit > 0.
func (m *Manager) List(workingDir string, limit int) ([]Session, error) {
	projectDir := filepath.Join(m.root, slugify(workingDir))
	entries, err := os.ReadDir(projectDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var sessions []Session
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".jsonl") {
			continue
		}
		path := filepath.Join(projectDir, entry.Name())
		sess, err := readSession(path)
		if err != nil {
			continue
		}
		info, err := entry.Info()
		if err == nil {
			sess.UpdatedAt = info.ModTime()
		}
		sessions = append(sessions, sess)
	}

	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].UpdatedAt.After(sessions[j].UpdatedAt)
	})
	if limit > 0 && len(sessions) > limit {
		sessions = sessions[:limit]
	}
	return sessions, nil
}

// readSession extracts a heuristic title (the first user message's text),
// the model name, and the last reported token usage from one transcript
// file, tolerating malformed or partial lines the same way the live NDJSON
// scanner does.
func readSession(path string) (Session, error) {
	file, err := os.Open(path)
	if err != nil {
		return Session{}, err
	}
	defer file.Close()

	id := strings.TrimSuffix(filepath.Base(path), ".jsonl")
	sess := Session{ID: id, Path: path}

	scanner := protocol.NewScanner(file)
	var lastUsage *protocol.Usage
	for {
		ev, ok := scanner.Next()
		if !ok {
			break
		}
		sess.MessageCount++

		if ev.Type == "system" && ev.Subtype == "init" {
			if sess.Model == "" {
				sess.Model = ev.Model
			}
		}
		if ev.Type == "user" && sess.Title == "" {
			msg := protocol.ParseMessage(ev.RawMessage)
			sess.Title = firstLine(textOf(msg))
		}
		if ev.Type == "result" && ev.TotalUsage != nil {
			lastUsage = ev.TotalUsage
		}
	}

	if lastUsage != nil {
		used := lastUsage.InputTokens + lastUsage.CacheReadInputTokens + lastUsage.OutputTokens
		sess.ContextFill = float64(used) / float64(contextWindowTokens)
		if sess.ContextFill > 1 {
			sess.ContextFill = 1
		}
	}
	if sess.Title == "" {
		sess.Title = "Session " + shortID(id)
	}
	return sess, nil
}

func textOf(msg protocol.AssistantMessage) string {
	var sb strings.Builder
	for _, b := range msg.Content {
		if b.Type == "text" {
			sb.WriteString(b.Text)
		}
	}
	return sb.String()
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	const maxTitleLen = 80
	if len(s) > maxTitleLen {
		s = s[:maxTitleLen]
	}
	return s
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
