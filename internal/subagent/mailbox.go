package subagent

import (
	"encoding/json"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// mailboxDebounce coalesces rapid-fire writes (a sub-agent process may write
// its result file in more than one syscall) into a single read.
const mailboxDebounce = 300 * time.Millisecond

// mailboxEntry is the on-disk shape of one sub-agent result file.
type mailboxEntry struct {
	ToolUseID string `json:"tool_use_id"`
	Status    string `json:"status"`
	Summary   string `json:"summary"`
}

// Mailbox watches a directory for sub-agent result files and reconciles
// them against a Tracker as they appear. It is the third reconciliation
// path, used when a sub-agent's own process outlives the parent turn and
// reports back asynchronously.
type Mailbox struct {
	dir     string
	tracker *Tracker

	mu       sync.Mutex
	debounce *time.Timer
	done     chan struct{}
	seen     map[string]bool
}

// NewMailbox prepares a watcher rooted at dir, creating it if absent.
func NewMailbox(dir string, tracker *Tracker) (*Mailbox, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &Mailbox{
		dir:     dir,
		tracker: tracker,
		done:    make(chan struct{}),
		seen:    make(map[string]bool),
	}, nil
}

// Run starts the watch loop; it returns once Stop is called or the watcher
// fails to initialize.
func (m *Mailbox) Run() {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		log.Printf("subagent: mailbox watcher init failed: %v", err)
		return
	}
	defer watcher.Close()

	if err := watcher.Add(m.dir); err != nil {
		log.Printf("subagent: mailbox watch add failed: %v", err)
		return
	}

	// Pick up files already present before the watch started.
	m.scheduleDrain()

	signals := make(chan struct{}, 1)
	for {
		select {
		case <-m.done:
			return
		case ev, ok := <-watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			select {
			case signals <- struct{}{}:
			default:
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			log.Printf("subagent: mailbox watcher error: %v", err)
		case <-signals:
			m.scheduleDrain()
		}
	}
}

// scheduleDrain (re)arms the debounce timer; the actual directory read
// happens once writes have quieted down.
func (m *Mailbox) scheduleDrain() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.debounce != nil {
		m.debounce.Stop()
	}
	m.debounce = time.AfterFunc(mailboxDebounce, m.drain)
}

func (m *Mailbox) drain() {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		log.Printf("subagent: mailbox read dir failed: %v", err)
		return
	}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		m.mu.Lock()
		already := m.seen[entry.Name()]
		m.mu.Unlock()
		if already {
			continue
		}

		path := filepath.Join(m.dir, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		var e mailboxEntry
		if err := json.Unmarshal(data, &e); err != nil {
			log.Printf("subagent: dropping malformed mailbox file %s: %v", entry.Name(), err)
			continue
		}
		if e.ToolUseID == "" {
			continue
		}

		m.mu.Lock()
		m.seen[entry.Name()] = true
		m.mu.Unlock()

		if strings.EqualFold(e.Status, "failed") {
			m.tracker.Fail(e.ToolUseID, e.Summary)
		} else {
			m.tracker.Complete(e.ToolUseID, e.Summary)
		}
	}
}

// Stop ends the watch loop.
func (m *Mailbox) Stop() {
	close(m.done)
	m.mu.Lock()
	if m.debounce != nil {
		m.debounce.Stop()
	}
	m.mu.Unlock()
}
