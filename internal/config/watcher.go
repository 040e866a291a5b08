package config

import (
	"context"
	"log"
	"reflect"
	"time"

	"github.com/fsnotify/fsnotify"
)

// reloadDebounce coalesces the burst of events an editor's save-by-rename
// produces into a single reload.
const reloadDebounce = 300 * time.Millisecond

// Diff summarizes what changed between two snapshots, agent-by-agent, so a
// caller can start/stop only the agents actually affected instead of
// restarting everything on every edit.
type Diff struct {
	AddedAgents   []Agent
	RemovedAgents []Agent
	ChangedAgents []Agent
}

// IsEmpty reports whether the diff carries no changes.
func (d Diff) IsEmpty() bool {
	return len(d.AddedAgents) == 0 && len(d.RemovedAgents) == 0 && len(d.ChangedAgents) == 0
}

func diffSnapshots(oldSnap, newSnap *Snapshot) Diff {
	oldByName := make(map[string]Agent, len(oldSnap.Agents))
	for _, a := range oldSnap.Agents {
		oldByName[a.Name] = a
	}
	newByName := make(map[string]Agent, len(newSnap.Agents))
	for _, a := range newSnap.Agents {
		newByName[a.Name] = a
	}

	var d Diff
	for name, newAgent := range newByName {
		oldAgent, existed := oldByName[name]
		if !existed {
			d.AddedAgents = append(d.AddedAgents, newAgent)
			continue
		}
		if !reflect.DeepEqual(oldAgent, newAgent) {
			d.ChangedAgents = append(d.ChangedAgents, newAgent)
		}
	}
	for name, oldAgent := range oldByName {
		if _, stillExists := newByName[name]; !stillExists {
			d.RemovedAgents = append(d.RemovedAgents, oldAgent)
		}
	}
	return d
}

// Watcher reloads the configuration file on change and reports the diff.
type Watcher struct {
	path    string
	current *Snapshot
	onChange func(snap *Snapshot, diff Diff)
}

// NewWatcher loads path once and prepares to watch it.
func NewWatcher(path string, onChange func(snap *Snapshot, diff Diff)) (*Watcher, error) {
	snap, err := Load(path)
	if err != nil {
		return nil, err
	}
	return &Watcher{path: path, current: snap, onChange: onChange}, nil
}

// Current returns the most recently loaded snapshot.
func (w *Watcher) Current() *Snapshot {
	return w.current
}

// Run watches the file for changes until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fw.Close()

	if err := fw.Add(w.path); err != nil {
		return err
	}

	var debounce *time.Timer
	reload := make(chan struct{}, 1)

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(reloadDebounce, func() {
				select {
				case reload <- struct{}{}:
				default:
				}
			})
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			log.Printf("config: watcher error: %v", err)
		case <-reload:
			w.reload()
		}
	}
}

func (w *Watcher) reload() {
	snap, err := Load(w.path)
	if err != nil {
		log.Printf("config: reload failed, keeping previous snapshot: %v", err)
		return
	}
	diff := diffSnapshots(w.current, snap)
	w.current = snap
	if !diff.IsEmpty() && w.onChange != nil {
		w.onChange(snap, diff)
	}
}
