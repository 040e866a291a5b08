package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleDoc = `{
  "global": {"telegram_token": "t-token", "data_dir": "/tmp/tgccd"},
  "repos": [{"name": "api", "path": "/repos/api"}],
  "agents": [{"name": "alice", "network": "telegram", "chat_id": "100", "repo_name": "api"}]
}`

func writeConfig(t *testing.T, dir, contents string) string {
	t.Helper()
	path := filepath.Join(dir, "config.json")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
	return path
}

func TestLoadParsesDocument(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, sampleDoc)

	snap, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "t-token", snap.Global.TelegramToken)
	require.Len(t, snap.Agents, 1)
	assert.Equal(t, "alice", snap.Agents[0].Name)

	repo, ok := snap.RepoByName("api")
	require.True(t, ok)
	assert.Equal(t, "/repos/api", repo.Path)
}

func TestLoadRejectsDocumentWithNoCredentials(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, `{"global": {}, "repos": [], "agents": []}`)

	_, err := Load(path)
	assert.Error(t, err)
}

func TestDiffSnapshotsDetectsAddedRemovedChanged(t *testing.T) {
	oldSnap := &Snapshot{Agents: []Agent{
		{Name: "alice", ChatID: "1"},
		{Name: "bob", ChatID: "2"},
	}}
	newSnap := &Snapshot{Agents: []Agent{
		{Name: "alice", ChatID: "1-changed"},
		{Name: "carol", ChatID: "3"},
	}}

	diff := diffSnapshots(oldSnap, newSnap)
	require.Len(t, diff.AddedAgents, 1)
	assert.Equal(t, "carol", diff.AddedAgents[0].Name)
	require.Len(t, diff.RemovedAgents, 1)
	assert.Equal(t, "bob", diff.RemovedAgents[0].Name)
	require.Len(t, diff.ChangedAgents, 1)
	assert.Equal(t, "alice", diff.ChangedAgents[0].Name)
}

func TestWatcherReloadsOnFileChange(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, sampleDoc)

	var gotDiff Diff
	changed := make(chan struct{}, 1)
	w, err := NewWatcher(path, func(snap *Snapshot, diff Diff) {
		gotDiff = diff
		changed <- struct{}{}
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	go w.Run(ctx)

	time.Sleep(50 * time.Millisecond)
	updated := `{
	  "global": {"telegram_token": "t-token", "data_dir": "/tmp/tgccd"},
	  "repos": [{"name": "api", "path": "/repos/api"}],
	  "agents": [
	    {"name": "alice", "network": "telegram", "chat_id": "100", "repo_name": "api"},
	    {"name": "bob", "network": "telegram", "chat_id": "200", "repo_name": "api"}
	  ]
	}`
	require.NoError(t, os.WriteFile(path, []byte(updated), 0o644))

	select {
	case <-changed:
	case <-time.After(2 * time.Second):
		t.Fatal("watcher did not observe the file change in time")
	}
	require.Len(t, gotDiff.AddedAgents, 1)
	assert.Equal(t, "bob", gotDiff.AddedAgents[0].Name)
}
