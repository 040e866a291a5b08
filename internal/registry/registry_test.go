package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tgccd/tgccd/internal/process"
)

func TestRegisterAndFind(t *testing.T) {
	r := New()
	sup := process.New(process.Config{BinaryPath: "claude"})
	key := Key{WorkingDir: "/tmp/repo", SessionID: "tentative-1"}

	r.Register(key, sup)

	found, ok := r.Find(key)
	require.True(t, ok)
	assert.Same(t, sup, found)
}

func TestFindMissingKey(t *testing.T) {
	r := New()
	_, ok := r.Find(Key{WorkingDir: "/nowhere"})
	assert.False(t, ok)
}

func TestRekeyPreservesEntry(t *testing.T) {
	r := New()
	sup := process.New(process.Config{BinaryPath: "claude"})
	oldKey := Key{WorkingDir: "/tmp/repo", SessionID: "tentative-1"}
	newKey := Key{WorkingDir: "/tmp/repo", SessionID: "real-session-id"}

	r.Register(oldKey, sup)
	require.True(t, r.Rekey(oldKey, newKey))

	_, ok := r.Find(oldKey)
	assert.False(t, ok)
	found, ok := r.Find(newKey)
	require.True(t, ok)
	assert.Same(t, sup, found)
}

func TestRekeyFailsOnCollision(t *testing.T) {
	r := New()
	a := process.New(process.Config{BinaryPath: "claude"})
	b := process.New(process.Config{BinaryPath: "claude"})
	keyA := Key{WorkingDir: "/a"}
	keyB := Key{WorkingDir: "/b"}

	r.Register(keyA, a)
	r.Register(keyB, b)

	assert.False(t, r.Rekey(keyA, keyB))
}

func TestSubscribeReturnsFalseForMissingKey(t *testing.T) {
	r := New()
	_, _, ok := r.Subscribe(Key{WorkingDir: "/missing"})
	assert.False(t, ok)
}

func TestSubscribeThenCancel(t *testing.T) {
	r := New()
	sup := process.New(process.Config{BinaryPath: "claude"})
	key := Key{WorkingDir: "/tmp/repo"}
	r.Register(key, sup)

	ch, cancel, ok := r.Subscribe(key)
	require.True(t, ok)
	require.NotNil(t, ch)
	cancel()
}

func TestFindByProcess(t *testing.T) {
	r := New()
	sup := process.New(process.Config{BinaryPath: "claude"})
	key := Key{WorkingDir: "/tmp/repo"}
	r.Register(key, sup)

	found, ok := r.FindByProcess(sup)
	require.True(t, ok)
	assert.Equal(t, key, found)
}

func TestKeysReflectsRegistrations(t *testing.T) {
	r := New()
	r.Register(Key{WorkingDir: "/a"}, process.New(process.Config{BinaryPath: "claude"}))
	r.Register(Key{WorkingDir: "/b"}, process.New(process.Config{BinaryPath: "claude"}))
	assert.Len(t, r.Keys(), 2)
}
