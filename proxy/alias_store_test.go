package proxy

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAliasStoreLifecycle(t *testing.T) {
	dir := t.TempDir()
	store, err := NewAliasStore(dir)
	require.NoError(t, err)

	_, ok := store.Get("mycopy")
	assert.False(t, ok)

	alias := VirtualAlias{
		Name:   "mycopy",
		Target: "llama-3.1-8b-instruct",
		System: "Be terse.",
		Parameters: map[string]any{
			"temperature": 0.2,
		},
	}
	require.NoError(t, store.Put(alias))

	got, ok := store.Get("mycopy")
	require.True(t, ok)
	assert.Equal(t, "llama-3.1-8b-instruct", got.Target)
	assert.Equal(t, "Be terse.", got.System)
	assert.False(t, got.CreatedAt.IsZero())

	require.NoError(t, store.Copy("mycopy", "mycopy2"))
	got2, ok := store.Get("mycopy2")
	require.True(t, ok)
	assert.Equal(t, got.Target, got2.Target)
	assert.Equal(t, got.System, got2.System)

	require.NoError(t, store.Delete("mycopy2"))
	_, ok = store.Get("mycopy2")
	assert.False(t, ok)

	err = store.Delete("never-existed")
	require.Error(t, err)
	assert.Equal(t, ErrModelNotFound, asProxyError(err).Kind)
}

func TestAliasStoreGenerationBumpsOnEveryMutation(t *testing.T) {
	store, err := NewAliasStore(t.TempDir())
	require.NoError(t, err)

	gen := store.Generation()

	require.NoError(t, store.Put(VirtualAlias{Name: "a", Target: "t"}))
	assert.Greater(t, store.Generation(), gen)
	gen = store.Generation()

	require.NoError(t, store.Copy("a", "b"))
	assert.Greater(t, store.Generation(), gen)
	gen = store.Generation()

	require.NoError(t, store.Delete("b"))
	assert.Greater(t, store.Generation(), gen)
	gen = store.Generation()

	// a failed delete is not a mutation
	_ = store.Delete("b")
	assert.Equal(t, gen, store.Generation())
}

func TestAliasStorePersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()

	store, err := NewAliasStore(dir)
	require.NoError(t, err)
	require.NoError(t, store.Put(VirtualAlias{
		Name:     "mine",
		Target:   "qwen2.5-7b-instruct",
		Messages: []OllamaMessage{{Role: "user", Content: "hello"}},
		Adapters: []string{"lora-1"},
	}))

	reopened, err := NewAliasStore(dir)
	require.NoError(t, err)

	got, ok := reopened.Get("mine")
	require.True(t, ok)
	assert.Equal(t, "qwen2.5-7b-instruct", got.Target)
	require.Len(t, got.Messages, 1)
	assert.Equal(t, "hello", got.Messages[0].Content)
	assert.Equal(t, []string{"lora-1"}, got.Adapters)
	assert.Equal(t, store.Generation(), reopened.Generation())
}

func TestAliasStorePreservesUnknownFields(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "virtual_models.json")

	seed := `{
	  "generation": 3,
	  "aliases": {
	    "future": {
	      "name": "future",
	      "target": "phi-4",
	      "created_at": "2025-01-02T03:04:05Z",
	      "embedding_dim": 4096,
	      "router_hints": {"tier": "fast"}
	    }
	  }
	}`
	require.NoError(t, os.WriteFile(path, []byte(seed), 0o644))

	store, err := NewAliasStore(dir)
	require.NoError(t, err)

	// a write through this (older) version must not drop the newer fields
	require.NoError(t, store.Put(VirtualAlias{Name: "other", Target: "qwen"}))

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var doc map[string]any
	require.NoError(t, json.Unmarshal(data, &doc))
	aliases := doc["aliases"].(map[string]any)
	future := aliases["future"].(map[string]any)
	assert.Equal(t, float64(4096), future["embedding_dim"])
	assert.Equal(t, map[string]any{"tier": "fast"}, future["router_hints"])
	assert.Equal(t, "phi-4", future["target"])
}

func TestAliasStorePersistFailureLeavesStateUntouched(t *testing.T) {
	dir := t.TempDir()
	store, err := NewAliasStore(dir)
	require.NoError(t, err)
	require.NoError(t, store.Put(VirtualAlias{Name: "keeper", Target: "t1"}))
	gen := store.Generation()

	// a directory squatting on the store path makes the atomic rename fail
	require.NoError(t, os.Remove(store.path))
	require.NoError(t, os.Mkdir(store.path, 0o755))

	err = store.Put(VirtualAlias{Name: "doomed", Target: "t2"})
	require.Error(t, err)
	_, ok := store.Get("doomed")
	assert.False(t, ok, "failed write must not be visible in memory")
	assert.Equal(t, gen, store.Generation(), "failed write must not bump the generation")

	err = store.Delete("keeper")
	require.Error(t, err)
	_, ok = store.Get("keeper")
	assert.True(t, ok, "failed delete must keep the alias visible")
	assert.Equal(t, gen, store.Generation())
}

func TestAliasStoreAtomicWriteLeavesNoTempFiles(t *testing.T) {
	dir := t.TempDir()
	store, err := NewAliasStore(dir)
	require.NoError(t, err)
	require.NoError(t, store.Put(VirtualAlias{Name: "a", Target: "t"}))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	for _, e := range entries {
		assert.NotContains(t, e.Name(), ".tmp-")
	}
}
