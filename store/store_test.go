package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/codalabs/coda"
)

func TestSessionIDDeterministic(t *testing.T) {
	id1 := SessionID("/home/user/project", "fix bug")
	id2 := SessionID("/home/user/project", "fix bug")
	require.Equal(t, id1, id2)

	id3 := SessionID("/home/user/project", "fix bug 2")
	require.NotEqual(t, id1, id3)
}

func TestSessionIDSameWorkdirNameCollides(t *testing.T) {
	a := SessionID("/repo", "refactor")
	b := SessionID("/repo", "refactor")
	require.Equal(t, a, b, "same workdir+name must collide deliberately")
}

func TestSaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	store, err := NewSessionStore(dir)
	require.NoError(t, err)

	sess := coda.Session{
		SessionID:        SessionID("/repo", "demo"),
		Name:             "demo",
		WorkingDirectory: "/repo",
		ModelID:          "anthropic.claude",
		CreatedAt:        time.Now(),
		History:          []coda.Message{coda.UserText("do the thing")},
		TokenUsage:       coda.TokenUsage{InputTokens: 10, OutputTokens: 20},
	}
	require.NoError(t, store.Save(sess))

	loaded, err := store.Load(sess.SessionID)
	require.NoError(t, err)
	require.Equal(t, sess.Name, loaded.Name)
	require.Equal(t, sess.TokenUsage, loaded.TokenUsage)
	require.Len(t, loaded.History, 1)

	entries, err := filepath.Glob(filepath.Join(dir, "*.json"))
	require.NoError(t, err)
	require.Len(t, entries, 1, "save must not leave a .tmp file behind")
}

func TestLoadMissingReturnsNotFound(t *testing.T) {
	store, err := NewSessionStore(t.TempDir())
	require.NoError(t, err)
	_, err = store.Load("does-not-exist")
	require.ErrorIs(t, err, ErrSessionNotFound)
}

func TestListFiltersByWorkdirHashAndSortsByUpdatedDesc(t *testing.T) {
	dir := t.TempDir()
	store, err := NewSessionStore(dir)
	require.NoError(t, err)

	older := coda.Session{SessionID: SessionID("/repo-a", "one"), WorkingDirectory: "/repo-a", Name: "one", UpdatedAt: time.Now().Add(-time.Hour)}
	newer := coda.Session{SessionID: SessionID("/repo-a", "two"), WorkingDirectory: "/repo-a", Name: "two", UpdatedAt: time.Now()}
	other := coda.Session{SessionID: SessionID("/repo-b", "three"), WorkingDirectory: "/repo-b", Name: "three"}

	require.NoError(t, store.Save(older))
	require.NoError(t, store.Save(newer))
	require.NoError(t, store.Save(other))

	list, err := store.List("/repo-a")
	require.NoError(t, err)
	require.Len(t, list, 2)
	require.Equal(t, "two", list[0].Name, "most recently updated session must come first")
	require.Equal(t, "one", list[1].Name)
}

func TestRenameCreatesNewIDAndDeletesOld(t *testing.T) {
	dir := t.TempDir()
	store, err := NewSessionStore(dir)
	require.NoError(t, err)

	sess := coda.Session{SessionID: SessionID("/repo", "old-name"), WorkingDirectory: "/repo", Name: "old-name"}
	require.NoError(t, store.Save(sess))

	renamed, err := store.Rename(sess, "new-name")
	require.NoError(t, err)
	require.NotEqual(t, sess.SessionID, renamed.SessionID)

	_, err = store.Load(sess.SessionID)
	require.ErrorIs(t, err, ErrSessionNotFound)

	_, err = store.Load(renamed.SessionID)
	require.NoError(t, err)
}

func TestFilterExtraStateDropsOversizeSnapshots(t *testing.T) {
	dir := t.TempDir()
	store, err := NewSessionStore(dir)
	require.NoError(t, err)

	big := make([]byte, maxSnapshotBytes+1)
	sess := coda.Session{
		SessionID:        SessionID("/repo", "capped"),
		WorkingDirectory: "/repo",
		Name:             "capped",
		ExtraState: map[string]any{
			"snapshots": map[string]any{
				"big.txt":   string(big),
				"small.txt": "fits fine",
			},
		},
	}
	require.NoError(t, store.Save(sess))

	loaded, err := store.Load(sess.SessionID)
	require.NoError(t, err)
	snaps, ok := loaded.ExtraState["snapshots"].(map[string]any)
	require.True(t, ok)
	require.NotContains(t, snaps, "big.txt")
	require.Contains(t, snaps, "small.txt")
}
