package coda

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

// fakeRevertWriter is an in-memory RevertWriter for exercising RevertAll/
// RevertToStep without a real backend.
type fakeRevertWriter struct {
	files map[string]string
}

func newFakeRevertWriter(initial map[string]string) *fakeRevertWriter {
	files := make(map[string]string, len(initial))
	for k, v := range initial {
		files[k] = v
	}
	return &fakeRevertWriter{files: files}
}

func (w *fakeRevertWriter) WriteFile(ctx context.Context, path, content string) error {
	w.files[path] = content
	return nil
}

func (w *fakeRevertWriter) FileExists(ctx context.Context, path string) (bool, error) {
	_, ok := w.files[path]
	return ok, nil
}

func (w *fakeRevertWriter) RemoveFile(ctx context.Context, path string) error {
	delete(w.files, path)
	return nil
}

func TestRevertAllRestoresModifiedFileContent(t *testing.T) {
	s := NewSnapshotStore()
	s.SnapshotFileBeforeWrite("a.go", true, "original", false)

	w := newFakeRevertWriter(map[string]string{"a.go": "edited"})
	require.NoError(t, s.RevertAll(context.Background(), w))

	require.Equal(t, "original", w.files["a.go"])
}

func TestRevertAllRemovesCreatedFileStillOnDisk(t *testing.T) {
	s := NewSnapshotStore()
	s.SnapshotFileBeforeWrite("new.go", false, "package main", true)

	w := newFakeRevertWriter(map[string]string{"new.go": "package main"})
	require.NoError(t, s.RevertAll(context.Background(), w))

	_, exists := w.files["new.go"]
	require.False(t, exists)
}

// TestRevertAllRecreatesCreatedFileAlreadyDeleted covers the
// create-then-delete-then-revert sequence: the agent created a file this
// run and then deleted it itself before the run ended, so reverting must
// bring it back from the stored creation content rather than trying (and
// failing) to remove a file that is already gone.
func TestRevertAllRecreatesCreatedFileAlreadyDeleted(t *testing.T) {
	s := NewSnapshotStore()
	s.SnapshotFileBeforeWrite("scratch.go", false, "package main\n\nfunc scratch() {}\n", true)

	w := newFakeRevertWriter(nil) // file no longer exists on disk
	require.NoError(t, s.RevertAll(context.Background(), w))

	require.Equal(t, "package main\n\nfunc scratch() {}\n", w.files["scratch.go"])
}

func TestRevertAllLeavesAlreadyAbsentLegacyMarkerAlone(t *testing.T) {
	s := NewSnapshotStore()
	s.perFile["legacy.go"] = Snapshot{Kind: SnapshotAbsent} // no content recorded

	w := newFakeRevertWriter(nil)
	require.NoError(t, s.RevertAll(context.Background(), w))

	_, exists := w.files["legacy.go"]
	require.False(t, exists)
}

func TestRevertToStepRestoresContentAndDropsLaterCheckpoints(t *testing.T) {
	s := NewSnapshotStore()
	s.CaptureStepCheckpoint(1, map[string]string{"a.go": "step1"})
	s.CaptureStepCheckpoint(2, map[string]string{"a.go": "step2"})
	s.CaptureStepCheckpoint(3, map[string]string{"a.go": "step3"})

	w := newFakeRevertWriter(map[string]string{"a.go": "step3"})
	require.NoError(t, s.RevertToStep(context.Background(), w, 2))

	require.Equal(t, "step2", w.files["a.go"])

	_, steps, _ := s.ForPersistence()
	require.Contains(t, steps, 1)
	require.Contains(t, steps, 2)
	require.NotContains(t, steps, 3)
}

func TestRevertToStepMissingCheckpointReturnsSentinelError(t *testing.T) {
	s := NewSnapshotStore()
	w := newFakeRevertWriter(nil)
	err := s.RevertToStep(context.Background(), w, 99)
	require.ErrorIs(t, err, ErrSnapshotMissing)
}

func TestSnapshotFileBeforeWriteIsFirstWriteWins(t *testing.T) {
	s := NewSnapshotStore()
	s.SnapshotFileBeforeWrite("a.go", true, "v1", false)
	s.SnapshotFileBeforeWrite("a.go", true, "v2", false) // second write in the same run, ignored

	w := newFakeRevertWriter(map[string]string{"a.go": "v3"})
	require.NoError(t, s.RevertAll(context.Background(), w))
	require.Equal(t, "v1", w.files["a.go"])
}

func TestSessionCheckpointsRingBufferCap(t *testing.T) {
	s := NewSnapshotStore()
	for i := 0; i < maxSessionCheckpoints+5; i++ {
		s.CreateSessionCheckpoint("batch", map[string]string{"a.go": "content"})
	}
	require.Len(t, s.SessionCheckpoints(), maxSessionCheckpoints)
}
