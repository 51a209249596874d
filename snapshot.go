package coda

import (
	"context"
	"sort"
	"sync"
	"unicode/utf8"
)

const (
	maxSnapshotBytes       = 1 << 20 // 1 MB, per spec.md §4.6
	maxSessionCheckpoints  = 25      // ring-buffered
	persistedSessionCheckpoints = 10
	persistedStepCheckpoints    = 15
)

// SessionCheckpoint is tier 3: a batch-level checkpoint taken before a risky
// file batch or any non-safe command.
type SessionCheckpoint struct {
	ID        string              `json:"id"`
	Label     string              `json:"label"`
	CreatedAt int64               `json:"createdAt"`
	Files     map[string]Snapshot `json:"files"`
}

// SnapshotStore holds the three tiers of per-file/per-step/per-batch
// snapshots described in spec.md §4.6. It is owned exclusively by the
// executor task that created it.
type SnapshotStore struct {
	mu sync.Mutex

	perFile map[string]Snapshot // absPath -> original content, first write wins

	stepCheckpoints map[int]map[string]string // step number -> absPath -> content
	stepOrder       []int

	sessionCheckpoints []SessionCheckpoint
}

// NewSnapshotStore returns an empty SnapshotStore.
func NewSnapshotStore() *SnapshotStore {
	return &SnapshotStore{
		perFile:         make(map[string]Snapshot),
		stepCheckpoints: make(map[int]map[string]string),
	}
}

// SnapshotFileBeforeWrite records the pre-mutation state of path, if this is
// the first time this run touches it. existed describes the state on disk
// right now, before the caller performs the write. For an existing file,
// content is its current content; for a create (isCreate), content is the
// content being created, which RevertAll uses to recreate the file if the
// agent has deleted it in the meantime.
func (s *SnapshotStore) SnapshotFileBeforeWrite(path string, existed bool, content string, isCreate bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.perFile[path]; ok {
		return
	}
	switch {
	case isCreate:
		s.perFile[path] = Snapshot{Kind: SnapshotCreated, Content: content}
	case existed:
		if len(content) > maxSnapshotBytes || !utf8.ValidString(content) {
			// still tracked for revertAll semantics, just not persisted with content
			s.perFile[path] = Snapshot{Kind: SnapshotModified}
			return
		}
		s.perFile[path] = Snapshot{Kind: SnapshotModified, Content: content}
	default:
		s.perFile[path] = Snapshot{Kind: SnapshotAbsent}
	}
}

// Has reports whether path already has a per-file snapshot.
func (s *SnapshotStore) Has(path string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.perFile[path]
	return ok
}

// TrackedFiles returns the set of paths with a per-file snapshot.
func (s *SnapshotStore) TrackedFiles() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.perFile))
	for p := range s.perFile {
		out = append(out, p)
	}
	return out
}

// RevertWriter is the minimal Backend surface RevertAll/RevertToStep need.
type RevertWriter interface {
	WriteFile(ctx context.Context, path, content string) error
	FileExists(ctx context.Context, path string) (bool, error)
	RemoveFile(ctx context.Context, path string) error
}

// RevertAll restores every tracked file to its pre-run state: modified files
// get their original content back. Created files (snap.Kind ==
// SnapshotCreated or the legacy SnapshotAbsent marker) didn't exist before
// the run started, so reverting means the file should not exist afterward
// either — but the agent may have deleted it itself in the meantime, in
// which case RemoveFile would be a no-op against a file that's already
// gone and, per spec.md §4.6, a file the agent created and then deleted
// still needs its creation content restored so "revert" is a true inverse
// of everything the run did. So: if the file is still there, remove it; if
// it's already gone, recreate it from the stored creation content.
func (s *SnapshotStore) RevertAll(ctx context.Context, w RevertWriter) error {
	s.mu.Lock()
	snaps := make(map[string]Snapshot, len(s.perFile))
	for k, v := range s.perFile {
		snaps[k] = v
	}
	s.mu.Unlock()

	for path, snap := range snaps {
		switch snap.Kind {
		case SnapshotModified:
			if err := w.WriteFile(ctx, path, snap.Content); err != nil {
				return err
			}
		case SnapshotCreated, SnapshotAbsent:
			exists, err := w.FileExists(ctx, path)
			if err != nil {
				return err
			}
			if exists {
				if err := w.RemoveFile(ctx, path); err != nil {
					return err
				}
			} else if snap.Content != "" {
				if err := w.WriteFile(ctx, path, snap.Content); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// CaptureStepCheckpoint records the current content of every snapshotted
// file at a plan-step transition.
func (s *SnapshotStore) CaptureStepCheckpoint(step int, currentContent map[string]string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := make(map[string]string, len(currentContent))
	for k, v := range currentContent {
		snap[k] = v
	}
	if _, exists := s.stepCheckpoints[step]; !exists {
		s.stepOrder = append(s.stepOrder, step)
	}
	s.stepCheckpoints[step] = snap
}

// RevertToStep restores all files recorded at step n and discards any later
// step checkpoints. Returns ErrSnapshotMissing if no checkpoint was recorded
// for n.
func (s *SnapshotStore) RevertToStep(ctx context.Context, w RevertWriter, n int) error {
	s.mu.Lock()
	snap, ok := s.stepCheckpoints[n]
	s.mu.Unlock()
	if !ok {
		return ErrSnapshotMissing
	}
	for path, content := range snap {
		if err := w.WriteFile(ctx, path, content); err != nil {
			return err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.stepOrder[:0:0]
	for _, step := range s.stepOrder {
		if step <= n {
			kept = append(kept, step)
		} else {
			delete(s.stepCheckpoints, step)
		}
	}
	s.stepOrder = kept
	return nil
}

// CreateSessionCheckpoint records a tier-3 checkpoint before a risky file
// batch or non-safe command, ring-buffered at maxSessionCheckpoints.
func (s *SnapshotStore) CreateSessionCheckpoint(label string, currentContent map[string]string) SessionCheckpoint {
	files := make(map[string]Snapshot, len(currentContent))
	for path, content := range currentContent {
		if len(content) > maxSnapshotBytes || !utf8.ValidString(content) {
			continue
		}
		files[path] = Snapshot{Kind: SnapshotModified, Content: content}
	}
	cp := SessionCheckpoint{ID: NewID(), Label: label, CreatedAt: NowUnix(), Files: files}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessionCheckpoints = append(s.sessionCheckpoints, cp)
	if len(s.sessionCheckpoints) > maxSessionCheckpoints {
		s.sessionCheckpoints = s.sessionCheckpoints[len(s.sessionCheckpoints)-maxSessionCheckpoints:]
	}
	return cp
}

// SessionCheckpoints returns a defensive copy of recorded checkpoints,
// oldest first.
func (s *SnapshotStore) SessionCheckpoints() []SessionCheckpoint {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]SessionCheckpoint, len(s.sessionCheckpoints))
	copy(out, s.sessionCheckpoints)
	return out
}

// ForPersistence returns the subset of state SessionStore serializes:
// per-file snapshots (oversize/non-UTF8 entries already excluded at capture
// time), the last persistedStepCheckpoints step checkpoints, and the last
// persistedSessionCheckpoints session checkpoints (spec.md §4.14).
func (s *SnapshotStore) ForPersistence() (perFile map[string]Snapshot, steps map[int]map[string]string, sessions []SessionCheckpoint) {
	s.mu.Lock()
	defer s.mu.Unlock()

	perFile = make(map[string]Snapshot, len(s.perFile))
	for k, v := range s.perFile {
		perFile[k] = v
	}

	order := s.stepOrder
	if len(order) > persistedStepCheckpoints {
		order = order[len(order)-persistedStepCheckpoints:]
	}
	steps = make(map[int]map[string]string, len(order))
	for _, step := range order {
		steps[step] = s.stepCheckpoints[step]
	}

	sessions = s.sessionCheckpoints
	if len(sessions) > persistedSessionCheckpoints {
		sessions = sessions[len(sessions)-persistedSessionCheckpoints:]
	}
	out := make([]SessionCheckpoint, len(sessions))
	copy(out, sessions)
	sessions = out
	return
}

// Restore reloads persisted snapshot state (used by SessionStore.Load).
func (s *SnapshotStore) Restore(perFile map[string]Snapshot, steps map[int]map[string]string, sessions []SessionCheckpoint) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if perFile != nil {
		s.perFile = perFile
	}
	if steps != nil {
		s.stepCheckpoints = steps
		s.stepOrder = s.stepOrder[:0]
		for step := range steps {
			s.stepOrder = append(s.stepOrder, step)
		}
		sort.Ints(s.stepOrder)
	}
	s.sessionCheckpoints = sessions
}
