// Package store implements SessionStore (spec.md §4.14, component C14):
// atomic JSON persistence for Session values plus the reconnect rendezvous
// that lets a disconnected executor hand its event stream to a reconnecting
// caller without losing in-flight state.
package store

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/codalabs/coda"
)

const sessionVersion = 1

const (
	maxSessionCheckpoints = 10
	maxStepCheckpoints    = 15
	maxSnapshotBytes      = 1 << 20
)

var slugDisallowed = regexp.MustCompile(`[^a-z0-9-]+`)

// SessionStore persists Sessions as one JSON file per session under dir,
// named "{id}.json". Writes are atomic (temp file + rename).
type SessionStore struct {
	dir    string
	logger *slog.Logger
}

func NewSessionStore(dir string) (*SessionStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create session dir: %w", err)
	}
	return &SessionStore{dir: dir, logger: slog.Default()}, nil
}

// SetLogger replaces the store's structured logger. Passing nil restores
// the default logger rather than silencing persistence logging.
func (s *SessionStore) SetLogger(logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	s.logger = logger
}

// SessionID builds the deterministic id spec.md §6 requires:
// hex12(sha256(normalizedWorkingDirectory)) + "_" + slug(name).
func SessionID(workingDir, name string) string {
	return shortHash(workingDir) + "_" + slugify(name)
}

func shortHash(workingDir string) string {
	norm := filepath.Clean(workingDir)
	sum := sha256.Sum256([]byte(norm))
	return hex.EncodeToString(sum[:])[:12]
}

func slugify(name string) string {
	s := strings.ToLower(strings.TrimSpace(name))
	s = slugDisallowed.ReplaceAllString(s, "-")
	s = strings.Trim(s, "-")
	if s == "" {
		return "session"
	}
	if len(s) > 60 {
		s = s[:60]
	}
	return s
}

func (s *SessionStore) path(id string) string {
	return filepath.Join(s.dir, id+".json")
}

// Save writes sess atomically, filtering oversize/non-UTF8 entries out of
// ExtraState's snapshot and checkpoint maps per spec.md §4.14.
func (s *SessionStore) Save(sess coda.Session) error {
	if sess.Version == 0 {
		sess.Version = sessionVersion
	}
	sess.UpdatedAt = time.Now()
	filterExtraState(sess.ExtraState)

	data, err := json.MarshalIndent(sess, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}

	final := s.path(sess.SessionID)
	tmp := final + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write temp session file: %w", err)
	}
	if err := os.Rename(tmp, final); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename session file: %w", err)
	}
	s.logger.Debug("session saved", "sessionId", sess.SessionID, "historyLen", len(sess.History))
	return nil
}

var ErrSessionNotFound = errors.New("store: session not found")

func (s *SessionStore) Load(id string) (coda.Session, error) {
	data, err := os.ReadFile(s.path(id))
	if err != nil {
		if os.IsNotExist(err) {
			return coda.Session{}, ErrSessionNotFound
		}
		return coda.Session{}, err
	}
	var sess coda.Session
	if err := json.Unmarshal(data, &sess); err != nil {
		return coda.Session{}, fmt.Errorf("unmarshal session %s: %w", id, err)
	}
	return sess, nil
}

// Rename creates a new id for sess (new workingDir+name pair, or a renamed
// session) and deletes the old file; two sessions for the same wd+name
// collide deliberately per spec.md §4.14.
func (s *SessionStore) Rename(sess coda.Session, newName string) (coda.Session, error) {
	oldID := sess.SessionID
	sess.Name = newName
	sess.SessionID = SessionID(sess.WorkingDirectory, newName)
	if err := s.Save(sess); err != nil {
		return coda.Session{}, err
	}
	if oldID != sess.SessionID {
		_ = s.Delete(oldID)
	}
	return sess, nil
}

func (s *SessionStore) Delete(id string) error {
	err := os.Remove(s.path(id))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// List returns sessions whose id carries workingDir's hash prefix, sorted
// by UpdatedAt descending.
func (s *SessionStore) List(workingDir string) ([]coda.Session, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	prefix := shortHash(workingDir) + "_"
	var out []coda.Session
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".json" {
			continue
		}
		if !strings.HasPrefix(e.Name(), prefix) {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.dir, e.Name()))
		if err != nil {
			continue
		}
		var sess coda.Session
		if err := json.Unmarshal(data, &sess); err != nil {
			continue
		}
		out = append(out, sess)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	return out, nil
}

// filterExtraState drops oversize or non-UTF-8 snapshot/checkpoint entries
// and caps the number of persisted session/step checkpoints, per spec.md
// §4.14: "only the last 10 session checkpoints and 15 step checkpoints are
// persisted."
func filterExtraState(extra map[string]any) {
	if extra == nil {
		return
	}
	if snaps, ok := extra["snapshots"].(map[string]any); ok {
		for path, v := range snaps {
			content, ok := v.(string)
			if !ok {
				continue
			}
			if len(content) > maxSnapshotBytes || !isValidUTF8(content) {
				delete(snaps, path)
			}
		}
	}
	if sessions, ok := extra["sessionCheckpoints"].([]any); ok && len(sessions) > maxSessionCheckpoints {
		extra["sessionCheckpoints"] = sessions[len(sessions)-maxSessionCheckpoints:]
	}
	if steps, ok := extra["stepCheckpoints"].(map[string]any); ok && len(steps) > maxStepCheckpoints {
		keys := make([]string, 0, len(steps))
		for k := range steps {
			keys = append(keys, k)
		}
		sort.Slice(keys, func(i, j int) bool {
			a, errA := strconv.Atoi(keys[i])
			b, errB := strconv.Atoi(keys[j])
			if errA != nil || errB != nil {
				return keys[i] < keys[j]
			}
			return a < b
		})
		for _, k := range keys[:len(keys)-maxStepCheckpoints] {
			delete(steps, k)
		}
	}
}

func isValidUTF8(s string) bool {
	return utf8.ValidString(s)
}
