package backend

import (
	"bytes"
	"context"
	"fmt"
	"path"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
)

// SSHConfig describes a remote target: user@host:port plus a working
// directory and the credentials to dial with.
type SSHConfig struct {
	User       string
	Host       string
	Port       int
	WorkingDir string
	ClientConf *ssh.ClientConfig
}

// SSH is a Backend that runs every file and command operation over a
// single serialized SSH connection to a remote host, reconnecting on
// failure. Unlike Local, file operations are themselves implemented via
// shell commands (cat/printf/test/rm) run over the same connection, since
// SFTP is not guaranteed to be enabled on every target.
type SSH struct {
	cfg SSHConfig

	mu      sync.Mutex
	client  *ssh.Client
	cancelC chan struct{}

	callMu sync.Mutex // held for the whole of each runRemote call
}

// NewSSH returns an SSH backend for cfg. The connection is established
// lazily on first use and re-established automatically after a failure.
func NewSSH(cfg SSHConfig) *SSH {
	return &SSH{cfg: cfg}
}

func (s *SSH) ID() string {
	return fmt.Sprintf("ssh:%s@%s:%d:%s", s.cfg.User, s.cfg.Host, s.cfg.Port, s.cfg.WorkingDir)
}

func (s *SSH) WorkingDir() string { return s.cfg.WorkingDir }

func (s *SSH) connect() (*ssh.Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client != nil {
		// Cheap liveness probe: a closed client will error on NewSession.
		if sess, err := s.client.NewSession(); err == nil {
			sess.Close()
			return s.client, nil
		}
		s.client.Close()
		s.client = nil
	}
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	client, err := ssh.Dial("tcp", addr, s.cfg.ClientConf)
	if err != nil {
		return nil, fmt.Errorf("ssh dial %s: %w", addr, err)
	}
	s.client = client
	return client, nil
}

// runRemote executes cmd over a fresh session on the (auto-reconnecting)
// shared client, serializing all calls so concurrent tool dispatch never
// races on the single connection.
func (s *SSH) runRemote(ctx context.Context, cmd string) (string, string, int, error) {
	s.callMu.Lock()
	defer s.callMu.Unlock()

	client, err := s.connect()
	if err != nil {
		return "", "", -1, err
	}

	session, err := client.NewSession()
	if err != nil {
		return "", "", -1, err
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	done := make(chan error, 1)
	go func() { done <- session.Run(cmd) }()

	select {
	case <-ctx.Done():
		session.Signal(ssh.SIGKILL)
		return stdout.String(), stderr.String(), -1, ctx.Err()
	case err := <-done:
		exitCode := 0
		if err != nil {
			if ee, ok := err.(*ssh.ExitError); ok {
				exitCode = ee.ExitStatus()
				err = nil
			}
		}
		return stdout.String(), stderr.String(), exitCode, err
	}
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func (s *SSH) ResolvePath(p string) (string, error) {
	if path.IsAbs(p) {
		return "", fmt.Errorf("absolute paths are not allowed: %s", p)
	}
	joined := path.Join(s.cfg.WorkingDir, p)
	rel, err := filepathRel(s.cfg.WorkingDir, joined)
	if err != nil || rel == ".." || strings.HasPrefix(rel, "../") {
		return "", fmt.Errorf("path escapes working directory: %s", p)
	}
	return joined, nil
}

func filepathRel(base, target string) (string, error) {
	base = path.Clean(base)
	target = path.Clean(target)
	if !strings.HasPrefix(target, base) {
		return "..", nil
	}
	rel := strings.TrimPrefix(strings.TrimPrefix(target, base), "/")
	return rel, nil
}

func (s *SSH) ListDir(ctx context.Context, p string) ([]Entry, error) {
	abs, err := s.ResolvePath(p)
	if err != nil {
		return nil, err
	}
	cmd := fmt.Sprintf(`find %s -maxdepth 1 -mindepth 1 -printf '%%f\t%%y\t%%s\n'`, shellQuote(abs))
	out, _, _, err := s.runRemote(ctx, cmd)
	if err != nil {
		return nil, err
	}
	var entries []Entry
	for _, line := range strings.Split(strings.TrimRight(out, "\n"), "\n") {
		if line == "" {
			continue
		}
		parts := strings.SplitN(line, "\t", 3)
		if len(parts) != 3 {
			continue
		}
		typ := EntryFile
		if parts[1] == "d" {
			typ = EntryDir
		}
		size, _ := strconv.ParseInt(parts[2], 10, 64)
		entries = append(entries, Entry{Name: parts[0], Type: typ, Size: size})
	}
	return entries, nil
}

func (s *SSH) ReadFile(ctx context.Context, p string) (string, error) {
	abs, err := s.ResolvePath(p)
	if err != nil {
		return "", err
	}
	out, stderr, rc, err := s.runRemote(ctx, "cat "+shellQuote(abs))
	if err != nil {
		return "", err
	}
	if rc != 0 {
		return "", fmt.Errorf("read %s: %s", p, stderr)
	}
	return out, nil
}

func (s *SSH) WriteFile(ctx context.Context, p, content string) error {
	abs, err := s.ResolvePath(p)
	if err != nil {
		return err
	}
	dir := path.Dir(abs)
	cmd := fmt.Sprintf("mkdir -p %s && cat > %s <<'CODA_EOF'\n%s\nCODA_EOF", shellQuote(dir), shellQuote(abs), content)
	_, stderr, rc, err := s.runRemote(ctx, cmd)
	if err != nil {
		return err
	}
	if rc != 0 {
		return fmt.Errorf("write %s: %s", p, stderr)
	}
	return nil
}

func (s *SSH) FileExists(ctx context.Context, p string) (bool, error) {
	abs, err := s.ResolvePath(p)
	if err != nil {
		return false, err
	}
	_, _, rc, err := s.runRemote(ctx, "test -e "+shellQuote(abs))
	if err != nil {
		return false, err
	}
	return rc == 0, nil
}

func (s *SSH) IsDir(ctx context.Context, p string) (bool, error) {
	abs, err := s.ResolvePath(p)
	if err != nil {
		return false, err
	}
	_, _, rc, err := s.runRemote(ctx, "test -d "+shellQuote(abs))
	if err != nil {
		return false, err
	}
	return rc == 0, nil
}

func (s *SSH) RemoveFile(ctx context.Context, p string) error {
	abs, err := s.ResolvePath(p)
	if err != nil {
		return err
	}
	_, stderr, rc, err := s.runRemote(ctx, "rm -f "+shellQuote(abs))
	if err != nil {
		return err
	}
	if rc != 0 {
		return fmt.Errorf("remove %s: %s", p, stderr)
	}
	return nil
}

func (s *SSH) RunCommand(ctx context.Context, cmd, cwd string, timeoutSeconds int) (string, string, int, error) {
	if timeoutSeconds <= 0 {
		timeoutSeconds = 30
	}
	if timeoutSeconds > 300 {
		timeoutSeconds = 300
	}
	dir := s.cfg.WorkingDir
	if cwd != "" {
		abs, err := s.ResolvePath(cwd)
		if err != nil {
			return "", "", -1, err
		}
		dir = abs
	}
	cctx, cancel := context.WithTimeout(ctx, time.Duration(timeoutSeconds)*time.Second)
	defer cancel()
	full := fmt.Sprintf("cd %s && %s", shellQuote(dir), cmd)
	return s.runRemote(cctx, full)
}

// RunCommandStream on SSH does not support true incremental streaming over
// this minimal session wrapper; it runs to completion and delivers the
// whole of stdout/stderr as a single chunk each, which still satisfies the
// ChunkFunc contract for callers that only care about eventual output.
func (s *SSH) RunCommandStream(ctx context.Context, cmd, cwd string, timeoutSeconds int, onChunk ChunkFunc) (int, error) {
	stdout, stderr, rc, err := s.RunCommand(ctx, cmd, cwd, timeoutSeconds)
	if onChunk != nil {
		if stdout != "" {
			onChunk(stdout, false)
		}
		if stderr != "" {
			onChunk(stderr, true)
		}
	}
	return rc, err
}

func (s *SSH) CancelRunningCommand() bool {
	// Best-effort: the minimal session wrapper above sends SIGKILL on
	// context cancellation already; there is no separate out-of-band
	// channel to interrupt a session from outside its own goroutine.
	return false
}

func (s *SSH) Search(ctx context.Context, pattern, p, include, cwd string) (string, error) {
	root := s.cfg.WorkingDir
	if p != "" {
		abs, err := s.ResolvePath(p)
		if err != nil {
			return "", err
		}
		root = abs
	}
	grepCmd := fmt.Sprintf("grep -rnE %s %s", shellQuote(pattern), shellQuote(root))
	if include != "" {
		grepCmd = fmt.Sprintf("grep -rnE --include=%s %s %s", shellQuote(include), shellQuote(pattern), shellQuote(root))
	}
	out, _, _, err := s.runRemote(ctx, grepCmd)
	return out, err
}

func (s *SSH) GlobFind(ctx context.Context, pattern, cwd string) ([]string, error) {
	root := s.cfg.WorkingDir
	if cwd != "" {
		abs, err := s.ResolvePath(cwd)
		if err != nil {
			return nil, err
		}
		root = abs
	}
	cmd := fmt.Sprintf("cd %s && for f in %s; do echo \"$f\"; done", shellQuote(root), pattern)
	out, _, _, err := s.runRemote(ctx, cmd)
	if err != nil {
		return nil, err
	}
	var matches []string
	for _, line := range strings.Split(strings.TrimRight(out, "\n"), "\n") {
		if line != "" {
			matches = append(matches, line)
		}
	}
	return matches, nil
}
