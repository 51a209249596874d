// Package backend provides the uniform file and command execution surface
// (spec.md §4.1, component C1) over either the local filesystem or a
// remote host reached over SSH.
package backend

import "context"

// EntryType distinguishes directory entries returned by ListDir.
type EntryType string

const (
	EntryFile EntryType = "file"
	EntryDir  EntryType = "dir"
)

// Entry is one item returned by ListDir.
type Entry struct {
	Name string
	Type EntryType
	Size int64
}

// ChunkFunc is the caller-supplied callback RunCommandStream delivers each
// piece of a streaming command's output to.
type ChunkFunc func(chunk string, isStderr bool)

// Backend is the capability set every coding-agent tool is ultimately built
// on: a uniform file + shell API over either a local working directory or a
// remote one reached over SSH. Implementations must enforce that relative
// paths never escape the working directory.
//
// Backend is assumed safe for concurrent use; the SSH implementation
// internally serializes calls onto a single client connection.
type Backend interface {
	// ID identifies this backend instance for read-cache keying
	// (backendId + resolvedPath, spec.md §4.12).
	ID() string

	ListDir(ctx context.Context, path string) ([]Entry, error)
	ReadFile(ctx context.Context, path string) (string, error)
	WriteFile(ctx context.Context, path, content string) error
	FileExists(ctx context.Context, path string) (bool, error)
	IsDir(ctx context.Context, path string) (bool, error)
	RemoveFile(ctx context.Context, path string) error
	ResolvePath(path string) (string, error)

	RunCommand(ctx context.Context, cmd, cwd string, timeoutSeconds int) (stdout, stderr string, exitCode int, err error)
	RunCommandStream(ctx context.Context, cmd, cwd string, timeoutSeconds int, onChunk ChunkFunc) (exitCode int, err error)
	CancelRunningCommand() bool

	Search(ctx context.Context, pattern, path, include, cwd string) (string, error)
	GlobFind(ctx context.Context, pattern, cwd string) ([]string, error)

	// WorkingDir returns the backend's root, used to normalize a session id
	// and to resolve relative paths.
	WorkingDir() string
}
