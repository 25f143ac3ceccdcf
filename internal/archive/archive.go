// Package archive wraps an external 7-Zip compatible tool behind add, list
// and delete operations on a single password-optional container file. Every
// call re-invokes the tool; nothing is cached in memory.
package archive

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
)

// Separator is the virtual path separator inside a container.
const Separator = "/"

const successMarker = "Everything is Ok"

// Error reports a non-success result from the archive tool.
type Error struct {
	Op     string
	Path   string
	Output string
	Err    error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("archive %s %s failed", e.Op, e.Path)
	if e.Output != "" {
		msg += ": " + strings.TrimSpace(e.Output)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

type Engine struct {
	tool  string
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func NewEngine(tool string) *Engine {
	return &Engine{
		tool:  tool,
		locks: make(map[string]*sync.Mutex),
	}
}

// containerLock serializes mutations per container file. The corrupt-archive
// recovery path assumes no concurrent writer.
func (e *Engine) containerLock(archivePath string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	lock, ok := e.locks[archivePath]
	if !ok {
		lock = &sync.Mutex{}
		e.locks[archivePath] = lock
	}
	return lock
}

func (e *Engine) run(ctx context.Context, args []string) (string, error) {
	cmd := exec.CommandContext(ctx, e.tool, args...)
	out, err := cmd.CombinedOutput()
	return string(out), err
}

// Add appends a file or directory tree to the container at a root-relative
// path equal to the local item's base name. A container the tool cannot read
// is renamed aside with a .old suffix and the add is retried once against a
// fresh container.
func (e *Engine) Add(ctx context.Context, archivePath, localPath, password string) error {
	lock := e.containerLock(archivePath)
	lock.Lock()
	defer lock.Unlock()

	out, err := e.addOnce(ctx, archivePath, localPath, password)
	if err == nil {
		return nil
	}
	if !isNotArchive(out) {
		return &Error{Op: "add", Path: archivePath, Output: out, Err: err}
	}

	// The container exists but is corrupt or a foreign format. Move it aside
	// and start over.
	oldPath := archivePath + ".old"
	os.Remove(oldPath)
	if renameErr := os.Rename(archivePath, oldPath); renameErr != nil {
		return &Error{Op: "add", Path: archivePath, Output: out, Err: renameErr}
	}
	slog.Warn("Renamed unreadable container aside", "path", archivePath, "old", oldPath)

	out, err = e.addOnce(ctx, archivePath, localPath, password)
	if err != nil {
		return &Error{Op: "add", Path: archivePath, Output: out, Err: err}
	}
	return nil
}

func (e *Engine) addOnce(ctx context.Context, archivePath, localPath, password string) (string, error) {
	args := []string{"a", "-y", archivePath, localPath}
	if password != "" {
		args = append(args, "-p"+password)
	}
	out, err := e.run(ctx, args)
	if err != nil {
		return out, err
	}
	if !strings.Contains(out, successMarker) {
		return out, fmt.Errorf("tool did not report success")
	}
	return out, nil
}

// List parses the tool's structured listing into entries. With an empty
// subfolder only root-level entries are returned; otherwise only entries
// exactly one level below subfolder.
func (e *Engine) List(ctx context.Context, archivePath, password, subfolder string) ([]Entry, error) {
	args := []string{"l", "-slt", archivePath}
	if password != "" {
		args = append(args, "-p"+password)
	}
	out, err := e.run(ctx, args)
	if err != nil {
		return nil, &Error{Op: "list", Path: archivePath, Output: out, Err: err}
	}

	entries, err := ParseListing(out)
	if err != nil {
		return nil, err
	}

	filtered := entries[:0]
	for _, entry := range entries {
		if matchesLevel(entry.Path, subfolder) {
			filtered = append(filtered, entry)
		}
	}
	return filtered, nil
}

// Delete removes an entry, and its descendants when recursive, from the
// container.
func (e *Engine) Delete(ctx context.Context, archivePath, entryPath, password string, recursive bool) error {
	lock := e.containerLock(archivePath)
	lock.Lock()
	defer lock.Unlock()

	args := []string{"d", "-y", archivePath, entryPath}
	if recursive {
		args = append(args, entryPath+Separator+"*", "-r")
	}
	if password != "" {
		args = append(args, "-p"+password)
	}

	out, err := e.run(ctx, args)
	if err != nil {
		return &Error{Op: "delete", Path: archivePath, Output: out, Err: err}
	}
	if !strings.Contains(out, successMarker) {
		return &Error{Op: "delete", Path: archivePath, Output: out, Err: fmt.Errorf("tool did not report success")}
	}
	return nil
}

// matchesLevel reports whether path sits at exactly the level addressed by
// subfolder: the root when subfolder is empty, or one level below it.
func matchesLevel(path, subfolder string) bool {
	if subfolder == "" {
		return !strings.Contains(path, Separator)
	}
	prefix := subfolder + Separator
	if !strings.HasPrefix(path, prefix) {
		return false
	}
	rest := path[len(prefix):]
	return rest != "" && !strings.Contains(rest, Separator)
}

func isNotArchive(output string) bool {
	lower := strings.ToLower(output)
	return strings.Contains(lower, "can not open the file as archive") ||
		strings.Contains(lower, "cannot open the file as archive") ||
		strings.Contains(lower, "is not supported archive") ||
		strings.Contains(lower, "not a supported archive")
}
