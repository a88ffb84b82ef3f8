// Package sandbox implements the read/write/list file operations the
// dispatcher exposes to the model, confined to a root directory captured
// once at startup.
//
// Grounded on tools/file_read.go, tools/file_write.go, and
// tools/directory_list.go for the operation shapes, hardened against path
// traversal per
// original_source/src/gemini_repl/tools/codebase_tools.py's validate_path.
package sandbox

import (
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/nachoal/replcore/internal/toolspec"
)

const maxListEntries = 50

// Sandbox confines file operations to a root directory resolved once at
// construction time. The zero value is not usable; use New.
type Sandbox struct {
	root string
}

// New resolves dir to an absolute, symlink-free path and returns a Sandbox
// rooted there. It fails with toolspec.KindFatalConfig if dir cannot be
// resolved — this happens at startup, not mid-turn, so it is not one of
// the operational error kinds.
func New(dir string) (*Sandbox, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, toolspec.NewError(toolspec.KindFatalConfig, "cannot resolve sandbox root").WithDetail("error", err.Error())
	}
	real, err := filepath.EvalSymlinks(abs)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, toolspec.NewError(toolspec.KindFatalConfig, "cannot resolve sandbox root").WithDetail("error", err.Error())
		}
		if mkErr := os.MkdirAll(abs, 0o755); mkErr != nil {
			return nil, toolspec.NewError(toolspec.KindFatalConfig, "cannot create sandbox root").WithDetail("error", mkErr.Error())
		}
		real = abs
	}
	return &Sandbox{root: real}, nil
}

// Root returns the sandbox's resolved absolute root directory.
func (s *Sandbox) Root() string {
	return s.root
}

// List returns a newline-joined, lexicographically sorted list of relative
// paths under the sandbox root matching pattern, truncated to 50 entries.
// pattern defaults to "*"; "**" in a path segment matches any depth.
func (s *Sandbox) List(pattern string) (string, error) {
	if pattern == "" {
		pattern = "*"
	}
	if err := validatePatternStatic(pattern); err != nil {
		return "", err
	}

	patternSegs := strings.Split(filepath.ToSlash(pattern), "/")

	var matches []string
	walkErr := filepath.WalkDir(s.root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if path == s.root {
			return nil
		}
		rel, relErr := filepath.Rel(s.root, path)
		if relErr != nil {
			return relErr
		}
		rel = filepath.ToSlash(rel)
		if d.IsDir() {
			return nil
		}
		if matchGlob(patternSegs, strings.Split(rel, "/")) {
			matches = append(matches, rel)
		}
		return nil
	})
	if walkErr != nil {
		return "", toolspec.NewError(toolspec.KindIOFailure, "failed to list sandbox contents").WithDetail("error", walkErr.Error())
	}

	sort.Strings(matches)
	if len(matches) > maxListEntries {
		matches = matches[:maxListEntries]
	}
	return strings.Join(matches, "\n"), nil
}

// Read returns the contents of the file at path, relative to the sandbox root.
func (s *Sandbox) Read(path string) (string, error) {
	resolved, err := s.resolve(path)
	if err != nil {
		return "", err
	}

	info, statErr := os.Stat(resolved)
	if statErr != nil {
		if os.IsNotExist(statErr) {
			return "", toolspec.NewError(toolspec.KindNotFound, "file not found").WithDetail("path", path)
		}
		return "", toolspec.NewError(toolspec.KindIOFailure, "cannot stat file").WithDetail("error", statErr.Error())
	}
	if info.IsDir() {
		return "", toolspec.NewError(toolspec.KindNotFound, "path is a directory, not a file").WithDetail("path", path)
	}

	content, readErr := os.ReadFile(resolved)
	if readErr != nil {
		return "", toolspec.NewError(toolspec.KindIOFailure, "failed to read file").WithDetail("error", readErr.Error())
	}
	return string(content), nil
}

// Write creates parent directories as needed and atomically writes content
// to the file at path, relative to the sandbox root. Overwriting an
// existing file is allowed.
func (s *Sandbox) Write(path string, content string) error {
	resolved, err := s.resolve(path)
	if err != nil {
		return err
	}

	dir := filepath.Dir(resolved)
	if mkErr := os.MkdirAll(dir, 0o755); mkErr != nil {
		return toolspec.NewError(toolspec.KindIOFailure, "failed to create parent directories").WithDetail("error", mkErr.Error())
	}

	tmp, tmpErr := os.CreateTemp(dir, ".sandbox-write-*")
	if tmpErr != nil {
		return toolspec.NewError(toolspec.KindIOFailure, "failed to create temp file").WithDetail("error", tmpErr.Error())
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath) // no-op once the rename below succeeds

	if _, writeErr := tmp.WriteString(content); writeErr != nil {
		tmp.Close()
		return toolspec.NewError(toolspec.KindIOFailure, "failed to write temp file").WithDetail("error", writeErr.Error())
	}
	if closeErr := tmp.Close(); closeErr != nil {
		return toolspec.NewError(toolspec.KindIOFailure, "failed to close temp file").WithDetail("error", closeErr.Error())
	}
	if renameErr := os.Rename(tmpPath, resolved); renameErr != nil {
		return toolspec.NewError(toolspec.KindIOFailure, "failed to finalize write").WithDetail("error", renameErr.Error())
	}
	return nil
}

// resolve validates and resolves a tool-supplied path against the sandbox
// root, rejecting absolute paths, ".." segments, paths that escape the
// root, and paths that traverse a symlink.
func (s *Sandbox) resolve(rel string) (string, error) {
	if rel == "" {
		return "", toolspec.NewError(toolspec.KindSecurityViolation, "path must not be empty")
	}
	if filepath.IsAbs(rel) {
		return "", toolspec.NewError(toolspec.KindSecurityViolation, "absolute paths are not allowed").WithDetail("path", rel)
	}
	for _, seg := range strings.Split(filepath.ToSlash(rel), "/") {
		if seg == ".." {
			return "", toolspec.NewError(toolspec.KindSecurityViolation, "parent directory references are not allowed").WithDetail("path", rel)
		}
	}

	cleaned := filepath.Clean(filepath.Join(s.root, rel))
	if cleaned != s.root && !strings.HasPrefix(cleaned, s.root+string(os.PathSeparator)) {
		return "", toolspec.NewError(toolspec.KindSecurityViolation, "path escapes sandbox root").WithDetail("path", rel)
	}

	if info, err := os.Lstat(cleaned); err == nil && info.Mode()&os.ModeSymlink != 0 {
		return "", toolspec.NewError(toolspec.KindSecurityViolation, "symlinks are not allowed").WithDetail("path", rel)
	}

	real, err := realOfExistingAncestor(cleaned)
	if err == nil && real != s.root && !strings.HasPrefix(real, s.root+string(os.PathSeparator)) {
		return "", toolspec.NewError(toolspec.KindSecurityViolation, "path traverses a symlink out of the sandbox").WithDetail("path", rel)
	}
	if err == nil && real != cleaned && !strings.HasPrefix(cleaned, real+string(os.PathSeparator)) {
		return "", toolspec.NewError(toolspec.KindSecurityViolation, "path traverses a symlink").WithDetail("path", rel)
	}

	return cleaned, nil
}

// realOfExistingAncestor resolves symlinks on the longest existing ancestor
// of p, so paths to not-yet-created files can still be checked for
// symlink escapes in their parent directories.
func realOfExistingAncestor(p string) (string, error) {
	dir := p
	for {
		if _, err := os.Lstat(dir); err == nil {
			return filepath.EvalSymlinks(dir)
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return dir, nil
		}
		dir = parent
	}
}

func validatePatternStatic(pattern string) error {
	if filepath.IsAbs(pattern) {
		return toolspec.NewError(toolspec.KindSecurityViolation, "absolute patterns are not allowed").WithDetail("pattern", pattern)
	}
	for _, seg := range strings.Split(filepath.ToSlash(pattern), "/") {
		if seg == ".." {
			return toolspec.NewError(toolspec.KindSecurityViolation, "parent directory references are not allowed in pattern").WithDetail("pattern", pattern)
		}
	}
	return nil
}

// matchGlob matches pathSegs against patternSegs, where a "**" pattern
// segment matches zero or more path segments and any other segment is
// matched with filepath.Match against exactly one path segment.
func matchGlob(patternSegs, pathSegs []string) bool {
	if len(patternSegs) == 0 {
		return len(pathSegs) == 0
	}
	if patternSegs[0] == "**" {
		if matchGlob(patternSegs[1:], pathSegs) {
			return true
		}
		if len(pathSegs) == 0 {
			return false
		}
		return matchGlob(patternSegs, pathSegs[1:])
	}
	if len(pathSegs) == 0 {
		return false
	}
	ok, err := filepath.Match(patternSegs[0], pathSegs[0])
	if err != nil || !ok {
		return false
	}
	return matchGlob(patternSegs[1:], pathSegs[1:])
}
