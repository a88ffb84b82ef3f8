package sandbox

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/nachoal/replcore/internal/toolspec"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSandbox(t *testing.T) (*Sandbox, string) {
	t.Helper()
	dir := t.TempDir()
	sb, err := New(dir)
	require.NoError(t, err)
	return sb, dir
}

func TestResolveRejectsAbsolutePath(t *testing.T) {
	sb, _ := newTestSandbox(t)

	_, err := sb.Read("/etc/passwd")
	require.Error(t, err)
	var se *toolspec.Error
	require.ErrorAs(t, err, &se)
	assert.Equal(t, toolspec.KindSecurityViolation, se.Kind)
}

func TestResolveRejectsParentTraversal(t *testing.T) {
	sb, _ := newTestSandbox(t)

	_, err := sb.Read("../../etc/passwd")
	require.Error(t, err)
	var se *toolspec.Error
	require.ErrorAs(t, err, &se)
	assert.Equal(t, toolspec.KindSecurityViolation, se.Kind)
}

func TestResolveRejectsSymlinkEscape(t *testing.T) {
	sb, root := newTestSandbox(t)

	outside := t.TempDir()
	target := filepath.Join(outside, "secret.txt")
	require.NoError(t, os.WriteFile(target, []byte("secret"), 0o644))

	link := filepath.Join(root, "escape")
	require.NoError(t, os.Symlink(target, link))

	_, err := sb.Read("escape")
	require.Error(t, err)
	var se *toolspec.Error
	require.ErrorAs(t, err, &se)
	assert.Equal(t, toolspec.KindSecurityViolation, se.Kind)
}

func TestResolveRejectsSymlinkedAncestor(t *testing.T) {
	sb, root := newTestSandbox(t)

	outside := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(outside, "nested"), 0o755))

	link := filepath.Join(root, "linked")
	require.NoError(t, os.Symlink(outside, link))

	_, err := sb.Read("linked/nested/file.txt")
	require.Error(t, err)
	var se *toolspec.Error
	require.ErrorAs(t, err, &se)
	assert.Equal(t, toolspec.KindSecurityViolation, se.Kind)
}

func TestWriteThenReadRoundTrip(t *testing.T) {
	sb, _ := newTestSandbox(t)

	require.NoError(t, sb.Write("notes/todo.txt", "buy milk"))

	got, err := sb.Read("notes/todo.txt")
	require.NoError(t, err)
	assert.Equal(t, "buy milk", got)
}

func TestWriteCreatesParentDirectories(t *testing.T) {
	sb, root := newTestSandbox(t)

	require.NoError(t, sb.Write("a/b/c/deep.txt", "hi"))

	info, err := os.Stat(filepath.Join(root, "a", "b", "c"))
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}

func TestReadMissingFileReturnsNotFound(t *testing.T) {
	sb, _ := newTestSandbox(t)

	_, err := sb.Read("nope.txt")
	require.Error(t, err)
	var se *toolspec.Error
	require.ErrorAs(t, err, &se)
	assert.Equal(t, toolspec.KindNotFound, se.Kind)
}

func TestListMatchesDoubleStarAcrossDepths(t *testing.T) {
	sb, _ := newTestSandbox(t)

	require.NoError(t, sb.Write("src/main.go", "package main"))
	require.NoError(t, sb.Write("src/pkg/util.go", "package pkg"))
	require.NoError(t, sb.Write("README.md", "readme"))

	out, err := sb.List("**/*.go")
	require.NoError(t, err)
	assert.Equal(t, "src/main.go\nsrc/pkg/util.go", out)
}

func TestListTruncatesToFiftyEntries(t *testing.T) {
	sb, _ := newTestSandbox(t)

	for i := 0; i < 60; i++ {
		name := filepath.Join("many", padName(i)+".txt")
		require.NoError(t, sb.Write(name, "x"))
	}

	out, err := sb.List("many/*.txt")
	require.NoError(t, err)

	lines := 1
	for _, c := range out {
		if c == '\n' {
			lines++
		}
	}
	assert.Equal(t, maxListEntries, lines)
}

func padName(i int) string {
	digits := "0123456789"
	s := ""
	for i > 0 {
		s = string(digits[i%10]) + s
		i /= 10
	}
	for len(s) < 3 {
		s = "0" + s
	}
	if s == "" {
		s = "000"
	}
	return "file" + s
}
