package security

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPathSandboxAllowsFileUnderRoot(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "notes.md"), []byte("hi"), 0o644))

	sb, err := NewPathSandbox(root, []string{"md", ".txt"})
	require.NoError(t, err)

	resolved, err := sb.Resolve("notes.md")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "notes.md"), resolved)
}

func TestPathSandboxRejectsDisallowedExtension(t *testing.T) {
	root := t.TempDir()
	sb, err := NewPathSandbox(root, []string{"md"})
	require.NoError(t, err)

	_, err = sb.Resolve("script.sh")
	assert.Error(t, err)
}

func TestPathSandboxRejectsTraversal(t *testing.T) {
	root := t.TempDir()
	sb, err := NewPathSandbox(root, []string{"md"})
	require.NoError(t, err)

	_, err = sb.Resolve("../../etc/passwd.md")
	assert.Error(t, err)
}

func TestPathSandboxRejectsEscapingSymlink(t *testing.T) {
	root := t.TempDir()
	outside := t.TempDir()
	target := filepath.Join(outside, "secret.md")
	require.NoError(t, os.WriteFile(target, []byte("secret"), 0o644))
	link := filepath.Join(root, "link.md")
	require.NoError(t, os.Symlink(target, link))

	sb, err := NewPathSandbox(root, []string{"md"})
	require.NoError(t, err)

	_, err = sb.Resolve("link.md")
	assert.Error(t, err)
}
