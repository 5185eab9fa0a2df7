package workspace

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestApplyOverlayMissingSource(t *testing.T) {
	dst := t.TempDir()
	require.NoError(t, applyOverlay(context.Background(), filepath.Join(t.TempDir(), "absent"), dst))
}

func TestApplyOverlaySkipsGit(t *testing.T) {
	src, dst := t.TempDir(), t.TempDir()
	writeFile(t, filepath.Join(src, ".git", "config"), "bogus")
	writeFile(t, filepath.Join(src, "AGENTS.md"), "rules")

	require.NoError(t, applyOverlay(context.Background(), src, dst))

	_, err := os.Stat(filepath.Join(dst, ".git"))
	assert.True(t, os.IsNotExist(err))
	got, err := os.ReadFile(filepath.Join(dst, "AGENTS.md"))
	require.NoError(t, err)
	assert.Equal(t, "rules", string(got))
}

func TestApplyOverlayDoesNotFollowDestinationLinks(t *testing.T) {
	src, dst, outside := t.TempDir(), t.TempDir(), t.TempDir()
	writeFile(t, filepath.Join(src, "CLAUDE.md"), "overlay")
	writeFile(t, filepath.Join(src, "conf", "settings.json"), "{}")
	writeFile(t, filepath.Join(src, "notes"), "file over dir")

	target := filepath.Join(outside, "target.md")
	writeFile(t, target, "outside")
	require.NoError(t, os.Symlink(target, filepath.Join(dst, "CLAUDE.md")))
	require.NoError(t, os.Symlink(outside, filepath.Join(dst, "conf")))
	writeFile(t, filepath.Join(dst, "notes", "old.txt"), "old")

	require.NoError(t, applyOverlay(context.Background(), src, dst))

	got, err := os.ReadFile(target)
	require.NoError(t, err)
	assert.Equal(t, "outside", string(got))
	_, err = os.Stat(filepath.Join(outside, "settings.json"))
	assert.True(t, os.IsNotExist(err))

	info, err := os.Lstat(filepath.Join(dst, "CLAUDE.md"))
	require.NoError(t, err)
	assert.True(t, info.Mode().IsRegular())
	info, err = os.Lstat(filepath.Join(dst, "conf"))
	require.NoError(t, err)
	assert.True(t, info.IsDir())
	got, err = os.ReadFile(filepath.Join(dst, "notes"))
	require.NoError(t, err)
	assert.Equal(t, "file over dir", string(got))
}

func TestApplyOverlayPreservesMode(t *testing.T) {
	src, dst := t.TempDir(), t.TempDir()
	writeFile(t, filepath.Join(src, "hook.sh"), "#!/bin/sh\n")
	require.NoError(t, os.Chmod(filepath.Join(src, "hook.sh"), 0o755))

	require.NoError(t, applyOverlay(context.Background(), src, dst))

	info, err := os.Stat(filepath.Join(dst, "hook.sh"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o755), info.Mode().Perm())
}
