package archive

import (
	"archive/zip"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestArchiveRoundTrip(t *testing.T) {
	src := t.TempDir()
	writeFile(t, filepath.Join(src, "hello.txt"), "hi\n")
	writeFile(t, filepath.Join(src, "sub", "deep", "file.go"), "package main")
	writeFile(t, filepath.Join(src, "empty.txt"), "")

	zipPath := filepath.Join(t.TempDir(), "out.zip")
	require.NoError(t, CreateArchive(src, zipPath))

	dest := t.TempDir()
	require.NoError(t, ExtractArchive(zipPath, dest))

	for _, f := range []struct{ rel, want string }{
		{"hello.txt", "hi\n"},
		{filepath.Join("sub", "deep", "file.go"), "package main"},
		{"empty.txt", ""},
	} {
		data, err := os.ReadFile(filepath.Join(dest, f.rel))
		require.NoError(t, err, f.rel)
		assert.Equal(t, f.want, string(data), f.rel)
	}
}

func TestArchiveExcludesMetaDir(t *testing.T) {
	src := t.TempDir()
	writeFile(t, filepath.Join(src, "real.txt"), "data")
	writeFile(t, filepath.Join(src, ".awcp", "manifest.json"), `{"version":"1"}`)

	zipPath := filepath.Join(t.TempDir(), "out.zip")
	require.NoError(t, CreateArchive(src, zipPath))

	dest := t.TempDir()
	require.NoError(t, ExtractArchive(zipPath, dest))

	_, err := os.Stat(filepath.Join(dest, "real.txt"))
	require.NoError(t, err)
	_, err = os.Stat(filepath.Join(dest, ".awcp"))
	assert.True(t, os.IsNotExist(err))
}

func TestArchiveDereferencesSymlinks(t *testing.T) {
	src := t.TempDir()
	writeFile(t, filepath.Join(src, "target.txt"), "linked content")
	require.NoError(t, os.Symlink(filepath.Join(src, "target.txt"), filepath.Join(src, "link.txt")))

	zipPath := filepath.Join(t.TempDir(), "out.zip")
	require.NoError(t, CreateArchive(src, zipPath))

	dest := t.TempDir()
	require.NoError(t, ExtractArchive(zipPath, dest))

	data, err := os.ReadFile(filepath.Join(dest, "link.txt"))
	require.NoError(t, err)
	assert.Equal(t, "linked content", string(data))
	fi, err := os.Lstat(filepath.Join(dest, "link.txt"))
	require.NoError(t, err)
	assert.Zero(t, fi.Mode()&os.ModeSymlink)
}

func TestExtractRejectsPathTraversal(t *testing.T) {
	zipPath := filepath.Join(t.TempDir(), "evil.zip")
	out, err := os.Create(zipPath)
	require.NoError(t, err)
	zw := zip.NewWriter(out)
	w, err := zw.Create("../../escape.txt")
	require.NoError(t, err)
	_, err = w.Write([]byte("pwned"))
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	require.NoError(t, out.Close())

	dest := t.TempDir()
	err = ExtractArchive(zipPath, dest)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "escapes")

	parent := filepath.Dir(filepath.Dir(dest))
	_, statErr := os.Stat(filepath.Join(parent, "escape.txt"))
	assert.True(t, os.IsNotExist(statErr))
}

func TestExtractRejectsAbsolutePaths(t *testing.T) {
	zipPath := filepath.Join(t.TempDir(), "abs.zip")
	out, err := os.Create(zipPath)
	require.NoError(t, err)
	zw := zip.NewWriter(out)
	w, err := zw.CreateHeader(&zip.FileHeader{Name: "/etc/evil"})
	require.NoError(t, err)
	_, _ = w.Write([]byte("x"))
	require.NoError(t, zw.Close())
	require.NoError(t, out.Close())

	err = ExtractArchive(zipPath, t.TempDir())
	require.Error(t, err)
}

func TestFileChecksumStable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "f")
	require.NoError(t, os.WriteFile(path, []byte("content"), 0o644))

	a, err := FileChecksum(path)
	require.NoError(t, err)
	b, err := FileChecksum(path)
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.Len(t, a, 64)
}

func TestChunkChecksums(t *testing.T) {
	path := filepath.Join(t.TempDir(), "f")
	require.NoError(t, os.WriteFile(path, make([]byte, 2500), 0o644))

	sums, total, err := ChunkChecksums(path, 1024)
	require.NoError(t, err)
	assert.Equal(t, int64(2500), total)
	assert.Len(t, sums, 3)
	// First two chunks are identical zero blocks, the tail differs in size.
	assert.Equal(t, sums[0], sums[1])
	assert.NotEqual(t, sums[0], sums[2])
}
