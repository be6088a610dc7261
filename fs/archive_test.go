package fs

import (
	"archive/zip"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTree(t *testing.T, root string, files map[string]string) {
	t.Helper()
	for name, content := range files {
		path := filepath.Join(root, filepath.FromSlash(name))
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	}
}

func TestArchiveCodec_PackUnpackRoundTrip(t *testing.T) {
	ctx := context.Background()
	codec := NewArchiveCodec(fastPolicy(3))

	src := t.TempDir()
	files := map[string]string{
		"Default/Local Storage/leveldb/000003.log": "auth-keys",
		"Default/Preferences":                      `{"profile":1}`,
		"session.json":                             "token",
	}
	writeTree(t, src, files)

	archivePath := filepath.Join(t.TempDir(), "session-T1.zip")
	require.NoError(t, codec.Pack(ctx, src, archivePath))

	blob, err := codec.ReadArchive(ctx, archivePath)
	require.NoError(t, err)
	assert.NotEmpty(t, blob)

	dst := filepath.Join(t.TempDir(), "restored")
	require.NoError(t, codec.Unpack(ctx, archivePath, dst))

	for name, content := range files {
		data, err := os.ReadFile(filepath.Join(dst, filepath.FromSlash(name)))
		require.NoError(t, err, name)
		assert.Equal(t, content, string(data), name)
	}

	// The archive root is stripped on extraction
	_, err = os.Stat(filepath.Join(dst, archiveRoot))
	assert.True(t, os.IsNotExist(err))
}

func TestArchiveCodec_PackMissingDir(t *testing.T) {
	codec := NewArchiveCodec(fastPolicy(1))
	err := codec.Pack(context.Background(), filepath.Join(t.TempDir(), "missing"), filepath.Join(t.TempDir(), "a.zip"))
	assert.ErrorIs(t, err, ErrNotDirectory)
}

func TestSafeJoin_RejectsTraversal(t *testing.T) {
	root := t.TempDir()

	_, err := safeJoin(root, "../outside")
	assert.ErrorIs(t, err, ErrUnsafeArchiveEntry)

	target, err := safeJoin(root, "Default/Preferences")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "Default", "Preferences"), target)
}

// writeZip builds an archive with entries in the given order
func writeZip(t *testing.T, entries ...[2]string) string {
	t.Helper()
	archivePath := filepath.Join(t.TempDir(), "crafted.zip")
	out, err := os.Create(archivePath)
	require.NoError(t, err)
	zw := zip.NewWriter(out)
	for _, e := range entries {
		w, err := zw.Create(e[0])
		require.NoError(t, err)
		_, err = w.Write([]byte(e[1]))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	require.NoError(t, out.Close())
	return archivePath
}

func TestArchiveCodec_UnpackFailureLeavesNoPartialTree(t *testing.T) {
	codec := NewArchiveCodec(fastPolicy(1))
	root := t.TempDir()
	dst := filepath.Join(root, "T1")

	// the second entry needs creds.json to be a directory
	archivePath := writeZip(t,
		[2]string{"session/creds.json", "token"},
		[2]string{"session/creds.json/inner", "x"},
	)

	err := codec.Unpack(context.Background(), archivePath, dst)
	require.Error(t, err)

	_, statErr := os.Stat(dst)
	assert.True(t, os.IsNotExist(statErr))
	leftovers, err := os.ReadDir(root)
	require.NoError(t, err)
	assert.Empty(t, leftovers)
}

func TestArchiveCodec_UnpackFailureKeepsExistingTree(t *testing.T) {
	codec := NewArchiveCodec(fastPolicy(1))
	dst := filepath.Join(t.TempDir(), "T1")
	writeTree(t, dst, map[string]string{"creds.json": "current"})

	archivePath := writeZip(t,
		[2]string{"session/creds.json", "stale"},
		[2]string{"session/creds.json/inner", "x"},
	)
	require.Error(t, codec.Unpack(context.Background(), archivePath, dst))

	data, err := os.ReadFile(filepath.Join(dst, "creds.json"))
	require.NoError(t, err)
	assert.Equal(t, "current", string(data))
}

func TestArchiveCodec_UnpackReplacesExistingTree(t *testing.T) {
	codec := NewArchiveCodec(fastPolicy(1))
	dst := filepath.Join(t.TempDir(), "T1")
	writeTree(t, dst, map[string]string{"creds.json": "old", "stale.lock": "x"})

	archivePath := writeZip(t, [2]string{"session/creds.json", "new"})
	require.NoError(t, codec.Unpack(context.Background(), archivePath, dst))

	data, err := os.ReadFile(filepath.Join(dst, "creds.json"))
	require.NoError(t, err)
	assert.Equal(t, "new", string(data))
	_, err = os.Stat(filepath.Join(dst, "stale.lock"))
	assert.True(t, os.IsNotExist(err))
}

func TestArchiveCodec_UnpackStripsOnlyWholeRootComponent(t *testing.T) {
	codec := NewArchiveCodec(fastPolicy(1))
	dst := filepath.Join(t.TempDir(), "T1")

	archivePath := writeZip(t,
		[2]string{"session/creds.json", "token"},
		[2]string{"sessionX/foo", "sibling"},
	)
	require.NoError(t, codec.Unpack(context.Background(), archivePath, dst))

	data, err := os.ReadFile(filepath.Join(dst, "sessionX", "foo"))
	require.NoError(t, err)
	assert.Equal(t, "sibling", string(data))
	_, err = os.Stat(filepath.Join(dst, "X"))
	assert.True(t, os.IsNotExist(err))
}
