package local

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vfscore/corevfs"
	"github.com/vfscore/corevfs/internal/configmap"
	"github.com/vfscore/corevfs/uri"
)

func newBackend(t *testing.T) *Backend {
	t.Helper()
	b, err := NewBackend(configmap.Mapper{})
	require.NoError(t, err)
	return b
}

func fileURI(t *testing.T, path string) *uri.URI {
	t.Helper()
	u, err := uri.Parse("file://" + path)
	require.NoError(t, err)
	return u
}

func TestCreateWriteReadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	b := newBackend(t)
	ctx := corevfs.NewOpContext()
	u := fileURI(t, filepath.Join(dir, "a.txt"))

	h, err := b.Create(ctx, u, corevfs.OpenWrite, false, 0o644)
	require.NoError(t, err)
	n, err := b.Write(ctx, h, []byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	require.NoError(t, b.Close(ctx, h))

	h2, err := b.Open(ctx, u, corevfs.OpenRead)
	require.NoError(t, err)
	buf := make([]byte, 16)
	n2, err := b.Read(ctx, h2, buf)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(buf[:n2]))
	require.NoError(t, b.Close(ctx, h2))
}

func TestCreateExclusiveFailsIfExists(t *testing.T) {
	dir := t.TempDir()
	b := newBackend(t)
	ctx := corevfs.NewOpContext()
	u := fileURI(t, filepath.Join(dir, "a.txt"))

	h, err := b.Create(ctx, u, corevfs.OpenWrite, true, 0o644)
	require.NoError(t, err)
	require.NoError(t, b.Close(ctx, h))

	_, err = b.Create(ctx, u, corevfs.OpenWrite, true, 0o644)
	require.Error(t, err)
	assert.Equal(t, corevfs.KindFileExists, corevfs.KindOf(err))
}

func TestOpenMissingIsNotFound(t *testing.T) {
	dir := t.TempDir()
	b := newBackend(t)
	ctx := corevfs.NewOpContext()
	_, err := b.Open(ctx, fileURI(t, filepath.Join(dir, "missing")), corevfs.OpenRead)
	require.Error(t, err)
	assert.Equal(t, corevfs.KindNotFound, corevfs.KindOf(err))
}

func TestOpenDirectoryRejectsDirectoryForOpen(t *testing.T) {
	dir := t.TempDir()
	b := newBackend(t)
	ctx := corevfs.NewOpContext()
	_, err := b.Open(ctx, fileURI(t, dir), corevfs.OpenRead)
	require.Error(t, err)
	assert.Equal(t, corevfs.KindIsDirectory, corevfs.KindOf(err))
}

func TestReadDirectoryStreamsAllEntriesThenEOF(t *testing.T) {
	dir := t.TempDir()
	b := newBackend(t)
	ctx := corevfs.NewOpContext()
	for i := 0; i < 3; i++ {
		require.NoError(t, os.WriteFile(filepath.Join(dir, fmt.Sprintf("f%d", i)), nil, 0o644))
	}

	h, err := b.OpenDirectory(ctx, fileURI(t, dir), corevfs.InfoOptions{})
	require.NoError(t, err)
	defer b.CloseDirectory(ctx, h)

	seen := map[string]bool{}
	for {
		info, err := b.ReadDirectory(ctx, h)
		if err != nil {
			assert.Equal(t, corevfs.KindEOF, corevfs.KindOf(err))
			break
		}
		seen[info.Name] = true
	}
	assert.Len(t, seen, 3)
}

func TestMakeAndRemoveDirectory(t *testing.T) {
	dir := t.TempDir()
	b := newBackend(t)
	ctx := corevfs.NewOpContext()
	sub := fileURI(t, filepath.Join(dir, "sub"))

	require.NoError(t, b.MakeDirectory(ctx, sub, 0o755))
	info, err := b.GetFileInfo(ctx, sub, corevfs.InfoOptions{})
	require.NoError(t, err)
	assert.Equal(t, corevfs.FileTypeDirectory, info.Type)

	require.NoError(t, b.RemoveDirectory(ctx, sub))
	_, err = b.GetFileInfo(ctx, sub, corevfs.InfoOptions{})
	assert.Equal(t, corevfs.KindNotFound, corevfs.KindOf(err))
}

func TestMoveAcrossSchemesIsNotSameFilesystem(t *testing.T) {
	b := newBackend(t)
	ctx := corevfs.NewOpContext()
	src := uri.MustParse("ssh://host/a")
	dst := fileURI(t, "/tmp/a")
	err := b.Move(ctx, src, dst, false)
	require.Error(t, err)
	assert.Equal(t, corevfs.KindNotSameFilesystem, corevfs.KindOf(err))
}

func TestMoveRejectsExistingDestinationWithoutForce(t *testing.T) {
	dir := t.TempDir()
	b := newBackend(t)
	ctx := corevfs.NewOpContext()
	src := fileURI(t, filepath.Join(dir, "a"))
	dst := fileURI(t, filepath.Join(dir, "b"))
	require.NoError(t, os.WriteFile(mustPath(t, src), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(mustPath(t, dst), []byte("y"), 0o644))

	err := b.Move(ctx, src, dst, false)
	require.Error(t, err)
	assert.Equal(t, corevfs.KindFileExists, corevfs.KindOf(err))
}

func TestUnlinkOnDirectoryIsIsDirectory(t *testing.T) {
	dir := t.TempDir()
	b := newBackend(t)
	ctx := corevfs.NewOpContext()
	err := b.Unlink(ctx, fileURI(t, dir))
	require.Error(t, err)
	assert.Equal(t, corevfs.KindIsDirectory, corevfs.KindOf(err))
}

func TestCheckSameFilesystemSameDevice(t *testing.T) {
	dir := t.TempDir()
	b := newBackend(t)
	ctx := corevfs.NewOpContext()
	a := fileURI(t, dir)
	same, err := b.CheckSameFilesystem(ctx, a, a)
	require.NoError(t, err)
	assert.True(t, same)
}

func TestCancelledReadReturnsCancelled(t *testing.T) {
	dir := t.TempDir()
	b := newBackend(t)
	u := fileURI(t, filepath.Join(dir, "a.txt"))
	ctx := corevfs.NewOpContext()
	h, err := b.Create(ctx, u, corevfs.OpenWrite, false, 0o644)
	require.NoError(t, err)
	require.NoError(t, b.Close(ctx, h))

	h2, err := b.Open(ctx, u, corevfs.OpenRead)
	require.NoError(t, err)
	defer b.Close(ctx, h2)

	ctx.Token.Cancel()
	_, err = b.Read(ctx, h2, make([]byte, 10))
	require.Error(t, err)
	assert.Equal(t, corevfs.KindCancelled, corevfs.KindOf(err))
}

func mustPath(t *testing.T, u *uri.URI) string {
	t.Helper()
	p, err := u.Path()
	require.NoError(t, err)
	return p
}
