package sftp

import (
	"io"
	"os"
	"testing"
	"time"

	"github.com/pkg/sftp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vfscore/corevfs"
	"github.com/vfscore/corevfs/internal/configmap"
	"github.com/vfscore/corevfs/uri"
)

func TestNewBackendRequiresHost(t *testing.T) {
	_, err := NewBackend(configmap.Mapper{})
	require.Error(t, err)
	assert.Equal(t, corevfs.KindBadParameters, corevfs.KindOf(err))
}

func TestNewBackendDefaultsPort(t *testing.T) {
	b, err := NewBackend(configmap.Mapper{"host": "example.com", "user": "alice"})
	require.NoError(t, err)
	assert.Equal(t, "example.com:22", b.dialAddr())
	assert.Equal(t, "alice", b.config.User)
}

func TestNewBackendRejectsBadKeyFile(t *testing.T) {
	_, err := NewBackend(configmap.Mapper{"host": "example.com", "key_file": "/no/such/key"})
	require.Error(t, err)
	assert.Equal(t, corevfs.KindLoginFailed, corevfs.KindOf(err))
}

func TestWrapMapsEOF(t *testing.T) {
	err := wrap("read", io.EOF)
	assert.Equal(t, corevfs.KindEOF, corevfs.KindOf(err))
}

func TestWrapMapsStatusError(t *testing.T) {
	notFound := wrap("open", &sftp.StatusError{Code: uint32(sftp.ErrSSHFxNoSuchFile)})
	assert.Equal(t, corevfs.KindNotFound, corevfs.KindOf(notFound))

	denied := wrap("open", &sftp.StatusError{Code: uint32(sftp.ErrSSHFxPermissionDenied)})
	assert.Equal(t, corevfs.KindAccessDenied, corevfs.KindOf(denied))
}

func TestWrapDefaultsToIO(t *testing.T) {
	assert.Equal(t, corevfs.KindIO, corevfs.KindOf(wrap("write", assert.AnError)))
}

type fakeFileInfo struct {
	name    string
	size    int64
	mode    os.FileMode
	modTime time.Time
}

func (f fakeFileInfo) Name() string       { return f.name }
func (f fakeFileInfo) Size() int64        { return f.size }
func (f fakeFileInfo) Mode() os.FileMode  { return f.mode }
func (f fakeFileInfo) ModTime() time.Time { return f.modTime }
func (f fakeFileInfo) IsDir() bool        { return f.mode.IsDir() }
func (f fakeFileInfo) Sys() any           { return nil }

func TestInfoFromStatMapsTypesAndWriteBit(t *testing.T) {
	dir := infoFromStat(fakeFileInfo{name: "d", mode: os.ModeDir | 0o755})
	assert.Equal(t, corevfs.FileTypeDirectory, dir.Type)

	link := infoFromStat(fakeFileInfo{name: "l", mode: os.ModeSymlink | 0o777})
	assert.Equal(t, corevfs.FileTypeSymlink, link.Type)

	ro := infoFromStat(fakeFileInfo{name: "f", mode: 0o444})
	assert.Equal(t, corevfs.FileTypeRegular, ro.Type)
	assert.False(t, ro.CanWrite)

	rw := infoFromStat(fakeFileInfo{name: "f", mode: 0o644})
	assert.True(t, rw.CanWrite)
}

func TestReadDirectoryExhaustsThenEOF(t *testing.T) {
	b := &Backend{}
	h := &dirHandle{entries: []os.FileInfo{
		fakeFileInfo{name: "a.txt", mode: 0o644},
		fakeFileInfo{name: "b.txt", mode: 0o644},
	}}
	ctx := corevfs.NewOpContext()

	fi, err := b.ReadDirectory(ctx, h)
	require.NoError(t, err)
	assert.Equal(t, "a.txt", fi.Name)

	fi, err = b.ReadDirectory(ctx, h)
	require.NoError(t, err)
	assert.Equal(t, "b.txt", fi.Name)

	_, err = b.ReadDirectory(ctx, h)
	assert.Equal(t, corevfs.KindEOF, corevfs.KindOf(err))
}

func TestDirJoin(t *testing.T) {
	assert.Equal(t, "/a/b/new.txt", dirJoin("/a/b/old.txt", "new.txt"))
	assert.Equal(t, "new.txt", dirJoin("old.txt", "new.txt"))
}

func TestCheckSameFilesystemComparesHost(t *testing.T) {
	b := &Backend{}
	a, err := uri.Parse("ssh://host1/a")
	require.NoError(t, err)
	c, err := uri.Parse("ssh://host1/b")
	require.NoError(t, err)
	same, err := b.CheckSameFilesystem(corevfs.NewOpContext(), a, c)
	require.NoError(t, err)
	assert.True(t, same)

	d, err := uri.Parse("ssh://host2/b")
	require.NoError(t, err)
	same, err = b.CheckSameFilesystem(corevfs.NewOpContext(), a, d)
	require.NoError(t, err)
	assert.False(t, same)
}

func TestMoveRejectsDifferentHost(t *testing.T) {
	b := &Backend{}
	src, err := uri.Parse("ssh://host1/a")
	require.NoError(t, err)
	dst, err := uri.Parse("ssh://host2/b")
	require.NoError(t, err)
	err = b.Move(corevfs.NewOpContext(), src, dst, false)
	assert.Equal(t, corevfs.KindNotSameFilesystem, corevfs.KindOf(err))
}
