package ftp

import (
	"io"
	"net/textproto"
	"testing"
	"time"

	"github.com/jlaffaye/ftp"
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
	b, err := NewBackend(configmap.Mapper{"host": "ftp.example.com"})
	require.NoError(t, err)
	assert.Equal(t, "ftp.example.com:21", b.dialAddr())
}

func TestWrapMapsEOF(t *testing.T) {
	err := wrap("read", io.EOF)
	assert.Equal(t, corevfs.KindEOF, corevfs.KindOf(err))
}

func TestWrapMapsProtocolCodes(t *testing.T) {
	notFound := wrap("get-file-info", &textproto.Error{Code: ftp.StatusFileUnavailable, Msg: "no such file"})
	assert.Equal(t, corevfs.KindNotFound, corevfs.KindOf(notFound))

	loginFailed := wrap("open", &textproto.Error{Code: ftp.StatusNotLoggedIn, Msg: "not logged in"})
	assert.Equal(t, corevfs.KindLoginFailed, corevfs.KindOf(loginFailed))
}

func TestWrapDefaultsToIO(t *testing.T) {
	err := wrap("write", assert.AnError)
	assert.Equal(t, corevfs.KindIO, corevfs.KindOf(err))
}

func TestFtpPathDefaultsToRoot(t *testing.T) {
	u, err := uri.Parse("ftp://example.com")
	require.NoError(t, err)
	p, err := ftpPath(u)
	require.NoError(t, err)
	assert.Equal(t, "/", p)
}

func TestInfoFromEntryMapsTypes(t *testing.T) {
	now := time.Now()
	dir := infoFromEntry(&ftp.Entry{Name: "sub", Type: ftp.EntryTypeFolder, Time: now})
	assert.Equal(t, corevfs.FileTypeDirectory, dir.Type)

	link := infoFromEntry(&ftp.Entry{Name: "l", Type: ftp.EntryTypeLink})
	assert.Equal(t, corevfs.FileTypeSymlink, link.Type)

	file := infoFromEntry(&ftp.Entry{Name: "f", Type: ftp.EntryTypeFile, Size: 42})
	assert.Equal(t, corevfs.FileTypeRegular, file.Type)
	assert.Equal(t, int64(42), file.Size)
}

// ReadDirectory skips "." and ".." the way a POSIX directory stream would,
// even though FTP's LIST does not guarantee either entry is present.
func TestReadDirectorySkipsDotEntries(t *testing.T) {
	b := &Backend{}
	h := &dirHandle{entries: []*ftp.Entry{
		{Name: ".", Type: ftp.EntryTypeFolder},
		{Name: "..", Type: ftp.EntryTypeFolder},
		{Name: "real.txt", Type: ftp.EntryTypeFile},
	}}
	ctx := corevfs.NewOpContext()
	fi, err := b.ReadDirectory(ctx, h)
	require.NoError(t, err)
	assert.Equal(t, "real.txt", fi.Name)

	_, err = b.ReadDirectory(ctx, h)
	assert.Equal(t, corevfs.KindEOF, corevfs.KindOf(err))
}

func TestCheckSameFilesystemComparesHost(t *testing.T) {
	b := &Backend{}
	a, err := uri.Parse("ftp://host1/a")
	require.NoError(t, err)
	c, err := uri.Parse("ftp://host1/b")
	require.NoError(t, err)
	same, err := b.CheckSameFilesystem(corevfs.NewOpContext(), a, c)
	require.NoError(t, err)
	assert.True(t, same)

	d, err := uri.Parse("ftp://host2/b")
	require.NoError(t, err)
	same, err = b.CheckSameFilesystem(corevfs.NewOpContext(), a, d)
	require.NoError(t, err)
	assert.False(t, same)
}

func TestSeekRejectsNonStartOrigin(t *testing.T) {
	b := &Backend{}
	err := b.Seek(corevfs.NewOpContext(), &readHandle{}, corevfs.SeekEnd, 0)
	assert.Equal(t, corevfs.KindNotSupported, corevfs.KindOf(err))
}

func TestTruncateNotSupported(t *testing.T) {
	b := &Backend{}
	err := b.Truncate(corevfs.NewOpContext(), nil, nil, 0)
	assert.Equal(t, corevfs.KindNotSupported, corevfs.KindOf(err))
}
