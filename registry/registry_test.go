package registry

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vfscore/corevfs"
	"github.com/vfscore/corevfs/uri"
)

type fakeBackend struct{ scheme string }

func (f fakeBackend) Scheme() string { return f.scheme }
func (f fakeBackend) Open(*corevfs.OpContext, *uri.URI, corevfs.OpenMode) (corevfs.OpenHandle, error) {
	return nil, corevfs.NotSupported
}
func (f fakeBackend) Create(*corevfs.OpContext, *uri.URI, corevfs.OpenMode, bool, uint32) (corevfs.OpenHandle, error) {
	return nil, corevfs.NotSupported
}
func (f fakeBackend) Close(*corevfs.OpContext, corevfs.OpenHandle) error { return nil }
func (f fakeBackend) Read(*corevfs.OpContext, corevfs.OpenHandle, []byte) (int, error) {
	return 0, corevfs.NotSupported
}
func (f fakeBackend) Write(*corevfs.OpContext, corevfs.OpenHandle, []byte) (int, error) {
	return 0, corevfs.NotSupported
}
func (f fakeBackend) Seek(*corevfs.OpContext, corevfs.OpenHandle, corevfs.SeekOrigin, int64) error {
	return corevfs.NotSupported
}
func (f fakeBackend) Tell(*corevfs.OpContext, corevfs.OpenHandle) (int64, error) { return 0, corevfs.NotSupported }
func (f fakeBackend) Truncate(*corevfs.OpContext, corevfs.OpenHandle, *uri.URI, int64) error {
	return corevfs.NotSupported
}
func (f fakeBackend) OpenDirectory(*corevfs.OpContext, *uri.URI, corevfs.InfoOptions) (corevfs.OpenHandle, error) {
	return nil, corevfs.NotSupported
}
func (f fakeBackend) CloseDirectory(*corevfs.OpContext, corevfs.OpenHandle) error { return nil }
func (f fakeBackend) ReadDirectory(*corevfs.OpContext, corevfs.OpenHandle) (corevfs.FileInfo, error) {
	return corevfs.FileInfo{}, corevfs.EOF
}
func (f fakeBackend) GetFileInfo(*corevfs.OpContext, *uri.URI, corevfs.InfoOptions) (corevfs.FileInfo, error) {
	return corevfs.FileInfo{}, corevfs.NotFound
}
func (f fakeBackend) GetFileInfoFromHandle(*corevfs.OpContext, corevfs.OpenHandle, corevfs.InfoOptions) (corevfs.FileInfo, error) {
	return corevfs.FileInfo{}, corevfs.NotSupported
}
func (f fakeBackend) MakeDirectory(*corevfs.OpContext, *uri.URI, uint32) error    { return corevfs.NotSupported }
func (f fakeBackend) RemoveDirectory(*corevfs.OpContext, *uri.URI) error         { return corevfs.NotSupported }
func (f fakeBackend) Move(*corevfs.OpContext, *uri.URI, *uri.URI, bool) error    { return corevfs.NotSupported }
func (f fakeBackend) Unlink(*corevfs.OpContext, *uri.URI) error                  { return corevfs.NotSupported }
func (f fakeBackend) CheckSameFilesystem(*corevfs.OpContext, *uri.URI, *uri.URI) (bool, error) {
	return false, nil
}
func (f fakeBackend) SetFileInfo(*corevfs.OpContext, *uri.URI, corevfs.FileInfo, corevfs.SetInfoMask) error {
	return corevfs.NotSupported
}
func (f fakeBackend) FindDirectory(*corevfs.OpContext, *uri.URI, corevfs.FindDirectoryKind, bool, bool, uint32) (*uri.URI, error) {
	return nil, corevfs.NotSupported
}
func (f fakeBackend) CreateSymlink(*corevfs.OpContext, *uri.URI, string) error { return corevfs.NotSupported }
func (f fakeBackend) IsLocal(*uri.URI) bool                                   { return false }

func TestResolveLoadsOnce(t *testing.T) {
	r := New()
	var loadCount int32
	r.Register("test", func(scheme string) (corevfs.Backend, error) {
		atomic.AddInt32(&loadCount, 1)
		return fakeBackend{scheme: scheme}, nil
	})

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			b, err := r.Resolve("test")
			require.NoError(t, err)
			assert.Equal(t, "test", b.Scheme())
		}()
	}
	wg.Wait()
	assert.EqualValues(t, 1, atomic.LoadInt32(&loadCount))
}

func TestResolveUnknownScheme(t *testing.T) {
	r := New()
	_, err := r.Resolve("nope")
	require.Error(t, err)
	assert.Equal(t, corevfs.KindNotSupported, corevfs.KindOf(err))
}

func TestResolveCachesNegative(t *testing.T) {
	r := New()
	var loadCount int32
	r.Register("broken", func(string) (corevfs.Backend, error) {
		atomic.AddInt32(&loadCount, 1)
		return nil, fmt.Errorf("boom")
	})
	_, err1 := r.Resolve("broken")
	_, err2 := r.Resolve("broken")
	require.Error(t, err1)
	require.Error(t, err2)
	assert.EqualValues(t, 1, atomic.LoadInt32(&loadCount))
}

func TestProxyForwardsManySchemes(t *testing.T) {
	r := New()
	target := fakeBackend{scheme: "proxy"}
	r.Proxy("ftp", target)
	r.Proxy("ssh", target)

	ftpB, err := r.Resolve("ftp")
	require.NoError(t, err)
	assert.Equal(t, "ftp", ftpB.Scheme())

	sshB, err := r.Resolve("ssh")
	require.NoError(t, err)
	assert.Equal(t, "ssh", sshB.Scheme())
}
