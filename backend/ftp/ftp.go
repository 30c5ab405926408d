// Package ftp provides the "ftp" scheme backend over github.com/jlaffaye/ftp,
// grounded on the teacher's backend/ftp/ftp.go: a pooled set of control
// connections behind poolMu/pool, options decoded via internal/configmap in
// place of fs/config/configstruct, and errors wrapped with
// github.com/pkg/errors at every I/O boundary, matching the teacher's own
// import of that package.
package ftp

import (
	"context"
	"fmt"
	"io"
	"net/textproto"
	"path"
	"strings"
	"sync"

	"github.com/jlaffaye/ftp"
	"github.com/pkg/errors"
	"github.com/vfscore/corevfs"
	"github.com/vfscore/corevfs/internal/configmap"
	"github.com/vfscore/corevfs/internal/vfslog"
	"github.com/vfscore/corevfs/uri"
)

// Options are the FTP backend's connection parameters, declared the way the
// teacher declares every backend's Options: a flat struct of `config:"..."`
// tagged fields populated from a configmap.Mapper.
type Options struct {
	Host        string `config:"host"`
	Port        int    `config:"port"`
	User        string `config:"user"`
	Pass        string `config:"pass"`
	TLS         bool   `config:"tls"`
	ExplicitTLS bool   `config:"explicit_tls"`
	Concurrency int    `config:"concurrency"`
}

// Backend implements corevfs.Backend for the "ftp" scheme. Every control
// connection it opens goes to the host and port in its own Options; the
// host part of URIs passed to it is not used for dialing. This mirrors the
// teacher's one-remote-per-Fs model collapsed to one backend per scheme:
// the registry's Loader constructs one Backend for the scheme.
type Backend struct {
	opt Options

	poolMu sync.Mutex
	pool   []*ftp.ServerConn
}

// NewBackend constructs the FTP backend from a flat options map.
func NewBackend(m configmap.Mapper) (*Backend, error) {
	opt := Options{Port: 21}
	if err := configmap.Set(m, &opt); err != nil {
		return nil, err
	}
	if opt.Host == "" {
		return nil, corevfs.NewError("new-backend", corevfs.KindBadParameters, errors.New("ftp: host is required"))
	}
	return &Backend{opt: opt}, nil
}

func (b *Backend) Scheme() string { return "ftp" }

func (b *Backend) dialAddr() string {
	return fmt.Sprintf("%s:%d", b.opt.Host, b.opt.Port)
}

// dial opens one fresh control connection and logs in, following the
// teacher's ftpConnection: a single func building *ftp.ServerConn from
// Options. A failed dial or login is returned as is, without retry.
func (b *Backend) dial() (*ftp.ServerConn, error) {
	var dialOpts []ftp.DialOption
	if b.opt.TLS {
		dialOpts = append(dialOpts, ftp.DialWithTLS(nil))
	} else if b.opt.ExplicitTLS {
		dialOpts = append(dialOpts, ftp.DialWithExplicitTLS(nil))
	}
	c, err := ftp.Dial(b.dialAddr(), dialOpts...)
	if err != nil {
		return nil, errors.Wrapf(err, "ftp: dial %q", b.dialAddr())
	}
	if err := c.Login(b.opt.User, b.opt.Pass); err != nil {
		_ = c.Quit()
		return nil, errors.Wrap(err, "ftp: login")
	}
	return c, nil
}

// getConn pops a pooled connection or dials a fresh one, mirroring the
// teacher's getFtpConnection.
func (b *Backend) getConn() (*ftp.ServerConn, error) {
	b.poolMu.Lock()
	var c *ftp.ServerConn
	if n := len(b.pool); n > 0 {
		c = b.pool[n-1]
		b.pool = b.pool[:n-1]
	}
	b.poolMu.Unlock()
	if c != nil {
		return c, nil
	}
	return b.dial()
}

// putConn returns a connection to the pool. If the preceding call failed
// with an error that is not an FTP protocol reply (*textproto.Error), the
// connection is first probed with NoOp and discarded if the probe fails -
// the teacher's putFtpConnection logic, condensed.
func (b *Backend) putConn(c *ftp.ServerConn, callErr error) {
	if c == nil {
		return
	}
	if callErr != nil {
		var protoErr *textproto.Error
		if !errors.As(callErr, &protoErr) {
			if nopErr := c.NoOp(); nopErr != nil {
				_ = c.Quit()
				return
			}
		}
	}
	b.poolMu.Lock()
	b.pool = append(b.pool, c)
	b.poolMu.Unlock()
}

func wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, io.EOF) {
		return corevfs.NewError(op, corevfs.KindEOF, err)
	}
	var protoErr *textproto.Error
	if errors.As(err, &protoErr) {
		switch protoErr.Code {
		case ftp.StatusFileUnavailable:
			return corevfs.NewError(op, corevfs.KindNotFound, err)
		case ftp.StatusNotLoggedIn:
			return corevfs.NewError(op, corevfs.KindLoginFailed, err)
		}
	}
	return corevfs.NewError(op, corevfs.KindIO, err)
}

func ftpPath(u *uri.URI) (string, error) {
	p, err := u.Path()
	if err != nil {
		return "", err
	}
	if p == "" {
		p = "/"
	}
	return p, nil
}

// readHandle wraps an in-progress RETR so Read/Close map onto the pooled
// control connection it borrowed.
type readHandle struct {
	b    *Backend
	conn *ftp.ServerConn
	resp *ftp.Response
	path string
	off  int64
}

func (h *readHandle) Scheme() string { return "ftp" }

// writeHandle wraps an in-progress STOR, fed through an io.Pipe: the
// producer is the caller's Write calls and the consumer is the
// jlaffaye/ftp library's blocking Stor, running on its own goroutine.
type writeHandle struct {
	b    *Backend
	conn *ftp.ServerConn
	path string
	pw   *io.PipeWriter
	done chan error
}

func (h *writeHandle) Scheme() string { return "ftp" }

func (b *Backend) Open(ctx *corevfs.OpContext, u *uri.URI, mode corevfs.OpenMode) (corevfs.OpenHandle, error) {
	p, err := ftpPath(u)
	if err != nil {
		return nil, corevfs.NewError("open", corevfs.KindInvalidURI, err)
	}
	if mode != corevfs.OpenRead {
		return nil, corevfs.NewError("open", corevfs.KindInvalidOpenMode, nil)
	}
	c, err := b.getConn()
	if err != nil {
		return nil, wrap("open", err)
	}
	resp, err := c.Retr(p)
	if err != nil {
		b.putConn(c, err)
		return nil, wrap("open", err)
	}
	vfslog.Debugf(context.Background(), "ftp: opened %s", p)
	return &readHandle{b: b, conn: c, resp: resp, path: p}, nil
}

func (b *Backend) Create(ctx *corevfs.OpContext, u *uri.URI, mode corevfs.OpenMode, exclusive bool, perm uint32) (corevfs.OpenHandle, error) {
	p, err := ftpPath(u)
	if err != nil {
		return nil, corevfs.NewError("create", corevfs.KindInvalidURI, err)
	}
	if exclusive {
		if _, err := b.statEntry(p); err == nil {
			return nil, corevfs.FileExists
		}
	}
	c, err := b.getConn()
	if err != nil {
		return nil, wrap("create", err)
	}
	pr, pw := io.Pipe()
	h := &writeHandle{b: b, conn: c, path: p, pw: pw, done: make(chan error, 1)}
	go func() {
		h.done <- c.Stor(p, pr)
	}()
	return h, nil
}

func (b *Backend) Close(ctx *corevfs.OpContext, hh corevfs.OpenHandle) error {
	switch h := hh.(type) {
	case *readHandle:
		err := h.resp.Close()
		h.b.putConn(h.conn, err)
		return wrap("close", err)
	case *writeHandle:
		_ = h.pw.Close()
		err := <-h.done
		h.b.putConn(h.conn, err)
		return wrap("close", err)
	default:
		return corevfs.NewError("close", corevfs.KindBadParameters, nil)
	}
}

func (b *Backend) Read(ctx *corevfs.OpContext, hh corevfs.OpenHandle, buf []byte) (int, error) {
	h, ok := hh.(*readHandle)
	if !ok {
		return 0, corevfs.NewError("read", corevfs.KindBadParameters, nil)
	}
	if ctx.Cancelled() {
		return 0, corevfs.Cancelled
	}
	n, err := h.resp.Read(buf)
	h.off += int64(n)
	if err != nil {
		return n, wrap("read", err)
	}
	return n, nil
}

func (b *Backend) Write(ctx *corevfs.OpContext, hh corevfs.OpenHandle, buf []byte) (int, error) {
	h, ok := hh.(*writeHandle)
	if !ok {
		return 0, corevfs.NewError("write", corevfs.KindBadParameters, nil)
	}
	if ctx.Cancelled() {
		return 0, corevfs.Cancelled
	}
	n, err := h.pw.Write(buf)
	if err != nil {
		return n, wrap("write", err)
	}
	return n, nil
}

func (b *Backend) Seek(ctx *corevfs.OpContext, hh corevfs.OpenHandle, origin corevfs.SeekOrigin, offset int64) error {
	h, ok := hh.(*readHandle)
	if !ok {
		return corevfs.NotSupported
	}
	if origin != corevfs.SeekStart {
		return corevfs.NotSupported
	}
	_ = h.resp.Close()
	b.putConn(h.conn, nil)
	c, err := b.getConn()
	if err != nil {
		return wrap("seek", err)
	}
	resp, err := c.RetrFrom(h.path, uint64(offset))
	if err != nil {
		b.putConn(c, err)
		return wrap("seek", err)
	}
	h.conn, h.resp, h.off = c, resp, offset
	return nil
}

func (b *Backend) Tell(ctx *corevfs.OpContext, hh corevfs.OpenHandle) (int64, error) {
	h, ok := hh.(*readHandle)
	if !ok {
		return 0, corevfs.NotSupported
	}
	return h.off, nil
}

func (b *Backend) Truncate(ctx *corevfs.OpContext, h corevfs.OpenHandle, u *uri.URI, size int64) error {
	return corevfs.NotSupported
}

// dirHandle lists the whole directory up front, like the teacher's FTP
// List call, and is consumed one entry at a time.
type dirHandle struct {
	entries []*ftp.Entry
	i       int
	dir     string
}

func (h *dirHandle) Scheme() string { return "ftp" }

func (b *Backend) OpenDirectory(ctx *corevfs.OpContext, u *uri.URI, opts corevfs.InfoOptions) (corevfs.OpenHandle, error) {
	p, err := ftpPath(u)
	if err != nil {
		return nil, corevfs.NewError("open-directory", corevfs.KindInvalidURI, err)
	}
	c, err := b.getConn()
	if err != nil {
		return nil, wrap("open-directory", err)
	}
	entries, err := c.List(p)
	b.putConn(c, err)
	if err != nil {
		return nil, wrap("open-directory", err)
	}
	return &dirHandle{entries: entries, dir: p}, nil
}

func (b *Backend) CloseDirectory(ctx *corevfs.OpContext, h corevfs.OpenHandle) error { return nil }

func (b *Backend) ReadDirectory(ctx *corevfs.OpContext, hh corevfs.OpenHandle) (corevfs.FileInfo, error) {
	h, ok := hh.(*dirHandle)
	if !ok {
		return corevfs.FileInfo{}, corevfs.NewError("read-directory", corevfs.KindBadParameters, nil)
	}
	for h.i < len(h.entries) {
		e := h.entries[h.i]
		h.i++
		if e.Name == "." || e.Name == ".." {
			continue
		}
		return infoFromEntry(e), nil
	}
	return corevfs.FileInfo{}, corevfs.EOF
}

func infoFromEntry(e *ftp.Entry) corevfs.FileInfo {
	info := corevfs.FileInfo{
		Name:    e.Name,
		Size:    int64(e.Size),
		MTime:   e.Time,
		CanRead: true,
		CanWrite: true,
	}
	switch e.Type {
	case ftp.EntryTypeFolder:
		info.Type = corevfs.FileTypeDirectory
	case ftp.EntryTypeLink:
		info.Type = corevfs.FileTypeSymlink
	default:
		info.Type = corevfs.FileTypeRegular
	}
	return info
}

// statEntry lists the parent directory and matches by basename, since the
// pooled jlaffaye/ftp client version this backend targets has no single-file
// STAT helper (matches the teacher's own fallback comment in ftp.go for
// servers without MLST support).
func (b *Backend) statEntry(p string) (*ftp.Entry, error) {
	dir, name := path.Split(strings.TrimSuffix(p, "/"))
	if dir == "" {
		dir = "/"
	}
	c, err := b.getConn()
	if err != nil {
		return nil, err
	}
	entries, err := c.List(dir)
	b.putConn(c, err)
	if err != nil {
		return nil, err
	}
	for _, e := range entries {
		if e.Name == name {
			return e, nil
		}
	}
	return nil, errors.New("ftp: not found")
}

func (b *Backend) GetFileInfo(ctx *corevfs.OpContext, u *uri.URI, opts corevfs.InfoOptions) (corevfs.FileInfo, error) {
	p, err := ftpPath(u)
	if err != nil {
		return corevfs.FileInfo{}, corevfs.NewError("get-file-info", corevfs.KindInvalidURI, err)
	}
	e, err := b.statEntry(p)
	if err != nil {
		return corevfs.FileInfo{}, corevfs.NewError("get-file-info", corevfs.KindNotFound, err)
	}
	return infoFromEntry(e), nil
}

func (b *Backend) GetFileInfoFromHandle(ctx *corevfs.OpContext, hh corevfs.OpenHandle, opts corevfs.InfoOptions) (corevfs.FileInfo, error) {
	switch h := hh.(type) {
	case *readHandle:
		return b.GetFileInfo(ctx, mustParse(h.path), opts)
	default:
		return corevfs.FileInfo{}, corevfs.NotSupported
	}
}

func mustParse(p string) *uri.URI {
	u, _ := uri.Parse("ftp://" + p)
	return u
}

func (b *Backend) MakeDirectory(ctx *corevfs.OpContext, u *uri.URI, perm uint32) error {
	p, err := ftpPath(u)
	if err != nil {
		return corevfs.NewError("make-directory", corevfs.KindInvalidURI, err)
	}
	c, err := b.getConn()
	if err != nil {
		return wrap("make-directory", err)
	}
	err = c.MakeDir(p)
	b.putConn(c, err)
	return wrap("make-directory", err)
}

func (b *Backend) RemoveDirectory(ctx *corevfs.OpContext, u *uri.URI) error {
	p, err := ftpPath(u)
	if err != nil {
		return corevfs.NewError("remove-directory", corevfs.KindInvalidURI, err)
	}
	c, err := b.getConn()
	if err != nil {
		return wrap("remove-directory", err)
	}
	err = c.RemoveDir(p)
	b.putConn(c, err)
	return wrap("remove-directory", err)
}

func (b *Backend) Move(ctx *corevfs.OpContext, src, dst *uri.URI, forceReplace bool) error {
	if src.Scheme() != dst.Scheme() {
		return corevfs.NotSameFilesystem
	}
	sp, err := ftpPath(src)
	if err != nil {
		return corevfs.NewError("move", corevfs.KindInvalidURI, err)
	}
	dp, err := ftpPath(dst)
	if err != nil {
		return corevfs.NewError("move", corevfs.KindInvalidURI, err)
	}
	if !forceReplace {
		if _, err := b.statEntry(dp); err == nil {
			return corevfs.FileExists
		}
	}
	c, err := b.getConn()
	if err != nil {
		return wrap("move", err)
	}
	err = c.Rename(sp, dp)
	b.putConn(c, err)
	return wrap("move", err)
}

func (b *Backend) Unlink(ctx *corevfs.OpContext, u *uri.URI) error {
	p, err := ftpPath(u)
	if err != nil {
		return corevfs.NewError("unlink", corevfs.KindInvalidURI, err)
	}
	c, err := b.getConn()
	if err != nil {
		return wrap("unlink", err)
	}
	err = c.Delete(p)
	b.putConn(c, err)
	return wrap("unlink", err)
}

func (b *Backend) CheckSameFilesystem(ctx *corevfs.OpContext, a, bb *uri.URI) (bool, error) {
	return a.Scheme() == bb.Scheme() && a.Host() == bb.Host(), nil
}

func (b *Backend) SetFileInfo(ctx *corevfs.OpContext, u *uri.URI, info corevfs.FileInfo, mask corevfs.SetInfoMask) error {
	if mask&corevfs.SetName == 0 {
		return corevfs.NotSupported
	}
	p, err := ftpPath(u)
	if err != nil {
		return corevfs.NewError("set-file-info", corevfs.KindInvalidURI, err)
	}
	newPath := path.Join(path.Dir(p), info.Name)
	c, err := b.getConn()
	if err != nil {
		return wrap("set-file-info", err)
	}
	err = c.Rename(p, newPath)
	b.putConn(c, err)
	return wrap("set-file-info", err)
}

func (b *Backend) FindDirectory(ctx *corevfs.OpContext, near *uri.URI, kind corevfs.FindDirectoryKind, createIfMissing, findIfMissing bool, perm uint32) (*uri.URI, error) {
	return nil, corevfs.NotSupported
}

func (b *Backend) CreateSymlink(ctx *corevfs.OpContext, u *uri.URI, target string) error {
	return corevfs.NotSupported
}

func (b *Backend) IsLocal(u *uri.URI) bool { return false }
