// Package sftp provides the "ssh" scheme backend over golang.org/x/crypto/ssh
// and github.com/pkg/sftp, grounded on the teacher's backend/sftp/sftp.go:
// a conn wrapping an *ssh.Client plus *sftp.Client, pooled behind
// poolMu/pool exactly like the teacher, with ssh-agent keys looked up via
// github.com/xanzy/ssh-agent and offered alongside any configured password
// or key file.
package sftp

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"

	sshagent "github.com/xanzy/ssh-agent"

	"github.com/vfscore/corevfs"
	"github.com/vfscore/corevfs/internal/configmap"
	"github.com/vfscore/corevfs/internal/vfslog"
	"github.com/vfscore/corevfs/uri"
)

// Options are the SFTP backend's connection parameters.
type Options struct {
	Host    string `config:"host"`
	Port    int    `config:"port"`
	User    string `config:"user"`
	Pass    string `config:"pass"`
	KeyFile string `config:"key_file"`
}

// Backend implements corevfs.Backend for the "ssh" scheme.
type Backend struct {
	opt    Options
	config *ssh.ClientConfig

	poolMu sync.Mutex
	pool   []*conn
}

// conn bundles one SSH connection with the SFTP client layered on top of it,
// the teacher's own conn type in backend/sftp/sftp.go.
type conn struct {
	ssh  *ssh.Client
	sftp *sftp.Client
}

func (c *conn) close() error {
	sftpErr := c.sftp.Close()
	sshErr := c.ssh.Close()
	if sftpErr != nil {
		return sftpErr
	}
	return sshErr
}

// NewBackend constructs the SFTP backend, offering every authentication
// method that is available, in this order: the password if given, the
// configured key file if given, and the running user's ssh-agent keys via
// github.com/xanzy/ssh-agent when an agent is reachable.
func NewBackend(m configmap.Mapper) (*Backend, error) {
	opt := Options{Port: 22}
	if err := configmap.Set(m, &opt); err != nil {
		return nil, err
	}
	if opt.Host == "" {
		return nil, corevfs.NewError("new-backend", corevfs.KindBadParameters, errors.New("sftp: host is required"))
	}

	var auths []ssh.AuthMethod
	if opt.Pass != "" {
		auths = append(auths, ssh.Password(opt.Pass))
	}
	if opt.KeyFile != "" {
		key, err := os.ReadFile(opt.KeyFile)
		if err != nil {
			return nil, corevfs.NewError("new-backend", corevfs.KindLoginFailed, errors.Wrap(err, "sftp: read key file"))
		}
		signer, err := ssh.ParsePrivateKey(key)
		if err != nil {
			return nil, corevfs.NewError("new-backend", corevfs.KindLoginFailed, errors.Wrap(err, "sftp: parse key file"))
		}
		auths = append(auths, ssh.PublicKeys(signer))
	}
	if agentClient, agentConn, err := sshagent.New(); err == nil {
		if signers, sErr := agentClient.Signers(); sErr == nil && len(signers) > 0 {
			auths = append(auths, ssh.PublicKeys(signers...))
		}
		_ = agentConn.Close()
	}

	cfg := &ssh.ClientConfig{
		User:            opt.User,
		Auth:            auths,
		HostKeyCallback: ssh.InsecureIgnoreHostKey(), // no known_hosts collaborator in this core, see DESIGN.md
		Timeout:         15 * time.Second,
	}
	return &Backend{opt: opt, config: cfg}, nil
}

func (b *Backend) Scheme() string { return "ssh" }

func (b *Backend) dialAddr() string { return fmt.Sprintf("%s:%d", b.opt.Host, b.opt.Port) }

// dial opens a new SSH connection and layers an SFTP client on top,
// mirroring the teacher's sftpConnection + newSftpClient pair.
func (b *Backend) dial() (*conn, error) {
	sshClient, err := ssh.Dial("tcp", b.dialAddr(), b.config)
	if err != nil {
		return nil, errors.Wrapf(err, "sftp: dial %q", b.dialAddr())
	}
	sftpClient, err := sftp.NewClient(sshClient)
	if err != nil {
		_ = sshClient.Close()
		return nil, errors.Wrap(err, "sftp: new client")
	}
	return &conn{ssh: sshClient, sftp: sftpClient}, nil
}

func (b *Backend) getConn() (*conn, error) {
	b.poolMu.Lock()
	var c *conn
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

func (b *Backend) putConn(c *conn, callErr error) {
	if c == nil {
		return
	}
	if callErr != nil {
		if _, err := c.sftp.Getwd(); err != nil {
			_ = c.close()
			return
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
	if os.IsNotExist(err) {
		return corevfs.NewError(op, corevfs.KindNotFound, err)
	}
	if os.IsExist(err) {
		return corevfs.NewError(op, corevfs.KindFileExists, err)
	}
	if os.IsPermission(err) {
		return corevfs.NewError(op, corevfs.KindAccessDenied, err)
	}
	var statusErr *sftp.StatusError
	if errors.As(err, &statusErr) {
		switch statusErr.Code {
		case uint32(sftp.ErrSSHFxNoSuchFile):
			return corevfs.NewError(op, corevfs.KindNotFound, err)
		case uint32(sftp.ErrSSHFxPermissionDenied):
			return corevfs.NewError(op, corevfs.KindAccessDenied, err)
		}
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return corevfs.NewError(op, corevfs.KindHostNotFound, err)
	}
	return corevfs.NewError(op, corevfs.KindIO, err)
}

type handle struct {
	b    *Backend
	c    *conn
	f    *sftp.File
	name string
}

func (h *handle) Scheme() string { return "ssh" }

func sftpPath(u *uri.URI) (string, error) { return u.Path() }

func (b *Backend) Open(ctx *corevfs.OpContext, u *uri.URI, mode corevfs.OpenMode) (corevfs.OpenHandle, error) {
	p, err := sftpPath(u)
	if err != nil {
		return nil, corevfs.NewError("open", corevfs.KindInvalidURI, err)
	}
	c, err := b.getConn()
	if err != nil {
		return nil, wrap("open", err)
	}
	var flags int
	switch mode {
	case corevfs.OpenRead:
		flags = os.O_RDONLY
	case corevfs.OpenWrite:
		flags = os.O_WRONLY
	case corevfs.OpenRandom:
		flags = os.O_RDWR
	default:
		b.putConn(c, nil)
		return nil, corevfs.NewError("open", corevfs.KindInvalidOpenMode, nil)
	}
	f, err := c.sftp.OpenFile(p, flags)
	if err != nil {
		b.putConn(c, err)
		return nil, wrap("open", err)
	}
	vfslog.Infof(context.Background(), "sftp: opened %s", p)
	return &handle{b: b, c: c, f: f, name: p}, nil
}

func (b *Backend) Create(ctx *corevfs.OpContext, u *uri.URI, mode corevfs.OpenMode, exclusive bool, perm uint32) (corevfs.OpenHandle, error) {
	p, err := sftpPath(u)
	if err != nil {
		return nil, corevfs.NewError("create", corevfs.KindInvalidURI, err)
	}
	c, err := b.getConn()
	if err != nil {
		return nil, wrap("create", err)
	}
	if exclusive {
		if _, statErr := c.sftp.Lstat(p); statErr == nil {
			b.putConn(c, nil)
			return nil, corevfs.FileExists
		}
	}
	f, err := c.sftp.Create(p)
	if err != nil {
		b.putConn(c, err)
		return nil, wrap("create", err)
	}
	if perm != 0 {
		_ = c.sftp.Chmod(p, os.FileMode(perm))
	}
	return &handle{b: b, c: c, f: f, name: p}, nil
}

func (b *Backend) Close(ctx *corevfs.OpContext, hh corevfs.OpenHandle) error {
	h, ok := hh.(*handle)
	if !ok {
		return corevfs.NewError("close", corevfs.KindBadParameters, nil)
	}
	err := h.f.Close()
	h.b.putConn(h.c, err)
	return wrap("close", err)
}

func (b *Backend) Read(ctx *corevfs.OpContext, hh corevfs.OpenHandle, buf []byte) (int, error) {
	h := hh.(*handle)
	if ctx.Cancelled() {
		return 0, corevfs.Cancelled
	}
	n, err := h.f.Read(buf)
	if err != nil {
		return n, wrap("read", err)
	}
	return n, nil
}

func (b *Backend) Write(ctx *corevfs.OpContext, hh corevfs.OpenHandle, buf []byte) (int, error) {
	h := hh.(*handle)
	if ctx.Cancelled() {
		return 0, corevfs.Cancelled
	}
	n, err := h.f.Write(buf)
	if err != nil {
		return n, wrap("write", err)
	}
	return n, nil
}

func (b *Backend) Seek(ctx *corevfs.OpContext, hh corevfs.OpenHandle, origin corevfs.SeekOrigin, offset int64) error {
	h := hh.(*handle)
	var whence int
	switch origin {
	case corevfs.SeekStart:
		whence = io.SeekStart
	case corevfs.SeekCurrent:
		whence = io.SeekCurrent
	case corevfs.SeekEnd:
		whence = io.SeekEnd
	default:
		return corevfs.NewError("seek", corevfs.KindBadParameters, nil)
	}
	if _, err := h.f.Seek(offset, whence); err != nil {
		return wrap("seek", err)
	}
	return nil
}

func (b *Backend) Tell(ctx *corevfs.OpContext, hh corevfs.OpenHandle) (int64, error) {
	h := hh.(*handle)
	off, err := h.f.Seek(0, io.SeekCurrent)
	if err != nil {
		return 0, wrap("tell", err)
	}
	return off, nil
}

func (b *Backend) Truncate(ctx *corevfs.OpContext, hh corevfs.OpenHandle, u *uri.URI, size int64) error {
	if hh != nil {
		h := hh.(*handle)
		return wrap("truncate", h.f.Truncate(size))
	}
	p, err := sftpPath(u)
	if err != nil {
		return corevfs.NewError("truncate", corevfs.KindInvalidURI, err)
	}
	c, err := b.getConn()
	if err != nil {
		return wrap("truncate", err)
	}
	err = c.sftp.Truncate(p, size)
	b.putConn(c, err)
	return wrap("truncate", err)
}

type dirHandle struct {
	entries []os.FileInfo
	dir     string
	i       int
}

func (h *dirHandle) Scheme() string { return "ssh" }

func (b *Backend) OpenDirectory(ctx *corevfs.OpContext, u *uri.URI, opts corevfs.InfoOptions) (corevfs.OpenHandle, error) {
	p, err := sftpPath(u)
	if err != nil {
		return nil, corevfs.NewError("open-directory", corevfs.KindInvalidURI, err)
	}
	c, err := b.getConn()
	if err != nil {
		return nil, wrap("open-directory", err)
	}
	entries, err := c.sftp.ReadDir(p)
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
	if h.i >= len(h.entries) {
		return corevfs.FileInfo{}, corevfs.EOF
	}
	fi := h.entries[h.i]
	h.i++
	return infoFromStat(fi), nil
}

func infoFromStat(fi os.FileInfo) corevfs.FileInfo {
	info := corevfs.FileInfo{
		Name:        fi.Name(),
		Size:        fi.Size(),
		Permissions: uint32(fi.Mode().Perm()),
		MTime:       fi.ModTime(),
		CanRead:     true,
		CanWrite:    fi.Mode().Perm()&0200 != 0,
	}
	switch {
	case fi.Mode()&os.ModeSymlink != 0:
		info.Type = corevfs.FileTypeSymlink
	case fi.IsDir():
		info.Type = corevfs.FileTypeDirectory
	default:
		info.Type = corevfs.FileTypeRegular
	}
	return info
}

func (b *Backend) GetFileInfo(ctx *corevfs.OpContext, u *uri.URI, opts corevfs.InfoOptions) (corevfs.FileInfo, error) {
	p, err := sftpPath(u)
	if err != nil {
		return corevfs.FileInfo{}, corevfs.NewError("get-file-info", corevfs.KindInvalidURI, err)
	}
	c, err := b.getConn()
	if err != nil {
		return corevfs.FileInfo{}, wrap("get-file-info", err)
	}
	var fi os.FileInfo
	if opts.FollowSymlinks {
		fi, err = c.sftp.Stat(p)
	} else {
		fi, err = c.sftp.Lstat(p)
	}
	b.putConn(c, err)
	if err != nil {
		return corevfs.FileInfo{}, wrap("get-file-info", err)
	}
	info := infoFromStat(fi)
	if info.Type == corevfs.FileTypeSymlink {
		c2, err := b.getConn()
		if err == nil {
			if target, lErr := c2.sftp.ReadLink(p); lErr == nil {
				info.SymlinkTarget = target
			}
			b.putConn(c2, nil)
		}
	}
	return info, nil
}

func (b *Backend) GetFileInfoFromHandle(ctx *corevfs.OpContext, hh corevfs.OpenHandle, opts corevfs.InfoOptions) (corevfs.FileInfo, error) {
	h := hh.(*handle)
	fi, err := h.f.Stat()
	if err != nil {
		return corevfs.FileInfo{}, wrap("get-file-info-from-handle", err)
	}
	return infoFromStat(fi), nil
}

func (b *Backend) MakeDirectory(ctx *corevfs.OpContext, u *uri.URI, perm uint32) error {
	p, err := sftpPath(u)
	if err != nil {
		return corevfs.NewError("make-directory", corevfs.KindInvalidURI, err)
	}
	c, err := b.getConn()
	if err != nil {
		return wrap("make-directory", err)
	}
	err = c.sftp.Mkdir(p)
	if err == nil && perm != 0 {
		_ = c.sftp.Chmod(p, os.FileMode(perm))
	}
	b.putConn(c, err)
	return wrap("make-directory", err)
}

func (b *Backend) RemoveDirectory(ctx *corevfs.OpContext, u *uri.URI) error {
	p, err := sftpPath(u)
	if err != nil {
		return corevfs.NewError("remove-directory", corevfs.KindInvalidURI, err)
	}
	c, err := b.getConn()
	if err != nil {
		return wrap("remove-directory", err)
	}
	err = c.sftp.RemoveDirectory(p)
	b.putConn(c, err)
	return wrap("remove-directory", err)
}

func (b *Backend) Move(ctx *corevfs.OpContext, src, dst *uri.URI, forceReplace bool) error {
	if src.Scheme() != dst.Scheme() || src.Host() != dst.Host() {
		return corevfs.NotSameFilesystem
	}
	sp, err := sftpPath(src)
	if err != nil {
		return corevfs.NewError("move", corevfs.KindInvalidURI, err)
	}
	dp, err := sftpPath(dst)
	if err != nil {
		return corevfs.NewError("move", corevfs.KindInvalidURI, err)
	}
	c, err := b.getConn()
	if err != nil {
		return wrap("move", err)
	}
	if forceReplace {
		err = c.sftp.PosixRename(sp, dp)
	} else {
		if _, statErr := c.sftp.Lstat(dp); statErr == nil {
			b.putConn(c, nil)
			return corevfs.FileExists
		}
		err = c.sftp.Rename(sp, dp)
	}
	b.putConn(c, err)
	return wrap("move", err)
}

func (b *Backend) Unlink(ctx *corevfs.OpContext, u *uri.URI) error {
	p, err := sftpPath(u)
	if err != nil {
		return corevfs.NewError("unlink", corevfs.KindInvalidURI, err)
	}
	c, err := b.getConn()
	if err != nil {
		return wrap("unlink", err)
	}
	fi, statErr := c.sftp.Lstat(p)
	if statErr == nil && fi.IsDir() {
		b.putConn(c, nil)
		return corevfs.IsDirectory
	}
	err = c.sftp.Remove(p)
	b.putConn(c, err)
	return wrap("unlink", err)
}

func (b *Backend) CheckSameFilesystem(ctx *corevfs.OpContext, a, bb *uri.URI) (bool, error) {
	return a.Scheme() == bb.Scheme() && a.Host() == bb.Host(), nil
}

func (b *Backend) SetFileInfo(ctx *corevfs.OpContext, u *uri.URI, info corevfs.FileInfo, mask corevfs.SetInfoMask) error {
	p, err := sftpPath(u)
	if err != nil {
		return corevfs.NewError("set-file-info", corevfs.KindInvalidURI, err)
	}
	c, err := b.getConn()
	if err != nil {
		return wrap("set-file-info", err)
	}
	defer b.putConn(c, nil)
	if mask&corevfs.SetName != 0 {
		newPath := dirJoin(p, info.Name)
		if err := c.sftp.Rename(p, newPath); err != nil {
			return wrap("set-file-info", err)
		}
		p = newPath
	}
	if mask&corevfs.SetPermissions != 0 {
		if err := c.sftp.Chmod(p, os.FileMode(info.Permissions)); err != nil {
			return wrap("set-file-info", err)
		}
	}
	if mask&corevfs.SetOwner != 0 {
		if err := c.sftp.Chown(p, info.UID, info.GID); err != nil {
			return wrap("set-file-info", err)
		}
	}
	if mask&corevfs.SetTimes != 0 {
		at, mt := info.ATime, info.MTime
		if at.IsZero() {
			at = time.Now()
		}
		if err := c.sftp.Chtimes(p, at, mt); err != nil {
			return wrap("set-file-info", err)
		}
	}
	return nil
}

func dirJoin(p, name string) string {
	i := len(p) - 1
	for i >= 0 && p[i] != '/' {
		i--
	}
	if i < 0 {
		return name
	}
	return p[:i+1] + name
}

func (b *Backend) FindDirectory(ctx *corevfs.OpContext, near *uri.URI, kind corevfs.FindDirectoryKind, createIfMissing, findIfMissing bool, perm uint32) (*uri.URI, error) {
	return nil, corevfs.NotSupported
}

func (b *Backend) CreateSymlink(ctx *corevfs.OpContext, u *uri.URI, target string) error {
	p, err := sftpPath(u)
	if err != nil {
		return corevfs.NewError("create-symlink", corevfs.KindInvalidURI, err)
	}
	c, err := b.getConn()
	if err != nil {
		return wrap("create-symlink", err)
	}
	err = c.sftp.Symlink(target, p)
	b.putConn(c, err)
	return wrap("create-symlink", err)
}

func (b *Backend) IsLocal(u *uri.URI) bool { return false }
