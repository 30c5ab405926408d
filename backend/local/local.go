// Package local provides the "file" scheme backend: a thin, EINTR-retrying
// layer over the host filesystem. Adapted from the teacher's
// backend/local/local.go - Options decoded through internal/configmap in
// place of fs/config/configstruct, device-number comparison kept for
// CheckSameFilesystem, read/write loops
// retried once on EINTR per SPEC_FULL.md §4 item 2.
package local

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/vfscore/corevfs"
	"github.com/vfscore/corevfs/internal/configmap"
	"github.com/vfscore/corevfs/internal/vfslog"
	"github.com/vfscore/corevfs/uri"
)

// devUnset mirrors the teacher's sentinel for "device id not known", used
// when the OS does not expose st_dev (e.g. during tests on a stub FS).
const devUnset = ^uint64(0)

// Options are the local backend's parameters, kept as a struct in the
// teacher's style. NoSymlinks makes CreateSymlink fail with NotSupported;
// OneFileSystem is decoded but no operation consults it.
type Options struct {
	OneFileSystem bool `config:"one_file_system"`
	NoSymlinks    bool `config:"no_symlinks"`
}

// Backend implements corevfs.Backend for the "file" scheme.
type Backend struct {
	opt Options
}

// NewBackend constructs the local backend from a flat options map.
func NewBackend(m configmap.Mapper) (*Backend, error) {
	opt := Options{}
	if err := configmap.Set(m, &opt); err != nil {
		return nil, err
	}
	return &Backend{opt: opt}, nil
}

func (b *Backend) Scheme() string { return "file" }

// handle wraps an *os.File (or, for directories, an *os.File positioned for
// Readdir) as a corevfs.OpenHandle.
type handle struct {
	f     *os.File
	isDir bool
}

func (h *handle) Scheme() string { return "file" }

func localPath(u *uri.URI) (string, error) {
	return u.Path()
}

// retryEINTR runs fn, retrying once if it fails with syscall.EINTR - the
// local-backend contract spec §4.9 calls out explicitly, even though Go's
// os package already retries EINTR for regular files on most platforms.
func retryEINTR(fn func() (int, error)) (int, error) {
	n, err := fn()
	if errors.Is(err, syscall.EINTR) {
		return fn()
	}
	return n, err
}

func wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	switch {
	case os.IsNotExist(err):
		return corevfs.NewError(op, corevfs.KindNotFound, err)
	case os.IsExist(err):
		return corevfs.NewError(op, corevfs.KindFileExists, err)
	case os.IsPermission(err):
		return corevfs.NewError(op, corevfs.KindAccessDenied, err)
	case errors.Is(err, io.EOF):
		return corevfs.NewError(op, corevfs.KindEOF, err)
	default:
		var pathErr *os.PathError
		if errors.As(err, &pathErr) {
			if errors.Is(pathErr.Err, syscall.ENOTDIR) {
				return corevfs.NewError(op, corevfs.KindNotADirectory, err)
			}
			if errors.Is(pathErr.Err, syscall.EISDIR) {
				return corevfs.NewError(op, corevfs.KindIsDirectory, err)
			}
			if errors.Is(pathErr.Err, syscall.ENOTEMPTY) {
				return corevfs.NewError(op, corevfs.KindDirectoryNotEmpty, err)
			}
			if errors.Is(pathErr.Err, syscall.ENOSPC) {
				return corevfs.NewError(op, corevfs.KindNoSpace, err)
			}
		}
		return corevfs.NewError(op, corevfs.KindIO, err)
	}
}

func (b *Backend) Open(ctx *corevfs.OpContext, u *uri.URI, mode corevfs.OpenMode) (corevfs.OpenHandle, error) {
	p, err := localPath(u)
	if err != nil {
		return nil, corevfs.NewError("open", corevfs.KindInvalidURI, err)
	}
	flag := os.O_RDONLY
	switch mode {
	case corevfs.OpenWrite:
		flag = os.O_WRONLY
	case corevfs.OpenRandom:
		flag = os.O_RDWR
	case corevfs.OpenRead:
		flag = os.O_RDONLY
	default:
		return nil, corevfs.NewError("open", corevfs.KindInvalidOpenMode, nil)
	}
	f, err := os.OpenFile(p, flag, 0)
	if err != nil {
		return nil, wrap("open", err)
	}
	fi, statErr := f.Stat()
	if statErr == nil && fi.IsDir() {
		_ = f.Close()
		return nil, corevfs.NewError("open", corevfs.KindIsDirectory, nil)
	}
	vfslog.Debugf(context.Background(), "local: opened %s mode=%v", p, mode)
	return &handle{f: f}, nil
}

func (b *Backend) Create(ctx *corevfs.OpContext, u *uri.URI, mode corevfs.OpenMode, exclusive bool, perm uint32) (corevfs.OpenHandle, error) {
	p, err := localPath(u)
	if err != nil {
		return nil, corevfs.NewError("create", corevfs.KindInvalidURI, err)
	}
	flag := os.O_CREATE | os.O_WRONLY | os.O_TRUNC
	if exclusive {
		flag |= os.O_EXCL
	}
	f, err := os.OpenFile(p, flag, os.FileMode(perm))
	if err != nil {
		return nil, wrap("create", err)
	}
	return &handle{f: f}, nil
}

func (b *Backend) Close(ctx *corevfs.OpContext, h corevfs.OpenHandle) error {
	hh, ok := h.(*handle)
	if !ok {
		return corevfs.NewError("close", corevfs.KindBadParameters, nil)
	}
	if err := hh.f.Close(); err != nil {
		return wrap("close", err)
	}
	return nil
}

func (b *Backend) Read(ctx *corevfs.OpContext, h corevfs.OpenHandle, buf []byte) (int, error) {
	hh := h.(*handle)
	if ctx.Cancelled() {
		return 0, corevfs.Cancelled
	}
	n, err := retryEINTR(func() (int, error) { return hh.f.Read(buf) })
	if err != nil {
		return n, wrap("read", err)
	}
	return n, nil
}

func (b *Backend) Write(ctx *corevfs.OpContext, h corevfs.OpenHandle, buf []byte) (int, error) {
	hh := h.(*handle)
	if ctx.Cancelled() {
		return 0, corevfs.Cancelled
	}
	n, err := retryEINTR(func() (int, error) { return hh.f.Write(buf) })
	if err != nil {
		return n, wrap("write", err)
	}
	return n, nil
}

func (b *Backend) Seek(ctx *corevfs.OpContext, h corevfs.OpenHandle, origin corevfs.SeekOrigin, offset int64) error {
	hh := h.(*handle)
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
	if _, err := hh.f.Seek(offset, whence); err != nil {
		return wrap("seek", err)
	}
	return nil
}

func (b *Backend) Tell(ctx *corevfs.OpContext, h corevfs.OpenHandle) (int64, error) {
	hh := h.(*handle)
	off, err := hh.f.Seek(0, io.SeekCurrent)
	if err != nil {
		return 0, wrap("tell", err)
	}
	return off, nil
}

func (b *Backend) Truncate(ctx *corevfs.OpContext, h corevfs.OpenHandle, u *uri.URI, size int64) error {
	if h != nil {
		hh := h.(*handle)
		if err := hh.f.Truncate(size); err != nil {
			return wrap("truncate", err)
		}
		return nil
	}
	p, err := localPath(u)
	if err != nil {
		return corevfs.NewError("truncate", corevfs.KindInvalidURI, err)
	}
	if err := os.Truncate(p, size); err != nil {
		return wrap("truncate", err)
	}
	return nil
}

func (b *Backend) OpenDirectory(ctx *corevfs.OpContext, u *uri.URI, opts corevfs.InfoOptions) (corevfs.OpenHandle, error) {
	p, err := localPath(u)
	if err != nil {
		return nil, corevfs.NewError("open-directory", corevfs.KindInvalidURI, err)
	}
	f, err := os.Open(p)
	if err != nil {
		return nil, wrap("open-directory", err)
	}
	fi, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, wrap("open-directory", err)
	}
	if !fi.IsDir() {
		_ = f.Close()
		return nil, corevfs.NewError("open-directory", corevfs.KindNotADirectory, nil)
	}
	return &handle{f: f, isDir: true}, nil
}

func (b *Backend) CloseDirectory(ctx *corevfs.OpContext, h corevfs.OpenHandle) error {
	return b.Close(ctx, h)
}

func (b *Backend) ReadDirectory(ctx *corevfs.OpContext, h corevfs.OpenHandle) (corevfs.FileInfo, error) {
	hh := h.(*handle)
	names, err := hh.f.Readdirnames(1)
	if err != nil {
		if errors.Is(err, io.EOF) {
			return corevfs.FileInfo{}, corevfs.EOF
		}
		return corevfs.FileInfo{}, wrap("read-directory", err)
	}
	if len(names) == 0 {
		return corevfs.FileInfo{}, corevfs.EOF
	}
	childPath := filepath.Join(hh.f.Name(), names[0])
	fi, err := os.Lstat(childPath)
	if err != nil {
		return corevfs.FileInfo{}, wrap("read-directory", err)
	}
	return infoFromStat(names[0], childPath, fi), nil
}

func infoFromStat(name, fullPath string, fi os.FileInfo) corevfs.FileInfo {
	info := corevfs.FileInfo{
		Name:        name,
		Size:        fi.Size(),
		Permissions: uint32(fi.Mode().Perm()),
		MTime:       fi.ModTime(),
		CanRead:     true,
	}
	switch {
	case fi.Mode()&os.ModeSymlink != 0:
		info.Type = corevfs.FileTypeSymlink
		if target, err := os.Readlink(fullPath); err == nil {
			info.SymlinkTarget = target
		}
	case fi.IsDir():
		info.Type = corevfs.FileTypeDirectory
	default:
		info.Type = corevfs.FileTypeRegular
	}
	if st, ok := fi.Sys().(*syscall.Stat_t); ok {
		info.UID = int(st.Uid)
		info.GID = int(st.Gid)
		info.CanWrite = fi.Mode().Perm()&0200 != 0
	} else {
		info.CanWrite = !fi.Mode().IsDir() || fi.Mode().Perm()&0200 != 0
	}
	return info
}

func (b *Backend) GetFileInfo(ctx *corevfs.OpContext, u *uri.URI, opts corevfs.InfoOptions) (corevfs.FileInfo, error) {
	p, err := localPath(u)
	if err != nil {
		return corevfs.FileInfo{}, corevfs.NewError("get-file-info", corevfs.KindInvalidURI, err)
	}
	var fi os.FileInfo
	if opts.FollowSymlinks {
		fi, err = os.Stat(p)
	} else {
		fi, err = os.Lstat(p)
	}
	if err != nil {
		return corevfs.FileInfo{}, wrap("get-file-info", err)
	}
	return infoFromStat(filepath.Base(p), p, fi), nil
}

func (b *Backend) GetFileInfoFromHandle(ctx *corevfs.OpContext, h corevfs.OpenHandle, opts corevfs.InfoOptions) (corevfs.FileInfo, error) {
	hh := h.(*handle)
	fi, err := hh.f.Stat()
	if err != nil {
		return corevfs.FileInfo{}, wrap("get-file-info-from-handle", err)
	}
	return infoFromStat(filepath.Base(hh.f.Name()), hh.f.Name(), fi), nil
}

func (b *Backend) MakeDirectory(ctx *corevfs.OpContext, u *uri.URI, perm uint32) error {
	p, err := localPath(u)
	if err != nil {
		return corevfs.NewError("make-directory", corevfs.KindInvalidURI, err)
	}
	if err := os.Mkdir(p, os.FileMode(perm)); err != nil {
		return wrap("make-directory", err)
	}
	return nil
}

func (b *Backend) RemoveDirectory(ctx *corevfs.OpContext, u *uri.URI) error {
	p, err := localPath(u)
	if err != nil {
		return corevfs.NewError("remove-directory", corevfs.KindInvalidURI, err)
	}
	if err := os.Remove(p); err != nil {
		return wrap("remove-directory", err)
	}
	return nil
}

func (b *Backend) Move(ctx *corevfs.OpContext, src, dst *uri.URI, forceReplace bool) error {
	if src.Scheme() != dst.Scheme() {
		return corevfs.NotSameFilesystem
	}
	srcPath, err := localPath(src)
	if err != nil {
		return corevfs.NewError("move", corevfs.KindInvalidURI, err)
	}
	dstPath, err := localPath(dst)
	if err != nil {
		return corevfs.NewError("move", corevfs.KindInvalidURI, err)
	}
	if !forceReplace {
		if _, err := os.Lstat(dstPath); err == nil {
			return corevfs.FileExists
		}
	}
	if err := os.Rename(srcPath, dstPath); err != nil {
		if b.isCrossDevice(err) {
			return corevfs.NotSameFilesystem
		}
		return wrap("move", err)
	}
	return nil
}

func (b *Backend) isCrossDevice(err error) bool {
	var linkErr *os.LinkError
	if errors.As(err, &linkErr) {
		return errors.Is(linkErr.Err, syscall.EXDEV)
	}
	return false
}

func (b *Backend) Unlink(ctx *corevfs.OpContext, u *uri.URI) error {
	p, err := localPath(u)
	if err != nil {
		return corevfs.NewError("unlink", corevfs.KindInvalidURI, err)
	}
	fi, err := os.Lstat(p)
	if err != nil {
		return wrap("unlink", err)
	}
	if fi.IsDir() {
		return corevfs.IsDirectory
	}
	if err := os.Remove(p); err != nil {
		return wrap("unlink", err)
	}
	return nil
}

func device(p string) (uint64, bool) {
	fi, err := os.Lstat(p)
	if err != nil {
		return devUnset, false
	}
	st, ok := fi.Sys().(*syscall.Stat_t)
	if !ok {
		return devUnset, false
	}
	return uint64(st.Dev), true
}

func (b *Backend) CheckSameFilesystem(ctx *corevfs.OpContext, a, bURI *uri.URI) (bool, error) {
	if a.Scheme() != bURI.Scheme() {
		return false, nil
	}
	pa, err := localPath(a)
	if err != nil {
		return false, corevfs.NewError("check-same-fs", corevfs.KindInvalidURI, err)
	}
	pb, err := localPath(bURI)
	if err != nil {
		return false, corevfs.NewError("check-same-fs", corevfs.KindInvalidURI, err)
	}
	da, okA := device(pa)
	db, okB := device(pb)
	if !okA || !okB {
		return false, nil
	}
	return da == db, nil
}

func (b *Backend) SetFileInfo(ctx *corevfs.OpContext, u *uri.URI, info corevfs.FileInfo, mask corevfs.SetInfoMask) error {
	p, err := localPath(u)
	if err != nil {
		return corevfs.NewError("set-file-info", corevfs.KindInvalidURI, err)
	}
	if mask&corevfs.SetName != 0 {
		newPath := filepath.Join(filepath.Dir(p), info.Name)
		if err := os.Rename(p, newPath); err != nil {
			return wrap("set-file-info", err)
		}
		p = newPath
	}
	if mask&corevfs.SetPermissions != 0 {
		if err := os.Chmod(p, os.FileMode(info.Permissions)); err != nil {
			return wrap("set-file-info", err)
		}
	}
	if mask&corevfs.SetOwner != 0 {
		if err := os.Chown(p, info.UID, info.GID); err != nil {
			return wrap("set-file-info", err)
		}
	}
	if mask&corevfs.SetTimes != 0 {
		at, mt := info.ATime, info.MTime
		if at.IsZero() {
			at = time.Now()
		}
		if err := os.Chtimes(p, at, mt); err != nil {
			return wrap("set-file-info", err)
		}
	}
	return nil
}

func (b *Backend) FindDirectory(ctx *corevfs.OpContext, near *uri.URI, kind corevfs.FindDirectoryKind, createIfMissing, findIfMissing bool, perm uint32) (*uri.URI, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, corevfs.NewError("find-directory", corevfs.KindNotFound, err)
	}
	var name string
	switch kind {
	case corevfs.KindTrash:
		name = filepath.Join(home, ".local", "share", "Trash", "files")
	case corevfs.KindDesktop:
		name = filepath.Join(home, "Desktop")
	case corevfs.KindConfig:
		name = filepath.Join(home, ".config")
	default:
		return nil, corevfs.NotSupported
	}
	if _, err := os.Stat(name); err != nil {
		if !os.IsNotExist(err) {
			return nil, wrap("find-directory", err)
		}
		switch {
		case createIfMissing:
			if err := os.MkdirAll(name, os.FileMode(perm)); err != nil {
				return nil, wrap("find-directory", err)
			}
		case findIfMissing:
			return nil, corevfs.NotFound
		}
	}
	return uri.Parse("file://" + name)
}

func (b *Backend) CreateSymlink(ctx *corevfs.OpContext, u *uri.URI, target string) error {
	if b.opt.NoSymlinks {
		return corevfs.NotSupported
	}
	p, err := localPath(u)
	if err != nil {
		return corevfs.NewError("create-symlink", corevfs.KindInvalidURI, err)
	}
	if err := os.Symlink(target, p); err != nil {
		return wrap("create-symlink", err)
	}
	return nil
}

func (b *Backend) IsLocal(u *uri.URI) bool { return true }
