package vfolder

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/vfscore/corevfs"
	"github.com/vfscore/corevfs/backend/local"
	"github.com/vfscore/corevfs/internal/configmap"
	"github.com/vfscore/corevfs/internal/vfslog"
	"github.com/vfscore/corevfs/uri"
)

// Backend implements corevfs.Backend for the "vfolder" scheme. It composes
// an in-memory Folder tree and entry Pool over a delegated local backend -
// every FileEntry ultimately resolves to a real path, and all byte-level
// I/O is forwarded to *local.Backend - matching the spec's framing of
// vfolder as "the representative composite backend" (§2, §4.8).
//
// Every field below is protected by mu, the single lock per vfolder
// scheme the shared-resource policy (§5) calls for: "The vfolder
// backend's entry pool and folder tree are protected by a single lock per
// vfolder scheme; mutations are serialised."
type Backend struct {
	cfg   Config
	files *local.Backend

	mu             sync.Mutex
	pool           *Pool
	root           *Folder
	mergeDirs      []string
	itemDirs       []string
	userItemDir    string
	desktopDir     string
	userDesktopDir string
	readOnly       bool
}

// NewBackend loads cfg's configuration document (user, falling back to
// system) and scans its item directories into a fresh pool.
func NewBackend(cfg Config) (*Backend, error) {
	if len(cfg.Environments) == 0 {
		cfg.Environments = DefaultEnvironments
	}
	l, err := loadConfig(cfg)
	if err != nil {
		return nil, corevfs.NewError("new-backend", corevfs.KindIO, err)
	}
	home, _ := os.UserHomeDir()

	b := &Backend{cfg: cfg}
	b.mergeDirs = l.doc.MergeDirs
	b.itemDirs = l.doc.ItemDirs
	b.userItemDir = expandHome(l.doc.UserItemDir, home)
	b.desktopDir = l.doc.DesktopDir
	b.userDesktopDir = expandHome(l.doc.UserDesktopDir, home)
	b.readOnly = l.doc.ReadOnly != nil
	b.root = buildFolderTree(l.doc.Root, nil)
	b.pool = NewPool()
	if err := b.pool.LoadDirectories(b.mergeDirs, b.itemDirs, b.userItemDir, cfg.Environments); err != nil {
		return nil, corevfs.NewError("new-backend", corevfs.KindIO, err)
	}
	files, err := local.NewBackend(configmap.Mapper{})
	if err != nil {
		return nil, err
	}
	b.files = files
	return b, nil
}

func (b *Backend) Scheme() string { return "vfolder" }

// resolve walks u's path from root, one "/"-separated segment at a time.
// It returns the deepest folder reached, the unresolved final segment (if
// any - meaning a file entry name rather than a subfolder), and whether the
// resolved location is itself a folder.
func (b *Backend) resolve(p string) (folder *Folder, leaf string, isFolder bool, err error) {
	p = strings.Trim(p, "/")
	if p == "" {
		return b.root, "", true, nil
	}
	segs := strings.Split(p, "/")
	cur := b.root
	for i, seg := range segs {
		if sub := cur.FindSubfolder(seg); sub != nil {
			cur = sub
			if i == len(segs)-1 {
				return cur, "", true, nil
			}
			continue
		}
		if i == len(segs)-1 {
			return cur, seg, false, nil
		}
		return nil, "", false, corevfs.NotFound
	}
	return cur, "", true, nil
}

func (b *Backend) findEntry(folder *Folder, leaf string) *FileEntry {
	EnsureFolder(folder, b.pool)
	for _, e := range folder.cached {
		if e.Kind == EntryKindFile && e.Name == leaf {
			return e.File
		}
	}
	return nil
}

func localURI(path string) *uri.URI {
	u, _ := uri.Parse("file://" + path)
	return u
}

// copyToOverlay copies src's content into the user item directory under
// basename and returns the new path, implementing spec §4.8's "Writing to
// an entry that physically lives in a system directory first copies it
// into the user item directory" rule.
func (b *Backend) copyToOverlay(src, basename string) (string, error) {
	if err := os.MkdirAll(b.userItemDir, 0o755); err != nil {
		return "", err
	}
	dst := filepath.Join(b.userItemDir, basename)
	in, err := os.Open(src)
	if err != nil && !os.IsNotExist(err) {
		return "", err
	}
	out, err := os.Create(dst)
	if err != nil {
		if in != nil {
			_ = in.Close()
		}
		return "", err
	}
	if in != nil {
		_, copyErr := io.Copy(out, in)
		_ = in.Close()
		if copyErr != nil {
			_ = out.Close()
			return "", copyErr
		}
	}
	if err := out.Close(); err != nil {
		return "", err
	}
	return dst, nil
}

// persistConfig atomically rewrites the user configuration document with
// the backend's current in-memory state (spec §4.8, "persists the entire
// configuration document atomically"). The system-wide document is never
// written.
func (b *Backend) persistConfig() error {
	doc := &document{
		MergeDirs:      b.mergeDirs,
		ItemDirs:       b.itemDirs,
		UserItemDir:    b.userItemDir,
		DesktopDir:     b.desktopDir,
		UserDesktopDir: b.userDesktopDir,
		Root:           flattenFolderTree(b.root),
	}
	if b.readOnly {
		doc.ReadOnly = &struct{}{}
	}
	return persist(b.cfg.ConfigPath, doc)
}

// handle wraps an open FileEntry's delegated local handle.
type handle struct {
	underlying corevfs.OpenHandle
	entry      *FileEntry
}

func (h *handle) Scheme() string { return "vfolder" }

// dirHandle streams a materialised, sorted Folder listing.
type dirHandle struct {
	folder *Folder
	i      int
}

func (h *dirHandle) Scheme() string { return "vfolder" }

func (b *Backend) Open(ctx *corevfs.OpContext, u *uri.URI, mode corevfs.OpenMode) (corevfs.OpenHandle, error) {
	p, err := u.Path()
	if err != nil {
		return nil, corevfs.NewError("open", corevfs.KindInvalidURI, err)
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	folder, leaf, isFolder, err := b.resolve(p)
	if err != nil {
		return nil, err
	}
	if isFolder || leaf == "" {
		return nil, corevfs.IsDirectory
	}
	entry := b.findEntry(folder, leaf)
	if entry == nil {
		return nil, corevfs.NotFound
	}
	if mode != corevfs.OpenRead {
		if folder.ReadOnly || b.readOnly {
			return nil, corevfs.ReadOnly
		}
		if !entry.PerUser {
			newPath, err := b.copyToOverlay(entry.Filename, entry.Basename)
			if err != nil {
				return nil, corevfs.NewError("open", corevfs.KindIO, err)
			}
			entry.Filename = newPath
			entry.PerUser = true
		}
	}
	underlying, err := b.files.Open(ctx, localURI(entry.Filename), mode)
	if err != nil {
		return nil, err
	}
	return &handle{underlying: underlying, entry: entry}, nil
}

func (b *Backend) Create(ctx *corevfs.OpContext, u *uri.URI, mode corevfs.OpenMode, exclusive bool, perm uint32) (corevfs.OpenHandle, error) {
	p, err := u.Path()
	if err != nil {
		return nil, corevfs.NewError("create", corevfs.KindInvalidURI, err)
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	folder, leaf, isFolder, err := b.resolve(p)
	if err != nil {
		return nil, err
	}
	if isFolder || leaf == "" {
		return nil, corevfs.NewError("create", corevfs.KindBadParameters, nil)
	}
	if folder.ReadOnly || b.readOnly {
		return nil, corevfs.ReadOnly
	}
	entry := b.findEntry(folder, leaf)
	if entry != nil {
		if exclusive {
			return nil, corevfs.FileExists
		}
		if !entry.PerUser {
			newPath, err := b.copyToOverlay(entry.Filename, entry.Basename)
			if err != nil {
				return nil, corevfs.NewError("create", corevfs.KindIO, err)
			}
			entry.Filename = newPath
			entry.PerUser = true
		}
		underlying, err := b.files.Create(ctx, localURI(entry.Filename), mode, false, perm)
		if err != nil {
			return nil, err
		}
		return &handle{underlying: underlying, entry: entry}, nil
	}

	// Brand new entry: allocate it directly in the user item directory
	// (spec §4.8, "Creating a file").
	if err := os.MkdirAll(b.userItemDir, 0o755); err != nil {
		return nil, corevfs.NewError("create", corevfs.KindIO, err)
	}
	newPath := filepath.Join(b.userItemDir, leaf)
	underlying, err := b.files.Create(ctx, localURI(newPath), mode, exclusive, perm)
	if err != nil {
		return nil, err
	}
	entry = &FileEntry{Basename: leaf, Filename: newPath, PerUser: true, Keywords: make(map[string]bool)}
	b.pool.Put(entry)
	folder.AddInclude(leaf)
	if err := b.persistConfig(); err != nil {
		vfslog.Warnf(context.Background(), "vfolder: persist config: %v", err)
	}
	return &handle{underlying: underlying, entry: entry}, nil
}

func (b *Backend) Close(ctx *corevfs.OpContext, hh corevfs.OpenHandle) error {
	switch h := hh.(type) {
	case *handle:
		return b.files.Close(ctx, h.underlying)
	case *dirHandle:
		return nil
	default:
		return corevfs.NewError("close", corevfs.KindBadParameters, nil)
	}
}

func (b *Backend) Read(ctx *corevfs.OpContext, hh corevfs.OpenHandle, buf []byte) (int, error) {
	h, ok := hh.(*handle)
	if !ok {
		return 0, corevfs.NewError("read", corevfs.KindBadParameters, nil)
	}
	return b.files.Read(ctx, h.underlying, buf)
}

func (b *Backend) Write(ctx *corevfs.OpContext, hh corevfs.OpenHandle, buf []byte) (int, error) {
	h, ok := hh.(*handle)
	if !ok {
		return 0, corevfs.NewError("write", corevfs.KindBadParameters, nil)
	}
	return b.files.Write(ctx, h.underlying, buf)
}

func (b *Backend) Seek(ctx *corevfs.OpContext, hh corevfs.OpenHandle, origin corevfs.SeekOrigin, offset int64) error {
	h, ok := hh.(*handle)
	if !ok {
		return corevfs.NotSupported
	}
	return b.files.Seek(ctx, h.underlying, origin, offset)
}

func (b *Backend) Tell(ctx *corevfs.OpContext, hh corevfs.OpenHandle) (int64, error) {
	h, ok := hh.(*handle)
	if !ok {
		return 0, corevfs.NotSupported
	}
	return b.files.Tell(ctx, h.underlying)
}

func (b *Backend) Truncate(ctx *corevfs.OpContext, hh corevfs.OpenHandle, u *uri.URI, size int64) error {
	if h, ok := hh.(*handle); ok {
		return b.files.Truncate(ctx, h.underlying, nil, size)
	}
	return corevfs.NotSupported
}

func (b *Backend) OpenDirectory(ctx *corevfs.OpContext, u *uri.URI, opts corevfs.InfoOptions) (corevfs.OpenHandle, error) {
	p, err := u.Path()
	if err != nil {
		return nil, corevfs.NewError("open-directory", corevfs.KindInvalidURI, err)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	folder, _, isFolder, err := b.resolve(p)
	if err != nil {
		return nil, err
	}
	if !isFolder {
		return nil, corevfs.NotADirectory
	}
	EnsureFolder(folder, b.pool)
	EnsureFolderSort(folder)
	return &dirHandle{folder: folder}, nil
}

func (b *Backend) CloseDirectory(ctx *corevfs.OpContext, h corevfs.OpenHandle) error { return nil }

func (b *Backend) ReadDirectory(ctx *corevfs.OpContext, hh corevfs.OpenHandle) (corevfs.FileInfo, error) {
	h, ok := hh.(*dirHandle)
	if !ok {
		return corevfs.FileInfo{}, corevfs.NewError("read-directory", corevfs.KindBadParameters, nil)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if h.i >= len(h.folder.cached) {
		return corevfs.FileInfo{}, corevfs.EOF
	}
	e := h.folder.cached[h.i]
	h.i++
	return b.infoFor(e), nil
}

func (b *Backend) infoFor(e Entry) corevfs.FileInfo {
	if e.Kind == EntryKindFolder {
		return corevfs.FileInfo{Name: e.Name, Type: corevfs.FileTypeDirectory, CanRead: true, CanWrite: !e.Folder.ReadOnly && !b.readOnly}
	}
	fi, err := b.files.GetFileInfo(corevfs.NewOpContext(), localURI(e.File.Filename), corevfs.InfoOptions{})
	if err != nil {
		return corevfs.FileInfo{Name: e.Name, Type: corevfs.FileTypeRegular}
	}
	fi.Name = e.Name
	return fi
}

func (b *Backend) GetFileInfo(ctx *corevfs.OpContext, u *uri.URI, opts corevfs.InfoOptions) (corevfs.FileInfo, error) {
	p, err := u.Path()
	if err != nil {
		return corevfs.FileInfo{}, corevfs.NewError("get-file-info", corevfs.KindInvalidURI, err)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	folder, leaf, isFolder, err := b.resolve(p)
	if err != nil {
		return corevfs.FileInfo{}, err
	}
	if isFolder {
		return corevfs.FileInfo{Name: folder.Name, Type: corevfs.FileTypeDirectory, CanRead: true, CanWrite: !folder.ReadOnly && !b.readOnly}, nil
	}
	entry := b.findEntry(folder, leaf)
	if entry == nil {
		return corevfs.FileInfo{}, corevfs.NotFound
	}
	return b.infoFor(Entry{Kind: EntryKindFile, Name: leaf, File: entry}), nil
}

func (b *Backend) GetFileInfoFromHandle(ctx *corevfs.OpContext, hh corevfs.OpenHandle, opts corevfs.InfoOptions) (corevfs.FileInfo, error) {
	h, ok := hh.(*handle)
	if !ok {
		return corevfs.FileInfo{}, corevfs.NotSupported
	}
	return b.files.GetFileInfoFromHandle(ctx, h.underlying, opts)
}

func (b *Backend) MakeDirectory(ctx *corevfs.OpContext, u *uri.URI, perm uint32) error {
	p, err := u.Path()
	if err != nil {
		return corevfs.NewError("make-directory", corevfs.KindInvalidURI, err)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	parentPath := strings.TrimSuffix(p, "/")
	idx := strings.LastIndexByte(parentPath, '/')
	name := parentPath
	parentP := "/"
	if idx >= 0 {
		name = parentPath[idx+1:]
		parentP = parentPath[:idx]
	}
	if name == "" {
		return corevfs.NewError("make-directory", corevfs.KindBadParameters, nil)
	}
	parent, _, isFolder, err := b.resolve(parentP)
	if err != nil {
		return err
	}
	if !isFolder {
		return corevfs.NotADirectory
	}
	if parent.ReadOnly || b.readOnly {
		return corevfs.ReadOnly
	}
	if parent.FindSubfolder(name) != nil {
		return corevfs.FileExists
	}
	sub := NewFolder(name)
	sub.Parent = parent
	parent.Subfolders = append(parent.Subfolders, sub)
	parent.Invalidate()
	return b.persistConfig()
}

func (b *Backend) RemoveDirectory(ctx *corevfs.OpContext, u *uri.URI) error {
	p, err := u.Path()
	if err != nil {
		return corevfs.NewError("remove-directory", corevfs.KindInvalidURI, err)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	folder, _, isFolder, err := b.resolve(p)
	if err != nil {
		return err
	}
	if !isFolder || folder == b.root {
		return corevfs.NotADirectory
	}
	if folder.ReadOnly || b.readOnly {
		return corevfs.ReadOnly
	}
	if folder.DesktopFile != "" || !folder.IsEmpty(b.pool) {
		return corevfs.DirectoryNotEmpty
	}
	parent := folder.Parent
	out := parent.Subfolders[:0]
	for _, sub := range parent.Subfolders {
		if sub != folder {
			out = append(out, sub)
		}
	}
	parent.Subfolders = out
	parent.Invalidate()
	return b.persistConfig()
}

func (b *Backend) Move(ctx *corevfs.OpContext, src, dst *uri.URI, forceReplace bool) error {
	if src.Scheme() != "vfolder" || dst.Scheme() != "vfolder" || src.Host() != dst.Host() {
		return corevfs.NotSameFilesystem
	}
	sp, err := src.Path()
	if err != nil {
		return corevfs.NewError("move", corevfs.KindInvalidURI, err)
	}
	dp, err := dst.Path()
	if err != nil {
		return corevfs.NewError("move", corevfs.KindInvalidURI, err)
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	srcFolder, srcLeaf, srcIsFolder, err := b.resolve(sp)
	if err != nil {
		return err
	}
	dstFolder, dstLeaf, dstIsFolder, err := b.resolve(dp)
	if err != nil {
		return err
	}
	if srcIsFolder || dstIsFolder || srcLeaf == "" || dstLeaf == "" {
		return corevfs.NotSupported
	}
	if srcFolder.ReadOnly || dstFolder.ReadOnly || b.readOnly {
		return corevfs.ReadOnly
	}
	entry := b.findEntry(srcFolder, srcLeaf)
	if entry == nil {
		return corevfs.NotFound
	}
	if !forceReplace {
		if existing := b.findEntry(dstFolder, dstLeaf); existing != nil {
			return corevfs.FileExists
		}
	}

	if srcFolder == dstFolder {
		if srcLeaf == dstLeaf {
			return nil
		}
		newPath := filepath.Join(filepath.Dir(entry.Filename), dstLeaf)
		if err := b.files.Move(ctx, localURI(entry.Filename), localURI(newPath), forceReplace); err != nil {
			return err
		}
		b.pool.Delete(entry.Basename)
		entry.Basename, entry.Filename = dstLeaf, newPath
		b.pool.Put(entry)
		srcFolder.AddExclude(srcLeaf)
		srcFolder.AddInclude(dstLeaf)
	} else {
		srcFolder.AddExclude(srcLeaf)
		if srcLeaf != dstLeaf {
			b.pool.Delete(entry.Basename)
			entry.Basename = dstLeaf
			b.pool.Put(entry)
		}
		dstFolder.AddInclude(dstLeaf)
	}
	return b.persistConfig()
}

func (b *Backend) Unlink(ctx *corevfs.OpContext, u *uri.URI) error {
	p, err := u.Path()
	if err != nil {
		return corevfs.NewError("unlink", corevfs.KindInvalidURI, err)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	folder, leaf, isFolder, err := b.resolve(p)
	if err != nil {
		return err
	}
	if isFolder || leaf == "" {
		return corevfs.IsDirectory
	}
	if folder.ReadOnly || b.readOnly {
		return corevfs.ReadOnly
	}
	entry := b.findEntry(folder, leaf)
	if entry == nil {
		return corevfs.NotFound
	}
	folder.AddExclude(leaf)
	if entry.PerUser {
		var used func(f *Folder) bool
		used = func(f *Folder) bool {
			EnsureFolder(f, b.pool)
			for _, e := range f.cached {
				if e.Kind == EntryKindFile && e.File == entry {
					return true
				}
			}
			for _, sub := range f.Subfolders {
				if used(sub) {
					return true
				}
			}
			return false
		}
		if !used(b.root) {
			_ = os.Remove(entry.Filename)
			b.pool.Delete(entry.Basename)
		}
	}
	return b.persistConfig()
}

func (b *Backend) CheckSameFilesystem(ctx *corevfs.OpContext, a, bb *uri.URI) (bool, error) {
	return a.Scheme() == bb.Scheme() && a.Host() == bb.Host(), nil
}

func (b *Backend) SetFileInfo(ctx *corevfs.OpContext, u *uri.URI, info corevfs.FileInfo, mask corevfs.SetInfoMask) error {
	if mask&corevfs.SetName == 0 {
		return corevfs.NotSupported
	}
	dst := u.Dirname().Child(info.Name)
	return b.Move(ctx, u, dst, false)
}

func (b *Backend) FindDirectory(ctx *corevfs.OpContext, near *uri.URI, kind corevfs.FindDirectoryKind, createIfMissing, findIfMissing bool, perm uint32) (*uri.URI, error) {
	return nil, corevfs.NotSupported
}

func (b *Backend) CreateSymlink(ctx *corevfs.OpContext, u *uri.URI, target string) error {
	return corevfs.NotSupported
}

func (b *Backend) IsLocal(u *uri.URI) bool { return true }
