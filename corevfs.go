// Package corevfs defines the uniform backend contract (spec §4.4), the
// operation context every call is threaded through (§4.3), and the
// FileInfo/OpenHandle value types shared by every backend implementation.
package corevfs

import (
	"time"

	"github.com/vfscore/corevfs/cancel"
	"github.com/vfscore/corevfs/uri"
)

// MessageSink receives short human-readable status strings a backend may
// emit mid-operation, e.g. "waiting for retry...". Optional; a nil sink
// means messages are dropped.
type MessageSink interface {
	Message(text string)
}

// MessageSinkFunc adapts a func to a MessageSink.
type MessageSinkFunc func(text string)

// Message implements MessageSink.
func (f MessageSinkFunc) Message(text string) { f(text) }

// OpContext is the per-call side channel (§4.3): exactly one cancellation
// token, plus an optional message sink. Created by the job engine (or a
// direct synchronous caller) before invoking a backend method, and
// discarded once the result has been delivered.
type OpContext struct {
	Token *cancel.Token
	Sink  MessageSink
}

// NewOpContext returns a context with a fresh cancellation token.
func NewOpContext() *OpContext {
	return &OpContext{Token: cancel.New()}
}

// Cancelled reports whether this context's token has been cancelled.
func (c *OpContext) Cancelled() bool {
	return c != nil && c.Token != nil && c.Token.Cancelled()
}

// Message forwards text to the sink, if any.
func (c *OpContext) Message(text string) {
	if c != nil && c.Sink != nil {
		c.Sink.Message(text)
	}
}

// OpenMode selects how a handle returned from Open/Create may be used.
type OpenMode int

const (
	OpenRead OpenMode = iota
	OpenWrite
	OpenRandom
)

// SeekOrigin selects the reference point for Seek.
type SeekOrigin int

const (
	SeekStart SeekOrigin = iota
	SeekCurrent
	SeekEnd
)

// FileType distinguishes regular files, directories, and symlinks in a
// FileInfo/DirEntry.
type FileType int

const (
	FileTypeUnknown FileType = iota
	FileTypeRegular
	FileTypeDirectory
	FileTypeSymlink
)

// InfoOptions controls how much a get-file-info / open-directory call
// bothers to compute.
type InfoOptions struct {
	FollowSymlinks  bool
	ComputeMimeType bool
	ComputeAccess   bool
	FastMimeType    bool
}

// SetInfoMask selects which fields of a partial FileInfo a set-file-info
// call should apply.
type SetInfoMask uint

const (
	SetName SetInfoMask = 1 << iota
	SetPermissions
	SetOwner
	SetTimes
)

// FileInfo describes one resource: the result of get-file-info, one entry
// of a read-directory stream, or the target of set-file-info.
type FileInfo struct {
	Name        string // basename
	Type        FileType
	Size        int64
	Permissions uint32
	UID, GID    int
	MTime       time.Time
	ATime       time.Time
	SymlinkTarget string
	MimeType    string
	CanRead     bool
	CanWrite    bool
}

// OpenHandle is an opaque, backend-owned reference to an open file or
// directory. It is not thread-safe for concurrent use by callers, and must
// be closed exactly once.
type OpenHandle interface {
	// Scheme is the scheme of the backend that produced this handle.
	Scheme() string
}

// FindDirectoryKind enumerates the well-known directory kinds that
// find-directory can resolve (§4.4, supplemented per SPEC_FULL.md §4.4).
type FindDirectoryKind int

const (
	KindTrash FindDirectoryKind = iota
	KindDesktop
	KindConfig
)

// Backend is the uniform contract every scheme implementation satisfies
// (spec §4.4). Every method accepts an *OpContext so the implementation can
// poll or block-on cancellation. A capability a backend does not implement
// returns a *Error with Kind KindNotSupported.
type Backend interface {
	// Scheme returns the URI scheme this backend instance handles.
	Scheme() string

	Open(ctx *OpContext, u *uri.URI, mode OpenMode) (OpenHandle, error)
	Create(ctx *OpContext, u *uri.URI, mode OpenMode, exclusive bool, perm uint32) (OpenHandle, error)
	Close(ctx *OpContext, h OpenHandle) error

	Read(ctx *OpContext, h OpenHandle, buf []byte) (int, error)
	Write(ctx *OpContext, h OpenHandle, buf []byte) (int, error)
	Seek(ctx *OpContext, h OpenHandle, origin SeekOrigin, offset int64) error
	Tell(ctx *OpContext, h OpenHandle) (int64, error)
	Truncate(ctx *OpContext, h OpenHandle, u *uri.URI, size int64) error

	OpenDirectory(ctx *OpContext, u *uri.URI, opts InfoOptions) (OpenHandle, error)
	CloseDirectory(ctx *OpContext, h OpenHandle) error
	ReadDirectory(ctx *OpContext, h OpenHandle) (FileInfo, error)

	GetFileInfo(ctx *OpContext, u *uri.URI, opts InfoOptions) (FileInfo, error)
	GetFileInfoFromHandle(ctx *OpContext, h OpenHandle, opts InfoOptions) (FileInfo, error)

	MakeDirectory(ctx *OpContext, u *uri.URI, perm uint32) error
	RemoveDirectory(ctx *OpContext, u *uri.URI) error

	Move(ctx *OpContext, src, dst *uri.URI, forceReplace bool) error
	Unlink(ctx *OpContext, u *uri.URI) error
	CheckSameFilesystem(ctx *OpContext, a, b *uri.URI) (bool, error)

	SetFileInfo(ctx *OpContext, u *uri.URI, info FileInfo, mask SetInfoMask) error
	FindDirectory(ctx *OpContext, near *uri.URI, kind FindDirectoryKind, createIfMissing, findIfMissing bool, perm uint32) (*uri.URI, error)
	CreateSymlink(ctx *OpContext, u *uri.URI, target string) error

	IsLocal(u *uri.URI) bool
}
