// Package client implements the client side of the client/daemon bridge
// (spec §4.7): a corevfs.Backend that forwards every call across a
// bridge.Transport to a daemon process, routing OpContext cancellation to
// the matching in-flight call via a per-call id.
//
// Grounded on the teacher's lib/rest client pattern (a thin Backend-shaped
// wrapper translating Go method calls into wire requests) and on
// cancel.Token.OnCancel's existing "one registration replaces the last"
// contract, which is exactly what spec §4.7's "at most one outstanding
// call per worker thread" guarantees make race-free.
package client

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/vfscore/corevfs"
	"github.com/vfscore/corevfs/bridge"
	"github.com/vfscore/corevfs/uri"
)

// Backend is a corevfs.Backend that proxies scheme to a daemon reachable
// through transport. Construct one and register it with
// registry.Registry.Proxy under each remote scheme, so every proxied scheme
// shares one client connection (spec §4.7: "each backend operation is translated into a
// request to the daemon process"). client is fixed at Dial time: the
// bridge does not support re-registering mid-lifetime.
type Backend struct {
	scheme    string
	transport bridge.Transport
	client    bridge.ClientID
}

// Dial registers a new client with transport and returns a Backend
// answering for scheme.
func Dial(scheme string, transport bridge.Transport) (*Backend, error) {
	id, err := transport.Register()
	if err != nil {
		return nil, fmt.Errorf("bridge/client: register: %w", err)
	}
	return &Backend{scheme: scheme, transport: transport, client: id}, nil
}

// Close unregisters this Backend's client from the daemon, which drains
// every handle and outstanding call it still holds (spec §4.7, "a client
// explicitly registers and de-registers to frame its lifetime").
func (b *Backend) Close() error {
	return b.transport.Unregister(b.client)
}

func (b *Backend) Scheme() string { return b.scheme }

// handle is the client-side proxy for a daemon-held OpenHandle: it carries
// nothing but the opaque id the daemon minted for it.
type handle struct {
	scheme string
	id     bridge.HandleID
}

func (h *handle) Scheme() string { return h.scheme }

func asHandleID(h corevfs.OpenHandle) (bridge.HandleID, error) {
	ph, ok := h.(*handle)
	if !ok {
		return "", corevfs.NewError("bridge", corevfs.KindInternal, fmt.Errorf("not a bridge handle: %T", h))
	}
	return ph.id, nil
}

// call performs one request/response round trip for req, first arranging
// that ctx's cancellation token forwards to the daemon as a CancelRequest
// for req.Call. Per spec §4.7, at most one call is outstanding per worker
// thread at a time, so replacing the token's callback on every call (as
// OnCancel documents) is exactly the intended discipline, not a race.
func (b *Backend) call(ctx *corevfs.OpContext, req bridge.Request) (bridge.Response, error) {
	req.Client = b.client
	req.Call = bridge.CallID(uuid.NewString())

	if ctx != nil && ctx.Token != nil {
		cancelReq := bridge.CancelRequest{Client: req.Client, Call: req.Call}
		ctx.Token.OnCancel(func(any) {
			_ = b.transport.Cancel(cancelReq)
		}, nil)
		if ctx.Cancelled() {
			return bridge.Response{}, corevfs.Cancelled
		}
	}

	resp, err := b.transport.Do(req)
	if err != nil {
		return bridge.Response{}, corevfs.NewError("bridge", corevfs.KindInternal, err)
	}
	if resp.Err != nil {
		return resp, resp.Err.ToError()
	}
	return resp, nil
}

func (b *Backend) Open(ctx *corevfs.OpContext, u *uri.URI, mode corevfs.OpenMode) (corevfs.OpenHandle, error) {
	resp, err := b.call(ctx, bridge.Request{Op: bridge.OpOpen, URI: u.String(), Mode: mode})
	if err != nil {
		return nil, err
	}
	return &handle{scheme: b.scheme, id: resp.Handle}, nil
}

func (b *Backend) Create(ctx *corevfs.OpContext, u *uri.URI, mode corevfs.OpenMode, exclusive bool, perm uint32) (corevfs.OpenHandle, error) {
	resp, err := b.call(ctx, bridge.Request{Op: bridge.OpCreate, URI: u.String(), Mode: mode, Exclusive: exclusive, Perm: perm})
	if err != nil {
		return nil, err
	}
	return &handle{scheme: b.scheme, id: resp.Handle}, nil
}

func (b *Backend) Close(ctx *corevfs.OpContext, h corevfs.OpenHandle) error {
	id, err := asHandleID(h)
	if err != nil {
		return err
	}
	_, err = b.call(ctx, bridge.Request{Op: bridge.OpClose, Handle: id})
	return err
}

func (b *Backend) Read(ctx *corevfs.OpContext, h corevfs.OpenHandle, buf []byte) (int, error) {
	id, err := asHandleID(h)
	if err != nil {
		return 0, err
	}
	resp, err := b.call(ctx, bridge.Request{Op: bridge.OpRead, Handle: id, Length: len(buf)})
	if err != nil {
		return 0, err
	}
	n := copy(buf, resp.Buf)
	return n, nil
}

func (b *Backend) Write(ctx *corevfs.OpContext, h corevfs.OpenHandle, buf []byte) (int, error) {
	id, err := asHandleID(h)
	if err != nil {
		return 0, err
	}
	resp, err := b.call(ctx, bridge.Request{Op: bridge.OpWrite, Handle: id, Buf: buf})
	if err != nil {
		return 0, err
	}
	return resp.N, nil
}

func (b *Backend) Seek(ctx *corevfs.OpContext, h corevfs.OpenHandle, origin corevfs.SeekOrigin, offset int64) error {
	id, err := asHandleID(h)
	if err != nil {
		return err
	}
	_, err = b.call(ctx, bridge.Request{Op: bridge.OpSeek, Handle: id, Origin: origin, Offset: offset})
	return err
}

func (b *Backend) Tell(ctx *corevfs.OpContext, h corevfs.OpenHandle) (int64, error) {
	id, err := asHandleID(h)
	if err != nil {
		return 0, err
	}
	resp, err := b.call(ctx, bridge.Request{Op: bridge.OpTell, Handle: id})
	return resp.Offset, err
}

func (b *Backend) Truncate(ctx *corevfs.OpContext, _ corevfs.OpenHandle, u *uri.URI, size int64) error {
	_, err := b.call(ctx, bridge.Request{Op: bridge.OpTruncate, URI: u.String(), Size: size})
	return err
}

func (b *Backend) OpenDirectory(ctx *corevfs.OpContext, u *uri.URI, opts corevfs.InfoOptions) (corevfs.OpenHandle, error) {
	resp, err := b.call(ctx, bridge.Request{Op: bridge.OpOpenDirectory, URI: u.String(), Options: opts})
	if err != nil {
		return nil, err
	}
	return &handle{scheme: b.scheme, id: resp.Handle}, nil
}

func (b *Backend) CloseDirectory(ctx *corevfs.OpContext, h corevfs.OpenHandle) error {
	id, err := asHandleID(h)
	if err != nil {
		return err
	}
	_, err = b.call(ctx, bridge.Request{Op: bridge.OpCloseDirectory, Handle: id})
	return err
}

func (b *Backend) ReadDirectory(ctx *corevfs.OpContext, h corevfs.OpenHandle) (corevfs.FileInfo, error) {
	id, err := asHandleID(h)
	if err != nil {
		return corevfs.FileInfo{}, err
	}
	resp, err := b.call(ctx, bridge.Request{Op: bridge.OpReadDirectory, Handle: id})
	return resp.Info, err
}

func (b *Backend) GetFileInfo(ctx *corevfs.OpContext, u *uri.URI, opts corevfs.InfoOptions) (corevfs.FileInfo, error) {
	resp, err := b.call(ctx, bridge.Request{Op: bridge.OpGetFileInfo, URI: u.String(), Options: opts})
	return resp.Info, err
}

func (b *Backend) GetFileInfoFromHandle(ctx *corevfs.OpContext, h corevfs.OpenHandle, opts corevfs.InfoOptions) (corevfs.FileInfo, error) {
	id, err := asHandleID(h)
	if err != nil {
		return corevfs.FileInfo{}, err
	}
	resp, err := b.call(ctx, bridge.Request{Op: bridge.OpGetFileInfoFromHandle, Handle: id, Options: opts})
	return resp.Info, err
}

func (b *Backend) MakeDirectory(ctx *corevfs.OpContext, u *uri.URI, perm uint32) error {
	_, err := b.call(ctx, bridge.Request{Op: bridge.OpMakeDirectory, URI: u.String(), Perm: perm})
	return err
}

func (b *Backend) RemoveDirectory(ctx *corevfs.OpContext, u *uri.URI) error {
	_, err := b.call(ctx, bridge.Request{Op: bridge.OpRemoveDirectory, URI: u.String()})
	return err
}

func (b *Backend) Move(ctx *corevfs.OpContext, src, dst *uri.URI, forceReplace bool) error {
	_, err := b.call(ctx, bridge.Request{Op: bridge.OpMove, URI: src.String(), Dest: dst.String(), ForceReplace: forceReplace})
	return err
}

func (b *Backend) Unlink(ctx *corevfs.OpContext, u *uri.URI) error {
	_, err := b.call(ctx, bridge.Request{Op: bridge.OpUnlink, URI: u.String()})
	return err
}

func (b *Backend) CheckSameFilesystem(ctx *corevfs.OpContext, a, c *uri.URI) (bool, error) {
	resp, err := b.call(ctx, bridge.Request{Op: bridge.OpCheckSameFilesystem, URI: a.String(), Dest: c.String()})
	return resp.Same, err
}

func (b *Backend) SetFileInfo(ctx *corevfs.OpContext, u *uri.URI, info corevfs.FileInfo, mask corevfs.SetInfoMask) error {
	_, err := b.call(ctx, bridge.Request{Op: bridge.OpSetFileInfo, URI: u.String(), Info: info, Mask: mask})
	return err
}

func (b *Backend) FindDirectory(ctx *corevfs.OpContext, near *uri.URI, kind corevfs.FindDirectoryKind, createIfMissing, findIfMissing bool, perm uint32) (*uri.URI, error) {
	resp, err := b.call(ctx, bridge.Request{
		Op: bridge.OpFindDirectory, URI: near.String(), Kind: kind,
		CreateIfMissing: createIfMissing, FindIfMissing: findIfMissing, Perm: perm,
	})
	if err != nil {
		return nil, err
	}
	if resp.Path == "" {
		return nil, nil
	}
	return uri.Parse(resp.Path)
}

func (b *Backend) CreateSymlink(ctx *corevfs.OpContext, u *uri.URI, target string) error {
	_, err := b.call(ctx, bridge.Request{Op: bridge.OpCreateSymlink, URI: u.String(), Target: target})
	return err
}

// IsLocal always reports false: a proxied scheme is, by definition, not
// served by code in this process (spec §4.4's is-local operation exists
// precisely to let a caller skip the bridge for local paths).
func (b *Backend) IsLocal(*uri.URI) bool { return false }

var _ corevfs.Backend = (*Backend)(nil)
