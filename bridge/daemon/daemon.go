// Package daemon implements the daemon side of the client/daemon bridge
// (spec §4.7): a Server holds, per connected client, the table mapping
// ClientCall to OperationContext the spec requires, plus the handles that
// client currently has open, and drains both when the client disconnects
// (SPEC_FULL.md §4 item 7, "Daemon liveness / disconnect draining").
//
// Grounded on the teacher's fs/rc/jobs package: a mutex-guarded map keyed
// by an opaque id, each entry created on dispatch and removed once the
// call returns, is exactly rclone's jobs.Jobs bookkeeping for async rc
// calls, generalised here to OpContext instead of rc.Job and to a
// per-client table instead of one process-wide map.
package daemon

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/vfscore/corevfs"
	"github.com/vfscore/corevfs/bridge"
	"github.com/vfscore/corevfs/internal/vfslog"
	"github.com/vfscore/corevfs/registry"
	"github.com/vfscore/corevfs/uri"
)

// handleKind distinguishes a file handle from a directory handle so
// forgetClient's forced cleanup calls the matching Close method.
type handleKind int

const (
	handleFile handleKind = iota
	handleDirectory
)

type handleEntry struct {
	scheme string
	kind   handleKind
	handle corevfs.OpenHandle
}

// clientState is everything the daemon tracks for one connected client:
// its outstanding calls (for cancellation routing) and its open handles
// (for disconnect draining). Both live lists are mutated only under the
// owning Server's lock, per spec §5's "single lock per client table" rule.
type clientState struct {
	calls      map[bridge.CallID]*corevfs.OpContext
	handles    map[bridge.HandleID]handleEntry
	nextHandle uint64
}

// Server is the daemon-side half of the bridge. It is safe for concurrent
// use by many request-handling goroutines, one per in-flight client call,
// matching spec §5's "daemon similarly runs parallel request handlers, at
// most one in-flight per client call".
type Server struct {
	reg *registry.Registry

	mu      sync.Mutex
	clients map[bridge.ClientID]*clientState
}

// NewServer returns a Server dispatching resolved Requests against reg.
func NewServer(reg *registry.Registry) *Server {
	return &Server{
		reg:     reg,
		clients: make(map[bridge.ClientID]*clientState),
	}
}

// Register admits a new client, returning the opaque id it must attach to
// every subsequent Request and CancelRequest.
func (s *Server) Register() (bridge.ClientID, error) {
	id := bridge.ClientID(uuid.NewString())
	s.mu.Lock()
	s.clients[id] = &clientState{
		calls:   make(map[bridge.CallID]*corevfs.OpContext),
		handles: make(map[bridge.HandleID]handleEntry),
	}
	s.mu.Unlock()
	return id, nil
}

// Unregister frames the normal end of a client's lifetime (spec §4.7,
// "during normal operation, a client explicitly registers and
// de-registers"). It drains exactly like an unexpected disconnect.
func (s *Server) Unregister(client bridge.ClientID) error {
	s.forgetClient(client)
	return nil
}

// forgetClient implements SPEC_FULL.md §4 item 7: under the single table
// lock, the client is dropped from the table, every outstanding
// OperationContext for it is cancelled and its handle list is taken over;
// the handles are then closed after the lock is released. Called both for
// an explicit Unregister and for a
// detected liveness failure (a real transport would call this from its
// disconnect callback).
func (s *Server) forgetClient(client bridge.ClientID) {
	s.mu.Lock()
	st, ok := s.clients[client]
	var handles []handleEntry
	if ok {
		delete(s.clients, client)
		for _, ctx := range st.calls {
			ctx.Token.Cancel()
		}
		for id, he := range st.handles {
			handles = append(handles, he)
			delete(st.handles, id)
		}
	}
	s.mu.Unlock()
	if !ok {
		return
	}

	for _, he := range handles {
		backend, err := s.reg.Resolve(he.scheme)
		if err != nil {
			vfslog.Warnf(context.Background(), "bridge/daemon: forgetClient: resolve %s: %v", he.scheme, err)
			continue
		}
		ctx := corevfs.NewOpContext()
		if he.kind == handleDirectory {
			_ = backend.CloseDirectory(ctx, he.handle)
		} else {
			_ = backend.Close(ctx, he.handle)
		}
	}
}

// Cancel looks up req.Call under the table lock and cancels its token, the
// atomic lookup-then-cancel spec §4.7 requires so the context is
// guaranteed to outlive the cancel call.
func (s *Server) Cancel(req bridge.CancelRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.clients[req.Client]; ok {
		if ctx := st.calls[req.Call]; ctx != nil {
			ctx.Token.Cancel()
		}
	}
	return nil
}

func (s *Server) beginCall(client bridge.ClientID, call bridge.CallID) (*corevfs.OpContext, *clientState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.clients[client]
	if !ok {
		return nil, nil, fmt.Errorf("bridge/daemon: unknown client %s", client)
	}
	ctx := corevfs.NewOpContext()
	st.calls[call] = ctx
	return ctx, st, nil
}

func (s *Server) endCall(st *clientState, call bridge.CallID) {
	s.mu.Lock()
	delete(st.calls, call)
	s.mu.Unlock()
}

func (s *Server) storeHandle(st *clientState, scheme string, kind handleKind, h corevfs.OpenHandle) bridge.HandleID {
	s.mu.Lock()
	defer s.mu.Unlock()
	st.nextHandle++
	id := bridge.HandleID(fmt.Sprintf("%d", st.nextHandle))
	st.handles[id] = handleEntry{scheme: scheme, kind: kind, handle: h}
	return id
}

func (s *Server) lookupHandle(st *clientState, id bridge.HandleID) (handleEntry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	he, ok := st.handles[id]
	return he, ok
}

func (s *Server) dropHandle(st *clientState, id bridge.HandleID) {
	s.mu.Lock()
	delete(st.handles, id)
	s.mu.Unlock()
}

// Do dispatches one Request to the resolved backend and blocks until it
// completes or req's call is cancelled via Cancel. The happens-before
// invariant spec §4.7 requires - "removing the registration happens-before
// the context's destruction" - holds because endCall runs after dispatch
// returns, under the same lock Cancel takes to look the call up.
func (s *Server) Do(req bridge.Request) (bridge.Response, error) {
	ctx, st, err := s.beginCall(req.Client, req.Call)
	if err != nil {
		return bridge.Response{}, err
	}
	defer s.endCall(st, req.Call)

	resp, opErr := s.dispatch(ctx, st, req)
	resp.Err = bridge.NewErrorPayload(opName(req.Op), opErr)
	return resp, nil
}

func (s *Server) dispatch(ctx *corevfs.OpContext, st *clientState, req bridge.Request) (bridge.Response, error) {
	switch req.Op {
	case bridge.OpOpen:
		u, backend, err := s.resolveURI(req.URI)
		if err != nil {
			return bridge.Response{}, err
		}
		h, err := backend.Open(ctx, u, req.Mode)
		if err != nil {
			return bridge.Response{}, err
		}
		return bridge.Response{Handle: s.storeHandle(st, backend.Scheme(), handleFile, h)}, nil

	case bridge.OpCreate:
		u, backend, err := s.resolveURI(req.URI)
		if err != nil {
			return bridge.Response{}, err
		}
		h, err := backend.Create(ctx, u, req.Mode, req.Exclusive, req.Perm)
		if err != nil {
			return bridge.Response{}, err
		}
		return bridge.Response{Handle: s.storeHandle(st, backend.Scheme(), handleFile, h)}, nil

	case bridge.OpClose:
		he, backend, err := s.resolveHandle(st, req.Handle)
		if err != nil {
			return bridge.Response{}, err
		}
		err = backend.Close(ctx, he.handle)
		s.dropHandle(st, req.Handle)
		return bridge.Response{}, err

	case bridge.OpRead:
		he, backend, err := s.resolveHandle(st, req.Handle)
		if err != nil {
			return bridge.Response{}, err
		}
		buf := make([]byte, req.Length)
		n, err := backend.Read(ctx, he.handle, buf)
		return bridge.Response{Buf: buf[:n], N: n}, err

	case bridge.OpWrite:
		he, backend, err := s.resolveHandle(st, req.Handle)
		if err != nil {
			return bridge.Response{}, err
		}
		n, err := backend.Write(ctx, he.handle, req.Buf)
		return bridge.Response{N: n}, err

	case bridge.OpSeek:
		he, backend, err := s.resolveHandle(st, req.Handle)
		if err != nil {
			return bridge.Response{}, err
		}
		err = backend.Seek(ctx, he.handle, req.Origin, req.Offset)
		return bridge.Response{}, err

	case bridge.OpTell:
		he, backend, err := s.resolveHandle(st, req.Handle)
		if err != nil {
			return bridge.Response{}, err
		}
		off, err := backend.Tell(ctx, he.handle)
		return bridge.Response{Offset: off}, err

	case bridge.OpTruncate:
		u, backend, err := s.resolveURI(req.URI)
		if err != nil {
			return bridge.Response{}, err
		}
		err = backend.Truncate(ctx, nil, u, req.Size)
		return bridge.Response{}, err

	case bridge.OpOpenDirectory:
		u, backend, err := s.resolveURI(req.URI)
		if err != nil {
			return bridge.Response{}, err
		}
		h, err := backend.OpenDirectory(ctx, u, req.Options)
		if err != nil {
			return bridge.Response{}, err
		}
		return bridge.Response{Handle: s.storeHandle(st, backend.Scheme(), handleDirectory, h)}, nil

	case bridge.OpCloseDirectory:
		he, backend, err := s.resolveHandle(st, req.Handle)
		if err != nil {
			return bridge.Response{}, err
		}
		err = backend.CloseDirectory(ctx, he.handle)
		s.dropHandle(st, req.Handle)
		return bridge.Response{}, err

	case bridge.OpReadDirectory:
		he, backend, err := s.resolveHandle(st, req.Handle)
		if err != nil {
			return bridge.Response{}, err
		}
		fi, err := backend.ReadDirectory(ctx, he.handle)
		return bridge.Response{Info: fi}, err

	case bridge.OpGetFileInfo:
		u, backend, err := s.resolveURI(req.URI)
		if err != nil {
			return bridge.Response{}, err
		}
		fi, err := backend.GetFileInfo(ctx, u, req.Options)
		return bridge.Response{Info: fi}, err

	case bridge.OpGetFileInfoFromHandle:
		he, backend, err := s.resolveHandle(st, req.Handle)
		if err != nil {
			return bridge.Response{}, err
		}
		fi, err := backend.GetFileInfoFromHandle(ctx, he.handle, req.Options)
		return bridge.Response{Info: fi}, err

	case bridge.OpMakeDirectory:
		u, backend, err := s.resolveURI(req.URI)
		if err != nil {
			return bridge.Response{}, err
		}
		err = backend.MakeDirectory(ctx, u, req.Perm)
		return bridge.Response{}, err

	case bridge.OpRemoveDirectory:
		u, backend, err := s.resolveURI(req.URI)
		if err != nil {
			return bridge.Response{}, err
		}
		err = backend.RemoveDirectory(ctx, u)
		return bridge.Response{}, err

	case bridge.OpMove:
		src, backend, err := s.resolveURI(req.URI)
		if err != nil {
			return bridge.Response{}, err
		}
		dst, err := uri.Parse(req.Dest)
		if err != nil {
			return bridge.Response{}, corevfs.NewError("move", corevfs.KindInvalidURI, err)
		}
		err = backend.Move(ctx, src, dst, req.ForceReplace)
		return bridge.Response{}, err

	case bridge.OpUnlink:
		u, backend, err := s.resolveURI(req.URI)
		if err != nil {
			return bridge.Response{}, err
		}
		err = backend.Unlink(ctx, u)
		return bridge.Response{}, err

	case bridge.OpCheckSameFilesystem:
		a, backend, err := s.resolveURI(req.URI)
		if err != nil {
			return bridge.Response{}, err
		}
		b, err := uri.Parse(req.Dest)
		if err != nil {
			return bridge.Response{}, corevfs.NewError("check-same-fs", corevfs.KindInvalidURI, err)
		}
		same, err := backend.CheckSameFilesystem(ctx, a, b)
		return bridge.Response{Same: same}, err

	case bridge.OpSetFileInfo:
		u, backend, err := s.resolveURI(req.URI)
		if err != nil {
			return bridge.Response{}, err
		}
		err = backend.SetFileInfo(ctx, u, req.Info, req.Mask)
		return bridge.Response{}, err

	case bridge.OpFindDirectory:
		u, backend, err := s.resolveURI(req.URI)
		if err != nil {
			return bridge.Response{}, err
		}
		found, err := backend.FindDirectory(ctx, u, req.Kind, req.CreateIfMissing, req.FindIfMissing, req.Perm)
		if err != nil {
			return bridge.Response{}, err
		}
		path := ""
		if found != nil {
			path = found.String()
		}
		return bridge.Response{Path: path}, nil

	case bridge.OpCreateSymlink:
		u, backend, err := s.resolveURI(req.URI)
		if err != nil {
			return bridge.Response{}, err
		}
		err = backend.CreateSymlink(ctx, u, req.Target)
		return bridge.Response{}, err

	default:
		return bridge.Response{}, corevfs.NewError("bridge", corevfs.KindInternal, fmt.Errorf("unknown op %d", req.Op))
	}
}

func (s *Server) resolveURI(raw string) (*uri.URI, corevfs.Backend, error) {
	u, err := uri.Parse(raw)
	if err != nil {
		return nil, nil, corevfs.NewError("bridge", corevfs.KindInvalidURI, err)
	}
	backend, err := s.reg.Resolve(u.Scheme())
	if err != nil {
		return nil, nil, err
	}
	return u, backend, nil
}

func (s *Server) resolveHandle(st *clientState, id bridge.HandleID) (handleEntry, corevfs.Backend, error) {
	he, ok := s.lookupHandle(st, id)
	if !ok {
		return handleEntry{}, nil, corevfs.NewError("bridge", corevfs.KindInternal, fmt.Errorf("unknown handle %s", id))
	}
	backend, err := s.reg.Resolve(he.scheme)
	return he, backend, err
}

func opName(op bridge.Op) string {
	names := [...]string{
		"open", "create", "close", "read", "write", "seek", "tell", "truncate",
		"open-directory", "close-directory", "read-directory",
		"get-file-info", "get-file-info-from-handle",
		"make-directory", "remove-directory", "move", "unlink",
		"check-same-filesystem", "set-file-info", "find-directory", "create-symlink",
	}
	if int(op) < 0 || int(op) >= len(names) {
		return "unknown"
	}
	return names[op]
}

var _ bridge.Transport = (*Server)(nil)
