package job

import "github.com/vfscore/corevfs"

// Kind tags what an Op is doing. The engine does not read it and schedules
// no close of its own for a cancelled Open/Create: releasing a handle whose
// result arrives after Cancel is left to the Op's OnCancelledDelivery.
type Kind int

const (
	KindOpen Kind = iota
	KindCreate
	KindRead
	KindWrite
	KindClose
	KindGetInfo
	KindListDirectory
	KindTransfer
	KindSetInfo
	KindFindDirectory
	KindCreateSymlink
)

func (k Kind) String() string {
	switch k {
	case KindOpen:
		return "open"
	case KindCreate:
		return "create"
	case KindRead:
		return "read"
	case KindWrite:
		return "write"
	case KindClose:
		return "close"
	case KindGetInfo:
		return "get-info"
	case KindListDirectory:
		return "list-directory"
	case KindTransfer:
		return "transfer"
	case KindSetInfo:
		return "set-info"
	case KindFindDirectory:
		return "find-directory"
	case KindCreateSymlink:
		return "create-symlink"
	default:
		return "unknown"
	}
}

// Exec is the body of one Op: it runs on the worker goroutine and may
// block. It must honour ctx.Token - polling it in any internal loop, or
// selecting on ctx.Token.WakeFD() alongside whatever fd it blocks on.
//
// For a oneway Op, Exec is called once; its return values become the single
// callback invocation.
//
// For a streaming Op (see Op.Streaming), Exec is called once and is
// responsible for calling emit itself, once per chunk, blocking until the
// main thread has acknowledged the previous chunk before computing the
// next. The final call to emit should carry io.EOF (or another terminal
// error) so the stream is known to be finished.
type Exec func(ctx *corevfs.OpContext, emit func(out any, err error) (cont bool)) (out any, err error)

// Op is one unit of work submitted to a Job (spec's Op, §3). Callback is
// invoked on the engine's dispatch goroutine ("main thread") once per
// result: exactly once for a oneway Op, once per chunk for a streaming Op.
type Op struct {
	Kind      Kind
	Ctx       *corevfs.OpContext
	Exec      Exec
	Callback  func(out any, err error)
	Streaming bool

	// OnCancelledDelivery runs instead of Callback when a result arrives for
	// an Op whose context was cancelled before the main thread could
	// dispatch it. Open/Create ops use this to schedule a close of the
	// handle they allocated, since the user callback that would otherwise
	// have closed it never fires (spec §5, "Cancellation and timeout
	// semantics").
	OnCancelledDelivery func(out any)
}
