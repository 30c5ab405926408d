// Package job implements the asynchronous job engine (spec §4.6), the
// hardest subsystem of the core: it converts a synchronous, cancellable
// Backend call into an asynchronous one, with callback delivery on a
// single dispatch goroutine standing in for the spec's "main thread".
//
// The C original signals across threads with a pair of raw pipes, a mutex
// and two condition variables per Job. Per the redesign notes (spec.md §9),
// that is modelled here with channels instead: a command
// channel carries prepared Ops from producer to worker, a result channel
// (the "wake pipe") carries completed results from every Job's worker to
// the engine's single dispatch goroutine, and a per-Job ack channel
// implements the synchronous-notify backpressure handshake. No channel is
// reused for more than one of these three purposes.
package job

import (
	"sync"

	"github.com/vfscore/corevfs"
)

// result is one message written to the engine's result channel - the
// logical equivalent of a pointer-sized record written into a Job's wake
// pipe. op == nil marks job destruction.
type result struct {
	job     *Job
	op      *Op
	out     any
	err     error
	wantAck bool
}

// Job owns exactly one worker goroutine, created lazily on the first
// prepared Op and kept alive until Close. At most one Op is "current"
// (running on the worker) and at most one is "notify" (pending dispatch)
// at any instant.
type Job struct {
	engine *Engine

	cmdCh   chan *Op      // producer -> worker ("execution_condition")
	ackCh   chan struct{} // main -> worker, synchronous notify backpressure
	closeCh chan struct{}

	mu        sync.Mutex // "access_lock"
	isEmpty   bool
	currentOp *Op
	notifyOp  *Op
	closed    bool

	workerOnce sync.Once
}

// Submit hands op to the worker: it becomes the Job's current_op, releasing
// any previous current_op that is not also the notify_op (its result is
// already on the wire to the main thread, or already delivered). Submit
// starts the worker goroutine on first use.
func (j *Job) Submit(op *Op) {
	j.mu.Lock()
	if j.currentOp != nil && j.currentOp != j.notifyOp && j.currentOp.Ctx != nil && j.currentOp.Ctx.Token != nil {
		_ = j.currentOp.Ctx.Token.Close()
	}
	j.currentOp = op
	j.isEmpty = false
	j.mu.Unlock()

	j.workerOnce.Do(func() { go j.workerLoop() })
	j.cmdCh <- op
}

// Cancel locates the in-progress Op - preferring current_op, falling back
// to notify_op - and cancels its context's token. If the worker is blocked
// in notify waiting for an ack that will now never come (the main thread
// has already seen the token cancelled and will not call Ack), Cancel also
// releases it so the worker does not hang.
func (j *Job) Cancel() {
	j.mu.Lock()
	op := j.currentOp
	if op == nil {
		op = j.notifyOp
	}
	j.mu.Unlock()
	if op == nil || op.Ctx == nil || op.Ctx.Token == nil {
		return
	}
	op.Ctx.Token.Cancel()
	select {
	case j.ackCh <- struct{}{}:
	default:
	}
}

// Close requests destruction of the Job: a final, oneway notify carrying a
// nil Op is posted once any in-flight Op has finished, and the engine frees
// its bookkeeping for the Job when that notify is dispatched. Close is
// idempotent.
func (j *Job) Close() {
	j.mu.Lock()
	if j.closed {
		j.mu.Unlock()
		return
	}
	j.closed = true
	j.mu.Unlock()
	close(j.closeCh)
	j.workerOnce.Do(func() { go j.workerLoop() })
	j.cmdCh <- nil
}

// IsEmpty reports whether the worker currently has no Op to run.
func (j *Job) IsEmpty() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.isEmpty
}

func (j *Job) workerLoop() {
	for {
		op := <-j.cmdCh
		if op == nil {
			j.engine.resultCh <- result{job: j}
			return
		}
		j.runOp(op)
		j.mu.Lock()
		j.isEmpty = true
		j.mu.Unlock()
	}
}

func (j *Job) runOp(op *Op) {
	if op.Streaming {
		emit := func(out any, err error) bool { return j.notify(op, out, err, true) }
		out, err := op.Exec(op.Ctx, emit)
		if out != nil || err != nil {
			j.notify(op, out, err, false)
		}
		return
	}
	out, err := op.Exec(op.Ctx, nil)
	j.notify(op, out, err, false)
}

// notify posts one result for op to the engine's dispatch goroutine and, if
// wantAck, blocks until the main thread has acknowledged delivery - the
// synchronous-notify backpressure mechanism used for streamed directory
// listings and transfer progress (spec §4.6, §4.9). It returns whether the
// worker should keep producing more chunks for this Op.
func (j *Job) notify(op *Op, out any, err error, wantAck bool) bool {
	j.mu.Lock()
	j.notifyOp = op
	j.mu.Unlock()

	select {
	case j.engine.resultCh <- result{job: j, op: op, out: out, err: err, wantAck: wantAck}:
	case <-j.closeCh:
		return false
	}
	if wantAck {
		select {
		case <-j.ackCh:
		case <-j.closeCh:
			return false
		}
	}
	return !op.Ctx.Cancelled()
}

// Engine runs the dispatch goroutine ("main thread") that services every
// Job's result channel and invokes user callbacks. One Engine typically
// serves one process; the job pool count it tracks is the process-wide
// figure the spec's shared-resource policy (§5) calls out for test
// assertions.
type Engine struct {
	mu   sync.Mutex
	jobs map[*Job]struct{}

	resultCh chan result
}

// NewEngine returns a ready Engine. Call Run in its own goroutine to start
// servicing jobs.
func NewEngine() *Engine {
	return &Engine{
		jobs:     make(map[*Job]struct{}),
		resultCh: make(chan result, 64),
	}
}

// NewJob creates a Job owned by this Engine.
func (e *Engine) NewJob() *Job {
	j := &Job{
		engine:  e,
		cmdCh:   make(chan *Op),
		ackCh:   make(chan struct{}, 1),
		closeCh: make(chan struct{}),
		isEmpty: true,
	}
	e.mu.Lock()
	e.jobs[j] = struct{}{}
	e.mu.Unlock()
	return j
}

// JobCount returns the number of Jobs currently tracked by this Engine,
// including ones pending destruction.
func (e *Engine) JobCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.jobs)
}

// Run services results until stop is closed. Callbacks are delivered on
// this goroutine, in the order their Ops were prepared, per Job; no
// ordering is guaranteed across Jobs.
func (e *Engine) Run(stop <-chan struct{}) {
	for {
		select {
		case r := <-e.resultCh:
			e.dispatch(r)
		case <-stop:
			return
		}
	}
}

// RunOne services exactly one pending result, for tests that want to step
// the engine deterministically instead of running Run in a goroutine.
// Returns false if nothing was pending.
func (e *Engine) RunOne() bool {
	select {
	case r := <-e.resultCh:
		e.dispatch(r)
		return true
	default:
		return false
	}
}

func (e *Engine) dispatch(r result) {
	j := r.job
	if r.op == nil {
		// Destroy notification.
		e.mu.Lock()
		delete(e.jobs, j)
		e.mu.Unlock()
		return
	}

	op := r.op
	if op.Ctx.Cancelled() {
		if op.OnCancelledDelivery != nil {
			op.OnCancelledDelivery(r.out)
		}
	} else if op.Callback != nil {
		op.Callback(r.out, r.err)
	}

	j.mu.Lock()
	if j.notifyOp == op && j.currentOp != op {
		j.notifyOp = nil
	}
	j.mu.Unlock()

	if r.wantAck {
		select {
		case j.ackCh <- struct{}{}:
		default:
		}
	}
}

// NewOpContext is a convenience for building the OpContext that backs an
// Op's Exec closure.
func NewOpContext() *corevfs.OpContext {
	return corevfs.NewOpContext()
}
