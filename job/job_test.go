package job

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vfscore/corevfs"
)

func TestCallbackDeliveredExactlyOnceInOrder(t *testing.T) {
	e := NewEngine()
	j := e.NewJob()

	var mu sync.Mutex
	var order []int
	done := make(chan struct{})

	for i := 0; i < 5; i++ {
		i := i
		cb := func(out any, err error) {
			mu.Lock()
			order = append(order, i)
			if i == 4 {
				close(done)
			}
			mu.Unlock()
		}
		j.Submit(&Op{
			Ctx:      corevfs.NewOpContext(),
			Callback: cb,
			Exec: func(ctx *corevfs.OpContext, emit func(any, error) bool) (any, error) {
				return i, nil
			},
		})
	}

	stop := make(chan struct{})
	go e.Run(stop)
	defer close(stop)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("callbacks never completed")
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int{0, 1, 2, 3, 4}, order)
}

func TestCancelBeforeDispatchSuppressesCallback(t *testing.T) {
	e := NewEngine()
	j := e.NewJob()

	started := make(chan struct{})
	block := make(chan struct{})
	var callbackFired bool
	var mu sync.Mutex

	op := &Op{
		Ctx: corevfs.NewOpContext(),
		Exec: func(ctx *corevfs.OpContext, emit func(any, error) bool) (any, error) {
			close(started)
			<-block
			return "result", nil
		},
		Callback: func(out any, err error) {
			mu.Lock()
			callbackFired = true
			mu.Unlock()
		},
	}
	j.Submit(op)

	<-started
	j.Cancel()
	j.Cancel() // idempotence
	close(block)

	stop := make(chan struct{})
	go e.Run(stop)
	defer close(stop)

	// Give the dispatch goroutine a moment; there is nothing to wait on
	// since no callback should ever fire.
	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.False(t, callbackFired)
	assert.True(t, op.Ctx.Cancelled())
}

func TestCancelSchedulesCloseForSkippedHandle(t *testing.T) {
	e := NewEngine()
	j := e.NewJob()

	started := make(chan struct{})
	var closedHandle string
	closeDone := make(chan struct{})

	op := &Op{
		Kind: KindOpen,
		Ctx:  corevfs.NewOpContext(),
		Exec: func(ctx *corevfs.OpContext, emit func(any, error) bool) (any, error) {
			close(started)
			for !ctx.Cancelled() {
				time.Sleep(time.Millisecond)
			}
			return "handle-1", nil
		},
		Callback: func(out any, err error) {
			t.Fatal("callback should not fire for a cancelled open")
		},
		OnCancelledDelivery: func(out any) {
			closedHandle = out.(string)
			close(closeDone)
		},
	}
	j.Submit(op)
	<-started
	j.Cancel()

	stop := make(chan struct{})
	go e.Run(stop)
	defer close(stop)

	select {
	case <-closeDone:
	case <-time.After(2 * time.Second):
		t.Fatal("engine-initiated close never ran")
	}
	assert.Equal(t, "handle-1", closedHandle)
}

func TestStreamingBackpressureWaitsForAck(t *testing.T) {
	e := NewEngine()
	j := e.NewJob()

	const chunks = 5
	received := make(chan int, chunks)

	op := &Op{
		Kind:      KindListDirectory,
		Ctx:       corevfs.NewOpContext(),
		Streaming: true,
		Exec: func(ctx *corevfs.OpContext, emit func(any, error) bool) (any, error) {
			for i := 0; i < chunks; i++ {
				if !emit(i, nil) {
					return nil, nil
				}
			}
			return nil, nil
		},
		Callback: func(out any, err error) {
			received <- out.(int)
		},
	}
	j.Submit(op)

	stop := make(chan struct{})
	go e.Run(stop)
	defer close(stop)

	for i := 0; i < chunks; i++ {
		select {
		case got := <-received:
			assert.Equal(t, i, got)
		case <-time.After(2 * time.Second):
			t.Fatalf("chunk %d never arrived", i)
		}
	}
}

func TestJobDestroyRemovesFromEngine(t *testing.T) {
	e := NewEngine()
	j := e.NewJob()
	assert.Equal(t, 1, e.JobCount())

	stop := make(chan struct{})
	go e.Run(stop)
	defer close(stop)

	j.Close()

	require.Eventually(t, func() bool {
		return e.JobCount() == 0
	}, 2*time.Second, 5*time.Millisecond)
}

func TestCancelAfterFinalCallbackIsNoop(t *testing.T) {
	e := NewEngine()
	j := e.NewJob()

	done := make(chan struct{})
	op := &Op{
		Ctx: corevfs.NewOpContext(),
		Exec: func(ctx *corevfs.OpContext, emit func(any, error) bool) (any, error) {
			return nil, nil
		},
		Callback: func(out any, err error) { close(done) },
	}
	j.Submit(op)

	stop := make(chan struct{})
	go e.Run(stop)
	defer close(stop)

	<-done
	assert.NotPanics(t, func() { j.Cancel() })
}
