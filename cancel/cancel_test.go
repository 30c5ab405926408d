package cancel

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCancelIdempotent(t *testing.T) {
	tok := New()
	var calls int
	tok.OnCancel(func(any) { calls++ }, nil)
	tok.Cancel()
	tok.Cancel()
	tok.Cancel()
	assert.True(t, tok.Cancelled())
	assert.Equal(t, 1, calls)
}

func TestWakeFDBecomesReadableOnCancel(t *testing.T) {
	tok := New()
	fd, err := tok.WakeFD()
	require.NoError(t, err)
	defer tok.Close()

	done := make(chan struct{})
	go func() {
		buf := make([]byte, 1)
		_, _ = fd.Read(buf)
		close(done)
	}()

	time.Sleep(5 * time.Millisecond)
	tok.Cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("wake fd never became readable")
	}
}

func TestWakeFDCreatedAfterCancelIsAlreadyReadable(t *testing.T) {
	tok := New()
	tok.Cancel()
	fd, err := tok.WakeFD()
	require.NoError(t, err)
	defer tok.Close()

	buf := make([]byte, 1)
	n, err := fd.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestCancelFromAnyGoroutine(t *testing.T) {
	tok := New()
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tok.Cancel()
		}()
	}
	wg.Wait()
	assert.True(t, tok.Cancelled())
}
