//go:build linux

package reactor

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"golang.org/x/sys/unix"
)

func newPipe(t *testing.T) (r, w int) {
	t.Helper()
	var p [2]int
	require.NoError(t, unix.Pipe2(p[:], unix.O_NONBLOCK|unix.O_CLOEXEC))
	t.Cleanup(func() {
		_ = unix.Close(p[0])
		_ = unix.Close(p[1])
	})
	return p[0], p[1]
}

func newLoop(t *testing.T) *Loop {
	t.Helper()
	l, err := New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })
	return l
}

// start runs l until the returned stop func is called.
func start(t *testing.T, l *Loop) (stop func() error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- l.Run(ctx) }()
	return func() error {
		cancel()
		select {
		case err := <-done:
			return err
		case <-time.After(5 * time.Second):
			t.Fatal("Run did not return")
			return nil
		}
	}
}

func TestLevelTriggered(t *testing.T) {
	defer goleak.VerifyNone(t)

	l := newLoop(t)
	r, w := newPipe(t)

	// Read one byte per callback. The descriptor stays readable until
	// all three are consumed.
	got := make(chan byte, 8)
	_, err := l.Subscribe(r, func() {
		var b [1]byte
		if n, _ := unix.Read(r, b[:]); n == 1 {
			got <- b[0]
		}
	})
	require.NoError(t, err)
	require.Equal(t, 1, l.Len())

	stop := start(t, l)
	_, err = unix.Write(w, []byte("abc"))
	require.NoError(t, err)

	var read []byte
	for range 3 {
		select {
		case b := <-got:
			read = append(read, b)
		case <-time.After(5 * time.Second):
			t.Fatal("callback not invoked")
		}
	}
	require.ErrorIs(t, stop(), context.Canceled)
	assert.Equal(t, []byte("abc"), read)
}

func TestWatchClose(t *testing.T) {
	defer goleak.VerifyNone(t)

	l := newLoop(t)
	r, w := newPipe(t)

	calls := make(chan struct{}, 64)
	watch, err := l.Subscribe(r, func() { calls <- struct{}{} })
	require.NoError(t, err)
	require.NoError(t, watch.Close())
	require.NoError(t, watch.Close(), "second close is a no-op")
	assert.Zero(t, l.Len())

	stop := start(t, l)
	_, err = unix.Write(w, []byte("x"))
	require.NoError(t, err)
	time.Sleep(3 * DefaultWaitMS * time.Millisecond)
	require.ErrorIs(t, stop(), context.Canceled)
	assert.Empty(t, calls)

	// The descriptor can be subscribed again.
	_, err = l.Subscribe(r, func() {})
	require.NoError(t, err)
}

func TestSubscribeDuplicate(t *testing.T) {
	l := newLoop(t)
	r, _ := newPipe(t)

	_, err := l.Subscribe(r, func() {})
	require.NoError(t, err)
	_, err = l.Subscribe(r, func() {})
	require.Error(t, err)
	assert.Equal(t, 1, l.Len())
}

func TestSubscribeInvalidFD(t *testing.T) {
	l := newLoop(t)
	_, err := l.Subscribe(-1, func() {})
	require.ErrorIs(t, err, unix.EBADF)
	assert.Zero(t, l.Len())
}

func TestClosedLoop(t *testing.T) {
	l, err := New()
	require.NoError(t, err)
	r, _ := newPipe(t)

	watch, err := l.Subscribe(r, func() {})
	require.NoError(t, err)

	require.NoError(t, l.Close())
	require.NoError(t, l.Close())
	assert.NoError(t, watch.Close())

	_, err = l.Subscribe(r, func() {})
	require.ErrorIs(t, err, ErrClosed)
}

func TestRunCanceled(t *testing.T) {
	defer goleak.VerifyNone(t)

	l := newLoop(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, l.Run(ctx), context.Canceled)

	stop := start(t, l)
	time.Sleep(10 * time.Millisecond)
	require.ErrorIs(t, stop(), context.Canceled)
}
