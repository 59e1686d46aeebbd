//go:build linux

// Package reactor provides a single-goroutine epoll event loop.
// Subscriptions are level-triggered, so a callback keeps firing on every
// iteration for as long as its descriptor stays readable.
package reactor

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sys/unix"
)

var ErrClosed = errors.New("reactor closed")

const (
	// DefaultMaxEvents is the epoll_wait batch size.
	DefaultMaxEvents = 64
	// DefaultWaitMS bounds how long Run blocks before checking its context.
	DefaultWaitMS = 100
)

// Loop is an epoll based event loop.
// Subscribe and Watch.Close may be called from any goroutine, callbacks
// only ever run on the goroutine executing Run.
type Loop struct {
	epfd   int
	waitMS int

	mu      sync.Mutex
	watches map[int32]*Watch
	closed  bool
}

// Watch is a persistent read subscription.
type Watch struct {
	loop *Loop
	fd   int
	fn   func()
}

// New creates a Loop.
func New() (*Loop, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("epoll_create1: %w", err)
	}
	return &Loop{
		epfd:    epfd,
		waitMS:  DefaultWaitMS,
		watches: make(map[int32]*Watch),
	}, nil
}

// Subscribe calls fn whenever fd is readable until the returned Watch
// is closed.
func (l *Loop) Subscribe(fd int, fn func()) (*Watch, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil, ErrClosed
	}
	if _, ok := l.watches[int32(fd)]; ok {
		return nil, fmt.Errorf("fd %d already subscribed", fd)
	}

	ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(fd)}
	if err := unix.EpollCtl(l.epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		return nil, fmt.Errorf("epoll_ctl add %d: %w", fd, err)
	}
	w := &Watch{loop: l, fd: fd, fn: fn}
	l.watches[int32(fd)] = w
	return w, nil
}

// Close removes the subscription. Closing twice is a no-op.
func (w *Watch) Close() error {
	l := w.loop
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.watches[int32(w.fd)] != w {
		return nil
	}
	delete(l.watches, int32(w.fd))
	if l.closed {
		return nil
	}
	if err := unix.EpollCtl(l.epfd, unix.EPOLL_CTL_DEL, w.fd, nil); err != nil {
		return fmt.Errorf("epoll_ctl del %d: %w", w.fd, err)
	}
	return nil
}

// Len returns the number of active subscriptions.
func (l *Loop) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.watches)
}

// Run dispatches readiness events until ctx is canceled.
// It returns ctx.Err() on cancellation or the epoll_wait error.
func (l *Loop) Run(ctx context.Context) error {
	events := make([]unix.EpollEvent, DefaultMaxEvents)
	for ctx.Err() == nil {
		n, err := unix.EpollWait(l.epfd, events, l.waitMS)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return fmt.Errorf("epoll_wait: %w", err)
		}
		for i := range n {
			l.mu.Lock()
			w := l.watches[events[i].Fd]
			l.mu.Unlock()
			// A callback earlier in this batch may have closed the watch.
			if w != nil {
				w.fn()
			}
		}
	}
	return ctx.Err()
}

// Close releases the epoll descriptor. Outstanding watches become no-ops.
func (l *Loop) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	clear(l.watches)
	return unix.Close(l.epfd)
}
