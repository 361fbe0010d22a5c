//go:build linux
// +build linux

package node

import (
	"math"
	"os"
	"sync"
	"sync/atomic"
	"time"
	"unsafe"

	"go.uber.org/multierr"
	"golang.org/x/sys/unix"
)

// https://copyconstruct.medium.com/the-method-to-epolls-madness-d9d2d6378642

const (
	readEvents  = unix.EPOLLPRI | unix.EPOLLIN
	writeEvents = unix.EPOLLOUT
)

const defaultMaxEvents = 1024

// ReadyEvent is one endpoint reported by Poll.
type ReadyEvent struct {
	Endpoint *Endpoint
	Ready    Interest
	// Failed is set when the kernel reported an error condition on the socket.
	Failed bool
}

type tracked struct {
	ep       *Endpoint
	interest Interest
}

// Multiplexer is a level-triggered wrapper around epoll. It keeps track of the
// endpoints registered to it and of the interest set of each one.
//
// Only Wakeup may be called from a goroutine other than the one polling.
type Multiplexer struct {
	epollFd  int
	wakeFd   int
	epollSet map[int]*tracked
	events   []unix.EpollEvent
	ready    []ReadyEvent
	closed   atomic.Bool
	wakeMu   sync.Mutex // guards wakeFd against Close
}

// NewMultiplexer creates the epoll instance and its wakeup eventfd. maxEvents bounds
// the number of endpoints reported by a single Poll.
func NewMultiplexer(maxEvents int) (*Multiplexer, error) {
	if maxEvents <= 0 {
		maxEvents = defaultMaxEvents
	}

	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, os.NewSyscallError("epoll_create1", err)
	}

	efd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		unix.Close(epfd)
		return nil, os.NewSyscallError("eventfd", err)
	}

	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, efd, &unix.EpollEvent{Fd: int32(efd), Events: readEvents}); err != nil {
		unix.Close(efd)
		unix.Close(epfd)
		return nil, os.NewSyscallError("epoll_ctl add", err)
	}

	return &Multiplexer{
		epollFd:  epfd,
		wakeFd:   efd,
		epollSet: make(map[int]*tracked),
		events:   make([]unix.EpollEvent, maxEvents),
		ready:    make([]ReadyEvent, 0, maxEvents),
	}, nil
}

func epollEvents(interest Interest) uint32 {
	var ev uint32
	if interest.Has(OpAccept) || interest.Has(OpRead) {
		ev |= readEvents
	}
	if interest.Has(OpWrite) {
		ev |= writeEvents
	}
	return ev
}

// Register starts tracking ep. Registering an endpoint this multiplexer already
// tracks replaces its interest set.
func (m *Multiplexer) Register(ep *Endpoint, interest Interest) error {
	if m.closed.Load() {
		return ErrMultiplexerClosed
	}
	if ep.owner != nil && ep.owner != m {
		return ErrAlreadyRegistered
	}
	if _, ok := m.epollSet[ep.fd]; ok {
		return m.UpdateInterest(ep, interest)
	}

	err := unix.EpollCtl(m.epollFd, unix.EPOLL_CTL_ADD, ep.fd, &unix.EpollEvent{Fd: int32(ep.fd), Events: epollEvents(interest)})
	if err != nil {
		return os.NewSyscallError("epoll_ctl add", err)
	}

	ep.owner = m
	m.epollSet[ep.fd] = &tracked{ep: ep, interest: interest}
	return nil
}

// UpdateInterest replaces the interest set of ep. It takes effect on the next Poll.
func (m *Multiplexer) UpdateInterest(ep *Endpoint, interest Interest) error {
	if m.closed.Load() {
		return ErrMultiplexerClosed
	}
	t, ok := m.epollSet[ep.fd]
	if !ok || t.ep != ep {
		return ErrNotRegistered
	}
	if t.interest == interest {
		return nil
	}

	err := unix.EpollCtl(m.epollFd, unix.EPOLL_CTL_MOD, ep.fd, &unix.EpollEvent{Fd: int32(ep.fd), Events: epollEvents(interest)})
	if err != nil {
		return os.NewSyscallError("epoll_ctl mod", err)
	}
	t.interest = interest
	return nil
}

// Interest returns the interest set ep is registered with.
func (m *Multiplexer) Interest(ep *Endpoint) (Interest, bool) {
	t, ok := m.epollSet[ep.fd]
	if !ok || t.ep != ep {
		return 0, false
	}
	return t.interest, true
}

// Deregister stops tracking ep. Untracked endpoints are ignored.
func (m *Multiplexer) Deregister(ep *Endpoint) error {
	t, ok := m.epollSet[ep.fd]
	if !ok || t.ep != ep {
		return nil
	}

	delete(m.epollSet, ep.fd)
	ep.owner = nil
	if m.closed.Load() {
		return nil
	}
	return os.NewSyscallError("epoll_ctl del", unix.EpollCtl(m.epollFd, unix.EPOLL_CTL_DEL, ep.fd, nil))
}

// Len returns the number of tracked endpoints.
func (m *Multiplexer) Len() int {
	return len(m.epollSet)
}

// pollMillis converts a poll timeout to the epoll_wait argument: rounded up to
// whole milliseconds and capped at the kernel's int range, -1 for negative.
func pollMillis(timeout time.Duration) int {
	if timeout < 0 {
		return -1
	}
	if timeout >= math.MaxInt32*time.Millisecond {
		return math.MaxInt32
	}
	return int((timeout + time.Millisecond - 1) / time.Millisecond)
}

// Poll waits for readiness. A negative timeout blocks until an endpoint is ready
// or Wakeup is called, zero never blocks. A timeout, a wakeup or a signal
// interruption yields an empty result, not an error.
//
// The returned slice is reused by the next call to Poll.
func (m *Multiplexer) Poll(timeout time.Duration) ([]ReadyEvent, error) {
	if m.closed.Load() {
		return nil, ErrMultiplexerClosed
	}

	// level triggered: anything not drained is reported again next time
	n, err := unix.EpollWait(m.epollFd, m.events, pollMillis(timeout))
	if err == unix.EINTR {
		return m.ready[:0], nil
	}
	if err != nil {
		return nil, &MultiplexerError{Op: "epoll_wait", Err: err}
	}

	ready := m.ready[:0]
	for i := 0; i < n; i++ {
		ev := &m.events[i]
		fd := int(ev.Fd)

		if fd == m.wakeFd {
			m.drainWakeup()
			continue
		}

		t, ok := m.epollSet[fd]
		if !ok {
			continue
		}

		var r Interest
		if ev.Events&(readEvents|unix.EPOLLHUP|unix.EPOLLRDHUP) != 0 {
			if t.ep.kind == KindListener {
				r |= OpAccept
			} else {
				r |= OpRead
			}
		}
		if ev.Events&writeEvents != 0 {
			r |= OpWrite
		}
		ready = append(ready, ReadyEvent{
			Endpoint: t.ep,
			Ready:    r & (t.interest | OpRead),
			Failed:   ev.Events&unix.EPOLLERR != 0,
		})
	}
	m.ready = ready
	return ready, nil
}

// Wakeup makes a blocked Poll return. It is safe to call from any goroutine.
func (m *Multiplexer) Wakeup() error {
	m.wakeMu.Lock()
	defer m.wakeMu.Unlock()
	if m.closed.Load() {
		return ErrMultiplexerClosed
	}
	one := uint64(1)
	_, err := unix.Write(m.wakeFd, (*(*[8]byte)(unsafe.Pointer(&one)))[:])
	if err == unix.EAGAIN {
		// counter saturated, a wakeup is already pending
		return nil
	}
	return os.NewSyscallError("eventfd write", err)
}

func (m *Multiplexer) drainWakeup() {
	var buf uint64
	_, _ = unix.Read(m.wakeFd, (*(*[8]byte)(unsafe.Pointer(&buf)))[:])
}

// Close releases the eventfd and the epoll instance. Endpoints are not closed.
func (m *Multiplexer) Close() error {
	m.wakeMu.Lock()
	defer m.wakeMu.Unlock()
	if !m.closed.CompareAndSwap(false, true) {
		return nil
	}
	for fd, t := range m.epollSet {
		t.ep.owner = nil
		delete(m.epollSet, fd)
	}
	return multierr.Append(
		os.NewSyscallError("close eventfd", unix.Close(m.wakeFd)),
		os.NewSyscallError("close epoll", unix.Close(m.epollFd)),
	)
}
