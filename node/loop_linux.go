//go:build linux
// +build linux

package node

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/fzft/go-nio-pump/buffer"
	"github.com/fzft/go-nio-pump/log"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

const (
	DefaultBufferSize  = 4096
	DefaultPollTimeout = time.Second
)

// State is the lifecycle state of a Loop.
type State int32

const (
	StateIdle State = iota
	StateRunning
	StateStopping
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateRunning:
		return "RUNNING"
	case StateStopping:
		return "STOPPING"
	case StateStopped:
		return "STOPPED"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

type LoopConfig struct {
	// BufferSize is the capacity of each endpoint's inbound buffer.
	BufferSize int
	// DirectBuffers allocates inbound buffers outside the Go heap.
	DirectBuffers bool
	// PollTimeout bounds each poll. Zero selects DefaultPollTimeout, a negative
	// value blocks until readiness or Stop.
	PollTimeout time.Duration
	MaxEvents   int
}

// Loop is a single-threaded accept and read loop. One goroutine runs it and owns
// every endpoint, entry and buffer; Stop and State are the only methods safe to
// call from elsewhere. Run several loops to use several cores.
type Loop struct {
	cfg      LoopConfig
	mux      *Multiplexer
	registry *Registry
	sink     Sink
	started  atomic.Bool
	state    atomic.Int32

	// delivering is the entry whose inbound buffer is lent to the sink
	delivering *Entry

	mu    sync.Mutex
	addrs []net.Addr
}

func NewLoop(cfg LoopConfig) (*Loop, error) {
	if cfg.BufferSize < 0 {
		return nil, fmt.Errorf("%w: buffer size %d", buffer.ErrInvalidArgument, cfg.BufferSize)
	}
	if cfg.BufferSize == 0 {
		cfg.BufferSize = DefaultBufferSize
	}
	if cfg.PollTimeout == 0 {
		cfg.PollTimeout = DefaultPollTimeout
	}

	mux, err := NewMultiplexer(cfg.MaxEvents)
	if err != nil {
		log.Logger.Error("Failed to create multiplexer", zap.Error(err))
		return nil, err
	}

	return &Loop{
		cfg:      cfg,
		mux:      mux,
		registry: NewRegistry(),
	}, nil
}

// SetSink installs the data collaborator. It must be called before Run; the
// default is LogSink.
func (l *Loop) SetSink(sink Sink) {
	l.sink = sink
}

func (l *Loop) State() State {
	return State(l.state.Load())
}

// Len returns the number of registered endpoints, listeners included.
// Loop goroutine only.
func (l *Loop) Len() int {
	return l.registry.Len()
}

// Addrs returns the local addresses of the endpoints opened by Listen.
func (l *Loop) Addrs() []net.Addr {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]net.Addr(nil), l.addrs...)
}

// Listen opens a non-blocking socket bound to address and registers it. tcp
// networks produce a listener polled for accept, udp networks a datagram
// endpoint polled for read. Call it before Run or from the loop goroutine.
func (l *Loop) Listen(network, address string) (*Endpoint, error) {
	ep, err := listen(network, address)
	if err != nil {
		log.Logger.Error("listen error", zap.String("network", network), zap.String("addr", address), zap.Error(err))
		return nil, err
	}
	if err := l.Attach(ep); err != nil {
		_ = CloseFd(ep.fd)
		return nil, err
	}

	l.mu.Lock()
	l.addrs = append(l.addrs, ep.local)
	l.mu.Unlock()
	return ep, nil
}

// Attach registers an already open endpoint with the loop.
func (l *Loop) Attach(ep *Endpoint) error {
	interest := OpRead
	if ep.kind == KindListener {
		interest = OpAccept
	}
	_, err := l.add(ep, interest)
	return err
}

func (l *Loop) add(ep *Endpoint, interest Interest) (*Entry, error) {
	var in *buffer.ByteBuffer
	if ep.kind != KindListener {
		var err error
		if l.cfg.DirectBuffers {
			in, err = buffer.AllocateDirect(l.cfg.BufferSize)
		} else {
			in, err = buffer.Allocate(l.cfg.BufferSize)
		}
		if err != nil {
			return nil, err
		}
	}

	e, err := l.registry.Add(ep, interest, in)
	if err != nil {
		if in != nil {
			_ = in.Free()
		}
		return nil, err
	}
	if err := l.mux.Register(ep, interest); err != nil {
		l.registry.Remove(ep)
		_ = e.release()
		return nil, err
	}
	return e, nil
}

// Run polls until ctx is done, Stop is called or the multiplexer fails. On return
// every endpoint and the multiplexer are closed. Only a multiplexer failure or a
// failed cleanup is reported as an error.
func (l *Loop) Run(ctx context.Context) error {
	if !l.started.CompareAndSwap(false, true) {
		return ErrLoopStarted
	}
	if l.sink == nil {
		l.sink = LogSink{}
	}
	l.state.CompareAndSwap(int32(StateIdle), int32(StateRunning))

	stop := context.AfterFunc(ctx, l.Stop)
	defer stop()

	var err error
	for l.State() == StateRunning {
		events, perr := l.mux.Poll(l.cfg.PollTimeout)
		if perr != nil {
			log.Logger.Error("poll error", zap.Error(perr))
			err = perr
			l.state.Store(int32(StateStopping))
			break
		}

		for i := range events {
			l.dispatch(events[i])
		}
	}

	err = multierr.Append(err, l.shutdown())
	l.state.Store(int32(StateStopped))
	log.Logger.Info("loop stopped")
	return err
}

// Stop asks the loop to stop after the current poll iteration. It is safe to call
// from any goroutine and more than once.
func (l *Loop) Stop() {
	if l.state.CompareAndSwap(int32(StateRunning), int32(StateStopping)) {
		_ = l.mux.Wakeup()
		return
	}
	l.state.CompareAndSwap(int32(StateIdle), int32(StateStopping))
}

// shutdown order: every endpoint, then the multiplexer
func (l *Loop) shutdown() error {
	var err error
	for _, ep := range l.registry.Endpoints() {
		if e, ok := l.registry.Lookup(ep); ok {
			err = multierr.Append(err, l.closeEntry(e, nil))
		}
	}
	return multierr.Append(err, l.mux.Close())
}

func (l *Loop) dispatch(ev ReadyEvent) {
	e, ok := l.registry.Lookup(ev.Endpoint)
	if !ok {
		// closed earlier in this iteration
		return
	}
	ep := e.Endpoint

	if ev.Failed {
		// deliver what the peer sent before the error
		if ep.kind == KindStream && !l.drain(e) {
			return
		}
		l.closeEntry(e, &TransportError{Op: "poll", Fd: ep.fd, Err: socketError(ep.fd)})
		return
	}

	switch ep.kind {
	case KindListener:
		if ev.Ready.Has(OpAccept) {
			l.accept(e)
		}
	case KindDatagram:
		if ev.Ready.Has(OpRead) {
			l.receive(e)
		}
	case KindStream:
		if ev.Ready.Has(OpRead) && !l.drain(e) {
			return
		}
		if ev.Ready.Has(OpWrite) {
			l.flush(e)
		}
	}
}

func socketError(fd int) error {
	v, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		return err
	}
	if v == 0 {
		return io.ErrUnexpectedEOF
	}
	return syscall.Errno(v)
}

// accept takes one pending connection off the listener.
func (l *Loop) accept(e *Entry) {
	connFd, sa, err := unix.Accept4(e.Endpoint.fd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
	if err != nil {
		switch {
		case IsTemporaryError(err), errors.Is(err, unix.ECONNABORTED):
			// the peer gave up or another accept got it first
		case errors.Is(err, unix.EMFILE), errors.Is(err, unix.ENFILE), errors.Is(err, unix.ENOBUFS), errors.Is(err, unix.ENOMEM):
			log.Logger.Warn("accept error, out of resources", zap.Error(err))
		default:
			log.Logger.Error("accept error", zap.Error(err))
			l.closeEntry(e, &TransportError{Op: "accept", Fd: e.Endpoint.fd, Err: err})
		}
		return
	}

	ep := &Endpoint{
		fd:     connFd,
		kind:   KindStream,
		remote: sockaddrToAddr(sa, KindStream),
	}
	if local, err := unix.Getsockname(connFd); err == nil {
		ep.local = sockaddrToAddr(local, KindStream)
	}

	if _, err := l.add(ep, OpRead); err != nil {
		log.Logger.Error("register read error", zap.Int("fd", connFd), zap.Error(err))
		_ = CloseFd(connFd)
		return
	}

	log.Logger.Debug("new connection", zap.Int("fd", connFd), zap.Any("remote", ep.remote))

	if h, ok := l.sink.(AcceptHandler); ok {
		h.OnAccept(ep)
	}
}

// drain reads until the socket would block or reports end of stream. It returns
// false if the endpoint was closed.
func (l *Loop) drain(e *Entry) bool {
	ep, in := e.Endpoint, e.In
	for {
		in.Clear()
		n, err := in.ReadFd(ep.fd)
		if n > 0 {
			e.BytesIn += uint64(n)
			in.Flip()
			l.delivering = e
			l.sink.OnData(ep, in.Bytes())
			if l.delivered(e) {
				return false
			}
		}

		switch {
		case err == nil:
			if n == 0 {
				return true
			}
		case IsTemporaryError(err):
			return true
		case errors.Is(err, io.EOF):
			log.Logger.Debug("end of stream", zap.Int("fd", ep.fd))
			l.closeEntry(e, nil)
			return false
		default:
			l.closeEntry(e, &TransportError{Op: "read", Fd: ep.fd, Err: err})
			return false
		}
	}
}

// delivered ends a sink callback that was lent a slice of e.In and reports
// whether the callback closed the endpoint. The buffer of a closed endpoint is
// released here, after the sink is done with it.
func (l *Loop) delivered(e *Entry) bool {
	l.delivering = nil
	if !e.Endpoint.closed {
		return false
	}
	_ = e.release()
	return true
}

// receive delivers queued datagrams until the socket would block.
func (l *Loop) receive(e *Entry) {
	ep, in := e.Endpoint, e.In
	for {
		in.Clear()
		n, sa, err := unix.Recvfrom(ep.fd, in.Bytes(), 0)
		if err != nil {
			if !IsTemporaryError(err) {
				l.closeEntry(e, &TransportError{Op: "recvfrom", Fd: ep.fd, Err: err})
			}
			return
		}

		e.BytesIn += uint64(n)
		_ = in.SetPosition(n)
		in.Flip()

		l.delivering = e
		if ds, ok := l.sink.(DatagramSink); ok {
			ds.OnDatagram(ep, sockaddrToAddr(sa, KindDatagram), in.Bytes())
		} else {
			l.sink.OnData(ep, in.Bytes())
		}
		if l.delivered(e) {
			return
		}
	}
}

// Write sends data on a stream endpoint without blocking. Whatever the socket does
// not take is queued and written when the endpoint reports write-ready. Loop
// goroutine only.
func (l *Loop) Write(ep *Endpoint, data []byte) error {
	e, ok := l.registry.Lookup(ep)
	if !ok {
		return ErrEndpointClosed
	}
	if ep.kind != KindStream {
		return fmt.Errorf("write to %s endpoint: %w", ep.kind, errors.ErrUnsupported)
	}
	if e.closeWrite {
		return fmt.Errorf("write after shutdown: %w", ErrEndpointClosed)
	}
	if e.Pending() > 0 {
		e.enqueue(data)
		return nil
	}

	n, err := unix.Write(ep.fd, data)
	if err != nil {
		if !IsTemporaryError(err) {
			terr := &TransportError{Op: "write", Fd: ep.fd, Err: err}
			l.closeEntry(e, terr)
			return terr
		}
		n = 0
	}
	e.BytesOut += uint64(n)

	if n < len(data) {
		e.enqueue(data[n:])
		return l.setInterest(e, e.Interest|OpWrite)
	}
	return nil
}

// flush writes queued bytes until the queue is empty or the socket would block.
func (l *Loop) flush(e *Entry) {
	ep := e.Endpoint
	for e.Pending() > 0 {
		if _, err := e.writeTo(ep.fd); err != nil {
			if IsTemporaryError(err) {
				return
			}
			l.closeEntry(e, &TransportError{Op: "write", Fd: ep.fd, Err: err})
			return
		}
	}

	if e.closeWrite {
		if err := unix.Shutdown(ep.fd, unix.SHUT_WR); err != nil {
			l.closeEntry(e, &TransportError{Op: "shutdown", Fd: ep.fd, Err: err})
			return
		}
	}
	_ = l.setInterest(e, e.Interest&^OpWrite)
}

func (l *Loop) setInterest(e *Entry, interest Interest) error {
	if e.Interest == interest {
		return nil
	}
	if err := l.mux.UpdateInterest(e.Endpoint, interest); err != nil {
		terr := &TransportError{Op: "update interest", Fd: e.Endpoint.fd, Err: err}
		l.closeEntry(e, terr)
		return terr
	}
	e.Interest = interest
	return nil
}

// SendTo sends one datagram without blocking. Datagrams are never queued: a full
// socket buffer returns ErrWouldBlock and the datagram is dropped. Send errors do
// not close the endpoint.
func (l *Loop) SendTo(ep *Endpoint, data []byte, to net.Addr) error {
	e, ok := l.registry.Lookup(ep)
	if !ok {
		return ErrEndpointClosed
	}
	if ep.kind != KindDatagram {
		return fmt.Errorf("sendto on %s endpoint: %w", ep.kind, errors.ErrUnsupported)
	}
	sa, err := addrToSockaddr(to)
	if err != nil {
		return err
	}

	if err := unix.Sendto(ep.fd, data, 0, sa); err != nil {
		if IsTemporaryError(err) {
			return ErrWouldBlock
		}
		return &TransportError{Op: "sendto", Fd: ep.fd, Err: err}
	}
	e.BytesOut += uint64(len(data))
	return nil
}

// Shutdown half-closes the write side of a stream once its queued bytes are
// written. Reads continue until the peer closes.
func (l *Loop) Shutdown(ep *Endpoint) error {
	e, ok := l.registry.Lookup(ep)
	if !ok {
		return ErrEndpointClosed
	}
	if ep.kind != KindStream {
		return fmt.Errorf("shutdown %s endpoint: %w", ep.kind, errors.ErrUnsupported)
	}
	if e.closeWrite {
		return nil
	}
	e.closeWrite = true
	if e.Pending() > 0 {
		return nil
	}
	if err := unix.Shutdown(ep.fd, unix.SHUT_WR); err != nil {
		terr := &TransportError{Op: "shutdown", Fd: ep.fd, Err: err}
		l.closeEntry(e, terr)
		return terr
	}
	return nil
}

// Close deregisters and closes ep, dropping any queued bytes. Loop goroutine only.
func (l *Loop) Close(ep *Endpoint) error {
	e, ok := l.registry.Lookup(ep)
	if !ok {
		return ErrEndpointClosed
	}
	return l.closeEntry(e, nil)
}

// Entry returns the registry entry of ep. Loop goroutine only.
func (l *Loop) Entry(ep *Endpoint) (*Entry, bool) {
	return l.registry.Lookup(ep)
}

func (l *Loop) closeEntry(e *Entry, cause error) error {
	ep := e.Endpoint
	l.registry.Remove(ep)
	err := multierr.Append(
		l.mux.Deregister(ep),
		os.NewSyscallError("close", CloseFd(ep.fd)),
	)
	ep.closed = true
	if l.delivering != e {
		err = multierr.Append(err, e.release())
	}

	if cause != nil {
		log.Logger.Debug("endpoint closed on error", zap.Stringer("endpoint", ep), zap.Error(cause))
	} else {
		log.Logger.Debug("endpoint closed", zap.Stringer("endpoint", ep),
			zap.Uint64("bytes_in", e.BytesIn), zap.Uint64("bytes_out", e.BytesOut))
	}

	if h, ok := l.sink.(CloseHandler); ok {
		h.OnClose(ep, cause)
	}
	return err
}
