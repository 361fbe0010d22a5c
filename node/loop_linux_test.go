//go:build linux

package node

import (
	"bytes"
	"context"
	"crypto/rand"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

type closeEvent struct {
	ep  *Endpoint
	err error
}

// recorder copies everything the loop hands it onto channels.
type recorder struct {
	data    chan []byte
	accepts chan *Endpoint
	closes  chan closeEvent
}

func newRecorder() *recorder {
	return &recorder{
		data:    make(chan []byte, 1024),
		accepts: make(chan *Endpoint, 64),
		closes:  make(chan closeEvent, 64),
	}
}

func (r *recorder) OnData(ep *Endpoint, data []byte) {
	r.data <- append([]byte(nil), data...)
}

func (r *recorder) OnAccept(ep *Endpoint) {
	r.accepts <- ep
}

func (r *recorder) OnClose(ep *Endpoint, err error) {
	r.closes <- closeEvent{ep: ep, err: err}
}

// echoRecorder echoes data and records accepts and closes.
type echoRecorder struct {
	*recorder
	loop *Loop
}

func (s echoRecorder) OnData(ep *Endpoint, data []byte) {
	_ = s.loop.Write(ep, data)
}

func (r *recorder) readN(t *testing.T, n int) []byte {
	t.Helper()
	var got []byte
	deadline := time.After(5 * time.Second)
	for len(got) < n {
		select {
		case b := <-r.data:
			got = append(got, b...)
		case <-deadline:
			t.Fatalf("got %d of %d bytes", len(got), n)
		}
	}
	return got
}

func waitFor[T any](t *testing.T, ch chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(5 * time.Second):
		t.Fatal("timed out")
	}
	var zero T
	return zero
}

func assertQuiet[T any](t *testing.T, ch chan T) {
	t.Helper()
	select {
	case v := <-ch:
		t.Fatalf("unexpected event %v", v)
	case <-time.After(100 * time.Millisecond):
	}
}

type runningLoop struct {
	*Loop
	addr net.Addr
	done chan struct{}
	err  error
}

// startLoop listens on a loopback port and runs the loop until the test ends.
func startLoop(t *testing.T, network string, cfg LoopConfig, sink func(*Loop) Sink) *runningLoop {
	t.Helper()
	l, err := NewLoop(cfg)
	require.NoError(t, err)

	ep, err := l.Listen(network, "127.0.0.1:0")
	require.NoError(t, err)
	l.SetSink(sink(l))

	ctx, cancel := context.WithCancel(context.Background())
	rl := &runningLoop{Loop: l, addr: ep.LocalAddr(), done: make(chan struct{})}
	go func() {
		rl.err = l.Run(ctx)
		close(rl.done)
	}()

	t.Cleanup(func() {
		cancel()
		select {
		case <-rl.done:
		case <-time.After(5 * time.Second):
			t.Error("loop did not stop")
		}
	})
	return rl
}

func dial(t *testing.T, addr net.Addr) net.Conn {
	t.Helper()
	conn, err := net.DialTimeout(addr.Network(), addr.String(), 5*time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestLoopAcceptAndRead(t *testing.T) {
	rec := newRecorder()
	rl := startLoop(t, "tcp", LoopConfig{BufferSize: 1024}, func(*Loop) Sink { return rec })

	conn := dial(t, rl.addr)
	ep := waitFor(t, rec.accepts)
	assert.Equal(t, KindStream, ep.Kind())
	assert.Equal(t, conn.LocalAddr().String(), ep.RemoteAddr().String())

	// nothing is read before the peer sends
	assertQuiet(t, rec.data)

	_, err := conn.Write([]byte("hello world"))
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(rec.readN(t, 11)))

	require.NoError(t, conn.Close())
	ev := waitFor(t, rec.closes)
	assert.Same(t, ep, ev.ep)
	assert.NoError(t, ev.err)
	assert.True(t, ep.Closed())

	assertQuiet(t, rec.data)
	assertQuiet(t, rec.closes)
}

func TestLoopOneAcceptPerConnection(t *testing.T) {
	rec := newRecorder()
	rl := startLoop(t, "tcp", LoopConfig{}, func(*Loop) Sink { return rec })

	for i := 0; i < 3; i++ {
		dial(t, rl.addr)
	}
	seen := make(map[int]bool)
	for i := 0; i < 3; i++ {
		ep := waitFor(t, rec.accepts)
		assert.False(t, seen[ep.Fd()])
		seen[ep.Fd()] = true
	}
	assertQuiet(t, rec.accepts)
}

func TestLoopSmallBufferDrainsEverything(t *testing.T) {
	rec := newRecorder()
	rl := startLoop(t, "tcp", LoopConfig{BufferSize: 7, DirectBuffers: true}, func(*Loop) Sink { return rec })

	conn := dial(t, rl.addr)
	payload := bytes.Repeat([]byte("abcdefghij"), 100)
	_, err := conn.Write(payload)
	require.NoError(t, err)

	assert.Equal(t, payload, rec.readN(t, len(payload)))
}

func TestLoopEchoLargePayload(t *testing.T) {
	rl := startLoop(t, "tcp", LoopConfig{BufferSize: 16 * 1024}, func(l *Loop) Sink { return EchoSink{Loop: l} })

	conn := dial(t, rl.addr)
	payload := make([]byte, 8<<20)
	_, err := rand.Read(payload)
	require.NoError(t, err)

	// the echo outruns the reader, so the loop has to queue and escalate to write-ready
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, err := conn.Write(payload)
		assert.NoError(t, err)
	}()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(30*time.Second)))
	got := make([]byte, len(payload))
	_, err = io.ReadFull(conn, got)
	require.NoError(t, err)
	wg.Wait()
	assert.True(t, bytes.Equal(payload, got))
}

func TestLoopShutdownAfterReply(t *testing.T) {
	rl := startLoop(t, "tcp", LoopConfig{}, func(l *Loop) Sink {
		return SinkFunc(func(ep *Endpoint, data []byte) {
			assert.NoError(t, l.Write(ep, []byte("received")))
			assert.NoError(t, l.Shutdown(ep))
			assert.Error(t, l.Write(ep, []byte("late")))
		})
	})

	conn := dial(t, rl.addr)
	_, err := conn.Write([]byte("file contents"))
	require.NoError(t, err)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	reply, err := io.ReadAll(conn)
	require.NoError(t, err)
	assert.Equal(t, "received", string(reply))
}

func TestLoopCloseFromSink(t *testing.T) {
	rec := newRecorder()
	rl := startLoop(t, "tcp", LoopConfig{}, func(l *Loop) Sink {
		return SinkFunc(func(ep *Endpoint, data []byte) {
			assert.NoError(t, l.Close(ep))
			assert.ErrorIs(t, l.Close(ep), ErrEndpointClosed)
			assert.ErrorIs(t, l.Write(ep, data), ErrEndpointClosed)
			rec.data <- data
		})
	})

	conn := dial(t, rl.addr)
	_, err := conn.Write([]byte("bye"))
	require.NoError(t, err)
	waitFor(t, rec.data)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, err = conn.Read(make([]byte, 1))
	assert.Error(t, err)
}

func TestLoopCloseFromSinkDirectBuffer(t *testing.T) {
	got := make(chan string, 4)
	rl := startLoop(t, "tcp", LoopConfig{DirectBuffers: true}, func(l *Loop) Sink {
		return SinkFunc(func(ep *Endpoint, data []byte) {
			assert.NoError(t, l.Close(ep))
			// data stays readable until the callback returns
			got <- string(data)
		})
	})

	for _, msg := range []string{"bye", "bye again"} {
		conn := dial(t, rl.addr)
		_, err := conn.Write([]byte(msg))
		require.NoError(t, err)
		assert.Equal(t, msg, waitFor(t, got))
	}
	assert.Equal(t, StateRunning, rl.State())
	assert.Equal(t, 1, len(rl.Addrs()))
}

func TestLoopDatagramCloseFromSinkDirectBuffer(t *testing.T) {
	got := make(chan string, 1)
	rl := startLoop(t, "udp", LoopConfig{DirectBuffers: true}, func(l *Loop) Sink {
		return SinkFunc(func(ep *Endpoint, data []byte) {
			assert.NoError(t, l.Close(ep))
			got <- string(data)
		})
	})

	conn := dial(t, rl.addr)
	_, err := conn.Write([]byte("last datagram"))
	require.NoError(t, err)
	assert.Equal(t, "last datagram", waitFor(t, got))
}

func TestLoopResetClosesOnlyThatConnection(t *testing.T) {
	rec := newRecorder()
	rl := startLoop(t, "tcp", LoopConfig{}, func(l *Loop) Sink { return echoRecorder{recorder: rec, loop: l} })

	reset := dial(t, rl.addr).(*net.TCPConn)
	victim := waitFor(t, rec.accepts)
	require.NoError(t, reset.SetLinger(0))
	require.NoError(t, reset.Close())

	ev := waitFor(t, rec.closes)
	assert.Same(t, victim, ev.ep)
	var terr *TransportError
	assert.ErrorAs(t, ev.err, &terr)
	assert.ErrorIs(t, ev.err, unix.ECONNRESET)
	assert.Equal(t, StateRunning, rl.State())

	conn := dial(t, rl.addr)
	waitFor(t, rec.accepts)
	_, err := conn.Write([]byte("still serving"))
	require.NoError(t, err)
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	got := make([]byte, len("still serving"))
	_, err = io.ReadFull(conn, got)
	require.NoError(t, err)
	assert.Equal(t, "still serving", string(got))
	assertQuiet(t, rec.closes)
}

func TestLoopDeliversDataBeforeReset(t *testing.T) {
	rec := newRecorder()
	rl := startLoop(t, "tcp", LoopConfig{}, func(*Loop) Sink { return rec })

	conn := dial(t, rl.addr).(*net.TCPConn)
	waitFor(t, rec.accepts)
	_, err := conn.Write([]byte("last words"))
	require.NoError(t, err)
	require.NoError(t, conn.SetLinger(0))
	require.NoError(t, conn.Close())

	assert.Equal(t, "last words", string(rec.readN(t, 10)))
	ev := waitFor(t, rec.closes)
	var terr *TransportError
	assert.ErrorAs(t, ev.err, &terr)
}

func TestLoopMultiplexerFailure(t *testing.T) {
	rec := newRecorder()
	l, err := NewLoop(LoopConfig{PollTimeout: 10 * time.Millisecond})
	require.NoError(t, err)
	ln, err := l.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	l.SetSink(rec)

	done := make(chan error, 1)
	go func() { done <- l.Run(context.Background()) }()
	require.Eventually(t, func() bool { return l.State() == StateRunning }, 5*time.Second, time.Millisecond)

	// the next epoll_wait fails with EBADF
	require.NoError(t, unix.Close(l.mux.epollFd))

	err = waitFor(t, done)
	var merr *MultiplexerError
	require.ErrorAs(t, err, &merr)
	assert.Equal(t, "epoll_wait", merr.Op)
	assert.ErrorIs(t, err, unix.EBADF)
	assert.Equal(t, StateStopped, l.State())

	ev := waitFor(t, rec.closes)
	assert.Same(t, ln, ev.ep)
	assert.True(t, ln.Closed())
}

func TestLoopDatagramEcho(t *testing.T) {
	rl := startLoop(t, "udp", LoopConfig{}, func(l *Loop) Sink { return EchoSink{Loop: l} })
	assert.Equal(t, "udp", rl.addr.Network())

	conn := dial(t, rl.addr)
	_, err := conn.Write([]byte("hello,world"))
	require.NoError(t, err)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	buf := make([]byte, 64)
	n, err := conn.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "hello,world", string(buf[:n]))
}

func TestLoopDatagramWithoutDatagramSink(t *testing.T) {
	rec := newRecorder()
	rl := startLoop(t, "udp", LoopConfig{}, func(*Loop) Sink { return SinkFunc(rec.OnData) })

	conn := dial(t, rl.addr)
	_, err := conn.Write([]byte("ping"))
	require.NoError(t, err)
	assert.Equal(t, "ping", string(waitFor(t, rec.data)))
}

func TestLoopStop(t *testing.T) {
	rec := newRecorder()
	rl := startLoop(t, "tcp", LoopConfig{PollTimeout: -1}, func(*Loop) Sink { return rec })

	conn := dial(t, rl.addr)
	waitFor(t, rec.accepts)
	assert.Equal(t, StateRunning, rl.State())

	rl.Stop()
	rl.Stop()
	waitFor(t, rl.done)
	assert.NoError(t, rl.err)
	assert.Equal(t, StateStopped, rl.State())

	// both the listener and the connection were closed
	closed := 0
	for len(rec.closes) > 0 {
		<-rec.closes
		closed++
	}
	assert.Equal(t, 2, closed)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, err := conn.Read(make([]byte, 1))
	assert.Error(t, err)

	assert.ErrorIs(t, rl.Run(context.Background()), ErrLoopStarted)
}

func TestLoopStopBeforeRun(t *testing.T) {
	l, err := NewLoop(LoopConfig{})
	require.NoError(t, err)
	_, err = l.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	l.Stop()
	assert.NoError(t, l.Run(context.Background()))
	assert.Equal(t, StateStopped, l.State())
}

func TestNewLoopInvalidBufferSize(t *testing.T) {
	_, err := NewLoop(LoopConfig{BufferSize: -1})
	assert.Error(t, err)
}

func TestLoopListenErrors(t *testing.T) {
	l, err := NewLoop(LoopConfig{})
	require.NoError(t, err)
	defer l.mux.Close()

	_, err = l.Listen("unix", "/tmp/x")
	assert.Error(t, err)
	_, err = l.Listen("tcp", "not an address")
	assert.Error(t, err)

	ep, err := l.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	assert.Equal(t, []net.Addr{ep.LocalAddr()}, l.Addrs())

	_, err = l.Listen("tcp", ep.LocalAddr().String())
	assert.Error(t, err)
}
