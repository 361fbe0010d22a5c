//go:build linux

package node

import (
	"time"

	"github.com/eapache/queue"
	"github.com/fzft/go-nio-pump/buffer"
	"golang.org/x/sys/unix"
)

// maxIovecs bounds the chunks gathered into a single writev (IOV_MAX on Linux).
const maxIovecs = 1024

// Entry is the loop's state for one registered endpoint.
type Entry struct {
	Endpoint *Endpoint
	Interest Interest
	// In is the inbound buffer, reused for every read on the endpoint.
	In       *buffer.ByteBuffer
	BytesIn  uint64
	BytesOut uint64
	Since    time.Time

	out        *queue.Queue // of *buffer.ByteBuffer, head may be partially written
	pending    int
	iovs       [][]byte
	closeWrite bool
}

// Pending returns the number of queued outbound bytes.
func (e *Entry) Pending() int {
	return e.pending
}

// enqueue copies p to the tail of the outbound queue.
func (e *Entry) enqueue(p []byte) {
	if len(p) == 0 {
		return
	}
	if e.out == nil {
		e.out = queue.New()
	}
	e.out.Add(buffer.Wrap(append([]byte(nil), p...)))
	e.pending += len(p)
}

// gather returns the head of the outbound queue as iovecs for writev.
func (e *Entry) gather() [][]byte {
	e.iovs = e.iovs[:0]
	if e.out == nil {
		return e.iovs
	}
	n := e.out.Length()
	if n > maxIovecs {
		n = maxIovecs
	}
	for i := 0; i < n; i++ {
		e.iovs = append(e.iovs, e.out.Get(i).(*buffer.ByteBuffer).Bytes())
	}
	return e.iovs
}

// consume drops n written bytes from the head of the outbound queue.
func (e *Entry) consume(n int) {
	e.pending -= n
	e.BytesOut += uint64(n)
	for n > 0 && e.out.Length() > 0 {
		head := e.out.Peek().(*buffer.ByteBuffer)
		if head.Remaining() > n {
			_ = head.SetPosition(head.Position() + n)
			return
		}
		n -= head.Remaining()
		e.out.Remove()
	}
}

// writeTo writes the head of the outbound queue to fd, a lone chunk with write and
// several with one writev, and drops what the socket accepted.
func (e *Entry) writeTo(fd int) (int, error) {
	if e.out == nil || e.out.Length() == 0 {
		return 0, nil
	}
	if e.out.Length() == 1 {
		head := e.out.Peek().(*buffer.ByteBuffer)
		n, err := head.WriteFd(fd)
		if err != nil {
			return 0, err
		}
		e.pending -= n
		e.BytesOut += uint64(n)
		if !head.HasRemaining() {
			e.out.Remove()
		}
		return n, nil
	}

	n, err := unix.Writev(fd, e.gather())
	if err != nil {
		return 0, err
	}
	e.consume(n)
	return n, nil
}

// release frees the inbound buffer. Safe to call more than once.
func (e *Entry) release() error {
	if e.In == nil {
		return nil
	}
	return e.In.Free()
}

// Registry maps registered endpoints to their entries. It is owned by a single
// loop and is not safe for concurrent use.
type Registry struct {
	entries map[int]*Entry
}

func NewRegistry() *Registry {
	return &Registry{
		entries: make(map[int]*Entry),
	}
}

// Add creates the entry for ep. It fails if the fd already has an entry.
func (r *Registry) Add(ep *Endpoint, interest Interest, in *buffer.ByteBuffer) (*Entry, error) {
	if _, ok := r.entries[ep.fd]; ok {
		return nil, ErrAlreadyRegistered
	}
	e := &Entry{
		Endpoint: ep,
		Interest: interest,
		In:       in,
		Since:    time.Now(),
	}
	r.entries[ep.fd] = e
	return e, nil
}

// Lookup returns the entry of ep, ignoring stale entries for a reused fd.
func (r *Registry) Lookup(ep *Endpoint) (*Entry, bool) {
	e, ok := r.entries[ep.fd]
	if !ok || e.Endpoint != ep {
		return nil, false
	}
	return e, true
}

// Remove deletes the entry of ep. The inbound buffer stays allocated until the
// entry is released, since a sink callback may still hold a slice of it.
func (r *Registry) Remove(ep *Endpoint) (*Entry, bool) {
	e, ok := r.Lookup(ep)
	if !ok {
		return nil, false
	}
	delete(r.entries, ep.fd)
	return e, true
}

func (r *Registry) Len() int {
	return len(r.entries)
}

// Endpoints returns a snapshot of the registered endpoints.
func (r *Registry) Endpoints() []*Endpoint {
	eps := make([]*Endpoint, 0, len(r.entries))
	for _, e := range r.entries {
		eps = append(eps, e.Endpoint)
	}
	return eps
}
