package link

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/hujun-open/etherconn"
)

// PipeAddr is the address of a PipeConn
type PipeAddr string

// Network implements net.Addr interface
func (a PipeAddr) Network() string {
	return "pipe"
}

func (a PipeAddr) String() string {
	return string(a)
}

// ErrPipeFull is returned by WriteTo when the peer's receive queue is full, the frame is dropped
var ErrPipeFull = errors.New("pipe is full")

const pipeDepth = 128

// PipeConn is one end of an in-memory frame pipe, implements net.PacketConn;
// ReadFrom returns etherconn.ErrTimeOut when the read deadline expires
type PipeConn struct {
	local, remote     PipeAddr
	in, out           chan []byte
	closed, peer      chan struct{}
	closeOnce         *sync.Once
	readDeadline      time.Time
	readDeadlineLock  *sync.RWMutex
	writeDeadline     time.Time
	writeDeadlineLock *sync.RWMutex
	dropFunc          func([]byte) bool
	sent              uint64
	mux               *sync.Mutex
}

// NewPipe returns two connected PipeConn(s) named a and b
func NewPipe(a, b string) (*PipeConn, *PipeConn) {
	ab := make(chan []byte, pipeDepth)
	ba := make(chan []byte, pipeDepth)
	aClosed := make(chan struct{})
	bClosed := make(chan struct{})
	newEnd := func(local, remote string, in, out chan []byte, closed, peer chan struct{}) *PipeConn {
		return &PipeConn{
			local:             PipeAddr(local),
			remote:            PipeAddr(remote),
			in:                in,
			out:               out,
			closed:            closed,
			peer:              peer,
			closeOnce:         new(sync.Once),
			readDeadlineLock:  new(sync.RWMutex),
			writeDeadlineLock: new(sync.RWMutex),
			mux:               new(sync.Mutex),
		}
	}
	return newEnd(a, b, ba, ab, aClosed, bClosed), newEnd(b, a, ab, ba, bClosed, aClosed)
}

// SetDropFunc sets a function called for every frame written, the frame is silently dropped if it returns true
func (c *PipeConn) SetDropFunc(f func(frame []byte) bool) {
	c.mux.Lock()
	c.dropFunc = f
	c.mux.Unlock()
}

// Sent returns number of frames written to peer, dropped ones excluded
func (c *PipeConn) Sent() uint64 {
	c.mux.Lock()
	defer c.mux.Unlock()
	return c.sent
}

// ReadFrom implements net.PacketConn interface
func (c *PipeConn) ReadFrom(p []byte) (int, net.Addr, error) {
	c.readDeadlineLock.RLock()
	deadline := c.readDeadline
	c.readDeadlineLock.RUnlock()
	var timeout <-chan time.Time
	if !deadline.IsZero() {
		timer := time.NewTimer(time.Until(deadline))
		defer timer.Stop()
		timeout = timer.C
	}
	select {
	case b := <-c.in:
		return copy(p, b), c.remote, nil
	case <-c.closed:
		return 0, nil, net.ErrClosed
	case <-timeout:
		return 0, nil, etherconn.ErrTimeOut
	}
}

// WriteTo implements net.PacketConn interface, addr is ignored
func (c *PipeConn) WriteTo(p []byte, addr net.Addr) (int, error) {
	select {
	case <-c.closed:
		return 0, net.ErrClosed
	case <-c.peer:
		return 0, fmt.Errorf("peer %v is closed, %w", c.remote, net.ErrClosed)
	default:
	}
	c.mux.Lock()
	drop := c.dropFunc
	c.mux.Unlock()
	if drop != nil && drop(p) {
		return len(p), nil
	}
	b := append([]byte(nil), p...)
	select {
	case c.out <- b:
		c.mux.Lock()
		c.sent++
		c.mux.Unlock()
		return len(p), nil
	default:
		return 0, ErrPipeFull
	}
}

// Close implements net.PacketConn interface
func (c *PipeConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

// LocalAddr implements net.PacketConn interface
func (c *PipeConn) LocalAddr() net.Addr {
	return c.local
}

// RemoteAddr returns the address of the other end
func (c *PipeConn) RemoteAddr() net.Addr {
	return c.remote
}

// SetDeadline implements net.PacketConn interface
func (c *PipeConn) SetDeadline(t time.Time) error {
	c.SetWriteDeadline(t)
	return c.SetReadDeadline(t)
}

// SetReadDeadline implements net.PacketConn interface
func (c *PipeConn) SetReadDeadline(t time.Time) error {
	c.readDeadlineLock.Lock()
	c.readDeadline = t
	c.readDeadlineLock.Unlock()
	return nil
}

// SetWriteDeadline implements net.PacketConn interface, writes never block so it is only recorded
func (c *PipeConn) SetWriteDeadline(t time.Time) error {
	c.writeDeadlineLock.Lock()
	c.writeDeadline = t
	c.writeDeadlineLock.Unlock()
	return nil
}
