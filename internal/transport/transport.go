// Package transport is a thin shim over a UDP socket: send to an address,
// receive with a deadline, and an injectable drop hook for exercising the
// retry paths in tests.
package transport

import (
	"errors"
	"net"
	"time"

	"github.com/rudransh-shrivastava/tftp-it/internal/packet"
)

// ErrTimeout is returned by ReceiveTimeout when no datagram arrives before
// the deadline.
var ErrTimeout = errors.New("receive timed out")

type Direction int

const (
	Outgoing Direction = iota
	Incoming
)

func (d Direction) String() string {
	if d == Outgoing {
		return "OUTGOING"
	}
	return "INCOMING"
}

// DropFunc decides whether to discard a datagram before it reaches the
// socket (Outgoing) or the caller (Incoming). It must only drop or pass,
// never mutate. A nil DropFunc means every datagram goes through; the hook
// is fixed at construction so production sends take no branch beyond a nil
// check.
type DropFunc func(dir Direction, payload []byte) bool

type Conn struct {
	pc   *net.UDPConn
	drop DropFunc
	buf  []byte
}

// Listen binds a UDP socket. addr ":0" picks an ephemeral port, which is
// how every transfer socket beyond the server's well-known port is bound.
func Listen(addr string, drop DropFunc) (*Conn, error) {
	laddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, err
	}
	pc, err := net.ListenUDP("udp", laddr)
	if err != nil {
		return nil, err
	}
	return &Conn{
		pc:   pc,
		drop: drop,
		buf:  make([]byte, packet.MaxDatagramSize),
	}, nil
}

func (c *Conn) LocalAddr() net.Addr {
	return c.pc.LocalAddr()
}

func (c *Conn) Send(addr net.Addr, payload []byte) error {
	if c.drop != nil && c.drop(Outgoing, payload) {
		return nil
	}
	_, err := c.pc.WriteTo(payload, addr)
	return err
}

// Receive blocks until a datagram arrives or the socket is closed.
func (c *Conn) Receive() (net.Addr, []byte, error) {
	return c.receive(time.Time{})
}

// ReceiveTimeout waits up to d for a datagram. A dropped incoming datagram
// does not reset the wait: the receive keeps going until the original
// deadline.
func (c *Conn) ReceiveTimeout(d time.Duration) (net.Addr, []byte, error) {
	return c.receive(time.Now().Add(d))
}

func (c *Conn) receive(deadline time.Time) (net.Addr, []byte, error) {
	for {
		if err := c.pc.SetReadDeadline(deadline); err != nil {
			return nil, nil, err
		}
		n, addr, err := c.pc.ReadFromUDP(c.buf)
		if err != nil {
			var nerr net.Error
			if errors.As(err, &nerr) && nerr.Timeout() {
				return nil, nil, ErrTimeout
			}
			return nil, nil, err
		}
		payload := make([]byte, n)
		copy(payload, c.buf[:n])
		if c.drop != nil && c.drop(Incoming, payload) {
			continue
		}
		return addr, payload, nil
	}
}

func (c *Conn) Close() error {
	return c.pc.Close()
}
