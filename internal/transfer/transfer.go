// Package transfer drives a single TFTP transfer through negotiation, the
// windowed data loop, retransmission and terminal success or failure. One
// Sender or Receiver instance exclusively owns all state for its session.
package transfer

import (
	"errors"
	"fmt"
	"net"

	"github.com/sirupsen/logrus"

	"github.com/rudransh-shrivastava/tftp-it/internal/logger"
	"github.com/rudransh-shrivastava/tftp-it/internal/options"
	"github.com/rudransh-shrivastava/tftp-it/internal/packet"
	"github.com/rudransh-shrivastava/tftp-it/internal/transport"
)

const DefaultMaxRetries = 5

type State int

const (
	StateNegotiating State = iota
	StateTransferring
	StateCompleted
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateNegotiating:
		return "NEGOTIATING"
	case StateTransferring:
		return "TRANSFERRING"
	case StateCompleted:
		return "COMPLETED"
	case StateFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

var (
	// ErrRetriesExhausted means the peer stopped responding; no ERROR
	// packet is sent, the peer is presumed gone.
	ErrRetriesExhausted = errors.New("retries exhausted")

	// ErrProtocol marks a violation by the peer: an unexpected opcode, an
	// out-of-window block, an oversized payload.
	ErrProtocol = errors.New("protocol violation")
)

// PeerError is an ERROR packet received from the peer. Fatal for the
// session, no reply is sent.
type PeerError struct {
	Code    packet.ErrorCode
	Message string
}

func (e *PeerError) Error() string {
	return fmt.Sprintf("peer error %d (%s): %s", uint16(e.Code), e.Code, e.Message)
}

// Events receives session lifecycle notifications, for logging and
// journaling. Implementations must not block.
type Events interface {
	Started()
	Completed(bytes int64)
	Failed(err error)
}

type nopEvents struct{}

func (nopEvents) Started()              {}
func (nopEvents) Completed(bytes int64) {}
func (nopEvents) Failed(err error)      {}

// Config configures a Sender or Receiver.
type Config struct {
	Conn   *transport.Conn
	Peer   net.Addr
	Params options.Params

	// MaxRetries bounds consecutive timeouts before the transfer fails.
	// Zero means DefaultMaxRetries.
	MaxRetries int

	Logger *logrus.Logger
	Events Events

	// Greeting is the negotiation reply this endpoint owes the peer (the
	// server's OACK, or ACK(0) for an optionless write request). It is
	// sent on startup and resent on timeout until the peer makes first
	// contact. nil when the caller finished negotiation itself.
	Greeting packet.Packet
}

func (c *Config) fill() {
	if c.MaxRetries <= 0 {
		c.MaxRetries = DefaultMaxRetries
	}
	if c.Logger == nil {
		c.Logger = logger.NewLogger()
	}
	if c.Events == nil {
		c.Events = nopEvents{}
	}
}

// ackDelta reports how many of the inFlight blocks after base a cumulative
// ACK for block n retires. Comparison is modulo 2^16: a block is only ahead
// of base relative to the current window, never by raw integer order.
// Duplicate or stale ACKs yield 0.
func ackDelta(base, n uint16, inFlight int) int {
	d := n - base
	if d == 0 || int(d) > inFlight {
		return 0
	}
	return int(d)
}

// dataPos classifies an incoming DATA block number against base (the last
// acknowledged block) and the number of blocks already buffered. It returns
// the 1-based window position when the block is the next expected one, 0
// when it duplicates an acknowledged or buffered block, and -1 when it
// opens a gap, which this engine never produces and treats as a violation.
func dataPos(base, n uint16, buffered int) int {
	d := n - base
	switch {
	case d == 0 || d > 0x8000:
		return 0
	case int(d) <= buffered:
		return 0
	case int(d) == buffered+1:
		return int(d)
	default:
		return -1
	}
}

// sendError fires an ERROR packet at the peer, best effort.
func sendError(conn *transport.Conn, peer net.Addr, code packet.ErrorCode, msg string) {
	_ = conn.Send(peer, packet.Encode(&packet.Error{Code: code, Message: msg}))
}
