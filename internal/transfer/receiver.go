package transfer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rudransh-shrivastava/tftp-it/internal/packet"
	"github.com/rudransh-shrivastava/tftp-it/internal/transport"
)

// Receiver is the DATA-receiving side of a transfer: the server on a write
// request, the client on a read request.
type Receiver struct {
	cfg    Config
	window *RecvWindow
	state  State

	base    uint16 // last acknowledged block
	retries int

	// initial is a DATA packet the caller already read off the socket
	// during negotiation (an optionless server answers a read request
	// with the first DATA block directly).
	initial *packet.Data
}

func NewReceiver(cfg Config, dst Sink) *Receiver {
	cfg.fill()
	return &Receiver{
		cfg:    cfg,
		window: NewRecvWindow(cfg.Params.WindowSize, dst),
		state:  StateNegotiating,
	}
}

// Feed hands the receiver a DATA packet that arrived as the negotiation
// reply. It is processed before anything is read from the socket.
func (r *Receiver) Feed(d *packet.Data) {
	r.initial = d
}

func (r *Receiver) State() State {
	return r.state
}

// Run drives the transfer to a terminal state. It returns nil once the
// final short block has been flushed and acknowledged.
func (r *Receiver) Run(ctx context.Context) error {
	r.cfg.Events.Started()

	err := r.run(ctx)
	if err != nil {
		r.state = StateFailed
		r.cfg.Events.Failed(err)
		return err
	}

	r.state = StateCompleted
	r.cfg.Events.Completed(r.window.Written())
	return nil
}

func (r *Receiver) run(ctx context.Context) error {
	if r.cfg.Greeting != nil {
		if err := r.send(r.cfg.Greeting); err != nil {
			return err
		}
	}

	if r.initial != nil {
		done, err := r.handleData(r.initial)
		if err != nil || done {
			return err
		}
	}

	deadline := time.Now().Add(r.cfg.Params.Timeout)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		p, err := r.receive(deadline)
		if errors.Is(err, transport.ErrTimeout) {
			r.retries++
			if r.retries >= r.cfg.MaxRetries {
				return ErrRetriesExhausted
			}
			// Re-offer whatever the peer last missed: the negotiation
			// reply if data never started flowing, the cumulative ACK
			// otherwise. That prompts a full-window resend.
			if r.state == StateNegotiating && r.cfg.Greeting != nil {
				err = r.send(r.cfg.Greeting)
			} else {
				err = r.send(&packet.Ack{Block: r.base})
			}
			if err != nil {
				return err
			}
			deadline = time.Now().Add(r.cfg.Params.Timeout)
			continue
		}
		if err != nil {
			return err
		}

		switch p := p.(type) {
		case *packet.Data:
			done, err := r.handleData(p)
			if err != nil || done {
				return err
			}
			deadline = time.Now().Add(r.cfg.Params.Timeout)
		case *packet.Error:
			return &PeerError{Code: p.Code, Message: p.Message}
		default:
			sendError(r.cfg.Conn, r.cfg.Peer, packet.ErrIllegalOperation, "expected DATA")
			return fmt.Errorf("%w: %s while awaiting DATA", ErrProtocol, p.Op())
		}
	}
}

// handleData files one DATA packet into the window. It reports done=true
// once the final short block has been flushed and acknowledged.
func (r *Receiver) handleData(p *packet.Data) (bool, error) {
	if len(p.Payload) > r.cfg.Params.BlockSize {
		sendError(r.cfg.Conn, r.cfg.Peer, packet.ErrIllegalOperation, "oversized block")
		return false, fmt.Errorf("%w: DATA block %d carries %d bytes, negotiated blksize is %d",
			ErrProtocol, p.Block, len(p.Payload), r.cfg.Params.BlockSize)
	}

	switch pos := dataPos(r.base, p.Block, r.window.Len()); {
	case pos == 0:
		// Duplicate of an acknowledged or buffered block. The timeout
		// path re-acks; replying here would amplify traffic.
		r.cfg.Logger.Debugf("Ignoring duplicate DATA block %d", p.Block)
		return false, nil
	case pos < 0:
		sendError(r.cfg.Conn, r.cfg.Peer, packet.ErrIllegalOperation, "block out of order")
		return false, fmt.Errorf("%w: DATA block %d opens a gap after block %d",
			ErrProtocol, p.Block, r.base+uint16(r.window.Len()))
	}

	r.state = StateTransferring
	if err := r.window.Add(p.Payload); err != nil {
		return false, err
	}

	final := len(p.Payload) < r.cfg.Params.BlockSize
	if !final && !r.window.Full() {
		return false, nil
	}

	flushed := r.window.Len()
	if err := r.window.Flush(); err != nil {
		sendError(r.cfg.Conn, r.cfg.Peer, packet.ErrDiskFull, "write failed")
		return false, fmt.Errorf("writing sink: %w", err)
	}
	r.base += uint16(flushed)
	r.retries = 0

	if err := r.send(&packet.Ack{Block: r.base}); err != nil {
		return false, err
	}
	r.cfg.Logger.Debugf("Acknowledged through block %d", r.base)

	return final, nil
}

func (r *Receiver) send(p packet.Packet) error {
	return r.cfg.Conn.Send(r.cfg.Peer, packet.Encode(p))
}

// receive reads the next well-formed packet from the session's peer before
// the deadline, answering unknown TIDs with ERROR 5 and dropping malformed
// datagrams.
func (r *Receiver) receive(deadline time.Time) (packet.Packet, error) {
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, transport.ErrTimeout
		}

		addr, buf, err := r.cfg.Conn.ReceiveTimeout(remaining)
		if err != nil {
			return nil, err
		}

		if addr.String() != r.cfg.Peer.String() {
			r.cfg.Logger.Debugf("Datagram from unknown TID %s, replying with ERROR 5", addr)
			sendError(r.cfg.Conn, addr, packet.ErrUnknownTransferID, "unknown transfer ID")
			continue
		}

		p, err := packet.Decode(buf)
		if err != nil {
			r.cfg.Logger.Debugf("Dropping malformed packet from %s: %v", addr, err)
			continue
		}
		return p, nil
	}
}
