package transfer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rudransh-shrivastava/tftp-it/internal/packet"
	"github.com/rudransh-shrivastava/tftp-it/internal/transport"
)

// Sender is the DATA-sending side of a transfer: the server on a read
// request, the client on a write request.
type Sender struct {
	cfg    Config
	window *SendWindow
	state  State

	base    uint16 // last acknowledged block
	retries int
	sent    int64 // payload bytes acknowledged so far
}

func NewSender(cfg Config, src Source) *Sender {
	cfg.fill()
	return &Sender{
		cfg:    cfg,
		window: NewSendWindow(cfg.Params.WindowSize, cfg.Params.BlockSize, src),
		state:  StateNegotiating,
	}
}

func (s *Sender) State() State {
	return s.state
}

// Run drives the transfer to a terminal state. It returns nil once the
// final short block has been acknowledged.
func (s *Sender) Run(ctx context.Context) error {
	s.cfg.Events.Started()

	err := s.run(ctx)
	if err != nil {
		s.state = StateFailed
		s.cfg.Events.Failed(err)
		return err
	}

	s.state = StateCompleted
	s.cfg.Events.Completed(s.sent)
	return nil
}

func (s *Sender) run(ctx context.Context) error {
	if s.cfg.Greeting != nil {
		if err := s.awaitHello(ctx); err != nil {
			return err
		}
	}
	s.state = StateTransferring

	for {
		if err := s.window.Fill(); err != nil {
			sendError(s.cfg.Conn, s.cfg.Peer, packet.ErrAccessViolation, "read failed")
			return fmt.Errorf("reading source: %w", err)
		}
		if s.window.Done() {
			return nil
		}
		if err := s.sendWindow(); err != nil {
			return err
		}
		if err := s.awaitAck(ctx); err != nil {
			return err
		}
	}
}

// awaitHello sends the OACK and waits for the peer's ACK(0) before any data
// flows, resending the OACK on timeout.
func (s *Sender) awaitHello(ctx context.Context) error {
	for {
		if err := s.send(s.cfg.Greeting); err != nil {
			return err
		}

		deadline := time.Now().Add(s.cfg.Params.Timeout)
		for {
			if err := ctx.Err(); err != nil {
				return err
			}

			p, err := s.receive(deadline)
			if errors.Is(err, transport.ErrTimeout) {
				s.retries++
				if s.retries >= s.cfg.MaxRetries {
					return ErrRetriesExhausted
				}
				break // resend the greeting
			}
			if err != nil {
				return err
			}

			switch p := p.(type) {
			case *packet.Ack:
				if p.Block == 0 {
					s.retries = 0
					return nil
				}
				// Stale ACK, keep waiting.
			case *packet.Error:
				return &PeerError{Code: p.Code, Message: p.Message}
			default:
				sendError(s.cfg.Conn, s.cfg.Peer, packet.ErrIllegalOperation, "expected ACK")
				return fmt.Errorf("%w: %s while awaiting ACK(0)", ErrProtocol, p.Op())
			}
		}
	}
}

// sendWindow transmits every block currently in the window, numbered
// consecutively after the last acknowledged block.
func (s *Sender) sendWindow() error {
	block := s.base
	for _, payload := range s.window.Blocks() {
		block++
		s.cfg.Logger.Debugf("Sending DATA block %d (%d bytes)", block, len(payload))
		err := s.cfg.Conn.Send(s.cfg.Peer, packet.Encode(&packet.Data{Block: block, Payload: payload}))
		if err != nil {
			return err
		}
	}
	return nil
}

// awaitAck waits for a cumulative ACK that retires at least one in-flight
// block. A timeout resends the entire current window: the windowsize
// extension invalidates the whole outstanding window, not just the last
// block.
func (s *Sender) awaitAck(ctx context.Context) error {
	deadline := time.Now().Add(s.cfg.Params.Timeout)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		p, err := s.receive(deadline)
		if errors.Is(err, transport.ErrTimeout) {
			s.retries++
			if s.retries >= s.cfg.MaxRetries {
				return ErrRetriesExhausted
			}
			s.cfg.Logger.Debugf("Timeout waiting for ACK of block %d, resending window (retry %d)",
				s.base+uint16(s.window.Len()), s.retries)
			if err := s.sendWindow(); err != nil {
				return err
			}
			deadline = time.Now().Add(s.cfg.Params.Timeout)
			continue
		}
		if err != nil {
			return err
		}

		switch p := p.(type) {
		case *packet.Ack:
			d := ackDelta(s.base, p.Block, s.window.Len())
			if d == 0 {
				// Duplicate or stale ACK. Resending here would feed
				// the Sorcerer's Apprentice, so ignore it.
				continue
			}
			s.base += uint16(d)
			s.sent += s.window.Remove(d)
			s.retries = 0
			return nil
		case *packet.Error:
			return &PeerError{Code: p.Code, Message: p.Message}
		default:
			sendError(s.cfg.Conn, s.cfg.Peer, packet.ErrIllegalOperation, "expected ACK")
			return fmt.Errorf("%w: %s while awaiting ACK", ErrProtocol, p.Op())
		}
	}
}

func (s *Sender) send(p packet.Packet) error {
	return s.cfg.Conn.Send(s.cfg.Peer, packet.Encode(p))
}

// receive reads the next well-formed packet from the session's peer before
// the deadline. Datagrams from any other address are answered with ERROR 5
// and do not disturb the session; malformed datagrams are dropped.
func (s *Sender) receive(deadline time.Time) (packet.Packet, error) {
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, transport.ErrTimeout
		}

		addr, buf, err := s.cfg.Conn.ReceiveTimeout(remaining)
		if err != nil {
			return nil, err
		}

		if addr.String() != s.cfg.Peer.String() {
			s.cfg.Logger.Debugf("Datagram from unknown TID %s, replying with ERROR 5", addr)
			sendError(s.cfg.Conn, addr, packet.ErrUnknownTransferID, "unknown transfer ID")
			continue
		}

		p, err := packet.Decode(buf)
		if err != nil {
			s.cfg.Logger.Debugf("Dropping malformed packet from %s: %v", addr, err)
			continue
		}
		return p, nil
	}
}
