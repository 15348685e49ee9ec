// Package client implements the TFTP client: it sends the read or write
// request to the server's well-known port, locks onto the transfer ID the
// server answers from, and drives the transfer engine to completion.
package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/rudransh-shrivastava/tftp-it/internal/logger"
	"github.com/rudransh-shrivastava/tftp-it/internal/options"
	"github.com/rudransh-shrivastava/tftp-it/internal/packet"
	"github.com/rudransh-shrivastava/tftp-it/internal/transfer"
	"github.com/rudransh-shrivastava/tftp-it/internal/transport"
)

type Config struct {
	ServerAddr string

	// Params are the options to request. Zero-valued fields fall back to
	// the RFC 1350 defaults and are then omitted from the request.
	Params options.Params

	// RequestTimeout bounds the wait for the server's first reply; the
	// request is resent until MaxRetries runs out. Zero means the Params
	// timeout.
	RequestTimeout time.Duration
	MaxRetries     int

	Logger *logrus.Logger
	Events transfer.Events

	// Drop is passed to the transfer socket, for loss injection in tests.
	Drop transport.DropFunc
}

type Client struct {
	cfg Config
}

func New(cfg Config) *Client {
	if cfg.Params.BlockSize == 0 {
		cfg.Params.BlockSize = options.DefaultBlockSize
	}
	if cfg.Params.WindowSize == 0 {
		cfg.Params.WindowSize = options.DefaultWindowSize
	}
	if cfg.Params.Timeout == 0 {
		cfg.Params.Timeout = options.DefaultTimeout
	}
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = cfg.Params.Timeout
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = transfer.DefaultMaxRetries
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.NewLogger()
	}
	return &Client{cfg: cfg}
}

// Download fetches remote from the server into dst.
func (c *Client) Download(ctx context.Context, remote string, dst transfer.Sink) error {
	conn, err := transport.Listen(":0", c.cfg.Drop)
	if err != nil {
		return err
	}
	defer func() { _ = conn.Close() }()

	req := &packet.ReadReq{
		Filename: remote,
		Mode:     "octet",
		// tsize 0 asks the server to declare the file size.
		Options: options.Prepare(c.cfg.Params, 0),
	}

	peer, reply, err := c.request(ctx, conn, req)
	if err != nil {
		return err
	}

	cfg := transfer.Config{
		Conn:       conn,
		Peer:       peer,
		MaxRetries: c.cfg.MaxRetries,
		Logger:     c.cfg.Logger,
		Events:     c.cfg.Events,
	}

	var recv *transfer.Receiver
	switch p := reply.(type) {
	case *packet.OAck:
		params := options.Defaults()
		if err := params.Apply(p.Options); err != nil {
			sendError(conn, peer, packet.ErrOptionNegotiation, err.Error())
			return err
		}
		c.cfg.Logger.Debugf("Server acknowledged blksize=%d windowsize=%d timeout=%s tsize=%d",
			params.BlockSize, params.WindowSize, params.Timeout, params.TransferSize)
		cfg.Params = params
		cfg.Greeting = &packet.Ack{Block: 0}
		recv = transfer.NewReceiver(cfg, dst)
	case *packet.Data:
		// The server ignored the options and answered with data directly,
		// so the transfer runs on plain RFC 1350 defaults.
		cfg.Params = options.Defaults()
		recv = transfer.NewReceiver(cfg, dst)
		recv.Feed(p)
	case *packet.Error:
		return &transfer.PeerError{Code: p.Code, Message: p.Message}
	default:
		sendError(conn, peer, packet.ErrIllegalOperation, "expected OACK or DATA")
		return fmt.Errorf("%w: %s in reply to read request", transfer.ErrProtocol, p.Op())
	}

	return recv.Run(ctx)
}

// Upload stores src on the server as remote.
func (c *Client) Upload(ctx context.Context, remote string, src transfer.Source) error {
	conn, err := transport.Listen(":0", c.cfg.Drop)
	if err != nil {
		return err
	}
	defer func() { _ = conn.Close() }()

	tsize := int64(-1)
	if size, ok := src.Size(); ok {
		tsize = size
	}
	req := &packet.WriteReq{
		Filename: remote,
		Mode:     "octet",
		Options:  options.Prepare(c.cfg.Params, tsize),
	}

	peer, reply, err := c.request(ctx, conn, req)
	if err != nil {
		return err
	}

	cfg := transfer.Config{
		Conn:       conn,
		Peer:       peer,
		MaxRetries: c.cfg.MaxRetries,
		Logger:     c.cfg.Logger,
		Events:     c.cfg.Events,
	}

	switch p := reply.(type) {
	case *packet.OAck:
		params := options.Defaults()
		if err := params.Apply(p.Options); err != nil {
			sendError(conn, peer, packet.ErrOptionNegotiation, err.Error())
			return err
		}
		c.cfg.Logger.Debugf("Server acknowledged blksize=%d windowsize=%d timeout=%s",
			params.BlockSize, params.WindowSize, params.Timeout)
		cfg.Params = params
	case *packet.Ack:
		if p.Block != 0 {
			sendError(conn, peer, packet.ErrIllegalOperation, "expected ACK(0)")
			return fmt.Errorf("%w: ACK(%d) in reply to write request", transfer.ErrProtocol, p.Block)
		}
		cfg.Params = options.Defaults()
	case *packet.Error:
		return &transfer.PeerError{Code: p.Code, Message: p.Message}
	default:
		sendError(conn, peer, packet.ErrIllegalOperation, "expected OACK or ACK")
		return fmt.Errorf("%w: %s in reply to write request", transfer.ErrProtocol, p.Op())
	}

	return transfer.NewSender(cfg, src).Run(ctx)
}

// request sends the read or write request to the well-known port and waits
// for the server's first reply, resending on timeout. The reply arrives from
// the session port the server bound for this transfer; that address is the
// peer's transfer ID and every later packet must come from it.
func (c *Client) request(ctx context.Context, conn *transport.Conn, req packet.Packet) (net.Addr, packet.Packet, error) {
	raddr, err := net.ResolveUDPAddr("udp", c.cfg.ServerAddr)
	if err != nil {
		return nil, nil, err
	}
	payload := packet.Encode(req)

	retries := 0
	for {
		if err := conn.Send(raddr, payload); err != nil {
			return nil, nil, err
		}

		deadline := time.Now().Add(c.cfg.RequestTimeout)
		for {
			if err := ctx.Err(); err != nil {
				return nil, nil, err
			}
			remaining := time.Until(deadline)
			if remaining <= 0 {
				retries++
				if retries >= c.cfg.MaxRetries {
					return nil, nil, fmt.Errorf("no reply from %s: %w", c.cfg.ServerAddr, transfer.ErrRetriesExhausted)
				}
				c.cfg.Logger.Debugf("No reply from %s, resending request (retry %d)", c.cfg.ServerAddr, retries)
				break
			}

			addr, buf, err := conn.ReceiveTimeout(remaining)
			if errors.Is(err, transport.ErrTimeout) {
				continue
			}
			if err != nil {
				return nil, nil, err
			}

			p, err := packet.Decode(buf)
			if err != nil {
				c.cfg.Logger.Debugf("Dropping malformed packet from %s: %v", addr, err)
				continue
			}
			return addr, p, nil
		}
	}
}

func sendError(conn *transport.Conn, peer net.Addr, code packet.ErrorCode, msg string) {
	_ = conn.Send(peer, packet.Encode(&packet.Error{Code: code, Message: msg}))
}
