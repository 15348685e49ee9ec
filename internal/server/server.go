// Package server implements the TFTP daemon: it listens on the well-known
// port, admits read and write requests, and hands each transfer to its own
// session on an ephemeral port.
package server

import (
	"context"
	"errors"
	"net"
	"os"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/rudransh-shrivastava/tftp-it/internal/fileio"
	"github.com/rudransh-shrivastava/tftp-it/internal/logger"
	"github.com/rudransh-shrivastava/tftp-it/internal/options"
	"github.com/rudransh-shrivastava/tftp-it/internal/packet"
	"github.com/rudransh-shrivastava/tftp-it/internal/store"
	"github.com/rudransh-shrivastava/tftp-it/internal/transfer"
	"github.com/rudransh-shrivastava/tftp-it/internal/transport"
)

type Options struct {
	Config  Config
	Logger  *logrus.Logger
	Journal *store.Journal

	// Drop is passed to every session socket, for loss injection in tests.
	Drop transport.DropFunc
}

type Server struct {
	cfg     Config
	logger  *logrus.Logger
	journal *store.Journal
	dir     *fileio.Dir
	conn    *transport.Conn
	drop    transport.DropFunc
	limits  options.Limits

	mu       sync.Mutex
	sessions map[string]*session
}

type session struct {
	conn *transport.Conn
}

func New(opts Options) (*Server, error) {
	log := opts.Logger
	if log == nil {
		log = logger.NewLogger()
	}

	dir, err := fileio.NewDir(opts.Config.Root)
	if err != nil {
		return nil, err
	}

	conn, err := transport.Listen(opts.Config.Listen, nil)
	if err != nil {
		return nil, err
	}

	return &Server{
		cfg:     opts.Config,
		logger:  log,
		journal: opts.Journal,
		dir:     dir,
		conn:    conn,
		drop:    opts.Drop,
		limits: options.Limits{
			MaxBlockSize:  opts.Config.MaxBlockSize,
			MaxWindowSize: opts.Config.MaxWindowSize,
		},
		sessions: make(map[string]*session),
	}, nil
}

// Addr returns the request listener's bound address.
func (s *Server) Addr() net.Addr {
	return s.conn.LocalAddr()
}

// Run serves requests until ctx is cancelled, then closes every live
// session socket and waits for the sessions to wind down.
func (s *Server) Run(ctx context.Context) error {
	s.logger.Infof("Serving %s on %s", s.dir.Root(), s.conn.LocalAddr())

	go func() {
		<-ctx.Done()
		_ = s.conn.Close()
		s.closeSessions()
	}()

	var g errgroup.Group
	for {
		addr, payload, err := s.conn.Receive()
		if err != nil {
			waitErr := g.Wait()
			if ctx.Err() != nil {
				s.logger.Info("Server stopped")
				return waitErr
			}
			return err
		}

		p, err := packet.Decode(payload)
		if err != nil {
			s.logger.Debugf("Dropping malformed datagram from %s: %v", addr, err)
			continue
		}

		switch req := p.(type) {
		case *packet.ReadReq:
			s.handleRequest(ctx, &g, addr, req.Filename, req.Options, false)
		case *packet.WriteReq:
			s.handleRequest(ctx, &g, addr, req.Filename, req.Options, true)
		default:
			// Only requests belong on the well-known port.
			s.logger.Debugf("Unexpected %s from %s on the request port", p.Op(), addr)
			s.reject(addr, packet.ErrIllegalOperation, "expected RRQ or WRQ")
		}
	}
}

func (s *Server) handleRequest(ctx context.Context, g *errgroup.Group, addr net.Addr, filename string, opts packet.Options, write bool) {
	key := addr.String()

	s.mu.Lock()
	_, live := s.sessions[key]
	s.mu.Unlock()
	if live {
		// A retransmitted request while its session is alive. The session
		// resends its own negotiation reply on timeout, so stay silent here.
		s.logger.Debugf("Ignoring duplicate request from %s", key)
		return
	}

	file, fileSize, err := s.openFile(filename, write)
	if err != nil {
		s.logger.Warnf("Rejecting request for %q from %s: %v", filename, key, err)
		s.reject(addr, errorCode(err), err.Error())
		return
	}

	params, reply, err := options.Negotiate(opts, s.limits, fileSize)
	if err != nil {
		s.logger.Warnf("Rejecting request for %q from %s: %v", filename, key, err)
		s.reject(addr, packet.ErrOptionNegotiation, err.Error())
		_ = file.Close()
		return
	}
	if _, asked := opts.Get(options.OptTimeout); !asked && s.cfg.Timeout.Duration > 0 {
		params.Timeout = s.cfg.Timeout.Duration
	}

	conn, err := transport.Listen(":0", s.drop)
	if err != nil {
		s.logger.Errorf("Binding session socket for %s: %v", key, err)
		s.reject(addr, packet.ErrUndefined, "cannot allocate transfer port")
		_ = file.Close()
		return
	}

	direction := store.DirectionRead
	if write {
		direction = store.DirectionWrite
	}

	cfg := transfer.Config{
		Conn:       conn,
		Peer:       addr,
		Params:     params,
		MaxRetries: s.cfg.MaxRetries,
		Logger:     s.logger,
		Events: &sessionEvents{
			srv:       s,
			key:       key,
			filename:  filename,
			direction: direction,
			startedAt: time.Now(),
		},
	}
	if len(reply) > 0 {
		cfg.Greeting = &packet.OAck{Options: reply}
	} else if write {
		cfg.Greeting = &packet.Ack{Block: 0}
	}

	s.mu.Lock()
	s.sessions[key] = &session{conn: conn}
	s.mu.Unlock()

	s.logger.Debugf("Session for %s: blksize=%d windowsize=%d timeout=%s",
		key, params.BlockSize, params.WindowSize, params.Timeout)

	g.Go(func() error {
		defer func() {
			_ = conn.Close()
			_ = file.Close()
		}()
		if write {
			_ = transfer.NewReceiver(cfg, file).Run(ctx)
		} else {
			_ = transfer.NewSender(cfg, file).Run(ctx)
		}
		return nil
	})
}

func (s *Server) openFile(filename string, write bool) (*fileio.File, int64, error) {
	if !write {
		file, err := s.dir.Open(filename)
		if err != nil {
			return nil, 0, err
		}
		size, _ := file.Size()
		return file, size, nil
	}

	if s.cfg.ReadOnly {
		return nil, 0, errReadOnly
	}
	file, err := s.dir.Create(filename, s.cfg.Overwrite)
	if err != nil {
		return nil, 0, err
	}
	return file, -1, nil
}

var errReadOnly = errors.New("server is read-only")

// errorCode maps a request rejection onto its TFTP error code.
func errorCode(err error) packet.ErrorCode {
	switch {
	case errors.Is(err, os.ErrNotExist):
		return packet.ErrFileNotFound
	case errors.Is(err, fileio.ErrOutsideRoot), errors.Is(err, errReadOnly), errors.Is(err, os.ErrPermission):
		return packet.ErrAccessViolation
	case errors.Is(err, os.ErrExist):
		return packet.ErrFileExists
	default:
		return packet.ErrUndefined
	}
}

func (s *Server) reject(addr net.Addr, code packet.ErrorCode, msg string) {
	_ = s.conn.Send(addr, packet.Encode(&packet.Error{Code: code, Message: msg}))
}

func (s *Server) removeSession(key string) {
	s.mu.Lock()
	delete(s.sessions, key)
	s.mu.Unlock()
}

func (s *Server) closeSessions() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sess := range s.sessions {
		_ = sess.conn.Close()
	}
}

// sessionEvents logs and journals a session's outcome, then retires it from
// the session table so the peer can start a fresh transfer.
type sessionEvents struct {
	srv       *Server
	key       string
	filename  string
	direction string
	startedAt time.Time
}

func (e *sessionEvents) Started() {
	e.srv.logger.Infof("Starting %s transfer of %q with %s", e.direction, e.filename, e.key)
}

func (e *sessionEvents) Completed(bytes int64) {
	e.srv.logger.Infof("Completed %s transfer of %q with %s (%d bytes)", e.direction, e.filename, e.key, bytes)
	e.record(store.StatusCompleted, bytes, "")
	e.srv.removeSession(e.key)
}

func (e *sessionEvents) Failed(err error) {
	e.srv.logger.Warnf("Failed %s transfer of %q with %s: %v", e.direction, e.filename, e.key, err)
	e.record(store.StatusFailed, 0, err.Error())
	e.srv.removeSession(e.key)
}

func (e *sessionEvents) record(status string, bytes int64, detail string) {
	if e.srv.journal == nil {
		return
	}
	err := e.srv.journal.Record(&store.Transfer{
		Peer:       e.key,
		Filename:   e.filename,
		Direction:  e.direction,
		Bytes:      bytes,
		Status:     status,
		Detail:     detail,
		StartedAt:  e.startedAt.Unix(),
		FinishedAt: time.Now().Unix(),
	})
	if err != nil {
		e.srv.logger.Warnf("Journaling transfer of %q: %v", e.filename, err)
	}
}
