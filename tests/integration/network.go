package integration

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/rudransh-shrivastava/tftp-it/internal/client"
	"github.com/rudransh-shrivastava/tftp-it/internal/options"
	"github.com/rudransh-shrivastava/tftp-it/internal/server"
	"github.com/rudransh-shrivastava/tftp-it/internal/transport"
)

// Network runs one server and hands out clients wired to it, all on
// loopback with ephemeral ports.
type Network struct {
	server *server.Server
	cancel context.CancelFunc
	ctx    context.Context
	root   string
	t      *testing.T
}

func NewNetwork(t *testing.T, mutate func(*server.Config)) *Network {
	t.Helper()

	log := logrus.New()
	log.SetOutput(io.Discard)

	cfg := server.DefaultConfig()
	cfg.Listen = "127.0.0.1:0"
	cfg.Root = t.TempDir()
	cfg.Timeout = server.Duration{Duration: 300 * time.Millisecond}
	cfg.MaxRetries = 5
	if mutate != nil {
		mutate(&cfg)
	}

	srv, err := server.New(server.Options{Config: cfg, Logger: log})
	if err != nil {
		t.Fatalf("Failed to create server: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)

	go func() {
		_ = srv.Run(ctx)
	}()

	return &Network{
		server: srv,
		cancel: cancel,
		ctx:    ctx,
		root:   cfg.Root,
		t:      t,
	}
}

// NewClient builds a client pointed at the network's server. drop may be
// nil; it is installed on the client's transfer socket for loss injection.
func (n *Network) NewClient(params options.Params, drop transport.DropFunc) *client.Client {
	n.t.Helper()

	log := logrus.New()
	log.SetOutput(io.Discard)

	return client.New(client.Config{
		ServerAddr:     n.server.Addr().String(),
		Params:         params,
		RequestTimeout: 500 * time.Millisecond,
		MaxRetries:     5,
		Logger:         log,
		Drop:           drop,
	})
}

func (n *Network) Context() context.Context {
	return n.ctx
}

func (n *Network) ServedPath(name string) string {
	return filepath.Join(n.root, name)
}

func (n *Network) WriteServedFile(name string, content []byte) {
	n.t.Helper()
	if err := os.WriteFile(n.ServedPath(name), content, 0o644); err != nil {
		n.t.Fatalf("WriteFile failed: %v", err)
	}
}

func (n *Network) Close() {
	n.cancel()
}
