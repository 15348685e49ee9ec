package integration

import (
	"bytes"
	"errors"
	"math/rand"
	"os"
	"testing"
	"time"

	"github.com/rudransh-shrivastava/tftp-it/internal/options"
	"github.com/rudransh-shrivastava/tftp-it/internal/packet"
	"github.com/rudransh-shrivastava/tftp-it/internal/server"
	"github.com/rudransh-shrivastava/tftp-it/internal/transfer"
	"github.com/rudransh-shrivastava/tftp-it/internal/transport"
)

type fileSource struct {
	*os.File
	size int64
}

func (f fileSource) Size() (int64, bool) {
	return f.size, true
}

func openSource(t *testing.T, path string) fileSource {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { _ = f.Close() })
	info, err := f.Stat()
	if err != nil {
		t.Fatalf("Stat failed: %v", err)
	}
	return fileSource{File: f, size: info.Size()}
}

func createSink(t *testing.T, path string) *os.File {
	t.Helper()
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	t.Cleanup(func() { _ = f.Close() })
	return f
}

func randomBytes(n int) []byte {
	buf := make([]byte, n)
	rand.New(rand.NewSource(1)).Read(buf)
	return buf
}

// dropIncomingData drops the nth, mth, ... DATA datagrams arriving on the
// client's transfer socket, forcing the server into timeout recovery.
func dropIncomingData(indices ...int) transport.DropFunc {
	drops := make(map[int]bool, len(indices))
	for _, i := range indices {
		drops[i] = true
	}
	seen := 0
	return func(dir transport.Direction, payload []byte) bool {
		if dir != transport.Incoming || len(payload) < 4 || packet.Opcode(payload[1]) != packet.OpDATA {
			return false
		}
		seen++
		return drops[seen]
	}
}

func waitForFile(t *testing.T, path string, want []byte) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		got, err := os.ReadFile(path)
		if err == nil && bytes.Equal(got, want) {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("File %s never reached %d bytes (have %d, err %v)", path, len(want), len(got), err)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestGetEndToEnd(t *testing.T) {
	net := NewNetwork(t, nil)
	defer net.Close()

	content := randomBytes(300 * 1024)
	net.WriteServedFile("big.bin", content)

	cli := net.NewClient(options.Params{BlockSize: 1428, WindowSize: 8}, nil)

	local := t.TempDir() + "/big.bin"
	sink := createSink(t, local)

	if err := cli.Download(net.Context(), "big.bin", sink); err != nil {
		t.Fatalf("Download failed: %v", err)
	}

	got, err := os.ReadFile(local)
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}
	if !bytes.Equal(got, content) {
		t.Errorf("Downloaded %d bytes, expected %d", len(got), len(content))
	}
}

func TestPutEndToEnd(t *testing.T) {
	net := NewNetwork(t, nil)
	defer net.Close()

	content := randomBytes(100 * 1024)
	local := t.TempDir() + "/up.bin"
	if err := os.WriteFile(local, content, 0o644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	cli := net.NewClient(options.Params{BlockSize: 1024, WindowSize: 4}, nil)

	if err := cli.Upload(net.Context(), "up.bin", openSource(t, local)); err != nil {
		t.Fatalf("Upload failed: %v", err)
	}

	waitForFile(t, net.ServedPath("up.bin"), content)
}

func TestGetSurvivesPacketLoss(t *testing.T) {
	net := NewNetwork(t, nil)
	defer net.Close()

	content := randomBytes(20 * 1024)
	net.WriteServedFile("lossy.bin", content)

	// Window size stays at 1: with pipelined blocks in flight a dropped
	// DATA leaves a gap behind the blocks that made it through, which the
	// engine treats as fatal rather than reordering around.
	params := options.Params{BlockSize: 1024, Timeout: time.Second}
	cli := net.NewClient(params, dropIncomingData(2, 7, 11))

	local := t.TempDir() + "/lossy.bin"
	sink := createSink(t, local)

	if err := cli.Download(net.Context(), "lossy.bin", sink); err != nil {
		t.Fatalf("Download failed despite retransmission: %v", err)
	}

	got, err := os.ReadFile(local)
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}
	if !bytes.Equal(got, content) {
		t.Errorf("Downloaded %d bytes, expected %d", len(got), len(content))
	}
}

func TestGetMissingFileFails(t *testing.T) {
	net := NewNetwork(t, nil)
	defer net.Close()

	cli := net.NewClient(options.Params{}, nil)

	local := t.TempDir() + "/missing.bin"
	err := cli.Download(net.Context(), "missing.bin", createSink(t, local))

	var perr *transfer.PeerError
	if !errors.As(err, &perr) {
		t.Fatalf("Expected PeerError, got %v", err)
	}
	if perr.Code != packet.ErrFileNotFound {
		t.Errorf("Expected error code 1, got %d", perr.Code)
	}
}

func TestPutToReadOnlyServerFails(t *testing.T) {
	net := NewNetwork(t, func(cfg *server.Config) { cfg.ReadOnly = true })
	defer net.Close()

	local := t.TempDir() + "/up.bin"
	if err := os.WriteFile(local, []byte("data"), 0o644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	cli := net.NewClient(options.Params{}, nil)
	err := cli.Upload(net.Context(), "up.bin", openSource(t, local))

	var perr *transfer.PeerError
	if !errors.As(err, &perr) {
		t.Fatalf("Expected PeerError, got %v", err)
	}
	if perr.Code != packet.ErrAccessViolation {
		t.Errorf("Expected error code 2, got %d", perr.Code)
	}
}

func TestPutRefusesOverwrite(t *testing.T) {
	net := NewNetwork(t, nil)
	defer net.Close()

	net.WriteServedFile("taken.bin", []byte("old"))

	local := t.TempDir() + "/taken.bin"
	if err := os.WriteFile(local, []byte("new"), 0o644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	cli := net.NewClient(options.Params{}, nil)
	err := cli.Upload(net.Context(), "taken.bin", openSource(t, local))

	var perr *transfer.PeerError
	if !errors.As(err, &perr) {
		t.Fatalf("Expected PeerError, got %v", err)
	}
	if perr.Code != packet.ErrFileExists {
		t.Errorf("Expected error code 6, got %d", perr.Code)
	}

	got, err := os.ReadFile(net.ServedPath("taken.bin"))
	if err != nil || string(got) != "old" {
		t.Errorf("Existing file was disturbed: %q, %v", got, err)
	}
}

func TestSequentialTransfersFromSamePeer(t *testing.T) {
	net := NewNetwork(t, nil)
	defer net.Close()

	first := randomBytes(2048)
	second := randomBytes(4096)
	net.WriteServedFile("first.bin", first)
	net.WriteServedFile("second.bin", second)

	cli := net.NewClient(options.Params{BlockSize: 1024}, nil)
	dir := t.TempDir()

	if err := cli.Download(net.Context(), "first.bin", createSink(t, dir+"/first.bin")); err != nil {
		t.Fatalf("First download failed: %v", err)
	}
	if err := cli.Download(net.Context(), "second.bin", createSink(t, dir+"/second.bin")); err != nil {
		t.Fatalf("Second download failed: %v", err)
	}

	got, _ := os.ReadFile(dir + "/second.bin")
	if !bytes.Equal(got, second) {
		t.Errorf("Second download corrupt: %d bytes, expected %d", len(got), len(second))
	}
}
