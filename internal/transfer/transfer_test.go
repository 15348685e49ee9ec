package transfer

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rudransh-shrivastava/tftp-it/internal/options"
	"github.com/rudransh-shrivastava/tftp-it/internal/packet"
	"github.com/rudransh-shrivastava/tftp-it/internal/transport"
)

type memSource struct {
	*bytes.Reader
}

func newMemSource(b []byte) memSource {
	return memSource{bytes.NewReader(b)}
}

func (m memSource) Size() (int64, bool) {
	return m.Reader.Size(), true
}

type memSink struct {
	mu  sync.Mutex
	buf []byte
}

func newMemSink() *memSink {
	return &memSink{}
}

func (m *memSink) WriteAt(p []byte, off int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	end := int(off) + len(p)
	if end > len(m.buf) {
		m.buf = append(m.buf, make([]byte, end-len(m.buf))...)
	}
	copy(m.buf[off:], p)
	return len(p), nil
}

func (m *memSink) String() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return string(m.buf)
}

func testParams(blockSize, windowSize int, timeout time.Duration) options.Params {
	p := options.Defaults()
	p.BlockSize = blockSize
	p.WindowSize = windowSize
	p.Timeout = timeout
	return p
}

func listen(t *testing.T, drop transport.DropFunc) *transport.Conn {
	t.Helper()
	conn, err := transport.Listen("127.0.0.1:0", drop)
	if err != nil {
		t.Fatalf("Listen failed: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

// runPair wires a Sender and Receiver over loopback and runs both to
// completion.
func runPair(t *testing.T, payload []byte, params options.Params, sendDrop transport.DropFunc) (error, error, *memSink) {
	t.Helper()

	sConn := listen(t, sendDrop)
	rConn := listen(t, nil)

	sender := NewSender(Config{
		Conn:   sConn,
		Peer:   rConn.LocalAddr(),
		Params: params,
	}, newMemSource(payload))

	sink := newMemSink()
	receiver := NewReceiver(Config{
		Conn:   rConn,
		Peer:   sConn.LocalAddr(),
		Params: params,
	}, sink)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		errCh <- receiver.Run(ctx)
	}()

	sendErr := sender.Run(ctx)
	recvErr := <-errCh

	return sendErr, recvErr, sink
}

func TestTransferRoundTrip(t *testing.T) {
	payload := bytes.Repeat([]byte("0123456789abcdef"), 200) // 3200 bytes

	sendErr, recvErr, sink := runPair(t, payload, testParams(512, 1, time.Second), nil)
	if sendErr != nil {
		t.Fatalf("Sender failed: %v", sendErr)
	}
	if recvErr != nil {
		t.Fatalf("Receiver failed: %v", recvErr)
	}

	if sink.String() != string(payload) {
		t.Error("Received bytes differ from sent bytes")
	}
}

func TestTransferWindowed(t *testing.T) {
	payload := bytes.Repeat([]byte{0x5A}, 9001)

	sendErr, recvErr, sink := runPair(t, payload, testParams(512, 8, time.Second), nil)
	if sendErr != nil || recvErr != nil {
		t.Fatalf("Transfer failed: send=%v recv=%v", sendErr, recvErr)
	}

	if sink.String() != string(payload) {
		t.Error("Received bytes differ from sent bytes")
	}
}

func TestTransferExactMultipleSendsEmptyFinalBlock(t *testing.T) {
	var mu sync.Mutex
	var dataSizes []int
	observe := func(dir transport.Direction, payload []byte) bool {
		if dir == transport.Outgoing {
			if p, err := packet.Decode(payload); err == nil {
				if d, ok := p.(*packet.Data); ok {
					mu.Lock()
					dataSizes = append(dataSizes, len(d.Payload))
					mu.Unlock()
				}
			}
		}
		return false
	}

	payload := bytes.Repeat([]byte{1}, 1024)
	sendErr, recvErr, sink := runPair(t, payload, testParams(512, 1, time.Second), observe)
	if sendErr != nil || recvErr != nil {
		t.Fatalf("Transfer failed: send=%v recv=%v", sendErr, recvErr)
	}

	if len(sink.String()) != 1024 {
		t.Errorf("Expected 1024 bytes delivered, got %d", len(sink.String()))
	}

	mu.Lock()
	defer mu.Unlock()
	want := []int{512, 512, 0}
	if len(dataSizes) != len(want) {
		t.Fatalf("Expected DATA sizes %v, got %v", want, dataSizes)
	}
	for i := range want {
		if dataSizes[i] != want[i] {
			t.Fatalf("Expected DATA sizes %v, got %v", want, dataSizes)
		}
	}
}

func TestTransferShortFileNoEmptyBlock(t *testing.T) {
	var mu sync.Mutex
	dataCount := 0
	observe := func(dir transport.Direction, payload []byte) bool {
		if dir == transport.Outgoing {
			if p, err := packet.Decode(payload); err == nil {
				if _, ok := p.(*packet.Data); ok {
					mu.Lock()
					dataCount++
					mu.Unlock()
				}
			}
		}
		return false
	}

	payload := bytes.Repeat([]byte{1}, 1000)
	sendErr, recvErr, _ := runPair(t, payload, testParams(512, 1, time.Second), observe)
	if sendErr != nil || recvErr != nil {
		t.Fatalf("Transfer failed: send=%v recv=%v", sendErr, recvErr)
	}

	mu.Lock()
	defer mu.Unlock()
	if dataCount != 2 {
		t.Errorf("Expected 2 DATA packets (512 + 488), got %d", dataCount)
	}
}

func TestSenderRetriesExhausted(t *testing.T) {
	var mu sync.Mutex
	attempts := 0
	dropData := func(dir transport.Direction, payload []byte) bool {
		if dir != transport.Outgoing {
			return false
		}
		if p, err := packet.Decode(payload); err == nil {
			if _, ok := p.(*packet.Data); ok {
				mu.Lock()
				attempts++
				mu.Unlock()
				return true
			}
		}
		return false
	}

	sConn := listen(t, dropData)
	peer := listen(t, nil)

	sender := NewSender(Config{
		Conn:       sConn,
		Peer:       peer.LocalAddr(),
		Params:     testParams(512, 1, 50*time.Millisecond),
		MaxRetries: 3,
	}, newMemSource([]byte("doomed")))

	err := sender.Run(context.Background())
	if !errors.Is(err, ErrRetriesExhausted) {
		t.Fatalf("Expected ErrRetriesExhausted, got %v", err)
	}

	if sender.State() != StateFailed {
		t.Errorf("Expected StateFailed, got %v", sender.State())
	}

	mu.Lock()
	defer mu.Unlock()
	// Initial attempt plus two resends; the third timeout exhausts the
	// retry budget without another send.
	if attempts != 3 {
		t.Errorf("Expected 3 dropped DATA attempts, got %d", attempts)
	}
}

func TestSenderIgnoresDuplicateAcks(t *testing.T) {
	sConn := listen(t, nil)
	peer := listen(t, nil)

	sender := NewSender(Config{
		Conn:       sConn,
		Peer:       peer.LocalAddr(),
		Params:     testParams(512, 1, time.Second),
		MaxRetries: 2,
	}, newMemSource(bytes.Repeat([]byte{7}, 600)))

	done := make(chan error, 1)
	go func() {
		done <- sender.Run(context.Background())
	}()

	// Read DATA 1, then feed the sender duplicate stale ACKs.
	from, _, err := peer.ReceiveTimeout(2 * time.Second)
	if err != nil {
		t.Fatalf("Expected DATA 1: %v", err)
	}

	for i := 0; i < 3; i++ {
		if err := peer.Send(from, packet.Encode(&packet.Ack{Block: 0})); err != nil {
			t.Fatalf("Send duplicate ACK failed: %v", err)
		}
	}

	// The duplicates must not provoke a retransmission.
	if _, _, err := peer.ReceiveTimeout(300 * time.Millisecond); !errors.Is(err, transport.ErrTimeout) {
		t.Fatal("Sender retransmitted in response to duplicate ACKs")
	}

	// Now acknowledge properly and drain the transfer.
	if err := peer.Send(from, packet.Encode(&packet.Ack{Block: 1})); err != nil {
		t.Fatalf("Send ACK 1 failed: %v", err)
	}
	if _, _, err := peer.ReceiveTimeout(2 * time.Second); err != nil {
		t.Fatalf("Expected DATA 2: %v", err)
	}
	if err := peer.Send(from, packet.Encode(&packet.Ack{Block: 2})); err != nil {
		t.Fatalf("Send ACK 2 failed: %v", err)
	}

	if err := <-done; err != nil {
		t.Fatalf("Sender failed: %v", err)
	}
}

func TestSenderResendsFullWindowOnTimeout(t *testing.T) {
	sConn := listen(t, nil)
	peer := listen(t, nil)

	sender := NewSender(Config{
		Conn:       sConn,
		Peer:       peer.LocalAddr(),
		Params:     testParams(100, 4, 300*time.Millisecond),
		MaxRetries: 5,
	}, newMemSource(bytes.Repeat([]byte{3}, 450)))

	done := make(chan error, 1)
	go func() {
		done <- sender.Run(context.Background())
	}()

	readWindow := func() []uint16 {
		var blocks []uint16
		for i := 0; i < 4; i++ {
			_, buf, err := peer.ReceiveTimeout(2 * time.Second)
			if err != nil {
				t.Fatalf("Window read failed: %v", err)
			}
			p, err := packet.Decode(buf)
			if err != nil {
				t.Fatalf("Decode failed: %v", err)
			}
			d, ok := p.(*packet.Data)
			if !ok {
				t.Fatalf("Expected DATA, got %T", p)
			}
			blocks = append(blocks, d.Block)
		}
		return blocks
	}

	first := readWindow()
	// Stay silent through one timeout; the entire window must come again.
	second := readWindow()

	for i := range first {
		if first[i] != second[i] {
			t.Fatalf("Expected identical window on resend: %v vs %v", first, second)
		}
	}

	// Acknowledge the whole window (blocks 1-4) then the final block 5.
	sAddr := sConn.LocalAddr()
	if err := peer.Send(sAddr, packet.Encode(&packet.Ack{Block: 4})); err != nil {
		t.Fatalf("Send ACK failed: %v", err)
	}

	_, buf, err := peer.ReceiveTimeout(2 * time.Second)
	if err != nil {
		t.Fatalf("Expected final DATA: %v", err)
	}
	d := mustData(t, buf)
	if d.Block != 5 || len(d.Payload) != 50 {
		t.Fatalf("Expected final DATA 5 with 50 bytes, got block %d (%d bytes)", d.Block, len(d.Payload))
	}
	if err := peer.Send(sAddr, packet.Encode(&packet.Ack{Block: 5})); err != nil {
		t.Fatalf("Send final ACK failed: %v", err)
	}

	if err := <-done; err != nil {
		t.Fatalf("Sender failed: %v", err)
	}
}

func TestSenderFailsOnPeerError(t *testing.T) {
	sConn := listen(t, nil)
	peer := listen(t, nil)

	sender := NewSender(Config{
		Conn:   sConn,
		Peer:   peer.LocalAddr(),
		Params: testParams(512, 1, time.Second),
	}, newMemSource([]byte("data")))

	done := make(chan error, 1)
	go func() {
		done <- sender.Run(context.Background())
	}()

	from, _, err := peer.ReceiveTimeout(2 * time.Second)
	if err != nil {
		t.Fatalf("Expected DATA 1: %v", err)
	}

	errPkt := &packet.Error{Code: packet.ErrDiskFull, Message: "Disk full"}
	if err := peer.Send(from, packet.Encode(errPkt)); err != nil {
		t.Fatalf("Send ERROR failed: %v", err)
	}

	err = <-done
	var perr *PeerError
	if !errors.As(err, &perr) {
		t.Fatalf("Expected PeerError, got %v", err)
	}
	if perr.Code != packet.ErrDiskFull {
		t.Errorf("Expected code 3, got %v", perr.Code)
	}
}

func TestReceiverAnswersUnknownTID(t *testing.T) {
	rConn := listen(t, nil)
	sConn := listen(t, nil)
	stray := listen(t, nil)

	sink := newMemSink()
	receiver := NewReceiver(Config{
		Conn:   rConn,
		Peer:   sConn.LocalAddr(),
		Params: testParams(512, 1, time.Second),
	}, sink)

	done := make(chan error, 1)
	go func() {
		done <- receiver.Run(context.Background())
	}()

	// A datagram from an unrelated address draws ERROR 5 and must not
	// disturb the session.
	if err := stray.Send(rConn.LocalAddr(), packet.Encode(&packet.Data{Block: 1, Payload: []byte("x")})); err != nil {
		t.Fatalf("Stray send failed: %v", err)
	}

	_, buf, err := stray.ReceiveTimeout(2 * time.Second)
	if err != nil {
		t.Fatalf("Stray expected ERROR 5: %v", err)
	}
	p, err := packet.Decode(buf)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	perr, ok := p.(*packet.Error)
	if !ok || perr.Code != packet.ErrUnknownTransferID {
		t.Fatalf("Expected ERROR 5, got %+v", p)
	}

	// The real transfer still works.
	if err := sConn.Send(rConn.LocalAddr(), packet.Encode(&packet.Data{Block: 1, Payload: []byte("hi")})); err != nil {
		t.Fatalf("Send DATA failed: %v", err)
	}

	if err := <-done; err != nil {
		t.Fatalf("Receiver failed: %v", err)
	}

	if sink.String() != "hi" {
		t.Errorf("Expected 'hi', got %q", sink.String())
	}
}

func TestReceiverRejectsGap(t *testing.T) {
	rConn := listen(t, nil)
	sConn := listen(t, nil)

	receiver := NewReceiver(Config{
		Conn:   rConn,
		Peer:   sConn.LocalAddr(),
		Params: testParams(512, 1, time.Second),
	}, newMemSink())

	done := make(chan error, 1)
	go func() {
		done <- receiver.Run(context.Background())
	}()

	payload := bytes.Repeat([]byte{1}, 512)
	if err := sConn.Send(rConn.LocalAddr(), packet.Encode(&packet.Data{Block: 3, Payload: payload})); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	err := <-done
	if !errors.Is(err, ErrProtocol) {
		t.Fatalf("Expected ErrProtocol, got %v", err)
	}

	// The gap draws an ERROR packet before the session dies.
	_, buf, rerr := sConn.ReceiveTimeout(2 * time.Second)
	if rerr != nil {
		t.Fatalf("Expected ERROR packet: %v", rerr)
	}
	if p, derr := packet.Decode(buf); derr != nil {
		t.Fatalf("Decode failed: %v", derr)
	} else if _, ok := p.(*packet.Error); !ok {
		t.Fatalf("Expected ERROR, got %T", p)
	}
}

func TestEventsFireOnCompletion(t *testing.T) {
	events := &recordingEvents{}

	sConn := listen(t, nil)
	rConn := listen(t, nil)

	sender := NewSender(Config{
		Conn:   sConn,
		Peer:   rConn.LocalAddr(),
		Params: testParams(512, 1, time.Second),
		Events: events,
	}, newMemSource(bytes.Repeat([]byte{9}, 700)))

	receiver := NewReceiver(Config{
		Conn:   rConn,
		Peer:   sConn.LocalAddr(),
		Params: testParams(512, 1, time.Second),
	}, newMemSink())

	recvDone := make(chan error, 1)
	go func() {
		recvDone <- receiver.Run(context.Background())
	}()

	if err := sender.Run(context.Background()); err != nil {
		t.Fatalf("Sender failed: %v", err)
	}
	if err := <-recvDone; err != nil {
		t.Fatalf("Receiver failed: %v", err)
	}

	events.mu.Lock()
	defer events.mu.Unlock()
	if !events.started {
		t.Error("Expected Started event")
	}
	if events.completedBytes != 700 {
		t.Errorf("Expected Completed(700), got %d", events.completedBytes)
	}
}

type recordingEvents struct {
	mu             sync.Mutex
	started        bool
	completedBytes int64
	failedErr      error
}

func (e *recordingEvents) Started() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.started = true
}

func (e *recordingEvents) Completed(bytes int64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.completedBytes = bytes
}

func (e *recordingEvents) Failed(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.failedErr = err
}

func mustData(t *testing.T, buf []byte) *packet.Data {
	t.Helper()
	p, err := packet.Decode(buf)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	d, ok := p.(*packet.Data)
	if !ok {
		t.Fatalf("Expected DATA, got %T", p)
	}
	return d
}
