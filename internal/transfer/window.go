package transfer

import (
	"errors"
	"io"
)

// Source supplies the bytes of an outgoing transfer. The size is
// informational, used for tsize negotiation when known.
type Source interface {
	io.ReaderAt
	Size() (int64, bool)
}

// Sink receives the bytes of an incoming transfer.
type Sink interface {
	io.WriterAt
}

// SendWindow holds the run of consecutive unacknowledged blocks currently
// in flight. Blocks stay queued until a cumulative ACK retires them, so a
// timeout can resend the whole window.
type SendWindow struct {
	blocks    [][]byte
	size      int
	blockSize int
	src       io.ReaderAt
	offset    int64
	last      bool
}

func NewSendWindow(size, blockSize int, src io.ReaderAt) *SendWindow {
	return &SendWindow{
		size:      size,
		blockSize: blockSize,
		src:       src,
	}
}

// Fill tops the window up with blocks read from the source. The final block
// of the file is strictly shorter than the block size; a file whose size is
// an exact multiple of the block size yields a zero-length final block, the
// end-of-transfer signal of RFC 1350.
func (w *SendWindow) Fill() error {
	for len(w.blocks) < w.size && !w.last {
		chunk := make([]byte, w.blockSize)
		n, err := w.src.ReadAt(chunk, w.offset)
		if err != nil && err != io.EOF {
			return err
		}
		w.offset += int64(n)
		if n < w.blockSize {
			w.last = true
		}
		w.blocks = append(w.blocks, chunk[:n])
	}
	return nil
}

// Remove retires the first n blocks after a cumulative ACK and returns the
// number of payload bytes they carried.
func (w *SendWindow) Remove(n int) int64 {
	if n > len(w.blocks) {
		n = len(w.blocks)
	}
	var bytes int64
	for _, b := range w.blocks[:n] {
		bytes += int64(len(b))
	}
	w.blocks = w.blocks[n:]
	return bytes
}

func (w *SendWindow) Blocks() [][]byte {
	return w.blocks
}

func (w *SendWindow) Len() int {
	return len(w.blocks)
}

// Done reports that the final block has been read and acknowledged.
func (w *SendWindow) Done() bool {
	return w.last && len(w.blocks) == 0
}

// RecvWindow buffers received-but-not-yet-flushed blocks on the receiving
// side and writes them out in order.
type RecvWindow struct {
	blocks  [][]byte
	size    int
	dst     io.WriterAt
	offset  int64
	written int64
}

func NewRecvWindow(size int, dst io.WriterAt) *RecvWindow {
	return &RecvWindow{
		size: size,
		dst:  dst,
	}
}

func (w *RecvWindow) Add(payload []byte) error {
	if len(w.blocks) == w.size {
		return errors.New("window is full")
	}
	w.blocks = append(w.blocks, payload)
	return nil
}

func (w *RecvWindow) Len() int {
	return len(w.blocks)
}

func (w *RecvWindow) Full() bool {
	return len(w.blocks) == w.size
}

// Flush writes every buffered block to the sink in order and empties the
// window.
func (w *RecvWindow) Flush() error {
	for _, b := range w.blocks {
		if _, err := w.dst.WriteAt(b, w.offset); err != nil {
			return err
		}
		w.offset += int64(len(b))
		w.written += int64(len(b))
	}
	w.blocks = w.blocks[:0]
	return nil
}

func (w *RecvWindow) Written() int64 {
	return w.written
}
