package cmd

import (
	"io"
	"os"

	"github.com/schollz/progressbar/v3"

	"github.com/rudransh-shrivastava/tftp-it/internal/transfer"
)

// progressSink feeds a progress bar as blocks land on disk.
type progressSink struct {
	dst io.WriterAt
	bar *progressbar.ProgressBar
}

func (s progressSink) WriteAt(p []byte, off int64) (int, error) {
	n, err := s.dst.WriteAt(p, off)
	_ = s.bar.Add(n)
	return n, err
}

// progressSource feeds a progress bar as blocks are read for sending. A
// retransmitted window re-reads its blocks, so the bar can run slightly
// ahead on a lossy path.
type progressSource struct {
	src transfer.Source
	bar *progressbar.ProgressBar
}

func (s progressSource) ReadAt(p []byte, off int64) (int, error) {
	n, err := s.src.ReadAt(p, off)
	_ = s.bar.Add(n)
	return n, err
}

func (s progressSource) Size() (int64, bool) {
	return s.src.Size()
}

// fileSource adapts a local file to the transfer engine's source interface.
type fileSource struct {
	*os.File
	size int64
}

func (f fileSource) Size() (int64, bool) {
	return f.size, true
}
