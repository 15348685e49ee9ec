// Package fileio provides the file collaborators the transfer engine reads
// from and writes to. The engine itself never touches a filesystem path;
// everything goes through a Dir, which confines requests to its root.
package fileio

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

var ErrOutsideRoot = errors.New("path escapes the served directory")

// Dir serves files strictly under one directory.
type Dir struct {
	root string
}

func NewDir(root string) (*Dir, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%s is not a directory", abs)
	}
	return &Dir{root: abs}, nil
}

func (d *Dir) Root() string {
	return d.root
}

// Resolve maps a requested filename onto the served directory. Rooted and
// dot-dot paths are cleaned relative to the root, so a request can never
// name anything outside it.
func (d *Dir) Resolve(name string) (string, error) {
	name = filepath.FromSlash(name)
	clean := filepath.Clean(string(filepath.Separator) + name)
	path := filepath.Join(d.root, clean)
	if path != d.root && !strings.HasPrefix(path, d.root+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %q", ErrOutsideRoot, name)
	}
	return path, nil
}

// Open opens a file for a read transfer.
func (d *Dir) Open(name string) (*File, error) {
	path, err := d.Resolve(name)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	if info.IsDir() {
		_ = f.Close()
		return nil, os.ErrNotExist
	}
	return &File{File: f, size: info.Size()}, nil
}

// Create opens a file for a write transfer. With overwrite disabled an
// existing file is refused with os.ErrExist.
func (d *Dir) Create(name string, overwrite bool) (*File, error) {
	path, err := d.Resolve(name)
	if err != nil {
		return nil, err
	}
	flags := os.O_WRONLY | os.O_CREATE | os.O_TRUNC
	if !overwrite {
		flags = os.O_WRONLY | os.O_CREATE | os.O_EXCL
	}
	f, err := os.OpenFile(path, flags, 0o644)
	if err != nil {
		return nil, err
	}
	return &File{File: f, size: -1}, nil
}

// File is an open transfer file. It satisfies the engine's Source and Sink
// interfaces through the embedded *os.File.
type File struct {
	*os.File
	size int64
}

func (f *File) Size() (int64, bool) {
	if f.size < 0 {
		return 0, false
	}
	return f.size, true
}
