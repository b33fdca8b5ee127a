// Package memmap maps a file into a private, writable buffer. Mutations
// stay in the mapping until Save writes them back over the file, so an
// aborted run never leaves a half-modified file behind.
package memmap

import (
	"os"

	"github.com/edsrzf/mmap-go"
	"github.com/pkg/errors"
)

// File is a memory-mapped file. Data aliases the mapping directly.
type File struct {
	f    *os.File
	Data mmap.MMap
}

// Open maps the file copy-on-write. Writes to Data are private to this
// process until Save is called.
func Open(path string) (*File, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open %s", path)
	}

	data, err := mmap.Map(f, mmap.COPY, 0)
	if err != nil {
		_ = f.Close()
		return nil, errors.Wrapf(err, "failed to map %s", path)
	}

	return &File{f: f, Data: data}, nil
}

// Save persists the buffer back over the file.
func (m *File) Save() error {
	if _, err := m.f.WriteAt(m.Data, 0); err != nil {
		return errors.Wrapf(err, "failed to write %s", m.f.Name())
	}
	return nil
}

// Close unmaps the buffer and closes the file. Mutations that were not
// saved are discarded.
func (m *File) Close() error {
	err := m.Data.Unmap()
	if cerr := m.f.Close(); err == nil {
		err = cerr
	}
	return err
}
