package msf

import (
	"bytes"
	"fmt"
	"io"
	"os"
)

// File is an opened MSF container.
type File struct {
	data       io.ReaderAt
	closer     io.Closer // nil when the data source needs no closing
	size       int64
	superBlock *SuperBlock
	directory  *StreamDirectory
}

// Open opens an MSF file from the given path.
func Open(path string) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("msf: failed to open file: %w", err)
	}
	stat, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("msf: failed to stat file: %w", err)
	}
	msf, err := NewFile(f, stat.Size())
	if err != nil {
		f.Close()
		return nil, err
	}
	msf.closer = f
	return msf, nil
}

// NewFile opens an MSF container from an io.ReaderAt. The superblock
// and the stream directory are read and validated eagerly.
func NewFile(r io.ReaderAt, size int64) (*File, error) {
	if size < SuperBlockSize {
		return nil, ErrTruncatedFile
	}

	sbData := make([]byte, SuperBlockSize)
	if _, err := r.ReadAt(sbData, 0); err != nil {
		return nil, fmt.Errorf("msf: failed to read superblock: %w", err)
	}
	sb, err := ReadSuperBlock(bytes.NewReader(sbData))
	if err != nil {
		return nil, err
	}
	if size < sb.FileSize() {
		return nil, fmt.Errorf("msf: file too small: got %d bytes, expected %d", size, sb.FileSize())
	}

	dir, err := NewDirectoryReader(sb, r).ReadDirectory()
	if err != nil {
		return nil, err
	}

	return &File{data: r, size: size, superBlock: sb, directory: dir}, nil
}

// Close releases resources associated with the MSF file.
func (f *File) Close() error {
	if f.closer != nil {
		return f.closer.Close()
	}
	return nil
}

// BlockSize is the container's block size.
func (f *File) BlockSize() uint32 {
	return f.superBlock.BlockSize
}

// NumStreams is the number of streams in the directory.
func (f *File) NumStreams() uint32 {
	return f.directory.NumStreams
}

// StreamIsNil reports whether the stream is a nil (deleted) stream.
func (f *File) StreamIsNil(streamIndex uint32) bool {
	return streamIndex < f.directory.NumStreams &&
		f.directory.StreamSizes[streamIndex] == NilStreamSize
}

// StreamSize is the stream's size, 0 for nil streams.
func (f *File) StreamSize(streamIndex uint32) uint32 {
	return f.directory.StreamSize(streamIndex)
}

// OpenStream opens a stream for reading.
func (f *File) OpenStream(streamIndex uint32) (*Stream, error) {
	if streamIndex >= f.directory.NumStreams {
		return nil, fmt.Errorf("%w: %d", ErrInvalidStreamIndex, streamIndex)
	}
	size := f.directory.StreamSizes[streamIndex]
	if size == NilStreamSize {
		return nil, fmt.Errorf("msf: stream %d is nil", streamIndex)
	}
	return NewStream(f.data, f.directory.StreamBlocks[streamIndex], f.superBlock.BlockSize, size), nil
}

// ReadStream reads an entire stream into memory.
func (f *File) ReadStream(streamIndex uint32) ([]byte, error) {
	stream, err := f.OpenStream(streamIndex)
	if err != nil {
		return nil, err
	}
	return stream.Bytes()
}
