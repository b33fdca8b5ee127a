package msf

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// NilStreamSize marks a deleted or nil stream in the directory.
const NilStreamSize = 0xFFFFFFFF

// Well-known stream indices.
const (
	StreamOldDirectory = 0 // back-compat slot for the pre-7.0 directory
	StreamPDBInfo      = 1 // PDB header (version, timestamp, age, GUID)
	StreamTPI          = 2
	StreamDBI          = 3
	StreamIPI          = 4
)

var (
	ErrTruncatedDirectory = errors.New("msf: truncated stream directory")
	ErrInvalidStreamIndex = errors.New("msf: invalid stream index")
	ErrInvalidBlockIndex  = errors.New("msf: invalid block index")
)

// StreamDirectory describes every stream in the container: a size per
// stream plus a jagged array of the blocks backing each one.
type StreamDirectory struct {
	NumStreams   uint32
	StreamSizes  []uint32
	StreamBlocks [][]uint32
}

// ParseDirectory decodes the directory from the concatenated contents
// of its blocks.
func ParseDirectory(data []byte, blockSize uint32) (*StreamDirectory, error) {
	if len(data) < 4 {
		return nil, ErrTruncatedDirectory
	}

	dir := &StreamDirectory{}
	offset := 0

	dir.NumStreams = binary.LittleEndian.Uint32(data[offset:])
	offset += 4

	if len(data) < offset+int(dir.NumStreams)*4 {
		return nil, ErrTruncatedDirectory
	}
	dir.StreamSizes = make([]uint32, dir.NumStreams)
	for i := uint32(0); i < dir.NumStreams; i++ {
		dir.StreamSizes[i] = binary.LittleEndian.Uint32(data[offset:])
		offset += 4
	}

	dir.StreamBlocks = make([][]uint32, dir.NumStreams)
	for i := uint32(0); i < dir.NumStreams; i++ {
		size := dir.StreamSizes[i]
		if size == NilStreamSize || size == 0 {
			continue
		}
		numBlocks := (size + blockSize - 1) / blockSize
		dir.StreamBlocks[i] = make([]uint32, numBlocks)
		for j := uint32(0); j < numBlocks; j++ {
			if offset+4 > len(data) {
				return nil, ErrTruncatedDirectory
			}
			dir.StreamBlocks[i][j] = binary.LittleEndian.Uint32(data[offset:])
			offset += 4
		}
	}

	return dir, nil
}

// StreamExists reports whether the stream exists and is not nil.
func (d *StreamDirectory) StreamExists(streamIndex uint32) bool {
	return streamIndex < d.NumStreams && d.StreamSizes[streamIndex] != NilStreamSize
}

// StreamSize returns the stream's size, or 0 for absent or nil streams.
func (d *StreamDirectory) StreamSize(streamIndex uint32) uint32 {
	if !d.StreamExists(streamIndex) {
		return 0
	}
	return d.StreamSizes[streamIndex]
}

// DirectoryReader reads the stream directory out of an MSF file,
// following the block-map indirection.
type DirectoryReader struct {
	sb   *SuperBlock
	data io.ReaderAt
}

func NewDirectoryReader(sb *SuperBlock, data io.ReaderAt) *DirectoryReader {
	return &DirectoryReader{sb: sb, data: data}
}

// ReadDirectory reads and parses the complete stream directory.
func (dr *DirectoryReader) ReadDirectory() (*StreamDirectory, error) {
	blockMap, err := dr.readBlockMap()
	if err != nil {
		return nil, err
	}
	directoryData, err := dr.readDirectoryBlocks(blockMap)
	if err != nil {
		return nil, err
	}
	return ParseDirectory(directoryData, dr.sb.BlockSize)
}

// readBlockMap reads the array of block indices that make up the
// stream directory.
func (dr *DirectoryReader) readBlockMap() ([]uint32, error) {
	numDirectoryBlocks := dr.sb.NumDirectoryBlocks()
	blockMapSize := numDirectoryBlocks * 4
	numBlockMapBlocks := (blockMapSize + dr.sb.BlockSize - 1) / dr.sb.BlockSize

	blockMapData := make([]byte, numBlockMapBlocks*dr.sb.BlockSize)
	for i := uint32(0); i < numBlockMapBlocks; i++ {
		off := dr.sb.BlockOffset(dr.sb.BlockMapAddr + i)
		if _, err := dr.data.ReadAt(blockMapData[i*dr.sb.BlockSize:(i+1)*dr.sb.BlockSize], off); err != nil {
			return nil, fmt.Errorf("msf: failed to read block map: %w", err)
		}
	}

	blockMap := make([]uint32, numDirectoryBlocks)
	for i := uint32(0); i < numDirectoryBlocks; i++ {
		blockMap[i] = binary.LittleEndian.Uint32(blockMapData[i*4:])
	}
	return blockMap, nil
}

// readDirectoryBlocks reads and concatenates all directory blocks.
func (dr *DirectoryReader) readDirectoryBlocks(blockIndices []uint32) ([]byte, error) {
	directoryData := make([]byte, dr.sb.NumDirectoryBytes)
	remaining := dr.sb.NumDirectoryBytes

	for i, blockIdx := range blockIndices {
		if blockIdx >= dr.sb.NumBlocks {
			return nil, fmt.Errorf("%w: %d >= %d", ErrInvalidBlockIndex, blockIdx, dr.sb.NumBlocks)
		}
		toRead := dr.sb.BlockSize
		if toRead > remaining {
			toRead = remaining
		}
		destOffset := uint32(i) * dr.sb.BlockSize
		if _, err := dr.data.ReadAt(directoryData[destOffset:destOffset+toRead], dr.sb.BlockOffset(blockIdx)); err != nil {
			return nil, fmt.Errorf("msf: failed to read directory block %d: %w", blockIdx, err)
		}
		remaining -= toRead
	}

	return directoryData, nil
}
