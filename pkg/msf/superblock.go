// Package msf reads and writes the MSF (Multi-Stream File) container
// format backing Microsoft PDB files: a fixed-size-block store holding
// numbered streams, described by a stream directory that is itself
// reached through one level of block-map indirection.
package msf

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Magic signature for the 7.0 ("BigMsf") format.
const Magic = "Microsoft C/C++ MSF 7.00\r\n\x1a\x44\x53\x00\x00\x00"

const MagicSize = 32

// SuperBlockSize is the total size of the SuperBlock structure.
const SuperBlockSize = 56

const (
	BlockSizeMin uint32 = 512
	BlockSizeMax uint32 = 65536
)

var (
	ErrInvalidMagic     = errors.New("msf: invalid magic signature, not a valid PDB file")
	ErrInvalidBlockSize = errors.New("msf: invalid block size")
	ErrInvalidFPMBlock  = errors.New("msf: invalid free block map block index")
	ErrTruncatedFile    = errors.New("msf: file is truncated")
)

// SuperBlock sits at file offset 0 and describes the block layout and
// the location of the stream directory.
type SuperBlock struct {
	FileMagic [MagicSize]byte

	// BlockSize is the container's internal block size.
	BlockSize uint32

	// FreeBlockMapBlock is the index of the active FPM block, always 1
	// or 2. Writers alternate between the two for atomic updates.
	FreeBlockMapBlock uint32

	// NumBlocks times BlockSize equals the file size.
	NumBlocks uint32

	// NumDirectoryBytes is the stream directory size in bytes.
	NumDirectoryBytes uint32

	Unknown uint32

	// BlockMapAddr is the block holding the array of block indices that
	// make up the stream directory.
	BlockMapAddr uint32
}

// ReadSuperBlock reads and validates a SuperBlock positioned at the
// start of the reader.
func ReadSuperBlock(r io.Reader) (*SuperBlock, error) {
	var sb SuperBlock
	if err := binary.Read(r, binary.LittleEndian, &sb); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return nil, ErrTruncatedFile
		}
		return nil, fmt.Errorf("msf: failed to read superblock: %w", err)
	}
	if err := sb.Validate(); err != nil {
		return nil, err
	}
	return &sb, nil
}

// Validate checks the SuperBlock for internal consistency.
func (sb *SuperBlock) Validate() error {
	if string(sb.FileMagic[:]) != Magic {
		return ErrInvalidMagic
	}
	if sb.BlockSize < BlockSizeMin || sb.BlockSize > BlockSizeMax ||
		sb.BlockSize&(sb.BlockSize-1) != 0 {
		return ErrInvalidBlockSize
	}
	if sb.FreeBlockMapBlock != 1 && sb.FreeBlockMapBlock != 2 {
		return ErrInvalidFPMBlock
	}
	return nil
}

// NumDirectoryBlocks is the block count of the stream directory.
func (sb *SuperBlock) NumDirectoryBlocks() uint32 {
	return (sb.NumDirectoryBytes + sb.BlockSize - 1) / sb.BlockSize
}

// FileSize is the expected file size in bytes.
func (sb *SuperBlock) FileSize() int64 {
	return int64(sb.NumBlocks) * int64(sb.BlockSize)
}

// BlockOffset is the byte offset of the given block.
func (sb *SuperBlock) BlockOffset(blockNum uint32) int64 {
	return int64(blockNum) * int64(sb.BlockSize)
}
