package msf

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Writer lays out a new MSF container from a full stream table and
// serializes it. Blocks are assigned sequentially, skipping the two
// free-page-map indices of every block-size interval; the directory and
// its block map land after the stream data.
type Writer struct {
	blockSize  uint32
	streams    [][]byte
	nilStreams []bool
}

// NewWriter creates a writer for the given block size.
func NewWriter(blockSize uint32) (*Writer, error) {
	if blockSize < BlockSizeMin || blockSize > BlockSizeMax ||
		blockSize&(blockSize-1) != 0 {
		return nil, ErrInvalidBlockSize
	}
	return &Writer{blockSize: blockSize}, nil
}

func (w *Writer) grow(index int) {
	for len(w.streams) <= index {
		w.streams = append(w.streams, nil)
		w.nilStreams = append(w.nilStreams, false)
	}
}

// SetStream sets the contents of a stream. Unset streams below the
// highest index default to empty streams.
func (w *Writer) SetStream(index int, data []byte) {
	w.grow(index)
	w.streams[index] = data
	w.nilStreams[index] = false
}

// SetNilStream marks a stream as nil (deleted), preserving the
// directory slot.
func (w *Writer) SetNilStream(index int) {
	w.grow(index)
	w.streams[index] = nil
	w.nilStreams[index] = true
}

// NumStreams is the current stream table length.
func (w *Writer) NumStreams() int {
	return len(w.streams)
}

// WriteTo serializes the container. It implements io.WriterTo.
func (w *Writer) WriteTo(out io.Writer) (int64, error) {
	bs := w.blockSize

	// Sequential allocator. Indices 1 and 2 of every interval of
	// blockSize blocks belong to the free page maps.
	next := uint32(3)
	allocBlock := func() uint32 {
		for next%bs == 1 || next%bs == 2 {
			next++
		}
		b := next
		next++
		return b
	}

	blocks := make(map[uint32][]byte)
	writeData := func(data []byte) []uint32 {
		n := (uint32(len(data)) + bs - 1) / bs
		indices := make([]uint32, n)
		for i := uint32(0); i < n; i++ {
			b := allocBlock()
			indices[i] = b
			end := (i + 1) * bs
			if end > uint32(len(data)) {
				end = uint32(len(data))
			}
			blocks[b] = data[i*bs : end]
		}
		return indices
	}

	// Stream data first, in stream order.
	streamBlocks := make([][]uint32, len(w.streams))
	for i, data := range w.streams {
		if w.nilStreams[i] {
			continue
		}
		streamBlocks[i] = writeData(data)
	}

	// Directory: count, sizes, then the block list of every live stream.
	var dir bytes.Buffer
	putUint32 := func(v uint32) {
		var b [4]byte
		binary.LittleEndian.PutUint32(b[:], v)
		dir.Write(b[:])
	}
	putUint32(uint32(len(w.streams)))
	for i, data := range w.streams {
		if w.nilStreams[i] {
			putUint32(NilStreamSize)
		} else {
			putUint32(uint32(len(data)))
		}
	}
	for i := range w.streams {
		for _, b := range streamBlocks[i] {
			putUint32(b)
		}
	}

	dirBytes := dir.Bytes()
	dirBlocks := writeData(dirBytes)

	// The block map must fit in a single block; the directory reader
	// assumes its blocks are consecutive, which the FPM-skipping
	// allocator cannot guarantee past one block.
	if uint32(len(dirBlocks))*4 > bs {
		return 0, errors.New("msf: stream directory too large")
	}
	blockMap := make([]byte, len(dirBlocks)*4)
	for i, b := range dirBlocks {
		binary.LittleEndian.PutUint32(blockMap[i*4:], b)
	}
	blockMapAddr := allocBlock()
	blocks[blockMapAddr] = blockMap

	numBlocks := next

	// Free page maps. Every block below numBlocks is in use; a set bit
	// means free. The active FPM holds the bitmap in blockSize-byte
	// chunks at stride blockSize; the inactive one is left all-free.
	numFpmChunks := (numBlocks - 1 + bs - 1) / bs
	bitmap := make([]byte, numFpmChunks*bs)
	for i := range bitmap {
		bitmap[i] = 0xFF
	}
	for b := uint32(0); b < numBlocks; b++ {
		bitmap[b/8] &^= 1 << (b % 8)
	}
	freeChunk := make([]byte, bs)
	for i := range freeChunk {
		freeChunk[i] = 0xFF
	}
	for m := uint32(0); m < numFpmChunks; m++ {
		blocks[1+m*bs] = bitmap[m*bs : (m+1)*bs]
		blocks[2+m*bs] = freeChunk
	}

	sb := SuperBlock{
		BlockSize:         bs,
		FreeBlockMapBlock: 1,
		NumBlocks:         numBlocks,
		NumDirectoryBytes: uint32(len(dirBytes)),
		BlockMapAddr:      blockMapAddr,
	}
	copy(sb.FileMagic[:], Magic)
	var sbBuf bytes.Buffer
	if err := binary.Write(&sbBuf, binary.LittleEndian, &sb); err != nil {
		return 0, err
	}
	blocks[0] = sbBuf.Bytes()

	// Emit every block in order, zero-padded to the block size.
	var written int64
	pad := make([]byte, bs)
	for b := uint32(0); b < numBlocks; b++ {
		content := blocks[b]
		if uint32(len(content)) > bs {
			return 0, fmt.Errorf("msf: block %d overflows the block size", b)
		}
		n, err := out.Write(content)
		written += int64(n)
		if err != nil {
			return written, err
		}
		n, err = out.Write(pad[:bs-uint32(len(content))])
		written += int64(n)
		if err != nil {
			return written, err
		}
	}

	return written, nil
}
