package mcap

import (
	"bytes"
	"fmt"
	"hash"
	"hash/crc32"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// compressionMinBytes and compressionMinRatio implement the writer's compression escape
// hatch: a chunk smaller than compressionMinBytes, or one that does not compress to
// within compressionMinRatio of its original size, is stored uncompressed unless the
// caller has set ForceCompression. These thresholds are part of the file format's
// observable contract and must not change without a version bump.
const (
	compressionMinBytes = 1024
	compressionMinRatio = 1.02
)

// chunkBuffer accumulates the Schema, Channel, and Message record bytes that make up a
// single Chunk record. It is the writer's sole means of producing a Chunk record's body:
// it holds the raw uncompressed bytes (for CRC and for the compression escape hatch),
// streams them through a compressor on Finish, and tracks the chunk's message time range.
type chunkBuffer struct {
	uncompressed *bytes.Buffer
	compressed   *bytes.Buffer
	compressor   ResettableWriteCloser
	format       CompressionFormat
	level        CompressionLevel
	computeCRC   bool
	forceCompress bool
	crc          hash.Hash32

	startTime uint64
	endTime   uint64
	hasTime   bool
}

func newChunkBuffer(format CompressionFormat, level CompressionLevel, computeCRC bool, forceCompress bool) (*chunkBuffer, error) {
	compressed := &bytes.Buffer{}
	compressor, err := newCompressor(format, level, compressed)
	if err != nil {
		return nil, err
	}
	return &chunkBuffer{
		uncompressed:  &bytes.Buffer{},
		compressed:    compressed,
		compressor:    compressor,
		format:        format,
		level:         level,
		computeCRC:    computeCRC,
		forceCompress: forceCompress,
		crc:           crc32.NewIEEE(),
	}, nil
}

func newCompressor(format CompressionFormat, level CompressionLevel, dst *bytes.Buffer) (ResettableWriteCloser, error) {
	switch format {
	case CompressionZSTD:
		w, err := zstd.NewWriter(dst, zstd.WithEncoderLevel(level.zstdLevel()))
		if err != nil {
			return nil, fmt.Errorf("failed to build zstd writer: %w", err)
		}
		return w, nil
	case CompressionLZ4:
		w := lz4.NewWriter(dst)
		if err := w.Apply(lz4.CompressionLevelOption(level.lz4Level())); err != nil {
			return nil, fmt.Errorf("failed to configure lz4 writer: %w", err)
		}
		return w, nil
	case CompressionNone:
		return bufCloser{dst}, nil
	default:
		return nil, fmt.Errorf("unsupported compression format %q", format)
	}
}

// Write appends record bytes to the chunk's uncompressed body.
func (c *chunkBuffer) Write(p []byte) (int, error) {
	n, err := c.uncompressed.Write(p)
	if err != nil {
		return n, err
	}
	if c.computeCRC {
		_, _ = c.crc.Write(p)
	}
	return n, nil
}

// Empty reports whether any record bytes have been written since the last Clear.
func (c *chunkBuffer) Empty() bool {
	return c.uncompressed.Len() == 0
}

// UncompressedLen returns the number of raw record bytes accumulated so far.
func (c *chunkBuffer) UncompressedLen() int {
	return c.uncompressed.Len()
}

// UpdateTimeRange extends the chunk's [startTime, endTime] span to include t.
func (c *chunkBuffer) UpdateTimeRange(t uint64) {
	if !c.hasTime {
		c.startTime, c.endTime, c.hasTime = t, t, true
		return
	}
	if t < c.startTime {
		c.startTime = t
	}
	if t > c.endTime {
		c.endTime = t
	}
}

// finishedChunk holds the result of compressing a chunkBuffer's contents, ready to be
// serialized as a Chunk record.
type finishedChunk struct {
	startTime        uint64
	endTime          uint64
	uncompressedSize uint64
	uncompressedCRC  uint32
	compression      CompressionFormat
	body             []byte
}

// Finish finalizes compression of the accumulated bytes and applies the compression
// escape hatch: if the compressor was not materially beneficial (raw size below
// compressionMinBytes, or uncompressed/compressed ratio below compressionMinRatio) and
// ForceCompression was not requested, the chunk is emitted uncompressed instead.
func (c *chunkBuffer) Finish() (finishedChunk, error) {
	uncompressedLen := c.uncompressed.Len()
	var crc uint32
	if c.computeCRC {
		crc = c.crc.Sum32()
	}
	result := finishedChunk{
		startTime:        c.startTime,
		endTime:          c.endTime,
		uncompressedSize: uint64(uncompressedLen),
		uncompressedCRC:  crc,
	}
	if c.format == CompressionNone {
		result.compression = CompressionNone
		result.body = append([]byte(nil), c.uncompressed.Bytes()...)
		return result, nil
	}
	if _, err := c.compressor.Write(c.uncompressed.Bytes()); err != nil {
		return finishedChunk{}, fmt.Errorf("failed to compress chunk: %w", err)
	}
	if err := c.compressor.Close(); err != nil {
		return finishedChunk{}, fmt.Errorf("failed to close chunk compressor: %w", err)
	}
	compressedLen := c.compressed.Len()
	useRaw := !c.forceCompress && (uncompressedLen < compressionMinBytes ||
		(compressedLen > 0 && float64(uncompressedLen)/float64(compressedLen) < compressionMinRatio))
	if useRaw {
		result.compression = CompressionNone
		result.body = append([]byte(nil), c.uncompressed.Bytes()...)
		return result, nil
	}
	result.compression = c.format
	result.body = append([]byte(nil), c.compressed.Bytes()...)
	return result, nil
}

// Clear resets the chunk buffer to empty, ready for reuse on the next chunk.
func (c *chunkBuffer) Clear() {
	c.uncompressed.Reset()
	c.compressed.Reset()
	c.compressor.Reset(c.compressed)
	c.crc.Reset()
	c.hasTime = false
	c.startTime = 0
	c.endTime = 0
}
