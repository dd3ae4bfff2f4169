package mcap

import (
	"bytes"
	"errors"
	"fmt"
	"hash/crc32"
	"io"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// RecordReaderOptions configures a RecordReader's treatment of the data section.
type RecordReaderOptions struct {
	// SkipMagic causes the reader to assume the leading 8-byte magic has already been
	// consumed from the underlying stream (used when positioned mid-file, e.g. by seek).
	SkipMagic bool
	// ValidateChunkCRCs causes chunks to be checked against their recorded uncompressed
	// CRC as they are decompressed. A mismatch surfaces as ErrChunkCRCMismatch.
	ValidateChunkCRCs bool
	// EmitChunks, if true, surfaces Chunk records to the caller whole rather than
	// transparently decompressing and replaying their contents as the inner records.
	EmitChunks bool
	// MaxDecompressedChunkSize bounds the allowed uncompressed size of a chunk. Zero means
	// unlimited.
	MaxDecompressedChunkSize int64
	// MaxRecordSize bounds the allowed length of any single record. Zero means unlimited.
	MaxRecordSize int64
}

// RecordReaderOption configures a RecordReader at construction time.
type RecordReaderOption func(*RecordReaderOptions)

func WithSkipMagic(skip bool) RecordReaderOption {
	return func(o *RecordReaderOptions) { o.SkipMagic = skip }
}

func WithValidateChunkCRCs(validate bool) RecordReaderOption {
	return func(o *RecordReaderOptions) { o.ValidateChunkCRCs = validate }
}

func WithEmitChunks(emit bool) RecordReaderOption {
	return func(o *RecordReaderOptions) { o.EmitChunks = emit }
}

func WithMaxDecompressedChunkSize(n int64) RecordReaderOption {
	return func(o *RecordReaderOptions) { o.MaxDecompressedChunkSize = n }
}

func WithMaxRecordSize(n int64) RecordReaderOption {
	return func(o *RecordReaderOptions) { o.MaxRecordSize = n }
}

// RecordReader reads the sequence of TLV records that make up an MCAP data or summary
// section from an underlying io.Reader, transparently unwrapping Chunk records into
// their contained Schema/Channel/Message records unless EmitChunks is set.
//
// Next returns a reader limited to exactly the current record's payload; that reader
// must be fully consumed (or discarded in favor of ParseAttachmentAsReader, for
// Attachment records) before the next call to Next.
type RecordReader struct {
	r    io.Reader
	opts RecordReaderOptions

	headerBuf    []byte
	chunkBuf     []byte
	decompressed []byte

	sub       *bytes.Reader
	sawFooter bool

	zstdDecoder *zstd.Decoder
	lz4Reader   *lz4.Reader
}

// NewRecordReader constructs a RecordReader over r, which must be positioned at the
// start of the file unless WithSkipMagic is given.
func NewRecordReader(r io.Reader, opts ...RecordReaderOption) (*RecordReader, error) {
	rr := &RecordReader{
		r:         r,
		headerBuf: make([]byte, 9),
	}
	for _, opt := range opts {
		opt(&rr.opts)
	}
	if !rr.opts.SkipMagic {
		magic := make([]byte, len(Magic))
		if _, err := io.ReadFull(r, magic); err != nil {
			return nil, fmt.Errorf("failed to read leading magic: %w", err)
		}
		if !bytes.Equal(magic, Magic) {
			return nil, &ErrBadMagicAt{location: magicLocationStart, actual: magic}
		}
	}
	return rr, nil
}

// Next returns the opcode of the next record, a reader limited to its payload, and the
// payload's length. It returns io.EOF once the trailing magic has been read and
// validated following the Footer record.
func (rr *RecordReader) Next() (OpCode, io.Reader, int64, error) {
	for {
		source := rr.r
		inChunk := false
		if rr.sub != nil {
			if rr.sub.Len() == 0 {
				rr.sub = nil
			} else {
				source = rr.sub
				inChunk = true
			}
		}
		if !inChunk && rr.sawFooter {
			return rr.handleMainEOF()
		}
		op, length, err := rr.readHeader(source)
		if err != nil {
			if errors.Is(err, io.EOF) {
				if inChunk {
					return 0, nil, 0, fmt.Errorf("truncated record inside chunk: %w", io.ErrUnexpectedEOF)
				}
				return rr.handleMainEOF()
			}
			return 0, nil, 0, err
		}
		if op == OpChunk {
			if inChunk {
				return 0, nil, 0, ErrNestedChunk
			}
			if rr.opts.EmitChunks {
				return op, io.LimitReader(source, int64(length)), int64(length), nil
			}
			if err := rr.enterChunk(length); err != nil {
				return 0, nil, 0, err
			}
			continue
		}
		rr.sawFooter = op == OpFooter
		return op, io.LimitReader(source, int64(length)), int64(length), nil
	}
}

func (rr *RecordReader) readHeader(source io.Reader) (OpCode, uint64, error) {
	if _, err := io.ReadFull(source, rr.headerBuf[:1]); err != nil {
		return 0, 0, err
	}
	op := OpCode(rr.headerBuf[0])
	if op == OpReserved {
		return 0, 0, ErrInvalidZeroOpcode
	}
	if _, err := io.ReadFull(source, rr.headerBuf[1:9]); err != nil {
		return 0, 0, fmt.Errorf("truncated record length after %s opcode: %w", op, io.ErrUnexpectedEOF)
	}
	length, _, err := getUint64(rr.headerBuf, 1)
	if err != nil {
		return 0, 0, err
	}
	if rr.opts.MaxRecordSize > 0 && length > uint64(rr.opts.MaxRecordSize) {
		return 0, 0, newErrRecordSizeExceeded(length, rr.opts.MaxRecordSize)
	}
	return op, length, nil
}

func (rr *RecordReader) handleMainEOF() (OpCode, io.Reader, int64, error) {
	if !rr.sawFooter {
		return 0, nil, 0, fmt.Errorf("file ended before footer record: %w", io.ErrUnexpectedEOF)
	}
	trailing := make([]byte, len(Magic))
	if _, err := io.ReadFull(rr.r, trailing); err != nil {
		return 0, nil, 0, fmt.Errorf("failed to read trailing magic: %w", err)
	}
	if !bytes.Equal(trailing, Magic) {
		return 0, nil, 0, &ErrBadMagicAt{location: magicLocationEnd, actual: trailing}
	}
	return 0, nil, 0, io.EOF
}

func (rr *RecordReader) enterChunk(length uint64) error {
	buf, err := ReadIntoOrReplace(rr.r, int64(length), &rr.chunkBuf)
	if err != nil {
		return fmt.Errorf("failed to read chunk record: %w", err)
	}
	chunk, err := ParseChunk(buf)
	if err != nil {
		return fmt.Errorf("failed to parse chunk: %w", err)
	}
	if rr.opts.MaxDecompressedChunkSize > 0 && chunk.UncompressedSize > uint64(rr.opts.MaxDecompressedChunkSize) {
		return newErrChunkSizeExceeded(chunk.UncompressedSize, rr.opts.MaxDecompressedChunkSize)
	}
	decompressed, err := rr.decompressChunk(chunk)
	if err != nil {
		return err
	}
	if rr.opts.ValidateChunkCRCs && chunk.UncompressedCRC != 0 {
		if crc32.ChecksumIEEE(decompressed) != chunk.UncompressedCRC {
			return ErrChunkCRCMismatch
		}
	}
	rr.sub = bytes.NewReader(decompressed)
	return nil
}

func (rr *RecordReader) decompressChunk(chunk *Chunk) ([]byte, error) {
	switch CompressionFormat(chunk.Compression) {
	case CompressionNone:
		return chunk.Records, nil
	case CompressionZSTD:
		if rr.zstdDecoder == nil {
			dec, err := zstd.NewDecoder(nil)
			if err != nil {
				return nil, fmt.Errorf("failed to build zstd decoder: %w", err)
			}
			rr.zstdDecoder = dec
		}
		out, err := rr.zstdDecoder.DecodeAll(chunk.Records, rr.decompressed[:0])
		if err != nil {
			return nil, fmt.Errorf("failed to decompress zstd chunk: %w", err)
		}
		rr.decompressed = out
		if uint64(len(out)) != chunk.UncompressedSize {
			return nil, ErrDecompressionSizeMismatch
		}
		return out, nil
	case CompressionLZ4:
		if rr.lz4Reader == nil {
			rr.lz4Reader = lz4.NewReader(nil)
		}
		rr.lz4Reader.Reset(bytes.NewReader(chunk.Records))
		out, err := ReadIntoOrReplace(rr.lz4Reader, int64(chunk.UncompressedSize), &rr.decompressed)
		if err != nil {
			return nil, fmt.Errorf("failed to decompress lz4 chunk: %w", err)
		}
		return out, nil
	default:
		return nil, ErrUnrecognizedCompression
	}
}
