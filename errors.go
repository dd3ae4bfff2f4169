package mcap

import (
	"errors"
	"fmt"
	"io"

	"github.com/dustin/go-humanize"
)

// Caller errors (spec error kind: NotOpen, InvalidSchemaId, InvalidChannelId). Returned
// synchronously from the offending call; library state is left unchanged.
var (
	ErrNotOpen        = errors.New("writer is not open for writing")
	ErrAlreadyOpen    = errors.New("writer is already open")
	ErrTerminated     = errors.New("writer has been terminated")
	ErrUnknownSchema  = errors.New("unknown schema id")
	ErrUnknownChannel = errors.New("unknown channel id")
)

// Fatal structural errors (spec error kind: FileTooSmall, MagicMismatch, InvalidFile).
var (
	ErrFileTooSmall  = errors.New("file too small to be a valid mcap file")
	ErrBadMagic      = errors.New("not an mcap file: invalid magic bytes")
	ErrInvalidFile   = errors.New("invalid mcap file")
	ErrNestedChunk   = errors.New("detected nested chunk")
)

// Recoverable parse errors (spec error kind: InvalidRecord, InvalidOpCode,
// DecompressionFailed, DecompressionSizeMismatch, UnrecognizedCompression). Of these,
// only ErrChunkCRCMismatch is passed to a Content iterator's problem callback, which can
// have the offending chunk skipped; the others are returned from Next.
var (
	ErrChunkTooLarge              = errors.New("chunk exceeds configured maximum size")
	ErrRecordTooLarge             = errors.New("record exceeds configured maximum size")
	ErrInvalidZeroOpcode          = errors.New("invalid zero opcode")
	ErrLengthOutOfRange           = errors.New("length out of int32 range")
	ErrUnrecognizedCompression    = errors.New("unrecognized compression format")
	ErrDecompressionSizeMismatch  = errors.New("decompressed chunk size does not match uncompressed_size")
	ErrChunkCRCMismatch           = errors.New("chunk CRC does not match computed CRC")
	ErrAttachmentCRCMismatch      = errors.New("attachment CRC does not match computed CRC")
	ErrSummaryCRCMismatch         = errors.New("summary CRC does not match computed CRC")
	ErrAttachmentDataSizeIncorrect = errors.New("attachment content length incorrect")
	ErrMetadataNotFound            = errors.New("metadata not found")
	ErrBadOffset                   = errors.New("invalid offset")
)

// ErrChunkSizeExceeded reports a chunk whose decompressed size crossed the configured
// limit, rendering both sizes in human-readable form for diagnostic messages.
type ErrChunkSizeExceeded struct {
	actual uint64
	limit  int64
}

func newErrChunkSizeExceeded(actual uint64, limit int64) error {
	return &ErrChunkSizeExceeded{actual: actual, limit: limit}
}

func (e *ErrChunkSizeExceeded) Error() string {
	return fmt.Sprintf("chunk decompresses to %s, exceeding configured maximum of %s",
		humanize.Bytes(e.actual), humanize.Bytes(uint64(e.limit)))
}

func (e *ErrChunkSizeExceeded) Is(target error) bool {
	return target == ErrChunkTooLarge
}

// ErrRecordSizeExceeded reports a record whose declared length crossed the configured
// limit, rendering both sizes in human-readable form for diagnostic messages.
type ErrRecordSizeExceeded struct {
	actual uint64
	limit  int64
}

func newErrRecordSizeExceeded(actual uint64, limit int64) error {
	return &ErrRecordSizeExceeded{actual: actual, limit: limit}
}

func (e *ErrRecordSizeExceeded) Error() string {
	return fmt.Sprintf("record declares length %s, exceeding configured maximum of %s",
		humanize.Bytes(e.actual), humanize.Bytes(uint64(e.limit)))
}

func (e *ErrRecordSizeExceeded) Is(target error) bool {
	return target == ErrRecordTooLarge
}

// ErrUnexpectedToken indicates an unexpected opcode was found where the reader did not
// expect one (for instance, a non-Schema/Channel/Message opcode inside a chunk).
type ErrUnexpectedToken struct {
	found    OpCode
	expected string
}

func newErrUnexpectedToken(found OpCode, expected string) error {
	return &ErrUnexpectedToken{found: found, expected: expected}
}

func (e *ErrUnexpectedToken) Error() string {
	return fmt.Sprintf("unexpected %s record, expected %s", e.found, e.expected)
}

func (e *ErrUnexpectedToken) Is(target error) bool {
	var err *ErrUnexpectedToken
	return errors.As(target, &err)
}

// ErrTruncatedRecord indicates not enough data was available to parse a certain record.
type ErrTruncatedRecord struct {
	opcode      OpCode
	actualLen   int
	expectedLen uint64
}

func (e *ErrTruncatedRecord) Error() string {
	if e.expectedLen == 0 {
		return fmt.Sprintf(
			"mcap truncated in record length field after %s opcode (0x%x), received %d bytes",
			e.opcode.String(), byte(e.opcode), e.actualLen)
	}
	return fmt.Sprintf(
		"mcap truncated in %s (0x%x) record content with expected length %d, data ended after %d bytes",
		e.opcode.String(), byte(e.opcode), e.expectedLen, e.actualLen)
}

func (e *ErrTruncatedRecord) Unwrap() error {
	return io.ErrUnexpectedEOF
}

// ErrBadMagicAt reports invalid magic bytes together with the location observed.
type ErrBadMagicAt struct {
	location magicLocation
	actual   []byte
}

func (e *ErrBadMagicAt) Error() string {
	return fmt.Sprintf("invalid magic at %s of file, found: %v", e.location, e.actual)
}

func (e *ErrBadMagicAt) Is(target error) bool {
	var err *ErrBadMagicAt
	if errors.As(target, &err) {
		return true
	}
	return errors.Is(ErrBadMagic, target)
}

type magicLocation int

const (
	magicLocationStart magicLocation = iota
	magicLocationEnd
)

func (m magicLocation) String() string {
	if m == magicLocationStart {
		return "start"
	}
	return "end"
}
