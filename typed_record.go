package mcap

import (
	"fmt"
)

// TypedRecordReader layers record parsing on top of a RecordReader, returning concrete
// parsed record structs instead of raw payload readers.
type TypedRecordReader struct {
	rr         *RecordReader
	buf        []byte
	computeCRC bool
}

// NewTypedRecordReader wraps rr to parse each record into its concrete type. computeCRC
// controls whether attachment CRCs are computed as their data is streamed.
func NewTypedRecordReader(rr *RecordReader, computeCRC bool) *TypedRecordReader {
	return &TypedRecordReader{rr: rr, computeCRC: computeCRC}
}

// Next parses and returns the next record in the stream. The returned value is one of
// *Header, *Footer, *Schema, *Channel, *Message, *Chunk (only if the underlying
// RecordReader was built with WithEmitChunks(true)), *MessageIndex, *ChunkIndex,
// *AttachmentReader, *AttachmentIndex, *Statistics, *Metadata, *MetadataIndex,
// *SummaryOffset, or *DataEnd.
func (t *TypedRecordReader) Next() (OpCode, interface{}, error) {
	op, r, length, err := t.rr.Next()
	if err != nil {
		return op, nil, err
	}
	if op == OpAttachment {
		ar, err := ParseAttachmentAsReader(r, t.computeCRC)
		if err != nil {
			return op, nil, fmt.Errorf("failed to parse attachment: %w", err)
		}
		return op, ar, nil
	}
	buf, err := ReadIntoOrReplace(r, length, &t.buf)
	if err != nil {
		return op, nil, fmt.Errorf("failed to read %s record: %w", op, err)
	}
	rec, err := parseTypedRecord(op, buf)
	if err != nil {
		return op, nil, err
	}
	return op, rec, nil
}

func parseTypedRecord(op OpCode, buf []byte) (interface{}, error) {
	switch op {
	case OpHeader:
		return ParseHeader(buf)
	case OpFooter:
		return ParseFooter(buf)
	case OpSchema:
		return ParseSchema(buf)
	case OpChannel:
		return ParseChannel(buf)
	case OpMessage:
		return ParseMessage(buf)
	case OpChunk:
		return ParseChunk(buf)
	case OpMessageIndex:
		return ParseMessageIndex(buf)
	case OpChunkIndex:
		return ParseChunkIndex(buf)
	case OpAttachmentIndex:
		return ParseAttachmentIndex(buf)
	case OpStatistics:
		return ParseStatistics(buf)
	case OpMetadata:
		return ParseMetadata(buf)
	case OpMetadataIndex:
		return ParseMetadataIndex(buf)
	case OpSummaryOffset:
		return ParseSummaryOffset(buf)
	case OpDataEnd:
		return ParseDataEnd(buf)
	default:
		return nil, newErrUnexpectedToken(op, "a known record type")
	}
}
