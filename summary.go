package mcap

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// SummaryMethod selects how ReadSummary resolves a file's Info.
type SummaryMethod int

const (
	// NoFallbackScan requires a valid summary section; it returns an error if the file
	// has none or its parsing fails.
	NoFallbackScan SummaryMethod = iota
	// AllowFallbackScan parses the summary section if present and valid, and otherwise
	// downgrades to a full scan of the data section.
	AllowFallbackScan
	// ForceScan always walks the entire data section, synthesizing a Info from what is
	// observed rather than trusting the summary section.
	ForceScan
)

// ReadSummary resolves an Info for the reader's file according to method. It requires a
// seekable source.
func (r *Reader) ReadSummary(method SummaryMethod) (*Info, error) {
	if method == ForceScan {
		return r.scanSummary()
	}
	info, err := r.Info()
	if err == nil && info != nil {
		return info, nil
	}
	if method == AllowFallbackScan {
		return r.scanSummary()
	}
	if err != nil {
		return nil, err
	}
	return nil, errors.New("mcap has no summary section and fallback scanning was not allowed")
}

// scanSummary walks the entire data section, synthesizing the schema/channel maps,
// chunk indexes, and statistics that a summary section would otherwise have recorded.
func (r *Reader) scanSummary() (*Info, error) {
	if r.rs == nil {
		return nil, errors.New("scanning a summary requires a seekable source")
	}
	if _, err := r.rs.Seek(0, io.SeekStart); err != nil {
		return nil, fmt.Errorf("seek error: %w", err)
	}
	rr, err := NewRecordReader(r.rs, WithEmitChunks(true))
	if err != nil {
		return nil, err
	}
	info := &Info{
		Schemas:  make(map[uint16]*Schema),
		Channels: make(map[uint16]*Channel),
		Statistics: &Statistics{
			ChannelMessageCounts: make(map[uint16]uint64),
		},
	}
	var buf []byte
	for {
		offset, err := r.rs.Seek(0, io.SeekCurrent)
		if err != nil {
			return nil, fmt.Errorf("seek error: %w", err)
		}
		op, body, length, err := rr.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return info, nil
			}
			return nil, fmt.Errorf("failed to scan record: %w", err)
		}
		if op == OpAttachment {
			ar, err := ParseAttachmentAsReader(body, false)
			if err != nil {
				return nil, fmt.Errorf("failed to parse attachment: %w", err)
			}
			if _, err := io.Copy(io.Discard, ar.Data()); err != nil {
				return nil, fmt.Errorf("failed to read attachment data: %w", err)
			}
			if _, err := ar.ParsedCRC(); err != nil {
				return nil, fmt.Errorf("failed to read attachment crc: %w", err)
			}
			info.AttachmentIndexes = append(info.AttachmentIndexes, &AttachmentIndex{
				Offset:     uint64(offset),
				LogTime:    ar.LogTime,
				CreateTime: ar.CreateTime,
				DataSize:   ar.DataSize,
				Name:       ar.Name,
				MediaType:  ar.MediaType,
			})
			info.Statistics.AttachmentCount++
			continue
		}
		payload, err := ReadIntoOrReplace(body, length, &buf)
		if err != nil {
			return nil, fmt.Errorf("failed to read %s record: %w", op, err)
		}
		switch op {
		case OpHeader:
			header, err := ParseHeader(payload)
			if err != nil {
				return nil, err
			}
			info.Header = header
		case OpSchema:
			schema, err := ParseSchema(payload)
			if err != nil {
				return nil, err
			}
			if _, ok := info.Schemas[schema.ID]; !ok {
				info.Schemas[schema.ID] = schema
				info.Statistics.SchemaCount++
			}
		case OpChannel:
			channel, err := ParseChannel(payload)
			if err != nil {
				return nil, err
			}
			if _, ok := info.Channels[channel.ID]; !ok {
				info.Channels[channel.ID] = channel
				info.Statistics.ChannelCount++
			}
		case OpMessage:
			msg, err := ParseMessage(payload)
			if err != nil {
				return nil, err
			}
			r.observeMessage(info, msg)
		case OpChunk:
			ci, err := r.synthesizeChunkIndex(info, uint64(offset), 1+8+uint64(length), payload)
			if err != nil {
				return nil, err
			}
			info.ChunkIndexes = append(info.ChunkIndexes, ci)
			info.Statistics.ChunkCount++
		case OpMetadata:
			metadata, err := ParseMetadata(payload)
			if err != nil {
				return nil, err
			}
			info.MetadataIndexes = append(info.MetadataIndexes, &MetadataIndex{
				Offset: uint64(offset),
				Name:   metadata.Name,
			})
			info.Statistics.MetadataCount++
		case OpFooter:
			footer, err := ParseFooter(payload)
			if err != nil {
				return nil, err
			}
			info.Footer = footer
		default:
			// DataEnd, MessageIndex, ChunkIndex, Statistics, and other index or
			// summary records carry nothing the scan rebuilds from; skip them.
		}
	}
}

// observeMessage folds a scanned Message into info's statistics and message-count table.
func (r *Reader) observeMessage(info *Info, msg *Message) {
	info.Statistics.MessageCount++
	info.Statistics.ChannelMessageCounts[msg.ChannelID]++
	if info.Statistics.MessageCount == 1 || msg.LogTime < info.Statistics.MessageStartTime {
		info.Statistics.MessageStartTime = msg.LogTime
	}
	if msg.LogTime > info.Statistics.MessageEndTime {
		info.Statistics.MessageEndTime = msg.LogTime
	}
}

// synthesizeChunkIndex decompresses a scanned chunk to build the ChunkIndex a summary
// section would have recorded for it, folding its messages into info's statistics.
func (r *Reader) synthesizeChunkIndex(info *Info, chunkOffset, chunkRecordLength uint64, payload []byte) (*ChunkIndex, error) {
	chunk, err := ParseChunk(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to parse chunk: %w", err)
	}
	var decompressed []byte
	switch CompressionFormat(chunk.Compression) {
	case CompressionNone:
		decompressed = chunk.Records
	case CompressionZSTD:
		dec, err := zstd.NewReader(bytes.NewReader(chunk.Records))
		if err != nil {
			return nil, fmt.Errorf("failed to build zstd decoder: %w", err)
		}
		defer dec.Close()
		decompressed, err = io.ReadAll(dec)
		if err != nil {
			return nil, fmt.Errorf("failed to decompress zstd chunk: %w", err)
		}
	case CompressionLZ4:
		decompressed, err = io.ReadAll(lz4.NewReader(bytes.NewReader(chunk.Records)))
		if err != nil {
			return nil, fmt.Errorf("failed to decompress lz4 chunk: %w", err)
		}
	default:
		return nil, ErrUnrecognizedCompression
	}
	if chunk.UncompressedCRC != 0 && crc32.ChecksumIEEE(decompressed) != chunk.UncompressedCRC {
		return nil, ErrChunkCRCMismatch
	}
	ci := &ChunkIndex{
		ChunkStartOffset:    chunkOffset,
		ChunkLength:         chunkRecordLength,
		Compression:         CompressionFormat(chunk.Compression),
		CompressedSize:      uint64(len(chunk.Records)),
		UncompressedSize:    chunk.UncompressedSize,
		MessageIndexOffsets: make(map[uint16]uint64),
	}
	var chunkMessages uint64
	for offset := uint64(0); offset < uint64(len(decompressed)); {
		if offset+9 > uint64(len(decompressed)) {
			return nil, fmt.Errorf("truncated record in chunk at offset %d", offset)
		}
		op := OpCode(decompressed[offset])
		recordLen := binary.LittleEndian.Uint64(decompressed[offset+1:])
		recordStart := offset + 9
		recordEnd := recordStart + recordLen
		if recordEnd > uint64(len(decompressed)) {
			return nil, fmt.Errorf("%s record in chunk overruns chunk bounds", op)
		}
		record := decompressed[recordStart:recordEnd]
		switch op {
		case OpSchema:
			schema, err := ParseSchema(record)
			if err != nil {
				return nil, err
			}
			if _, ok := info.Schemas[schema.ID]; !ok {
				info.Schemas[schema.ID] = schema
				info.Statistics.SchemaCount++
			}
		case OpChannel:
			channel, err := ParseChannel(record)
			if err != nil {
				return nil, err
			}
			if _, ok := info.Channels[channel.ID]; !ok {
				info.Channels[channel.ID] = channel
				info.Statistics.ChannelCount++
			}
		case OpMessage:
			msg, err := ParseMessage(record)
			if err != nil {
				return nil, err
			}
			r.observeMessage(info, msg)
			if _, ok := ci.MessageIndexOffsets[msg.ChannelID]; !ok {
				ci.MessageIndexOffsets[msg.ChannelID] = 1
			}
			chunkMessages++
			if chunkMessages == 1 {
				ci.MessageStartTime = msg.LogTime
				ci.MessageEndTime = msg.LogTime
			} else {
				if msg.LogTime < ci.MessageStartTime {
					ci.MessageStartTime = msg.LogTime
				}
				if msg.LogTime > ci.MessageEndTime {
					ci.MessageEndTime = msg.LogTime
				}
			}
		default:
			return nil, newErrUnexpectedToken(op, "a Schema, Channel, or Message record inside a chunk")
		}
		offset = recordEnd
	}
	return ci, nil
}

// ByteRange returns the minimal [start, end) byte range of the data section that
// contains every message with a log_time in [startTime, endTime]. When info carries chunk
// indexes, the range is computed from the chunks overlapping the window; otherwise it
// falls back to the whole data section.
func (r *Reader) ByteRange(info *Info, startTime, endTime uint64) (uint64, uint64, error) {
	dataStart, dataEnd, err := r.dataSectionBounds(info)
	if err != nil {
		return 0, 0, err
	}
	if len(info.ChunkIndexes) == 0 {
		return dataStart, dataEnd, nil
	}
	var start, end uint64
	found := false
	for _, ci := range info.ChunkIndexes {
		if ci.MessageEndTime < startTime || ci.MessageStartTime > endTime {
			continue
		}
		if !found || ci.ChunkStartOffset < start {
			start = ci.ChunkStartOffset
		}
		chunkEnd := ci.ChunkStartOffset + ci.ChunkLength + ci.MessageIndexLength
		if !found || chunkEnd > end {
			end = chunkEnd
		}
		found = true
	}
	if !found {
		return dataStart, dataStart, nil
	}
	return start, end, nil
}

// dataSectionBounds returns the byte offsets just after the Header record and just
// before whatever follows the data section (the summary section if info has one, the
// Footer otherwise).
func (r *Reader) dataSectionBounds(info *Info) (uint64, uint64, error) {
	if r.rs == nil {
		return 0, 0, errors.New("computing data section bounds requires a seekable source")
	}
	if _, err := r.rs.Seek(0, io.SeekStart); err != nil {
		return 0, 0, fmt.Errorf("seek error: %w", err)
	}
	rr, err := NewRecordReader(r.rs)
	if err != nil {
		return 0, 0, err
	}
	op, body, length, err := rr.Next()
	if err != nil {
		return 0, 0, fmt.Errorf("failed to read header: %w", err)
	}
	if op != OpHeader {
		return 0, 0, newErrUnexpectedToken(op, "header")
	}
	if _, err := io.CopyN(io.Discard, body, length); err != nil {
		return 0, 0, fmt.Errorf("failed to read header: %w", err)
	}
	dataStart, err := r.rs.Seek(0, io.SeekCurrent)
	if err != nil {
		return 0, 0, fmt.Errorf("seek error: %w", err)
	}
	if info != nil && info.Footer != nil && info.Footer.SummaryStart != 0 {
		return uint64(dataStart), info.Footer.SummaryStart, nil
	}
	fileEnd, err := r.rs.Seek(0, io.SeekEnd)
	if err != nil {
		return 0, 0, fmt.Errorf("seek error: %w", err)
	}
	// trailing magic (8) + footer record (opcode 1 + length 8 + body 20)
	return uint64(dataStart), uint64(fileEnd) - 37, nil
}
