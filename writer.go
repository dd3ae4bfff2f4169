package mcap

import (
	"fmt"
	"hash/crc32"
	"io"
	"sort"
)

// writerState tracks the lifecycle of a Writer: Closed writers accept no calls; Opened
// writers have written their leading magic but not yet a Header; DataOpen writers have
// written a Header and accept Add/Write calls; Terminated writers accept no further
// calls and will not produce a valid trailing Footer/magic.
type writerState int

const (
	writerStateClosed writerState = iota
	writerStateOpened
	writerStateDataOpen
	writerStateTerminated
)

// stateErr returns the error to report for a call requiring the DataOpen state, given
// the writer is not currently in it.
func (w *Writer) stateErr() error {
	if w.state == writerStateTerminated {
		return ErrTerminated
	}
	return ErrNotOpen
}

// WriterOptions configures a Writer's output. The zero value writes an unchunked,
// uncompressed file with every summary section populated and CRCs enabled everywhere
// except the data section checksum, matching the conservative defaults of the format.
type WriterOptions struct {
	// Profile and Library populate the Header record wherever the Header passed to
	// WriteHeader leaves that field empty. If both leave Library empty, it defaults to
	// Version() unless OverrideLibrary is set (in which case the empty string is written
	// verbatim).
	Profile         string
	Library         string
	OverrideLibrary bool

	// Chunked enables batching Schema/Channel/Message records into compressed Chunk
	// records. ChunkSize is the uncompressed-byte target at which a chunk is closed; a
	// boundary check runs before each message is appended, so a chunk never exceeds
	// ChunkSize by more than a single message's encoded length.
	Chunked   bool
	ChunkSize int64

	// Compression selects the codec used for chunk bodies. CompressionLevel tunes the
	// codec's effort/ratio tradeoff. ForceCompression disables the escape hatch that
	// otherwise stores small or poorly-compressing chunks uncompressed.
	Compression      CompressionFormat
	CompressionLevel CompressionLevel
	ForceCompression bool

	// NoChunkCRC disables computing each chunk's uncompressed-payload CRC.
	NoChunkCRC bool
	// NoAttachmentCRC disables computing each attachment's CRC.
	NoAttachmentCRC bool
	// EnableDataCRC enables computing the whole data section's CRC for DataEnd.
	EnableDataCRC bool
	// NoSummaryCRC disables computing the summary section's CRC for Footer.
	NoSummaryCRC bool

	SkipMessageIndexing      bool
	SkipStatistics           bool
	SkipRepeatedSchemas      bool
	SkipRepeatedChannelInfos bool
	SkipAttachmentIndex      bool
	SkipMetadataIndex        bool
	SkipChunkIndex           bool
	SkipSummaryOffsets       bool

	// SortChunkMessages reorders a chunk's Message records by LogTime before it is
	// compressed and written out.
	SortChunkMessages bool
}

// Writer incrementally serializes an MCAP file to an underlying io.Writer.
type Writer struct {
	opts  *WriterOptions
	state writerState

	out *writeSizer

	schemas       slicemap[Schema]
	channels      slicemap[Channel]
	nextSchemaID  uint16
	nextChannelID uint16

	chunkWrittenSchemas  map[uint16]bool
	chunkWrittenChannels map[uint16]bool
	fileWrittenSchemas   map[uint16]bool
	fileWrittenChannels  map[uint16]bool

	chunk               *chunkBuffer
	chunkMessageIndexes map[uint16]*MessageIndex

	Statistics        *Statistics
	ChunkIndexes      []*ChunkIndex
	AttachmentIndexes []*AttachmentIndex
	MetadataIndexes   []*MetadataIndex
	summaryOffsets    []SummaryOffset

	dataSectionCRC uint32
}

// NewWriter constructs a Writer that writes to w. It immediately writes the leading
// magic bytes.
func NewWriter(w io.Writer, opts *WriterOptions) (*Writer, error) {
	if opts == nil {
		opts = &WriterOptions{}
	}
	writer := &Writer{
		opts:                 opts,
		out:                  newWriteSizer(w, opts.EnableDataCRC),
		nextSchemaID:         1,
		chunkWrittenSchemas:  make(map[uint16]bool),
		chunkWrittenChannels: make(map[uint16]bool),
		fileWrittenSchemas:   make(map[uint16]bool),
		fileWrittenChannels:  make(map[uint16]bool),
		Statistics: &Statistics{
			ChannelMessageCounts: make(map[uint16]uint64),
		},
	}
	if opts.Chunked {
		chunk, err := newChunkBuffer(opts.Compression, opts.CompressionLevel, !opts.NoChunkCRC, opts.ForceCompression)
		if err != nil {
			return nil, err
		}
		writer.chunk = chunk
		writer.chunkMessageIndexes = make(map[uint16]*MessageIndex)
	}
	if _, err := writer.out.Write(Magic); err != nil {
		return nil, fmt.Errorf("failed to write magic: %w", err)
	}
	writer.state = writerStateOpened
	return writer, nil
}

// WriteHeader writes the file's Header record, transitioning the writer into the
// DataOpen state. It must be called exactly once, before any Add/Write call besides
// NewWriter.
func (w *Writer) WriteHeader(h *Header) error {
	if w.state != writerStateOpened {
		return ErrAlreadyOpen
	}
	profile := h.Profile
	if profile == "" {
		profile = w.opts.Profile
	}
	library := h.Library
	if library == "" {
		library = w.opts.Library
	}
	if library == "" && !w.opts.OverrideLibrary {
		library = Version()
	}
	body := make([]byte, 4+len(profile)+4+len(library))
	offset := putPrefixedString(body, profile)
	putPrefixedString(body[offset:], library)
	if err := writeRecordTo(w.out, OpHeader, body); err != nil {
		return err
	}
	w.out.ResetCRC()
	w.state = writerStateDataOpen
	return nil
}

// AddSchema registers a schema and returns the ID assigned to it. The Schema record
// itself is not written until a message referencing it (via its channel) is written,
// and then only once per chunk (if chunked) or once per file (if unchunked).
func (w *Writer) AddSchema(name, encoding string, data []byte) (uint16, error) {
	if w.state != writerStateDataOpen {
		return 0, w.stateErr()
	}
	id := w.nextSchemaID
	w.nextSchemaID++
	w.schemas.Set(id, &Schema{ID: id, Name: name, Encoding: encoding, Data: data})
	w.Statistics.SchemaCount++
	return id, nil
}

// AddChannel registers a channel and returns the ID assigned to it. schemaID of 0
// indicates the channel carries no schema; any other value must name a schema already
// registered via AddSchema. The Channel record itself is not written until a message
// referencing it is written.
func (w *Writer) AddChannel(schemaID uint16, topic, messageEncoding string, metadata map[string]string) (uint16, error) {
	if w.state != writerStateDataOpen {
		return 0, w.stateErr()
	}
	if schemaID != 0 && w.schemas.Get(schemaID) == nil {
		return 0, ErrUnknownSchema
	}
	id := w.nextChannelID
	w.nextChannelID++
	w.channels.Set(id, &Channel{
		ID:              id,
		SchemaID:        schemaID,
		Topic:           topic,
		MessageEncoding: messageEncoding,
		Metadata:        metadata,
	})
	w.Statistics.ChannelCount++
	w.Statistics.ChannelMessageCounts[id] = 0
	return id, nil
}

// target returns the io.Writer that record bytes for the data section should currently
// be written to: the active chunk buffer, or the underlying output directly.
func (w *Writer) target() io.Writer {
	if w.opts.Chunked {
		return w.chunk
	}
	return w.out
}

func (w *Writer) ensureSchemaWritten(id uint16) error {
	if id == 0 {
		return nil
	}
	written := w.fileWrittenSchemas
	if w.opts.Chunked {
		written = w.chunkWrittenSchemas
	}
	if written[id] {
		return nil
	}
	schema := w.schemas.Get(id)
	if schema == nil {
		return ErrUnknownSchema
	}
	body := make([]byte, 2+4+len(schema.Name)+4+len(schema.Encoding)+4+len(schema.Data))
	offset := putUint16(body, schema.ID)
	offset += putPrefixedString(body[offset:], schema.Name)
	offset += putPrefixedString(body[offset:], schema.Encoding)
	putPrefixedBytes(body[offset:], schema.Data)
	if err := writeRecordTo(w.target(), OpSchema, body); err != nil {
		return err
	}
	written[id] = true
	return nil
}

func (w *Writer) ensureChannelWritten(id uint16) error {
	written := w.fileWrittenChannels
	if w.opts.Chunked {
		written = w.chunkWrittenChannels
	}
	if written[id] {
		return nil
	}
	channel := w.channels.Get(id)
	if channel == nil {
		return ErrUnknownChannel
	}
	if err := w.ensureSchemaWritten(channel.SchemaID); err != nil {
		return err
	}
	metadataBytes := makePrefixedMap(channel.Metadata)
	body := make([]byte, 2+2+4+len(channel.Topic)+4+len(channel.MessageEncoding)+len(metadataBytes))
	offset := putUint16(body, channel.ID)
	offset += putUint16(body[offset:], channel.SchemaID)
	offset += putPrefixedString(body[offset:], channel.Topic)
	offset += putPrefixedString(body[offset:], channel.MessageEncoding)
	copy(body[offset:], metadataBytes)
	if err := writeRecordTo(w.target(), OpChannel, body); err != nil {
		return err
	}
	written[id] = true
	return nil
}

// WriteMessage writes a single message. If chunking is enabled, the active chunk is
// closed first if appending the message would cause it to meet or exceed ChunkSize.
func (w *Writer) WriteMessage(m *Message) error {
	if w.state != writerStateDataOpen {
		return w.stateErr()
	}
	channel := w.channels.Get(m.ChannelID)
	if channel == nil {
		return ErrUnknownChannel
	}
	if w.opts.Chunked && !w.chunk.Empty() &&
		int64(w.chunk.UncompressedLen())+1+8+messageRecordLen(m) >= w.opts.ChunkSize {
		if err := w.closeActiveChunk(); err != nil {
			return err
		}
	}
	if err := w.ensureChannelWritten(m.ChannelID); err != nil {
		return err
	}
	offset := w.recordOffset()
	body := make([]byte, messageRecordLen(m))
	putMessageBody(body, m)
	if err := writeRecordTo(w.target(), OpMessage, body); err != nil {
		return err
	}
	if w.opts.Chunked {
		if !w.opts.SkipMessageIndexing {
			w.messageIndexFor(m.ChannelID).Add(m.LogTime, offset)
		}
		w.chunk.UpdateTimeRange(m.LogTime)
	}
	w.Statistics.MessageCount++
	w.Statistics.ChannelMessageCounts[m.ChannelID]++
	if w.Statistics.MessageCount == 1 {
		w.Statistics.MessageStartTime = m.LogTime
		w.Statistics.MessageEndTime = m.LogTime
	} else {
		if m.LogTime < w.Statistics.MessageStartTime {
			w.Statistics.MessageStartTime = m.LogTime
		}
		if m.LogTime > w.Statistics.MessageEndTime {
			w.Statistics.MessageEndTime = m.LogTime
		}
	}
	return nil
}

// recordOffset returns the offset, relative to the start of the current container (the
// file for unchunked writes, the active chunk's uncompressed body for chunked writes),
// at which the next record will begin.
func (w *Writer) recordOffset() uint64 {
	if w.opts.Chunked {
		return uint64(w.chunk.UncompressedLen())
	}
	return w.out.Size()
}

func (w *Writer) messageIndexFor(channelID uint16) *MessageIndex {
	idx, ok := w.chunkMessageIndexes[channelID]
	if !ok {
		idx = &MessageIndex{ChannelID: channelID}
		w.chunkMessageIndexes[channelID] = idx
	}
	return idx
}

func messageRecordLen(m *Message) int64 {
	return 2 + 4 + 8 + 8 + int64(len(m.Data))
}

func putMessageBody(buf []byte, m *Message) {
	offset := putUint16(buf, m.ChannelID)
	offset += putUint32(buf[offset:], m.Sequence)
	offset += putUint64(buf[offset:], m.LogTime)
	offset += putUint64(buf[offset:], m.PublishTime)
	copy(buf[offset:], m.Data)
}

// CloseLastChunk flushes the currently-active chunk (if any records have been written
// to it) without closing the file, so that a reader scanning the partially-written file
// can make progress on a chunk boundary. It is a no-op when chunking is disabled or no
// chunk is in progress.
func (w *Writer) CloseLastChunk() error {
	if w.state != writerStateDataOpen {
		return w.stateErr()
	}
	if !w.opts.Chunked || w.chunk.Empty() {
		return nil
	}
	return w.closeActiveChunk()
}

func (w *Writer) closeActiveChunk() error {
	if w.opts.SortChunkMessages {
		if err := w.sortActiveChunk(); err != nil {
			return err
		}
	}
	finished, err := w.chunk.Finish()
	if err != nil {
		return err
	}
	chunkStartOffset := w.out.Size()
	body := make([]byte, 8+8+8+4+4+len(finished.compression)+8+len(finished.body))
	offset := putUint64(body, finished.startTime)
	offset += putUint64(body[offset:], finished.endTime)
	offset += putUint64(body[offset:], finished.uncompressedSize)
	offset += putUint32(body[offset:], finished.uncompressedCRC)
	offset += putPrefixedString(body[offset:], string(finished.compression))
	offset += putUint64(body[offset:], uint64(len(finished.body)))
	copy(body[offset:], finished.body)
	if err := writeRecordTo(w.out, OpChunk, body); err != nil {
		return err
	}
	chunkLength := w.out.Size() - chunkStartOffset

	messageIndexOffsets := make(map[uint16]uint64, len(w.chunkMessageIndexes))
	messageIndexStart := w.out.Size()
	channelIDs := make([]uint16, 0, len(w.chunkMessageIndexes))
	for id := range w.chunkMessageIndexes {
		channelIDs = append(channelIDs, id)
	}
	sort.Slice(channelIDs, func(i, j int) bool { return channelIDs[i] < channelIDs[j] })
	for _, id := range channelIDs {
		idx := w.chunkMessageIndexes[id]
		if idx.IsEmpty() {
			continue
		}
		messageIndexOffsets[id] = w.out.Size()
		if err := w.writeMessageIndex(idx); err != nil {
			return err
		}
	}
	messageIndexLength := w.out.Size() - messageIndexStart

	if !w.opts.SkipChunkIndex {
		w.ChunkIndexes = append(w.ChunkIndexes, &ChunkIndex{
			MessageStartTime:    finished.startTime,
			MessageEndTime:      finished.endTime,
			ChunkStartOffset:    chunkStartOffset,
			ChunkLength:         chunkLength,
			MessageIndexOffsets: messageIndexOffsets,
			MessageIndexLength:  messageIndexLength,
			Compression:         finished.compression,
			CompressedSize:      uint64(len(finished.body)),
			UncompressedSize:    finished.uncompressedSize,
		})
	}
	w.Statistics.ChunkCount++

	w.chunk.Clear()
	for id := range w.chunkMessageIndexes {
		w.chunkMessageIndexes[id].Reset()
	}
	for k := range w.chunkWrittenSchemas {
		delete(w.chunkWrittenSchemas, k)
	}
	for k := range w.chunkWrittenChannels {
		delete(w.chunkWrittenChannels, k)
	}
	return nil
}

func (w *Writer) writeMessageIndex(idx *MessageIndex) error {
	entries := idx.Entries()
	body := make([]byte, 2+4+16*len(entries))
	offset := putUint16(body, idx.ChannelID)
	offset += putUint32(body[offset:], uint32(16*len(entries)))
	for _, e := range entries {
		offset += putUint64(body[offset:], e.Timestamp)
		offset += putUint64(body[offset:], e.Offset)
	}
	return writeRecordTo(w.out, OpMessageIndex, body)
}

// sortActiveChunk reorders the active chunk's buffered records by message log time.
// Since messages in a chunk may be interleaved with the Schema/Channel records that
// introduced them on first use, sorting is performed on parsed (opcode, body) records
// rather than raw bytes; non-message records stay pinned ahead of the chunk (a channel's
// first use may move, but its introducing record must still precede it) by sorting with
// a stable comparison that only reorders among messages.
func (w *Writer) sortActiveChunk() error {
	type pendingRecord struct {
		op      OpCode
		body    []byte
		logTime uint64
		isMsg   bool
	}
	rr, err := NewRecordReader(w.chunk.uncompressed, WithSkipMagic(true), WithEmitChunks(true))
	if err != nil {
		return fmt.Errorf("failed to re-read chunk for sorting: %w", err)
	}
	var records []pendingRecord
	for w.chunk.uncompressed.Len() > 0 {
		op, r, length, err := rr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("failed to re-read chunk for sorting: %w", err)
		}
		body := make([]byte, length)
		if _, err := io.ReadFull(r, body); err != nil {
			return err
		}
		rec := pendingRecord{op: op, body: body}
		if op == OpMessage {
			msg, err := ParseMessage(body)
			if err != nil {
				return err
			}
			rec.logTime = msg.LogTime
			rec.isMsg = true
		}
		records = append(records, rec)
	}
	sort.SliceStable(records, func(i, j int) bool {
		if !records[i].isMsg || !records[j].isMsg {
			return false
		}
		return records[i].logTime < records[j].logTime
	})
	w.chunk.Clear()
	for id := range w.chunkMessageIndexes {
		w.chunkMessageIndexes[id].Reset()
	}
	for _, rec := range records {
		offset := uint64(w.chunk.UncompressedLen())
		if err := writeRecordTo(w.chunk, rec.op, rec.body); err != nil {
			return err
		}
		if rec.isMsg {
			msg, err := ParseMessage(rec.body)
			if err != nil {
				return err
			}
			w.chunk.UpdateTimeRange(msg.LogTime)
			if !w.opts.SkipMessageIndexing {
				w.messageIndexFor(msg.ChannelID).Add(msg.LogTime, offset)
			}
		}
	}
	return nil
}

// WriteAttachment writes an attachment record directly to the data section, closing the
// active chunk first if one is open. Attachments may not appear inside a chunk.
func (w *Writer) WriteAttachment(a *Attachment) error {
	if w.state != writerStateDataOpen {
		return w.stateErr()
	}
	if w.opts.Chunked && !w.chunk.Empty() {
		if err := w.closeActiveChunk(); err != nil {
			return err
		}
	}
	computeCRC := !w.opts.NoAttachmentCRC
	prefix := make([]byte, 8+8+4+len(a.Name)+4+len(a.MediaType)+8)
	offset := putUint64(prefix, a.LogTime)
	offset += putUint64(prefix[offset:], a.CreateTime)
	offset += putPrefixedString(prefix[offset:], a.Name)
	offset += putPrefixedString(prefix[offset:], a.MediaType)
	putUint64(prefix[offset:], a.DataSize)

	recordLen := uint64(len(prefix)) + a.DataSize + 4
	offsetStart := w.out.Size()
	header := make([]byte, 9)
	header[0] = byte(OpAttachment)
	putUint64(header[1:], recordLen)
	if _, err := w.out.Write(header); err != nil {
		return fmt.Errorf("failed to write attachment header: %w", err)
	}

	crc := crc32.NewIEEE()
	var dst io.Writer = w.out
	if computeCRC {
		dst = io.MultiWriter(w.out, crc)
	}
	if _, err := dst.Write(prefix); err != nil {
		return err
	}
	written, err := io.Copy(dst, a.Data)
	if err != nil {
		return fmt.Errorf("failed to write attachment data: %w", err)
	}
	if uint64(written) != a.DataSize {
		return ErrAttachmentDataSizeIncorrect
	}
	var sum uint32
	if computeCRC {
		sum = crc.Sum32()
	}
	crcBuf := make([]byte, 4)
	putUint32(crcBuf, sum)
	if _, err := w.out.Write(crcBuf); err != nil {
		return err
	}
	if !w.opts.SkipAttachmentIndex {
		w.AttachmentIndexes = append(w.AttachmentIndexes, &AttachmentIndex{
			Offset:     offsetStart,
			Length:     w.out.Size() - offsetStart,
			LogTime:    a.LogTime,
			CreateTime: a.CreateTime,
			DataSize:   a.DataSize,
			Name:       a.Name,
			MediaType:  a.MediaType,
		})
	}
	w.Statistics.AttachmentCount++
	return nil
}

// WriteMetadata writes a metadata record directly to the data section, closing the
// active chunk first if one is open.
func (w *Writer) WriteMetadata(md *Metadata) error {
	if w.state != writerStateDataOpen {
		return w.stateErr()
	}
	if w.opts.Chunked && !w.chunk.Empty() {
		if err := w.closeActiveChunk(); err != nil {
			return err
		}
	}
	metadataBytes := makePrefixedMap(md.Metadata)
	body := make([]byte, 4+len(md.Name)+len(metadataBytes))
	offset := putPrefixedString(body, md.Name)
	copy(body[offset:], metadataBytes)
	offsetStart := w.out.Size()
	if err := writeRecordTo(w.out, OpMetadata, body); err != nil {
		return err
	}
	w.Statistics.MetadataCount++
	if !w.opts.SkipMetadataIndex {
		w.MetadataIndexes = append(w.MetadataIndexes, &MetadataIndex{
			Offset: offsetStart,
			Length: w.out.Size() - offsetStart,
			Name:   md.Name,
		})
	}
	return nil
}

// Close flushes any active chunk, writes the DataEnd record, the summary section
// (unless individually skipped), the Footer, and the trailing magic. After Close
// returns successfully the writer is in the Closed state and accepts no further calls.
func (w *Writer) Close() error {
	if w.state != writerStateDataOpen {
		return w.stateErr()
	}
	if w.opts.Chunked && !w.chunk.Empty() {
		if err := w.closeActiveChunk(); err != nil {
			return err
		}
	}
	if w.opts.EnableDataCRC {
		w.dataSectionCRC = w.out.CRC()
	}
	dataEndBody := make([]byte, 4)
	putUint32(dataEndBody, w.dataSectionCRC)
	if err := writeRecordTo(w.out, OpDataEnd, dataEndBody); err != nil {
		return err
	}

	summaryStart := w.out.Size()
	w.out.ResetCRCComputing(!w.opts.NoSummaryCRC)
	if err := w.writeSummarySection(); err != nil {
		return err
	}
	summaryOffsetStart := w.out.Size()
	if !w.opts.SkipSummaryOffsets {
		for _, g := range w.summaryOffsets {
			if err := w.writeSummaryOffset(g); err != nil {
				return err
			}
		}
	}
	if summaryStart == w.out.Size() {
		summaryStart = 0
	}
	if summaryOffsetStart == w.out.Size() {
		summaryOffsetStart = 0
	}
	// The Footer's own summary_start/summary_offset_start fields are folded into
	// summary_crc (summary_crc itself is the only footer byte a checksum cannot cover),
	// so feed their final values through the CRC before snapshotting it.
	var summaryCRC uint32
	if !w.opts.NoSummaryCRC {
		var fields [16]byte
		putUint64(fields[:8], summaryStart)
		putUint64(fields[8:], summaryOffsetStart)
		w.out.UpdateCRC(fields[:])
		summaryCRC = w.out.CRC()
	}
	footerBody := make([]byte, 8+8+4)
	offset := putUint64(footerBody, summaryStart)
	offset += putUint64(footerBody[offset:], summaryOffsetStart)
	putUint32(footerBody[offset:], summaryCRC)
	if err := writeRecordTo(w.out, OpFooter, footerBody); err != nil {
		return err
	}
	if _, err := w.out.Write(Magic); err != nil {
		return fmt.Errorf("failed to write trailing magic: %w", err)
	}
	w.state = writerStateClosed
	return nil
}

// Terminate abandons the writer without writing a Footer or trailing magic, leaving an
// incomplete file on disk. It is used when an unrecoverable error has left the writer's
// internal state inconsistent with what has already been written.
func (w *Writer) Terminate() error {
	w.state = writerStateTerminated
	return nil
}

// writeGroup writes items via emit, and, unless skipped or nothing was written, records
// a SummaryOffset spanning the group for later output by Close.
func (w *Writer) writeGroup(opcode OpCode, skip bool, emit func() error) error {
	if skip {
		return nil
	}
	start := w.out.Size()
	if err := emit(); err != nil {
		return err
	}
	if w.out.Size() == start {
		return nil
	}
	w.summaryOffsets = append(w.summaryOffsets, SummaryOffset{
		GroupOpcode: opcode,
		GroupStart:  start,
		GroupLength: w.out.Size() - start,
	})
	return nil
}

func (w *Writer) writeSummarySection() error {
	if err := w.writeGroup(OpSchema, w.opts.SkipRepeatedSchemas, func() error {
		for _, schema := range w.schemas.Slice() {
			if schema == nil {
				continue
			}
			body := make([]byte, 2+4+len(schema.Name)+4+len(schema.Encoding)+4+len(schema.Data))
			offset := putUint16(body, schema.ID)
			offset += putPrefixedString(body[offset:], schema.Name)
			offset += putPrefixedString(body[offset:], schema.Encoding)
			putPrefixedBytes(body[offset:], schema.Data)
			if err := writeRecordTo(w.out, OpSchema, body); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		return err
	}
	if err := w.writeGroup(OpChannel, w.opts.SkipRepeatedChannelInfos, func() error {
		for _, channel := range w.channels.Slice() {
			if channel == nil {
				continue
			}
			metadataBytes := makePrefixedMap(channel.Metadata)
			body := make([]byte, 2+2+4+len(channel.Topic)+4+len(channel.MessageEncoding)+len(metadataBytes))
			offset := putUint16(body, channel.ID)
			offset += putUint16(body[offset:], channel.SchemaID)
			offset += putPrefixedString(body[offset:], channel.Topic)
			offset += putPrefixedString(body[offset:], channel.MessageEncoding)
			copy(body[offset:], metadataBytes)
			if err := writeRecordTo(w.out, OpChannel, body); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		return err
	}
	if err := w.writeGroup(OpStatistics, w.opts.SkipStatistics, func() error {
		return w.writeStatistics()
	}); err != nil {
		return err
	}
	if err := w.writeGroup(OpChunkIndex, w.opts.SkipChunkIndex, func() error {
		for _, ci := range w.ChunkIndexes {
			if err := w.writeChunkIndex(ci); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		return err
	}
	if err := w.writeGroup(OpAttachmentIndex, w.opts.SkipAttachmentIndex, func() error {
		for _, ai := range w.AttachmentIndexes {
			if err := w.writeAttachmentIndex(ai); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		return err
	}
	return w.writeGroup(OpMetadataIndex, w.opts.SkipMetadataIndex, func() error {
		for _, mi := range w.MetadataIndexes {
			if err := w.writeMetadataIndex(mi); err != nil {
				return err
			}
		}
		return nil
	})
}

func (w *Writer) writeStatistics() error {
	counts := makePrefixedUint16Uint64Map(w.Statistics.ChannelMessageCounts)
	body := make([]byte, 8+2+4+4+4+4+8+8+4+len(counts))
	offset := putUint64(body, w.Statistics.MessageCount)
	offset += putUint16(body[offset:], w.Statistics.SchemaCount)
	offset += putUint32(body[offset:], w.Statistics.ChannelCount)
	offset += putUint32(body[offset:], w.Statistics.AttachmentCount)
	offset += putUint32(body[offset:], w.Statistics.MetadataCount)
	offset += putUint32(body[offset:], w.Statistics.ChunkCount)
	offset += putUint64(body[offset:], w.Statistics.MessageStartTime)
	offset += putUint64(body[offset:], w.Statistics.MessageEndTime)
	offset += putUint32(body[offset:], uint32(len(counts)))
	copy(body[offset:], counts)
	return writeRecordTo(w.out, OpStatistics, body)
}

func (w *Writer) writeChunkIndex(ci *ChunkIndex) error {
	msgIndexOffsets := make([]byte, 0, 10*len(ci.MessageIndexOffsets))
	ids := make([]uint16, 0, len(ci.MessageIndexOffsets))
	for id := range ci.MessageIndexOffsets {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		entry := make([]byte, 10)
		offset := putUint16(entry, id)
		putUint64(entry[offset:], ci.MessageIndexOffsets[id])
		msgIndexOffsets = append(msgIndexOffsets, entry...)
	}
	body := make([]byte, 8+8+8+8+4+len(msgIndexOffsets)+8+4+len(ci.Compression)+8+8)
	offset := putUint64(body, ci.MessageStartTime)
	offset += putUint64(body[offset:], ci.MessageEndTime)
	offset += putUint64(body[offset:], ci.ChunkStartOffset)
	offset += putUint64(body[offset:], ci.ChunkLength)
	offset += putUint32(body[offset:], uint32(len(msgIndexOffsets)))
	offset += copy(body[offset:], msgIndexOffsets)
	offset += putUint64(body[offset:], ci.MessageIndexLength)
	offset += putPrefixedString(body[offset:], string(ci.Compression))
	offset += putUint64(body[offset:], ci.CompressedSize)
	putUint64(body[offset:], ci.UncompressedSize)
	return writeRecordTo(w.out, OpChunkIndex, body)
}

func (w *Writer) writeAttachmentIndex(ai *AttachmentIndex) error {
	body := make([]byte, 8+8+8+8+8+4+len(ai.Name)+4+len(ai.MediaType))
	offset := putUint64(body, ai.Offset)
	offset += putUint64(body[offset:], ai.Length)
	offset += putUint64(body[offset:], ai.LogTime)
	offset += putUint64(body[offset:], ai.CreateTime)
	offset += putUint64(body[offset:], ai.DataSize)
	offset += putPrefixedString(body[offset:], ai.Name)
	putPrefixedString(body[offset:], ai.MediaType)
	return writeRecordTo(w.out, OpAttachmentIndex, body)
}

func (w *Writer) writeMetadataIndex(mi *MetadataIndex) error {
	body := make([]byte, 8+8+4+len(mi.Name))
	offset := putUint64(body, mi.Offset)
	offset += putUint64(body[offset:], mi.Length)
	putPrefixedString(body[offset:], mi.Name)
	return writeRecordTo(w.out, OpMetadataIndex, body)
}

func (w *Writer) writeSummaryOffset(g SummaryOffset) error {
	body := make([]byte, 1+8+8)
	body[0] = byte(g.GroupOpcode)
	offset := 1
	offset += putUint64(body[offset:], g.GroupStart)
	putUint64(body[offset:], g.GroupLength)
	return writeRecordTo(w.out, OpSummaryOffset, body)
}

// makePrefixedMap serializes a string-to-string map with keys in sorted order, so that
// two writers given the same content always produce byte-identical output.
func makePrefixedMap(m map[string]string) []byte {
	keys := make([]string, 0, len(m))
	total := 4
	for k, v := range m {
		keys = append(keys, k)
		total += 4 + len(k) + 4 + len(v)
	}
	sort.Strings(keys)
	buf := make([]byte, total)
	offset := putUint32(buf, uint32(total-4))
	for _, k := range keys {
		offset += putPrefixedString(buf[offset:], k)
		offset += putPrefixedString(buf[offset:], m[k])
	}
	return buf
}

func makePrefixedUint16Uint64Map(m map[uint16]uint64) []byte {
	keys := make([]uint16, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	buf := make([]byte, 10*len(keys))
	offset := 0
	for _, k := range keys {
		offset += putUint16(buf[offset:], k)
		offset += putUint64(buf[offset:], m[k])
	}
	return buf
}

// writeRecordTo writes a single TLV record (opcode, little-endian length, body) to dst.
func writeRecordTo(dst io.Writer, op OpCode, body []byte) error {
	header := make([]byte, 9)
	header[0] = byte(op)
	putUint64(header[1:], uint64(len(body)))
	if _, err := dst.Write(header); err != nil {
		return fmt.Errorf("failed to write %s record header: %w", op, err)
	}
	if _, err := dst.Write(body); err != nil {
		return fmt.Errorf("failed to write %s record body: %w", op, err)
	}
	return nil
}
