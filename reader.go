package mcap

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"math"
)

// Reader reads MCAP files from r, optionally using rs (when r implements
// io.ReadSeeker) to support indexed access via Info/Content.
type Reader struct {
	rr *RecordReader
	tr *TypedRecordReader
	r  io.Reader
	rs io.ReadSeeker
}

// ResolvedMessage pairs a Message with the Schema and Channel it was recorded against.
type ResolvedMessage struct {
	*Message
	Schema  *Schema
	Channel *Channel
}

// ContentRecord is any of the record kinds a ContentIterator can hand back: a message
// resolved against its schema/channel, a streaming attachment, or metadata.
type ContentRecord interface {
	AsMessage() *ResolvedMessage
	AsAttachmentReader() *AttachmentReader
	AsMetadata() *Metadata
}

func (r *ResolvedMessage) AsMessage() *ResolvedMessage             { return r }
func (r *ResolvedMessage) AsAttachmentReader() *AttachmentReader   { return nil }
func (r *ResolvedMessage) AsMetadata() *Metadata                   { return nil }
func (ar *AttachmentReader) AsMessage() *ResolvedMessage           { return nil }
func (ar *AttachmentReader) AsAttachmentReader() *AttachmentReader { return ar }
func (ar *AttachmentReader) AsMetadata() *Metadata                 { return nil }
func (m *Metadata) AsMessage() *ResolvedMessage                    { return nil }
func (m *Metadata) AsAttachmentReader() *AttachmentReader          { return nil }
func (m *Metadata) AsMetadata() *Metadata                          { return m }

// ContentIterator yields the content records selected by a Content() call, in file
// order (an indexed read sorts the messages within each chunk by log time), or in
// log-time order across the file when WithOrder requests it.
type ContentIterator interface {
	Next([]byte) (ContentRecord, error)
}

// Range calls f with every record yielded by it, stopping (without error) at io.EOF.
func Range(it ContentIterator, f func(ContentRecord) error) error {
	for {
		contentRecord, err := it.Next(nil)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("failed to read record: %w", err)
		}
		if err := f(contentRecord); err != nil {
			return fmt.Errorf("failed to process record: %w", err)
		}
	}
}

func (r *Reader) unindexedContentIterator(config *contentIteratorConfig) (*unindexedContentIterator, error) {
	opts := []RecordReaderOption{WithValidateChunkCRCs(true)}
	if r.rs != nil {
		if _, err := r.rs.Seek(0, io.SeekStart); err != nil {
			return nil, fmt.Errorf("seek error: %w", err)
		}
	} else {
		// NewReader has already consumed the leading magic from a non-seekable source.
		opts = append(opts, WithSkipMagic(true))
	}
	rr, err := NewRecordReader(r.r, opts...)
	if err != nil {
		return nil, err
	}
	return &unindexedContentIterator{
		tr:       NewTypedRecordReader(rr, !config.skipAttachmentCRC),
		channels: make(map[uint16]*Channel),
		schemas:  make(map[uint16]*Schema),
		config:   config,
	}, nil
}

// contentIteratorConfig is the resolved state of a Content() call's options.
type contentIteratorConfig struct {
	startTime         uint64
	endTime           uint64
	messageFilter     func(*Schema, *Channel) bool
	attachmentFilter  func(string) bool
	metadataFilter    func(string) bool
	forceIndexed      bool
	forceUnindexed    bool
	skipAttachmentCRC bool
	order             ReadOrder
	problemCallback   func(error) bool
}

func (cic *contentIteratorConfig) isWithinTimeBounds(ts uint64) bool {
	if cic.startTime == 0 && cic.endTime == 0 {
		return true
	}
	if ts < cic.startTime {
		return false
	}
	if cic.endTime != 0 && ts > cic.endTime {
		return false
	}
	return true
}

func (cic *contentIteratorConfig) shouldIncludeAttachment(ai *AttachmentIndex) bool {
	if cic.attachmentFilter == nil {
		return false
	}
	if !cic.isWithinTimeBounds(ai.LogTime) {
		return false
	}
	return cic.attachmentFilter(ai.Name)
}

func (cic *contentIteratorConfig) shouldIncludeChunk(
	schemas map[uint16]*Schema,
	channels map[uint16]*Channel,
	ci *ChunkIndex,
) bool {
	if cic.messageFilter == nil {
		return false
	}
	if cic.startTime != 0 || cic.endTime != 0 {
		if ci.MessageEndTime < cic.startTime {
			return false
		}
		if ci.MessageStartTime > cic.endTime {
			return false
		}
	}
	for channelID := range ci.MessageIndexOffsets {
		if channel, ok := channels[channelID]; ok {
			if schema, ok := schemas[channel.SchemaID]; ok {
				if cic.messageFilter(schema, channel) {
					return true
				}
			}
		}
	}
	return false
}

func (cic *contentIteratorConfig) shouldIncludeMetadata(mi *MetadataIndex) bool {
	if cic.metadataFilter == nil {
		return false
	}
	return cic.metadataFilter(mi.Name)
}

// ContentIteratorOption configures a Content() call.
type ContentIteratorOption func(*contentIteratorConfig)

// WithTimeBounds restricts messages and attachments to [start, end] inclusive.
func WithTimeBounds(start uint64, end uint64) ContentIteratorOption {
	return func(c *contentIteratorConfig) {
		c.startTime = start
		c.endTime = end
	}
}

// WithMessagesMatching includes messages whose (Schema, Channel) satisfy messageFilter.
func WithMessagesMatching(messageFilter func(*Schema, *Channel) bool) ContentIteratorOption {
	return func(c *contentIteratorConfig) {
		c.messageFilter = messageFilter
	}
}

// WithAllMessages includes every message in the file.
func WithAllMessages() ContentIteratorOption {
	return func(c *contentIteratorConfig) {
		c.messageFilter = func(*Schema, *Channel) bool { return true }
	}
}

// ForceIndexed requires an indexed read, failing rather than falling back to a scan.
func ForceIndexed() ContentIteratorOption {
	return func(c *contentIteratorConfig) { c.forceIndexed = true }
}

// ForceUnindexed forces a sequential scan even when the file carries a usable summary.
func ForceUnindexed() ContentIteratorOption {
	return func(c *contentIteratorConfig) { c.forceUnindexed = true }
}

// WithAttachmentsMatching includes attachments whose name satisfies attachmentFilter.
func WithAttachmentsMatching(attachmentFilter func(name string) bool) ContentIteratorOption {
	return func(c *contentIteratorConfig) { c.attachmentFilter = attachmentFilter }
}

// WithMetadataMatching includes metadata records whose name satisfies metadataFilter.
func WithMetadataMatching(metadataFilter func(name string) bool) ContentIteratorOption {
	return func(c *contentIteratorConfig) { c.metadataFilter = metadataFilter }
}

// SkipAttachmentCRC disables computing streamed attachments' CRCs during Content().
func SkipAttachmentCRC() ContentIteratorOption {
	return func(c *contentIteratorConfig) { c.skipAttachmentCRC = true }
}

// WithOrder requests messages in the given order. LogTimeOrder and ReverseLogTimeOrder
// require an indexed read and are restricted to messages: they cannot be combined with
// WithAttachmentsMatching or WithMetadataMatching.
func WithOrder(order ReadOrder) ContentIteratorOption {
	return func(c *contentIteratorConfig) { c.order = order }
}

// WithProblemCallback registers a callback invoked with ErrChunkCRCMismatch when a
// chunk's CRC does not match its recorded value. If the callback returns true, the
// offending chunk is skipped and iteration continues; if it returns false, or no
// callback is registered, the error is returned from Next as usual. Attachment CRCs are
// not compared during iteration, and no other error is passed to the callback.
func WithProblemCallback(callback func(error) bool) ContentIteratorOption {
	return func(c *contentIteratorConfig) { c.problemCallback = callback }
}

// recoverable reports a recoverable error to the configured problem callback, returning
// true if the caller should skip the offending record and continue.
func (cic *contentIteratorConfig) recoverable(err error) bool {
	if cic.problemCallback == nil {
		return false
	}
	return cic.problemCallback(err)
}

// Content returns an iterator over the file's messages, attachments, and metadata
// selected by opts. When the underlying reader is seekable and the file carries a
// usable summary section, Content reads indexed (seeking directly to the relevant
// chunks and attachments); otherwise it falls back to a sequential scan.
func (r *Reader) Content(opts ...ContentIteratorOption) (ContentIterator, error) {
	config := contentIteratorConfig{}
	for _, opt := range opts {
		opt(&config)
	}
	if config.forceIndexed && config.forceUnindexed {
		return nil, errors.New("cannot force indexed and unindexed at the same time")
	}
	if config.order != FileOrder {
		if config.forceUnindexed {
			return nil, errors.New("time-ordered reads require an index")
		}
		if config.attachmentFilter != nil || config.metadataFilter != nil {
			return nil, errors.New("time-ordered Content reads support messages only")
		}
		if r.rs == nil {
			return nil, errors.New("time-ordered Content reads require a seekable source")
		}
		info, err := r.Info()
		if err != nil {
			return nil, err
		}
		if info == nil || !info.CanReadMessagesUsingIndex() {
			return nil, errors.New("time-ordered Content reads require a usable summary")
		}
		end := config.endTime
		if end == 0 {
			end = math.MaxUint64
		}
		return &orderedMessageContentIterator{it: &indexedMessageIterator{
			rs:            r.rs,
			order:         config.order,
			start:         config.startTime,
			end:           end,
			messageFilter: config.messageFilter,
		}}, nil
	}
	if config.forceUnindexed {
		return r.unindexedContentIterator(&config)
	}
	if r.rs != nil {
		info, err := r.Info()
		if err != nil {
			return nil, err
		}
		if info != nil && info.CanReadMessagesUsingIndex() {
			return newIndexedContentIterator(r.rs, info, &config), nil
		}
		if config.forceIndexed {
			return nil, errors.New("tried to force an indexed read, but mcap has no usable summary")
		}
		if _, err := r.rs.Seek(0, io.SeekStart); err != nil {
			return nil, fmt.Errorf("seek error: %w", err)
		}
		return r.unindexedContentIterator(&config)
	}
	if config.forceIndexed {
		return nil, errors.New("tried to force an indexed read, but source is not seekable")
	}
	return r.unindexedContentIterator(&config)
}

func (r *Reader) readHeader() (*Header, error) {
	if _, err := r.rs.Seek(0, io.SeekStart); err != nil {
		return nil, fmt.Errorf("failed to seek to start: %w", err)
	}
	rr, err := NewRecordReader(r.rs)
	if err != nil {
		return nil, err
	}
	op, body, length, err := rr.Next()
	if err != nil {
		return nil, fmt.Errorf("failed to read header: %w", err)
	}
	if op != OpHeader {
		return nil, newErrUnexpectedToken(op, "header")
	}
	buf := make([]byte, length)
	if _, err := io.ReadFull(body, buf); err != nil {
		return nil, fmt.Errorf("failed to read header: %w", err)
	}
	return ParseHeader(buf)
}

// Info reads the file's Header and summary section (if any), returning a populated Info.
// It returns (nil, nil) when the file's footer declares no summary section, signaling
// callers to fall back to a sequential scan. It requires a seekable source.
func (r *Reader) Info() (*Info, error) {
	if r.rs == nil {
		return nil, errors.New("parsing info from non-seekable sources unsupported")
	}
	info := Info{
		Schemas:  make(map[uint16]*Schema),
		Channels: make(map[uint16]*Channel),
	}
	header, err := r.readHeader()
	if err != nil {
		return nil, err
	}
	info.Header = header

	if _, err := r.rs.Seek(-8-4-8-8, io.SeekEnd); err != nil {
		return nil, fmt.Errorf("seek error: %w", err)
	}
	buf := make([]byte, 8+20)
	if _, err := io.ReadFull(r.rs, buf); err != nil {
		return nil, fmt.Errorf("read error: %w", err)
	}
	magic := buf[20:]
	if !bytes.Equal(magic, Magic) {
		return nil, ErrBadMagic
	}
	footer, err := ParseFooter(buf[:20])
	if err != nil {
		return nil, fmt.Errorf("failed to parse footer: %w", err)
	}
	info.Footer = footer

	if footer.SummaryStart == 0 {
		return nil, nil
	}
	if _, err := r.rs.Seek(int64(footer.SummaryStart), io.SeekStart); err != nil {
		return nil, fmt.Errorf("failed to seek to summary start: %w", err)
	}
	rr, err := NewRecordReader(r.rs, WithSkipMagic(true))
	if err != nil {
		return nil, err
	}
	tr := NewTypedRecordReader(rr, false)
	for {
		op, rec, err := tr.Next()
		if err != nil {
			return nil, fmt.Errorf("failed to read summary record: %w", err)
		}
		switch v := rec.(type) {
		case *Schema:
			info.Schemas[v.ID] = v
		case *Channel:
			info.Channels[v.ID] = v
		case *AttachmentIndex:
			info.AttachmentIndexes = append(info.AttachmentIndexes, v)
		case *MetadataIndex:
			info.MetadataIndexes = append(info.MetadataIndexes, v)
		case *ChunkIndex:
			info.ChunkIndexes = append(info.ChunkIndexes, v)
		case *Statistics:
			info.Statistics = v
		case *SummaryOffset:
			// bookkeeping only; the records themselves are read directly.
		case *Footer:
			return &info, nil
		default:
			return nil, newErrUnexpectedToken(op, "a summary-section record")
		}
	}
}

// NewReader constructs a Reader over r. If r also implements io.ReadSeeker, Info() and
// indexed Content() reads become available.
func NewReader(r io.Reader) (*Reader, error) {
	var rs io.ReadSeeker
	if readseeker, ok := r.(io.ReadSeeker); ok {
		rs = readseeker
	}
	rr, err := NewRecordReader(r)
	if err != nil {
		return nil, err
	}
	return &Reader{
		rr: rr,
		tr: NewTypedRecordReader(rr, true),
		r:  r,
		rs: rs,
	}, nil
}
