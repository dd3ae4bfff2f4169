package mcap

import (
	"errors"
	"io"
)

// unindexedContentIterator scans the file sequentially from its current position,
// tracking schemas and channels as they are encountered so that messages and
// attachments can be filtered and resolved without a summary section.
type unindexedContentIterator struct {
	tr       *TypedRecordReader
	schemas  map[uint16]*Schema
	channels map[uint16]*Channel
	config   *contentIteratorConfig
}

func (it *unindexedContentIterator) Next(p []byte) (ContentRecord, error) {
	for {
		_, rec, err := it.tr.Next()
		if err != nil {
			if errors.Is(err, ErrChunkCRCMismatch) && it.config.recoverable(err) {
				// the record reader has already consumed the corrupt chunk's bytes and
				// is positioned at the next record; retry rather than surfacing the error.
				continue
			}
			return nil, err
		}
		switch v := rec.(type) {
		case *Schema:
			if _, ok := it.schemas[v.ID]; !ok {
				it.schemas[v.ID] = v
			}
		case *Channel:
			it.channels[v.ID] = v
		case *Message:
			if it.config.messageFilter == nil {
				continue
			}
			if !it.config.isWithinTimeBounds(v.LogTime) {
				continue
			}
			channel := it.channels[v.ChannelID]
			if channel == nil {
				continue
			}
			schema := it.schemas[channel.SchemaID]
			if it.config.messageFilter(schema, channel) {
				return &ResolvedMessage{Message: v, Schema: schema, Channel: channel}, nil
			}
		case *AttachmentReader:
			if it.config.attachmentFilter == nil || !it.config.isWithinTimeBounds(v.LogTime) ||
				!it.config.attachmentFilter(v.Name) {
				// drain the data and trailing CRC so the underlying stream stays aligned
				// on the next record's header, since this attachment is being skipped.
				_, _ = io.Copy(io.Discard, v.Data())
				_, _ = v.ParsedCRC()
				continue
			}
			return v, nil
		case *Metadata:
			if it.config.metadataFilter == nil {
				continue
			}
			if it.config.metadataFilter(v.Name) {
				return v, nil
			}
		default:
			// skip all other record kinds
		}
	}
}
