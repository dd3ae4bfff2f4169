package mcap

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func readBack(t *testing.T, buf []byte) []*ResolvedMessage {
	t.Helper()
	reader, err := NewReader(bytes.NewReader(buf))
	require.NoError(t, err)
	it, err := reader.Content(WithAllMessages())
	require.NoError(t, err)
	var out []*ResolvedMessage
	require.NoError(t, Range(it, func(rec ContentRecord) error {
		if m := rec.AsMessage(); m != nil {
			out = append(out, m)
		}
		return nil
	}))
	return out
}

func TestWriterHeader(t *testing.T) {
	buf := &bytes.Buffer{}
	w, err := NewWriter(buf, &WriterOptions{})
	require.NoError(t, err)
	require.NoError(t, w.WriteHeader(&Header{Profile: "ros1"}))
	require.NoError(t, w.Close())

	reader, err := NewReader(bytes.NewReader(buf.Bytes()))
	require.NoError(t, err)
	info, err := reader.Info()
	require.NoError(t, err)
	assert.Equal(t, "ros1", info.Header.Profile)
	assert.Equal(t, Version(), info.Header.Library)
}

func TestWriterHeaderLibraryOverride(t *testing.T) {
	buf := &bytes.Buffer{}
	w, err := NewWriter(buf, &WriterOptions{OverrideLibrary: true})
	require.NoError(t, err)
	require.NoError(t, w.WriteHeader(&Header{Profile: "ros1"}))
	require.NoError(t, w.Close())

	reader, err := NewReader(bytes.NewReader(buf.Bytes()))
	require.NoError(t, err)
	info, err := reader.Info()
	require.NoError(t, err)
	assert.Equal(t, "", info.Header.Library)
}

func TestZeroSchemaIDChannelPermitted(t *testing.T) {
	buf := &bytes.Buffer{}
	w, err := NewWriter(buf, &WriterOptions{})
	require.NoError(t, err)
	require.NoError(t, w.WriteHeader(&Header{}))
	id, err := w.AddChannel(0, "/foo", "json", map[string]string{"key": "val"})
	require.NoError(t, err)
	assert.Equal(t, uint16(0), id)
	require.NoError(t, w.Close())
}

func TestAddChannelRejectsUnknownSchema(t *testing.T) {
	buf := &bytes.Buffer{}
	w, err := NewWriter(buf, &WriterOptions{})
	require.NoError(t, err)
	require.NoError(t, w.WriteHeader(&Header{}))
	_, err = w.AddChannel(99, "/foo", "json", nil)
	assert.ErrorIs(t, err, ErrUnknownSchema)
}

func TestWriteMessageRejectsUnknownChannel(t *testing.T) {
	buf := &bytes.Buffer{}
	w, err := NewWriter(buf, &WriterOptions{})
	require.NoError(t, err)
	require.NoError(t, w.WriteHeader(&Header{}))
	err = w.WriteMessage(&Message{ChannelID: 7, LogTime: 1})
	assert.ErrorIs(t, err, ErrUnknownChannel)
}

func TestWriterStateMachine(t *testing.T) {
	t.Run("add before header", func(t *testing.T) {
		buf := &bytes.Buffer{}
		w, err := NewWriter(buf, &WriterOptions{})
		require.NoError(t, err)
		_, err = w.AddSchema("s", "json", nil)
		assert.ErrorIs(t, err, ErrNotOpen)
	})
	t.Run("header written twice", func(t *testing.T) {
		buf := &bytes.Buffer{}
		w, err := NewWriter(buf, &WriterOptions{})
		require.NoError(t, err)
		require.NoError(t, w.WriteHeader(&Header{}))
		assert.ErrorIs(t, w.WriteHeader(&Header{}), ErrAlreadyOpen)
	})
	t.Run("calls after close", func(t *testing.T) {
		buf := &bytes.Buffer{}
		w, err := NewWriter(buf, &WriterOptions{})
		require.NoError(t, err)
		require.NoError(t, w.WriteHeader(&Header{}))
		require.NoError(t, w.Close())
		assert.ErrorIs(t, w.Close(), ErrNotOpen)
		_, err = w.AddSchema("s", "json", nil)
		assert.ErrorIs(t, err, ErrNotOpen)
	})
	t.Run("terminate leaves no footer", func(t *testing.T) {
		buf := &bytes.Buffer{}
		w, err := NewWriter(buf, &WriterOptions{})
		require.NoError(t, err)
		require.NoError(t, w.WriteHeader(&Header{}))
		require.NoError(t, w.Terminate())
		assert.ErrorIs(t, w.Close(), ErrTerminated)
		assert.False(t, bytes.HasSuffix(buf.Bytes(), Magic))
	})
}

func writeSimpleFile(t *testing.T, opts *WriterOptions, messageCount int) []byte {
	t.Helper()
	buf := &bytes.Buffer{}
	w, err := NewWriter(buf, opts)
	require.NoError(t, err)
	require.NoError(t, w.WriteHeader(&Header{Profile: "x"}))
	schemaID, err := w.AddSchema("schema", "jsonschema", []byte(`{}`))
	require.NoError(t, err)
	channelID, err := w.AddChannel(schemaID, "/topic", "json", nil)
	require.NoError(t, err)
	for i := 0; i < messageCount; i++ {
		require.NoError(t, w.WriteMessage(&Message{
			ChannelID:   channelID,
			Sequence:    uint32(i),
			LogTime:     uint64(i),
			PublishTime: uint64(i),
			Data:        []byte("hello"),
		}))
	}
	require.NoError(t, w.Close())
	return buf.Bytes()
}

func TestWriterRoundTripUnchunked(t *testing.T) {
	data := writeSimpleFile(t, &WriterOptions{}, 10)
	messages := readBack(t, data)
	require.Len(t, messages, 10)
	for i, m := range messages {
		assert.Equal(t, uint64(i), m.LogTime)
		assert.Equal(t, "/topic", m.Channel.Topic)
		assert.Equal(t, "schema", m.Schema.Name)
	}
}

func TestWriterRoundTripChunkedCompressed(t *testing.T) {
	for _, compression := range []CompressionFormat{CompressionNone, CompressionLZ4, CompressionZSTD} {
		t.Run(string(compression)+" compression", func(t *testing.T) {
			data := writeSimpleFile(t, &WriterOptions{
				Chunked:     true,
				ChunkSize:   1 << 20,
				Compression: compression,
			}, 50)
			messages := readBack(t, data)
			require.Len(t, messages, 50)
			for i, m := range messages {
				assert.Equal(t, uint64(i), m.LogTime)
			}
		})
	}
}

func TestWriterDeterministicOutput(t *testing.T) {
	opts := &WriterOptions{Chunked: true, ChunkSize: 4096, Compression: CompressionZSTD}
	first := writeSimpleFile(t, opts, 37)
	second := writeSimpleFile(t, opts, 37)
	assert.Equal(t, first, second)
}

func TestWriterCompressionEscapeHatch(t *testing.T) {
	// a single tiny message falls under compressionMinBytes, so even with zstd
	// requested the chunk should be stored uncompressed.
	buf := &bytes.Buffer{}
	w, err := NewWriter(buf, &WriterOptions{Chunked: true, ChunkSize: 1 << 20, Compression: CompressionZSTD})
	require.NoError(t, err)
	require.NoError(t, w.WriteHeader(&Header{}))
	schemaID, err := w.AddSchema("s", "json", nil)
	require.NoError(t, err)
	channelID, err := w.AddChannel(schemaID, "/t", "json", nil)
	require.NoError(t, err)
	require.NoError(t, w.WriteMessage(&Message{ChannelID: channelID, LogTime: 1, Data: []byte("x")}))
	require.NoError(t, w.Close())

	reader, err := NewReader(bytes.NewReader(buf.Bytes()))
	require.NoError(t, err)
	info, err := reader.Info()
	require.NoError(t, err)
	require.Len(t, info.ChunkIndexes, 1)
	assert.Equal(t, CompressionNone, info.ChunkIndexes[0].Compression)
}

func TestWriterForceCompression(t *testing.T) {
	buf := &bytes.Buffer{}
	w, err := NewWriter(buf, &WriterOptions{
		Chunked:          true,
		ChunkSize:        1 << 20,
		Compression:      CompressionZSTD,
		ForceCompression: true,
	})
	require.NoError(t, err)
	require.NoError(t, w.WriteHeader(&Header{}))
	schemaID, err := w.AddSchema("s", "json", nil)
	require.NoError(t, err)
	channelID, err := w.AddChannel(schemaID, "/t", "json", nil)
	require.NoError(t, err)
	require.NoError(t, w.WriteMessage(&Message{ChannelID: channelID, LogTime: 1, Data: []byte("x")}))
	require.NoError(t, w.Close())

	reader, err := NewReader(bytes.NewReader(buf.Bytes()))
	require.NoError(t, err)
	info, err := reader.Info()
	require.NoError(t, err)
	require.Len(t, info.ChunkIndexes, 1)
	assert.Equal(t, CompressionZSTD, info.ChunkIndexes[0].Compression)
}

func TestWriterChunkBoundary(t *testing.T) {
	buf := &bytes.Buffer{}
	w, err := NewWriter(buf, &WriterOptions{Chunked: true, ChunkSize: 100, ForceCompression: true})
	require.NoError(t, err)
	require.NoError(t, w.WriteHeader(&Header{}))
	schemaID, err := w.AddSchema("s", "json", nil)
	require.NoError(t, err)
	channelID, err := w.AddChannel(schemaID, "/t", "json", nil)
	require.NoError(t, err)
	for i := 0; i < 30; i++ {
		require.NoError(t, w.WriteMessage(&Message{
			ChannelID: channelID,
			LogTime:   uint64(i),
			Data:      bytes.Repeat([]byte{'a'}, 20),
		}))
	}
	require.NoError(t, w.Close())

	reader, err := NewReader(bytes.NewReader(buf.Bytes()))
	require.NoError(t, err)
	info, err := reader.Info()
	require.NoError(t, err)
	assert.Greater(t, len(info.ChunkIndexes), 1)
	assert.Equal(t, uint64(30), info.Statistics.MessageCount)
}

func TestWriterChunkBoundaryExactEquality(t *testing.T) {
	// Measure the exact uncompressed size of a chunk holding schema, channel, and one
	// message record, so a second message can be sized to land exactly on ChunkSize.
	measure := &bytes.Buffer{}
	mw, err := NewWriter(measure, &WriterOptions{Chunked: true, ChunkSize: 1 << 20})
	require.NoError(t, err)
	require.NoError(t, mw.WriteHeader(&Header{}))
	schemaID, err := mw.AddSchema("s", "json", nil)
	require.NoError(t, err)
	channelID, err := mw.AddChannel(schemaID, "/t", "json", nil)
	require.NoError(t, err)
	msg := &Message{ChannelID: channelID, LogTime: 1, Data: []byte("x")}
	require.NoError(t, mw.WriteMessage(msg))
	sizeAfterOne := int64(mw.chunk.UncompressedLen())
	require.NoError(t, mw.Close())

	exactChunkSize := sizeAfterOne + 1 + 8 + messageRecordLen(msg)

	buf := &bytes.Buffer{}
	w, err := NewWriter(buf, &WriterOptions{Chunked: true, ChunkSize: exactChunkSize})
	require.NoError(t, err)
	require.NoError(t, w.WriteHeader(&Header{}))
	schemaID2, err := w.AddSchema("s", "json", nil)
	require.NoError(t, err)
	channelID2, err := w.AddChannel(schemaID2, "/t", "json", nil)
	require.NoError(t, err)
	require.NoError(t, w.WriteMessage(&Message{ChannelID: channelID2, LogTime: 1, Data: []byte("x")}))
	require.NoError(t, w.WriteMessage(&Message{ChannelID: channelID2, LogTime: 2, Data: []byte("x")}))
	// the second message brings the chunk's size to exactly ChunkSize: it must close
	// the first chunk before appending rather than letting the chunk meet-or-exceed
	// the configured size.
	assert.Len(t, w.ChunkIndexes, 1)
	require.NoError(t, w.Close())
}

func TestWriterCloseLastChunk(t *testing.T) {
	buf := &bytes.Buffer{}
	w, err := NewWriter(buf, &WriterOptions{Chunked: true, ChunkSize: 1 << 20})
	require.NoError(t, err)
	require.NoError(t, w.WriteHeader(&Header{}))
	schemaID, err := w.AddSchema("s", "json", nil)
	require.NoError(t, err)
	channelID, err := w.AddChannel(schemaID, "/t", "json", nil)
	require.NoError(t, err)
	require.NoError(t, w.WriteMessage(&Message{ChannelID: channelID, LogTime: 1, Data: []byte("x")}))
	require.NoError(t, w.CloseLastChunk())
	assert.Len(t, w.ChunkIndexes, 1)
	// a no-op on an already-empty chunk
	require.NoError(t, w.CloseLastChunk())
	assert.Len(t, w.ChunkIndexes, 1)
	require.NoError(t, w.Close())
}

func TestWriterAttachmentRoundTrip(t *testing.T) {
	buf := &bytes.Buffer{}
	w, err := NewWriter(buf, &WriterOptions{})
	require.NoError(t, err)
	require.NoError(t, w.WriteHeader(&Header{}))
	require.NoError(t, w.WriteAttachment(&Attachment{
		LogTime:    5,
		CreateTime: 5,
		Name:       "calibration.bin",
		MediaType:  "application/octet-stream",
		DataSize:   4,
		Data:       bytes.NewReader([]byte("DEAD")),
	}))
	require.NoError(t, w.Close())

	reader, err := NewReader(bytes.NewReader(buf.Bytes()))
	require.NoError(t, err)
	it, err := reader.Content(WithAttachmentsMatching(func(string) bool { return true }))
	require.NoError(t, err)
	rec, err := it.Next(nil)
	require.NoError(t, err)
	ar := rec.AsAttachmentReader()
	require.NotNil(t, ar)
	assert.Equal(t, "calibration.bin", ar.Name)
	data, err := io.ReadAll(ar.Data())
	require.NoError(t, err)
	assert.Equal(t, []byte("DEAD"), data)
	_, err = ar.ParsedCRC()
	require.NoError(t, err)
}

func TestWriterAttachmentDataSizeMismatch(t *testing.T) {
	buf := &bytes.Buffer{}
	w, err := NewWriter(buf, &WriterOptions{})
	require.NoError(t, err)
	require.NoError(t, w.WriteHeader(&Header{}))
	err = w.WriteAttachment(&Attachment{
		Name:     "bad",
		DataSize: 10,
		Data:     bytes.NewReader([]byte("short")),
	})
	assert.ErrorIs(t, err, ErrAttachmentDataSizeIncorrect)
}

func TestWriterMetadataRoundTrip(t *testing.T) {
	buf := &bytes.Buffer{}
	w, err := NewWriter(buf, &WriterOptions{})
	require.NoError(t, err)
	require.NoError(t, w.WriteHeader(&Header{}))
	require.NoError(t, w.WriteMetadata(&Metadata{
		Name:     "run-info",
		Metadata: map[string]string{"operator": "jane"},
	}))
	require.NoError(t, w.Close())

	reader, err := NewReader(bytes.NewReader(buf.Bytes()))
	require.NoError(t, err)
	it, err := reader.Content(WithMetadataMatching(func(string) bool { return true }))
	require.NoError(t, err)
	rec, err := it.Next(nil)
	require.NoError(t, err)
	md := rec.AsMetadata()
	require.NotNil(t, md)
	assert.Equal(t, "run-info", md.Name)
	assert.Equal(t, "jane", md.Metadata["operator"])
}

func TestWriterAttachmentClosesActiveChunk(t *testing.T) {
	buf := &bytes.Buffer{}
	w, err := NewWriter(buf, &WriterOptions{Chunked: true, ChunkSize: 1 << 20})
	require.NoError(t, err)
	require.NoError(t, w.WriteHeader(&Header{}))
	schemaID, err := w.AddSchema("s", "json", nil)
	require.NoError(t, err)
	channelID, err := w.AddChannel(schemaID, "/t", "json", nil)
	require.NoError(t, err)
	require.NoError(t, w.WriteMessage(&Message{ChannelID: channelID, LogTime: 1, Data: []byte("x")}))
	require.NoError(t, w.WriteAttachment(&Attachment{
		Name:     "calibration.bin",
		DataSize: 4,
		Data:     bytes.NewReader([]byte("DEAD")),
	}))
	// the message above must have landed in a closed chunk, not after the attachment
	assert.Len(t, w.ChunkIndexes, 1)
	require.NoError(t, w.Close())

	reader, err := NewReader(bytes.NewReader(buf.Bytes()))
	require.NoError(t, err)
	info, err := reader.Info()
	require.NoError(t, err)
	require.Len(t, info.ChunkIndexes, 1)
	assert.Less(t, info.ChunkIndexes[0].ChunkStartOffset, info.AttachmentIndexes[0].Offset)
}

func TestWriterMetadataClosesActiveChunk(t *testing.T) {
	buf := &bytes.Buffer{}
	w, err := NewWriter(buf, &WriterOptions{Chunked: true, ChunkSize: 1 << 20})
	require.NoError(t, err)
	require.NoError(t, w.WriteHeader(&Header{}))
	schemaID, err := w.AddSchema("s", "json", nil)
	require.NoError(t, err)
	channelID, err := w.AddChannel(schemaID, "/t", "json", nil)
	require.NoError(t, err)
	require.NoError(t, w.WriteMessage(&Message{ChannelID: channelID, LogTime: 1, Data: []byte("x")}))
	require.NoError(t, w.WriteMetadata(&Metadata{Name: "run-info"}))
	assert.Len(t, w.ChunkIndexes, 1)
	require.NoError(t, w.Close())

	reader, err := NewReader(bytes.NewReader(buf.Bytes()))
	require.NoError(t, err)
	info, err := reader.Info()
	require.NoError(t, err)
	require.Len(t, info.ChunkIndexes, 1)
	assert.Less(t, info.ChunkIndexes[0].ChunkStartOffset, info.MetadataIndexes[0].Offset)
}

func TestWriterSkipSummarySections(t *testing.T) {
	buf := &bytes.Buffer{}
	w, err := NewWriter(buf, &WriterOptions{
		SkipStatistics:           true,
		SkipChunkIndex:           true,
		SkipAttachmentIndex:      true,
		SkipMetadataIndex:        true,
		SkipSummaryOffsets:       true,
		SkipRepeatedSchemas:      true,
		SkipRepeatedChannelInfos: true,
	})
	require.NoError(t, err)
	require.NoError(t, w.WriteHeader(&Header{}))
	schemaID, err := w.AddSchema("s", "json", nil)
	require.NoError(t, err)
	channelID, err := w.AddChannel(schemaID, "/t", "json", nil)
	require.NoError(t, err)
	require.NoError(t, w.WriteMessage(&Message{ChannelID: channelID, LogTime: 1, Data: []byte("x")}))
	require.NoError(t, w.Close())

	reader, err := NewReader(bytes.NewReader(buf.Bytes()))
	require.NoError(t, err)
	info, err := reader.Info()
	require.NoError(t, err)
	// with every summary group skipped the footer declares no summary section, so Info
	// reports none at all: no statistics and no chunk indexes.
	assert.Nil(t, info)
}

func TestWriterSortChunkMessages(t *testing.T) {
	buf := &bytes.Buffer{}
	w, err := NewWriter(buf, &WriterOptions{Chunked: true, ChunkSize: 1 << 20, SortChunkMessages: true})
	require.NoError(t, err)
	require.NoError(t, w.WriteHeader(&Header{}))
	schemaID, err := w.AddSchema("s", "json", nil)
	require.NoError(t, err)
	channelID, err := w.AddChannel(schemaID, "/t", "json", nil)
	require.NoError(t, err)
	logTimes := []uint64{5, 1, 4, 2, 3}
	for _, lt := range logTimes {
		require.NoError(t, w.WriteMessage(&Message{ChannelID: channelID, LogTime: lt, Data: []byte("x")}))
	}
	require.NoError(t, w.Close())

	messages := readBack(t, buf.Bytes())
	require.Len(t, messages, 5)
	for i, m := range messages {
		assert.Equal(t, uint64(i+1), m.LogTime)
	}
}

func TestWriterSummaryCRC(t *testing.T) {
	buf := &bytes.Buffer{}
	w, err := NewWriter(buf, &WriterOptions{})
	require.NoError(t, err)
	require.NoError(t, w.WriteHeader(&Header{}))
	require.NoError(t, w.Close())

	reader, err := NewReader(bytes.NewReader(buf.Bytes()))
	require.NoError(t, err)
	info, err := reader.Info()
	require.NoError(t, err)
	require.NotZero(t, info.Footer.SummaryCRC)
}

func TestWriterNoSummaryCRC(t *testing.T) {
	buf := &bytes.Buffer{}
	w, err := NewWriter(buf, &WriterOptions{NoSummaryCRC: true})
	require.NoError(t, err)
	require.NoError(t, w.WriteHeader(&Header{}))
	require.NoError(t, w.Close())

	reader, err := NewReader(bytes.NewReader(buf.Bytes()))
	require.NoError(t, err)
	info, err := reader.Info()
	require.NoError(t, err)
	assert.Zero(t, info.Footer.SummaryCRC)
}
