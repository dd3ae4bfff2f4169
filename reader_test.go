package mcap

import (
	"bytes"
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// nonSeekableReader wraps an io.Reader without exposing io.ReadSeeker, so Reader falls
// back to sequential-only behavior.
type nonSeekableReader struct {
	r io.Reader
}

func (n *nonSeekableReader) Read(p []byte) (int, error) { return n.r.Read(p) }

func writeFixture(t *testing.T, opts *WriterOptions, topics []string, logTimes []uint64) []byte {
	t.Helper()
	buf := &bytes.Buffer{}
	w, err := NewWriter(buf, opts)
	require.NoError(t, err)
	require.NoError(t, w.WriteHeader(&Header{Profile: "x"}))
	schemaID, err := w.AddSchema("schema", "jsonschema", []byte(`{}`))
	require.NoError(t, err)
	channelIDs := make([]uint16, len(topics))
	for i, topic := range topics {
		id, err := w.AddChannel(schemaID, topic, "json", nil)
		require.NoError(t, err)
		channelIDs[i] = id
	}
	for i, lt := range logTimes {
		require.NoError(t, w.WriteMessage(&Message{
			ChannelID: channelIDs[i%len(channelIDs)],
			LogTime:   lt,
			Data:      []byte("hello"),
		}))
	}
	require.NoError(t, w.Close())
	return buf.Bytes()
}

func collectMessages(t *testing.T, it ContentIterator) []*ResolvedMessage {
	t.Helper()
	var out []*ResolvedMessage
	require.NoError(t, Range(it, func(rec ContentRecord) error {
		if m := rec.AsMessage(); m != nil {
			out = append(out, m)
		}
		return nil
	}))
	return out
}

func TestReaderInfo(t *testing.T) {
	data := writeFixture(t, &WriterOptions{Chunked: true, ChunkSize: 1 << 20}, []string{"/a", "/b"}, []uint64{1, 2, 3, 4})
	reader, err := NewReader(bytes.NewReader(data))
	require.NoError(t, err)
	info, err := reader.Info()
	require.NoError(t, err)
	assert.Equal(t, "x", info.Header.Profile)
	assert.Len(t, info.Channels, 2)
	assert.Len(t, info.Schemas, 1)
	require.NotNil(t, info.Statistics)
	assert.Equal(t, uint64(4), info.Statistics.MessageCount)
	counts := info.ChannelCounts()
	assert.Equal(t, uint64(2), counts["/a"])
	assert.Equal(t, uint64(2), counts["/b"])
}

func TestReaderContentUnchunked(t *testing.T) {
	data := writeFixture(t, &WriterOptions{}, []string{"/a"}, []uint64{1, 2, 3})
	reader, err := NewReader(bytes.NewReader(data))
	require.NoError(t, err)
	it, err := reader.Content(WithAllMessages())
	require.NoError(t, err)
	messages := collectMessages(t, it)
	require.Len(t, messages, 3)
	assert.Equal(t, []uint64{1, 2, 3}, []uint64{messages[0].LogTime, messages[1].LogTime, messages[2].LogTime})
}

func TestReaderContentChunked(t *testing.T) {
	for _, compression := range []CompressionFormat{CompressionNone, CompressionLZ4, CompressionZSTD} {
		t.Run(string(compression), func(t *testing.T) {
			data := writeFixture(t, &WriterOptions{
				Chunked:     true,
				ChunkSize:   1 << 20,
				Compression: compression,
			}, []string{"/a", "/b"}, []uint64{5, 6, 7, 8, 9, 10})
			reader, err := NewReader(bytes.NewReader(data))
			require.NoError(t, err)
			it, err := reader.Content(WithAllMessages())
			require.NoError(t, err)
			messages := collectMessages(t, it)
			require.Len(t, messages, 6)
		})
	}
}

func TestReaderContentNonSeekableFallsBackToUnindexed(t *testing.T) {
	data := writeFixture(t, &WriterOptions{Chunked: true, ChunkSize: 1 << 20}, []string{"/a"}, []uint64{1, 2, 3})
	reader, err := NewReader(&nonSeekableReader{r: bytes.NewReader(data)})
	require.NoError(t, err)
	it, err := reader.Content(WithAllMessages())
	require.NoError(t, err)
	messages := collectMessages(t, it)
	require.Len(t, messages, 3)

	_, err = reader.Info()
	assert.Error(t, err)
}

func TestReaderForceIndexedFailsWithoutSeekable(t *testing.T) {
	data := writeFixture(t, &WriterOptions{}, []string{"/a"}, []uint64{1})
	reader, err := NewReader(&nonSeekableReader{r: bytes.NewReader(data)})
	require.NoError(t, err)
	_, err = reader.Content(WithAllMessages(), ForceIndexed())
	assert.Error(t, err)
}

func TestReaderForceUnindexed(t *testing.T) {
	data := writeFixture(t, &WriterOptions{Chunked: true, ChunkSize: 1 << 20}, []string{"/a"}, []uint64{1, 2, 3})
	reader, err := NewReader(bytes.NewReader(data))
	require.NoError(t, err)
	it, err := reader.Content(WithAllMessages(), ForceUnindexed())
	require.NoError(t, err)
	messages := collectMessages(t, it)
	require.Len(t, messages, 3)
}

func TestReaderForceIndexedAndUnindexedConflict(t *testing.T) {
	data := writeFixture(t, &WriterOptions{}, []string{"/a"}, []uint64{1})
	reader, err := NewReader(bytes.NewReader(data))
	require.NoError(t, err)
	_, err = reader.Content(ForceIndexed(), ForceUnindexed())
	assert.Error(t, err)
}

func TestReaderTopicFiltering(t *testing.T) {
	data := writeFixture(t, &WriterOptions{Chunked: true, ChunkSize: 1 << 20}, []string{"/a", "/b"}, []uint64{1, 2, 3, 4})
	reader, err := NewReader(bytes.NewReader(data))
	require.NoError(t, err)
	it, err := reader.Content(WithMessagesMatching(func(_ *Schema, ch *Channel) bool {
		return ch.Topic == "/b"
	}))
	require.NoError(t, err)
	messages := collectMessages(t, it)
	for _, m := range messages {
		assert.Equal(t, "/b", m.Channel.Topic)
	}
	assert.NotEmpty(t, messages)
}

func TestReaderTimeBounds(t *testing.T) {
	data := writeFixture(t, &WriterOptions{Chunked: true, ChunkSize: 1 << 20}, []string{"/a"}, []uint64{1, 2, 3, 4, 5})
	reader, err := NewReader(bytes.NewReader(data))
	require.NoError(t, err)
	it, err := reader.Content(WithAllMessages(), WithTimeBounds(2, 4))
	require.NoError(t, err)
	messages := collectMessages(t, it)
	var times []uint64
	for _, m := range messages {
		times = append(times, m.LogTime)
	}
	assert.Equal(t, []uint64{2, 3, 4}, times)
}

func corruptChunkAt(t *testing.T, data []byte, chunkIndex int) []byte {
	t.Helper()
	out := append([]byte(nil), data...)
	reader, err := NewReader(bytes.NewReader(out))
	require.NoError(t, err)
	info, err := reader.Info()
	require.NoError(t, err)
	require.Greater(t, len(info.ChunkIndexes), chunkIndex)
	ci := info.ChunkIndexes[chunkIndex]
	last := ci.ChunkStartOffset + ci.ChunkLength - 1
	out[last] ^= 0xFF
	return out
}

func TestReaderChunkCRCMismatchWithoutCallback(t *testing.T) {
	data := writeFixture(t, &WriterOptions{Chunked: true, ChunkSize: 1 << 20}, []string{"/a"}, []uint64{1, 2, 3})
	corrupted := corruptChunkAt(t, data, 0)

	reader, err := NewReader(bytes.NewReader(corrupted))
	require.NoError(t, err)
	it, err := reader.Content(WithAllMessages())
	require.NoError(t, err)
	_, err = it.Next(nil)
	assert.ErrorIs(t, err, ErrChunkCRCMismatch)
}

func TestReaderChunkCRCMismatchWithProblemCallback(t *testing.T) {
	data := writeFixture(t, &WriterOptions{Chunked: true, ChunkSize: 1 << 20}, []string{"/a"}, []uint64{1, 2, 3})
	corrupted := corruptChunkAt(t, data, 0)

	var problems int
	reader, err := NewReader(bytes.NewReader(corrupted))
	require.NoError(t, err)
	it, err := reader.Content(WithAllMessages(), WithProblemCallback(func(err error) bool {
		problems++
		return errors.Is(err, ErrChunkCRCMismatch)
	}))
	require.NoError(t, err)
	messages := collectMessages(t, it)
	assert.Empty(t, messages)
	assert.Equal(t, 1, problems)
}

func TestReaderChunkCRCMismatchUnindexedWithProblemCallback(t *testing.T) {
	data := writeFixture(t, &WriterOptions{Chunked: true, ChunkSize: 1 << 20}, []string{"/a"}, []uint64{1, 2, 3})
	corrupted := corruptChunkAt(t, data, 0)

	var problems int
	reader, err := NewReader(bytes.NewReader(corrupted))
	require.NoError(t, err)
	it, err := reader.Content(WithAllMessages(), ForceUnindexed(), WithProblemCallback(func(err error) bool {
		problems++
		return true
	}))
	require.NoError(t, err)
	messages := collectMessages(t, it)
	assert.Empty(t, messages)
	assert.Equal(t, 1, problems)
}

func writeOverlappingChunks(t *testing.T) []byte {
	t.Helper()
	buf := &bytes.Buffer{}
	w, err := NewWriter(buf, &WriterOptions{Chunked: true, ChunkSize: 1 << 20})
	require.NoError(t, err)
	require.NoError(t, w.WriteHeader(&Header{}))
	schemaID, err := w.AddSchema("s", "json", nil)
	require.NoError(t, err)
	channelID, err := w.AddChannel(schemaID, "/a", "json", nil)
	require.NoError(t, err)
	for _, lt := range []uint64{0, 2, 4, 6, 8} {
		require.NoError(t, w.WriteMessage(&Message{ChannelID: channelID, LogTime: lt, Data: []byte("x")}))
	}
	require.NoError(t, w.CloseLastChunk())
	for _, lt := range []uint64{1, 3, 5, 7, 9} {
		require.NoError(t, w.WriteMessage(&Message{ChannelID: channelID, LogTime: lt, Data: []byte("x")}))
	}
	require.NoError(t, w.Close())
	return buf.Bytes()
}

func TestReaderWithOrderLogTime(t *testing.T) {
	data := writeOverlappingChunks(t)
	reader, err := NewReader(bytes.NewReader(data))
	require.NoError(t, err)
	it, err := reader.Content(WithAllMessages(), WithOrder(LogTimeOrder))
	require.NoError(t, err)
	messages := collectMessages(t, it)
	require.Len(t, messages, 10)
	for i, m := range messages {
		assert.Equal(t, uint64(i), m.LogTime)
	}
}

func TestReaderWithOrderReverseLogTime(t *testing.T) {
	data := writeOverlappingChunks(t)
	reader, err := NewReader(bytes.NewReader(data))
	require.NoError(t, err)
	it, err := reader.Content(WithAllMessages(), WithOrder(ReverseLogTimeOrder))
	require.NoError(t, err)
	messages := collectMessages(t, it)
	require.Len(t, messages, 10)
	for i, m := range messages {
		assert.Equal(t, uint64(9-i), m.LogTime)
	}
}

// writeTiedTimestampChunks writes two time-overlapping chunks (so the indexed reader
// must use its heap) containing a message pair tied at the same LogTime, so that
// ordering by timestamp alone cannot distinguish them and the reader must fall back to
// file-position tie-breaking.
func writeTiedTimestampChunks(t *testing.T) []byte {
	t.Helper()
	buf := &bytes.Buffer{}
	w, err := NewWriter(buf, &WriterOptions{Chunked: true, ChunkSize: 1 << 20})
	require.NoError(t, err)
	require.NoError(t, w.WriteHeader(&Header{}))
	schemaID, err := w.AddSchema("s", "json", nil)
	require.NoError(t, err)
	channelA, err := w.AddChannel(schemaID, "/a", "json", nil)
	require.NoError(t, err)
	channelB, err := w.AddChannel(schemaID, "/b", "json", nil)
	require.NoError(t, err)
	require.NoError(t, w.WriteMessage(&Message{ChannelID: channelA, LogTime: 5, Data: []byte("x")}))
	require.NoError(t, w.WriteMessage(&Message{ChannelID: channelA, LogTime: 6, Data: []byte("x")}))
	require.NoError(t, w.CloseLastChunk())
	require.NoError(t, w.WriteMessage(&Message{ChannelID: channelB, LogTime: 5, Data: []byte("x")}))
	require.NoError(t, w.Close())
	return buf.Bytes()
}

func TestReaderWithOrderTiesBreakOnFilePosition(t *testing.T) {
	data := writeTiedTimestampChunks(t)
	reader, err := NewReader(bytes.NewReader(data))
	require.NoError(t, err)
	it, err := reader.Content(WithAllMessages(), WithOrder(LogTimeOrder))
	require.NoError(t, err)
	messages := collectMessages(t, it)
	require.Len(t, messages, 3)
	assert.Equal(t, []uint64{5, 5, 6}, []uint64{messages[0].LogTime, messages[1].LogTime, messages[2].LogTime})
	// at the tied LogTime=5, the message from the earlier (lower file offset) chunk
	// must come first.
	assert.Equal(t, "/a", messages[0].Channel.Topic)
	assert.Equal(t, "/b", messages[1].Channel.Topic)
	assert.Equal(t, "/a", messages[2].Channel.Topic)
}

func TestReaderWithOrderRequiresIndex(t *testing.T) {
	data := writeFixture(t, &WriterOptions{Chunked: true, ChunkSize: 1 << 20}, []string{"/a"}, []uint64{1, 2})
	reader, err := NewReader(bytes.NewReader(data))
	require.NoError(t, err)
	_, err = reader.Content(WithAllMessages(), WithOrder(LogTimeOrder), ForceUnindexed())
	assert.Error(t, err)
}

func TestReaderWithOrderRejectsAttachmentsAndMetadata(t *testing.T) {
	data := writeFixture(t, &WriterOptions{Chunked: true, ChunkSize: 1 << 20}, []string{"/a"}, []uint64{1})
	reader, err := NewReader(bytes.NewReader(data))
	require.NoError(t, err)
	_, err = reader.Content(WithOrder(LogTimeOrder), WithAttachmentsMatching(func(string) bool { return true }))
	assert.Error(t, err)
}

func TestReaderWithOrderRequiresSeekable(t *testing.T) {
	data := writeFixture(t, &WriterOptions{Chunked: true, ChunkSize: 1 << 20}, []string{"/a"}, []uint64{1})
	reader, err := NewReader(&nonSeekableReader{r: bytes.NewReader(data)})
	require.NoError(t, err)
	_, err = reader.Content(WithAllMessages(), WithOrder(LogTimeOrder))
	assert.Error(t, err)
}

func noSummarySectionFixture(t *testing.T) []byte {
	t.Helper()
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
	channelID, err := w.AddChannel(schemaID, "/a", "json", nil)
	require.NoError(t, err)
	for _, lt := range []uint64{1, 2, 3} {
		require.NoError(t, w.WriteMessage(&Message{ChannelID: channelID, LogTime: lt, Data: []byte("x")}))
	}
	require.NoError(t, w.Close())
	return buf.Bytes()
}

func TestReaderInfoNoSummarySection(t *testing.T) {
	data := noSummarySectionFixture(t)
	reader, err := NewReader(bytes.NewReader(data))
	require.NoError(t, err)
	info, err := reader.Info()
	require.NoError(t, err)
	assert.Nil(t, info)
}

func TestReadSummaryNoFallbackScanFailsWithoutSummary(t *testing.T) {
	data := noSummarySectionFixture(t)
	reader, err := NewReader(bytes.NewReader(data))
	require.NoError(t, err)
	_, err = reader.ReadSummary(NoFallbackScan)
	assert.Error(t, err)
}

func TestReadSummaryAllowFallbackScan(t *testing.T) {
	data := noSummarySectionFixture(t)
	reader, err := NewReader(bytes.NewReader(data))
	require.NoError(t, err)
	info, err := reader.ReadSummary(AllowFallbackScan)
	require.NoError(t, err)
	require.NotNil(t, info)
	assert.Equal(t, uint64(3), info.Statistics.MessageCount)
	assert.Len(t, info.Channels, 1)
	assert.Len(t, info.Schemas, 1)
}

func TestReadSummaryForceScan(t *testing.T) {
	data := writeFixture(t, &WriterOptions{Chunked: true, ChunkSize: 1 << 20}, []string{"/a", "/b"}, []uint64{1, 2, 3, 4})
	reader, err := NewReader(bytes.NewReader(data))
	require.NoError(t, err)
	info, err := reader.ReadSummary(ForceScan)
	require.NoError(t, err)
	assert.Equal(t, uint64(4), info.Statistics.MessageCount)
	require.Len(t, info.ChunkIndexes, 1)
	assert.Equal(t, uint64(1), info.ChunkIndexes[0].MessageStartTime)
	assert.Equal(t, uint64(4), info.ChunkIndexes[0].MessageEndTime)
}

func writeSequentialChunks(t *testing.T) []byte {
	t.Helper()
	buf := &bytes.Buffer{}
	w, err := NewWriter(buf, &WriterOptions{Chunked: true, ChunkSize: 1 << 20})
	require.NoError(t, err)
	require.NoError(t, w.WriteHeader(&Header{}))
	schemaID, err := w.AddSchema("s", "json", nil)
	require.NoError(t, err)
	channelID, err := w.AddChannel(schemaID, "/a", "json", nil)
	require.NoError(t, err)
	for _, lt := range []uint64{0, 1, 2, 3, 4} {
		require.NoError(t, w.WriteMessage(&Message{ChannelID: channelID, LogTime: lt, Data: []byte("x")}))
	}
	require.NoError(t, w.CloseLastChunk())
	for _, lt := range []uint64{100, 101, 102, 103, 104} {
		require.NoError(t, w.WriteMessage(&Message{ChannelID: channelID, LogTime: lt, Data: []byte("x")}))
	}
	require.NoError(t, w.Close())
	return buf.Bytes()
}

func TestReaderByteRange(t *testing.T) {
	data := writeSequentialChunks(t)
	reader, err := NewReader(bytes.NewReader(data))
	require.NoError(t, err)
	info, err := reader.Info()
	require.NoError(t, err)
	require.Len(t, info.ChunkIndexes, 2)

	start, end, err := reader.ByteRange(info, 0, 4)
	require.NoError(t, err)
	// only the first chunk (times [0,4]) overlaps [0,4]
	firstChunk := info.ChunkIndexes[0]
	assert.Equal(t, firstChunk.ChunkStartOffset, start)
	assert.Equal(t, firstChunk.ChunkStartOffset+firstChunk.ChunkLength+firstChunk.MessageIndexLength, end)

	start, end, err = reader.ByteRange(info, 200, 300)
	require.NoError(t, err)
	assert.Equal(t, start, end)
}

func TestReaderByteRangeNoChunkIndexes(t *testing.T) {
	data := writeFixture(t, &WriterOptions{}, []string{"/a"}, []uint64{1, 2, 3})
	reader, err := NewReader(bytes.NewReader(data))
	require.NoError(t, err)
	info, err := reader.Info()
	require.NoError(t, err)
	require.Empty(t, info.ChunkIndexes)
	start, end, err := reader.ByteRange(info, 0, 10)
	require.NoError(t, err)
	assert.Less(t, start, end)
}
