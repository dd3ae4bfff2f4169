package mcap

import (
	"encoding/binary"
	"io"
)

func putByte(buf []byte, x byte) (int, error) {
	if len(buf) < 1 {
		return 0, io.ErrShortBuffer
	}
	buf[0] = x
	return 1, nil
}

func getUint16(buf []byte, offset int) (x uint16, newoffset int, err error) {
	if offset < 0 || offset > len(buf)-2 {
		return 0, 0, io.ErrShortBuffer
	}
	return binary.LittleEndian.Uint16(buf[offset:]), offset + 2, nil
}

func getUint32(buf []byte, offset int) (x uint32, newoffset int, err error) {
	if offset < 0 || offset > len(buf)-4 {
		return 0, 0, io.ErrShortBuffer
	}
	return binary.LittleEndian.Uint32(buf[offset:]), offset + 4, nil
}

func getUint64(buf []byte, offset int) (x uint64, newoffset int, err error) {
	if offset < 0 || offset > len(buf)-8 {
		return 0, 0, io.ErrShortBuffer
	}
	return binary.LittleEndian.Uint64(buf[offset:]), offset + 8, nil
}

// getPrefixedString reads a uint32-length-prefixed UTF-8 string from buf at offset.
func getPrefixedString(buf []byte, offset int) (s string, newoffset int, err error) {
	length, offset, err := getUint32(buf, offset)
	if err != nil {
		return "", 0, err
	}
	if offset+int(length) > len(buf) || offset+int(length) < offset {
		return "", 0, io.ErrShortBuffer
	}
	return string(buf[offset : offset+int(length)]), offset + int(length), nil
}

// getPrefixedBytes reads a uint32-length-prefixed byte array from buf at offset. The
// returned slice borrows from buf.
func getPrefixedBytes(buf []byte, offset int) (s []byte, newoffset int, err error) {
	length, offset, err := getUint32(buf, offset)
	if err != nil {
		return nil, 0, err
	}
	if offset+int(length) > len(buf) || offset+int(length) < offset {
		return nil, 0, io.ErrShortBuffer
	}
	return buf[offset : offset+int(length)], offset + int(length), nil
}

// getPrefixedMap reads a size-prefixed sequence of (key, value) string pairs from buf at
// offset, as used by Channel.Metadata and Metadata.Metadata.
func getPrefixedMap(buf []byte, offset int) (m map[string]string, newoffset int, err error) {
	maplen, offset, err := getUint32(buf, offset)
	if err != nil {
		return nil, 0, err
	}
	m = make(map[string]string)
	end := offset + int(maplen)
	if end > len(buf) || end < offset {
		return nil, 0, io.ErrShortBuffer
	}
	for offset < end {
		var key, value string
		key, offset, err = getPrefixedString(buf, offset)
		if err != nil {
			return nil, 0, err
		}
		value, offset, err = getPrefixedString(buf, offset)
		if err != nil {
			return nil, 0, err
		}
		m[key] = value
	}
	return m, offset, nil
}

func putUint16(buf []byte, i uint16) int {
	binary.LittleEndian.PutUint16(buf, i)
	return 2
}

func putUint32(buf []byte, i uint32) int {
	binary.LittleEndian.PutUint32(buf, i)
	return 4
}

func putUint64(buf []byte, i uint64) int {
	binary.LittleEndian.PutUint64(buf, i)
	return 8
}

func putPrefixedString(buf []byte, s string) int {
	offset := putUint32(buf, uint32(len(s)))
	offset += copy(buf[offset:], s)
	return offset
}

func putPrefixedBytes(buf []byte, s []byte) int {
	offset := putUint32(buf, uint32(len(s)))
	offset += copy(buf[offset:], s)
	return offset
}

// readUint64 reads a little-endian uint64 from a stream, using buf as scratch space. buf
// must have length >= 8.
func readUint64(buf []byte, r io.Reader) (uint64, error) {
	if _, err := io.ReadFull(r, buf[:8]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(buf[:8]), nil
}

// readUint32 reads a little-endian uint32 from a stream, using buf as scratch space. buf
// must have length >= 4.
func readUint32(buf []byte, r io.Reader) (uint32, error) {
	if _, err := io.ReadFull(r, buf[:4]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(buf[:4]), nil
}

// readPrefixedString reads a uint32-length-prefixed UTF-8 string from a stream.
func readPrefixedString(buf []byte, r io.Reader) (string, error) {
	length, err := readUint32(buf, r)
	if err != nil {
		return "", err
	}
	data, err := makeSafe(uint64(length))
	if err != nil {
		return "", err
	}
	if _, err := io.ReadFull(r, data); err != nil {
		return "", err
	}
	return string(data), nil
}

// ReadIntoOrReplace reads exactly n bytes from r, reusing the backing array of *bufPtr
// when it is large enough and allocating a fresh one otherwise. It returns the slice of
// exactly n bytes read, which is also stored back through bufPtr for reuse on the next
// call.
func ReadIntoOrReplace(r io.Reader, n int64, bufPtr *[]byte) ([]byte, error) {
	if int64(cap(*bufPtr)) < n {
		*bufPtr = make([]byte, n)
	}
	buf := (*bufPtr)[:n]
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	*bufPtr = buf
	return buf, nil
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}
