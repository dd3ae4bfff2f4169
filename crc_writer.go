package mcap

import (
	"hash"
	"hash/crc32"
	"io"
)

// crcWriter wraps an io.Writer with a running CRC32 (IEEE) checksum over every byte
// written while computation is enabled.
type crcWriter struct {
	w          io.Writer
	crc        hash.Hash32
	computeCRC bool
}

func newCRCWriter(w io.Writer, computeCRC bool) *crcWriter {
	return &crcWriter{
		w:          w,
		crc:        crc32.NewIEEE(),
		computeCRC: computeCRC,
	}
}

func (w *crcWriter) Write(p []byte) (int, error) {
	n, err := w.w.Write(p)
	if w.computeCRC {
		_, _ = w.crc.Write(p[:n])
	}
	return n, err
}

func (w *crcWriter) Checksum() uint32 {
	return w.crc.Sum32()
}

func (w *crcWriter) Reset() {
	w.crc = crc32.NewIEEE()
}

func (w *crcWriter) ResetComputing(compute bool) {
	w.crc = crc32.NewIEEE()
	w.computeCRC = compute
}

// Update folds p into the running checksum without writing it to the underlying sink,
// for bytes covered by the checksum that fall outside the byte range its own record
// occupies (the Footer's summary_start/summary_offset_start fields, covered by
// summary_crc despite living in the footer written after it).
func (w *crcWriter) Update(p []byte) {
	if w.computeCRC {
		_, _ = w.crc.Write(p)
	}
}
