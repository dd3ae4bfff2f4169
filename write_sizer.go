package mcap

import "io"

// writeSizer wraps a crcWriter, additionally tracking the total number of bytes
// written so far (for index offset bookkeeping).
type writeSizer struct {
	w    *crcWriter
	size uint64
}

func newWriteSizer(w io.Writer, computeCRC bool) *writeSizer {
	return &writeSizer{
		w: newCRCWriter(w, computeCRC),
	}
}

func (w *writeSizer) Write(p []byte) (int, error) {
	n, err := w.w.Write(p)
	w.size += uint64(n)
	return n, err
}

func (w *writeSizer) Size() uint64 {
	return w.size
}

func (w *writeSizer) CRC() uint32 {
	return w.w.Checksum()
}

func (w *writeSizer) ResetCRC() {
	w.w.Reset()
}

func (w *writeSizer) ResetCRCComputing(compute bool) {
	w.w.ResetComputing(compute)
}

func (w *writeSizer) UpdateCRC(p []byte) {
	w.w.Update(p)
}
