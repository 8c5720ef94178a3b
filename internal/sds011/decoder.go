package sds011

import (
	"bytes"
	"errors"
)

// DecoderStats counts what the decoder has discarded since it was created.
type DecoderStats struct {
	Frames           uint64
	Desyncs          uint64
	ChecksumFailures uint64
	NoiseBytes       uint64
}

// Decoder reassembles frames from an arbitrary byte stream. Bytes are
// appended with Feed and consumed by Next; the read offset only moves
// forward, so a rejected header never causes a real frame to be skipped.
type Decoder struct {
	buf   []byte
	off   int
	stats DecoderStats
}

// NewDecoder returns an empty decoder.
func NewDecoder() *Decoder {
	return &Decoder{buf: make([]byte, 0, 4*FrameSize)}
}

// Feed appends p to the receive buffer.
func (d *Decoder) Feed(p []byte) {
	d.compact()
	d.buf = append(d.buf, p...)
}

// Next returns the next frame in the buffer. It returns ErrNeedMoreData once
// the buffer holds no complete frame; ErrFrameDesync and ErrChecksumMismatch
// are per-frame conditions and the caller may call Next again immediately.
func (d *Decoder) Next() (Frame, error) {
	f, n, err := Decode(d.buf[d.off:])
	switch {
	case err == nil:
		d.stats.Frames++
		d.stats.NoiseBytes += uint64(n - FrameSize)
	case errors.Is(err, ErrFrameDesync):
		d.stats.Desyncs++
		d.stats.NoiseBytes += uint64(n)
	case errors.Is(err, ErrChecksumMismatch):
		d.stats.ChecksumFailures++
		d.stats.NoiseBytes += uint64(bytes.IndexByte(d.buf[d.off:], FrameHeader))
	case errors.Is(err, ErrNeedMoreData):
		d.stats.NoiseBytes += uint64(n)
	}
	d.off += n
	return f, err
}

// Buffered returns the number of unconsumed bytes.
func (d *Decoder) Buffered() int {
	return len(d.buf) - d.off
}

// Reset drops all buffered bytes. Statistics are kept.
func (d *Decoder) Reset() {
	d.buf = d.buf[:0]
	d.off = 0
}

// Stats returns a copy of the decoder counters.
func (d *Decoder) Stats() DecoderStats {
	return d.stats
}

// compact moves the unconsumed tail to the front once the consumed prefix
// dominates the buffer.
func (d *Decoder) compact() {
	if d.off == 0 {
		return
	}
	if d.off < len(d.buf)/2 && d.off < 4*FrameSize {
		return
	}
	n := copy(d.buf, d.buf[d.off:])
	d.buf = d.buf[:n]
	d.off = 0
}
