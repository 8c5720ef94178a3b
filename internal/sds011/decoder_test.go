package sds011

import (
	"errors"
	"testing"
	"time"
)

func TestDecoder_ByteAtATime(t *testing.T) {
	d := NewDecoder()
	for i, b := range datasheetFrame {
		d.Feed([]byte{b})
		f, err := d.Next()
		if i < len(datasheetFrame)-1 {
			if !errors.Is(err, ErrNeedMoreData) {
				t.Fatalf("byte %d: err = %v, want ErrNeedMoreData", i, err)
			}
			continue
		}
		if err != nil || !f.Valid {
			t.Fatalf("final byte: frame = %+v, err = %v", f, err)
		}
	}
	if d.Buffered() != 0 {
		t.Errorf("Buffered() = %d, want 0", d.Buffered())
	}
}

func TestDecoder_StatsAndSequence(t *testing.T) {
	corrupted := MeasurementFrame(50, 60, 7).Bytes()
	corrupted[8] ^= 0xFF

	d := NewDecoder()
	d.Feed([]byte{0x00, 0x11})
	d.Feed([]byte{0xAA, 0x22})
	d.Feed(datasheetFrame)
	d.Feed(corrupted)
	d.Feed(MeasurementFrame(70, 80, 7).Bytes())

	var kinds []string
	for {
		f, err := d.Next()
		if errors.Is(err, ErrNeedMoreData) {
			break
		}
		switch {
		case err == nil:
			kinds = append(kinds, f.Kind.String())
		case errors.Is(err, ErrFrameDesync):
			kinds = append(kinds, "desync")
		case errors.Is(err, ErrChecksumMismatch):
			kinds = append(kinds, "checksum")
		}
	}

	want := []string{"desync", "measurement", "checksum", "measurement"}
	if len(kinds) != len(want) {
		t.Fatalf("events = %v, want %v", kinds, want)
	}
	for i := range want {
		if kinds[i] != want[i] {
			t.Errorf("event %d = %s, want %s", i, kinds[i], want[i])
		}
	}

	s := d.Stats()
	if s.Frames != 2 || s.Desyncs != 1 || s.ChecksumFailures != 1 {
		t.Errorf("Stats() = %+v, want 2 frames, 1 desync, 1 checksum failure", s)
	}
	// 0x00 0x11 before the stray header, the header itself, then 0x22.
	if s.NoiseBytes != 4 {
		t.Errorf("NoiseBytes = %d, want 4", s.NoiseBytes)
	}
}

func TestDecoder_CompactKeepsUnreadBytes(t *testing.T) {
	d := NewDecoder()
	for i := 0; i < 100; i++ {
		b := MeasurementFrame(uint16(i), uint16(i*2), 1).Bytes()
		// Split every frame across two feeds so compaction runs with a
		// partial frame pending.
		d.Feed(b[:4])
		if _, err := d.Next(); !errors.Is(err, ErrNeedMoreData) {
			t.Fatalf("frame %d: partial err = %v", i, err)
		}
		d.Feed(b[4:])
		f, err := d.Next()
		if err != nil {
			t.Fatalf("frame %d: err = %v", i, err)
		}
		m, _ := ParseMeasurement(f, time.Time{})
		if m.RawPM25 != uint16(i) || m.RawPM10 != uint16(i*2) {
			t.Fatalf("frame %d decoded as %d/%d", i, m.RawPM25, m.RawPM10)
		}
	}
	if got := d.Stats().Frames; got != 100 {
		t.Errorf("Frames = %d, want 100", got)
	}
}

func TestDecoder_ResetKeepsStats(t *testing.T) {
	d := NewDecoder()
	d.Feed(datasheetFrame)
	if _, err := d.Next(); err != nil {
		t.Fatalf("Next() error = %v", err)
	}
	d.Feed(datasheetFrame[:6])
	d.Reset()

	if d.Buffered() != 0 {
		t.Errorf("Buffered() after Reset = %d, want 0", d.Buffered())
	}
	if d.Stats().Frames != 1 {
		t.Errorf("Frames after Reset = %d, want 1", d.Stats().Frames)
	}
	if _, err := d.Next(); !errors.Is(err, ErrNeedMoreData) {
		t.Errorf("Next() after Reset error = %v, want ErrNeedMoreData", err)
	}
}

func TestDecoder_StrayHeaderBeforeFrameEndingInTail(t *testing.T) {
	d := NewDecoder()
	d.Feed([]byte{FrameHeader})
	d.Feed(MeasurementFrame(0x10, 0x20, 0xA1DA).Bytes())

	if _, err := d.Next(); !errors.Is(err, ErrChecksumMismatch) {
		t.Fatalf("first Next() error = %v, want ErrChecksumMismatch", err)
	}
	f, err := d.Next()
	if err != nil {
		t.Fatalf("second Next() error = %v", err)
	}
	m, err := ParseMeasurement(f, time.Time{})
	if err != nil {
		t.Fatalf("ParseMeasurement: %v", err)
	}
	if m.RawPM25 != 0x10 || m.RawPM10 != 0x20 || m.DeviceID != 0xA1DA {
		t.Errorf("measurement = %+v", m)
	}
	if d.Buffered() != 0 {
		t.Errorf("Buffered() = %d, want 0", d.Buffered())
	}
	if s := d.Stats(); s.Frames != 1 || s.ChecksumFailures != 1 || s.NoiseBytes != 0 {
		t.Errorf("Stats() = %+v, want 1 frame, 1 checksum failure, no noise", s)
	}
}
