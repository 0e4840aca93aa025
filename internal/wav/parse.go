package wav

import (
	"bytes"
	"errors"
	"fmt"
)

var (
	// ErrMalformed is returned when a buffer lacks a parseable RIFF header,
	// fmt subchunk or data subchunk.
	ErrMalformed = errors.New("malformed WAV")
	// ErrFormatMismatch is returned when concatenated chunks disagree on
	// sample rate, channel count, bit depth or encoding.
	ErrFormatMismatch = errors.New("WAV format mismatch")
)

var (
	fmtTag  = []byte("fmt ")
	dataTag = []byte("data")
)

// Info describes the format and PCM location of a WAV buffer.
type Info struct {
	AudioFormat   int
	Channels      int
	SampleRate    int
	ByteRate      int
	BlockAlign    int
	BitsPerSample int

	// DataSizeOffset is the offset of the data subchunk's 32-bit size field.
	DataSizeOffset int
	// DataOffset is the offset of the first PCM byte.
	DataOffset int
	// DataSize is the number of PCM bytes, clamped to the buffer length.
	DataSize int
	// DeclaredDataSize is the size written in the data subchunk header.
	DeclaredDataSize int
}

// Parse locates the fmt and data subchunks of buf by scanning for their tags
// rather than assuming the 44-byte minimal layout, since encoders may insert
// LIST or other metadata chunks. The returned errors wrap ErrMalformed.
func Parse(buf []byte) (*Info, error) {
	if len(buf) < 12 {
		return nil, fmt.Errorf("%w: %d bytes is too short for a RIFF header", ErrMalformed, len(buf))
	}
	if string(buf[0:4]) != "RIFF" || string(buf[8:12]) != "WAVE" {
		return nil, fmt.Errorf("%w: missing RIFF/WAVE signature", ErrMalformed)
	}

	fmtIdx := bytes.Index(buf[12:], fmtTag)
	if fmtIdx < 0 {
		return nil, fmt.Errorf("%w: no fmt subchunk", ErrMalformed)
	}
	fmtIdx += 12
	body := fmtIdx + 8
	if body+16 > len(buf) {
		return nil, fmt.Errorf("%w: truncated fmt subchunk", ErrMalformed)
	}
	fmtSize := int(LE32(buf[fmtIdx+4:]))
	if fmtSize < 16 {
		return nil, fmt.Errorf("%w: fmt subchunk size %d", ErrMalformed, fmtSize)
	}

	info := &Info{
		AudioFormat:   int(LE16(buf[body:])),
		Channels:      int(LE16(buf[body+2:])),
		SampleRate:    int(LE32(buf[body+4:])),
		ByteRate:      int(LE32(buf[body+8:])),
		BlockAlign:    int(LE16(buf[body+12:])),
		BitsPerSample: int(LE16(buf[body+14:])),
	}
	if info.Channels == 0 || info.SampleRate == 0 || info.BitsPerSample == 0 {
		return nil, fmt.Errorf("%w: fmt subchunk has zero channels, rate or bit depth", ErrMalformed)
	}

	searchFrom := min(body+fmtSize, len(buf))
	dataIdx := bytes.Index(buf[searchFrom:], dataTag)
	if dataIdx < 0 {
		return nil, fmt.Errorf("%w: no data subchunk", ErrMalformed)
	}
	dataIdx += searchFrom
	if dataIdx+8 > len(buf) {
		return nil, fmt.Errorf("%w: truncated data subchunk header", ErrMalformed)
	}

	info.DataSizeOffset = dataIdx + 4
	info.DataOffset = dataIdx + 8
	info.DeclaredDataSize = int(LE32(buf[dataIdx+4:]))
	info.DataSize = min(info.DeclaredDataSize, len(buf)-info.DataOffset)

	return info, nil
}

// PCM returns the PCM payload of buf described by i.
func (i *Info) PCM(buf []byte) []byte {
	return buf[i.DataOffset : i.DataOffset+i.DataSize]
}

// BytesPerSecond returns the byte rate, derived from the sample format when
// the header's byte rate field is zero.
func (i *Info) BytesPerSecond() int {
	if i.ByteRate > 0 {
		return i.ByteRate
	}
	return i.SampleRate * i.Channels * i.BitsPerSample / 8
}

// DurationOf returns the playback length in seconds of n PCM bytes.
func (i *Info) DurationOf(n int) float64 {
	bps := i.BytesPerSecond()
	if bps <= 0 {
		return 0
	}
	return float64(n) / float64(bps)
}

// Duration returns the playback length in seconds of the data subchunk.
func (i *Info) Duration() float64 {
	return i.DurationOf(i.DataSize)
}

// SameFormat reports whether i and o can be concatenated without resampling.
func (i *Info) SameFormat(o *Info) bool {
	return i.AudioFormat == o.AudioFormat &&
		i.Channels == o.Channels &&
		i.SampleRate == o.SampleRate &&
		i.BitsPerSample == o.BitsPerSample
}

// String formats the sample format for logs and errors.
func (i *Info) String() string {
	return fmt.Sprintf("%d Hz/%d ch/%d bit", i.SampleRate, i.Channels, i.BitsPerSample)
}
