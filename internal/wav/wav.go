// Package wav provides RIFF/WAVE parsing, header writing and lossless
// concatenation of PCM WAV files.
package wav

import "math"

// WAV format constants.
const (
	// HeaderSize is the size of a minimal PCM WAV header in bytes.
	HeaderSize = 44

	// FormatPCM is the audio format code for uncompressed PCM.
	FormatPCM = 1
)

// Default audio configuration used when a caller does not know the backend's
// native format.
const (
	DefaultSampleRate    = 24000
	DefaultChannels      = 1
	DefaultBitsPerSample = 16
)

// WrapRawPCM adds a minimal 44-byte WAV header to raw PCM data.
func WrapRawPCM(pcm []byte, sampleRate, channels, bitsPerSample int) []byte {
	dataSize := len(pcm)
	byteRate := sampleRate * channels * bitsPerSample / 8
	blockAlign := channels * bitsPerSample / 8

	header := make([]byte, HeaderSize, HeaderSize+dataSize)

	// RIFF header
	copy(header[0:4], "RIFF")
	PutLE32(header[4:8], uint32(36+dataSize))
	copy(header[8:12], "WAVE")

	// fmt subchunk
	copy(header[12:16], "fmt ")
	PutLE32(header[16:20], 16) // subchunk size
	PutLE16(header[20:22], FormatPCM)
	PutLE16(header[22:24], uint16(channels))
	PutLE32(header[24:28], uint32(sampleRate))
	PutLE32(header[28:32], uint32(byteRate))
	PutLE16(header[32:34], uint16(blockAlign))
	PutLE16(header[34:36], uint16(bitsPerSample))

	// data subchunk
	copy(header[36:40], "data")
	PutLE32(header[40:44], uint32(dataSize))

	return append(header, pcm...)
}

// PutLE16 writes a uint16 value in little-endian format to a byte slice.
func PutLE16(b []byte, v uint16) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
}

// PutLE32 writes a uint32 value in little-endian format to a byte slice.
func PutLE32(b []byte, v uint32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
}

// LE16 reads a little-endian uint16.
func LE16(b []byte) uint16 {
	return uint16(b[0]) | uint16(b[1])<<8
}

// LE32 reads a little-endian uint32.
func LE32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

// CreateMinimal creates a minimal valid WAV file of silence with the
// specified number of samples per channel.
func CreateMinimal(numSamples, sampleRate, channels, bitsPerSample int) []byte {
	bytesPerSample := bitsPerSample / 8
	dataSize := numSamples * channels * bytesPerSample

	pcm := make([]byte, dataSize)

	return WrapRawPCM(pcm, sampleRate, channels, bitsPerSample)
}

// CreateTone creates a mono 16-bit WAV holding a sine wave of the given peak
// amplitude and frequency. Amplitudes beyond the int16 range are clamped.
func CreateTone(numSamples, sampleRate int, amplitude, freqHz float64) []byte {
	pcm := make([]byte, numSamples*2)
	for i := 0; i < numSamples; i++ {
		v := amplitude * math.Sin(2*math.Pi*freqHz*float64(i)/float64(sampleRate))
		v = math.Max(math.MinInt16, math.Min(math.MaxInt16, math.Round(v)))
		PutLE16(pcm[i*2:], uint16(int16(v)))
	}
	return WrapRawPCM(pcm, sampleRate, 1, 16)
}
