package wav

import (
	"errors"
	"fmt"
)

// ErrNoChunks is returned when Concatenate is called with no input.
var ErrNoChunks = errors.New("no WAV chunks to concatenate")

// Concatenated is a single WAV file stitched from several chunks.
type Concatenated struct {
	// Data is the complete WAV file.
	Data []byte
	// Format describes Data's header.
	Format *Info
	// PCMBytes is the total size of the data subchunk.
	PCMBytes int
	// DurationSeconds is PCMBytes divided by the byte rate.
	DurationSeconds float64
}

// Concatenate stitches the PCM payloads of chunks, in order, behind the first
// chunk's header. The RIFF and data size fields are rewritten for the new
// length. Every chunk must share the first chunk's sample format; the
// function never resamples.
func Concatenate(chunks [][]byte) (*Concatenated, error) {
	if len(chunks) == 0 {
		return nil, ErrNoChunks
	}

	infos := make([]*Info, len(chunks))
	total := 0
	for i, c := range chunks {
		info, err := Parse(c)
		if err != nil {
			return nil, fmt.Errorf("chunk %d: %w", i, err)
		}
		if i > 0 && !info.SameFormat(infos[0]) {
			return nil, fmt.Errorf("%w: chunk %d is %s, chunk 0 is %s", ErrFormatMismatch, i, info, infos[0])
		}
		infos[i] = info
		total += info.DataSize
	}

	first := infos[0]
	header := chunks[0][:first.DataOffset]

	out := make([]byte, 0, len(header)+total)
	out = append(out, header...)
	for i, c := range chunks {
		out = append(out, infos[i].PCM(c)...)
	}

	PutLE32(out[4:8], uint32(len(out)-8))
	PutLE32(out[first.DataSizeOffset:], uint32(total))

	format := *first
	format.DataSize = total
	format.DeclaredDataSize = total

	return &Concatenated{
		Data:            out,
		Format:          &format,
		PCMBytes:        total,
		DurationSeconds: first.DurationOf(total),
	}, nil
}
