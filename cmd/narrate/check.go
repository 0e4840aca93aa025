package main

import (
	"fmt"
	"io"
	"os"

	gowav "github.com/go-audio/wav"

	"github.com/dgnsrekt/narrator-go/internal/integrity"
	"github.com/dgnsrekt/narrator-go/internal/logging"
)

// checkFile runs the integrity analyzer over a local WAV file, printing the
// report to stdout. It exits non-zero when the audio is not valid.
func checkFile(path string, stdout, stderr io.Writer) int {
	f, err := os.Open(path)
	if err != nil {
		fmt.Fprintf(stderr, "narrate: %v\n", err)
		return 1
	}
	defer f.Close()

	dec := gowav.NewDecoder(f)
	if dec.IsValidFile() {
		fmt.Fprintf(stderr, "%s: %d Hz, %d channel(s), %d-bit\n",
			path, dec.SampleRate, dec.NumChans, dec.BitDepth)
	} else {
		fmt.Fprintf(stderr, "%s: not a valid WAV file\n", path)
	}

	if _, err := f.Seek(0, io.SeekStart); err != nil {
		fmt.Fprintf(stderr, "narrate: %v\n", err)
		return 1
	}
	data, err := io.ReadAll(f)
	if err != nil {
		fmt.Fprintf(stderr, "narrate: %v\n", err)
		return 1
	}

	analyzer := integrity.NewAnalyzer(integrity.DefaultOptions(), logging.Discard())
	report := analyzer.Analyze(data)
	if code := printJSON(stdout, report); code != 0 {
		return code
	}
	fmt.Fprintln(stderr, report.Summary())

	if !report.Valid {
		return 1
	}
	return 0
}
