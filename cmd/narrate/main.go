// Command narrate submits narration text to a narrator service and follows
// the render's progress until the audio is ready.
//
// Usage:
//
//	narrate [-ref URL] [file]     narrate file, or stdin when file is omitted or "-"
//	narrate -status RENDER_ID     print a recorded render
//	narrate -check audio.wav      analyse a local WAV file
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/dgnsrekt/narrator-go/internal/logging"
	"github.com/dgnsrekt/narrator-go/internal/progress"
	"github.com/dgnsrekt/narrator-go/internal/relay"
)

func main() {
	os.Exit(run())
}

func run() int {
	refURL := flag.String("ref", "", "reference voice URL (overrides NARRATOR_REFERENCE_URL)")
	status := flag.String("status", "", "print the recorded render with this id and exit")
	check := flag.String("check", "", "analyse a local WAV file and exit")
	quiet := flag.Bool("quiet", false, "do not print progress")
	flag.Parse()

	if *check != "" {
		return checkFile(*check, os.Stdout, os.Stderr)
	}

	// Load configuration from environment
	cfg, err := relay.Load()
	if err != nil {
		os.Stderr.WriteString("failed to load config: " + err.Error() + "\n")
		return 1
	}
	if *refURL != "" {
		cfg.ReferenceURL = *refURL
	}

	// Logs go to stderr; stdout carries only results.
	logger := logging.NewWithWriter(os.Stderr, cfg.LogLevel, cfg.LogFormat)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	client := relay.NewClient(cfg, logger)

	if *status != "" {
		render, err := client.Render(ctx, *status)
		if err != nil {
			fmt.Fprintf(os.Stderr, "narrate: %v\n", err)
			return 1
		}
		return printJSON(os.Stdout, render)
	}

	text, err := readText(flag.Arg(0), os.Stdin)
	if err != nil {
		fmt.Fprintf(os.Stderr, "narrate: %v\n", err)
		return 1
	}

	onProgress := func(ev progress.Event) {
		if !*quiet && ev.Type == progress.TypeProgress {
			fmt.Fprintf(os.Stderr, "[%3d%%] %s\n", ev.Percent, ev.Message)
		}
	}

	final, err := client.Narrate(ctx, text, onProgress)
	if err != nil {
		if errors.Is(err, relay.ErrNarrationFailed) {
			fmt.Fprintf(os.Stderr, "narrate: %s\n", final.Error)
		} else {
			fmt.Fprintf(os.Stderr, "narrate: %v\n", err)
		}
		return 1
	}

	fmt.Fprintf(os.Stderr, "done: %.2fs, %d bytes\n", final.Duration, final.Size)
	fmt.Fprintln(os.Stdout, final.AudioURL)
	return 0
}

// readText reads the narration from path, or from stdin when path is empty
// or "-".
func readText(path string, stdin io.Reader) (string, error) {
	var (
		data []byte
		err  error
	)
	if path == "" || path == "-" {
		data, err = io.ReadAll(stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return "", fmt.Errorf("read narration: %w", err)
	}
	if len(data) == 0 {
		return "", errors.New("narration is empty")
	}
	return string(data), nil
}

func printJSON(w io.Writer, v any) int {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fmt.Fprintf(os.Stderr, "narrate: %v\n", err)
		return 1
	}
	return 0
}
