package progress

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"strings"
)

// maxRecordSize bounds a single data line.
const maxRecordSize = 1 << 20

// Read consumes an SSE stream, passing each event to onEvent, and returns
// the terminal event. A stream that ends without one yields
// Failed(NoResponseMessage). Records that are not "data:" lines or that do
// not decode are skipped. err is non-nil only for transport failures.
func Read(r io.Reader, onEvent func(Event)) (Event, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxRecordSize)

	for scanner.Scan() {
		line := scanner.Text()
		payload, ok := strings.CutPrefix(line, "data:")
		if !ok {
			continue
		}
		payload = strings.TrimSpace(payload)
		if payload == "" {
			continue
		}

		var ev Event
		if err := json.Unmarshal([]byte(payload), &ev); err != nil {
			continue
		}
		if onEvent != nil {
			onEvent(ev)
		}
		if ev.Terminal() {
			return ev, nil
		}
	}

	if err := scanner.Err(); err != nil {
		return Event{}, fmt.Errorf("read event stream: %w", err)
	}
	return Failed(NoResponseMessage), nil
}
