// Package progress models the events reported while a narration renders
// and the sinks that deliver them.
package progress

import (
	"encoding/json"
	"fmt"
)

// Type tags an Event.
type Type string

// Event types. Complete and Error are terminal.
const (
	TypeProgress Type = "progress"
	TypeComplete Type = "complete"
	TypeError    Type = "error"
)

// NoResponseMessage is the error reported when a stream ends without a
// terminal event.
const NoResponseMessage = "No response received"

// Event is one step of a render's progress. Which fields are meaningful
// depends on Type; MarshalJSON emits only those.
type Event struct {
	Type Type

	// progress
	Percent int
	Message string

	// complete
	AudioURL string
	Duration float64
	Size     int

	// error
	Error string
}

// Progress returns a progress event.
func Progress(percent int, message string) Event {
	return Event{Type: TypeProgress, Percent: percent, Message: message}
}

// Complete returns the terminal success event.
func Complete(audioURL string, duration float64, size int) Event {
	return Event{Type: TypeComplete, AudioURL: audioURL, Duration: duration, Size: size}
}

// Failed returns the terminal error event.
func Failed(message string) Event {
	return Event{Type: TypeError, Error: message}
}

// Terminal reports whether e ends an event sequence.
func (e Event) Terminal() bool {
	return e.Type == TypeComplete || e.Type == TypeError
}

func (e Event) String() string {
	switch e.Type {
	case TypeProgress:
		return fmt.Sprintf("progress %d%%: %s", e.Percent, e.Message)
	case TypeComplete:
		return fmt.Sprintf("complete: %s (%.2fs, %d bytes)", e.AudioURL, e.Duration, e.Size)
	case TypeError:
		return "error: " + e.Error
	default:
		return string(e.Type)
	}
}

type progressJSON struct {
	Type    Type   `json:"type"`
	Percent int    `json:"percent"`
	Message string `json:"message"`
}

type completeJSON struct {
	Type     Type    `json:"type"`
	AudioURL string  `json:"audioUrl"`
	Duration float64 `json:"duration"`
	Size     int     `json:"size"`
}

type errorJSON struct {
	Type  Type   `json:"type"`
	Error string `json:"error"`
}

// MarshalJSON encodes the fields that belong to e.Type.
func (e Event) MarshalJSON() ([]byte, error) {
	switch e.Type {
	case TypeProgress:
		return json.Marshal(progressJSON{e.Type, e.Percent, e.Message})
	case TypeComplete:
		return json.Marshal(completeJSON{e.Type, e.AudioURL, e.Duration, e.Size})
	case TypeError:
		return json.Marshal(errorJSON{e.Type, e.Error})
	default:
		return nil, fmt.Errorf("unknown event type %q", e.Type)
	}
}

// UnmarshalJSON decodes any event type.
func (e *Event) UnmarshalJSON(data []byte) error {
	var raw struct {
		Type     Type    `json:"type"`
		Percent  int     `json:"percent"`
		Message  string  `json:"message"`
		AudioURL string  `json:"audioUrl"`
		Duration float64 `json:"duration"`
		Size     int     `json:"size"`
		Error    string  `json:"error"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	switch raw.Type {
	case TypeProgress, TypeComplete, TypeError:
	default:
		return fmt.Errorf("unknown event type %q", raw.Type)
	}
	*e = Event{
		Type:     raw.Type,
		Percent:  raw.Percent,
		Message:  raw.Message,
		AudioURL: raw.AudioURL,
		Duration: raw.Duration,
		Size:     raw.Size,
		Error:    raw.Error,
	}
	return nil
}
