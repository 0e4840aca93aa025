package progress

import (
	"encoding/json"
	"testing"
)

func TestEventMarshalJSON(t *testing.T) {
	tests := []struct {
		name string
		ev   Event
		want string
	}{
		{
			name: "progress",
			ev:   Progress(42, "Synthesizing chunk 3 of 7"),
			want: `{"type":"progress","percent":42,"message":"Synthesizing chunk 3 of 7"}`,
		},
		{
			name: "complete",
			ev:   Complete("http://host/media/a.wav", 12.5, 600044),
			want: `{"type":"complete","audioUrl":"http://host/media/a.wav","duration":12.5,"size":600044}`,
		},
		{
			name: "error",
			ev:   Failed("synthesis timed out"),
			want: `{"type":"error","error":"synthesis timed out"}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := json.Marshal(tt.ev)
			if err != nil {
				t.Fatalf("Marshal() error = %v", err)
			}
			if string(got) != tt.want {
				t.Errorf("Marshal() = %s, want %s", got, tt.want)
			}

			var back Event
			if err := json.Unmarshal(got, &back); err != nil {
				t.Fatalf("Unmarshal() error = %v", err)
			}
			if back != tt.ev {
				t.Errorf("Unmarshal() = %+v, want %+v", back, tt.ev)
			}
		})
	}
}

func TestEventMarshalJSON_UnknownType(t *testing.T) {
	if _, err := json.Marshal(Event{Type: "bogus"}); err == nil {
		t.Error("expected error for unknown type")
	}
	var ev Event
	if err := json.Unmarshal([]byte(`{"type":"bogus"}`), &ev); err == nil {
		t.Error("expected error decoding unknown type")
	}
}

func TestEventTerminal(t *testing.T) {
	if Progress(10, "x").Terminal() {
		t.Error("progress must not be terminal")
	}
	if !Complete("u", 1, 1).Terminal() {
		t.Error("complete must be terminal")
	}
	if !Failed("x").Terminal() {
		t.Error("error must be terminal")
	}
}
