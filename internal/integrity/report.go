package integrity

import (
	"fmt"
	"strings"
)

// Severity grades an Issue.
type Severity string

// Severities. Only SeverityError invalidates a report on its own.
const (
	SeverityInfo    Severity = "info"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// IssueType names the kind of anomaly.
type IssueType string

// Issue types.
const (
	IssueSkip          IssueType = "skip"
	IssueDiscontinuity IssueType = "discontinuity"
	IssueClipping      IssueType = "clipping"
	IssueSilenceGap    IssueType = "silence_gap"
	IssueMalformed     IssueType = "malformed"
	IssueDecode        IssueType = "decode_error"
)

// Issue is one anomaly located in the waveform.
type Issue struct {
	Type             IssueType `json:"type"`
	TimestampSeconds float64   `json:"timestampSeconds"`
	Severity         Severity  `json:"severity"`
	Description      string    `json:"description"`
}

// SignalStats summarises the windowed RMS analysis.
type SignalStats struct {
	MeanRMS         float64 `json:"meanRms"`
	MaxRMS          float64 `json:"maxRms"`
	SilentPercent   float64 `json:"silentPercent"`
	Discontinuities int     `json:"discontinuities"`
	ClippedWindows  int     `json:"clippedWindows"`
	Windows         int     `json:"windows"`
}

// Stats aggregates the analysis. Signal is nil when analysis was skipped
// for oversized input, leaving only the duration estimate.
type Stats struct {
	DurationSeconds float64 `json:"durationSeconds"`
	*SignalStats
}

// Report is the result of analysing one WAV file.
type Report struct {
	Valid  bool    `json:"valid"`
	Issues []Issue `json:"issues"`
	Stats  Stats   `json:"stats"`
}

// Count returns the number of issues of type t.
func (r *Report) Count(t IssueType) int {
	n := 0
	for _, issue := range r.Issues {
		if issue.Type == t {
			n++
		}
	}
	return n
}

// Summary renders the report on one line for logs.
func (r *Report) Summary() string {
	counts := make(map[IssueType]int)
	var order []IssueType
	for _, issue := range r.Issues {
		if counts[issue.Type] == 0 {
			order = append(order, issue.Type)
		}
		counts[issue.Type]++
	}

	parts := make([]string, 0, len(order))
	for _, t := range order {
		parts = append(parts, fmt.Sprintf("%s=%d", t, counts[t]))
	}
	issues := "none"
	if len(parts) > 0 {
		issues = strings.Join(parts, " ")
	}
	return fmt.Sprintf("valid=%t duration=%.2fs issues: %s", r.Valid, r.Stats.DurationSeconds, issues)
}

// finalize derives Valid from the issues. Skips and error-severity issues
// signal corruption; everything else is advisory.
func (r *Report) finalize() *Report {
	if r.Issues == nil {
		r.Issues = []Issue{}
	}
	r.Valid = true
	for _, issue := range r.Issues {
		if issue.Severity == SeverityError || issue.Type == IssueSkip {
			r.Valid = false
			break
		}
	}
	return r
}

func failed(t IssueType, err error) *Report {
	r := &Report{Issues: []Issue{{
		Type:        t,
		Severity:    SeverityError,
		Description: err.Error(),
	}}}
	return r.finalize()
}
