// Package integrity inspects rendered narration for glitches, skips,
// silence gaps and clipping using windowed RMS analysis.
package integrity

import (
	"errors"
	"fmt"
	"log/slog"
	"math"

	"github.com/go-audio/audio"

	"github.com/dgnsrekt/narrator-go/internal/logging"
	"github.com/dgnsrekt/narrator-go/internal/wav"
)

// ErrUnsupportedFormat is reported for encodings other than 8- or 16-bit
// integer PCM.
var ErrUnsupportedFormat = errors.New("unsupported sample format")

const formatExtensible = 0xFFFE

// Options tunes the analysis. Zero fields take the DefaultOptions value.
type Options struct {
	// WindowMs is the RMS window length.
	WindowMs int
	// SilenceThreshold is the RMS below which a window counts as silent.
	SilenceThreshold float64
	// GlitchThresholdDB is the loudness jump between adjacent windows
	// reported as a discontinuity.
	GlitchThresholdDB float64
	// SilenceGapMs is the silent run length reported as a gap.
	SilenceGapMs int
	// ClipLevel is the absolute 16-bit amplitude treated as clipped.
	ClipLevel int
	// MaxSamples and MaxDataBytes cap the input; larger files are not
	// analysed and report only their duration.
	MaxSamples   int
	MaxDataBytes int
}

// DefaultOptions returns the standard thresholds.
func DefaultOptions() Options {
	return Options{
		WindowMs:          50,
		SilenceThreshold:  300,
		GlitchThresholdDB: 20,
		SilenceGapMs:      1000,
		ClipLevel:         32000,
		MaxSamples:        10_000_000,
		MaxDataBytes:      100 << 20,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.WindowMs <= 0 {
		o.WindowMs = d.WindowMs
	}
	if o.SilenceThreshold <= 0 {
		o.SilenceThreshold = d.SilenceThreshold
	}
	if o.GlitchThresholdDB <= 0 {
		o.GlitchThresholdDB = d.GlitchThresholdDB
	}
	if o.SilenceGapMs <= 0 {
		o.SilenceGapMs = d.SilenceGapMs
	}
	if o.ClipLevel <= 0 {
		o.ClipLevel = d.ClipLevel
	}
	if o.MaxSamples <= 0 {
		o.MaxSamples = d.MaxSamples
	}
	if o.MaxDataBytes <= 0 {
		o.MaxDataBytes = d.MaxDataBytes
	}
	return o
}

// Analyzer classifies WAV files. It holds no per-file state and is safe for
// concurrent use.
type Analyzer struct {
	opts   Options
	logger *slog.Logger
}

// NewAnalyzer creates an analyzer.
func NewAnalyzer(opts Options, logger *slog.Logger) *Analyzer {
	return &Analyzer{opts: opts.withDefaults(), logger: logging.OrDiscard(logger)}
}

// Analyze inspects data, a complete WAV file. It never returns an error:
// unparseable input yields an invalid report with a single error issue.
func (a *Analyzer) Analyze(data []byte) *Report {
	info, err := wav.Parse(data)
	if err != nil {
		a.logger.Warn("integrity check could not parse WAV", "error", err)
		return failed(IssueMalformed, err)
	}

	bytesPerSample := info.BitsPerSample / 8
	if bytesPerSample > 0 && (info.DataSize/bytesPerSample > a.opts.MaxSamples || len(data) > a.opts.MaxDataBytes) {
		a.logger.Info("integrity check skipped for oversized input",
			"bytes", len(data),
			"duration_s", info.Duration(),
		)
		r := &Report{Stats: Stats{DurationSeconds: info.Duration()}}
		return r.finalize()
	}

	buf, err := decode(info, info.PCM(data))
	if err != nil {
		return failed(IssueDecode, err)
	}

	return a.classify(buf)
}

// decode converts interleaved PCM to 16-bit-scale integer samples. 8-bit
// unsigned samples are recentred and scaled by 256.
func decode(info *wav.Info, pcm []byte) (*audio.IntBuffer, error) {
	if info.AudioFormat != wav.FormatPCM && info.AudioFormat != formatExtensible {
		return nil, fmt.Errorf("%w: encoding %d", ErrUnsupportedFormat, info.AudioFormat)
	}

	var samples []int
	switch info.BitsPerSample {
	case 16:
		samples = make([]int, len(pcm)/2)
		for i := range samples {
			samples[i] = int(int16(wav.LE16(pcm[i*2:])))
		}
	case 8:
		samples = make([]int, len(pcm))
		for i, b := range pcm {
			samples[i] = (int(b) - 128) * 256
		}
	default:
		return nil, fmt.Errorf("%w: %d-bit samples", ErrUnsupportedFormat, info.BitsPerSample)
	}

	return &audio.IntBuffer{
		Format: &audio.Format{
			NumChannels: info.Channels,
			SampleRate:  info.SampleRate,
		},
		Data:           samples,
		SourceBitDepth: info.BitsPerSample,
	}, nil
}

// classify walks fixed-length windows comparing each window's RMS with its
// predecessor's.
func (a *Analyzer) classify(buf *audio.IntBuffer) *Report {
	rate := buf.Format.SampleRate
	channels := buf.Format.NumChannels
	samplesPerSecond := float64(rate * channels)

	r := &Report{Stats: Stats{
		DurationSeconds: float64(buf.NumFrames()) / float64(rate),
		SignalStats:     &SignalStats{},
	}}
	stats := r.Stats.SignalStats

	windowSize := max(1, rate*a.opts.WindowMs/1000) * channels
	gapWindows := int(math.Ceil(float64(a.opts.SilenceGapMs) / float64(a.opts.WindowMs)))
	loud := 3 * a.opts.SilenceThreshold

	var (
		sumRMS    float64
		silent    int
		prevRMS   float64
		silentRun int
		runStart  float64
	)

	for start := 0; start < len(buf.Data); start += windowSize {
		end := min(start+windowSize, len(buf.Data))
		if end-start < windowSize/2 && start > 0 {
			break
		}
		window := buf.Data[start:end]
		at := float64(start) / samplesPerSecond

		rms, peak := measure(window)
		idx := stats.Windows
		stats.Windows++
		sumRMS += rms
		stats.MaxRMS = math.Max(stats.MaxRMS, rms)

		isSilent := rms < a.opts.SilenceThreshold
		if isSilent {
			silent++
		}

		if idx > 0 {
			if isSilent && prevRMS > loud {
				r.Issues = append(r.Issues, Issue{
					Type:             IssueSkip,
					TimestampSeconds: at,
					Severity:         SeverityWarning,
					Description:      fmt.Sprintf("audio drops from RMS %.0f to %.0f", prevRMS, rms),
				})
			} else if db := loudnessChange(prevRMS, rms); math.Abs(db) > a.opts.GlitchThresholdDB {
				// Floors rms at 1 as well as prevRMS, so silence against silence is 0 dB.
				stats.Discontinuities++
				r.Issues = append(r.Issues, Issue{
					Type:             IssueDiscontinuity,
					TimestampSeconds: at,
					Severity:         SeverityWarning,
					Description:      fmt.Sprintf("loudness changes by %.1f dB between windows", db),
				})
			}
		}

		if peak >= a.opts.ClipLevel {
			stats.ClippedWindows++
			r.Issues = append(r.Issues, Issue{
				Type:             IssueClipping,
				TimestampSeconds: at,
				Severity:         SeverityWarning,
				Description:      fmt.Sprintf("sample amplitude %d reaches clipping level %d", peak, a.opts.ClipLevel),
			})
		}

		if isSilent {
			if silentRun == 0 {
				runStart = at
			}
			silentRun++
			if silentRun == gapWindows {
				r.Issues = append(r.Issues, Issue{
					Type:             IssueSilenceGap,
					TimestampSeconds: runStart,
					Severity:         SeverityInfo,
					Description:      fmt.Sprintf("silence of at least %d ms", a.opts.SilenceGapMs),
				})
			}
		} else {
			silentRun = 0
		}

		prevRMS = rms
	}

	if stats.Windows > 0 {
		stats.MeanRMS = sumRMS / float64(stats.Windows)
		stats.SilentPercent = 100 * float64(silent) / float64(stats.Windows)
	}

	return r.finalize()
}

// measure returns the RMS and peak absolute amplitude of window.
func measure(window []int) (float64, int) {
	var sum float64
	peak := 0
	for _, s := range window {
		sum += float64(s) * float64(s)
		if s < 0 {
			s = -s
		}
		peak = max(peak, s)
	}
	return math.Sqrt(sum / float64(len(window))), peak
}

// loudnessChange returns the level change in dB. Both levels are floored at
// 1 so digital silence compares as 0 dB against itself.
func loudnessChange(prev, cur float64) float64 {
	return 20 * math.Log10(math.Max(cur, 1)/math.Max(prev, 1))
}
