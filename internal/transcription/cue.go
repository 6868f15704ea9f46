package transcription

import (
	"math"
	"strings"

	"github.com/fmueller/voxserve/internal/whisper"
)

// Cue is one subtitle-like line. Offset and Duration are milliseconds.
type Cue struct {
	Text     string `json:"text"`
	Offset   int64  `json:"offset"`
	Duration int64  `json:"duration"`
}

type Result struct {
	Transcript []Cue  `json:"transcript"`
	Language   string `json:"language"`
	Text       string `json:"text"`
}

// CueFromSegment converts seconds to rounded milliseconds. Offset and
// duration are rounded independently, so offset+duration may differ from the
// rounded end by one.
func CueFromSegment(seg whisper.Segment) Cue {
	start := math.Max(seg.Start, 0)
	end := math.Max(seg.End, start)
	return Cue{
		Text:     strings.TrimSpace(seg.Text),
		Offset:   int64(math.Round(start * 1000)),
		Duration: int64(math.Round((end - start) * 1000)),
	}
}

func resultFrom(out whisper.Transcription) Result {
	cues := make([]Cue, 0, len(out.Segments))
	for _, seg := range out.Segments {
		cues = append(cues, CueFromSegment(seg))
	}
	return Result{
		Transcript: cues,
		Language:   out.Language,
		Text:       out.Text,
	}
}

// JoinedText concatenates trimmed cue texts with single spaces.
func (r Result) JoinedText() string {
	parts := make([]string, 0, len(r.Transcript))
	for _, cue := range r.Transcript {
		if cue.Text != "" {
			parts = append(parts, cue.Text)
		}
	}
	return strings.Join(parts, " ")
}
