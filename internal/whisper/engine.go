package whisper

import "context"

// AutoLanguage asks the engine to detect the spoken language itself.
const AutoLanguage = "auto"

type TranscriptionRequest struct {
	AudioPath string
	ModelPath string
	Language  string
}

// Segment is one timed span emitted by the engine. Start and End are in
// seconds from the beginning of the audio.
type Segment struct {
	Text  string
	Start float64
	End   float64
}

type Transcription struct {
	Segments []Segment
	Language string
	Text     string
}

type Engine interface {
	Transcribe(ctx context.Context, req TranscriptionRequest) (Transcription, error)
}
