package cli

import (
	"strings"

	"github.com/fmueller/voxserve/internal/httpapi"
)

const blankAudioToken = "[BLANK_AUDIO]"

func isBlankTranscript(transcript string) bool {
	trimmed := strings.TrimSpace(transcript)
	if trimmed == "" {
		return true
	}

	return strings.EqualFold(trimmed, blankAudioToken)
}

func noSpeechHint() string {
	return "No speech detected in the audio."
}

func isSupportedFormat(ext string) bool {
	for _, supported := range httpapi.SupportedExtensions() {
		if ext == supported {
			return true
		}
	}
	return false
}
