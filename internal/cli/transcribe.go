package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/fmueller/voxserve/internal/config"
	"github.com/fmueller/voxserve/internal/scratch"
	"github.com/spf13/cobra"
)

func newTranscribeCmd(app *appState) *cobra.Command {
	var language string

	cmd := &cobra.Command{
		Use:   "transcribe <audio-file>",
		Short: "Transcribe an audio file and print the JSON result",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := app.loadConfig(cmd)
			if err != nil {
				return err
			}
			app.out = cmd.OutOrStdout()
			return app.runTranscribe(cmd.Context(), cfg, args[0], language)
		},
	}

	cmd.Flags().StringVar(&language, "language", "", "Language code (en|de|...); empty or auto detects it")
	return cmd
}

// runTranscribe is the offline path: same adapter as the server, one file,
// result on stdout.
func (a *appState) runTranscribe(ctx context.Context, cfg config.Config, audioPath, language string) error {
	audioPath = filepath.Clean(audioPath)
	if _, err := os.Stat(audioPath); err != nil {
		return fmt.Errorf("audio file not found: %w", err)
	}
	if ext := scratch.Extension(audioPath); !isSupportedFormat(ext) {
		return fmt.Errorf("unsupported file format: %s", ext)
	}

	device, err := a.resolveDevice(ctx, cfg)
	if err != nil {
		return err
	}

	transcriber, err := a.loadFn(ctx, cfg, device)
	if err != nil {
		return err
	}

	stopSpinner := startSpinner(a.progressEnabled(), os.Stderr, "Transcribing "+filepath.Base(audioPath))
	result, err := transcriber.Transcribe(ctx, audioPath, sanitizeLanguage(language))
	stopSpinner()
	if err != nil {
		return err
	}

	if isBlankTranscript(result.Text) {
		a.log().Warn(noSpeechHint())
	}

	enc := json.NewEncoder(a.outWriter())
	enc.SetIndent("", "  ")
	return enc.Encode(result)
}

func sanitizeLanguage(input string) string {
	trimmed := strings.TrimSpace(strings.ToLower(input))
	if trimmed == "auto" {
		return ""
	}
	return trimmed
}
