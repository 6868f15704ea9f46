package media

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	targetSampleRate = 16000
	targetChannels   = 1
)

var ErrFFmpegUnavailable = errors.New("ffmpeg not found on PATH")

// nativeFormats are decoded by whisper-cli directly.
var nativeFormats = map[string]struct{}{
	".wav":  {},
	".mp3":  {},
	".flac": {},
}

// Converter turns containers whisper-cli cannot read (m4a, webm, mp4, ogg)
// into 16 kHz mono PCM WAV using ffmpeg.
type Converter struct {
	FFmpeg    string
	OutputDir string
	Logger    *zap.Logger

	lookPath func(string) (string, error)
}

func NewConverter(outputDir string, logger *zap.Logger) *Converter {
	return &Converter{OutputDir: outputDir, Logger: logger, lookPath: exec.LookPath}
}

func NeedsConversion(path string) bool {
	_, ok := nativeFormats[strings.ToLower(filepath.Ext(path))]
	return !ok
}

// Available reports whether an ffmpeg binary can be located.
func (c *Converter) Available() bool {
	_, err := c.resolve()
	return err == nil
}

// Prepare returns a path whisper-cli can decode. When no conversion is needed,
// or ffmpeg is missing, the input path is returned with a no-op release and
// the engine gets a chance to decode the file itself.
func (c *Converter) Prepare(ctx context.Context, audioPath string) (string, func(), error) {
	noop := func() {}
	if !NeedsConversion(audioPath) {
		return audioPath, noop, nil
	}

	ffmpeg, err := c.resolve()
	if err != nil {
		c.log().Debug("skipping audio conversion", zap.String("audio", audioPath), zap.Error(err))
		return audioPath, noop, nil
	}

	outDir := c.OutputDir
	if outDir == "" {
		outDir = os.TempDir()
	}
	outPath := filepath.Join(outDir, "voxserve-"+uuid.NewString()+".wav")
	release := func() {
		if err := os.Remove(outPath); err != nil && !errors.Is(err, os.ErrNotExist) {
			c.log().Warn("failed to remove converted audio", zap.String("path", outPath), zap.Error(err))
		}
	}

	args := []string{
		"-nostdin", "-hide_banner", "-loglevel", "error", "-y",
		"-i", audioPath,
		"-vn",
		"-ac", fmt.Sprint(targetChannels),
		"-ar", fmt.Sprint(targetSampleRate),
		"-c:a", "pcm_s16le",
		outPath,
	}

	cmd := exec.CommandContext(ctx, ffmpeg, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	c.log().Debug("converting audio", zap.String("ffmpeg", ffmpeg), zap.Strings("args", args))
	if err := cmd.Run(); err != nil {
		release()
		return "", noop, fmt.Errorf("ffmpeg convert %s: %w (%s)", filepath.Ext(audioPath), err, strings.TrimSpace(stderr.String()))
	}

	return outPath, release, nil
}

func (c *Converter) resolve() (string, error) {
	if strings.TrimSpace(c.FFmpeg) != "" {
		return c.FFmpeg, nil
	}
	lookPath := c.lookPath
	if lookPath == nil {
		lookPath = exec.LookPath
	}
	path, err := lookPath("ffmpeg")
	if err != nil {
		return "", ErrFFmpegUnavailable
	}
	return path, nil
}

func (c *Converter) log() *zap.Logger {
	if c.Logger == nil {
		return zap.NewNop()
	}
	return c.Logger
}
