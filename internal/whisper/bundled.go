package whisper

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"

	"github.com/fmueller/voxserve/internal/platform"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const whisperPathEnv = "VOXSERVE_WHISPER_PATH"

// Converter rewrites audio the engine cannot decode into a file it can.
// The returned release func removes any intermediate file.
type Converter interface {
	Prepare(ctx context.Context, audioPath string) (string, func(), error)
}

type BundledEngine struct {
	Executable string
	Logger     *zap.Logger
	NoGPU      bool
	Threads    int
	Converter  Converter
	OutputDir  string
}

func NewBundledEngine(logger *zap.Logger) (*BundledEngine, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	if override := strings.TrimSpace(os.Getenv(whisperPathEnv)); override != "" {
		if err := ensureExecutable(override); err != nil {
			return nil, fmt.Errorf("%s is not executable: %w", whisperPathEnv, err)
		}
		return &BundledEngine{Executable: override, Logger: logger}, nil
	}

	selfExe, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("resolve voxserve executable path: %w", err)
	}

	whisperExe, err := ResolveBundledEnginePath(selfExe)
	if err != nil {
		if onPath, lookErr := exec.LookPath(engineBinaryName()); lookErr == nil {
			return &BundledEngine{Executable: onPath, Logger: logger}, nil
		}
		return nil, err
	}

	return &BundledEngine{Executable: whisperExe, Logger: logger}, nil
}

func ResolveBundledEnginePath(selfExecutable string) (string, error) {
	for _, candidate := range EnginePathCandidates(selfExecutable) {
		if err := ensureExecutable(candidate); err == nil {
			return candidate, nil
		}
	}

	return "", fmt.Errorf("bundled whisper engine not found near %s; install whisper-cli at ../libexec/whisper/%s, put it on PATH, or set %s", selfExecutable, engineBinaryName(), whisperPathEnv)
}

func EnginePathCandidates(selfExecutable string) []string {
	binDir := filepath.Dir(selfExecutable)
	engineName := engineBinaryName()
	hostTarget := fmt.Sprintf("%s_%s", runtime.GOOS, platform.NormalizeArch(runtime.GOARCH))

	return []string{
		filepath.Join(binDir, "..", "libexec", "whisper", engineName),
		filepath.Join(binDir, "libexec", "whisper", engineName),
		filepath.Join(binDir, "packaging", "whisper", hostTarget, engineName),
		filepath.Join(binDir, engineName),
	}
}

// ConcurrentSafe reports that parallel Transcribe calls are isolated: every
// call runs its own whisper-cli process with its own output file.
func (b *BundledEngine) ConcurrentSafe() bool {
	return true
}

// Check verifies the engine binary is still present and executable.
func (b *BundledEngine) Check() error {
	if err := ensureExecutable(b.Executable); err != nil {
		return fmt.Errorf("bundled whisper engine missing or not executable: %w", err)
	}
	return nil
}

func (b *BundledEngine) Transcribe(ctx context.Context, req TranscriptionRequest) (Transcription, error) {
	if strings.TrimSpace(req.AudioPath) == "" {
		return Transcription{}, errors.New("audio path is required")
	}
	if strings.TrimSpace(req.ModelPath) == "" {
		return Transcription{}, errors.New("model path is required")
	}
	if err := b.Check(); err != nil {
		return Transcription{}, err
	}

	audioPath := req.AudioPath
	if b.Converter != nil {
		prepared, release, err := b.Converter.Prepare(ctx, audioPath)
		if err != nil {
			return Transcription{}, fmt.Errorf("prepare audio: %w", err)
		}
		defer release()
		audioPath = prepared
	}

	outDir := b.OutputDir
	if outDir == "" {
		outDir = os.TempDir()
	}
	outBase := filepath.Join(outDir, "voxserve-"+uuid.NewString())
	jsonOut := outBase + ".json"
	defer os.Remove(jsonOut)

	args := b.buildArgs(req.ModelPath, audioPath, outBase, req.Language)

	cmd := exec.CommandContext(ctx, b.Executable, args...)
	var stderr bytes.Buffer
	cmd.Stdout = ioDiscard{}
	cmd.Stderr = &stderr

	b.log().Debug("running whisper engine", zap.String("engine", b.Executable), zap.Strings("args", args))
	if err := cmd.Run(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Transcription{}, fmt.Errorf("whisper transcribe aborted: %w", ctxErr)
		}
		errText := strings.TrimSpace(stderr.String())
		if isMissingSharedLibraryError(errText) {
			return Transcription{}, fmt.Errorf("whisper engine at %s is missing required shared libraries (%s); rebuild whisper-cli with BUILD_SHARED_LIBS=OFF", b.Executable, errText)
		}
		if isIllegalInstructionError(errText) || isIllegalInstructionError(err.Error()) {
			return Transcription{}, fmt.Errorf("whisper engine crashed with an illegal CPU instruction; " +
				"your CPU may lack required instruction set extensions; " +
				"set " + whisperPathEnv + " to a whisper-cli binary built for your CPU")
		}
		return Transcription{}, fmt.Errorf("whisper transcribe failed: %w (%s)", err, lastLine(errText))
	}

	content, err := os.ReadFile(jsonOut)
	if err != nil {
		return Transcription{}, fmt.Errorf("read whisper output: %w", err)
	}

	return ParseOutput(content)
}

func (b *BundledEngine) buildArgs(modelPath, audioPath, outBase, language string) []string {
	args := []string{"-m", modelPath, "-f", audioPath, "-oj", "-of", outBase}

	lang := strings.ToLower(strings.TrimSpace(language))
	if lang == "" {
		lang = AutoLanguage
	}
	args = append(args, "-l", lang)

	if b.Threads > 0 {
		args = append(args, "-t", strconv.Itoa(b.Threads))
	}
	if b.NoGPU {
		args = append(args, "-ng")
	}
	return args
}

func (b *BundledEngine) log() *zap.Logger {
	if b.Logger == nil {
		return zap.NewNop()
	}
	return b.Logger
}

type cliOutput struct {
	Result struct {
		Language string `json:"language"`
	} `json:"result"`
	Transcription []struct {
		Offsets struct {
			From int64 `json:"from"`
			To   int64 `json:"to"`
		} `json:"offsets"`
		Text string `json:"text"`
	} `json:"transcription"`
}

// ParseOutput decodes the JSON document whisper-cli writes with -oj.
// Offsets in that document are milliseconds.
func ParseOutput(content []byte) (Transcription, error) {
	var out cliOutput
	if err := json.Unmarshal(content, &out); err != nil {
		return Transcription{}, fmt.Errorf("parse whisper output: %w", err)
	}

	result := Transcription{
		Language: strings.TrimSpace(out.Result.Language),
		Segments: make([]Segment, 0, len(out.Transcription)),
	}

	var full strings.Builder
	for _, item := range out.Transcription {
		from := max(item.Offsets.From, 0)
		to := max(item.Offsets.To, from)
		result.Segments = append(result.Segments, Segment{
			Text:  item.Text,
			Start: float64(from) / 1000,
			End:   float64(to) / 1000,
		})
		full.WriteString(item.Text)
	}
	result.Text = strings.TrimSpace(full.String())

	return result, nil
}

type ioDiscard struct{}

func (ioDiscard) Write(p []byte) (int, error) {
	return len(p), nil
}

func engineBinaryName() string {
	if runtime.GOOS == "windows" {
		return "whisper-cli.exe"
	}
	return "whisper-cli"
}

func ensureExecutable(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if info.IsDir() {
		return fmt.Errorf("%s is a directory", path)
	}
	if runtime.GOOS != "windows" && info.Mode()&0o111 == 0 {
		return fmt.Errorf("%s is not executable", path)
	}
	return nil
}

func isMissingSharedLibraryError(stderr string) bool {
	value := strings.ToLower(strings.TrimSpace(stderr))
	if value == "" {
		return false
	}

	patterns := []string{
		"error while loading shared libraries",
		"cannot open shared object file",
		"dyld: library not loaded",
		"image not found",
	}

	for _, pattern := range patterns {
		if strings.Contains(value, pattern) {
			return true
		}
	}

	return false
}

func isIllegalInstructionError(stderr string) bool {
	return strings.Contains(strings.ToLower(stderr), "illegal instruction")
}

// lastLine keeps error messages short; whisper-cli prints its full system
// banner to stderr before any failure.
func lastLine(text string) string {
	text = strings.TrimSpace(text)
	if idx := strings.LastIndex(text, "\n"); idx >= 0 {
		return strings.TrimSpace(text[idx+1:])
	}
	return text
}
