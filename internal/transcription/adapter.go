package transcription

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/fmueller/voxserve/internal/whisper"
	"go.uber.org/zap"
)

// TranscriptionError wraps any failure reported by the engine.
type TranscriptionError struct {
	AudioPath string
	Err       error
}

func (e *TranscriptionError) Error() string {
	return e.Err.Error()
}

func (e *TranscriptionError) Unwrap() error {
	return e.Err
}

// concurrentSafe is implemented by engines that tolerate parallel inference
// against one loaded model.
type concurrentSafe interface {
	ConcurrentSafe() bool
}

type Options struct {
	ModelPath string
	Timeout   time.Duration
	Logger    *zap.Logger
}

// Adapter runs the engine against one loaded model and reshapes its output.
// Engines that do not declare themselves concurrent-safe are called one at a
// time; the wait for a turn is bounded by the caller's context and does not
// count against the timeout.
type Adapter struct {
	engine    whisper.Engine
	modelPath string
	timeout   time.Duration
	logger    *zap.Logger

	serialize bool
	turn      chan struct{}
}

func NewAdapter(engine whisper.Engine, opts Options) (*Adapter, error) {
	if engine == nil {
		return nil, errors.New("transcription engine is required")
	}
	if strings.TrimSpace(opts.ModelPath) == "" {
		return nil, errors.New("model path is required")
	}

	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	serialize := true
	if cs, ok := engine.(concurrentSafe); ok && cs.ConcurrentSafe() {
		serialize = false
	}

	return &Adapter{
		engine:    engine,
		modelPath: opts.ModelPath,
		timeout:   opts.Timeout,
		logger:    logger,
		serialize: serialize,
		turn:      make(chan struct{}, 1),
	}, nil
}

// Serialized reports whether engine calls are funnelled through a lock.
func (a *Adapter) Serialized() bool {
	return a.serialize
}

// Transcribe runs the engine on audioPath. An empty language lets the engine
// detect it.
func (a *Adapter) Transcribe(ctx context.Context, audioPath, language string) (Result, error) {
	if a.serialize {
		select {
		case a.turn <- struct{}{}:
			defer func() { <-a.turn }()
		case <-ctx.Done():
			return Result{}, &TranscriptionError{AudioPath: audioPath, Err: fmt.Errorf("waiting for engine: %w", ctx.Err())}
		}
	}

	if a.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.timeout)
		defer cancel()
	}

	language = strings.ToLower(strings.TrimSpace(language))
	a.logger.Info("transcribing...", zap.String("audio", audioPath), zap.String("language", languageLabel(language)))
	started := time.Now()

	out, err := a.engine.Transcribe(ctx, whisper.TranscriptionRequest{
		AudioPath: audioPath,
		ModelPath: a.modelPath,
		Language:  language,
	})
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && a.timeout > 0 {
			err = fmt.Errorf("transcription exceeded %s: %w", a.timeout, err)
		}
		a.logger.Warn("transcription failed", zap.Duration("elapsed", time.Since(started)), zap.Error(err))
		return Result{}, &TranscriptionError{AudioPath: audioPath, Err: err}
	}

	result := resultFrom(out)
	a.logger.Info("transcription finished",
		zap.Duration("elapsed", time.Since(started)),
		zap.String("detected_language", result.Language),
		zap.Int("cues", len(result.Transcript)),
	)
	return result, nil
}

func languageLabel(language string) string {
	if language == "" {
		return whisper.AutoLanguage
	}
	return language
}
