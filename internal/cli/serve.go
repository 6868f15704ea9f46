package cli

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fmueller/voxserve/internal/config"
	"github.com/fmueller/voxserve/internal/download"
	"github.com/fmueller/voxserve/internal/gpu"
	"github.com/fmueller/voxserve/internal/httpapi"
	"github.com/fmueller/voxserve/internal/media"
	"github.com/fmueller/voxserve/internal/platform"
	"github.com/fmueller/voxserve/internal/scratch"
	"github.com/fmueller/voxserve/internal/transcription"
	"github.com/fmueller/voxserve/internal/version"
	"github.com/fmueller/voxserve/internal/whisper"
	"github.com/fmueller/voxserve/internal/workpool"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

const shutdownTimeout = 30 * time.Second

func newServeCmd(app *appState) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the transcription HTTP server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := app.loadConfig(cmd)
			if err != nil {
				return err
			}
			return app.runServe(cmd.Context(), cfg)
		},
	}
}

// runServe listens first and loads the model in the background, so /health
// answers while a large model is still downloading. A failed load stops the
// server.
func (a *appState) runServe(ctx context.Context, cfg config.Config) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	device, err := a.resolveDevice(ctx, cfg)
	if err != nil {
		return err
	}

	scratchDir := platform.ResolveScratchDir(cfg.ScratchDir)
	pool := workpool.New(cfg.Workers)
	server := httpapi.New(httpapi.Options{
		Model:            cfg.Model,
		Device:           device,
		Build:            version.Current(),
		CORSOrigins:      cfg.CORSOrigins,
		MaxUploadBytes:   cfg.MaxUploadBytes,
		MaxDownloadBytes: cfg.MaxDownloadBytes,
		DownloadTimeout:  cfg.DownloadTimeout,
		Pool:             pool,
		Scratch:          scratch.New(scratchDir, a.log()),
		Logger:           a.log(),
	})

	ln, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", cfg.Addr, err)
	}
	httpServer := httpapi.NewHTTPServer(cfg.Addr, server.Handler())

	a.log().Info("listening",
		zap.String("addr", ln.Addr().String()),
		zap.String("model", cfg.Model),
		zap.String("device", device),
		zap.Int("workers", pool.Size()),
		zap.String("scratch_dir", scratchDir),
	)
	if a.onListen != nil {
		a.onListen(ln.Addr().String())
	}

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- httpServer.Serve(ln)
	}()

	loadErr := make(chan error, 1)
	go func() {
		started := time.Now()
		t, err := a.loadFn(ctx, cfg, device)
		if err != nil {
			loadErr <- err
			return
		}
		server.SetTranscriber(t)
		a.log().Info("model loaded", zap.Duration("elapsed", time.Since(started)))
	}()

	var runErr error
	select {
	case <-ctx.Done():
		a.log().Info("shutting down")
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			runErr = fmt.Errorf("http server: %w", err)
		}
	case err := <-loadErr:
		if ctx.Err() == nil {
			runErr = fmt.Errorf("load model %s: %w", cfg.Model, err)
			a.log().Error("model failed to load", zap.Error(err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()

	pool.Close()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		a.log().Warn("http shutdown incomplete", zap.Error(err))
	}
	if err := pool.Wait(shutdownCtx); err != nil {
		a.log().Warn("transcriptions still running at exit", zap.Error(err))
	}
	return runErr
}

func (a *appState) resolveDevice(ctx context.Context, cfg config.Config) (string, error) {
	info := gpu.NewDetector(a.log()).Detect(ctx)
	device, err := gpu.ResolveDevice(cfg.Device, info)
	if err != nil {
		return "", err
	}
	if device == gpu.DeviceCUDA && !info.Available {
		a.log().Warn("cuda requested but no NVIDIA GPU was detected; whisper-cli falls back to cpu if it cannot initialise the device")
	}
	return device, nil
}

// loadTranscriber locates whisper-cli, makes sure the model file is on disk
// and wraps both in an adapter.
func (a *appState) loadTranscriber(ctx context.Context, cfg config.Config, device string) (httpapi.Transcriber, error) {
	engine, err := whisper.NewBundledEngine(a.log())
	if err != nil {
		return nil, err
	}
	scratchDir := platform.ResolveScratchDir(cfg.ScratchDir)
	engine.NoGPU = device == gpu.DeviceCPU
	engine.Threads = cfg.Threads
	engine.OutputDir = scratchDir

	converter := media.NewConverter(scratchDir, a.log())
	if !converter.Available() {
		a.log().Warn("ffmpeg not found; m4a, ogg, webm and mp4 audio is handed to whisper-cli unconverted")
	}
	engine.Converter = converter

	model, err := a.ensureModelAvailable(ctx, cfg)
	if err != nil {
		return nil, err
	}

	adapter, err := transcription.NewAdapter(engine, transcription.Options{
		ModelPath: model.Path,
		Timeout:   cfg.TranscribeTimeout,
		Logger:    a.log(),
	})
	if err != nil {
		return nil, err
	}
	return adapter, nil
}

func (a *appState) ensureModelAvailable(ctx context.Context, cfg config.Config) (whisper.ResolvedModel, error) {
	modelDir, err := a.modelStorageDir(cfg)
	if err != nil {
		return whisper.ResolvedModel{}, err
	}

	resolved, err := whisper.ResolveModel(cfg.Model, modelDir)
	if err != nil {
		return whisper.ResolvedModel{}, err
	}

	if !resolved.NeedsDownload {
		return resolved, nil
	}

	if !cfg.AutoDownload {
		return whisper.ResolvedModel{}, fmt.Errorf("model %q is missing at %s; run `voxserve setup --model %s` or use --auto-download=true", resolved.Name, resolved.Path, resolved.Name)
	}

	a.log().Info("model not found, downloading", zap.String("model", resolved.Name), zap.String("destination", resolved.Path))
	if err := download.DownloadFile(ctx, download.Options{
		URL:            resolved.URL,
		Destination:    resolved.Path,
		ExpectedSHA256: resolved.SHA256,
		ChecksumURL:    resolved.SHA256URL,
		NoProgress:     !a.progressEnabled(),
		Logger:         a.log(),
	}); err != nil {
		return whisper.ResolvedModel{}, fmt.Errorf("download model %q: %w", resolved.Name, err)
	}

	resolved.NeedsDownload = false
	return resolved, nil
}
