package cli

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/fmueller/voxserve/internal/config"
	"github.com/fmueller/voxserve/internal/httpapi"
	"github.com/fmueller/voxserve/internal/logging"
	"github.com/fmueller/voxserve/internal/platform"
	"github.com/fmueller/voxserve/internal/version"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/term"
)

type appState struct {
	verbose    bool
	jsonLogs   bool
	noProgress bool
	configFile string

	logger *zap.Logger
	out    io.Writer

	// loadFn builds the transcriber once the device is known. Tests swap it
	// for a fake so the server can run without whisper-cli.
	loadFn   func(ctx context.Context, cfg config.Config, device string) (httpapi.Transcriber, error)
	onListen func(addr string)
}

func NewRootCmd() *cobra.Command {
	app := &appState{out: os.Stdout}
	app.loadFn = app.loadTranscriber

	cmd := &cobra.Command{
		Use:           "voxserve",
		Short:         "Serve whisper speech-to-text over HTTP",
		Long:          "voxserve exposes a local whisper model as a small HTTP API: upload audio or pass a URL and get timed transcript cues back as JSON.",
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       version.Resolve(),
		PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
			logger, err := logging.New(logging.Options{Verbose: app.verbose, JSON: app.jsonLogs})
			if err != nil {
				return fmt.Errorf("initialize logger: %w", err)
			}
			app.logger = logger
			return nil
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := app.loadConfig(cmd)
			if err != nil {
				return err
			}
			return app.runServe(cmd.Context(), cfg)
		},
	}

	cmd.SetVersionTemplate("{{.Name}} v{{.Version}}\n")

	flags := cmd.PersistentFlags()
	config.RegisterFlags(flags)
	flags.BoolVar(&app.verbose, "verbose", app.verbose, "Enable verbose logs")
	flags.BoolVar(&app.jsonLogs, "json", app.jsonLogs, "Enable JSON logging")
	flags.BoolVar(&app.noProgress, "no-progress", app.noProgress, "Disable progress indicators")
	flags.StringVar(&app.configFile, "config", app.configFile, "Optional config file (yaml, toml or json)")

	cmd.AddCommand(newServeCmd(app))
	cmd.AddCommand(newTranscribeCmd(app))
	cmd.AddCommand(newSetupCmd(app))
	cmd.AddCommand(newGPUCmd(app))
	cmd.AddCommand(newVersionCmd())

	return cmd
}

// loadConfig reads settings for cmd. Inherited persistent flags are merged
// into cmd.Flags() by cobra, so flags set on any level win over env and file.
func (a *appState) loadConfig(cmd *cobra.Command) (config.Config, error) {
	cfg, err := config.Load(cmd.Flags(), a.configFile)
	if err != nil {
		return config.Config{}, err
	}
	a.log().Debug("configuration loaded",
		zap.String("model", cfg.Model),
		zap.String("device", cfg.Device),
		zap.String("addr", cfg.Addr),
		zap.Int("workers", cfg.Workers),
	)
	return cfg, nil
}

func (a *appState) modelStorageDir(cfg config.Config) (string, error) {
	dir, err := platform.ResolveModelDir(cfg.ModelDir)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create model directory %s: %w", dir, err)
	}
	return dir, nil
}

func (a *appState) log() *zap.Logger {
	if a.logger == nil {
		return zap.NewNop()
	}
	return a.logger
}

func (a *appState) progressEnabled() bool {
	if a.noProgress {
		return false
	}
	return term.IsTerminal(int(os.Stderr.Fd()))
}

func (a *appState) outWriter() io.Writer {
	if a.out == nil {
		return os.Stdout
	}
	return a.out
}
