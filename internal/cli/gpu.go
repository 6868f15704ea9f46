package cli

import (
	"encoding/json"
	"fmt"

	"github.com/fmueller/voxserve/internal/gpu"
	"github.com/fmueller/voxserve/internal/media"
	"github.com/fmueller/voxserve/internal/whisper"
	"github.com/spf13/cobra"
)

type diagnostics struct {
	GPU           gpu.Info `json:"gpu"`
	Requested     string   `json:"requested_device"`
	Device        string   `json:"device"`
	WhisperCLI    string   `json:"whisper_cli,omitempty"`
	WhisperError  string   `json:"whisper_error,omitempty"`
	FFmpegPresent bool     `json:"ffmpeg"`
}

func newGPUCmd(app *appState) *cobra.Command {
	return &cobra.Command{
		Use:   "gpu",
		Short: "Report GPU, whisper-cli and ffmpeg availability",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := app.loadConfig(cmd)
			if err != nil {
				return err
			}

			report := diagnostics{
				GPU:           gpu.NewDetector(app.log()).Detect(cmd.Context()),
				Requested:     cfg.Device,
				FFmpegPresent: media.NewConverter("", app.log()).Available(),
			}
			report.Device, err = gpu.ResolveDevice(cfg.Device, report.GPU)
			if err != nil {
				return err
			}

			if engine, err := whisper.NewBundledEngine(app.log()); err != nil {
				report.WhisperError = err.Error()
			} else {
				report.WhisperCLI = engine.Executable
			}

			if app.jsonLogs {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(report)
			}

			out := cmd.OutOrStdout()
			if report.GPU.Available {
				fmt.Fprintf(out, "GPU:         %s (%d MiB, driver %s, via %s)\n", report.GPU.DeviceName, report.GPU.MemoryMiB, report.GPU.DriverVersion, report.GPU.Source)
			} else {
				fmt.Fprintln(out, "GPU:         none detected")
			}
			fmt.Fprintf(out, "Device:      %s (requested %s)\n", report.Device, report.Requested)
			if report.WhisperCLI != "" {
				fmt.Fprintf(out, "whisper-cli: %s\n", report.WhisperCLI)
			} else {
				fmt.Fprintf(out, "whisper-cli: missing (%s)\n", report.WhisperError)
			}
			fmt.Fprintf(out, "ffmpeg:      %t\n", report.FFmpegPresent)
			return nil
		},
	}
}
