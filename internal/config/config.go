// Package config resolves service settings from flags, environment variables
// and an optional config file, in that order of precedence.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	KeyModel             = "model"
	KeyModelDir          = "model-dir"
	KeyDevice            = "device"
	KeyThreads           = "threads"
	KeyAutoDownload      = "auto-download"
	KeyAddr              = "addr"
	KeyWorkers           = "workers"
	KeyTranscribeTimeout = "transcribe-timeout"
	KeyDownloadTimeout   = "download-timeout"
	KeyMaxUploadBytes    = "max-upload-bytes"
	KeyMaxDownloadBytes  = "max-download-bytes"
	KeyScratchDir        = "scratch-dir"
	KeyCORSOrigins       = "cors-origin"
)

var envBindings = map[string]string{
	KeyModel:             "WHISPER_MODEL",
	KeyDevice:            "WHISPER_DEVICE",
	KeyModelDir:          "VOXSERVE_MODEL_DIR",
	KeyThreads:           "VOXSERVE_THREADS",
	KeyAutoDownload:      "VOXSERVE_AUTO_DOWNLOAD",
	KeyAddr:              "VOXSERVE_ADDR",
	KeyWorkers:           "VOXSERVE_WORKERS",
	KeyTranscribeTimeout: "VOXSERVE_TRANSCRIBE_TIMEOUT",
	KeyDownloadTimeout:   "VOXSERVE_DOWNLOAD_TIMEOUT",
	KeyMaxUploadBytes:    "VOXSERVE_MAX_UPLOAD_BYTES",
	KeyMaxDownloadBytes:  "VOXSERVE_MAX_DOWNLOAD_BYTES",
	KeyScratchDir:        "VOXSERVE_SCRATCH_DIR",
	KeyCORSOrigins:       "VOXSERVE_CORS_ORIGINS",
}

var DefaultCORSOrigins = []string{
	"http://localhost:3000",
	"http://127.0.0.1:3000",
}

type Config struct {
	Model             string
	ModelDir          string
	Device            string
	Threads           int
	AutoDownload      bool
	Addr              string
	Workers           int
	TranscribeTimeout time.Duration
	DownloadTimeout   time.Duration
	MaxUploadBytes    int64
	MaxDownloadBytes  int64
	ScratchDir        string
	CORSOrigins       []string
}

func Default() Config {
	return Config{
		Model:             "base",
		Device:            "auto",
		AutoDownload:      true,
		Addr:              "127.0.0.1:8000",
		Workers:           2,
		TranscribeTimeout: 30 * time.Minute,
		DownloadTimeout:   10 * time.Minute,
		MaxUploadBytes:    512 << 20,
		MaxDownloadBytes:  1 << 30,
		CORSOrigins:       append([]string(nil), DefaultCORSOrigins...),
	}
}

// RegisterFlags declares every setting on fs with its default.
func RegisterFlags(fs *pflag.FlagSet) {
	d := Default()
	fs.String(KeyModel, d.Model, "Model size (tiny|base|small|medium|large|turbo) or model file path")
	fs.String(KeyModelDir, d.ModelDir, "Directory where models are stored")
	fs.String(KeyDevice, d.Device, "Compute device: auto|cuda|cpu")
	fs.Int(KeyThreads, d.Threads, "Inference threads per transcription; 0 uses the engine default")
	fs.Bool(KeyAutoDownload, d.AutoDownload, "Automatically download missing models")
	fs.String(KeyAddr, d.Addr, "HTTP listen address")
	fs.Int(KeyWorkers, d.Workers, "Concurrent transcriptions")
	fs.Duration(KeyTranscribeTimeout, d.TranscribeTimeout, "Upper bound for a single transcription; 0 disables")
	fs.Duration(KeyDownloadTimeout, d.DownloadTimeout, "Upper bound for fetching remote audio")
	fs.Int64(KeyMaxUploadBytes, d.MaxUploadBytes, "Largest accepted upload in bytes")
	fs.Int64(KeyMaxDownloadBytes, d.MaxDownloadBytes, "Largest accepted remote audio file in bytes")
	fs.String(KeyScratchDir, d.ScratchDir, "Directory for temporary audio files (default: system temp dir)")
	fs.StringSlice(KeyCORSOrigins, d.CORSOrigins, "Allowed CORS origin (repeatable)")
}

// Load merges fs, the environment and configFile (when set) into a Config.
func Load(fs *pflag.FlagSet, configFile string) (Config, error) {
	v := viper.New()
	d := Default()
	v.SetDefault(KeyModel, d.Model)
	v.SetDefault(KeyDevice, d.Device)
	v.SetDefault(KeyAutoDownload, d.AutoDownload)
	v.SetDefault(KeyAddr, d.Addr)
	v.SetDefault(KeyWorkers, d.Workers)
	v.SetDefault(KeyTranscribeTimeout, d.TranscribeTimeout)
	v.SetDefault(KeyDownloadTimeout, d.DownloadTimeout)
	v.SetDefault(KeyMaxUploadBytes, d.MaxUploadBytes)
	v.SetDefault(KeyMaxDownloadBytes, d.MaxDownloadBytes)
	v.SetDefault(KeyCORSOrigins, d.CORSOrigins)

	for key, env := range envBindings {
		if err := v.BindEnv(key, env); err != nil {
			return Config{}, fmt.Errorf("bind %s: %w", env, err)
		}
	}

	if fs != nil {
		if err := v.BindPFlags(fs); err != nil {
			return Config{}, fmt.Errorf("bind flags: %w", err)
		}
	}

	if strings.TrimSpace(configFile) != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("failed to read config file %s: %w", configFile, err)
		}
	}

	cfg := Config{
		Model:             strings.TrimSpace(v.GetString(KeyModel)),
		ModelDir:          strings.TrimSpace(v.GetString(KeyModelDir)),
		Device:            strings.ToLower(strings.TrimSpace(v.GetString(KeyDevice))),
		Threads:           v.GetInt(KeyThreads),
		AutoDownload:      v.GetBool(KeyAutoDownload),
		Addr:              strings.TrimSpace(v.GetString(KeyAddr)),
		Workers:           v.GetInt(KeyWorkers),
		TranscribeTimeout: v.GetDuration(KeyTranscribeTimeout),
		DownloadTimeout:   v.GetDuration(KeyDownloadTimeout),
		MaxUploadBytes:    v.GetInt64(KeyMaxUploadBytes),
		MaxDownloadBytes:  v.GetInt64(KeyMaxDownloadBytes),
		ScratchDir:        strings.TrimSpace(v.GetString(KeyScratchDir)),
		CORSOrigins:       splitList(v.GetStringSlice(KeyCORSOrigins)),
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if c.Model == "" {
		return errors.New("model must not be empty")
	}
	switch c.Device {
	case "auto", "cuda", "gpu", "cpu":
	default:
		return fmt.Errorf("unknown device %q (expected auto, cuda, or cpu)", c.Device)
	}
	if c.Addr == "" {
		return errors.New("listen address must not be empty")
	}
	if c.Workers <= 0 {
		return fmt.Errorf("workers must be positive, got %d", c.Workers)
	}
	if c.Threads < 0 {
		return fmt.Errorf("threads must not be negative, got %d", c.Threads)
	}
	if c.TranscribeTimeout < 0 || c.DownloadTimeout < 0 {
		return errors.New("timeouts must not be negative")
	}
	if c.MaxUploadBytes <= 0 || c.MaxDownloadBytes <= 0 {
		return errors.New("size limits must be positive")
	}
	return nil
}

// splitList accepts both repeated values and comma separated ones, which is
// how list values arrive from the environment.
func splitList(values []string) []string {
	var out []string
	for _, value := range values {
		for _, part := range strings.Split(value, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}
