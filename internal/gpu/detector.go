package gpu

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
)

const (
	DeviceAuto = "auto"
	DeviceCUDA = "cuda"
	DeviceCPU  = "cpu"
)

// Info describes the NVIDIA devices visible to this process.
type Info struct {
	Available     bool   `json:"available"`
	DeviceCount   int    `json:"device_count"`
	DeviceName    string `json:"device_name,omitempty"`
	MemoryMiB     int    `json:"memory_mib,omitempty"`
	DriverVersion string `json:"driver_version,omitempty"`
	CUDAVersion   string `json:"cuda_version,omitempty"`
	Source        string `json:"source,omitempty"`
}

type Detector struct {
	logger *zap.Logger

	run       func(ctx context.Context, name string, args ...string) ([]byte, error)
	getenv    func(string) string
	stat      func(string) (os.FileInfo, error)
	cudaRoots []string
}

func NewDetector(logger *zap.Logger) *Detector {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Detector{
		logger: logger,
		run: func(ctx context.Context, name string, args ...string) ([]byte, error) {
			return exec.CommandContext(ctx, name, args...).Output()
		},
		getenv:    os.Getenv,
		stat:      os.Stat,
		cudaRoots: []string{"/usr/local/cuda", "/opt/cuda", "/usr/cuda"},
	}
}

// Detect probes nvidia-smi first, then CUDA environment variables, then a
// CUDA toolkit install. A machine with none of these reports Available=false
// and no error.
func (d *Detector) Detect(ctx context.Context) Info {
	var info Info

	if err := d.detectWithNvidiaSMI(ctx, &info); err != nil {
		d.logger.Debug("nvidia-smi detection failed", zap.Error(err))
		info = Info{}
		if err := d.detectWithCUDAEnv(&info); err != nil {
			d.logger.Debug("CUDA environment detection failed", zap.Error(err))
			info = Info{}
			if err := d.detectWithCUDAToolkit(&info); err != nil {
				d.logger.Debug("CUDA toolkit detection failed", zap.Error(err))
				return Info{}
			}
		}
	}

	d.logger.Debug("GPU detection completed",
		zap.Bool("available", info.Available),
		zap.Int("device_count", info.DeviceCount),
		zap.String("device_name", info.DeviceName),
		zap.String("source", info.Source),
	)
	return info
}

func (d *Detector) detectWithNvidiaSMI(ctx context.Context, info *Info) error {
	out, err := d.run(ctx, "nvidia-smi", "--query-gpu=name,memory.total,driver_version", "--format=csv,noheader,nounits")
	if err != nil {
		return fmt.Errorf("nvidia-smi command failed: %w", err)
	}

	var lines []string
	for _, line := range strings.Split(strings.TrimSpace(string(out)), "\n") {
		if strings.TrimSpace(line) != "" {
			lines = append(lines, line)
		}
	}
	if len(lines) == 0 {
		return errors.New("no GPUs found by nvidia-smi")
	}

	parts := strings.Split(lines[0], ",")
	if len(parts) < 3 {
		return fmt.Errorf("unexpected nvidia-smi format: %s", lines[0])
	}

	info.DeviceCount = len(lines)
	info.DeviceName = strings.TrimSpace(parts[0])
	_, _ = fmt.Sscanf(strings.TrimSpace(parts[1]), "%d", &info.MemoryMiB)
	info.DriverVersion = strings.TrimSpace(parts[2])
	info.CUDAVersion = d.getenv("CUDA_VERSION")
	info.Available = true
	info.Source = "nvidia-smi"
	return nil
}

func (d *Detector) detectWithCUDAEnv(info *Info) error {
	visible := strings.TrimSpace(d.getenv("CUDA_VISIBLE_DEVICES"))
	version := strings.TrimSpace(d.getenv("CUDA_VERSION"))
	if visible == "" && version == "" {
		return errors.New("no CUDA environment variables found")
	}

	info.CUDAVersion = version
	info.Source = "env"
	if visible == "" || visible == "-1" || strings.EqualFold(visible, "none") {
		return nil
	}

	info.DeviceCount = len(strings.Split(visible, ","))
	info.Available = info.DeviceCount > 0
	return nil
}

func (d *Detector) detectWithCUDAToolkit(info *Info) error {
	for _, root := range d.cudaRoots {
		if _, err := d.stat(root); err != nil {
			continue
		}
		if data, err := os.ReadFile(filepath.Join(root, "version.txt")); err == nil {
			for _, line := range strings.Split(string(data), "\n") {
				if fields := strings.Fields(line); len(fields) >= 3 && strings.Contains(line, "CUDA Version") {
					info.CUDAVersion = fields[2]
					break
				}
			}
		}
		info.Available = true
		info.DeviceCount = 1
		info.Source = "toolkit"
		return nil
	}
	return errors.New("CUDA toolkit not found in standard locations")
}

// ResolveDevice turns a configured device into the one the engine will use.
// "auto" picks cuda when a GPU was detected.
func ResolveDevice(requested string, info Info) (string, error) {
	switch strings.ToLower(strings.TrimSpace(requested)) {
	case "", DeviceAuto:
		if info.Available {
			return DeviceCUDA, nil
		}
		return DeviceCPU, nil
	case DeviceCUDA, "gpu":
		return DeviceCUDA, nil
	case DeviceCPU:
		return DeviceCPU, nil
	default:
		return "", fmt.Errorf("unknown device %q (expected auto, cuda, or cpu)", requested)
	}
}
