package profile

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

// Detector reports the total memory of the first GPU in MiB.
type Detector interface {
	GPUMemoryMiB(ctx context.Context) (int, error)
}

// ErrNoGPU is returned when no GPU could be queried.
var ErrNoGPU = errors.New("profile: no GPU found")

// commandRunner abstracts process execution for testability.
type commandRunner interface {
	Output(ctx context.Context, name string, args ...string) ([]byte, error)
}

type execRunner struct{}

func (execRunner) Output(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return nil, fmt.Errorf("%w: %s", err, msg)
		}
		return nil, err
	}
	return out, nil
}

// NvidiaSMI queries GPU memory through the nvidia-smi tool.
type NvidiaSMI struct {
	Path   string // default "nvidia-smi"
	runner commandRunner
}

// GPUMemoryMiB returns the total memory of the first listed GPU.
func (n *NvidiaSMI) GPUMemoryMiB(ctx context.Context) (int, error) {
	path := n.Path
	if path == "" {
		path = "nvidia-smi"
	}
	runner := n.runner
	if runner == nil {
		runner = execRunner{}
	}

	out, err := runner.Output(ctx, path, "--query-gpu=memory.total", "--format=csv,noheader,nounits")
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrNoGPU, err)
	}
	line, _, _ := strings.Cut(strings.TrimSpace(string(out)), "\n")
	line = strings.TrimSpace(line)
	if line == "" {
		return 0, ErrNoGPU
	}
	mib, err := strconv.Atoi(line)
	if err != nil {
		return 0, fmt.Errorf("profile: parsing nvidia-smi output %q: %w", line, err)
	}
	return mib, nil
}

// Detect picks a profile name from the first GPU's memory. Any detection
// failure selects the cpu profile.
func Detect(ctx context.Context, d Detector) string {
	if d == nil {
		d = &NvidiaSMI{}
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	mib, err := d.GPUMemoryMiB(ctx)
	if err != nil {
		slog.Info("No GPU detected, using cpu profile", "error", err)
		return "cpu"
	}
	name := ForVRAM(mib / 1024)
	slog.Info("Detected GPU", "memory_mib", mib, "profile", name)
	return name
}

// Host summarizes the machine the server runs on.
type Host struct {
	CPUs              int    `json:"cpus"`
	MemoryTotalMB     uint64 `json:"memory_total_mb"`
	MemoryAvailableMB uint64 `json:"memory_available_mb"`
}

// HostInfo reads logical CPU count and memory figures.
func HostInfo(ctx context.Context) (Host, error) {
	var h Host
	n, err := cpu.CountsWithContext(ctx, true)
	if err != nil {
		return h, fmt.Errorf("profile: counting cpus: %w", err)
	}
	h.CPUs = n

	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return h, fmt.Errorf("profile: reading memory: %w", err)
	}
	h.MemoryTotalMB = vm.Total / (1 << 20)
	h.MemoryAvailableMB = vm.Available / (1 << 20)
	return h, nil
}
