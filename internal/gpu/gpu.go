// Package gpu probes the host's NVIDIA devices by shelling out to
// nvidia-smi. A host without the tool reports zero devices rather than
// an error so CPU-only deployments keep working.
package gpu

import (
	"context"
	"os/exec"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"
)

// Device is one GPU as reported by the driver.
type Device struct {
	Index                  int     `json:"index"`
	Name                   string  `json:"name"`
	UUID                   string  `json:"uuid"`
	MemoryTotalMiB         int64   `json:"memory_total_mib"`
	MemoryUsedMiB          int64   `json:"memory_used_mib"`
	UtilizationPct         float64 `json:"utilization_pct"`
	TemperatureC           float64 `json:"temperature_c"`
	PowerDrawW             float64 `json:"power_draw_w"`
	ComputeCapability      string  `json:"compute_capability"`
	Architecture           string  `json:"architecture"`
	FlashAttentionSupported bool   `json:"flash_attention_supported"`
}

// queryFields is the nvidia-smi --query-gpu field list, in column order.
const queryFields = "index,name,uuid,memory.total,memory.used,utilization.gpu,temperature.gpu,power.draw,compute_cap"

// Prober runs the probe. The command runner is injectable for tests.
type Prober struct {
	run func(ctx context.Context) ([]byte, error)
}

func NewProber() *Prober {
	return &Prober{
		run: func(ctx context.Context) ([]byte, error) {
			cmd := exec.CommandContext(ctx, "nvidia-smi",
				"--query-gpu="+queryFields, "--format=csv,noheader,nounits")
			return cmd.Output()
		},
	}
}

// Devices lists the host's GPUs. Missing driver or tool yields an empty
// list.
func (p *Prober) Devices(ctx context.Context) ([]Device, error) {
	out, err := p.run(ctx)
	if err != nil {
		log.Debug().Err(err).Msg("nvidia-smi unavailable, assuming no GPUs")
		return []Device{}, nil
	}
	return parseCSV(string(out)), nil
}

func parseCSV(out string) []Device {
	devices := []Device{}
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		cols := strings.Split(line, ",")
		if len(cols) != 9 {
			log.Warn().Str("line", line).Msg("Unexpected nvidia-smi column count")
			continue
		}
		for i := range cols {
			cols[i] = strings.TrimSpace(cols[i])
		}
		d := Device{
			Name:              cols[1],
			UUID:              cols[2],
			ComputeCapability: cols[8],
		}
		d.Index, _ = strconv.Atoi(cols[0])
		d.MemoryTotalMiB, _ = strconv.ParseInt(cols[3], 10, 64)
		d.MemoryUsedMiB, _ = strconv.ParseInt(cols[4], 10, 64)
		d.UtilizationPct, _ = strconv.ParseFloat(cols[5], 64)
		d.TemperatureC, _ = strconv.ParseFloat(cols[6], 64)
		d.PowerDrawW, _ = strconv.ParseFloat(cols[7], 64)
		d.Architecture = architectureName(d.ComputeCapability)
		d.FlashAttentionSupported = computeCapAtLeast(d.ComputeCapability, 8.0)
		devices = append(devices, d)
	}
	return devices
}

func computeCapAtLeast(cap string, min float64) bool {
	v, err := strconv.ParseFloat(cap, 64)
	if err != nil {
		return false
	}
	return v >= min
}

// architectureName maps a compute capability to its marketing
// architecture.
func architectureName(cap string) string {
	v, err := strconv.ParseFloat(cap, 64)
	if err != nil {
		return "unknown"
	}
	switch {
	case v >= 12.0:
		return "Blackwell"
	case v >= 9.0:
		return "Hopper"
	case v >= 8.9:
		return "Ada Lovelace"
	case v >= 8.0:
		return "Ampere"
	case v >= 7.5:
		return "Turing"
	case v >= 7.0:
		return "Volta"
	case v >= 6.0:
		return "Pascal"
	default:
		return "pre-Pascal"
	}
}
