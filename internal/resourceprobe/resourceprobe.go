// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package resourceprobe samples this node's CPU, memory and GPU usage
// for inclusion in registry heartbeats. Samples are cached briefly so
// a burst of callers (registration, heartbeat ticks) does not
// each pay the cost of an nvidia-smi subprocess.
package resourceprobe

import (
	"bytes"
	"context"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/cnyy99/giggle-worker/internal/registry"
	"github.com/cnyy99/giggle-worker/pkg/lrucache"
	"github.com/cnyy99/giggle-worker/pkg/log"
	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/mem"
)

const cacheKey = "sample"

// Probe samples host resource usage, caching results for cacheTTL.
type Probe struct {
	cache   *lrucache.Cache
	cacheTTL time.Duration
}

// New returns a Probe that caches each reading for cacheTTL.
func New(cacheTTL time.Duration) *Probe {
	return &Probe{
		cache:    lrucache.New(1024),
		cacheTTL: cacheTTL,
	}
}

// Sample gathers a fresh resourceprobe reading, or returns a cached one
// if it is younger than cacheTTL.
func (p *Probe) Sample(ctx context.Context) (registry.Sample, error) {
	v := p.cache.Get(cacheKey, func() (interface{}, time.Duration, int) {
		return p.sampleNow(ctx), p.cacheTTL, 1
	})
	return v.(registry.Sample), nil
}

func (p *Probe) sampleNow(ctx context.Context) registry.Sample {
	var s registry.Sample

	if vm, err := mem.VirtualMemoryWithContext(ctx); err != nil {
		log.Warnf("resourceprobe: memory sample failed: %v", err)
	} else {
		s.MemoryTotal = vm.Total
		s.MemoryUsed = vm.Used
		s.MemoryPercent = vm.UsedPercent
	}

	if pct, err := cpu.PercentWithContext(ctx, 0, false); err != nil {
		log.Warnf("resourceprobe: cpu sample failed: %v", err)
	} else if len(pct) > 0 {
		s.CPUUsage = pct[0]
	}

	gpus, err := gpuInfo(ctx)
	if err != nil {
		log.Debugf("resourceprobe: gpu info unavailable: %v", err)
	} else if len(gpus) > 0 {
		s.GPUAvailable = true
		first := gpus[0]
		s.GPUMemoryTotal = first.MemoryTotalMiB
		s.GPUMemoryUsed = first.MemoryUsedMiB
		if first.MemoryTotalMiB > 0 {
			percent := float64(first.MemoryUsedMiB) / float64(first.MemoryTotalMiB) * 100
			s.GPUMemoryPercent = roundTo2(percent)
		}
	}

	return s
}

// gpuReading is one row of nvidia-smi's queried CSV output.
type gpuReading struct {
	Name            string
	MemoryTotalMiB  uint64
	MemoryUsedMiB   uint64
	MemoryFreeMiB   uint64
	UtilizationPct  int
	TemperatureC    int
}

// gpuInfo shells out to nvidia-smi the same way as a host without an
// NVIDIA GPU or driver reports no GPUs rather than erroring loudly: a
// missing binary or non-zero exit is treated as "no GPU available".
func gpuInfo(ctx context.Context) ([]gpuReading, error) {
	cmd := exec.CommandContext(ctx, "nvidia-smi",
		"--query-gpu=name,memory.total,memory.used,memory.free,utilization.gpu,temperature.gpu",
		"--format=csv,noheader,nounits")

	var out bytes.Buffer
	cmd.Stdout = &out
	if err := cmd.Run(); err != nil {
		return nil, err
	}

	return parseGPUCSV(out.String()), nil
}

// parseGPUCSV parses nvidia-smi's --format=csv,noheader,nounits output
// for --query-gpu=name,memory.total,memory.used,memory.free,utilization.gpu,temperature.gpu.
// Malformed rows are skipped rather than aborting the whole reading.
func parseGPUCSV(csv string) []gpuReading {
	var readings []gpuReading
	for _, line := range strings.Split(strings.TrimSpace(csv), "\n") {
		if line == "" {
			continue
		}
		parts := strings.Split(line, ",")
		if len(parts) < 6 {
			continue
		}
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
		}

		total, _ := strconv.ParseUint(parts[1], 10, 64)
		used, _ := strconv.ParseUint(parts[2], 10, 64)
		free, _ := strconv.ParseUint(parts[3], 10, 64)
		util, _ := strconv.Atoi(parts[4])
		temp, _ := strconv.Atoi(parts[5])

		readings = append(readings, gpuReading{
			Name:           parts[0],
			MemoryTotalMiB: total,
			MemoryUsedMiB:  used,
			MemoryFreeMiB:  free,
			UtilizationPct: util,
			TemperatureC:   temp,
		})
	}

	return readings
}

func roundTo2(f float64) float64 {
	return float64(int(f*100+0.5)) / 100
}
