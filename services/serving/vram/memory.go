// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package vram

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
)

// MemoryStatus is one on-demand sample of host memory state. Values are in
// GB; pressure averages come from the kernel PSI interface.
type MemoryStatus struct {
	TotalGB        float64 `json:"total_gb"`
	UsedGB         float64 `json:"used_gb"`
	AvailableGB    float64 `json:"available_gb"`
	ModelUsageGB   float64 `json:"model_usage_gb"`
	PressureSome10 float64 `json:"pressure_some_avg10"`
	PressureFull10 float64 `json:"pressure_full_avg10"`
}

// MemoryMonitor samples host memory and can request an OS-level buffer
// cache flush ahead of very large model loads.
type MemoryMonitor interface {
	Status(ctx context.Context) (MemoryStatus, error)
	FlushBufferCache(ctx context.Context) error
}

// procMonitor reads /proc/meminfo and /proc/pressure/memory directly. The
// flush path writes to /proc/sys/vm/drop_caches, which needs the daemon to
// run with CAP_SYS_ADMIN; a permission failure is reported, not fatal.
type procMonitor struct {
	meminfoPath  string
	pressurePath string
	dropPath     string
}

// NewProcMemoryMonitor returns the production memory monitor backed by the
// proc filesystem.
func NewProcMemoryMonitor() MemoryMonitor {
	return &procMonitor{
		meminfoPath:  "/proc/meminfo",
		pressurePath: "/proc/pressure/memory",
		dropPath:     "/proc/sys/vm/drop_caches",
	}
}

func (m *procMonitor) Status(_ context.Context) (MemoryStatus, error) {
	data, err := os.ReadFile(m.meminfoPath)
	if err != nil {
		return MemoryStatus{}, fmt.Errorf("reading %s: %w", m.meminfoPath, err)
	}
	var totalKB, availKB float64
	for _, line := range strings.Split(string(data), "\n") {
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		switch fields[0] {
		case "MemTotal:":
			totalKB, _ = strconv.ParseFloat(fields[1], 64)
		case "MemAvailable:":
			availKB, _ = strconv.ParseFloat(fields[1], 64)
		}
	}
	status := MemoryStatus{
		TotalGB:     totalKB / 1024 / 1024,
		AvailableGB: availKB / 1024 / 1024,
	}
	status.UsedGB = status.TotalGB - status.AvailableGB
	if status.UsedGB < 0 {
		status.UsedGB = 0
	}

	// PSI is optional: not every kernel exposes it.
	if psi, err := os.ReadFile(m.pressurePath); err == nil {
		status.PressureSome10, status.PressureFull10 = parsePressure(string(psi))
	}
	return status, nil
}

// parsePressure extracts the avg10 values from the two PSI lines:
//
//	some avg10=1.23 avg60=... total=...
//	full avg10=0.00 avg60=... total=...
func parsePressure(psi string) (some float64, full float64) {
	for _, line := range strings.Split(psi, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		var target *float64
		switch fields[0] {
		case "some":
			target = &some
		case "full":
			target = &full
		default:
			continue
		}
		for _, f := range fields[1:] {
			if v, ok := strings.CutPrefix(f, "avg10="); ok {
				*target, _ = strconv.ParseFloat(v, 64)
			}
		}
	}
	return some, full
}

func (m *procMonitor) FlushBufferCache(_ context.Context) error {
	slog.Info("Flushing OS buffer cache before large model load")
	if err := os.WriteFile(m.dropPath, []byte("3\n"), 0o200); err != nil {
		return fmt.Errorf("writing %s: %w", m.dropPath, err)
	}
	return nil
}
