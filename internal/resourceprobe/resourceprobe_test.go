// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package resourceprobe

import "testing"

func TestParseGPUCSV(t *testing.T) {
	csv := "NVIDIA A100, 40960, 10240, 30720, 42, 55\n"

	readings := parseGPUCSV(csv)
	if len(readings) != 1 {
		t.Fatalf("expected 1 reading, got %d", len(readings))
	}

	r := readings[0]
	if r.Name != "NVIDIA A100" {
		t.Errorf("name: got %q", r.Name)
	}
	if r.MemoryTotalMiB != 40960 || r.MemoryUsedMiB != 10240 || r.MemoryFreeMiB != 30720 {
		t.Errorf("memory fields: got %+v", r)
	}
	if r.UtilizationPct != 42 || r.TemperatureC != 55 {
		t.Errorf("utilization/temperature: got %+v", r)
	}
}

func TestParseGPUCSVMultipleGPUs(t *testing.T) {
	csv := "GPU0, 8192, 1024, 7168, 10, 40\nGPU1, 8192, 2048, 6144, 20, 45\n"

	readings := parseGPUCSV(csv)
	if len(readings) != 2 {
		t.Fatalf("expected 2 readings, got %d", len(readings))
	}
	if readings[0].Name != "GPU0" || readings[1].Name != "GPU1" {
		t.Errorf("unexpected order: %+v", readings)
	}
}

func TestParseGPUCSVEmpty(t *testing.T) {
	if got := parseGPUCSV(""); got != nil {
		t.Errorf("expected nil for empty input, got %+v", got)
	}
}

func TestParseGPUCSVSkipsMalformedRows(t *testing.T) {
	csv := "only, two, fields\nGPU0, 8192, 1024, 7168, 10, 40\n"
	readings := parseGPUCSV(csv)
	if len(readings) != 1 {
		t.Fatalf("expected 1 reading after skipping malformed row, got %d", len(readings))
	}
}

func TestRoundTo2(t *testing.T) {
	cases := map[float64]float64{
		25.0:       25.0,
		33.3333:    33.33,
		33.336:     33.34,
		0.0:        0.0,
	}
	for in, want := range cases {
		if got := roundTo2(in); got != want {
			t.Errorf("roundTo2(%v): got %v, want %v", in, got, want)
		}
	}
}
