// Package metrics captures per-dispatch runtime numbers recorded into
// token history analytics.
package metrics

import (
	"os"
	"runtime"
	"time"
)

// Runtime measures one strategy dispatch: wall time and the Go heap
// delta across the call.
type Runtime struct {
	start      time.Time
	startAlloc uint64

	WallMS       int64
	AllocDeltaKB int64
}

// CaptureStart begins a runtime measurement.
func CaptureStart() *Runtime {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return &Runtime{
		start:      time.Now(),
		startAlloc: ms.TotalAlloc,
	}
}

// Finalize ends the measurement.
func (r *Runtime) Finalize() {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	r.WallMS = time.Since(r.start).Milliseconds()
	r.AllocDeltaKB = int64(ms.TotalAlloc-r.startAlloc) / 1024
}

// ToMap renders the measurement for history analytics.
func (r *Runtime) ToMap() map[string]interface{} {
	return map[string]interface{}{
		"execution_time_ms": r.WallMS,
		"alloc_delta_kb":    r.AllocDeltaKB,
	}
}

// SystemInfo describes the host a dispatch ran on.
type SystemInfo struct {
	Hostname   string `json:"hostname"`
	OS         string `json:"os"`
	Arch       string `json:"arch"`
	CPULogical int    `json:"cpu_logical"`
	GoVersion  string `json:"go_version"`
}

// GetSystemInfo gathers host information.
func GetSystemInfo() *SystemInfo {
	info := &SystemInfo{
		OS:         runtime.GOOS,
		Arch:       runtime.GOARCH,
		CPULogical: runtime.NumCPU(),
		GoVersion:  runtime.Version(),
	}
	if hostname, err := os.Hostname(); err == nil {
		info.Hostname = hostname
	} else {
		info.Hostname = "unknown"
	}
	return info
}

// ToMap renders the host information for history analytics.
func (s *SystemInfo) ToMap() map[string]interface{} {
	return map[string]interface{}{
		"hostname":    s.Hostname,
		"os":          s.OS,
		"arch":        s.Arch,
		"cpu_logical": s.CPULogical,
		"go_version":  s.GoVersion,
	}
}
