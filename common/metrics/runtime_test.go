package metrics

import (
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRuntimeCaptureMeasuresDispatch(t *testing.T) {
	capture := CaptureStart()
	// Allocate enough to register in the heap delta.
	buf := make([]byte, 256*1024)
	_ = buf
	capture.Finalize()

	assert.GreaterOrEqual(t, capture.WallMS, int64(0))
	assert.GreaterOrEqual(t, capture.AllocDeltaKB, int64(0))

	m := capture.ToMap()
	assert.Contains(t, m, "execution_time_ms")
	assert.Contains(t, m, "alloc_delta_kb")
}

func TestSystemInfoDescribesHost(t *testing.T) {
	info := GetSystemInfo()
	require.NotNil(t, info)
	assert.Equal(t, runtime.GOOS, info.OS)
	assert.Equal(t, runtime.GOARCH, info.Arch)
	assert.Equal(t, runtime.Version(), info.GoVersion)
	assert.NotEmpty(t, info.Hostname)
	assert.Greater(t, info.CPULogical, 0)

	m := info.ToMap()
	assert.Equal(t, info.Hostname, m["hostname"])
	assert.Equal(t, info.GoVersion, m["go_version"])
}
