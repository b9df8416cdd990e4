package telemetry

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCountersAndExposition(t *testing.T) {
	tel := New("tab-a")
	tel.Flush("RemotePush", 3, 10*time.Millisecond, nil)
	tel.Flush("RemotePush", 0, time.Millisecond, errors.New("boom"))
	tel.Conflict("LastWriteWins")
	tel.Gauge("dsync_mode", func() float64 { return 2 })

	assert.Equal(t, uint64(1), tel.Counter("dsync_flushes_total", "target", "RemotePush", "result", "ok"))
	assert.Equal(t, uint64(1), tel.Counter("dsync_flushes_total", "target", "RemotePush", "result", "error"))
	assert.Equal(t, uint64(3), tel.Counter("dsync_coalesced_total", "target", "RemotePush"))

	var buf bytes.Buffer
	tel.WritePrometheus(&buf)
	out := buf.String()
	assert.Contains(t, out, `dsync_conflicts_total{tab="tab-a",rule="LastWriteWins"} 1`)
	assert.Contains(t, out, `dsync_mode{tab="tab-a"} 2`)
}
