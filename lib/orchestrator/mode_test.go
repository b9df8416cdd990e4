package orchestrator

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestModeGates(t *testing.T) {
	tests := []struct {
		mode       Mode
		pull, push bool
	}{
		{Disabled, false, false},
		{ReadOnly, true, false},
		{Progressive, true, true},
		{Live, true, true},
		{Degraded, false, false},
	}
	for _, tt := range tests {
		t.Run(tt.mode.String(), func(t *testing.T) {
			assert.Equal(t, tt.pull, tt.mode.CanPull())
			assert.Equal(t, tt.push, tt.mode.CanPush())
		})
	}
}

func TestModeText(t *testing.T) {
	raw, err := json.Marshal(map[string]Mode{"mode": Progressive})
	require.NoError(t, err)
	assert.JSONEq(t, `{"mode":"Progressive"}`, string(raw))

	var m Mode
	require.NoError(t, m.UnmarshalText([]byte("Degraded")))
	assert.Equal(t, Degraded, m)
	assert.Error(t, m.UnmarshalText([]byte("Sideways")))
}

func TestConflictRateRegressesProgressive(t *testing.T) {
	o, err := New(fastConfig("tab-a"), Deps{Store: nil})
	require.Error(t, err)
	require.Nil(t, o)

	o = newTab(t, "tab-a", tabOpts{})
	o.mu.Lock()
	defer o.mu.Unlock()

	o.mode = Progressive
	o.synced, o.conflicts = 19, 5
	assert.False(t, o.checkConflictRateLocked(), "below the minimal sample")

	o.synced, o.conflicts = 20, 1
	assert.False(t, o.checkConflictRateLocked(), "5% is still acceptable")

	o.conflicts = 2
	assert.True(t, o.checkConflictRateLocked())
	assert.Equal(t, ReadOnly, o.mode)
}
