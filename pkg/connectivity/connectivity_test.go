package connectivity

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseQuality(t *testing.T) {
	tests := []struct {
		in   string
		want Quality
	}{
		{"fast", Fast},
		{"Medium", Medium},
		{" slow ", Slow},
		{"4g", Fast},
		{"", Unknown},
		{"unknown", Unknown},
	}
	for _, tt := range tests {
		got, err := ParseQuality(tt.in)
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}

	_, err := ParseQuality("warp")
	assert.Error(t, err)
}

func TestMonitorNotifiesOnChange(t *testing.T) {
	m := NewMonitor(true, Fast)

	var seen []Status
	cancel := m.Subscribe(func(s Status) { seen = append(seen, s) })

	m.SetOnline(false)
	m.SetOnline(false) // no change, no notification
	m.SetQuality(Slow)
	m.SetOnline(true)

	require.Len(t, seen, 3)
	assert.Equal(t, Status{Online: false, Quality: Fast}, seen[0])
	assert.Equal(t, Status{Online: false, Quality: Slow}, seen[1])
	assert.Equal(t, Status{Online: true, Quality: Slow}, seen[2])

	cancel()
	cancel()
	m.SetOnline(false)
	assert.Len(t, seen, 3)
	assert.False(t, m.Status().Online)
}

func TestStatusJSON(t *testing.T) {
	data, err := json.Marshal(Status{Online: true, Quality: Medium})
	require.NoError(t, err)
	assert.JSONEq(t, `{"online":true,"quality":"medium"}`, string(data))

	var s Status
	require.NoError(t, json.Unmarshal([]byte(`{"online":false,"quality":"slow"}`), &s))
	assert.Equal(t, Status{Online: false, Quality: Slow}, s)
}
