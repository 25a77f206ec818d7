package topic

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMatches(t *testing.T) {
	tests := []struct {
		name    string
		pattern string
		topic   string
		want    bool
	}{
		{"single level wildcards", "plc/+/+", "plc/valve/V1", true},
		{"too many segments", "plc/+/+", "plc/valve/V1/extra", false},
		{"too few segments", "plc/+/+", "plc/status", false},
		{"multi level tail", "plc/valve/#", "plc/valve/V1/sub/sub2", true},
		{"multi level single segment", "plc/valve/#", "plc/valve/V1", true},
		{"multi level empty remainder", "plc/valve/#", "plc/valve", true},
		{"multi level root", "#", "plc/valve/V1", true},
		{"exact match", "plc/valve/V1", "plc/valve/V1", true},
		{"exact mismatch", "plc/valve/V1", "plc/valve/V2", false},
		{"literal prefix mismatch", "plc/+/+", "scada/valve/V1", false},
		{"plus then literal", "plc/+/update", "plc/all/update", true},
		{"plus then literal mismatch", "plc/+/update", "plc/all/delete", false},
		{"plus needs a segment", "plc/valve/+", "plc/valve", false},
		{"plus matches empty segment", "plc/valve/+", "plc/valve/", true},
		{"empty topic never matches", "plc/+/+", "", false},
		{"empty topic vs multi level", "#", "", false},
		{"empty pattern and topic", "", "", true},
		{"status", Status, "plc/status", true},
		{"bulk via defaults", DeviceStates, BulkUpdate, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Matches(tt.pattern, tt.topic))
		})
	}
}

func TestMatches_Deterministic(t *testing.T) {
	for i := 0; i < 100; i++ {
		assert.True(t, Matches("plc/+/#", "plc/tank/T1/level"))
	}
}

func TestBuilders(t *testing.T) {
	assert.Equal(t, "plc/valve/V1", DeviceState("valve", "V1"))
	assert.Equal(t, "plc/command/valve/V1", Command("valve", "V1"))
	assert.Equal(t, "plc/emergencyStop", System("emergencyStop"))
	assert.Equal(t, "plc/request/tank/T2", Request("tank", "T2"))
	assert.Equal(t, "plc/request/fullUpdate", RequestFullUpdate)
	assert.Equal(t, []string{"plc/+/+", "plc/status", "plc/alarms", "plc/all/update"}, DefaultSubscriptions())
}

func TestParseDeviceState(t *testing.T) {
	c, id, ok := ParseDeviceState("plc/generator/G1")
	assert.True(t, ok)
	assert.Equal(t, "generator", c)
	assert.Equal(t, "G1", id)

	for _, bad := range []string{"plc/status", "plc/valve/V1/x", "scada/valve/V1", "plc//V1", "plc/valve/"} {
		_, _, ok := ParseDeviceState(bad)
		assert.False(t, ok, bad)
	}
}
