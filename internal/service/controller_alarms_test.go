package service

import (
	"encoding/json"
	"testing"

	"github.com/rimoric/torcia-sub001/internal/alarm"
	"github.com/rimoric/torcia-sub001/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestControllerAlarmHandler_SingleObject(t *testing.T) {
	feed := alarm.NewFeed()
	h := controllerAlarmHandler(feed, zap.NewNop())

	h("plc/alarms", json.RawMessage(`{"severity":"critical","source":"tank","deviceId":"T1","message":"over pressure"}`))

	list := feed.List()
	require.Len(t, list, 1)
	assert.Equal(t, models.SeverityCritical, list[0].Severity)
	assert.Equal(t, models.SourceTank, list[0].Source)
	assert.Equal(t, "T1", list[0].DeviceID)
	assert.Equal(t, "over pressure", list[0].Message)
	assert.Equal(t, models.AlarmCounts{Active: 1, Critical: 1}, feed.Counts())
}

func TestControllerAlarmHandler_ArrayAndDefaults(t *testing.T) {
	feed := alarm.NewFeed()
	h := controllerAlarmHandler(feed, zap.NewNop())

	h("plc/alarms", json.RawMessage(` [
		{"severity":"loud","message":"unknown severity"},
		{"severity":"info","source":"boiler","message":"unknown source"},
		{"severity":"warning","message":"  "}
	]`))

	list := feed.List()
	require.Len(t, list, 2)
	// 最新的在前
	assert.Equal(t, "unknown source", list[0].Message)
	assert.Equal(t, models.SeverityInfo, list[0].Severity)
	assert.Equal(t, models.SourceSystem, list[0].Source)
	assert.Equal(t, models.SeverityWarning, list[1].Severity)
}

func TestControllerAlarmHandler_BadPayload(t *testing.T) {
	feed := alarm.NewFeed()
	h := controllerAlarmHandler(feed, zap.NewNop())

	h("plc/alarms", json.RawMessage(`"just a string"`))
	h("plc/alarms", json.RawMessage(`[1,2]`))

	assert.Empty(t, feed.List())
}
