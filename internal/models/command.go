package models

// Command 下发给 PLC 的命令信封
// Device 形如 "valve/V1" 或 "system"；Timestamp 为毫秒时间戳
type Command struct {
	Device    string      `json:"device"`
	Action    string      `json:"action"`
	Value     interface{} `json:"value,omitempty"`
	Timestamp int64       `json:"timestamp"`
}

// ControllerAlarm PLC 经 plc/alarms 上报的报警
type ControllerAlarm struct {
	Severity string `json:"severity"`
	Source   string `json:"source"`
	DeviceID string `json:"deviceId"`
	Message  string `json:"message"`
}
