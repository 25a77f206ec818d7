package service

import (
	"bytes"
	"encoding/json"
	"strings"

	"github.com/rimoric/torcia-sub001/internal/connection"
	"github.com/rimoric/torcia-sub001/internal/models"

	"go.uber.org/zap"
)

// AlarmAdder 报警列表写入（alarm.Feed 实现）
type AlarmAdder interface {
	Add(a models.Alarm) models.Alarm
}

// decodeControllerAlarms plc/alarms 负载可以是单个对象或数组
func decodeControllerAlarms(payload json.RawMessage) ([]models.ControllerAlarm, error) {
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var list []models.ControllerAlarm
		if err := json.Unmarshal(trimmed, &list); err != nil {
			return nil, err
		}
		return list, nil
	}
	var one models.ControllerAlarm
	if err := json.Unmarshal(trimmed, &one); err != nil {
		return nil, err
	}
	return []models.ControllerAlarm{one}, nil
}

// controllerAlarmHandler 把 PLC 上报的报警写入报警列表
// 未知级别按 warning，未知来源按 system；没有 message 的条目丢弃
func controllerAlarmHandler(feed AlarmAdder, logger *zap.Logger) connection.Handler {
	return func(t string, payload json.RawMessage) {
		alarms, err := decodeControllerAlarms(payload)
		if err != nil {
			logger.Warn("Failed to decode controller alarm",
				zap.String("topic", t),
				zap.Error(err),
			)
			return
		}

		for _, ca := range alarms {
			msg := strings.TrimSpace(ca.Message)
			if msg == "" {
				logger.Debug("Controller alarm without message ignored", zap.String("topic", t))
				continue
			}
			a := feed.Add(models.Alarm{
				Severity: models.ParseSeverity(ca.Severity),
				Source:   models.ParseSource(ca.Source),
				DeviceID: strings.TrimSpace(ca.DeviceID),
				Message:  msg,
			})
			logger.Info("Controller alarm received",
				zap.String("alarm_id", a.ID),
				zap.String("severity", string(a.Severity)),
				zap.String("source", string(a.Source)),
				zap.String("device_id", a.DeviceID),
			)
		}
	}
}
