// Package command 组装并下发 PLC 命令
package command

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rimoric/torcia-sub001/internal/connection"
	"github.com/rimoric/torcia-sub001/internal/models"
	"github.com/rimoric/torcia-sub001/internal/topic"

	"go.uber.org/zap"
)

// 命令动作
const (
	ActionOpen              = "open"
	ActionClose             = "close"
	ActionSetPosition       = "setPosition"
	ActionStart             = "start"
	ActionStop              = "stop"
	ActionIgnite            = "ignite"
	ActionExtinguish        = "extinguish"
	ActionEmergencyStop     = "emergencyStop"
	ActionReset             = "reset"
	ActionAcknowledgeAlarms = "acknowledgeAlarms"
	ActionStartProcess      = "startProcess"
	ActionStopProcess       = "stopProcess"
	ActionRequestStatus     = "requestStatus"
	ActionFullUpdate        = "fullUpdate"

	// SystemDevice 系统命令的 device 字段
	SystemDevice = "system"
)

// ErrUnsupportedCommand 类别不支持该动作
var ErrUnsupportedCommand = errors.New("unsupported command")

// Transport 发布命令（connection.Manager 实现）
type Transport interface {
	Publish(topic string, payload []byte, opts ...connection.PublishOption) error
}

// AlarmSink 命令失败与急停报警（alarm.Feed 实现）
type AlarmSink interface {
	Add(a models.Alarm) models.Alarm
}

// Publisher 每个可控能力一个方法；全部发出即返回，不等待 PLC 确认
type Publisher struct {
	transport Transport
	alarms    AlarmSink
	now       func() time.Time
	logger    *zap.Logger
}

// NewPublisher 创建命令发布器
func NewPublisher(transport Transport, alarms AlarmSink, logger *zap.Logger) *Publisher {
	return &Publisher{
		transport: transport,
		alarms:    alarms,
		now:       time.Now,
		logger:    logger,
	}
}

// SetClock 测试用
func (p *Publisher) SetClock(now func() time.Time) {
	p.now = now
}

// ============================================
// 设备命令
// ============================================

// SetValveState 开/关阀门
func (p *Publisher) SetValveState(id string, open bool) error {
	action := ActionClose
	if open {
		action = ActionOpen
	}
	return p.device(models.CategoryValve, id, action, nil)
}

// SetValvePosition 设置阀门开度 0-100
func (p *Publisher) SetValvePosition(id string, position float64) error {
	if position < 0 || position > 100 {
		return fmt.Errorf("valve %s: position out of range 0-100: %v", id, position)
	}
	return p.device(models.CategoryValve, id, ActionSetPosition, position)
}

func (p *Publisher) StartGenerator(id string) error {
	return p.device(models.CategoryGenerator, id, ActionStart, nil)
}

func (p *Publisher) StopGenerator(id string) error {
	return p.device(models.CategoryGenerator, id, ActionStop, nil)
}

func (p *Publisher) StartCompressor(id string) error {
	return p.device(models.CategoryCompressor, id, ActionStart, nil)
}

func (p *Publisher) StopCompressor(id string) error {
	return p.device(models.CategoryCompressor, id, ActionStop, nil)
}

func (p *Publisher) IgniteFlare(id string) error {
	return p.device(models.CategoryFlare, id, ActionIgnite, nil)
}

func (p *Publisher) ExtinguishFlare(id string) error {
	return p.device(models.CategoryFlare, id, ActionExtinguish, nil)
}

// ============================================
// 系统命令
// ============================================

// EmergencyStop 急停：先在本地产生一条 critical 报警，再下发命令，发布失败不影响报警
func (p *Publisher) EmergencyStop() error {
	p.alarms.Add(models.Alarm{
		Severity: models.SeverityCritical,
		Source:   models.SourceSystem,
		Message:  "Emergency stop requested",
	})
	p.logger.Warn("Emergency stop requested")
	return p.system(ActionEmergencyStop, nil)
}

func (p *Publisher) Reset() error {
	return p.system(ActionReset, nil)
}

// AcknowledgeAlarms 通知 PLC 操作员已确认报警
func (p *Publisher) AcknowledgeAlarms() error {
	return p.system(ActionAcknowledgeAlarms, nil)
}

// StartProcess 启动工艺流程；sequence 为空时由 PLC 使用默认流程
func (p *Publisher) StartProcess(sequence string) error {
	return p.system(ActionStartProcess, optional(sequence))
}

func (p *Publisher) StopProcess(sequence string) error {
	return p.system(ActionStopProcess, optional(sequence))
}

// RequestStatus 请求单个设备立即上报状态
func (p *Publisher) RequestStatus(category models.Category, id string) error {
	return p.send(topic.Request(string(category), id), models.Command{
		Device: deviceName(category, id),
		Action: ActionRequestStatus,
	}, category.AlarmSource())
}

// RequestFullUpdate 请求 PLC 在 plc/all/update 上发送全量快照
func (p *Publisher) RequestFullUpdate() error {
	return p.send(topic.RequestFullUpdate, models.Command{
		Device: SystemDevice,
		Action: ActionFullUpdate,
	}, models.SourceSystem)
}

// ============================================
// 通用分发（HTTP 接口使用）
// ============================================

// Execute 按类别/动作分发到对应方法；category 为 "system" 时 id 忽略
func (p *Publisher) Execute(category, id, action string, value interface{}) error {
	if category == SystemDevice {
		switch action {
		case ActionEmergencyStop:
			return p.EmergencyStop()
		case ActionReset:
			return p.Reset()
		case ActionAcknowledgeAlarms:
			return p.AcknowledgeAlarms()
		case ActionStartProcess:
			return p.StartProcess(stringValue(value))
		case ActionStopProcess:
			return p.StopProcess(stringValue(value))
		case ActionFullUpdate:
			return p.RequestFullUpdate()
		}
		return fmt.Errorf("%w: %s %s", ErrUnsupportedCommand, category, action)
	}

	c, ok := models.ParseCategory(category)
	if !ok || id == "" {
		return fmt.Errorf("%w: %s/%s %s", ErrUnsupportedCommand, category, id, action)
	}
	if action == ActionRequestStatus {
		return p.RequestStatus(c, id)
	}

	switch {
	case c == models.CategoryValve && action == ActionOpen:
		return p.SetValveState(id, true)
	case c == models.CategoryValve && action == ActionClose:
		return p.SetValveState(id, false)
	case c == models.CategoryValve && action == ActionSetPosition:
		pos, ok := value.(float64)
		if !ok {
			return fmt.Errorf("valve %s: setPosition requires a numeric value", id)
		}
		return p.SetValvePosition(id, pos)
	case c == models.CategoryGenerator && action == ActionStart:
		return p.StartGenerator(id)
	case c == models.CategoryGenerator && action == ActionStop:
		return p.StopGenerator(id)
	case c == models.CategoryCompressor && action == ActionStart:
		return p.StartCompressor(id)
	case c == models.CategoryCompressor && action == ActionStop:
		return p.StopCompressor(id)
	case c == models.CategoryFlare && action == ActionIgnite:
		return p.IgniteFlare(id)
	case c == models.CategoryFlare && action == ActionExtinguish:
		return p.ExtinguishFlare(id)
	}
	return fmt.Errorf("%w: %s/%s %s", ErrUnsupportedCommand, category, id, action)
}

// ============================================
// 内部
// ============================================

func (p *Publisher) device(c models.Category, id, action string, value interface{}) error {
	if id == "" {
		return fmt.Errorf("%s %s: empty device id", c, action)
	}
	return p.send(topic.Command(string(c), id), models.Command{
		Device: deviceName(c, id),
		Action: action,
		Value:  value,
	}, c.AlarmSource())
}

func (p *Publisher) system(action string, value interface{}) error {
	return p.send(topic.System(action), models.Command{
		Device: SystemDevice,
		Action: action,
		Value:  value,
	}, models.SourceSystem)
}

// send 填入时间戳并发布；失败时每条命令单独产生一条 warning 报警
func (p *Publisher) send(t string, cmd models.Command, source models.Source) error {
	cmd.Timestamp = p.now().UnixMilli()
	payload, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("failed to marshal command: %w", err)
	}

	if err := p.transport.Publish(t, payload); err != nil {
		p.alarms.Add(models.Alarm{
			Severity: models.SeverityWarning,
			Source:   source,
			DeviceID: deviceID(cmd.Device),
			Message:  fmt.Sprintf("Command %s for %s was not sent: %v", cmd.Action, cmd.Device, err),
		})
		return err
	}

	p.logger.Info("Command published",
		zap.String("topic", t),
		zap.String("device", cmd.Device),
		zap.String("action", cmd.Action),
	)
	return nil
}

func deviceName(c models.Category, id string) string {
	return string(c) + topic.Separator + id
}

// deviceID 从 "valve/V1" 中取出 V1；系统命令返回空
func deviceID(device string) string {
	if i := strings.LastIndex(device, topic.Separator); i >= 0 {
		return device[i+1:]
	}
	return ""
}

func optional(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func stringValue(v interface{}) string {
	s, _ := v.(string)
	return s
}
