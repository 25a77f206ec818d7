package models

import (
	"fmt"
	"time"
)

// Category 设备类别（主题中的第二段，如 plc/valve/V1）
type Category string

const (
	CategoryValve          Category = "valve"
	CategoryGenerator      Category = "generator"
	CategoryTank           Category = "tank"
	CategoryPressureSwitch Category = "pressure"
	CategoryFlare          Category = "flare"
	CategoryCompressor     Category = "compressor"
	CategoryNitrogen       Category = "nitrogen"
)

// Categories 所有已知设备类别
var Categories = []Category{
	CategoryValve,
	CategoryGenerator,
	CategoryTank,
	CategoryPressureSwitch,
	CategoryFlare,
	CategoryCompressor,
	CategoryNitrogen,
}

// BulkKey 全量快照（plc/all/update）中该类别对应的字段名
func (c Category) BulkKey() string {
	switch c {
	case CategoryValve:
		return "valves"
	case CategoryGenerator:
		return "generators"
	case CategoryTank:
		return "tanks"
	case CategoryPressureSwitch:
		return "pressureSwitches"
	case CategoryFlare:
		return "flares"
	case CategoryCompressor:
		return "compressors"
	case CategoryNitrogen:
		return "nitrogenBottles"
	default:
		return ""
	}
}

// AlarmSource 该类别设备故障时使用的报警来源
func (c Category) AlarmSource() Source {
	switch c {
	case CategoryValve:
		return SourceValve
	case CategoryGenerator:
		return SourceGenerator
	case CategoryTank:
		return SourceTank
	case CategoryPressureSwitch:
		return SourcePressure
	default:
		return SourceSystem
	}
}

// ParseCategory 解析类别，未知类别返回 false
func ParseCategory(s string) (Category, bool) {
	for _, c := range Categories {
		if string(c) == s {
			return c, true
		}
	}
	return "", false
}

// DeviceMeta 所有设备记录共有的字段
type DeviceMeta struct {
	ID         string    `json:"id"`
	LastUpdate time.Time `json:"lastUpdate"`
}

// IsStale now - LastUpdate 超过阈值即视为过期（过期是派生属性，不存储）
func (m DeviceMeta) IsStale(now time.Time, threshold time.Duration) bool {
	return now.Sub(m.LastUpdate) > threshold
}

// RunState 发电机/压缩机运行状态
type RunState string

const (
	RunStateStopped RunState = "stopped"
	RunStateRunning RunState = "running"
	RunStateStandby RunState = "standby"
	RunStateAlarm   RunState = "alarm"
)

func (s RunState) valid() bool {
	switch s {
	case RunStateStopped, RunStateRunning, RunStateStandby, RunStateAlarm:
		return true
	}
	return false
}

// Product 储罐介质
type Product string

const (
	ProductGPL Product = "GPL"
	ProductN2  Product = "N2"
)

func percent(field string, v *float64) error {
	if v != nil && (*v < 0 || *v > 100) {
		return fmt.Errorf("%s out of range 0-100: %v", field, *v)
	}
	return nil
}

// ============================================
// 阀门
// ============================================

// ValveState 阀门状态
type ValveState struct {
	DeviceMeta
	IsOpen   bool     `json:"isOpen"`
	Position *float64 `json:"position,omitempty"`
}

// ValveUpdate 阀门部分更新（nil 字段表示未出现，保持原值）
type ValveUpdate struct {
	IsOpen   *bool    `json:"isOpen"`
	Position *float64 `json:"position"`
}

func (u ValveUpdate) Validate() error {
	return percent("position", u.Position)
}

func (u ValveUpdate) Merge(s ValveState) ValveState {
	if u.IsOpen != nil {
		s.IsOpen = *u.IsOpen
	}
	if u.Position != nil {
		p := *u.Position
		s.Position = &p
	}
	return s
}

// ============================================
// 发电机（制氮机组）
// ============================================

// GeneratorState 发电机状态
type GeneratorState struct {
	DeviceMeta
	IsRunning    bool     `json:"isRunning"`
	Pressure     float64  `json:"pressure"`
	Temperature  float64  `json:"temperature"`
	HoursRunning float64  `json:"hoursRunning"`
	Alarms       []string `json:"alarms"`
	State        RunState `json:"state"`
}

// GeneratorUpdate Alarms 为 nil 表示未出现；出现时整体替换
type GeneratorUpdate struct {
	IsRunning    *bool     `json:"isRunning"`
	Pressure     *float64  `json:"pressure"`
	Temperature  *float64  `json:"temperature"`
	HoursRunning *float64  `json:"hoursRunning"`
	Alarms       []string  `json:"alarms"`
	State        *RunState `json:"state"`
}

func (u GeneratorUpdate) Validate() error {
	if u.State != nil && !u.State.valid() {
		return fmt.Errorf("unknown generator state %q", *u.State)
	}
	return nil
}

func (u GeneratorUpdate) Merge(s GeneratorState) GeneratorState {
	if u.IsRunning != nil {
		s.IsRunning = *u.IsRunning
	}
	if u.Pressure != nil {
		s.Pressure = *u.Pressure
	}
	if u.Temperature != nil {
		s.Temperature = *u.Temperature
	}
	if u.HoursRunning != nil {
		s.HoursRunning = *u.HoursRunning
	}
	if u.Alarms != nil {
		s.Alarms = append(make([]string, 0, len(u.Alarms)), u.Alarms...)
	}
	if u.State != nil {
		s.State = *u.State
	}
	return s
}

// ============================================
// 储罐
// ============================================

// TankState 储罐状态
type TankState struct {
	DeviceMeta
	Level       float64 `json:"level"`
	Temperature float64 `json:"temperature"`
	Pressure    float64 `json:"pressure"`
	Capacity    float64 `json:"capacity"`
	Product     Product `json:"product"`
}

type TankUpdate struct {
	Level       *float64 `json:"level"`
	Temperature *float64 `json:"temperature"`
	Pressure    *float64 `json:"pressure"`
	Capacity    *float64 `json:"capacity"`
	Product     *Product `json:"product"`
}

func (u TankUpdate) Validate() error {
	if err := percent("level", u.Level); err != nil {
		return err
	}
	if u.Product != nil && *u.Product != ProductGPL && *u.Product != ProductN2 {
		return fmt.Errorf("unknown tank product %q", *u.Product)
	}
	return nil
}

func (u TankUpdate) Merge(s TankState) TankState {
	if u.Level != nil {
		s.Level = *u.Level
	}
	if u.Temperature != nil {
		s.Temperature = *u.Temperature
	}
	if u.Pressure != nil {
		s.Pressure = *u.Pressure
	}
	if u.Capacity != nil {
		s.Capacity = *u.Capacity
	}
	if u.Product != nil {
		s.Product = *u.Product
	}
	return s
}

// ============================================
// 压力开关
// ============================================

// PressureSwitchState 压力开关状态（Differential/IsClean 仅过滤器压差开关有）
type PressureSwitchState struct {
	DeviceMeta
	Pressure     float64  `json:"pressure"`
	IsActive     bool     `json:"isActive"`
	Setpoint     float64  `json:"setpoint"`
	Differential *float64 `json:"differential,omitempty"`
	IsClean      *bool    `json:"isClean,omitempty"`
}

type PressureSwitchUpdate struct {
	Pressure     *float64 `json:"pressure"`
	IsActive     *bool    `json:"isActive"`
	Setpoint     *float64 `json:"setpoint"`
	Differential *float64 `json:"differential"`
	IsClean      *bool    `json:"isClean"`
}

func (u PressureSwitchUpdate) Validate() error { return nil }

func (u PressureSwitchUpdate) Merge(s PressureSwitchState) PressureSwitchState {
	if u.Pressure != nil {
		s.Pressure = *u.Pressure
	}
	if u.IsActive != nil {
		s.IsActive = *u.IsActive
	}
	if u.Setpoint != nil {
		s.Setpoint = *u.Setpoint
	}
	if u.Differential != nil {
		d := *u.Differential
		s.Differential = &d
	}
	if u.IsClean != nil {
		c := *u.IsClean
		s.IsClean = &c
	}
	return s
}

// ============================================
// 火炬
// ============================================

// FlareState 火炬状态
type FlareState struct {
	DeviceMeta
	IsLit       bool    `json:"isLit"`
	PilotActive bool    `json:"pilotActive"`
	Temperature float64 `json:"temperature"`
}

type FlareUpdate struct {
	IsLit       *bool    `json:"isLit"`
	PilotActive *bool    `json:"pilotActive"`
	Temperature *float64 `json:"temperature"`
}

func (u FlareUpdate) Validate() error { return nil }

func (u FlareUpdate) Merge(s FlareState) FlareState {
	if u.IsLit != nil {
		s.IsLit = *u.IsLit
	}
	if u.PilotActive != nil {
		s.PilotActive = *u.PilotActive
	}
	if u.Temperature != nil {
		s.Temperature = *u.Temperature
	}
	return s
}

// ============================================
// 压缩机
// ============================================

// CompressorState 压缩机状态
type CompressorState struct {
	DeviceMeta
	State       RunState `json:"state"`
	Pressure    float64  `json:"pressure"`
	Temperature float64  `json:"temperature"`
}

type CompressorUpdate struct {
	State       *RunState `json:"state"`
	Pressure    *float64  `json:"pressure"`
	Temperature *float64  `json:"temperature"`
}

func (u CompressorUpdate) Validate() error {
	if u.State != nil && !u.State.valid() {
		return fmt.Errorf("unknown compressor state %q", *u.State)
	}
	return nil
}

func (u CompressorUpdate) Merge(s CompressorState) CompressorState {
	if u.State != nil {
		s.State = *u.State
	}
	if u.Pressure != nil {
		s.Pressure = *u.Pressure
	}
	if u.Temperature != nil {
		s.Temperature = *u.Temperature
	}
	return s
}

// ============================================
// 氮气瓶
// ============================================

// NitrogenBottleState 氮气瓶状态
type NitrogenBottleState struct {
	DeviceMeta
	Pressure float64 `json:"pressure"`
	Capacity float64 `json:"capacity"`
	Enabled  bool    `json:"enabled"`
}

type NitrogenBottleUpdate struct {
	Pressure *float64 `json:"pressure"`
	Capacity *float64 `json:"capacity"`
	Enabled  *bool    `json:"enabled"`
}

func (u NitrogenBottleUpdate) Validate() error { return nil }

func (u NitrogenBottleUpdate) Merge(s NitrogenBottleState) NitrogenBottleState {
	if u.Pressure != nil {
		s.Pressure = *u.Pressure
	}
	if u.Capacity != nil {
		s.Capacity = *u.Capacity
	}
	if u.Enabled != nil {
		s.Enabled = *u.Enabled
	}
	return s
}

// ============================================
// 控制器状态（plc/status）
// ============================================

// ControllerStatus PLC 在线状态，Timestamp 为控制器上报的毫秒时间戳
type ControllerStatus struct {
	Status     string    `json:"status"`
	Timestamp  int64     `json:"timestamp"`
	LastUpdate time.Time `json:"lastUpdate"`
}

type ControllerStatusUpdate struct {
	Status    *string `json:"status"`
	Timestamp *int64  `json:"timestamp"`
}

func (u ControllerStatusUpdate) Merge(s ControllerStatus) ControllerStatus {
	if u.Status != nil {
		s.Status = *u.Status
	}
	if u.Timestamp != nil {
		s.Timestamp = *u.Timestamp
	}
	return s
}
