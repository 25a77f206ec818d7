package models

import (
	"strings"
	"time"
)

// Severity 报警级别
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// ParseSeverity 未知级别按 warning 处理
func ParseSeverity(s string) Severity {
	switch Severity(strings.ToLower(strings.TrimSpace(s))) {
	case SeverityInfo:
		return SeverityInfo
	case SeverityCritical:
		return SeverityCritical
	default:
		return SeverityWarning
	}
}

// Source 报警来源（固定枚举）
type Source string

const (
	SourceConnection Source = "connection"
	SourceValve      Source = "valve"
	SourceGenerator  Source = "generator"
	SourceTank       Source = "tank"
	SourcePressure   Source = "pressure"
	SourceSystem     Source = "system"
)

// LookupSource 只接受已知来源
func LookupSource(s string) (Source, bool) {
	switch src := Source(strings.ToLower(strings.TrimSpace(s))); src {
	case SourceConnection, SourceValve, SourceGenerator, SourceTank, SourcePressure, SourceSystem:
		return src, true
	default:
		return "", false
	}
}

// ParseSource 未知来源归为 system
func ParseSource(s string) Source {
	if src, ok := LookupSource(s); ok {
		return src
	}
	return SourceSystem
}

// Alarm 运行报警
type Alarm struct {
	ID             string     `json:"id"`
	Severity       Severity   `json:"severity"`
	Source         Source     `json:"source"`
	DeviceID       string     `json:"deviceId,omitempty"`
	Message        string     `json:"message"`
	Timestamp      time.Time  `json:"timestamp"`
	Acknowledged   bool       `json:"acknowledged"`
	AcknowledgedBy string     `json:"acknowledgedBy,omitempty"`
	AcknowledgedAt *time.Time `json:"acknowledgedAt,omitempty"`
	Resolved       bool       `json:"resolved"`
	ResolvedAt     *time.Time `json:"resolvedAt,omitempty"`
}

// AlarmCounts 派生计数（只统计未解除的报警）
type AlarmCounts struct {
	Active   int `json:"activeAlarmCount"`
	Critical int `json:"criticalAlarmCount"`
}
