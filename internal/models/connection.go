package models

import (
	"fmt"
	"time"
)

// ConnectionState 连接状态
type ConnectionState int

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateConnected
)

func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "unknown"
	}
}

// MarshalText 便于 JSON 输出为字符串
func (s ConnectionState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *ConnectionState) UnmarshalText(b []byte) error {
	switch string(b) {
	case "disconnected":
		*s = StateDisconnected
	case "connecting":
		*s = StateConnecting
	case "connected":
		*s = StateConnected
	default:
		return fmt.Errorf("unknown connection state %q", b)
	}
	return nil
}

// ConnectionStatus 连接状态快照（只读副本）
type ConnectionStatus struct {
	State             ConnectionState `json:"state"`
	ReconnectAttempts int             `json:"reconnectAttempts"`
	LastError         string          `json:"lastError,omitempty"`
	Since             time.Time       `json:"since"`
	// Suspended 主动断开后不再自动重连，直到下一次外部 Connect
	Suspended bool `json:"suspended"`
}
