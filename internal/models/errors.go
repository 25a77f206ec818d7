package models

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNotConnected 未连接时的 publish/subscribe
	ErrNotConnected = errors.New("not connected to broker")
	// ErrStaleConnect 连接尝试完成时状态机已不在发起时的 Connecting 状态，结果被丢弃
	ErrStaleConnect = errors.New("connect attempt superseded")
	// ErrUnknownAlarm 报警不存在
	ErrUnknownAlarm = errors.New("alarm not found")
)

// ConnectionError 握手/传输失败（会触发重连策略）
type ConnectionError struct {
	Endpoint string
	Err      error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connection to %s failed: %v", e.Endpoint, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// SubscriptionError 订阅/取消订阅被拒绝（仅记录日志，不重试）
type SubscriptionError struct {
	Topics []string
	Err    error
}

func (e *SubscriptionError) Error() string {
	return fmt.Sprintf("subscription %s failed: %v", strings.Join(e.Topics, ","), e.Err)
}

func (e *SubscriptionError) Unwrap() error { return e.Err }

// PublishError 消息未能发出（产生 warning 报警，不自动重试）
type PublishError struct {
	Topic string
	Err   error
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("publish to %s failed: %v", e.Topic, e.Err)
}

func (e *PublishError) Unwrap() error { return e.Err }

// DecodeError 入站负载无法解析（记录并丢弃）
type DecodeError struct {
	Topic    string
	Category Category
	Err      error
}

func (e *DecodeError) Error() string {
	if e.Category != "" {
		return fmt.Sprintf("decode %s payload on %s: %v", e.Category, e.Topic, e.Err)
	}
	return fmt.Sprintf("decode payload on %s: %v", e.Topic, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }
