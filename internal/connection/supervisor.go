package connection

import (
	"context"
	"time"

	"github.com/rimoric/torcia-sub001/internal/models"

	"go.uber.org/zap"
)

// DefaultReconnectInterval 默认重连间隔
const DefaultReconnectInterval = 5 * time.Second

// Supervisor 断线后按固定间隔重连，达到上限后停止，直到外部再次 Connect
type Supervisor struct {
	manager     *Manager
	interval    time.Duration
	maxAttempts int
	logger      *zap.Logger
}

// NewSupervisor maxAttempts <= 0 表示不限次数
func NewSupervisor(m *Manager, interval time.Duration, maxAttempts int, logger *zap.Logger) *Supervisor {
	if interval <= 0 {
		interval = DefaultReconnectInterval
	}
	return &Supervisor{
		manager:     m,
		interval:    interval,
		maxAttempts: maxAttempts,
		logger:      logger,
	}
}

// Run 阻塞直到 ctx 取消；取消时不会遗留定时器
func (s *Supervisor) Run(ctx context.Context) error {
	exhausted := false
	for {
		st := s.manager.Status()

		var timer *time.Timer
		var fire <-chan time.Time
		if s.shouldRetry(st) {
			exhausted = false
			timer = time.NewTimer(s.interval)
			fire = timer.C
		} else if st.State == models.StateDisconnected && !st.Suspended && !exhausted {
			exhausted = true
			s.logger.Warn("Reconnect attempts exhausted, waiting for manual connect",
				zap.Int("attempts", st.ReconnectAttempts),
				zap.Int("max_attempts", s.maxAttempts),
			)
		}

		select {
		case <-ctx.Done():
			stopTimer(timer)
			return nil
		case <-s.manager.StateChanges():
			stopTimer(timer)
		case <-fire:
			if err := s.manager.reconnect(ctx); err != nil {
				s.logger.Debug("Reconnect attempt failed", zap.Error(err))
			}
		}
	}
}

func (s *Supervisor) shouldRetry(st models.ConnectionStatus) bool {
	if st.State != models.StateDisconnected || st.Suspended {
		return false
	}
	return s.maxAttempts <= 0 || st.ReconnectAttempts < s.maxAttempts
}

func stopTimer(t *time.Timer) {
	if t != nil {
		t.Stop()
	}
}
