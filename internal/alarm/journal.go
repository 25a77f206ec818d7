package alarm

import (
	"context"
	"fmt"
	"time"

	"github.com/rimoric/torcia-sub001/internal/models"

	"go.uber.org/zap"
)

// SnapshotStore 报警列表快照存储（进程重启后恢复）
type SnapshotStore interface {
	SaveAlarms(ctx context.Context, alarms []models.Alarm) error
	LoadAlarms(ctx context.Context) ([]models.Alarm, error)
}

// HistoryStore 报警生命周期历史（只追加）
type HistoryStore interface {
	RecordAlarmEvent(ctx context.Context, eventType string, a models.Alarm) error
}

const journalBuffer = 256

// Journal 把报警列表变更异步写入快照与历史
// AlarmEvent 只入队，实际 I/O 在 Run 的 goroutine 中完成
type Journal struct {
	feed     *Feed
	snapshot SnapshotStore
	history  HistoryStore
	events   chan Event
	logger   *zap.Logger
}

// NewJournal snapshot/history 均可为 nil
func NewJournal(feed *Feed, snapshot SnapshotStore, history HistoryStore, logger *zap.Logger) *Journal {
	return &Journal{
		feed:     feed,
		snapshot: snapshot,
		history:  history,
		events:   make(chan Event, journalBuffer),
		logger:   logger,
	}
}

// AlarmEvent 实现 Listener；队列满时丢弃历史事件，快照在下一次写入时仍会是完整的
func (j *Journal) AlarmEvent(ev Event) {
	select {
	case j.events <- ev:
	default:
		j.logger.Warn("Alarm journal queue full, dropping history event",
			zap.String("event_type", string(ev.Type)),
			zap.Int("alarm_count", len(ev.Alarms)),
		)
	}
}

// Restore 从快照恢复报警列表
func (j *Journal) Restore(ctx context.Context) (int, error) {
	if j.snapshot == nil {
		return 0, nil
	}
	alarms, err := j.snapshot.LoadAlarms(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to load alarm snapshot: %w", err)
	}
	j.feed.Restore(alarms)
	return len(alarms), nil
}

// Run 消费变更直到 ctx 取消；退出前写最后一次快照
func (j *Journal) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			j.drain(context.Background())
			flushCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			j.saveSnapshot(flushCtx)
			cancel()
			return nil
		case ev := <-j.events:
			j.record(ctx, ev)
			// 连续变更只写一次快照
			if len(j.events) == 0 {
				j.saveSnapshot(ctx)
			}
		}
	}
}

func (j *Journal) drain(ctx context.Context) {
	for {
		select {
		case ev := <-j.events:
			j.record(ctx, ev)
		default:
			return
		}
	}
}

func (j *Journal) record(ctx context.Context, ev Event) {
	if j.history == nil {
		return
	}
	for _, a := range ev.Alarms {
		if err := j.history.RecordAlarmEvent(ctx, string(ev.Type), a); err != nil {
			j.logger.Error("Failed to record alarm history",
				zap.String("alarm_id", a.ID),
				zap.String("event_type", string(ev.Type)),
				zap.Error(err),
			)
		}
	}
}

func (j *Journal) saveSnapshot(ctx context.Context) {
	if j.snapshot == nil {
		return
	}
	if err := j.snapshot.SaveAlarms(ctx, j.feed.List()); err != nil {
		j.logger.Error("Failed to save alarm snapshot", zap.Error(err))
	}
}
