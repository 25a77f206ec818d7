package alarm

import (
	"fmt"
	"sync"
	"time"

	"github.com/rimoric/torcia-sub001/internal/metrics"
	"github.com/rimoric/torcia-sub001/internal/models"

	"github.com/google/uuid"
)

// DefaultMaxEntries 报警列表最多保留的条数
const DefaultMaxEntries = 1000

// EventType 报警列表变更类型
type EventType string

const (
	EventAdded        EventType = "added"
	EventAcknowledged EventType = "acknowledged"
	EventResolved     EventType = "resolved"
	EventRemoved      EventType = "removed"
)

// Event 报警列表变更事件
type Event struct {
	Type   EventType
	Alarms []models.Alarm
	Counts models.AlarmCounts
}

// Listener 接收报警列表变更；在调用方的 goroutine 中同步执行，不能阻塞
type Listener interface {
	AlarmEvent(Event)
}

// Feed 运行报警列表：最新的在前，最多保留 maxEntries 条
type Feed struct {
	mu        sync.RWMutex
	alarms    []models.Alarm
	counts    models.AlarmCounts
	max       int
	now       func() time.Time
	listeners []Listener
	metrics   *metrics.Metrics
}

// Option Feed 可选项
type Option func(*Feed)

func WithMaxEntries(n int) Option {
	return func(f *Feed) {
		if n > 0 {
			f.max = n
		}
	}
}

func WithListener(l Listener) Option {
	return func(f *Feed) { f.listeners = append(f.listeners, l) }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(f *Feed) { f.metrics = m }
}

func WithClock(now func() time.Time) Option {
	return func(f *Feed) { f.now = now }
}

// NewFeed 创建报警列表
func NewFeed(opts ...Option) *Feed {
	f := &Feed{
		max: DefaultMaxEntries,
		now: time.Now,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// AddListener 在启动后追加监听者（如 journal 需要先拿到 feed 才能创建）
func (f *Feed) AddListener(l Listener) {
	f.mu.Lock()
	f.listeners = append(f.listeners, l)
	f.mu.Unlock()
}

// Add 分配ID、插入到最前、截断到上限并重算计数
func (f *Feed) Add(a models.Alarm) models.Alarm {
	f.mu.Lock()
	a = f.insertLocked(a)
	ev := f.eventLocked(EventAdded, a)
	f.mu.Unlock()

	f.notify(ev)
	return a
}

// AddUnlessActive 同一来源/设备/级别已有未解除报警时不再新增，返回已有的那条
func (f *Feed) AddUnlessActive(a models.Alarm) (models.Alarm, bool) {
	f.mu.Lock()
	for _, existing := range f.alarms {
		if !existing.Resolved &&
			existing.Source == a.Source &&
			existing.DeviceID == a.DeviceID &&
			existing.Severity == a.Severity {
			f.mu.Unlock()
			return existing, false
		}
	}
	a = f.insertLocked(a)
	ev := f.eventLocked(EventAdded, a)
	f.mu.Unlock()

	f.notify(ev)
	return a, true
}

func (f *Feed) insertLocked(a models.Alarm) models.Alarm {
	a.ID = uuid.NewString()
	if a.Timestamp.IsZero() {
		a.Timestamp = f.now()
	}
	if a.Severity == "" {
		a.Severity = models.SeverityWarning
	}
	if a.Source == "" {
		a.Source = models.SourceSystem
	}

	next := make([]models.Alarm, 0, min(len(f.alarms)+1, f.max))
	next = append(next, a)
	next = append(next, f.alarms...)
	if len(next) > f.max {
		next = next[:f.max]
	}
	f.alarms = next
	f.recountLocked()
	return a
}

// Acknowledge 确认报警（确认后仍计入 active，直到 resolve）
func (f *Feed) Acknowledge(id, by string) (models.Alarm, error) {
	f.mu.Lock()
	i := f.indexLocked(id)
	if i < 0 {
		f.mu.Unlock()
		return models.Alarm{}, fmt.Errorf("acknowledge %s: %w", id, models.ErrUnknownAlarm)
	}
	at := f.now()
	f.alarms[i].Acknowledged = true
	f.alarms[i].AcknowledgedBy = by
	f.alarms[i].AcknowledgedAt = &at
	a := f.alarms[i]
	ev := f.eventLocked(EventAcknowledged, a)
	f.mu.Unlock()

	f.notify(ev)
	return a, nil
}

// Resolve 解除报警并重算计数
func (f *Feed) Resolve(id string) (models.Alarm, error) {
	f.mu.Lock()
	i := f.indexLocked(id)
	if i < 0 {
		f.mu.Unlock()
		return models.Alarm{}, fmt.Errorf("resolve %s: %w", id, models.ErrUnknownAlarm)
	}
	at := f.now()
	f.alarms[i].Resolved = true
	f.alarms[i].ResolvedAt = &at
	a := f.alarms[i]
	f.recountLocked()
	ev := f.eventLocked(EventResolved, a)
	f.mu.Unlock()

	f.notify(ev)
	return a, nil
}

// Clear 删除单条报警
func (f *Feed) Clear(id string) error {
	f.mu.Lock()
	i := f.indexLocked(id)
	if i < 0 {
		f.mu.Unlock()
		return fmt.Errorf("clear %s: %w", id, models.ErrUnknownAlarm)
	}
	removed := f.alarms[i]
	f.alarms = append(f.alarms[:i:i], f.alarms[i+1:]...)
	f.recountLocked()
	ev := f.eventLocked(EventRemoved, removed)
	f.mu.Unlock()

	f.notify(ev)
	return nil
}

// ClearAll 清空报警列表
func (f *Feed) ClearAll() int {
	return f.removeWhere(func(models.Alarm) bool { return true })
}

// ClearConnectionAlarms 删除所有未解除的 connection 报警（重连成功后调用）
func (f *Feed) ClearConnectionAlarms() int {
	return f.removeWhere(func(a models.Alarm) bool {
		return a.Source == models.SourceConnection && !a.Resolved
	})
}

func (f *Feed) removeWhere(match func(models.Alarm) bool) int {
	f.mu.Lock()
	kept := make([]models.Alarm, 0, len(f.alarms))
	var removed []models.Alarm
	for _, a := range f.alarms {
		if match(a) {
			removed = append(removed, a)
			continue
		}
		kept = append(kept, a)
	}
	if len(removed) == 0 {
		f.mu.Unlock()
		return 0
	}
	f.alarms = kept
	f.recountLocked()
	ev := f.eventLocked(EventRemoved, removed...)
	f.mu.Unlock()

	f.notify(ev)
	return len(removed)
}

// Restore 用持久化的快照替换当前列表（启动时调用，不通知监听者）
func (f *Feed) Restore(alarms []models.Alarm) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := min(len(alarms), f.max)
	f.alarms = append(make([]models.Alarm, 0, n), alarms[:n]...)
	f.recountLocked()
}

// Get 按ID获取
func (f *Feed) Get(id string) (models.Alarm, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if i := f.indexLocked(id); i >= 0 {
		return f.alarms[i], true
	}
	return models.Alarm{}, false
}

// List 返回全部报警（副本，最新的在前）
func (f *Feed) List() []models.Alarm {
	return f.filter(func(models.Alarm) bool { return true })
}

// BySource 按来源过滤
func (f *Feed) BySource(src models.Source) []models.Alarm {
	return f.filter(func(a models.Alarm) bool { return a.Source == src })
}

// Active 未解除的报警
func (f *Feed) Active() []models.Alarm {
	return f.filter(func(a models.Alarm) bool { return !a.Resolved })
}

// Critical 未解除的 critical 报警
func (f *Feed) Critical() []models.Alarm {
	return f.filter(func(a models.Alarm) bool {
		return !a.Resolved && a.Severity == models.SeverityCritical
	})
}

// Counts 当前派生计数
func (f *Feed) Counts() models.AlarmCounts {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.counts
}

func (f *Feed) filter(keep func(models.Alarm) bool) []models.Alarm {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]models.Alarm, 0, len(f.alarms))
	for _, a := range f.alarms {
		if keep(a) {
			out = append(out, a)
		}
	}
	return out
}

func (f *Feed) indexLocked(id string) int {
	for i := range f.alarms {
		if f.alarms[i].ID == id {
			return i
		}
	}
	return -1
}

// recountLocked 每次变更后基于全部保留报警重新统计，不做增量
func (f *Feed) recountLocked() {
	var c models.AlarmCounts
	for _, a := range f.alarms {
		if a.Resolved {
			continue
		}
		c.Active++
		if a.Severity == models.SeverityCritical {
			c.Critical++
		}
	}
	f.counts = c
	f.metrics.SetAlarmCounts(c)
}

func (f *Feed) eventLocked(t EventType, alarms ...models.Alarm) Event {
	return Event{Type: t, Alarms: alarms, Counts: f.counts}
}

func (f *Feed) notify(ev Event) {
	f.mu.RLock()
	listeners := f.listeners
	f.mu.RUnlock()
	for _, l := range listeners {
		l.AlarmEvent(ev)
	}
}
