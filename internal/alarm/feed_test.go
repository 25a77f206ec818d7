package alarm

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rimoric/torcia-sub001/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingListener struct {
	mu     sync.Mutex
	events []Event
}

func (r *recordingListener) AlarmEvent(ev Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *recordingListener) snapshot() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

func fixedClock() func() time.Time {
	t0 := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)
	return func() time.Time { return t0 }
}

func TestFeed_AddAssignsIDAndPrepends(t *testing.T) {
	f := NewFeed(WithClock(fixedClock()))

	first := f.Add(models.Alarm{Severity: models.SeverityWarning, Source: models.SourceValve, Message: "V1 stuck"})
	second := f.Add(models.Alarm{Severity: models.SeverityCritical, Source: models.SourceSystem, Message: "E-stop"})

	assert.NotEmpty(t, first.ID)
	assert.NotEqual(t, first.ID, second.ID)
	assert.Equal(t, time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC), first.Timestamp)

	list := f.List()
	require.Len(t, list, 2)
	assert.Equal(t, second.ID, list[0].ID, "newest first")
	assert.Equal(t, first.ID, list[1].ID)

	assert.Equal(t, models.AlarmCounts{Active: 2, Critical: 1}, f.Counts())
}

func TestFeed_AddDefaults(t *testing.T) {
	f := NewFeed()
	a := f.Add(models.Alarm{Message: "no severity"})
	assert.Equal(t, models.SeverityWarning, a.Severity)
	assert.Equal(t, models.SourceSystem, a.Source)
}

func TestFeed_TruncatesToMaxAndRecounts(t *testing.T) {
	f := NewFeed()

	// 最旧的一条是唯一的 critical，截断后 critical 计数应回到 0
	f.Add(models.Alarm{Severity: models.SeverityCritical, Message: "oldest"})
	for i := 0; i < DefaultMaxEntries; i++ {
		f.Add(models.Alarm{Severity: models.SeverityWarning, Message: fmt.Sprintf("a%d", i)})
	}

	list := f.List()
	require.Len(t, list, DefaultMaxEntries)
	assert.Equal(t, "a999", list[0].Message)
	assert.Equal(t, "a0", list[len(list)-1].Message)
	assert.Equal(t, models.AlarmCounts{Active: DefaultMaxEntries, Critical: 0}, f.Counts())
}

func TestFeed_WithMaxEntries(t *testing.T) {
	f := NewFeed(WithMaxEntries(3))
	for i := 0; i < 5; i++ {
		f.Add(models.Alarm{Message: fmt.Sprintf("a%d", i)})
	}
	assert.Len(t, f.List(), 3)

	// 非正数忽略
	f = NewFeed(WithMaxEntries(0))
	assert.Equal(t, DefaultMaxEntries, f.max)
}

func TestFeed_AcknowledgeDoesNotChangeCounts(t *testing.T) {
	f := NewFeed(WithClock(fixedClock()))
	a := f.Add(models.Alarm{Severity: models.SeverityCritical, Message: "overpressure"})
	before := f.Counts()

	acked, err := f.Acknowledge(a.ID, "operator")
	require.NoError(t, err)
	assert.True(t, acked.Acknowledged)
	assert.Equal(t, "operator", acked.AcknowledgedBy)
	require.NotNil(t, acked.AcknowledgedAt)
	assert.False(t, acked.Resolved)

	assert.Equal(t, before, f.Counts())
}

func TestFeed_ResolveRecounts(t *testing.T) {
	f := NewFeed()
	a := f.Add(models.Alarm{Severity: models.SeverityCritical, Message: "overpressure"})
	f.Add(models.Alarm{Severity: models.SeverityWarning, Message: "low level"})

	resolved, err := f.Resolve(a.ID)
	require.NoError(t, err)
	assert.True(t, resolved.Resolved)
	require.NotNil(t, resolved.ResolvedAt)

	assert.Equal(t, models.AlarmCounts{Active: 1, Critical: 0}, f.Counts())
	assert.Len(t, f.List(), 2, "resolved alarms stay in the feed")
	assert.Len(t, f.Active(), 1)
	assert.Empty(t, f.Critical())
}

func TestFeed_UnknownID(t *testing.T) {
	f := NewFeed()

	_, err := f.Acknowledge("missing", "op")
	assert.ErrorIs(t, err, models.ErrUnknownAlarm)

	_, err = f.Resolve("missing")
	assert.ErrorIs(t, err, models.ErrUnknownAlarm)

	assert.ErrorIs(t, f.Clear("missing"), models.ErrUnknownAlarm)
}

func TestFeed_ClearConnectionAlarms(t *testing.T) {
	f := NewFeed()
	f.Add(models.Alarm{Source: models.SourceConnection, Severity: models.SeverityCritical, Message: "lost"})
	f.Add(models.Alarm{Source: models.SourceConnection, Severity: models.SeverityWarning, Message: "retry"})
	valve := f.Add(models.Alarm{Source: models.SourceValve, Severity: models.SeverityWarning, Message: "V3"})
	old := f.Add(models.Alarm{Source: models.SourceConnection, Severity: models.SeverityWarning, Message: "old"})
	_, err := f.Resolve(old.ID)
	require.NoError(t, err)

	removed := f.ClearConnectionAlarms()
	assert.Equal(t, 2, removed)

	list := f.List()
	require.Len(t, list, 2)
	assert.Equal(t, old.ID, list[0].ID, "resolved connection alarm is kept")
	assert.Equal(t, valve.ID, list[1].ID)
	assert.Equal(t, models.AlarmCounts{Active: 1, Critical: 0}, f.Counts())

	assert.Equal(t, 0, f.ClearConnectionAlarms())
}

func TestFeed_ClearAndClearAll(t *testing.T) {
	f := NewFeed()
	a := f.Add(models.Alarm{Severity: models.SeverityCritical, Message: "a"})
	f.Add(models.Alarm{Message: "b"})

	require.NoError(t, f.Clear(a.ID))
	_, ok := f.Get(a.ID)
	assert.False(t, ok)
	assert.Equal(t, models.AlarmCounts{Active: 1}, f.Counts())

	assert.Equal(t, 1, f.ClearAll())
	assert.Empty(t, f.List())
	assert.Equal(t, models.AlarmCounts{}, f.Counts())
}

func TestFeed_AddUnlessActive(t *testing.T) {
	f := NewFeed()
	a := models.Alarm{Source: models.SourceConnection, Severity: models.SeverityCritical, Message: "broker unreachable"}

	first, added := f.AddUnlessActive(a)
	assert.True(t, added)

	again, added := f.AddUnlessActive(a)
	assert.False(t, added)
	assert.Equal(t, first.ID, again.ID)
	assert.Len(t, f.List(), 1)

	// 不同级别不去重
	_, added = f.AddUnlessActive(models.Alarm{Source: models.SourceConnection, Severity: models.SeverityWarning})
	assert.True(t, added)

	// 原报警解除后可以再次新增
	_, err := f.Resolve(first.ID)
	require.NoError(t, err)
	_, added = f.AddUnlessActive(a)
	assert.True(t, added)
}

func TestFeed_BySource(t *testing.T) {
	f := NewFeed()
	f.Add(models.Alarm{Source: models.SourceValve, Message: "v"})
	f.Add(models.Alarm{Source: models.SourceTank, Message: "t"})
	f.Add(models.Alarm{Source: models.SourceValve, Message: "v2"})

	valves := f.BySource(models.SourceValve)
	require.Len(t, valves, 2)
	assert.Equal(t, "v2", valves[0].Message)
}

func TestFeed_ListReturnsCopy(t *testing.T) {
	f := NewFeed()
	f.Add(models.Alarm{Message: "original"})

	list := f.List()
	list[0].Message = "mutated"

	assert.Equal(t, "original", f.List()[0].Message)
}

func TestFeed_Listeners(t *testing.T) {
	l := &recordingListener{}
	f := NewFeed(WithListener(l))

	a := f.Add(models.Alarm{Severity: models.SeverityCritical, Message: "x"})
	_, err := f.Acknowledge(a.ID, "op")
	require.NoError(t, err)
	_, err = f.Resolve(a.ID)
	require.NoError(t, err)
	require.NoError(t, f.Clear(a.ID))

	events := l.snapshot()
	require.Len(t, events, 4)
	assert.Equal(t, EventAdded, events[0].Type)
	assert.Equal(t, models.AlarmCounts{Active: 1, Critical: 1}, events[0].Counts)
	assert.Equal(t, EventAcknowledged, events[1].Type)
	assert.Equal(t, EventResolved, events[2].Type)
	assert.Equal(t, models.AlarmCounts{}, events[2].Counts)
	assert.Equal(t, EventRemoved, events[3].Type)
	assert.Equal(t, a.ID, events[3].Alarms[0].ID)
}

func TestFeed_RestoreDoesNotNotify(t *testing.T) {
	l := &recordingListener{}
	f := NewFeed(WithListener(l), WithMaxEntries(2))

	f.Restore([]models.Alarm{
		{ID: "1", Severity: models.SeverityCritical},
		{ID: "2", Severity: models.SeverityWarning, Resolved: true},
		{ID: "3", Severity: models.SeverityWarning},
	})

	assert.Empty(t, l.snapshot())
	assert.Len(t, f.List(), 2)
	assert.Equal(t, models.AlarmCounts{Active: 1, Critical: 1}, f.Counts())
}

func TestFeed_ConcurrentAdd(t *testing.T) {
	f := NewFeed(WithMaxEntries(50))
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				f.Add(models.Alarm{Message: "concurrent"})
			}
		}()
	}
	wg.Wait()

	assert.Len(t, f.List(), 50)
	assert.Equal(t, 50, f.Counts().Active)
}
