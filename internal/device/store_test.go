package device

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/rimoric/torcia-sub001/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stepClock 每次调用前进 1 秒
type stepClock struct {
	mu sync.Mutex
	t  time.Time
}

func newStepClock() *stepClock {
	return &stepClock{t: time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)}
}

func (c *stepClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(time.Second)
	return c.t
}

func raw(s string) json.RawMessage { return json.RawMessage(s) }

func TestStore_IngestCreatesDevice(t *testing.T) {
	clock := newStepClock()
	s := NewStore(WithClock(clock.now))

	require.NoError(t, s.Ingest("plc/valve/V1", raw(`{"isOpen":true}`)))

	v, ok := s.Valve("V1")
	require.True(t, ok)
	assert.Equal(t, "V1", v.ID)
	assert.True(t, v.IsOpen)
	assert.Nil(t, v.Position)
	assert.Equal(t, time.Date(2024, 5, 1, 8, 0, 1, 0, time.UTC), v.LastUpdate)
	assert.Equal(t, v.LastUpdate, s.Timestamp())

	_, ok = s.Valve("V2")
	assert.False(t, ok, "never observed")
}

func TestStore_PartialMerge(t *testing.T) {
	s := NewStore()
	require.NoError(t, s.Ingest("plc/valve/V1", raw(`{"isOpen":true,"position":50}`)))
	require.NoError(t, s.Ingest("plc/valve/V1", raw(`{"isOpen":false}`)))

	v, ok := s.Valve("V1")
	require.True(t, ok)
	assert.False(t, v.IsOpen)
	require.NotNil(t, v.Position)
	assert.Equal(t, 50.0, *v.Position)
}

func TestStore_MergeIdempotent(t *testing.T) {
	clock := newStepClock()
	s := NewStore(WithClock(clock.now))
	payload := raw(`{"isRunning":true,"pressure":7.5,"alarms":["low oil"],"state":"running"}`)

	require.NoError(t, s.Ingest("plc/generator/G1", payload))
	first, _ := s.Generator("G1")
	require.NoError(t, s.Ingest("plc/generator/G1", payload))
	second, _ := s.Generator("G1")

	assert.True(t, second.LastUpdate.After(first.LastUpdate))
	first.LastUpdate = second.LastUpdate
	assert.Equal(t, first, second)
}

func TestStore_AllCategories(t *testing.T) {
	s := NewStore()
	cases := map[string]string{
		"plc/valve/V1":      `{"isOpen":true}`,
		"plc/generator/G1":  `{"state":"standby"}`,
		"plc/tank/T1":       `{"level":42,"product":"GPL"}`,
		"plc/pressure/PS1":  `{"pressure":3.2,"isActive":true,"differential":0.4,"isClean":false}`,
		"plc/flare/F1":      `{"isLit":true,"pilotActive":true}`,
		"plc/compressor/C1": `{"state":"running","pressure":9}`,
		"plc/nitrogen/N1":   `{"pressure":180,"enabled":true}`,
	}
	for tp, p := range cases {
		require.NoError(t, s.Ingest(tp, raw(p)), tp)
	}

	tank, ok := s.Tank("T1")
	require.True(t, ok)
	assert.Equal(t, 42.0, tank.Level)
	assert.Equal(t, models.ProductGPL, tank.Product)

	ps, ok := s.PressureSwitch("PS1")
	require.True(t, ok)
	require.NotNil(t, ps.IsClean)
	assert.False(t, *ps.IsClean)

	f, ok := s.Flare("F1")
	require.True(t, ok)
	assert.True(t, f.IsLit)

	c, ok := s.Compressor("C1")
	require.True(t, ok)
	assert.Equal(t, models.RunStateRunning, c.State)

	n, ok := s.NitrogenBottle("N1")
	require.True(t, ok)
	assert.True(t, n.Enabled)

	g, ok := s.Generator("G1")
	require.True(t, ok)
	assert.Equal(t, models.RunStateStandby, g.State)

	snap := s.Snapshot()
	assert.Len(t, snap.Valves, 1)
	assert.Len(t, snap.Generators, 1)
	assert.Len(t, snap.Tanks, 1)
	assert.Len(t, snap.PressureSwitches, 1)
	assert.Len(t, snap.Flares, 1)
	assert.Len(t, snap.Compressors, 1)
	assert.Len(t, snap.NitrogenBottles, 1)
}

func TestStore_UnknownTopicsIgnored(t *testing.T) {
	var changes []Change
	s := NewStore(WithObserver(func(c Change) { changes = append(changes, c) }))

	for _, tp := range []string{
		"plc/heater/H1",
		"plc/command/valve/V1",
		"plc/request/fullUpdate",
		"plc/client/status",
		"plc/alarms",
		"other/valve/V1",
	} {
		assert.NoError(t, s.Ingest(tp, raw(`{"isOpen":true}`)), tp)
	}

	assert.Empty(t, changes)
	assert.True(t, s.Timestamp().IsZero())
}

func TestStore_DecodeRejected(t *testing.T) {
	s := NewStore()
	require.NoError(t, s.Ingest("plc/generator/G1", raw(`{"state":"running","pressure":5}`)))

	tests := []struct {
		name    string
		topic   string
		payload string
	}{
		{"wrong type", "plc/generator/G1", `{"pressure":"high"}`},
		{"unknown state", "plc/generator/G1", `{"state":"exploded"}`},
		{"not an object", "plc/generator/G1", `[1,2]`},
		{"level out of range", "plc/tank/T1", `{"level":140}`},
		{"unknown product", "plc/tank/T1", `{"product":"H2"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := s.Ingest(tt.topic, raw(tt.payload))
			var decodeErr *models.DecodeError
			require.ErrorAs(t, err, &decodeErr)
			assert.Equal(t, tt.topic, decodeErr.Topic)
		})
	}

	g, _ := s.Generator("G1")
	assert.Equal(t, models.RunStateRunning, g.State)
	assert.Equal(t, 5.0, g.Pressure)
	_, ok := s.Tank("T1")
	assert.False(t, ok)
}

func TestStore_BadPayloadDoesNotTouchOtherCategories(t *testing.T) {
	s := NewStore()
	require.NoError(t, s.Ingest("plc/generator/G1", raw(`{"state":"running"}`)))

	// 类别 valve 的字段发到 generator 上：generator 里没有 isOpen，解码后被忽略
	require.NoError(t, s.Ingest("plc/generator/G1", raw(`{"isOpen":true}`)))
	err := s.Ingest("plc/valve/V1", raw(`{"isOpen":"yes"}`))
	require.Error(t, err)

	g, _ := s.Generator("G1")
	assert.Equal(t, models.RunStateRunning, g.State)
	_, ok := s.Valve("V1")
	assert.False(t, ok)
}

func TestStore_Bulk(t *testing.T) {
	clock := newStepClock()
	s := NewStore(WithClock(clock.now))
	require.NoError(t, s.Ingest("plc/valve/V1", raw(`{"isOpen":true,"position":30}`)))

	payload := `{
		"valves": {"V1": {"isOpen": false}, "V2": {"isOpen": true}},
		"tanks": {"T1": {"level": 80, "product": "N2"}},
		"nitrogenBottles": {"N1": {"pressure": 150}},
		"status": {"status": "online", "timestamp": 1714550400000},
		"unknownCategory": {"X": {}}
	}`
	require.NoError(t, s.Ingest("plc/all/update", raw(payload)))

	v1, _ := s.Valve("V1")
	assert.False(t, v1.IsOpen)
	require.NotNil(t, v1.Position)
	assert.Equal(t, 30.0, *v1.Position, "bulk merges, untouched fields survive")

	v2, ok := s.Valve("V2")
	require.True(t, ok)
	assert.True(t, v2.IsOpen)
	assert.Equal(t, v2.LastUpdate, s.Timestamp())

	tank, ok := s.Tank("T1")
	require.True(t, ok)
	assert.Equal(t, models.ProductN2, tank.Product)

	_, ok = s.NitrogenBottle("N1")
	assert.True(t, ok)

	cs, ok := s.ControllerStatus()
	require.True(t, ok)
	assert.Equal(t, "online", cs.Status)
	assert.Equal(t, int64(1714550400000), cs.Timestamp)
}

func TestStore_BulkRejectedAtomically(t *testing.T) {
	s := NewStore()
	payload := `{"valves": {"V1": {"isOpen": true}}, "tanks": {"T1": {"level": 500}}}`

	err := s.Ingest("plc/all/update", raw(payload))
	var decodeErr *models.DecodeError
	require.ErrorAs(t, err, &decodeErr)
	assert.Equal(t, models.CategoryTank, decodeErr.Category)

	_, ok := s.Valve("V1")
	assert.False(t, ok, "no partial application")
}

func TestStore_ControllerStatus(t *testing.T) {
	s := NewStore()
	_, ok := s.ControllerStatus()
	assert.False(t, ok)

	require.NoError(t, s.Ingest("plc/status", raw(`{"status":"online","timestamp":1}`)))
	require.NoError(t, s.Ingest("plc/status", raw(`{"status":"offline"}`)))

	cs, ok := s.ControllerStatus()
	require.True(t, ok)
	assert.Equal(t, "offline", cs.Status)
	assert.Equal(t, int64(1), cs.Timestamp)

	assert.Error(t, s.Ingest("plc/status", raw(`"online"`)))
}

func TestStore_UpdateMethodsUseSameMerge(t *testing.T) {
	var changes []Change
	s := NewStore(WithObserver(func(c Change) { changes = append(changes, c) }))
	pos := 20.0
	open := true

	_, err := s.UpdateValve("V1", models.ValveUpdate{IsOpen: &open, Position: &pos})
	require.NoError(t, err)
	closed := false
	v, err := s.UpdateValve("V1", models.ValveUpdate{IsOpen: &closed})
	require.NoError(t, err)
	assert.False(t, v.IsOpen)
	assert.Equal(t, 20.0, *v.Position)

	bad := 120.0
	_, err = s.UpdateValve("V1", models.ValveUpdate{Position: &bad})
	assert.Error(t, err)
	_, err = s.UpdateValve("", models.ValveUpdate{IsOpen: &open})
	assert.Error(t, err)

	require.Len(t, changes, 2)
	assert.Equal(t, models.CategoryValve, changes[1].Category)
	assert.Equal(t, "V1", changes[1].ID)
	state, ok := changes[1].State.(models.ValveState)
	require.True(t, ok)
	assert.False(t, state.IsOpen)
}

func TestStore_ReadsAreCopies(t *testing.T) {
	s := NewStore()
	require.NoError(t, s.Ingest("plc/generator/G1", raw(`{"alarms":["a","b"]}`)))
	require.NoError(t, s.Ingest("plc/valve/V1", raw(`{"position":10}`)))

	g, _ := s.Generator("G1")
	g.Alarms[0] = "mutated"
	v, _ := s.Valve("V1")
	*v.Position = 99

	g2, _ := s.Generator("G1")
	assert.Equal(t, []string{"a", "b"}, g2.Alarms)
	v2, _ := s.Valve("V1")
	assert.Equal(t, 10.0, *v2.Position)
}

func TestStore_Device(t *testing.T) {
	s := NewStore()
	require.NoError(t, s.Ingest("plc/flare/F1", raw(`{"isLit":true}`)))

	state, meta, ok := s.Device(models.CategoryFlare, "F1")
	require.True(t, ok)
	assert.Equal(t, "F1", meta.ID)
	flare, ok := state.(models.FlareState)
	require.True(t, ok)
	assert.True(t, flare.IsLit)

	_, _, ok = s.Device(models.CategoryFlare, "F9")
	assert.False(t, ok)
	_, _, ok = s.Device(models.Category("heater"), "H1")
	assert.False(t, ok)
}

func TestStore_IsStale(t *testing.T) {
	t0 := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)
	now := t0
	s := NewStore(WithClock(func() time.Time { return now }))
	require.NoError(t, s.Ingest("plc/valve/V1", raw(`{"isOpen":true}`)))

	v, _ := s.Valve("V1")
	now = t0.Add(4 * time.Second)
	assert.False(t, s.IsStale(v.DeviceMeta, 0))

	now = t0.Add(6 * time.Second)
	assert.True(t, s.IsStale(v.DeviceMeta, 0))
	assert.False(t, s.IsStale(v.DeviceMeta, 10*time.Second))

	// 过期是派生属性，设备仍在表中
	_, ok := s.Valve("V1")
	assert.True(t, ok)
}

func TestStore_ConcurrentReadersSeeConsistentState(t *testing.T) {
	s := NewStore()
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			_ = s.Ingest("plc/all/update", raw(`{"valves":{"V1":{"isOpen":true},"V2":{"isOpen":true}}}`))
			_ = s.Ingest("plc/all/update", raw(`{"valves":{"V1":{"isOpen":false},"V2":{"isOpen":false}}}`))
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			snap := s.Snapshot()
			if len(snap.Valves) == 2 {
				assert.Equal(t, snap.Valves["V1"].IsOpen, snap.Valves["V2"].IsOpen)
			}
		}
	}()
	wg.Wait()
}
