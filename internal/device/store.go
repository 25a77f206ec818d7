// Package device 维护设备状态表：按类别/设备ID存放最新状态，所有写入走同一套合并逻辑
package device

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rimoric/torcia-sub001/internal/models"
	"github.com/rimoric/torcia-sub001/internal/topic"
)

// DefaultStaleAfter 默认过期阈值
const DefaultStaleAfter = 5 * time.Second

// Change 一次成功写入后的设备状态（State 为对应类别的 *State 值类型）
type Change struct {
	Category models.Category `json:"category"`
	ID       string          `json:"id"`
	State    interface{}     `json:"state"`
	At       time.Time       `json:"at"`
}

// Observer 接收变更；在写入方 goroutine 中同步调用，不能阻塞
type Observer func(Change)

// update 各类别部分更新需要实现的方法
type update[S any] interface {
	Validate() error
	Merge(S) S
}

// table 单个类别的设备表
type table[S any, U update[S]] struct {
	category models.Category
	rows     map[string]S
	meta     func(*S) *models.DeviceMeta
	clone    func(S) S
}

func newTable[S any, U update[S]](c models.Category, meta func(*S) *models.DeviceMeta, clone func(S) S) *table[S, U] {
	if clone == nil {
		clone = func(s S) S { return s }
	}
	return &table[S, U]{category: c, rows: make(map[string]S), meta: meta, clone: clone}
}

func (t *table[S, U]) apply(id string, u U, at time.Time) S {
	s := u.Merge(t.rows[id])
	m := t.meta(&s)
	m.ID = id
	m.LastUpdate = at
	t.rows[id] = s
	return s
}

func (t *table[S, U]) get(id string) (S, bool) {
	s, ok := t.rows[id]
	if !ok {
		return s, false
	}
	return t.clone(s), true
}

func (t *table[S, U]) all() map[string]S {
	out := make(map[string]S, len(t.rows))
	for id, s := range t.rows {
		out[id] = t.clone(s)
	}
	return out
}

// prepare 解码并校验，返回延迟执行的写入；解码失败时不产生任何写入
func (t *table[S, U]) prepare(raw json.RawMessage) (applyFunc, error) {
	var u U
	if err := json.Unmarshal(raw, &u); err != nil {
		return nil, err
	}
	if err := u.Validate(); err != nil {
		return nil, err
	}
	return func(id string, at time.Time) Change {
		s := t.apply(id, u, at)
		return Change{Category: t.category, ID: id, State: t.clone(s), At: at}
	}, nil
}

func (t *table[S, U]) lookup(id string) (interface{}, models.DeviceMeta, bool) {
	s, ok := t.get(id)
	if !ok {
		return nil, models.DeviceMeta{}, false
	}
	return s, *t.meta(&s), true
}

type applyFunc func(id string, at time.Time) Change

// reducer 类别无关的表操作，用于按主题分发
type reducer interface {
	prepare(raw json.RawMessage) (applyFunc, error)
	lookup(id string) (interface{}, models.DeviceMeta, bool)
}

// Snapshot 整个状态树的只读副本
type Snapshot struct {
	Valves           map[string]models.ValveState          `json:"valves"`
	Generators       map[string]models.GeneratorState      `json:"generators"`
	Tanks            map[string]models.TankState           `json:"tanks"`
	PressureSwitches map[string]models.PressureSwitchState `json:"pressureSwitches"`
	Flares           map[string]models.FlareState          `json:"flares"`
	Compressors      map[string]models.CompressorState     `json:"compressors"`
	NitrogenBottles  map[string]models.NitrogenBottleState `json:"nitrogenBottles"`
	Controller       *models.ControllerStatus              `json:"controller,omitempty"`
	Timestamp        time.Time                             `json:"timestamp"`
}

// Store 设备状态表
// 单个 RWMutex 保护全部类别：一次合并（含全量快照）对读者是原子的
type Store struct {
	mu sync.RWMutex

	valves      *table[models.ValveState, models.ValveUpdate]
	generators  *table[models.GeneratorState, models.GeneratorUpdate]
	tanks       *table[models.TankState, models.TankUpdate]
	switches    *table[models.PressureSwitchState, models.PressureSwitchUpdate]
	flares      *table[models.FlareState, models.FlareUpdate]
	compressors *table[models.CompressorState, models.CompressorUpdate]
	nitrogen    *table[models.NitrogenBottleState, models.NitrogenBottleUpdate]
	reducers    map[models.Category]reducer

	controller *models.ControllerStatus
	timestamp  time.Time

	now      func() time.Time
	observer Observer
}

// Option Store 可选项
type Option func(*Store)

func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

func WithObserver(o Observer) Option {
	return func(s *Store) { s.observer = o }
}

// NewStore 创建空的设备状态表
func NewStore(opts ...Option) *Store {
	s := &Store{
		valves: newTable[models.ValveState, models.ValveUpdate](models.CategoryValve,
			func(v *models.ValveState) *models.DeviceMeta { return &v.DeviceMeta }, cloneValve),
		generators: newTable[models.GeneratorState, models.GeneratorUpdate](models.CategoryGenerator,
			func(v *models.GeneratorState) *models.DeviceMeta { return &v.DeviceMeta }, cloneGenerator),
		tanks: newTable[models.TankState, models.TankUpdate](models.CategoryTank,
			func(v *models.TankState) *models.DeviceMeta { return &v.DeviceMeta }, nil),
		switches: newTable[models.PressureSwitchState, models.PressureSwitchUpdate](models.CategoryPressureSwitch,
			func(v *models.PressureSwitchState) *models.DeviceMeta { return &v.DeviceMeta }, clonePressureSwitch),
		flares: newTable[models.FlareState, models.FlareUpdate](models.CategoryFlare,
			func(v *models.FlareState) *models.DeviceMeta { return &v.DeviceMeta }, nil),
		compressors: newTable[models.CompressorState, models.CompressorUpdate](models.CategoryCompressor,
			func(v *models.CompressorState) *models.DeviceMeta { return &v.DeviceMeta }, nil),
		nitrogen: newTable[models.NitrogenBottleState, models.NitrogenBottleUpdate](models.CategoryNitrogen,
			func(v *models.NitrogenBottleState) *models.DeviceMeta { return &v.DeviceMeta }, nil),
		now: time.Now,
	}
	s.reducers = map[models.Category]reducer{
		models.CategoryValve:          s.valves,
		models.CategoryGenerator:      s.generators,
		models.CategoryTank:           s.tanks,
		models.CategoryPressureSwitch: s.switches,
		models.CategoryFlare:          s.flares,
		models.CategoryCompressor:     s.compressors,
		models.CategoryNitrogen:       s.nitrogen,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Ingest 按主题分发入站负载
//   - plc/<category>/<id>：对应类别合并；未知类别静默忽略
//   - plc/all/update：全量快照，逐类别合并
//   - plc/status：控制器在线状态
//
// 其他主题忽略。负载无法解码或校验失败时返回 *models.DecodeError，且不做任何修改
func (s *Store) Ingest(t string, payload json.RawMessage) error {
	switch t {
	case topic.Status:
		return s.ingestStatus(t, payload)
	case topic.BulkUpdate:
		return s.ingestBulk(t, payload)
	}

	cat, id, ok := topic.ParseDeviceState(t)
	if !ok {
		return nil
	}
	category, known := models.ParseCategory(cat)
	if !known {
		return nil
	}
	r := s.reducers[category]

	fn, err := r.prepare(payload)
	if err != nil {
		return &models.DecodeError{Topic: t, Category: category, Err: err}
	}

	s.mu.Lock()
	at := s.now()
	ch := fn(id, at)
	s.timestamp = at
	s.mu.Unlock()

	s.emit(ch)
	return nil
}

func (s *Store) ingestStatus(t string, payload json.RawMessage) error {
	var u models.ControllerStatusUpdate
	if err := json.Unmarshal(payload, &u); err != nil {
		return &models.DecodeError{Topic: t, Err: err}
	}
	s.UpdateControllerStatus(u)
	return nil
}

// ingestBulk 先整体解码校验，全部通过后在一次加锁内合并
func (s *Store) ingestBulk(t string, payload json.RawMessage) error {
	var tree map[string]json.RawMessage
	if err := json.Unmarshal(payload, &tree); err != nil {
		return &models.DecodeError{Topic: t, Err: err}
	}

	type pending struct {
		id string
		fn applyFunc
	}
	var writes []pending
	for _, c := range models.Categories {
		raw, ok := tree[c.BulkKey()]
		if !ok || isNull(raw) {
			continue
		}
		var devices map[string]json.RawMessage
		if err := json.Unmarshal(raw, &devices); err != nil {
			return &models.DecodeError{Topic: t, Category: c, Err: err}
		}
		for id, devRaw := range devices {
			fn, err := s.reducers[c].prepare(devRaw)
			if err != nil {
				return &models.DecodeError{Topic: t, Category: c, Err: fmt.Errorf("device %s: %w", id, err)}
			}
			writes = append(writes, pending{id: id, fn: fn})
		}
	}

	var status *models.ControllerStatusUpdate
	if raw, ok := tree["status"]; ok && !isNull(raw) {
		status = &models.ControllerStatusUpdate{}
		if err := json.Unmarshal(raw, status); err != nil {
			return &models.DecodeError{Topic: t, Err: err}
		}
	}

	s.mu.Lock()
	at := s.now()
	changes := make([]Change, 0, len(writes))
	for _, w := range writes {
		changes = append(changes, w.fn(w.id, at))
	}
	if status != nil {
		s.applyStatusLocked(*status, at)
	}
	s.timestamp = at
	s.mu.Unlock()

	for _, ch := range changes {
		s.emit(ch)
	}
	return nil
}

func isNull(raw json.RawMessage) bool {
	return len(raw) == 0 || string(raw) == "null"
}

func (s *Store) emit(ch Change) {
	if s.observer != nil {
		s.observer(ch)
	}
}

// ============================================
// 显式按类别写入（与 Ingest 使用同一套合并）
// ============================================

func updateTable[S any, U update[S]](s *Store, t *table[S, U], id string, u U) (S, error) {
	var zero S
	if id == "" {
		return zero, fmt.Errorf("%s: empty device id", t.category)
	}
	if err := u.Validate(); err != nil {
		return zero, fmt.Errorf("%s %s: %w", t.category, id, err)
	}
	s.mu.Lock()
	at := s.now()
	st := t.apply(id, u, at)
	s.timestamp = at
	out := t.clone(st)
	s.mu.Unlock()

	s.emit(Change{Category: t.category, ID: id, State: t.clone(st), At: at})
	return out, nil
}

func (s *Store) UpdateValve(id string, u models.ValveUpdate) (models.ValveState, error) {
	return updateTable(s, s.valves, id, u)
}

func (s *Store) UpdateGenerator(id string, u models.GeneratorUpdate) (models.GeneratorState, error) {
	return updateTable(s, s.generators, id, u)
}

func (s *Store) UpdateTank(id string, u models.TankUpdate) (models.TankState, error) {
	return updateTable(s, s.tanks, id, u)
}

func (s *Store) UpdatePressureSwitch(id string, u models.PressureSwitchUpdate) (models.PressureSwitchState, error) {
	return updateTable(s, s.switches, id, u)
}

func (s *Store) UpdateFlare(id string, u models.FlareUpdate) (models.FlareState, error) {
	return updateTable(s, s.flares, id, u)
}

func (s *Store) UpdateCompressor(id string, u models.CompressorUpdate) (models.CompressorState, error) {
	return updateTable(s, s.compressors, id, u)
}

func (s *Store) UpdateNitrogenBottle(id string, u models.NitrogenBottleUpdate) (models.NitrogenBottleState, error) {
	return updateTable(s, s.nitrogen, id, u)
}

// UpdateControllerStatus 合并控制器状态
func (s *Store) UpdateControllerStatus(u models.ControllerStatusUpdate) models.ControllerStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	at := s.now()
	s.applyStatusLocked(u, at)
	s.timestamp = at
	return *s.controller
}

func (s *Store) applyStatusLocked(u models.ControllerStatusUpdate, at time.Time) {
	var cur models.ControllerStatus
	if s.controller != nil {
		cur = *s.controller
	}
	next := u.Merge(cur)
	next.LastUpdate = at
	s.controller = &next
}

// ============================================
// 读取
// ============================================

func readTable[S any, U update[S]](s *Store, t *table[S, U], id string) (S, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return t.get(id)
}

func (s *Store) Valve(id string) (models.ValveState, bool) { return readTable(s, s.valves, id) }

func (s *Store) Generator(id string) (models.GeneratorState, bool) {
	return readTable(s, s.generators, id)
}

func (s *Store) Tank(id string) (models.TankState, bool) { return readTable(s, s.tanks, id) }

func (s *Store) PressureSwitch(id string) (models.PressureSwitchState, bool) {
	return readTable(s, s.switches, id)
}

func (s *Store) Flare(id string) (models.FlareState, bool) { return readTable(s, s.flares, id) }

func (s *Store) Compressor(id string) (models.CompressorState, bool) {
	return readTable(s, s.compressors, id)
}

func (s *Store) NitrogenBottle(id string) (models.NitrogenBottleState, bool) {
	return readTable(s, s.nitrogen, id)
}

// Device 按类别/ID 读取任意设备，返回状态值与公共元数据
func (s *Store) Device(c models.Category, id string) (interface{}, models.DeviceMeta, bool) {
	r, ok := s.reducers[c]
	if !ok {
		return nil, models.DeviceMeta{}, false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return r.lookup(id)
}

// ControllerStatus 控制器状态，从未收到时返回 false
func (s *Store) ControllerStatus() (models.ControllerStatus, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.controller == nil {
		return models.ControllerStatus{}, false
	}
	return *s.controller, true
}

// Timestamp 最近一次写入时间
func (s *Store) Timestamp() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.timestamp
}

// Snapshot 一致的全量副本
func (s *Store) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap := Snapshot{
		Valves:           s.valves.all(),
		Generators:       s.generators.all(),
		Tanks:            s.tanks.all(),
		PressureSwitches: s.switches.all(),
		Flares:           s.flares.all(),
		Compressors:      s.compressors.all(),
		NitrogenBottles:  s.nitrogen.all(),
		Timestamp:        s.timestamp,
	}
	if s.controller != nil {
		c := *s.controller
		snap.Controller = &c
	}
	return snap
}

// IsStale 设备是否过期；threshold <= 0 时使用 DefaultStaleAfter
func (s *Store) IsStale(meta models.DeviceMeta, threshold time.Duration) bool {
	if threshold <= 0 {
		threshold = DefaultStaleAfter
	}
	return meta.IsStale(s.now(), threshold)
}

func cloneValve(v models.ValveState) models.ValveState {
	if v.Position != nil {
		p := *v.Position
		v.Position = &p
	}
	return v
}

func cloneGenerator(g models.GeneratorState) models.GeneratorState {
	if g.Alarms != nil {
		g.Alarms = append(make([]string, 0, len(g.Alarms)), g.Alarms...)
	}
	return g
}

func clonePressureSwitch(p models.PressureSwitchState) models.PressureSwitchState {
	if p.Differential != nil {
		d := *p.Differential
		p.Differential = &d
	}
	if p.IsClean != nil {
		c := *p.IsClean
		p.IsClean = &c
	}
	return p
}
