// Package connection 管理与 MQTT broker 的唯一会话：状态机、订阅登记、入站消息队列与重连
package connection

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rimoric/torcia-sub001/common/mqtt"
	"github.com/rimoric/torcia-sub001/internal/metrics"
	"github.com/rimoric/torcia-sub001/internal/models"
	"github.com/rimoric/torcia-sub001/internal/topic"

	"go.uber.org/zap"
)

// DefaultQueueSize 入站队列默认容量
const DefaultQueueSize = 1024

var (
	errInvalidJSON    = errors.New("payload is not valid JSON")
	errManagerStopped = errors.New("connection manager stopped")
)

// Session 一次成功握手得到的 broker 会话（common/mqtt.Session 实现）
type Session interface {
	Subscribe(topic string, qos byte) error
	Unsubscribe(topics ...string) error
	Publish(topic string, qos byte, retained bool, payload []byte) error
	Close()
}

// Transport 建立 broker 会话；每次成功返回新的 Session
type Transport interface {
	Connect(ctx context.Context, onMessage mqtt.MessageHandler, onLost mqtt.ConnectionLostHandler) (Session, error)
}

type mqttTransport struct {
	client *mqtt.Client
}

// NewMQTTTransport 基于 common/mqtt.Client 的 Transport
func NewMQTTTransport(client *mqtt.Client) Transport {
	return mqttTransport{client: client}
}

func (t mqttTransport) Connect(ctx context.Context, onMessage mqtt.MessageHandler, onLost mqtt.ConnectionLostHandler) (Session, error) {
	s, err := t.client.Connect(ctx, onMessage, onLost)
	if err != nil {
		return nil, err
	}
	return s, nil
}

// Ingester 接收全部入站消息（device.Store 实现）
type Ingester interface {
	Ingest(topic string, payload json.RawMessage) error
}

// AlarmSink 连接相关报警（alarm.Feed 实现）
type AlarmSink interface {
	AddUnlessActive(a models.Alarm) (models.Alarm, bool)
	ClearConnectionAlarms() int
}

// Handler 订阅模式的附加处理函数，在入站循环中串行执行，不能阻塞
type Handler func(topic string, payload json.RawMessage)

// Options Manager 配置
type Options struct {
	// Endpoint 仅用于错误信息和日志
	Endpoint  string
	QoS       byte
	QueueSize int
	// AckTopics 每次连接后与默认主题一起订阅（命令回执等）
	AckTopics []string
	Metrics   *metrics.Metrics
	Clock     func() time.Time
}

type inboundMessage struct {
	topic   string
	payload []byte
}

// connectAttempt 一次握手；err 在 done 关闭前写入，之后只读
type connectAttempt struct {
	done chan struct{}
	err  error
}

func (a *connectAttempt) finish(err error) {
	a.err = err
	close(a.done)
}

type route struct {
	pattern string
	handler Handler
}

// Manager 连接管理器
// 状态机 Disconnected -> Connecting -> Connected，任意状态 -> Disconnected
type Manager struct {
	transport Transport
	store     Ingester
	alarms    AlarmSink
	opts      Options
	metrics   *metrics.Metrics
	logger    *zap.Logger
	now       func() time.Time

	mu            sync.Mutex
	state         models.ConnectionState
	attempts      int
	lastErr       error
	since         time.Time
	suspended     bool
	epoch         uint64
	inflight      *connectAttempt
	cancelConnect context.CancelFunc
	// session 仅在 Connected 时非 nil
	session Session

	// 调用方订阅：Disconnect 时清空，断线重连时重新订阅
	subs  map[string]Handler
	order []string
	// 固定路由：启动时注册，不随 Disconnect 清空
	routes []route

	inbound  chan inboundMessage
	stopped  chan struct{}
	stopOnce sync.Once
	changes  chan models.ConnectionStatus
}

// NewManager 创建连接管理器（初始状态 Disconnected）
func NewManager(transport Transport, store Ingester, alarms AlarmSink, opts Options, logger *zap.Logger) *Manager {
	if opts.QueueSize <= 0 {
		opts.QueueSize = DefaultQueueSize
	}
	now := opts.Clock
	if now == nil {
		now = time.Now
	}
	m := &Manager{
		transport: transport,
		store:     store,
		alarms:    alarms,
		opts:      opts,
		metrics:   opts.Metrics,
		logger:    logger,
		now:       now,
		state:     models.StateDisconnected,
		since:     now(),
		subs:      make(map[string]Handler),
		inbound:   make(chan inboundMessage, opts.QueueSize),
		stopped:   make(chan struct{}),
		changes:   make(chan models.ConnectionStatus, 1),
	}
	m.metrics.SetConnectionState(models.StateDisconnected)
	return m
}

// Route 注册固定路由：模式会在每次连接后订阅，匹配的消息交给 h
// 应在首次 Connect 之前调用
func (m *Manager) Route(pattern string, h Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.routes = append(m.routes, route{pattern: pattern, handler: h})
}

// Connect 外部发起连接：重置重连计数并恢复自动重连
// 已连接时直接返回；正在连接时等待那一次的结果，不会发起第二次握手
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	m.attempts = 0
	m.suspended = false
	m.mu.Unlock()
	return m.connect(ctx)
}

// reconnect 由 Supervisor 调用：计数加一后发起连接，不重置计数
func (m *Manager) reconnect(ctx context.Context) error {
	m.mu.Lock()
	if m.suspended || m.state != models.StateDisconnected {
		m.mu.Unlock()
		return nil
	}
	m.attempts++
	attempt := m.attempts
	m.mu.Unlock()

	m.logger.Info("Reconnecting to MQTT broker",
		zap.String("endpoint", m.opts.Endpoint),
		zap.Int("attempt", attempt),
	)
	return m.connect(ctx)
}

func (m *Manager) connect(ctx context.Context) error {
	m.mu.Lock()
	switch m.state {
	case models.StateConnected:
		m.mu.Unlock()
		return nil
	case models.StateConnecting:
		a := m.inflight
		m.mu.Unlock()
		select {
		case <-a.done:
			return a.err
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	m.epoch++
	epoch := m.epoch
	a := &connectAttempt{done: make(chan struct{})}
	m.inflight = a
	connectCtx, cancel := context.WithCancel(ctx)
	m.cancelConnect = cancel
	m.setStateLocked(models.StateConnecting, nil)
	m.mu.Unlock()
	defer cancel()

	m.logger.Info("Connecting to MQTT broker", zap.String("endpoint", m.opts.Endpoint))
	sess, err := m.transport.Connect(connectCtx, m.enqueue, m.connectionLost(epoch))
	m.metrics.ConnectAttempt(err)

	m.mu.Lock()
	if m.epoch != epoch || m.state != models.StateConnecting {
		// 期间发生了 Disconnect：丢弃结果，迟到的会话只属于本次尝试
		a.finish(models.ErrStaleConnect)
		m.mu.Unlock()
		if err == nil {
			sess.Close()
		}
		m.logger.Info("Discarded superseded connect result", zap.Error(err))
		return models.ErrStaleConnect
	}
	m.cancelConnect = nil

	if err != nil {
		cerr := &models.ConnectionError{Endpoint: m.opts.Endpoint, Err: err}
		m.setStateLocked(models.StateDisconnected, cerr)
		a.finish(cerr)
		m.mu.Unlock()

		m.logger.Error("Failed to connect to MQTT broker",
			zap.String("endpoint", m.opts.Endpoint),
			zap.Error(err),
		)
		m.raiseConnectionAlarm(fmt.Sprintf("Cannot connect to broker %s: %v", m.opts.Endpoint, err))
		return cerr
	}

	m.attempts = 0
	m.session = sess
	m.setStateLocked(models.StateConnected, nil)
	a.finish(nil)
	patterns := m.resubscribeLocked()
	m.mu.Unlock()

	cleared := m.alarms.ClearConnectionAlarms()
	m.logger.Info("Connected to MQTT broker",
		zap.String("endpoint", m.opts.Endpoint),
		zap.Int("cleared_alarms", cleared),
	)

	var failed []string
	var lastErr error
	for _, p := range patterns {
		if err := sess.Subscribe(p, m.opts.QoS); err != nil {
			failed = append(failed, p)
			lastErr = err
		}
	}
	if len(failed) > 0 {
		serr := &models.SubscriptionError{Topics: failed, Err: lastErr}
		m.logger.Error("Failed to resubscribe after connect", zap.Error(serr))
	}
	return nil
}

// resubscribeLocked 先是之前持有的订阅，然后是默认主题、回执主题与固定路由；去重
func (m *Manager) resubscribeLocked() []string {
	seen := make(map[string]bool)
	var out []string
	add := func(p string) {
		if p == "" || seen[p] {
			return
		}
		seen[p] = true
		out = append(out, p)
	}
	for _, p := range m.order {
		add(p)
	}
	for _, p := range topic.DefaultSubscriptions() {
		add(p)
	}
	for _, p := range m.opts.AckTopics {
		add(p)
	}
	for _, r := range m.routes {
		add(r.pattern)
	}
	return out
}

func (m *Manager) connectionLost(epoch uint64) mqtt.ConnectionLostHandler {
	return func(err error) {
		m.mu.Lock()
		if m.epoch != epoch || m.state != models.StateConnected {
			m.mu.Unlock()
			return
		}
		m.epoch++
		sess := m.session
		m.session = nil
		m.setStateLocked(models.StateDisconnected, err)
		m.mu.Unlock()

		if sess != nil {
			sess.Close()
		}
		m.logger.Warn("MQTT connection lost",
			zap.String("endpoint", m.opts.Endpoint),
			zap.Error(err),
		)
		m.raiseConnectionAlarm(fmt.Sprintf("Connection to broker %s lost: %v", m.opts.Endpoint, err))
	}
}

func (m *Manager) raiseConnectionAlarm(msg string) {
	if _, added := m.alarms.AddUnlessActive(models.Alarm{
		Severity: models.SeverityCritical,
		Source:   models.SourceConnection,
		Message:  msg,
	}); !added {
		m.logger.Debug("Connection alarm already active", zap.String("message", msg))
	}
}

// Disconnect 主动断开：可重复调用；清空订阅登记、取消进行中的连接并暂停自动重连
func (m *Manager) Disconnect() {
	m.mu.Lock()
	m.suspended = true
	if m.cancelConnect != nil {
		m.cancelConnect()
		m.cancelConnect = nil
	}
	m.subs = make(map[string]Handler)
	m.order = nil
	wasActive := m.state != models.StateDisconnected
	sess := m.session
	m.session = nil
	m.epoch++
	if wasActive {
		m.setStateLocked(models.StateDisconnected, nil)
	} else {
		m.publishStatusLocked()
	}
	m.mu.Unlock()

	if sess != nil {
		sess.Close()
	}
	if wasActive {
		m.logger.Info("Disconnected from MQTT broker", zap.String("endpoint", m.opts.Endpoint))
	}
}

// PublishOption 单次发布选项
type PublishOption func(*publishOptions)

type publishOptions struct {
	qos      byte
	retained bool
}

func WithQoS(qos byte) PublishOption {
	return func(o *publishOptions) { o.qos = qos }
}

func WithRetain() PublishOption {
	return func(o *publishOptions) { o.retained = true }
}

// Publish 发出即返回，不跟踪送达；未连接时记录 warning 并返回 *models.PublishError
func (m *Manager) Publish(t string, payload []byte, opts ...PublishOption) error {
	po := publishOptions{qos: m.opts.QoS}
	for _, opt := range opts {
		opt(&po)
	}

	m.mu.Lock()
	sess := m.session
	m.mu.Unlock()

	if sess == nil {
		m.metrics.PublishFailed()
		m.logger.Warn("Publish dropped, not connected", zap.String("topic", t))
		return &models.PublishError{Topic: t, Err: models.ErrNotConnected}
	}

	if err := sess.Publish(t, po.qos, po.retained, payload); err != nil {
		m.metrics.PublishFailed()
		m.logger.Warn("Failed to publish message", zap.String("topic", t), zap.Error(err))
		return &models.PublishError{Topic: t, Err: err}
	}

	m.logger.Debug("Published message",
		zap.String("topic", t),
		zap.Int("payload_size", len(payload)),
	)
	return nil
}

// Subscribe 仅在已连接时生效；已持有的模式不会重复订阅，h 非 nil 时替换处理函数
// 订阅过程中会话被断开时，剩余模式不再登记并返回 models.ErrNotConnected
func (m *Manager) Subscribe(patterns []string, h Handler) error {
	m.mu.Lock()
	sess, epoch := m.session, m.epoch
	m.mu.Unlock()
	if sess == nil {
		m.logger.Warn("Subscribe dropped, not connected", zap.Strings("patterns", patterns))
		return models.ErrNotConnected
	}

	var failed []string
	var lastErr error
	for _, p := range patterns {
		m.mu.Lock()
		if m.epoch != epoch {
			m.mu.Unlock()
			m.logger.Warn("Subscribe interrupted by disconnect", zap.String("pattern", p))
			return models.ErrNotConnected
		}
		_, held := m.subs[p]
		if held {
			if h != nil {
				m.subs[p] = h
			}
			m.mu.Unlock()
			continue
		}
		m.mu.Unlock()

		if err := sess.Subscribe(p, m.opts.QoS); err != nil {
			failed = append(failed, p)
			lastErr = err
			continue
		}

		m.mu.Lock()
		if m.epoch != epoch {
			// 会话已结束：不登记，Disconnect 清空的订阅表保持为空
			m.mu.Unlock()
			m.logger.Warn("Subscribe interrupted by disconnect", zap.String("pattern", p))
			return models.ErrNotConnected
		}
		if _, held := m.subs[p]; !held {
			m.order = append(m.order, p)
		}
		m.subs[p] = h
		m.mu.Unlock()
		m.logger.Debug("Subscribed", zap.String("pattern", p))
	}

	if len(failed) > 0 {
		serr := &models.SubscriptionError{Topics: failed, Err: lastErr}
		m.logger.Error("Subscribe rejected", zap.Error(serr))
		return serr
	}
	return nil
}

// Unsubscribe 仅在已连接时生效
func (m *Manager) Unsubscribe(patterns ...string) error {
	m.mu.Lock()
	sess := m.session
	m.mu.Unlock()
	if sess == nil {
		m.logger.Warn("Unsubscribe dropped, not connected", zap.Strings("patterns", patterns))
		return models.ErrNotConnected
	}

	if err := sess.Unsubscribe(patterns...); err != nil {
		serr := &models.SubscriptionError{Topics: patterns, Err: err}
		m.logger.Error("Unsubscribe rejected", zap.Error(serr))
		return serr
	}

	m.mu.Lock()
	drop := make(map[string]bool, len(patterns))
	for _, p := range patterns {
		drop[p] = true
		delete(m.subs, p)
	}
	kept := m.order[:0:0]
	for _, p := range m.order {
		if !drop[p] {
			kept = append(kept, p)
		}
	}
	m.order = kept
	m.mu.Unlock()
	return nil
}

// Subscriptions 当前持有的订阅模式（按订阅顺序）
func (m *Manager) Subscriptions() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.order...)
}

// Status 连接状态快照
func (m *Manager) Status() models.ConnectionStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.statusLocked()
}

// StateChanges 状态变化通知；容量为 1，只保留最新值
func (m *Manager) StateChanges() <-chan models.ConnectionStatus {
	return m.changes
}

func (m *Manager) statusLocked() models.ConnectionStatus {
	st := models.ConnectionStatus{
		State:             m.state,
		ReconnectAttempts: m.attempts,
		Since:             m.since,
		Suspended:         m.suspended,
	}
	if m.lastErr != nil {
		st.LastError = m.lastErr.Error()
	}
	return st
}

func (m *Manager) setStateLocked(s models.ConnectionState, err error) {
	if m.state != s {
		m.since = m.now()
	}
	m.state = s
	if err != nil || s == models.StateConnected {
		m.lastErr = err
	}
	m.metrics.SetConnectionState(s)
	m.publishStatusLocked()
}

func (m *Manager) publishStatusLocked() {
	st := m.statusLocked()
	select {
	case <-m.changes:
	default:
	}
	select {
	case m.changes <- st:
	default:
	}
}

// ============================================
// 入站消息
// ============================================

// enqueue 在传输层回调线程上执行；队列满时阻塞直到有空位或管理器停止
func (m *Manager) enqueue(t string, payload []byte) error {
	select {
	case <-m.stopped:
		return errManagerStopped
	default:
	}
	select {
	case m.inbound <- inboundMessage{topic: t, payload: payload}:
		return nil
	case <-m.stopped:
		return errManagerStopped
	}
}

// Run 单 goroutine 串行处理入站消息，直到 ctx 取消
func (m *Manager) Run(ctx context.Context) error {
	defer m.stopOnce.Do(func() { close(m.stopped) })

	m.logger.Info("Inbound message loop started", zap.Int("queue_size", cap(m.inbound)))
	for {
		select {
		case <-ctx.Done():
			m.logger.Info("Inbound message loop stopped", zap.Int("pending", len(m.inbound)))
			return nil
		case msg := <-m.inbound:
			m.handle(msg)
		}
	}
}

func (m *Manager) handle(msg inboundMessage) {
	m.metrics.MessageReceived(categoryLabel(msg.topic))

	if !json.Valid(msg.payload) {
		m.metrics.DecodeError()
		m.logger.Warn("Dropped undecodable message",
			zap.Error(&models.DecodeError{Topic: msg.topic, Err: errInvalidJSON}),
			zap.Int("payload_size", len(msg.payload)),
		)
		return
	}
	payload := json.RawMessage(msg.payload)

	if err := m.store.Ingest(msg.topic, payload); err != nil {
		m.metrics.DecodeError()
		m.logger.Warn("Dropped device update", zap.Error(err))
	}

	for _, h := range m.handlersFor(msg.topic) {
		h(msg.topic, payload)
	}
}

func (m *Manager) handlersFor(t string) []Handler {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Handler
	for _, p := range m.order {
		if h := m.subs[p]; h != nil && topic.Matches(p, t) {
			out = append(out, h)
		}
	}
	for _, r := range m.routes {
		if r.handler != nil && topic.Matches(r.pattern, t) {
			out = append(out, r.handler)
		}
	}
	return out
}

// categoryLabel 指标标签：设备类别或固定主题名，其余归为 other
func categoryLabel(t string) string {
	switch t {
	case topic.Status:
		return "status"
	case topic.Alarms:
		return "alarms"
	case topic.BulkUpdate:
		return topic.BulkCategory
	}
	if cat, _, ok := topic.ParseDeviceState(t); ok {
		if c, known := models.ParseCategory(cat); known {
			return string(c)
		}
	}
	return "other"
}
