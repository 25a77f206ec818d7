package metrics

import (
	"github.com/rimoric/torcia-sub001/internal/models"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics 同步服务的 Prometheus 指标
// nil *Metrics 的所有方法都是空操作，组件可以不配置指标
type Metrics struct {
	messagesReceived *prometheus.CounterVec
	decodeErrors     prometheus.Counter
	publishFailures  prometheus.Counter
	connectAttempts  *prometheus.CounterVec
	connectionState  prometheus.Gauge
	alarmsActive     prometheus.Gauge
	alarmsCritical   prometheus.Gauge
	streamDropped    prometheus.Counter
}

// New 创建并注册指标
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		messagesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "torcia_messages_received_total",
			Help: "Inbound broker messages by topic category.",
		}, []string{"category"}),
		decodeErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "torcia_decode_errors_total",
			Help: "Inbound payloads dropped because they could not be decoded.",
		}),
		publishFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "torcia_publish_failures_total",
			Help: "Outbound publishes that were not delivered to the broker.",
		}),
		connectAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "torcia_connect_attempts_total",
			Help: "Broker connect attempts by result.",
		}, []string{"result"}),
		connectionState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "torcia_connection_state",
			Help: "0 disconnected, 1 connecting, 2 connected.",
		}),
		alarmsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "torcia_alarms_active",
			Help: "Unresolved alarms in the feed.",
		}),
		alarmsCritical: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "torcia_alarms_critical",
			Help: "Unresolved critical alarms in the feed.",
		}),
		streamDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "torcia_stream_dropped_total",
			Help: "Device changes not forwarded to the Redis stream because the buffer was full.",
		}),
	}

	reg.MustRegister(
		m.messagesReceived,
		m.decodeErrors,
		m.publishFailures,
		m.connectAttempts,
		m.connectionState,
		m.alarmsActive,
		m.alarmsCritical,
		m.streamDropped,
	)
	return m
}

func (m *Metrics) MessageReceived(category string) {
	if m == nil {
		return
	}
	if category == "" {
		category = "other"
	}
	m.messagesReceived.WithLabelValues(category).Inc()
}

func (m *Metrics) DecodeError() {
	if m == nil {
		return
	}
	m.decodeErrors.Inc()
}

func (m *Metrics) PublishFailed() {
	if m == nil {
		return
	}
	m.publishFailures.Inc()
}

func (m *Metrics) ConnectAttempt(err error) {
	if m == nil {
		return
	}
	result := "success"
	if err != nil {
		result = "failure"
	}
	m.connectAttempts.WithLabelValues(result).Inc()
}

func (m *Metrics) SetConnectionState(s models.ConnectionState) {
	if m == nil {
		return
	}
	m.connectionState.Set(float64(s))
}

func (m *Metrics) SetAlarmCounts(c models.AlarmCounts) {
	if m == nil {
		return
	}
	m.alarmsActive.Set(float64(c.Active))
	m.alarmsCritical.Set(float64(c.Critical))
}

func (m *Metrics) StreamDropped() {
	if m == nil {
		return
	}
	m.streamDropped.Inc()
}
