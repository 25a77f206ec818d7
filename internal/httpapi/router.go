package httpapi

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Router 使用标准库 http.ServeMux
type Router struct {
	mux    *http.ServeMux
	logger *zap.Logger
}

func NewRouter(logger *zap.Logger) *Router {
	return &Router{
		mux:    http.NewServeMux(),
		logger: logger,
	}
}

func (r *Router) Handle(pattern string, h http.HandlerFunc) {
	r.mux.HandleFunc(pattern, h)
}

// HandleHandler 支持 http.Handler 接口（用于 /metrics）
func (r *Router) HandleHandler(pattern string, h http.Handler) {
	r.mux.Handle(pattern, h)
}

func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mux.ServeHTTP(w, req)
}

// RegisterDeviceRoutes 设备状态只读接口
func (r *Router) RegisterDeviceRoutes(h *DeviceHandler) {
	r.Handle("/api/v1/devices", h.ServeHTTP)
	r.Handle("/api/v1/devices/", h.ServeHTTP)
}

// RegisterAlarmRoutes 报警列表与历史
func (r *Router) RegisterAlarmRoutes(h *AlarmHandler) {
	r.Handle("/api/v1/alarms", h.ServeHTTP)
	r.Handle("/api/v1/alarms/", h.ServeHTTP)
}

// RegisterCommandRoutes 命令下发
func (r *Router) RegisterCommandRoutes(h *CommandHandler) {
	r.Handle("/api/v1/commands", func(w http.ResponseWriter, req *http.Request) {
		if req.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		h.Execute(w, req)
	})
}

// RegisterConnectionRoutes 连接状态与手动连接/断开
func (r *Router) RegisterConnectionRoutes(h *ConnectionHandler) {
	r.Handle("/api/v1/connection", h.ServeHTTP)
	r.Handle("/api/v1/connection/", h.ServeHTTP)
}

// RegisterOpsRoutes /healthz 与 /metrics
func (r *Router) RegisterOpsRoutes(gatherer prometheus.Gatherer, health func() bool) {
	r.Handle("/healthz", func(w http.ResponseWriter, req *http.Request) {
		if health != nil && !health() {
			writeJSON(w, http.StatusServiceUnavailable, Fail("broker disconnected"))
			return
		}
		writeJSON(w, http.StatusOK, Ok("healthy"))
	})
	if gatherer != nil {
		r.HandleHandler("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}
}
