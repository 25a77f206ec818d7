package httpapi

import (
	"net/http"
	"time"

	"github.com/rimoric/torcia-sub001/internal/device"
	"github.com/rimoric/torcia-sub001/internal/models"

	"go.uber.org/zap"
)

// DeviceReader 设备状态读取（device.Store 实现）
type DeviceReader interface {
	Snapshot() device.Snapshot
	Device(c models.Category, id string) (interface{}, models.DeviceMeta, bool)
	IsStale(meta models.DeviceMeta, threshold time.Duration) bool
}

// DeviceHandler 设备状态接口
type DeviceHandler struct {
	store      DeviceReader
	staleAfter time.Duration
	logger     *zap.Logger
}

// NewDeviceHandler staleAfter 为请求未指定 staleAfter 时的默认阈值
func NewDeviceHandler(store DeviceReader, staleAfter time.Duration, logger *zap.Logger) *DeviceHandler {
	if staleAfter <= 0 {
		staleAfter = device.DefaultStaleAfter
	}
	return &DeviceHandler{store: store, staleAfter: staleAfter, logger: logger}
}

// deviceView 单个设备及派生的过期标记
type deviceView struct {
	Category models.Category `json:"category"`
	ID       string          `json:"id"`
	State    interface{}     `json:"state"`
	Stale    bool            `json:"stale"`
}

func (h *DeviceHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	seg := pathSegments(r.URL.Path, "/api/v1/devices")
	switch len(seg) {
	case 0:
		writeJSON(w, http.StatusOK, Ok(h.store.Snapshot()))
	case 2:
		h.GetDevice(w, r, seg[0], seg[1])
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

// GetDevice 单个设备；从未收到过该设备时返回 404
func (h *DeviceHandler) GetDevice(w http.ResponseWriter, r *http.Request, category, id string) {
	c, ok := models.ParseCategory(category)
	if !ok {
		writeJSON(w, http.StatusNotFound, Fail("unknown device category: "+category))
		return
	}

	state, meta, found := h.store.Device(c, id)
	if !found {
		writeJSON(w, http.StatusNotFound, Fail("device not observed: "+category+"/"+id))
		return
	}

	threshold := parseDuration(r.URL.Query().Get("staleAfter"), h.staleAfter)
	writeJSON(w, http.StatusOK, Ok(deviceView{
		Category: c,
		ID:       meta.ID,
		State:    state,
		Stale:    h.store.IsStale(meta, threshold),
	}))
}
