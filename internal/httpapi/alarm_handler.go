package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/rimoric/torcia-sub001/internal/models"
	"github.com/rimoric/torcia-sub001/internal/repository"

	"go.uber.org/zap"
)

// AlarmFeed 报警列表操作（alarm.Feed 实现）
type AlarmFeed interface {
	List() []models.Alarm
	BySource(src models.Source) []models.Alarm
	Active() []models.Alarm
	Critical() []models.Alarm
	Counts() models.AlarmCounts
	Acknowledge(id, by string) (models.Alarm, error)
	Resolve(id string) (models.Alarm, error)
	Clear(id string) error
	ClearAll() int
}

// AlarmHistory 报警历史查询（repository.AlarmHistoryRepository 实现）
type AlarmHistory interface {
	ListAlarmHistory(ctx context.Context, filters repository.AlarmHistoryFilters) ([]repository.AlarmHistoryEntry, error)
}

// AlarmHandler 报警接口
type AlarmHandler struct {
	feed    AlarmFeed
	history AlarmHistory
	logger  *zap.Logger
}

// NewAlarmHandler history 为 nil 时历史接口返回 404
func NewAlarmHandler(feed AlarmFeed, history AlarmHistory, logger *zap.Logger) *AlarmHandler {
	return &AlarmHandler{feed: feed, history: history, logger: logger}
}

type alarmListResult struct {
	Alarms []models.Alarm     `json:"alarms"`
	Counts models.AlarmCounts `json:"counts"`
}

type acknowledgeRequest struct {
	By string `json:"by"`
}

// ServeHTTP 路由分发
func (h *AlarmHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	seg := pathSegments(r.URL.Path, "/api/v1/alarms")
	switch {
	case len(seg) == 0 && r.Method == http.MethodGet:
		h.ListAlarms(w, r)
	case len(seg) == 0 && r.Method == http.MethodDelete:
		h.ClearAll(w, r)
	case len(seg) == 1 && seg[0] == "history" && r.Method == http.MethodGet:
		h.ListHistory(w, r)
	case len(seg) == 1 && r.Method == http.MethodDelete:
		h.ClearAlarm(w, r, seg[0])
	case len(seg) == 2 && seg[1] == "acknowledge" && r.Method == http.MethodPost:
		h.AcknowledgeAlarm(w, r, seg[0])
	case len(seg) == 2 && seg[1] == "resolve" && r.Method == http.MethodPost:
		h.ResolveAlarm(w, r, seg[0])
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

// ListAlarms 过滤参数：source、active=true、critical=true；未知 source 返回 400
func (h *AlarmHandler) ListAlarms(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var want models.Source
	if src := strings.TrimSpace(q.Get("source")); src != "" {
		var ok bool
		if want, ok = models.LookupSource(src); !ok {
			writeJSON(w, http.StatusBadRequest, Fail("unknown alarm source: "+src))
			return
		}
	}

	var alarms []models.Alarm
	switch {
	case parseBool(q.Get("critical")):
		alarms = h.feed.Critical()
	case parseBool(q.Get("active")):
		alarms = h.feed.Active()
	default:
		alarms = h.feed.List()
	}

	if want != "" {
		filtered := alarms[:0:0]
		for _, a := range alarms {
			if a.Source == want {
				filtered = append(filtered, a)
			}
		}
		alarms = filtered
	}

	writeJSON(w, http.StatusOK, Ok(alarmListResult{Alarms: alarms, Counts: h.feed.Counts()}))
}

// AcknowledgeAlarm body: {"by": "operator"}
func (h *AlarmHandler) AcknowledgeAlarm(w http.ResponseWriter, r *http.Request, id string) {
	var req acknowledgeRequest
	if err := readBodyJSON(r, maxBodyBytes, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, Fail("invalid body: "+err.Error()))
		return
	}

	a, err := h.feed.Acknowledge(id, strings.TrimSpace(req.By))
	if err != nil {
		h.writeAlarmError(w, err)
		return
	}
	h.logger.Info("Alarm acknowledged", zap.String("alarm_id", id), zap.String("by", req.By))
	writeJSON(w, http.StatusOK, Ok(a))
}

func (h *AlarmHandler) ResolveAlarm(w http.ResponseWriter, r *http.Request, id string) {
	a, err := h.feed.Resolve(id)
	if err != nil {
		h.writeAlarmError(w, err)
		return
	}
	h.logger.Info("Alarm resolved", zap.String("alarm_id", id))
	writeJSON(w, http.StatusOK, Ok(a))
}

func (h *AlarmHandler) ClearAlarm(w http.ResponseWriter, r *http.Request, id string) {
	if err := h.feed.Clear(id); err != nil {
		h.writeAlarmError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, Ok(h.feed.Counts()))
}

func (h *AlarmHandler) ClearAll(w http.ResponseWriter, r *http.Request) {
	n := h.feed.ClearAll()
	h.logger.Info("Alarm feed cleared", zap.Int("removed", n))
	writeJSON(w, http.StatusOK, Ok(map[string]int{"removed": n}))
}

// ListHistory 参数：alarmId、source、eventType、since（RFC3339）、limit
func (h *AlarmHandler) ListHistory(w http.ResponseWriter, r *http.Request) {
	if h.history == nil {
		writeJSON(w, http.StatusNotFound, Fail("alarm history is not enabled"))
		return
	}

	q := r.URL.Query()
	filters := repository.AlarmHistoryFilters{Limit: parseInt(q.Get("limit"), 100)}
	if v := strings.TrimSpace(q.Get("alarmId")); v != "" {
		filters.AlarmID = &v
	}
	if v := strings.TrimSpace(q.Get("source")); v != "" {
		src, ok := models.LookupSource(v)
		if !ok {
			writeJSON(w, http.StatusBadRequest, Fail("unknown alarm source: "+v))
			return
		}
		filters.Source = &src
	}
	if v := strings.TrimSpace(q.Get("eventType")); v != "" {
		filters.EventType = &v
	}
	if v := strings.TrimSpace(q.Get("since")); v != "" {
		since, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, Fail("invalid since: "+err.Error()))
			return
		}
		filters.Since = &since
	}

	entries, err := h.history.ListAlarmHistory(r.Context(), filters)
	if err != nil {
		h.logger.Error("Failed to list alarm history", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, Fail("failed to list alarm history"))
		return
	}
	if entries == nil {
		entries = []repository.AlarmHistoryEntry{}
	}
	writeJSON(w, http.StatusOK, Ok(entries))
}

func (h *AlarmHandler) writeAlarmError(w http.ResponseWriter, err error) {
	if errors.Is(err, models.ErrUnknownAlarm) {
		writeJSON(w, http.StatusNotFound, Fail(err.Error()))
		return
	}
	writeJSON(w, http.StatusInternalServerError, Fail(err.Error()))
}
