package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"github.com/rimoric/torcia-sub001/internal/command"
	"github.com/rimoric/torcia-sub001/internal/models"

	"go.uber.org/zap"
)

// Commander 命令分发（command.Publisher 实现）
type Commander interface {
	Execute(category, id, action string, value interface{}) error
}

// CommandHandler 命令接口
type CommandHandler struct {
	commander Commander
	logger    *zap.Logger
}

func NewCommandHandler(commander Commander, logger *zap.Logger) *CommandHandler {
	return &CommandHandler{commander: commander, logger: logger}
}

type commandRequest struct {
	Category string      `json:"category"`
	ID       string      `json:"id"`
	Action   string      `json:"action"`
	Value    interface{} `json:"value,omitempty"`
}

// Execute 下发命令
// 发布失败时命令已在报警列表中登记，这里返回 code=-1 但 HTTP 200：请求本身已被处理
func (h *CommandHandler) Execute(w http.ResponseWriter, r *http.Request) {
	var req commandRequest
	if err := readBodyJSON(r, maxBodyBytes, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, Fail("invalid body: "+err.Error()))
		return
	}
	req.Category = strings.TrimSpace(req.Category)
	req.ID = strings.TrimSpace(req.ID)
	req.Action = strings.TrimSpace(req.Action)
	if req.Category == "" || req.Action == "" {
		writeJSON(w, http.StatusBadRequest, Fail("category and action are required"))
		return
	}

	err := h.commander.Execute(req.Category, req.ID, req.Action, req.Value)
	var perr *models.PublishError
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, Ok(req))
	case errors.Is(err, command.ErrUnsupportedCommand):
		writeJSON(w, http.StatusBadRequest, Fail(err.Error()))
	case errors.As(err, &perr):
		h.logger.Warn("Command not delivered",
			zap.String("category", req.Category),
			zap.String("id", req.ID),
			zap.String("action", req.Action),
			zap.Error(err),
		)
		writeJSON(w, http.StatusOK, Fail(err.Error()))
	default:
		writeJSON(w, http.StatusBadRequest, Fail(err.Error()))
	}
}
