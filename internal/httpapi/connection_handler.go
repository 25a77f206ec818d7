package httpapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/rimoric/torcia-sub001/internal/models"

	"go.uber.org/zap"
)

// ConnectionControl 连接状态与手动控制（connection.Manager 实现）
type ConnectionControl interface {
	Status() models.ConnectionStatus
	Connect(ctx context.Context) error
	Disconnect()
}

// ConnectionHandler 连接接口
type ConnectionHandler struct {
	conn           ConnectionControl
	connectTimeout time.Duration
	logger         *zap.Logger
}

func NewConnectionHandler(conn ConnectionControl, connectTimeout time.Duration, logger *zap.Logger) *ConnectionHandler {
	if connectTimeout <= 0 {
		connectTimeout = 10 * time.Second
	}
	return &ConnectionHandler{conn: conn, connectTimeout: connectTimeout, logger: logger}
}

func (h *ConnectionHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	seg := pathSegments(r.URL.Path, "/api/v1/connection")
	switch {
	case len(seg) == 0 && r.Method == http.MethodGet:
		writeJSON(w, http.StatusOK, Ok(h.conn.Status()))
	case len(seg) == 1 && seg[0] == "connect" && r.Method == http.MethodPost:
		h.Connect(w, r)
	case len(seg) == 1 && seg[0] == "disconnect" && r.Method == http.MethodPost:
		h.conn.Disconnect()
		writeJSON(w, http.StatusOK, Ok(h.conn.Status()))
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

// Connect 手动连接：重置重连计数；失败时返回 code=-1 与当前状态
func (h *ConnectionHandler) Connect(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.connectTimeout)
	defer cancel()

	if err := h.conn.Connect(ctx); err != nil && !errors.Is(err, models.ErrStaleConnect) {
		h.logger.Warn("Manual connect failed", zap.Error(err))
		writeJSON(w, http.StatusOK, Result[models.ConnectionStatus]{
			Code:    ResultError,
			Type:    "error",
			Message: err.Error(),
			Result:  h.conn.Status(),
		})
		return
	}
	writeJSON(w, http.StatusOK, Ok(h.conn.Status()))
}
