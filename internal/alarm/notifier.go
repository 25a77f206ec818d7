package alarm

import (
	"context"
	"fmt"
	"time"

	"github.com/rimoric/torcia-sub001/internal/models"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
)

// WebhookNotifier 新增 critical 报警时推送到外部 HTTP 接口（值班系统/短信网关）
type WebhookNotifier struct {
	url        string
	httpClient *resty.Client
	pending    chan models.Alarm
	logger     *zap.Logger
}

// webhookPayload 推送内容
type webhookPayload struct {
	Alarm  models.Alarm       `json:"alarm"`
	Counts models.AlarmCounts `json:"counts"`
}

// NewWebhookNotifier 创建推送器
func NewWebhookNotifier(url string, logger *zap.Logger) *WebhookNotifier {
	client := resty.New().
		SetTimeout(5 * time.Second).
		SetRetryCount(2).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(2 * time.Second).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")

	return &WebhookNotifier{
		url:        url,
		httpClient: client,
		pending:    make(chan models.Alarm, 64),
		logger:     logger,
	}
}

// AlarmEvent 实现 Listener，只关心新增的 critical 报警
func (n *WebhookNotifier) AlarmEvent(ev Event) {
	if ev.Type != EventAdded {
		return
	}
	for _, a := range ev.Alarms {
		if a.Severity != models.SeverityCritical {
			continue
		}
		select {
		case n.pending <- a:
		default:
			n.logger.Warn("Webhook queue full, dropping alarm notification",
				zap.String("alarm_id", a.ID),
			)
		}
	}
}

// Run 逐条推送直到 ctx 取消
func (n *WebhookNotifier) Run(ctx context.Context, counts func() models.AlarmCounts) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case a := <-n.pending:
			var c models.AlarmCounts
			if counts != nil {
				c = counts()
			}
			if err := n.Notify(ctx, a, c); err != nil {
				n.logger.Error("Failed to deliver alarm webhook",
					zap.String("alarm_id", a.ID),
					zap.Error(err),
				)
			}
		}
	}
}

// Notify 推送单条报警
func (n *WebhookNotifier) Notify(ctx context.Context, a models.Alarm, counts models.AlarmCounts) error {
	resp, err := n.httpClient.R().
		SetContext(ctx).
		SetBody(webhookPayload{Alarm: a, Counts: counts}).
		Post(n.url)
	if err != nil {
		return fmt.Errorf("failed to call alarm webhook: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("alarm webhook returned status %d", resp.StatusCode())
	}

	n.logger.Debug("Alarm webhook delivered",
		zap.String("alarm_id", a.ID),
		zap.Int("status_code", resp.StatusCode()),
	)
	return nil
}
