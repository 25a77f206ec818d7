package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rimoric/torcia-sub001/common/config"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"
)

// ErrNoSession 会话已关闭
var ErrNoSession = errors.New("mqtt: no active session")

// MessageHandler 消息处理函数类型
type MessageHandler func(topic string, payload []byte) error

// ConnectionLostHandler 连接意外断开时回调（主动 Disconnect 不会触发）
type ConnectionLostHandler func(err error)

// Client MQTT客户端封装
// 每次 Connect 都新建一个 paho 客户端；自动重连关闭，由上层 Supervisor 负责重连策略
type Client struct {
	config *config.MQTTConfig
	logger *zap.Logger
}

// NewClient 创建MQTT客户端（不立即连接）
func NewClient(cfg *config.MQTTConfig, logger *zap.Logger) *Client {
	return &Client{
		config: cfg,
		logger: logger,
	}
}

// presence 遗嘱/上线消息内容
type presence struct {
	Status    string `json:"status"`
	Timestamp int64  `json:"timestamp"`
}

func presencePayload(status string) []byte {
	b, _ := json.Marshal(presence{Status: status, Timestamp: time.Now().UnixMilli()})
	return b
}

func (c *Client) options(onMessage MessageHandler, onLost ConnectionLostHandler) *pahomqtt.ClientOptions {
	opts := pahomqtt.NewClientOptions()
	opts.AddBroker(c.config.Broker)
	opts.SetClientID(c.config.ClientID)

	if c.config.Username != "" {
		opts.SetUsername(c.config.Username)
	}
	if c.config.Password != "" {
		opts.SetPassword(c.config.Password)
	}

	opts.SetAutoReconnect(false)
	opts.SetConnectRetry(false)
	opts.SetCleanSession(c.config.CleanSession)
	if c.config.KeepAlive > 0 {
		opts.SetKeepAlive(c.config.KeepAlive)
	}
	if c.config.ConnectTimeout > 0 {
		opts.SetConnectTimeout(c.config.ConnectTimeout)
	}
	if c.config.WillTopic != "" {
		opts.SetBinaryWill(c.config.WillTopic, presencePayload("offline"), 1, true)
	}

	// 所有订阅都不注册独立回调，消息统一走默认处理函数：
	// 同一条消息匹配多个订阅时只会投递一次
	opts.SetOrderMatters(true)
	opts.SetDefaultPublishHandler(func(_ pahomqtt.Client, msg pahomqtt.Message) {
		payload := make([]byte, len(msg.Payload()))
		copy(payload, msg.Payload())
		if err := onMessage(msg.Topic(), payload); err != nil {
			// 记录错误，但不中断处理
			c.logger.Warn("Error handling MQTT message",
				zap.String("topic", msg.Topic()),
				zap.Error(err),
			)
		}
	})
	opts.SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
		if onLost != nil {
			onLost(err)
		}
	})
	return opts
}

// Connect 建立连接，阻塞直到握手完成、失败、超时或 ctx 取消
// 每次成功都返回一个独立的 Session，调用方负责 Close；不同 Session 之间互不影响
func (c *Client) Connect(ctx context.Context, onMessage MessageHandler, onLost ConnectionLostHandler) (*Session, error) {
	cli := pahomqtt.NewClient(c.options(onMessage, onLost))

	if c.config.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.config.ConnectTimeout)
		defer cancel()
	}

	token := cli.Connect()
	select {
	case <-token.Done():
	case <-ctx.Done():
		// 握手仍在进行：完成后立即断开，避免遗留会话
		go func() {
			<-token.Done()
			if token.Error() == nil {
				cli.Disconnect(0)
			}
		}()
		return nil, fmt.Errorf("failed to connect to MQTT broker %s: %w", c.config.Broker, ctx.Err())
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("failed to connect to MQTT broker %s: %w", c.config.Broker, err)
	}

	s := &Session{client: c, cli: cli}
	if c.config.WillTopic != "" {
		if err := s.Publish(c.config.WillTopic, 1, true, presencePayload("online")); err != nil {
			c.logger.Warn("Failed to publish online status", zap.Error(err))
		}
	}
	return s, nil
}

func (c *Client) wait(token pahomqtt.Token) error {
	timeout := c.config.ConnectTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if !token.WaitTimeout(timeout) {
		return fmt.Errorf("timed out after %s", timeout)
	}
	return token.Error()
}

// Session 一次成功握手得到的会话，只操作自己的 paho 客户端
type Session struct {
	client *Client

	mu  sync.Mutex
	cli pahomqtt.Client
}

func (s *Session) conn() (pahomqtt.Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cli == nil {
		return nil, ErrNoSession
	}
	return s.cli, nil
}

// Subscribe 订阅主题（消息经 Connect 时注册的 onMessage 投递）
func (s *Session) Subscribe(topic string, qos byte) error {
	cli, err := s.conn()
	if err != nil {
		return err
	}
	if err := s.client.wait(cli.Subscribe(topic, qos, nil)); err != nil {
		return fmt.Errorf("failed to subscribe to topic %s: %w", topic, err)
	}
	return nil
}

// Publish 发布消息
func (s *Session) Publish(topic string, qos byte, retained bool, payload []byte) error {
	cli, err := s.conn()
	if err != nil {
		return err
	}
	if err := s.client.wait(cli.Publish(topic, qos, retained, payload)); err != nil {
		return fmt.Errorf("failed to publish to topic %s: %w", topic, err)
	}
	return nil
}

// Unsubscribe 取消订阅
func (s *Session) Unsubscribe(topics ...string) error {
	cli, err := s.conn()
	if err != nil {
		return err
	}
	if err := s.client.wait(cli.Unsubscribe(topics...)); err != nil {
		return fmt.Errorf("failed to unsubscribe: %w", err)
	}
	return nil
}

// Close 断开本会话（可重复调用）
func (s *Session) Close() {
	s.mu.Lock()
	cli := s.cli
	s.cli = nil
	s.mu.Unlock()
	if cli != nil {
		cli.Disconnect(250) // 250ms等待时间
	}
}

// IsConnected 检查连接状态
func (s *Session) IsConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cli != nil && s.cli.IsConnected()
}
