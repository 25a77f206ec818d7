package repository

import (
	"context"

	rediscommon "github.com/rimoric/torcia-sub001/common/redis"
	"github.com/rimoric/torcia-sub001/internal/device"
	"github.com/rimoric/torcia-sub001/internal/metrics"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

const (
	// DefaultDeviceStream 设备状态变更流
	DefaultDeviceStream = "plc:device:stream"
	// DefaultStreamMaxLen 流的近似最大长度
	DefaultStreamMaxLen = 10000

	deviceStreamBuffer = 512
)

// DeviceStreamPublisher 把设备状态变更转发到 Redis Streams，供其他进程消费
// Enqueue 不阻塞；缓冲满时丢弃并计数
type DeviceStreamPublisher struct {
	redisClient *redis.Client
	stream      string
	maxLen      int64
	changes     chan device.Change
	metrics     *metrics.Metrics
	logger      *zap.Logger
}

// NewDeviceStreamPublisher stream 为空时使用 DefaultDeviceStream，maxLen <= 0 时使用 DefaultStreamMaxLen
func NewDeviceStreamPublisher(redisClient *redis.Client, stream string, maxLen int64, m *metrics.Metrics, logger *zap.Logger) *DeviceStreamPublisher {
	if stream == "" {
		stream = DefaultDeviceStream
	}
	if maxLen <= 0 {
		maxLen = DefaultStreamMaxLen
	}
	return &DeviceStreamPublisher{
		redisClient: redisClient,
		stream:      stream,
		maxLen:      maxLen,
		changes:     make(chan device.Change, deviceStreamBuffer),
		metrics:     m,
		logger:      logger,
	}
}

// Enqueue 实现 device.Observer
func (p *DeviceStreamPublisher) Enqueue(c device.Change) {
	select {
	case p.changes <- c:
	default:
		p.metrics.StreamDropped()
		p.logger.Warn("Device stream buffer full, dropping change",
			zap.String("category", string(c.Category)),
			zap.String("device_id", c.ID),
		)
	}
}

// Run 逐条 XADD 直到 ctx 取消
func (p *DeviceStreamPublisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case c := <-p.changes:
			p.publish(ctx, c)
		}
	}
}

func (p *DeviceStreamPublisher) publish(ctx context.Context, c device.Change) {
	streamID, err := rediscommon.PublishJSONToStream(ctx, p.redisClient, p.stream, p.maxLen, c)
	if err != nil {
		p.logger.Error("Failed to publish to Redis Streams",
			zap.String("stream", p.stream),
			zap.String("device_id", c.ID),
			zap.Error(err),
		)
		return
	}

	p.logger.Debug("Published device change to Redis Streams",
		zap.String("stream", p.stream),
		zap.String("category", string(c.Category)),
		zap.String("device_id", c.ID),
		zap.String("stream_id", streamID),
	)
}
