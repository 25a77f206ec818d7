package repository

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rimoric/torcia-sub001/internal/models"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// DefaultAlarmKey 报警列表快照默认键
const DefaultAlarmKey = "torcia:alarms"

// AlarmSnapshotRepository 报警列表快照（Redis，整体 SET/GET，无 TTL）
type AlarmSnapshotRepository struct {
	redisClient *redis.Client
	key         string
	logger      *zap.Logger
}

// NewAlarmSnapshotRepository key 为空时使用 DefaultAlarmKey
func NewAlarmSnapshotRepository(redisClient *redis.Client, key string, logger *zap.Logger) *AlarmSnapshotRepository {
	if key == "" {
		key = DefaultAlarmKey
	}
	return &AlarmSnapshotRepository{
		redisClient: redisClient,
		key:         key,
		logger:      logger,
	}
}

// SaveAlarms 覆盖写入当前报警列表
func (r *AlarmSnapshotRepository) SaveAlarms(ctx context.Context, alarms []models.Alarm) error {
	if alarms == nil {
		alarms = []models.Alarm{}
	}
	jsonData, err := json.Marshal(alarms)
	if err != nil {
		return fmt.Errorf("failed to marshal alarm snapshot: %w", err)
	}

	if err := r.redisClient.Set(ctx, r.key, jsonData, 0).Err(); err != nil {
		return fmt.Errorf("failed to save alarm snapshot: %w", err)
	}

	r.logger.Debug("Saved alarm snapshot",
		zap.String("key", r.key),
		zap.Int("alarm_count", len(alarms)),
	)
	return nil
}

// LoadAlarms 读取快照；键不存在时返回空列表
func (r *AlarmSnapshotRepository) LoadAlarms(ctx context.Context) ([]models.Alarm, error) {
	val, err := r.redisClient.Get(ctx, r.key).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to load alarm snapshot: %w", err)
	}

	var alarms []models.Alarm
	if err := json.Unmarshal([]byte(val), &alarms); err != nil {
		return nil, fmt.Errorf("failed to unmarshal alarm snapshot: %w", err)
	}
	return alarms, nil
}
