package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rimoric/torcia-sub001/common/config"

	"gopkg.in/yaml.v3"
)

// Config 设备状态同步服务配置
type Config struct {
	MQTT     config.MQTTConfig     `yaml:"mqtt"`
	Redis    config.RedisConfig    `yaml:"redis"`
	Database config.DatabaseConfig `yaml:"database"`

	Sync struct {
		// AckTopics 额外订阅的应答主题（如 plc/ack/#）
		AckTopics  []string      `yaml:"ack_topics"`
		QueueSize  int           `yaml:"queue_size"`  // 入站消息队列长度
		StaleAfter time.Duration `yaml:"stale_after"` // 设备状态过期阈值
	} `yaml:"sync"`

	Alarm struct {
		MaxEntries  int    `yaml:"max_entries"`
		WebhookURL  string `yaml:"webhook_url"`  // 为空则不推送 critical 报警
		SnapshotKey string `yaml:"snapshot_key"` // Redis 报警快照键
	} `yaml:"alarm"`

	DeviceStream struct {
		Key    string `yaml:"key"`
		MaxLen int64  `yaml:"max_len"`
	} `yaml:"device_stream"`

	HTTP struct {
		Addr string `yaml:"addr"`
	} `yaml:"http"`

	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
}

// Default 默认配置
func Default() *Config {
	cfg := &Config{}

	cfg.MQTT.Broker = "tcp://localhost:1883"
	cfg.MQTT.ClientID = "torcia-sync"
	cfg.MQTT.QoS = 1
	cfg.MQTT.CleanSession = true
	cfg.MQTT.KeepAlive = 30 * time.Second
	cfg.MQTT.ConnectTimeout = 10 * time.Second
	cfg.MQTT.ReconnectInterval = 5 * time.Second
	cfg.MQTT.MaxReconnectAttempts = 10
	cfg.MQTT.WillTopic = "plc/client/status"

	cfg.Redis.Addr = "localhost:6379"

	cfg.Database.Host = "localhost"
	cfg.Database.Port = 5432
	cfg.Database.User = "postgres"
	cfg.Database.Database = "torcia"
	cfg.Database.SSLMode = "disable"
	cfg.Database.MaxConns = 10
	cfg.Database.MaxIdle = 2

	cfg.Sync.QueueSize = 1024
	cfg.Sync.StaleAfter = 5 * time.Second

	cfg.Alarm.MaxEntries = 1000
	cfg.Alarm.SnapshotKey = "torcia:alarms"

	cfg.DeviceStream.Key = "plc:device:stream"
	cfg.DeviceStream.MaxLen = 10000

	cfg.HTTP.Addr = ":8080"

	cfg.Log.Level = "info"
	cfg.Log.Format = "json"
	return cfg
}

// Load 加载配置：默认值 -> YAML 文件（path 非空时）-> 环境变量 -> 校验
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	cfg.MQTT.LoadFromEnv("MQTT")
	cfg.Redis.LoadFromEnv("REDIS")
	cfg.Database.LoadFromEnv("DB")

	if v := getEnv("SYNC_ACK_TOPICS", ""); v != "" {
		cfg.Sync.AckTopics = splitList(v)
	}
	cfg.Sync.QueueSize = getEnvInt("SYNC_QUEUE_SIZE", cfg.Sync.QueueSize)
	cfg.Sync.StaleAfter = getEnvDuration("SYNC_STALE_AFTER", cfg.Sync.StaleAfter)

	cfg.Alarm.MaxEntries = getEnvInt("ALARM_MAX_ENTRIES", cfg.Alarm.MaxEntries)
	cfg.Alarm.WebhookURL = getEnv("ALARM_WEBHOOK_URL", cfg.Alarm.WebhookURL)
	cfg.Alarm.SnapshotKey = getEnv("REDIS_ALARM_KEY", cfg.Alarm.SnapshotKey)
	cfg.DeviceStream.Key = getEnv("REDIS_DEVICE_STREAM", cfg.DeviceStream.Key)
	cfg.DeviceStream.MaxLen = int64(getEnvInt("REDIS_DEVICE_STREAM_MAXLEN", int(cfg.DeviceStream.MaxLen)))

	cfg.HTTP.Addr = getEnv("HTTP_ADDR", cfg.HTTP.Addr)
	cfg.Log.Level = getEnv("LOG_LEVEL", cfg.Log.Level)
	cfg.Log.Format = getEnv("LOG_FORMAT", cfg.Log.Format)

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.MQTT.Broker == "" {
		return fmt.Errorf("mqtt broker is required")
	}
	if u, err := url.Parse(c.MQTT.Broker); err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("invalid mqtt broker %q: expected scheme://host:port", c.MQTT.Broker)
	}
	if c.MQTT.ClientID == "" {
		return fmt.Errorf("mqtt client id is required")
	}
	if c.MQTT.QoS > 2 {
		return fmt.Errorf("invalid mqtt qos %d", c.MQTT.QoS)
	}
	if c.MQTT.ReconnectInterval <= 0 {
		return fmt.Errorf("mqtt reconnect interval must be positive")
	}
	if c.Sync.QueueSize <= 0 {
		return fmt.Errorf("sync queue size must be positive")
	}
	if c.Sync.StaleAfter <= 0 {
		return fmt.Errorf("sync stale threshold must be positive")
	}
	if c.Alarm.MaxEntries <= 0 {
		return fmt.Errorf("alarm max entries must be positive")
	}
	if c.Alarm.WebhookURL != "" {
		if u, err := url.Parse(c.Alarm.WebhookURL); err != nil || u.Host == "" {
			return fmt.Errorf("invalid alarm webhook url %q", c.Alarm.WebhookURL)
		}
	}
	if c.Redis.Enabled && c.Redis.Addr == "" {
		return fmt.Errorf("redis addr is required when redis is enabled")
	}
	if c.Database.Enabled && c.Database.Host == "" {
		return fmt.Errorf("database host is required when database is enabled")
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return defaultValue
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return defaultValue
	}
	return n
}

// getEnvDuration 支持 "5s"，也兼容纯数字（按秒）
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if n, err := strconv.Atoi(v); err == nil {
		return time.Duration(n) * time.Second
	}
	return defaultValue
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
