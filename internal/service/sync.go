package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rimoric/torcia-sub001/common/database"
	mqttcommon "github.com/rimoric/torcia-sub001/common/mqtt"
	rediscommon "github.com/rimoric/torcia-sub001/common/redis"
	"github.com/rimoric/torcia-sub001/internal/alarm"
	"github.com/rimoric/torcia-sub001/internal/command"
	"github.com/rimoric/torcia-sub001/internal/config"
	"github.com/rimoric/torcia-sub001/internal/connection"
	"github.com/rimoric/torcia-sub001/internal/device"
	"github.com/rimoric/torcia-sub001/internal/httpapi"
	"github.com/rimoric/torcia-sub001/internal/metrics"
	"github.com/rimoric/torcia-sub001/internal/models"
	"github.com/rimoric/torcia-sub001/internal/repository"
	"github.com/rimoric/torcia-sub001/internal/topic"

	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// SyncService 设备状态同步服务
type SyncService struct {
	config   *config.Config
	logger   *zap.Logger
	registry *prometheus.Registry
	metrics  *metrics.Metrics

	db         *sql.DB
	redis      *redis.Client
	mqttClient *mqttcommon.Client

	feed       *alarm.Feed
	journal    *alarm.Journal
	notifier   *alarm.WebhookNotifier
	history    *repository.AlarmHistoryRepository
	stream     *repository.DeviceStreamPublisher
	store      *device.Store
	manager    *connection.Manager
	supervisor *connection.Supervisor
	publisher  *command.Publisher
	httpServer *http.Server

	cancel context.CancelFunc
	group  *errgroup.Group
}

// NewSyncService 创建服务；Redis/Postgres 仅在启用时连接
func NewSyncService(cfg *config.Config, logger *zap.Logger) (*SyncService, error) {
	s := &SyncService{
		config:   cfg,
		logger:   logger,
		registry: prometheus.NewRegistry(),
	}
	s.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	s.metrics = metrics.New(s.registry)

	// 初始化Redis
	if cfg.Redis.Enabled {
		s.redis = rediscommon.NewRedisClient(&cfg.Redis)
		if err := rediscommon.Ping(context.Background(), s.redis); err != nil {
			s.closeStores()
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
	}

	// 初始化数据库
	if cfg.Database.Enabled {
		db, err := database.NewPostgresDB(context.Background(), &cfg.Database)
		if err != nil {
			s.closeStores()
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		s.db = db
	}

	s.feed = alarm.NewFeed(
		alarm.WithMaxEntries(cfg.Alarm.MaxEntries),
		alarm.WithMetrics(s.metrics),
	)

	// 报警持久化：快照与历史都是可选的
	var snapshot alarm.SnapshotStore
	var history alarm.HistoryStore
	if s.redis != nil {
		snapshot = repository.NewAlarmSnapshotRepository(s.redis, cfg.Alarm.SnapshotKey, logger)
	}
	if s.db != nil {
		s.history = repository.NewAlarmHistoryRepository(s.db, logger)
		history = s.history
	}
	if snapshot != nil || history != nil {
		s.journal = alarm.NewJournal(s.feed, snapshot, history, logger)
		s.feed.AddListener(s.journal)
	}

	if cfg.Alarm.WebhookURL != "" {
		s.notifier = alarm.NewWebhookNotifier(cfg.Alarm.WebhookURL, logger)
		s.feed.AddListener(s.notifier)
	}

	storeOpts := []device.Option{}
	if s.redis != nil {
		s.stream = repository.NewDeviceStreamPublisher(s.redis, cfg.DeviceStream.Key, cfg.DeviceStream.MaxLen, s.metrics, logger)
		storeOpts = append(storeOpts, device.WithObserver(s.stream.Enqueue))
	}
	s.store = device.NewStore(storeOpts...)

	s.mqttClient = mqttcommon.NewClient(&cfg.MQTT, logger)
	s.manager = connection.NewManager(connection.NewMQTTTransport(s.mqttClient), s.store, s.feed, connection.Options{
		Endpoint:  cfg.MQTT.Broker,
		QoS:       cfg.MQTT.QoS,
		QueueSize: cfg.Sync.QueueSize,
		AckTopics: cfg.Sync.AckTopics,
		Metrics:   s.metrics,
	}, logger)
	s.manager.Route(topic.Alarms, controllerAlarmHandler(s.feed, logger))

	s.supervisor = connection.NewSupervisor(s.manager, cfg.MQTT.ReconnectInterval, cfg.MQTT.MaxReconnectAttempts, logger)
	s.publisher = command.NewPublisher(s.manager, s.feed, logger)

	s.httpServer = &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           s.router(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s, nil
}

func (s *SyncService) router() *httpapi.Router {
	r := httpapi.NewRouter(s.logger)
	r.RegisterDeviceRoutes(httpapi.NewDeviceHandler(s.store, s.config.Sync.StaleAfter, s.logger))

	var history httpapi.AlarmHistory
	if s.history != nil {
		history = s.history
	}
	r.RegisterAlarmRoutes(httpapi.NewAlarmHandler(s.feed, history, s.logger))
	r.RegisterCommandRoutes(httpapi.NewCommandHandler(s.publisher, s.logger))
	r.RegisterConnectionRoutes(httpapi.NewConnectionHandler(s.manager, s.config.MQTT.ConnectTimeout, s.logger))
	r.RegisterOpsRoutes(s.registry, func() bool {
		return s.manager.Status().State == models.StateConnected
	})
	return r
}

// Start 启动服务
func (s *SyncService) Start(ctx context.Context) error {
	s.logger.Info("Starting sync service components")

	if s.history != nil {
		if err := s.history.EnsureSchema(ctx); err != nil {
			return fmt.Errorf("failed to prepare alarm history: %w", err)
		}
	}
	if s.journal != nil {
		n, err := s.journal.Restore(ctx)
		if err != nil {
			// 快照不可用时从空列表开始
			s.logger.Warn("Failed to restore alarm snapshot", zap.Error(err))
		} else {
			s.logger.Info("Alarm feed restored", zap.Int("alarms", n))
		}
	}

	runCtx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(runCtx)
	s.cancel = cancel
	s.group = g

	g.Go(func() error { return s.manager.Run(gctx) })
	g.Go(func() error { return s.supervisor.Run(gctx) })
	if s.journal != nil {
		g.Go(func() error { return s.journal.Run(gctx) })
	}
	if s.notifier != nil {
		g.Go(func() error { return s.notifier.Run(gctx, s.feed.Counts) })
	}
	if s.stream != nil {
		g.Go(func() error { return s.stream.Run(gctx) })
	}
	g.Go(func() error {
		s.logger.Info("HTTP server listening", zap.String("addr", s.httpServer.Addr))
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	// 首次连接失败不影响启动，由 Supervisor 接管重连
	g.Go(func() error {
		if err := s.manager.Connect(gctx); err != nil {
			s.logger.Warn("Initial broker connect failed, supervisor will retry",
				zap.String("broker", s.config.MQTT.Broker),
				zap.Error(err),
			)
			return nil
		}
		if err := s.publisher.RequestFullUpdate(); err != nil {
			s.logger.Warn("Failed to request full update", zap.Error(err))
		}
		return nil
	})

	s.logger.Info("Sync service started successfully")
	return nil
}

// Wait 阻塞直到某个组件异常退出或 Stop 完成
func (s *SyncService) Wait() error {
	if s.group == nil {
		return nil
	}
	return s.group.Wait()
}

// Stop 停止服务
func (s *SyncService) Stop(ctx context.Context) error {
	s.logger.Info("Stopping sync service")

	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			s.logger.Error("Error stopping HTTP server", zap.Error(err))
		}
	}

	// 断开MQTT（同时挂起自动重连）
	if s.manager != nil {
		s.manager.Disconnect()
	}

	var runErr error
	if s.cancel != nil {
		s.cancel()
		runErr = s.group.Wait()
	}

	s.closeStores()
	s.logger.Info("Sync service stopped")
	return runErr
}

func (s *SyncService) closeStores() {
	// 关闭Redis
	if s.redis != nil {
		if err := rediscommon.Close(s.redis); err != nil {
			s.logger.Error("Error closing redis", zap.Error(err))
		}
	}
	// 关闭数据库
	if s.db != nil {
		if err := database.Close(s.db); err != nil {
			s.logger.Error("Error closing database", zap.Error(err))
		}
	}
}
