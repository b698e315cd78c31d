// Package service 提供组合根
//
// 显式构造并持有全部子系统实例（无全局单例），统一管理
// 初始化与关闭生命周期；所有周期任务由各组件自持的 goroutine
// 承担，由这里统一启停。
package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"vitals-live/internal/aggregator"
	"vitals-live/internal/backlog"
	"vitals-live/internal/config"
	"vitals-live/internal/coordinator"
	"vitals-live/internal/fallback"
	"vitals-live/internal/health"
	"vitals-live/internal/ingest"
	"vitals-live/internal/models"
	"vitals-live/internal/mqttchan"
	"vitals-live/internal/permission"
	"vitals-live/internal/storage"
	"vitals-live/internal/transport"
)

// VitalsService 实时体征同步服务
type VitalsService struct {
	cfg    *config.Config
	logger *zap.Logger

	redisClient *redis.Client
	kv          *storage.FailoverKV
	source      health.Source
	backlog     *backlog.Store
	engine      *aggregator.Engine
	permissions *permission.Manager
	fbEngine    *fallback.Engine
	monitor     *fallback.Monitor
	transport   *transport.Manager
	coordinator *coordinator.Coordinator

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewVitalsService 创建服务（只构造，不启动）
func NewVitalsService(cfg *config.Config, logger *zap.Logger) (*VitalsService, error) {
	if cfg.SubjectID == "" {
		return nil, fmt.Errorf("SUBJECT_ID is required")
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := redisClient.Ping(context.Background()).Err(); err != nil {
		// Local Store 不可用时降级为仅内存运行，不阻止启动
		logger.Warn("Redis unreachable at startup, local store degraded", zap.Error(err))
	}

	kv := storage.NewFailoverKV(storage.NewRedisKV(redisClient), logger)

	source := health.NewStreamSource(redisClient, cfg.Health.SampleStream, logger)
	altSource := health.NewStreamSource(redisClient, cfg.Health.AltSampleStream, logger)

	backlogStore := backlog.NewStore(cfg, kv, logger)
	engine := aggregator.NewEngine(cfg, logger)
	permissions := permission.NewManager(cfg, source, kv, logger)
	fbEngine := fallback.NewEngine(cfg, altSource, kv, logger)

	channel := mqttchan.NewChannel(cfg, logger)
	uploader := ingest.NewClient(cfg.Ingestion.BaseURL, cfg.Ingestion.APIKey, cfg.Ingestion.Timeout, logger)
	transportMgr := transport.NewManager(cfg, channel, uploader, backlogStore, logger)

	svc := &VitalsService{
		cfg:         cfg,
		logger:      logger,
		redisClient: redisClient,
		kv:          kv,
		source:      source,
		backlog:     backlogStore,
		engine:      engine,
		permissions: permissions,
		fbEngine:    fbEngine,
		transport:   transportMgr,
	}

	svc.monitor = fallback.NewMonitor(cfg, svc.probePrimary, logger)
	svc.coordinator = coordinator.NewCoordinator(cfg, transportMgr, source, fbEngine, kv, logger)
	return svc, nil
}

// Start 启动全部子系统
func (s *VitalsService) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = true
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.mu.Unlock()

	if err := s.backlog.Initialize(runCtx); err != nil {
		return fmt.Errorf("failed to initialize backlog store: %w", err)
	}
	if err := s.permissions.Initialize(runCtx); err != nil {
		return fmt.Errorf("failed to initialize permission cache: %w", err)
	}
	if err := s.fbEngine.Initialize(runCtx); err != nil {
		return fmt.Errorf("failed to initialize fallback engine: %w", err)
	}

	s.backlog.Start(runCtx)
	s.permissions.Start(runCtx)
	s.monitor.Start(runCtx)

	if err := s.transport.StartStreaming(runCtx, s.cfg.SubjectID); err != nil {
		return fmt.Errorf("failed to start streaming: %w", err)
	}
	if err := s.coordinator.Start(runCtx, s.monitor.Changes()); err != nil {
		return fmt.Errorf("failed to start coordinator: %w", err)
	}

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		s.runSampleLoop(runCtx)
	}()
	go func() {
		defer s.wg.Done()
		s.runDerivedLoop(runCtx)
	}()

	s.logger.Info("Vitals service started",
		zap.String("subject_id", s.cfg.SubjectID),
	)
	return nil
}

// Stop 按依赖反序关闭（幂等）
func (s *VitalsService) Stop(_ context.Context) {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	s.wg.Wait()

	s.coordinator.Stop()
	s.transport.StopStreaming()
	s.monitor.Stop()
	s.permissions.Stop()
	s.backlog.Stop()

	if err := s.redisClient.Close(); err != nil {
		s.logger.Error("Error closing Redis client", zap.Error(err))
	}
	s.logger.Info("Vitals service stopped")
}

// SetOnline 外部连通性信号入口
func (s *VitalsService) SetOnline(ctx context.Context, online bool) {
	s.transport.SetOnline(ctx, online)
}

// Coordinator 暴露订阅门面给消费者
func (s *VitalsService) Coordinator() *coordinator.Coordinator {
	return s.coordinator
}

// Permissions 暴露权限管理器给撤销监视方
func (s *VitalsService) Permissions() *permission.Manager {
	return s.permissions
}

// runSampleLoop 周期拉取原始样本：权限门控 → 聚合引擎 → 出站发布
func (s *VitalsService) runSampleLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Health.SampleInterval)
	defer ticker.Stop()

	lastQuery := time.Now().Add(-s.cfg.Health.SampleInterval)
	required := models.ParseDataTypes(s.cfg.Permission.RequiredTypes)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			// 所有 Health Source 读取都经过权限缓存门控
			granted := s.permissions.CheckPermissions(ctx, required, true)
			var readable []models.DataType
			for t, ok := range granted {
				if ok {
					readable = append(readable, t)
				}
			}
			if len(readable) == 0 {
				continue
			}

			now := time.Now()
			samples, err := s.source.Query(ctx, readable, lastQuery, now)
			if err != nil {
				s.logger.Warn("Health source query failed", zap.Error(err))
				continue
			}
			lastQuery = now
			if len(samples) == 0 {
				continue
			}

			deltas := make([]models.LiveDelta, 0, len(samples))
			for _, sample := range samples {
				s.engine.Ingest(sample)
				deltas = append(deltas, sample.ToDelta())
			}
			s.transport.PublishBatch(ctx, deltas)
		}
	}
}

// runDerivedLoop 周期计算派生聚合并发布
func (s *VitalsService) runDerivedLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Coordinator.AggregateInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			derived := s.engine.ComputeDerived(time.Now())
			if len(derived) == 0 {
				continue
			}
			deltas := make([]models.LiveDelta, 0, len(derived))
			for _, sample := range derived {
				deltas = append(deltas, sample.ToDelta())
				// 派生记录同时进入订阅者视图
				s.coordinator.IngestDelta(sample.ToDelta(), models.QualityExcellent)
			}
			s.transport.PublishBatch(ctx, deltas)
		}
	}
}

// probePrimary 可用性探测：首选来源最近窗口内是否有数据
func (s *VitalsService) probePrimary(ctx context.Context) (bool, error) {
	now := time.Now()
	samples, err := s.source.Query(ctx, models.AllDataTypes, now.Add(-s.cfg.Fallback.RecentWindow), now)
	if err != nil {
		return false, err
	}
	return len(samples) > 0, nil
}
