// Package transport 实现实时传输管理器
//
// 出站增量优先经低延迟主通道（MQTT）投递，主通道持续失败时降级
// 为 HTTPS 批量上传，并按固定周期自动重连。设备离线期间的增量
// 路由到持久化的离线积压存储；在线但后端拒绝/超时的批次进入
// 内存失败队列等待重连后回放。
package transport

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"vitals-live/internal/backlog"
	"vitals-live/internal/config"
	"vitals-live/internal/ingest"
	"vitals-live/internal/models"
)

// Channel 主通道抽象（生产实现为 mqttchan.Channel）
type Channel interface {
	Open(ctx context.Context, subjectID string) error
	Publish(ctx context.Context, payload []byte) error
	Subscribe(handler func(payload []byte)) error
	Close() error
}

// Uploader Ingestion API 上传抽象（生产实现为 ingest.Client）
type Uploader interface {
	Upload(ctx context.Context, batch ingest.Batch) (*ingest.UploadResponse, error)
}

// PublishResult 发布结果
type PublishResult struct {
	Success      bool
	Buffered     bool // 已路由到离线积压
	ViaFallback  bool // 经 HTTPS 回退通道投递
	Sent         int
	ErrorCode    string
	ErrorMessage string
	Elapsed      time.Duration
}

// Manager 实时传输管理器
type Manager struct {
	cfg      *config.Config
	channel  Channel
	uploader Uploader
	backlog  *backlog.Store
	logger   *zap.Logger
	allowed  map[models.DataType]bool

	mu                  sync.Mutex
	subjectID           string
	streaming           bool
	online              bool
	primaryAvailable    bool
	consecutiveFailures int
	failureQueue        [][]models.LiveDelta
	baseCtx             context.Context
	reconnectCancel     context.CancelFunc

	inbound chan []models.LiveDelta
	wg      sync.WaitGroup
}

func NewManager(cfg *config.Config, channel Channel, uploader Uploader, backlogStore *backlog.Store, logger *zap.Logger) *Manager {
	allowed := make(map[models.DataType]bool)
	for _, t := range models.ParseDataTypes(cfg.Transport.AllowedTypes) {
		allowed[t] = true
	}
	return &Manager{
		cfg:      cfg,
		channel:  channel,
		uploader: uploader,
		backlog:  backlogStore,
		logger:   logger,
		allowed:  allowed,
		online:   true,
		inbound:  make(chan []models.LiveDelta, 64),
	}
}

// StartStreaming 打开主体的持久频道
//
// 打开失败立即把主通道标记为不可用（打开阶段不重试），发布走
// 回退通道，同时启动重连定时器恢复主通道。
func (m *Manager) StartStreaming(ctx context.Context, subjectID string) error {
	m.mu.Lock()
	if m.streaming {
		m.mu.Unlock()
		return nil
	}
	m.streaming = true
	m.subjectID = subjectID
	m.baseCtx = ctx
	m.mu.Unlock()

	if err := m.channel.Open(ctx, subjectID); err != nil {
		m.logger.Warn("Primary channel failed to open, marking unavailable",
			zap.String("subject_id", subjectID),
			zap.Error(err),
		)
		m.mu.Lock()
		m.primaryAvailable = false
		m.startReconnectLocked()
		m.mu.Unlock()
		return nil
	}

	if err := m.channel.Subscribe(m.handleInbound); err != nil {
		m.logger.Warn("Primary channel subscribe failed, marking unavailable",
			zap.Error(err),
		)
		m.mu.Lock()
		m.primaryAvailable = false
		m.startReconnectLocked()
		m.mu.Unlock()
		return nil
	}

	m.mu.Lock()
	m.primaryAvailable = true
	m.consecutiveFailures = 0
	m.mu.Unlock()

	m.logger.Info("Live streaming started",
		zap.String("subject_id", subjectID),
	)
	return nil
}

// StopStreaming 停止流式传输（幂等）
//
// 同步取消所有定时器与订阅，清空内存缓冲并复位失败计数。
func (m *Manager) StopStreaming() {
	m.mu.Lock()
	if !m.streaming {
		m.mu.Unlock()
		return
	}
	m.streaming = false
	m.primaryAvailable = false
	m.consecutiveFailures = 0
	m.failureQueue = nil
	cancel := m.reconnectCancel
	m.reconnectCancel = nil
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	m.wg.Wait()
	_ = m.channel.Close()

	m.logger.Info("Live streaming stopped")
}

// Publish 发布单条增量
func (m *Manager) Publish(ctx context.Context, delta models.LiveDelta) PublishResult {
	return m.PublishBatch(ctx, []models.LiveDelta{delta})
}

// PublishBatch 发布一批增量
//
// 类型白名单过滤后：离线 → 离线积压；主通道可用 → 主通道发送，
// 异常时累加失败计数（达到阈值标记不可用并启动重连定时器），
// 本次调用直接落到回退通道；回退失败 → 内存失败队列。
func (m *Manager) PublishBatch(ctx context.Context, deltas []models.LiveDelta) PublishResult {
	startedAt := time.Now()

	filtered := make([]models.LiveDelta, 0, len(deltas))
	for _, d := range deltas {
		if m.allowed[d.Type] {
			filtered = append(filtered, d)
		}
	}
	if len(filtered) == 0 {
		return PublishResult{Success: true, Elapsed: time.Since(startedAt)}
	}

	m.mu.Lock()
	online := m.online
	primary := m.primaryAvailable
	m.mu.Unlock()

	// 设备离线：增量进入持久化积压，等连通性恢复后整体回放
	if !online {
		buffered := 0
		for _, d := range filtered {
			if res := m.backlog.Enqueue(ctx, d); res.Success {
				buffered++
			}
		}
		return PublishResult{
			Success:  true,
			Buffered: true,
			Sent:     buffered,
			Elapsed:  time.Since(startedAt),
		}
	}

	if primary {
		if ok := m.tryPrimary(ctx, filtered); ok {
			return PublishResult{
				Success: true,
				Sent:    len(filtered),
				Elapsed: time.Since(startedAt),
			}
		}
		// 本轮不再重试主通道，直接落到回退路径
	}

	return m.publishViaFallback(ctx, filtered, startedAt)
}

// Messages 入站增量流（push 模式订阅源）
func (m *Manager) Messages() <-chan []models.LiveDelta {
	return m.inbound
}

// SetOnline 连通性信号；offline→online 转换触发积压回放
func (m *Manager) SetOnline(ctx context.Context, online bool) {
	m.mu.Lock()
	was := m.online
	m.online = online
	m.mu.Unlock()

	if online == was {
		return
	}
	m.logger.Info("Connectivity changed", zap.Bool("online", online))

	if online && !was {
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			m.FlushBacklog(ctx)
		}()
	}
}

// FlushBacklog 把离线积压整体回放进发布路径
func (m *Manager) FlushBacklog(ctx context.Context) backlog.FlushResult {
	return m.backlog.Flush(ctx, func(ctx context.Context, entries []models.BacklogEntry) bool {
		deltas := make([]models.LiveDelta, len(entries))
		for i, e := range entries {
			deltas[i] = e.Payload
		}
		res := m.PublishBatch(ctx, deltas)
		return res.Success
	})
}

// PrimaryAvailable 主通道当前是否可用
func (m *Manager) PrimaryAvailable() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.primaryAvailable
}

// FailureQueueLen 内存失败队列长度
func (m *Manager) FailureQueueLen() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.failureQueue)
}

// tryPrimary 经主通道发送一批增量；返回是否成功
func (m *Manager) tryPrimary(ctx context.Context, deltas []models.LiveDelta) bool {
	payload, err := models.EncodeBatch(models.LiveBatch{
		BatchID:   uuid.NewString(),
		Messages:  deltas,
		CreatedAt: time.Now(),
	})
	if err != nil {
		m.logger.Error("Failed to encode live batch", zap.Error(err))
		return false
	}

	if err := m.channel.Publish(ctx, payload); err != nil {
		m.mu.Lock()
		m.consecutiveFailures++
		failures := m.consecutiveFailures
		if failures >= m.cfg.Transport.FailureThreshold && m.primaryAvailable {
			m.primaryAvailable = false
			m.startReconnectLocked()
		}
		m.mu.Unlock()

		m.logger.Warn("Primary channel publish failed",
			zap.Int("consecutive_failures", failures),
			zap.Error(err),
		)
		return false
	}

	m.mu.Lock()
	m.consecutiveFailures = 0
	m.mu.Unlock()
	return true
}

// publishViaFallback 经 HTTPS 批量通道投递
//
// 瞬时类失败（网络/超时/限流/5xx）进入内存失败队列等待重连回放；
// 后端明确拒绝的批次（4xx）不自动重试。
func (m *Manager) publishViaFallback(ctx context.Context, deltas []models.LiveDelta, startedAt time.Time) PublishResult {
	m.mu.Lock()
	subjectID := m.subjectID
	m.mu.Unlock()

	batch := ingest.BuildBatch(subjectID, deltas)
	_, err := m.uploader.Upload(ctx, batch)
	if err != nil {
		errorCode := ingest.ErrCodeTransport
		retryable := true
		if uploadErr, ok := err.(*ingest.UploadError); ok {
			errorCode = uploadErr.Code
			retryable = uploadErr.Retryable()
		}

		m.mu.Lock()
		// 上传期间可能已停止，停止后不再缓存
		if m.streaming && retryable {
			m.failureQueue = append(m.failureQueue, deltas)
		}
		m.mu.Unlock()

		m.logger.Warn("Fallback upload failed",
			zap.String("batch_id", batch.BatchID),
			zap.String("error_code", errorCode),
			zap.Bool("retryable", retryable),
			zap.Error(err),
		)
		return PublishResult{
			ViaFallback:  true,
			ErrorCode:    errorCode,
			ErrorMessage: err.Error(),
			Elapsed:      time.Since(startedAt),
		}
	}

	return PublishResult{
		Success:     true,
		ViaFallback: true,
		Sent:        len(deltas),
		Elapsed:     time.Since(startedAt),
	}
}

// startReconnectLocked 启动固定周期重连定时器（已持有锁；幂等）
func (m *Manager) startReconnectLocked() {
	if m.reconnectCancel != nil || !m.streaming {
		return
	}
	baseCtx := m.baseCtx
	if baseCtx == nil {
		baseCtx = context.Background()
	}
	rctx, cancel := context.WithCancel(baseCtx)
	m.reconnectCancel = cancel

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.cfg.Transport.ReconnectInterval)
		defer ticker.Stop()
		for {
			select {
			case <-rctx.Done():
				return
			case <-ticker.C:
				if m.attemptReconnect(rctx) {
					return
				}
			}
		}
	}()
}

// attemptReconnect 尝试一次重连；成功后回放失败队列并刷新积压
func (m *Manager) attemptReconnect(ctx context.Context) bool {
	m.mu.Lock()
	subjectID := m.subjectID
	m.mu.Unlock()

	if err := m.channel.Open(ctx, subjectID); err != nil {
		m.logger.Debug("Reconnect attempt failed", zap.Error(err))
		return false
	}
	if err := m.channel.Subscribe(m.handleInbound); err != nil {
		m.logger.Debug("Reconnect subscribe failed", zap.Error(err))
		return false
	}

	m.mu.Lock()
	// 重连期间可能已调用 StopStreaming
	if !m.streaming {
		m.mu.Unlock()
		return true
	}
	m.primaryAvailable = true
	m.consecutiveFailures = 0
	if m.reconnectCancel != nil {
		m.reconnectCancel()
		m.reconnectCancel = nil
	}
	queued := m.failureQueue
	m.failureQueue = nil
	m.mu.Unlock()

	m.logger.Info("Primary channel reconnected",
		zap.Int("queued_batches", len(queued)),
	)

	// 失败队列整体回放（每批恰好回放一次；再失败会重新入队）
	for _, batch := range queued {
		m.PublishBatch(ctx, batch)
	}
	m.FlushBacklog(ctx)
	return true
}

// handleInbound 入站消息处理：校验失败的条目丢弃并记录，不中断订阅
func (m *Manager) handleInbound(payload []byte) {
	msg, err := models.ParseLiveMessage(payload)
	if err != nil {
		m.logger.Warn("Dropping malformed inbound message", zap.Error(err))
		return
	}
	if msg.Dropped > 0 {
		m.logger.Warn("Dropped invalid entries from inbound batch",
			zap.Int("dropped", msg.Dropped),
		)
	}
	deltas := msg.Deltas()
	if len(deltas) == 0 {
		return
	}
	select {
	case m.inbound <- deltas:
	default:
		m.logger.Warn("Inbound channel full, dropping batch",
			zap.Int("dropped_deltas", len(deltas)),
		)
	}
}
