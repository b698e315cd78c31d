// Package coordinator 实现体征订阅协调器
//
// 顶层门面：向消费者暴露一条快照订阅流与一条状态流。两种订阅
// 模式（push / poll）由持久化偏好决定，订阅启动时读取一次；
// 切换模式需要先停止再重新启动订阅。
//
// 协调器维护订阅者本地的滚动快照历史（与聚合引擎的原始样本
// 历史相互独立：协调器只持有派生快照，不持有原始样本）。
package coordinator

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"vitals-live/internal/config"
	"vitals-live/internal/fallback"
	"vitals-live/internal/health"
	"vitals-live/internal/models"
	"vitals-live/internal/storage"
)

// Mode 订阅模式
type Mode string

const (
	ModePush Mode = "push"
	ModePoll Mode = "poll"
)

// Status 消费者可见的订阅状态
type Status string

const (
	StatusActive   Status = "active"
	StatusPolling  Status = "polling"
	StatusDegraded Status = "degraded"
	StatusError    Status = "error"
	StatusStopped  Status = "stopped"
)

const modeKey = "coordinator:mode"

// hrReading 滚动平均与压力启发式使用的心率读数
type hrReading struct {
	value float64
	at    time.Time
}

// MessageSource push 模式的入站增量来源（生产实现为 transport.Manager）
type MessageSource interface {
	Messages() <-chan []models.LiveDelta
}

// Coordinator 体征订阅协调器
type Coordinator struct {
	cfg            *config.Config
	messages       MessageSource
	source         health.Source
	fallbackEngine *fallback.Engine
	kv             storage.KV
	logger         *zap.Logger

	mu       sync.Mutex
	mode     Mode
	current  models.VitalsSnapshot
	history  []models.VitalsSnapshot
	hrWindow []hrReading
	started  bool
	cancel   context.CancelFunc
	wg       sync.WaitGroup

	snapshotCh chan models.VitalsSnapshot
	statusCh   chan Status
}

func NewCoordinator(
	cfg *config.Config,
	messages MessageSource,
	source health.Source,
	fallbackEngine *fallback.Engine,
	kv storage.KV,
	logger *zap.Logger,
) *Coordinator {
	return &Coordinator{
		cfg:            cfg,
		messages:       messages,
		source:         source,
		fallbackEngine: fallbackEngine,
		kv:             kv,
		logger:         logger,
		snapshotCh:     make(chan models.VitalsSnapshot, 64),
		statusCh:       make(chan Status, 16),
	}
}

// Start 启动订阅
//
// 模式偏好从 Local Store 读取一次（缺省用配置值）；启动后模式
// 固定，切换需 Stop 后重新 Start。
func (c *Coordinator) Start(ctx context.Context, availability <-chan models.AvailabilityStatus) error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return nil
	}
	c.started = true
	c.mode = c.loadMode(ctx)
	mode := c.mode
	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.mu.Unlock()

	c.logger.Info("Vitals subscription started", zap.String("mode", string(mode)))

	switch mode {
	case ModePoll:
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			c.runPollLoop(runCtx)
		}()
	default:
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			c.runPushLoop(runCtx)
		}()
	}

	if availability != nil {
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			c.runAvailabilityLoop(runCtx, availability)
		}()
	}

	c.emitStatus(StatusActive)
	return nil
}

// Stop 停止订阅（幂等）
func (c *Coordinator) Stop() {
	c.mu.Lock()
	if !c.started {
		c.mu.Unlock()
		return
	}
	c.started = false
	cancel := c.cancel
	c.cancel = nil
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	c.wg.Wait()
	c.emitStatus(StatusStopped)
	c.logger.Info("Vitals subscription stopped")
}

// Mode 当前订阅模式
func (c *Coordinator) Mode() Mode {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mode
}

// SetModePreference 持久化模式偏好（下次 Start 时生效）
func (c *Coordinator) SetModePreference(ctx context.Context, mode Mode) error {
	return c.kv.Set(ctx, modeKey, string(mode), 0)
}

// Snapshots 快照订阅流
func (c *Coordinator) Snapshots() <-chan models.VitalsSnapshot {
	return c.snapshotCh
}

// StatusUpdates 状态流
func (c *Coordinator) StatusUpdates() <-chan Status {
	return c.statusCh
}

// Current 当前快照拷贝
func (c *Coordinator) Current() models.VitalsSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current.Clone()
}

// History 订阅者本地快照历史的拷贝（短趋势查询，按合并顺序）
func (c *Coordinator) History() []models.VitalsSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]models.VitalsSnapshot, len(c.history))
	for i, s := range c.history {
		out[i] = s.Clone()
	}
	return out
}

// RollingAverageHeartRate 配置窗口内的滚动平均心率
func (c *Coordinator) RollingAverageHeartRate() *float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.averageHeartRateLocked(time.Now())
}

// StressSignal 压力启发式
//
// 最新心率超过近期窗口均值的 115% 时发出信号；不足两条读数时
// 不发信号。
func (c *Coordinator) StressSignal() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.evictHeartRateLocked(time.Now())
	if len(c.hrWindow) < 2 {
		return false
	}
	avg := c.averageHeartRateLocked(time.Now())
	if avg == nil {
		return false
	}
	latest := c.hrWindow[len(c.hrWindow)-1].value
	return latest > *avg*1.15
}

// IngestDelta 把一条增量合并进订阅者视图并发布快照
//
// push 循环与可用性降级路径共用；导出以便组合根在需要时直接
// 注入派生增量。
func (c *Coordinator) IngestDelta(delta models.LiveDelta, quality models.DataQuality) {
	c.mu.Lock()
	if !c.current.SetField(delta.Type, delta.Value) {
		c.mu.Unlock()
		return
	}
	if delta.Timestamp.After(c.current.Timestamp) {
		c.current.Timestamp = delta.Timestamp
	}
	c.current.Quality = quality

	if delta.Type == models.DataTypeHeartRate {
		c.hrWindow = append(c.hrWindow, hrReading{value: delta.Value, at: delta.Timestamp})
		c.evictHeartRateLocked(time.Now())
	}

	snapshot := c.current.Clone()
	c.history = append(c.history, snapshot)
	c.evictHistoryLocked(time.Now())
	c.mu.Unlock()

	if c.fallbackEngine != nil {
		c.fallbackEngine.RecordObservation(snapshot)
	}
	c.emitSnapshot(snapshot)
}

// runPushLoop push 模式：消费传输管理器的入站消息流
func (c *Coordinator) runPushLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case deltas, ok := <-c.messages.Messages():
			if !ok {
				return
			}
			now := time.Now()
			for _, delta := range deltas {
				c.IngestDelta(delta, c.pushQuality(now.Sub(delta.Timestamp)))
			}
		}
	}
}

// runPollLoop poll 模式：按固定周期查询 Health Source 的前一窗口
func (c *Coordinator) runPollLoop(ctx context.Context) {
	interval := c.cfg.Coordinator.PollInterval
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	lastPoll := time.Now().Add(-interval)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.emitStatus(StatusPolling)
			now := time.Now()
			samples, err := c.source.Query(ctx, models.AllDataTypes, lastPoll, now)
			if err != nil {
				// 查询失败降级为状态通知，订阅继续
				c.logger.Warn("Poll query failed", zap.Error(err))
				c.emitStatus(StatusError)
				continue
			}
			lastPoll = now
			for _, sample := range samples {
				c.IngestDelta(sample.ToDelta(), c.pollQuality(now.Sub(sample.Timestamp)))
			}
		}
	}
}

// runAvailabilityLoop 首选来源降级时咨询降级策略引擎
func (c *Coordinator) runAvailabilityLoop(ctx context.Context, availability <-chan models.AvailabilityStatus) {
	for {
		select {
		case <-ctx.Done():
			return
		case status, ok := <-availability:
			if !ok {
				return
			}
			if status == models.AvailabilityAvailable {
				c.emitStatus(StatusActive)
				continue
			}
			c.emitStatus(StatusDegraded)
			if c.fallbackEngine == nil {
				continue
			}
			result := c.fallbackEngine.Evaluate(ctx, status, nil)
			if result.SubstituteSnapshot != nil {
				snapshot := result.SubstituteSnapshot.Clone()
				snapshot.Quality = result.DataQuality
				c.mu.Lock()
				c.current = c.current.Merge(snapshot)
				merged := c.current.Clone()
				c.mu.Unlock()
				c.emitSnapshot(merged)
			}
			c.logger.Info("Fallback strategy applied",
				zap.String("availability", string(status)),
				zap.String("strategy", string(result.Strategy)),
				zap.String("quality", string(result.DataQuality)),
			)
		}
	}
}

// pushQuality push 模式质量评级：仅由样本年龄决定
func (c *Coordinator) pushQuality(age time.Duration) models.DataQuality {
	switch {
	case age <= 5*time.Second:
		return models.QualityExcellent
	case age <= 30*time.Second:
		return models.QualityGood
	case age <= 60*time.Second:
		return models.QualityFair
	}
	return models.QualityPoor
}

// pollQuality poll 模式质量评级：阈值按轮询周期缩放
func (c *Coordinator) pollQuality(age time.Duration) models.DataQuality {
	interval := c.cfg.Coordinator.PollInterval
	switch {
	case age <= interval:
		return models.QualityGood
	case age <= 2*interval:
		return models.QualityFair
	}
	return models.QualityPoor
}

func (c *Coordinator) loadMode(ctx context.Context) Mode {
	raw, err := c.kv.Get(ctx, modeKey)
	if err == nil {
		switch Mode(raw) {
		case ModePush, ModePoll:
			return Mode(raw)
		}
	}
	if c.cfg.Coordinator.Mode == string(ModePoll) {
		return ModePoll
	}
	return ModePush
}

func (c *Coordinator) averageHeartRateLocked(now time.Time) *float64 {
	cutoff := now.Add(-c.cfg.Coordinator.HeartRateWindow)
	var sum float64
	var n int
	for _, r := range c.hrWindow {
		if !r.at.Before(cutoff) {
			sum += r.value
			n++
		}
	}
	if n == 0 {
		return nil
	}
	avg := sum / float64(n)
	return &avg
}

func (c *Coordinator) evictHeartRateLocked(now time.Time) {
	cutoff := now.Add(-c.cfg.Coordinator.HeartRateWindow)
	kept := c.hrWindow[:0]
	for _, r := range c.hrWindow {
		if !r.at.Before(cutoff) {
			kept = append(kept, r)
		}
	}
	c.hrWindow = kept
}

// evictHistoryLocked 快照历史同时受保留时长与数量上限约束
func (c *Coordinator) evictHistoryLocked(now time.Time) {
	cutoff := now.Add(-c.cfg.Coordinator.HistoryRetention)
	kept := c.history[:0]
	for _, s := range c.history {
		if !s.Timestamp.Before(cutoff) {
			kept = append(kept, s)
		}
	}
	c.history = kept
	if max := c.cfg.Coordinator.HistoryMaxCount; max > 0 && len(c.history) > max {
		c.history = c.history[len(c.history)-max:]
	}
}

func (c *Coordinator) emitSnapshot(snapshot models.VitalsSnapshot) {
	select {
	case c.snapshotCh <- snapshot:
	default:
		c.logger.Debug("Snapshot dropped, subscriber channel full")
	}
}

func (c *Coordinator) emitStatus(status Status) {
	select {
	case c.statusCh <- status:
	default:
	}
}
