// Package fallback 实现降级策略引擎与可用性监视器
//
// 首选穿戴来源不可用时，按固定优先级链选择替代数据：
// 其他已连接来源 → 合成数据（显式开启时）→ 历史均值 → 仅参与度模式。
// 活动策略由用户/运维配置并持久化，引擎不会自动升降级。
package fallback

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"

	"vitals-live/internal/config"
	"vitals-live/internal/health"
	"vitals-live/internal/models"
	"vitals-live/internal/storage"
)

const strategyKey = "fallback:strategy"

// strategyChain 固定优先级链
var strategyChain = []models.FallbackStrategy{
	models.StrategyAlternativeDevices,
	models.StrategySyntheticData,
	models.StrategyHistoricalPatterns,
	models.StrategyDisablePhysiological,
}

// Engine 降级策略引擎
type Engine struct {
	cfg       *config.Config
	altSource health.Source // 其他已连接来源（可为 nil）
	kv        storage.KV
	logger    *zap.Logger
	rng       *rand.Rand

	mu       sync.Mutex
	strategy models.FallbackStrategy
	history  []models.VitalsSnapshot // 真实快照的有界窗口（FIFO）
}

func NewEngine(cfg *config.Config, altSource health.Source, kv storage.KV, logger *zap.Logger) *Engine {
	strategy, ok := models.ParseFallbackStrategy(cfg.Fallback.Strategy)
	if !ok {
		strategy = models.StrategyAlternativeDevices
	}
	return &Engine{
		cfg:       cfg,
		altSource: altSource,
		kv:        kv,
		logger:    logger,
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
		strategy:  strategy,
	}
}

// Initialize 从 Local Store 恢复持久化的策略偏好
func (e *Engine) Initialize(ctx context.Context) error {
	raw, err := e.kv.Get(ctx, strategyKey)
	if err != nil {
		if err == storage.ErrKeyNotFound {
			return nil
		}
		return err
	}
	if strategy, ok := models.ParseFallbackStrategy(raw); ok {
		e.mu.Lock()
		e.strategy = strategy
		e.mu.Unlock()
	}
	return nil
}

// Strategy 当前活动策略
func (e *Engine) Strategy() models.FallbackStrategy {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.strategy
}

// SetStrategy 设置并持久化活动策略
func (e *Engine) SetStrategy(ctx context.Context, strategy models.FallbackStrategy) error {
	if _, ok := models.ParseFallbackStrategy(string(strategy)); !ok {
		return fmt.Errorf("unknown fallback strategy: %q", strategy)
	}
	e.mu.Lock()
	e.strategy = strategy
	e.mu.Unlock()
	return e.kv.Set(ctx, strategyKey, string(strategy), 0)
}

// RecordObservation 记录一条真实快照供历史均值策略使用
func (e *Engine) RecordObservation(snapshot models.VitalsSnapshot) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.history = append(e.history, snapshot.Clone())
	if max := e.cfg.Fallback.MaxSyntheticDataPoints; max > 0 && len(e.history) > max {
		e.history = e.history[len(e.history)-max:]
	}
}

// Evaluate 根据可用性状态计算降级结果
//
// status 为 available 时绕过策略链，直接返回真实数据（高质量）。
// 否则从活动策略开始沿固定链级联，直到某一级产出替代数据。
func (e *Engine) Evaluate(ctx context.Context, status models.AvailabilityStatus, real *models.VitalsSnapshot) models.FallbackResult {
	if status == models.AvailabilityAvailable {
		return models.FallbackResult{
			AvailabilityStatus: status,
			Strategy:           e.Strategy(),
			DataQuality:        models.QualityExcellent,
			SubstituteSnapshot: real,
			Message:            "primary source available",
		}
	}

	active := e.Strategy()
	start := 0
	for i, s := range strategyChain {
		if s == active {
			start = i
			break
		}
	}

	for _, strategy := range strategyChain[start:] {
		switch strategy {
		case models.StrategyAlternativeDevices:
			if snapshot := e.tryAlternativeDevices(ctx); snapshot != nil {
				return models.FallbackResult{
					AvailabilityStatus: status,
					Strategy:           strategy,
					DataQuality:        models.QualityGood,
					SubstituteSnapshot: snapshot,
					Message:            "using data from alternative connected source",
				}
			}
		case models.StrategySyntheticData:
			if e.cfg.Fallback.SyntheticEnabled {
				snapshot := e.generateSynthetic()
				return models.FallbackResult{
					AvailabilityStatus: status,
					Strategy:           strategy,
					DataQuality:        models.QualityFair,
					SubstituteSnapshot: &snapshot,
					Message:            "using synthetic snapshot",
				}
			}
		case models.StrategyHistoricalPatterns:
			if snapshot := e.averageHistory(); snapshot != nil {
				return models.FallbackResult{
					AvailabilityStatus: status,
					Strategy:           strategy,
					DataQuality:        models.QualityFair,
					SubstituteSnapshot: snapshot,
					Message:            "using historical average snapshot",
				}
			}
		case models.StrategyDisablePhysiological:
			// 链尾：无替代数据，消费者进入仅参与度模式
		}
	}

	return models.FallbackResult{
		AvailabilityStatus: status,
		Strategy:           models.StrategyDisablePhysiological,
		DataQuality:        models.QualityNone,
		Message:            "physiological data disabled, operate in engagement-only mode",
	}
}

// tryAlternativeDevices 查询其他已连接来源的最近数据
func (e *Engine) tryAlternativeDevices(ctx context.Context) *models.VitalsSnapshot {
	if e.altSource == nil {
		return nil
	}
	now := time.Now()
	samples, err := e.altSource.Query(ctx, models.AllDataTypes, now.Add(-e.cfg.Fallback.RecentWindow), now)
	if err != nil {
		e.logger.Warn("Alternative source query failed", zap.Error(err))
		return nil
	}
	if len(samples) == 0 {
		return nil
	}

	// 每类型取最新样本合并为替代快照
	snapshot := models.VitalsSnapshot{Quality: models.QualityGood}
	latest := make(map[models.DataType]time.Time)
	for _, s := range samples {
		if ts, seen := latest[s.Type]; seen && !s.Timestamp.After(ts) {
			continue
		}
		if snapshot.SetField(s.Type, s.Value) {
			latest[s.Type] = s.Timestamp
			if s.Timestamp.After(snapshot.Timestamp) {
				snapshot.Timestamp = s.Timestamp
			}
		}
	}
	if len(latest) == 0 {
		return nil
	}
	return &snapshot
}

// generateSynthetic 在固定合理区间内生成合成快照
func (e *Engine) generateSynthetic() models.VitalsSnapshot {
	e.mu.Lock()
	hr := 60 + e.rng.Float64()*40        // 60-100 bpm
	steps := 2000 + e.rng.Float64()*6000 // 2000-8000 步
	hrv := 20 + e.rng.Float64()*60       // 20-80 ms
	sleep := 6 + e.rng.Float64()*2       // 6-8 小时
	energy := 1500 + e.rng.Float64()*800 // 1500-2300 kcal
	e.mu.Unlock()

	return models.VitalsSnapshot{
		HeartRate:  &hr,
		Steps:      &steps,
		HRV:        &hrv,
		SleepHours: &sleep,
		Energy:     &energy,
		Timestamp:  time.Now(),
		Quality:    models.QualityFair,
		Metadata:   map[string]string{"synthetic": "true"},
	}
}

// averageHistory 对历史窗口内的真实快照逐字段求均值
func (e *Engine) averageHistory() *models.VitalsSnapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.history) == 0 {
		return nil
	}

	avg := func(pick func(models.VitalsSnapshot) *float64) *float64 {
		var sum float64
		var n int
		for _, s := range e.history {
			if v := pick(s); v != nil {
				sum += *v
				n++
			}
		}
		if n == 0 {
			return nil
		}
		out := sum / float64(n)
		return &out
	}

	return &models.VitalsSnapshot{
		HeartRate:  avg(func(s models.VitalsSnapshot) *float64 { return s.HeartRate }),
		Steps:      avg(func(s models.VitalsSnapshot) *float64 { return s.Steps }),
		HRV:        avg(func(s models.VitalsSnapshot) *float64 { return s.HRV }),
		SleepHours: avg(func(s models.VitalsSnapshot) *float64 { return s.SleepHours }),
		Energy:     avg(func(s models.VitalsSnapshot) *float64 { return s.Energy }),
		Timestamp:  time.Now(),
		Quality:    models.QualityFair,
		Metadata:   map[string]string{"historical": "true"},
	}
}

// HistoryLen 当前历史窗口长度
func (e *Engine) HistoryLen() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.history)
}
