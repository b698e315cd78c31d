// Package aggregator 实现聚合引擎
//
// 把原始样本流转换为：
// (a) 字段级合并的 "当前" 体征快照
// (b) 周期派生聚合（今日步数、今日能量、最近一次睡眠小时数）
//
// 原始步数与睡眠分段样本不直接发布给订阅者，只有合并/聚合后的
// 视图会被发布；派生记录带 Aggregated 标记以区分于原始记录。
package aggregator

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"vitals-live/internal/config"
	"vitals-live/internal/models"
)

// DerivedSource 派生样本的来源标签
const DerivedSource = "aggregator"

// Engine 聚合引擎
type Engine struct {
	cfg    *config.Config
	logger *zap.Logger

	mu      sync.Mutex
	history []models.Sample
	current models.VitalsSnapshot
	latest  time.Time // 已见样本的最大时间戳（历史剔除的基准）
}

func NewEngine(cfg *config.Config, logger *zap.Logger) *Engine {
	return &Engine{
		cfg:    cfg,
		logger: logger,
	}
}

// Ingest 接收一条原始样本
//
// 样本进入滚动历史（同时受保留时长与数量上限约束）。步数与睡眠
// 分段原始样本不触发快照更新（它们只参与派生聚合）；其余类型按
// 字段合并进当前快照并返回合并结果的拷贝。
func (e *Engine) Ingest(sample models.Sample) *models.VitalsSnapshot {
	if !sample.Type.Valid() {
		e.logger.Warn("Ignoring sample with unknown type",
			zap.String("type", string(sample.Type)),
		)
		return nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	e.history = append(e.history, sample)
	if sample.Timestamp.After(e.latest) {
		e.latest = sample.Timestamp
	}
	e.evictHistoryLocked(e.latest)

	// 原始步数/睡眠分段不直接发布
	if !sample.Aggregated && (sample.Type == models.DataTypeSteps || sample.Type.IsSleepSegment()) {
		return nil
	}

	return e.mergeLocked(sample.Type, sample.Value, sample.Timestamp)
}

// Current 返回当前快照拷贝
func (e *Engine) Current() models.VitalsSnapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.current.Clone()
}

// History 返回滚动历史拷贝（仅用于质量评估与短趋势查询）
func (e *Engine) History() []models.Sample {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]models.Sample, len(e.history))
	copy(out, e.history)
	return out
}

// ComputeDerived 计算派生聚合并重新进入合并路径
//
// 仅当计算结果非零/非空时才发布派生记录；发布的派生样本同时
// 合并进当前快照，使订阅者看到最新聚合值。
func (e *Engine) ComputeDerived(now time.Time) []models.Sample {
	e.mu.Lock()
	defer e.mu.Unlock()

	var derived []models.Sample

	// 今日步数（去重）
	todaySamples := e.samplesSinceLocked(startOfDay(now))
	if steps := DedupeSteps(todaySamples); steps > 0 {
		derived = append(derived, e.emitDerivedLocked(models.DataTypeSteps, steps, now))
	}

	// 今日能量
	var energy float64
	for _, s := range todaySamples {
		if s.Type == models.DataTypeEnergy && !s.Aggregated {
			energy += s.Value
		}
	}
	if energy > 0 {
		derived = append(derived, e.emitDerivedLocked(models.DataTypeEnergy, energy, now))
	}

	// 最近一次睡眠会话
	if hours := AnalyzeSleepHours(e.history); hours != nil {
		derived = append(derived, e.emitDerivedLocked(models.DataTypeSleepHours, *hours, now))
	}

	if len(derived) > 0 {
		e.logger.Debug("Computed derived aggregates",
			zap.Int("derived_count", len(derived)),
		)
	}
	return derived
}

// emitDerivedLocked 生成派生样本并合并进当前快照
func (e *Engine) emitDerivedLocked(t models.DataType, value float64, now time.Time) models.Sample {
	sample := models.Sample{
		ID:         uuid.NewString(),
		Type:       t,
		Value:      value,
		Unit:       t.Unit(),
		Timestamp:  now,
		Source:     DerivedSource,
		Aggregated: true,
	}
	e.history = append(e.history, sample)
	if now.After(e.latest) {
		e.latest = now
	}
	e.evictHistoryLocked(e.latest)
	e.mergeLocked(t, value, now)
	return sample
}

func (e *Engine) mergeLocked(t models.DataType, value float64, ts time.Time) *models.VitalsSnapshot {
	if !e.current.SetField(t, value) {
		return nil
	}
	if ts.After(e.current.Timestamp) {
		e.current.Timestamp = ts
	}
	out := e.current.Clone()
	return &out
}

// evictHistoryLocked 每次插入同时应用保留时长与数量上限
//
// 基准为已见样本的最大时间戳而不是墙钟，回放历史数据时不会把
// 整个窗口误剔除。
func (e *Engine) evictHistoryLocked(ref time.Time) {
	cutoff := ref.Add(-e.cfg.Aggregator.HistoryRetention)
	kept := e.history[:0]
	for _, s := range e.history {
		if !s.Timestamp.Before(cutoff) {
			kept = append(kept, s)
		}
	}
	e.history = kept

	if max := e.cfg.Aggregator.HistoryMaxCount; max > 0 && len(e.history) > max {
		e.history = e.history[len(e.history)-max:]
	}
}

func (e *Engine) samplesSinceLocked(since time.Time) []models.Sample {
	var out []models.Sample
	for _, s := range e.history {
		if !s.Timestamp.Before(since) {
			out = append(out, s)
		}
	}
	return out
}

func startOfDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
}
