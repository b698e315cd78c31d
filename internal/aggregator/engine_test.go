package aggregator

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"vitals-live/internal/config"
	"vitals-live/internal/models"
)

func newTestEngine() *Engine {
	cfg := &config.Config{}
	cfg.Aggregator.HistoryRetention = 24 * time.Hour
	cfg.Aggregator.HistoryMaxCount = 200
	return NewEngine(cfg, zap.NewNop())
}

func TestEngine_MergeCarriesForwardAbsentFields(t *testing.T) {
	engine := newTestEngine()
	now := time.Now()

	snap := engine.Ingest(models.Sample{
		Type: models.DataTypeHeartRate, Value: 72, Timestamp: now, Source: "watch",
	})
	require.NotNil(t, snap)
	require.NotNil(t, snap.HeartRate)
	assert.Equal(t, float64(72), *snap.HeartRate)
	assert.Nil(t, snap.HRV)

	// HRV 样本只更新 HRV 字段，心率从上一快照继承
	snap = engine.Ingest(models.Sample{
		Type: models.DataTypeHRV, Value: 45, Timestamp: now.Add(time.Second), Source: "watch",
	})
	require.NotNil(t, snap)
	require.NotNil(t, snap.HeartRate)
	assert.Equal(t, float64(72), *snap.HeartRate)
	require.NotNil(t, snap.HRV)
	assert.Equal(t, float64(45), *snap.HRV)
}

func TestEngine_RawStepsAndSleepNotEmittedDirectly(t *testing.T) {
	engine := newTestEngine()
	now := time.Now()

	assert.Nil(t, engine.Ingest(models.Sample{
		Type: models.DataTypeSteps, Value: 500, Timestamp: now, Source: "watch",
	}))
	assert.Nil(t, engine.Ingest(models.Sample{
		Type: models.DataTypeSleepDeep, Value: 30, Timestamp: now, Source: "sleep pad",
	}))

	// 原始步数不进入快照，只有派生聚合才会写入
	current := engine.Current()
	assert.Nil(t, current.Steps)
}

func TestEngine_ComputeDerivedStepsReenterMergePath(t *testing.T) {
	engine := newTestEngine()
	now := time.Date(2026, 3, 10, 9, 30, 30, 0, time.UTC)

	engine.Ingest(models.Sample{
		Type: models.DataTypeSteps, Value: 120, Timestamp: now.Add(-30 * time.Second), Source: "Apple Watch",
	})
	engine.Ingest(models.Sample{
		Type: models.DataTypeSteps, Value: 150, Timestamp: now.Add(-10 * time.Second), Source: "Apple Watch",
	})

	derived := engine.ComputeDerived(now)
	require.Len(t, derived, 1)
	assert.Equal(t, models.DataTypeSteps, derived[0].Type)
	assert.True(t, derived[0].Aggregated)
	assert.Equal(t, float64(150), derived[0].Value)

	// 派生记录重新进入合并路径，当前快照反映最新聚合
	current := engine.Current()
	require.NotNil(t, current.Steps)
	assert.Equal(t, float64(150), *current.Steps)
}

func TestEngine_ComputeDerivedSuppressesZeroResults(t *testing.T) {
	engine := newTestEngine()
	derived := engine.ComputeDerived(time.Now())
	assert.Empty(t, derived)
}

func TestEngine_ComputeDerivedEnergyAndSleep(t *testing.T) {
	engine := newTestEngine()
	now := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)

	engine.Ingest(models.Sample{
		Type: models.DataTypeEnergy, Value: 300, Timestamp: now.Add(-2 * time.Hour), Source: "watch",
	})
	engine.Ingest(models.Sample{
		Type: models.DataTypeEnergy, Value: 200, Timestamp: now.Add(-time.Hour), Source: "watch",
	})
	engine.Ingest(models.Sample{
		Type: models.DataTypeSleepInBed, Value: 480, Timestamp: now.Add(-5 * time.Hour), Source: "sleep pad",
	})
	engine.Ingest(models.Sample{
		Type: models.DataTypeSleepAwake, Value: 60, Timestamp: now.Add(-4 * time.Hour), Source: "sleep pad",
	})

	derived := engine.ComputeDerived(now)
	require.Len(t, derived, 2)

	byType := make(map[models.DataType]models.Sample)
	for _, s := range derived {
		byType[s.Type] = s
	}
	assert.Equal(t, float64(500), byType[models.DataTypeEnergy].Value)
	assert.InDelta(t, 7.0, byType[models.DataTypeSleepHours].Value, 0.001)

	current := engine.Current()
	require.NotNil(t, current.SleepHours)
	assert.InDelta(t, 7.0, *current.SleepHours, 0.001)
}

func TestEngine_HistoryBoundedByCount(t *testing.T) {
	cfg := &config.Config{}
	cfg.Aggregator.HistoryRetention = 24 * time.Hour
	cfg.Aggregator.HistoryMaxCount = 10
	engine := NewEngine(cfg, zap.NewNop())

	now := time.Now()
	for i := 0; i < 50; i++ {
		engine.Ingest(models.Sample{
			Type: models.DataTypeHeartRate, Value: float64(60 + i),
			Timestamp: now.Add(time.Duration(i) * time.Second), Source: "watch",
		})
	}
	assert.Len(t, engine.History(), 10)
}

func TestEngine_HistoryEvictionAnchorsToNewestSample(t *testing.T) {
	engine := newTestEngine()
	base := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)

	// 固定日期的样本：剔除基准是样本时间而不是墙钟
	engine.Ingest(models.Sample{
		Type: models.DataTypeHeartRate, Value: 60, Timestamp: base, Source: "watch",
	})
	engine.Ingest(models.Sample{
		Type: models.DataTypeHeartRate, Value: 61, Timestamp: base.Add(time.Minute), Source: "watch",
	})
	assert.Len(t, engine.History(), 2)

	// 相对最新样本超过保留时长的样本被剔除
	engine.Ingest(models.Sample{
		Type: models.DataTypeHeartRate, Value: 62, Timestamp: base.Add(25 * time.Hour), Source: "watch",
	})
	history := engine.History()
	require.Len(t, history, 1)
	assert.Equal(t, float64(62), history[0].Value)
}

func TestEngine_HistoryBoundedByRetention(t *testing.T) {
	engine := newTestEngine()
	now := time.Now()

	engine.Ingest(models.Sample{
		Type: models.DataTypeHeartRate, Value: 60, Timestamp: now.Add(-25 * time.Hour), Source: "watch",
	})
	engine.Ingest(models.Sample{
		Type: models.DataTypeHeartRate, Value: 61, Timestamp: now, Source: "watch",
	})

	history := engine.History()
	require.Len(t, history, 1)
	assert.Equal(t, float64(61), history[0].Value)
}
