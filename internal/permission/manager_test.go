package permission

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"vitals-live/internal/config"
	"vitals-live/internal/models"
	"vitals-live/internal/storage"
)

// fakeSource 可编程的 Health Source 测试替身
type fakeSource struct {
	mu             sync.Mutex
	grants         map[models.DataType]bool
	requestErr     error
	perTypeErr     map[models.DataType]error
	hasAccessCalls int
	requestCalls   int
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		grants:     make(map[models.DataType]bool),
		perTypeErr: make(map[models.DataType]error),
	}
}

func (f *fakeSource) RequestAccess(_ context.Context, types []models.DataType) (map[models.DataType]bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requestCalls++
	if len(types) > 1 && f.requestErr != nil {
		return nil, f.requestErr
	}
	out := make(map[models.DataType]bool, len(types))
	for _, t := range types {
		if err := f.perTypeErr[t]; err != nil {
			return nil, err
		}
		out[t] = f.grants[t]
	}
	return out, nil
}

func (f *fakeSource) HasAccess(_ context.Context, types []models.DataType) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hasAccessCalls++
	for _, t := range types {
		if err := f.perTypeErr[t]; err != nil {
			return false, err
		}
		if !f.grants[t] {
			return false, nil
		}
	}
	return true, nil
}

func (f *fakeSource) Query(_ context.Context, _ []models.DataType, _, _ time.Time) ([]models.Sample, error) {
	return nil, nil
}

func newTestManager(source *fakeSource) (*Manager, *storage.MemoryKV) {
	cfg := &config.Config{}
	cfg.Permission.CacheExpiration = 24 * time.Hour
	cfg.Permission.RevalidateInterval = time.Hour
	cfg.Permission.RequiredTypes = []string{"heartRate", "steps"}

	kv := storage.NewMemoryKV()
	return NewManager(cfg, source, kv, zap.NewNop()), kv
}

func TestManager_RequestPermissionsBatchedSuccess(t *testing.T) {
	source := newFakeSource()
	source.grants[models.DataTypeHeartRate] = true
	source.grants[models.DataTypeSteps] = true

	mgr, _ := newTestManager(source)
	ctx := context.Background()
	require.NoError(t, mgr.Initialize(ctx))

	deltas, err := mgr.RequestPermissions(ctx, []models.DataType{models.DataTypeHeartRate, models.DataTypeSteps})
	require.NoError(t, err)
	assert.Len(t, deltas, 2)
	assert.Equal(t, 1, source.requestCalls)

	entries := mgr.Entries()
	require.Contains(t, entries, models.DataTypeHeartRate)
	assert.True(t, entries[models.DataTypeHeartRate].Granted)
	assert.NotNil(t, entries[models.DataTypeHeartRate].GrantedAt)
	assert.Equal(t, 0, entries[models.DataTypeHeartRate].DenialCount)
}

func TestManager_RequestPermissionsFallsBackToPerType(t *testing.T) {
	source := newFakeSource()
	source.requestErr = errors.New("batched grant dialog unavailable")
	source.grants[models.DataTypeHeartRate] = true
	// steps 未授权

	mgr, _ := newTestManager(source)
	ctx := context.Background()
	require.NoError(t, mgr.Initialize(ctx))

	deltas, err := mgr.RequestPermissions(ctx, []models.DataType{models.DataTypeHeartRate, models.DataTypeSteps})
	require.NoError(t, err)

	// 批量失败后逐类型请求：1 次批量 + 2 次单类型
	assert.Equal(t, 3, source.requestCalls)
	assert.Len(t, deltas, 2)

	entries := mgr.Entries()
	assert.True(t, entries[models.DataTypeHeartRate].Granted)
	assert.False(t, entries[models.DataTypeSteps].Granted)
	assert.Equal(t, 1, entries[models.DataTypeSteps].DenialCount)
	assert.NotNil(t, entries[models.DataTypeSteps].DeniedAt)
}

func TestManager_CheckPermissionsUsesFreshCache(t *testing.T) {
	source := newFakeSource()
	source.grants[models.DataTypeHeartRate] = true

	mgr, _ := newTestManager(source)
	ctx := context.Background()
	require.NoError(t, mgr.Initialize(ctx))

	mgr.CheckPermissions(ctx, []models.DataType{models.DataTypeHeartRate}, false)
	calls := source.hasAccessCalls

	// 缓存新鲜：useCache=true 不触发再次查询
	result := mgr.CheckPermissions(ctx, []models.DataType{models.DataTypeHeartRate}, true)
	assert.True(t, result[models.DataTypeHeartRate])
	assert.Equal(t, calls, source.hasAccessCalls)
}

func TestManager_StaleCacheTriggersFreshCheck(t *testing.T) {
	source := newFakeSource()
	source.grants[models.DataTypeHeartRate] = true

	mgr, kv := newTestManager(source)
	ctx := context.Background()

	// 预置 25 小时前检查过的缓存条目（cacheExpiration=24h）
	stale := models.PermissionCacheEntry{
		DataType:    models.DataTypeHeartRate,
		Granted:     true,
		LastChecked: time.Now().Add(-25 * time.Hour),
	}
	raw, err := json.Marshal(stale)
	require.NoError(t, err)
	require.NoError(t, kv.Set(ctx, cacheKeyPrefix+"heartRate", string(raw), 0))
	require.NoError(t, mgr.Initialize(ctx))

	result := mgr.CheckPermissions(ctx, []models.DataType{models.DataTypeHeartRate}, true)
	assert.True(t, result[models.DataTypeHeartRate])
	// 过期缓存必须触发一次新查询
	assert.Equal(t, 1, source.hasAccessCalls)
}

func TestManager_LookupFailureTreatedAsDenied(t *testing.T) {
	source := newFakeSource()
	source.grants[models.DataTypeHeartRate] = true
	source.perTypeErr[models.DataTypeSteps] = errors.New("bridge offline")

	mgr, _ := newTestManager(source)
	ctx := context.Background()
	require.NoError(t, mgr.Initialize(ctx))

	result := mgr.CheckPermissions(ctx,
		[]models.DataType{models.DataTypeHeartRate, models.DataTypeSteps}, false)

	// 单类型失败按拒绝处理，不影响其余类型
	assert.True(t, result[models.DataTypeHeartRate])
	assert.False(t, result[models.DataTypeSteps])
}

func TestManager_EmitsDeltaOnStatusChange(t *testing.T) {
	source := newFakeSource()
	source.grants[models.DataTypeHeartRate] = true

	mgr, _ := newTestManager(source)
	ctx := context.Background()
	require.NoError(t, mgr.Initialize(ctx))

	mgr.CheckPermissions(ctx, []models.DataType{models.DataTypeHeartRate}, false)

	select {
	case delta := <-mgr.Deltas():
		assert.Equal(t, models.DataTypeHeartRate, delta.DataType)
		assert.True(t, delta.CurrentStatus)
		assert.Nil(t, delta.PreviousStatus)
	default:
		t.Fatal("expected a permission delta")
	}

	// 状态未变化：不再发布增量
	mgr.CheckPermissions(ctx, []models.DataType{models.DataTypeHeartRate}, false)
	select {
	case <-mgr.Deltas():
		t.Fatal("unchanged status must not emit a delta")
	default:
	}
}

func TestManager_MissingRequiredEmitsNotice(t *testing.T) {
	source := newFakeSource()
	// heartRate 与 steps 都未授权

	mgr, _ := newTestManager(source)
	ctx := context.Background()
	require.NoError(t, mgr.Initialize(ctx))

	mgr.CheckPermissions(ctx, []models.DataType{models.DataTypeHeartRate, models.DataTypeSteps}, false)

	select {
	case notice := <-mgr.Notices():
		assert.ElementsMatch(t,
			[]models.DataType{models.DataTypeHeartRate, models.DataTypeSteps},
			notice.MissingTypes)
	default:
		t.Fatal("expected a missing-permission notice")
	}
}

func TestManager_PersistsEntriesAcrossRestart(t *testing.T) {
	source := newFakeSource()
	source.grants[models.DataTypeHeartRate] = true

	mgr, kv := newTestManager(source)
	ctx := context.Background()
	require.NoError(t, mgr.Initialize(ctx))
	mgr.CheckPermissions(ctx, []models.DataType{models.DataTypeHeartRate}, false)

	// 模拟重启：同一 Local Store 上重建管理器
	cfg := &config.Config{}
	cfg.Permission.CacheExpiration = 24 * time.Hour
	cfg.Permission.RevalidateInterval = time.Hour
	cfg.Permission.RequiredTypes = []string{"heartRate"}
	restarted := NewManager(cfg, source, kv, zap.NewNop())
	require.NoError(t, restarted.Initialize(ctx))

	entries := restarted.Entries()
	require.Contains(t, entries, models.DataTypeHeartRate)
	assert.True(t, entries[models.DataTypeHeartRate].Granted)
}

func TestManager_StopIsIdempotent(t *testing.T) {
	mgr, _ := newTestManager(newFakeSource())
	require.NoError(t, mgr.Initialize(context.Background()))
	mgr.Start(context.Background())
	mgr.Stop()
	mgr.Stop()
}
