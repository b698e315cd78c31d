package storage

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// FailoverKV 带降级的 KV 存储
//
// 所有写入同时镜像到内存副本。主存储（Redis）出错时记录日志并
// 切换到仅内存模式（尽力而为，不崩溃）；后续操作会继续探测主存
// 储，成功后自动恢复。
type FailoverKV struct {
	primary KV
	memory  *MemoryKV
	logger  *zap.Logger

	mu       sync.Mutex
	degraded bool
}

func NewFailoverKV(primary KV, logger *zap.Logger) *FailoverKV {
	return &FailoverKV{
		primary: primary,
		memory:  NewMemoryKV(),
		logger:  logger,
	}
}

// Degraded 当前是否处于仅内存降级模式
func (f *FailoverKV) Degraded() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.degraded
}

func (f *FailoverKV) markDegraded(op string, err error) {
	f.mu.Lock()
	wasDegraded := f.degraded
	f.degraded = true
	f.mu.Unlock()
	if !wasDegraded {
		f.logger.Warn("Local store unavailable, degrading to in-memory only",
			zap.String("operation", op),
			zap.Error(err),
		)
	}
}

func (f *FailoverKV) markHealthy() {
	f.mu.Lock()
	wasDegraded := f.degraded
	f.degraded = false
	f.mu.Unlock()
	if wasDegraded {
		f.logger.Info("Local store recovered, leaving in-memory degraded mode")
	}
}

func (f *FailoverKV) Get(ctx context.Context, key string) (string, error) {
	val, err := f.primary.Get(ctx, key)
	if err == nil {
		f.markHealthy()
		return val, nil
	}
	if err == ErrKeyNotFound {
		f.markHealthy()
		// 主存储健康但无此键时，仍检查内存副本（降级期间的写入）
		return f.memory.Get(ctx, key)
	}
	f.markDegraded("get", err)
	return f.memory.Get(ctx, key)
}

func (f *FailoverKV) Set(ctx context.Context, key string, value string, ttl time.Duration) error {
	// 写入总是镜像到内存，保证降级后读得到最近状态
	_ = f.memory.Set(ctx, key, value, ttl)
	if err := f.primary.Set(ctx, key, value, ttl); err != nil {
		f.markDegraded("set", err)
		return nil
	}
	f.markHealthy()
	return nil
}

func (f *FailoverKV) Del(ctx context.Context, keys ...string) error {
	_ = f.memory.Del(ctx, keys...)
	if err := f.primary.Del(ctx, keys...); err != nil {
		f.markDegraded("del", err)
		return nil
	}
	f.markHealthy()
	return nil
}

func (f *FailoverKV) Keys(ctx context.Context, prefix string) ([]string, error) {
	keys, err := f.primary.Keys(ctx, prefix)
	if err == nil {
		f.markHealthy()
		return keys, nil
	}
	f.markDegraded("keys", err)
	return f.memory.Keys(ctx, prefix)
}
