// Package backlog 实现离线积压存储
//
// 设备离线期间无法投递的增量写入这里，持久化到 Local Store，
// 重连后整体回放。容量受限（超出时淘汰最旧时间戳的条目），
// 过期条目由周期清理移除。
package backlog

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"vitals-live/internal/config"
	"vitals-live/internal/models"
	"vitals-live/internal/storage"
)

const entryKeyPrefix = "backlog:entry:"

// 错误码（通过结果对象上报，不抛出）
const (
	ErrCodeNotInitialized = "not_initialized"
	ErrCodeStorage        = "storage_error"
	ErrCodeUploadFailed   = "upload_failed"
)

// StoreResult store 操作结果
type StoreResult struct {
	Success      bool
	EntryID      string
	Evicted      int // 为腾出容量而淘汰的条目数
	Expired      int // 本次顺带清理的过期条目数
	ErrorCode    string
	ErrorMessage string
	Elapsed      time.Duration
}

// FlushResult flush 操作结果
type FlushResult struct {
	Success      bool
	Flushed      int
	ErrorCode    string
	ErrorMessage string
	Elapsed      time.Duration
}

// Stats 积压队列统计
type Stats struct {
	Count            int
	OldestEnqueuedAt time.Time
	NewestEnqueuedAt time.Time
}

// UploadFunc 批量上传回调；返回 true 表示整批投递成功
type UploadFunc func(ctx context.Context, entries []models.BacklogEntry) bool

// Store 离线积压存储
//
// 条目同时保存在内存索引与 Local Store 中；Initialize 时从
// Local Store 恢复。所有操作先完成 Initialize 才被接受。
type Store struct {
	cfg    *config.Config
	kv     storage.KV
	logger *zap.Logger

	mu          sync.Mutex
	entries     map[string]models.BacklogEntry
	initialized bool

	started bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func NewStore(cfg *config.Config, kv storage.KV, logger *zap.Logger) *Store {
	return &Store{
		cfg:     cfg,
		kv:      kv,
		logger:  logger,
		entries: make(map[string]models.BacklogEntry),
	}
}

// Initialize 从 Local Store 恢复持久化条目
func (s *Store) Initialize(ctx context.Context) error {
	keys, err := s.kv.Keys(ctx, entryKeyPrefix)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, key := range keys {
		raw, err := s.kv.Get(ctx, key)
		if err != nil {
			if err == storage.ErrKeyNotFound {
				continue
			}
			return err
		}
		var entry models.BacklogEntry
		if err := json.Unmarshal([]byte(raw), &entry); err != nil {
			// 畸形条目：删除并记录，不中断恢复
			s.logger.Warn("Dropping malformed backlog entry",
				zap.String("key", key),
				zap.Error(err),
			)
			_ = s.kv.Del(ctx, key)
			continue
		}
		s.entries[entry.ID] = entry
	}

	s.initialized = true
	s.logger.Info("Backlog store initialized",
		zap.Int("restored_entries", len(s.entries)),
	)
	return nil
}

// Enqueue 写入一条待投递增量
//
// 顺序固定：先清理过期条目，再做容量检查（容量满时淘汰
// Payload.Timestamp 最旧的条目），最后持久化新条目。
func (s *Store) Enqueue(ctx context.Context, delta models.LiveDelta) StoreResult {
	startedAt := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.initialized {
		return StoreResult{
			ErrorCode:    ErrCodeNotInitialized,
			ErrorMessage: "backlog store not initialized",
			Elapsed:      time.Since(startedAt),
		}
	}

	// 1. 过期清理先于容量淘汰
	expired := s.removeExpiredLocked(ctx, startedAt)

	// 2. 容量检查：淘汰最旧时间戳的条目
	evicted := 0
	for len(s.entries) >= s.cfg.Backlog.MaxBufferSize {
		oldest := s.oldestByTimestampLocked()
		if oldest == "" {
			break
		}
		_ = s.kv.Del(ctx, entryKeyPrefix+oldest)
		delete(s.entries, oldest)
		evicted++
	}

	entry := models.BacklogEntry{
		ID:         uuid.NewString(),
		EnqueuedAt: startedAt,
		Payload:    delta,
	}

	raw, err := json.Marshal(entry)
	if err != nil {
		return StoreResult{
			ErrorCode:    ErrCodeStorage,
			ErrorMessage: err.Error(),
			Elapsed:      time.Since(startedAt),
		}
	}
	if err := s.kv.Set(ctx, entryKeyPrefix+entry.ID, string(raw), s.cfg.Backlog.MaxBufferDuration); err != nil {
		return StoreResult{
			ErrorCode:    ErrCodeStorage,
			ErrorMessage: err.Error(),
			Elapsed:      time.Since(startedAt),
		}
	}
	s.entries[entry.ID] = entry

	return StoreResult{
		Success: true,
		EntryID: entry.ID,
		Evicted: evicted,
		Expired: expired,
		Elapsed: time.Since(startedAt),
	}
}

// Flush 整体投递积压条目
//
// 过期条目先被剔除（单独清理，不进入上传载荷）。上传成功则整体
// 清空；失败则条目原样保留并累加重试计数（至少一次投递，绝不静
// 默丢弃）。
func (s *Store) Flush(ctx context.Context, upload UploadFunc) FlushResult {
	startedAt := time.Now()

	s.mu.Lock()
	if !s.initialized {
		s.mu.Unlock()
		return FlushResult{
			ErrorCode:    ErrCodeNotInitialized,
			ErrorMessage: "backlog store not initialized",
			Elapsed:      time.Since(startedAt),
		}
	}

	s.removeExpiredLocked(ctx, startedAt)

	batch := make([]models.BacklogEntry, 0, len(s.entries))
	for _, entry := range s.entries {
		batch = append(batch, entry)
	}
	s.mu.Unlock()

	if len(batch) == 0 {
		return FlushResult{Success: true, Elapsed: time.Since(startedAt)}
	}

	sort.Slice(batch, func(i, j int) bool {
		return batch[i].EnqueuedAt.Before(batch[j].EnqueuedAt)
	})

	ok := upload(ctx, batch)

	s.mu.Lock()
	defer s.mu.Unlock()

	// 上传期间可能有并发变更，重新校验状态
	if !s.initialized {
		return FlushResult{
			ErrorCode:    ErrCodeNotInitialized,
			ErrorMessage: "backlog store disposed during flush",
			Elapsed:      time.Since(startedAt),
		}
	}

	if !ok {
		for _, entry := range batch {
			current, exists := s.entries[entry.ID]
			if !exists {
				continue
			}
			current.RetryCount++
			s.entries[entry.ID] = current
			if raw, err := json.Marshal(current); err == nil {
				_ = s.kv.Set(ctx, entryKeyPrefix+current.ID, string(raw), s.cfg.Backlog.MaxBufferDuration)
			}
		}
		return FlushResult{
			ErrorCode:    ErrCodeUploadFailed,
			ErrorMessage: "upload callback reported failure, entries retained",
			Elapsed:      time.Since(startedAt),
		}
	}

	// 整体清空：只清掉本次上传的条目，上传期间新入队的保留
	keys := make([]string, 0, len(batch))
	for _, entry := range batch {
		if _, exists := s.entries[entry.ID]; exists {
			keys = append(keys, entryKeyPrefix+entry.ID)
			delete(s.entries, entry.ID)
		}
	}
	_ = s.kv.Del(ctx, keys...)

	s.logger.Info("Backlog flushed",
		zap.Int("flushed_entries", len(keys)),
		zap.Duration("elapsed", time.Since(startedAt)),
	)

	return FlushResult{
		Success: true,
		Flushed: len(keys),
		Elapsed: time.Since(startedAt),
	}
}

// GetStats 返回当前统计（拷贝，不暴露内部结构）
func (s *Store) GetStats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	stats := Stats{Count: len(s.entries)}
	for _, entry := range s.entries {
		if stats.OldestEnqueuedAt.IsZero() || entry.EnqueuedAt.Before(stats.OldestEnqueuedAt) {
			stats.OldestEnqueuedAt = entry.EnqueuedAt
		}
		if entry.EnqueuedAt.After(stats.NewestEnqueuedAt) {
			stats.NewestEnqueuedAt = entry.EnqueuedAt
		}
	}
	return stats
}

// Start 启动周期过期清理
func (s *Store) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true

	sweepCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.cfg.Backlog.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-sweepCtx.Done():
				return
			case <-ticker.C:
				s.Sweep(sweepCtx)
			}
		}
	}()
}

// Stop 停止周期清理（幂等）
func (s *Store) Stop() {
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
}

// Sweep 清理超过最长保留时间的条目（独立于容量压力）
func (s *Store) Sweep(ctx context.Context) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.initialized {
		return 0
	}
	removed := s.removeExpiredLocked(ctx, time.Now())
	if removed > 0 {
		s.logger.Debug("Backlog sweep removed expired entries",
			zap.Int("removed", removed),
		)
	}
	return removed
}

func (s *Store) removeExpiredLocked(ctx context.Context, now time.Time) int {
	cutoff := now.Add(-s.cfg.Backlog.MaxBufferDuration)
	removed := 0
	for id, entry := range s.entries {
		if entry.EnqueuedAt.Before(cutoff) {
			_ = s.kv.Del(ctx, entryKeyPrefix+id)
			delete(s.entries, id)
			removed++
		}
	}
	return removed
}

// oldestByTimestampLocked 返回载荷时间戳最旧的条目 ID
//
// 按观测时间淘汰而不是入队顺序：条目可能乱序入队。
func (s *Store) oldestByTimestampLocked() string {
	var (
		oldestID string
		oldestTS time.Time
	)
	for id, entry := range s.entries {
		if oldestID == "" || entry.Payload.Timestamp.Before(oldestTS) {
			oldestID = id
			oldestTS = entry.Payload.Timestamp
		}
	}
	return oldestID
}
