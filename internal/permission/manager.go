// Package permission 实现权限缓存管理器
//
// 按数据类型跟踪授权状态（unchecked → granted | denied），带 TTL
// 重新校验与变更通知。缓存持久化到 Local Store，外部读者只能
// 获得快照拷贝。
package permission

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"vitals-live/internal/config"
	"vitals-live/internal/health"
	"vitals-live/internal/models"
	"vitals-live/internal/storage"
)

const cacheKeyPrefix = "permission:"

// Manager 权限缓存管理器
type Manager struct {
	cfg      *config.Config
	source   health.Source
	kv       storage.KV
	logger   *zap.Logger
	required []models.DataType

	mu      sync.Mutex
	entries map[models.DataType]models.PermissionCacheEntry

	deltaCh  chan models.PermissionDelta
	noticeCh chan models.MissingPermissionNotice

	started bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func NewManager(cfg *config.Config, source health.Source, kv storage.KV, logger *zap.Logger) *Manager {
	return &Manager{
		cfg:      cfg,
		source:   source,
		kv:       kv,
		logger:   logger,
		required: models.ParseDataTypes(cfg.Permission.RequiredTypes),
		entries:  make(map[models.DataType]models.PermissionCacheEntry),
		deltaCh:  make(chan models.PermissionDelta, 64),
		noticeCh: make(chan models.MissingPermissionNotice, 16),
	}
}

// Initialize 从 Local Store 恢复缓存条目
func (m *Manager) Initialize(ctx context.Context) error {
	keys, err := m.kv.Keys(ctx, cacheKeyPrefix)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, key := range keys {
		raw, err := m.kv.Get(ctx, key)
		if err != nil {
			continue
		}
		var entry models.PermissionCacheEntry
		if err := json.Unmarshal([]byte(raw), &entry); err != nil {
			m.logger.Warn("Dropping malformed permission cache entry",
				zap.String("key", key),
				zap.Error(err),
			)
			_ = m.kv.Del(ctx, key)
			continue
		}
		if entry.DataType.Valid() {
			m.entries[entry.DataType] = entry
		}
	}

	m.logger.Info("Permission cache initialized",
		zap.Int("restored_entries", len(m.entries)),
	)
	return nil
}

// RequestPermissions 请求一组数据类型的授权
//
// 先尝试批量请求；批量失败时逐类型降级请求，独立更新每个条目，
// 并收集状态变更增量。
func (m *Manager) RequestPermissions(ctx context.Context, types []models.DataType) ([]models.PermissionDelta, error) {
	now := time.Now()

	grants, err := m.source.RequestAccess(ctx, types)
	if err != nil {
		m.logger.Warn("Batched permission request failed, falling back to per-type requests",
			zap.Error(err),
		)
		grants = make(map[models.DataType]bool, len(types))
		for _, t := range types {
			perType, perErr := m.source.RequestAccess(ctx, []models.DataType{t})
			if perErr != nil {
				// 单类型失败视为拒绝，不中断整批
				m.logger.Warn("Per-type permission request failed",
					zap.String("data_type", string(t)),
					zap.Error(perErr),
				)
				grants[t] = false
				continue
			}
			grants[t] = perType[t]
		}
	}

	var deltas []models.PermissionDelta

	m.mu.Lock()
	for _, t := range types {
		granted := grants[t]
		if delta := m.applyStatusLocked(ctx, t, granted, now); delta != nil {
			deltas = append(deltas, *delta)
		}
	}
	m.mu.Unlock()

	for _, delta := range deltas {
		m.emitDelta(delta)
	}
	return deltas, nil
}

// CheckPermissions 查询一组数据类型的授权状态
//
// useCache=true 且缓存新鲜时直接返回缓存值；否则向 Health Source
// 重新查询并更新缓存，状态变化时发布增量。单类型查询失败按
// 拒绝处理，不中断整批。
func (m *Manager) CheckPermissions(ctx context.Context, types []models.DataType, useCache bool) map[models.DataType]bool {
	now := time.Now()
	result := make(map[models.DataType]bool, len(types))
	var deltas []models.PermissionDelta

	for _, t := range types {
		m.mu.Lock()
		entry, exists := m.entries[t]
		m.mu.Unlock()

		if useCache && exists && !entry.Stale(now, m.cfg.Permission.CacheExpiration) {
			result[t] = entry.Granted
			continue
		}

		granted, err := m.source.HasAccess(ctx, []models.DataType{t})
		if err != nil {
			// 查询失败视为拒绝
			m.logger.Warn("Permission lookup failed, treating as denied",
				zap.String("data_type", string(t)),
				zap.Error(err),
			)
			granted = false
		}
		result[t] = granted

		m.mu.Lock()
		if delta := m.applyStatusLocked(ctx, t, granted, time.Now()); delta != nil {
			deltas = append(deltas, *delta)
		}
		m.mu.Unlock()
	}

	for _, delta := range deltas {
		m.emitDelta(delta)
	}

	m.notifyMissingRequired(result)
	return result
}

// Entries 返回权限缓存的快照拷贝
func (m *Manager) Entries() map[models.DataType]models.PermissionCacheEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[models.DataType]models.PermissionCacheEntry, len(m.entries))
	for t, entry := range m.entries {
		out[t] = entry
	}
	return out
}

// Deltas 权限状态变更流
func (m *Manager) Deltas() <-chan models.PermissionDelta {
	return m.deltaCh
}

// Notices 缺失权限提示流
func (m *Manager) Notices() <-chan models.MissingPermissionNotice {
	return m.noticeCh
}

// Start 启动后台重新校验（固定周期，useCache=false）
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return
	}
	m.started = true
	revalCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.mu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.cfg.Permission.RevalidateInterval)
		defer ticker.Stop()
		for {
			select {
			case <-revalCtx.Done():
				return
			case <-ticker.C:
				m.CheckPermissions(revalCtx, m.required, false)
			}
		}
	}()
}

// Stop 停止后台重新校验（幂等）
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.started {
		m.mu.Unlock()
		return
	}
	m.started = false
	cancel := m.cancel
	m.cancel = nil
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	m.wg.Wait()
}

// applyStatusLocked 更新单个条目并返回状态变更增量（无变化返回 nil）
func (m *Manager) applyStatusLocked(ctx context.Context, t models.DataType, granted bool, now time.Time) *models.PermissionDelta {
	entry, exists := m.entries[t]

	var previous *bool
	if exists {
		prev := entry.Granted
		previous = &prev
	}

	entry.DataType = t
	entry.Granted = granted
	entry.LastChecked = now
	if granted {
		entry.GrantedAt = &now
		entry.DenialCount = 0
	} else {
		entry.DeniedAt = &now
		entry.DenialCount++
	}
	m.entries[t] = entry
	m.persistLocked(ctx, entry)

	if exists && *previous == granted {
		return nil
	}
	return &models.PermissionDelta{
		DataType:       t,
		PreviousStatus: previous,
		CurrentStatus:  granted,
		Timestamp:      now,
	}
}

func (m *Manager) persistLocked(ctx context.Context, entry models.PermissionCacheEntry) {
	raw, err := json.Marshal(entry)
	if err != nil {
		return
	}
	_ = m.kv.Set(ctx, cacheKeyPrefix+string(entry.DataType), string(raw), 0)
}

// notifyMissingRequired 对必需集合中被拒绝的类型发布用户可见提示
func (m *Manager) notifyMissingRequired(result map[models.DataType]bool) {
	var missing []models.DataType
	for _, t := range m.required {
		if granted, checked := result[t]; checked && !granted {
			missing = append(missing, t)
		}
	}
	if len(missing) == 0 {
		return
	}
	notice := models.MissingPermissionNotice{
		MissingTypes: missing,
		Timestamp:    time.Now(),
	}
	select {
	case m.noticeCh <- notice:
	default:
		// 订阅者未及时消费时丢弃，避免阻塞校验路径
		m.logger.Debug("Missing-permission notice dropped, channel full")
	}
}

func (m *Manager) emitDelta(delta models.PermissionDelta) {
	select {
	case m.deltaCh <- delta:
	default:
		m.logger.Debug("Permission delta dropped, channel full",
			zap.String("data_type", string(delta.DataType)),
		)
	}
}
