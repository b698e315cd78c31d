package fallback

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"vitals-live/internal/config"
	"vitals-live/internal/models"
)

// ProbeFunc 探测首选数据源最近是否有数据
type ProbeFunc func(ctx context.Context) (bool, error)

// Monitor 可用性监视器
//
// 按固定周期探测首选数据源，仅在状态真正变化时发布状态事件。
// 连续无数据达到阈值后从 temporarilyUnavailable 升级为
// permanentlyUnavailable；探测出错记为 unknown。
type Monitor struct {
	cfg    *config.Config
	probe  ProbeFunc
	logger *zap.Logger

	mu         sync.Mutex
	current    models.AvailabilityStatus
	missStreak int
	statusCh   chan models.AvailabilityStatus
	started    bool
	cancel     context.CancelFunc
	wg         sync.WaitGroup
}

func NewMonitor(cfg *config.Config, probe ProbeFunc, logger *zap.Logger) *Monitor {
	return &Monitor{
		cfg:      cfg,
		probe:    probe,
		logger:   logger,
		current:  models.AvailabilityUnknown,
		statusCh: make(chan models.AvailabilityStatus, 8),
	}
}

// Status 当前可用性状态
func (m *Monitor) Status() models.AvailabilityStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// Changes 状态变更流（仅变化时发布）
func (m *Monitor) Changes() <-chan models.AvailabilityStatus {
	return m.statusCh
}

// Start 启动周期探测
func (m *Monitor) Start(ctx context.Context) {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return
	}
	m.started = true
	pollCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.mu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.cfg.Fallback.CheckInterval)
		defer ticker.Stop()
		for {
			select {
			case <-pollCtx.Done():
				return
			case <-ticker.C:
				m.Evaluate(pollCtx)
			}
		}
	}()
}

// Stop 停止探测（幂等）
func (m *Monitor) Stop() {
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

// Evaluate 执行一次探测并更新状态
func (m *Monitor) Evaluate(ctx context.Context) models.AvailabilityStatus {
	hasRecent, err := m.probe(ctx)

	m.mu.Lock()
	var next models.AvailabilityStatus
	switch {
	case err != nil:
		next = models.AvailabilityUnknown
	case hasRecent:
		m.missStreak = 0
		next = models.AvailabilityAvailable
	default:
		m.missStreak++
		if m.missStreak >= m.cfg.Fallback.UnavailableThreshold {
			next = models.AvailabilityPermanentlyUnavailable
		} else {
			next = models.AvailabilityTemporarilyUnavailable
		}
	}

	changed := next != m.current
	m.current = next
	m.mu.Unlock()

	if changed {
		m.logger.Info("Primary source availability changed",
			zap.String("status", string(next)),
		)
		select {
		case m.statusCh <- next:
		default:
		}
	}
	return next
}
