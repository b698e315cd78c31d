package models

import "time"

// PermissionCacheEntry 单个数据类型的权限缓存条目
//
// 仅由权限缓存管理器修改；外部只读快照拷贝。
type PermissionCacheEntry struct {
	DataType    DataType   `json:"data_type"`
	Granted     bool       `json:"granted"`
	LastChecked time.Time  `json:"last_checked"`
	GrantedAt   *time.Time `json:"granted_at,omitempty"`
	DeniedAt    *time.Time `json:"denied_at,omitempty"`
	DenialCount int        `json:"denial_count"`
}

// Stale 判断缓存条目是否已过期（过期后必须重新校验才可用于门控判断）
func (e PermissionCacheEntry) Stale(now time.Time, expiration time.Duration) bool {
	return now.Sub(e.LastChecked) > expiration
}

// PermissionDelta 权限状态变更增量（只发布，不长期存储）
type PermissionDelta struct {
	DataType       DataType  `json:"data_type"`
	PreviousStatus *bool     `json:"previous_status,omitempty"`
	CurrentStatus  bool      `json:"current_status"`
	Timestamp      time.Time `json:"timestamp"`
}

// MissingPermissionNotice 缺失权限的用户可见提示
type MissingPermissionNotice struct {
	MissingTypes []DataType `json:"missing_types"`
	Timestamp    time.Time  `json:"timestamp"`
}
