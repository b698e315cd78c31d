package models

import "time"

// BacklogEntry 离线积压条目
//
// 由离线积压存储独占持有，进程重启后从 Local Store 恢复。
type BacklogEntry struct {
	ID         string    `json:"id"`
	EnqueuedAt time.Time `json:"enqueued_at"`
	Payload    LiveDelta `json:"payload"`
	RetryCount int       `json:"retry_count"`
}
