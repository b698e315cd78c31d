package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// MessageKind 实时频道消息类型
type MessageKind string

const (
	KindLiveData      MessageKind = "live_data"
	KindLiveDataBatch MessageKind = "live_data_batch"
)

// LiveBatch 批量消息封包
type LiveBatch struct {
	BatchID   string      `json:"batch_id"`
	Messages  []LiveDelta `json:"messages"`
	CreatedAt time.Time   `json:"created_at"`
}

// LiveMessage 实时频道消息（标签联合：Delta 与 Batch 恰有一个非空）
type LiveMessage struct {
	Kind  MessageKind `json:"kind"`
	Delta *LiveDelta  `json:"delta,omitempty"`
	Batch *LiveBatch  `json:"batch,omitempty"`

	// Dropped 解析时从批次中剔除的无效条目数（调用方据此记录日志）
	Dropped int `json:"-"`
}

// EncodeDelta 编码单条增量消息
func EncodeDelta(delta LiveDelta) ([]byte, error) {
	return json.Marshal(LiveMessage{Kind: KindLiveData, Delta: &delta})
}

// EncodeBatch 编码批量消息
func EncodeBatch(batch LiveBatch) ([]byte, error) {
	return json.Marshal(LiveMessage{Kind: KindLiveDataBatch, Batch: &batch})
}

// ParseLiveMessage 解析并校验实时频道消息
//
// 在反序列化边界完成校验：未知 kind、缺失载荷的消息整体拒绝。
// 批次内单条校验失败（未知数据类型、零值时间戳）只剔除该条目并
// 计入 Dropped，其余条目保留，批次继续处理。
func ParseLiveMessage(payload []byte) (*LiveMessage, error) {
	var msg LiveMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal live message: %w", err)
	}

	switch msg.Kind {
	case KindLiveData:
		if msg.Delta == nil {
			return nil, fmt.Errorf("live_data message missing delta")
		}
		if err := validateDelta(*msg.Delta); err != nil {
			return nil, err
		}
	case KindLiveDataBatch:
		if msg.Batch == nil {
			return nil, fmt.Errorf("live_data_batch message missing batch")
		}
		if msg.Batch.BatchID == "" {
			return nil, fmt.Errorf("live_data_batch message missing batch_id")
		}
		kept := msg.Batch.Messages[:0]
		for _, delta := range msg.Batch.Messages {
			if err := validateDelta(delta); err != nil {
				msg.Dropped++
				continue
			}
			kept = append(kept, delta)
		}
		msg.Batch.Messages = kept
	default:
		return nil, fmt.Errorf("unknown message kind: %q", msg.Kind)
	}

	return &msg, nil
}

// Deltas 返回消息携带的全部增量
func (m *LiveMessage) Deltas() []LiveDelta {
	switch m.Kind {
	case KindLiveData:
		return []LiveDelta{*m.Delta}
	case KindLiveDataBatch:
		return m.Batch.Messages
	}
	return nil
}

func validateDelta(d LiveDelta) error {
	if !d.Type.Valid() {
		return fmt.Errorf("unknown data type: %q", d.Type)
	}
	if d.Timestamp.IsZero() {
		return fmt.Errorf("delta of type %s has zero timestamp", d.Type)
	}
	return nil
}
