package health

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"vitals-live/internal/models"
)

const (
	grantKeyPrefix  = "health:grant:"
	requestStream   = "health:access:requests"
	defaultQueryCap = 1000
)

// StreamSource 基于 Redis Streams 的 Health Source 桥接实现
//
// 桥接进程把采集到的样本以 JSON 写入 sampleStream（字段 "sample"），
// 并把各数据类型的授权状态写入 health:grant:{type}。
// RequestAccess 把请求发布到 health:access:requests 流，随后读取
// 桥接进程维护的授权键作为结果。
type StreamSource struct {
	client       *redis.Client
	sampleStream string
	logger       *zap.Logger
}

func NewStreamSource(client *redis.Client, sampleStream string, logger *zap.Logger) *StreamSource {
	return &StreamSource{
		client:       client,
		sampleStream: sampleStream,
		logger:       logger,
	}
}

// RequestAccess 请求授权
func (s *StreamSource) RequestAccess(ctx context.Context, types []models.DataType) (map[models.DataType]bool, error) {
	names := make([]string, len(types))
	for i, t := range types {
		names[i] = string(t)
	}
	payload, err := json.Marshal(names)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal access request: %w", err)
	}

	if err := s.client.XAdd(ctx, &redis.XAddArgs{
		Stream: requestStream,
		Values: map[string]interface{}{
			"types":        string(payload),
			"requested_at": time.Now().Unix(),
		},
	}).Err(); err != nil {
		return nil, fmt.Errorf("failed to publish access request: %w", err)
	}

	// 读取桥接进程维护的授权状态
	grants := make(map[models.DataType]bool, len(types))
	for _, t := range types {
		granted, err := s.grantFlag(ctx, t)
		if err != nil {
			return nil, err
		}
		grants[t] = granted
	}
	return grants, nil
}

// HasAccess 查询是否已授权全部给定类型
func (s *StreamSource) HasAccess(ctx context.Context, types []models.DataType) (bool, error) {
	for _, t := range types {
		granted, err := s.grantFlag(ctx, t)
		if err != nil {
			return false, err
		}
		if !granted {
			return false, nil
		}
	}
	return true, nil
}

// Query 按时间区间读取样本（XRANGE，按毫秒时间戳定界）
func (s *StreamSource) Query(ctx context.Context, types []models.DataType, start, end time.Time) ([]models.Sample, error) {
	wanted := make(map[models.DataType]bool, len(types))
	for _, t := range types {
		wanted[t] = true
	}

	startID := fmt.Sprintf("%d-0", start.UnixMilli())
	endID := fmt.Sprintf("%d-0", end.UnixMilli())

	msgs, err := s.client.XRangeN(ctx, s.sampleStream, startID, endID, defaultQueryCap).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read sample stream: %w", err)
	}

	var samples []models.Sample
	for _, msg := range msgs {
		raw, ok := msg.Values["sample"].(string)
		if !ok {
			s.logger.Warn("Sample stream entry missing sample field",
				zap.String("message_id", msg.ID),
			)
			continue
		}
		var sample models.Sample
		if err := json.Unmarshal([]byte(raw), &sample); err != nil {
			// 畸形条目：丢弃并记录，继续处理其余条目
			s.logger.Warn("Dropping malformed sample",
				zap.String("message_id", msg.ID),
				zap.Error(err),
			)
			continue
		}
		if !sample.Type.Valid() {
			s.logger.Warn("Dropping sample with unknown type",
				zap.String("message_id", msg.ID),
				zap.String("type", string(sample.Type)),
			)
			continue
		}
		if len(wanted) > 0 && !wanted[sample.Type] {
			continue
		}
		samples = append(samples, sample)
	}
	return samples, nil
}

func (s *StreamSource) grantFlag(ctx context.Context, t models.DataType) (bool, error) {
	val, err := s.client.Get(ctx, grantKeyPrefix+string(t)).Result()
	if err != nil {
		if err == redis.Nil {
			return false, nil
		}
		return false, fmt.Errorf("failed to read grant flag for %s: %w", t, err)
	}
	return val == "true", nil
}
