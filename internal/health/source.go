// Package health 定义 Health Source 采集端协作接口
//
// 平台侧（手机/手表桥接进程）负责真正读取健康数据；本服务只通过
// Source 接口访问。StreamSource 是基于 Redis Streams 的桥接实现：
// 桥接进程把样本写入流，把授权状态写入 grant 键。
package health

import (
	"context"
	"time"

	"vitals-live/internal/models"
)

// Source Health Source 协作接口
type Source interface {
	// RequestAccess 请求一组数据类型的读取授权，返回各类型的授权结果
	RequestAccess(ctx context.Context, types []models.DataType) (map[models.DataType]bool, error)
	// HasAccess 查询是否已授权全部给定类型
	HasAccess(ctx context.Context, types []models.DataType) (bool, error)
	// Query 查询时间区间内的样本
	Query(ctx context.Context, types []models.DataType, start, end time.Time) ([]models.Sample, error)
}
