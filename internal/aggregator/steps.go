package aggregator

import (
	"strings"
	"time"

	"vitals-live/internal/models"
)

// DedupeSteps 对原始步数样本去重并求总步数
//
// 规则：
// 1. 按归一化后的来源标签分组
// 2. 标签包含 "watch" 的分组优先（手表为权威来源）
// 3. 否则选择总步数最大的分组
// 4. 组内按分钟分桶，每桶取最大值（同一传感器的重叠窗口
//    上报会落在同一分钟，取最大值避免重复计数）
// 5. 各分钟最大值求和得到总数
func DedupeSteps(samples []models.Sample) float64 {
	partitions := make(map[string][]models.Sample)
	for _, sample := range samples {
		if sample.Type != models.DataTypeSteps || sample.Aggregated {
			continue
		}
		label := normalizeSource(sample.Source)
		partitions[label] = append(partitions[label], sample)
	}
	if len(partitions) == 0 {
		return 0
	}

	chosen := choosePartition(partitions)
	if len(chosen) == 0 {
		return 0
	}

	// 分钟分桶取最大值
	buckets := make(map[int64]float64)
	for _, sample := range chosen {
		minute := sample.Timestamp.Truncate(time.Minute).Unix()
		if sample.Value > buckets[minute] {
			buckets[minute] = sample.Value
		}
	}

	var total float64
	for _, v := range buckets {
		total += v
	}
	return total
}

// choosePartition 选择权威来源分组
func choosePartition(partitions map[string][]models.Sample) []models.Sample {
	// 手表来源优先
	for label, samples := range partitions {
		if strings.Contains(label, "watch") {
			return samples
		}
	}

	// 否则选总步数最大的分组
	var (
		best      []models.Sample
		bestTotal float64
	)
	for _, samples := range partitions {
		var total float64
		for _, s := range samples {
			total += s.Value
		}
		if best == nil || total > bestTotal {
			best = samples
			bestTotal = total
		}
	}
	return best
}

func normalizeSource(source string) string {
	return strings.ToLower(strings.TrimSpace(source))
}
