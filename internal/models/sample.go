package models

import "time"

// Sample 原始体征样本
//
// 由 Health Source 采集端产生，或由聚合引擎派生（Aggregated=true）。
// 创建后不可变。
type Sample struct {
	ID         string            `json:"id"`
	Type       DataType          `json:"type"`
	Value      float64           `json:"value"`
	Unit       string            `json:"unit"`
	Timestamp  time.Time         `json:"timestamp"`
	EndTime    *time.Time        `json:"end_time,omitempty"`
	Source     string            `json:"source"`
	Aggregated bool              `json:"aggregated,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// LiveDelta 实时增量观测（线上传输格式，比 Sample 更小，无 ID）
type LiveDelta struct {
	Type      DataType  `json:"type"`
	Value     float64   `json:"value"`
	Timestamp time.Time `json:"timestamp"`
	Source    string    `json:"source"`
}

// ToDelta 将样本转换为实时增量
func (s Sample) ToDelta() LiveDelta {
	return LiveDelta{
		Type:      s.Type,
		Value:     s.Value,
		Timestamp: s.Timestamp,
		Source:    s.Source,
	}
}

// DataQuality 数据质量评级（基于新鲜度）
type DataQuality string

const (
	QualityExcellent DataQuality = "excellent"
	QualityGood      DataQuality = "good"
	QualityFair      DataQuality = "fair"
	QualityPoor      DataQuality = "poor"
	QualityNone      DataQuality = "none"
)

// VitalsSnapshot 合并后的体征快照
//
// 字段级 last-write-wins：新样本只覆盖对应字段，
// 其余字段从上一快照继承。
type VitalsSnapshot struct {
	HeartRate  *float64          `json:"heart_rate,omitempty"`
	Steps      *float64          `json:"steps,omitempty"`
	HRV        *float64          `json:"hrv,omitempty"`
	SleepHours *float64          `json:"sleep_hours,omitempty"`
	Energy     *float64          `json:"energy,omitempty"`
	Timestamp  time.Time         `json:"timestamp"`
	Quality    DataQuality       `json:"quality"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// snapshotSetters 类型 → 快照字段写入映射表
var snapshotSetters = map[DataType]func(*VitalsSnapshot, float64){
	DataTypeHeartRate:  func(s *VitalsSnapshot, v float64) { s.HeartRate = &v },
	DataTypeSteps:      func(s *VitalsSnapshot, v float64) { s.Steps = &v },
	DataTypeHRV:        func(s *VitalsSnapshot, v float64) { s.HRV = &v },
	DataTypeEnergy:     func(s *VitalsSnapshot, v float64) { s.Energy = &v },
	DataTypeSleepHours: func(s *VitalsSnapshot, v float64) { s.SleepHours = &v },
}

// SetField 按数据类型写入对应快照字段
//
// 睡眠分段类型没有直接字段（只有派生的 SleepHours），返回 false
// 表示该类型不直接参与快照合并。
func (s *VitalsSnapshot) SetField(t DataType, value float64) bool {
	if setter, ok := snapshotSetters[t]; ok {
		setter(s, value)
		return true
	}
	return false
}

// Clone 返回快照的深拷贝（对外只暴露拷贝，不暴露内部结构）
func (s VitalsSnapshot) Clone() VitalsSnapshot {
	out := s
	out.HeartRate = clonePtr(s.HeartRate)
	out.Steps = clonePtr(s.Steps)
	out.HRV = clonePtr(s.HRV)
	out.SleepHours = clonePtr(s.SleepHours)
	out.Energy = clonePtr(s.Energy)
	if s.Metadata != nil {
		out.Metadata = make(map[string]string, len(s.Metadata))
		for k, v := range s.Metadata {
			out.Metadata[k] = v
		}
	}
	return out
}

// Merge 以 s 为基础合并 other 中存在的字段，返回新快照
//
// other 中缺失的字段从 s 继承（per-field last-write-wins）。
func (s VitalsSnapshot) Merge(other VitalsSnapshot) VitalsSnapshot {
	out := s.Clone()
	if other.HeartRate != nil {
		out.HeartRate = clonePtr(other.HeartRate)
	}
	if other.Steps != nil {
		out.Steps = clonePtr(other.Steps)
	}
	if other.HRV != nil {
		out.HRV = clonePtr(other.HRV)
	}
	if other.SleepHours != nil {
		out.SleepHours = clonePtr(other.SleepHours)
	}
	if other.Energy != nil {
		out.Energy = clonePtr(other.Energy)
	}
	if !other.Timestamp.IsZero() {
		out.Timestamp = other.Timestamp
	}
	if other.Quality != "" {
		out.Quality = other.Quality
	}
	return out
}

func clonePtr(v *float64) *float64 {
	if v == nil {
		return nil
	}
	out := *v
	return &out
}
