// Package models 定义体征数据的核心模型
//
// 包括：
// - 原始样本（Sample）与实时增量（LiveDelta）
// - 合并快照（VitalsSnapshot）
// - 离线积压条目（BacklogEntry）
// - 权限缓存条目与变更增量
// - 降级策略结果
// - 实时频道的消息封包（live_data / live_data_batch）
package models

// DataType 体征数据类型（封闭枚举）
//
// 所有按类型分支的逻辑通过本包的映射表完成（单位、睡眠分类、
// 快照字段写入），避免各组件各自维护 switch 导致漂移。
type DataType string

const (
	DataTypeSteps       DataType = "steps"
	DataTypeHeartRate   DataType = "heartRate"
	DataTypeHRV         DataType = "hrv"
	DataTypeEnergy      DataType = "energy"
	DataTypeSleepInBed  DataType = "sleepInBed"
	DataTypeSleepAsleep DataType = "sleepAsleep"
	DataTypeSleepAwake  DataType = "sleepAwake"
	DataTypeSleepDeep   DataType = "sleepDeep"
	DataTypeSleepLight  DataType = "sleepLight"
	DataTypeSleepRem    DataType = "sleepRem"
	// DataTypeSleepHours 派生类型：聚合引擎计算的修复性睡眠小时数
	DataTypeSleepHours DataType = "sleepHours"
)

// AllDataTypes 全部数据类型（顺序固定，用于批量权限请求等场景）
var AllDataTypes = []DataType{
	DataTypeSteps,
	DataTypeHeartRate,
	DataTypeHRV,
	DataTypeEnergy,
	DataTypeSleepInBed,
	DataTypeSleepAsleep,
	DataTypeSleepAwake,
	DataTypeSleepDeep,
	DataTypeSleepLight,
	DataTypeSleepRem,
	DataTypeSleepHours,
}

// dataTypeUnits 类型 → 单位映射表
var dataTypeUnits = map[DataType]string{
	DataTypeSteps:       "count",
	DataTypeHeartRate:   "bpm",
	DataTypeHRV:         "ms",
	DataTypeEnergy:      "kcal",
	DataTypeSleepInBed:  "min",
	DataTypeSleepAsleep: "min",
	DataTypeSleepAwake:  "min",
	DataTypeSleepDeep:   "min",
	DataTypeSleepLight:  "min",
	DataTypeSleepRem:    "min",
	DataTypeSleepHours:  "h",
}

// sleepStageTypes 计入 "已入睡分期" 的类型
var sleepStageTypes = map[DataType]bool{
	DataTypeSleepAsleep: true,
	DataTypeSleepDeep:   true,
	DataTypeSleepLight:  true,
	DataTypeSleepRem:    true,
}

// Valid 判断是否为已知数据类型
func (t DataType) Valid() bool {
	_, ok := dataTypeUnits[t]
	return ok
}

// Unit 返回该类型的标准单位
func (t DataType) Unit() string {
	return dataTypeUnits[t]
}

// IsSleepSegment 是否为睡眠分段类型（含在床、清醒与各睡眠分期）
func (t DataType) IsSleepSegment() bool {
	switch t {
	case DataTypeSleepInBed, DataTypeSleepAwake:
		return true
	}
	return sleepStageTypes[t]
}

// IsSleepStage 是否为已入睡的睡眠分期（deep/light/rem/asleep）
func (t DataType) IsSleepStage() bool {
	return sleepStageTypes[t]
}

// ParseDataType 解析数据类型字符串
func ParseDataType(s string) (DataType, bool) {
	t := DataType(s)
	return t, t.Valid()
}

// ParseDataTypes 批量解析数据类型，未知类型被跳过
func ParseDataTypes(names []string) []DataType {
	out := make([]DataType, 0, len(names))
	for _, name := range names {
		if t, ok := ParseDataType(name); ok {
			out = append(out, t)
		}
	}
	return out
}
