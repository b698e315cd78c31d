package models

// AvailabilityStatus 首选数据源可用性状态
type AvailabilityStatus string

const (
	AvailabilityAvailable              AvailabilityStatus = "available"
	AvailabilityTemporarilyUnavailable AvailabilityStatus = "temporarilyUnavailable"
	AvailabilityPermanentlyUnavailable AvailabilityStatus = "permanentlyUnavailable"
	AvailabilityUnknown                AvailabilityStatus = "unknown"
)

// FallbackStrategy 降级策略（用户/运维可配置，持久化，不自动升降级）
type FallbackStrategy string

const (
	StrategyAlternativeDevices   FallbackStrategy = "alternativeDevices"
	StrategySyntheticData        FallbackStrategy = "syntheticData"
	StrategyHistoricalPatterns   FallbackStrategy = "historicalPatterns"
	StrategyDisablePhysiological FallbackStrategy = "disablePhysiological"
)

// ParseFallbackStrategy 解析降级策略字符串
func ParseFallbackStrategy(s string) (FallbackStrategy, bool) {
	switch FallbackStrategy(s) {
	case StrategyAlternativeDevices, StrategySyntheticData,
		StrategyHistoricalPatterns, StrategyDisablePhysiological:
		return FallbackStrategy(s), true
	}
	return "", false
}

// FallbackResult 一次可用性评估的结果（临时对象，每次评估重新计算）
type FallbackResult struct {
	AvailabilityStatus AvailabilityStatus `json:"availability_status"`
	Strategy           FallbackStrategy   `json:"strategy"`
	DataQuality        DataQuality        `json:"data_quality"`
	SubstituteSnapshot *VitalsSnapshot    `json:"substitute_snapshot,omitempty"`
	Message            string             `json:"message"`
}
