package aggregator

import (
	"time"

	"vitals-live/internal/models"
)

// AnalyzeSleepHours 分析最近一个夜间睡眠会话，返回修复性睡眠小时数
//
// 分析窗口为 18 小时，锚点为前一天 18:00；若最新样本的时钟小时
// ≥ 12（说明夜间会话尚未滚动到下一天），锚点改为当天 18:00。
//
// 窗口内计算：
//   - maxMinutesInBed: 在床/时长类样本的最大值
//   - minutesAwake: 清醒类样本之和
//   - minutesAsleepStages: deep/light/rem/asleep 分期之和
//
// 修复性睡眠分钟数 = max(0, maxMinutesInBed - minutesAwake)
// （maxMinutesInBed > 0 时）；否则回退为 minutesAsleepStages。
// 无有效结果时返回 nil（调用方应抑制派生记录的发布）。
func AnalyzeSleepHours(samples []models.Sample) *float64 {
	var latest time.Time
	for _, s := range samples {
		if s.Type.IsSleepSegment() && !s.Aggregated && s.Timestamp.After(latest) {
			latest = s.Timestamp
		}
	}
	if latest.IsZero() {
		return nil
	}

	windowStart := sleepWindowStart(latest)
	windowEnd := windowStart.Add(18 * time.Hour)

	var (
		maxMinutesInBed     float64
		minutesAwake        float64
		minutesAsleepStages float64
	)
	for _, s := range samples {
		if s.Aggregated {
			continue
		}
		if s.Timestamp.Before(windowStart) || s.Timestamp.After(windowEnd) {
			continue
		}
		switch {
		case s.Type == models.DataTypeSleepInBed:
			if s.Value > maxMinutesInBed {
				maxMinutesInBed = s.Value
			}
		case s.Type == models.DataTypeSleepAwake:
			minutesAwake += s.Value
		case s.Type.IsSleepStage():
			minutesAsleepStages += s.Value
		}
	}

	var restorativeMinutes float64
	if maxMinutesInBed > 0 {
		restorativeMinutes = maxMinutesInBed - minutesAwake
		if restorativeMinutes < 0 {
			restorativeMinutes = 0
		}
	} else {
		restorativeMinutes = minutesAsleepStages
	}

	if restorativeMinutes <= 0 {
		return nil
	}
	hours := restorativeMinutes / 60
	return &hours
}

// sleepWindowStart 计算分析窗口起点
func sleepWindowStart(latest time.Time) time.Time {
	anchorDay := latest
	if latest.Hour() < 12 {
		anchorDay = latest.AddDate(0, 0, -1)
	}
	return time.Date(anchorDay.Year(), anchorDay.Month(), anchorDay.Day(),
		18, 0, 0, 0, latest.Location())
}
