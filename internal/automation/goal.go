package automation

import "time"

// GoalStatus 表示目标的进展状态。
type GoalStatus string

const (
	GoalOnTrack  GoalStatus = "on_track"
	GoalAtRisk   GoalStatus = "at_risk"
	GoalBehind   GoalStatus = "behind"
	GoalAchieved GoalStatus = "achieved"
)

// Goal 描述了为某个商户追踪的数值型目标。
// Status 始终由 EvaluateGoalStatus 重算，除创建时的 on_track 外不接受外部赋值。
type Goal struct {
	ID           string     `json:"id"`
	BusinessID   string     `json:"business_id"`
	GoalType     string     `json:"goal_type"`
	TargetValue  float64    `json:"target_value"`
	CurrentValue float64    `json:"current_value"`
	Deadline     int64      `json:"deadline"`
	Status       GoalStatus `json:"status"`
	LastUpdated  int64      `json:"last_updated"`
	CreatedAt    int64      `json:"created_at"`
}

// 状态判定阈值。顺序敏感：achieved 优先于 at_risk，at_risk 优先于 behind。
const (
	atRiskWindowDays  = 30
	atRiskProgress    = 0.70
	behindWindowDays  = 60
	behindProgress    = 0.50
	achievedThreshold = 1.0
)

// EvaluateGoalStatus 根据进度与剩余天数计算目标状态。
// 纯函数，首个命中的规则生效：
//
//	progress >= 1.0                          -> achieved
//	days_remaining < 30 且 progress < 0.70   -> at_risk
//	days_remaining < 60 且 progress < 0.50   -> behind
//	其余                                     -> on_track
func EvaluateGoalStatus(progress float64, daysRemaining float64) GoalStatus {
	if progress >= achievedThreshold {
		return GoalAchieved
	}
	if daysRemaining < atRiskWindowDays && progress < atRiskProgress {
		return GoalAtRisk
	}
	if daysRemaining < behindWindowDays && progress < behindProgress {
		return GoalBehind
	}
	return GoalOnTrack
}

// Progress 返回当前进度，目标值非法时视为零进度。
func (g *Goal) Progress() float64 {
	if g == nil || g.TargetValue <= 0 {
		return 0
	}
	return g.CurrentValue / g.TargetValue
}

// Evaluate 以 now 为基准重算目标状态。
func (g *Goal) Evaluate(now time.Time) GoalStatus {
	daysRemaining := time.Unix(g.Deadline, 0).Sub(now).Hours() / 24
	return EvaluateGoalStatus(g.Progress(), daysRemaining)
}

// IsFailing 判断目标是否处于需要干预的状态。
func (g *Goal) IsFailing() bool {
	return g != nil && (g.Status == GoalAtRisk || g.Status == GoalBehind)
}

// IsValidGoalStatus 检查给定的目标状态是否为支持的枚举值。
func IsValidGoalStatus(status GoalStatus) bool {
	switch status {
	case GoalOnTrack, GoalAtRisk, GoalBehind, GoalAchieved:
		return true
	default:
		return false
	}
}

func cloneGoal(goal *Goal) *Goal {
	clone := *goal
	return &clone
}
