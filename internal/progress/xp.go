package progress

import "server/internal/domain"

// The level curve is a monotonic step function of total XP. Level 1 starts
// at 0; reaching level 2 costs 100 XP and every further level costs 50 XP
// more than the one before it. Cumulative threshold for level n:
//
//	T(n) = 100*(n-1) + 25*(n-1)*(n-2)
const (
	baseLevelCost = 100
	levelCostStep = 50
	maxLevel      = 200
)

var levelTitles = []string{
	"Novice", "Apprentice", "Student", "Scholar", "Adept",
	"Expert", "Veteran", "Master", "Grandmaster", "Sage",
}

// ThresholdForLevel returns the cumulative XP required to reach level n.
func ThresholdForLevel(n int) int64 {
	if n <= 1 {
		return 0
	}
	steps := int64(n - 1)
	return baseLevelCost*steps + (levelCostStep/2)*steps*(steps-1)
}

// LevelForTotal maps a total XP amount onto its level. Non-decreasing in
// total by construction.
func LevelForTotal(total int64) int {
	if total < 0 {
		return 1
	}
	level := 1
	for level < maxLevel && total >= ThresholdForLevel(level+1) {
		level++
	}
	return level
}

// XPToNextLevel returns how much XP is missing to the next threshold.
// Never negative; zero only at the level cap.
func XPToNextLevel(total int64) int64 {
	level := LevelForTotal(total)
	if level >= maxLevel {
		return 0
	}
	return ThresholdForLevel(level+1) - total
}

// LevelTitle names the title band a level belongs to. One title per ten
// levels, capped at the last band.
func LevelTitle(level int) string {
	idx := (level - 1) / 10
	if idx < 0 {
		idx = 0
	}
	if idx >= len(levelTitles) {
		idx = len(levelTitles) - 1
	}
	return levelTitles[idx]
}

// PremiumMultiplier returns the XP multiplier for a plan at the level the
// user held before the gain. Free and guest users earn base XP; premium
// plans earn more as the level grows, capped at 2x.
func PremiumMultiplier(plan domain.Plan, preLevel int) float64 {
	if !plan.IsPremium() {
		return 1.0
	}
	m := 1.5 + 0.1*float64(preLevel/10)
	if m > 2.0 {
		m = 2.0
	}
	return m
}

// LevelUpBonus is the one-time XP grant appended when an update crosses
// into newLevel.
func LevelUpBonus(newLevel int) int64 {
	return int64(25 * newLevel)
}
