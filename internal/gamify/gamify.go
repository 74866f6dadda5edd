// Package gamify implements XP accrual, level derivation, day-based
// streaks and streak badges for the avatar.
//
// Streaks are driven by the calendar date of each qualifying event in a
// caller-supplied location. Badges are a one-way ratchet: once unlocked
// they are never removed, even after the streak resets.
package gamify

import (
	"errors"
	"time"

	"github.com/pearfect/engine/internal/model"
)

const (
	// XPPerLevel is the XP span of one level.
	XPPerLevel int64 = 100

	// StreakBonusXP is awarded once per new streak day.
	StreakBonusXP int64 = 25

	// TradeXP is the flat XP callers award per trade.
	TradeXP int64 = 10

	dateLayout = "2006-01-02"
)

// ErrNegativeXP is returned for negative awards; XP never decreases.
var ErrNegativeXP = errors.New("gamify: xp amount must be non-negative")

// Badge is a streak milestone.
type Badge struct {
	ID   string `json:"id"`
	Days int    `json:"days"`
	Name string `json:"name"`
}

// Badges lists the streak milestones in ascending order.
var Badges = []Badge{
	{ID: "green-light", Days: 50, Name: "Green Light"},
	{ID: "flow-state", Days: 100, Name: "Flow State"},
	{ID: "onfire", Days: 150, Name: "Onfire"},
	{ID: "untouchable", Days: 200, Name: "Untouchable"},
}

// Award summarizes what a single AddXP call changed.
type Award struct {
	Base           int64    `json:"base"`
	StreakBonus    int64    `json:"streakBonus"`
	StreakExtended bool     `json:"streakExtended"` // streak counter changed (extended or restarted)
	LevelUp        bool     `json:"levelUp"`
	NewBadges      []string `json:"newBadges,omitempty"`
}

// Level returns the level and XP remaining to the next level for xp.
//
//	level         = floor(xp/100) + 1
//	xpToNextLevel = 100 - xp mod 100
func Level(xp int64) (level, toNext int64) {
	return xp/XPPerLevel + 1, XPPerLevel - xp%XPPerLevel
}

// NewAvatar returns a fresh level-1 avatar.
func NewAvatar() model.Avatar {
	a := model.Avatar{BadgesUnlocked: []string{}}
	Recompute(&a)
	return a
}

// Recompute refreshes the derived fields of a from its XP.
func Recompute(a *model.Avatar) {
	a.Level, a.XPToNextLevel = Level(a.XP)
	if a.BadgesUnlocked == nil {
		a.BadgesUnlocked = []string{}
	}
}

// DateOf formats the calendar date of t in loc as YYYY-MM-DD.
func DateOf(t time.Time, loc *time.Location) string {
	if loc == nil {
		loc = time.Local
	}
	return t.In(loc).Format(dateLayout)
}

// isDayBefore reports whether last is exactly the calendar day before today.
func isDayBefore(last, today string) bool {
	d, err := time.Parse(dateLayout, today)
	if err != nil {
		return false
	}
	return d.AddDate(0, 0, -1).Format(dateLayout) == last
}

// AddXP adds amount to the avatar's XP. When qualifying is true the
// streak transition for the calendar day today (YYYY-MM-DD) runs as well,
// which may add StreakBonusXP on top.
func AddXP(a *model.Avatar, amount int64, qualifying bool, today string) (Award, error) {
	if amount < 0 {
		return Award{}, ErrNegativeXP
	}

	prevLevel, _ := Level(a.XP)
	award := Award{Base: amount}
	a.XP += amount

	if qualifying {
		advanceStreak(a, today, &award)
	}

	Recompute(a)
	award.LevelUp = a.Level > prevLevel
	return award, nil
}

func advanceStreak(a *model.Avatar, today string, award *Award) {
	last := a.LastQualifyingTradeDate
	if last != nil && *last == today {
		return
	}

	if last != nil && isDayBefore(*last, today) {
		a.CurrentStreakDays++
	} else {
		a.CurrentStreakDays = 1
	}
	a.XP += StreakBonusXP
	award.StreakBonus = StreakBonusXP
	award.StreakExtended = true

	d := today
	a.LastQualifyingTradeDate = &d

	if a.CurrentStreakDays > a.LongestStreakDays {
		a.LongestStreakDays = a.CurrentStreakDays
	}

	for _, b := range Badges {
		if a.CurrentStreakDays >= b.Days && !a.HasBadge(b.ID) {
			a.BadgesUnlocked = append(a.BadgesUnlocked, b.ID)
			award.NewBadges = append(award.NewBadges, b.ID)
		}
	}
}
