package engine

import (
	"fmt"
	"strings"
	"time"

	"clockline/internal/domain"
)

// weekdays accepts English and Spanish day names, accents stripped.
var weekdays = map[string]time.Weekday{
	"sunday":    time.Sunday,
	"domingo":   time.Sunday,
	"monday":    time.Monday,
	"lunes":     time.Monday,
	"tuesday":   time.Tuesday,
	"martes":    time.Tuesday,
	"wednesday": time.Wednesday,
	"miercoles": time.Wednesday,
	"thursday":  time.Thursday,
	"jueves":    time.Thursday,
	"friday":    time.Friday,
	"viernes":   time.Friday,
	"saturday":  time.Saturday,
	"sabado":    time.Saturday,
}

var accentStripper = strings.NewReplacer(
	"á", "a", "é", "e", "í", "i", "ó", "o", "ú", "u",
	"Á", "a", "É", "e", "Í", "i", "Ó", "o", "Ú", "u",
)

// NormalizeDay parses a weekday name from an auto-cut schedule.
func NormalizeDay(day string) (time.Weekday, error) {
	key := strings.ToLower(strings.TrimSpace(accentStripper.Replace(day)))
	wd, ok := weekdays[key]
	if !ok {
		return 0, fmt.Errorf("invalid auto-cut day %q", day)
	}
	return wd, nil
}

// ParseAutoCut parses the "<day> <HH:MM>" shorthand used by guild setup.
func ParseAutoCut(raw string) (*domain.AutoCut, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	parts := strings.Fields(raw)
	if len(parts) != 2 {
		return nil, fmt.Errorf("invalid auto-cut %q: expected \"<day> <HH:MM>\"", raw)
	}
	if _, err := NormalizeDay(parts[0]); err != nil {
		return nil, err
	}
	if _, err := time.Parse("15:04", parts[1]); err != nil {
		return nil, fmt.Errorf("invalid auto-cut time %q: expected HH:MM", parts[1])
	}
	return &domain.AutoCut{Day: parts[0], Time: parts[1]}, nil
}

// ScheduleMatches reports whether the guild's auto-cut schedule fires at the
// given instant: same weekday and same minute in the guild's timezone.
func ScheduleMatches(cfg domain.GuildConfig, now time.Time) (bool, error) {
	if cfg.AutoCut == nil {
		return false, nil
	}
	wd, err := NormalizeDay(cfg.AutoCut.Day)
	if err != nil {
		return false, err
	}
	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		return false, fmt.Errorf("guild %s timezone: %w", cfg.GuildID, err)
	}
	local := now.In(loc)
	return local.Weekday() == wd && local.Format("15:04") == cfg.AutoCut.Time, nil
}
