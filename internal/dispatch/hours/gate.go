package hours

import (
	"strconv"
	"strings"
	"time"

	"github.com/acme/campaign-dispatch/internal/domain"
)

// IsOpen reports whether the campaign may place calls at the given instant.
// An absent or disabled config is always open. The instant is resolved into
// the configured timezone; the campaign is open iff the local time-of-day
// falls within at least one window for the local weekday, bounds inclusive.
// A weekday with no windows is closed. An unparseable timezone fails open.
func IsOpen(cfg *domain.BusinessHoursConfig, now time.Time) bool {
	if cfg == nil || !cfg.Enabled {
		return true
	}

	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		return true
	}

	local := now.In(loc)
	weekday := strings.ToLower(local.Weekday().String())
	windows, ok := cfg.Days[weekday]
	if !ok || len(windows) == 0 {
		return false
	}

	minute := local.Hour()*60 + local.Minute()
	for _, w := range windows {
		start, okStart := parseMinute(w.Start)
		end, okEnd := parseMinute(w.End)
		if !okStart || !okEnd {
			continue
		}
		if minute >= start && minute <= end {
			return true
		}
	}
	return false
}

// parseMinute converts "HH:MM" to minute-of-day.
func parseMinute(s string) (int, bool) {
	h, m, ok := strings.Cut(s, ":")
	if !ok {
		return 0, false
	}
	hour, err := strconv.Atoi(h)
	if err != nil || hour < 0 || hour > 23 {
		return 0, false
	}
	min, err := strconv.Atoi(m)
	if err != nil || min < 0 || min > 59 {
		return 0, false
	}
	return hour*60 + min, true
}
