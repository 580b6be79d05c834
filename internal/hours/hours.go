// Package hours evaluates "HH:MM-HH:MM" time-of-day windows, including
// windows that cross midnight. Minute precision: the start boundary is
// inclusive, the end boundary exclusive.
package hours

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Window is a parsed active-hours range. Start and End are
// minutes-since-midnight in local time.
type Window struct {
	Start int
	End   int
}

// Parse parses a window spec of the form "HH:MM-HH:MM".
func Parse(spec string) (Window, error) {
	parts := strings.Split(strings.TrimSpace(spec), "-")
	if len(parts) != 2 {
		return Window{}, fmt.Errorf("invalid active hours %q: want HH:MM-HH:MM", spec)
	}
	start, err := parseClock(parts[0])
	if err != nil {
		return Window{}, fmt.Errorf("invalid active hours %q: %w", spec, err)
	}
	end, err := parseClock(parts[1])
	if err != nil {
		return Window{}, fmt.Errorf("invalid active hours %q: %w", spec, err)
	}
	return Window{Start: start, End: end}, nil
}

func parseClock(s string) (int, error) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) != 2 {
		return 0, fmt.Errorf("bad clock value %q", s)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return 0, fmt.Errorf("bad hour %q", parts[0])
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return 0, fmt.Errorf("bad minute %q", parts[1])
	}
	return h*60 + m, nil
}

// Contains reports whether now falls inside the window. A window whose
// start is later than its end wraps past midnight: 22:00-06:00 covers
// 23:30 and 04:00 but not 12:00.
func (w Window) Contains(now time.Time) bool {
	current := now.Hour()*60 + now.Minute()
	if w.Start <= w.End {
		return current >= w.Start && current < w.End
	}
	return current >= w.Start || current < w.End
}

// IsWithin parses spec and evaluates it against now. An empty spec means
// no restriction and always returns true; a malformed spec returns false
// so a bad config never fires outside any plausible window.
func IsWithin(spec string, now time.Time) bool {
	if strings.TrimSpace(spec) == "" {
		return true
	}
	w, err := Parse(spec)
	if err != nil {
		return false
	}
	return w.Contains(now)
}
