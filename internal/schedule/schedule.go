// Package schedule tracks end-of-day liquidation entries that fire at most
// once per calendar date.
package schedule

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/eddiefleurent/sensex_straddler/internal/config"
)

// Entry is one scheduled liquidation. Final entries terminate the control
// loop after the exit completes.
type Entry struct {
	ID     int
	Hour   int
	Minute int
	Second int
	Pct    *float64
	Final  bool
}

// TimeOfDay renders the entry's wall-clock time for logging.
func (e Entry) TimeOfDay() string {
	return fmt.Sprintf("%02d:%02d:%02d", e.Hour, e.Minute, e.Second)
}

// Scheduler owns the schedule entries and their per-date execution markers.
// Markers are pruned to today and yesterday so the map stays bounded across
// long-running sessions.
type Scheduler struct {
	loc      *time.Location
	entries  []Entry
	executed map[string]map[int]bool // date (YYYY-MM-DD) -> executed entry IDs
}

// New parses config entries into a scheduler. Malformed times are skipped
// with a warning rather than failing startup.
func New(cfgs []config.EODExitConfig, loc *time.Location, logger *logrus.Logger) *Scheduler {
	if loc == nil {
		loc = time.UTC
	}
	s := &Scheduler{
		loc:      loc,
		executed: make(map[string]map[int]bool),
	}
	for i, c := range cfgs {
		h, m, sec, err := parseTimeOfDay(c.Time)
		if err != nil {
			if logger != nil {
				logger.WithField("time", c.Time).Warn("skipping schedule entry with invalid time")
			}
			continue
		}
		s.entries = append(s.entries, Entry{
			ID:     i,
			Hour:   h,
			Minute: m,
			Second: sec,
			Pct:    c.Pct,
			Final:  c.Final,
		})
	}
	return s
}

// Entries returns the parsed schedule.
func (s *Scheduler) Entries() []Entry {
	return s.entries
}

// ShouldRun reports whether the entry is due at now and has not yet fired
// today.
func (s *Scheduler) ShouldRun(e Entry, now time.Time) bool {
	now = now.In(s.loc)
	day := now.Format("2006-01-02")
	if s.executed[day][e.ID] {
		return false
	}
	scheduled := time.Date(now.Year(), now.Month(), now.Day(), e.Hour, e.Minute, e.Second, 0, s.loc)
	return !now.Before(scheduled)
}

// Due returns all entries that should fire at now, in schedule order.
func (s *Scheduler) Due(now time.Time) []Entry {
	var due []Entry
	for _, e := range s.entries {
		if s.ShouldRun(e, now) {
			due = append(due, e)
		}
	}
	return due
}

// MarkExecuted records that the entry fired today and prunes markers older
// than yesterday.
func (s *Scheduler) MarkExecuted(e Entry, now time.Time) {
	now = now.In(s.loc)
	day := now.Format("2006-01-02")
	if s.executed[day] == nil {
		s.executed[day] = make(map[int]bool)
	}
	s.executed[day][e.ID] = true

	keep := map[string]bool{
		day: true,
		now.AddDate(0, 0, -1).Format("2006-01-02"): true,
	}
	for d := range s.executed {
		if !keep[d] {
			delete(s.executed, d)
		}
	}
}

func parseTimeOfDay(raw string) (int, int, int, error) {
	parts := strings.Split(strings.TrimSpace(raw), ":")
	if len(parts) < 2 || len(parts) > 3 {
		return 0, 0, 0, fmt.Errorf("invalid time of day: %q", raw)
	}
	vals := [3]int{}
	for i, p := range parts {
		v, err := strconv.Atoi(p)
		if err != nil {
			return 0, 0, 0, fmt.Errorf("invalid time of day %q: %w", raw, err)
		}
		vals[i] = v
	}
	h, m, sec := vals[0], vals[1], vals[2]
	if h < 0 || h > 23 || m < 0 || m > 59 || sec < 0 || sec > 59 {
		return 0, 0, 0, fmt.Errorf("time of day out of range: %q", raw)
	}
	return h, m, sec, nil
}
