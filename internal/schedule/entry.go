// Package schedule fires recurring tracking checks on per-owner weekly
// slots and persists the schedule across restarts.
package schedule

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Entry is one recurring check: run Query for OwnerID on the given weekdays
// at TimeOfDay (local "HH:MM"). LastFired records the wall-clock moment the
// last job was dispatched and drives duplicate-firing suppression.
type Entry struct {
	OwnerID   int64          `json:"owner_id"`
	Query     string         `json:"query"`
	Days      []time.Weekday `json:"days"`
	TimeOfDay string         `json:"time"`
	LastFired time.Time      `json:"last_fired"`
	Enabled   bool           `json:"enabled"`
}

// Key identifies an entry; one schedule per owner and query.
func (e Entry) Key() string {
	return strconv.FormatInt(e.OwnerID, 10) + "|" + e.Query
}

func (e Entry) Validate() error {
	if e.OwnerID == 0 {
		return errors.New("owner id is required")
	}
	if strings.TrimSpace(e.Query) == "" {
		return errors.New("query is required")
	}
	if len(e.Days) == 0 {
		return errors.New("at least one weekday is required")
	}
	for _, d := range e.Days {
		if d < time.Sunday || d > time.Saturday {
			return fmt.Errorf("invalid weekday %d", d)
		}
	}
	if _, _, err := parseHHMM(e.TimeOfDay); err != nil {
		return err
	}
	return nil
}

func parseHHMM(s string) (hour, min int, err error) {
	parts := strings.SplitN(s, ":", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("time %q: want HH:MM", s)
	}
	hour, err = strconv.Atoi(parts[0])
	if err != nil || hour < 0 || hour > 23 {
		return 0, 0, fmt.Errorf("time %q: bad hour", s)
	}
	min, err = strconv.Atoi(parts[1])
	if err != nil || min < 0 || min > 59 {
		return 0, 0, fmt.Errorf("time %q: bad minute", s)
	}
	return hour, min, nil
}

// cronSpec renders the entry as a standard five-field cron expression.
func cronSpec(e Entry) (string, error) {
	hour, min, err := parseHHMM(e.TimeOfDay)
	if err != nil {
		return "", err
	}
	days := make([]int, 0, len(e.Days))
	seen := map[int]bool{}
	for _, d := range e.Days {
		if !seen[int(d)] {
			seen[int(d)] = true
			days = append(days, int(d))
		}
	}
	sort.Ints(days)
	strs := make([]string, len(days))
	for i, d := range days {
		strs[i] = strconv.Itoa(d)
	}
	return fmt.Sprintf("%d %d * * %s", min, hour, strings.Join(strs, ",")), nil
}

// slotStart is the scheduled minute the firing at now belongs to. A firing
// is a duplicate when LastFired is not before its slot start.
func slotStart(e Entry, now time.Time) time.Time {
	hour, min, err := parseHHMM(e.TimeOfDay)
	if err != nil {
		return now.Truncate(time.Minute)
	}
	return time.Date(now.Year(), now.Month(), now.Day(), hour, min, 0, 0, now.Location())
}
