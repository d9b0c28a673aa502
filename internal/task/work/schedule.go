package work

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

type ScheduleKind int

const (
	ScheduleCron ScheduleKind = iota
	ScheduleInterval
)

// Schedule is a parsed recurring schedule.
//
// Accepted forms:
//   - cron: "*/5 * * * *", "0 30 * * * *", "@hourly", "@every 55m"
//   - Go duration: "55m", "2h30m"
//   - HH:MM interval: "00:50", "02:30"
//
// "cron:" forces cron parsing; "interval:" and "every:" force interval parsing.
type Schedule struct {
	Kind  ScheduleKind
	Cron  string
	Every time.Duration
	Raw   string
}

var (
	reHHMM     = regexp.MustCompile(`^\s*(\d{1,3}):(\d{2})\s*$`)
	cronParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
)

func ParseSchedule(raw string) (Schedule, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return Schedule{}, fmt.Errorf("schedule required")
	}

	low := strings.ToLower(s)
	switch {
	case strings.HasPrefix(low, "cron:"):
		expr := strings.TrimSpace(s[len("cron:"):])
		if expr == "" {
			return Schedule{}, fmt.Errorf("cron expression required after 'cron:'")
		}
		return Schedule{Kind: ScheduleCron, Cron: expr, Raw: raw}, nil
	case strings.HasPrefix(low, "interval:"):
		return intervalSchedule(s[len("interval:"):], raw)
	case strings.HasPrefix(low, "every:"):
		return intervalSchedule(s[len("every:"):], raw)
	case strings.ContainsAny(s, " \t") || strings.HasPrefix(s, "@"):
		return Schedule{Kind: ScheduleCron, Cron: s, Raw: raw}, nil
	}

	sched, err := intervalSchedule(s, raw)
	if err != nil {
		return Schedule{}, fmt.Errorf("invalid schedule %q (use cron like '*/5 * * * *', HH:MM like '02:30', or duration like '55m')", raw)
	}
	return sched, nil
}

func intervalSchedule(v, raw string) (Schedule, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return Schedule{}, fmt.Errorf("interval required")
	}
	var (
		d   time.Duration
		err error
	)
	if m := reHHMM.FindStringSubmatch(v); m != nil {
		d, err = hhmm(m[1], m[2])
	} else {
		d, err = time.ParseDuration(v)
	}
	if err != nil {
		return Schedule{}, fmt.Errorf("invalid interval %q: %w", v, err)
	}
	if d <= 0 {
		return Schedule{}, fmt.Errorf("interval must be > 0")
	}
	return Schedule{Kind: ScheduleInterval, Every: d, Raw: raw}, nil
}

func hhmm(h, m string) (time.Duration, error) {
	hours, err := strconv.Atoi(h)
	if err != nil {
		return 0, err
	}
	mins, err := strconv.Atoi(m)
	if err != nil {
		return 0, err
	}
	if mins > 59 {
		return 0, fmt.Errorf("minutes out of range: %d", mins)
	}
	return time.Duration(hours)*time.Hour + time.Duration(mins)*time.Minute, nil
}

// cronSchedule resolves s into a robfig/cron schedule.
func (s Schedule) cronSchedule() (cron.Schedule, error) {
	if s.Kind == ScheduleInterval {
		return cron.Every(s.Every), nil
	}
	return cronParser.Parse(s.Cron)
}
