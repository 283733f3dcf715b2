package cron

import (
	"fmt"
	"strings"
	"time"

	"github.com/adhocore/gronx"
)

// ValidateSchedule checks a schedule before it is stored.
func ValidateSchedule(s CronSchedule) error {
	switch s.Kind {
	case "at":
		if s.AtMS == nil {
			return fmt.Errorf("%w: at requires a time", ErrInvalidSchedule)
		}
	case "every":
		if s.EveryMS == nil || *s.EveryMS < int64(time.Minute/time.Millisecond) {
			return fmt.Errorf("%w: interval must be at least one minute", ErrInvalidSchedule)
		}
	case "cron":
		if !gronx.New().IsValid(s.Expr) {
			return fmt.Errorf("%w: bad cron expression %q", ErrInvalidSchedule, s.Expr)
		}
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidSchedule, s.Kind)
	}
	if s.TZ != "" {
		if _, err := time.LoadLocation(s.TZ); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidSchedule, err)
		}
	}
	return nil
}

// ParseSchedule reads the schedule forms accepted from chat and the CLI:
//
//	every 30m
//	at 2026-01-02T15:04:05+08:00
//	0 9 * * *
func ParseSchedule(text string, now time.Time) (CronSchedule, error) {
	text = strings.TrimSpace(text)
	fields := strings.Fields(text)
	if len(fields) == 0 {
		return CronSchedule{}, fmt.Errorf("%w: empty", ErrInvalidSchedule)
	}

	var s CronSchedule
	switch strings.ToLower(fields[0]) {
	case "every":
		if len(fields) != 2 {
			return CronSchedule{}, fmt.Errorf("%w: usage: every <duration>", ErrInvalidSchedule)
		}
		d, err := time.ParseDuration(fields[1])
		if err != nil {
			return CronSchedule{}, fmt.Errorf("%w: %v", ErrInvalidSchedule, err)
		}
		ms := d.Milliseconds()
		s = CronSchedule{Kind: "every", EveryMS: &ms}

	case "at":
		if len(fields) != 2 {
			return CronSchedule{}, fmt.Errorf("%w: usage: at <RFC3339 time>", ErrInvalidSchedule)
		}
		t, err := time.Parse(time.RFC3339, fields[1])
		if err != nil {
			return CronSchedule{}, fmt.Errorf("%w: %v", ErrInvalidSchedule, err)
		}
		if !t.After(now) {
			return CronSchedule{}, fmt.Errorf("%w: time is in the past", ErrInvalidSchedule)
		}
		ms := t.UnixMilli()
		s = CronSchedule{Kind: "at", AtMS: &ms}

	default:
		s = CronSchedule{Kind: "cron", Expr: strings.Join(fields, " ")}
	}

	if err := ValidateSchedule(s); err != nil {
		return CronSchedule{}, err
	}
	return s, nil
}

// Describe renders a schedule for listings.
func Describe(s CronSchedule) string {
	switch s.Kind {
	case "every":
		if s.EveryMS != nil {
			return "every " + (time.Duration(*s.EveryMS) * time.Millisecond).String()
		}
	case "cron":
		if s.TZ != "" {
			return s.Expr + " (" + s.TZ + ")"
		}
		return s.Expr
	case "at":
		if s.AtMS != nil {
			return "at " + time.UnixMilli(*s.AtMS).Format(time.RFC3339)
		}
	}
	return "unknown"
}
