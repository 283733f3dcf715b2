package main

import (
	"testing"
	"time"

	"github.com/sipeed/picoquote/pkg/cron"
)

func TestCronAddOptions_RandomQuote(t *testing.T) {
	opts := parseCronAddArgs([]string{"--schedule", "0 9 * * *", "--channel", "onebot", "--to", "12345", "--author", "42"})
	name, schedule, payload, err := opts.build(time.Now(), "Asia/Shanghai")
	if err != nil {
		t.Fatalf("build: %v", err)
	}

	if schedule.Kind != "cron" || schedule.Expr != "0 9 * * *" || schedule.TZ != "Asia/Shanghai" {
		t.Fatalf("schedule = %+v", schedule)
	}
	if payload.Kind != cron.KindRandomQuote || payload.Scope != "12345" || payload.Author != "42" {
		t.Fatalf("payload = %+v", payload)
	}
	if name != "语录 0 9 * * * (Asia/Shanghai)" {
		t.Fatalf("name = %q", name)
	}
}

func TestCronAddOptions_Message(t *testing.T) {
	opts := parseCronAddArgs([]string{"-n", "morning", "-s", "every 1h", "-m", "早上好", "--channel", "telegram", "--to", "-100", "--scope", "shared"})
	name, schedule, payload, err := opts.build(time.Now(), "UTC")
	if err != nil {
		t.Fatalf("build: %v", err)
	}

	if name != "morning" {
		t.Fatalf("name = %q", name)
	}
	if schedule.Kind != "every" || schedule.EveryMS == nil || *schedule.EveryMS != int64(time.Hour/time.Millisecond) {
		t.Fatalf("schedule = %+v", schedule)
	}
	if schedule.TZ != "" {
		t.Fatalf("every schedules carry no timezone, got %q", schedule.TZ)
	}
	if payload.Kind != cron.KindMessage || payload.Message != "早上好" || payload.Scope != "shared" {
		t.Fatalf("payload = %+v", payload)
	}
}

func TestCronAddOptions_Errors(t *testing.T) {
	cases := map[string][]string{
		"no schedule": {"--channel", "onebot", "--to", "1"},
		"no target":   {"--schedule", "every 1h"},
		"bad cron":    {"--schedule", "* * *", "--channel", "onebot", "--to", "1"},
		"past at":     {"--schedule", "at 2001-01-01T00:00:00Z", "--channel", "onebot", "--to", "1"},
	}
	for name, args := range cases {
		if _, _, _, err := parseCronAddArgs(args).build(time.Now(), ""); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
}

func TestCronAddCmd_Persists(t *testing.T) {
	storePath := t.TempDir() + "/jobs.json"
	cronAddCmd(storePath, []string{"-s", "every 30m", "--channel", "onebot", "--to", "777"}, "")

	jobs := cron.NewCronService(storePath, nil).ListJobs(true)
	if len(jobs) != 1 {
		t.Fatalf("jobs = %d, want 1", len(jobs))
	}
	if jobs[0].Payload.To != "777" || !jobs[0].Enabled {
		t.Fatalf("job = %+v", jobs[0])
	}
}
