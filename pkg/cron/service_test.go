package cron

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func newTestService(t *testing.T, now time.Time, handler JobHandler) (*CronService, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "cron", "jobs.json")
	cs := NewCronService(path, handler)
	cs.nowFunc = func() time.Time { return now }
	return cs, path
}

func TestAddJob_PersistsPayload(t *testing.T) {
	now := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	cs, path := newTestService(t, now, nil)

	job, err := cs.AddJob("daily", CronSchedule{Kind: "cron", Expr: "0 9 * * *"}, CronPayload{
		Channel: "onebot",
		To:      "group:123",
		Scope:   "123",
	})
	if err != nil {
		t.Fatalf("AddJob: %v", err)
	}
	if job.Payload.Kind != KindRandomQuote {
		t.Fatalf("default kind = %q", job.Payload.Kind)
	}
	if job.State.NextRunAtMS == nil {
		t.Fatal("next run not computed")
	}
	want := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC).UnixMilli()
	if *job.State.NextRunAtMS != want {
		t.Fatalf("next run = %d, want %d", *job.State.NextRunAtMS, want)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("store not written: %v", err)
	}
	var store CronStore
	if err := json.Unmarshal(data, &store); err != nil {
		t.Fatalf("store unreadable: %v", err)
	}
	if len(store.Jobs) != 1 || store.Jobs[0].Payload.Scope != "123" {
		t.Fatalf("stored jobs = %+v", store.Jobs)
	}

	reloaded := NewCronService(path, nil)
	if got := reloaded.JobsFor("onebot", "group:123"); len(got) != 1 {
		t.Fatalf("JobsFor after reload = %d jobs", len(got))
	}
}

func TestAddJob_RejectsBadInput(t *testing.T) {
	cs, _ := newTestService(t, time.Now(), nil)

	if _, err := cs.AddJob("x", CronSchedule{Kind: "cron", Expr: "nope"}, CronPayload{}); !errors.Is(err, ErrInvalidSchedule) {
		t.Fatalf("bad expr err = %v", err)
	}
	if _, err := cs.AddJob("x", CronSchedule{Kind: "cron", Expr: "* * * * *"}, CronPayload{Kind: "agent_turn"}); err == nil {
		t.Fatal("unknown payload kind accepted")
	}
	if len(cs.ListJobs(true)) != 0 {
		t.Fatal("rejected jobs must not be stored")
	}
}

func TestCheckJobs_RunsDueJobs(t *testing.T) {
	now := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	var ran []string
	cs, _ := newTestService(t, now, func(job *CronJob) (string, error) {
		ran = append(ran, job.ID)
		if job.Payload.Kind == KindMessage {
			return "", errors.New("send failed")
		}
		return "ok", nil
	})

	every := int64(time.Hour / time.Millisecond)
	recurring, err := cs.AddJob("hourly", CronSchedule{Kind: "every", EveryMS: &every}, CronPayload{To: "a"})
	if err != nil {
		t.Fatal(err)
	}
	at := now.Add(time.Minute).UnixMilli()
	oneShot, err := cs.AddJob("once", CronSchedule{Kind: "at", AtMS: &at}, CronPayload{Kind: KindMessage, Message: "hi", To: "b"})
	if err != nil {
		t.Fatal(err)
	}

	cs.running = true
	cs.nowFunc = func() time.Time { return now.Add(2 * time.Hour) }
	cs.checkJobs()

	if len(ran) != 2 {
		t.Fatalf("ran %v, want both jobs", ran)
	}
	if _, ok := cs.GetJob(oneShot.ID); ok {
		t.Fatal("one-shot job should be deleted after running")
	}
	job, ok := cs.GetJob(recurring.ID)
	if !ok {
		t.Fatal("recurring job missing")
	}
	if job.State.LastStatus != "ok" {
		t.Fatalf("LastStatus = %q", job.State.LastStatus)
	}
	wantNext := now.Add(3 * time.Hour).UnixMilli()
	if job.State.NextRunAtMS == nil || *job.State.NextRunAtMS != wantNext {
		t.Fatalf("NextRunAtMS = %v, want %d", job.State.NextRunAtMS, wantNext)
	}

	ran = nil
	cs.checkJobs()
	if len(ran) != 0 {
		t.Fatalf("nothing should be due, ran %v", ran)
	}
}

func TestEnableAndRemove(t *testing.T) {
	cs, _ := newTestService(t, time.Now(), nil)
	job, err := cs.AddJob("x", CronSchedule{Kind: "cron", Expr: "*/5 * * * *"}, CronPayload{})
	if err != nil {
		t.Fatal(err)
	}

	if got := cs.EnableJob(job.ID, false); got == nil || got.Enabled || got.State.NextRunAtMS != nil {
		t.Fatalf("disable = %+v", got)
	}
	if len(cs.ListJobs(false)) != 0 {
		t.Fatal("disabled job listed")
	}
	if got := cs.EnableJob(job.ID, true); got == nil || got.State.NextRunAtMS == nil {
		t.Fatalf("enable = %+v", got)
	}
	if cs.EnableJob("missing", true) != nil {
		t.Fatal("unknown id should return nil")
	}
	if !cs.RemoveJob(job.ID) || cs.RemoveJob(job.ID) {
		t.Fatal("remove should succeed exactly once")
	}
}

func TestLoadStore_CorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "jobs.json")
	if err := os.WriteFile(path, []byte("{broken"), 0644); err != nil {
		t.Fatal(err)
	}
	cs := NewCronService(path, nil)
	if len(cs.ListJobs(true)) != 0 {
		t.Fatal("corrupt store should load empty")
	}
	if err := cs.Load(); err == nil {
		t.Fatal("Load should report the parse error")
	}
}

func TestParseSchedule(t *testing.T) {
	now := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

	s, err := ParseSchedule("0 9 * * *", now)
	if err != nil || s.Kind != "cron" || s.Expr != "0 9 * * *" {
		t.Fatalf("cron = %+v, %v", s, err)
	}

	s, err = ParseSchedule("every 30m", now)
	if err != nil || s.Kind != "every" || *s.EveryMS != 30*60*1000 {
		t.Fatalf("every = %+v, %v", s, err)
	}
	if Describe(s) != "every 30m0s" {
		t.Fatalf("Describe = %q", Describe(s))
	}

	s, err = ParseSchedule("at 2026-03-02T10:00:00Z", now)
	if err != nil || s.Kind != "at" {
		t.Fatalf("at = %+v, %v", s, err)
	}

	for _, bad := range []string{"", "every 10s", "every", "at 2020-01-01T00:00:00Z", "at tomorrow", "* * *"} {
		if _, err := ParseSchedule(bad, now); !errors.Is(err, ErrInvalidSchedule) {
			t.Errorf("ParseSchedule(%q) err = %v", bad, err)
		}
	}
}
