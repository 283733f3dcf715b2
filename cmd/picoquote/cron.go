package main

import (
	"fmt"
	"os"
	"time"

	"github.com/sipeed/picoquote/pkg/cron"
)

func cronCmd() {
	if len(os.Args) < 3 {
		cronHelp()
		return
	}

	subcommand := os.Args[2]

	cfg, err := loadConfig()
	if err != nil {
		fmt.Printf("Error loading config: %v\n", err)
		return
	}

	cronStorePath := cfg.CronStorePath()

	switch subcommand {
	case "list":
		cronListCmd(cronStorePath)
	case "add":
		cronAddCmd(cronStorePath, os.Args[3:], cfg.Quotes.Render.Timezone)
	case "remove":
		if len(os.Args) < 4 {
			fmt.Println("Usage: picoquote cron remove <job_id>")
			return
		}
		cronRemoveCmd(cronStorePath, os.Args[3])
	case "enable":
		cronEnableCmd(cronStorePath, false)
	case "disable":
		cronEnableCmd(cronStorePath, true)
	default:
		fmt.Printf("Unknown cron command: %s\n", subcommand)
		cronHelp()
	}
}

func cronHelp() {
	fmt.Println("\nCron commands:")
	fmt.Println("  list              List all scheduled jobs")
	fmt.Println("  add               Add a new scheduled job")
	fmt.Println("  remove <id>       Remove a job by ID")
	fmt.Println("  enable <id>       Enable a job")
	fmt.Println("  disable <id>      Disable a job")
	fmt.Println()
	fmt.Println("Add options:")
	fmt.Println("  -n, --name        Job name")
	fmt.Println("  -s, --schedule    'every 1h', 'at 2026-01-02T15:04:05+08:00' or a cron expression")
	fmt.Println("  -m, --message     Send this text instead of a random quote")
	fmt.Println("  --channel         Channel for delivery (onebot, telegram, discord)")
	fmt.Println("  --to              Chat id for delivery")
	fmt.Println("  --scope           Quote scope to draw from (defaults to --to)")
	fmt.Println("  --author          Only draw quotes by this user id")
}

func cronListCmd(storePath string) {
	cs := cron.NewCronService(storePath, nil)
	jobs := cs.ListJobs(true)

	if len(jobs) == 0 {
		fmt.Println("No scheduled jobs.")
		return
	}

	fmt.Println("\nScheduled Jobs:")
	fmt.Println("----------------")
	for _, job := range jobs {
		nextRun := "scheduled"
		if job.State.NextRunAtMS != nil {
			nextRun = time.UnixMilli(*job.State.NextRunAtMS).Format("2006-01-02 15:04")
		}

		status := "enabled"
		if !job.Enabled {
			status = "disabled"
		}

		fmt.Printf("  %s (%s)\n", job.Name, job.ID)
		fmt.Printf("    Schedule: %s\n", cron.Describe(job.Schedule))
		fmt.Printf("    Kind: %s -> %s:%s\n", job.Payload.Kind, job.Payload.Channel, job.Payload.To)
		fmt.Printf("    Status: %s\n", status)
		fmt.Printf("    Next run: %s\n", nextRun)
		if job.State.LastStatus != "" {
			fmt.Printf("    Last run: %s %s\n", job.State.LastStatus, job.State.LastError)
		}
	}
}

// cronAddOptions are the parsed flags of "cron add".
type cronAddOptions struct {
	name     string
	schedule string
	message  string
	channel  string
	to       string
	scope    string
	author   string
}

func parseCronAddArgs(args []string) cronAddOptions {
	var o cronAddOptions
	for i := 0; i < len(args); i++ {
		next := func() string {
			if i+1 < len(args) {
				i++
				return args[i]
			}
			return ""
		}
		switch args[i] {
		case "-n", "--name":
			o.name = next()
		case "-s", "--schedule":
			o.schedule = next()
		case "-m", "--message":
			o.message = next()
		case "--channel":
			o.channel = next()
		case "--to":
			o.to = next()
		case "--scope":
			o.scope = next()
		case "--author":
			o.author = next()
		}
	}
	return o
}

func (o cronAddOptions) build(now time.Time, tz string) (string, cron.CronSchedule, cron.CronPayload, error) {
	if o.schedule == "" {
		return "", cron.CronSchedule{}, cron.CronPayload{}, fmt.Errorf("--schedule is required")
	}
	if o.channel == "" || o.to == "" {
		return "", cron.CronSchedule{}, cron.CronPayload{}, fmt.Errorf("--channel and --to are required")
	}

	schedule, err := cron.ParseSchedule(o.schedule, now)
	if err != nil {
		return "", cron.CronSchedule{}, cron.CronPayload{}, err
	}
	if schedule.Kind == "cron" && tz != "" {
		schedule.TZ = tz
	}

	payload := cron.CronPayload{
		Kind:      cron.KindRandomQuote,
		Channel:   o.channel,
		To:        o.to,
		Scope:     o.scope,
		Author:    o.author,
		CreatedBy: "cli",
	}
	if payload.Scope == "" {
		payload.Scope = o.to
	}
	if o.message != "" {
		payload.Kind = cron.KindMessage
		payload.Message = o.message
	}

	name := o.name
	if name == "" {
		name = "语录 " + cron.Describe(schedule)
	}
	return name, schedule, payload, nil
}

func cronAddCmd(storePath string, args []string, tz string) {
	name, schedule, payload, err := parseCronAddArgs(args).build(time.Now(), tz)
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		return
	}

	cs := cron.NewCronService(storePath, nil)
	job, err := cs.AddJob(name, schedule, payload)
	if err != nil {
		fmt.Printf("Error adding job: %v\n", err)
		return
	}

	fmt.Printf("✓ Added job '%s' (%s)\n", job.Name, job.ID)
}

func cronRemoveCmd(storePath, jobID string) {
	cs := cron.NewCronService(storePath, nil)
	if cs.RemoveJob(jobID) {
		fmt.Printf("✓ Removed job %s\n", jobID)
	} else {
		fmt.Printf("✗ Job %s not found\n", jobID)
	}
}

func cronEnableCmd(storePath string, disable bool) {
	if len(os.Args) < 4 {
		fmt.Println("Usage: picoquote cron enable/disable <job_id>")
		return
	}

	jobID := os.Args[3]
	cs := cron.NewCronService(storePath, nil)
	enabled := !disable

	job := cs.EnableJob(jobID, enabled)
	if job != nil {
		status := "enabled"
		if disable {
			status = "disabled"
		}
		fmt.Printf("✓ Job '%s' %s\n", job.Name, status)
	} else {
		fmt.Printf("✗ Job %s not found\n", jobID)
	}
}
