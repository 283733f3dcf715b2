package commands

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sipeed/picoquote/pkg/cron"
	"github.com/sipeed/picoquote/pkg/utils"
)

const scheduleUsage = "用法：定时语录 add <cron 表达式|every 30m|at 2026-01-02T09:00:00+08:00>\n" +
	"      定时语录 list\n" +
	"      定时语录 remove|enable|disable <id>"

// ScheduleCommand manages the random quote posts of the current chat.
type ScheduleCommand struct {
	deps *Deps
}

func (c *ScheduleCommand) Name() string        { return "定时语录" }
func (c *ScheduleCommand) Aliases() []string   { return []string{"quote cron"} }
func (c *ScheduleCommand) Description() string { return "管理本群的定时随机语录（管理员）" }
func (c *ScheduleCommand) AdminOnly() bool     { return true }

func (c *ScheduleCommand) Execute(ctx context.Context, req *Request) (*Response, error) {
	if c.deps.Cron == nil {
		return reply("定时任务未启用。"), nil
	}

	fields := req.Fields()
	if len(fields) == 0 {
		return reply(scheduleUsage), nil
	}
	rest := strings.TrimSpace(restAfterWords(req.Args, 1))

	switch strings.ToLower(fields[0]) {
	case "add", "添加":
		return c.addJob(req, rest)
	case "list", "列表":
		return c.listJobs(req), nil
	case "remove", "删除":
		return c.removeJob(req, rest), nil
	case "enable", "启用":
		return c.enableJob(req, rest, true), nil
	case "disable", "停用":
		return c.enableJob(req, rest, false), nil
	default:
		return reply(scheduleUsage), nil
	}
}

func (c *ScheduleCommand) addJob(req *Request, when string) (*Response, error) {
	msg := req.Message
	if when == "" {
		return reply(scheduleUsage), nil
	}

	schedule, err := cron.ParseSchedule(when, c.deps.now())
	if err != nil {
		return reply(fmt.Sprintf("时间格式不正确：%v\n%s", err, scheduleUsage)), nil
	}
	if schedule.Kind == "cron" && schedule.TZ == "" {
		schedule.TZ = c.deps.Timezone
	}

	payload := cron.CronPayload{
		Kind:      cron.KindRandomQuote,
		Channel:   msg.Channel,
		To:        msg.ChatID,
		Scope:     req.Scope,
		CreatedBy: msg.SenderID,
	}
	if len(msg.Mentions) > 0 {
		payload.Author = msg.Mentions[0]
	}

	name := utils.Truncate("语录 "+cron.Describe(schedule), 30)
	job, err := c.deps.Cron.AddJob(name, schedule, payload)
	if errors.Is(err, cron.ErrInvalidSchedule) {
		return reply(fmt.Sprintf("时间格式不正确：%v", err)), nil
	}
	if err != nil {
		return nil, fmt.Errorf("add cron job: %w", err)
	}

	out := fmt.Sprintf("已添加定时语录 %s（%s）", job.ID, cron.Describe(job.Schedule))
	if next := job.State.NextRunAtMS; next != nil {
		out += "\n下次发送：" + time.UnixMilli(*next).Format("2006-01-02 15:04")
	}
	return reply(out), nil
}

func (c *ScheduleCommand) listJobs(req *Request) *Response {
	jobs := c.deps.Cron.JobsFor(req.Message.Channel, req.Message.ChatID)
	if len(jobs) == 0 {
		return reply("本群还没有定时语录。")
	}

	var b strings.Builder
	b.WriteString("本群的定时语录：")
	for _, j := range jobs {
		state := "启用"
		if !j.Enabled {
			state = "停用"
		}
		fmt.Fprintf(&b, "\n- %s  %s  [%s]", j.ID, cron.Describe(j.Schedule), state)
	}
	return reply(b.String())
}

// ownJob finds a job that posts into the requesting chat.
func (c *ScheduleCommand) ownJob(req *Request, id string) (cron.CronJob, bool) {
	job, ok := c.deps.Cron.GetJob(strings.TrimSpace(id))
	if !ok || job.Payload.Channel != req.Message.Channel || job.Payload.To != req.Message.ChatID {
		return cron.CronJob{}, false
	}
	return job, true
}

func (c *ScheduleCommand) removeJob(req *Request, id string) *Response {
	if id == "" {
		return reply(scheduleUsage)
	}
	job, ok := c.ownJob(req, id)
	if !ok || !c.deps.Cron.RemoveJob(job.ID) {
		return reply(fmt.Sprintf("未找到定时语录 %s。", id))
	}
	return reply(fmt.Sprintf("已删除定时语录 %s。", job.ID))
}

func (c *ScheduleCommand) enableJob(req *Request, id string, enable bool) *Response {
	if id == "" {
		return reply(scheduleUsage)
	}
	job, ok := c.ownJob(req, id)
	if !ok || c.deps.Cron.EnableJob(job.ID, enable) == nil {
		return reply(fmt.Sprintf("未找到定时语录 %s。", id))
	}
	if enable {
		return reply(fmt.Sprintf("已启用定时语录 %s。", job.ID))
	}
	return reply(fmt.Sprintf("已停用定时语录 %s。", job.ID))
}
