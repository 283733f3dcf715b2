package commands

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/sipeed/picoquote/pkg/miner"
)

// MineCommand asks the model to pick quotable lines from the group's recent
// history.
type MineCommand struct {
	deps *Deps
}

func (c *MineCommand) Name() string        { return "挖掘语录" }
func (c *MineCommand) Aliases() []string   { return []string{"quote mine"} }
func (c *MineCommand) Description() string { return "让 AI 从最近的群聊记录里挑选语录（管理员），可指定页数" }
func (c *MineCommand) AdminOnly() bool     { return true }

func (c *MineCommand) Execute(ctx context.Context, req *Request) (*Response, error) {
	if c.deps.Miner == nil {
		return reply("未配置挖掘用的模型，请在配置文件 miner 中设置 provider 和 model。"), nil
	}
	if !req.IsGroup() {
		return reply("挖掘语录只能在群聊中使用。"), nil
	}
	if c.deps.Platform == nil {
		return reply("当前平台不支持读取群聊记录。"), nil
	}
	source, ok := c.deps.Platform.HistorySource(req.Message.Channel)
	if !ok {
		return reply("当前平台不支持读取群聊记录。"), nil
	}

	report, err := c.deps.Miner.Run(ctx, miner.Request{
		Source:  source,
		ChatID:  req.Message.ChatID,
		Scope:   req.Scope,
		Invoker: req.Message.SenderID,
		Pages:   leadingCount(req.Fields(), 0),
	})
	c.deps.Metrics.AddMined(report.Added)
	switch {
	case errors.Is(err, miner.ErrNoSelection):
		return reply("模型没有给出可用的结果，请稍后再试。"), nil
	case err != nil:
		return nil, fmt.Errorf("mine quotes: %w", err)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "挖掘完成：读取 %d 页共 %d 条消息，候选 %d 条，新增 %d 条语录", report.Pages, report.Scanned, report.Candidates, report.Added)
	if report.Duplicates > 0 {
		fmt.Fprintf(&b, "（%d 条已存在）", report.Duplicates)
	}
	for _, q := range report.Quotes {
		fmt.Fprintf(&b, "\n- %s：%s", q.DisplayName, q.Text)
	}
	return reply(b.String()), nil
}
