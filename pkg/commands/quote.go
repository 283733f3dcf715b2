package commands

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/samber/lo"

	"github.com/sipeed/picoquote/pkg/logger"
	"github.com/sipeed/picoquote/pkg/media"
	"github.com/sipeed/picoquote/pkg/quote"
	"github.com/sipeed/picoquote/pkg/render"
)

const defaultDraw = 3

var qidTagRe = regexp.MustCompile(`\[qid:([^\]]+)\]`)

// UploadCommand collects the replied-to message as a quote.
type UploadCommand struct {
	deps *Deps
}

func (c *UploadCommand) Name() string        { return "上传" }
func (c *UploadCommand) Aliases() []string   { return []string{"语录提交", "语录添加", "quote add"} }
func (c *UploadCommand) Description() string { return "回复某人的消息并发送“上传”（可附带图片）保存为语录" }

func (c *UploadCommand) Execute(ctx context.Context, req *Request) (*Response, error) {
	msg := req.Message
	if msg.Reply == nil || msg.Reply.MessageID == "" {
		return reply("请先『回复某人的消息』，再发送 上传。"), nil
	}
	replied := msg.Reply

	text := replied.Text
	if strings.TrimSpace(text) == "" {
		text = req.Args
	}
	text = quote.StripAtTokens(text)

	sources := lo.Uniq(append(append([]string{}, replied.Media...), msg.Media...))
	images := c.ingest(ctx, sources)

	if text == "" && len(images) == 0 {
		return reply("未获取到被回复消息内容或图片，请确认已正确回复对方的消息或附带图片。"), nil
	}

	authorID := replied.SenderID
	if authorID == "" && len(msg.Mentions) > 0 {
		authorID = msg.Mentions[0]
	}
	if authorID == "" {
		c.discard(images)
		return reply("无法确定被回复消息的发送者，请稍后重试。"), nil
	}

	name := replied.SenderName
	if name == "" && c.deps.Platform != nil {
		if resolved, err := c.deps.Platform.ResolveMemberName(ctx, msg.Channel, msg.ChatID, authorID); err == nil {
			name = resolved
		}
	}
	if name == "" {
		name = authorID
	}

	q := quote.Quote{
		AuthorID:     authorID,
		DisplayName:  name,
		Text:         text,
		SubmittedBy:  msg.SenderID,
		IsolationKey: req.Scope,
		Attachments:  images,
	}

	stored, err := c.deps.Store.Add(q)
	if errors.Is(err, quote.ErrDuplicate) {
		c.discard(images)
		return reply("这条语录已经收录过了。"), nil
	}
	if err != nil {
		c.discard(images)
		return nil, fmt.Errorf("store quote: %w", err)
	}

	if len(images) > 0 {
		return reply(fmt.Sprintf("已收录 %s 的语录，并保存 %d 张图片。", stored.DisplayName, len(images))), nil
	}
	return reply(fmt.Sprintf("已收录 %s 的语录：%s", stored.DisplayName, stored.Text)), nil
}

// ingest copies each source into the image store. Sources that fail are
// skipped.
func (c *UploadCommand) ingest(ctx context.Context, sources []string) []string {
	if c.deps.Images == nil {
		return nil
	}
	var saved []string
	for _, src := range sources {
		var rel string
		var err error
		if media.IsRemoteURL(src) {
			rel, err = c.deps.Images.SaveFromURL(ctx, src)
		} else {
			rel, err = c.deps.Images.SaveFromFile(src)
		}
		if err != nil {
			logger.WarnCF("command", "Image ingest failed", map[string]interface{}{
				"source": src,
				"error":  err.Error(),
			})
			continue
		}
		saved = append(saved, rel)
	}
	return saved
}

func (c *UploadCommand) discard(images []string) {
	if c.deps.Images == nil {
		return
	}
	for _, rel := range images {
		_ = c.deps.Images.Remove(rel)
	}
}

// RandomCommand replays a random quote. "语录 @某人 3" merges three quotes of
// that author into one card.
type RandomCommand struct {
	deps *Deps
}

func (c *RandomCommand) Name() string        { return "语录" }
func (c *RandomCommand) Aliases() []string   { return []string{"quote random", "quote"} }
func (c *RandomCommand) Description() string { return "随机发送一条语录，可 @某人 只看他的，加数字合并多条" }

func (c *RandomCommand) Execute(ctx context.Context, req *Request) (*Response, error) {
	author := ""
	if len(req.Message.Mentions) > 0 {
		author = req.Message.Mentions[0]
	}
	count := leadingCount(req.Fields(), 1)

	if author != "" && count > 1 {
		quotes := c.deps.Store.PickRandomByAuthor(req.Scope, author, min(count, c.deps.maxBatch()))
		if len(quotes) == 0 {
			return reply("这个用户还没有语录哦~"), nil
		}
		name := quotes[len(quotes)-1].DisplayName
		if name == "" {
			name = author
		}
		header := render.Header{Title: name + " 的语录", AvatarID: author}
		return c.deps.Present.Merged(ctx, quotes, header, false), nil
	}

	resp, ok := ShowRandom(ctx, c.deps, req.Scope, author)
	if !ok {
		if author != "" {
			return reply("这个用户还没有语录哦~"), nil
		}
		return reply("还没有语录，先用 上传 保存一条吧~"), nil
	}
	return resp, nil
}

// ShowRandom picks and presents one quote from scope, optionally limited to
// author. Scheduled posts use it too.
func ShowRandom(ctx context.Context, deps *Deps, scope, author string) (*Response, bool) {
	q, ok := deps.Store.PickRandom(scope, author)
	if !ok {
		return nil, false
	}
	index, total := deps.Store.Position(q)
	return deps.Present.Quote(ctx, q, index, total), true
}

// DrawCommand draws a batch of quotes from the whole scope.
type DrawCommand struct {
	deps *Deps
}

func (c *DrawCommand) Name() string        { return "抽卡" }
func (c *DrawCommand) Aliases() []string   { return []string{"quote draw"} }
func (c *DrawCommand) Description() string { return "随机抽取多条语录合成一张图，例如“抽卡 5”" }

func (c *DrawCommand) Execute(ctx context.Context, req *Request) (*Response, error) {
	count := min(leadingCount(req.Fields(), defaultDraw), c.deps.maxBatch())
	quotes := c.deps.Store.PickRandomBatch(req.Scope, count)
	if len(quotes) == 0 {
		return reply("还没有语录，先用 上传 保存一条吧~"), nil
	}
	header := render.Header{Title: "抽卡结果", AvatarID: req.Message.SenderID}
	return c.deps.Present.Merged(ctx, quotes, header, true), nil
}

// DeleteCommand removes the quote shown by the replied-to bot message.
type DeleteCommand struct {
	deps *Deps
}

func (c *DeleteCommand) Name() string        { return "删除" }
func (c *DeleteCommand) Aliases() []string   { return []string{"删除语录", "quote delete"} }
func (c *DeleteCommand) Description() string { return "回复机器人发送的语录并发送“删除”" }

func (c *DeleteCommand) Execute(ctx context.Context, req *Request) (*Response, error) {
	replied := req.Message.Reply
	if replied == nil || replied.MessageID == "" {
		return reply("请先『回复机器人发送的语录』，再发送 删除。"), nil
	}

	key := req.SessionKey()
	qid := c.resolve(key, replied.MessageID, replied.Text, replied.FromBot || replied.SenderID == "")
	if qid == "" {
		return reply("未能定位语录，请先重新发送一次随机语录再尝试删除。"), nil
	}

	q, ok := c.deps.Store.Get(qid)
	if !ok || (req.Scope != "" && q.IsolationKey != req.Scope) {
		_ = c.deps.Sessions.Forget(key, qid)
		return reply("未找到该语录，可能已被删除。"), nil
	}

	sender := req.Message.SenderID
	if !req.IsAdmin && sender != q.SubmittedBy && sender != q.AuthorID {
		return reply("只有管理员、上传者或语录本人可以删除这条语录。"), nil
	}

	deleted, err := c.deps.Store.Delete(qid)
	if err != nil {
		return nil, fmt.Errorf("delete quote: %w", err)
	}
	if !deleted {
		return reply("未找到该语录，可能已被删除。"), nil
	}

	if err := c.deps.Sessions.Forget(key, qid); err != nil {
		logger.WarnCF("command", "Failed to update session after delete", map[string]interface{}{
			"session": key,
			"error":   err.Error(),
		})
	}
	if c.deps.Images != nil {
		for _, rel := range q.Attachments {
			_ = c.deps.Images.Remove(rel)
		}
	}
	return reply("已删除语录。"), nil
}

// resolve maps the replied message to a quote id: the delivery record
// first, then a legacy [qid:...] tag, then the chat's last quote when the
// reply targets the bot.
func (c *DeleteCommand) resolve(key, messageID, text string, toBot bool) string {
	if qid, ok := c.deps.Sessions.LookupSent(key, messageID); ok {
		return qid
	}
	if m := qidTagRe.FindStringSubmatch(text); m != nil {
		return strings.TrimSpace(m[1])
	}
	if toBot {
		if qid, ok := c.deps.Sessions.LastQuote(key); ok {
			return qid
		}
	}
	return ""
}

// StatsCommand reports the scope's size and top authors.
type StatsCommand struct {
	deps *Deps
}

func (c *StatsCommand) Name() string        { return "语录统计" }
func (c *StatsCommand) Aliases() []string   { return []string{"quote stats"} }
func (c *StatsCommand) Description() string { return "查看本群语录数量和上榜最多的人" }

func (c *StatsCommand) Execute(ctx context.Context, req *Request) (*Response, error) {
	stats := c.deps.Store.Stats(req.Scope, 5)
	if stats.Total == 0 {
		return reply("还没有语录，先用 上传 保存一条吧~"), nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "共有 %d 条语录", stats.Total)
	for i, a := range stats.Authors {
		name := a.DisplayName
		if name == "" {
			name = a.AuthorID
		}
		fmt.Fprintf(&b, "\n%d. %s：%d 条", i+1, name, a.Count)
	}
	return reply(b.String()), nil
}

type HelpCommand struct {
	registry *Registry
}

func (c *HelpCommand) Name() string        { return "语录帮助" }
func (c *HelpCommand) Aliases() []string   { return []string{"quote help"} }
func (c *HelpCommand) Description() string { return "显示本帮助" }

func (c *HelpCommand) Execute(ctx context.Context, req *Request) (*Response, error) {
	lines := append([]string{"语录插件帮助"}, c.registry.GetSummaries()...)
	return reply(strings.Join(lines, "\n")), nil
}

// leadingCount parses the first numeric field, or returns def.
func leadingCount(fields []string, def int) int {
	for _, f := range fields {
		if n, err := strconv.Atoi(f); err == nil {
			if n < 1 {
				return def
			}
			return n
		}
	}
	return def
}
