package bot

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sipeed/picoquote/pkg/bus"
	"github.com/sipeed/picoquote/pkg/commands"
	"github.com/sipeed/picoquote/pkg/config"
	"github.com/sipeed/picoquote/pkg/cron"
	"github.com/sipeed/picoquote/pkg/quote"
	"github.com/sipeed/picoquote/pkg/session"
)

func newTestLoop(t *testing.T) (*Loop, *bus.MessageBus, *commands.Deps) {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Quotes.DataDir = t.TempDir()
	cfg.Quotes.Admins = config.FlexibleStringSlice{"admin"}

	store, _, err := quote.Open(quote.Options{Path: filepath.Join(cfg.Quotes.DataDir, "quotes.json"), Dedup: true})
	require.NoError(t, err)

	deps := &commands.Deps{
		Store:    store,
		Present:  commands.NewPresenter(nil, nil, nil, nil, 0),
		Sessions: session.NewSessionManager(""),
		Cron:     cron.NewCronService(filepath.Join(cfg.Quotes.DataDir, "jobs.json"), nil),
	}
	registry := commands.NewRegistry(nil)
	commands.Register(registry, deps)

	msgBus := bus.NewMessageBus()
	return NewLoop(cfg, msgBus, registry, deps), msgBus, deps
}

func TestIsolationKey(t *testing.T) {
	cfg := config.DefaultConfig()

	group := bus.InboundMessage{Channel: "onebot", SenderID: "1", ChatID: "group:9", Metadata: map[string]string{"group_id": "9"}}
	private := bus.InboundMessage{Channel: "onebot", SenderID: "1", ChatID: "private:1", Metadata: map[string]string{}}
	telegram := bus.InboundMessage{Channel: "telegram", SenderID: "1", ChatID: "-100"}

	assert.Equal(t, "9", IsolationKey(cfg, group))
	assert.Equal(t, "private_1", IsolationKey(cfg, private))
	assert.Equal(t, "telegram:-100", IsolationKey(cfg, telegram))

	cfg.Quotes.GlobalScope = true
	assert.Equal(t, "", IsolationKey(cfg, group))
}

func TestProcess_RoutesCommands(t *testing.T) {
	loop, _, deps := newTestLoop(t)
	ctx := context.Background()

	out, err := loop.Process(ctx, bus.InboundMessage{Channel: "telegram", ChatID: "5", Content: "just chatting"})
	require.NoError(t, err)
	assert.Nil(t, out)

	_, err = deps.Store.Add(quote.Quote{AuthorID: "7", DisplayName: "Bob", Text: "hello there", IsolationKey: "telegram:5"})
	require.NoError(t, err)

	out, err = loop.Process(ctx, bus.InboundMessage{Channel: "telegram", ChatID: "5", SenderID: "1", Content: "/语录"})
	require.NoError(t, err)
	require.NotNil(t, out)
	assert.Equal(t, "telegram", out.Channel)
	assert.Equal(t, "5", out.ChatID)
	assert.Contains(t, out.Content, "hello there")
	assert.NotEmpty(t, out.QuoteID)

	out, err = loop.Process(ctx, bus.InboundMessage{Channel: "telegram", ChatID: "6", SenderID: "1", Content: "语录"})
	require.NoError(t, err)
	assert.Contains(t, out.Content, "还没有语录", "other chats are isolated")
}

func TestProcess_AdminOnly(t *testing.T) {
	loop, _, _ := newTestLoop(t)
	ctx := context.Background()

	out, err := loop.Process(ctx, bus.InboundMessage{Channel: "telegram", ChatID: "5", SenderID: "1", Content: "定时语录 list"})
	require.NoError(t, err)
	assert.Equal(t, "只有管理员可以使用该指令。", out.Content)

	out, err = loop.Process(ctx, bus.InboundMessage{Channel: "telegram", ChatID: "5", SenderID: "admin", Content: "定时语录 list"})
	require.NoError(t, err)
	assert.Equal(t, "本群还没有定时语录。", out.Content)

	out, err = loop.Process(ctx, bus.InboundMessage{Channel: "cli", ChatID: "local", SenderID: "user", Content: "定时语录 list"})
	require.NoError(t, err)
	assert.Equal(t, "本群还没有定时语录。", out.Content)
}

func TestOnSentThenDelete(t *testing.T) {
	loop, _, deps := newTestLoop(t)
	ctx := context.Background()

	q, err := deps.Store.Add(quote.Quote{AuthorID: "7", Text: "delete me", SubmittedBy: "1", IsolationKey: "telegram:5"})
	require.NoError(t, err)

	loop.OnSent(bus.OutboundMessage{Channel: "telegram", ChatID: "5", QuoteID: q.ID}, "900")

	out, err := loop.Process(ctx, bus.InboundMessage{
		Channel:    "telegram",
		ChatID:     "5",
		SenderID:   "1",
		Content:    "删除",
		SessionKey: "telegram:5",
		Reply:      &bus.QuotedMessage{MessageID: "900", SenderID: "bot", FromBot: true},
	})
	require.NoError(t, err)
	assert.Equal(t, "已删除语录。", out.Content)
	assert.Equal(t, 0, deps.Store.Len())
}

func TestHandleJob(t *testing.T) {
	loop, msgBus, deps := newTestLoop(t)

	job := &cron.CronJob{ID: "j1", Payload: cron.CronPayload{Kind: cron.KindRandomQuote, Channel: "onebot", To: "group:9", Scope: "9"}}
	result, err := loop.HandleJob(job)
	require.NoError(t, err)
	assert.Equal(t, "no quotes", result)

	q, err := deps.Store.Add(quote.Quote{AuthorID: "7", Text: "scheduled", IsolationKey: "9"})
	require.NoError(t, err)

	result, err = loop.HandleJob(job)
	require.NoError(t, err)
	assert.Equal(t, "quote "+q.ID, result)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	out, ok := msgBus.SubscribeOutbound(ctx)
	require.True(t, ok)
	assert.Equal(t, "group:9", out.ChatID)
	assert.Equal(t, q.ID, out.QuoteID)

	_, err = loop.HandleJob(&cron.CronJob{ID: "j2", Payload: cron.CronPayload{Kind: cron.KindMessage, Channel: "onebot", To: "group:9", Message: "早上好"}})
	require.NoError(t, err)
	out, ok = msgBus.SubscribeOutbound(ctx)
	require.True(t, ok)
	assert.Equal(t, "早上好", out.Content)

	_, err = loop.HandleJob(&cron.CronJob{ID: "j3", Payload: cron.CronPayload{Kind: "bogus", Channel: "x", To: "y"}})
	assert.Error(t, err)
}

func TestRunStopsWithContext(t *testing.T) {
	loop, msgBus, _ := newTestLoop(t)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		_ = loop.Run(ctx)
		close(done)
	}()

	msgBus.PublishInbound(bus.InboundMessage{Channel: "telegram", ChatID: "5", SenderID: "1", Content: "语录帮助"})
	subCtx, subCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer subCancel()
	out, ok := msgBus.SubscribeOutbound(subCtx)
	require.True(t, ok)
	assert.Contains(t, out.Content, "语录插件帮助")

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
