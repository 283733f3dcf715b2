package main

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/sipeed/picoquote/pkg/config"
)

func newTestApp(t *testing.T) *app {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Quotes.DataDir = t.TempDir()
	cfg.Quotes.Render.Enabled = false
	cfg.Quotes.Render.Timezone = "UTC"
	cfg.Miner.Provider = ""

	a, err := newApp(cfg)
	if err != nil {
		t.Fatalf("newApp: %v", err)
	}
	t.Cleanup(a.close)
	return a
}

func mustHandle(t *testing.T, s *consoleSession, line string) string {
	t.Helper()
	out, err := s.handle(context.Background(), line)
	if err != nil {
		t.Fatalf("handle(%q): %v", line, err)
	}
	return out
}

func TestConsole_UploadShowDelete(t *testing.T) {
	a := newTestApp(t)
	s := newConsoleSession(a.loop, t.TempDir())

	if out := mustHandle(t, s, "> Alice: 今天的风好喧嚣啊"); out != "(replying to Alice)" {
		t.Fatalf("quote line = %q", out)
	}
	if out := mustHandle(t, s, "上传"); !strings.Contains(out, "已收录 Alice 的语录") {
		t.Fatalf("upload = %q", out)
	}
	if a.store.Len() != 1 {
		t.Fatalf("store.Len = %d, want 1", a.store.Len())
	}

	if out := mustHandle(t, s, "语录"); !strings.Contains(out, "今天的风好喧嚣啊") {
		t.Fatalf("random = %q", out)
	}
	if _, ok := a.deps.Sessions.LastQuote("cli:local"); !ok {
		t.Fatal("shown quote was not recorded")
	}

	mustHandle(t, s, "> bot")
	if out := mustHandle(t, s, "删除"); out != "已删除语录。" {
		t.Fatalf("delete = %q", out)
	}
	if a.store.Len() != 0 {
		t.Fatalf("store.Len = %d after delete", a.store.Len())
	}
}

func TestConsole_NonCommandAndPendingReset(t *testing.T) {
	a := newTestApp(t)
	s := newConsoleSession(a.loop, t.TempDir())

	if out := mustHandle(t, s, "hello there"); out != "(not a command)" {
		t.Fatalf("plain text = %q", out)
	}

	mustHandle(t, s, "> Bob: something")
	mustHandle(t, s, "语录统计")
	if s.pending != nil {
		t.Fatal("pending reply should be consumed by a command")
	}
}

func TestConsole_ParseQuoted(t *testing.T) {
	s := &consoleSession{now: func() time.Time { return time.Unix(1700000000, 0) }}

	q := s.parseQuoted("Alice：全角冒号")
	if q.SenderID != "Alice" || q.Text != "全角冒号" || q.Time != 1700000000 {
		t.Fatalf("parseQuoted = %+v", q)
	}

	q = s.parseQuoted("no name here: but spaces")
	if q.SenderID != consoleUser || q.Text != "no name here: but spaces" {
		t.Fatalf("parseQuoted without name = %+v", q)
	}

	q = s.parseQuoted("bot")
	if !q.FromBot || q.SenderID != "" {
		t.Fatalf("bot reply = %+v", q)
	}

	if got := consoleMentions("语录 @alice 3 @"); len(got) != 1 || got[0] != "alice" {
		t.Fatalf("consoleMentions = %v", got)
	}
}
