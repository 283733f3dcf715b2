// Package miner scans group history and asks an LLM which lines are worth
// keeping as quotes.
package miner

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/sipeed/picoquote/pkg/bus"
	"github.com/sipeed/picoquote/pkg/llm"
	"github.com/sipeed/picoquote/pkg/logger"
	"github.com/sipeed/picoquote/pkg/quote"
)

const maxCandidates = 200

const defaultPrompt = `你是一个群聊语录鉴赏员。下面是一段群聊记录，每行格式为 [编号] 昵称: 内容。
请从中挑选最多 %d 条最有趣、最适合收录为"语录"的发言（金句、名场面、神回复）。
只返回 JSON 数组，不要任何解释，格式：[{"index": 编号, "reason": "入选理由"}]。
如果没有合适的，返回 []。`

var ErrNoHistory = errors.New("no history available")

// HistorySource is satisfied by chat channels that can page group history.
type HistorySource interface {
	FetchGroupHistory(ctx context.Context, chatID, cursor string, count int) ([]bus.QuotedMessage, string, error)
}

type Options struct {
	MaxPages int
	PageSize int
	MinRunes int
	MaxRunes int
	MaxPicks int
	// Prompt may contain one %d for MaxPicks.
	Prompt string
	// IsCommand reports lines that are bot commands and must be skipped.
	IsCommand func(text string) bool
}

type Request struct {
	Source  HistorySource
	ChatID  string
	Scope   string
	Invoker string
	// Pages overrides MaxPages when positive, capped at MaxPages.
	Pages int
}

type Report struct {
	Pages      int
	Scanned    int
	Candidates int
	Added      int
	Duplicates int
	Quotes     []quote.Quote
}

type Miner struct {
	store *quote.Store
	llm   llm.Chatter
	opts  Options
}

func New(store *quote.Store, chatter llm.Chatter, opts Options) *Miner {
	if opts.MaxPages <= 0 {
		opts.MaxPages = 3
	}
	if opts.PageSize <= 0 {
		opts.PageSize = 50
	}
	if opts.MinRunes <= 0 {
		opts.MinRunes = 4
	}
	if opts.MaxRunes < opts.MinRunes {
		opts.MaxRunes = 120
	}
	if opts.MaxPicks <= 0 {
		opts.MaxPicks = 5
	}
	if opts.Prompt == "" {
		opts.Prompt = defaultPrompt
	}
	return &Miner{store: store, llm: chatter, opts: opts}
}

// Run mines one group. A history error on the first page fails the run;
// later page errors end pagination early.
func (m *Miner) Run(ctx context.Context, req Request) (Report, error) {
	var report Report
	if req.Source == nil {
		return report, ErrNoHistory
	}

	pages := m.opts.MaxPages
	if req.Pages > 0 && req.Pages < pages {
		pages = req.Pages
	}

	candidates, err := m.collect(ctx, req, pages, &report)
	if err != nil {
		return report, err
	}
	report.Candidates = len(candidates)
	if len(candidates) == 0 {
		return report, nil
	}

	reply, err := m.llm.Chat(ctx, m.systemPrompt(), BuildPrompt(candidates))
	if err != nil {
		return report, fmt.Errorf("ask model: %w", err)
	}

	picks, err := ParseSelections(reply)
	if err != nil {
		return report, err
	}

	seen := make(map[int]bool, len(picks))
	for _, pick := range picks {
		if len(report.Quotes) >= m.opts.MaxPicks {
			break
		}
		if pick.Index < 1 || pick.Index > len(candidates) || seen[pick.Index] {
			continue
		}
		seen[pick.Index] = true
		c := candidates[pick.Index-1]

		if m.store.Exists(req.Scope, c.Text) {
			report.Duplicates++
			continue
		}

		q := quote.Quote{
			AuthorID:     c.SenderID,
			DisplayName:  c.SenderName,
			Text:         c.Text,
			SubmittedBy:  "miner:" + req.Invoker,
			IsolationKey: req.Scope,
			Note:         strings.TrimSpace(pick.Reason),
		}
		if c.Time > 0 {
			q.CreatedAt = float64(c.Time)
		}

		stored, err := m.store.Add(q)
		if errors.Is(err, quote.ErrDuplicate) {
			report.Duplicates++
			continue
		}
		if err != nil {
			return report, fmt.Errorf("store mined quote: %w", err)
		}
		report.Quotes = append(report.Quotes, stored)
	}
	report.Added = len(report.Quotes)

	logger.InfoCF("miner", "Mining finished", map[string]interface{}{
		"chat":       req.ChatID,
		"scope":      req.Scope,
		"pages":      report.Pages,
		"scanned":    report.Scanned,
		"candidates": report.Candidates,
		"added":      report.Added,
		"duplicates": report.Duplicates,
	})
	return report, nil
}

func (m *Miner) collect(ctx context.Context, req Request, pages int, report *Report) ([]bus.QuotedMessage, error) {
	var candidates []bus.QuotedMessage
	texts := make(map[string]bool)
	cursor := ""

	for page := 0; page < pages; page++ {
		msgs, next, err := req.Source.FetchGroupHistory(ctx, req.ChatID, cursor, m.opts.PageSize)
		if err != nil {
			if page == 0 {
				return nil, fmt.Errorf("fetch history: %w", err)
			}
			logger.WarnCF("miner", "History page failed, stopping early", map[string]interface{}{
				"chat":  req.ChatID,
				"page":  page,
				"error": err.Error(),
			})
			break
		}
		report.Pages++
		report.Scanned += len(msgs)

		for _, msg := range msgs {
			c, ok := m.candidate(msg, req.Scope)
			if !ok || texts[c.Text] {
				continue
			}
			texts[c.Text] = true
			candidates = append(candidates, c)
		}

		if next == "" || next == cursor || len(msgs) == 0 {
			break
		}
		cursor = next
	}

	if len(candidates) > maxCandidates {
		candidates = candidates[len(candidates)-maxCandidates:]
	}
	return candidates, nil
}

func (m *Miner) candidate(msg bus.QuotedMessage, scope string) (bus.QuotedMessage, bool) {
	if msg.FromBot || strings.TrimSpace(msg.SenderID) == "" {
		return msg, false
	}
	text := quote.NormalizeText(quote.StripAtTokens(msg.Text))
	if text == "" {
		return msg, false
	}
	if m.opts.IsCommand != nil && m.opts.IsCommand(text) {
		return msg, false
	}
	n := utf8.RuneCountInString(text)
	if n < m.opts.MinRunes || n > m.opts.MaxRunes {
		return msg, false
	}
	if m.store.Exists(scope, text) {
		return msg, false
	}
	msg.Text = text
	return msg, true
}

func (m *Miner) systemPrompt() string {
	if strings.Contains(m.opts.Prompt, "%d") {
		return fmt.Sprintf(m.opts.Prompt, m.opts.MaxPicks)
	}
	return m.opts.Prompt
}

// BuildPrompt numbers candidates from 1, one per line. Newlines inside a
// message are flattened so each candidate stays on its own line.
func BuildPrompt(candidates []bus.QuotedMessage) string {
	var b strings.Builder
	for i, c := range candidates {
		name := c.SenderName
		if name == "" {
			name = c.SenderID
		}
		fmt.Fprintf(&b, "[%d] %s: %s\n", i+1, name, strings.ReplaceAll(c.Text, "\n", " / "))
	}
	return b.String()
}
