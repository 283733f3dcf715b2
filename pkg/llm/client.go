// Package llm is a minimal client for OpenAI-compatible chat completion
// endpoints.
package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/sipeed/picoquote/pkg/logger"
	"github.com/sipeed/picoquote/pkg/utils"
)

var (
	ErrNoProvider    = errors.New("llm provider not configured")
	ErrEmptyResponse = errors.New("llm returned no content")
)

// Chatter is the single-turn chat surface the miner needs.
type Chatter interface {
	Chat(ctx context.Context, system, user string) (string, error)
}

type Options struct {
	Model       string
	Temperature float64
	Timeout     time.Duration
}

type Client struct {
	provider Provider
	opts     Options
	http     *resty.Client
}

func NewClient(provider Provider, opts Options) (*Client, error) {
	if provider.APIBase == "" {
		return nil, ErrNoProvider
	}
	if strings.TrimSpace(opts.Model) == "" {
		return nil, fmt.Errorf("%w: model is empty", ErrNoProvider)
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 60 * time.Second
	}

	httpClient := resty.New().
		SetTimeout(opts.Timeout).
		SetHeader("Content-Type", "application/json")
	if provider.APIKey != "" {
		httpClient.SetAuthToken(provider.APIKey)
	}
	if provider.Proxy != "" {
		httpClient.SetProxy(provider.Proxy)
	}

	return &Client{provider: provider, opts: opts, http: httpClient}, nil
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content json.RawMessage `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// Chat sends one system + user exchange and returns the assistant text.
func (c *Client) Chat(ctx context.Context, system, user string) (string, error) {
	messages := make([]chatMessage, 0, 2)
	if strings.TrimSpace(system) != "" {
		messages = append(messages, chatMessage{Role: "system", Content: system})
	}
	messages = append(messages, chatMessage{Role: "user", Content: user})

	var out chatResponse
	start := time.Now()
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(chatRequest{Model: c.opts.Model, Messages: messages, Temperature: c.opts.Temperature}).
		SetResult(&out).
		SetError(&out).
		Post(JoinURL(c.provider.APIBase, "/chat/completions"))
	if err != nil {
		return "", fmt.Errorf("chat request: %w", err)
	}
	if !resp.IsSuccess() {
		detail := ""
		if out.Error != nil {
			detail = out.Error.Message
		} else {
			detail = utils.Truncate(strings.TrimSpace(resp.String()), 200)
		}
		return "", fmt.Errorf("chat request: status %d: %s", resp.StatusCode(), detail)
	}

	if len(out.Choices) == 0 {
		return "", ErrEmptyResponse
	}
	text := contentText(out.Choices[0].Message.Content)
	if text == "" {
		return "", ErrEmptyResponse
	}

	logger.DebugCF("llm", "Chat completed", map[string]interface{}{
		"provider": c.provider.Name,
		"model":    c.opts.Model,
		"duration": time.Since(start).String(),
		"chars":    len(text),
	})
	return text, nil
}

// contentText accepts either a plain string or an array of typed parts.
func contentText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return strings.TrimSpace(s)
	}

	var parts []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(raw, &parts); err != nil {
		return ""
	}
	var sb strings.Builder
	for _, part := range parts {
		if part.Type != "text" || strings.TrimSpace(part.Text) == "" {
			continue
		}
		if sb.Len() > 0 {
			sb.WriteString(" ")
		}
		sb.WriteString(strings.TrimSpace(part.Text))
	}
	return strings.TrimSpace(sb.String())
}
