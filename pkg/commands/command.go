// Package commands implements the chat commands of the quote bot and the
// registry that routes message text to them.
package commands

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/sipeed/picoquote/pkg/bus"
	"github.com/sipeed/picoquote/pkg/channels"
	"github.com/sipeed/picoquote/pkg/cron"
	"github.com/sipeed/picoquote/pkg/media"
	"github.com/sipeed/picoquote/pkg/metrics"
	"github.com/sipeed/picoquote/pkg/miner"
	"github.com/sipeed/picoquote/pkg/quote"
	"github.com/sipeed/picoquote/pkg/session"
)

// ErrPermission is returned by Execute when the sender may not run a
// restricted command.
var ErrPermission = errors.New("permission denied")

type Command interface {
	Name() string
	Aliases() []string
	Description() string
	Execute(ctx context.Context, req *Request) (*Response, error)
}

// Restricted is implemented by commands only admins may run.
type Restricted interface {
	AdminOnly() bool
}

// Request is one parsed invocation.
type Request struct {
	Message bus.InboundMessage
	// Trigger is the word (or phrase) that selected the command.
	Trigger string
	Args    string
	// Scope is the quote isolation key of the chat, empty in global mode.
	Scope   string
	IsAdmin bool
}

func (r *Request) Fields() []string {
	return strings.Fields(r.Args)
}

// SessionKey identifies the chat for delivery memory.
func (r *Request) SessionKey() string {
	if r.Message.SessionKey != "" {
		return r.Message.SessionKey
	}
	return r.Message.Channel + ":" + r.Message.ChatID
}

// IsGroup reports whether the message came from a group chat.
func (r *Request) IsGroup() bool {
	md := r.Message.Metadata
	return md["group_id"] != "" || md["is_group"] == "true"
}

// Response is what a command sends back to the chat.
type Response struct {
	Text   string
	Images []bus.Image
	// QuoteID is set when the response displays a stored quote.
	QuoteID string
}

// Platform is the part of the channel manager the commands use.
type Platform interface {
	ResolveMemberName(ctx context.Context, channel, chatID, userID string) (string, error)
	HistorySource(channel string) (channels.HistorySource, bool)
}

// Deps carries the services commands share. Miner, Cron and Platform may be
// nil; the commands that need them then answer with an explanation.
type Deps struct {
	Store    *quote.Store
	Images   *media.ImageStore
	Present  *Presenter
	Sessions *session.SessionManager
	Cron     *cron.CronService
	Miner    *miner.Miner
	Platform Platform
	Metrics  *metrics.Collector
	// MaxBatch caps 抽卡 and multi-quote 语录.
	MaxBatch int
	// Timezone is applied to cron expressions added from chat.
	Timezone string
	Now      func() time.Time
}

func (d *Deps) now() time.Time {
	if d.Now != nil {
		return d.Now()
	}
	return time.Now()
}

func (d *Deps) maxBatch() int {
	if d.MaxBatch <= 0 {
		return 10
	}
	return d.MaxBatch
}

// Register adds every built-in command to r.
func Register(r *Registry, deps *Deps) {
	r.Register(&UploadCommand{deps: deps})
	r.Register(&RandomCommand{deps: deps})
	r.Register(&DrawCommand{deps: deps})
	r.Register(&DeleteCommand{deps: deps})
	r.Register(&StatsCommand{deps: deps})
	r.Register(&ScheduleCommand{deps: deps})
	r.Register(&MineCommand{deps: deps})
	r.Register(&HelpCommand{registry: r})
}

func reply(text string) *Response {
	return &Response{Text: text}
}
