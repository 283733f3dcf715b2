package commands

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sipeed/picoquote/pkg/logger"
	"github.com/sipeed/picoquote/pkg/metrics"
)

// maxTriggerWords is the longest alias, e.g. "quote add".
const maxTriggerWords = 2

type Registry struct {
	commands []Command
	triggers map[string]Command
	metrics  *metrics.Collector
	mu       sync.RWMutex
}

func NewRegistry(m *metrics.Collector) *Registry {
	return &Registry{
		triggers: make(map[string]Command),
		metrics:  m,
	}
}

// Register adds cmd under its name and aliases. A later registration wins a
// clashing trigger.
func (r *Registry) Register(cmd Command) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.commands = append(r.commands, cmd)
	r.triggers[strings.ToLower(cmd.Name())] = cmd
	for _, alias := range cmd.Aliases() {
		r.triggers[strings.ToLower(alias)] = cmd
	}
}

func (r *Registry) Get(name string) (Command, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cmd, ok := r.triggers[strings.ToLower(name)]
	return cmd, ok
}

// Resolve matches the leading words of text against triggers, longest
// first. A leading "/" is ignored.
func (r *Registry) Resolve(text string) (cmd Command, trigger, args string, ok bool) {
	text = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(text), "/"))
	fields := strings.Fields(text)
	if len(fields) == 0 {
		return nil, "", "", false
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	for n := min(maxTriggerWords, len(fields)); n >= 1; n-- {
		candidate := strings.ToLower(strings.Join(fields[:n], " "))
		if cmd, ok := r.triggers[candidate]; ok {
			return cmd, strings.Join(fields[:n], " "), restAfterWords(text, n), true
		}
	}
	return nil, "", "", false
}

// IsCommand reports whether text would be routed to a command.
func (r *Registry) IsCommand(text string) bool {
	_, _, _, ok := r.Resolve(text)
	return ok
}

// restAfterWords returns text with its first n words removed. Line breaks
// in the remainder are kept.
func restAfterWords(text string, n int) string {
	rest := text
	for i := 0; i < n; i++ {
		rest = strings.TrimLeft(rest, " \t\r\n")
		end := strings.IndexAny(rest, " \t\r\n")
		if end < 0 {
			return ""
		}
		rest = rest[end:]
	}
	return strings.TrimSpace(rest)
}

func (r *Registry) Execute(ctx context.Context, cmd Command, req *Request) (*Response, error) {
	name := cmd.Name()
	logger.InfoCF("command", "Command execution started",
		map[string]interface{}{
			"command": name,
			"args":    req.Args,
			"sender":  req.Message.SenderID,
			"chat":    req.Message.ChatID,
		})

	if restricted, ok := cmd.(Restricted); ok && restricted.AdminOnly() && !req.IsAdmin {
		logger.WarnCF("command", "Command denied",
			map[string]interface{}{
				"command": name,
				"sender":  req.Message.SenderID,
			})
		r.metrics.ObserveCommand(name, "denied")
		return nil, fmt.Errorf("%w: %s is admin only", ErrPermission, name)
	}

	start := time.Now()
	resp, err := cmd.Execute(ctx, req)
	duration := time.Since(start)

	if err != nil {
		result := "error"
		if errors.Is(err, ErrPermission) {
			result = "denied"
		}
		logger.ErrorCF("command", "Command execution failed",
			map[string]interface{}{
				"command":  name,
				"duration": duration.Milliseconds(),
				"error":    err.Error(),
			})
		r.metrics.ObserveCommand(name, result)
		return nil, err
	}

	logger.InfoCF("command", "Command execution completed",
		map[string]interface{}{
			"command":     name,
			"duration_ms": duration.Milliseconds(),
		})
	r.metrics.ObserveCommand(name, "ok")
	return resp, nil
}

// List returns the primary names in registration order.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.commands))
	for _, cmd := range r.commands {
		names = append(names, cmd.Name())
	}
	return names
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.commands)
}

// GetSummaries returns "- name: description" lines in registration order.
func (r *Registry) GetSummaries() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	summaries := make([]string, 0, len(r.commands))
	for _, cmd := range r.commands {
		summaries = append(summaries, fmt.Sprintf("- %s：%s", cmd.Name(), cmd.Description()))
	}
	return summaries
}

// Triggers returns every trigger word, sorted.
func (r *Registry) Triggers() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.triggers))
	for t := range r.triggers {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}
