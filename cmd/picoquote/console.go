package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/chzyer/readline"

	"github.com/sipeed/picoquote/pkg/bot"
	"github.com/sipeed/picoquote/pkg/bus"
	"github.com/sipeed/picoquote/pkg/logger"
)

const (
	consoleChannel = "cli"
	consoleChat    = "local"
	consoleUser    = "console"
	// consoleBot as the quoted name marks a reply to a bot message.
	consoleBot = "bot"
)

// consoleSession feeds typed lines to the command loop as channel "cli".
//
// A line starting with ">" sets the message the next command replies to:
//
//	> Alice: the wind is loud today
//	上传
//
// "> bot" replies to the last quote the console showed. Words starting with
// "@" become mentions.
type consoleSession struct {
	loop    *bot.Loop
	outDir  string
	pending *bus.QuotedMessage
	seq     int
	now     func() time.Time
}

func newConsoleSession(loop *bot.Loop, outDir string) *consoleSession {
	return &consoleSession{loop: loop, outDir: outDir, now: time.Now}
}

// handle runs one input line and returns what to print.
func (s *consoleSession) handle(ctx context.Context, line string) (string, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return "", nil
	}

	if strings.HasPrefix(line, ">") {
		s.pending = s.parseQuoted(strings.TrimSpace(strings.TrimPrefix(line, ">")))
		return fmt.Sprintf("(replying to %s)", s.pending.SenderName), nil
	}

	msg := bus.InboundMessage{
		Channel:    consoleChannel,
		SenderID:   consoleUser,
		SenderName: consoleUser,
		ChatID:     consoleChat,
		Content:    line,
		Mentions:   consoleMentions(line),
		Reply:      s.pending,
		SessionKey: consoleChannel + ":" + consoleChat,
	}

	out, err := s.loop.Process(ctx, msg)
	if err != nil {
		return "", err
	}
	if out == nil {
		return "(not a command)", nil
	}
	s.pending = nil
	if out.QuoteID != "" {
		s.loop.OnSent(*out, "")
	}
	return s.format(out), nil
}

func (s *consoleSession) parseQuoted(text string) *bus.QuotedMessage {
	s.seq++
	q := &bus.QuotedMessage{
		MessageID: "c" + strconv.Itoa(s.seq),
		Time:      s.now().Unix(),
	}
	name, body, found := strings.Cut(text, ":")
	if !found {
		name, body, found = strings.Cut(text, "：")
	}
	if found && strings.TrimSpace(name) != "" && !strings.ContainsAny(strings.TrimSpace(name), " \t") {
		q.SenderID = strings.TrimSpace(name)
		q.SenderName = q.SenderID
		q.Text = strings.TrimSpace(body)
	} else {
		q.SenderID = consoleUser
		q.SenderName = consoleUser
		q.Text = text
	}

	if q.SenderID == consoleBot || text == consoleBot {
		return &bus.QuotedMessage{MessageID: q.MessageID, Time: q.Time, SenderName: consoleBot, FromBot: true}
	}

	// A body that names an existing file is treated as an image.
	if fi, err := os.Stat(q.Text); err == nil && !fi.IsDir() {
		q.Media = []string{q.Text}
		q.Text = ""
	}
	return q
}

func consoleMentions(line string) []string {
	var out []string
	for _, f := range strings.Fields(line) {
		if strings.HasPrefix(f, "@") && len(f) > 1 {
			out = append(out, strings.TrimPrefix(f, "@"))
		}
	}
	return out
}

func (s *consoleSession) format(out *bus.OutboundMessage) string {
	var b strings.Builder
	b.WriteString(out.Content)
	for _, img := range out.Images {
		path := img.Path
		if len(img.Data) > 0 {
			written, err := s.writeImage(img)
			if err != nil {
				logger.WarnCF("console", "Failed to write image", map[string]interface{}{
					"name":  img.Name,
					"error": err.Error(),
				})
				continue
			}
			path = written
		}
		if b.Len() > 0 {
			b.WriteByte('\n')
		}
		b.WriteString("[image] " + path)
	}
	return b.String()
}

func (s *consoleSession) writeImage(img bus.Image) (string, error) {
	if err := os.MkdirAll(s.outDir, 0755); err != nil {
		return "", err
	}
	name := filepath.Base(img.Name)
	if name == "" || name == "." {
		name = fmt.Sprintf("image_%d.png", s.now().UnixNano())
	}
	path := filepath.Join(s.outDir, name)
	if err := os.WriteFile(path, img.Data, 0644); err != nil {
		return "", err
	}
	return path, nil
}

func consoleCmd() {
	cfg := mustLoadConfig()
	configureLogging(cfg)
	if debugFlag(os.Args[2:]) {
		logger.SetLevel(logger.DEBUG)
		fmt.Println("Debug mode enabled")
	}

	a, err := newApp(cfg)
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}
	defer a.close()

	session := newConsoleSession(a.loop, filepath.Join(cfg.DataPath(), "console"))
	fmt.Printf("%s Console mode (Ctrl+C to exit). Try: 语录帮助\n\n", logo)
	interactiveMode(session)
}

func interactiveMode(session *consoleSession) {
	prompt := fmt.Sprintf("%s ", logo)

	rl, err := readline.NewEx(&readline.Config{
		Prompt:          prompt,
		HistoryFile:     filepath.Join(os.TempDir(), ".picoquote_history"),
		HistoryLimit:    100,
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})

	if err != nil {
		fmt.Printf("Error initializing readline: %v\n", err)
		fmt.Println("Falling back to simple input mode...")
		simpleInteractiveMode(session)
		return
	}
	defer rl.Close()

	for {
		line, err := rl.Readline()
		if err != nil {
			if err == readline.ErrInterrupt || err == io.EOF {
				fmt.Println("\nGoodbye!")
				return
			}
			fmt.Printf("Error reading input: %v\n", err)
			continue
		}
		if !runConsoleLine(session, line) {
			return
		}
	}
}

func simpleInteractiveMode(session *consoleSession) {
	reader := bufio.NewReader(os.Stdin)
	for {
		fmt.Printf("%s ", logo)
		line, err := reader.ReadString('\n')
		if err != nil {
			if err == io.EOF {
				fmt.Println("\nGoodbye!")
				return
			}
			fmt.Printf("Error reading input: %v\n", err)
			continue
		}
		if !runConsoleLine(session, line) {
			return
		}
	}
}

// runConsoleLine returns false when the user asked to leave.
func runConsoleLine(session *consoleSession, line string) bool {
	input := strings.TrimSpace(line)
	if input == "exit" || input == "quit" {
		fmt.Println("Goodbye!")
		return false
	}

	output, err := session.handle(context.Background(), input)
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		return true
	}
	if output != "" {
		fmt.Printf("%s\n\n", output)
	}
	return true
}
