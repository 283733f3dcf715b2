// Package render turns quotes into HTML cards and rasterizes them to PNG.
package render

import (
	"bytes"
	"embed"
	"fmt"
	"html/template"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/sipeed/picoquote/pkg/quote"
)

//go:embed templates/*.html
var templateFS embed.FS

var templates = template.Must(template.ParseFS(templateFS, "templates/*.html"))

const (
	LayoutAuto    = "auto"
	LayoutClassic = "classic"

	feedWidth      = 1500
	verticalWidth  = 1500
	verticalHeight = 800
	mergedWidth    = 1000
	mergedHeight   = 1000
	classicWidth   = 1280
	classicHeight  = 427

	longTextRunes    = 60
	longTextNewlines = 4
	mergedSmallRunes = 50

	timeLayout = "02 Jan 2006 15:04"
)

// Page is one HTML document plus the viewport it is meant to be captured at.
// FullPage grows the capture to the document height.
type Page struct {
	HTML     string
	Width    int
	Height   int
	FullPage bool
}

// Options configures card generation.
type Options struct {
	// AvatarProvider is "qlogo", "none" or a URL template containing "{id}".
	AvatarProvider string
	// Brand replaces the "#N / M" counter when the total is unknown.
	Brand string
	// Layout is "auto" (feed or vertical by length) or "classic".
	Layout   string
	Location *time.Location
}

// Cards builds quote card pages.
type Cards struct {
	opts Options
}

func NewCards(opts Options) *Cards {
	if opts.AvatarProvider == "" {
		opts.AvatarProvider = "qlogo"
	}
	if opts.Brand == "" {
		opts.Brand = "picoquote"
	}
	if opts.Layout == "" {
		opts.Layout = LayoutAuto
	}
	if opts.Location == nil {
		opts.Location = time.Local
	}
	return &Cards{opts: opts}
}

// AvatarURL resolves the avatar image for a user id.
func AvatarURL(provider, id string) string {
	id = strings.TrimSpace(id)
	if id == "" {
		return ""
	}
	switch provider {
	case "", "qlogo":
		return "https://q1.qlogo.cn/g?b=qq&nk=" + id + "&s=640"
	case "none":
		return ""
	}
	if strings.Contains(provider, "{id}") {
		return strings.ReplaceAll(provider, "{id}", id)
	}
	return ""
}

// CardData is everything a single quote card displays.
type CardData struct {
	Name      string
	Text      string
	AvatarURL string
	TimeText  string
	CountText string
	Width     int
	Height    int
}

// NewCardData fills the display fields of a card for q at position index of
// total.
func (c *Cards) NewCardData(q quote.Quote, index, total int) CardData {
	name := q.DisplayName
	if name == "" {
		name = q.AuthorID
	}
	return CardData{
		Name:      name,
		Text:      q.DisplayText(),
		AvatarURL: AvatarURL(c.opts.AvatarProvider, q.AuthorID),
		TimeText:  c.timeText(q),
		CountText: c.countText(index, total),
	}
}

func (c *Cards) timeText(q quote.Quote) string {
	if q.CreatedAt <= 0 {
		return ""
	}
	return q.CreatedTime().In(c.opts.Location).Format(timeLayout)
}

func (c *Cards) countText(index, total int) string {
	if total > 0 {
		return fmt.Sprintf("#%d / %d", index, total)
	}
	return c.opts.Brand
}

// IsLongText reports whether text needs the vertical layout.
func IsLongText(text string) bool {
	return utf8.RuneCountInString(text) > longTextRunes || strings.Count(text, "\n") > longTextNewlines
}

// SingleCard renders one quote. Short quotes get the feed layout, long ones
// the vertical card. The classic layout ignores length.
func (c *Cards) SingleCard(q quote.Quote, index, total int) (Page, error) {
	data := c.NewCardData(q, index, total)

	if c.opts.Layout == LayoutClassic {
		return classicPage(data)
	}

	if IsLongText(data.Text) {
		data.Width, data.Height = verticalWidth, verticalHeight
		html, err := execute("vertical.html", data)
		if err != nil {
			return Page{}, err
		}
		return Page{HTML: html, Width: verticalWidth, Height: verticalHeight, FullPage: true}, nil
	}

	data.Width, data.Height = feedWidth, 1
	html, err := execute("feed.html", data)
	if err != nil {
		return Page{}, err
	}
	return Page{HTML: html, Width: feedWidth, Height: 1, FullPage: true}, nil
}

type classicData struct {
	CardData
	LeftWidth  int
	RightWidth int
	FadeLeft   int
	FadeWidth  int
}

func classicPage(data CardData) (Page, error) {
	data.Width, data.Height = classicWidth, classicHeight
	left := classicWidth * 36 / 100
	fade := max(200, classicWidth*26/100)
	html, err := execute("classic.html", classicData{
		CardData:   data,
		LeftWidth:  left,
		RightWidth: classicWidth * 64 / 100,
		FadeLeft:   left - fade*7/10,
		FadeWidth:  fade,
	})
	if err != nil {
		return Page{}, err
	}
	return Page{HTML: html, Width: classicWidth, Height: classicHeight}, nil
}

// Header is the title block of a merged card.
type Header struct {
	Title    string
	AvatarID string
}

type mergedItem struct {
	Index     int
	Text      string
	FontSize  int
	Name      string
	AvatarURL string
}

type mergedData struct {
	Title      string
	AvatarURL  string
	ShowAuthor bool
	Items      []mergedItem
}

// MergedCard renders several quotes as one long image. showAuthor adds the
// author line under every entry.
func (c *Cards) MergedCard(quotes []quote.Quote, header Header, showAuthor bool) (Page, error) {
	data := mergedData{
		Title:      header.Title,
		AvatarURL:  AvatarURL(c.opts.AvatarProvider, header.AvatarID),
		ShowAuthor: showAuthor,
	}
	for _, q := range quotes {
		text := q.DisplayText()
		if strings.TrimSpace(text) == "" {
			continue
		}
		size := 38
		if utf8.RuneCountInString(text) < mergedSmallRunes {
			size = 46
		}
		name := q.DisplayName
		if name == "" {
			name = q.AuthorID
		}
		data.Items = append(data.Items, mergedItem{
			Index:     len(data.Items) + 1,
			Text:      text,
			FontSize:  size,
			Name:      name,
			AvatarURL: AvatarURL(c.opts.AvatarProvider, q.AuthorID),
		})
	}

	html, err := execute("merged.html", data)
	if err != nil {
		return Page{}, err
	}
	return Page{HTML: html, Width: mergedWidth, Height: mergedHeight, FullPage: true}, nil
}

// TextFallback is the plain-text rendering used when no renderer is
// available or rendering failed.
func (c *Cards) TextFallback(q quote.Quote, index, total int) string {
	data := c.NewCardData(q, index, total)
	var b strings.Builder
	b.WriteString("「")
	b.WriteString(data.Text)
	b.WriteString("」\n—— ")
	b.WriteString(data.Name)
	if data.TimeText != "" {
		b.WriteString("\n")
		b.WriteString(data.TimeText)
		b.WriteString("  ")
	} else {
		b.WriteString("\n")
	}
	b.WriteString(data.CountText)
	return b.String()
}

// MergedFallback is the plain-text form of a merged card.
func (c *Cards) MergedFallback(quotes []quote.Quote, header Header, showAuthor bool) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s\n本次抽取了 %d 条语录", header.Title, len(quotes))
	for i, q := range quotes {
		fmt.Fprintf(&b, "\n#%d %s", i+1, q.DisplayText())
		if showAuthor {
			name := q.DisplayName
			if name == "" {
				name = q.AuthorID
			}
			fmt.Fprintf(&b, " —— %s", name)
		}
	}
	return b.String()
}

func execute(name string, data any) (string, error) {
	var buf bytes.Buffer
	if err := templates.ExecuteTemplate(&buf, name, data); err != nil {
		return "", fmt.Errorf("render %s: %w", name, err)
	}
	return buf.String(), nil
}
