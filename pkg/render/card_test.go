package render

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sipeed/picoquote/pkg/quote"
)

func testCards() *Cards {
	return NewCards(Options{Location: time.UTC})
}

func sampleQuote(text string) quote.Quote {
	return quote.Quote{
		ID:          "q1",
		AuthorID:    "10001",
		DisplayName: "Alice",
		Text:        text,
		CreatedAt:   float64(time.Date(2024, 3, 5, 14, 7, 0, 0, time.UTC).Unix()),
	}
}

func TestAvatarURL(t *testing.T) {
	assert.Equal(t, "https://q1.qlogo.cn/g?b=qq&nk=123&s=640", AvatarURL("qlogo", "123"))
	assert.Equal(t, "https://q1.qlogo.cn/g?b=qq&nk=123&s=640", AvatarURL("", "123"))
	assert.Equal(t, "", AvatarURL("none", "123"))
	assert.Equal(t, "https://cdn.example/a/123.png", AvatarURL("https://cdn.example/a/{id}.png", "123"))
	assert.Equal(t, "", AvatarURL("qlogo", " "))
}

func TestSingleCard_FeedLayout(t *testing.T) {
	page, err := testCards().SingleCard(sampleQuote("hello"), 2, 5)
	require.NoError(t, err)

	assert.Equal(t, 1500, page.Width)
	assert.Equal(t, 1, page.Height)
	assert.True(t, page.FullPage)
	assert.Contains(t, page.HTML, "feed-container")
	assert.Contains(t, page.HTML, "#2 / 5")
	assert.Contains(t, page.HTML, "05 Mar 2024 14:07")
	assert.Contains(t, page.HTML, "Alice")
}

func TestSingleCard_VerticalForLongText(t *testing.T) {
	long := strings.Repeat("字", 61)
	page, err := testCards().SingleCard(sampleQuote(long), 1, 1)
	require.NoError(t, err)
	assert.Equal(t, 800, page.Height)
	assert.Contains(t, page.HTML, "card-top-bar")

	lines := "a\nb\nc\nd\ne\nf"
	page, err = testCards().SingleCard(sampleQuote(lines), 1, 1)
	require.NoError(t, err)
	assert.Contains(t, page.HTML, "card-top-bar")

	exactly := strings.Repeat("字", 60)
	page, err = testCards().SingleCard(sampleQuote(exactly), 1, 1)
	require.NoError(t, err)
	assert.Contains(t, page.HTML, "feed-container")
}

func TestSingleCard_EscapesText(t *testing.T) {
	q := sampleQuote(`<script>alert("x")</script>`)
	q.DisplayName = "<b>bob</b>"
	page, err := testCards().SingleCard(q, 1, 1)
	require.NoError(t, err)

	assert.NotContains(t, page.HTML, "<script>")
	assert.NotContains(t, page.HTML, "<b>bob</b>")
	assert.Contains(t, page.HTML, "&lt;script&gt;")
}

func TestSingleCard_ImageOnlyAndBrand(t *testing.T) {
	q := sampleQuote("")
	q.Attachments = []string{"quotes/images/1.png"}
	page, err := testCards().SingleCard(q, 0, 0)
	require.NoError(t, err)

	assert.Contains(t, page.HTML, quote.ImagePlaceholder)
	assert.Contains(t, page.HTML, "picoquote")
}

func TestSingleCard_ClassicLayout(t *testing.T) {
	cards := NewCards(Options{Layout: LayoutClassic, Location: time.UTC})
	page, err := cards.SingleCard(sampleQuote(strings.Repeat("x", 100)), 1, 1)
	require.NoError(t, err)

	assert.Equal(t, 1280, page.Width)
	assert.Equal(t, 427, page.Height)
	assert.False(t, page.FullPage)
	assert.Contains(t, page.HTML, "fade-overlay")
	assert.Contains(t, page.HTML, "left: 460px")
}

func TestMergedCard(t *testing.T) {
	short := sampleQuote("short")
	long := sampleQuote(strings.Repeat("长", 50))
	long.AuthorID = "20002"
	long.DisplayName = "Bob"

	page, err := testCards().MergedCard([]quote.Quote{short, long}, Header{Title: "随机抽卡"}, true)
	require.NoError(t, err)

	assert.Equal(t, 1000, page.Width)
	assert.True(t, page.FullPage)
	assert.Contains(t, page.HTML, "本次抽取了 2 条语录")
	assert.Contains(t, page.HTML, "#1")
	assert.Contains(t, page.HTML, "#2")
	assert.Contains(t, page.HTML, "font-size: 46px")
	assert.Contains(t, page.HTML, "font-size: 38px")
	assert.Contains(t, page.HTML, "—— Bob")
	assert.Contains(t, page.HTML, "nk=20002")

	page, err = testCards().MergedCard([]quote.Quote{short}, Header{Title: "Alice", AvatarID: "10001"}, false)
	require.NoError(t, err)
	assert.NotContains(t, page.HTML, "card-author")
	assert.Contains(t, page.HTML, "nk=10001")
}

func TestTextFallback(t *testing.T) {
	got := testCards().TextFallback(sampleQuote("hi"), 3, 4)
	assert.Equal(t, "「hi」\n—— Alice\n05 Mar 2024 14:07  #3 / 4", got)

	q := sampleQuote("hi")
	q.CreatedAt = 0
	q.DisplayName = ""
	assert.Equal(t, "「hi」\n—— 10001\npicoquote", testCards().TextFallback(q, 0, 0))
}

func TestMergedFallback(t *testing.T) {
	a := sampleQuote("one")
	b := sampleQuote("two")
	b.DisplayName = "Bob"
	got := testCards().MergedFallback([]quote.Quote{a, b}, Header{Title: "抽卡"}, true)
	assert.Equal(t, "抽卡\n本次抽取了 2 条语录\n#1 one —— Alice\n#2 two —— Bob", got)
}
