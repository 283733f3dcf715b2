package commands

import (
	"context"
	"fmt"
	"math/rand/v2"
	"path/filepath"
	"time"

	"github.com/sipeed/picoquote/pkg/bus"
	"github.com/sipeed/picoquote/pkg/logger"
	"github.com/sipeed/picoquote/pkg/media"
	"github.com/sipeed/picoquote/pkg/metrics"
	"github.com/sipeed/picoquote/pkg/quote"
	"github.com/sipeed/picoquote/pkg/render"
)

// Presenter turns quotes into outgoing messages: a stored original image,
// a rendered card, or the text fallback when rendering is off or fails.
type Presenter struct {
	cards    *render.Cards
	renderer render.Renderer
	images   *media.ImageStore
	metrics  *metrics.Collector
	timeout  time.Duration
}

// NewPresenter builds a presenter. A nil renderer sends text cards only.
func NewPresenter(cards *render.Cards, renderer render.Renderer, images *media.ImageStore, m *metrics.Collector, timeout time.Duration) *Presenter {
	if cards == nil {
		cards = render.NewCards(render.Options{})
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Presenter{cards: cards, renderer: renderer, images: images, metrics: m, timeout: timeout}
}

// Quote shows q the way 语录 does: one of its own images when it has any that
// still exist, otherwise a card with its "#N / M" position.
func (p *Presenter) Quote(ctx context.Context, q quote.Quote, index, total int) *Response {
	if img, ok := p.originalImage(q); ok {
		return &Response{Images: []bus.Image{img}, QuoteID: q.ID}
	}
	resp := p.Card(ctx, q, index, total)
	resp.QuoteID = q.ID
	return resp
}

func (p *Presenter) originalImage(q quote.Quote) (bus.Image, bool) {
	if p.images == nil || len(q.Attachments) == 0 {
		return bus.Image{}, false
	}
	order := rand.Perm(len(q.Attachments))
	for _, i := range order {
		rel := q.Attachments[i]
		if !p.images.Exists(rel) {
			continue
		}
		abs := p.images.Abs(rel)
		return bus.Image{Name: filepath.Base(abs), Path: abs}, true
	}
	logger.WarnCF("present", "Quote images missing on disk, rendering instead", map[string]interface{}{
		"quote_id": q.ID,
		"images":   len(q.Attachments),
	})
	return bus.Image{}, false
}

// Card renders a single quote card.
func (p *Presenter) Card(ctx context.Context, q quote.Quote, index, total int) *Response {
	fallback := p.cards.TextFallback(q, index, total)
	page, err := p.cards.SingleCard(q, index, total)
	if err != nil {
		logger.ErrorCF("present", "Card template failed", map[string]interface{}{
			"quote_id": q.ID,
			"error":    err.Error(),
		})
		return reply(fallback)
	}
	return p.rasterize(ctx, page, "quote_"+q.ID+".png", fallback)
}

// Merged renders several quotes as one long card.
func (p *Presenter) Merged(ctx context.Context, quotes []quote.Quote, header render.Header, showAuthor bool) *Response {
	fallback := p.cards.MergedFallback(quotes, header, showAuthor)
	page, err := p.cards.MergedCard(quotes, header, showAuthor)
	if err != nil {
		logger.ErrorCF("present", "Merged template failed", map[string]interface{}{
			"count": len(quotes),
			"error": err.Error(),
		})
		return reply(fallback)
	}
	return p.rasterize(ctx, page, fmt.Sprintf("quotes_%d.png", time.Now().UnixMilli()), fallback)
}

func (p *Presenter) rasterize(ctx context.Context, page render.Page, name, fallback string) *Response {
	if p.renderer == nil {
		return reply(fallback)
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	start := time.Now()
	png, err := p.renderer.Render(ctx, page)
	p.metrics.ObserveRender(time.Since(start))
	if err != nil {
		logger.WarnCF("present", "Render failed, sending text", map[string]interface{}{
			"error": err.Error(),
		})
		return reply(fallback)
	}
	return &Response{Images: []bus.Image{{Name: name, Data: png}}}
}
