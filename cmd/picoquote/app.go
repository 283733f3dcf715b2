package main

import (
	"fmt"
	"time"

	"github.com/sipeed/picoquote/pkg/bot"
	"github.com/sipeed/picoquote/pkg/bus"
	"github.com/sipeed/picoquote/pkg/commands"
	"github.com/sipeed/picoquote/pkg/config"
	"github.com/sipeed/picoquote/pkg/cron"
	"github.com/sipeed/picoquote/pkg/llm"
	"github.com/sipeed/picoquote/pkg/logger"
	"github.com/sipeed/picoquote/pkg/media"
	"github.com/sipeed/picoquote/pkg/metrics"
	"github.com/sipeed/picoquote/pkg/miner"
	"github.com/sipeed/picoquote/pkg/quote"
	"github.com/sipeed/picoquote/pkg/render"
	"github.com/sipeed/picoquote/pkg/session"
)

// app holds everything both gateway and console mode need.
type app struct {
	cfg        *config.Config
	bus        *bus.MessageBus
	store      *quote.Store
	downloader *media.Downloader
	metrics    *metrics.Collector
	cron       *cron.CronService
	chrome     *render.ChromeRenderer
	deps       *commands.Deps
	registry   *commands.Registry
	loop       *bot.Loop
}

func configureLogging(cfg *config.Config) {
	if cfg.Logging.Level != "" {
		logger.SetLevel(logger.ParseLevel(cfg.Logging.Level))
	}
	if cfg.Logging.File != "" {
		logger.EnableFileLogging(logger.FileOptions{
			Path:       cfg.Logging.File,
			MaxSizeMB:  cfg.Logging.MaxSizeMB,
			MaxBackups: cfg.Logging.MaxBackups,
			MaxAgeDays: cfg.Logging.MaxAgeDays,
		})
	}
}

func newApp(cfg *config.Config) (*app, error) {
	store, status, err := quote.Open(quote.Options{Path: cfg.QuotesPath(), Dedup: cfg.Quotes.Dedup})
	if err != nil {
		return nil, fmt.Errorf("open quote store: %w", err)
	}
	logger.InfoCF("quotes", "Quote store ready", map[string]interface{}{
		"path":   store.Path(),
		"status": status.String(),
		"count":  store.Len(),
	})

	downloader := media.NewDownloader(30 * time.Second)
	images, err := media.NewImageStore(cfg.DataPath(), downloader)
	if err != nil {
		return nil, err
	}

	collector := metrics.New()
	collector.TrackQuotes(store.Len)

	renderCfg := cfg.Quotes.Render
	location := time.Local
	if renderCfg.Timezone != "" {
		loc, err := time.LoadLocation(renderCfg.Timezone)
		if err != nil {
			logger.WarnCF("render", "Unknown timezone, using local time", map[string]interface{}{
				"timezone": renderCfg.Timezone,
				"error":    err.Error(),
			})
		} else {
			location = loc
		}
	}
	cards := render.NewCards(render.Options{
		AvatarProvider: cfg.Quotes.AvatarProvider,
		Brand:          renderCfg.Brand,
		Layout:         renderCfg.Layout,
		Location:       location,
	})

	renderTimeout := time.Duration(renderCfg.TimeoutSeconds) * time.Second
	var chrome *render.ChromeRenderer
	var renderer render.Renderer
	if renderCfg.Enabled {
		chrome = render.NewChromeRenderer(render.ChromeOptions{
			ExecPath: renderCfg.ChromePath,
			Timeout:  renderTimeout,
		})
		renderer = chrome
	} else {
		logger.InfoC("render", "Card rendering disabled, quotes are sent as text")
	}

	a := &app{
		cfg:        cfg,
		bus:        bus.NewMessageBus(),
		store:      store,
		downloader: downloader,
		metrics:    collector,
		chrome:     chrome,
	}

	a.deps = &commands.Deps{
		Store:    store,
		Images:   images,
		Present:  commands.NewPresenter(cards, renderer, images, collector, renderTimeout),
		Sessions: session.NewSessionManager(cfg.SessionsPath()),
		Metrics:  collector,
		MaxBatch: cfg.Quotes.MaxBatch,
		Timezone: renderCfg.Timezone,
	}
	a.registry = commands.NewRegistry(collector)
	commands.Register(a.registry, a.deps)
	a.loop = bot.NewLoop(cfg, a.bus, a.registry, a.deps)

	a.cron = cron.NewCronService(cfg.CronStorePath(), a.loop.HandleJob)
	a.deps.Cron = a.cron
	a.deps.Miner = newMiner(cfg, store, a.loop)

	return a, nil
}

// newMiner returns nil when no provider is configured; the mine command then
// tells the user so.
func newMiner(cfg *config.Config, store *quote.Store, loop *bot.Loop) *miner.Miner {
	mc := cfg.Miner
	if mc.Provider == "" {
		return nil
	}
	provider, ok := llm.ResolveProvider(cfg.Providers, mc.Provider)
	if !ok {
		logger.WarnCF("miner", "Unknown miner provider", map[string]interface{}{"provider": mc.Provider})
		return nil
	}
	client, err := llm.NewClient(provider, llm.Options{
		Model:       mc.Model,
		Temperature: mc.Temperature,
		Timeout:     time.Duration(mc.TimeoutSeconds) * time.Second,
	})
	if err != nil {
		logger.WarnCF("miner", "Miner disabled", map[string]interface{}{"error": err.Error()})
		return nil
	}
	logger.InfoCF("miner", "Miner enabled", map[string]interface{}{
		"provider": provider.Name,
		"model":    mc.Model,
	})
	return miner.New(store, client, miner.Options{
		MaxPages:  mc.MaxPages,
		PageSize:  mc.PageSize,
		MinRunes:  mc.MinRunes,
		MaxRunes:  mc.MaxRunes,
		MaxPicks:  mc.MaxPicks,
		Prompt:    mc.Prompt,
		IsCommand: loop.IsCommand,
	})
}

func (a *app) close() {
	if a.chrome != nil {
		a.chrome.Close()
	}
	a.bus.Close()
	logger.Sync()
}
