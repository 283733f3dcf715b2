// PicoQuote - group chat quote bot
// Built on the PicoClaw channel runtime: https://github.com/sipeed/picoclaw
// License: MIT
//
// Copyright (c) 2026 PicoQuote contributors

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"syscall"
	"time"

	"github.com/fatih/color"

	"github.com/sipeed/picoquote/pkg/channels"
	"github.com/sipeed/picoquote/pkg/config"
	"github.com/sipeed/picoquote/pkg/gateway"
	"github.com/sipeed/picoquote/pkg/llm"
	"github.com/sipeed/picoquote/pkg/logger"
	"github.com/sipeed/picoquote/pkg/quote"
)

const version = "0.1.0"
const logo = "❝"

func main() {
	if err := loadEnvFile(".env"); err != nil && !os.IsNotExist(err) {
		fmt.Printf("Error loading .env: %v\n", err)
	}

	if len(os.Args) < 2 {
		printHelp()
		os.Exit(1)
	}

	command := os.Args[1]

	switch command {
	case "onboard":
		onboard()
	case "gateway":
		gatewayCmd()
	case "console":
		consoleCmd()
	case "status":
		statusCmd()
	case "cron":
		cronCmd()
	case "version", "--version", "-v":
		fmt.Printf("%s picoquote v%s\n", logo, version)
	default:
		fmt.Printf("Unknown command: %s\n", command)
		printHelp()
		os.Exit(1)
	}
}

func printHelp() {
	fmt.Printf("%s picoquote - group chat quote bot v%s\n\n", logo, version)
	fmt.Println("Usage: picoquote <command>")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  onboard     Write a default configuration")
	fmt.Println("  gateway     Connect to the chat platforms and serve quotes")
	fmt.Println("  console     Run quote commands locally")
	fmt.Println("  status      Show configuration and quote store status")
	fmt.Println("  cron        Manage scheduled quotes")
	fmt.Println("  version     Show version information")
}

func getConfigPath() string {
	if p := os.Getenv("PICOQUOTE_CONFIG"); p != "" {
		return p
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".picoquote", "config.json")
}

func loadConfig() (*config.Config, error) {
	return config.LoadConfig(getConfigPath())
}

func mustLoadConfig() *config.Config {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Printf("Error loading config: %v\n", err)
		os.Exit(1)
	}
	return cfg
}

func debugFlag(args []string) bool {
	for _, arg := range args {
		if arg == "--debug" || arg == "-d" {
			return true
		}
	}
	return false
}

func onboard() {
	configPath := getConfigPath()

	if _, err := os.Stat(configPath); err == nil {
		fmt.Printf("Config already exists at %s\n", configPath)
		fmt.Print("Overwrite? (y/n): ")
		var response string
		fmt.Scanln(&response)
		if response != "y" {
			fmt.Println("Aborted.")
			return
		}
	}

	cfg := config.DefaultConfig()
	if err := config.SaveConfig(configPath, cfg); err != nil {
		fmt.Printf("Error saving config: %v\n", err)
		os.Exit(1)
	}
	for _, dir := range []string{filepath.Dir(cfg.QuotesPath()), filepath.Dir(cfg.CronStorePath()), cfg.SessionsPath()} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			fmt.Printf("Error creating %s: %v\n", dir, err)
			os.Exit(1)
		}
	}

	fmt.Printf("%s picoquote is ready!\n", logo)
	fmt.Println("\nNext steps:")
	fmt.Println("  1. Enable a channel (onebot, telegram or discord) in", configPath)
	fmt.Println("  2. Add your user id to quotes.admins")
	fmt.Println("  3. Try it locally: picoquote console")
	fmt.Println("  4. Go live: picoquote gateway")
}

func gatewayCmd() {
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

	channelManager, err := channels.NewManager(cfg, a.bus, a.downloader)
	if err != nil {
		fmt.Printf("Error creating channel manager: %v\n", err)
		os.Exit(1)
	}
	channelManager.SetOnSent(a.loop.OnSent)
	channelManager.SetMetrics(a.metrics)
	a.deps.Platform = channelManager

	enabledChannels := channelManager.GetEnabledChannels()
	if len(enabledChannels) > 0 {
		fmt.Printf("✓ Channels enabled: %s\n", enabledChannels)
	} else {
		fmt.Println("⚠ Warning: No channels enabled")
	}
	fmt.Printf("✓ Quotes loaded: %d\n", a.store.Len())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := a.cron.Start(); err != nil {
		fmt.Printf("Error starting cron service: %v\n", err)
	}
	fmt.Println("✓ Cron service started")

	if err := channelManager.StartAll(ctx); err != nil {
		fmt.Printf("Error starting channels: %v\n", err)
	}

	server := gateway.New(cfg.Gateway, a.store, a.metrics, channelManager.GetStatus)
	if err := server.Start(); err != nil {
		fmt.Printf("Error starting HTTP gateway: %v\n", err)
	} else {
		fmt.Printf("✓ Gateway started on %s\n", server.Addr())
	}
	fmt.Println("Press Ctrl+C to stop")

	go func() {
		if err := a.loop.Run(ctx); err != nil {
			logger.ErrorCF("bot", "Command loop stopped", map[string]interface{}{"error": err.Error()})
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	fmt.Println("\nShutting down...")
	cancel()
	a.loop.Stop()
	a.cron.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.WarnCF("gateway", "HTTP shutdown failed", map[string]interface{}{"error": err.Error()})
	}
	channelManager.StopAll(shutdownCtx)
	fmt.Println("✓ Gateway stopped")
}

func statusCmd() {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Printf("Error loading config: %v\n", err)
		return
	}

	ok := color.New(color.FgGreen).SprintFunc()
	bad := color.New(color.FgRed).SprintFunc()
	dim := color.New(color.Faint).SprintFunc()
	check := func(v bool) string {
		if v {
			return ok("✓")
		}
		return bad("✗")
	}
	exists := func(path string) bool {
		_, err := os.Stat(path)
		return err == nil
	}

	configPath := getConfigPath()
	fmt.Printf("%s picoquote Status\n\n", logo)
	fmt.Println("Config:", configPath, check(exists(configPath)))
	fmt.Println("Data:", cfg.DataPath(), check(exists(cfg.DataPath())))

	if exists(cfg.QuotesPath()) {
		store, status, err := quote.Open(quote.Options{Path: cfg.QuotesPath(), Dedup: cfg.Quotes.Dedup})
		if err != nil {
			fmt.Println("Quotes:", bad(err.Error()))
		} else {
			fmt.Printf("Quotes: %d %s\n", store.Len(), dim("("+status.String()+")"))
		}
	} else {
		fmt.Println("Quotes:", dim("no store yet"))
	}

	scope := "per chat"
	if cfg.Quotes.GlobalScope {
		scope = "global"
	}
	fmt.Println("Scope:", scope)
	fmt.Println("Admins:", len(cfg.Quotes.Admins))
	fmt.Println("Card rendering:", check(cfg.Quotes.Render.Enabled))

	fmt.Println("\nChannels:")
	chans := map[string]bool{
		"onebot":   cfg.Channels.OneBot.Enabled,
		"telegram": cfg.Channels.Telegram.Enabled,
		"discord":  cfg.Channels.Discord.Enabled,
	}
	names := make([]string, 0, len(chans))
	for name := range chans {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Printf("  %-9s %s\n", name, check(chans[name]))
	}

	fmt.Println("\nMiner:")
	if cfg.Miner.Provider == "" {
		fmt.Println("  provider", dim("not set"))
	} else {
		_, resolved := llm.ResolveProvider(cfg.Providers, cfg.Miner.Provider)
		fmt.Printf("  provider  %s %s\n", cfg.Miner.Provider, check(resolved))
		fmt.Printf("  model     %s\n", cfg.Miner.Model)
	}

	fmt.Printf("\nGateway: %s:%d\n", cfg.Gateway.Host, cfg.Gateway.Port)
}
