package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/Guizzs26/fb-discord-relay/internal/config"
	"github.com/Guizzs26/fb-discord-relay/internal/meta"
	"github.com/Guizzs26/fb-discord-relay/pkg/infra"
)

// subscribe (re)attaches this app to the page's feed field. One-shot
// administrative helper; run it once after deploying or rotating the token.
func main() {
	verify := flag.Bool("verify", false, "read back the page's subscribed apps after subscribing")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("CRITICAL: invalid configuration", "error", err)
		os.Exit(1)
	}

	logger := infra.SetupLogger(cfg, "subscribe")
	slog.SetDefault(logger)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	client := meta.NewClient(cfg.MetaGraphHost, cfg.MetaGraphVersion, cfg.MetaPageID, cfg.MetaPageAccessToken, cfg.MetaAppSecret, logger)

	if err := client.Subscribe(ctx); err != nil {
		logger.Error("Subscription failed", "page_id", cfg.MetaPageID, "error", err)
		os.Exit(1)
	}
	logger.Info("✅ App subscribed to page feed", "page_id", cfg.MetaPageID)

	if *verify {
		subs, err := client.ListSubscriptions(ctx)
		if err != nil {
			logger.Error("Failed to read back subscriptions", "error", err)
			os.Exit(1)
		}
		for _, sub := range subs {
			fmt.Println(sub)
		}
	}
}
