package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	sawerni "github.com/xCyberpunkx/sawerni-go"
)

// getSession loads the config and builds an authenticated client plus a
// synchronization engine for the stored user.
func getSession() (*Config, *sawerni.Client, *sawerni.Syncer) {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if cfg.Auth.Token == "" || cfg.Auth.UserID == "" {
		fmt.Fprintln(os.Stderr, "No session. Run 'sawerni init <token> <user-id>' first.")
		os.Exit(1)
	}

	var opts []sawerni.ClientOption
	if cfg.Default.BaseURL != "" {
		opts = append(opts, sawerni.WithBaseURL(cfg.Default.BaseURL))
	}
	client := sawerni.NewClient(cfg.Auth.Token, opts...)

	var syncOpts sawerni.SyncerOptions
	if cfg.Default.PerPage > 0 {
		syncOpts.PerPage = cfg.Default.PerPage
	}
	return cfg, client, sawerni.NewSyncer(client, cfg.Auth.UserID, &syncOpts)
}

// formatWhen renders a timestamp compactly for list output.
func formatWhen(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	if time.Since(t) < 24*time.Hour {
		return t.Local().Format("15:04")
	}
	return t.Local().Format("Jan 02")
}

// oneLine collapses message content for list display.
func oneLine(content *string, max int) string {
	if content == nil {
		return "[attachment]"
	}
	s := strings.ReplaceAll(*content, "\n", " ")
	if len(s) > max {
		return s[:max-1] + "…"
	}
	return s
}
