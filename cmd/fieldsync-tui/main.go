// Command fieldsync-tui is a terminal monitor for a running fieldsync
// daemon.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/fieldledger/fieldsync/internal/tui"
)

func main() {
	apiURL := flag.String("api", "http://localhost:8471", "FieldSync daemon URL")
	logPath := flag.String("log", "", "Debug log file (default: disabled)")
	flag.Parse()

	// Stdout belongs to the TUI; logs go to a file or nowhere.
	logger := slog.New(slog.DiscardHandler)
	if *logPath != "" {
		if err := os.MkdirAll(filepath.Dir(*logPath), 0750); err == nil {
			if f, err := os.OpenFile(*logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0640); err == nil {
				defer f.Close()
				logger = slog.New(slog.NewJSONHandler(f, nil))
			}
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	feed := tui.NewFeed(*apiURL, logger)
	go feed.Run(ctx)

	model := tui.NewModel(feed, tui.NewClient(*apiURL))
	p := tea.NewProgram(model, tea.WithAltScreen())
	if _, err := p.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "TUI error: %v\n", err)
		os.Exit(1)
	}
}
