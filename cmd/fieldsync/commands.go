package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/fieldledger/fieldsync/internal/config"
	"github.com/fieldledger/fieldsync/internal/queue"
	"github.com/fieldledger/fieldsync/internal/syncer"
)

// initCommand writes a default config and generates the queue key.
func initCommand(args []string, configPath string) int {
	fs := flag.NewFlagSet("init", flag.ExitOnError)
	force := fs.Bool("force", false, "Overwrite existing config")
	if err := fs.Parse(args); err != nil {
		return 1
	}

	if _, err := os.Stat(configPath); err == nil && !*force {
		fmt.Fprintf(os.Stderr, "Config already exists: %s (use -force to overwrite)\n", configPath)
		return 1
	}

	cfg := config.DefaultConfig()
	cfg.Queue.KeyPath = "./data/fieldsync.key"

	if err := cfg.Save(configPath); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to write config: %v\n", err)
		return 1
	}
	fmt.Printf("Config written: %s\n", configPath)

	if _, err := queue.LoadOrCreateKey(cfg.Queue.KeyPath); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create queue key: %v\n", err)
		return 1
	}
	fmt.Printf("Queue key created: %s\n", cfg.Queue.KeyPath)
	fmt.Println("Run 'fieldsync start' to launch the daemon.")
	return 0
}

// daemonURL derives the local API address from config.
func daemonURL(configPath string) (string, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("http://localhost:%d", cfg.Server.Port), nil
}

// syncCommand asks the running daemon for an immediate sync pass.
func syncCommand(args []string, configPath string) int {
	fs := flag.NewFlagSet("sync", flag.ExitOnError)
	timeout := fs.Duration("timeout", 5*time.Minute, "Sync timeout")
	if err := fs.Parse(args); err != nil {
		return 1
	}

	base, err := daemonURL(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to read config: %v\n", err)
		return 1
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, base+"/api/sync", nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Daemon unreachable at %s: %v\n", base, err)
		return 1
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var e struct {
			Error string `json:"error"`
		}
		json.NewDecoder(resp.Body).Decode(&e)
		fmt.Fprintf(os.Stderr, "Sync failed: %s\n", e.Error)
		return 1
	}

	var res syncer.Result
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	fmt.Printf("Synced: %d ok, %d failed of %d\n", res.Success, res.Failed, res.Total)
	return 0
}

// queueCommand inspects or clears the pending queue via the daemon.
func queueCommand(args []string, configPath string) int {
	fs := flag.NewFlagSet("queue", flag.ExitOnError)
	dead := fs.Bool("dead", false, "Show abandoned requests instead of pending")
	clear := fs.Bool("clear", false, "Clear the listed queue")
	if err := fs.Parse(args); err != nil {
		return 1
	}

	base, err := daemonURL(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to read config: %v\n", err)
		return 1
	}

	path := "/api/queue"
	if *dead {
		path = "/api/deadletters"
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if *clear {
		req, err := http.NewRequestWithContext(ctx, http.MethodDelete, base+path, nil)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return 1
		}
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Daemon unreachable at %s: %v\n", base, err)
			return 1
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			fmt.Fprintf(os.Stderr, "Clear failed: HTTP %d\n", resp.StatusCode)
			return 1
		}
		fmt.Println("Cleared.")
		return 0
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+path, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Daemon unreachable at %s: %v\n", base, err)
		return 1
	}
	defer resp.Body.Close()

	if *dead {
		var out struct {
			Count       int                `json:"count"`
			DeadLetters []queue.DeadLetter `json:"dead_letters"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return 1
		}
		fmt.Printf("Abandoned requests: %d\n", out.Count)
		for _, d := range out.DeadLetters {
			fmt.Printf("  %s  %-6s %s  retries=%d  abandoned=%s\n",
				d.ID, d.Method, d.URL, d.RetryCount,
				d.AbandonedAt.Format(time.RFC3339))
			if d.LastError != "" {
				fmt.Printf("    last error: %s\n", d.LastError)
			}
		}
		return 0
	}

	var out struct {
		Count    int             `json:"count"`
		Requests []queue.Request `json:"requests"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	fmt.Printf("Pending requests: %d\n", out.Count)
	for _, r := range out.Requests {
		fmt.Printf("  %s  %-6s %s  retries=%d  queued=%s\n",
			r.ID, r.Method, r.URL, r.RetryCount,
			time.Unix(0, r.Timestamp).Format(time.RFC3339))
		if r.LastError != "" {
			fmt.Printf("    last error: %s\n", r.LastError)
		}
	}
	return 0
}
